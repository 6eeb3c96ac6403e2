// Package replicator runs the capture, transform and load stages and records
// their outcomes.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/replicator/replicator/pkg/capture"
	"github.com/malbeclabs/replicator/replicator/pkg/journal"
	"github.com/malbeclabs/replicator/replicator/pkg/manifest"
	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/malbeclabs/replicator/replicator/pkg/warehouse"
)

var (
	ErrCaptureDisabled   = errors.New("capture is not configured")
	ErrTransformDisabled = errors.New("transform is not configured")
	ErrLoadDisabled      = errors.New("load is not configured")
)

type Replicator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Replicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Replicator{log: cfg.Logger, cfg: cfg}, nil
}

// Tables returns the tables captured by mode.
func (r *Replicator) Tables(mode capture.Mode) []string {
	if mode == capture.ModeFull {
		return r.cfg.Exports.Full
	}
	return r.cfg.Exports.Incremental
}

func (r *Replicator) RunCapture(ctx context.Context, mode capture.Mode) error {
	_, err := r.RunCaptureWithOptions(ctx, mode, capture.RunOptions{})
	return err
}

// RunCaptureWithOptions captures the configured tables of mode and records
// one journal event per table.
func (r *Replicator) RunCaptureWithOptions(ctx context.Context, mode capture.Mode, opts capture.RunOptions) (*capture.Result, error) {
	if r.cfg.Capture == nil {
		return nil, ErrCaptureDisabled
	}
	runID := journal.NewRunID()
	start := r.cfg.Clock.Now()

	res, err := r.cfg.Capture.RunWithOptions(ctx, r.Tables(mode), mode, opts)
	if res == nil {
		return nil, err
	}

	duration := r.cfg.Clock.Since(start)
	events := make([]journal.Event, 0, len(res.Tables))
	for _, t := range res.Tables {
		ev := journal.Event{
			Time:        res.At,
			RunID:       runID,
			Stage:       journal.StageCapture,
			SourceTable: t.Table,
			Status:      journal.StatusSucceeded,
			Detail:      string(mode),
			ExportIDs:   t.ExportIDs,
			Duration:    duration,
		}
		if t.Err != nil {
			ev.Status = journal.StatusFailed
			ev.Error = t.Err.Err.Error()
		}
		events = append(events, ev)
	}
	r.record(ctx, events...)
	return res, err
}

// RunTransform transforms the export described by summaryKey and returns the
// written manifest key, or "" when the export had no data.
func (r *Replicator) RunTransform(ctx context.Context, summaryKey string) (string, error) {
	if r.cfg.Transformer == nil {
		return "", ErrTransformDisabled
	}
	runID := journal.NewRunID()
	start := r.cfg.Clock.Now()

	m, manifestKey, err := r.cfg.Transformer.Transform(ctx, summaryKey)
	ev := journal.Event{
		Time:     start,
		RunID:    runID,
		Stage:    journal.StageTransform,
		Detail:   summaryKey,
		Duration: r.cfg.Clock.Since(start),
	}
	switch {
	case err != nil:
		ev.Status = journal.StatusFailed
		ev.Error = err.Error()
		var cfgErr *tablespec.ConfigurationError
		if errors.As(err, &cfgErr) {
			ev.SourceTable = cfgErr.Table
		}
	case m == nil:
		ev.Status = journal.StatusNoData
	default:
		ev.Status = journal.StatusSucceeded
		ev.SourceTable = m.SourceTableName
		ev.TargetTable = m.TargetTable
		ev.Detail = manifestKey
	}
	r.record(ctx, ev)
	if err != nil {
		return "", err
	}
	return manifestKey, nil
}

// RunLoad loads the manifest at manifestKey. Loads into the same target table
// never overlap.
func (r *Replicator) RunLoad(ctx context.Context, manifestKey string) error {
	if r.cfg.Loader == nil {
		return ErrLoadDisabled
	}
	runID := journal.NewRunID()
	start := r.cfg.Clock.Now()
	ev := journal.Event{
		Time:   start,
		RunID:  runID,
		Stage:  journal.StageLoad,
		Detail: manifestKey,
	}

	m, err := r.readManifest(ctx, manifestKey)
	if err != nil {
		ev.Status = journal.StatusFailed
		ev.Error = err.Error()
		ev.Duration = r.cfg.Clock.Since(start)
		r.record(ctx, ev)
		return err
	}
	ev.SourceTable = m.SourceTableName
	ev.TargetTable = m.TargetTable

	res, err := r.loadLocked(ctx, m)

	ev.Duration = r.cfg.Clock.Since(start)
	if err != nil {
		ev.Status = journal.StatusFailed
		ev.Error = err.Error()
		r.record(ctx, ev)
		return err
	}
	ev.Status = journal.StatusSucceeded
	ev.Detail = fmt.Sprintf("%s files=%d staged=%d deleted=%d merged=%d inserted=%d",
		manifestKey, res.Files, res.Staged, res.Deleted, res.Merged, res.Inserted)
	r.record(ctx, ev)
	return nil
}

func (r *Replicator) loadLocked(ctx context.Context, m *manifest.LoadManifest) (*warehouse.LoadResult, error) {
	unlock := r.cfg.Locks.Lock(m.TargetTable)
	defer unlock()
	return r.cfg.Loader.LoadWithResult(ctx, m)
}

func (r *Replicator) readManifest(ctx context.Context, key string) (*manifest.LoadManifest, error) {
	data, err := objectstore.ReadDecoded(ctx, r.cfg.Store, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read load manifest %s: %w", key, err)
	}
	return manifest.Decode(data)
}

// record writes journal events. Journal failures never fail a stage.
func (r *Replicator) record(ctx context.Context, events ...journal.Event) {
	if err := r.cfg.Journal.Record(context.WithoutCancel(ctx), events...); err != nil {
		r.log.Warn("replicator: failed to record journal events", "count", len(events), "error", err)
	}
}
