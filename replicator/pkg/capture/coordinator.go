package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/replicator/replicator/pkg/metrics"
	"github.com/malbeclabs/replicator/replicator/pkg/window"
	"github.com/malbeclabs/replicator/utils/pkg/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultWindowPause    = 10 * time.Second
	DefaultLookback       = 24 * time.Hour
	DefaultMaxConcurrency = 4
)

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Exporter   Exporter
	Watermarks WatermarkStore

	Bucket string
	Prefix string

	// MaxSpan bounds a single incremental window.
	MaxSpan time.Duration
	// WindowPause separates consecutive window submissions for one table.
	WindowPause time.Duration
	// Lookback is how far back an incremental capture starts when the table
	// has no watermark yet.
	Lookback time.Duration

	MaxConcurrency int
	// RequestsPerSecond throttles export requests across all tables. Zero
	// disables throttling.
	RequestsPerSecond float64
	Retry             retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Exporter == nil {
		return errors.New("exporter is required")
	}
	if cfg.Watermarks == nil {
		return errors.New("watermark store is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = window.DefaultMaxSpan
	}
	if cfg.WindowPause < 0 {
		return errors.New("window pause must not be negative")
	}
	if cfg.WindowPause == 0 {
		cfg.WindowPause = DefaultWindowPause
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// RunOptions adjust a single run.
type RunOptions struct {
	// From overrides the stored watermark as the start of incremental
	// capture, for backfills.
	From time.Time
}

// TableResult is the outcome of one table. Err is nil on success.
type TableResult struct {
	Table     string
	ExportIDs []string
	Err       *TableCaptureError
}

type Result struct {
	Mode   Mode
	At     time.Time
	Tables []TableResult
}

// ExportIDs returns the accepted export identifiers per successful table.
func (r *Result) ExportIDs() map[string][]string {
	ids := make(map[string][]string, len(r.Tables))
	for _, t := range r.Tables {
		if t.Err == nil {
			ids[t.Table] = t.ExportIDs
		}
	}
	return ids
}

type Coordinator struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Coordinator{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *Coordinator) Run(ctx context.Context, tables []string, mode Mode) (*Result, error) {
	return c.RunWithOptions(ctx, tables, mode, RunOptions{})
}

// RunWithOptions captures every table, continuing past per-table failures.
// When any table failed the full result is returned together with a
// *BatchCaptureError.
func (c *Coordinator) RunWithOptions(ctx context.Context, tables []string, mode Mode, opts RunOptions) (*Result, error) {
	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	now := c.cfg.Clock.Now().UTC()
	results := make([]TableResult, len(tables))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, table := range tables {
		g.Go(func() error {
			var ids []string
			var err error
			if mode == ModeFull {
				ids, err = c.captureFull(ctx, table, now)
			} else {
				ids, err = c.captureIncremental(ctx, table, now, opts)
			}
			results[i] = TableResult{Table: table, ExportIDs: ids}
			if err != nil {
				c.log.Error("capture: table failed", "table", table, "mode", mode, "error", err)
				metrics.CaptureTableFailuresTotal.WithLabelValues(string(mode)).Inc()
				results[i].Err = &TableCaptureError{Table: table, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Mode: mode, At: now, Tables: results}
	var first *TableCaptureError
	failed := 0
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if first == nil {
			first = r.Err
		}
		failed++
	}
	if failed > 0 {
		return res, &BatchCaptureError{Mode: mode, Failed: failed, Total: len(tables), First: first}
	}

	c.log.Info("capture: run completed", "mode", mode, "tables", len(tables))
	return res, nil
}

func (c *Coordinator) captureFull(ctx context.Context, table string, now time.Time) ([]string, error) {
	c.log.Info("capture: exporting table", "table", table, "mode", ModeFull)
	id, err := c.submit(ctx, Request{
		Table:        table,
		Bucket:       c.cfg.Bucket,
		Prefix:       FullExportPrefix(c.cfg.Prefix, table),
		Mode:         ModeFull,
		ExportTime:   now,
		Format:       ExportFormatDynamoDBJSON,
		SSEAlgorithm: SSEAlgorithmAES256,
	})
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

func (c *Coordinator) captureIncremental(ctx context.Context, table string, now time.Time, opts RunOptions) ([]string, error) {
	stored, hasStored, err := c.cfg.Watermarks.Get(ctx, table)
	if err != nil {
		return nil, err
	}

	from := now.Add(-c.cfg.Lookback)
	switch {
	case !opts.From.IsZero():
		from = opts.From.UTC()
	case hasStored:
		from = stored
	}

	windows := window.Plan(from, now, c.cfg.MaxSpan)
	if len(windows) == 0 {
		c.log.Info("capture: no backlog", "table", table, "from", from, "to", now)
		return nil, nil
	}
	c.log.Info("capture: exporting table", "table", table, "mode", ModeIncremental, "from", from, "to", now, "windows", len(windows))

	ids := make([]string, 0, len(windows))
	for i, w := range windows {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ids, ctx.Err()
			case <-c.cfg.Clock.After(c.cfg.WindowPause):
			}
		}

		id, err := c.submit(ctx, Request{
			Table:        table,
			Bucket:       c.cfg.Bucket,
			Prefix:       IncrementalExportPrefix(c.cfg.Prefix, table),
			Mode:         ModeIncremental,
			ExportTime:   now,
			Window:       &w,
			Format:       ExportFormatDynamoDBJSON,
			SSEAlgorithm: SSEAlgorithmAES256,
		})
		if err != nil {
			return ids, fmt.Errorf("failed to export window %s to %s: %w", FormatWatermark(w.From), FormatWatermark(w.To), err)
		}
		ids = append(ids, id)

		next := w.To
		if next.After(now) {
			next = now
		}
		if !hasStored || next.After(stored) {
			if err := c.cfg.Watermarks.Put(ctx, table, next); err != nil {
				return ids, err
			}
			stored, hasStored = next, true
			metrics.WatermarkTimestamp.WithLabelValues(table).Set(float64(next.Unix()))
		}
	}
	return ids, nil
}

func (c *Coordinator) submit(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	id, err := retry.DoValue(ctx, c.cfg.Retry, func() (string, error) {
		return c.cfg.Exporter.Export(ctx, req)
	})
	if err != nil {
		metrics.CaptureRequestsTotal.WithLabelValues(string(req.Mode), "error").Inc()
		return "", err
	}
	metrics.CaptureRequestsTotal.WithLabelValues(string(req.Mode), "success").Inc()
	c.log.Debug("capture: export accepted", "table", req.Table, "export_id", id)
	return id, nil
}
