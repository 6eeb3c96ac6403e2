// Package journal records the outcome of every pipeline stage.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/replicator/replicator/pkg/clickhouse"
	"github.com/malbeclabs/replicator/replicator/pkg/metrics"
)

type Stage string

const (
	StageCapture   Stage = "capture"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusNoData    Status = "no_data"
)

// Event is one journal row.
type Event struct {
	Time        time.Time
	RunID       uuid.UUID
	Stage       Stage
	SourceTable string
	TargetTable string
	Status      Status
	Detail      string
	ExportIDs   []string
	Error       string
	Duration    time.Duration
}

// Journal appends events. Implementations must be safe for concurrent use.
type Journal interface {
	Record(ctx context.Context, events ...Event) error
}

// NewRunID returns the identifier shared by all events of one invocation.
func NewRunID() uuid.UUID {
	return uuid.New()
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, ...Event) error { return nil }

const table = "fact_replication_events"

const insertSQL = "INSERT INTO " + table + " (event_ts, run_id, stage, source_table, target_table, status, detail, export_ids, error, duration_ms)"

type ClickHouseConfig struct {
	Logger *slog.Logger
	Client clickhouse.Client
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	return nil
}

// ClickHouse writes events to the fact_replication_events table.
type ClickHouse struct {
	log *slog.Logger
	cfg ClickHouseConfig
}

func NewClickHouse(cfg ClickHouseConfig) (*ClickHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouse{log: cfg.Logger, cfg: cfg}, nil
}

func (j *ClickHouse) Record(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	err := j.write(ctx, events)
	if err != nil {
		metrics.JournalWritesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.JournalWritesTotal.WithLabelValues("success").Inc()
	return nil
}

func (j *ClickHouse) write(ctx context.Context, events []Event) error {
	conn, err := j.cfg.Client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()

	for i, e := range events {
		ts := e.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		exportIDs := e.ExportIDs
		if exportIDs == nil {
			exportIDs = []string{}
		}
		if err := batch.Append(
			ts.UTC(),
			e.RunID,
			string(e.Stage),
			e.SourceTable,
			e.TargetTable,
			string(e.Status),
			e.Detail,
			exportIDs,
			e.Error,
			uint64(e.Duration.Milliseconds()),
		); err != nil {
			return fmt.Errorf("failed to append event %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	j.log.Debug("journal: recorded events", "count", len(events))
	return nil
}

// Recent returns up to limit events for sourceTable, newest first. An empty
// sourceTable matches every table.
func (j *ClickHouse) Recent(ctx context.Context, sourceTable string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	conn, err := j.cfg.Client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `
		SELECT event_ts, run_id, stage, source_table, target_table, status, detail, export_ids, error, duration_ms
		FROM `+table+`
		WHERE ? = '' OR source_table = ?
		ORDER BY event_ts DESC, stage
		LIMIT ?`, sourceTable, sourceTable, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			stage      string
			status     string
			durationMs uint64
		)
		if err := rows.Scan(&e.Time, &e.RunID, &stage, &e.SourceTable, &e.TargetTable, &status, &e.Detail, &e.ExportIDs, &e.Error, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Stage = Stage(stage)
		e.Status = Status(status)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}
