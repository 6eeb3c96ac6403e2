package warehouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/replicator/replicator/pkg/manifest"
	"github.com/malbeclabs/replicator/replicator/pkg/metrics"
	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/tidwall/gjson"
)

// ActivePath is where the transformer puts the row's active flag.
const ActivePath = "Item." + manifest.ActiveAttribute + ".BOOL"

type Config struct {
	Logger      *slog.Logger
	Store       objectstore.Store
	Registry    *tablespec.Registry
	Connector   Connector
	Credentials CredentialsProvider
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("object store is required")
	}
	if cfg.Registry == nil {
		return errors.New("table registry is required")
	}
	if cfg.Connector == nil {
		return errors.New("connector is required")
	}
	if cfg.Credentials == nil {
		return errors.New("credentials provider is required")
	}
	return nil
}

// LoadResult reports what a committed load changed.
type LoadResult struct {
	Target      string
	Incremental bool
	Files       int
	Staged      int64
	Deleted     int64
	Merged      int64
	Inserted    int64
	Duration    time.Duration
}

type Loader struct {
	log *slog.Logger
	cfg Config
}

func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

// LoadKey reads the manifest at key and loads it.
func (l *Loader) LoadKey(ctx context.Context, key string) (*LoadResult, error) {
	data, err := objectstore.ReadDecoded(ctx, l.cfg.Store, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read load manifest %s: %w", key, err)
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}
	return l.LoadWithResult(ctx, m)
}

// Load applies m to its target table in a single transaction and returns the
// target table name.
func (l *Loader) Load(ctx context.Context, m *manifest.LoadManifest) (string, error) {
	res, err := l.LoadWithResult(ctx, m)
	if err != nil {
		return "", err
	}
	return res.Target, nil
}

func (l *Loader) LoadWithResult(ctx context.Context, m *manifest.LoadManifest) (*LoadResult, error) {
	if err := m.Validate(); err != nil {
		return nil, &LoadError{Target: m.TargetTable, State: StateIdle, Err: err}
	}
	spec, err := l.cfg.Registry.Lookup(m.SourceTableName)
	if err != nil {
		return nil, &tablespec.ConfigurationError{Table: m.SourceTableName, Err: err}
	}
	if spec.TargetTable != m.TargetTable {
		return nil, &tablespec.ConfigurationError{
			Table: m.SourceTableName,
			Err:   fmt.Errorf("manifest targets %s but the mapping targets %s", m.TargetTable, spec.TargetTable),
		}
	}

	kind := loadKind(m)
	start := time.Now()
	res, err := l.load(ctx, m)
	metrics.LoadDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LoadsTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	res.Duration = time.Since(start)
	metrics.LoadsTotal.WithLabelValues(kind, "success").Inc()
	metrics.LoadRowsStaged.Add(float64(res.Staged))
	l.log.Info("warehouse: load committed", "target", res.Target, "incremental", res.Incremental,
		"staged", res.Staged, "deleted", res.Deleted, "merged", res.Merged, "inserted", res.Inserted, "duration", res.Duration)
	return res, nil
}

func loadKind(m *manifest.LoadManifest) string {
	if m.IsIncremental {
		return "incremental"
	}
	return "full"
}

func (l *Loader) load(ctx context.Context, m *manifest.LoadManifest) (res *LoadResult, err error) {
	target := m.TargetTable
	state := StateIdle
	fail := func(err error) error {
		return &LoadError{Target: target, State: state, Err: err}
	}

	creds, err := l.cfg.Credentials.Credentials(ctx)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to get credentials: %w", err))
	}
	conn, err := l.cfg.Connector.Connect(ctx, creds)
	if err != nil {
		return nil, fail(err)
	}
	defer func() {
		if cerr := conn.Close(context.WithoutCancel(ctx)); cerr != nil {
			l.log.Warn("warehouse: failed to close connection", "target", target, "error", cerr)
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fail(fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			l.log.Error("warehouse: rollback failed", "target", target, "error", rerr)
		}
		l.log.Warn("warehouse: load rolled back", "target", target, "state", state, "error", err)
	}()

	res = &LoadResult{Target: target, Incremental: m.IsIncremental}
	staging, active := stagingNames(target)
	cols := columnNames(m.ColumnPaths)
	keys := m.KeyColumns()

	state = StateStaging
	l.log.Info("warehouse: staging", "target", target, "files", len(m.Entries), "incremental", m.IsIncremental)
	targetCols, err := describeColumns(ctx, tx, target)
	if err != nil {
		return nil, fail(err)
	}
	typed, err := resolveColumns(m, targetCols)
	if err != nil {
		return nil, fail(err)
	}
	for _, stmt := range createStagingSQL(target, staging) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fail(fmt.Errorf("failed to create staging table: %w", err))
		}
	}
	files, staged, err := l.stage(ctx, tx, m, staging, typed)
	if err != nil {
		return nil, fail(err)
	}
	res.Files, res.Staged = files, staged

	if m.IsIncremental {
		state = StateDeleting
		tag, err := tx.Exec(ctx, deleteInactiveSQL(target, staging, keys))
		if err != nil {
			return nil, fail(fmt.Errorf("failed to delete inactive rows: %w", err))
		}
		res.Deleted = tag.RowsAffected()

		state = StateMerging
		if _, err := tx.Exec(ctx, buildActiveSQL(staging, active, cols, keys)); err != nil {
			return nil, fail(fmt.Errorf("failed to deduplicate staged rows: %w", err))
		}
		tag, err = tx.Exec(ctx, mergeSQL(target, active, cols, keys))
		if err != nil {
			return nil, fail(fmt.Errorf("failed to merge: %w", err))
		}
		res.Merged = tag.RowsAffected()
	} else {
		state = StateReplacing
		for _, stmt := range []string{dropColumnSQL(staging, activeColumn), truncateSQL(target)} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, fail(fmt.Errorf("failed to replace: %w", err))
			}
		}
		tag, err := tx.Exec(ctx, insertAllSQL(target, staging, cols))
		if err != nil {
			return nil, fail(fmt.Errorf("failed to insert rows: %w", err))
		}
		res.Inserted = tag.RowsAffected()
	}

	state = StateCleanup
	for _, table := range []string{staging, active} {
		if _, err := tx.Exec(ctx, dropTableSQL(table)); err != nil {
			return nil, fail(fmt.Errorf("failed to drop %s: %w", table, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(fmt.Errorf("failed to commit: %w", err))
	}
	committed = true
	state = StateCommitted
	return res, nil
}

type typedPath struct {
	Column
	Path string
}

// resolveColumns pairs each column path with the target column's type.
func resolveColumns(m *manifest.LoadManifest, targetCols []Column) ([]typedPath, error) {
	byName := make(map[string]Column, len(targetCols))
	for _, c := range targetCols {
		byName[c.Name] = c
	}
	out := make([]typedPath, 0, len(m.ColumnPaths))
	for _, cp := range m.ColumnPaths {
		c, ok := byName[cp.Column]
		if !ok {
			return nil, fmt.Errorf("column %s does not exist in %s", cp.Column, m.TargetTable)
		}
		out = append(out, typedPath{Column: c, Path: cp.Path})
	}
	names := columnNames(m.ColumnPaths)
	for _, k := range m.KeyColumns() {
		if !slices.Contains(names, k) {
			return nil, fmt.Errorf("key column %s has no column path", k)
		}
	}
	return out, nil
}

func columnNames(paths []tablespec.ColumnPath) []string {
	names := make([]string, len(paths))
	for i, cp := range paths {
		names[i] = cp.Column
	}
	return names
}

// stage copies every manifest entry into the staging table. Rows are
// numbered across files in listing order so later records win on merge.
func (l *Loader) stage(ctx context.Context, tx pgx.Tx, m *manifest.LoadManifest, staging string, cols []typedPath) (files int, staged int64, err error) {
	copyCols := make([]string, 0, len(cols)+2)
	for _, c := range cols {
		copyCols = append(copyCols, c.Name)
	}
	copyCols = append(copyCols, activeColumn, seqColumn)

	var seq int64
	for _, entry := range m.Entries {
		key, err := objectstore.KeyFromURL(l.cfg.Store, entry.URL)
		if err != nil {
			return files, staged, err
		}
		data, err := objectstore.ReadDecoded(ctx, l.cfg.Store, key)
		if err != nil {
			if errors.Is(err, objectstore.ErrNotFound) && !entry.Mandatory {
				l.log.Warn("warehouse: skipping missing optional file", "url", entry.URL)
				continue
			}
			return files, staged, fmt.Errorf("failed to read %s: %w", entry.URL, err)
		}

		rows, err := buildRows(data, cols, m.FormatTime, &seq)
		if err != nil {
			return files, staged, fmt.Errorf("%s: %w", entry.URL, err)
		}
		if len(rows) > 0 {
			n, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, copyCols, pgx.CopyFromRows(rows))
			if err != nil {
				return files, staged, fmt.Errorf("failed to copy %s: %w", entry.URL, err)
			}
			staged += n
		}
		files++
		l.log.Debug("warehouse: staged file", "url", entry.URL, "rows", len(rows))
	}
	return files, staged, nil
}

func buildRows(data []byte, cols []typedPath, formatTime string, seq *int64) ([][]any, error) {
	var rows [][]any
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			return nil, fmt.Errorf("line %d is not valid JSON", i+1)
		}

		row := make([]any, 0, len(cols)+2)
		for _, c := range cols {
			v, err := convertValue(gjson.GetBytes(line, c.Path), c.Column, formatTime)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", i+1, c.Name, err)
			}
			row = append(row, v)
		}

		var isActive any
		if flag := gjson.GetBytes(line, ActivePath); flag.Exists() {
			isActive = flag.Bool()
		}
		*seq++
		rows = append(rows, append(row, isActive, *seq))
	}
	return rows, nil
}
