package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/malbeclabs/replicator/replicator/pkg/metrics"
	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 8

type Config struct {
	Logger   *slog.Logger
	Store    objectstore.Store
	Registry *tablespec.Registry
	// Concurrency bounds how many data files are processed at once.
	Concurrency int
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
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return nil
}

type Transformer struct {
	log *slog.Logger
	cfg Config
}

func NewTransformer(cfg Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transformer{log: cfg.Logger, cfg: cfg}, nil
}

// Transform processes the export described by the summary at summaryKey. It
// returns the written load manifest and its key, or a nil manifest when the
// export holds no data, in which case a no-data marker is written instead.
func (t *Transformer) Transform(ctx context.Context, summaryKey string) (*LoadManifest, string, error) {
	t.log.Info("manifest: transforming export", "summary", summaryKey)

	summary, err := t.readSummary(ctx, summaryKey)
	if err != nil {
		return nil, "", err
	}
	listingData, err := objectstore.ReadDecoded(ctx, t.cfg.Store, summary.ManifestFilesS3Key)
	if err != nil {
		return nil, "", &TransformationError{File: summary.ManifestFilesS3Key, Err: err}
	}
	files, err := ParseListing(listingData)
	if err != nil {
		return nil, "", &TransformationError{File: summary.ManifestFilesS3Key, Err: err}
	}

	incremental := summary.ExportType == ExportTypeIncremental
	outputs, err := t.processFiles(ctx, summary, files)
	if err != nil {
		return nil, "", err
	}

	summaryDir := path.Dir(summaryKey)
	if len(outputs) == 0 {
		markerKey := path.Join(summaryDir, NoDataMarkerName)
		if err := t.cfg.Store.Put(ctx, markerKey, nil); err != nil {
			return nil, "", fmt.Errorf("failed to write no-data marker: %w", err)
		}
		t.log.Info("manifest: export has no data", "summary", summaryKey, "marker", markerKey)
		return nil, "", nil
	}

	table := summary.TableName()
	spec, err := t.cfg.Registry.Lookup(table)
	if err != nil {
		return nil, "", &tablespec.ConfigurationError{Table: table, Err: err}
	}

	m := &LoadManifest{
		Entries:         make([]Entry, 0, len(outputs)),
		SourceTableName: table,
		IsIncremental:   incremental,
		TargetTable:     spec.TargetTable,
		PartitionKey:    spec.PartitionKey,
		SortKey:         spec.SortKeyPtr(),
		FormatTime:      spec.FormatTime,
		ColumnPaths:     spec.ColumnPaths,
	}
	for _, key := range outputs {
		m.Entries = append(m.Entries, Entry{URL: objectstore.URL(t.cfg.Store, key), Mandatory: true})
	}

	data, err := m.Encode()
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode load manifest: %w", err)
	}
	manifestKey := path.Join(summaryDir, ManifestFileName)
	if err := t.cfg.Store.Put(ctx, manifestKey, data); err != nil {
		return nil, "", fmt.Errorf("failed to write load manifest: %w", err)
	}

	t.log.Info("manifest: wrote load manifest", "key", manifestKey, "table", table, "target", m.TargetTable, "entries", len(m.Entries), "incremental", incremental)
	return m, manifestKey, nil
}

func (t *Transformer) readSummary(ctx context.Context, key string) (*Summary, error) {
	data, err := objectstore.ReadDecoded(ctx, t.cfg.Store, key)
	if err != nil {
		return nil, &TransformationError{File: key, Err: err}
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &TransformationError{File: key, Err: fmt.Errorf("invalid export summary: %w", err)}
	}
	if err := s.validate(); err != nil {
		return nil, &TransformationError{File: key, Err: err}
	}
	return &s, nil
}

// processFiles returns the keys of the files to load, in listing order.
func (t *Transformer) processFiles(ctx context.Context, summary *Summary, files []DataFile) ([]string, error) {
	if summary.ExportType == ExportTypeIncremental {
		seen := make(map[string]string, len(files))
		for _, f := range files {
			out := ProcessedKey(summary.S3Prefix, f.DataFileS3Key)
			if prev, ok := seen[out]; ok {
				return nil, &TransformationError{
					File: f.DataFileS3Key,
					Err:  fmt.Errorf("output %s is also produced by %s", out, prev),
				}
			}
			seen[out] = f.DataFileS3Key
		}
	}

	results := make([]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			var key string
			var err error
			if summary.ExportType == ExportTypeIncremental {
				key, err = t.transformFile(gctx, summary.S3Prefix, f.DataFileS3Key)
			} else {
				key, err = t.checkFile(gctx, f.DataFileS3Key)
			}
			if err != nil {
				return err
			}
			results[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputs := make([]string, 0, len(results))
	for _, key := range results {
		if key != "" {
			outputs = append(outputs, key)
		}
	}
	return outputs, nil
}

func (t *Transformer) checkFile(ctx context.Context, key string) (string, error) {
	ok, err := t.cfg.Store.Exists(ctx, key)
	if err != nil {
		return "", &TransformationError{File: key, Err: err}
	}
	if !ok {
		return "", &TransformationError{File: key, Err: objectstore.ErrNotFound}
	}
	metrics.TransformFilesTotal.WithLabelValues(string(ExportTypeFull), "referenced").Inc()
	return key, nil
}

// transformFile rewrites one incremental data file. It returns "" when the
// file has no records.
func (t *Transformer) transformFile(ctx context.Context, prefix, key string) (string, error) {
	data, err := objectstore.ReadDecoded(ctx, t.cfg.Store, key)
	if err != nil {
		return "", &TransformationError{File: key, Err: err}
	}

	var buf bytes.Buffer
	var active, inactive int
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		out, isActive, err := TransformRecord(line)
		if err != nil {
			return "", &TransformationError{File: key, Line: i + 1, Err: err}
		}
		buf.Write(out)
		buf.WriteByte('\n')
		if isActive {
			active++
		} else {
			inactive++
		}
	}

	if active+inactive == 0 {
		t.log.Debug("manifest: skipping empty data file", "file", key)
		metrics.TransformFilesTotal.WithLabelValues(string(ExportTypeIncremental), "empty").Inc()
		return "", nil
	}

	compressed, err := objectstore.Gzip(buf.Bytes())
	if err != nil {
		return "", &TransformationError{File: key, Err: err}
	}
	outKey := ProcessedKey(prefix, key)
	if err := t.cfg.Store.Put(ctx, outKey, compressed); err != nil {
		return "", fmt.Errorf("failed to write processed file %s: %w", outKey, err)
	}

	metrics.TransformFilesTotal.WithLabelValues(string(ExportTypeIncremental), "processed").Inc()
	metrics.TransformRowsTotal.WithLabelValues(strconv.FormatBool(true)).Add(float64(active))
	metrics.TransformRowsTotal.WithLabelValues(strconv.FormatBool(false)).Add(float64(inactive))
	t.log.Debug("manifest: processed data file", "file", key, "output", outKey, "active", active, "inactive", inactive)
	return outKey, nil
}

// ProcessedKey is where the transformed copy of dataKey is written. Processed
// files are always gzipped, so the key always ends in .gz.
func ProcessedKey(prefix, dataKey string) string {
	name := path.Base(dataKey)
	if !strings.HasSuffix(name, ".gz") {
		name += ".gz"
	}
	return path.Join(prefix, "AWSDynamoDB", "processed", name)
}
