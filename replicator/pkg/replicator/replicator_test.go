package replicator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/replicator/replicator/pkg/capture"
	"github.com/malbeclabs/replicator/replicator/pkg/journal"
	"github.com/malbeclabs/replicator/replicator/pkg/manifest"
	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
	"github.com/malbeclabs/replicator/replicator/pkg/replicator"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/malbeclabs/replicator/replicator/pkg/trigger"
	"github.com/malbeclabs/replicator/replicator/pkg/warehouse"
	replicatortesting "github.com/malbeclabs/replicator/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "exports"

type recordingJournal struct {
	mu     sync.Mutex
	events []journal.Event
	err    error
}

func (j *recordingJournal) Record(ctx context.Context, events ...journal.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, events...)
	return j.err
}

func (j *recordingJournal) all() []journal.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Event(nil), j.events...)
}

type fakeExporter struct {
	failTables map[string]bool
}

func (f *fakeExporter) Export(ctx context.Context, req capture.Request) (string, error) {
	if f.failTables[req.Table] {
		return "", errors.New("table not found")
	}
	return "arn:export/" + req.Table, nil
}

type fakeLoader struct {
	mu     sync.Mutex
	loaded []*manifest.LoadManifest
	err    error
	onLoad func()
}

func (f *fakeLoader) LoadWithResult(ctx context.Context, m *manifest.LoadManifest) (*warehouse.LoadResult, error) {
	if f.onLoad != nil {
		f.onLoad()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.loaded = append(f.loaded, m)
	return &warehouse.LoadResult{Target: m.TargetTable, Incremental: m.IsIncremental, Files: len(m.Entries), Staged: 3, Merged: 2, Deleted: 1}, nil
}

func newRegistry(t *testing.T) *tablespec.Registry {
	t.Helper()
	reg, err := tablespec.NewRegistry("analytics", map[string]tablespec.Spec{
		"users": {
			TargetTable:  "users",
			PartitionKey: "id",
			FormatTime:   "auto",
			ColumnPaths: []tablespec.ColumnPath{
				{Column: "id", Path: "Item.id.S"},
				{Column: "v", Path: "Item.v.S"},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

type fixture struct {
	store   *objectstore.Memory
	journal *recordingJournal
	loader  *fakeLoader
	exp     *fakeExporter
	reg     *tablespec.Registry
	r       *replicator.Replicator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := replicatortesting.NewLogger()
	f := &fixture{
		store:   objectstore.NewMemory(bucket),
		journal: &recordingJournal{},
		loader:  &fakeLoader{},
		exp:     &fakeExporter{failTables: map[string]bool{}},
		reg:     newRegistry(t),
	}
	clock := clockwork.NewFakeClock()

	coord, err := capture.New(capture.Config{
		Logger:     log,
		Clock:      clock,
		Exporter:   f.exp,
		Watermarks: capture.NewObjectWatermarkStore(f.store, "stage"),
		Bucket:     bucket,
		Prefix:     "stage",
	})
	require.NoError(t, err)

	tr, err := manifest.NewTransformer(manifest.Config{Logger: log, Store: f.store, Registry: f.reg})
	require.NoError(t, err)

	f.r, err = replicator.New(replicator.Config{
		Logger:      log,
		Clock:       clock,
		Store:       f.store,
		Capture:     coord,
		Transformer: tr,
		Loader:      f.loader,
		Exports:     tablespec.ExportLists{Full: []string{"users", "orders"}},
		Journal:     f.journal,
	})
	require.NoError(t, err)
	return f
}

// seedExport writes a gzip data file, its listing and the summary, and returns
// the summary key.
func seedExport(t *testing.T, store *objectstore.Memory, lines ...string) string {
	t.Helper()
	dir := "stage/dynamodb-export/incremental-export/users/AWSDynamoDB/01700000000000-abcdef12"
	data, err := objectstore.Gzip([]byte(strings.Join(lines, "\n")))
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), dir+"/data/a.json.gz", data))
	require.NoError(t, store.Put(t.Context(), dir+"/manifest-files.json", []byte(`{"dataFileS3Key":"`+dir+`/data/a.json.gz"}`)))

	summary, err := json.Marshal(manifest.Summary{
		ExportType:         manifest.ExportTypeIncremental,
		S3Prefix:           "stage/dynamodb-export/incremental-export/users",
		ManifestFilesS3Key: dir + "/manifest-files.json",
	})
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), dir+"/manifest-summary.json", summary))
	return dir + "/manifest-summary.json"
}

func TestReplicator_Replicator_Config(t *testing.T) {
	t.Parallel()

	_, err := replicator.New(replicator.Config{})
	require.EqualError(t, err, "logger is required")

	_, err = replicator.New(replicator.Config{Logger: replicatortesting.NewLogger(), Store: objectstore.NewMemory(bucket)})
	require.EqualError(t, err, "at least one stage is required")

	r, err := replicator.New(replicator.Config{
		Logger: replicatortesting.NewLogger(),
		Store:  objectstore.NewMemory(bucket),
		Loader: &fakeLoader{},
	})
	require.NoError(t, err)
	require.ErrorIs(t, r.RunCapture(t.Context(), capture.ModeFull), replicator.ErrCaptureDisabled)
	_, err = r.RunTransform(t.Context(), "x/manifest-summary.json")
	require.ErrorIs(t, err, replicator.ErrTransformDisabled)
}

func TestReplicator_Replicator_CaptureJournal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.exp.failTables["orders"] = true

	res, err := f.r.RunCaptureWithOptions(t.Context(), capture.ModeFull, capture.RunOptions{})
	var batchErr *capture.BatchCaptureError
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, 1, batchErr.Failed)
	require.Len(t, res.Tables, 2)

	events := f.journal.all()
	require.Len(t, events, 2)
	byTable := map[string]journal.Event{}
	for _, e := range events {
		require.Equal(t, journal.StageCapture, e.Stage)
		require.Equal(t, events[0].RunID, e.RunID)
		byTable[e.SourceTable] = e
	}
	require.Equal(t, journal.StatusSucceeded, byTable["users"].Status)
	require.Equal(t, []string{"arn:export/users"}, byTable["users"].ExportIDs)
	require.Equal(t, journal.StatusFailed, byTable["orders"].Status)
	require.Contains(t, byTable["orders"].Error, "table not found")

	// Incremental list is empty.
	require.ErrorIs(t, f.r.RunCapture(t.Context(), capture.ModeIncremental), capture.ErrNoTables)
}

func TestReplicator_Replicator_TransformThenLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summaryKey := seedExport(t, f.store,
		`{"Keys":{"id":{"S":"1"}},"NewImage":{"id":{"S":"1"},"v":{"S":"B"}}}`,
		`{"Keys":{"id":{"S":"2"}},"OldImage":{"id":{"S":"2"},"v":{"S":"X"}}}`,
	)

	d, err := trigger.NewDispatcher(trigger.DispatcherConfig{Logger: replicatortesting.NewLogger(), Stages: f.r, Chain: true})
	require.NoError(t, err)
	route, err := d.Dispatch(t.Context(), summaryKey)
	require.NoError(t, err)
	require.Equal(t, trigger.RouteTransform, route)

	spec, err := f.reg.Lookup("users")
	require.NoError(t, err)

	require.Len(t, f.loader.loaded, 1)
	m := f.loader.loaded[0]
	require.Equal(t, "users", m.SourceTableName)
	require.Equal(t, spec.TargetTable, m.TargetTable)
	require.True(t, m.IsIncremental)
	require.Len(t, m.Entries, 1)

	events := f.journal.all()
	require.Len(t, events, 2)
	require.Equal(t, journal.StageTransform, events[0].Stage)
	require.Equal(t, journal.StatusSucceeded, events[0].Status)
	require.True(t, strings.HasSuffix(events[0].Detail, manifest.ManifestFileName))
	require.Equal(t, journal.StageLoad, events[1].Stage)
	require.Equal(t, journal.StatusSucceeded, events[1].Status)
	require.Equal(t, spec.TargetTable, events[1].TargetTable)
	require.Contains(t, events[1].Detail, "merged=2")
}

func TestReplicator_Replicator_TransformNoData(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summaryKey := seedExport(t, f.store)

	manifestKey, err := f.r.RunTransform(t.Context(), summaryKey)
	require.NoError(t, err)
	require.Empty(t, manifestKey)

	events := f.journal.all()
	require.Len(t, events, 1)
	require.Equal(t, journal.StatusNoData, events[0].Status)
	require.Equal(t, summaryKey, events[0].Detail)
}

func TestReplicator_Replicator_LoadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.loader.err = &warehouse.LoadError{Target: "analytics.users", State: warehouse.StateMerging, Err: errors.New("boom")}
	// Journal failures are logged, not returned.
	f.journal.err = errors.New("clickhouse down")

	summaryKey := seedExport(t, f.store, `{"Keys":{"id":{"S":"1"}},"NewImage":{"id":{"S":"1"},"v":{"S":"B"}}}`)
	manifestKey, err := f.r.RunTransform(t.Context(), summaryKey)
	require.NoError(t, err)

	err = f.r.RunLoad(t.Context(), manifestKey)
	var loadErr *warehouse.LoadError
	require.ErrorAs(t, err, &loadErr)

	events := f.journal.all()
	require.Len(t, events, 2)
	require.Equal(t, journal.StatusFailed, events[1].Status)
	require.Contains(t, events[1].Error, "boom")

	err = f.r.RunLoad(t.Context(), "missing/warehouse.manifest")
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestReplicator_Replicator_LoadsSerializedPerTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summaryKey := seedExport(t, f.store, `{"Keys":{"id":{"S":"1"}},"NewImage":{"id":{"S":"1"},"v":{"S":"B"}}}`)
	manifestKey, err := f.r.RunTransform(t.Context(), summaryKey)
	require.NoError(t, err)

	var mu sync.Mutex
	active, maxActive := 0, 0
	f.loader.onLoad = func() {
		mu.Lock()
		active++
		maxActive = max(maxActive, active)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.r.RunLoad(t.Context(), manifestKey))
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxActive)
	require.Len(t, f.loader.loaded, 4)
}

func TestReplicator_Replicator_LoadPanicReleasesTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	summaryKey := seedExport(t, f.store, `{"Keys":{"id":{"S":"1"}},"NewImage":{"id":{"S":"1"},"v":{"S":"B"}}}`)
	manifestKey, err := f.r.RunTransform(t.Context(), summaryKey)
	require.NoError(t, err)

	f.loader.onLoad = func() { panic("loader exploded") }
	require.Panics(t, func() { _ = f.r.RunLoad(t.Context(), manifestKey) })

	f.loader.onLoad = nil
	done := make(chan error, 1)
	go func() { done <- f.r.RunLoad(t.Context(), manifestKey) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("load of the same target blocked after an earlier panic")
	}
	require.Len(t, f.loader.loaded, 1)
}
