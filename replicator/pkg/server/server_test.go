package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/replicator/replicator/pkg/journal"
	"github.com/malbeclabs/replicator/replicator/pkg/server"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/malbeclabs/replicator/replicator/pkg/trigger"
	replicatortesting "github.com/malbeclabs/replicator/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	keys []string
	errs map[string]error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, key string) (trigger.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return trigger.RouteFor(key), f.errs[key]
}

func (f *fakeDispatcher) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fakeEvents struct {
	mu    sync.Mutex
	table string
	limit int
}

func (f *fakeEvents) Recent(ctx context.Context, table string, limit int) ([]journal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table, f.limit = table, limit
	return []journal.Event{{
		Time:        time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		RunID:       uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Stage:       journal.StageLoad,
		SourceTable: "users",
		TargetTable: "analytics.users",
		Status:      journal.StatusSucceeded,
		Duration:    2 * time.Second,
	}}, nil
}

func newTestServer(t *testing.T, cfg server.Config) (*httptest.Server, *fakeDispatcher) {
	t.Helper()
	d, ok := cfg.Dispatcher.(*fakeDispatcher)
	if !ok {
		d = &fakeDispatcher{}
		cfg.Dispatcher = d
	}
	cfg.Logger = replicatortesting.NewLogger()
	cfg.ListenAddr = "127.0.0.1:0"
	s, err := server.New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, d
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestReplicator_Server_Health(t *testing.T) {
	t.Parallel()

	var notReady atomic.Bool
	ts, _ := newTestServer(t, server.Config{
		VersionInfo: server.VersionInfo{Version: "1.2.3", Commit: "abc", Date: "today"},
		Ready: func(ctx context.Context) error {
			if notReady.Load() {
				return errors.New("warehouse unreachable")
			}
			return nil
		},
	})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	notReady.Store(true)
	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var v server.VersionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	require.Equal(t, "1.2.3", v.Version)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReplicator_Server_ObjectCreated_Simple(t *testing.T) {
	t.Parallel()

	ts, d := newTestServer(t, server.Config{})
	resp, out := post(t, ts.URL+"/events/object-created", `{"bucket":"b","key":"x/manifest-summary.json"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"x/manifest-summary.json"}, d.Keys())

	results := out["results"].([]any)
	require.Len(t, results, 1)
	require.Equal(t, "transform", results[0].(map[string]any)["route"])
}

func TestReplicator_Server_ObjectCreated_S3Records(t *testing.T) {
	t.Parallel()

	ts, d := newTestServer(t, server.Config{Bucket: "exports"})
	body := `{"Records":[
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"exports"},"object":{"key":"a/users%3Dall/warehouse.manifest"}}},
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"exports"},"object":{"key":"a/data/1.json.gz"}}}
	]}`
	resp, _ := post(t, ts.URL+"/events/object-created", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"a/users=all/warehouse.manifest", "a/data/1.json.gz"}, d.Keys())

	resp, _ = post(t, ts.URL+"/events/object-created", `{"bucket":"other","key":"a/warehouse.manifest"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/events/object-created", `{"bucket":"exports"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplicator_Server_ObjectCreated_ForeignBucketDispatchesNothing(t *testing.T) {
	t.Parallel()

	ts, d := newTestServer(t, server.Config{Bucket: "exports"})
	body := `{"Records":[
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"exports"},"object":{"key":"a/manifest-summary.json"}}},
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"other"},"object":{"key":"b/warehouse.manifest"}}}
	]}`
	resp, out := post(t, ts.URL+"/events/object-created", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, out["error"], "other")
	require.Empty(t, d.Keys())
}

func TestReplicator_Server_ObjectCreated_Errors(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{errs: map[string]error{
		"bad/warehouse.manifest":   fmt.Errorf("failed to load: %w", &tablespec.ConfigurationError{Table: "users", Err: errors.New("no mapping")}),
		"flaky/warehouse.manifest": errors.New("connection reset"),
	}}
	ts, _ := newTestServer(t, server.Config{Dispatcher: d})

	resp, out := post(t, ts.URL+"/events/object-created", `{"key":"bad/warehouse.manifest"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, out["results"].([]any)[0].(map[string]any)["error"], "no mapping")

	resp, _ = post(t, ts.URL+"/events/object-created", `{"key":"flaky/warehouse.manifest"}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestReplicator_Server_Events(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, server.Config{})
	resp, err := http.Get(ts.URL + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	ev := &fakeEvents{}
	ts, _ = newTestServer(t, server.Config{Events: ev})
	resp, err = http.Get(ts.URL + "/events?table=users&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev.mu.Lock()
	require.Equal(t, "users", ev.table)
	require.Equal(t, 5, ev.limit)
	ev.mu.Unlock()

	var out struct {
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Events, 1)
	require.Equal(t, "load", out.Events[0]["stage"])
	require.EqualValues(t, 2000, out.Events[0]["duration_ms"])

	resp, err = http.Get(ts.URL + "/events?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
