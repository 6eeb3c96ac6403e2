package warehouse_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/malbeclabs/replicator/replicator/pkg/manifest"
	"github.com/malbeclabs/replicator/replicator/pkg/objectstore"
	"github.com/malbeclabs/replicator/replicator/pkg/tablespec"
	"github.com/malbeclabs/replicator/replicator/pkg/warehouse"
	warehousetesting "github.com/malbeclabs/replicator/replicator/pkg/warehouse/testing"
	replicatortesting "github.com/malbeclabs/replicator/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const bucket = "exports"

// countingConnector records how many connections were opened and can wrap
// transactions to fail on statements with a given prefix.
type countingConnector struct {
	inner  warehouse.PgxConnector
	failOn string
	opened atomic.Int32
}

func (c *countingConnector) Connect(ctx context.Context, creds warehouse.Credentials) (warehouse.Conn, error) {
	c.opened.Add(1)
	conn, err := c.inner.Connect(ctx, creds)
	if err != nil || c.failOn == "" {
		return conn, err
	}
	return &failingConn{Conn: conn, failOn: c.failOn}, nil
}

type failingConn struct {
	warehouse.Conn
	failOn string
}

func (c *failingConn) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := c.Conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failOn: c.failOn}, nil
}

type failingTx struct {
	pgx.Tx
	failOn string
}

func (tx *failingTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.HasPrefix(sql, tx.failOn) {
		return pgconn.CommandTag{}, errors.New("injected failure")
	}
	return tx.Tx.Exec(ctx, sql, args...)
}

type fixture struct {
	schema    string
	conn      *pgx.Conn
	store     *objectstore.Memory
	connector *countingConnector
	loader    *warehouse.Loader
}

var usersSpec = tablespec.Spec{
	TargetTable:  "users",
	PartitionKey: "id",
	ColumnPaths: []tablespec.ColumnPath{
		{Column: "id", Path: "Item.id.S"},
		{Column: "v", Path: "Item.v.S"},
		{Column: "score", Path: "Item.score.N"},
		{Column: "updated_at", Path: "Item.updated_at.S"},
	},
}

var eventsSpec = tablespec.Spec{
	TargetTable:  "events",
	PartitionKey: "device_id",
	SortKey:      "seq",
	FormatTime:   "epochmillisecs",
	ColumnPaths: []tablespec.ColumnPath{
		{Column: "device_id", Path: "Item.device_id.S"},
		{Column: "seq", Path: "Item.seq.N"},
		{Column: "seen_at", Path: "Item.seen_at.N"},
	},
}

func newFixture(t *testing.T, failOn string) *fixture {
	t.Helper()

	schema, conn := warehousetesting.NewSchema(t, sharedDB)
	for _, ddl := range []string{
		`CREATE TABLE ` + schema + `.users (id TEXT PRIMARY KEY, v TEXT, score NUMERIC(10,2), updated_at TIMESTAMPTZ, note TEXT DEFAULT 'n/a')`,
		`CREATE TABLE ` + schema + `.events (device_id TEXT NOT NULL, seq BIGINT NOT NULL, seen_at TIMESTAMP, PRIMARY KEY (device_id, seq))`,
	} {
		_, err := conn.Exec(t.Context(), ddl)
		require.NoError(t, err)
	}

	reg, err := tablespec.NewRegistry(schema, map[string]tablespec.Spec{"users": usersSpec, "events": eventsSpec})
	require.NoError(t, err)

	f := &fixture{
		schema:    schema,
		conn:      conn,
		store:     objectstore.NewMemory(bucket),
		connector: &countingConnector{failOn: failOn},
	}
	f.loader, err = warehouse.NewLoader(warehouse.Config{
		Logger:      replicatortesting.NewLogger(),
		Store:       f.store,
		Registry:    reg,
		Connector:   f.connector,
		Credentials: warehouse.StaticCredentials(sharedDB.Credentials()),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) putFile(t *testing.T, key string, lines ...string) manifest.Entry {
	t.Helper()
	data, err := objectstore.Gzip([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, f.store.Put(t.Context(), key, data))
	return manifest.Entry{URL: objectstore.URL(f.store, key), Mandatory: true}
}

func (f *fixture) usersManifest(incremental bool, entries ...manifest.Entry) *manifest.LoadManifest {
	return &manifest.LoadManifest{
		Entries:         entries,
		SourceTableName: "users",
		IsIncremental:   incremental,
		TargetTable:     f.schema + ".users",
		PartitionKey:    "id",
		FormatTime:      "auto",
		ColumnPaths:     usersSpec.ColumnPaths,
	}
}

func (f *fixture) seedUsers(t *testing.T, rows map[string]string) {
	t.Helper()
	for id, v := range rows {
		_, err := f.conn.Exec(t.Context(), `INSERT INTO `+f.schema+`.users (id, v) VALUES ($1, $2)`, id, v)
		require.NoError(t, err)
	}
}

func (f *fixture) users(t *testing.T) map[string]string {
	t.Helper()
	rows, err := f.conn.Query(t.Context(), `SELECT id, v FROM `+f.schema+`.users ORDER BY id`)
	require.NoError(t, err)
	out := map[string]string{}
	for rows.Next() {
		var id, v string
		require.NoError(t, rows.Scan(&id, &v))
		out[id] = v
	}
	require.NoError(t, rows.Err())
	return out
}

// snapshot renders every column of the users table.
func (f *fixture) snapshot(t *testing.T) []string {
	t.Helper()
	rows, err := f.conn.Query(t.Context(), `SELECT u::text FROM `+f.schema+`.users u ORDER BY id`)
	require.NoError(t, err)
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)
	return out
}

func item(active *bool, attrs string) string {
	if active == nil {
		return `{"Item":{` + attrs + `}}`
	}
	flag := "false"
	if *active {
		flag = "true"
	}
	return `{"Item":{` + attrs + `,"is_active":{"BOOL":` + flag + `}}}`
}

var (
	live = ptr(true)
	dead = ptr(false)
)

func ptr[T any](v T) *T { return &v }

func TestReplicator_Warehouse_IncrementalLoad(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.seedUsers(t, map[string]string{"id1": "A", "id2": "X"})

	entry := f.putFile(t, "p/AWSDynamoDB/processed/a.json.gz",
		item(live, `"id":{"S":"id1"},"v":{"S":"B"}`),
		item(dead, `"id":{"S":"id2"},"v":{"S":"X"}`),
		item(live, `"id":{"S":"id3"},"v":{"S":"C"},"score":{"N":"12.50"},"updated_at":{"S":"2024-03-10T12:00:00Z"}`),
	)

	res, err := f.loader.LoadWithResult(t.Context(), f.usersManifest(true, entry))
	require.NoError(t, err)
	require.Equal(t, f.schema+".users", res.Target)
	require.EqualValues(t, 3, res.Staged)
	require.EqualValues(t, 1, res.Deleted)
	require.EqualValues(t, 2, res.Merged)

	require.Equal(t, map[string]string{"id1": "B", "id3": "C"}, f.users(t))

	var score string
	var updatedAt time.Time
	var note string
	err = f.conn.QueryRow(t.Context(), `SELECT score::text, updated_at, note FROM `+f.schema+`.users WHERE id = 'id3'`).Scan(&score, &updatedAt, &note)
	require.NoError(t, err)
	require.Equal(t, "12.50", score)
	require.True(t, updatedAt.Equal(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))
	require.Equal(t, "n/a", note)
}

func TestReplicator_Warehouse_LastWriteWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.seedUsers(t, map[string]string{"id5": "E"})

	first := f.putFile(t, "p/AWSDynamoDB/processed/a.json.gz",
		item(live, `"id":{"S":"id1"},"v":{"S":"B"}`),
		item(live, `"id":{"S":"id4"},"v":{"S":"X"}`),
		item(live, `"id":{"S":"id4"},"v":{"S":"Y"}`),
		item(live, `"id":{"S":"id5"},"v":{"S":"F"}`),
	)
	second := f.putFile(t, "p/AWSDynamoDB/processed/b.json.gz",
		item(live, `"id":{"S":"id1"},"v":{"S":"C"}`),
		item(dead, `"id":{"S":"id5"},"v":{"S":"F"}`),
	)

	_, err := f.loader.Load(t.Context(), f.usersManifest(true, first, second))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"id1": "C", "id4": "Y"}, f.users(t))
}

func TestReplicator_Warehouse_CompositeKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	_, err := f.conn.Exec(t.Context(), `INSERT INTO `+f.schema+`.events VALUES ('d1', 1, NULL), ('d1', 2, NULL)`)
	require.NoError(t, err)

	entry := f.putFile(t, "events/AWSDynamoDB/processed/a.json.gz",
		item(live, `"device_id":{"S":"d1"},"seq":{"N":"1"},"seen_at":{"N":"1710072000000"}`),
		item(dead, `"device_id":{"S":"d1"},"seq":{"N":"2"}`),
		item(live, `"device_id":{"S":"d2"},"seq":{"N":"1"},"seen_at":{"N":"1710072000500"}`),
	)
	target, err := f.loader.Load(t.Context(), &manifest.LoadManifest{
		Entries:         []manifest.Entry{entry},
		SourceTableName: "events",
		IsIncremental:   true,
		TargetTable:     f.schema + ".events",
		PartitionKey:    "device_id",
		SortKey:         ptr("seq"),
		FormatTime:      "epochmillisecs",
		ColumnPaths:     eventsSpec.ColumnPaths,
	})
	require.NoError(t, err)
	require.Equal(t, f.schema+".events", target)

	rows, err := f.conn.Query(t.Context(), `SELECT device_id || ':' || seq || ':' || seen_at::text FROM `+f.schema+`.events ORDER BY device_id, seq`)
	require.NoError(t, err)
	got, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)
	require.Equal(t, []string{"d1:1:2024-03-10 12:00:00", "d2:1:2024-03-10 12:00:00.5"}, got)
}

func TestReplicator_Warehouse_FullReplace(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.seedUsers(t, map[string]string{"id1": "A", "id9": "Z"})

	first := f.putFile(t, "full/data/a.json.gz",
		item(nil, `"id":{"S":"id1"},"v":{"S":"N"}`),
		item(nil, `"id":{"S":"id2"},"v":{"S":"M"}`),
	)
	second := f.putFile(t, "full/data/b.json.gz",
		item(nil, `"id":{"S":"id3"},"v":{"S":"O"}`),
	)

	res, err := f.loader.LoadWithResult(t.Context(), f.usersManifest(false, first, second))
	require.NoError(t, err)
	require.False(t, res.Incremental)
	require.Equal(t, 2, res.Files)
	require.EqualValues(t, 3, res.Inserted)
	require.Equal(t, map[string]string{"id1": "N", "id2": "M", "id3": "O"}, f.users(t))
}

func TestReplicator_Warehouse_RollbackOnMergeFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "MERGE INTO")
	f.seedUsers(t, map[string]string{"id1": "A", "id2": "X"})
	before := f.snapshot(t)

	entry := f.putFile(t, "p/AWSDynamoDB/processed/a.json.gz",
		item(live, `"id":{"S":"id1"},"v":{"S":"B"}`),
		item(dead, `"id":{"S":"id2"},"v":{"S":"X"}`),
	)

	_, err := f.loader.Load(t.Context(), f.usersManifest(true, entry))
	var lerr *warehouse.LoadError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, warehouse.StateMerging, lerr.State)
	require.Equal(t, f.schema+".users", lerr.Target)
	require.ErrorContains(t, err, "injected failure")

	// The delete that ran before the failure was rolled back too.
	require.Equal(t, before, f.snapshot(t))
}

func TestReplicator_Warehouse_MissingMandatoryFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.seedUsers(t, map[string]string{"id1": "A"})
	before := f.snapshot(t)

	present := f.putFile(t, "p/AWSDynamoDB/processed/a.json.gz", item(live, `"id":{"S":"id1"},"v":{"S":"B"}`))
	missing := manifest.Entry{URL: "s3://exports/p/AWSDynamoDB/processed/gone.json.gz", Mandatory: true}

	_, err := f.loader.Load(t.Context(), f.usersManifest(true, present, missing))
	var lerr *warehouse.LoadError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, warehouse.StateStaging, lerr.State)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
	require.Equal(t, before, f.snapshot(t))

	// An optional file may be absent.
	missing.Mandatory = false
	_, err = f.loader.Load(t.Context(), f.usersManifest(true, present, missing))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"id1": "B"}, f.users(t))
}

func TestReplicator_Warehouse_ConfigurationError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	entry := f.putFile(t, "p/AWSDynamoDB/processed/a.json.gz", item(live, `"id":{"S":"id1"},"v":{"S":"B"}`))

	t.Run("unknown source table", func(t *testing.T) {
		m := f.usersManifest(true, entry)
		m.SourceTableName = "ghosts"
		_, err := f.loader.Load(t.Context(), m)
		var cerr *tablespec.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, "ghosts", cerr.Table)
	})

	t.Run("target table not in mapping", func(t *testing.T) {
		m := f.usersManifest(true, entry)
		m.TargetTable = "elsewhere.users"
		_, err := f.loader.Load(t.Context(), m)
		var cerr *tablespec.ConfigurationError
		require.ErrorAs(t, err, &cerr)
	})

	require.Zero(t, f.connector.opened.Load())
}

func TestReplicator_Warehouse_BadRowsRollBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.seedUsers(t, map[string]string{"id1": "A"})
	before := f.snapshot(t)

	entry := f.putFile(t, "p/AWSDynamoDB/processed/a.json.gz",
		item(live, `"id":{"S":"id1"},"v":{"S":"B"}`),
		item(live, `"id":{"S":"id2"},"score":{"N":"not-a-number"}`),
	)
	_, err := f.loader.Load(t.Context(), f.usersManifest(true, entry))
	var lerr *warehouse.LoadError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, warehouse.StateStaging, lerr.State)
	require.Equal(t, before, f.snapshot(t))
}

func TestReplicator_Warehouse_LoadKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	entry := f.putFile(t, "p/AWSDynamoDB/processed/a.json.gz", item(live, `"id":{"S":"id7"},"v":{"S":"G"}`))
	data, err := f.usersManifest(true, entry).Encode()
	require.NoError(t, err)
	require.NoError(t, f.store.Put(t.Context(), "p/AWSDynamoDB/x/warehouse.manifest", data))

	res, err := f.loader.LoadKey(t.Context(), "p/AWSDynamoDB/x/warehouse.manifest")
	require.NoError(t, err)
	require.Equal(t, f.schema+".users", res.Target)
	require.Equal(t, map[string]string{"id7": "G"}, f.users(t))

	_, err = f.loader.LoadKey(t.Context(), "p/AWSDynamoDB/y/warehouse.manifest")
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestReplicator_Warehouse_Ping(t *testing.T) {
	t.Parallel()

	connector := &warehouse.PgxConnector{ConnectTimeout: 5 * time.Second}
	require.NoError(t, warehouse.Ping(t.Context(), connector, warehouse.StaticCredentials(sharedDB.Credentials())))

	err := warehouse.Ping(t.Context(), connector, warehouse.StaticCredentials{})
	require.ErrorContains(t, err, "warehouse host is required")
}
