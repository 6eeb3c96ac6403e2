package replicatortesting

import (
	"testing"

	"github.com/malbeclabs/replicator/replicator/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/replicator/replicator/pkg/clickhouse/testing"
	"github.com/stretchr/testify/require"
)

// ClientInfo holds a test client and its database name.
type ClientInfo struct {
	Client   clickhouse.Client
	Database string
}

// NewClientWithInfo creates a migrated test client and returns info
// including the database name.
func NewClientWithInfo(t *testing.T, db *clickhousetesting.DB) *ClientInfo {
	info, err := clickhousetesting.NewTestClientWithInfo(t, db)
	require.NoError(t, err)

	err = clickhouse.RunMigrations(t.Context(), NewLogger(), db.Config(info.Database))
	require.NoError(t, err)

	return &ClientInfo{
		Client:   info.Client,
		Database: info.Database,
	}
}
