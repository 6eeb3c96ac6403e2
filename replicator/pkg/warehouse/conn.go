package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/replicator/utils/pkg/retry"
)

// Conn is a single warehouse session. *pgx.Conn satisfies it.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// Connector opens a warehouse session. The loader owns the returned Conn
// and closes it on every exit path.
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// PgxConnector dials the warehouse over the PostgreSQL wire protocol.
type PgxConnector struct {
	ConnectTimeout time.Duration
	Retry          retry.Config
}

func (c *PgxConnector) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	cfg, err := pgx.ParseConfig(creds.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	if c.ConnectTimeout > 0 {
		cfg.ConnectTimeout = c.ConnectTimeout
	}

	retryCfg := c.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	conn, err := retry.DoValue(ctx, retryCfg, func() (*pgx.Conn, error) {
		return pgx.ConnectConfig(ctx, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse %s/%s: %w", creds.Host, creds.Database, err)
	}
	return conn, nil
}

// Ping opens and closes one session, for readiness checks.
func Ping(ctx context.Context, connector Connector, provider CredentialsProvider) error {
	creds, err := provider.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve warehouse credentials: %w", err)
	}
	conn, err := connector.Connect(ctx, creds)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}
