// Package pgxconn implements pgcluster.Conn and pgcluster.Dialer over
// jackc/pgx.
package pgxconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ice-blockchain/go-pgcluster"
)

// replicationStatusQuery returns the recovery flag, the replay lag in
// milliseconds (NULL if unknown), the cluster name and, on a primary, the
// names of synchronous standbys.
//
// A replica which has replayed everything it received is not lagging,
// even if the last replayed transaction is old.
const replicationStatusQuery = `
SELECT
	pg_is_in_recovery(),
	CASE
		WHEN NOT pg_is_in_recovery() THEN 0
		WHEN pg_last_wal_receive_lsn() = pg_last_wal_replay_lsn() THEN 0
		ELSE (EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()) * 1000)::bigint
	END,
	current_setting('cluster_name', true),
	CASE
		WHEN pg_is_in_recovery() THEN '{}'::text[]
		ELSE ARRAY(
			SELECT application_name FROM pg_stat_replication
			WHERE sync_state IN ('sync', 'quorum')
			ORDER BY application_name)
	END`

// Dialer opens pgx connections.
type Dialer struct {
	// ConfigHook, if set, may adjust the parsed config before connecting,
	// e.g. register types or set a tracer.
	ConfigHook func(cfg *pgx.ConnConfig) error
	// Decimal makes numeric values scan into and encode from
	// shopspring decimal.Decimal.
	Decimal bool
}

// Dial parses dsn and connects to the host.
func (d Dialer) Dial(ctx context.Context, dsn pgcluster.Dsn) (pgcluster.Conn, error) {
	cfg, err := pgx.ParseConfig(string(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid dsn %q: %s", pgcluster.ErrConfiguration,
			dsn.Redacted(), err)
	}
	if d.ConfigHook != nil {
		if err := d.ConfigHook(cfg); err != nil {
			return nil, err
		}
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if d.Decimal {
		pgxdecimal.Register(conn.TypeMap())
	}
	return &Conn{conn: conn}, nil
}

// Conn is a pgcluster.Conn over a single pgx connection.
type Conn struct {
	conn *pgx.Conn
}

// New wraps an established pgx connection.
func New(conn *pgx.Conn) *Conn {
	return &Conn{conn: conn}
}

// PgxConn returns the underlying connection.
func (c *Conn) PgxConn() *pgx.Conn {
	return c.conn
}

func (c *Conn) Exec(ctx context.Context, sql string, args ...interface{}) (string, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

func (c *Conn) QueryRow(ctx context.Context, sql string, args ...interface{}) pgcluster.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *Conn) ReplicationStatus(ctx context.Context) (pgcluster.ReplicationStatus, error) {
	var (
		status      pgcluster.ReplicationStatus
		lagMs       *int64
		clusterName *string
	)
	err := c.conn.QueryRow(ctx, replicationStatusQuery).Scan(
		&status.InRecovery, &lagMs, &clusterName, &status.SyncStandbys)
	if err != nil {
		return pgcluster.ReplicationStatus{}, err
	}

	if lagMs != nil {
		status.LagKnown = true
		if *lagMs > 0 {
			status.Lag = time.Duration(*lagMs) * time.Millisecond
		}
	}
	if clusterName != nil {
		status.SessionName = *clusterName
	}
	return status, nil
}

// IsClosed reports whether the connection is closed or its underlying
// link failed.
func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// IsServerError reports whether err was returned by the server with the
// SQLSTATE code.
func IsServerError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

var (
	_ pgcluster.Dialer = Dialer{}
	_ pgcluster.Conn   = (*Conn)(nil)
)
