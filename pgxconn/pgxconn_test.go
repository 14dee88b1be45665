package pgxconn_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-pgcluster"
	"github.com/ice-blockchain/go-pgcluster/cluster"
	"github.com/ice-blockchain/go-pgcluster/pgxconn"
	"github.com/ice-blockchain/go-pgcluster/pool"
	"github.com/ice-blockchain/go-pgcluster/test_helpers"
	"github.com/ice-blockchain/go-pgcluster/topology"
)

func TestDial_InvalidDsn(t *testing.T) {
	_, err := pgxconn.Dialer{}.Dial(context.Background(), "postgres://db:notaport/app")
	require.ErrorIs(t, err, pgcluster.ErrConfiguration)
}

func TestDial_ConfigHookError(t *testing.T) {
	hookErr := fmt.Errorf("hook failed")
	dialer := pgxconn.Dialer{ConfigHook: func(cfg *pgx.ConnConfig) error {
		require.Equal(t, "db1", cfg.Host)
		return hookErr
	}}
	_, err := dialer.Dial(context.Background(), "host=db1 port=5432 user=app")
	require.ErrorIs(t, err, hookErr)
}

func TestIsServerError(t *testing.T) {
	err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: pgerrcode.SerializationFailure})
	require.True(t, pgxconn.IsServerError(err, pgerrcode.SerializationFailure))
	require.False(t, pgxconn.IsServerError(err, pgerrcode.ReadOnlySQLTransaction))
	require.False(t, pgxconn.IsServerError(fmt.Errorf("plain"), pgerrcode.SerializationFailure))
}

func dialTestConn(t *testing.T) pgcluster.Conn {
	t.Helper()
	return dialTestConnWith(t, pgxconn.Dialer{})
}

func dialTestConnWith(t *testing.T, dialer pgxconn.Dialer) pgcluster.Conn {
	t.Helper()

	dsn := test_helpers.GetTestDsn(t)
	dsns, err := pgcluster.SplitByHost(dsn)
	require.Nil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx, dsns[0])
	require.Nilf(t, err, "failed to connect to %s", dsns[0])
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func TestConn_Exec(t *testing.T) {
	conn := dialTestConn(t)
	ctx := context.Background()

	tag, err := conn.Exec(ctx, "SELECT 1")
	require.Nil(t, err)
	require.Equal(t, "SELECT 1", tag)

	var n int64
	require.Nil(t, conn.QueryRow(ctx, "SELECT $1::bigint + 1", 41).Scan(&n))
	require.Equal(t, int64(42), n)

	_, err = conn.Exec(ctx, "SELECT 1/0")
	require.True(t, pgxconn.IsServerError(err, pgerrcode.DivisionByZero), err)
	require.False(t, conn.IsClosed())
}

func TestConn_Decimal(t *testing.T) {
	conn := dialTestConnWith(t, pgxconn.Dialer{Decimal: true})
	ctx := context.Background()

	var sum decimal.Decimal
	require.Nil(t, conn.QueryRow(ctx, "SELECT $1::numeric + 0.01",
		decimal.RequireFromString("1.10")).Scan(&sum))
	require.True(t, decimal.RequireFromString("1.11").Equal(sum), sum.String())
}

func TestConn_ReplicationStatus(t *testing.T) {
	conn := dialTestConn(t)

	status, err := conn.ReplicationStatus(context.Background())
	require.Nil(t, err)
	if !status.InRecovery {
		require.True(t, status.LagKnown)
		require.Zero(t, status.Lag)
	}
}

func TestConn_Close(t *testing.T) {
	conn := dialTestConn(t)

	require.Nil(t, conn.Close(context.Background()))
	require.True(t, conn.IsClosed())
}

func TestCluster_LiveServer(t *testing.T) {
	dsn := test_helpers.GetTestDsn(t)
	dsns, err := pgcluster.SplitByHost(dsn)
	require.Nil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := cluster.Connect(ctx, dsns, pgxconn.Dialer{}, cluster.Opts{
		Pool:     pool.Opts{InitialSize: 1, MaxSize: 4},
		Topology: topology.Settings{MaxReplicationLag: time.Minute, ProbeDeadline: 2 * time.Second},
		Logger:   pgcluster.NopLogger{},
	})
	require.Nil(t, err)
	defer c.Close()

	_, ok := c.GetCurrentTopology().Master()
	require.True(t, ok, "live cluster has no master")

	var n int64
	require.Nil(t, c.QueryRow(ctx, "SELECT 2").Scan(&n))
	require.Equal(t, int64(2), n)

	tx, err := c.Begin(ctx, cluster.RW, pgcluster.TxOptions{IsoLevel: pgcluster.RepeatableRead},
		&pgcluster.CommandControl{StatementTimeout: time.Second})
	require.Nil(t, err)
	var timeout string
	require.Nil(t, tx.QueryRow(ctx, "SHOW statement_timeout").Scan(&timeout))
	require.Equal(t, "1s", timeout)
	require.Nil(t, tx.Commit(ctx))
}
