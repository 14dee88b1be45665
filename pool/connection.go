package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ice-blockchain/go-pgcluster"
)

var errBrokenConnection = errors.New("connection is broken")

// ConnectionStatistics are usage counters of a single connection.
type ConnectionStatistics struct {
	Queries  int64
	Errors   int64
	BusyTime time.Duration
}

// pooledConn is a link to a host owned by the pool. It outlives the
// leases handed out by Acquire.
type pooledConn struct {
	id        uuid.UUID
	conn      pgcluster.Conn
	createdAt time.Time

	readOnly atomic.Bool
	lag      atomic.Int64
	lagKnown atomic.Bool
	broken   atomic.Bool

	queries  atomic.Int64
	errors   atomic.Int64
	busyTime atomic.Int64
}

func newPooledConn(conn pgcluster.Conn) *pooledConn {
	return &pooledConn{
		id:        uuid.New(),
		conn:      conn,
		createdAt: time.Now(),
	}
}

// Connection is a lease of a pooled connection, owned by exactly one caller
// between Acquire and Release. Every Acquire returns a new lease, so a
// released lease can not return the connection again while another caller
// holds it.
type Connection struct {
	*pooledConn
	pool *ConnectionPool

	// cmdCtl overrides the pool default for the current owner. It is
	// accessed only by the owner.
	cmdCtl *pgcluster.CommandControl

	released atomic.Bool
}

// ID returns a unique identifier of the connection.
func (c *pooledConn) ID() uuid.UUID {
	return c.id
}

// CreatedAt returns the time the connection was established.
func (c *pooledConn) CreatedAt() time.Time {
	return c.createdAt
}

// IsReadOnly reports whether the host was in recovery the last time it was
// probed through this connection.
func (c *pooledConn) IsReadOnly() bool {
	return c.readOnly.Load()
}

// Lag returns the replication lag seen by the last probe through this
// connection. The second value is false if the lag is unknown.
func (c *pooledConn) Lag() (time.Duration, bool) {
	return time.Duration(c.lag.Load()), c.lagKnown.Load()
}

// IsBroken reports whether the connection can not be reused.
func (c *pooledConn) IsBroken() bool {
	return c.broken.Load() || c.conn.IsClosed()
}

// Statistics returns usage counters of the connection.
func (c *pooledConn) Statistics() ConnectionStatistics {
	return ConnectionStatistics{
		Queries:  c.queries.Load(),
		Errors:   c.errors.Load(),
		BusyTime: time.Duration(c.busyTime.Load()),
	}
}

// Release returns the connection to its pool.
func (c *Connection) Release() {
	c.pool.Release(c)
}

// Exec executes a statement and returns its command tag.
func (c *Connection) Exec(ctx context.Context, sql string,
	args ...interface{}) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	tag, err := c.conn.Exec(ctx, sql, args...)
	c.account(ctx, start, err)
	return tag, err
}

// QueryRow executes a statement expected to return at most one row. The
// statement deadline lasts until Scan is called.
func (c *Connection) QueryRow(ctx context.Context, sql string,
	args ...interface{}) pgcluster.Row {
	ctx, cancel := c.withTimeout(ctx)
	return &accountedRow{
		conn:   c,
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
		row:    c.conn.QueryRow(ctx, sql, args...),
	}
}

// ReplicationStatus probes the host through the connection and remembers
// its read-only flag and lag.
func (c *Connection) ReplicationStatus(ctx context.Context) (pgcluster.ReplicationStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	status, err := c.conn.ReplicationStatus(ctx)
	c.account(ctx, start, err)
	if err != nil {
		return status, err
	}

	c.readOnly.Store(status.InRecovery)
	c.lag.Store(int64(status.Lag))
	c.lagKnown.Store(status.LagKnown)
	return status, nil
}

func (c *Connection) commandControl() pgcluster.CommandControl {
	if c.cmdCtl != nil {
		return *c.cmdCtl
	}
	return c.pool.DefaultCommandControl()
}

func (c *Connection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if timeout := c.commandControl().ExecuteTimeout; timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

func (c *Connection) account(ctx context.Context, start time.Time, err error) {
	busy := time.Since(start)
	c.queries.Add(1)
	c.busyTime.Add(int64(busy))
	c.pool.stats.queries.Add(1)
	c.pool.stats.busyTime.Add(int64(busy))

	if err == nil {
		return
	}
	c.errors.Add(1)
	c.pool.stats.queryErrors.Add(1)
	// A statement interrupted by a deadline leaves the protocol in an
	// unknown state.
	if ctx.Err() != nil || c.conn.IsClosed() {
		c.broken.Store(true)
	}
}

type accountedRow struct {
	conn   *Connection
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time
	row    pgcluster.Row
	after  func()
}

func (r *accountedRow) Scan(dest ...interface{}) error {
	err := r.row.Scan(dest...)
	r.conn.account(r.ctx, r.start, err)
	r.cancel()
	if after := r.after; after != nil {
		r.after = nil
		after()
	}
	return err
}
