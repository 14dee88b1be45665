// Package with a connection pool to a single PostgreSQL host.
//
// Main features:
//
// - Bounded number of connections: the pool never opens more than MaxSize.
//
// - Lazy growth: a caller that finds no idle connection reserves a slot and
// starts a new connection, then waits for whichever connection is released
// or established first.
//
// - Fast failure on overload: callers with an expired deadline, or callers
// that exceed MaxWaiters, fail at once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/ice-blockchain/go-pgcluster"
)

var (
	ErrEmptyDsn = fmt.Errorf("%w: dsn should not be empty",
		pgcluster.ErrConfiguration)
	ErrNilDialer = fmt.Errorf("%w: dialer should not be nil",
		pgcluster.ErrConfiguration)
	ErrWrongMaxSize = fmt.Errorf("%w: wrong max size, must be greater than 0",
		pgcluster.ErrConfiguration)
	ErrWrongInitialSize = fmt.Errorf("%w: wrong initial size, must be in [0, max size]",
		pgcluster.ErrConfiguration)
	ErrWrongMaxWaiters = fmt.Errorf("%w: wrong max waiters, must not be negative",
		pgcluster.ErrConfiguration)

	// ErrClosed is returned by operations of a closed pool.
	ErrClosed = pgcluster.ClientError{Code: pgcluster.ErrPoolClosed, Msg: "pool is closed"}
)

const (
	defaultConnectTimeout = 2 * time.Second
	closeTimeout          = time.Second
)

// Opts provides pool options (configurable via Connect).
type Opts struct {
	// InitialSize is the number of connections opened by Connect and kept
	// open afterwards.
	InitialSize int
	// MaxSize bounds the number of open and opening connections.
	MaxSize int
	// MaxWaiters bounds the number of callers waiting in Acquire. Zero
	// means no limit.
	MaxWaiters int
	// ConnectTimeout bounds a single connection attempt. Zero means two
	// seconds.
	ConnectTimeout time.Duration
	// ConnectRate limits the rate of connection attempts per second. Zero
	// means no limit.
	ConnectRate rate.Limit
	// ConnectBurst is the burst of the connection rate limiter.
	ConnectBurst int
	// DefaultCommandControl is used by statements executed without an
	// explicit command control. Nil means pgcluster.DefaultCommandControl.
	DefaultCommandControl *pgcluster.CommandControl
	// Logger receives pool events. Nil means the default slog logger.
	Logger pgcluster.Logger
}

func (opts Opts) validate() error {
	if opts.MaxSize <= 0 {
		return ErrWrongMaxSize
	}
	if opts.InitialSize < 0 || opts.InitialSize > opts.MaxSize {
		return ErrWrongInitialSize
	}
	if opts.MaxWaiters < 0 {
		return ErrWrongMaxWaiters
	}
	return nil
}

type poolStats struct {
	openTotal     atomic.Int64
	dropTotal     atomic.Int64
	connectErrors atomic.Int64
	exhaustTotal  atomic.Int64
	queries       atomic.Int64
	queryErrors   atomic.Int64
	transactions  atomic.Int64
	commits       atomic.Int64
	rollbacks     atomic.Int64
	busyTime      atomic.Int64
}

/*
ConnectionPool keeps connections to a single host.

A connection is either idle inside the pool or owned by exactly one caller
between Acquire and Release.
*/
type ConnectionPool struct {
	dsn    pgcluster.Dsn
	host   string
	dialer pgcluster.Dialer
	opts   Opts
	logger pgcluster.Logger

	state  state
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	idle chan *pooledConn
	// slotFreed wakes a waiter without a pending connect after the size
	// drops below MaxSize.
	slotFreed chan struct{}
	// size counts open connections and connection attempts in flight.
	size       atomic.Int64
	connecting atomic.Int64
	inUse      atomic.Int64
	waiting    atomic.Int64

	cmdCtl  atomic.Pointer[pgcluster.CommandControl]
	limiter *rate.Limiter

	// connectMu orders connection attempts against Close.
	connectMu sync.Mutex
	connectWg sync.WaitGroup

	recentConnectErrors *recentCounter
	stats               poolStats
}

// Connect creates a pool to the host of the dsn and opens InitialSize
// connections. Connection failures are not fatal: the pool retries them on
// demand. Connect returns an error only if the options are invalid.
func Connect(ctx context.Context, dsn pgcluster.Dsn, dialer pgcluster.Dialer,
	opts Opts) (*ConnectionPool, error) {
	if dsn == "" {
		return nil, ErrEmptyDsn
	}
	if dialer == nil {
		return nil, ErrNilDialer
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	limit, burst := opts.ConnectRate, opts.ConnectBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = pgcluster.NewSlogLogger(nil)
	}

	poolCtx, cancel := context.WithCancel(context.Background())
	p := &ConnectionPool{
		dsn:                 dsn,
		host:                dsn.HostPort(),
		dialer:              dialer,
		opts:                opts,
		logger:              logger,
		done:                make(chan struct{}),
		ctx:                 poolCtx,
		cancel:              cancel,
		idle:                make(chan *pooledConn, opts.MaxSize),
		slotFreed:           make(chan struct{}, 1),
		limiter:             rate.NewLimiter(limit, burst),
		recentConnectErrors: newRecentCounter(recentPeriod, recentInterval),
	}
	cmdCtl := pgcluster.DefaultCommandControl
	if opts.DefaultCommandControl != nil {
		cmdCtl = *opts.DefaultCommandControl
	}
	p.cmdCtl.Store(&cmdCtl)
	p.state.set(connectedState)

	p.init(ctx)
	return p, nil
}

func (p *ConnectionPool) init(ctx context.Context) {
	results := make([]<-chan error, 0, p.opts.InitialSize)
	for i := 0; i < p.opts.InitialSize; i++ {
		sg, ok := reserveSize(&p.size, int64(p.opts.MaxSize))
		if !ok {
			break
		}
		results = append(results, p.connect(sg))
	}
	for _, result := range results {
		select {
		case <-result:
		case <-ctx.Done():
			return
		}
	}
}

// Dsn returns the descriptor of the host.
func (p *ConnectionPool) Dsn() pgcluster.Dsn {
	return p.dsn
}

// Host returns "host:port" of the pool.
func (p *ConnectionPool) Host() string {
	return p.host
}

// Acquire returns an idle connection or waits until one is released or
// established. The caller owns the connection until Release.
//
// A context that has already expired fails with a pool overload error
// without touching the pool.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Connection, error) {
	if p.state.get() != connectedState {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		p.stats.exhaustTotal.Add(1)
		return nil, pgcluster.NewClientError(pgcluster.ErrPoolOverloaded,
			"deadline expired before acquiring a connection", err)
	}

	if c := p.tryPop(); c != nil {
		return p.acquired(c), nil
	}

	waiter := newSizeGuard(&p.waiting)
	defer waiter.Release()
	if p.opts.MaxWaiters > 0 && waiter.Value() > int64(p.opts.MaxWaiters) {
		return nil, p.overloaded("wait queue size exceeded", nil)
	}

	var connectResult <-chan error
	if sg, ok := reserveSize(&p.size, int64(p.opts.MaxSize)); ok {
		// A connection may have been released since the first try.
		if c := p.tryPop(); c != nil {
			sg.Release()
			return p.acquired(c), nil
		}
		connectResult = p.connect(sg)
	}

	for {
		// Only a waiter without a pending connect competes for a freed slot.
		var slotFreed <-chan struct{}
		if connectResult == nil {
			slotFreed = p.slotFreed
		}

		select {
		case c := <-p.idle:
			if c.IsBroken() {
				p.deleteConnection(c, errBrokenConnection)
				continue
			}
			return p.acquired(c), nil
		case <-slotFreed:
			sg, ok := reserveSize(&p.size, int64(p.opts.MaxSize))
			if !ok {
				continue
			}
			if p.size.Load() < int64(p.opts.MaxSize) {
				p.notifySlotFreed()
			}
			if c := p.tryPop(); c != nil {
				sg.Release()
				return p.acquired(c), nil
			}
			connectResult = p.connect(sg)
		case err := <-connectResult:
			// On success the new connection is in the idle queue, so keep
			// waiting: it goes to the first waiter.
			connectResult = nil
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			if connectResult != nil {
				return nil, pgcluster.NewClientError(pgcluster.ErrConnectTimeout,
					"timed out waiting for a new connection", ctx.Err())
			}
			return nil, p.overloaded("no available connections found", ctx.Err())
		case <-p.done:
			return nil, ErrClosed
		}
	}
}

// Release returns a connection to the pool. A broken connection is closed
// instead. Releasing the same lease twice has no effect, even if the
// connection has been acquired again since.
func (p *ConnectionPool) Release(c *Connection) {
	if c == nil || c.pool != p {
		return
	}
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	c.cmdCtl = nil
	p.inUse.Add(-1)

	if c.IsBroken() {
		p.deleteConnection(c.pooledConn, errBrokenConnection)
		return
	}
	p.push(c.pooledConn)
}

// Begin acquires a connection and starts a transaction on it. cmdCtl
// overrides the default command control for the transaction if not nil.
func (p *ConnectionPool) Begin(ctx context.Context, opts pgcluster.TxOptions,
	cmdCtl *pgcluster.CommandControl) (*Transaction, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return begin(ctx, c, opts, cmdCtl)
}

// Start acquires a connection for a single statement outside of an
// explicit transaction.
func (p *ConnectionPool) Start(ctx context.Context) (*NonTransaction, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &NonTransaction{conn: c}, nil
}

// SetDefaultCommandControl replaces the command control used by statements
// executed without an explicit one. Statements already running keep the
// previous value.
func (p *ConnectionPool) SetDefaultCommandControl(cmdCtl pgcluster.CommandControl) {
	p.cmdCtl.Store(&cmdCtl)
}

// DefaultCommandControl returns the current default command control.
func (p *ConnectionPool) DefaultCommandControl() pgcluster.CommandControl {
	return *p.cmdCtl.Load()
}

// ReplicationStatus probes the host through a pooled connection.
func (p *ConnectionPool) ReplicationStatus(ctx context.Context) (pgcluster.ReplicationStatus, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return pgcluster.ReplicationStatus{}, err
	}
	defer c.Release()
	return c.ReplicationStatus(ctx)
}

// Close closes idle connections and stops growth. Connections in use are
// closed when they are released. It returns errors of closing the idle
// connections, if any.
func (p *ConnectionPool) Close() error {
	p.connectMu.Lock()
	if !p.state.cas(connectedState, closedState) {
		p.connectMu.Unlock()
		return nil
	}
	close(p.done)
	p.connectMu.Unlock()

	p.cancel()
	p.connectWg.Wait()
	err := p.drainIdle()
	p.logger.Report(pgcluster.NewPoolClosedEvent(p.host))
	return err
}

func (p *ConnectionPool) acquired(c *pooledConn) *Connection {
	p.inUse.Add(1)
	return &Connection{pooledConn: c, pool: p}
}

func (p *ConnectionPool) notifySlotFreed() {
	select {
	case p.slotFreed <- struct{}{}:
	default:
	}
}

func (p *ConnectionPool) overloaded(msg string, cause error) error {
	p.stats.exhaustTotal.Add(1)
	p.logger.Report(pgcluster.NewPoolOverloadedEvent(p.host, p.waiting.Load(),
		p.opts.MaxSize))
	return pgcluster.NewClientError(pgcluster.ErrPoolOverloaded, msg, cause)
}

// tryPop returns an idle connection without waiting. Broken connections
// found on the way are closed.
func (p *ConnectionPool) tryPop() *pooledConn {
	for {
		select {
		case c := <-p.idle:
			if c.IsBroken() {
				p.deleteConnection(c, errBrokenConnection)
				continue
			}
			return c
		default:
			return nil
		}
	}
}

// push puts a connection into the idle queue, handing it to the longest
// waiting caller if there is one.
func (p *ConnectionPool) push(c *pooledConn) {
	if p.state.get() != connectedState {
		p.deleteConnection(c, nil)
		return
	}
	select {
	case p.idle <- c:
	default:
		// Unreachable while size <= MaxSize.
		p.deleteConnection(c, nil)
		return
	}
	// Close may have drained the queue before the push.
	if p.state.get() != connectedState {
		_ = p.drainIdle()
	}
}

// connect opens a connection in the background using the reserved size
// unit. The result channel receives nil once the connection is in the idle
// queue, or the connection error.
func (p *ConnectionPool) connect(sg *sizeGuard) <-chan error {
	result := make(chan error, 1)

	p.connectMu.Lock()
	if p.state.get() != connectedState {
		p.connectMu.Unlock()
		sg.Release()
		result <- ErrClosed
		return result
	}
	p.connectWg.Add(1)
	p.connectMu.Unlock()

	p.connecting.Add(1)
	go func() {
		defer p.connectWg.Done()

		c, err := p.dial()
		p.connecting.Add(-1)
		if err != nil {
			sg.Release()
			p.notifySlotFreed()
			p.stats.connectErrors.Add(1)
			p.recentConnectErrors.Add(1)
			p.logger.Report(pgcluster.NewConnectFailedEvent(p.host, err))
			result <- err
			return
		}

		sg.Dismiss()
		p.stats.openTotal.Add(1)
		p.logger.Report(pgcluster.NewConnectedEvent(p.host, c.ID().String(),
			p.size.Load()))
		p.push(c)
		result <- nil
	}()
	return result
}

func (p *ConnectionPool) dial() (*pooledConn, error) {
	if err := p.limiter.Wait(p.ctx); err != nil {
		return nil, pgcluster.NewClientError(pgcluster.ErrConnectFailed,
			"connection rate limit wait failed", err)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(ctx, p.dsn)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, pgcluster.NewClientError(pgcluster.ErrConnectTimeout,
				"connection timed out", err)
		}
		return nil, pgcluster.NewClientError(pgcluster.ErrConnectFailed,
			"failed to connect", err)
	}
	return newPooledConn(conn), nil
}

// deleteConnection closes a connection and frees its size unit. If the
// pool falls below InitialSize, a replacement is started. Otherwise the
// freed slot goes to a waiter, if any.
func (p *ConnectionPool) deleteConnection(c *pooledConn, reason error) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	err := c.conn.Close(ctx)
	p.size.Add(-1)
	p.stats.dropTotal.Add(1)
	if reason != nil {
		p.logger.Report(pgcluster.NewConnectionDroppedEvent(p.host, c.ID().String(),
			reason))
	}

	if p.state.get() == connectedState {
		if sg, ok := reserveSize(&p.size, int64(p.opts.InitialSize)); ok {
			p.connect(sg)
		} else {
			p.notifySlotFreed()
		}
	}
	return err
}

func (p *ConnectionPool) drainIdle() error {
	var errs *multierror.Error
	for {
		select {
		case c := <-p.idle:
			if err := p.deleteConnection(c, nil); err != nil {
				errs = multierror.Append(errs, err)
			}
		default:
			return errs.ErrorOrNil()
		}
	}
}
