package test_helpers

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ice-blockchain/go-pgcluster"
)

// MockHost is a scriptable fake PostgreSQL host. All setters are safe to
// call while connections to the host are in use.
type MockHost struct {
	mu          sync.Mutex
	status      pgcluster.ReplicationStatus
	statusErr   error
	statusDelay time.Duration
	dialErr     error
	dialDelay   time.Duration
	execErr     error
	execDelay   time.Duration
	row         []interface{}
	statements  []string
	conns       []*MockConn
}

// SetStatus sets the replication status returned by probes.
func (h *MockHost) SetStatus(status pgcluster.ReplicationStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.statusErr = nil
}

// SetMaster makes the host a primary with the given synchronous standbys.
func (h *MockHost) SetMaster(syncStandbys ...string) {
	h.SetStatus(pgcluster.ReplicationStatus{
		InRecovery:   false,
		LagKnown:     true,
		SyncStandbys: syncStandbys,
	})
}

// SetReplica makes the host a standby with the given lag and session name.
func (h *MockHost) SetReplica(sessionName string, lag time.Duration) {
	h.SetStatus(pgcluster.ReplicationStatus{
		InRecovery:  true,
		Lag:         lag,
		LagKnown:    true,
		SessionName: sessionName,
	})
}

// SetStatusError makes probes fail with err.
func (h *MockHost) SetStatusError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusErr = err
}

// SetStatusDelay delays probe answers.
func (h *MockHost) SetStatusDelay(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusDelay = delay
}

// SetDialError makes new connections fail with err.
func (h *MockHost) SetDialError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErr = err
}

// SetDialDelay delays new connections.
func (h *MockHost) SetDialDelay(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialDelay = delay
}

// SetExecError makes statements fail with err.
func (h *MockHost) SetExecError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execErr = err
}

// SetExecDelay delays statements.
func (h *MockHost) SetExecDelay(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execDelay = delay
}

// SetRow sets the values returned by QueryRow.
func (h *MockHost) SetRow(values ...interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.row = values
}

// Statements returns all statements received by the host in order.
func (h *MockHost) Statements() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statements...)
}

// KillConnections closes all connections to the host as if the server
// terminated them.
func (h *MockHost) KillConnections() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(context.Background())
	}
}

func (h *MockHost) record(sql string) (time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statements = append(h.statements, sql)
	return h.execDelay, h.execErr
}

// MockDialer is an implementation of the pgcluster.Dialer interface used
// for testing purposes. Hosts are identified by "host:port" of a dsn.
type MockDialer struct {
	mu    sync.Mutex
	hosts map[string]*MockHost

	dials   atomic.Int64
	open    atomic.Int64
	maxOpen atomic.Int64
}

// NewMockDialer creates a MockDialer. Unknown hosts are created on demand
// as healthy primaries.
func NewMockDialer() *MockDialer {
	return &MockDialer{hosts: make(map[string]*MockHost)}
}

// Host returns the fake host with the address.
func (d *MockDialer) Host(hostPort string) *MockHost {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.hosts[hostPort]
	if !ok {
		h = &MockHost{status: pgcluster.ReplicationStatus{LagKnown: true}}
		d.hosts[hostPort] = h
	}
	return h
}

// Dial opens a fake connection.
func (d *MockDialer) Dial(ctx context.Context, dsn pgcluster.Dsn) (pgcluster.Conn, error) {
	d.dials.Add(1)

	h := d.Host(dsn.HostPort())
	h.mu.Lock()
	delay, err := h.dialDelay, h.dialErr
	h.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	open := d.open.Add(1)
	for {
		prev := d.maxOpen.Load()
		if open <= prev || d.maxOpen.CompareAndSwap(prev, open) {
			break
		}
	}
	c := &MockConn{dialer: d, host: h}
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
	return c, nil
}

// Dials returns the number of connection attempts.
func (d *MockDialer) Dials() int64 {
	return d.dials.Load()
}

// Open returns the number of open connections.
func (d *MockDialer) Open() int64 {
	return d.open.Load()
}

// MaxOpen returns the highest number of simultaneously open connections.
func (d *MockDialer) MaxOpen() int64 {
	return d.maxOpen.Load()
}

// MockConn is a fake connection to a MockHost.
type MockConn struct {
	dialer *MockDialer
	host   *MockHost
	closed atomic.Bool
}

func (c *MockConn) Exec(ctx context.Context, sql string,
	args ...interface{}) (string, error) {
	if c.closed.Load() {
		return "", fmt.Errorf("connection is closed")
	}
	delay, err := c.host.record(sql)
	if err := sleep(ctx, delay); err != nil {
		return "", err
	}
	if err != nil {
		return "", err
	}
	tag := strings.ToUpper(strings.Fields(sql + " ")[0])
	return tag, nil
}

func (c *MockConn) QueryRow(ctx context.Context, sql string,
	args ...interface{}) pgcluster.Row {
	if c.closed.Load() {
		return MockRow{err: fmt.Errorf("connection is closed")}
	}
	delay, err := c.host.record(sql)
	if err := sleep(ctx, delay); err != nil {
		return MockRow{err: err}
	}
	if err != nil {
		return MockRow{err: err}
	}
	c.host.mu.Lock()
	values := append([]interface{}(nil), c.host.row...)
	c.host.mu.Unlock()
	return MockRow{values: values}
}

func (c *MockConn) ReplicationStatus(ctx context.Context) (pgcluster.ReplicationStatus, error) {
	if c.closed.Load() {
		return pgcluster.ReplicationStatus{}, fmt.Errorf("connection is closed")
	}
	c.host.mu.Lock()
	status, err, delay := c.host.status, c.host.statusErr, c.host.statusDelay
	c.host.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return pgcluster.ReplicationStatus{}, err
	}
	if err != nil {
		return pgcluster.ReplicationStatus{}, err
	}
	status.SyncStandbys = append([]string(nil), status.SyncStandbys...)
	return status, nil
}

func (c *MockConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *MockConn) Close(ctx context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		c.dialer.open.Add(-1)
	}
	return nil
}

// MockRow returns scripted values or an error.
type MockRow struct {
	values []interface{}
	err    error
}

func (r MockRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("expected %d destinations, got %d", len(r.values), len(dest))
	}
	for i, v := range r.values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
