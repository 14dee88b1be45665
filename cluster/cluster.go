// Package with methods to work with a PostgreSQL cluster considering
// master discovery.
//
// Main features:
//
// - Return a connection from a per-host pool according to round-robin
// strategy.
//
// - Automatic master and replica discovery by mode parameter.
//
// - Routing of single statements by their kind: writes go to the master,
// reads prefer replicas.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/go-pgcluster"
	"github.com/ice-blockchain/go-pgcluster/balancer"
	"github.com/ice-blockchain/go-pgcluster/pool"
	"github.com/ice-blockchain/go-pgcluster/topology"
)

var (
	ErrEmptyDsns = fmt.Errorf("%w: dsns (second argument) should not be empty",
		pgcluster.ErrConfiguration)
	ErrNoMaster      = errors.New("can't find master in cluster")
	ErrNoReplica     = errors.New("can't find replica in cluster")
	ErrNoHealthyHost = errors.New("can't find healthy host in cluster")
	ErrUnknownMode   = errors.New("unknown mode")
)

const defaultRefreshInterval = time.Second

// Opts provides cluster options (configurable via Connect).
type Opts struct {
	// Pool configures every per-host pool.
	Pool pool.Opts
	// Topology configures detection cycles. Zero fields take their values
	// from topology.DefaultSettings.
	Topology topology.Settings
	// RefreshInterval is the period of detection cycles. Zero means one
	// second.
	RefreshInterval time.Duration
	// ReadMode routes statements of Exec and QueryRow which do not require
	// writes. Nil means PreferRO.
	ReadMode *Mode
	// ProbeThroughPools makes the detector probe hosts with pooled
	// connections instead of a dedicated connection per host.
	ProbeThroughPools bool
	// Handler provides an ability to handle role changes.
	Handler topology.Handler
	// Logger receives events of pools and the detector. Nil means the
	// default slog logger.
	Logger pgcluster.Logger
}

// Statistics of the cluster: pool statistics per host index, their sum and
// detector counters.
type Statistics struct {
	Hosts    []pool.Statistics
	Total    pool.Statistics
	Topology topology.Statistics
}

/*
Cluster keeps a connection pool per host and a topology detector, and picks
a pool for every request by mode.
*/
type Cluster struct {
	dsns     []pgcluster.Dsn
	pools    []*pool.ConnectionPool
	detector *topology.Detector
	opts     Opts

	strategies map[Mode]*RoundRobinStrategy
}

// Connect creates pools to every host, runs the first detection cycle and
// starts periodic detection. Unavailable hosts are not fatal.
func Connect(ctx context.Context, dsns []pgcluster.Dsn, dialer pgcluster.Dialer,
	opts Opts) (*Cluster, error) {
	if len(dsns) == 0 {
		return nil, ErrEmptyDsns
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.Topology.MaxReplicationLag == 0 {
		opts.Topology.MaxReplicationLag = topology.DefaultSettings.MaxReplicationLag
	}
	if opts.Topology.ProbeDeadline == 0 {
		opts.Topology.ProbeDeadline = topology.DefaultSettings.ProbeDeadline
	}
	if opts.ReadMode != nil {
		if _, ok := modeNames[*opts.ReadMode]; !ok {
			return nil, fmt.Errorf("%w: read mode: %w %s", pgcluster.ErrConfiguration,
				ErrUnknownMode, *opts.ReadMode)
		}
	}
	if opts.Logger == nil {
		opts.Logger = pgcluster.NewSlogLogger(nil)
	}
	if opts.Pool.Logger == nil {
		opts.Pool.Logger = opts.Logger
	}

	c := &Cluster{
		dsns:       dsns,
		opts:       opts,
		strategies: make(map[Mode]*RoundRobinStrategy, len(modeNames)),
	}
	for mode := range modeNames {
		c.strategies[mode] = &RoundRobinStrategy{}
	}

	for _, dsn := range dsns {
		p, err := pool.Connect(ctx, dsn, dialer, opts.Pool)
		if err != nil {
			c.closePools()
			return nil, err
		}
		c.pools = append(c.pools, p)
	}

	detectorOpts := topology.Opts{
		RefreshInterval: opts.RefreshInterval,
		Handler:         opts.Handler,
		Logger:          opts.Logger,
	}
	var err error
	if opts.ProbeThroughPools {
		targets := make([]topology.Target, len(c.pools))
		for i, p := range c.pools {
			targets[i] = p
		}
		c.detector, err = topology.New(ctx, targets, opts.Topology, detectorOpts)
	} else {
		c.detector, err = topology.Connect(ctx, dsns, dialer, opts.Topology, detectorOpts)
	}
	if err != nil {
		c.closePools()
		return nil, err
	}
	return c, nil
}

// Acquire returns a connection to a host chosen by mode.
func (c *Cluster) Acquire(ctx context.Context, mode Mode) (*pool.Connection, error) {
	p, err := c.getPool(mode)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Begin starts a transaction on a host chosen by mode.
func (c *Cluster) Begin(ctx context.Context, mode Mode, opts pgcluster.TxOptions,
	cmdCtl *pgcluster.CommandControl) (*pool.Transaction, error) {
	p, err := c.getPool(mode)
	if err != nil {
		return nil, err
	}
	return p.Begin(ctx, opts, cmdCtl)
}

// Start acquires a connection to a host chosen by mode for a single
// statement.
func (c *Cluster) Start(ctx context.Context, mode Mode) (*pool.NonTransaction, error) {
	p, err := c.getPool(mode)
	if err != nil {
		return nil, err
	}
	return p.Start(ctx)
}

// Exec executes a single statement. Writes go to the master, reads prefer
// replicas. The statement may start with a "{{writable}}" or
// "{{non-writable}}" hint.
func (c *Cluster) Exec(ctx context.Context, sql string, args ...interface{}) (string, error) {
	script, requiresWrite := balancer.CheckIfRequiresWrite(sql, true)
	nt, err := c.Start(ctx, c.mode(requiresWrite))
	if err != nil {
		return "", err
	}
	return nt.Exec(ctx, script, args...)
}

// QueryRow executes a single statement returning at most one row, routed
// like Exec.
func (c *Cluster) QueryRow(ctx context.Context, sql string, args ...interface{}) pgcluster.Row {
	script, requiresWrite := balancer.CheckIfRequiresWrite(sql, true)
	nt, err := c.Start(ctx, c.mode(requiresWrite))
	if err != nil {
		return errRow{err}
	}
	return nt.QueryRow(ctx, script, args...)
}

func (c *Cluster) mode(writeable bool) Mode {
	if writeable {
		return RW
	}
	if c.opts.ReadMode != nil {
		return *c.opts.ReadMode
	}
	return PreferRO
}

// ConnectedNow reports whether a reachable host for the mode is known.
func (c *Cluster) ConnectedNow(mode Mode) bool {
	idx, err := c.getNextHost(mode)
	return err == nil && c.reachable(idx)
}

// Ping executes a trivial statement on a host chosen by mode.
func (c *Cluster) Ping(ctx context.Context, mode Mode) error {
	nt, err := c.Start(ctx, mode)
	if err != nil {
		return err
	}
	_, err = nt.Exec(ctx, "SELECT 1")
	return err
}

// GetCurrentTopology returns the last published topology.
func (c *Cluster) GetCurrentTopology() *topology.Snapshot {
	return c.detector.GetCurrentTopology()
}

// Refresh runs a detection cycle immediately.
func (c *Cluster) Refresh(ctx context.Context) *topology.Snapshot {
	return c.detector.Refresh(ctx)
}

// Pool returns the pool of the host with the index.
func (c *Cluster) Pool(index int) *pool.ConnectionPool {
	if index < 0 || index >= len(c.pools) {
		return nil
	}
	return c.pools[index]
}

// Dsns returns descriptors of hosts in index order.
func (c *Cluster) Dsns() []pgcluster.Dsn {
	return append([]pgcluster.Dsn(nil), c.dsns...)
}

// GetStatistics returns statistics of all pools and the detector.
func (c *Cluster) GetStatistics() Statistics {
	stats := Statistics{
		Hosts:    make([]pool.Statistics, len(c.pools)),
		Topology: c.detector.GetStatistics(),
	}
	for i, p := range c.pools {
		stats.Hosts[i] = p.GetStatistics()
		stats.Total = stats.Total.Add(stats.Hosts[i])
	}
	return stats
}

// SetDefaultCommandControl replaces the default command control of every
// pool.
func (c *Cluster) SetDefaultCommandControl(cmdCtl pgcluster.CommandControl) {
	for _, p := range c.pools {
		p.SetDefaultCommandControl(cmdCtl)
	}
}

// Close stops detection and closes all pools.
func (c *Cluster) Close() error {
	var errs *multierror.Error
	if err := c.detector.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.closePools(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (c *Cluster) closePools() error {
	var errs *multierror.Error
	for _, p := range c.pools {
		if err := p.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Cluster) getPool(mode Mode) (*pool.ConnectionPool, error) {
	idx, err := c.getNextHost(mode)
	if err != nil {
		return nil, err
	}
	return c.pools[idx], nil
}

func (c *Cluster) getNextHost(mode Mode) (int, error) {
	snapshot := c.detector.GetCurrentTopology()
	master := snapshot.Hosts(topology.Master)
	syncSlaves := snapshot.Hosts(topology.SyncSlave)
	replicas := append(syncSlaves, snapshot.Hosts(topology.Slave)...)

	strategy, ok := c.strategies[mode]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	pick := func(hosts []int) (int, bool) {
		return strategy.GetNextHost(hosts, c.reachable)
	}

	switch mode {
	case ANY:
		if idx, ok := pick(append(master, replicas...)); ok {
			return idx, nil
		}
		return 0, ErrNoHealthyHost

	case RW:
		if idx, ok := pick(master); ok {
			return idx, nil
		}
		return 0, ErrNoMaster

	case RO:
		if idx, ok := pick(replicas); ok {
			return idx, nil
		}
		return 0, ErrNoReplica

	case SyncRO:
		if idx, ok := pick(syncSlaves); ok {
			return idx, nil
		}
		return 0, ErrNoReplica

	case PreferRW:
		return c.prefer(pick, master, replicas)

	case PreferRO:
		return c.prefer(pick, replicas, master)
	}

	return 0, ErrNoHealthyHost
}

// prefer returns a reachable host of the first group, then of the second
// one. If no host is reachable, an unreachable host of the first non-empty
// group is returned and the pool reports the failure. Only the chosen group
// advances the round robin position.
func (c *Cluster) prefer(pick func([]int) (int, bool), first, second []int) (int, error) {
	hosts := second
	if c.anyReachable(first) || (len(first) > 0 && !c.anyReachable(second)) {
		hosts = first
	}
	if idx, ok := pick(hosts); ok {
		return idx, nil
	}
	return 0, ErrNoHealthyHost
}

func (c *Cluster) anyReachable(hosts []int) bool {
	for _, idx := range hosts {
		if c.reachable(idx) {
			return true
		}
	}
	return false
}

// reachable reports whether the pool of the host has connections or has
// not failed to connect recently.
func (c *Cluster) reachable(idx int) bool {
	stats := c.pools[idx].GetStatistics()
	return stats.Open > 0 || stats.RecentConnectErrors == 0
}

type errRow struct {
	err error
}

func (r errRow) Scan(...interface{}) error {
	return r.err
}
