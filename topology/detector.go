// Package with a topology detector of a PostgreSQL cluster.
//
// Main features:
//
// - Periodic concurrent probing of every host under a shared deadline.
//
// - Reconciliation of the answers into a single role assignment: at most
// one master, synchronous and asynchronous replicas, lagging and silent
// hosts excluded.
//
// - Atomic publication of the assignment as an immutable Snapshot.
package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/go-pgcluster"
)

const closeTimeout = time.Second

// Statistics are detector counters since creation.
type Statistics struct {
	Cycles            int64
	FailedProbes      int64
	SplitBrains       int64
	LastCycleDuration time.Duration
	Version           uint64
}

/*
Detector keeps the current topology of a cluster.

A detection cycle probes all hosts, reconciles the answers and publishes
a new Snapshot. Readers get the last published Snapshot without blocking.
*/
type Detector struct {
	targets []Target
	owned   []*hostConn
	opts    Opts
	logger  pgcluster.Logger

	settings atomic.Pointer[Settings]
	snapshot atomic.Pointer[Snapshot]

	state  state
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
	// refreshMu runs one cycle at a time.
	refreshMu sync.Mutex

	cycles            atomic.Int64
	failedProbes      atomic.Int64
	splitBrains       atomic.Int64
	lastCycleDuration atomic.Int64
}

// New creates a detector over the targets, runs the first detection cycle
// and starts periodic refresh. The index of a target in targets is its
// host index in snapshots.
func New(ctx context.Context, targets []Target, settings Settings,
	opts Opts) (*Detector, error) {
	d, err := newDetector(targets, settings, opts)
	if err != nil {
		return nil, err
	}
	d.start(ctx)
	return d, nil
}

// Connect creates a detector that probes every host through its own
// dedicated connection.
func Connect(ctx context.Context, dsns []pgcluster.Dsn, dialer pgcluster.Dialer,
	settings Settings, opts Opts) (*Detector, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}

	conns := make([]*hostConn, len(dsns))
	targets := make([]Target, len(dsns))
	for i, dsn := range dsns {
		conns[i] = newHostConn(dsn, dialer)
		targets[i] = conns[i]
	}

	d, err := newDetector(targets, settings, opts)
	if err != nil {
		return nil, err
	}
	d.owned = conns
	d.start(ctx)
	return d, nil
}

func newDetector(targets []Target, settings Settings, opts Opts) (*Detector, error) {
	if len(targets) == 0 {
		return nil, ErrEmptyTargets
	}
	if opts.RefreshInterval <= 0 {
		return nil, ErrWrongRefreshInterval
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = pgcluster.NewSlogLogger(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		targets: targets,
		opts:    opts,
		logger:  opts.Logger,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.settings.Store(&settings)
	return d, nil
}

func (d *Detector) start(ctx context.Context) {
	d.state.set(connectedState)
	d.Refresh(ctx)

	d.loopWg.Add(1)
	go d.controller()
}

func (d *Detector) controller() {
	defer d.loopWg.Done()

	timer := time.NewTicker(d.opts.RefreshInterval)
	defer timer.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-timer.C:
			d.Refresh(d.ctx)
		}
	}
}

// Refresh runs a detection cycle immediately and returns the published
// snapshot. A closed detector returns the last snapshot.
func (d *Detector) Refresh(ctx context.Context) *Snapshot {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	if d.state.get() != connectedState {
		return d.snapshot.Load()
	}

	start := time.Now()
	settings := *d.settings.Load()

	statuses := d.probeAll(ctx, settings)
	snapshot, report := reconcile(statuses, settings)
	d.report(report, settings)
	snapshot = d.publish(snapshot)

	d.cycles.Add(1)
	d.lastCycleDuration.Store(int64(time.Since(start)))
	return snapshot
}

func (d *Detector) probeAll(ctx context.Context, settings Settings) []HostStatus {
	ctx, cancel := context.WithTimeout(ctx, settings.ProbeDeadline)
	defer cancel()

	prober := Prober{Deadline: settings.ProbeDeadline}
	results := make(chan HostStatus, len(d.targets))
	for i, target := range d.targets {
		go func(i int, target Target) {
			results <- prober.Probe(ctx, i, target)
		}(i, target)
	}

	statuses := make([]HostStatus, len(d.targets))
	answered := make([]bool, len(d.targets))
collect:
	for n := 0; n < len(d.targets); n++ {
		select {
		case hs := <-results:
			statuses[hs.Index] = hs
			answered[hs.Index] = true
		case <-ctx.Done():
			break collect
		}
	}

	// Answers arriving after the deadline are dropped.
	for i, ok := range answered {
		if !ok {
			statuses[i] = timedOutStatus(i, d.targets[i].Dsn(), ctx.Err())
		}
	}
	return statuses
}

func (d *Detector) report(report reconcileReport, settings Settings) {
	for _, hs := range report.failed {
		d.failedProbes.Add(1)
		d.logger.Report(pgcluster.NewProbeFailedEvent(hs.Dsn.HostPort(), hs.Err))
	}
	for _, hs := range report.lagging {
		d.logger.Report(pgcluster.NewReplicaLaggingEvent(hs.Dsn.HostPort(), hs.Lag,
			settings.MaxReplicationLag))
	}
	if len(report.splitBrain) > 0 {
		d.splitBrains.Add(1)
		hosts := make([]string, 0, len(report.splitBrain))
		for _, idx := range report.splitBrain {
			hosts = append(hosts, d.targets[idx].Dsn().HostPort())
		}
		d.logger.Report(pgcluster.NewSplitBrainEvent(hosts))
	}
}

func (d *Detector) publish(snapshot *Snapshot) *Snapshot {
	old := d.snapshot.Load()
	snapshot = snapshot.withVersion(old.Version() + 1)
	d.snapshot.Store(snapshot)

	if old != nil && old.sameRoles(snapshot) {
		return snapshot
	}

	master := ""
	if idx, ok := snapshot.Master(); ok {
		master = snapshot.Dsn(idx).HostPort()
	}
	d.logger.Report(pgcluster.NewTopologyChangedEvent(snapshot.Version(), master,
		snapshot.hostNames(SyncSlave), snapshot.hostNames(Slave)))

	if d.opts.Handler != nil {
		for i := range d.targets {
			oldRole, newRole := old.RoleOf(i), snapshot.RoleOf(i)
			if oldRole != newRole {
				d.opts.Handler.Changed(i, snapshot.Dsn(i), oldRole, newRole)
			}
		}
	}
	return snapshot
}

// GetCurrentTopology returns the last published snapshot.
func (d *Detector) GetCurrentTopology() *Snapshot {
	return d.snapshot.Load()
}

// GetStatistics returns detector counters.
func (d *Detector) GetStatistics() Statistics {
	return Statistics{
		Cycles:            d.cycles.Load(),
		FailedProbes:      d.failedProbes.Load(),
		SplitBrains:       d.splitBrains.Load(),
		LastCycleDuration: time.Duration(d.lastCycleDuration.Load()),
		Version:           d.snapshot.Load().Version(),
	}
}

// SetSettings replaces settings starting from the next cycle.
func (d *Detector) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	d.settings.Store(&settings)
	return nil
}

// Settings returns current settings.
func (d *Detector) Settings() Settings {
	return *d.settings.Load()
}

// Len returns the number of hosts.
func (d *Detector) Len() int {
	return len(d.targets)
}

// Close stops periodic refresh and closes dedicated connections, if any.
// The last snapshot stays available.
func (d *Detector) Close() error {
	if !d.state.cas(connectedState, closedState) {
		return nil
	}
	close(d.done)
	d.cancel()
	d.loopWg.Wait()

	// Wait for a cycle started by Refresh to finish.
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs *multierror.Error
	for _, conn := range d.owned {
		if err := conn.Close(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
