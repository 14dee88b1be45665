package topology

import (
	"context"
	"errors"
	"time"

	"github.com/ice-blockchain/go-pgcluster"
)

// Target is a host that can report its replication status. Both a
// pool.ConnectionPool and a dedicated detector connection are targets.
type Target interface {
	Dsn() pgcluster.Dsn
	ReplicationStatus(ctx context.Context) (pgcluster.ReplicationStatus, error)
}

// HostStatus is the result of probing a single host in one cycle.
type HostStatus struct {
	Index int
	Dsn   pgcluster.Dsn

	InRecovery bool
	Lag        time.Duration
	LagKnown   bool
	// SessionName is the name the host uses as a replication client.
	SessionName  string
	SyncStandbys []string

	Success bool
	// Err is a pgcluster.ClientError with ErrProbeTimeout or ErrProbeFailed
	// code if the probe failed.
	Err     error
	Latency time.Duration
}

// Prober queries hosts for their replication status.
type Prober struct {
	// Deadline bounds a single probe. Zero means the context deadline only.
	Deadline time.Duration
}

// Probe queries the target. It never fails: a failure is reported in the
// returned status.
func (p Prober) Probe(ctx context.Context, index int, target Target) HostStatus {
	hs := HostStatus{Index: index, Dsn: target.Dsn()}

	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	start := time.Now()
	status, err := target.ReplicationStatus(ctx)
	hs.Latency = time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			hs.Err = pgcluster.NewClientError(pgcluster.ErrProbeTimeout,
				"host status probe timed out", err)
		} else {
			hs.Err = pgcluster.NewClientError(pgcluster.ErrProbeFailed,
				"host status probe failed", err)
		}
		return hs
	}

	hs.Success = true
	hs.InRecovery = status.InRecovery
	hs.Lag = status.Lag
	hs.LagKnown = status.LagKnown
	hs.SessionName = status.SessionName
	if hs.SessionName == "" {
		hs.SessionName = pgcluster.EscapeHostName(hs.Dsn.Host())
	}
	hs.SyncStandbys = status.SyncStandbys
	return hs
}

func timedOutStatus(index int, dsn pgcluster.Dsn, cause error) HostStatus {
	return HostStatus{
		Index: index,
		Dsn:   dsn,
		Err: pgcluster.NewClientError(pgcluster.ErrProbeTimeout,
			"host did not answer before the cycle deadline", cause),
	}
}
