package topology

import (
	"github.com/ice-blockchain/go-pgcluster"
)

type reconcileReport struct {
	// splitBrain holds indices of hosts claiming to be master when there is
	// more than one.
	splitBrain []int
	lagging    []HostStatus
	failed     []HostStatus
}

// Reconcile assigns roles to probed hosts:
//
// - exactly one successful host out of recovery becomes Master, several
// claimants are all omitted;
//
// - a host in recovery with a known lag not above MaxReplicationLag becomes
// SyncSlave if the master lists its session name as a synchronous standby,
// otherwise Slave;
//
// - every other host is absent from the snapshot.
//
// statuses must be indexed by host index.
func Reconcile(statuses []HostStatus, settings Settings) *Snapshot {
	snapshot, _ := reconcile(statuses, settings)
	return snapshot
}

func reconcile(statuses []HostStatus, settings Settings) (*Snapshot, reconcileReport) {
	var report reconcileReport

	dsns := make([]pgcluster.Dsn, len(statuses))
	var masters []int
	for i, hs := range statuses {
		dsns[i] = hs.Dsn
		if !hs.Success {
			report.failed = append(report.failed, hs)
			continue
		}
		if !hs.InRecovery {
			masters = append(masters, i)
		}
	}

	roles := make(map[HostRole][]int)
	syncNames := make(map[string]bool)
	switch {
	case len(masters) == 1:
		roles[Master] = masters
		for _, name := range statuses[masters[0]].SyncStandbys {
			syncNames[name] = true
		}
	case len(masters) > 1:
		report.splitBrain = masters
	}

	for i, hs := range statuses {
		if !hs.Success || !hs.InRecovery {
			continue
		}
		if !hs.LagKnown {
			continue
		}
		if hs.Lag > settings.MaxReplicationLag {
			report.lagging = append(report.lagging, hs)
			continue
		}
		if syncNames[hs.SessionName] {
			roles[SyncSlave] = append(roles[SyncSlave], i)
		} else {
			roles[Slave] = append(roles[Slave], i)
		}
	}

	return newSnapshot(dsns, roles), report
}
