package topology

// HostRole is a role of a host in the cluster as seen by the last
// detection cycle.
type HostRole uint32

const (
	Unknown   HostRole = iota // The host failed to answer or is excluded.
	Master                    // The only writable host.
	SyncSlave                 // A replica the master commits synchronously to.
	Slave                     // An asynchronous replica within the lag limit.
)

func (r HostRole) String() string {
	switch r {
	case Master:
		return "master"
	case SyncSlave:
		return "sync_slave"
	case Slave:
		return "slave"
	default:
		return "unknown"
	}
}
