package topology

import (
	"sort"
	"time"

	"github.com/ice-blockchain/go-pgcluster"
)

// Snapshot is an immutable assignment of roles to host indices. Hosts that
// failed to answer or lag too far behind are absent.
type Snapshot struct {
	version   uint64
	createdAt time.Time
	dsns      []pgcluster.Dsn
	roles     map[HostRole][]int
}

func newSnapshot(dsns []pgcluster.Dsn, roles map[HostRole][]int) *Snapshot {
	for _, idx := range roles {
		sort.Ints(idx)
	}
	return &Snapshot{
		createdAt: time.Now(),
		dsns:      dsns,
		roles:     roles,
	}
}

// withVersion returns a copy of the snapshot with the version set.
func (s *Snapshot) withVersion(version uint64) *Snapshot {
	cp := *s
	cp.version = version
	return &cp
}

// Version increases with every published snapshot.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// CreatedAt returns the time the snapshot was reconciled.
func (s *Snapshot) CreatedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.createdAt
}

// Hosts returns sorted indices of hosts with the role.
func (s *Snapshot) Hosts(role HostRole) []int {
	if s == nil {
		return nil
	}
	return append([]int(nil), s.roles[role]...)
}

// Master returns the index of the master.
func (s *Snapshot) Master() (int, bool) {
	if s == nil || len(s.roles[Master]) == 0 {
		return 0, false
	}
	return s.roles[Master][0], true
}

// RoleOf returns the role of the host with the index.
func (s *Snapshot) RoleOf(index int) HostRole {
	if s == nil {
		return Unknown
	}
	for role, hosts := range s.roles {
		for _, idx := range hosts {
			if idx == index {
				return role
			}
		}
	}
	return Unknown
}

// Dsn returns the descriptor of the host with the index.
func (s *Snapshot) Dsn(index int) pgcluster.Dsn {
	if s == nil || index < 0 || index >= len(s.dsns) {
		return ""
	}
	return s.dsns[index]
}

// Len returns the number of hosts known to the detector, including absent
// ones.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.dsns)
}

func (s *Snapshot) sameRoles(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	for _, role := range []HostRole{Master, SyncSlave, Slave} {
		a, b := s.roles[role], other.roles[role]
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

func (s *Snapshot) hostNames(role HostRole) []string {
	names := make([]string, 0, len(s.roles[role]))
	for _, idx := range s.roles[role] {
		names = append(names, s.dsns[idx].HostPort())
	}
	return names
}
