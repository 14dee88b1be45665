package cluster

import (
	"sync/atomic"
)

// RoundRobinStrategy spreads load over candidate hosts. The candidates are
// taken from the current topology on every call, so the strategy keeps only
// a position.
type RoundRobinStrategy struct {
	current atomic.Uint64
}

// GetNextHost returns the next candidate accepted by healthy. If no
// candidate is healthy, it returns the next candidate anyway. The second
// value is false only for an empty list.
func (r *RoundRobinStrategy) GetNextHost(hosts []int, healthy func(int) bool) (int, bool) {
	if len(hosts) == 0 {
		return 0, false
	}

	// We want to iterate through the elements in a circular order
	// so the first element in cycle is hosts[next]
	// and the last one is hosts[next + length].
	next := r.nextIndex(len(hosts))
	cycleLen := len(hosts) + next
	for i := next; i < cycleLen; i++ {
		idx := i % len(hosts)
		if healthy == nil || healthy(hosts[idx]) {
			if i != next {
				r.current.Store(uint64(idx))
			}
			return hosts[idx], true
		}
	}

	return hosts[next], true
}

func (r *RoundRobinStrategy) nextIndex(n int) int {
	return int(r.current.Add(1) % uint64(n))
}
