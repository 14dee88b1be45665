package pool

import (
	"sync/atomic"
)

// sizeGuard owns one unit of a shared counter. The unit is returned by
// Release unless the ownership was handed over with Dismiss, so every exit
// path may simply defer Release.
type sizeGuard struct {
	counter *atomic.Int64
	value   int64
	owned   atomic.Bool
}

// newSizeGuard increments the counter unconditionally.
func newSizeGuard(counter *atomic.Int64) *sizeGuard {
	g := &sizeGuard{counter: counter, value: counter.Add(1)}
	g.owned.Store(true)
	return g
}

// reserveSize increments the counter only if the result does not exceed
// limit.
func reserveSize(counter *atomic.Int64, limit int64) (*sizeGuard, bool) {
	for {
		cur := counter.Load()
		if cur >= limit {
			return nil, false
		}
		if counter.CompareAndSwap(cur, cur+1) {
			g := &sizeGuard{counter: counter, value: cur + 1}
			g.owned.Store(true)
			return g, true
		}
	}
}

// Value returns the counter value observed right after the increment.
func (g *sizeGuard) Value() int64 {
	return g.value
}

// Dismiss hands the unit over to the caller: Release becomes a no-op.
func (g *sizeGuard) Dismiss() {
	g.owned.Store(false)
}

// Release returns the unit if it is still owned.
func (g *sizeGuard) Release() {
	if g.owned.CompareAndSwap(true, false) {
		g.counter.Add(-1)
	}
}
