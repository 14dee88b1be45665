package pool

import (
	"sync/atomic"
	"time"
)

const (
	recentPeriod   = 60 * time.Second
	recentInterval = 5 * time.Second
)

type recentSlot struct {
	epoch atomic.Int64
	count atomic.Int64
}

// recentCounter counts events over a sliding period split into intervals.
// Counting is relaxed: an event racing with an interval switch may be lost.
type recentCounter struct {
	interval time.Duration
	slots    []recentSlot
	now      func() time.Time
}

func newRecentCounter(period, interval time.Duration) *recentCounter {
	n := int(period / interval)
	if n < 1 {
		n = 1
	}
	return &recentCounter{
		interval: interval,
		slots:    make([]recentSlot, n),
		now:      time.Now,
	}
}

func (c *recentCounter) epoch() int64 {
	return c.now().UnixNano() / int64(c.interval)
}

// Add accounts n events in the current interval.
func (c *recentCounter) Add(n int64) {
	e := c.epoch()
	slot := &c.slots[e%int64(len(c.slots))]
	if old := slot.epoch.Load(); old != e {
		if slot.epoch.CompareAndSwap(old, e) {
			slot.count.Store(0)
		}
	}
	slot.count.Add(n)
}

// Sum returns the number of events in the last period.
func (c *recentCounter) Sum() int64 {
	e := c.epoch()
	oldest := e - int64(len(c.slots)) + 1
	var sum int64
	for i := range c.slots {
		slot := &c.slots[i]
		if se := slot.epoch.Load(); se >= oldest && se <= e {
			sum += slot.count.Load()
		}
	}
	return sum
}
