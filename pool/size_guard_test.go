package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeGuardReleaseOnce(t *testing.T) {
	var counter atomic.Int64

	g := newSizeGuard(&counter)
	require.Equal(t, int64(1), g.Value())
	require.Equal(t, int64(1), counter.Load())

	g.Release()
	g.Release()
	require.Equal(t, int64(0), counter.Load())
}

func TestSizeGuardDismiss(t *testing.T) {
	var counter atomic.Int64

	g := newSizeGuard(&counter)
	g.Dismiss()
	g.Release()
	require.Equal(t, int64(1), counter.Load())
}

func TestReserveSizeLimit(t *testing.T) {
	var counter atomic.Int64

	g1, ok := reserveSize(&counter, 2)
	require.True(t, ok)
	g2, ok := reserveSize(&counter, 2)
	require.True(t, ok)
	_, ok = reserveSize(&counter, 2)
	require.False(t, ok)
	require.Equal(t, int64(2), counter.Load())

	g1.Release()
	g3, ok := reserveSize(&counter, 2)
	require.True(t, ok)
	require.Equal(t, int64(2), g3.Value())

	g2.Release()
	g3.Release()
	require.Equal(t, int64(0), counter.Load())
}

func TestReserveSizeConcurrent(t *testing.T) {
	const limit = 5
	var (
		counter  atomic.Int64
		reserved atomic.Int64
		wg       sync.WaitGroup
	)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g, ok := reserveSize(&counter, limit); ok {
				reserved.Add(1)
				g.Dismiss()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), reserved.Load())
	assert.Equal(t, int64(limit), counter.Load())
}

func TestRecentCounterSlidingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newRecentCounter(recentPeriod, recentInterval)
	c.now = func() time.Time { return now }

	c.Add(1)
	c.Add(2)
	require.Equal(t, int64(3), c.Sum())

	now = now.Add(30 * time.Second)
	c.Add(4)
	require.Equal(t, int64(7), c.Sum())

	now = now.Add(35 * time.Second)
	require.Equal(t, int64(4), c.Sum())

	now = now.Add(time.Minute)
	require.Equal(t, int64(0), c.Sum())
}

func TestRecentCounterReusesSlot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := newRecentCounter(recentPeriod, recentInterval)
	c.now = func() time.Time { return now }

	c.Add(5)
	// Same slot index one full period later.
	now = now.Add(recentPeriod)
	c.Add(1)
	require.Equal(t, int64(1), c.Sum())
}
