package pool

import (
	"time"
)

// Statistics is a snapshot of pool counters. Gauges reflect the moment of
// the call, totals count since the pool was created.
type Statistics struct {
	Host string

	Open       int64
	Idle       int64
	InUse      int64
	Connecting int64
	Waiting    int64
	MaxSize    int

	OpenTotal          int64
	DropTotal          int64
	ConnectErrorsTotal int64
	// RecentConnectErrors counts connection errors of the last minute.
	RecentConnectErrors int64
	PoolExhaustTotal    int64

	QueriesTotal      int64
	QueryErrorsTotal  int64
	TransactionsTotal int64
	CommitTotal       int64
	RollbackTotal     int64
	BusyTime          time.Duration
}

// GetStatistics returns a snapshot of the pool counters. The counters are
// read one by one, so the snapshot is not atomic as a whole.
func (p *ConnectionPool) GetStatistics() Statistics {
	connecting := p.connecting.Load()
	return Statistics{
		Host:                p.host,
		Open:                p.size.Load() - connecting,
		Idle:                int64(len(p.idle)),
		InUse:               p.inUse.Load(),
		Connecting:          connecting,
		Waiting:             p.waiting.Load(),
		MaxSize:             p.opts.MaxSize,
		OpenTotal:           p.stats.openTotal.Load(),
		DropTotal:           p.stats.dropTotal.Load(),
		ConnectErrorsTotal:  p.stats.connectErrors.Load(),
		RecentConnectErrors: p.recentConnectErrors.Sum(),
		PoolExhaustTotal:    p.stats.exhaustTotal.Load(),
		QueriesTotal:        p.stats.queries.Load(),
		QueryErrorsTotal:    p.stats.queryErrors.Load(),
		TransactionsTotal:   p.stats.transactions.Load(),
		CommitTotal:         p.stats.commits.Load(),
		RollbackTotal:       p.stats.rollbacks.Load(),
		BusyTime:            time.Duration(p.stats.busyTime.Load()),
	}
}

// Add sums two snapshots. Gauges and totals are summed, Host is dropped.
func (s Statistics) Add(other Statistics) Statistics {
	return Statistics{
		Open:                s.Open + other.Open,
		Idle:                s.Idle + other.Idle,
		InUse:               s.InUse + other.InUse,
		Connecting:          s.Connecting + other.Connecting,
		Waiting:             s.Waiting + other.Waiting,
		MaxSize:             s.MaxSize + other.MaxSize,
		OpenTotal:           s.OpenTotal + other.OpenTotal,
		DropTotal:           s.DropTotal + other.DropTotal,
		ConnectErrorsTotal:  s.ConnectErrorsTotal + other.ConnectErrorsTotal,
		RecentConnectErrors: s.RecentConnectErrors + other.RecentConnectErrors,
		PoolExhaustTotal:    s.PoolExhaustTotal + other.PoolExhaustTotal,
		QueriesTotal:        s.QueriesTotal + other.QueriesTotal,
		QueryErrorsTotal:    s.QueryErrorsTotal + other.QueryErrorsTotal,
		TransactionsTotal:   s.TransactionsTotal + other.TransactionsTotal,
		CommitTotal:         s.CommitTotal + other.CommitTotal,
		RollbackTotal:       s.RollbackTotal + other.RollbackTotal,
		BusyTime:            s.BusyTime + other.BusyTime,
	}
}
