package test_helpers

import (
	"context"
	"fmt"
	"time"

	"github.com/ice-blockchain/go-pgcluster"
)

// HostRoles describes the expected roles of cluster hosts by dsn index.
type HostRoles struct {
	Master     int
	SyncSlaves []int
	Slaves     []int
}

// NewMockCluster creates dsns of n hosts "db0".."dbN-1" served by the
// dialer and scripts their roles. Hosts not named in roles are primaries
// that fail to answer.
func NewMockCluster(dialer *MockDialer, n int, roles HostRoles,
	lag time.Duration) []pgcluster.Dsn {
	dsns := make([]pgcluster.Dsn, n)
	for i := range dsns {
		host := fmt.Sprintf("db%d", i)
		dsns[i] = pgcluster.Dsn(fmt.Sprintf("host=%s port=5432 user=test dbname=test", host))
		dialer.Host(host + ":5432").SetStatusError(fmt.Errorf("%s is down", host))
	}

	var syncNames []string
	for _, idx := range roles.SyncSlaves {
		host := fmt.Sprintf("db%d", idx)
		dialer.Host(host+":5432").SetReplica(host, lag)
		syncNames = append(syncNames, host)
	}
	for _, idx := range roles.Slaves {
		host := fmt.Sprintf("db%d", idx)
		dialer.Host(host+":5432").SetReplica(host, lag)
	}
	if roles.Master >= 0 {
		dialer.Host(fmt.Sprintf("db%d:5432", roles.Master)).SetMaster(syncNames...)
	}
	return dsns
}

func GetPoolConnectContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 500*time.Millisecond)
}

func GetConnectContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 500*time.Millisecond)
}
