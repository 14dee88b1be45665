package cluster_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-pgcluster"
	"github.com/ice-blockchain/go-pgcluster/cluster"
	"github.com/ice-blockchain/go-pgcluster/pool"
	"github.com/ice-blockchain/go-pgcluster/test_helpers"
	"github.com/ice-blockchain/go-pgcluster/topology"
)

var clusterOpts = cluster.Opts{
	Pool: pool.Opts{
		InitialSize: 1,
		MaxSize:     4,
	},
	Topology: topology.Settings{
		MaxReplicationLag: 5 * time.Second,
		ProbeDeadline:     100 * time.Millisecond,
	},
	RefreshInterval: time.Hour,
	Logger:          pgcluster.NopLogger{},
}

func connectCluster(t *testing.T, dialer *test_helpers.MockDialer, dsns []pgcluster.Dsn,
	opts cluster.Opts) *cluster.Cluster {
	t.Helper()

	ctx, cancel := test_helpers.GetConnectContext()
	defer cancel()
	c, err := cluster.Connect(ctx, dsns, dialer, opts)
	require.Nilf(t, err, "failed to connect")
	require.NotNilf(t, c, "cluster is nil after Connect")
	t.Cleanup(func() { c.Close() })
	return c
}

func hostOf(i int) string {
	return fmt.Sprintf("db%d:5432", i)
}

// execOn runs a marker statement on a connection acquired by mode and
// returns the index of the host that received it.
func execOn(t *testing.T, dialer *test_helpers.MockDialer, c *cluster.Cluster,
	mode cluster.Mode) int {
	t.Helper()

	conn, err := c.Acquire(context.Background(), mode)
	require.Nilf(t, err, "failed to acquire %s", mode)
	defer conn.Release()

	marker := fmt.Sprintf("SELECT '%s'", conn.ID())
	_, err = conn.Exec(context.Background(), marker)
	require.Nil(t, err)

	for i := range c.Dsns() {
		for _, stmt := range dialer.Host(hostOf(i)).Statements() {
			if stmt == marker {
				return i
			}
		}
	}
	t.Fatalf("statement %q was not received", marker)
	return -1
}

func TestConnect_EmptyDsns(t *testing.T) {
	_, err := cluster.Connect(context.Background(), nil, test_helpers.NewMockDialer(), clusterOpts)
	require.ErrorIs(t, err, cluster.ErrEmptyDsns)
	require.ErrorIs(t, err, pgcluster.ErrConfiguration)
}

func TestConnect_WrongPoolOpts(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{Master: 0}, 0)

	opts := clusterOpts
	opts.Pool.MaxSize = 0
	_, err := cluster.Connect(context.Background(), dsns, dialer, opts)
	require.ErrorIs(t, err, pool.ErrWrongMaxSize)
	require.Equal(t, int64(0), dialer.Open())
}

func TestConnect_UnavailableHostIsNotFatal(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 3, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	dialer.Host(hostOf(2)).SetDialError(errors.New("connection refused"))

	c := connectCluster(t, dialer, dsns, clusterOpts)
	snapshot := c.GetCurrentTopology()
	require.Equal(t, []int{0}, snapshot.Hosts(topology.Master))
	require.Equal(t, []int{1}, snapshot.Hosts(topology.Slave))
	require.Equal(t, topology.Unknown, snapshot.RoleOf(2))
}

func TestConnect_PartialTopologySettings(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 2*time.Second)

	// The probe deadline falls back to its default.
	opts := clusterOpts
	opts.Topology = topology.Settings{MaxReplicationLag: time.Second}
	c := connectCluster(t, dialer, dsns, opts)

	snapshot := c.GetCurrentTopology()
	require.Equal(t, []int{0}, snapshot.Hosts(topology.Master))
	require.Empty(t, snapshot.Hosts(topology.Slave))

	// The lag falls back to its default.
	opts.Topology = topology.Settings{ProbeDeadline: 200 * time.Millisecond}
	c = connectCluster(t, dialer, dsns, opts)
	require.Equal(t, []int{1}, c.GetCurrentTopology().Hosts(topology.Slave))
}

func TestCluster_AcquireByMode(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 3, test_helpers.HostRoles{
		Master:     0,
		SyncSlaves: []int{1},
		Slaves:     []int{2},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	require.Equal(t, 0, execOn(t, dialer, c, cluster.RW))
	require.Equal(t, 0, execOn(t, dialer, c, cluster.PreferRW))
	require.Equal(t, 1, execOn(t, dialer, c, cluster.SyncRO))
	require.Equal(t, 1, execOn(t, dialer, c, cluster.SyncRO))

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		seen[execOn(t, dialer, c, cluster.RO)] = true
	}
	require.Equal(t, map[int]bool{1: true, 2: true}, seen)

	seen = map[int]bool{}
	for i := 0; i < 4; i++ {
		seen[execOn(t, dialer, c, cluster.PreferRO)] = true
	}
	require.Equal(t, map[int]bool{1: true, 2: true}, seen)

	seen = map[int]bool{}
	for i := 0; i < 6; i++ {
		seen[execOn(t, dialer, c, cluster.ANY)] = true
	}
	require.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)
}

func TestCluster_NoMaster(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: -1,
		Slaves: []int{0, 1},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	_, err := c.Acquire(context.Background(), cluster.RW)
	require.ErrorIs(t, err, cluster.ErrNoMaster)

	_, err = c.Begin(context.Background(), cluster.RW, pgcluster.TxOptions{}, nil)
	require.ErrorIs(t, err, cluster.ErrNoMaster)

	idx := execOn(t, dialer, c, cluster.PreferRW)
	require.Contains(t, []int{0, 1}, idx)
}

func TestCluster_NoReplica(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 10*time.Second)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	_, err := c.Acquire(context.Background(), cluster.RO)
	require.ErrorIs(t, err, cluster.ErrNoReplica)
	_, err = c.Acquire(context.Background(), cluster.SyncRO)
	require.ErrorIs(t, err, cluster.ErrNoReplica)

	require.Equal(t, 0, execOn(t, dialer, c, cluster.PreferRO))
}

func TestCluster_NoHealthyHost(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{Master: -1}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	for _, mode := range []cluster.Mode{cluster.ANY, cluster.PreferRW, cluster.PreferRO} {
		_, err := c.Acquire(context.Background(), mode)
		require.ErrorIsf(t, err, cluster.ErrNoHealthyHost, "mode %s", mode)
	}
}

func TestCluster_UnknownMode(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 1, test_helpers.HostRoles{Master: 0}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	_, err := c.Acquire(context.Background(), cluster.Mode(42))
	require.ErrorIs(t, err, cluster.ErrUnknownMode)
}

func TestCluster_SkipsUnreachableHost(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 3, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1, 2},
	}, 0)
	opts := clusterOpts
	opts.ProbeThroughPools = true
	c := connectCluster(t, dialer, dsns, opts)

	// db1 stays a slave in the snapshot while its pool can not connect.
	dialer.Host(hostOf(1)).SetDialError(errors.New("connection refused"))
	dialer.Host(hostOf(1)).KillConnections()
	_, err := c.Pool(1).Acquire(context.Background())
	require.NotNil(t, err)

	for i := 0; i < 4; i++ {
		require.Equal(t, 2, execOn(t, dialer, c, cluster.RO))
	}
}

func TestCluster_PreferFallbackRotates(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 3, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1, 2},
	}, 0)
	opts := clusterOpts
	opts.ProbeThroughPools = true
	c := connectCluster(t, dialer, dsns, opts)

	dialer.Host(hostOf(0)).SetDialError(errors.New("connection refused"))
	dialer.Host(hostOf(0)).KillConnections()
	_, err := c.Pool(0).Acquire(context.Background())
	require.NotNil(t, err)

	prev := execOn(t, dialer, c, cluster.PreferRW)
	require.NotEqual(t, 0, prev)
	for i := 0; i < 4; i++ {
		cur := execOn(t, dialer, c, cluster.PreferRW)
		require.NotEqual(t, 0, cur)
		require.NotEqual(t, prev, cur, "replicas are not rotated")
		prev = cur
	}
}

func TestCluster_ExecRoutesByStatement(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)
	ctx := context.Background()

	tag, err := c.Exec(ctx, "INSERT INTO t VALUES (1)")
	require.Nil(t, err)
	require.Equal(t, "INSERT", tag)

	_, err = c.Exec(ctx, "SELECT * FROM t")
	require.Nil(t, err)

	_, err = c.Exec(ctx, "{{writable}} SELECT * FROM t")
	require.Nil(t, err)

	_, err = c.Exec(ctx, "{{non-writable}} SELECT f()")
	require.Nil(t, err)

	dialer.Host(hostOf(1)).SetRow(int64(7))
	var n int64
	require.Nil(t, c.QueryRow(ctx, "SELECT count(*) FROM t").Scan(&n))
	require.Equal(t, int64(7), n)

	require.Equal(t, []string{"INSERT INTO t VALUES (1)", " SELECT * FROM t"},
		dialer.Host(hostOf(0)).Statements())
	require.Equal(t, []string{"SELECT * FROM t", " SELECT f()", "SELECT count(*) FROM t"},
		dialer.Host(hostOf(1)).Statements())

	require.Equal(t, int64(0), c.Pool(0).GetStatistics().InUse)
	require.Equal(t, int64(0), c.Pool(1).GetStatistics().InUse)
}

func TestCluster_QueryRowNoHost(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 1, test_helpers.HostRoles{Master: -1}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	var n int64
	err := c.QueryRow(context.Background(), "DELETE FROM t RETURNING id").Scan(&n)
	require.ErrorIs(t, err, cluster.ErrNoMaster)
}

func TestCluster_Begin(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)
	ctx := context.Background()

	tx, err := c.Begin(ctx, cluster.RW, pgcluster.TxOptions{IsoLevel: pgcluster.Serializable},
		&pgcluster.CommandControl{StatementTimeout: 250 * time.Millisecond})
	require.Nil(t, err)
	_, err = tx.Exec(ctx, "UPDATE t SET v = 1")
	require.Nil(t, err)
	require.Nil(t, tx.Commit(ctx))

	require.Equal(t, []string{
		"BEGIN ISOLATION LEVEL SERIALIZABLE",
		"SET LOCAL statement_timeout = 250",
		"UPDATE t SET v = 1",
		"COMMIT",
	}, dialer.Host(hostOf(0)).Statements())

	stats := c.GetStatistics()
	require.Equal(t, int64(1), stats.Hosts[0].TransactionsTotal)
	require.Equal(t, int64(1), stats.Hosts[0].CommitTotal)
	require.Equal(t, int64(0), stats.Hosts[1].TransactionsTotal)
}

func TestCluster_Refresh(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)
	require.Equal(t, 0, execOn(t, dialer, c, cluster.RW))

	dialer.Host(hostOf(0)).SetReplica("db0", 0)
	dialer.Host(hostOf(1)).SetMaster()
	snapshot := c.Refresh(context.Background())
	require.Equal(t, uint64(2), snapshot.Version())
	require.Same(t, snapshot, c.GetCurrentTopology())

	require.Equal(t, 1, execOn(t, dialer, c, cluster.RW))
	require.Equal(t, 0, execOn(t, dialer, c, cluster.RO))
}

func TestCluster_Statistics(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 3, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1, 2},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	conn, err := c.Acquire(context.Background(), cluster.RW)
	require.Nil(t, err)

	stats := c.GetStatistics()
	require.Len(t, stats.Hosts, 3)
	assert.Equal(t, int64(3), stats.Total.Open)
	assert.Equal(t, int64(1), stats.Total.InUse)
	assert.Equal(t, 12, stats.Total.MaxSize)
	assert.Equal(t, int64(1), stats.Topology.Cycles)
	assert.Equal(t, uint64(1), stats.Topology.Version)
	for i, host := range stats.Hosts {
		assert.Equal(t, hostOf(i), host.Host)
	}

	conn.Release()
	require.Equal(t, int64(0), c.GetStatistics().Total.InUse)
}

func TestCluster_SetDefaultCommandControl(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)

	cmdCtl := pgcluster.CommandControl{ExecuteTimeout: time.Minute}
	c.SetDefaultCommandControl(cmdCtl)
	for i := range c.Dsns() {
		require.Equal(t, cmdCtl, c.Pool(i).DefaultCommandControl())
	}
	require.Nil(t, c.Pool(2))
	require.Nil(t, c.Pool(-1))
}

func TestCluster_Close(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	ctx, cancel := test_helpers.GetConnectContext()
	defer cancel()
	c, err := cluster.Connect(ctx, dsns, dialer, clusterOpts)
	require.Nil(t, err)
	// Two pooled connections and two detector connections.
	require.Equal(t, int64(4), dialer.Open())

	require.Nil(t, c.Close())
	require.Equal(t, int64(0), dialer.Open())

	_, err = c.Acquire(context.Background(), cluster.RW)
	require.ErrorIs(t, err, pool.ErrClosed)
}

func TestCluster_Handler(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	changed := make(chan topology.HostRole, 4)
	opts := clusterOpts
	opts.Handler = handlerFunc(func(index int, _ pgcluster.Dsn, _, newRole topology.HostRole) {
		if index == 1 {
			changed <- newRole
		}
	})
	c := connectCluster(t, dialer, dsns, opts)
	require.Equal(t, topology.Slave, <-changed)

	dialer.Host(hostOf(1)).SetStatusError(errors.New("gone"))
	c.Refresh(context.Background())
	require.Equal(t, topology.Unknown, <-changed)
}

type handlerFunc func(index int, dsn pgcluster.Dsn, oldRole, newRole topology.HostRole)

func (f handlerFunc) Changed(index int, dsn pgcluster.Dsn, oldRole, newRole topology.HostRole) {
	f(index, dsn, oldRole, newRole)
}

func TestCluster_ReadMode(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	opts := clusterOpts
	readMode := cluster.PreferRW
	opts.ReadMode = &readMode
	c := connectCluster(t, dialer, dsns, opts)

	_, err := c.Exec(context.Background(), "SELECT * FROM t")
	require.Nil(t, err)
	require.Equal(t, []string{"SELECT * FROM t"}, dialer.Host(hostOf(0)).Statements())
	require.Empty(t, dialer.Host(hostOf(1)).Statements())

	unknown := cluster.Mode(42)
	opts.ReadMode = &unknown
	_, err = cluster.Connect(context.Background(), dsns, dialer, opts)
	require.ErrorIs(t, err, cluster.ErrUnknownMode)
	require.ErrorIs(t, err, pgcluster.ErrConfiguration)
}

func TestCluster_ConnectedNowAndPing(t *testing.T) {
	dialer := test_helpers.NewMockDialer()
	dsns := test_helpers.NewMockCluster(dialer, 2, test_helpers.HostRoles{
		Master: 0,
		Slaves: []int{1},
	}, 0)
	c := connectCluster(t, dialer, dsns, clusterOpts)
	ctx := context.Background()

	require.True(t, c.ConnectedNow(cluster.RW))
	require.True(t, c.ConnectedNow(cluster.RO))
	require.False(t, c.ConnectedNow(cluster.SyncRO))

	require.Nil(t, c.Ping(ctx, cluster.RO))
	require.Equal(t, []string{"SELECT 1"}, dialer.Host(hostOf(1)).Statements())
	require.ErrorIs(t, c.Ping(ctx, cluster.SyncRO), cluster.ErrNoReplica)

	dialer.Host(hostOf(0)).SetExecError(errors.New("terminating connection"))
	require.NotNil(t, c.Ping(ctx, cluster.RW))
}
