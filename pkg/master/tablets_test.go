package master

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metacat/pkg/catalog"
	"metacat/pkg/cluster"
	"metacat/pkg/config"
	"metacat/pkg/dberrors"
	"metacat/pkg/partition"
	"metacat/pkg/types"
)

func TestSplitTablet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	parent := table.GetTablets(false)[0]

	_, err := env.cm.SplitTablet(ctx, parent.ID())
	require.Equal(t, dberrors.CodeTabletNotRunning, dberrors.CodeOf(err))

	env.reportRunning(t, []*catalog.TabletInfo{parent}, nil)
	children, err := env.cm.SplitTablet(ctx, parent.ID())
	require.NoError(t, err)
	require.Len(t, children, 2)

	mid := partition.EncodeHash(0x8000)
	left, right := children[0].LockForRead().Data(), children[1].LockForRead().Data()
	require.Equal(t, partition.Partition{End: mid}, left.Partition)
	require.Equal(t, partition.Partition{Start: mid}, right.Partition)
	require.Equal(t, uint32(1), left.SplitDepth)
	require.Equal(t, parent.ID(), right.SplitParentTabletID)
	require.Equal(t, parent.LockForRead().Data().Replicas, left.Replicas)
	require.Equal(t, []types.TabletID{children[0].ID(), children[1].ID()}, parent.LockForRead().Data().SplitTabletIDs)

	_, err = env.cm.SplitTablet(ctx, parent.ID())
	require.ErrorIs(t, err, dberrors.ErrAlreadyPresent)

	// the children replace the parent in the partition index at once
	locs, err := env.cm.GetTableLocations(table.ID(), "", "", 0, false)
	require.NoError(t, err)
	require.Len(t, locs.Tablets, 2)
	require.Equal(t, children[0].ID(), locs.Tablets[0].TabletID)
	require.Equal(t, catalog.TabletNotStarted.String(), locs.Tablets[0].State)
	require.True(t, table.HasOutstandingSplits(false))

	locs, err = env.cm.GetTableLocations(table.ID(), "", "", 0, true)
	require.NoError(t, err)
	require.Len(t, locs.Tablets, 3)
	require.Equal(t, parent.ID(), locs.Tablets[0].TabletID)
	require.Len(t, locs.Tablets[0].Replicas, 3)

	env.reportRunning(t, children[:1], nil)
	require.Equal(t, catalog.TabletRunning, tabletState(parent))
	env.reportRunning(t, children[1:], nil)
	require.Equal(t, catalog.TabletSplit, tabletState(parent))
	require.False(t, parent.LockForRead().Data().IsHidden())
	require.False(t, table.HasOutstandingSplits(true))

	// the parent's replicas are deleted
	require.Eventually(t, func() bool { return len(parent.ReplicaLocations()) == 0 }, waitFor, tick)
	require.Equal(t, 3, env.client.numDeletes())
}

func TestSplitTabletRetainsHiddenParent(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.CatalogConfig) { cfg.RetainSplitParentsHidden = true })
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	parent := table.GetTablets(false)[0]
	env.reportRunning(t, []*catalog.TabletInfo{parent}, nil)

	children, err := env.cm.SplitTablet(ctx, parent.ID())
	require.NoError(t, err)
	env.reportRunning(t, children, nil)

	meta := parent.LockForRead().Data()
	require.Equal(t, catalog.TabletSplit, meta.State)
	require.True(t, meta.IsHidden())

	// a hidden parent keeps its replicas
	env.reportRunning(t, []*catalog.TabletInfo{parent}, nil)
	require.Len(t, parent.ReplicaLocations(), 3)
	require.Zero(t, env.client.numDeletes())
	require.False(t, table.HasTasks())
}

func TestHiddenSplitParentSurvivesLoad(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.CatalogConfig) { cfg.RetainSplitParentsHidden = true })
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	parent := table.GetTablets(false)[0]
	env.reportRunning(t, []*catalog.TabletInfo{parent}, nil)

	children, err := env.cm.SplitTablet(ctx, parent.ID())
	require.NoError(t, err)
	env.reportRunning(t, children, nil)
	require.Len(t, table.GetTablets(true), 3)

	reloaded := NewCatalogManager(env.cm.cfg, env.sys, cluster.NewTSManager(), env.client, nil)
	t.Cleanup(reloaded.Shutdown)
	require.NoError(t, reloaded.Load(ctx))

	got, err := reloaded.GetTable(table.ID())
	require.NoError(t, err)
	require.Len(t, got.GetTablets(false), 2)
	require.Len(t, got.GetTablets(true), 3)

	locs, err := reloaded.GetTableLocations(table.ID(), "", "", 0, true)
	require.NoError(t, err)
	require.Len(t, locs.Tablets, 3)
	require.Equal(t, parent.ID(), locs.Tablets[0].TabletID)
	require.True(t, locs.Tablets[0].Hidden)
}

func TestAddStatusTablet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "system")
	table, err := env.cm.CreateTable(ctx, CreateTableRequest{
		NamespaceID: ns.ID(),
		Name:        "transactions",
		TableType:   catalog.TransactionStatusTableType,
		Schema:      testSchema(),
		NumTablets:  2,
	})
	require.NoError(t, err)
	first := table.GetTablets(false)[0]

	// a failed write changes nothing
	env.repl.fail.Store(true)
	_, err = env.cm.AddStatusTablet(ctx, table.ID())
	require.Error(t, err)
	env.repl.fail.Store(false)
	require.Equal(t, 2, table.NumPartitions())
	require.Equal(t, partition.EncodeHash(0x8000), first.LockForRead().Data().Partition.End)

	added, err := env.cm.AddStatusTablet(ctx, table.ID())
	require.NoError(t, err)
	require.True(t, table.HasPartitions([]string{"", partition.EncodeHash(0x4000), partition.EncodeHash(0x8000)}))
	require.Equal(t, partition.EncodeHash(0x4000), first.LockForRead().Data().Partition.End)

	meta := added.LockForRead().Data()
	require.Equal(t, partition.Partition{Start: partition.EncodeHash(0x4000), End: partition.EncodeHash(0x8000)}, meta.Partition)
	require.Equal(t, catalog.TabletNotStarted, meta.State)
	require.Equal(t, first.LockForRead().Data().Replicas, meta.Replicas)

	got, err := env.cm.GetTablet(added.ID())
	require.NoError(t, err)
	require.Same(t, added, got)

	// both tablets were persisted
	reloaded := NewCatalogManager(env.cm.cfg, env.sys, cluster.NewTSManager(), env.client, nil)
	t.Cleanup(reloaded.Shutdown)
	require.NoError(t, reloaded.Load(ctx))
	again, err := reloaded.GetTable(table.ID())
	require.NoError(t, err)
	require.True(t, again.HasPartitions([]string{"", partition.EncodeHash(0x4000), partition.EncodeHash(0x8000)}))

	plain := env.createTable(t, ns.ID(), "orders", 1)
	_, err = env.cm.AddStatusTablet(ctx, plain.ID())
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestGetTableLocationsRange(t *testing.T) {
	env := newTestEnv(t)
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 4)
	tablets := table.GetTablets(false)
	env.reportRunning(t, tablets, nil)

	locs, err := env.cm.GetTableLocations(table.ID(), partition.EncodeHash(0x5000), partition.EncodeHash(0x8000), 0, false)
	require.NoError(t, err)
	require.Len(t, locs.Tablets, 2)
	require.Equal(t, tablets[1].ID(), locs.Tablets[0].TabletID)
	require.Equal(t, tablets[2].ID(), locs.Tablets[1].TabletID)
	require.Equal(t, catalog.PGSQLTableType.String(), locs.TableType)

	replicas := locs.Tablets[0].Replicas
	require.Len(t, replicas, 3)
	require.Less(t, string(replicas[0].TServerID), string(replicas[1].TServerID))
	require.NotEmpty(t, replicas[0].RPCAddr)

	locs, err = env.cm.GetTableLocations(table.ID(), "", "", 1, false)
	require.NoError(t, err)
	require.Len(t, locs.Tablets, 1)

	_, err = env.cm.GetTableLocations(table.ID(), partition.EncodeHash(0x9000), partition.EncodeHash(0x1000), 0, false)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	_, err = env.cm.GetTableLocations("missing", "", "", 0, false)
	require.Equal(t, dberrors.CodeTableNotFound, dberrors.CodeOf(err))
}

func TestStepDownLeader(t *testing.T) {
	env := newTestEnv(t)
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	tablet := table.GetTablets(false)[0]

	_, err := env.cm.GetTabletLeader(tablet.ID())
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	require.ErrorIs(t, env.cm.StepDownLeader(tablet.ID(), ""), dberrors.ErrNotFound)

	env.reportRunning(t, []*catalog.TabletInfo{tablet}, nil)
	follower := tablet.LockForRead().Data().Replicas[1]

	require.NoError(t, env.cm.StepDownLeader(tablet.ID(), follower))
	require.Eventually(t, func() bool { return env.client.numStepDowns() == 1 }, waitFor, tick)

	require.ErrorIs(t, env.cm.StepDownLeader(tablet.ID(), "ts-unknown"), dberrors.ErrInvalidArgument)

	require.NoError(t, env.cm.RecordLeaderStepDownFailure(tablet.ID(), follower, time.Second))
	require.ErrorIs(t, env.cm.StepDownLeader(tablet.ID(), follower), dberrors.ErrIllegalState)

	// failures older than the TTL are forgotten
	require.NoError(t, env.cm.RecordLeaderStepDownFailure(tablet.ID(), follower, time.Hour))
	require.NoError(t, env.cm.StepDownLeader(tablet.ID(), follower))
	require.Eventually(t, func() bool { return !table.HasTasks() }, waitFor, tick)
}

func TestFailedStepDownIsRemembered(t *testing.T) {
	env := newTestEnv(t)
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	tablet := table.GetTablets(false)[0]
	env.reportRunning(t, []*catalog.TabletInfo{tablet}, nil)
	follower := tablet.LockForRead().Data().Replicas[2]

	env.client.fail.Store(true)
	require.NoError(t, env.cm.StepDownLeader(tablet.ID(), follower))
	require.Eventually(t, func() bool { return !table.HasTasks() }, waitFor, tick)
	require.ErrorIs(t, env.cm.StepDownLeader(tablet.ID(), follower), dberrors.ErrIllegalState)

	tasks := env.cm.ListTasks()
	require.NotEmpty(t, tasks)
	require.Equal(t, catalog.TaskLeaderStepDown.String(), tasks[0].Type)
	require.Equal(t, catalog.TaskFailed.String(), tasks[0].State)
}
