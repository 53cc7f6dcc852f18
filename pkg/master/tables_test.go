package master

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"metacat/pkg/catalog"
	"metacat/pkg/cluster"
	"metacat/pkg/config"
	"metacat/pkg/dberrors"
	"metacat/pkg/partition"
	"metacat/pkg/types"
)

func TestCreateTable(t *testing.T) {
	env := newTestEnv(t)
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 4)

	meta := table.LockForRead().Data()
	require.Equal(t, catalog.TableRunning, meta.State)
	require.Equal(t, "shop", meta.NamespaceName)
	require.True(t, meta.PartitionSchema.HashPartitioned)
	require.Equal(t, types.SchemaVersion(0), meta.Version)

	tablets := table.GetTablets(false)
	require.Len(t, tablets, 4)
	require.True(t, table.HasPartitions([]string{
		"",
		partition.EncodeHash(0x4000),
		partition.EncodeHash(0x8000),
		partition.EncodeHash(0xC000),
	}))
	for _, tablet := range tablets {
		data := tablet.LockForRead().Data()
		require.Equal(t, catalog.TabletNotStarted, data.State)
		require.Len(t, data.Replicas, 3)
		require.Equal(t, data.Replicas[0], tablet.InitialLeaderElectionProtege())
	}

	done, err := env.cm.IsCreateTableDone(table.ID())
	require.NoError(t, err)
	require.False(t, done)

	env.reportRunning(t, tablets, nil)
	done, err = env.cm.IsCreateTableDone(table.ID())
	require.NoError(t, err)
	require.True(t, done)
	for _, tablet := range tablets {
		require.Equal(t, catalog.TabletRunning, tabletState(tablet))
		leader, err := env.cm.GetTabletLeader(tablet.ID())
		require.NoError(t, err)
		require.Equal(t, tablet.LockForRead().Data().Replicas[0], leader.ID())
	}

	got, err := env.cm.GetTableByName(ns.ID(), "orders")
	require.NoError(t, err)
	require.Same(t, table, got)

	log, err := env.cm.DdlLog()
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, "Create table", log[0].Action)
	require.Equal(t, "orders", log[0].TableName)
}

func TestCreateTableRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	env.createTable(t, ns.ID(), "orders", 1)

	_, err := env.cm.CreateTable(ctx, CreateTableRequest{NamespaceID: ns.ID(), Name: "orders", Schema: testSchema()})
	require.ErrorIs(t, err, dberrors.ErrAlreadyPresent)
	require.Equal(t, dberrors.CodeObjectAlreadyPresent, dberrors.CodeOf(err))

	_, err = env.cm.CreateTable(ctx, CreateTableRequest{NamespaceID: "nope", Name: "t", Schema: testSchema()})
	require.Equal(t, dberrors.CodeNamespaceNotFound, dberrors.CodeOf(err))

	_, err = env.cm.CreateTable(ctx, CreateTableRequest{NamespaceID: ns.ID(), Name: "t"})
	require.Equal(t, dberrors.CodeInvalidSchema, dberrors.CodeOf(err))

	_, err = env.cm.CreateTable(ctx, CreateTableRequest{NamespaceID: ns.ID(), Name: "", Schema: testSchema()})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestCreateTableNeedsEnoughTabletServers(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.CatalogConfig) { cfg.ReplicationFactor = 5 })
	ns := env.createNamespace(t, "shop")
	_, err := env.cm.CreateTable(context.Background(), CreateTableRequest{NamespaceID: ns.ID(), Name: "t", Schema: testSchema()})
	require.ErrorIs(t, err, dberrors.ErrIllegalState)
	require.Empty(t, env.cm.ListTables(""))
}

func TestAlterTable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 2)
	env.reportRunning(t, table.GetTablets(false), nil)

	schema := testSchema()
	schema.Columns = append(schema.Columns, catalog.ColumnSchema{Name: "total", Type: "decimal", Nullable: true})
	_, err := env.cm.AlterTable(ctx, table.ID(), AlterTableRequest{Schema: &schema})
	require.NoError(t, err)
	require.Equal(t, types.SchemaVersion(1), table.LockForRead().Data().Version)
	require.Len(t, table.Schema().Columns, 3)

	// every tablet leader acknowledges the alter
	require.Eventually(t, func() bool {
		done, err := env.cm.IsAlterTableDone(table.ID())
		return err == nil && done
	}, waitFor, tick)
	require.Equal(t, 2, env.client.numAlters())
	require.Equal(t, catalog.TableRunning, tableState(table))
	require.False(t, table.IsAlterInProgress(1))

	log, err := env.cm.DdlLog()
	require.NoError(t, err)
	require.Equal(t, "Alter table", log[0].Action)
}

func TestAlterTableCompletesFromHeartbeats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 2)
	tablets := table.GetTablets(false)
	env.reportRunning(t, tablets, nil)

	env.client.fail.Store(true)
	schema := testSchema()
	_, err := env.cm.AlterTable(ctx, table.ID(), AlterTableRequest{Schema: &schema})
	require.NoError(t, err)
	require.Equal(t, catalog.TableAltering, tableState(table))

	_, err = env.cm.AlterTable(ctx, table.ID(), AlterTableRequest{Schema: &schema})
	require.ErrorIs(t, err, dberrors.ErrIllegalState)

	// alter RPCs give up; the tablets report the new version on their own
	require.Eventually(t, func() bool { return !table.HasTasks() }, waitFor, tick)
	require.Equal(t, catalog.TableAltering, tableState(table))

	env.reportRunning(t, tablets[:1], map[types.TableID]types.SchemaVersion{table.ID(): 1})
	require.Equal(t, catalog.TableAltering, tableState(table))
	env.reportRunning(t, tablets[1:], map[types.TableID]types.SchemaVersion{table.ID(): 1})
	require.Equal(t, catalog.TableRunning, tableState(table))

	var failed int
	for _, task := range env.cm.ListTasks() {
		if task.Type == catalog.TaskAlterTable.String() && task.State == catalog.TaskFailed.String() {
			failed++
		}
	}
	require.Equal(t, 2, failed)
}

func TestRenameTable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	env.createTable(t, ns.ID(), "items", 1)

	_, err := env.cm.AlterTable(ctx, table.ID(), AlterTableRequest{NewName: "items"})
	require.ErrorIs(t, err, dberrors.ErrAlreadyPresent)

	_, err = env.cm.AlterTable(ctx, table.ID(), AlterTableRequest{NewName: "purchases"})
	require.NoError(t, err)
	require.Equal(t, "purchases", table.Name())
	require.Equal(t, catalog.TableRunning, tableState(table))

	_, err = env.cm.GetTableByName(ns.ID(), "orders")
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	got, err := env.cm.GetTableByName(ns.ID(), "purchases")
	require.NoError(t, err)
	require.Same(t, table, got)

	_, err = env.cm.AlterTable(ctx, table.ID(), AlterTableRequest{})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestDeleteTable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 4)
	tablets := table.GetTablets(false)
	env.reportRunning(t, tablets, nil)

	require.NoError(t, env.cm.DeleteTable(ctx, table.ID()))
	for _, tablet := range tablets {
		require.Equal(t, catalog.TabletDeleted, tabletState(tablet))
	}
	_, err := env.cm.GetTableLocations(table.ID(), "", "", 0, false)
	require.Equal(t, dberrors.CodeTableNotFound, dberrors.CodeOf(err))
	_, err = env.cm.GetTableByName(ns.ID(), "orders")
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	// 4 tablets with 3 replicas each
	require.Eventually(t, func() bool { return table.IsDeleted() }, waitFor, tick)
	require.Equal(t, 12, env.client.numDeletes())
	for _, tablet := range tablets {
		require.Empty(t, tablet.ReplicaLocations())
	}
	require.Empty(t, env.cm.ListTables(ns.ID()))
	require.NoError(t, env.cm.DeleteTable(ctx, table.ID()))

	// a server still hosting a deleted tablet is told to drop it
	env.reportRunning(t, tablets[:1], nil)
	require.Eventually(t, func() bool { return env.client.numDeletes() == 15 }, waitFor, tick)

	log, err := env.cm.DdlLog()
	require.NoError(t, err)
	require.Equal(t, "Drop table", log[0].Action)
	require.Equal(t, "Create table", log[1].Action)
}

func TestDeleteTableWaitsForReplicas(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	env.reportRunning(t, table.GetTablets(false), nil)

	env.client.fail.Store(true)
	require.NoError(t, env.cm.DeleteTable(ctx, table.ID()))
	require.Eventually(t, func() bool { return !table.HasTasks() }, waitFor, tick)
	require.Equal(t, catalog.TableDeleting, tableState(table))

	// replicas dropped by the servers on their own are acknowledged by heartbeat
	tablet := table.GetTablets(true)[0]
	for _, ts := range tablet.LockForRead().Data().Replicas {
		err := env.cm.ProcessTabletReport(ctx, TabletReport{
			TServer: cluster.TServerInfo{ID: ts},
			Removed: []types.TabletID{tablet.ID()},
		})
		require.NoError(t, err)
	}
	require.Equal(t, catalog.TableDeleted, tableState(table))
}

func TestIndexLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 2)
	env.reportRunning(t, table.GetTablets(false), nil)

	_, err := env.cm.CreateTable(ctx, CreateTableRequest{
		NamespaceID: ns.ID(),
		Name:        "orders_by_name",
		Schema:      testSchema(),
		Index:       &IndexRequest{IndexedTableID: table.ID(), Columns: []string{"missing"}},
	})
	require.Equal(t, dberrors.CodeInvalidSchema, dberrors.CodeOf(err))

	index, err := env.cm.CreateTable(ctx, CreateTableRequest{
		NamespaceID: ns.ID(),
		Name:        "orders_by_name",
		Schema:      testSchema(),
		NumTablets:  1,
		Index:       &IndexRequest{IndexedTableID: table.ID(), Columns: []string{"name"}},
	})
	require.NoError(t, err)
	info, ok := table.GetIndexInfo(index.ID())
	require.True(t, ok)
	require.Equal(t, catalog.IndexPermDeleteOnly, info.Permission)

	require.NoError(t, env.cm.StartIndexBackfill(ctx, index.ID()))
	require.True(t, table.IsBackfilling())
	err = env.cm.StartIndexBackfill(ctx, index.ID())
	require.Equal(t, dberrors.CodeSplitOrBackfillInProgress, dberrors.CodeOf(err))

	schema := testSchema()
	_, err = env.cm.AlterTable(ctx, table.ID(), AlterTableRequest{Schema: &schema})
	require.Equal(t, dberrors.CodeSplitOrBackfillInProgress, dberrors.CodeOf(err))
	_, err = env.cm.SplitTablet(ctx, table.GetTablets(false)[0].ID())
	require.Equal(t, dberrors.CodeSplitOrBackfillInProgress, dberrors.CodeOf(err))

	require.NoError(t, env.cm.FinishIndexBackfill(ctx, index.ID()))
	require.False(t, table.IsBackfilling())
	info, _ = table.GetIndexInfo(index.ID())
	require.Equal(t, catalog.IndexPermReadWriteAndDelete, info.Permission)
	require.Equal(t, catalog.IndexPermReadWriteAndDelete, index.LockForRead().Data().IndexInfo.Permission)
	require.ErrorIs(t, env.cm.FinishIndexBackfill(ctx, index.ID()), dberrors.ErrIllegalState)

	// dropping the table drops its index too
	require.NoError(t, env.cm.DeleteTable(ctx, table.ID()))
	require.True(t, index.LockForRead().Data().StartedDeleting())
	require.Eventually(t, func() bool { return table.IsDeleted() && index.IsDeleted() }, waitFor, tick)
}

func TestDeleteIndexUpdatesIndexedTable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := env.createNamespace(t, "shop")
	table := env.createTable(t, ns.ID(), "orders", 1)
	index, err := env.cm.CreateTable(ctx, CreateTableRequest{
		NamespaceID: ns.ID(),
		Name:        "orders_idx",
		Schema:      testSchema(),
		NumTablets:  1,
		Index:       &IndexRequest{IndexedTableID: table.ID(), Columns: []string{"id"}},
	})
	require.NoError(t, err)

	require.NoError(t, env.cm.DeleteTable(ctx, index.ID()))
	_, ok := table.GetIndexInfo(index.ID())
	require.False(t, ok)
	require.Equal(t, catalog.TableRunning, tableState(table))

	log, err := env.cm.DdlLog()
	require.NoError(t, err)
	require.Equal(t, "Drop index", log[0].Action)
	require.Equal(t, "Create index", log[1].Action)
}
