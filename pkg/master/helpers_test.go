package master

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"metacat/pkg/catalog"
	"metacat/pkg/cluster"
	"metacat/pkg/config"
	"metacat/pkg/metrics"
	"metacat/pkg/syscatalog"
	"metacat/pkg/types"
)

type fakeTSClient struct {
	mu        sync.Mutex
	deletes   []catalog.TabletKey
	alters    map[types.TabletID]types.SchemaVersion
	stepDowns []types.TabletID
	fail      atomic.Bool
}

func newFakeTSClient() *fakeTSClient {
	return &fakeTSClient{alters: make(map[types.TabletID]types.SchemaVersion)}
}

func (f *fakeTSClient) err() error {
	if f.fail.Load() {
		return errors.New("tablet server unavailable")
	}
	return nil
}

func (f *fakeTSClient) DeleteTablet(_ context.Context, ts *cluster.TSDescriptor, id types.TabletID, _ cluster.DeleteTabletRequest) error {
	if err := f.err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, catalog.TabletKey{TSID: ts.ID(), TabletID: id})
	return nil
}

func (f *fakeTSClient) AlterSchema(_ context.Context, _ *cluster.TSDescriptor, id types.TabletID, req cluster.AlterSchemaRequest) error {
	if err := f.err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alters[id] = req.SchemaVersion
	return nil
}

func (f *fakeTSClient) LeaderStepDown(_ context.Context, _ *cluster.TSDescriptor, id types.TabletID, _ cluster.LeaderStepDownRequest) error {
	if err := f.err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepDowns = append(f.stepDowns, id)
	return nil
}

func (f *fakeTSClient) numDeletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeTSClient) numAlters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alters)
}

func (f *fakeTSClient) numStepDowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stepDowns)
}

// toggleReplicator fails writes on demand.
type toggleReplicator struct {
	store *syscatalog.Store
	fail  atomic.Bool
}

func (r *toggleReplicator) Replicate(ctx context.Context, muts []syscatalog.Mutation) error {
	if r.fail.Load() {
		return errors.New("no quorum")
	}
	return r.store.Replicate(ctx, muts)
}

type testEnv struct {
	cm      *CatalogManager
	client  *fakeTSClient
	sys     *syscatalog.SysCatalog
	repl    *toggleReplicator
	metrics *metrics.Registry
}

func testConfig() config.CatalogConfig {
	cfg := config.Default().Catalog
	cfg.ReplicationFactor = 3
	cfg.DefaultNumTablets = 4
	cfg.TaskMaxAttempts = 3
	cfg.TaskRetryMin = time.Millisecond
	cfg.TaskRetryMax = 5 * time.Millisecond
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*config.CatalogConfig)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	store, err := syscatalog.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repl := &toggleReplicator{store: store}
	reg := metrics.New()
	sys := syscatalog.New(store, repl, reg)

	tservers := cluster.NewTSManager()
	for i := 1; i <= 3; i++ {
		tservers.Register(cluster.TServerInfo{
			ID:      types.TabletServerID(fmt.Sprintf("ts-%d", i)),
			RPCAddr: fmt.Sprintf("127.0.0.1:910%d", i),
		})
	}

	client := newFakeTSClient()
	cm := NewCatalogManager(cfg, sys, tservers, client, reg)
	t.Cleanup(cm.Shutdown)
	return &testEnv{cm: cm, client: client, sys: sys, repl: repl, metrics: reg}
}

func testSchema() catalog.Schema {
	return catalog.Schema{Columns: []catalog.ColumnSchema{
		{Name: "id", Type: "int", IsHashKey: true},
		{Name: "name", Type: "text", Nullable: true},
	}}
}

func (e *testEnv) createNamespace(t *testing.T, name string) *catalog.NamespaceInfo {
	t.Helper()
	ns, err := e.cm.CreateNamespace(context.Background(), CreateNamespaceRequest{Name: name, DatabaseType: catalog.DatabaseYSQL})
	require.NoError(t, err)
	return ns
}

func (e *testEnv) createTable(t *testing.T, ns types.NamespaceID, name string, numTablets int) *catalog.TableInfo {
	t.Helper()
	table, err := e.cm.CreateTable(context.Background(), CreateTableRequest{
		NamespaceID: ns,
		Name:        name,
		TableType:   catalog.PGSQLTableType,
		Schema:      testSchema(),
		NumTablets:  numTablets,
	})
	require.NoError(t, err)
	return table
}

// reportRunning sends one heartbeat per tablet server in which every listed
// tablet runs, led by its first assigned replica.
func (e *testEnv) reportRunning(t *testing.T, tablets []*catalog.TabletInfo, versions map[types.TableID]types.SchemaVersion) {
	t.Helper()
	byTS := make(map[types.TabletServerID][]ReportedTablet)
	for _, tablet := range tablets {
		for i, ts := range tablet.LockForRead().Data().Replicas {
			role := catalog.RoleFollower
			if i == 0 {
				role = catalog.RoleLeader
			}
			byTS[ts] = append(byTS[ts], ReportedTablet{
				TabletID:       tablet.ID(),
				State:          catalog.ReplicaRunning,
				Role:           role,
				MemberType:     catalog.MemberVoter,
				SchemaVersions: versions,
			})
		}
	}
	for ts, reported := range byTS {
		err := e.cm.ProcessTabletReport(context.Background(), TabletReport{
			TServer: cluster.TServerInfo{ID: ts},
			Tablets: reported,
		})
		require.NoError(t, err)
	}
}

func tabletState(tablet *catalog.TabletInfo) catalog.TabletState {
	return tablet.LockForRead().Data().State
}

func tableState(table *catalog.TableInfo) catalog.TableState {
	return table.LockForRead().Data().State
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)
