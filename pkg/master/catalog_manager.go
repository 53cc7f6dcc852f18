// Package master owns the in-memory catalog of a master: it validates DDL,
// persists every change to the sys catalog before publishing it, and keeps
// tablet locations fresh from tablet server reports.
package master

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"metacat/pkg/catalog"
	"metacat/pkg/clock"
	"metacat/pkg/cluster"
	"metacat/pkg/config"
	"metacat/pkg/dberrors"
	"metacat/pkg/metrics"
	"metacat/pkg/syscatalog"
	"metacat/pkg/types"
)

// TSClient is the part of the tablet server admin API the master calls.
type TSClient interface {
	DeleteTablet(ctx context.Context, ts *cluster.TSDescriptor, tabletID types.TabletID, req cluster.DeleteTabletRequest) error
	AlterSchema(ctx context.Context, ts *cluster.TSDescriptor, tabletID types.TabletID, req cluster.AlterSchemaRequest) error
	LeaderStepDown(ctx context.Context, ts *cluster.TSDescriptor, tabletID types.TabletID, req cluster.LeaderStepDownRequest) error
}

type CatalogManager struct {
	cfg      config.CatalogConfig
	sys      *syscatalog.SysCatalog
	tservers *cluster.TSManager
	client   TSClient
	metrics  *metrics.Registry
	clock    *clock.HybridClock
	tracker  *catalog.TasksTracker

	// serializes DDL, which checks and updates the name indexes
	ddlMu sync.Mutex

	namespaces     *skipmap.FuncMap[types.NamespaceID, *catalog.NamespaceInfo]
	namespaceNames *skipmap.FuncMap[string, types.NamespaceID]
	udtypes        *skipmap.FuncMap[types.UDTypeID, *catalog.UDTypeInfo]
	tables         *skipmap.FuncMap[types.TableID, *catalog.TableInfo]
	// "<namespace id>/<table name>" of every table not being deleted
	tableNames *skipmap.FuncMap[string, types.TableID]
	tablets    *skipmap.FuncMap[types.TabletID, *catalog.TabletInfo]

	deletedMu      sync.Mutex
	deletedTablets catalog.DeletedTabletMap
	// replicas with a delete request in flight
	inflightDeletes map[catalog.TabletKey]struct{}

	// async tasks outlive the request that started them
	tasksCtx    context.Context
	cancelTasks context.CancelFunc
	tasksWG     sync.WaitGroup
}

func NewCatalogManager(
	cfg config.CatalogConfig,
	sys *syscatalog.SysCatalog,
	tservers *cluster.TSManager,
	client TSClient,
	m *metrics.Registry,
) *CatalogManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &CatalogManager{
		cfg:         cfg,
		sys:         sys,
		tservers:    tservers,
		client:      client,
		metrics:     m,
		clock:       clock.NewHybridClock(),
		tracker:     catalog.NewTasksTracker(cfg.TasksTrackerNumTasks),
		tasksCtx:    ctx,
		cancelTasks: cancel,
	}
	cm.resetRegistries()
	return cm
}

func lessString[K ~string](a, b K) bool { return a < b }

func (cm *CatalogManager) resetRegistries() {
	cm.namespaces = skipmap.NewFunc[types.NamespaceID, *catalog.NamespaceInfo](lessString[types.NamespaceID])
	cm.namespaceNames = skipmap.NewFunc[string, types.NamespaceID](lessString[string])
	cm.udtypes = skipmap.NewFunc[types.UDTypeID, *catalog.UDTypeInfo](lessString[types.UDTypeID])
	cm.tables = skipmap.NewFunc[types.TableID, *catalog.TableInfo](lessString[types.TableID])
	cm.tableNames = skipmap.NewFunc[string, types.TableID](lessString[string])
	cm.tablets = skipmap.NewFunc[types.TabletID, *catalog.TabletInfo](lessString[types.TabletID])
	cm.deletedMu.Lock()
	cm.deletedTablets = make(catalog.DeletedTabletMap)
	cm.inflightDeletes = make(map[catalog.TabletKey]struct{})
	cm.deletedMu.Unlock()
}

// shutdownTasksTimeout bounds how long Shutdown waits for the tasks of one
// table to leave it.
const shutdownTasksTimeout = 30 * time.Second

// Shutdown closes every table for new tasks, aborts the running ones and
// waits for them. The manager is unusable afterwards.
func (cm *CatalogManager) Shutdown() {
	cm.cancelTasks()
	var tables []*catalog.TableInfo
	cm.tables.Range(func(_ types.TableID, t *catalog.TableInfo) bool {
		t.AbortTasksAndClose()
		tables = append(tables, t)
		return true
	})
	for _, t := range tables {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTasksTimeout)
		if err := t.WaitTasksCompletion(ctx); err != nil {
			slog.Warn("table still has tasks at shutdown", "table", t, "error", err)
		}
		cancel()
	}
	cm.tasksWG.Wait()
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func tableNameKey(ns types.NamespaceID, name string) string {
	return string(ns) + "/" + name
}

// Load rebuilds the in-memory catalog from the sys catalog. Tables found
// half-deleted are finished off: replicas still around are deleted when
// their servers report them. Unfinished alters are sent out again.
func (cm *CatalogManager) Load(ctx context.Context) error {
	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	cm.resetRegistries()

	err := cm.sys.VisitNamespaces(func(id types.NamespaceID, p *catalog.PersistentNamespaceInfo) error {
		cm.namespaces.Store(id, catalog.NewNamespaceInfo(id, p))
		cm.namespaceNames.Store(p.Name, id)
		return nil
	})
	if err != nil {
		return err
	}

	err = cm.sys.VisitUDTypes(func(id types.UDTypeID, p *catalog.PersistentUDTypeInfo) error {
		cm.udtypes.Store(id, catalog.NewUDTypeInfo(id, p))
		return nil
	})
	if err != nil {
		return err
	}

	// DDL log ids come from the clock, so it must not run behind the log
	// written by a previous leader
	var lastDdl clock.HybridTime
	err = cm.sys.VisitDdlLog(func(e *catalog.DdlLogEntry) error {
		lastDdl = max(lastDdl, e.NewPayload().Time)
		return nil
	})
	if err != nil {
		return err
	}
	cm.clock.Update(lastDdl)

	var unfinished, altering []*catalog.TableInfo
	err = cm.sys.VisitTables(func(id types.TableID, p *catalog.PersistentTableInfo) error {
		table := catalog.NewTableInfoFromPersistent(id, p, cm.tracker)
		cm.tables.Store(id, table)
		switch {
		case p.State == catalog.TableDeleting:
			unfinished = append(unfinished, table)
		case p.State == catalog.TableAltering:
			altering = append(altering, table)
			fallthrough
		case !p.StartedDeleting():
			cm.tableNames.Store(tableNameKey(p.NamespaceID, p.Name), id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	orphans := 0
	err = cm.sys.VisitTablets(func(id types.TabletID, p *catalog.PersistentTabletInfo) error {
		table, ok := cm.tables.Load(p.TableID)
		if !ok {
			orphans++
			slog.Warn("tablet without table in sys catalog", "tablet_id", id, "table_id", p.TableID)
			return nil
		}
		tablet := catalog.NewTabletInfo(table, id, p)
		cm.tablets.Store(id, tablet)
		table.AddTablet(tablet)
		return nil
	})
	if err != nil {
		return err
	}

	for _, table := range unfinished {
		if err := cm.finishTableDeletion(ctx, table); err != nil {
			return err
		}
	}
	for _, table := range altering {
		meta := table.LockForRead().Data()
		schema, err := json.Marshal(meta.Schema)
		if err != nil {
			return errors.Wrapf(err, "marshal schema of table %s", table.ID())
		}
		cm.sendAlterTableRequests(table, meta.Version, schema)
	}

	slog.Info("catalog loaded",
		"namespaces", cm.namespaces.Len(),
		"udtypes", cm.udtypes.Len(),
		"tables", cm.tables.Len(),
		"tablets", cm.tablets.Len(),
		"orphan_tablets", orphans,
		"finished_deletions", len(unfinished),
		"resumed_alters", len(altering))
	cm.RefreshMetrics()
	return nil
}

// RefreshMetrics recomputes the catalog gauges.
func (cm *CatalogManager) RefreshMetrics() {
	if cm.metrics == nil {
		return
	}
	tables := 0
	cm.tables.Range(func(_ types.TableID, t *catalog.TableInfo) bool {
		if !t.LockForRead().Data().StartedDeleting() {
			tables++
		}
		return true
	})
	leaderless := 0
	cm.tablets.Range(func(_ types.TabletID, t *catalog.TabletInfo) bool {
		if !t.LockForRead().Data().IsRunning() {
			return true
		}
		if _, ok := t.ReplicaLocations().Leader(); !ok {
			leaderless++
		}
		return true
	})
	cm.metrics.SetCatalogSize(cm.namespaces.Len(), tables, cm.tablets.Len())
	cm.metrics.SetLeaderlessTablets(leaderless)
	cm.metrics.SetLiveTServers(len(cm.tservers.Live(cm.cfg.TServerUnresponsiveTimeout)))
}

// RunMetricsLoop refreshes the gauges every interval until ctx is done.
func (cm *CatalogManager) RunMetricsLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cm.RefreshMetrics()
		}
	}
}

// TServers exposes the tablet server registry.
func (cm *CatalogManager) TServers() *cluster.TSManager { return cm.tservers }

// TaskInfo describes a tracked task.
type TaskInfo struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Submitted   time.Time `json:"submitted"`
}

// ListTasks returns recently started tasks, newest first.
func (cm *CatalogManager) ListTasks() []TaskInfo {
	records := cm.tracker.Tasks()
	out := make([]TaskInfo, 0, len(records))
	for _, r := range records {
		out = append(out, TaskInfo{
			Type:        r.Task.Type().String(),
			Description: r.Task.Description(),
			State:       r.Task.State().String(),
			Submitted:   r.Submitted,
		})
	}
	return out
}

// DdlLog returns the DDL history, newest first.
func (cm *CatalogManager) DdlLog() ([]catalog.PersistentDdlLogEntry, error) {
	var out []catalog.PersistentDdlLogEntry
	err := cm.sys.VisitDdlLog(func(e *catalog.DdlLogEntry) error {
		out = append(out, e.NewPayload())
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (cm *CatalogManager) ddlLogEntry(tableID types.TableID, table *catalog.PersistentTableInfo, action string) syscatalog.Entry {
	return syscatalog.DdlLog(catalog.NewDdlLogEntry(cm.clock.Now(), tableID, table, action))
}

func namespaceNotFound(id types.NamespaceID) error {
	return dberrors.WithCode(dberrors.NotFoundf("namespace %s not found", id), dberrors.CodeNamespaceNotFound)
}

func tableNotFound(id types.TableID) error {
	return dberrors.WithCode(dberrors.NotFoundf("table %s not found", id), dberrors.CodeTableNotFound)
}

func objectNotFound(kind, id string) error {
	return dberrors.WithCode(dberrors.NotFoundf("%s %s not found", kind, id), dberrors.CodeObjectNotFound)
}
