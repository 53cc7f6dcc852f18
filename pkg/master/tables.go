package master

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"metacat/pkg/catalog"
	"metacat/pkg/cluster"
	"metacat/pkg/dberrors"
	"metacat/pkg/partition"
	"metacat/pkg/syscatalog"
	"metacat/pkg/types"
)

type tabletLocks = []*catalog.WriteLock[*catalog.PersistentTabletInfo]

func unlockAll(locks tabletLocks) {
	for _, l := range locks {
		l.Unlock()
	}
}

func commitAll(locks tabletLocks) {
	for _, l := range locks {
		l.Commit()
	}
}

// IndexRequest turns a new table into an index of IndexedTableID.
type IndexRequest struct {
	IndexedTableID types.TableID `json:"indexed_table_id"`
	Columns        []string      `json:"columns"`
	IsLocal        bool          `json:"is_local,omitempty"`
	IsUnique       bool          `json:"is_unique,omitempty"`
}

type CreateTableRequest struct {
	NamespaceID  types.NamespaceID  `json:"namespace_id"`
	Name         string             `json:"name"`
	TableType    catalog.TableType  `json:"table_type"`
	Schema       catalog.Schema     `json:"schema"`
	NumTablets   int                `json:"num_tablets,omitempty"`
	TablespaceID types.TablespaceID `json:"tablespace_id,omitempty"`
	Index        *IndexRequest      `json:"index,omitempty"`
}

// CreateTable creates a hash partitioned table and places the replicas of
// its tablets on live tablet servers. The table is visible only once all of
// it is persisted.
func (cm *CatalogManager) CreateTable(ctx context.Context, req CreateTableRequest) (*catalog.TableInfo, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, dberrors.InvalidArgumentf("table name is empty")
	}
	if err := req.Schema.Validate(); err != nil {
		return nil, err
	}
	numTablets := req.NumTablets
	if numTablets <= 0 {
		numTablets = cm.cfg.DefaultNumTablets
	}
	parts, err := partition.CreateHashPartitions(numTablets)
	if err != nil {
		return nil, err
	}

	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	ns, ok := cm.namespaces.Load(req.NamespaceID)
	if !ok {
		return nil, namespaceNotFound(req.NamespaceID)
	}
	if id, ok := cm.tableNames.Load(tableNameKey(req.NamespaceID, req.Name)); ok {
		return nil, dberrors.WithCode(
			dberrors.AlreadyPresentf("table %s.%s already exists [id=%s]", ns.Name(), req.Name, id),
			dberrors.CodeObjectAlreadyPresent)
	}

	var indexed *catalog.TableInfo
	if req.Index != nil {
		if indexed, err = cm.indexedTableFor(req); err != nil {
			return nil, err
		}
	}

	rf := cm.cfg.ReplicationFactor
	live := cm.tservers.Live(cm.cfg.TServerUnresponsiveTimeout)
	if len(live) < rf {
		return nil, dberrors.IllegalStatef(
			"not enough live tablet servers to create a table with replication factor %d: %d live", rf, len(live))
	}

	tableID := types.TableID(newID())
	table := catalog.NewTableInfo(tableID, false, cm.tracker)
	tl := table.LockForWrite()
	defer tl.Unlock()

	meta := tl.Data()
	meta.Name = req.Name
	meta.NamespaceID = ns.ID()
	meta.NamespaceName = ns.Name()
	meta.TableType = req.TableType
	meta.Schema = req.Schema.Clone()
	meta.PartitionSchema.HashPartitioned = true
	meta.TablespaceID = req.TablespaceID
	meta.SetState(catalog.TableRunning, "created")
	if req.Index != nil {
		meta.IndexInfo = &catalog.IndexInfo{
			TableID:        tableID,
			IndexedTableID: req.Index.IndexedTableID,
			Columns:        slices.Clone(req.Index.Columns),
			IsLocal:        req.Index.IsLocal,
			IsUnique:       req.Index.IsUnique,
			Permission:     catalog.IndexPermDeleteOnly,
		}
	}

	tablets := make([]*catalog.TabletInfo, 0, len(parts))
	locks := make(tabletLocks, 0, len(parts))
	defer func() { unlockAll(locks) }()
	upserts := make([]syscatalog.Entry, 0, len(parts)+3)
	upserts = append(upserts, syscatalog.Table(tableID, meta))

	for i, p := range parts {
		tablet := catalog.NewTabletInfo(table, types.TabletID(newID()), nil)
		l := tablet.LockForWrite()
		locks = append(locks, l)

		replicas := cluster.SelectReplicas(live, rf, i)
		d := l.Data()
		d.TableID = tableID
		d.Partition = p
		d.SetState(catalog.TabletNotStarted, "waiting for the replicas to start")
		for _, ts := range replicas {
			d.Replicas = append(d.Replicas, ts.ID())
		}
		tablet.SetInitialLeaderElectionProtege(replicas[0].ID())

		tablets = append(tablets, tablet)
		upserts = append(upserts, syscatalog.Tablet(tablet.ID(), d))
	}

	action := "Create table"
	var il *catalog.WriteLock[*catalog.PersistentTableInfo]
	if indexed != nil {
		action = "Create index"
		il = indexed.LockForWrite()
		defer il.Unlock()
		il.Data().Indexes = append(il.Data().Indexes, meta.IndexInfo.Clone())
		upserts = append(upserts, syscatalog.Table(indexed.ID(), il.Data()))
	}
	upserts = append(upserts, cm.ddlLogEntry(tableID, meta, action))

	if err := cm.sys.Upsert(ctx, upserts...); err != nil {
		return nil, err
	}

	table.AddTablets(tablets)
	table.SetTablespaceIDForTableCreation(req.TablespaceID)
	commitAll(locks)
	tl.Commit()
	if il != nil {
		il.Commit()
	}

	cm.tables.Store(tableID, table)
	cm.tableNames.Store(tableNameKey(ns.ID(), req.Name), tableID)
	for _, tablet := range tablets {
		cm.tablets.Store(tablet.ID(), tablet)
	}
	slog.Info("created table",
		"table", table,
		"namespace", ns,
		"tablets", len(tablets),
		"replication_factor", rf,
		"index_of", req.IndexedTableID())
	return table, nil
}

// IndexedTableID is empty unless the request creates an index.
func (r CreateTableRequest) IndexedTableID() types.TableID {
	if r.Index == nil {
		return ""
	}
	return r.Index.IndexedTableID
}

func (cm *CatalogManager) indexedTableFor(req CreateTableRequest) (*catalog.TableInfo, error) {
	indexed, ok := cm.tables.Load(req.Index.IndexedTableID)
	if !ok {
		return nil, tableNotFound(req.Index.IndexedTableID)
	}
	data := indexed.LockForRead().Data()
	if data.StartedDeleting() {
		return nil, tableNotFound(req.Index.IndexedTableID)
	}
	if data.IsIndex() {
		return nil, dberrors.InvalidArgumentf("cannot index the index %s", indexed)
	}
	if data.NamespaceID != req.NamespaceID {
		return nil, dberrors.InvalidArgumentf("index %s must live in the namespace of table %s", req.Name, indexed)
	}
	if len(req.Index.Columns) == 0 {
		return nil, dberrors.InvalidArgumentf("index %s has no columns", req.Name)
	}
	for _, col := range req.Index.Columns {
		if !slices.ContainsFunc(data.Schema.Columns, func(c catalog.ColumnSchema) bool { return c.Name == col }) {
			return nil, dberrors.WithCode(
				dberrors.InvalidArgumentf("table %s has no column %q", indexed, col),
				dberrors.CodeInvalidSchema)
		}
	}
	return indexed, nil
}

// GetTable returns a table, deleted or not.
func (cm *CatalogManager) GetTable(id types.TableID) (*catalog.TableInfo, error) {
	table, ok := cm.tables.Load(id)
	if !ok {
		return nil, tableNotFound(id)
	}
	return table, nil
}

func (cm *CatalogManager) GetTableByName(ns types.NamespaceID, name string) (*catalog.TableInfo, error) {
	id, ok := cm.tableNames.Load(tableNameKey(ns, name))
	if !ok {
		return nil, dberrors.WithCode(
			dberrors.NotFoundf("table %s not found in namespace %s", name, ns), dberrors.CodeTableNotFound)
	}
	return cm.GetTable(id)
}

// ListTables returns the tables of ns, or of every namespace when ns is
// empty. Fully deleted tables are left out.
func (cm *CatalogManager) ListTables(ns types.NamespaceID) []*catalog.TableInfo {
	var out []*catalog.TableInfo
	cm.tables.Range(func(_ types.TableID, t *catalog.TableInfo) bool {
		data := t.LockForRead().Data()
		if data.IsDeleted() || (ns != "" && data.NamespaceID != ns) {
			return true
		}
		out = append(out, t)
		return true
	})
	return out
}

type AlterTableRequest struct {
	NewName string          `json:"new_name,omitempty"`
	Schema  *catalog.Schema `json:"schema,omitempty"`
}

// AlterTable renames a table and/or replaces its schema. A new schema bumps
// the schema version and keeps the table ALTERING until every active tablet
// reports the new version.
func (cm *CatalogManager) AlterTable(ctx context.Context, id types.TableID, req AlterTableRequest) (*catalog.TableInfo, error) {
	if req.NewName == "" && req.Schema == nil {
		return nil, dberrors.InvalidArgumentf("nothing to alter in table %s", id)
	}
	if req.Schema != nil {
		if err := req.Schema.Validate(); err != nil {
			return nil, err
		}
	}

	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	table, ok := cm.tables.Load(id)
	if !ok {
		return nil, tableNotFound(id)
	}
	if table.HasOutstandingSplits(false) || table.IsBackfilling() {
		return nil, dberrors.WithCode(
			dberrors.IllegalStatef("table %s has a split or backfill in progress", table),
			dberrors.CodeSplitOrBackfillInProgress)
	}

	l := table.LockForWrite()
	defer l.Unlock()
	meta := l.Data()
	switch {
	case meta.StartedDeleting():
		return nil, tableNotFound(id)
	case meta.State == catalog.TableAltering:
		return nil, dberrors.IllegalStatef("table %s is being altered", table)
	case meta.State != catalog.TableRunning:
		return nil, dberrors.WithCode(
			dberrors.IllegalStatef("table %s is not running", table), dberrors.CodeTableNotRunning)
	}

	oldName := meta.Name
	renamed := req.NewName != "" && req.NewName != oldName
	if renamed {
		if other, ok := cm.tableNames.Load(tableNameKey(meta.NamespaceID, req.NewName)); ok {
			return nil, dberrors.WithCode(
				dberrors.AlreadyPresentf("table %s already exists [id=%s]", req.NewName, other),
				dberrors.CodeObjectAlreadyPresent)
		}
		meta.Name = req.NewName
	}
	if req.Schema != nil {
		meta.Schema = req.Schema.Clone()
		meta.Version++
		meta.SetState(catalog.TableAltering, fmt.Sprintf("alter table to schema version %d", meta.Version))
	}

	err := cm.sys.Upsert(ctx,
		syscatalog.Table(id, meta),
		cm.ddlLogEntry(id, meta, "Alter table"))
	if err != nil {
		return nil, err
	}
	version := meta.Version
	l.Commit()

	if renamed {
		cm.tableNames.Delete(tableNameKey(meta.NamespaceID, oldName))
		cm.tableNames.Store(tableNameKey(meta.NamespaceID, req.NewName), id)
	}
	slog.Info("altered table", "table", table, "renamed_from", oldName, "version", version)

	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return nil, errors.Wrap(err, "marshal schema")
		}
		cm.sendAlterTableRequests(table, version, schema)
	}
	return table, nil
}

func (cm *CatalogManager) sendAlterTableRequests(table *catalog.TableInfo, version types.SchemaVersion, schema json.RawMessage) {
	req := cluster.AlterSchemaRequest{TableID: table.ID(), SchemaVersion: version, Schema: schema}
	for _, tablet := range table.GetTablets(false) {
		task := cm.newTabletTask(table, catalog.TaskAlterTable, tablet.ID())
		task.target = leaderOf(tablet)
		task.rpc = func(ctx context.Context, ts *cluster.TSDescriptor) error {
			return cm.client.AlterSchema(ctx, ts, tablet.ID(), req)
		}
		task.onSuccess = func(*cluster.TSDescriptor) {
			tablet.SetReportedSchemaVersion(table.ID(), version)
			cm.checkAlterDone(table)
		}
		task.start()
	}
}

// checkAlterDone moves an ALTERING table back to RUNNING once no active
// tablet lags behind the current schema version.
func (cm *CatalogManager) checkAlterDone(table *catalog.TableInfo) {
	l := table.LockForWrite()
	defer l.Unlock()
	meta := l.Data()
	if meta.State != catalog.TableAltering || table.IsAlterInProgress(meta.Version) {
		return
	}
	meta.SetState(catalog.TableRunning, fmt.Sprintf("current schema version=%d", meta.Version))
	if err := cm.sys.Upsert(cm.tasksCtx, syscatalog.Table(table.ID(), meta)); err != nil {
		slog.Warn("failed to persist finished alter", "table", table, "error", err)
		return
	}
	l.Commit()
	slog.Info("alter table done", "table", table, "version", meta.Version)
}

// IsAlterTableDone reports whether the table left the ALTERING state.
func (cm *CatalogManager) IsAlterTableDone(id types.TableID) (bool, error) {
	table, err := cm.GetTable(id)
	if err != nil {
		return false, err
	}
	data := table.LockForRead().Data()
	if data.StartedDeleting() {
		return false, tableNotFound(id)
	}
	return data.State != catalog.TableAltering, nil
}

// IsCreateTableDone reports whether every original tablet of the table
// runs. A failed creation returns its error.
func (cm *CatalogManager) IsCreateTableDone(id types.TableID) (bool, error) {
	table, err := cm.GetTable(id)
	if err != nil {
		return false, err
	}
	if err := table.CreateTableErrorStatus(); err != nil {
		return false, err
	}
	return !table.IsCreateInProgress(), nil
}

// DeleteTable marks the table and its tablets deleted and asks every replica
// to go away. The table becomes DELETED once all replicas acknowledged.
// Indexes of the table are deleted with it. Deleting a table twice is fine.
func (cm *CatalogManager) DeleteTable(ctx context.Context, id types.TableID) error {
	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()
	return cm.deleteTableLocked(ctx, id)
}

func (cm *CatalogManager) deleteTableLocked(ctx context.Context, id types.TableID) error {
	table, ok := cm.tables.Load(id)
	if !ok {
		return tableNotFound(id)
	}
	data := table.LockForRead().Data()
	if data.StartedDeleting() {
		return nil
	}
	for _, idx := range data.Indexes {
		if err := cm.deleteTableLocked(ctx, idx.TableID); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
			return errors.Wrapf(err, "delete index %s", idx.TableID)
		}
	}

	// replicas are snapshotted while the tablets are still live
	deleted := catalog.NewDeletedTableInfo(table)

	tl := table.LockForWrite()
	defer tl.Unlock()
	meta := tl.Data()
	meta.SetState(catalog.TableDeleting, "deleted at "+time.Now().Format(time.RFC3339))

	upserts := []syscatalog.Entry{syscatalog.Table(id, meta)}
	var locks tabletLocks
	defer func() { unlockAll(locks) }()
	for _, tablet := range table.GetTablets(true) {
		l := tablet.LockForWrite()
		if l.Data().IsDeleted() {
			l.Unlock()
			continue
		}
		locks = append(locks, l)
		l.Data().SetState(catalog.TabletDeleted, "table deleted")
		upserts = append(upserts, syscatalog.Tablet(tablet.ID(), l.Data()))
	}

	action := "Drop table"
	var il *catalog.WriteLock[*catalog.PersistentTableInfo]
	if indexedID := meta.IndexedTableID(); indexedID != "" {
		action = "Drop index"
		if indexed, ok := cm.tables.Load(indexedID); ok && !indexed.LockForRead().Data().StartedDeleting() {
			il = indexed.LockForWrite()
			defer il.Unlock()
			il.Data().Indexes = slices.DeleteFunc(il.Data().Indexes, func(i catalog.IndexInfo) bool {
				return i.TableID == id
			})
			upserts = append(upserts, syscatalog.Table(indexedID, il.Data()))
		}
	}
	upserts = append(upserts, cm.ddlLogEntry(id, meta, action))

	if err := cm.sys.Upsert(ctx, upserts...); err != nil {
		return err
	}
	commitAll(locks)
	tl.Commit()
	if il != nil {
		il.Commit()
	}
	table.ClearTabletMaps(true)
	cm.tableNames.Delete(tableNameKey(meta.NamespaceID, meta.Name))
	slog.Info("deleting table", "table", table, "replicas", deleted.NumTablets())

	table.AbortTasks()
	return cm.deleteTableReplicas(ctx, table, deleted)
}

func (cm *CatalogManager) deleteTableReplicas(ctx context.Context, table *catalog.TableInfo, deleted *catalog.DeletedTableInfo) error {
	if !deleted.HasTablets() {
		return cm.finishTableDeletion(ctx, table)
	}
	pending := make(catalog.DeletedTabletMap)
	deleted.AddTabletsToMap(pending)

	cm.deletedMu.Lock()
	for key, d := range pending {
		cm.deletedTablets[key] = d
	}
	cm.deletedMu.Unlock()

	for key := range pending {
		cm.deleteReplica(table, key, "table deleted", false)
	}
	return nil
}

// finishTableDeletion moves a DELETING table to DELETED.
func (cm *CatalogManager) finishTableDeletion(ctx context.Context, table *catalog.TableInfo) error {
	l := table.LockForWrite()
	defer l.Unlock()
	if l.Data().State != catalog.TableDeleting {
		return nil
	}
	l.Data().SetState(catalog.TableDeleted, "all replicas deleted")
	if err := cm.sys.Upsert(ctx, syscatalog.Table(table.ID(), l.Data())); err != nil {
		return errors.Wrapf(err, "finish deletion of table %s", table.ID())
	}
	l.Commit()
	slog.Info("deleted table", "table", table)
	return nil
}

// StartIndexBackfill lets index indexID backfill from its indexed table. Only
// one backfill may run per indexed table, and none while it splits.
func (cm *CatalogManager) StartIndexBackfill(ctx context.Context, indexID types.TableID) error {
	return cm.setIndexPermission(ctx, indexID, catalog.IndexPermDoBackfill, func(indexed *catalog.TableInfo) error {
		if indexed.HasOutstandingSplits(true) {
			return dberrors.WithCode(
				dberrors.IllegalStatef("table %s has outstanding splits", indexed),
				dberrors.CodeSplitOrBackfillInProgress)
		}
		if err := indexed.CheckAllActiveTabletsRunning(); err != nil {
			return err
		}
		return indexed.SetIsBackfilling()
	}, func(indexed *catalog.TableInfo) { indexed.ClearIsBackfilling() })
}

// FinishIndexBackfill opens a backfilled index for reads.
func (cm *CatalogManager) FinishIndexBackfill(ctx context.Context, indexID types.TableID) error {
	return cm.setIndexPermission(ctx, indexID, catalog.IndexPermReadWriteAndDelete, func(indexed *catalog.TableInfo) error {
		if !indexed.IsBackfilling() {
			return dberrors.IllegalStatef("table %s is not backfilling", indexed)
		}
		return nil
	}, nil)
}

// setIndexPermission updates the permission of an index in both the index
// and its indexed table. before runs ahead of the write; undo reverts it
// when the write fails.
func (cm *CatalogManager) setIndexPermission(
	ctx context.Context,
	indexID types.TableID,
	perm catalog.IndexPermission,
	before func(indexed *catalog.TableInfo) error,
	undo func(indexed *catalog.TableInfo),
) error {
	cm.ddlMu.Lock()
	defer cm.ddlMu.Unlock()

	index, ok := cm.tables.Load(indexID)
	if !ok {
		return tableNotFound(indexID)
	}
	indexedID := index.LockForRead().Data().IndexedTableID()
	if indexedID == "" {
		return dberrors.InvalidArgumentf("table %s is not an index", index)
	}
	indexed, ok := cm.tables.Load(indexedID)
	if !ok || indexed.LockForRead().Data().StartedDeleting() {
		return tableNotFound(indexedID)
	}
	if err := before(indexed); err != nil {
		return err
	}

	il := index.LockForWrite()
	defer il.Unlock()
	tl := indexed.LockForWrite()
	defer tl.Unlock()

	il.Data().IndexInfo.Permission = perm
	for i := range tl.Data().Indexes {
		if tl.Data().Indexes[i].TableID == indexID {
			tl.Data().Indexes[i].Permission = perm
		}
	}
	err := cm.sys.Upsert(ctx, syscatalog.Table(indexID, il.Data()), syscatalog.Table(indexedID, tl.Data()))
	if err != nil {
		if undo != nil {
			undo(indexed)
		}
		return err
	}
	il.Commit()
	tl.Commit()
	if perm == catalog.IndexPermReadWriteAndDelete {
		indexed.ClearIsBackfilling()
	}
	slog.Info("index permission changed", "index", index, "table", indexed, "permission", perm)
	return nil
}
