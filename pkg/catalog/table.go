package catalog

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"golang.org/x/time/rate"

	"metacat/pkg/dberrors"
	"metacat/pkg/partition"
	"metacat/pkg/types"
)

type TableState int

const (
	TablePreparing TableState = iota
	TableRunning
	TableAltering
	TableDeleting
	TableDeleted
)

func (s TableState) String() string {
	switch s {
	case TablePreparing:
		return "PREPARING"
	case TableRunning:
		return "RUNNING"
	case TableAltering:
		return "ALTERING"
	case TableDeleting:
		return "DELETING"
	case TableDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("TableState(%d)", int(s))
	}
}

type TableType int

const (
	YQLTableType TableType = iota
	PGSQLTableType
	RedisTableType
	TransactionStatusTableType
)

func (t TableType) String() string {
	switch t {
	case YQLTableType:
		return "YQL_TABLE_TYPE"
	case PGSQLTableType:
		return "PGSQL_TABLE_TYPE"
	case RedisTableType:
		return "REDIS_TABLE_TYPE"
	case TransactionStatusTableType:
		return "TRANSACTION_STATUS_TABLE_TYPE"
	default:
		return fmt.Sprintf("TableType(%d)", int(t))
	}
}

const (
	colocationParentTableSuffix = ".colocation.parent.uuid"
	tablegroupParentTableSuffix = ".tablegroup.parent.uuid"
)

type ColumnSchema struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	IsHashKey  bool   `json:"is_hash_key,omitempty"`
	IsRangeKey bool   `json:"is_range_key,omitempty"`
	Nullable   bool   `json:"nullable,omitempty"`
}

type Schema struct {
	Columns []ColumnSchema `json:"columns"`
}

func (s Schema) Clone() Schema {
	return Schema{Columns: slices.Clone(s.Columns)}
}

// Validate checks that the schema has uniquely named columns and a key.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return dberrors.WithCode(dberrors.InvalidArgumentf("schema has no columns"), dberrors.CodeInvalidSchema)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	hasKey := false
	for _, c := range s.Columns {
		if c.Name == "" {
			return dberrors.WithCode(dberrors.InvalidArgumentf("column without a name"), dberrors.CodeInvalidSchema)
		}
		if _, ok := seen[c.Name]; ok {
			return dberrors.WithCode(dberrors.InvalidArgumentf("duplicate column %q", c.Name), dberrors.CodeInvalidSchema)
		}
		seen[c.Name] = struct{}{}
		hasKey = hasKey || c.IsHashKey || c.IsRangeKey
	}
	if !hasKey {
		return dberrors.WithCode(dberrors.InvalidArgumentf("schema has no key column"), dberrors.CodeInvalidSchema)
	}
	return nil
}

// IndexPermission tracks how far an index is through its backfill.
type IndexPermission int

const (
	IndexPermDeleteOnly IndexPermission = iota
	IndexPermWriteAndDelete
	IndexPermDoBackfill
	IndexPermReadWriteAndDelete
)

type IndexInfo struct {
	TableID        types.TableID   `json:"table_id"`
	IndexedTableID types.TableID   `json:"indexed_table_id"`
	Columns        []string        `json:"columns"`
	IsLocal        bool            `json:"is_local,omitempty"`
	IsUnique       bool            `json:"is_unique,omitempty"`
	Permission     IndexPermission `json:"permission"`
}

func (i IndexInfo) Clone() IndexInfo {
	i.Columns = slices.Clone(i.Columns)
	return i
}

type PartitionSchema struct {
	HashPartitioned bool `json:"hash_partitioned"`
}

// PersistentTableInfo is the persisted descriptor of a table.
type PersistentTableInfo struct {
	Name            string              `json:"name"`
	NamespaceID     types.NamespaceID   `json:"namespace_id"`
	NamespaceName   string              `json:"namespace_name"`
	TableType       TableType           `json:"table_type"`
	State           TableState          `json:"state"`
	StateMsg        string              `json:"state_msg,omitempty"`
	Schema          Schema              `json:"schema"`
	Version         types.SchemaVersion `json:"version"`
	PartitionSchema PartitionSchema     `json:"partition_schema"`
	IndexInfo       *IndexInfo          `json:"index_info,omitempty"`
	Indexes         []IndexInfo         `json:"indexes,omitempty"`
	Colocated       bool                `json:"colocated,omitempty"`
	ColocationID    uint32              `json:"colocation_id,omitempty"`
	TablespaceID    types.TablespaceID  `json:"tablespace_id,omitempty"`
}

func (p *PersistentTableInfo) Clone() *PersistentTableInfo {
	c := *p
	c.Schema = p.Schema.Clone()
	if p.IndexInfo != nil {
		ii := p.IndexInfo.Clone()
		c.IndexInfo = &ii
	}
	if p.Indexes != nil {
		c.Indexes = make([]IndexInfo, len(p.Indexes))
		for i, idx := range p.Indexes {
			c.Indexes[i] = idx.Clone()
		}
	}
	return &c
}

func (p *PersistentTableInfo) SetState(state TableState, msg string) {
	slog.Debug("setting table state", "table", p.Name, "state", state, "reason", msg)
	p.State = state
	p.StateMsg = msg
}

func (p *PersistentTableInfo) IsRunning() bool {
	return p.State == TableRunning || p.State == TableAltering
}

func (p *PersistentTableInfo) IsDeleted() bool { return p.State == TableDeleted }

func (p *PersistentTableInfo) StartedDeleting() bool {
	return p.State == TableDeleting || p.State == TableDeleted
}

func (p *PersistentTableInfo) IsIndex() bool { return p.IndexInfo != nil }

func (p *PersistentTableInfo) IndexedTableID() types.TableID {
	if p.IndexInfo == nil {
		return ""
	}
	return p.IndexInfo.IndexedTableID
}

type partitionEntry struct {
	key    string
	tablet *TabletInfo
}

func partitionEntryLess(a, b partitionEntry) bool { return a.key < b.key }

// TableInfo is one table. Besides its versioned descriptor it owns the set of
// its tablets and an ordered index of the active ones by partition start.
// Both are guarded by the table's own lock, never by the tablets' locks.
type TableInfo struct {
	id           types.TableID
	colocated    bool
	meta         *VersionedRecord[*PersistentTableInfo]
	tasksTracker *TasksTracker

	mu sync.RWMutex
	// all tablets, including hidden and split parents
	tablets map[types.TabletID]*TabletInfo
	// active tablets keyed by partition start; a subset of tablets
	partitions   *btree.BTreeG[partitionEntry]
	pendingTasks map[MonitoredTask]struct{}
	// closed whenever pendingTasks is empty
	tasksDrained            chan struct{}
	closing                 bool
	isBackfilling           bool
	createTableErr          error
	tablespaceIDForCreation types.TablespaceID

	// rate limits split progress logging
	splitLog *rate.Sometimes
}

// NewTableInfo creates a table with an empty descriptor. The creator fills it
// under LockForWrite. tracker may be nil.
func NewTableInfo(id types.TableID, colocated bool, tracker *TasksTracker) *TableInfo {
	return newTableInfo(id, colocated, tracker, &PersistentTableInfo{})
}

// NewTableInfoFromPersistent recreates a table from its persisted descriptor.
func NewTableInfoFromPersistent(id types.TableID, meta *PersistentTableInfo, tracker *TasksTracker) *TableInfo {
	return newTableInfo(id, meta.Colocated, tracker, meta)
}

func newTableInfo(id types.TableID, colocated bool, tracker *TasksTracker, meta *PersistentTableInfo) *TableInfo {
	drained := make(chan struct{})
	close(drained)
	return &TableInfo{
		id:           id,
		colocated:    colocated,
		meta:         NewVersionedRecord(meta),
		tasksTracker: tracker,
		tablets:      make(map[types.TabletID]*TabletInfo),
		partitions:   btree.NewBTreeGOptions(partitionEntryLess, btree.Options{NoLocks: true}),
		pendingTasks: make(map[MonitoredTask]struct{}),
		tasksDrained: drained,
		splitLog:     &rate.Sometimes{Interval: 10 * time.Second},
	}
}

func (t *TableInfo) ID() types.TableID { return t.id }

func (t *TableInfo) Colocated() bool { return t.colocated }

func (t *TableInfo) LockForRead() ReadLock[*PersistentTableInfo] { return t.meta.LockForRead() }

func (t *TableInfo) LockForWrite() *WriteLock[*PersistentTableInfo] { return t.meta.LockForWrite() }

func (t *TableInfo) Dirty() *PersistentTableInfo { return t.meta.Dirty() }

func (t *TableInfo) Name() string { return t.LockForRead().Data().Name }

func (t *TableInfo) NamespaceID() types.NamespaceID { return t.LockForRead().Data().NamespaceID }

func (t *TableInfo) NamespaceName() string { return t.LockForRead().Data().NamespaceName }

func (t *TableInfo) IsRunning() bool { return t.LockForRead().Data().IsRunning() }

func (t *TableInfo) IsDeleted() bool { return t.LockForRead().Data().IsDeleted() }

func (t *TableInfo) TableType() TableType { return t.LockForRead().Data().TableType }

func (t *TableInfo) Schema() Schema { return t.LockForRead().Data().Schema.Clone() }

func (t *TableInfo) ColocationID() uint32 { return t.LockForRead().Data().ColocationID }

func (t *TableInfo) IsColocationParentTable() bool {
	return strings.HasSuffix(string(t.id), colocationParentTableSuffix)
}

func (t *TableInfo) IsTablegroupParentTable() bool {
	return strings.HasSuffix(string(t.id), tablegroupParentTableSuffix)
}

func (t *TableInfo) IsColocatedUserTable() bool {
	return t.colocated && !t.IsColocationParentTable() && !t.IsTablegroupParentTable()
}

func (t *TableInfo) String() string {
	return fmt.Sprintf("%s [id=%s]", t.Name(), t.id)
}

func (t *TableInfo) StringWithState() string {
	data := t.LockForRead().Data()
	return fmt.Sprintf("%s [id=%s, state=%s]", data.Name, t.id, data.State)
}

// AddTablet registers tablet and, unless it is hidden, puts it into the
// partition index. Deleted tablets are ignored unless they are hidden.
func (t *TableInfo) AddTablet(tablet *TabletInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addTabletUnlocked(tablet)
}

func (t *TableInfo) AddTablets(tablets []*TabletInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tablet := range tablets {
		t.addTabletUnlocked(tablet)
	}
}

// ReplaceTablet takes old out of the partition index, if it still holds its
// slot, and adds replacement.
func (t *TableInfo) ReplaceTablet(old, replacement *TabletInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deactivateUnlocked(old)
	t.addTabletUnlocked(replacement)
}

func (t *TableInfo) addTabletUnlocked(tablet *TabletInfo) {
	dirty := tablet.Dirty()
	// hidden tablets stay with the table until they are garbage collected,
	// split parents among them
	if dirty.IsHidden() {
		t.tablets[tablet.ID()] = tablet
		return
	}
	if dirty.IsDeleted() {
		return
	}
	t.tablets[tablet.ID()] = tablet

	key := dirty.Partition.Start
	cur, ok := t.partitions.Get(partitionEntry{key: key})
	if !ok {
		t.partitions.Set(partitionEntry{key: key, tablet: tablet})
		return
	}
	if cur.tablet == tablet {
		return
	}

	old := cur.tablet.LockForRead().Data()
	if dirty.SplitDepth > old.SplitDepth || old.IsDeleted() {
		slog.Debug("replacing tablet in partition index",
			"table_id", t.id,
			"old_tablet", cur.tablet.ID(), "old_split_depth", old.SplitDepth,
			"new_tablet", tablet.ID(), "new_split_depth", dirty.SplitDepth)
		t.partitions.Set(partitionEntry{key: key, tablet: tablet})
		return
	}

	if dirty.SplitDepth == old.SplitDepth {
		slog.Error("two tablets with the same partition key start and split depth",
			"table_id", t.id,
			"partition_key_start", fmt.Sprintf("%X", key),
			"split_depth", old.SplitDepth,
			"kept_tablet", cur.tablet.ID(),
			"ignored_tablet", tablet.ID())
	}
}

// deactivateUnlocked drops tablet from the partition index if it owns its slot.
func (t *TableInfo) deactivateUnlocked(tablet *TabletInfo) bool {
	key := partitionEntry{key: tablet.Dirty().Partition.Start}
	cur, ok := t.partitions.Get(key)
	if !ok || cur.tablet != tablet {
		return false
	}
	t.partitions.Delete(key)
	return true
}

// RemoveTablet takes the tablet out of the partition index and, unless
// deactivateOnly, out of the table. It reports whether the tablet held a
// partition slot.
func (t *TableInfo) RemoveTablet(id types.TabletID, deactivateOnly bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeTabletUnlocked(id, deactivateOnly)
}

// RemoveTablets reports whether every tablet held a partition slot.
func (t *TableInfo) RemoveTablets(tablets []*TabletInfo, deactivateOnly bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := true
	for _, tablet := range tablets {
		if !t.removeTabletUnlocked(tablet.ID(), deactivateOnly) {
			all = false
		}
	}
	return all
}

func (t *TableInfo) removeTabletUnlocked(id types.TabletID, deactivateOnly bool) bool {
	tablet, ok := t.tablets[id]
	if !ok {
		return false
	}
	removed := t.deactivateUnlocked(tablet)
	if !deactivateOnly {
		delete(t.tablets, id)
	}
	return removed
}

// ClearTabletMaps empties the partition index and, unless deactivateOnly, the tablet set.
func (t *TableInfo) ClearTabletMaps(deactivateOnly bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions.Clear()
	if !deactivateOnly {
		clear(t.tablets)
	}
}

// GetTabletsInRange returns active tablets in key order, starting with the one
// whose partition contains start and ending with the last one starting at or
// before end. Empty start or end is open. At most maxReturned tablets are returned.
func (t *TableInfo) GetTabletsInRange(start, end string, maxReturned int) []*TabletInfo {
	if maxReturned <= 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	from := ""
	if start != "" {
		t.partitions.Descend(partitionEntry{key: start}, func(e partitionEntry) bool {
			from = e.key
			return false
		})
	}

	out := make([]*TabletInfo, 0, min(maxReturned, t.partitions.Len()))
	t.partitions.Ascend(partitionEntry{key: from}, func(e partitionEntry) bool {
		if end != "" && e.key > end {
			return false
		}
		out = append(out, e.tablet)
		return len(out) < maxReturned
	})
	return out
}

// GetInactiveTabletsInRange scans every tablet of the table, active or not,
// and returns those overlapping the range, ordered by partition start, split
// depth and id. At most maxReturned tablets are returned.
func (t *TableInfo) GetInactiveTabletsInRange(start, end string, maxReturned int) []*TabletInfo {
	if maxReturned <= 0 {
		return nil
	}
	type candidate struct {
		tablet *TabletInfo
		meta   *PersistentTabletInfo
	}

	t.mu.RLock()
	found := make([]candidate, 0, len(t.tablets))
	for _, tablet := range t.tablets {
		meta := tablet.Dirty()
		if meta.Partition.Overlaps(start, end) {
			found = append(found, candidate{tablet: tablet, meta: meta})
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(found, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.meta.Partition.Start, b.meta.Partition.Start),
			cmp.Compare(a.meta.SplitDepth, b.meta.SplitDepth),
			cmp.Compare(a.tablet.ID(), b.tablet.ID()),
		)
	})

	out := make([]*TabletInfo, 0, min(maxReturned, len(found)))
	for _, c := range found[:min(maxReturned, len(found))] {
		out = append(out, c.tablet)
	}
	return out
}

// GetTablets returns the active tablets in key order, or every tablet of the
// table ordered by id when includeInactive is set.
func (t *TableInfo) GetTablets(includeInactive bool) []*TabletInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if includeInactive {
		ids := slices.Sorted(maps.Keys(t.tablets))
		out := make([]*TabletInfo, 0, len(ids))
		for _, id := range ids {
			out = append(out, t.tablets[id])
		}
		return out
	}
	out := make([]*TabletInfo, 0, t.partitions.Len())
	t.partitions.Scan(func(e partitionEntry) bool {
		out = append(out, e.tablet)
		return true
	})
	return out
}

func (t *TableInfo) NumPartitions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitions.Len()
}

// HasPartitions reports whether the partition index starts exactly at keys, in order.
func (t *TableInfo) HasPartitions(keys []string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.partitions.Len() != len(keys) {
		return false
	}
	i := 0
	match := true
	t.partitions.Scan(func(e partitionEntry) bool {
		if e.key != keys[i] {
			match = false
			return false
		}
		i++
		return true
	})
	return match
}

// IsAlterInProgress is true while any active tablet reported a schema version
// older than version. Reports may be stale; callers poll.
func (t *TableInfo) IsAlterInProgress(version types.SchemaVersion) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inProgress := false
	t.partitions.Scan(func(e partitionEntry) bool {
		if reported := e.tablet.ReportedSchemaVersion(t.id); reported < version {
			slog.Debug("alter in progress",
				"table_id", t.id, "tablet_id", e.tablet.ID(),
				"reported_version", reported, "expected_version", version)
			inProgress = true
			return false
		}
		return true
	})
	return inProgress
}

func (t *TableInfo) AreAllTabletsHidden() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tablet := range t.tablets {
		if !tablet.LockForRead().Data().IsHidden() {
			return false
		}
	}
	return true
}

func (t *TableInfo) AreAllTabletsDeleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tablet := range t.tablets {
		if !tablet.LockForRead().Data().IsDeleted() {
			return false
		}
	}
	return true
}

// CheckAllActiveTabletsRunning fails with IllegalState when an active tablet
// is not running yet.
func (t *TableInfo) CheckAllActiveTabletsRunning() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var err error
	t.partitions.Scan(func(e partitionEntry) bool {
		if e.tablet.LockForRead().Data().State != TabletRunning {
			err = dberrors.WithCode(
				dberrors.IllegalStatef("found tablet that is not running, table_id: %s, tablet_id: %s", t.id, e.tablet.ID()),
				dberrors.CodeSplitOrBackfillInProgress)
			return false
		}
		return true
	})
	return err
}

// IsCreateInProgress is true while an original (never split) active tablet is
// not running.
func (t *TableInfo) IsCreateInProgress() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inProgress := false
	t.partitions.Scan(func(e partitionEntry) bool {
		data := e.tablet.LockForRead().Data()
		if !data.IsRunning() && data.SplitDepth == 0 {
			inProgress = true
			return false
		}
		return true
	})
	return inProgress
}

// HasOutstandingSplits is true while an active split child is not running or,
// if waitForParentDeletion, while a superseded tablet is neither deleted nor hidden.
func (t *TableInfo) HasOutstandingSplits(waitForParentDeletion bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := make(map[types.TabletID]struct{}, t.partitions.Len())
	var notRunning *TabletInfo
	t.partitions.Scan(func(e partitionEntry) bool {
		data := e.tablet.LockForRead().Data()
		if data.HasSplitParent() && !data.IsRunning() {
			notRunning = e.tablet
			return false
		}
		active[e.tablet.ID()] = struct{}{}
		return true
	})
	if notRunning != nil {
		t.splitLog.Do(func() {
			slog.Info("tablet splitting: child tablet is not yet running",
				"table_id", t.id, "tablet_id", notRunning.ID())
		})
		return true
	}
	if !waitForParentDeletion {
		return false
	}

	for id, tablet := range t.tablets {
		if _, ok := active[id]; ok {
			continue
		}
		data := tablet.LockForRead().Data()
		if !data.IsDeleted() && !data.IsHidden() {
			t.splitLog.Do(func() {
				slog.Info("tablet splitting: parent tablet is not yet deleted or hidden",
					"table_id", t.id, "tablet_id", id)
			})
			return true
		}
	}
	return false
}

// SetIsBackfilling fails with AlreadyPresent when a backfill already runs.
func (t *TableInfo) SetIsBackfilling() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isBackfilling {
		return dberrors.WithCode(
			dberrors.AlreadyPresentf("backfill already in progress for table %s", t.id),
			dberrors.CodeSplitOrBackfillInProgress)
	}
	t.isBackfilling = true
	return nil
}

func (t *TableInfo) ClearIsBackfilling() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isBackfilling = false
}

func (t *TableInfo) IsBackfilling() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isBackfilling
}

func (t *TableInfo) SetCreateTableErrorStatus(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.createTableErr = err
}

func (t *TableInfo) CreateTableErrorStatus() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.createTableErr
}

func (t *TableInfo) TablespaceIDForTableCreation() types.TablespaceID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tablespaceIDForCreation
}

func (t *TableInfo) SetTablespaceIDForTableCreation(id types.TablespaceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tablespaceIDForCreation = id
}

// GetColocatedUserTablet returns the shared tablet of a colocated user table.
func (t *TableInfo) GetColocatedUserTablet() (*TabletInfo, bool) {
	if !t.IsColocatedUserTable() {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.tablets) == 0 {
		slog.Info("colocated tablet not found", "table_id", t.id)
		return nil, false
	}
	first := slices.Min(slices.Collect(maps.Keys(t.tablets)))
	return t.tablets[first], true
}

// GetIndexInfo returns the descriptor of index indexID of this table.
func (t *TableInfo) GetIndexInfo(indexID types.TableID) (IndexInfo, bool) {
	for _, idx := range t.LockForRead().Data().Indexes {
		if idx.TableID == indexID {
			return idx.Clone(), true
		}
	}
	return IndexInfo{}, false
}

// TabletWithSplitPartitions is a status tablet whose hash range can be halved.
type TabletWithSplitPartitions struct {
	Tablet *TabletInfo
	Left   partition.Partition
	Right  partition.Partition
}

// FindSplittableHashPartitionForStatusTable returns the first active tablet
// whose hash range can be halved.
func (t *TableInfo) FindSplittableHashPartitionForStatusTable() (TabletWithSplitPartitions, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var res TabletWithSplitPartitions
	found := false
	t.partitions.Scan(func(e partitionEntry) bool {
		left, right, err := partition.SplitHashPartition(e.tablet.LockForRead().Data().Partition)
		if err != nil {
			return true
		}
		res = TabletWithSplitPartitions{Tablet: e.tablet, Left: left, Right: right}
		found = true
		return false
	})
	if !found {
		return res, dberrors.NotFoundf("table %s has no splittable hash partition", t.id)
	}
	return res, nil
}

// AddStatusTabletViaSplitPartition shrinks the tablet held by oldLock to p
// and registers replacement for the rest of its former range. The caller
// holds the write locks of both tablets, persists them first and commits
// afterwards.
func (t *TableInfo) AddStatusTabletViaSplitPartition(oldLock *WriteLock[*PersistentTabletInfo], p partition.Partition, replacement *TabletInfo) {
	oldLock.Data().Partition = p

	dirty := replacement.Dirty()
	if dirty.IsDeleted() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tablets[replacement.ID()] = replacement
	if !dirty.IsHidden() {
		t.partitions.Set(partitionEntry{key: dirty.Partition.Start, tablet: replacement})
	}
}
