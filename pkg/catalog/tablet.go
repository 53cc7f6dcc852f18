package catalog

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"metacat/pkg/cluster"
	"metacat/pkg/dberrors"
	"metacat/pkg/partition"
	"metacat/pkg/types"
)

type TabletState int

const (
	TabletNotStarted TabletState = iota
	TabletBootstrapping
	TabletRunning
	TabletSplit
	TabletDeleted
)

func (s TabletState) String() string {
	switch s {
	case TabletNotStarted:
		return "NOT_STARTED"
	case TabletBootstrapping:
		return "BOOTSTRAPPING"
	case TabletRunning:
		return "RUNNING"
	case TabletSplit:
		return "SPLIT"
	case TabletDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("TabletState(%d)", int(s))
	}
}

// PersistentTabletInfo is the persisted descriptor of a tablet.
type PersistentTabletInfo struct {
	TableID             types.TableID          `json:"table_id"`
	TableIDs            []types.TableID        `json:"table_ids,omitempty"`
	State               TabletState            `json:"state"`
	StateMsg            string                 `json:"state_msg,omitempty"`
	Partition           partition.Partition    `json:"partition"`
	SplitDepth          uint32                 `json:"split_depth"`
	SplitParentTabletID types.TabletID         `json:"split_parent_tablet_id,omitempty"`
	SplitTabletIDs      []types.TabletID       `json:"split_tablet_ids,omitempty"`
	Colocated           bool                   `json:"colocated,omitempty"`
	HideTime            time.Time              `json:"hide_time,omitzero"`
	Replicas            []types.TabletServerID `json:"replicas,omitempty"`
}

func (p *PersistentTabletInfo) Clone() *PersistentTabletInfo {
	c := *p
	c.TableIDs = slices.Clone(p.TableIDs)
	c.SplitTabletIDs = slices.Clone(p.SplitTabletIDs)
	c.Replicas = slices.Clone(p.Replicas)
	return &c
}

func (p *PersistentTabletInfo) SetState(state TabletState, msg string) {
	p.State = state
	p.StateMsg = msg
}

func (p *PersistentTabletInfo) IsRunning() bool { return p.State == TabletRunning }

// IsDeleted is true once the tablet was deleted or replaced by split children.
func (p *PersistentTabletInfo) IsDeleted() bool {
	return p.State == TabletSplit || p.State == TabletDeleted
}

func (p *PersistentTabletInfo) IsHidden() bool { return !p.HideTime.IsZero() }

func (p *PersistentTabletInfo) HasSplitParent() bool { return p.SplitParentTabletID != "" }

// TabletInfo is one shard of a table. The replica map is copy-on-write: every
// update installs a new map, so a map returned to a caller never changes.
type TabletInfo struct {
	id    types.TabletID
	table *TableInfo
	meta  *VersionedRecord[*PersistentTabletInfo]

	mu                           sync.Mutex
	replicaLocations             ReplicaMap
	lastUpdateTime               time.Time
	reportedSchemaVersion        map[types.TableID]types.SchemaVersion
	leaderStepDownFailureTimes   map[types.TabletServerID]time.Time
	initialLeaderElectionProtege types.TabletServerID
}

// NewTabletInfo creates a tablet owned by table. A nil meta starts from an
// empty descriptor that the creator fills under LockForWrite.
func NewTabletInfo(table *TableInfo, id types.TabletID, meta *PersistentTabletInfo) *TabletInfo {
	if meta == nil {
		meta = &PersistentTabletInfo{}
	}
	return &TabletInfo{
		id:                         id,
		table:                      table,
		meta:                       NewVersionedRecord(meta),
		replicaLocations:           ReplicaMap{},
		lastUpdateTime:             time.Now(),
		reportedSchemaVersion:      make(map[types.TableID]types.SchemaVersion),
		leaderStepDownFailureTimes: make(map[types.TabletServerID]time.Time),
	}
}

func (t *TabletInfo) ID() types.TabletID { return t.id }

// Table is the owning table.
func (t *TabletInfo) Table() *TableInfo { return t.table }

func (t *TabletInfo) LockForRead() ReadLock[*PersistentTabletInfo] { return t.meta.LockForRead() }

func (t *TabletInfo) LockForWrite() *WriteLock[*PersistentTabletInfo] { return t.meta.LockForWrite() }

// Dirty is the in-flight descriptor if a writer holds one, else the committed one.
func (t *TabletInfo) Dirty() *PersistentTabletInfo { return t.meta.Dirty() }

func (t *TabletInfo) Colocated() bool { return t.LockForRead().Data().Colocated }

func (t *TabletInfo) checkRunning() error {
	if t.table == nil {
		return dberrors.WithCode(
			dberrors.Expiredf("tablet %s has no table", t.id), dberrors.CodeTableNotRunning)
	}
	if !t.table.IsRunning() {
		return dberrors.WithCode(
			dberrors.Expiredf("table is not running: %s", t.table.StringWithState()),
			dberrors.CodeTableNotRunning)
	}
	return nil
}

func (t *TabletInfo) leaderNotFound(replicas ReplicaMap) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	return dberrors.NotFoundf("no leader found for tablet %s with %d replicas: %s",
		t, len(replicas), replicas)
}

// GetLeader returns the server hosting the leader replica. It fails with
// Expired when the owning table is not running and NotFound otherwise.
func (t *TabletInfo) GetLeader() (*cluster.TSDescriptor, error) {
	replicas := t.ReplicaLocations()
	if r, ok := replicas.Leader(); ok {
		return r.TSDesc, nil
	}
	return nil, t.leaderNotFound(replicas)
}

func (t *TabletInfo) GetLeaderReplicaDriveInfo() (DriveInfo, error) {
	replicas := t.ReplicaLocations()
	if r, ok := replicas.Leader(); ok {
		return r.DriveInfo, nil
	}
	return DriveInfo{}, t.leaderNotFound(replicas)
}

// ReplicaLocations returns the current replica map. The map must not be modified.
func (t *TabletInfo) ReplicaLocations() ReplicaMap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replicaLocations
}

// SetReplicaLocations installs replicas as the new replica map.
func (t *TabletInfo) SetReplicaLocations(replicas ReplicaMap) {
	if replicas == nil {
		replicas = ReplicaMap{}
	}
	t.mu.Lock()
	old := t.replicaLocations
	t.replicaLocations = replicas
	t.lastUpdateTime = time.Now()
	t.mu.Unlock()

	t.reportLeaderChange(old, replicas)
}

// UpdateReplicaLocations merges replica into a copy of the replica map keyed
// by its server and installs the copy.
func (t *TabletInfo) UpdateReplicaLocations(replica TabletReplica) {
	id := replica.tsID()

	t.mu.Lock()
	old := t.replicaLocations
	next := old.clone()
	if cur, ok := next[id]; ok {
		cur.UpdateFrom(replica)
		next[id] = cur
	} else {
		next[id] = replica
	}
	t.replicaLocations = next
	t.lastUpdateTime = time.Now()
	t.mu.Unlock()

	t.reportLeaderChange(old, next)
}

// RemoveReplica drops the replica hosted on ts and reports whether there was one.
func (t *TabletInfo) RemoveReplica(ts types.TabletServerID) bool {
	t.mu.Lock()
	old := t.replicaLocations
	if _, ok := old[ts]; !ok {
		t.mu.Unlock()
		return false
	}
	next := old.clone()
	delete(next, ts)
	t.replicaLocations = next
	t.mu.Unlock()

	t.reportLeaderChange(old, next)
	return true
}

// UpdateReplicaDriveInfo replaces the drive info of the replica on ts, if any.
func (t *TabletInfo) UpdateReplicaDriveInfo(ts types.TabletServerID, info DriveInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.replicaLocations[ts]
	if !ok {
		return
	}
	next := t.replicaLocations.clone()
	cur.UpdateDriveInfo(info)
	next[ts] = cur
	t.replicaLocations = next
}

func (t *TabletInfo) reportLeaderChange(before, after ReplicaMap) {
	oldLeader, _ := before.Leader()
	newLeader, _ := after.Leader()
	if oldLeader.tsID() != newLeader.tsID() {
		slog.Info("tablet leader changed",
			"tablet_id", t.id,
			"from", oldLeader.tsID(),
			"to", newLeader.tsID())
	}
}

func (t *TabletInfo) SetLastUpdateTime(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUpdateTime = ts
}

func (t *TabletInfo) LastUpdateTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUpdateTime
}

// SetReportedSchemaVersion records the schema version a replica applied for
// tableID. Versions only move forward; it reports whether anything changed.
func (t *TabletInfo) SetReportedSchemaVersion(tableID types.TableID, version types.SchemaVersion) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.reportedSchemaVersion[tableID]
	if ok && version <= cur {
		return false
	}
	t.reportedSchemaVersion[tableID] = version
	return true
}

// ReportedSchemaVersion is 0 until a version is reported for tableID.
func (t *TabletInfo) ReportedSchemaVersion(tableID types.TableID) types.SchemaVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reportedSchemaVersion[tableID]
}

func (t *TabletInfo) SetInitialLeaderElectionProtege(ts types.TabletServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialLeaderElectionProtege = ts
}

func (t *TabletInfo) InitialLeaderElectionProtege() types.TabletServerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialLeaderElectionProtege
}

// RegisterLeaderStepDownFailure records that moving leadership to dest failed
// sinceFailure ago.
func (t *TabletInfo) RegisterLeaderStepDownFailure(dest types.TabletServerID, sinceFailure time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaderStepDownFailureTimes[dest] = time.Now().Add(-sinceFailure)
}

// GetLeaderStepDownFailureTimes drops failures older than forgetBefore and
// returns a copy of the rest.
func (t *TabletInfo) GetLeaderStepDownFailureTimes(forgetBefore time.Time) map[types.TabletServerID]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	maps.DeleteFunc(t.leaderStepDownFailureTimes, func(_ types.TabletServerID, at time.Time) bool {
		return at.Before(forgetBefore)
	})
	return maps.Clone(t.leaderStepDownFailureTimes)
}

func (t *TabletInfo) String() string {
	if t.table == nil {
		return fmt.Sprintf("%s (table MISSING)", t.id)
	}
	return fmt.Sprintf("%s (table %s)", t.id, t.table)
}
