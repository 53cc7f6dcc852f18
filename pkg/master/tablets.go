package master

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"metacat/pkg/catalog"
	"metacat/pkg/cluster"
	"metacat/pkg/dberrors"
	"metacat/pkg/partition"
	"metacat/pkg/syscatalog"
	"metacat/pkg/types"
)

// DefaultMaxReturnedLocations caps GetTableLocations when no limit is given.
const DefaultMaxReturnedLocations = 10

func (cm *CatalogManager) GetTablet(id types.TabletID) (*catalog.TabletInfo, error) {
	tablet, ok := cm.tablets.Load(id)
	if !ok {
		return nil, objectNotFound("tablet", string(id))
	}
	return tablet, nil
}

// SplitTablet cuts a running tablet in two. Both children take over the
// parent's replicas and replace it in the partition index right away. The
// parent is retired once both children run.
func (cm *CatalogManager) SplitTablet(ctx context.Context, id types.TabletID) ([]*catalog.TabletInfo, error) {
	tablet, err := cm.GetTablet(id)
	if err != nil {
		return nil, err
	}
	table := tablet.Table()
	if !table.IsRunning() {
		return nil, dberrors.WithCode(
			dberrors.IllegalStatef("table %s is not running", table.StringWithState()),
			dberrors.CodeTableNotRunning)
	}
	if table.IsBackfilling() {
		return nil, dberrors.WithCode(
			dberrors.IllegalStatef("table %s is backfilling an index", table),
			dberrors.CodeSplitOrBackfillInProgress)
	}
	hashPartitioned := table.LockForRead().Data().PartitionSchema.HashPartitioned

	l := tablet.LockForWrite()
	defer l.Unlock()
	meta := l.Data()
	if len(meta.SplitTabletIDs) > 0 {
		return nil, dberrors.AlreadyPresentf("tablet %s is already split into %v", tablet, meta.SplitTabletIDs)
	}
	if !meta.IsRunning() {
		return nil, dberrors.WithCode(
			dberrors.IllegalStatef("tablet %s is %s", tablet, meta.State), dberrors.CodeTabletNotRunning)
	}

	var left, right partition.Partition
	if hashPartitioned {
		left, right, err = partition.SplitHashPartition(meta.Partition)
	} else {
		left, right, err = partition.Split(meta.Partition, partition.MiddleKey(meta.Partition.Start, meta.Partition.End))
	}
	if err != nil {
		return nil, err
	}

	protege := types.TabletServerID("")
	if leader, err := tablet.GetLeader(); err == nil {
		protege = leader.ID()
	}

	children := make([]*catalog.TabletInfo, 0, 2)
	var locks tabletLocks
	defer func() { unlockAll(locks) }()
	upserts := make([]syscatalog.Entry, 0, 3)
	for _, p := range []partition.Partition{left, right} {
		child := catalog.NewTabletInfo(table, types.TabletID(newID()), nil)
		cl := child.LockForWrite()
		locks = append(locks, cl)

		d := cl.Data()
		d.TableID = meta.TableID
		d.TableIDs = slices.Clone(meta.TableIDs)
		d.Partition = p
		d.SplitDepth = meta.SplitDepth + 1
		d.SplitParentTabletID = tablet.ID()
		d.Colocated = meta.Colocated
		d.Replicas = slices.Clone(meta.Replicas)
		d.SetState(catalog.TabletNotStarted, fmt.Sprintf("split from %s", tablet.ID()))
		if protege != "" {
			child.SetInitialLeaderElectionProtege(protege)
		}

		meta.SplitTabletIDs = append(meta.SplitTabletIDs, child.ID())
		children = append(children, child)
		upserts = append(upserts, syscatalog.Tablet(child.ID(), d))
	}
	upserts = append(upserts, syscatalog.Tablet(tablet.ID(), meta))

	if err := cm.sys.Upsert(ctx, upserts...); err != nil {
		return nil, err
	}
	table.AddTablets(children)
	commitAll(locks)
	l.Commit()

	for _, child := range children {
		cm.tablets.Store(child.ID(), child)
	}
	slog.Info("splitting tablet",
		"tablet", tablet,
		"left", children[0].ID(), "left_partition", left,
		"right", children[1].ID(), "right_partition", right)
	return children, nil
}

// AddStatusTablet grows a transaction status table by one tablet. The first
// tablet whose hash range can be halved keeps the lower half; the new tablet
// takes the upper half and starts on the same servers.
func (cm *CatalogManager) AddStatusTablet(ctx context.Context, tableID types.TableID) (*catalog.TabletInfo, error) {
	table, err := cm.GetTable(tableID)
	if err != nil {
		return nil, err
	}
	data := table.LockForRead().Data()
	if data.TableType != catalog.TransactionStatusTableType {
		return nil, dberrors.InvalidArgumentf("table %s is not a transaction status table", table)
	}
	if !data.IsRunning() {
		return nil, dberrors.WithCode(
			dberrors.IllegalStatef("table %s is not running", table.StringWithState()),
			dberrors.CodeTableNotRunning)
	}

	split, err := table.FindSplittableHashPartitionForStatusTable()
	if err != nil {
		return nil, err
	}
	old := split.Tablet

	l := old.LockForWrite()
	defer l.Unlock()
	meta := l.Data()
	if meta.IsDeleted() || meta.IsHidden() || len(meta.SplitTabletIDs) > 0 {
		return nil, dberrors.Abortedf("tablet %s changed while adding a status tablet", old)
	}
	left, right, err := partition.SplitHashPartition(meta.Partition)
	if err != nil {
		return nil, err
	}

	added := catalog.NewTabletInfo(table, types.TabletID(newID()), nil)
	al := added.LockForWrite()
	defer al.Unlock()
	d := al.Data()
	d.TableID = meta.TableID
	d.TableIDs = slices.Clone(meta.TableIDs)
	d.Partition = right
	d.SplitDepth = meta.SplitDepth
	d.Replicas = slices.Clone(meta.Replicas)
	d.SetState(catalog.TabletNotStarted, fmt.Sprintf("cut from %s", old.ID()))

	meta.Partition = left
	if err := cm.sys.Upsert(ctx, syscatalog.Tablet(added.ID(), d), syscatalog.Tablet(old.ID(), meta)); err != nil {
		return nil, err
	}
	table.AddStatusTabletViaSplitPartition(l, left, added)
	al.Commit()
	l.Commit()

	cm.tablets.Store(added.ID(), added)
	slog.Info("added status tablet",
		"table", table,
		"tablet", added.ID(), "partition", right,
		"shrunk_tablet", old.ID(), "shrunk_partition", left)
	return added, nil
}

// maybeFinishSplit retires a split parent once both children run. The parent
// is either hidden or has its replicas deleted.
func (cm *CatalogManager) maybeFinishSplit(ctx context.Context, parentID types.TabletID) error {
	parent, ok := cm.tablets.Load(parentID)
	if !ok {
		return nil
	}
	l := parent.LockForWrite()
	defer l.Unlock()
	meta := l.Data()
	if meta.IsDeleted() || len(meta.SplitTabletIDs) == 0 {
		return nil
	}
	for _, id := range meta.SplitTabletIDs {
		child, ok := cm.tablets.Load(id)
		if !ok || !child.LockForRead().Data().IsRunning() {
			return nil
		}
	}

	retain := cm.cfg.RetainSplitParentsHidden
	meta.SetState(catalog.TabletSplit, fmt.Sprintf("split into %v", meta.SplitTabletIDs))
	if retain {
		meta.HideTime = time.Now()
	}
	if err := cm.sys.Upsert(ctx, syscatalog.Tablet(parentID, meta)); err != nil {
		return err
	}
	l.Commit()

	table := parent.Table()
	table.RemoveTablet(parentID, true)
	slog.Info("tablet split done", "tablet", parent, "hidden", retain)
	if retain {
		return nil
	}
	for ts := range parent.ReplicaLocations() {
		cm.deleteReplica(table, catalog.TabletKey{TSID: ts, TabletID: parentID}, "tablet split", false)
	}
	return nil
}

type ReplicaLocation struct {
	TServerID  types.TabletServerID `json:"ts_id"`
	RPCAddr    string               `json:"rpc_addr"`
	Role       string               `json:"role"`
	MemberType string               `json:"member_type"`
	State      string               `json:"state"`
	Stale      bool                 `json:"stale,omitempty"`
}

type TabletLocations struct {
	TabletID            types.TabletID      `json:"tablet_id"`
	Partition           partition.Partition `json:"partition"`
	State               string              `json:"state"`
	SplitDepth          uint32              `json:"split_depth"`
	SplitParentTabletID types.TabletID      `json:"split_parent_tablet_id,omitempty"`
	Hidden              bool                `json:"hidden,omitempty"`
	Replicas            []ReplicaLocation   `json:"replicas"`
}

type TableLocations struct {
	TableID   types.TableID       `json:"table_id"`
	TableType string              `json:"table_type"`
	Version   types.SchemaVersion `json:"version"`
	Tablets   []TabletLocations   `json:"tablets"`
}

// GetTableLocations lists the tablets of a table covering [start, end],
// where an empty bound is open. Inactive tablets, such as split parents, are
// included on request. At most maxReturned tablets are listed.
func (cm *CatalogManager) GetTableLocations(
	id types.TableID, start, end string, maxReturned int, includeInactive bool,
) (TableLocations, error) {
	table, err := cm.GetTable(id)
	if err != nil {
		return TableLocations{}, err
	}
	data := table.LockForRead().Data()
	if data.StartedDeleting() {
		return TableLocations{}, tableNotFound(id)
	}
	if end != "" && start > end {
		return TableLocations{}, dberrors.InvalidArgumentf("start key is after end key")
	}
	if maxReturned <= 0 {
		maxReturned = DefaultMaxReturnedLocations
	}

	var tablets []*catalog.TabletInfo
	if includeInactive {
		tablets = table.GetInactiveTabletsInRange(start, end, maxReturned)
	} else {
		tablets = table.GetTabletsInRange(start, end, maxReturned)
	}

	out := TableLocations{
		TableID:   id,
		TableType: data.TableType.String(),
		Version:   data.Version,
		Tablets:   make([]TabletLocations, 0, len(tablets)),
	}
	for _, tablet := range tablets {
		out.Tablets = append(out.Tablets, cm.tabletLocations(tablet))
	}
	return out, nil
}

func (cm *CatalogManager) tabletLocations(tablet *catalog.TabletInfo) TabletLocations {
	meta := tablet.LockForRead().Data()
	replicas := tablet.ReplicaLocations()
	loc := TabletLocations{
		TabletID:            tablet.ID(),
		Partition:           meta.Partition,
		State:               meta.State.String(),
		SplitDepth:          meta.SplitDepth,
		SplitParentTabletID: meta.SplitParentTabletID,
		Hidden:              meta.IsHidden(),
		Replicas:            make([]ReplicaLocation, 0, len(replicas)),
	}
	for id, r := range replicas {
		rpcAddr := ""
		if r.TSDesc != nil {
			rpcAddr = r.TSDesc.Info().RPCAddr
		}
		loc.Replicas = append(loc.Replicas, ReplicaLocation{
			TServerID:  id,
			RPCAddr:    rpcAddr,
			Role:       r.Role.String(),
			MemberType: r.MemberType.String(),
			State:      r.State.String(),
			Stale:      r.IsStale(cm.cfg.TServerUnresponsiveTimeout),
		})
	}
	slices.SortFunc(loc.Replicas, func(a, b ReplicaLocation) int {
		return cmp.Compare(a.TServerID, b.TServerID)
	})
	return loc
}

// GetTabletLeader returns the server hosting the leader of a tablet.
func (cm *CatalogManager) GetTabletLeader(id types.TabletID) (*cluster.TSDescriptor, error) {
	tablet, err := cm.GetTablet(id)
	if err != nil {
		return nil, err
	}
	return tablet.GetLeader()
}

// StepDownLeader asks the leader of a tablet to hand leadership over, to
// newLeader when it is set. A recent failed attempt to the same destination
// rejects the request.
func (cm *CatalogManager) StepDownLeader(id types.TabletID, newLeader types.TabletServerID) error {
	tablet, err := cm.GetTablet(id)
	if err != nil {
		return err
	}
	leader, err := tablet.GetLeader()
	if err != nil {
		return err
	}
	if newLeader != "" {
		if _, ok := tablet.ReplicaLocations()[newLeader]; !ok {
			return dberrors.InvalidArgumentf("tablet %s has no replica on %s", tablet, newLeader)
		}
		forgetBefore := time.Now().Add(-cm.cfg.LeaderStepDownFailureTTL)
		if at, ok := tablet.GetLeaderStepDownFailureTimes(forgetBefore)[newLeader]; ok {
			return dberrors.IllegalStatef("leader step down of tablet %s to %s failed %s ago",
				tablet, newLeader, time.Since(at).Round(time.Millisecond))
		}
	}

	task := cm.newTabletTask(tablet.Table(), catalog.TaskLeaderStepDown, id)
	task.startedByLB = true
	task.target = func() (*cluster.TSDescriptor, error) { return leader, nil }
	task.rpc = func(ctx context.Context, ts *cluster.TSDescriptor) error {
		return cm.client.LeaderStepDown(ctx, ts, id, cluster.LeaderStepDownRequest{NewLeader: newLeader})
	}
	task.onFailure = func(error) {
		if newLeader != "" {
			tablet.RegisterLeaderStepDownFailure(newLeader, 0)
		}
	}
	task.start()
	return nil
}

// RecordLeaderStepDownFailure remembers that moving the leader of a tablet
// to dest failed sinceFailure ago.
func (cm *CatalogManager) RecordLeaderStepDownFailure(id types.TabletID, dest types.TabletServerID, sinceFailure time.Duration) error {
	tablet, err := cm.GetTablet(id)
	if err != nil {
		return err
	}
	tablet.RegisterLeaderStepDownFailure(dest, sinceFailure)
	return nil
}

// deleteReplica asks a tablet server to drop its replica. At most one
// request per replica is in flight.
func (cm *CatalogManager) deleteReplica(table *catalog.TableInfo, key catalog.TabletKey, reason string, hide bool) {
	cm.deletedMu.Lock()
	if _, ok := cm.inflightDeletes[key]; ok {
		cm.deletedMu.Unlock()
		return
	}
	cm.inflightDeletes[key] = struct{}{}
	cm.deletedMu.Unlock()

	release := func() {
		cm.deletedMu.Lock()
		delete(cm.inflightDeletes, key)
		cm.deletedMu.Unlock()
	}

	task := cm.newTabletTask(table, catalog.TaskDeleteReplica, key.TabletID)
	task.target = cm.server(key.TSID)
	task.rpc = func(ctx context.Context, ts *cluster.TSDescriptor) error {
		return cm.client.DeleteTablet(ctx, ts, key.TabletID, cluster.DeleteTabletRequest{Reason: reason, Hide: hide})
	}
	task.onSuccess = func(*cluster.TSDescriptor) {
		release()
		cm.ackTabletDeletion(key)
	}
	task.onFailure = func(error) { release() }
	task.start()
}

// ackTabletDeletion records that a replica is gone. The last acknowledged
// replica of a deleted table finishes the deletion.
func (cm *CatalogManager) ackTabletDeletion(key catalog.TabletKey) {
	cm.deletedMu.Lock()
	deleted, ok := cm.deletedTablets[key]
	if ok {
		delete(cm.deletedTablets, key)
		deleted.DeleteTablet(key)
	}
	cm.deletedMu.Unlock()

	if tablet, found := cm.tablets.Load(key.TabletID); found {
		tablet.RemoveReplica(key.TSID)
	}
	if !ok || deleted.HasTablets() {
		return
	}
	table, found := cm.tables.Load(deleted.TableID())
	if !found {
		return
	}
	if err := cm.finishTableDeletion(cm.tasksCtx, table); err != nil {
		slog.Warn("failed to finish table deletion", "table", table, "error", err)
	}
}
