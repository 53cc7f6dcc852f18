package master

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"metacat/pkg/catalog"
	"metacat/pkg/cluster"
	"metacat/pkg/dberrors"
	"metacat/pkg/listener"
	"metacat/pkg/syscatalog"
	"metacat/pkg/types"
)

// ReportedTablet is the state of one replica as seen by its tablet server.
type ReportedTablet struct {
	TabletID   types.TabletID         `json:"tablet_id"`
	State      catalog.RaftGroupState `json:"state"`
	Role       catalog.PeerRole       `json:"role"`
	MemberType catalog.MemberType     `json:"member_type"`
	// schema version applied by the replica, per table
	SchemaVersions map[types.TableID]types.SchemaVersion `json:"schema_versions,omitempty"`
	DriveInfo      *catalog.DriveInfo                    `json:"drive_info,omitempty"`
	FSDataDir      string                                `json:"fs_data_dir,omitempty"`
}

// TabletReport is a tablet server heartbeat.
type TabletReport struct {
	TServer cluster.TServerInfo `json:"tserver"`
	Tablets []ReportedTablet    `json:"tablets,omitempty"`
	// replicas the server dropped since its last report
	Removed []types.TabletID `json:"removed,omitempty"`
}

// ProcessTabletReport merges a heartbeat into the catalog. Errors of single
// tablets are collected; the rest of the report is still applied.
func (cm *CatalogManager) ProcessTabletReport(ctx context.Context, report TabletReport) error {
	if report.TServer.ID == "" {
		return dberrors.InvalidArgumentf("tablet report without a tablet server id")
	}
	ts := cm.tservers.Register(report.TServer)
	cm.metrics.IncHeartbeats()

	for _, id := range report.Removed {
		cm.ackTabletDeletion(catalog.TabletKey{TSID: ts.ID(), TabletID: id})
	}

	var errs error
	for _, rt := range report.Tablets {
		if err := cm.processReportedTablet(ctx, ts, rt); err != nil {
			slog.Warn("failed to process reported tablet",
				"ts", ts.ID(),
				"tablet_id", rt.TabletID,
				"error", err)
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "tablet %s", rt.TabletID))
		}
	}
	return errs
}

func (cm *CatalogManager) processReportedTablet(ctx context.Context, ts *cluster.TSDescriptor, rt ReportedTablet) error {
	tablet, ok := cm.tablets.Load(rt.TabletID)
	if !ok {
		slog.Warn("unknown tablet reported", "ts", ts.ID(), "tablet_id", rt.TabletID)
		return nil
	}
	meta := tablet.LockForRead().Data()
	table := tablet.Table()

	if meta.IsDeleted() {
		if meta.IsHidden() {
			// hidden split parents keep their replicas around
			tablet.UpdateReplicaLocations(cm.replicaFromReport(ts, rt))
			return nil
		}
		cm.deleteReplica(table, catalog.TabletKey{TSID: ts.ID(), TabletID: rt.TabletID}, "tablet deleted", false)
		return nil
	}

	tablet.UpdateReplicaLocations(cm.replicaFromReport(ts, rt))
	if rt.DriveInfo != nil {
		tablet.UpdateReplicaDriveInfo(ts.ID(), *rt.DriveInfo)
	}

	var altered []*catalog.TableInfo
	for tableID, version := range rt.SchemaVersions {
		if !tablet.SetReportedSchemaVersion(tableID, version) {
			continue
		}
		if t, ok := cm.tables.Load(tableID); ok {
			altered = append(altered, t)
		}
	}

	var err error
	if rt.State == catalog.ReplicaRunning && rt.Role == catalog.RoleLeader && !meta.IsRunning() {
		err = cm.markTabletRunning(ctx, tablet)
	}
	for _, t := range altered {
		cm.checkAlterDone(t)
	}
	return err
}

func (cm *CatalogManager) replicaFromReport(ts *cluster.TSDescriptor, rt ReportedTablet) catalog.TabletReplica {
	return catalog.TabletReplica{
		TSDesc:      ts,
		State:       rt.State,
		Role:        rt.Role,
		MemberType:  rt.MemberType,
		FSDataDir:   rt.FSDataDir,
		TimeUpdated: time.Now(),
	}
}

// markTabletRunning persists a tablet whose leader reported in as RUNNING.
// A running split child may complete the split of its parent.
func (cm *CatalogManager) markTabletRunning(ctx context.Context, tablet *catalog.TabletInfo) error {
	l := tablet.LockForWrite()
	defer l.Unlock()
	meta := l.Data()
	if meta.State != catalog.TabletNotStarted && meta.State != catalog.TabletBootstrapping {
		return nil
	}
	meta.SetState(catalog.TabletRunning, "tablet reported with an active leader")
	if err := cm.sys.Upsert(ctx, syscatalog.Tablet(tablet.ID(), meta)); err != nil {
		return err
	}
	parent := meta.SplitParentTabletID
	l.Commit()
	slog.Debug("tablet is running", "tablet", tablet)

	if parent == "" {
		return nil
	}
	return cm.maybeFinishSplit(ctx, parent)
}

// HeartbeatQueue hands tablet reports from request handlers to a single
// background consumer.
type HeartbeatQueue struct {
	ch       chan TabletReport
	listener *listener.Listener[TabletReport]
}

var _ listener.Job = (*HeartbeatQueue)(nil)

func NewHeartbeatQueue(cm *CatalogManager, size int) *HeartbeatQueue {
	ch := make(chan TabletReport, size)
	return &HeartbeatQueue{
		ch:       ch,
		listener: listener.New("tablet-reports", ch, cm.ProcessTabletReport),
	}
}

func (q *HeartbeatQueue) Start(ctx context.Context) { q.listener.Start(ctx) }

func (q *HeartbeatQueue) Stop() { q.listener.Stop() }

// Enqueue blocks until the report is queued or ctx is done.
func (q *HeartbeatQueue) Enqueue(ctx context.Context, report TabletReport) error {
	select {
	case q.ch <- report:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
