package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metacat/pkg/dberrors"
	"metacat/pkg/types"
)

func TestTabletReplicaLocationsCopyOnWrite(t *testing.T) {
	table := newTestTable(t, "t1", TableRunning)
	tablet := newTestTablet(table, "tablet-1", "", "", 0)
	tsA, tsB := newTS("ts-a"), newTS("ts-b")

	tablet.UpdateReplicaLocations(TabletReplica{TSDesc: tsA, Role: RoleFollower, State: ReplicaRunning})
	snapshot := tablet.ReplicaLocations()
	require.Len(t, snapshot, 1)

	tablet.UpdateReplicaLocations(TabletReplica{TSDesc: tsA, Role: RoleLeader, State: ReplicaRunning})
	tablet.UpdateReplicaLocations(TabletReplica{TSDesc: tsB, Role: RoleFollower})

	// the snapshot taken before the updates is unchanged
	require.Len(t, snapshot, 1)
	require.Equal(t, RoleFollower, snapshot["ts-a"].Role)

	current := tablet.ReplicaLocations()
	require.Len(t, current, 2)
	require.Equal(t, RoleLeader, current["ts-a"].Role)

	tablet.UpdateReplicaDriveInfo("ts-a", DriveInfo{SSTFilesSize: 42})
	require.Equal(t, uint64(0), current["ts-a"].DriveInfo.SSTFilesSize)
	require.Equal(t, uint64(42), tablet.ReplicaLocations()["ts-a"].DriveInfo.SSTFilesSize)

	before := tablet.ReplicaLocations()
	tablet.UpdateReplicaDriveInfo("unknown", DriveInfo{SSTFilesSize: 1})
	require.Equal(t, before, tablet.ReplicaLocations())

	require.True(t, tablet.RemoveReplica("ts-b"))
	require.False(t, tablet.RemoveReplica("ts-b"))
	require.Len(t, tablet.ReplicaLocations(), 1)
	require.Len(t, current, 2)

	tablet.SetReplicaLocations(nil)
	require.Empty(t, tablet.ReplicaLocations())
	require.Len(t, current, 2)
}

func TestTabletGetLeader(t *testing.T) {
	table := newTestTable(t, "t1", TableRunning)
	tablet := newTestTablet(table, "tablet-1", "", "", 0)

	_, err := tablet.GetLeader()
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	_, err = tablet.GetLeaderReplicaDriveInfo()
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	ts := newTS("ts-1")
	tablet.SetReplicaLocations(ReplicaMap{
		"ts-1": {TSDesc: ts, Role: RoleLeader, DriveInfo: DriveInfo{WALFilesSize: 3}},
	})
	leader, err := tablet.GetLeader()
	require.NoError(t, err)
	require.Same(t, ts, leader)
	info, err := tablet.GetLeaderReplicaDriveInfo()
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.WALFilesSize)
}

func TestTabletGetLeaderTableNotRunning(t *testing.T) {
	table := newTestTable(t, "t1", TableDeleting)
	tablet := newTestTablet(table, "tablet-1", "", "", 0)

	_, err := tablet.GetLeader()
	require.ErrorIs(t, err, dberrors.ErrExpired)
	require.NotErrorIs(t, err, dberrors.ErrNotFound)
	require.Equal(t, dberrors.CodeTableNotRunning, dberrors.CodeOf(err))

	// altering tables still serve
	altering := newTestTable(t, "t2", TableAltering)
	_, err = newTestTablet(altering, "tablet-2", "", "", 0).GetLeader()
	require.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestReportedSchemaVersionIsMonotonic(t *testing.T) {
	table := newTestTable(t, "t1", TableRunning)
	tablet := newTestTablet(table, "tablet-1", "", "", 0)

	require.Equal(t, types.SchemaVersion(0), tablet.ReportedSchemaVersion("t1"))
	require.True(t, tablet.SetReportedSchemaVersion("t1", 0))
	require.False(t, tablet.SetReportedSchemaVersion("t1", 0))
	require.True(t, tablet.SetReportedSchemaVersion("t1", 3))
	require.False(t, tablet.SetReportedSchemaVersion("t1", 2))
	require.False(t, tablet.SetReportedSchemaVersion("t1", 3))
	require.Equal(t, types.SchemaVersion(3), tablet.ReportedSchemaVersion("t1"))

	// versions are tracked per table of a colocated tablet
	require.True(t, tablet.SetReportedSchemaVersion("t2", 1))
	require.Equal(t, types.SchemaVersion(3), tablet.ReportedSchemaVersion("t1"))
}

func TestLeaderStepDownFailureTimes(t *testing.T) {
	table := newTestTable(t, "t1", TableRunning)
	tablet := newTestTablet(table, "tablet-1", "", "", 0)

	tablet.RegisterLeaderStepDownFailure("ts-old", time.Minute)
	tablet.RegisterLeaderStepDownFailure("ts-new", time.Second)

	got := tablet.GetLeaderStepDownFailureTimes(time.Now().Add(-30 * time.Second))
	require.Len(t, got, 1)
	require.Contains(t, got, types.TabletServerID("ts-new"))

	// the old entry was evicted, not just filtered
	got = tablet.GetLeaderStepDownFailureTimes(time.Now().Add(-time.Hour))
	require.Len(t, got, 1)

	// the returned map is a copy
	delete(got, "ts-new")
	require.Len(t, tablet.GetLeaderStepDownFailureTimes(time.Time{}), 1)
}

func TestTabletMiscAccessors(t *testing.T) {
	table := newTestTable(t, "t1", TableRunning)
	tablet := newTestTablet(table, "tablet-1", "", "", 0)

	tablet.SetInitialLeaderElectionProtege("ts-2")
	require.Equal(t, types.TabletServerID("ts-2"), tablet.InitialLeaderElectionProtege())

	at := time.Unix(100, 0)
	tablet.SetLastUpdateTime(at)
	require.Equal(t, at, tablet.LastUpdateTime())

	require.Equal(t, "tablet-1 (table tbl_t1 [id=t1])", tablet.String())
	require.False(t, tablet.Colocated())
	require.Same(t, table, tablet.Table())
}
