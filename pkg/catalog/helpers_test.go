package catalog

import (
	"testing"
	"time"

	"metacat/pkg/partition"
	"metacat/pkg/types"
)

func newTestTable(t *testing.T, id string, state TableState) *TableInfo {
	t.Helper()
	table := NewTableInfo(types.TableID(id), false, NewTasksTracker(10))
	l := table.LockForWrite()
	l.Data().Name = "tbl_" + id
	l.Data().NamespaceID = "ns-1"
	l.Data().SetState(state, "test")
	l.Commit()
	return table
}

type tabletOpt func(*PersistentTabletInfo)

func withState(s TabletState) tabletOpt {
	return func(p *PersistentTabletInfo) { p.State = s }
}

func withParent(id types.TabletID) tabletOpt {
	return func(p *PersistentTabletInfo) { p.SplitParentTabletID = id }
}

func hidden() tabletOpt {
	return func(p *PersistentTabletInfo) { p.HideTime = time.Now() }
}

func newTestTablet(table *TableInfo, id, start, end string, depth uint32, opts ...tabletOpt) *TabletInfo {
	meta := &PersistentTabletInfo{
		TableID:    table.ID(),
		State:      TabletRunning,
		Partition:  partition.Partition{Start: start, End: end},
		SplitDepth: depth,
	}
	for _, opt := range opts {
		opt(meta)
	}
	return NewTabletInfo(table, types.TabletID(id), meta)
}

func tabletIDs(tablets []*TabletInfo) []types.TabletID {
	out := make([]types.TabletID, 0, len(tablets))
	for _, t := range tablets {
		out = append(out, t.ID())
	}
	return out
}

func setTabletState(tablet *TabletInfo, state TabletState) {
	l := tablet.LockForWrite()
	l.Data().SetState(state, "test")
	l.Commit()
}
