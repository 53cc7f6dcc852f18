package catalog

import (
	"sync"

	"metacat/pkg/types"
)

// TabletKey names one replica of a tablet.
type TabletKey struct {
	TSID     types.TabletServerID
	TabletID types.TabletID
}

// DeletedTabletMap points each replica still pending deletion at its table.
type DeletedTabletMap map[TabletKey]*DeletedTableInfo

// DeletedTableInfo tracks the replicas of a dropped table that have not yet
// confirmed deletion.
type DeletedTableInfo struct {
	tableID types.TableID

	mu        sync.Mutex
	tabletSet map[TabletKey]struct{}
}

// NewDeletedTableInfo snapshots the replicas of every live tablet of table.
func NewDeletedTableInfo(table *TableInfo) *DeletedTableInfo {
	d := &DeletedTableInfo{
		tableID:   table.ID(),
		tabletSet: make(map[TabletKey]struct{}),
	}
	for _, tablet := range table.GetTablets(true) {
		if tablet.LockForRead().Data().IsDeleted() {
			continue
		}
		for tsID := range tablet.ReplicaLocations() {
			d.tabletSet[TabletKey{TSID: tsID, TabletID: tablet.ID()}] = struct{}{}
		}
	}
	return d
}

func (d *DeletedTableInfo) TableID() types.TableID { return d.tableID }

func (d *DeletedTableInfo) NumTablets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tabletSet)
}

func (d *DeletedTableInfo) HasTablets() bool {
	return d.NumTablets() > 0
}

// DeleteTablet records the deletion acknowledgement for key.
func (d *DeletedTableInfo) DeleteTablet(key TabletKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tabletSet, key)
}

func (d *DeletedTableInfo) AddTabletsToMap(m DeletedTabletMap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.tabletSet {
		m[key] = d
	}
}
