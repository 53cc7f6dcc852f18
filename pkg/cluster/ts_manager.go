package cluster

import (
	"time"

	"github.com/zhangyunhao116/skipmap"

	"metacat/pkg/types"
)

// TSManager tracks every tablet server the master has heard of, ordered by id.
type TSManager struct {
	servers *skipmap.FuncMap[types.TabletServerID, *TSDescriptor]
}

func NewTSManager() *TSManager {
	return &TSManager{
		servers: skipmap.NewFunc[types.TabletServerID, *TSDescriptor](func(a, b types.TabletServerID) bool {
			return a < b
		}),
	}
}

// Register returns the descriptor for info.ID, creating it on first contact.
func (m *TSManager) Register(info TServerInfo) *TSDescriptor {
	desc, loaded := m.servers.LoadOrStore(info.ID, NewTSDescriptor(info))
	if loaded {
		desc.UpdateFromHeartbeat(info, time.Now())
	}
	return desc
}

func (m *TSManager) Lookup(id types.TabletServerID) (*TSDescriptor, bool) {
	return m.servers.Load(id)
}

func (m *TSManager) All() []*TSDescriptor {
	out := make([]*TSDescriptor, 0, m.servers.Len())
	m.servers.Range(func(_ types.TabletServerID, d *TSDescriptor) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Live returns servers that heartbeated within timeout, ordered by id.
func (m *TSManager) Live(timeout time.Duration) []*TSDescriptor {
	var out []*TSDescriptor
	m.servers.Range(func(_ types.TabletServerID, d *TSDescriptor) bool {
		if d.IsLive(timeout) {
			out = append(out, d)
		}
		return true
	})
	return out
}

// SyncMembers marks every server not in present as removed.
func (m *TSManager) SyncMembers(present []TServerInfo) {
	seen := make(map[types.TabletServerID]struct{}, len(present))
	for _, info := range present {
		m.Register(info)
		seen[info.ID] = struct{}{}
	}
	m.servers.Range(func(id types.TabletServerID, d *TSDescriptor) bool {
		if _, ok := seen[id]; !ok {
			d.MarkRemoved()
		}
		return true
	})
}

func (m *TSManager) Len() int {
	return m.servers.Len()
}
