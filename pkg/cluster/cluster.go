package cluster

import (
	"fmt"
	"sync"
	"time"

	"metacat/pkg/types"
)

// CloudInfo is the placement of a tablet server.
type CloudInfo struct {
	Cloud  string `json:"cloud,omitempty"`
	Region string `json:"region,omitempty"`
	Zone   string `json:"zone,omitempty"`
}

// TServerInfo holds what a tablet server announces about itself.
type TServerInfo struct {
	ID        types.TabletServerID `json:"id"`
	RPCAddr   string               `json:"rpc_addr"`
	HTTPAddr  string               `json:"http_addr"`
	Placement CloudInfo            `json:"placement"`
}

// TSDescriptor is the master's record of one tablet server. Tablet replicas
// point at it without owning it.
type TSDescriptor struct {
	id types.TabletServerID

	mu            sync.RWMutex
	info          TServerInfo
	lastHeartbeat time.Time
	removed       bool
}

func NewTSDescriptor(info TServerInfo) *TSDescriptor {
	return &TSDescriptor{
		id:            info.ID,
		info:          info,
		lastHeartbeat: time.Now(),
	}
}

func (d *TSDescriptor) ID() types.TabletServerID { return d.id }

func (d *TSDescriptor) Info() TServerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// UpdateFromHeartbeat refreshes the registration and revives a removed server.
func (d *TSDescriptor) UpdateFromHeartbeat(info TServerInfo, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info.RPCAddr != "" {
		d.info.RPCAddr = info.RPCAddr
	}
	if info.HTTPAddr != "" {
		d.info.HTTPAddr = info.HTTPAddr
	}
	if info.Placement != (CloudInfo{}) {
		d.info.Placement = info.Placement
	}
	d.lastHeartbeat = now
	d.removed = false
}

func (d *TSDescriptor) TimeSinceHeartbeat() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return time.Since(d.lastHeartbeat)
}

// IsLive is false for removed servers and for servers silent for longer than timeout.
func (d *TSDescriptor) IsLive(timeout time.Duration) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.removed && time.Since(d.lastHeartbeat) < timeout
}

func (d *TSDescriptor) MarkRemoved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = true
}

func (d *TSDescriptor) IsRemoved() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.removed
}

func (d *TSDescriptor) String() string {
	info := d.Info()
	return fmt.Sprintf("TS %s (%s)", d.id, info.RPCAddr)
}
