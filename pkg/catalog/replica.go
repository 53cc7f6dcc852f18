package catalog

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"metacat/pkg/cluster"
	"metacat/pkg/types"
)

// RaftGroupState is the state of a tablet replica as reported by its server.
type RaftGroupState int

const (
	ReplicaUnknown RaftGroupState = iota
	ReplicaNotStarted
	ReplicaBootstrapping
	ReplicaRunning
	ReplicaFailed
	ReplicaQuiescing
	ReplicaShutdown
)

var raftGroupStateNames = map[RaftGroupState]string{
	ReplicaUnknown:       "UNKNOWN",
	ReplicaNotStarted:    "NOT_STARTED",
	ReplicaBootstrapping: "BOOTSTRAPPING",
	ReplicaRunning:       "RUNNING",
	ReplicaFailed:        "FAILED",
	ReplicaQuiescing:     "QUIESCING",
	ReplicaShutdown:      "SHUTDOWN",
}

func (s RaftGroupState) String() string {
	if name, ok := raftGroupStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RaftGroupState(%d)", int(s))
}

type PeerRole int

const (
	RoleUnknown PeerRole = iota
	RoleFollower
	RoleLeader
	RoleLearner
	RoleNonParticipant
)

func (r PeerRole) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleLeader:
		return "LEADER"
	case RoleLearner:
		return "LEARNER"
	case RoleNonParticipant:
		return "NON_PARTICIPANT"
	default:
		return "UNKNOWN_ROLE"
	}
}

type MemberType int

const (
	MemberUnknown MemberType = iota
	MemberVoter
	MemberPreVoter
	MemberObserver
	MemberPreObserver
)

func (m MemberType) String() string {
	switch m {
	case MemberVoter:
		return "VOTER"
	case MemberPreVoter:
		return "PRE_VOTER"
	case MemberObserver:
		return "OBSERVER"
	case MemberPreObserver:
		return "PRE_OBSERVER"
	default:
		return "UNKNOWN_MEMBER_TYPE"
	}
}

// DriveInfo is the disk usage of a replica.
type DriveInfo struct {
	SSTFilesSize uint64 `json:"sst_files_size"`
	WALFilesSize uint64 `json:"wal_files_size"`
}

func (d DriveInfo) Total() uint64 { return d.SSTFilesSize + d.WALFilesSize }

// TabletReplica is the master's view of one replica of a tablet. TSDesc is
// a reference to the hosting server and is not owned by the replica.
type TabletReplica struct {
	TSDesc              *cluster.TSDescriptor
	State               RaftGroupState
	Role                PeerRole
	MemberType          MemberType
	DriveInfo           DriveInfo
	FSDataDir           string
	ShouldDisableLBMove bool
	TimeUpdated         time.Time
}

// UpdateFrom merges the heartbeat fields of src. Drive info and the server
// reference are left alone.
func (r *TabletReplica) UpdateFrom(src TabletReplica) {
	r.State = src.State
	r.Role = src.Role
	r.MemberType = src.MemberType
	r.ShouldDisableLBMove = src.ShouldDisableLBMove
	r.FSDataDir = src.FSDataDir
	r.TimeUpdated = time.Now()
}

func (r *TabletReplica) UpdateDriveInfo(info DriveInfo) {
	r.DriveInfo = info
}

// IsStale reports whether the replica has not been refreshed for timeout or longer.
func (r TabletReplica) IsStale(timeout time.Duration) bool {
	return r.isStaleAt(time.Now(), timeout)
}

func (r TabletReplica) isStaleAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.TimeUpdated) >= timeout
}

func (r TabletReplica) IsStarting() bool {
	return r.State == ReplicaNotStarted || r.State == ReplicaBootstrapping
}

func (r TabletReplica) tsID() types.TabletServerID {
	if r.TSDesc == nil {
		return ""
	}
	return r.TSDesc.ID()
}

func (r TabletReplica) String() string {
	return fmt.Sprintf("{ ts_desc: %s, state: %s, role: %s, member_type: %s, "+
		"should_disable_lb_move: %t, fs_data_dir: %s, total_space_used: %s, time since update: %dms }",
		r.tsID(), r.State, r.Role, r.MemberType,
		r.ShouldDisableLBMove, r.FSDataDir, humanize.IBytes(r.DriveInfo.Total()),
		time.Since(r.TimeUpdated).Milliseconds())
}

// ReplicaMap maps a tablet server to the replica it hosts. A published map is
// never modified; writers build a new one.
type ReplicaMap map[types.TabletServerID]TabletReplica

func (m ReplicaMap) clone() ReplicaMap {
	out := make(ReplicaMap, len(m)+1)
	maps.Copy(out, m)
	return out
}

func (m ReplicaMap) sortedIDs() []types.TabletServerID {
	return slices.Sorted(maps.Keys(m))
}

// Leader returns the first replica in server id order that claims leadership.
// Stale heartbeats can briefly leave two claimants.
func (m ReplicaMap) Leader() (TabletReplica, bool) {
	for _, id := range m.sortedIDs() {
		if r := m[id]; r.Role == RoleLeader {
			return r, true
		}
	}
	return TabletReplica{}, false
}

func (m ReplicaMap) String() string {
	parts := make([]string, 0, len(m))
	for _, id := range m.sortedIDs() {
		parts = append(parts, fmt.Sprintf("%s: %s", id, m[id]))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
