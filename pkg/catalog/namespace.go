package catalog

import (
	"fmt"

	"metacat/pkg/types"
)

type DatabaseType int

const (
	DatabaseYCQL DatabaseType = iota + 1
	DatabaseYSQL
	DatabaseRedis
)

func (d DatabaseType) String() string {
	switch d {
	case DatabaseYCQL:
		return "YQL_DATABASE_CQL"
	case DatabaseYSQL:
		return "YQL_DATABASE_PGSQL"
	case DatabaseRedis:
		return "YQL_DATABASE_REDIS"
	default:
		return "YQL_DATABASE_UNKNOWN"
	}
}

type NamespaceState int

const (
	NamespacePreparing NamespaceState = iota
	NamespaceRunning
	NamespaceFailed
	NamespaceDeleting
	NamespaceDeleted
)

func (s NamespaceState) String() string {
	switch s {
	case NamespacePreparing:
		return "PREPARING"
	case NamespaceRunning:
		return "RUNNING"
	case NamespaceFailed:
		return "FAILED"
	case NamespaceDeleting:
		return "DELETING"
	case NamespaceDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("NamespaceState(%d)", int(s))
	}
}

type PersistentNamespaceInfo struct {
	Name         string         `json:"name"`
	DatabaseType DatabaseType   `json:"database_type"`
	Colocated    bool           `json:"colocated,omitempty"`
	State        NamespaceState `json:"state"`
}

func (p *PersistentNamespaceInfo) Clone() *PersistentNamespaceInfo {
	c := *p
	return &c
}

// NamespaceInfo is a database or keyspace.
type NamespaceInfo struct {
	id   types.NamespaceID
	meta *VersionedRecord[*PersistentNamespaceInfo]
}

func NewNamespaceInfo(id types.NamespaceID, meta *PersistentNamespaceInfo) *NamespaceInfo {
	if meta == nil {
		meta = &PersistentNamespaceInfo{}
	}
	return &NamespaceInfo{id: id, meta: NewVersionedRecord(meta)}
}

func (n *NamespaceInfo) ID() types.NamespaceID { return n.id }

func (n *NamespaceInfo) LockForRead() ReadLock[*PersistentNamespaceInfo] { return n.meta.LockForRead() }

func (n *NamespaceInfo) LockForWrite() *WriteLock[*PersistentNamespaceInfo] {
	return n.meta.LockForWrite()
}

func (n *NamespaceInfo) Name() string { return n.LockForRead().Data().Name }

func (n *NamespaceInfo) DatabaseType() DatabaseType { return n.LockForRead().Data().DatabaseType }

func (n *NamespaceInfo) Colocated() bool { return n.LockForRead().Data().Colocated }

func (n *NamespaceInfo) State() NamespaceState { return n.LockForRead().Data().State }

func (n *NamespaceInfo) String() string {
	return fmt.Sprintf("%s [id=%s]", n.Name(), n.id)
}
