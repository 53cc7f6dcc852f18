package catalog

import (
	"metacat/pkg/clock"
	"metacat/pkg/types"
)

// PersistentDdlLogEntry is one line of the DDL history.
type PersistentDdlLogEntry struct {
	Time          clock.HybridTime  `json:"time"`
	TableType     TableType         `json:"table_type"`
	NamespaceName string            `json:"namespace_name"`
	NamespaceID   types.NamespaceID `json:"namespace_id"`
	TableName     string            `json:"table_name"`
	TableID       types.TableID     `json:"table_id"`
	Action        string            `json:"action"`
}

// DdlLogEntry is an append-only record of a DDL statement. It is never
// updated, so there is no previous version of it.
type DdlLogEntry struct {
	payload PersistentDdlLogEntry
}

func NewDdlLogEntry(at clock.HybridTime, tableID types.TableID, table *PersistentTableInfo, action string) *DdlLogEntry {
	return &DdlLogEntry{payload: PersistentDdlLogEntry{
		Time:          at,
		TableType:     table.TableType,
		NamespaceName: table.NamespaceName,
		NamespaceID:   table.NamespaceID,
		TableName:     table.Name,
		TableID:       tableID,
		Action:        action,
	}}
}

func DdlLogEntryFromPersistent(p PersistentDdlLogEntry) *DdlLogEntry {
	return &DdlLogEntry{payload: p}
}

// ID sorts in the order of the entries' hybrid times.
func (e *DdlLogEntry) ID() string { return e.payload.Time.Key() }

func (e *DdlLogEntry) OldPayload() PersistentDdlLogEntry { return PersistentDdlLogEntry{} }

func (e *DdlLogEntry) NewPayload() PersistentDdlLogEntry { return e.payload }
