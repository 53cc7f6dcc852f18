package types

// TableID identifies a table. Ids are assigned by the master and never reused.
type TableID string

// TabletID identifies a tablet (one shard of a table).
type TabletID string

// NamespaceID identifies a namespace (database / keyspace).
type NamespaceID string

// UDTypeID identifies a user-defined type.
type UDTypeID string

// TabletServerID is the permanent uuid of a tablet server.
type TabletServerID string

// TablespaceID identifies a placement policy attached to a table.
type TablespaceID string

// SchemaVersion increases by one on every committed alter.
type SchemaVersion uint32

// PartitionKey is an encoded partition boundary. The empty key is an open bound.
type PartitionKey = string

// SeqN is a monotonically increasing sequence used for journal ordering.
type SeqN = uint64
