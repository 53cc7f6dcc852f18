package syscatalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"metacat/pkg/catalog"
	"metacat/pkg/metrics"
	"metacat/pkg/types"
)

// Entry is one entity to persist. Data is encoded to JSON; it is ignored by Delete.
type Entry struct {
	Type EntityType
	ID   string
	Data any
}

func Namespace(id types.NamespaceID, p *catalog.PersistentNamespaceInfo) Entry {
	return Entry{Type: TypeNamespace, ID: string(id), Data: p}
}

func UDType(id types.UDTypeID, p *catalog.PersistentUDTypeInfo) Entry {
	return Entry{Type: TypeUDType, ID: string(id), Data: p}
}

func Table(id types.TableID, p *catalog.PersistentTableInfo) Entry {
	return Entry{Type: TypeTable, ID: string(id), Data: p}
}

func Tablet(id types.TabletID, p *catalog.PersistentTabletInfo) Entry {
	return Entry{Type: TypeTablet, ID: string(id), Data: p}
}

func DdlLog(e *catalog.DdlLogEntry) Entry {
	return Entry{Type: TypeDdlLog, ID: e.ID(), Data: e.NewPayload()}
}

// SysCatalog writes catalog entities through a Replicator and reads them back
// from the local Store.
type SysCatalog struct {
	store      *Store
	replicator Replicator
	metrics    *metrics.Registry
}

// New returns a sys catalog reading from store. A nil replicator writes to
// store directly. m may be nil.
func New(store *Store, replicator Replicator, m *metrics.Registry) *SysCatalog {
	if replicator == nil {
		replicator = store
	}
	return &SysCatalog{store: store, replicator: replicator, metrics: m}
}

// Upsert persists entries as one batch.
func (c *SysCatalog) Upsert(ctx context.Context, entries ...Entry) error {
	return c.Write(ctx, entries, nil)
}

// Delete removes entries as one batch.
func (c *SysCatalog) Delete(ctx context.Context, entries ...Entry) error {
	return c.Write(ctx, nil, entries)
}

// Write persists upserts and deletes as one batch.
func (c *SysCatalog) Write(ctx context.Context, upserts, deletes []Entry) error {
	muts := make([]Mutation, 0, len(upserts)+len(deletes))
	for _, e := range upserts {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s", e.Type, e.ID)
		}
		muts = append(muts, Mutation{Op: OpUpsert, Type: e.Type, ID: e.ID, Data: data})
	}
	for _, e := range deletes {
		muts = append(muts, Mutation{Op: OpDelete, Type: e.Type, ID: e.ID})
	}

	start := time.Now()
	err := c.replicator.Replicate(ctx, muts)
	c.metrics.ObserveSysCatalogWrite(len(muts), time.Since(start), err)
	if err != nil {
		return errors.Wrap(err, "write sys catalog")
	}
	return nil
}

func visit[T any](s *Store, typ EntityType, fn func(id string, v *T) error) error {
	return s.Visit(typ, func(id string, data json.RawMessage) error {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Wrapf(err, "decode %s %s", typ, id)
		}
		return fn(id, v)
	})
}

func (c *SysCatalog) VisitNamespaces(fn func(types.NamespaceID, *catalog.PersistentNamespaceInfo) error) error {
	return visit(c.store, TypeNamespace, func(id string, v *catalog.PersistentNamespaceInfo) error {
		return fn(types.NamespaceID(id), v)
	})
}

func (c *SysCatalog) VisitUDTypes(fn func(types.UDTypeID, *catalog.PersistentUDTypeInfo) error) error {
	return visit(c.store, TypeUDType, func(id string, v *catalog.PersistentUDTypeInfo) error {
		return fn(types.UDTypeID(id), v)
	})
}

func (c *SysCatalog) VisitTables(fn func(types.TableID, *catalog.PersistentTableInfo) error) error {
	return visit(c.store, TypeTable, func(id string, v *catalog.PersistentTableInfo) error {
		return fn(types.TableID(id), v)
	})
}

func (c *SysCatalog) VisitTablets(fn func(types.TabletID, *catalog.PersistentTabletInfo) error) error {
	return visit(c.store, TypeTablet, func(id string, v *catalog.PersistentTabletInfo) error {
		return fn(types.TabletID(id), v)
	})
}

// VisitDdlLog walks the DDL history oldest first.
func (c *SysCatalog) VisitDdlLog(fn func(*catalog.DdlLogEntry) error) error {
	return visit(c.store, TypeDdlLog, func(_ string, v *catalog.PersistentDdlLogEntry) error {
		return fn(catalog.DdlLogEntryFromPersistent(*v))
	})
}
