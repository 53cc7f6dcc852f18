// Package syscatalog persists catalog entities. Writes are journaled to the
// WAL and then applied to an ordered in-memory image, which the master reads
// back on startup.
package syscatalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zhangyunhao116/skipmap"

	"metacat/pkg/clock"
	"metacat/pkg/dberrors"
	"metacat/pkg/wal"
)

type Op int

const (
	OpUpsert Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "UPSERT"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// EntityType is the kind of record a mutation touches.
type EntityType string

const (
	TypeNamespace EntityType = "namespace"
	TypeUDType    EntityType = "udtype"
	TypeTable     EntityType = "table"
	TypeTablet    EntityType = "tablet"
	TypeDdlLog    EntityType = "ddl_log"
)

// Mutation is one change to the sys catalog.
type Mutation struct {
	Op   Op              `json:"op"`
	Type EntityType      `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m Mutation) validate() error {
	if m.Type == "" || m.ID == "" {
		return dberrors.InvalidArgumentf("mutation without type or id: %s %q/%q", m.Op, m.Type, m.ID)
	}
	switch m.Op {
	case OpUpsert:
		if len(m.Data) == 0 {
			return dberrors.InvalidArgumentf("upsert of %s/%s without data", m.Type, m.ID)
		}
	case OpDelete:
	default:
		return dberrors.InvalidArgumentf("unknown mutation op %d", int(m.Op))
	}
	return nil
}

// Validate checks every mutation of a batch.
func Validate(muts []Mutation) error {
	if len(muts) == 0 {
		return dberrors.InvalidArgumentf("empty mutation batch")
	}
	for _, m := range muts {
		if err := m.validate(); err != nil {
			return err
		}
	}
	return nil
}

type recordKey struct {
	typ EntityType
	id  string
}

func recordKeyLess(a, b recordKey) bool {
	if a.typ != b.typ {
		return a.typ < b.typ
	}
	return a.id < b.id
}

// Replicator makes a mutation batch durable. A batch is applied entirely or
// not at all.
type Replicator interface {
	Replicate(ctx context.Context, muts []Mutation) error
}

// Store is the local journaled image of the sys catalog. It is a Replicator
// on its own for a single master; with raft every master applies committed
// batches to its Store.
type Store struct {
	// serializes journal order with apply order
	mu      sync.Mutex
	journal *wal.WAL
	seq     *clock.Sequence
	records *skipmap.FuncMap[recordKey, json.RawMessage]
}

// OpenStore opens the journal in dir and rebuilds the image from it.
func OpenStore(dir string) (*Store, error) {
	journal, err := wal.Open(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		journal: journal,
		seq:     clock.NewSequence(0),
		records: skipmap.NewFunc[recordKey, json.RawMessage](recordKeyLess),
	}

	batches := 0
	err = journal.Replay(0, func(e wal.Entry) error {
		var muts []Mutation
		if err := json.Unmarshal(e.Data, &muts); err != nil {
			return errors.Wrapf(err, "decode batch %d", e.SeqNum)
		}
		s.seq.Observe(e.SeqNum)
		s.applyLocked(muts)
		batches++
		return nil
	})
	if err != nil {
		_ = journal.Close()
		return nil, errors.Wrap(err, "replay sys catalog")
	}

	slog.Info("sys catalog opened", "dir", dir, "batches", batches, "records", s.records.Len(), "last_seq", s.seq.Last())
	return s, nil
}

// Apply journals muts and then makes them visible.
func (s *Store) Apply(muts []Mutation) error {
	if err := Validate(muts); err != nil {
		return err
	}
	data, err := json.Marshal(muts)
	if err != nil {
		return errors.Wrap(err, "encode batch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq.Next()
	if err := s.journal.Append(wal.Entry{SeqNum: seq, Data: data}); err != nil {
		return errors.Wrapf(err, "journal batch %d", seq)
	}
	s.applyLocked(muts)
	return nil
}

// Replicate implements Replicator for a single master.
func (s *Store) Replicate(ctx context.Context, muts []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Apply(muts)
}

func (s *Store) applyLocked(muts []Mutation) {
	for _, m := range muts {
		key := recordKey{typ: m.Type, id: m.ID}
		switch m.Op {
		case OpUpsert:
			s.records.Store(key, m.Data)
		case OpDelete:
			s.records.Delete(key)
		}
	}
}

// Get returns the encoded record.
func (s *Store) Get(typ EntityType, id string) (json.RawMessage, bool) {
	return s.records.Load(recordKey{typ: typ, id: id})
}

// Visit calls fn for every record of typ in id order and stops at the first error.
func (s *Store) Visit(typ EntityType, fn func(id string, data json.RawMessage) error) error {
	var err error
	s.records.Range(func(k recordKey, v json.RawMessage) bool {
		if k.typ != typ {
			return k.typ < typ
		}
		err = fn(k.id, v)
		return err == nil
	})
	return err
}

func (s *Store) Len() int { return s.records.Len() }

// LastSeq is the sequence number of the newest journaled batch.
func (s *Store) LastSeq() uint64 { return s.seq.Last() }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.Close()
}
