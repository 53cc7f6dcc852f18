// Package catalog holds the in-memory catalog of the master: tables, tablets,
// namespaces and user-defined types, each backed by a copy-on-write
// VersionedRecord, plus the partition index and task bookkeeping of tables.
package catalog

import "sync"

// Payload is a persisted descriptor. Clone must return a deep copy: the copy
// is mutated by a writer while readers keep using the original.
type Payload[P any] interface {
	Clone() P
}

// VersionedRecord holds the committed payload of an entity and at most one
// in-flight copy owned by the current writer.
//
//	committed(P) -> LockForWrite -> mutating(P, P') -> Commit -> committed(P')
//	                                                -> Abort  -> committed(P)
//
// Readers never block on writers: LockForRead hands out the committed
// payload, which is never mutated after it is published.
type VersionedRecord[P Payload[P]] struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	committed P
	dirty     P
	hasDirty  bool
}

func NewVersionedRecord[P Payload[P]](initial P) *VersionedRecord[P] {
	return &VersionedRecord[P]{committed: initial}
}

// ReadLock is an immutable snapshot of a committed payload.
type ReadLock[P Payload[P]] struct {
	data P
}

// Data must not be modified by the caller.
func (l ReadLock[P]) Data() P { return l.data }

func (r *VersionedRecord[P]) LockForRead() ReadLock[P] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReadLock[P]{data: r.committed}
}

// Dirty returns the in-flight copy when a writer holds one, otherwise the
// committed payload. It is used to index entities that are registered before
// their creation commits.
func (r *VersionedRecord[P]) Dirty() P {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.hasDirty {
		return r.dirty
	}
	return r.committed
}

// LockForWrite blocks until no other writer holds the record, then returns a
// handle over a fresh copy of the committed payload. The handle must be
// released with Commit, Abort or Unlock.
func (r *VersionedRecord[P]) LockForWrite() *WriteLock[P] {
	r.writeMu.Lock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = r.committed.Clone()
	r.hasDirty = true
	return &WriteLock[P]{rec: r, old: r.committed, data: r.dirty}
}

// WriteLock is a scoped write transaction. Deferring Unlock guarantees the
// record is released on every path; Unlock after Commit is a no-op.
type WriteLock[P Payload[P]] struct {
	rec  *VersionedRecord[P]
	old  P
	data P
	done bool
}

// Data is the mutable copy.
func (l *WriteLock[P]) Data() P { return l.data }

// Committed is the payload as it was when the lock was taken.
func (l *WriteLock[P]) Committed() P { return l.old }

// Commit publishes the mutable copy to readers and releases the record.
func (l *WriteLock[P]) Commit() {
	if l.done {
		return
	}
	l.finish(true)
}

// Abort discards the mutable copy and releases the record.
func (l *WriteLock[P]) Abort() {
	if l.done {
		return
	}
	l.finish(false)
}

// Unlock aborts unless the handle was already committed or aborted.
func (l *WriteLock[P]) Unlock() {
	l.Abort()
}

func (l *WriteLock[P]) finish(commit bool) {
	var zero P
	r := l.rec
	r.mu.Lock()
	if commit {
		r.committed = l.data
	}
	r.dirty = zero
	r.hasDirty = false
	r.mu.Unlock()

	l.done = true
	r.writeMu.Unlock()
}
