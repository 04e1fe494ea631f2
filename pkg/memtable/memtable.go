// Package memtable implements the in-memory write buffer that sits in front of the WAL and, once
// full, is flushed to an SSTable. It is grounded on the teacher's pkg/storage/skip_list.go and
// memtable.go: same probabilistic skip list structure, generalized from a raw-bytes-keyed map to one
// keyed by key.Key so that the snapshot-id inversion lives in exactly one place (pkg/key).
package memtable

import (
	"sync"

	"github.com/hungtd9/heftydb/pkg/key"
)

// perEntryOverhead approximates the bookkeeping a skip list node carries beyond the raw key and value
// bytes (forward pointer slice, struct headers). It only needs to be roughly right: it governs when a
// table is considered full, not any on-disk format.
const perEntryOverhead = 48

// Table is a concurrent, size-tracked sorted map from key.Key to key.Value. A generation id
// identifies it uniquely within a database so it can be paired 1:1 with a WAL segment.
type Table struct {
	generationID uint64
	mu           sync.RWMutex
	list         *skipList
	sizeBytes    int64
}

// New creates an empty, writable Table for the given generation id.
func New(generationID uint64) *Table {
	return &Table{generationID: generationID, list: newSkipList()}
}

// GenerationID identifies this table uniquely among all tables (memtables and SSTables) ever created
// in the database, and ties it to its paired WAL segment.
func (t *Table) GenerationID() uint64 { return t.generationID }

// Put inserts or overwrites the value at k. A zero-length value records a tombstone.
func (t *Table) Put(k key.Key, v key.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.list.Get(k); ok {
		t.sizeBytes -= entrySize(k, old)
	}
	t.list.Set(k, v)
	t.sizeBytes += entrySize(k, v)
}

// Get returns the value recorded at exactly k, if present. Snapshot visibility (finding the newest
// version at or before a reader's snapshot id) is the caller's responsibility via AscendFrom, since a
// memtable may hold several versions of the same key bytes under different snapshot ids.
func (t *Table) Get(k key.Key) (key.Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.list.Get(k)
}

// GetVisible returns the newest version of keyBytes visible at or before snapshotID, if any.
func (t *Table) GetVisible(keyBytes []byte, snapshotID uint64) (key.Tuple, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.list.seekFirstGTE(key.New(keyBytes, snapshotID))
	for n != nil && key.SameBytes(n.k, key.New(keyBytes, 0)) {
		if n.k.SnapshotID <= snapshotID {
			return key.Tuple{Key: n.k, Value: n.v}, true
		}
		n = n.forwards[0]
	}
	return key.Tuple{}, false
}

// Len reports the number of distinct (bytes, snapshot id) entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.list.Len()
}

// SizeBytes reports the approximate memory footprint of the table, used to decide when to freeze it
// and rotate in a fresh writable table.
func (t *Table) SizeBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sizeBytes
}

// AscendFrom calls visit for every entry with key >= from, in ascending key order, until visit
// returns false or entries are exhausted.
func (t *Table) AscendFrom(from key.Key, visit func(key.Tuple) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for n := t.list.seekFirstGTE(from); n != nil; n = n.forwards[0] {
		if !visit(key.Tuple{Key: n.k, Value: n.v}) {
			return
		}
	}
}

// DescendFrom calls visit for every entry with key <= from, in descending key order, until visit
// returns false or entries are exhausted. Passing hasFrom=false visits from the tail.
func (t *Table) DescendFrom(from key.Key, hasFrom bool, visit func(key.Tuple) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n *node
	if hasFrom {
		n = t.list.seekLastLTE(from)
	} else {
		n = t.list.tail
	}
	for ; n != nil; n = n.prev {
		if !visit(key.Tuple{Key: n.k, Value: n.v}) {
			return
		}
	}
}

func entrySize(k key.Key, v key.Value) int64 {
	return int64(len(k.Bytes) + len(v) + perEntryOverhead)
}
