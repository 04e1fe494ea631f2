// Package key defines the ordering that every other package in HeftyDB builds on: a Key pairs raw
// key bytes with a snapshot id, and two keys with identical bytes order by snapshot id *inverted* —
// the higher id sorts first. That inversion is what lets a forward scan return the newest visible
// version of a key before any older one, without a second pass. It is the single most error-prone
// contract in the system (see Compare's doc comment), so every binary search, heap merge and iterator
// advance in this module must route through Compare rather than reimplementing the rule locally.
package key

import "bytes"

// Key identifies a single versioned entry: raw, opaque bytes plus the snapshot id that wrote it.
type Key struct {
	Bytes      []byte
	SnapshotID uint64
}

// New builds a Key from raw bytes and a snapshot id.
func New(bytes []byte, snapshotID uint64) Key {
	return Key{Bytes: bytes, SnapshotID: snapshotID}
}

// Compare orders two Keys: primarily by Bytes lexicographically, and for equal Bytes, by SnapshotID
// *descending* (the newer write compares less). This means a sorted run of Keys with the same Bytes
// reads newest-to-oldest, which is exactly the order a point lookup or a forward scan wants to see
// versions in.
//
// Every comparator used in IndexBlock/RecordBlock binary search, the table-set heap merge, and
// snapshot visibility checks must be this function (or delegate to it) — duplicating the inversion
// logic elsewhere is how this system grows subtle MVCC bugs.
func Compare(a, b Key) int {
	if c := bytes.Compare(a.Bytes, b.Bytes); c != 0 {
		return c
	}
	switch {
	case a.SnapshotID > b.SnapshotID:
		return -1
	case a.SnapshotID < b.SnapshotID:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are the same Key (bytes and snapshot id).
func Equal(a, b Key) bool { return Compare(a, b) == 0 }

// SameBytes reports whether a and b share the same key bytes, ignoring snapshot id. Used wherever code
// needs to know "is this the next logical key" rather than "is this the exact same version".
func SameBytes(a, b Key) bool { return bytes.Equal(a.Bytes, b.Bytes) }

// Value is an opaque byte sequence associated with a Key. An empty (zero-length, possibly non-nil)
// Value is the tombstone marker for a logical delete; IsTombstone distinguishes that from "no value at
// all" which callers represent with a missing Tuple rather than an empty one.
type Value []byte

// IsTombstone reports whether v represents a logical delete.
func (v Value) IsTombstone() bool { return len(v) == 0 }

// Tuple is the fundamental unit stored in memtables, record blocks and the write-ahead log: a Key and
// its Value, where an empty Value means "this key was deleted as of this snapshot".
type Tuple struct {
	Key   Key
	Value Value
}

// Record is what callers of the (out-of-scope) façade see: a key and value with tombstones already
// filtered out by the read path, so a Record's Value is never the tombstone sentinel.
type Record struct {
	Key   []byte
	Value []byte
}
