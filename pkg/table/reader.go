package table

import (
	"fmt"

	"github.com/hungtd9/heftydb/internal/dberr"
	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/memtable"
	"github.com/hungtd9/heftydb/pkg/scan"
	"github.com/hungtd9/heftydb/pkg/sstable"
)

// Get implements §4.7's point lookup: probe the active memtable, then each frozen memtable newest
// first, then each flushed SSTable newest generation first, returning the first hit whose snapshot id
// is visible. A tombstone (empty value) is returned as a hit; the caller (the façade) is responsible for
// converting it to "not found".
func (r *Registry) Get(keyBytes []byte, snapshotID uint64) (key.Tuple, bool, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return key.Tuple{}, false, &dberr.ClosedError{Op: "table.Get"}
	}
	r.mu.RUnlock()

	v := r.view()
	defer releaseView(v)

	for _, mt := range v.Memtables {
		if tup, ok := mt.GetVisible(keyBytes, snapshotID); ok {
			return tup, true, nil
		}
	}
	for _, h := range v.Handles {
		tup, ok, err := h.Table().Get(key.New(keyBytes, snapshotID))
		if err != nil {
			return key.Tuple{}, false, fmt.Errorf("table: get from sstable generation %d: %w", h.Table().GenerationID(), err)
		}
		if ok {
			return tup, true, nil
		}
	}
	return key.Tuple{}, false, nil
}

// memtableSeq adapts memtable.Table's ascend/descend callbacks into a pull-based scan.TupleSeq by
// prefetching every visible entry into a slice up front. Memtables are small relative to the data a
// full compaction or scan touches, so this trades a little memory for a much simpler adapter than a
// goroutine-backed generator would need.
type memtableSeq struct {
	tuples []key.Tuple
	idx    int
}

func newAscendingMemtableSeq(mt *memtable.Table, from key.Key, snapshotID uint64) *memtableSeq {
	s := &memtableSeq{idx: -1}
	mt.AscendFrom(from, func(t key.Tuple) bool {
		if t.Key.SnapshotID <= snapshotID {
			s.tuples = append(s.tuples, t)
		}
		return true
	})
	return s
}

func newDescendingMemtableSeq(mt *memtable.Table, from key.Key, hasFrom bool, snapshotID uint64) *memtableSeq {
	s := &memtableSeq{idx: -1}
	mt.DescendFrom(from, hasFrom, func(t key.Tuple) bool {
		if t.Key.SnapshotID <= snapshotID {
			s.tuples = append(s.tuples, t)
		}
		return true
	})
	return s
}

func (s *memtableSeq) Next() bool {
	if s.idx+1 >= len(s.tuples) {
		return false
	}
	s.idx++
	return true
}
func (s *memtableSeq) Value() key.Tuple { return s.tuples[s.idx] }
func (s *memtableSeq) Err() error       { return nil }

// sstableSeq adapts an *sstable.Iterator, additionally filtering out versions newer than snapshotID —
// sstable.Iterator itself is snapshot-agnostic, since a filtered index-tree walk would need per-entry
// decoding anyway, so the filter is cheaper applied here, one decoded tuple at a time.
type sstableSeq struct {
	it         *sstable.Iterator
	snapshotID uint64
	current    key.Tuple
}

func (s *sstableSeq) Next() bool {
	for s.it.Next() {
		tup := s.it.Tuple()
		if tup.Key.SnapshotID <= s.snapshotID {
			s.current = tup
			return true
		}
	}
	return false
}
func (s *sstableSeq) Value() key.Tuple { return s.current }
func (s *sstableSeq) Err() error       { return s.it.Err() }

func sameTupleBytes(a, b key.Tuple) bool { return key.SameBytes(a.Key, b.Key) }

// AscendingIterator merges the active/frozen memtables and every flushed SSTable (newest generation
// first) into one ascending sequence, surfacing the newest visible version of each key-bytes value and
// skipping anything written after snapshotID. The returned release func must be called once iteration
// is done to return the SSTable handles retained for it.
func (r *Registry) AscendingIterator(from key.Key, hasFrom bool, snapshotID uint64) (seq func(yield func(key.Tuple) bool), release func(), err error) {
	v := r.view()
	var sources []scan.TupleSeq[key.Tuple]
	start := from
	if !hasFrom {
		start = key.Key{}
	}
	for _, mt := range v.Memtables {
		sources = append(sources, newAscendingMemtableSeq(mt, start, snapshotID))
	}
	for _, h := range v.Handles {
		it, iterErr := h.Table().AscendingIterator(from, hasFrom)
		if iterErr != nil {
			releaseView(v)
			return nil, nil, fmt.Errorf("table: ascending iterator over generation %d: %w", h.Table().GenerationID(), iterErr)
		}
		sources = append(sources, &sstableSeq{it: it, snapshotID: snapshotID})
	}
	merged := scan.Merge(sources, func(a, b key.Tuple) int { return key.Compare(a.Key, b.Key) }, sameTupleBytes)
	return merged, func() { releaseView(v) }, nil
}

// DescendingIterator is AscendingIterator's mirror, merging in descending Key order via an inverted
// comparator over the same sources.
func (r *Registry) DescendingIterator(from key.Key, hasFrom bool, snapshotID uint64) (seq func(yield func(key.Tuple) bool), release func(), err error) {
	v := r.view()
	var sources []scan.TupleSeq[key.Tuple]
	for _, mt := range v.Memtables {
		sources = append(sources, newDescendingMemtableSeq(mt, from, hasFrom, snapshotID))
	}
	for _, h := range v.Handles {
		it, iterErr := h.Table().DescendingIterator(from, hasFrom)
		if iterErr != nil {
			releaseView(v)
			return nil, nil, fmt.Errorf("table: descending iterator over generation %d: %w", h.Table().GenerationID(), iterErr)
		}
		sources = append(sources, &sstableSeq{it: it, snapshotID: snapshotID})
	}
	never := func(key.Tuple, key.Tuple) bool { return false }
	merged := scan.Merge(sources, func(a, b key.Tuple) int { return -key.Compare(a.Key, b.Key) }, never)
	// Under the inverted comparator a key's versions arrive oldest first, so the newest visible version
	// is the last one of each run of equal key bytes.
	seq = func(yield func(key.Tuple) bool) {
		var pending key.Tuple
		hasPending := false
		for tup := range merged {
			if hasPending && !key.SameBytes(pending.Key, tup.Key) && !yield(pending) {
				return
			}
			pending, hasPending = tup, true
		}
		if hasPending {
			yield(pending)
		}
	}
	return seq, func() { releaseView(v) }, nil
}
