// Package scan implements the heap-based multi-way merge HeftyDB uses to turn several independently
// sorted tuple sequences (one memtable, N SSTables) into a single sorted stream, and the pattern-glob
// matcher used by the RESP server's KEYS command.
//
// Grounded on the teacher's pkg/scan/multi_head.go: a container/heap-backed k-way merge that discards
// lower-priority duplicates at the same key. Generalized from the teacher's plain comparator over
// arbitrary K to HeftyDB's key.Key/key.Tuple domain, where "lower priority" means "older generation" —
// the first source to report a given key-bytes value already holds the newest visible version of it,
// per key.Compare's newest-first tie-break.
package scan

import (
	"container/heap"
)

// TupleSeq pulls tuples in increasing order (under whatever comparator the caller supplies to Merge —
// ascending callers pass key.Compare, descending callers pass an inverted comparator). Next returns
// false once the sequence is exhausted.
type TupleSeq[T any] interface {
	Next() bool
	Value() T
	Err() error
}

type heapItem[T any] struct {
	value  T
	srcIdx int
}

type mergeHeap[T any] struct {
	compare func(a, b T) int
	items   []heapItem[T]
}

func (h *mergeHeap[T]) Len() int { return len(h.items) }
func (h *mergeHeap[T]) Less(i, j int) bool {
	if c := h.compare(h.items[i].value, h.items[j].value); c != 0 {
		return c < 0
	}
	// Equal keys: the lowest source index is the highest-priority source (callers order sources
	// newest-generation-first), so it sorts first.
	return h.items[i].srcIdx < h.items[j].srcIdx
}
func (h *mergeHeap[T]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap[T]) Push(x interface{}) { h.items = append(h.items, x.(heapItem[T])) }
func (h *mergeHeap[T]) Pop() interface{} {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// SameKey reports whether two values of T should be treated as "the same logical key" for
// duplicate-discarding purposes, e.g. key.SameBytes for key.Tuple streams.
type SameKey[T any] func(a, b T) bool

// Merge merges sources (each already sorted under compare, highest priority first in the slice) into a
// single sequence, yielding exactly one value per distinct key as judged by sameKey — the one from the
// highest-priority source that produced it. The returned function calls yield for each surviving value
// in order and stops early if yield returns false.
func Merge[T any](sources []TupleSeq[T], compare func(a, b T) int, sameKey SameKey[T]) func(yield func(T) bool) {
	return func(yield func(T) bool) {
		h := &mergeHeap[T]{compare: compare, items: make([]heapItem[T], 0, len(sources))}
		for i, src := range sources {
			if src.Next() {
				heap.Push(h, heapItem[T]{value: src.Value(), srcIdx: i})
			}
		}
		advance := func(srcIdx int) {
			if sources[srcIdx].Next() {
				heap.Push(h, heapItem[T]{value: sources[srcIdx].Value(), srcIdx: srcIdx})
			}
		}
		for h.Len() > 0 {
			top := heap.Pop(h).(heapItem[T])
			advance(top.srcIdx)
			// Discard any other source's entry for the same logical key; it is older.
			for h.Len() > 0 && sameKey(h.items[0].value, top.value) {
				dup := heap.Pop(h).(heapItem[T])
				advance(dup.srcIdx)
			}
			if !yield(top.value) {
				return
			}
		}
	}
}
