package table

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/hungtd9/heftydb/internal/dberr"
	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/scan"
	"github.com/hungtd9/heftydb/pkg/sstable"
)

// TableInfo is a snapshot of one flushed SSTable generation's metadata, handed to a compaction.Strategy
// so it can pick merge candidates without reaching into Registry internals.
type TableInfo struct {
	GenerationID uint64
	SizeBytes    int64
	TupleCount   uint64
}

// TableInfos returns metadata for every currently flushed SSTable generation, newest first.
func (r *Registry) TableInfos() []TableInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]TableInfo, 0, len(r.order))
	for _, id := range r.order {
		t := r.handles[id].Table()
		infos = append(infos, TableInfo{GenerationID: id, SizeBytes: t.SizeBytes(), TupleCount: t.TupleCount()})
	}
	return infos
}

// Compact merges the SSTable generations named by inputIDs into one new generation, applying §4.8's key
// retention rules, and atomically swaps the result into the registry in place of the inputs.
// minRetainedSnapshot is snapshot.Set.MinRetained() as of when the merge was planned: a retained
// reader's snapshot id pins every tuple visible to it. fullCompaction reports whether inputIDs covers
// every flushed generation at selection time — a tombstone can only be dropped then, since an excluded,
// surviving older generation could otherwise still hold a version it would wrongly resurrect.
//
// A zero returned generation id with a nil error means the retention rules dropped every input tuple and
// the inputs were retired with no replacement table.
func (r *Registry) Compact(inputIDs []uint64, minRetainedSnapshot uint64, fullCompaction bool) (uint64, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return 0, &dberr.ClosedError{Op: "table.Compact"}
	}
	inputs := make([]*Handle, 0, len(inputIDs))
	for _, id := range inputIDs {
		h, ok := r.handles[id]
		if !ok {
			r.mu.RUnlock()
			return 0, fmt.Errorf("table: compact: generation %d is not a currently flushed table", id)
		}
		inputs = append(inputs, h.Retain())
	}
	r.mu.RUnlock()
	defer func() {
		for _, h := range inputs {
			h.Release()
		}
	}()

	sort.Slice(inputs, func(i, j int) bool {
		return inputs[i].Table().GenerationID() > inputs[j].Table().GenerationID()
	})

	var sources []scan.TupleSeq[key.Tuple]
	var totalTuples uint64
	for _, h := range inputs {
		it, iterErr := h.Table().AscendingIterator(key.Key{}, false)
		if iterErr != nil {
			return 0, fmt.Errorf("table: compact: open iterator for generation %d: %w", h.Table().GenerationID(), iterErr)
		}
		sources = append(sources, &sstableSeq{it: it, snapshotID: math.MaxUint64})
		totalTuples += h.Table().TupleCount()
	}
	// A sameKey predicate that never matches turns scan.Merge into a plain ordered merge: compaction
	// needs to see every version of a key, not just the newest, to apply the retention rules below.
	never := func(key.Tuple, key.Tuple) bool { return false }
	merged := scan.Merge(sources, func(a, b key.Tuple) int { return key.Compare(a.Key, b.Key) }, never)

	r.mu.Lock()
	id := r.nextGen
	r.nextGen++
	r.mu.Unlock()

	path := sstable.Path(r.dir, id)
	builder, err := sstable.NewBuilder(path, uint(totalTuples))
	if err != nil {
		return 0, fmt.Errorf("table: compact: create builder for generation %d: %w", id, err)
	}

	var prevBytes []byte
	hasPrev := false
	var written uint64
	for tup := range merged {
		firstForKey := !hasPrev || !key.SameBytes(key.Key{Bytes: prevBytes}, tup.Key)
		keep := true
		switch {
		case firstForKey:
			if fullCompaction && tup.Value.IsTombstone() && tup.Key.SnapshotID < minRetainedSnapshot {
				keep = false
			}
		case tup.Key.SnapshotID < minRetainedSnapshot:
			keep = false
		}
		if keep {
			if addErr := builder.Add(tup); addErr != nil {
				_ = builder.Abort()
				return 0, fmt.Errorf("table: compact: write generation %d: %w", id, addErr)
			}
			written++
		}
		prevBytes, hasPrev = tup.Key.Bytes, true
	}
	for _, s := range sources {
		if sErr := s.Err(); sErr != nil {
			_ = builder.Abort()
			return 0, fmt.Errorf("table: compact: read input: %w", sErr)
		}
	}

	if written == 0 {
		_ = builder.Abort()
		r.retireInputsLocked(inputs)
		slog.Info("compaction dropped every input tuple", "inputs", inputIDs)
		return 0, nil
	}

	if _, err := builder.Finish(); err != nil {
		return 0, fmt.Errorf("table: compact: finish generation %d: %w", id, err)
	}
	sst, err := sstable.OpenCached(path, id)
	if err != nil {
		return 0, fmt.Errorf("table: compact: reopen generation %d: %w", id, err)
	}

	r.mu.Lock()
	r.removeHandlesLocked(inputs)
	r.handles[id] = newHandle(sst)
	r.order = append(r.order, id)
	sortDescending(r.order)
	r.mu.Unlock()
	r.retireInputs(inputs)

	slog.Info("compacted sstables", "inputs", inputIDs, "output", id, "tuples", written)
	return id, nil
}

func (r *Registry) retireInputsLocked(inputs []*Handle) {
	r.mu.Lock()
	r.removeHandlesLocked(inputs)
	r.mu.Unlock()
	r.retireInputs(inputs)
}

// removeHandlesLocked drops inputs from the registry's live table set. Caller holds r.mu.
func (r *Registry) removeHandlesLocked(inputs []*Handle) {
	remove := make(map[uint64]bool, len(inputs))
	for _, h := range inputs {
		remove[h.Table().GenerationID()] = true
	}
	for id := range remove {
		delete(r.handles, id)
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	r.order = kept
}

// retireInputs marks every input Handle obsolete and drops the registry's own reference to it. The
// underlying file is closed and unlinked once the last retained reader (if any) releases its own.
func (r *Registry) retireInputs(inputs []*Handle) {
	for _, h := range inputs {
		h.markObsolete()
		h.Release()
	}
}
