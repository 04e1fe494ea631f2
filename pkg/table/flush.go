package table

import (
	"fmt"
	"log/slog"

	"github.com/hungtd9/heftydb/internal/metrics"
	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/sstable"
	"github.com/hungtd9/heftydb/pkg/wal"
)

// flush streams gen's memtable, in Key order, through an SSTableBuilder, atomically installs the result
// in the Registry in place of the frozen memtable, and only then deletes the memtable's WAL — per
// §4.6, the swap is the sole linearization point for durability after flush.
func (r *Registry) flush(gen *generation) error {
	if gen.mt.Len() == 0 {
		r.mu.Lock()
		r.dropFrozenLocked(gen)
		r.mu.Unlock()
		_ = gen.log.Close()
		return wal.Remove(r.dir, gen.id)
	}

	path := sstable.Path(r.dir, gen.id)
	builder, err := sstable.NewBuilder(path, uint(gen.mt.Len()))
	if err != nil {
		return fmt.Errorf("table: create sstable builder for generation %d: %w", gen.id, err)
	}
	var buildErr error
	gen.mt.AscendFrom(key.Key{}, func(t key.Tuple) bool {
		if addErr := builder.Add(t); addErr != nil {
			buildErr = addErr
			return false
		}
		return true
	})
	if buildErr != nil {
		_ = builder.Abort()
		return fmt.Errorf("table: write sstable for generation %d: %w", gen.id, buildErr)
	}
	if _, err := builder.Finish(); err != nil {
		return fmt.Errorf("table: finish sstable for generation %d: %w", gen.id, err)
	}

	sst, err := sstable.OpenCached(path, gen.id)
	if err != nil {
		return fmt.Errorf("table: reopen flushed sstable for generation %d: %w", gen.id, err)
	}

	r.mu.Lock()
	r.handles[gen.id] = newHandle(sst)
	r.order = append(r.order, gen.id)
	sortDescending(r.order)
	r.dropFrozenLocked(gen)
	hook := r.onFlush
	r.mu.Unlock()

	if err := gen.log.Close(); err != nil {
		slog.Warn("error closing flushed wal segment", "generation", gen.id, "err", err)
	}
	if err := wal.Remove(r.dir, gen.id); err != nil {
		slog.Warn("error removing flushed wal segment", "generation", gen.id, "err", err)
	}
	metrics.TablesFlushed.Inc()
	metrics.BytesFlushed.Add(float64(sst.SizeBytes()))
	slog.Info("flushed memtable to sstable", "generation", gen.id, "tuples", sst.TupleCount())
	if hook != nil {
		hook(gen.id)
	}
	return nil
}

// dropFrozenLocked removes gen from either the active slot or the frozen list. Caller holds r.mu.
func (r *Registry) dropFrozenLocked(gen *generation) {
	if r.active == gen {
		r.active = nil
		return
	}
	for i, g := range r.frozen {
		if g == gen {
			r.frozen = append(r.frozen[:i], r.frozen[i+1:]...)
			return
		}
	}
}

func sortDescending(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] < ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
