package table

import (
	"fmt"

	"github.com/hungtd9/heftydb/internal/dberr"
	"github.com/hungtd9/heftydb/internal/metrics"
	"github.com/hungtd9/heftydb/pkg/key"
)

// Write implements §4.6's put/delete pipeline: append to the active WAL, insert into the active
// memtable, and rotate to a fresh generation if the memtable is now over its byte threshold. An empty
// value records a tombstone (a logical delete), per §3's Value definition.
func (r *Registry) Write(keyBytes []byte, value []byte, snapshotID uint64, fsync bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &dberr.ClosedError{Op: "table.Write"}
	}
	if r.readOnly.Load() {
		r.mu.Unlock()
		return &dberr.ReadOnlyError{Op: "table.Write"}
	}
	active := r.active

	k := key.New(keyBytes, snapshotID)
	tup := key.Tuple{Key: k, Value: value}
	if err := active.log.Append(tup, fsync); err != nil {
		r.mu.Unlock()
		metrics.WALAppendFailures.Inc()
		return fmt.Errorf("table: append to wal: %w", &dberr.IOError{Op: "wal append", Err: err})
	}
	active.mt.Put(k, value)

	if uint64(active.mt.SizeBytes()) < *memtableMaxBytes {
		r.mu.Unlock()
		return nil
	}

	r.frozen = append(r.frozen, active)
	if err := r.startNewActiveLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.scheduleFlush(active)
	return nil
}
