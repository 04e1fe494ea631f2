// Package heftydb is the thin façade described in §6: it converts the core's tuple-and-tombstone
// vocabulary (pkg/key, pkg/table) into the Record-or-none vocabulary an outside caller expects, and owns
// the handful of cross-cutting collaborators (snapshot ids, the compactor) that sit above a single
// table.Registry. Grounded on the teacher's KiwiStorage (pkg/port/backend.go): a small mutex-light
// wrapper around the storage engine that every port (here, cmd/heftydb's RESP server) talks to instead
// of reaching into the engine directly.
package heftydb

import (
	"flag"
	"fmt"
	"log/slog"

	"github.com/hungtd9/heftydb/internal/executor"
	"github.com/hungtd9/heftydb/internal/metrics"
	"github.com/hungtd9/heftydb/pkg/compaction"
	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/snapshot"
	"github.com/hungtd9/heftydb/pkg/table"
)

var (
	flushWorkers     = flag.Int("flush_workers", 2, "Number of goroutines draining frozen memtables to SSTables.")
	flushQueueSize   = flag.Int("flush_queue_size", 16, "Bounded queue size for the flush executor.")
	compactWorkers   = flag.Int("compaction_workers", 1, "Number of goroutines running background compactions.")
	compactQueueSize = flag.Int("compaction_queue_size", 4, "Bounded queue size for the compaction executor.")
)

// CurrentSnapshot is the sentinel snapshot id meaning "everything committed as of this call", per §6's
// get(key, snapshot=current). No write will ever be stamped with this id, since snapshot.Set hands out
// ids starting at 1 and increments by one per call.
const CurrentSnapshot = ^uint64(0)

// Record is a key/value pair with tombstones already filtered out, the shape callers outside the core
// see (key.Record, re-exported so callers don't need to import pkg/key for this one type).
type Record = key.Record

// Database is the façade over one open HeftyDB data directory: a table.Registry for storage, a
// snapshot.Set for MVCC visibility, and a compaction.Compactor driving background merges.
type Database struct {
	registry    *table.Registry
	snapshots   *snapshot.Set
	compactor   *compaction.Compactor
	flushExec   *executor.Executor
	compactExec *executor.Executor
}

// Open recovers or creates a database rooted at dir and starts its background flush and compaction
// loops. strategy selects the compaction policy; pass compaction.FromFlag() to honor -compaction_strategy.
func Open(dir string, strategy compaction.Strategy) (*Database, error) {
	flushExec := executor.New(*flushWorkers, *flushQueueSize)
	registry, err := table.Open(dir, flushExec)
	if err != nil {
		flushExec.Close()
		return nil, fmt.Errorf("heftydb: open table registry: %w", err)
	}

	snapshots := snapshot.NewSet()
	compactExec := executor.New(*compactWorkers, *compactQueueSize)
	compactor := compaction.New(registry, strategy, snapshots, compactExec)
	compactor.Start()

	return &Database{
		registry:    registry,
		snapshots:   snapshots,
		compactor:   compactor,
		flushExec:   flushExec,
		compactExec: compactExec,
	}, nil
}

// Put implements §6's put(key, value, fsync) → snapshotId: stamps the write with a fresh, unrefcounted
// snapshot id and appends it through the registry's write pipeline.
func (d *Database) Put(keyBytes, value []byte, fsync bool) (uint64, error) {
	id := d.snapshots.NextWriteID()
	if err := d.registry.Write(keyBytes, value, id, fsync); err != nil {
		return 0, fmt.Errorf("heftydb: put: %w", err)
	}
	return id, nil
}

// Delete implements §6's delete(key) → snapshotId: a put with an empty (tombstone) value.
func (d *Database) Delete(keyBytes []byte, fsync bool) (uint64, error) {
	id := d.snapshots.NextWriteID()
	if err := d.registry.Write(keyBytes, nil, id, fsync); err != nil {
		return 0, fmt.Errorf("heftydb: delete: %w", err)
	}
	return id, nil
}

// ReadOnly reports whether Put/Delete are currently rejected because a background flush exhausted its
// retries (internal/dberr.ReadOnlyError). Reads remain available regardless.
func (d *Database) ReadOnly() bool { return d.registry.ReadOnly() }

// Get implements §6's get(key, snapshot=current) → record | none, converting a hit tombstone to "not
// found" per §4.7 ("the façade converts them to none for callers").
func (d *Database) Get(keyBytes []byte, snapshotID uint64) (Record, bool, error) {
	tup, ok, err := d.registry.Get(keyBytes, snapshotID)
	if err != nil {
		return Record{}, false, fmt.Errorf("heftydb: get: %w", err)
	}
	if !ok || tup.Value.IsTombstone() {
		return Record{}, false, nil
	}
	return Record{Key: tup.Key.Bytes, Value: []byte(tup.Value)}, true, nil
}

// AscendingIterator implements §6's ascendingIterator([startKey], snapshot). release must be called once
// iteration is done, even on an early break, to return retained SSTable handles. A key whose newest
// visible version is a tombstone is skipped, so deleted keys do not appear.
func (d *Database) AscendingIterator(startKey []byte, hasStart bool, snapshotID uint64) (seq func(yield func(Record) bool), release func(), err error) {
	from := key.Key{}
	if hasStart {
		from = key.Key{Bytes: startKey, SnapshotID: snapshotID}
	}
	tuples, release, err := d.registry.AscendingIterator(from, hasStart, snapshotID)
	if err != nil {
		return nil, nil, fmt.Errorf("heftydb: ascending iterator: %w", err)
	}
	return recordSeq(tuples), release, nil
}

// DescendingIterator is AscendingIterator's mirror.
func (d *Database) DescendingIterator(startKey []byte, hasStart bool, snapshotID uint64) (seq func(yield func(Record) bool), release func(), err error) {
	from := key.Key{}
	if hasStart {
		// Snapshot id 0 sorts after every version of startKey, so all of its versions fall in range and
		// the registry's snapshot filter picks the visible one.
		from = key.Key{Bytes: startKey, SnapshotID: 0}
	}
	tuples, release, err := d.registry.DescendingIterator(from, hasStart, snapshotID)
	if err != nil {
		return nil, nil, fmt.Errorf("heftydb: descending iterator: %w", err)
	}
	return recordSeq(tuples), release, nil
}

func recordSeq(tuples func(yield func(key.Tuple) bool)) func(yield func(Record) bool) {
	return func(yield func(Record) bool) {
		tuples(func(t key.Tuple) bool {
			if t.Value.IsTombstone() {
				return true
			}
			return yield(Record{Key: t.Key.Bytes, Value: []byte(t.Value)})
		})
	}
}

// NewSnapshot allocates and retains a fresh snapshot id pinned at the current write frontier, for a
// caller that wants a consistent read view across several calls. Pair with ReleaseSnapshot.
func (d *Database) NewSnapshot() uint64 { return d.snapshots.Retain() }

// RetainSnapshot implements §6's retainSnapshot(id): shares a hold on an id already returned by a prior
// Put, Delete, or NewSnapshot call, so compaction won't discard versions it still needs.
func (d *Database) RetainSnapshot(id uint64) { d.snapshots.RetainExisting(id) }

// ReleaseSnapshot implements §6's releaseSnapshot(id).
func (d *Database) ReleaseSnapshot(id uint64) { d.snapshots.Release(id) }

// Compact implements §6's compact() → future as a channel a caller can select on or ignore. It triggers
// an immediate full compaction of every currently flushed generation, off the caller's goroutine.
func (d *Database) Compact() <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.compactor.CompactNow() }()
	return done
}

// LogMetrics implements §6's logMetrics(): logs a snapshot of the core's Prometheus gauges/counters at
// info level, for a caller that wants periodic visibility without scraping the /metrics endpoint.
func (d *Database) LogMetrics() {
	infos := d.registry.TableInfos()
	var totalBytes int64
	var totalTuples uint64
	for _, info := range infos {
		totalBytes += info.SizeBytes
		totalTuples += info.TupleCount
	}
	metrics.LiveTables.Set(float64(len(infos)))
	slog.Info("heftydb metrics",
		"live_tables", len(infos),
		"total_table_bytes", totalBytes,
		"total_tuples", totalTuples,
		"min_retained_snapshot", d.snapshots.MinRetained())
}

// Close implements §6's close(): idempotent, stops the compactor, flushes and closes every table, then
// drains both executors. Subsequent operations return ClosedError.
func (d *Database) Close() error {
	d.compactor.Close()
	err := d.registry.Close()
	d.flushExec.Close()
	d.compactExec.Close()
	if err != nil {
		return fmt.Errorf("heftydb: close: %w", err)
	}
	return nil
}
