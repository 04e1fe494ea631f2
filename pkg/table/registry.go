// Package table owns the mutable state an open HeftyDB database keeps beyond any single SSTable: the
// active memtable and its WAL, any frozen memtables still waiting on a background flush, and the
// reference-counted handles onto every flushed SSTable generation. Registry is the teacher's LSMTree
// (pkg/storage/lsm.go) generalized from Redis-db-scoped integer table ids to HeftyDB's MVCC generations,
// and from a single flat disk-table map to one that supports concurrent flush and compaction swaps.
package table

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hungtd9/heftydb/internal/dberr"
	"github.com/hungtd9/heftydb/internal/executor"
	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/memtable"
	"github.com/hungtd9/heftydb/pkg/sstable"
	"github.com/hungtd9/heftydb/pkg/wal"
)

var (
	memtableMaxBytes = flag.Uint64("memtable_max_bytes", 4*1024*1024,
		"Byte threshold at which a memtable is frozen and scheduled for flush to an SSTable.")

	flushRetryBaseDelay = flag.Duration("flush_retry_base_delay", 200*time.Millisecond,
		"Delay before the first retry of a failed background flush; doubles on each subsequent attempt.")
	flushRetryMaxDelay = flag.Duration("flush_retry_max_delay", 30*time.Second,
		"Cap on the exponential backoff delay between flush retries.")
	flushRetryMaxAttempts = flag.Int("flush_retry_max_attempts", 8,
		"Number of times a failed background flush is retried before the database goes read-only.")
)

// generation pairs a memtable with the WAL segment backing it. It starts "active" (still accepting
// writes); once rotated, it becomes "frozen" and is only read from until its flush completes.
type generation struct {
	id  uint64
	mt  *memtable.Table
	log *wal.Log
}

// Registry holds everything mutable about an open database's storage: the write path (active + frozen
// memtables) and the read path (flushed SSTable handles), plus the machinery to move data from one to
// the other asynchronously.
type Registry struct {
	dir  string
	exec *executor.Executor

	mu       sync.RWMutex
	closed   bool
	readOnly atomic.Bool // set once a background flush exhausts its retries; see scheduleFlush.
	nextGen  uint64
	active  *generation
	frozen  []*generation         // oldest first; each awaits or is undergoing flush
	handles map[uint64]*Handle    // flushed SSTable generations
	order   []uint64              // handles' keys, kept sorted descending (newest first)
	onFlush func(generationID uint64) // test/compaction hook, called after a flush swap lands
}

// Open scans dir for existing *.table and *.wal files, recovers any unflushed writes from WAL replay,
// and returns a Registry ready to accept new writes at the next generation id.
func Open(dir string, exec *executor.Executor) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("table: create data dir %s: %w", dir, &dberr.IOError{Op: "mkdir", Err: err})
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("table: read data dir %s: %w", dir, &dberr.IOError{Op: "readdir", Err: err})
	}

	tableGens := map[uint64]string{}
	walGens := map[uint64]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".table"):
			if id, ok := parseGeneration(strings.TrimSuffix(name, ".table")); ok {
				tableGens[id] = filepath.Join(dir, name)
			}
		case strings.HasSuffix(name, ".wal"):
			if id, ok := parseGeneration(strings.TrimSuffix(name, ".wal")); ok {
				walGens[id] = filepath.Join(dir, name)
			}
		}
	}

	r := &Registry{dir: dir, exec: exec, handles: map[uint64]*Handle{}}

	var tableIDs []uint64
	for id := range tableGens {
		tableIDs = append(tableIDs, id)
	}
	sort.Slice(tableIDs, func(i, j int) bool { return tableIDs[i] > tableIDs[j] })
	for _, id := range tableIDs {
		path := tableGens[id]
		sst, openErr := sstable.OpenCached(path, id)
		if openErr != nil {
			slog.Warn("quarantining corrupt sstable found at startup", "path", path, "err", openErr)
			if qerr := sstable.Quarantine(path); qerr != nil {
				return nil, qerr
			}
			continue
		}
		r.handles[id] = newHandle(sst)
		r.order = append(r.order, id)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] > r.order[j] })

	maxSeen := uint64(0)
	for id := range tableGens {
		if id > maxSeen {
			maxSeen = id
		}
	}

	var recoveredIDs []uint64
	for id := range walGens {
		if _, flushed := tableGens[id]; flushed {
			// This generation flushed successfully; its WAL is a leftover that crash-interrupted
			// cleanup failed to remove. Safe to delete now.
			_ = wal.Remove(dir, id)
			continue
		}
		recoveredIDs = append(recoveredIDs, id)
		if id > maxSeen {
			maxSeen = id
		}
	}
	sort.Slice(recoveredIDs, func(i, j int) bool { return recoveredIDs[i] < recoveredIDs[j] })

	for _, id := range recoveredIDs {
		mt := memtable.New(id)
		recovered, replayErr := wal.Replay(wal.SegmentPath(dir, id), func(t key.Tuple) error {
			mt.Put(t.Key, t.Value)
			return nil
		})
		if replayErr != nil {
			return nil, fmt.Errorf("table: replay generation %d: %w", id, replayErr)
		}
		slog.Info("recovered memtable generation from wal", "generation", id, "records", recovered)
		log, reopenErr := wal.OpenForAppend(dir, id)
		if reopenErr != nil {
			return nil, fmt.Errorf("table: reopen wal for generation %d: %w", id, reopenErr)
		}
		gen := &generation{id: id, mt: mt, log: log}
		if id == maxSeen {
			r.active = gen
		} else {
			r.frozen = append(r.frozen, gen)
		}
	}

	r.nextGen = maxSeen + 1
	if r.active == nil {
		if err := r.startNewActiveLocked(); err != nil {
			return nil, err
		}
	}
	for _, gen := range r.frozen {
		r.scheduleFlush(gen)
	}
	return r, nil
}

func parseGeneration(stem string) (uint64, bool) {
	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (r *Registry) startNewActiveLocked() error {
	id := r.nextGen
	r.nextGen++
	log, err := wal.Create(r.dir, id)
	if err != nil {
		return fmt.Errorf("table: create wal for generation %d: %w", id, &dberr.CapacityError{Op: "rotate", Err: err})
	}
	r.active = &generation{id: id, mt: memtable.New(id), log: log}
	return nil
}

// Dir returns the registry's data directory.
func (r *Registry) Dir() string { return r.dir }

// snapshotView captures everything a Get/iterator pass needs: the active and frozen memtables, newest
// first, and retained handles for every flushed SSTable, newest generation first. Callers must Release
// every handle in Handles when done.
type snapshotView struct {
	Memtables []*memtable.Table
	Handles   []*Handle
}

func (r *Registry) view() snapshotView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := snapshotView{}
	if r.active != nil {
		v.Memtables = append(v.Memtables, r.active.mt)
	}
	for i := len(r.frozen) - 1; i >= 0; i-- {
		v.Memtables = append(v.Memtables, r.frozen[i].mt)
	}
	for _, id := range r.order {
		h := r.handles[id]
		v.Handles = append(v.Handles, h.Retain())
	}
	return v
}

func releaseView(v snapshotView) {
	for _, h := range v.Handles {
		h.Release()
	}
}

// scheduleFlush submits a background task that streams gen's memtable to a new SSTable, then performs
// the atomic swap described in §4.6: the new table replaces the frozen memtable in Tables, and the
// WAL is removed only after that swap is durable on disk. Per internal/dberr.IOError's documented
// contract ("background workers retry with backoff"), a failed attempt is resubmitted after an
// exponentially increasing delay; once flush_retry_max_attempts is exhausted the registry goes
// read-only rather than stranding gen's memtable in memory forever.
func (r *Registry) scheduleFlush(gen *generation) {
	r.scheduleFlushAttempt(gen, 0)
}

func (r *Registry) scheduleFlushAttempt(gen *generation, attempt int) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}

	err := r.exec.Submit(func(_ context.Context) {
		if flushErr := r.flush(gen); flushErr != nil {
			r.retryFlush(gen, attempt, flushErr)
		}
	})
	if err != nil {
		slog.Error("failed to schedule flush, database is shutting down", "generation", gen.id, "err", err)
	}
}

// retryFlush backs off and resubmits gen's flush, or marks the registry read-only once the configured
// number of attempts is exhausted.
func (r *Registry) retryFlush(gen *generation, attempt int, flushErr error) {
	attempt++
	if attempt >= *flushRetryMaxAttempts {
		r.readOnly.Store(true)
		slog.Error("flush exhausted its retries, database is now read-only",
			"generation", gen.id, "attempts", attempt, "err", flushErr)
		return
	}
	delay := flushRetryDelay(attempt)
	slog.Warn("flush failed, retrying with backoff",
		"generation", gen.id, "attempt", attempt, "delay", delay, "err", flushErr)
	time.AfterFunc(delay, func() { r.scheduleFlushAttempt(gen, attempt) })
}

func flushRetryDelay(attempt int) time.Duration {
	delay := *flushRetryBaseDelay << uint(attempt-1)
	if delay <= 0 || delay > *flushRetryMaxDelay {
		delay = *flushRetryMaxDelay
	}
	return delay
}

// ReadOnly reports whether a background flush has exhausted its retries. Writers must reject new writes
// once this is true; reads remain unaffected.
func (r *Registry) ReadOnly() bool { return r.readOnly.Load() }

// Close flushes the active memtable synchronously (if non-empty) and closes every open SSTable handle.
// Close is not idempotent-safe to call concurrently with writes; callers must quiesce writers first.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	active := r.active
	frozen := append([]*generation(nil), r.frozen...)
	r.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if active != nil && active.mt.Len() > 0 {
		record(r.flush(active))
	} else if active != nil {
		record(active.log.Close())
		record(wal.Remove(r.dir, active.id))
	}
	for _, gen := range frozen {
		record(r.flush(gen))
	}

	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()
	for _, h := range handles {
		record(h.table.Close())
	}
	return firstErr
}
