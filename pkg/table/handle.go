package table

import (
	"log/slog"
	"os"
	"sync"

	"github.com/hungtd9/heftydb/pkg/sstable"
)

// Handle is a reference-counted wrapper around an open *sstable.SSTable. Design Notes §9 calls for
// reference counts rather than language finalizers to decide when a compacted-away table's file can be
// unlinked: a reader mid-scan holds a Handle retained, so the file survives under it even after the
// Compactor has already swapped a replacement into the Registry.
type Handle struct {
	mu       sync.Mutex
	table    *sstable.SSTable
	refcount int
	obsolete bool
}

func newHandle(t *sstable.SSTable) *Handle {
	return &Handle{table: t, refcount: 1}
}

// Table returns the underlying SSTable. Valid only while the Handle is retained.
func (h *Handle) Table() *sstable.SSTable { return h.table }

// Retain increments the reference count and returns h, for chaining at acquisition sites.
func (h *Handle) Retain() *Handle {
	h.mu.Lock()
	h.refcount++
	h.mu.Unlock()
	return h
}

// Release decrements the reference count. If the count reaches zero and the Handle has been marked
// obsolete (its table was replaced in the Registry, e.g. by compaction), the underlying file is closed
// and unlinked.
func (h *Handle) Release() {
	h.mu.Lock()
	h.refcount--
	shouldReclaim := h.refcount == 0 && h.obsolete
	h.mu.Unlock()
	if shouldReclaim {
		h.reclaim()
	}
}

// markObsolete flags the Handle's file for deletion once the last reader releases it. Called by the
// Registry when a compaction swap replaces the generation.
func (h *Handle) markObsolete() {
	h.mu.Lock()
	h.obsolete = true
	shouldReclaim := h.refcount == 0
	h.mu.Unlock()
	if shouldReclaim {
		h.reclaim()
	}
}

func (h *Handle) reclaim() {
	path := h.table.Path()
	if err := h.table.Close(); err != nil {
		slog.Warn("error closing obsolete sstable", "path", path, "err", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("error removing obsolete sstable file", "path", path, "err", err)
	}
}
