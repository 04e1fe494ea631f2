// Package sstable implements HeftyDB's immutable on-disk sorted table: record blocks holding sorted
// tuples, a multi-level index tree above them, a bloom filter, and a trailing footer. It is grounded on
// the teacher's pkg/storage/sstable.go (eager header load, lazy data-block load through a shared cache,
// mutex-guarded Close) generalized from kiwi's protobuf-framed blocks to the spec's hand-rolled wire
// format and recursive index tree.
package sstable

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hungtd9/heftydb/internal/dberr"
	"github.com/hungtd9/heftydb/pkg/block"
	"github.com/hungtd9/heftydb/pkg/bloom"
	"github.com/hungtd9/heftydb/pkg/key"
)

// ErrKeyNotFound is a sentinel for a key that is definitely absent from a table. Get does not return it:
// it reports absence with ok=false and a nil error.
var ErrKeyNotFound = errors.New("sstable: key not found")

// ErrClosed is a sentinel for a closed table. Operations issued after Close return a
// *dberr.ClosedError rather than this value.
var ErrClosed = errors.New("sstable: closed")

// BlockKind distinguishes the two shapes of block a table stores, so a BlockSource can route each to
// its own cache: per §4.9, RecordBlock bytes and IndexBlock bytes are budgeted separately.
type BlockKind int

const (
	RecordBlockKind BlockKind = iota
	IndexBlockKind
)

// BlockSource loads raw block bytes at an offset/size within a table file. The default implementation
// reads straight from the open file handle; a Cache-backed implementation (pkg/sstable/block_cache.go)
// intercepts reads to serve them from memory.
type BlockSource interface {
	ReadBlock(kind BlockKind, offset, size uint64) ([]byte, error)
}

// BlockSourceFactory builds a table's BlockSource once its file handle is open. Open needs the open
// *os.File before a BlockSource can be constructed, so callers that want a non-default source (the
// shared block cache, a test double) supply a factory rather than a finished BlockSource.
type BlockSourceFactory func(file *os.File) BlockSource

// fileBlockSource reads directly from an os.File, bypassing any cache.
type fileBlockSource struct{ file *os.File }

func (f fileBlockSource) ReadBlock(_ BlockKind, offset, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := f.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block at offset %d size %d: %w", offset, size, err)
	}
	return buf, nil
}

// SSTable is an open, immutable sorted table file. GenerationID identifies it within the Tables
// registry; Path is its file on disk.
type SSTable struct {
	mu           sync.RWMutex
	closed       bool
	generationID uint64
	path         string
	file         *os.File
	source       BlockSource
	sizeBytes    int64

	footer footer
	root   *block.IndexBlock
	filter *bloom.Filter
}

// Path returns a table's conventional on-disk filename for a generation id.
func Path(dir string, generationID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.table", generationID))
}

// Open reads an SSTable's footer and root index into memory and initializes its bloom filter. The root
// index stays resident for the table's lifetime, per §4.2; record and non-root index blocks are read
// through the BlockSource newSource builds on demand. A nil newSource reads directly from the file,
// bypassing any cache; OpenCached wires in the shared process-wide block cache instead.
func Open(path string, generationID uint64, newSource BlockSourceFactory) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, &dberr.IOError{Op: "open", Err: err})
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("sstable: stat %s: %w", path, &dberr.IOError{Op: "stat", Err: err})
	}
	if info.Size() < footerSize {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path, Err: fmt.Errorf("file shorter than footer (%d bytes)", info.Size())}
	}

	footerBuf := make([]byte, footerSize)
	if _, err := file.ReadAt(footerBuf, info.Size()-footerSize); err != nil {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path, Err: fmt.Errorf("read footer: %w", err)}
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path, Err: err}
	}
	if required := int64(ft.rootIndexOffset + ft.rootIndexSize + ft.filterSize + footerSize); info.Size() < required {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path,
			Err: fmt.Errorf("file size %d shorter than declared extents %d", info.Size(), required)}
	}

	var source BlockSource
	if newSource != nil {
		source = newSource(file)
	} else {
		source = fileBlockSource{file: file}
	}

	rootBytes, err := source.ReadBlock(IndexBlockKind, ft.rootIndexOffset, ft.rootIndexSize)
	if err != nil {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path, Err: fmt.Errorf("read root index: %w", err)}
	}
	root, err := block.ParseIndexBlock(rootBytes)
	if err != nil {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path, Err: fmt.Errorf("parse root index: %w", err)}
	}

	filterBytes := make([]byte, ft.filterSize)
	if _, err := file.ReadAt(filterBytes, int64(ft.filterOffset)); err != nil {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path, Err: fmt.Errorf("read bloom filter: %w", err)}
	}
	filter, err := bloom.Deserialize(filterBytes)
	if err != nil {
		_ = file.Close()
		return nil, &dberr.CorruptTableError{Path: path, Err: fmt.Errorf("parse bloom filter: %w", err)}
	}

	slog.Debug("opened sstable", "path", path, "generation", generationID, "tuples", ft.tupleCount,
		"indexHeight", ft.indexHeight)
	return &SSTable{
		generationID: generationID, path: path, file: file, source: source, sizeBytes: info.Size(),
		footer: ft, root: root, filter: filter,
	}, nil
}

// OpenCached is Open wired to the shared process-wide block cache (see pkg/sstable/block_cache.go),
// the form every production caller (pkg/table) should use; tests that care about exact disk-read counts
// should call Open directly with an explicit factory instead, since the shared cache's state persists
// across a test binary's whole run.
func OpenCached(path string, generationID uint64) (*SSTable, error) {
	return Open(path, generationID, func(file *os.File) BlockSource {
		return newCachedBlockSource(generationID, file)
	})
}

// Quarantine renames a corrupt table file aside (suffixed .broken) so the database can open without it
// while leaving the evidence on disk for inspection, per §7's CorruptTableError handling.
func Quarantine(path string) error {
	target := path + ".broken"
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("sstable: quarantine %s: %w", path, err)
	}
	slog.Warn("quarantined corrupt sstable", "path", path, "renamedTo", target)
	return nil
}

// GenerationID identifies this table within the Tables registry.
func (t *SSTable) GenerationID() uint64 { return t.generationID }

// Path returns the table's on-disk file path.
func (t *SSTable) Path() string { return t.path }

// TupleCount returns the number of tuples recorded in the footer at build time.
func (t *SSTable) TupleCount() uint64 { return t.footer.tupleCount }

// SizeBytes returns the table file's size on disk as of Open.
func (t *SSTable) SizeBytes() int64 { return t.sizeBytes }

// Get returns the newest tuple with key.Bytes == k.Bytes and key.SnapshotID <= k.SnapshotID, following
// §4.2: bloom filter, then index tree walk, then record block binary search.
func (t *SSTable) Get(k key.Key) (key.Tuple, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return key.Tuple{}, false, &dberr.ClosedError{Op: "sstable.Get"}
	}
	if !t.filter.Test(k.Bytes) {
		return key.Tuple{}, false, nil
	}
	rec, err := t.walkToLeaf(k)
	if err != nil {
		return key.Tuple{}, false, err
	}
	rb, err := t.loadRecordBlock(rec)
	if err != nil {
		return key.Tuple{}, false, err
	}
	tup, ok, err := rb.Get(k)
	if err != nil {
		return key.Tuple{}, false, &dberr.CorruptTableError{Path: t.path, Err: err}
	}
	return tup, ok, nil
}

// walkToLeaf descends the index tree from the root to the leaf IndexRecord addressing the RecordBlock
// that could contain k.
func (t *SSTable) walkToLeaf(k key.Key) (block.IndexRecord, error) {
	level := t.root
	for height := t.footer.indexHeight; height > 0; height-- {
		rec, err := level.Get(k)
		if err != nil {
			return block.IndexRecord{}, &dberr.CorruptTableError{Path: t.path, Err: err}
		}
		childBytes, err := t.source.ReadBlock(IndexBlockKind, rec.ChildOffset, rec.ChildSize)
		if err != nil {
			return block.IndexRecord{}, fmt.Errorf("sstable: read index child: %w", &dberr.IOError{Op: "read index child", Err: err})
		}
		child, err := block.ParseIndexBlock(childBytes)
		if err != nil {
			return block.IndexRecord{}, &dberr.CorruptTableError{Path: t.path, Err: err}
		}
		level = child
	}
	return level.Get(k)
}

func (t *SSTable) loadRecordBlock(rec block.IndexRecord) (*block.RecordBlock, error) {
	data, err := t.source.ReadBlock(RecordBlockKind, rec.ChildOffset, rec.ChildSize)
	if err != nil {
		return nil, fmt.Errorf("sstable: read record block: %w", &dberr.IOError{Op: "read record block", Err: err})
	}
	rb, err := block.ParseRecordBlock(data)
	if err != nil {
		return nil, &dberr.CorruptTableError{Path: t.path, Err: err}
	}
	return rb, nil
}

// leaves returns the table's leaf-level IndexRecords — the ones addressing RecordBlocks directly — in
// ascending StartKey order, flattening the index tree's leftmost-to-rightmost leaves into one slice.
// Iterators walk this slice instead of re-descending the tree at every block boundary: the leaf level
// is small (one entry per record block) and cheap to materialize once per iterator.
func (t *SSTable) leaves() ([]block.IndexRecord, error) {
	records, err := t.collectAt(t.root, int(t.footer.indexHeight))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// collectAt expands every IndexRecord in level that is height hops above the RecordBlock-addressing
// leaf level, returning the flattened, left-to-right leaf records beneath it.
func (t *SSTable) collectAt(level *block.IndexBlock, height int) ([]block.IndexRecord, error) {
	if height == 0 {
		out := make([]block.IndexRecord, 0, level.Len())
		for i := 0; i < level.Len(); i++ {
			rec, err := level.At(i)
			if err != nil {
				return nil, &dberr.CorruptTableError{Path: t.path, Err: err}
			}
			out = append(out, rec)
		}
		return out, nil
	}
	var out []block.IndexRecord
	for i := 0; i < level.Len(); i++ {
		rec, err := level.At(i)
		if err != nil {
			return nil, &dberr.CorruptTableError{Path: t.path, Err: err}
		}
		childBytes, err := t.source.ReadBlock(IndexBlockKind, rec.ChildOffset, rec.ChildSize)
		if err != nil {
			return nil, fmt.Errorf("sstable: read index child: %w", &dberr.IOError{Op: "read index child", Err: err})
		}
		child, err := block.ParseIndexBlock(childBytes)
		if err != nil {
			return nil, &dberr.CorruptTableError{Path: t.path, Err: err}
		}
		childLeaves, err := t.collectAt(child, height-1)
		if err != nil {
			return nil, err
		}
		out = append(out, childLeaves...)
	}
	return out, nil
}

// Iterator yields tuples in key.Compare order, one RecordBlock at a time.
type Iterator struct {
	table      *SSTable
	descending bool
	leaves     []block.IndexRecord
	leafIdx    int
	block      *block.RecordBlock
	index      int
	current    key.Tuple
	done       bool
	err        error
}

// AscendingIterator returns an Iterator positioned at the first tuple with key.Compare(tuple.Key, from)
// >= 0, or at the table's first tuple when hasFrom is false.
func (t *SSTable) AscendingIterator(from key.Key, hasFrom bool) (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, &dberr.ClosedError{Op: "sstable.AscendingIterator"}
	}
	leaves, err := t.leaves()
	if err != nil {
		return nil, err
	}
	it := &Iterator{table: t, leaves: leaves}
	if len(leaves) == 0 {
		it.done = true
		return it, nil
	}
	leafIdx := 0
	if hasFrom {
		leafIdx = sort.Search(len(leaves), func(i int) bool { return key.Compare(leaves[i].StartKey, from) >= 0 })
		if leafIdx == len(leaves) {
			leafIdx = len(leaves) - 1
		}
	}
	rb, err := t.loadRecordBlock(leaves[leafIdx])
	if err != nil {
		return nil, err
	}
	idx := 0
	if hasFrom {
		idx, _, err = rb.Seek(from)
		if err != nil {
			return nil, &dberr.CorruptTableError{Path: t.path, Err: err}
		}
	}
	it.leafIdx, it.block, it.index = leafIdx, rb, idx
	return it, nil
}

// DescendingIterator returns an Iterator positioned at the last tuple with key.Compare(tuple.Key, from)
// <= 0, or at the table's last tuple when hasFrom is false.
func (t *SSTable) DescendingIterator(from key.Key, hasFrom bool) (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, &dberr.ClosedError{Op: "sstable.DescendingIterator"}
	}
	leaves, err := t.leaves()
	if err != nil {
		return nil, err
	}
	it := &Iterator{table: t, descending: true, leaves: leaves}
	if len(leaves) == 0 {
		it.done = true
		return it, nil
	}
	leafIdx := len(leaves) - 1
	if hasFrom {
		leafIdx = sort.Search(len(leaves), func(i int) bool { return key.Compare(leaves[i].StartKey, from) >= 0 })
		if leafIdx == len(leaves) {
			leafIdx = len(leaves) - 1
		}
	}
	rb, err := t.loadRecordBlock(leaves[leafIdx])
	if err != nil {
		return nil, err
	}
	idx := rb.Len() - 1
	if hasFrom {
		seekIdx, exact, serr := rb.Seek(from)
		if serr != nil {
			return nil, &dberr.CorruptTableError{Path: t.path, Err: serr}
		}
		idx = seekIdx
		if exact {
			for idx < rb.Len() {
				cand, aerr := rb.At(idx)
				if aerr != nil {
					return nil, &dberr.CorruptTableError{Path: t.path, Err: aerr}
				}
				if key.Compare(cand.Key, from) > 0 {
					break
				}
				idx++
			}
		}
		idx--
	}
	it.leafIdx, it.block, it.index = leafIdx, rb, idx
	return it, nil
}

// Next advances the iterator to the next tuple and reports whether one is available via Tuple. On
// success the decoded tuple is cached; Tuple is a pure getter until the following Next call.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	var ok bool
	if it.descending {
		ok = it.nextDescending()
	} else {
		ok = it.nextAscending()
	}
	if !ok {
		return false
	}
	tup, err := it.block.At(it.index)
	if err != nil {
		it.err = err
		return false
	}
	it.current = tup
	if it.descending {
		it.index--
	} else {
		it.index++
	}
	return true
}

func (it *Iterator) nextAscending() bool {
	for it.index >= it.block.Len() {
		it.leafIdx++
		if it.leafIdx >= len(it.leaves) {
			it.done = true
			return false
		}
		rb, err := it.table.loadRecordBlock(it.leaves[it.leafIdx])
		if err != nil {
			it.err = err
			return false
		}
		it.block, it.index = rb, 0
	}
	return true
}

func (it *Iterator) nextDescending() bool {
	for it.index < 0 {
		it.leafIdx--
		if it.leafIdx < 0 {
			it.done = true
			return false
		}
		rb, err := it.table.loadRecordBlock(it.leaves[it.leafIdx])
		if err != nil {
			it.err = err
			return false
		}
		it.block, it.index = rb, rb.Len()-1
	}
	return true
}

// Tuple returns the tuple the most recent successful Next call decoded.
func (it *Iterator) Tuple() key.Tuple { return it.current }

// Err returns the first error Next encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Close is a no-op retained for symmetry with callers that range over iterators via defer.
func (it *Iterator) Close() error { return nil }

// Close releases the table's file handle. Close is idempotent.
func (t *SSTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("sstable: close %s: %w", t.path, &dberr.IOError{Op: "close", Err: err})
	}
	return nil
}
