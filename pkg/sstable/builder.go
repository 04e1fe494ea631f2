package sstable

import (
	"flag"
	"fmt"
	"os"

	"github.com/hungtd9/heftydb/pkg/block"
	"github.com/hungtd9/heftydb/pkg/bloom"
	"github.com/hungtd9/heftydb/pkg/key"
)

var (
	recordBlockSize = flag.Uint("record_block_size", 64*1024,
		"Target size in bytes of a record block before it is flushed to disk.")
	indexBlockSize = flag.Uint("index_block_size", 64*1024,
		"Target size in bytes of an index block before it is flushed to disk.")
	bloomFalsePositiveRate = flag.Float64("bloom_filter_false_positive_rate", 0.01,
		"Desired false-positive rate of the per-SSTable bloom filter.")
)

// level accumulates IndexRecords addressing either record blocks (level 0) or the index blocks one
// level below it. It remembers the start key of the last record added, since IndexBlockBuilder.Finish
// consumes the builder and Builder needs that key to address this level's own flushed bytes from its
// parent.
type level struct {
	builder *block.IndexBlockBuilder
	lastKey key.Key
}

func newLevel() *level {
	return &level{builder: block.NewIndexBlockBuilder()}
}

// Builder streams sorted tuples into a new SSTable file, building the record blocks, the multi-level
// index tree above them, the bloom filter, and the trailing footer — grounded on the teacher's
// writeSSTable, generalized from a single flat block list to the spec's recursive index tree.
type Builder struct {
	file   *os.File
	offset uint64

	currentRecords *block.RecordBlockBuilder
	levels         []*level

	filter     *bloom.Filter
	tupleCount uint64

	recordBlockBytes uint64
	indexBlockBytes  uint64
}

// NewBuilder creates a Builder that writes to a new file at path. expectedTuples sizes the bloom
// filter; it need only be approximate.
func NewBuilder(path string, expectedTuples uint) (*Builder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	return &Builder{
		file:             f,
		currentRecords:   block.NewRecordBlockBuilder(),
		filter:           bloom.New(expectedTuples, *bloomFalsePositiveRate),
		recordBlockBytes: uint64(*recordBlockSize),
		indexBlockBytes:  uint64(*indexBlockSize),
	}, nil
}

// Add appends the next tuple in sorted key order.
func (b *Builder) Add(t key.Tuple) error {
	if err := b.currentRecords.Add(t); err != nil {
		return fmt.Errorf("sstable: add tuple to record block: %w", err)
	}
	b.filter.Add(t.Key.Bytes)
	b.tupleCount++
	if uint64(b.currentRecords.Size()) >= b.recordBlockBytes {
		return b.flushRecordBlock()
	}
	return nil
}

func (b *Builder) flushRecordBlock() error {
	if b.currentRecords.Len() == 0 {
		return nil
	}
	lastKey, err := b.currentRecords.LastKey()
	if err != nil {
		return err
	}
	data, err := b.currentRecords.Finish()
	if err != nil {
		return fmt.Errorf("sstable: finish record block: %w", err)
	}
	offset := b.offset
	if _, err := b.file.Write(data); err != nil {
		return fmt.Errorf("sstable: write record block: %w", err)
	}
	b.offset += uint64(len(data))
	b.currentRecords = block.NewRecordBlockBuilder()
	return b.addIndexEntry(0, lastKey, offset, uint64(len(data)))
}

func (b *Builder) addIndexEntry(levelIdx int, lastKey key.Key, offset, size uint64) error {
	for levelIdx >= len(b.levels) {
		b.levels = append(b.levels, newLevel())
	}
	lvl := b.levels[levelIdx]
	if err := lvl.builder.Add(block.IndexRecord{StartKey: lastKey, ChildOffset: offset, ChildSize: size}); err != nil {
		return fmt.Errorf("sstable: add index entry at level %d: %w", levelIdx, err)
	}
	lvl.lastKey = lastKey
	if uint64(lvl.builder.Size()) >= b.indexBlockBytes {
		return b.flushLevel(levelIdx)
	}
	return nil
}

func (b *Builder) flushLevel(levelIdx int) error {
	lvl := b.levels[levelIdx]
	if lvl.builder.Len() == 0 {
		return nil
	}
	lastKey := lvl.lastKey
	data, err := lvl.builder.Finish()
	if err != nil {
		return fmt.Errorf("sstable: finish index level %d: %w", levelIdx, err)
	}
	offset := b.offset
	if _, err := b.file.Write(data); err != nil {
		return fmt.Errorf("sstable: write index level %d: %w", levelIdx, err)
	}
	b.offset += uint64(len(data))
	b.levels[levelIdx] = newLevel()
	return b.addIndexEntry(levelIdx+1, lastKey, offset, uint64(len(data)))
}

// Finish flushes the tail record block, closes every index level bottom-up, writes the root index,
// appends the bloom filter, writes the footer, and fsyncs. It returns the total tuple count written.
func (b *Builder) Finish() (uint64, error) {
	if err := b.flushRecordBlock(); err != nil {
		return 0, err
	}
	if len(b.levels) == 0 {
		_ = b.file.Close()
		return 0, fmt.Errorf("sstable: cannot finish an empty builder")
	}

	i := 0
	for i < len(b.levels)-1 {
		if err := b.flushLevel(i); err != nil {
			return 0, err
		}
		i++
	}
	root := b.levels[len(b.levels)-1]
	rootData, err := root.builder.Finish()
	if err != nil {
		return 0, fmt.Errorf("sstable: finish root index: %w", err)
	}
	rootOffset := b.offset
	if _, err := b.file.Write(rootData); err != nil {
		return 0, fmt.Errorf("sstable: write root index: %w", err)
	}
	b.offset += uint64(len(rootData))

	filterBytes := b.filter.Serialize()
	filterOffset := b.offset
	if _, err := b.file.Write(filterBytes); err != nil {
		return 0, fmt.Errorf("sstable: write bloom filter: %w", err)
	}
	b.offset += uint64(len(filterBytes))

	ft := footer{
		rootIndexOffset: rootOffset,
		rootIndexSize:   uint64(len(rootData)),
		filterOffset:    filterOffset,
		filterSize:      uint64(len(filterBytes)),
		tupleCount:      b.tupleCount,
		indexHeight:     uint32(len(b.levels) - 1),
	}
	if _, err := b.file.Write(ft.encode()); err != nil {
		return 0, fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := b.file.Sync(); err != nil {
		return 0, fmt.Errorf("sstable: fsync: %w", err)
	}
	if err := b.file.Close(); err != nil {
		return 0, fmt.Errorf("sstable: close: %w", err)
	}
	return b.tupleCount, nil
}

// Abort discards the builder's output file. Used when construction fails partway or a compaction
// output is no longer needed.
func (b *Builder) Abort() error {
	name := b.file.Name()
	_ = b.file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sstable: remove aborted build %s: %w", name, err)
	}
	return nil
}
