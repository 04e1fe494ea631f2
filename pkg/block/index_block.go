package block

import (
	"fmt"
	"sort"

	"github.com/hungtd9/heftydb/internal/invariant"
	"github.com/hungtd9/heftydb/pkg/key"
)

// IndexRecord points at a child block (or, one level up, a child IndexBlock): StartKey is the LARGEST
// key contained anywhere in that child, which is what makes Get's "leftmost entry >= search key" rule
// correct — the first child whose largest key is not smaller than the search key is the only child
// that could possibly contain it.
type IndexRecord struct {
	StartKey    key.Key
	ChildOffset uint64
	ChildSize   uint64
}

// IndexBlock layout (exactly the RecordBlock shape, but each entry carries offset/size instead of a
// value):
//
//	[u32 count]
//	[u32 offsets[count]]
//	entries, each:
//	  [u32 keyLen][keyBytes][u64 snapshotId][u64 childOffset][u64 childSize]

// IndexBlockBuilder accumulates IndexRecords in strictly increasing StartKey order.
type IndexBlockBuilder struct {
	offsets []uint32
	entries []byte
	last    *key.Key
}

// NewIndexBlockBuilder returns an empty builder.
func NewIndexBlockBuilder() *IndexBlockBuilder {
	return &IndexBlockBuilder{}
}

// Add appends an IndexRecord. Records must be supplied in strictly increasing StartKey order;
// duplicate key bytes (from tuples sharing bytes but differing by snapshot id) are fine as long as the
// full Key — bytes and snapshot id — strictly increases.
func (b *IndexBlockBuilder) Add(rec IndexRecord) error {
	if b.last != nil && key.Compare(*b.last, rec.StartKey) >= 0 {
		invariant.Raise("block", "unordered_index_insert",
			"IndexBlockBuilder.Add received a start key out of order.", "last", *b.last, "got", rec.StartKey)
		return fmt.Errorf("index block: start keys must be strictly increasing, got %v after %v",
			rec.StartKey, *b.last)
	}
	offset := uint32(len(b.entries))
	b.offsets = append(b.offsets, offset)
	b.entries = appendU32(b.entries, uint32(len(rec.StartKey.Bytes)))
	b.entries = append(b.entries, rec.StartKey.Bytes...)
	b.entries = appendU64(b.entries, rec.StartKey.SnapshotID)
	b.entries = appendU64(b.entries, rec.ChildOffset)
	b.entries = appendU64(b.entries, rec.ChildSize)
	k := rec.StartKey
	b.last = &k
	return nil
}

// Len returns the number of records added so far.
func (b *IndexBlockBuilder) Len() int { return len(b.offsets) }

// Size returns the number of bytes Finish would currently produce.
func (b *IndexBlockBuilder) Size() int {
	return u32Size + u32Size*len(b.offsets) + len(b.entries)
}

// Finish serializes the accumulated records into an IndexBlock buffer. An index block builder must
// hold at least one record — an empty index block can address nothing and always indicates a bug in
// the caller (SSTableBuilder never flushes an empty level).
func (b *IndexBlockBuilder) Finish() ([]byte, error) {
	if len(b.offsets) == 0 {
		return nil, fmt.Errorf("index block: cannot finish an empty block")
	}
	out := make([]byte, 0, b.Size())
	out = appendU32(out, uint32(len(b.offsets)))
	for _, off := range b.offsets {
		out = appendU32(out, off)
	}
	out = append(out, b.entries...)
	return out, nil
}

// IndexBlock is a read-only, binary-searchable view over a serialized run of IndexRecords.
type IndexBlock struct {
	data    []byte
	offsets []uint32
}

func (ib *IndexBlock) entriesStart() int {
	return u32Size + u32Size*len(ib.offsets)
}

// ParseIndexBlock wraps raw bytes produced by IndexBlockBuilder.Finish for reading.
func ParseIndexBlock(data []byte) (*IndexBlock, error) {
	if len(data) < u32Size {
		return nil, fmt.Errorf("index block: truncated count header")
	}
	count := getU32(data[:u32Size])
	if count == 0 {
		return nil, fmt.Errorf("index block: zero-entry block is invalid")
	}
	offsetsEnd := u32Size + int(count)*u32Size
	if offsetsEnd > len(data) {
		return nil, fmt.Errorf("index block: truncated offset table")
	}
	offsets := make([]uint32, count)
	for i := range offsets {
		start := u32Size + i*u32Size
		offsets[i] = getU32(data[start : start+u32Size])
	}
	return &IndexBlock{data: data, offsets: offsets}, nil
}

// Len returns the number of index records in the block.
func (ib *IndexBlock) Len() int { return len(ib.offsets) }

// At decodes and returns the index record at entry index i.
func (ib *IndexBlock) At(i int) (IndexRecord, error) {
	if i < 0 || i >= len(ib.offsets) {
		return IndexRecord{}, fmt.Errorf("index block: index %d out of range [0,%d)", i, len(ib.offsets))
	}
	start := ib.entriesStart() + int(ib.offsets[i])
	buf := ib.data[start:]
	if len(buf) < u32Size {
		return IndexRecord{}, fmt.Errorf("index block: truncated entry at index %d", i)
	}
	keyLen := int(getU32(buf[:u32Size]))
	buf = buf[u32Size:]
	if len(buf) < keyLen+u64Size+u64Size+u64Size {
		return IndexRecord{}, fmt.Errorf("index block: truncated entry at index %d", i)
	}
	keyBytes := buf[:keyLen]
	buf = buf[keyLen:]
	snapshotID := getU64(buf[:u64Size])
	buf = buf[u64Size:]
	childOffset := getU64(buf[:u64Size])
	buf = buf[u64Size:]
	childSize := getU64(buf[:u64Size])
	return IndexRecord{StartKey: key.New(keyBytes, snapshotID), ChildOffset: childOffset, ChildSize: childSize}, nil
}

// Get returns the first IndexRecord whose StartKey is >= searchKey. If searchKey sorts after every
// record's StartKey (a scan past the end of this block's range), Get returns the last record instead
// of an error, so range iterators can land on the final child and terminate cleanly rather than
// surfacing a not-found error for what is actually a clean end-of-range. Point lookups still reject a
// non-matching key once they reach the RecordBlock level (RecordBlock.Get checks key bytes equality),
// so this past-end policy is load-bearing for scans without being misleading for point reads.
func (ib *IndexBlock) Get(searchKey key.Key) (IndexRecord, error) {
	n := len(ib.offsets)
	if n == 0 {
		return IndexRecord{}, fmt.Errorf("index block: empty block")
	}
	var searchErr error
	idx := sort.Search(n, func(i int) bool {
		rec, err := ib.At(i)
		if err != nil {
			searchErr = err
			return true
		}
		return key.Compare(rec.StartKey, searchKey) >= 0
	})
	if searchErr != nil {
		return IndexRecord{}, searchErr
	}
	if idx == n {
		return ib.At(n - 1)
	}
	return ib.At(idx)
}
