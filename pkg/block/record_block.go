package block

import (
	"fmt"
	"sort"

	"github.com/hungtd9/heftydb/internal/invariant"
	"github.com/hungtd9/heftydb/pkg/key"
)

// RecordBlock layout:
//
//	[u32 count]
//	[u32 offsets[count]]   // byte offset of each entry's start, within this block's bytes
//	entries, each:
//	  [u32 keyLen][keyBytes][u64 snapshotId][u32 valueLen][valueBytes]
//
// Entries are written in strictly increasing Key order (key.Compare); the offset table makes any
// entry's start byte O(1) to find, so binary search over the offset table gives O(log n) lookup
// without decoding every entry in between.

// RecordBlockBuilder accumulates Tuples in strictly increasing Key order and serializes them into a
// single RecordBlock byte buffer on Finish.
type RecordBlockBuilder struct {
	offsets []uint32
	entries []byte
	last    *key.Key
}

// NewRecordBlockBuilder returns an empty builder.
func NewRecordBlockBuilder() *RecordBlockBuilder {
	return &RecordBlockBuilder{}
}

// Add appends a Tuple. The caller must supply Tuples in strictly increasing Key order; violating this
// raises an invariant since it would silently corrupt every subsequent binary search over the block.
func (b *RecordBlockBuilder) Add(t key.Tuple) error {
	if b.last != nil && key.Compare(*b.last, t.Key) >= 0 {
		invariant.Raise("block", "unordered_record_insert",
			"RecordBlockBuilder.Add received a key out of order.", "last", *b.last, "got", t.Key)
		return fmt.Errorf("record block: keys must be strictly increasing, got %v after %v", t.Key, *b.last)
	}
	offset := uint32(len(b.entries))
	b.offsets = append(b.offsets, offset)
	b.entries = appendU32(b.entries, uint32(len(t.Key.Bytes)))
	b.entries = append(b.entries, t.Key.Bytes...)
	b.entries = appendU64(b.entries, t.Key.SnapshotID)
	b.entries = appendU32(b.entries, uint32(len(t.Value)))
	b.entries = append(b.entries, t.Value...)
	k := t.Key
	b.last = &k
	return nil
}

// Len returns the number of tuples added so far.
func (b *RecordBlockBuilder) Len() int { return len(b.offsets) }

// LastKey returns the most recently added Key, the one an enclosing IndexRecord must use as its
// startKey once this block is flushed.
func (b *RecordBlockBuilder) LastKey() (key.Key, error) {
	if b.last == nil {
		return key.Key{}, fmt.Errorf("record block: builder is empty, no last key")
	}
	return *b.last, nil
}

// Size returns the number of bytes Finish would currently produce.
func (b *RecordBlockBuilder) Size() int {
	return u32Size + u32Size*len(b.offsets) + len(b.entries)
}

// Finish serializes the accumulated tuples into a RecordBlock buffer. An empty builder is rejected: a
// zero-entry block can never be addressed by an IndexRecord, so building one always indicates a bug
// upstream.
func (b *RecordBlockBuilder) Finish() ([]byte, error) {
	if len(b.offsets) == 0 {
		return nil, fmt.Errorf("record block: cannot finish an empty block")
	}
	out := make([]byte, 0, b.Size())
	out = appendU32(out, uint32(len(b.offsets)))
	for _, off := range b.offsets {
		out = appendU32(out, off)
	}
	out = append(out, b.entries...)
	return out, nil
}

// RecordBlock is a read-only view over a serialized block of Tuples, supporting binary search by Key.
type RecordBlock struct {
	data    []byte
	offsets []uint32 // entry start offsets, relative to the entries section
}

// entriesStart is the byte offset, within data, where the entry offsets stop pointing at (offsets are
// relative to this point, matching how RecordBlockBuilder records them against b.entries).
func (r *RecordBlock) entriesStart() int {
	return u32Size + u32Size*len(r.offsets)
}

// ParseRecordBlock wraps raw bytes produced by RecordBlockBuilder.Finish for reading.
func ParseRecordBlock(data []byte) (*RecordBlock, error) {
	if len(data) < u32Size {
		return nil, fmt.Errorf("record block: truncated count header")
	}
	count := getU32(data[:u32Size])
	if count == 0 {
		return nil, fmt.Errorf("record block: zero-entry block is invalid")
	}
	offsetsEnd := u32Size + int(count)*u32Size
	if offsetsEnd > len(data) {
		return nil, fmt.Errorf("record block: truncated offset table")
	}
	offsets := make([]uint32, count)
	for i := range offsets {
		start := u32Size + i*u32Size
		offsets[i] = getU32(data[start : start+u32Size])
	}
	return &RecordBlock{data: data, offsets: offsets}, nil
}

// Len returns the number of tuples in the block.
func (r *RecordBlock) Len() int { return len(r.offsets) }

// At decodes and returns the tuple at entry index i.
func (r *RecordBlock) At(i int) (key.Tuple, error) {
	if i < 0 || i >= len(r.offsets) {
		return key.Tuple{}, fmt.Errorf("record block: index %d out of range [0,%d)", i, len(r.offsets))
	}
	start := r.entriesStart() + int(r.offsets[i])
	buf := r.data[start:]
	if len(buf) < u32Size {
		return key.Tuple{}, fmt.Errorf("record block: truncated entry at index %d", i)
	}
	keyLen := int(getU32(buf[:u32Size]))
	buf = buf[u32Size:]
	if len(buf) < keyLen+u64Size+u32Size {
		return key.Tuple{}, fmt.Errorf("record block: truncated entry at index %d", i)
	}
	keyBytes := buf[:keyLen]
	buf = buf[keyLen:]
	snapshotID := getU64(buf[:u64Size])
	buf = buf[u64Size:]
	valueLen := int(getU32(buf[:u32Size]))
	buf = buf[u32Size:]
	if len(buf) < valueLen {
		return key.Tuple{}, fmt.Errorf("record block: truncated value at index %d", i)
	}
	return key.Tuple{Key: key.New(keyBytes, snapshotID), Value: buf[:valueLen]}, nil
}

// Seek returns the index of the first tuple whose Key is >= target (key.Compare), and whether an
// exact-bytes-and-snapshot match exists at that index. If every tuple sorts before target, Seek
// returns (Len(), false).
func (r *RecordBlock) Seek(target key.Key) (index int, exact bool, err error) {
	n := len(r.offsets)
	idx := sort.Search(n, func(i int) bool {
		t, decodeErr := r.At(i)
		if decodeErr != nil {
			err = decodeErr
			return true // Stop searching further; err is checked below.
		}
		return key.Compare(t.Key, target) >= 0
	})
	if err != nil {
		return 0, false, err
	}
	if idx == n {
		return n, false, nil
	}
	t, decodeErr := r.At(idx)
	if decodeErr != nil {
		return 0, false, decodeErr
	}
	return idx, key.Equal(t.Key, target), nil
}

// Get returns the first tuple whose key bytes equal target.Bytes and whose snapshot id is <=
// target.SnapshotID (the newest version visible to that snapshot), or ok=false if no such tuple is in
// this block. Because entries sort newest-first within equal key bytes, the first candidate whose
// bytes match is the answer once its snapshot id clears the visibility check; candidates with a higher
// snapshot id than requested are skipped forward.
func (r *RecordBlock) Get(target key.Key) (t key.Tuple, ok bool, err error) {
	idx, _, err := r.Seek(target)
	if err != nil {
		return key.Tuple{}, false, err
	}
	for i := idx; i < r.Len(); i++ {
		candidate, decodeErr := r.At(i)
		if decodeErr != nil {
			return key.Tuple{}, false, decodeErr
		}
		if !key.SameBytes(candidate.Key, target) {
			return key.Tuple{}, false, nil
		}
		if candidate.Key.SnapshotID <= target.SnapshotID {
			return candidate, true, nil
		}
	}
	return key.Tuple{}, false, nil
}
