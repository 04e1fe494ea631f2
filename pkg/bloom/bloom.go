// Package bloom wraps a per-SSTable bloom filter used to answer "definitely absent" cheaply before
// paying for an index-tree walk and a block read. The heavy lifting is delegated to
// bits-and-blooms/bloom/v3, whose Kirsch-Mitzenmacher implementation derives its k probe locations
// from exactly two independent 64-bit hashes via double hashing — precisely the scheme described for
// this filter, so there's nothing left to hand-roll here beyond sizing and (de)serialization.
package bloom

import (
	"encoding/binary"
	"fmt"

	bbbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/hungtd9/heftydb/internal/invariant"
)

// Filter is a probabilistic set membership test sized for an expected entry count and false-positive
// rate at construction time.
type Filter struct {
	bf *bbbloom.BloomFilter
}

// New sizes a new, empty Filter for `expectedEntries` keys at the given false positive rate.
func New(expectedEntries uint, falsePositiveRate float64) *Filter {
	if falsePositiveRate <= 0.0 || falsePositiveRate >= 1.0 {
		invariant.Raise("bloom", "invalid_false_positive_rate",
			"bloom filter false positive rate must be in (0,1), using default 0.01",
			"requested", falsePositiveRate)
		falsePositiveRate = 0.01
	}
	if expectedEntries == 0 {
		expectedEntries = 1
	}
	return &Filter{bf: bbbloom.NewWithEstimates(expectedEntries, falsePositiveRate)}
}

// Add inserts a key's bytes into the filter.
func (f *Filter) Add(keyBytes []byte) {
	f.bf.Add(keyBytes)
}

// Test reports whether keyBytes might be present. A false return is a hard guarantee of absence; a
// true return may be a false positive and must still be confirmed against the actual data.
func (f *Filter) Test(keyBytes []byte) bool {
	return f.bf.Test(keyBytes)
}

// Serialize encodes the filter as [u64 numBits][u64 numHashFuncs][u64 wordCount][words...], the form
// stored in an SSTable's bloom filter section.
func (f *Filter) Serialize() []byte {
	words := f.bf.BitSet().Words()
	out := make([]byte, 24+8*len(words))
	binary.LittleEndian.PutUint64(out[0:8], uint64(f.bf.Cap()))
	binary.LittleEndian.PutUint64(out[8:16], uint64(f.bf.K()))
	binary.LittleEndian.PutUint64(out[16:24], uint64(len(words)))
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[24+8*i:32+8*i], w)
	}
	return out
}

// Deserialize reconstructs a Filter from bytes produced by Serialize.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("bloom filter: truncated header (%d bytes)", len(data))
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashFuncs := binary.LittleEndian.Uint64(data[8:16])
	wordCount := binary.LittleEndian.Uint64(data[16:24])
	want := 24 + 8*int(wordCount)
	if len(data) < want {
		return nil, fmt.Errorf("bloom filter: truncated body, want %d bytes got %d", want, len(data))
	}
	words := make([]uint64, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[24+8*i : 32+8*i])
	}
	bf := bbbloom.FromWithM(words, uint(numBits), uint(numHashFuncs))
	if bf == nil {
		invariant.Raise("bloom", "corrupt_filter", "failed to reconstruct bloom filter from bytes",
			"numBits", numBits, "numHashFuncs", numHashFuncs)
		return nil, fmt.Errorf("bloom filter: corrupt bit array (bits=%d, k=%d)", numBits, numHashFuncs)
	}
	return &Filter{bf: bf}, nil
}
