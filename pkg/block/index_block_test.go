package block_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/block"
	"github.com/hungtd9/heftydb/pkg/key"
)

// TestIndexBlockGetFindRecordEnd pins the exact scenario from the source's findRecordEndTest: given
// entries with some duplicate key bytes at different snapshot ids, Get must return the leftmost entry
// whose start key is >= the search key, falling back to the last entry for keys past the end.
func TestIndexBlockGetFindRecordEnd(t *testing.T) {
	b := block.NewIndexBlockBuilder()
	records := []block.IndexRecord{
		{StartKey: key.New([]byte("An awesome test key"), 2), ChildOffset: 2, ChildSize: 1},
		{StartKey: key.New([]byte("An awesome test key"), 1), ChildOffset: 1, ChildSize: 1},
		{StartKey: key.New([]byte("Bad as I want to be"), 3), ChildOffset: 3, ChildSize: 1},
		{StartKey: key.New([]byte("Dog I am a test key"), 5), ChildOffset: 5, ChildSize: 1},
		{StartKey: key.New([]byte("Dog I am a test key"), 4), ChildOffset: 4, ChildSize: 1},
	}
	for _, rec := range records {
		require.NoError(t, b.Add(rec))
	}
	data, err := b.Finish()
	require.NoError(t, err)

	ib, err := block.ParseIndexBlock(data)
	require.NoError(t, err)
	require.Equal(t, 5, ib.Len())

	// Ceiling semantics: Get returns the leftmost entry whose start key is >= the search key under the
	// full (snapshot-inverted) comparator. Because "An awesome test key"@2 sorts before @1, and
	// "Dog I am a test key"@5 sorts before @4, the fully-ordered array is
	// [An@2, An@1, Bad@3, Dog@5, Dog@4] — so a key that falls strictly between two byte-groups lands on
	// the next group's first entry in sort order, and a key past every entry falls back to the array's
	// last element, Dog@4.
	cases := []struct {
		name       string
		searchKey  key.Key
		wantOffset uint64
	}{
		{"exact An awesome @1", key.New([]byte("An awesome test key"), 1), 1},
		{"exact Dog @4", key.New([]byte("Dog I am a test key"), 4), 4},
		{"between An/Bad, Awesome@1", key.New([]byte("Awesome"), 1), 3},
		{"between Bad/Dog, Box@1", key.New([]byte("Box"), 1), 5},
		{"past end, Toast@1", key.New([]byte("Toast"), 1), 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := ib.Get(tc.searchKey)
			require.NoError(t, err)
			require.Equal(t, tc.wantOffset, rec.ChildOffset)
		})
	}
}

func TestIndexBlockRejectsEmptyBuild(t *testing.T) {
	b := block.NewIndexBlockBuilder()
	_, err := b.Finish()
	require.Error(t, err)
}

func TestIndexBlockRejectsOutOfOrderInsert(t *testing.T) {
	b := block.NewIndexBlockBuilder()
	require.NoError(t, b.Add(block.IndexRecord{StartKey: key.New([]byte("b"), 1)}))
	err := b.Add(block.IndexRecord{StartKey: key.New([]byte("a"), 1)})
	require.Error(t, err)
}

func TestIndexBlockRoundTrip(t *testing.T) {
	b := block.NewIndexBlockBuilder()
	for i, k := range []string{"a", "bb", "ccc", "dddd"} {
		require.NoError(t, b.Add(block.IndexRecord{
			StartKey: key.New([]byte(k), 1), ChildOffset: uint64(i) * 100, ChildSize: 50,
		}))
	}
	data, err := b.Finish()
	require.NoError(t, err)
	ib, err := block.ParseIndexBlock(data)
	require.NoError(t, err)
	require.Equal(t, 4, ib.Len())
	for i := 0; i < 4; i++ {
		rec, err := ib.At(i)
		require.NoError(t, err)
		require.Equal(t, uint64(i)*100, rec.ChildOffset)
		require.Equal(t, uint64(50), rec.ChildSize)
	}
}
