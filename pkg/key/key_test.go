package key_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/key"
)

func TestCompareOrdersBytesLexicographically(t *testing.T) {
	a := key.New([]byte("apple"), 1)
	b := key.New([]byte("banana"), 1)
	require.Negative(t, key.Compare(a, b))
	require.Positive(t, key.Compare(b, a))
	require.Zero(t, key.Compare(a, a))
}

func TestCompareInvertsSnapshotIDOnEqualBytes(t *testing.T) {
	older := key.New([]byte("k"), 1)
	newer := key.New([]byte("k"), 2)
	require.Negative(t, key.Compare(newer, older), "newer snapshot id should sort first")
	require.Positive(t, key.Compare(older, newer))
}

func TestSortNewestFirstWithinSameBytes(t *testing.T) {
	keys := []key.Key{
		key.New([]byte("k"), 1),
		key.New([]byte("k"), 3),
		key.New([]byte("k"), 2),
	}
	sort.Slice(keys, func(i, j int) bool { return key.Less(keys[i], keys[j]) })
	require.Equal(t, []uint64{3, 2, 1}, []uint64{keys[0].SnapshotID, keys[1].SnapshotID, keys[2].SnapshotID})
}

func TestTombstone(t *testing.T) {
	require.True(t, key.Value(nil).IsTombstone())
	require.True(t, key.Value([]byte{}).IsTombstone())
	require.False(t, key.Value([]byte("v")).IsTombstone())
}

func TestSameBytesIgnoresSnapshotID(t *testing.T) {
	a := key.New([]byte("k"), 1)
	b := key.New([]byte("k"), 99)
	require.True(t, key.SameBytes(a, b))
	require.False(t, key.Equal(a, b))
}
