package memtable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/memtable"
)

func TestTablePutGet(t *testing.T) {
	tbl := memtable.New(1)
	tbl.Put(key.New([]byte("a"), 1), key.Value("va"))
	tbl.Put(key.New([]byte("b"), 1), key.Value("vb"))

	v, ok := tbl.Get(key.New([]byte("a"), 1))
	require.True(t, ok)
	require.Equal(t, key.Value("va"), v)

	_, ok = tbl.Get(key.New([]byte("missing"), 1))
	require.False(t, ok)
}

func TestTablePutOverwriteSameVersionUpdatesSize(t *testing.T) {
	tbl := memtable.New(1)
	tbl.Put(key.New([]byte("a"), 1), key.Value("short"))
	sizeAfterFirst := tbl.SizeBytes()
	tbl.Put(key.New([]byte("a"), 1), key.Value("a much longer value"))
	require.Greater(t, tbl.SizeBytes(), sizeAfterFirst)
	require.Equal(t, 1, tbl.Len())
}

func TestTableGetVisibleHonorsSnapshot(t *testing.T) {
	tbl := memtable.New(1)
	tbl.Put(key.New([]byte("k"), 1), key.Value("v1"))
	tbl.Put(key.New([]byte("k"), 3), key.Value("v3"))

	tup, ok := tbl.GetVisible([]byte("k"), 3)
	require.True(t, ok)
	require.Equal(t, key.Value("v3"), tup.Value)

	tup, ok = tbl.GetVisible([]byte("k"), 2)
	require.True(t, ok)
	require.Equal(t, key.Value("v1"), tup.Value)

	_, ok = tbl.GetVisible([]byte("k"), 0)
	require.False(t, ok)
}

func TestTableAscendFromOrdersNewestSnapshotFirstWithinSameBytes(t *testing.T) {
	tbl := memtable.New(1)
	tbl.Put(key.New([]byte("k"), 1), key.Value("v1"))
	tbl.Put(key.New([]byte("k"), 3), key.Value("v3"))
	tbl.Put(key.New([]byte("k"), 2), key.Value("v2"))

	var values []key.Value
	tbl.AscendFrom(key.New(nil, 0), func(t key.Tuple) bool {
		values = append(values, t.Value)
		return true
	})
	require.Equal(t, []key.Value{"v3", "v2", "v1"}, values)
}

func TestTableDescendFromReversesAscendingOrder(t *testing.T) {
	tbl := memtable.New(1)
	for _, k := range []string{"a", "b", "c", "d"} {
		tbl.Put(key.New([]byte(k), 1), key.Value("v-"+k))
	}

	var ascending, descending []string
	tbl.AscendFrom(key.New(nil, 0), func(t key.Tuple) bool {
		ascending = append(ascending, string(t.Key.Bytes))
		return true
	})
	tbl.DescendFrom(key.Key{}, false, func(t key.Tuple) bool {
		descending = append(descending, string(t.Key.Bytes))
		return true
	})

	require.Equal(t, []string{"a", "b", "c", "d"}, ascending)
	require.Equal(t, []string{"d", "c", "b", "a"}, descending)
}

func TestTableAscendFromStopsEarly(t *testing.T) {
	tbl := memtable.New(1)
	for _, k := range []string{"a", "b", "c"} {
		tbl.Put(key.New([]byte(k), 1), key.Value("v"))
	}
	var seen int
	tbl.AscendFrom(key.New(nil, 0), func(t key.Tuple) bool {
		seen++
		return seen < 2
	})
	require.Equal(t, 2, seen)
}

func TestTableGenerationID(t *testing.T) {
	tbl := memtable.New(42)
	require.Equal(t, uint64(42), tbl.GenerationID())
}
