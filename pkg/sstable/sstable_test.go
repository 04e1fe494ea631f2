package sstable_test

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/sstable"
)

func buildTable(t *testing.T, path string, tuples []key.Tuple) {
	t.Helper()
	b, err := sstable.NewBuilder(path, uint(len(tuples)))
	require.NoError(t, err)
	for _, tup := range tuples {
		require.NoError(t, b.Add(tup))
	}
	_, err = b.Finish()
	require.NoError(t, err)
}

func TestOpenGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	tuples := []key.Tuple{
		tuple("apple", 3, "red"),
		tuple("apple", 1, "green"),
		tuple("banana", 2, "yellow"),
		tuple("cherry", 5, "dark"),
	}
	buildTable(t, path, tuples)

	tbl, err := sstable.Open(path, 1, nil)
	require.NoError(t, err)
	defer tbl.Close()

	require.EqualValues(t, 1, tbl.GenerationID())
	require.EqualValues(t, 4, tbl.TupleCount())

	got, ok, err := tbl.Get(key.New([]byte("apple"), 3))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("red"), []byte(got.Value))

	got, ok, err = tbl.Get(key.New([]byte("apple"), 2))
	require.NoError(t, err)
	require.True(t, ok, "snapshot 2 should still see the version written at snapshot 1")
	require.Equal(t, []byte("green"), []byte(got.Value))

	_, ok, err = tbl.Get(key.New([]byte("apple"), 0))
	require.NoError(t, err)
	require.False(t, ok, "snapshot 0 predates every version of apple")

	_, ok, err = tbl.Get(key.New([]byte("durian"), 10))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetAfterCloseReturnsClosedError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	buildTable(t, path, []key.Tuple{tuple("a", 1, "1")})

	tbl, err := sstable.Open(path, 1, nil)
	require.NoError(t, err)
	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close(), "Close must be idempotent")

	_, _, err = tbl.Get(key.New([]byte("a"), 1))
	require.Error(t, err)
}

func TestOpenRejectsTruncatedFooter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	buildTable(t, path, []key.Tuple{tuple("a", 1, "1")})

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-1))

	_, err = sstable.Open(path, 1, nil)
	require.Error(t, err)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	buildTable(t, path, []key.Tuple{tuple("a", 1, "1")})

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, info.Size()-4)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = sstable.Open(path, 1, nil)
	require.Error(t, err)
}

func TestQuarantineRenamesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	buildTable(t, path, []key.Tuple{tuple("a", 1, "1")})

	require.NoError(t, sstable.Quarantine(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".broken")
	require.NoError(t, err)
}

func TestAscendingIteratorOrdersNewestSnapshotFirstWithinSameBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	tuples := []key.Tuple{
		tuple("a", 5, "a5"),
		tuple("a", 2, "a2"),
		tuple("b", 1, "b1"),
	}
	buildTable(t, path, tuples)

	tbl, err := sstable.Open(path, 1, nil)
	require.NoError(t, err)
	defer tbl.Close()

	it, err := tbl.AscendingIterator(key.Key{}, false)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		tup := it.Tuple()
		got = append(got, string(tup.Value))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"a5", "a2", "b1"}, got)
}

func TestDescendingIteratorReversesAscendingOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	tuples := []key.Tuple{
		tuple("a", 5, "a5"),
		tuple("a", 2, "a2"),
		tuple("b", 1, "b1"),
	}
	buildTable(t, path, tuples)

	tbl, err := sstable.Open(path, 1, nil)
	require.NoError(t, err)
	defer tbl.Close()

	it, err := tbl.DescendingIterator(key.Key{}, false)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		tup := it.Tuple()
		got = append(got, string(tup.Value))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"b1", "a2", "a5"}, got)
}

func TestAscendingIteratorSpansMultipleRecordBlocks(t *testing.T) {
	recordFlag := flag.Lookup("record_block_size")
	indexFlag := flag.Lookup("index_block_size")
	origRecord, origIndex := recordFlag.Value.String(), indexFlag.Value.String()
	require.NoError(t, recordFlag.Value.Set("64"))
	require.NoError(t, indexFlag.Value.Set("64"))
	defer func() {
		require.NoError(t, recordFlag.Value.Set(origRecord))
		require.NoError(t, indexFlag.Value.Set(origIndex))
	}()

	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	var tuples []key.Tuple
	for i := 0; i < 200; i++ {
		tuples = append(tuples, tuple(fmt.Sprintf("key-%04d", i), 1, fmt.Sprintf("value-%04d", i)))
	}
	buildTable(t, path, tuples)

	tbl, err := sstable.Open(path, 1, nil)
	require.NoError(t, err)
	defer tbl.Close()

	got, ok, err := tbl.Get(key.New([]byte("key-0150"), 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value-0150"), []byte(got.Value))

	it, err := tbl.AscendingIterator(key.Key{}, false)
	require.NoError(t, err)
	count := 0
	var prev key.Key
	for it.Next() {
		tup := it.Tuple()
		if count > 0 {
			require.Less(t, key.Compare(prev, tup.Key), 0)
		}
		prev = tup.Key
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 200, count, "iteration must cross every record block boundary exactly once")
}

func TestAscendingIteratorFromMidpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	tuples := []key.Tuple{
		tuple("a", 1, "a"),
		tuple("b", 1, "b"),
		tuple("c", 1, "c"),
		tuple("d", 1, "d"),
	}
	buildTable(t, path, tuples)

	tbl, err := sstable.Open(path, 1, nil)
	require.NoError(t, err)
	defer tbl.Close()

	it, err := tbl.AscendingIterator(key.New([]byte("b"), 1), true)
	require.NoError(t, err)
	var got []string
	for it.Next() {
		tup := it.Tuple()
		got = append(got, string(tup.Value))
	}
	require.Equal(t, []string{"b", "c", "d"}, got)
}
