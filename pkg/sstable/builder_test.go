package sstable_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/sstable"
)

func tuple(bytes string, snapshotID uint64, value string) key.Tuple {
	return key.Tuple{Key: key.New([]byte(bytes), snapshotID), Value: []byte(value)}
}

func TestBuilderRejectsSecondCreateOfSamePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")

	b, err := sstable.NewBuilder(path, 4)
	require.NoError(t, err)
	require.NoError(t, b.Add(tuple("a", 1, "1")))
	_, err = b.Finish()
	require.NoError(t, err)

	_, err = sstable.NewBuilder(path, 4)
	require.Error(t, err, "re-creating an existing table file must fail, not silently truncate it")
}

func TestBuilderFinishOnEmptyBuilderFails(t *testing.T) {
	dir := t.TempDir()
	b, err := sstable.NewBuilder(filepath.Join(dir, "1.table"), 4)
	require.NoError(t, err)
	_, err = b.Finish()
	require.Error(t, err)
}

func TestBuilderAbortRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	b, err := sstable.NewBuilder(path, 4)
	require.NoError(t, err)
	require.NoError(t, b.Add(tuple("a", 1, "1")))
	require.NoError(t, b.Abort())

	_, err = sstable.Open(path, 1, nil)
	require.Error(t, err, "aborted build should have removed the file")
}

func TestBuilderFinishReportsTupleCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.table")
	b, err := sstable.NewBuilder(path, 8)
	require.NoError(t, err)
	for i, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Add(tuple(k, 1, string(rune('0'+i)))))
	}
	count, err := b.Finish()
	require.NoError(t, err)
	require.EqualValues(t, 4, count)
}
