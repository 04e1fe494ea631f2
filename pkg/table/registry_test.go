package table_test

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/internal/dberr"
	"github.com/hungtd9/heftydb/internal/executor"
	"github.com/hungtd9/heftydb/pkg/key"
	"github.com/hungtd9/heftydb/pkg/sstable"
	"github.com/hungtd9/heftydb/pkg/table"
)

func withFlag(t *testing.T, name, value string) func() {
	t.Helper()
	f := flag.Lookup(name)
	orig := f.Value.String()
	require.NoError(t, f.Value.Set(value))
	return func() { require.NoError(t, f.Value.Set(orig)) }
}

func withSmallMemtable(t *testing.T, bytes string) func() {
	return withFlag(t, "memtable_max_bytes", bytes)
}

func TestWriteThenGetFromMemtable(t *testing.T) {
	dir := t.TempDir()
	exec := executor.New(2, 4)
	defer exec.Close()

	r, err := table.Open(dir, exec)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Write([]byte("hello"), []byte("world"), 1, false))

	tup, ok, err := r.Get([]byte("hello"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world"), []byte(tup.Value))

	_, ok, err = r.Get([]byte("hello"), 0)
	require.NoError(t, err)
	require.False(t, ok, "snapshot 0 predates the write at snapshot 1")
}

func TestRotationFlushesToSSTableAndRemainsReadable(t *testing.T) {
	defer withSmallMemtable(t, "1")()

	dir := t.TempDir()
	exec := executor.New(2, 16)
	defer exec.Close()

	r, err := table.Open(dir, exec)
	require.NoError(t, err)

	for i, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, r.Write([]byte(k), []byte{byte(i)}, uint64(i+1), true))
	}

	require.Eventually(t, func() bool {
		tup, ok, err := r.Get([]byte("a"), 100)
		return err == nil && ok && len(tup.Value) == 1 && tup.Value[0] == 0
	}, time.Second, 5*time.Millisecond, "flush must not lose data")

	for i, k := range []string{"a", "b", "c", "d", "e"} {
		tup, ok, err := r.Get([]byte(k), 100)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, byte(i), tup.Value[0])
	}

	require.NoError(t, r.Close())
}

func TestAscendingIteratorMergesMemtableAndFlushedTables(t *testing.T) {
	defer withSmallMemtable(t, "1")()

	dir := t.TempDir()
	exec := executor.New(2, 16)
	defer exec.Close()

	r, err := table.Open(dir, exec)
	require.NoError(t, err)
	defer r.Close()

	for i, k := range []string{"a", "c", "e"} {
		require.NoError(t, r.Write([]byte(k), []byte{byte(i)}, uint64(i+1), true))
	}

	var keyBytesGot [][]byte
	require.Eventually(t, func() bool {
		keyBytesGot = nil
		seq, release, err := r.AscendingIterator(key.Key{}, false, 100)
		require.NoError(t, err)
		defer release()
		for tup := range seq {
			keyBytesGot = append(keyBytesGot, tup.Key.Bytes)
		}
		return len(keyBytesGot) == 3
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []byte("a"), keyBytesGot[0])
	require.Equal(t, []byte("c"), keyBytesGot[1])
	require.Equal(t, []byte("e"), keyBytesGot[2])
}

// TestConcurrentWritesSerializeOnTheWalAppend drives many goroutines through Write at once, including
// across a rotation, so that `go test -race` catches any interleaving on the shared WAL writer if the
// append+insert critical section is ever split across an unlock.
func TestConcurrentWritesSerializeOnTheWalAppend(t *testing.T) {
	defer withSmallMemtable(t, "64")()

	dir := t.TempDir()
	exec := executor.New(2, 16)
	defer exec.Close()

	r, err := table.Open(dir, exec)
	require.NoError(t, err)
	defer r.Close()

	const goroutines = 16
	const writesEach = 25

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < writesEach; i++ {
				k := fmt.Sprintf("g%02d-%03d", g, i)
				require.NoError(t, r.Write([]byte(k), []byte(k), uint64(g*writesEach+i+1), false))
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < goroutines; g++ {
		for i := 0; i < writesEach; i++ {
			k := fmt.Sprintf("g%02d-%03d", g, i)
			var tup key.Tuple
			var ok bool
			require.Eventually(t, func() bool {
				tup, ok, err = r.Get([]byte(k), uint64(goroutines*writesEach+1))
				return err == nil && ok
			}, time.Second, 5*time.Millisecond, "write %s must become visible", k)
			require.Equal(t, []byte(k), []byte(tup.Value))
		}
	}
}

func TestReopenAfterCloseKeepsWrites(t *testing.T) {
	dir := t.TempDir()
	exec1 := executor.New(2, 16)

	r1, err := table.Open(dir, exec1)
	require.NoError(t, err)
	require.NoError(t, r1.Write([]byte("durable"), []byte("value"), 1, true))
	require.NoError(t, r1.Close())
	exec1.Close()

	exec2 := executor.New(2, 16)
	defer exec2.Close()
	r2, err := table.Open(dir, exec2)
	require.NoError(t, err)
	defer r2.Close()

	tup, ok, err := r2.Get([]byte("durable"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value"), []byte(tup.Value))
}

// TestFlushExhaustingRetriesMakesRegistryReadOnly forces every flush attempt for a generation to fail
// (by pre-occupying its target file), so the retry loop must exhaust flush_retry_max_attempts and flip
// the registry read-only, rejecting further writes with dberr.ReadOnlyError.
func TestFlushExhaustingRetriesMakesRegistryReadOnly(t *testing.T) {
	defer withSmallMemtable(t, "1")()
	defer withFlag(t, "flush_retry_max_attempts", "2")()
	defer withFlag(t, "flush_retry_base_delay", "50ms")()
	defer withFlag(t, "flush_retry_max_delay", "100ms")()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	exec := executor.New(2, 16)
	defer exec.Close()

	r, err := table.Open(dir, exec)
	require.NoError(t, err)
	defer r.Close()

	// Generation 1 is the first one table.Open hands out in an empty directory. Occupying its table path
	// with a plain file after Open (Open would quarantine a file already there) makes
	// sstable.NewBuilder's O_EXCL create fail on every retry, deterministically and without relying on
	// filesystem permissions (which root-run tests would ignore).
	require.NoError(t, os.WriteFile(sstable.Path(dir, 1), []byte("occupied"), 0o644))

	require.NoError(t, r.Write([]byte("a"), []byte("1"), 1, false))
	require.NoError(t, r.Write([]byte("b"), []byte("2"), 2, false))

	require.Eventually(t, func() bool {
		return r.ReadOnly()
	}, time.Second, 5*time.Millisecond, "flush must exhaust its retries and go read-only")

	err = r.Write([]byte("c"), []byte("3"), 3, false)
	require.Error(t, err)
	var readOnlyErr *dberr.ReadOnlyError
	require.True(t, errors.As(err, &readOnlyErr), "write after exhausted retries must surface ReadOnlyError, got %v", err)
}
