package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/snapshot"
)

func TestRetainIssuesIncreasingIDs(t *testing.T) {
	s := snapshot.NewSet()
	a := s.Retain()
	b := s.Retain()
	require.Less(t, a, b)
}

func TestMinRetainedTracksOldestLiveSnapshot(t *testing.T) {
	s := snapshot.NewSet()
	a := s.Retain()
	b := s.Retain()
	require.Equal(t, a, s.MinRetained())

	s.Release(a)
	require.Equal(t, b, s.MinRetained())
}

func TestMinRetainedWithNoHoldsIsNextID(t *testing.T) {
	s := snapshot.NewSet()
	next := s.MinRetained()
	got := s.Retain()
	require.Equal(t, next, got)
}

func TestRetainExistingSharesRefcount(t *testing.T) {
	s := snapshot.NewSet()
	id := s.Retain()
	s.RetainExisting(id)

	s.Release(id)
	require.Equal(t, id, s.MinRetained(), "still held once after one release")

	s.Release(id)
	require.NotEqual(t, id, s.MinRetained(), "fully released once both holds drop")
}

func TestNextWriteIDIsMonotonicAndUnrefcounted(t *testing.T) {
	s := snapshot.NewSet()
	w1 := s.NextWriteID()
	w2 := s.NextWriteID()
	require.Less(t, w1, w2)
	require.Greater(t, s.MinRetained(), w2, "an unretained write id never pins MinRetained")
}
