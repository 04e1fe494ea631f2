package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hungtd9/heftydb/pkg/compaction"
	"github.com/hungtd9/heftydb/pkg/heftydb"
)

func newTestHandler(t *testing.T) *handler {
	db, err := heftydb.Open(t.TempDir(), compaction.None{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return &handler{db: db}
}

func TestPingRepliesPong(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle("PING", nil)
	require.Equal(t, []byte("PONG"), out.writeBytes)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle("SET", [][]byte{[]byte("k"), []byte("v")})
	require.Nil(t, out.err)
	require.Equal(t, []byte("OK"), out.writeBytes)

	out = h.handle("GET", [][]byte{[]byte("k")})
	require.Nil(t, out.err)
	require.Equal(t, []byte("v"), out.writeBytes)
}

func TestGetMissingKeyWritesNil(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle("GET", [][]byte{[]byte("missing")})
	require.True(t, out.writeNil)
}

func TestDelCountsOnlyKeysThatExisted(t *testing.T) {
	h := newTestHandler(t)
	h.handle("SET", [][]byte{[]byte("a"), []byte("1")})

	out := h.handle("DEL", [][]byte{[]byte("a"), []byte("missing")})
	require.NotNil(t, out.writeInt)
	require.Equal(t, 1, *out.writeInt)

	out = h.handle("GET", [][]byte{[]byte("a")})
	require.True(t, out.writeNil)
}

func TestSetWithFsyncOption(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle("SET", [][]byte{[]byte("a"), []byte("1"), []byte("FSYNC")})
	require.Nil(t, out.err)
	require.Equal(t, []byte("OK"), out.writeBytes)
}

func TestSetWithUnknownOptionErrors(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle("SET", [][]byte{[]byte("a"), []byte("1"), []byte("BOGUS")})
	require.NotNil(t, out.err)
}

func TestUnknownCommandErrors(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle("NOPE", nil)
	require.NotNil(t, out.err)
}

func TestKeysFiltersByGlobPattern(t *testing.T) {
	h := newTestHandler(t)
	h.handle("SET", [][]byte{[]byte("apple"), []byte("1")})
	h.handle("SET", [][]byte{[]byte("apricot"), []byte("2")})
	h.handle("SET", [][]byte{[]byte("banana"), []byte("3")})

	out := h.handle("KEYS", [][]byte{[]byte("ap*")})
	require.Nil(t, out.err)
	require.ElementsMatch(t, [][]byte{[]byte("apple"), []byte("apricot")}, out.writeArray)
}

func TestKeysWithNoMatchesReturnsEmptyArray(t *testing.T) {
	h := newTestHandler(t)
	h.handle("SET", [][]byte{[]byte("apple"), []byte("1")})

	out := h.handle("KEYS", [][]byte{[]byte("zzz*")})
	require.Nil(t, out.err)
	require.Empty(t, out.writeArray)
}

func TestCompactCommandSucceeds(t *testing.T) {
	h := newTestHandler(t)
	h.handle("SET", [][]byte{[]byte("a"), []byte("1")})
	out := h.handle("COMPACT", nil)
	require.Nil(t, out.err)
	require.Equal(t, []byte("OK"), out.writeBytes)
}
