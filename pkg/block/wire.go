// Package block implements the two binary-searchable block types an SSTable is built from:
// RecordBlock, a sorted run of Tuples, and IndexBlock, a sorted run of IndexRecords pointing at child
// blocks. Both share the same on-disk shape — a count, an offset table for O(1) random access into a
// run of variable-length entries, and the entries themselves — so this file holds the little-endian
// primitives both builders and both readers use.
package block

import "encoding/binary"

const (
	u32Size = 4
	u64Size = 8
)

func putU32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func putU64(dst []byte, v uint64) { binary.LittleEndian.PutUint64(dst, v) }
func getU32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }
func getU64(src []byte) uint64    { return binary.LittleEndian.Uint64(src) }

func appendU32(dst []byte, v uint32) []byte {
	var buf [u32Size]byte
	putU32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendU64(dst []byte, v uint64) []byte {
	var buf [u64Size]byte
	putU64(buf[:], v)
	return append(dst, buf[:]...)
}
