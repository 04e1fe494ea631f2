package sstable

import (
	"encoding/binary"
	"fmt"
)

// magic identifies a well-formed HeftyDB SSTable file. It is checked on open so a half-written or
// foreign file is rejected rather than misparsed.
const magic uint32 = 0x48465442 // "HFTB"

// footerSize is the fixed number of trailing bytes every SSTable carries, so Open can seek directly to
// fileSize-footerSize without scanning.
//
//	u64 rootIndexOffset | u64 rootIndexSize | u64 filterOffset | u64 filterSize |
//	u64 tupleCount | u32 indexHeight | u32 magic
//
// indexHeight is the one field beyond what §3 lists verbatim: the number of IndexBlock hops from the
// root down to the leaf level that addresses RecordBlocks (0 when the root addresses RecordBlocks
// directly). Without it, a reader can't tell, purely from bytes, whether a child address names another
// IndexBlock or a RecordBlock — both share the same [u32 count][offsets][entries] shape on disk.
const footerSize = 8*5 + 4 + 4

type footer struct {
	rootIndexOffset uint64
	rootIndexSize   uint64
	filterOffset    uint64
	filterSize      uint64
	tupleCount      uint64
	indexHeight     uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.rootIndexOffset)
	binary.LittleEndian.PutUint64(buf[8:16], f.rootIndexSize)
	binary.LittleEndian.PutUint64(buf[16:24], f.filterOffset)
	binary.LittleEndian.PutUint64(buf[24:32], f.filterSize)
	binary.LittleEndian.PutUint64(buf[32:40], f.tupleCount)
	binary.LittleEndian.PutUint32(buf[40:44], f.indexHeight)
	binary.LittleEndian.PutUint32(buf[44:48], magic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, fmt.Errorf("sstable: footer must be %d bytes, got %d", footerSize, len(buf))
	}
	got := binary.LittleEndian.Uint32(buf[44:48])
	if got != magic {
		return footer{}, fmt.Errorf("sstable: bad magic %#x, want %#x", got, magic)
	}
	return footer{
		rootIndexOffset: binary.LittleEndian.Uint64(buf[0:8]),
		rootIndexSize:   binary.LittleEndian.Uint64(buf[8:16]),
		filterOffset:    binary.LittleEndian.Uint64(buf[16:24]),
		filterSize:      binary.LittleEndian.Uint64(buf[24:32]),
		tupleCount:      binary.LittleEndian.Uint64(buf[32:40]),
		indexHeight:     binary.LittleEndian.Uint32(buf[40:44]),
	}, nil
}
