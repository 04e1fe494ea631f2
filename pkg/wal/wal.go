// Package wal implements the write-ahead log that is appended to before every memtable insert, and
// replayed on startup to recover writes that were durable but not yet flushed to an SSTable. Each log
// segment is paired 1:1 with a memtable generation id.
//
// Record format (little-endian, CRC32 over the keyLen..valueBytes body):
//
//	[u32 recordLen][u32 keyLen][keyBytes][u64 snapshotId][u32 valueLen][valueBytes][u32 crc32]
//
// recordLen covers keyLen..valueBytes inclusive, so a reader can tell how many bytes to checksum
// before it even looks at the crc field.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hungtd9/heftydb/pkg/key"
)

// SegmentPath returns the conventional on-disk path for the WAL segment backing generationID.
func SegmentPath(dir string, generationID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.wal", generationID))
}

// Log is an append-only file of key.Tuple records.
type Log struct {
	generationID uint64
	file         *os.File
	w            *bufio.Writer
}

// Create opens a new, empty WAL segment for generationID in dir.
func Create(dir string, generationID uint64) (*Log, error) {
	path := SegmentPath(dir, generationID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment %d: %w", generationID, err)
	}
	return &Log{generationID: generationID, file: f, w: bufio.NewWriter(f)}, nil
}

// OpenForAppend reopens an existing WAL segment for further writes, used during crash recovery when a
// generation's memtable was repopulated by Replay and still needs its log to keep accepting appends.
func OpenForAppend(dir string, generationID uint64) (*Log, error) {
	path := SegmentPath(dir, generationID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: reopen segment %d: %w", generationID, err)
	}
	return &Log{generationID: generationID, file: f, w: bufio.NewWriter(f)}, nil
}

// GenerationID returns the memtable generation this segment is paired with.
func (l *Log) GenerationID() uint64 { return l.generationID }

// Append writes a single tuple to the log. When fsync is true, the write is durable to disk before
// Append returns; otherwise it is merely buffered for performance-sensitive callers that batch
// durability behind an explicit Sync.
func (l *Log) Append(t key.Tuple, fsync bool) error {
	buf := encodeRecord(t)
	if _, err := l.w.Write(buf); err != nil {
		return fmt.Errorf("wal: append to segment %d: %w", l.generationID, err)
	}
	if fsync {
		return l.Sync()
	}
	return nil
}

// Sync flushes buffered writes and fsyncs the underlying file.
func (l *Log) Sync() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush segment %d: %w", l.generationID, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync segment %d: %w", l.generationID, err)
	}
	return nil
}

// Close flushes and closes the segment file without deleting it.
func (l *Log) Close() error {
	if err := l.w.Flush(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("wal: flush segment %d on close: %w", l.generationID, err)
	}
	return l.file.Close()
}

// Remove deletes the segment file, used once its generation's memtable has been durably flushed to an
// SSTable and the log is no longer needed for recovery.
func Remove(dir string, generationID uint64) error {
	if err := os.Remove(SegmentPath(dir, generationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: remove segment %d: %w", generationID, err)
	}
	return nil
}

func encodeRecord(t key.Tuple) []byte {
	body := make([]byte, 0, 4+len(t.Key.Bytes)+8+4+len(t.Value))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(t.Key.Bytes)))
	body = append(body, t.Key.Bytes...)
	body = binary.LittleEndian.AppendUint64(body, t.Key.SnapshotID)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(t.Value)))
	body = append(body, t.Value...)

	out := make([]byte, 0, 4+len(body)+4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	out = binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(body))
	return out
}

// Replay reads every well-formed record from the segment at path in order, calling visit for each. It
// stops at the first sign of corruption or truncation — a torn write from a crash mid-append — rather
// than erroring out, since everything durably written before the tear is still valid. It reports how
// many records were recovered, which the caller logs as part of startup diagnostics.
func Replay(path string, visit func(key.Tuple) error) (recovered int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: open segment for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return recovered, nil
			}
			slog.Warn("wal: truncated record length, stopping replay", "path", path, "recovered", recovered)
			return recovered, nil
		}
		recordLen := binary.LittleEndian.Uint32(lenBuf[:])

		body := make([]byte, recordLen)
		if _, err := io.ReadFull(r, body); err != nil {
			slog.Warn("wal: truncated record body, stopping replay", "path", path, "recovered", recovered)
			return recovered, nil
		}

		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			slog.Warn("wal: truncated record checksum, stopping replay", "path", path, "recovered", recovered)
			return recovered, nil
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
		if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
			slog.Warn("wal: checksum mismatch, stopping replay", "path", path, "recovered", recovered)
			return recovered, nil
		}

		tup, err := decodeBody(body)
		if err != nil {
			slog.Warn("wal: malformed record, stopping replay", "path", path, "recovered", recovered, "err", err)
			return recovered, nil
		}
		if err := visit(tup); err != nil {
			return recovered, fmt.Errorf("wal: replay callback: %w", err)
		}
		recovered++
	}
}

func decodeBody(body []byte) (key.Tuple, error) {
	if len(body) < 4 {
		return key.Tuple{}, fmt.Errorf("record shorter than key length field")
	}
	keyLen := binary.LittleEndian.Uint32(body[0:4])
	off := 4
	if uint64(off)+uint64(keyLen) > uint64(len(body)) {
		return key.Tuple{}, fmt.Errorf("key length %d exceeds record", keyLen)
	}
	keyBytes := append([]byte(nil), body[off:off+int(keyLen)]...)
	off += int(keyLen)

	if off+8 > len(body) {
		return key.Tuple{}, fmt.Errorf("record truncated before snapshot id")
	}
	snapshotID := binary.LittleEndian.Uint64(body[off : off+8])
	off += 8

	if off+4 > len(body) {
		return key.Tuple{}, fmt.Errorf("record truncated before value length")
	}
	valueLen := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	if uint64(off)+uint64(valueLen) > uint64(len(body)) {
		return key.Tuple{}, fmt.Errorf("value length %d exceeds record", valueLen)
	}
	value := append([]byte(nil), body[off:off+int(valueLen)]...)

	return key.Tuple{Key: key.New(keyBytes, snapshotID), Value: value}, nil
}
