// Package eventlog implements the append-only per-session and per-legion
// event streams. Records are length-delimited, checksummed, and addressed by
// a strictly increasing sequence number assigned at append time. A sidecar
// index maps sequence numbers to file offsets and is rebuilt from a full scan
// of the record file on every open.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind identifies the type of a logged event. The set is closed.
type Kind string

const (
	KindUserInput          Kind = "user_input"
	KindAssistantText      Kind = "assistant_text"
	KindAssistantThinking  Kind = "assistant_thinking"
	KindToolUse            Kind = "tool_use"
	KindToolResult         Kind = "tool_result"
	KindPermissionRequest  Kind = "permission_request"
	KindPermissionResponse Kind = "permission_response"
	KindSystemNotice       Kind = "system_notice"
	KindStateChange        Kind = "state_change"
	KindCompactionMarker   Kind = "compaction_marker"
	KindComm               Kind = "comm"
)

// Record is a single entry in an event log.
type Record struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrCorruptRecord is returned when a record fails its checksum. Reads that
// hit a truncated tail stop silently at the last valid record; a mid-file
// checksum mismatch is surfaced as corruption.
var ErrCorruptRecord = errors.New("eventlog: corrupt record")

const (
	// Each frame is: u32 length | u32 crc32(payload) | payload.
	frameHeaderSize = 8
	// Index entries are: u64 seq | u64 offset.
	indexEntrySize = 16

	maxRecordSize = 32 * 1024 * 1024
)

// Log is a single append-only event stream backed by two files: the record
// file and its derivable index. One Log has exactly one writer; reads are
// safe from any goroutine.
type Log struct {
	mu sync.Mutex

	path      string
	indexPath string

	file  *os.File
	index *os.File

	// offsets[i] is the file offset of the record with sequence i+1.
	offsets []int64
	lastSeq uint64
	dirty   bool
}

// Open opens (or creates) the log at path. The index at path+".idx" is
// rebuilt from a scan of the record file on every open.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	l := &Log{
		path:      path,
		indexPath: path + ".idx",
		file:      file,
	}

	if err := l.loadIndex(); err != nil {
		_ = file.Close()
		return nil, err
	}

	index, err := os.OpenFile(l.indexPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("eventlog: open index %s: %w", l.indexPath, err)
	}
	l.index = index

	if err := l.rewriteIndex(); err != nil {
		_ = file.Close()
		_ = index.Close()
		return nil, err
	}

	return l, nil
}

// loadIndex scans the record file and rebuilds the in-memory offset table,
// stopping at the first truncated or unreadable frame. The scan is the
// source of truth; the on-disk index is advisory.
func (l *Log) loadIndex() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("eventlog: stat: %w", err)
	}
	size := info.Size()

	var offset int64
	header := make([]byte, frameHeaderSize)
	for offset+frameHeaderSize <= size {
		if _, err := l.file.ReadAt(header, offset); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(header[0:4])
		if length == 0 || length > maxRecordSize {
			break
		}
		end := offset + frameHeaderSize + int64(length)
		if end > size {
			// Truncated tail from an interrupted append.
			break
		}
		l.offsets = append(l.offsets, offset)
		offset = end
	}
	l.lastSeq = uint64(len(l.offsets))

	// Drop any truncated tail so the next append starts on a frame boundary.
	if offset < size {
		if err := l.file.Truncate(offset); err != nil {
			return fmt.Errorf("eventlog: truncate tail: %w", err)
		}
	}
	return nil
}

// rewriteIndex persists the in-memory offset table to the sidecar file.
func (l *Log) rewriteIndex() error {
	if err := l.index.Truncate(0); err != nil {
		return fmt.Errorf("eventlog: truncate index: %w", err)
	}
	if _, err := l.index.Seek(0, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, indexEntrySize)
	for i, off := range l.offsets {
		binary.BigEndian.PutUint64(buf[0:8], uint64(i+1))
		binary.BigEndian.PutUint64(buf[8:16], uint64(off))
		if _, err := l.index.Write(buf); err != nil {
			return fmt.Errorf("eventlog: write index: %w", err)
		}
	}
	return nil
}

// Append assigns the next sequence number, frames and writes the record, and
// returns the completed record. Durability is deferred until Sync; callers
// must Sync before acknowledging a burst to observers.
func (l *Log) Append(kind Kind, payload any) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil, errors.New("eventlog: closed")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("eventlog: marshal payload: %w", err)
		}
		raw = data
	}

	rec := &Record{
		Seq:       l.lastSeq + 1,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   raw,
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal record: %w", err)
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[frameHeaderSize:], body)

	offset, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("eventlog: seek: %w", err)
	}
	if _, err := l.file.Write(frame); err != nil {
		return nil, fmt.Errorf("eventlog: append: %w", err)
	}

	l.offsets = append(l.offsets, offset)
	l.lastSeq = rec.Seq
	l.dirty = true

	entry := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint64(entry[0:8], rec.Seq)
	binary.BigEndian.PutUint64(entry[8:16], uint64(offset))
	if _, err := l.index.Write(entry); err != nil {
		return nil, fmt.Errorf("eventlog: append index: %w", err)
	}

	return rec, nil
}

// Sync flushes pending appends to disk. Called at least once per burst of
// appends before events are acknowledged to observers.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || !l.dirty {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("eventlog: fsync: %w", err)
	}
	l.dirty = false
	return nil
}

// readAt reads and verifies the record at the given offset.
func (l *Log) readAt(offset int64) (*Record, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := l.file.ReadAt(header, offset); err != nil {
		return nil, fmt.Errorf("eventlog: read header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length == 0 || length > maxRecordSize {
		return nil, ErrCorruptRecord
	}

	body := make([]byte, length)
	if _, err := l.file.ReadAt(body, offset+frameHeaderSize); err != nil {
		return nil, fmt.Errorf("eventlog: read body: %w", err)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, ErrCorruptRecord
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, ErrCorruptRecord
	}
	return &rec, nil
}

// Read returns records with sequence numbers in [from, to] inclusive.
// from < 1 is clamped to 1; to < 1 or beyond the tail is clamped to the tail.
func (l *Log) Read(from, to uint64) ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil, errors.New("eventlog: closed")
	}
	if from < 1 {
		from = 1
	}
	if to < 1 || to > l.lastSeq {
		to = l.lastSeq
	}
	if from > to {
		return nil, nil
	}

	records := make([]*Record, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		rec, err := l.readAt(l.offsets[seq-1])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadFrom returns up to limit records with sequence numbers strictly
// greater than cursor. limit <= 0 means no limit.
func (l *Log) ReadFrom(cursor uint64, limit int) ([]*Record, error) {
	l.mu.Lock()
	last := l.lastSeq
	l.mu.Unlock()

	if cursor >= last {
		return nil, nil
	}
	to := last
	if limit > 0 && cursor+uint64(limit) < last {
		to = cursor + uint64(limit)
	}
	return l.Read(cursor+1, to)
}

// Count returns the number of records in the log.
func (l *Log) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// LastSeq returns the sequence number of the most recent record, or 0.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Reset truncates the log and its index. Used by session reset; sequence
// numbering restarts at 1.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("eventlog: closed")
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("eventlog: reset: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := l.index.Truncate(0); err != nil {
		return fmt.Errorf("eventlog: reset index: %w", err)
	}
	if _, err := l.index.Seek(0, io.SeekStart); err != nil {
		return err
	}
	l.offsets = nil
	l.lastSeq = 0
	l.dirty = true
	return l.file.Sync()
}

// Close flushes and closes both files. The Log is unusable afterwards.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	var errs []error
	if l.dirty {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.index.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil
	l.index = nil
	return errors.Join(errs...)
}
