package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

type notePayload struct {
	Text string `json:"text"`
}

func TestAppendAssignsSequenceNumbers(t *testing.T) {
	l, _ := openTestLog(t)

	for i := 1; i <= 5; i++ {
		rec, err := l.Append(KindSystemNotice, notePayload{Text: "note"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Seq)
		assert.False(t, rec.Timestamp.IsZero())
	}
	require.NoError(t, l.Sync())

	assert.Equal(t, uint64(5), l.Count())
	assert.Equal(t, uint64(5), l.LastSeq())
}

func TestReadRange(t *testing.T) {
	l, _ := openTestLog(t)

	for i := 0; i < 10; i++ {
		_, err := l.Append(KindAssistantText, notePayload{Text: "x"})
		require.NoError(t, err)
	}

	t.Run("inclusive range", func(t *testing.T) {
		records, err := l.Read(3, 6)
		require.NoError(t, err)
		require.Len(t, records, 4)
		assert.Equal(t, uint64(3), records[0].Seq)
		assert.Equal(t, uint64(6), records[3].Seq)
	})

	t.Run("clamps out-of-range bounds", func(t *testing.T) {
		records, err := l.Read(0, 100)
		require.NoError(t, err)
		assert.Len(t, records, 10)
	})

	t.Run("empty when from exceeds to", func(t *testing.T) {
		records, err := l.Read(8, 4)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestReadFromCursor(t *testing.T) {
	l, _ := openTestLog(t)

	for i := 0; i < 6; i++ {
		_, err := l.Append(KindUserInput, notePayload{Text: "in"})
		require.NoError(t, err)
	}

	records, err := l.ReadFrom(4, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(5), records[0].Seq)

	records, err = l.ReadFrom(0, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(1), records[0].Seq)

	records, err = l.ReadFrom(6, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReopenRebuildsIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	l, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(KindToolUse, notePayload{Text: "t"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Remove the index; reopen must rebuild it from the record file.
	require.NoError(t, os.Remove(path+".idx"))

	l2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	assert.Equal(t, uint64(4), l2.Count())
	records, err := l2.Read(1, 0)
	require.NoError(t, err)
	assert.Len(t, records, 4)

	// New appends continue the sequence.
	rec, err := l2.Append(KindToolResult, notePayload{Text: "r"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Seq)
}

func TestTruncatedTailStopsAtLastValidRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	l, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(KindSystemNotice, notePayload{Text: "n"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Chop bytes off the tail to simulate an interrupted append.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	l2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	assert.Equal(t, uint64(2), l2.Count())

	// The log stays appendable after truncation.
	rec, err := l2.Append(KindSystemNotice, notePayload{Text: "again"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Seq)
}

func TestCorruptRecordDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Append(KindSystemNotice, notePayload{Text: "victim"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Flip a payload byte without touching the frame header.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	l2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	_, err = l2.Read(1, 1)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestReset(t *testing.T) {
	l, _ := openTestLog(t)

	for i := 0; i < 3; i++ {
		_, err := l.Append(KindUserInput, notePayload{Text: "x"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset())
	assert.Equal(t, uint64(0), l.Count())

	// Sequence numbering restarts at 1.
	rec, err := l.Append(KindUserInput, notePayload{Text: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
}
