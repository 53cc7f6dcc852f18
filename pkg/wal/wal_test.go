package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"metacat/pkg/dberrors"
)

func collect(t *testing.T, w *WAL, start uint64) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, w.Replay(start, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, w.Append(Entry{SeqNum: i, Data: []byte{byte(i), 'x'}}))
	}
	require.NoError(t, w.Append(Entry{SeqNum: 4}))

	got := collect(t, w, 0)
	require.Len(t, got, 4)
	require.Equal(t, []byte{2, 'x'}, got[1].Data)
	require.Empty(t, got[3].Data)

	got = collect(t, w, 3)
	require.Len(t, got, 2)
	require.Equal(t, uint64(3), got[0].SeqNum)
	require.NoError(t, w.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.Len(t, collect(t, reopened, 0), 4)
}

func TestTornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{SeqNum: 1, Data: []byte("first")}))
	require.NoError(t, w.Append(Entry{SeqNum: 2, Data: []byte("second")}))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "wal.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	w, err = Open(dir)
	require.NoError(t, err)
	defer w.Close()
	got := collect(t, w, 0)
	require.Len(t, got, 1)
	require.Equal(t, "first", string(got[0].Data))

	// the next append lands right after the last intact record
	require.NoError(t, w.Append(Entry{SeqNum: 3, Data: []byte("third")}))
	got = collect(t, w, 0)
	require.Len(t, got, 2)
	require.Equal(t, "third", string(got[1].Data))
}

func TestCorruptedRecordInTheMiddle(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(Entry{SeqNum: 1, Data: []byte("first")}))
	require.NoError(t, w.Append(Entry{SeqNum: 2, Data: []byte("second")}))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "wal.log")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[headerSize] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0600))

	w, err = Open(dir)
	require.NoError(t, err)
	defer w.Close()
	err = w.Replay(0, func(Entry) error { return nil })
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestClosedWAL(t *testing.T) {
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Append(Entry{SeqNum: 1}), dberrors.ErrClosed)

	_, err = Open("")
	require.Error(t, err)
}
