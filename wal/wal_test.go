package wal

import (
	"os"
	"testing"

	"cityhall/record"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func rec(key, value string, ts uint64) *record.Record {
	return record.NewPut([]byte(key), []byte(value), ts)
}

func TestAppendFlushRecover(t *testing.T) {
	dir := t.TempDir()

	w, recovered, err := Open(dir, 1<<20, 4096, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, recovered)

	require.NoError(t, w.Append(rec("a", "1", 1)))
	require.NoError(t, w.Append(rec("b", "2", 2)))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	w2, recovered2, err := Open(dir, 1<<20, 4096, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, recovered2, 2)
	require.Equal(t, "a", string(recovered2[0].Key))
	require.Equal(t, "b", string(recovered2[1].Key))
	require.NoError(t, w2.Close())
}

func TestRotationCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	// A tiny segment limit forces a rotation after the first record.
	w, _, err := Open(dir, 64, 16, zerolog.Nop())
	require.NoError(t, err)

	value := make([]byte, 40)
	require.NoError(t, w.Append(rec("a", string(value), 1)))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Append(rec("b", string(value), 2)))
	require.NoError(t, w.Flush())

	require.Equal(t, uint64(1), w.CurrentSegment())
	sealed, err := w.ListSealed()
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	require.NoError(t, w.Close())
}

func TestRecoveryToleratesTornTailRecord(t *testing.T) {
	dir := t.TempDir()
	w, _, err := Open(dir, 1<<20, 4096, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Append(rec("a", "1", 1)))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: append a few garbage bytes to the
	// active segment without going through the WAL.
	segPath := segmentPath(dir, 0)
	f, err := os.OpenFile(segPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, recovered, err := Open(dir, 1<<20, 4096, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, "a", string(recovered[0].Key))
	require.NoError(t, w2.Close())
}

func TestCleanupRemovesSegmentsBelowWatermark(t *testing.T) {
	dir := t.TempDir()
	w, _, err := Open(dir, 64, 16, zerolog.Nop())
	require.NoError(t, err)

	value := make([]byte, 40)
	require.NoError(t, w.Append(rec("a", string(value), 1)))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Append(rec("b", string(value), 2)))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Append(rec("c", string(value), 3)))
	require.NoError(t, w.Flush())

	require.NoError(t, w.Cleanup(2))
	sealed, err := w.ListSealed()
	require.NoError(t, err)
	for _, s := range sealed {
		require.GreaterOrEqual(t, s.Number, uint64(2))
	}
	require.NoError(t, w.Close())
}
