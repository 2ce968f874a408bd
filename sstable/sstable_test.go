package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"cityhall/record"

	"github.com/stretchr/testify/require"
)

func sampleRecords(n int) []*record.Record {
	recs := make([]*record.Record, n)
	for i := 0; i < n; i++ {
		recs[i] = record.NewPut([]byte(fmt.Sprintf("key-%04d", i)), []byte(fmt.Sprintf("value-%d", i)), uint64(i))
	}
	return recs
}

func TestWriteOpenGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.sst")
	recs := sampleRecords(200)

	require.NoError(t, Write(path, recs, 1024, 1, 0.01))

	table, err := Open(path)
	require.NoError(t, err)
	defer table.Close()
	require.Equal(t, uint64(200), table.EntryCount())

	got, err := table.Get([]byte("key-0099"))
	require.NoError(t, err)
	require.Equal(t, "value-99", string(got.Value))

	_, err = table.Get([]byte("missing-key"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIteratorVisitsAllKeysInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.sst")
	recs := sampleRecords(50)
	require.NoError(t, Write(path, recs, 512, 2, 0.01))

	table, err := Open(path)
	require.NoError(t, err)
	defer table.Close()

	it := table.NewIterator()
	var seen []string
	for it.Next() {
		seen = append(seen, string(it.Record().Key))
	}
	require.NoError(t, it.Err())
	require.Len(t, seen, 50)
	for i := 1; i < len(seen); i++ {
		require.Less(t, seen[i-1], seen[i])
	}
}

func TestBlockCacheServesRepeatedReadsWithoutRefetching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.sst")
	recs := sampleRecords(100)
	require.NoError(t, Write(path, recs, 256, 4, 0.01))

	table, err := Open(path)
	require.NoError(t, err)
	defer table.Close()

	bc := NewBlockCache(16)
	table.SetBlockCache(bc)

	got, err := table.Get([]byte("key-0050"))
	require.NoError(t, err)
	require.Equal(t, "value-50", string(got.Value))
	require.Greater(t, bc.Len(), 0)

	// A second lookup for a key in the same block must hit the cache and
	// still return the right record: the file's contents are gone, so a
	// refetch from disk would fail.
	require.NoError(t, os.Truncate(path, 0))
	got, err = table.Get([]byte("key-0050"))
	require.NoError(t, err)
	require.Equal(t, "value-50", string(got.Value))
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.sst")
	require.NoError(t, Write(path, sampleRecords(1), 512, 1, 0.01))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path)
	require.ErrorIs(t, err, ErrCorrupt)
}
