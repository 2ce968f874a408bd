package compaction

import (
	"path/filepath"
	"testing"

	"cityhall/record"
	"cityhall/sstable"

	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, dir, name string, recs []*record.Record) *sstable.Table {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, sstable.Write(path, recs, 1024, 1, 0.01))
	table, err := sstable.Open(path)
	require.NoError(t, err)
	return table
}

func TestMergeDedupesKeepingNewest(t *testing.T) {
	dir := t.TempDir()
	newer := writeTable(t, dir, "newer.sst", []*record.Record{
		record.NewPut([]byte("a"), []byte("v2"), 2),
	})
	older := writeTable(t, dir, "older.sst", []*record.Record{
		record.NewPut([]byte("a"), []byte("v1"), 1),
		record.NewPut([]byte("b"), []byte("v1"), 1),
	})

	var merged []*record.Record
	err := Merge([]*sstable.Table{newer, older}, false, func(r *record.Record) error {
		merged = append(merged, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, merged, 2)
	require.Equal(t, "v2", string(merged[0].Value))
	require.Equal(t, "v1", string(merged[1].Value))
}

func TestMergeDropsTombstonesWhenRequested(t *testing.T) {
	dir := t.TempDir()
	tbl := writeTable(t, dir, "t.sst", []*record.Record{
		record.NewDelete([]byte("gone"), 1),
		record.NewPut([]byte("kept"), []byte("v"), 1),
	})

	var merged []*record.Record
	err := Merge([]*sstable.Table{tbl}, true, func(r *record.Record) error {
		merged = append(merged, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, "kept", string(merged[0].Key))
}

func TestPolicyCompactProducesSingleMergedTable(t *testing.T) {
	dir := t.TempDir()
	a := writeTable(t, dir, "a.sst", []*record.Record{record.NewPut([]byte("x"), []byte("1"), 1)})
	b := writeTable(t, dir, "b.sst", []*record.Record{record.NewPut([]byte("y"), []byte("2"), 1)})

	p := Policy{Threshold: 2, BlockTargetBytes: 1024, SparseStepIndex: 1, FalsePositiveRate: 0.01, Dir: dir}
	tier := Tier{Tables: []*sstable.Table{a, b}}
	require.True(t, p.ShouldCompact(tier))

	merged, err := p.Compact(tier, true)
	require.NoError(t, err)
	defer merged.Close()
	require.Equal(t, uint64(2), merged.EntryCount())
}
