package memtable

import (
	"testing"

	"cityhall/record"

	"github.com/stretchr/testify/require"
)

func TestInsertAndGet(t *testing.T) {
	m := New()
	m.Insert(record.NewPut([]byte("b"), []byte("2"), 1))
	m.Insert(record.NewPut([]byte("a"), []byte("1"), 1))

	rec, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), rec.Value)
	require.Equal(t, 2, m.Len())
}

func TestInsertOverwriteUpdatesByteEstimate(t *testing.T) {
	m := New()
	m.Insert(record.NewPut([]byte("k"), []byte("short"), 1))
	afterFirst := m.ByteEstimate()

	m.Insert(record.NewPut([]byte("k"), []byte("a-much-longer-value"), 2))
	afterSecond := m.ByteEstimate()

	require.Equal(t, 1, m.Len())
	require.Greater(t, afterSecond, afterFirst)
}

func TestDrainOrderedIsSorted(t *testing.T) {
	m := New()
	for _, k := range []string{"c", "a", "b"} {
		m.Insert(record.NewPut([]byte(k), []byte("v"), 1))
	}

	recs := m.DrainOrdered()
	require.Len(t, recs, 3)
	require.Equal(t, "a", string(recs[0].Key))
	require.Equal(t, "b", string(recs[1].Key))
	require.Equal(t, "c", string(recs[2].Key))
}
