package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotReportsGauges(t *testing.T) {
	m := New()
	m.SetMemtableBytes(1024)
	m.SetSTCount(3)
	m.SetWALBytes(4096)
	m.SetDiskUsage(8192)

	snap := m.Snapshot()
	require.Equal(t, uint64(1024), snap.MemtableBytes)
	require.Equal(t, uint64(3), snap.STCount)
	require.Equal(t, uint64(4096), snap.WALBytes)
	require.Equal(t, uint64(8192), snap.DiskUsage)
}

func TestSnapshotReportsCounters(t *testing.T) {
	m := New()
	m.IncWrites()
	m.IncWrites()
	m.IncReadHits()

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.Writes)
	require.Equal(t, uint64(1), snap.ReadHits)
}
