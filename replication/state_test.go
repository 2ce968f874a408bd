package replication

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica_state.json")

	s := &State{LastSyncedSegment: 7, HasSynced: true}
	require.NoError(t, s.Save(path))

	got, err := LoadState(path)
	require.NoError(t, err)
	require.Equal(t, s.LastSyncedSegment, got.LastSyncedSegment)
	require.True(t, got.HasSynced)
}

func TestLoadStateMissingFileReturnsZeroValue(t *testing.T) {
	got, err := LoadState(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.False(t, got.HasSynced)
}
