package replication

import (
	"testing"

	"cityhall/record"

	"github.com/stretchr/testify/require"
)

func TestMinSyncedSegmentNoReplicas(t *testing.T) {
	s := &Server{replicaPositions: make(map[string]uint64)}
	_, ok := s.MinSyncedSegment()
	require.False(t, ok)
}

func TestMinSyncedSegmentTracksMinimumAcrossReplicas(t *testing.T) {
	s := &Server{replicaPositions: make(map[string]uint64)}
	s.recordHeartbeat("replica-a", 5)
	s.recordHeartbeat("replica-b", 2)
	s.recordHeartbeat("replica-a", 8) // newer report from the same replica overwrites

	min, ok := s.MinSyncedSegment()
	require.True(t, ok)
	require.Equal(t, uint64(2), min)
}

func encodedSegment(t *testing.T, n int) []byte {
	t.Helper()
	var data []byte
	for i := 0; i < n; i++ {
		rec := record.NewPut([]byte("key"), []byte("value"), uint64(i))
		enc, err := rec.Encode()
		require.NoError(t, err)
		data = append(data, enc...)
	}
	return data
}

func TestExtractBatchPagesAtLimit(t *testing.T) {
	data := encodedSegment(t, 5)

	chunk, next, hasMore, err := extractBatch(data, 0, 2)
	require.NoError(t, err)
	require.True(t, hasMore)

	decoded := 0
	for offset := 0; offset < len(chunk); {
		_, n, err := record.Decode(chunk[offset:])
		require.NoError(t, err)
		offset += n
		decoded++
	}
	require.Equal(t, 2, decoded)

	chunk2, next2, hasMore2, err := extractBatch(data, next, 2)
	require.NoError(t, err)
	require.True(t, hasMore2)
	require.NotEqual(t, next, next2)

	_, _, hasMore3, err := extractBatch(data, next2, 2)
	require.NoError(t, err)
	require.False(t, hasMore3)
	_ = chunk2
}

func TestExtractBatchRejectsOffsetPastEnd(t *testing.T) {
	data := encodedSegment(t, 1)
	_, _, _, err := extractBatch(data, uint64(len(data)+1), 10)
	require.Error(t, err)
}
