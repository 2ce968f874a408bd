package replication

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: MsgHeartbeat, Payload: []byte("ping")}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgHeartbeat, got.Type)
	require.Equal(t, []byte("ping"), got.Payload)
}

func TestSealedReplyRoundTrip(t *testing.T) {
	segments := []SealedSegmentInfo{{Number: 1, Size: 100}, {Number: 2, Size: 200}}
	data := EncodeSealedReply(segments)

	got, err := DecodeSealedReply(data)
	require.NoError(t, err)
	require.Equal(t, segments, got)
}

func TestFetchSegmentRequestRoundTrip(t *testing.T) {
	data := EncodeFetchSegmentRequest(42, 128)
	seg, offset, err := DecodeFetchSegmentRequest(data)
	require.NoError(t, err)
	require.Equal(t, uint64(42), seg)
	require.Equal(t, uint64(128), offset)
}

func TestSegmentChunkRoundTrip(t *testing.T) {
	data := EncodeSegmentChunk(256, true, []byte("records"))
	next, hasMore, records, err := DecodeSegmentChunk(data)
	require.NoError(t, err)
	require.Equal(t, uint64(256), next)
	require.True(t, hasMore)
	require.Equal(t, []byte("records"), records)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	data := EncodeHeartbeat("replica-1", 7)
	id, seg, err := DecodeHeartbeat(data)
	require.NoError(t, err)
	require.Equal(t, "replica-1", id)
	require.Equal(t, uint64(7), seg)
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)
	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
