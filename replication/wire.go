package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies a replication protocol frame, per spec.md §6.
type MessageType byte

const (
	MsgSyncRequest  MessageType = 0x01
	MsgSyncResponse MessageType = 0x02
	MsgNoNewData    MessageType = 0x03
	MsgListSealed   MessageType = 0x04
	MsgSealedReply  MessageType = 0x05
	MsgFetchSegment MessageType = 0x06
	MsgHeartbeat    MessageType = 0x07
	MsgError        MessageType = 0xFF
)

// ErrFrameTooLarge guards against a corrupt or hostile length prefix.
var ErrFrameTooLarge = errors.New("replication: frame exceeds maximum size")

// maxFrameSize bounds a single frame's payload (a FetchSegment reply can
// carry up to one sealed WAL segment, capped by config.Config.WAL's
// segment limit in practice; this is a hard protocol ceiling).
const maxFrameSize = 256 << 20

// Frame is one length-prefixed replication message: a 4-byte big-endian
// length, a 1-byte type, and a payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(f.Payload)+1))
	header[4] = byte(f.Type)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("replication: writing frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("replication: writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("replication: empty frame")
	}
	if length > maxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("replication: reading frame body: %w", err)
	}
	return Frame{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

// ListSealedRequest carries no fields: the leader always reports every
// currently-sealed segment.

// SealedSegmentInfo describes one sealed segment in a SealedReply.
type SealedSegmentInfo struct {
	Number uint64
	Size   uint64
}

// EncodeSealedReply serializes a list of sealed segments: count u32, then
// for each, number u64 | size u64.
func EncodeSealedReply(segments []SealedSegmentInfo) []byte {
	buf := make([]byte, 4+len(segments)*16)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(segments)))
	off := 4
	for _, s := range segments {
		binary.BigEndian.PutUint64(buf[off:], s.Number)
		binary.BigEndian.PutUint64(buf[off+8:], s.Size)
		off += 16
	}
	return buf
}

// DecodeSealedReply reverses EncodeSealedReply.
func DecodeSealedReply(data []byte) ([]SealedSegmentInfo, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("replication: truncated sealed reply")
	}
	count := binary.BigEndian.Uint32(data[:4])
	if uint64(len(data)) < 4+uint64(count)*16 {
		return nil, fmt.Errorf("replication: truncated sealed reply body")
	}
	segments := make([]SealedSegmentInfo, count)
	off := 4
	for i := range segments {
		segments[i] = SealedSegmentInfo{
			Number: binary.BigEndian.Uint64(data[off:]),
			Size:   binary.BigEndian.Uint64(data[off+8:]),
		}
		off += 16
	}
	return segments, nil
}

// EncodeFetchSegmentRequest serializes the segment number and the byte
// offset within it to resume reading from (spec.md §6: FetchSegment
// { seg_no, start_offset }, used to page a segment across responses).
func EncodeFetchSegmentRequest(seg, startOffset uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], seg)
	binary.BigEndian.PutUint64(buf[8:], startOffset)
	return buf
}

// DecodeFetchSegmentRequest reverses EncodeFetchSegmentRequest.
func DecodeFetchSegmentRequest(data []byte) (seg, startOffset uint64, err error) {
	if len(data) < 16 {
		return 0, 0, fmt.Errorf("replication: truncated fetch-segment request")
	}
	return binary.BigEndian.Uint64(data[:8]), binary.BigEndian.Uint64(data[8:]), nil
}

// EncodeSegmentChunk serializes one page of a FetchSegment reply: the
// offset to resume from on the next request, whether more data follows,
// and the raw (record-boundary-aligned) bytes of this page (spec.md §4.7
// BATCH_LIMIT paging).
func EncodeSegmentChunk(nextOffset uint64, hasMore bool, data []byte) []byte {
	buf := make([]byte, 9+len(data))
	binary.BigEndian.PutUint64(buf[:8], nextOffset)
	if hasMore {
		buf[8] = 1
	}
	copy(buf[9:], data)
	return buf
}

// DecodeSegmentChunk reverses EncodeSegmentChunk.
func DecodeSegmentChunk(data []byte) (nextOffset uint64, hasMore bool, records []byte, err error) {
	if len(data) < 9 {
		return 0, false, nil, fmt.Errorf("replication: truncated segment chunk")
	}
	return binary.BigEndian.Uint64(data[:8]), data[8] != 0, data[9:], nil
}

// EncodeHeartbeat serializes a replica's identity and the position it has
// fully applied, per spec.md §4.7 Heartbeat{replica_id, last_synced_segment}.
func EncodeHeartbeat(replicaID string, lastSyncedSegment uint64) []byte {
	id := []byte(replicaID)
	buf := make([]byte, 2+len(id)+8)
	binary.BigEndian.PutUint16(buf[:2], uint16(len(id)))
	copy(buf[2:], id)
	binary.BigEndian.PutUint64(buf[2+len(id):], lastSyncedSegment)
	return buf
}

// DecodeHeartbeat reverses EncodeHeartbeat.
func DecodeHeartbeat(data []byte) (replicaID string, lastSyncedSegment uint64, err error) {
	if len(data) < 2 {
		return "", 0, fmt.Errorf("replication: truncated heartbeat")
	}
	idLen := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+idLen+8 {
		return "", 0, fmt.Errorf("replication: truncated heartbeat body")
	}
	replicaID = string(data[2 : 2+idLen])
	lastSyncedSegment = binary.BigEndian.Uint64(data[2+idLen:])
	return replicaID, lastSyncedSegment, nil
}
