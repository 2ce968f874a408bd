package replication

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"cityhall/record"
	"cityhall/wal"

	"github.com/rs/zerolog"
)

// Server is the leader side of replication: it accepts connections from
// replica agents and answers ListSealedSegments, FetchSegment, and
// Heartbeat requests against its local WAL.
type Server struct {
	w           *wal.WAL
	log         zerolog.Logger
	listener    net.Listener
	readTimeout time.Duration
	batchLimit  int
	limitersMu  sync.Mutex
	limiters    map[string]*TokenBucket

	replicaMu        sync.Mutex
	replicaPositions map[string]uint64
}

// NewServer binds addr and returns a Server ready to Serve. batchLimit
// bounds the number of records a single FetchSegment reply carries
// (spec.md §4.7 BATCH_LIMIT); a value <= 0 disables paging.
func NewServer(addr string, w *wal.WAL, readTimeout time.Duration, batchLimit int, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("replication: listening on %s: %w", addr, err)
	}
	if batchLimit <= 0 {
		batchLimit = math.MaxInt32
	}
	return &Server{
		w:                w,
		log:              log.With().Str("component", "replication-server").Logger(),
		listener:         ln,
		readTimeout:      readTimeout,
		batchLimit:       batchLimit,
		limiters:         make(map[string]*TokenBucket),
		replicaPositions: make(map[string]uint64),
	}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts and handles connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	limiter := s.limiterFor(remote)

	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}

		if !limiter.Allow() {
			WriteFrame(conn, Frame{Type: MsgError, Payload: []byte("rate limited")})
			return
		}

		if err := s.handleFrame(conn, frame); err != nil {
			s.log.Warn().Err(err).Str("remote", remote).Msg("replication request failed")
			WriteFrame(conn, Frame{Type: MsgError, Payload: []byte(err.Error())})
			return
		}
	}
}

func (s *Server) limiterFor(remote string) *TokenBucket {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if tb, ok := s.limiters[remote]; ok {
		return tb
	}
	tb := NewTokenBucket(10, 20*time.Second, 1)
	s.limiters[remote] = tb
	return tb
}

func (s *Server) handleFrame(conn net.Conn, frame Frame) error {
	switch frame.Type {
	case MsgListSealed:
		sealed, err := s.w.ListSealed()
		if err != nil {
			return err
		}
		infos := make([]SealedSegmentInfo, len(sealed))
		for i, seg := range sealed {
			infos[i] = SealedSegmentInfo{Number: seg.Number, Size: uint64(seg.Size)}
		}
		return WriteFrame(conn, Frame{Type: MsgSealedReply, Payload: EncodeSealedReply(infos)})

	case MsgFetchSegment:
		seg, startOffset, err := DecodeFetchSegmentRequest(frame.Payload)
		if err != nil {
			return err
		}
		data, err := s.w.ReadSegment(seg)
		if err != nil {
			return fmt.Errorf("fetching segment %d: %w", seg, err)
		}
		chunk, next, hasMore, err := extractBatch(data, startOffset, s.batchLimit)
		if err != nil {
			return fmt.Errorf("paging segment %d: %w", seg, err)
		}
		return WriteFrame(conn, Frame{Type: MsgSyncResponse, Payload: EncodeSegmentChunk(next, hasMore, chunk)})

	case MsgHeartbeat:
		replicaID, lastSynced, err := DecodeHeartbeat(frame.Payload)
		if err != nil {
			return err
		}
		s.recordHeartbeat(replicaID, lastSynced)
		return WriteFrame(conn, Frame{Type: MsgHeartbeat})

	default:
		return fmt.Errorf("unrecognized message type %x", frame.Type)
	}
}

// extractBatch pages through data (a raw WAL segment) starting at start,
// decoding up to limit well-formed records and returning that span's raw
// bytes, the offset to resume from, and whether another decodable record
// remains beyond it (spec.md §4.7 BATCH_LIMIT paging). A decode failure
// ends the batch early, same torn-tail tolerance as WAL recovery.
func extractBatch(data []byte, start uint64, limit int) (chunk []byte, next uint64, hasMore bool, err error) {
	if start > uint64(len(data)) {
		return nil, 0, false, fmt.Errorf("start offset %d past end of segment (%d bytes)", start, len(data))
	}
	offset := int(start)
	for count := 0; offset < len(data) && count < limit; count++ {
		_, n, decErr := record.Decode(data[offset:])
		if decErr != nil {
			break
		}
		offset += n
	}
	if offset < len(data) {
		if _, _, decErr := record.Decode(data[offset:]); decErr == nil {
			hasMore = true
		}
	}
	return data[start:offset], uint64(offset), hasMore, nil
}

// recordHeartbeat stores the latest position reported by replicaID.
func (s *Server) recordHeartbeat(replicaID string, lastSyncedSegment uint64) {
	s.replicaMu.Lock()
	defer s.replicaMu.Unlock()
	s.replicaPositions[replicaID] = lastSyncedSegment
}

// MinSyncedSegment returns the minimum last_synced_segment reported across
// all currently-registered replicas, and whether any replica is known at
// all. It satisfies engine.ReplicaTracker, feeding WAL retention (spec.md
// §3, §4.1 cleanup(min_replica_seg), §8 property 6, scenario S6).
func (s *Server) MinSyncedSegment() (uint64, bool) {
	s.replicaMu.Lock()
	defer s.replicaMu.Unlock()
	if len(s.replicaPositions) == 0 {
		return 0, false
	}
	min := uint64(math.MaxUint64)
	for _, pos := range s.replicaPositions {
		if pos < min {
			min = pos
		}
	}
	return min, true
}
