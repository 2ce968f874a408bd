package replication

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"cityhall/engine"
	"cityhall/record"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Agent runs on a replica: it periodically connects to a leader, lists
// sealed segments, fetches any it has not yet applied, replays their
// records into the local engine, and durably records its progress.
// Reconnects back off exponentially with jitter via
// github.com/cenkalti/backoff/v4.
type Agent struct {
	leaderAddr     string
	eng            *engine.Engine
	statePath      string
	syncInterval   time.Duration
	connectTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	log            zerolog.Logger

	replicaID string
}

// NewAgent constructs an Agent. dataDir is the replica's local data
// directory; its replica_state.json lives alongside the engine's own
// on-disk state.
func NewAgent(leaderAddr string, eng *engine.Engine, dataDir string, syncInterval, connectTimeout, backoffInitial, backoffMax time.Duration, log zerolog.Logger) *Agent {
	return &Agent{
		leaderAddr:     leaderAddr,
		eng:            eng,
		statePath:      filepath.Join(dataDir, "replica_state.json"),
		syncInterval:   syncInterval,
		connectTimeout: connectTimeout,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		log:            log.With().Str("component", "replication-agent").Logger(),
	}
}

// Run pulls from the leader until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.ensureReplicaID(); err != nil {
		return fmt.Errorf("replication: establishing replica identity: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := a.syncOnce(ctx); err != nil {
			a.log.Warn().Err(err).Msg("sync round failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.syncInterval):
		}
	}
}

// ensureReplicaID loads the replica's persisted identity, minting and
// persisting a fresh one on first run (spec.md §4.8 state shape).
func (a *Agent) ensureReplicaID() error {
	state, err := LoadState(a.statePath)
	if err != nil {
		return err
	}
	if state.ReplicaID != "" {
		a.replicaID = state.ReplicaID
		return nil
	}
	state.ReplicaID = uuid.NewString()
	state.LeaderEndpoint = a.leaderAddr
	if err := state.Save(a.statePath); err != nil {
		return err
	}
	a.replicaID = state.ReplicaID
	return nil
}

// syncOnce performs one connect-heartbeat-list-fetch-apply round, retrying
// the connection itself with exponential backoff and jitter.
func (a *Agent) syncOnce(ctx context.Context) error {
	conn, err := a.connectWithBackoff(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	state, err := LoadState(a.statePath)
	if err != nil {
		return err
	}

	// Step 2 (spec.md §4.8): heartbeat with our current position before
	// asking for anything, so the leader's retention always reflects
	// what we have actually applied, not what we are about to fetch.
	if err := WriteFrame(conn, Frame{Type: MsgHeartbeat, Payload: EncodeHeartbeat(a.replicaID, state.LastSyncedSegment)}); err != nil {
		return err
	}
	if ack, err := ReadFrame(conn); err != nil {
		return err
	} else if ack.Type == MsgError {
		return fmt.Errorf("leader rejected heartbeat: %s", ack.Payload)
	}

	if err := WriteFrame(conn, Frame{Type: MsgListSealed}); err != nil {
		return err
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	if reply.Type == MsgError {
		return fmt.Errorf("leader error: %s", reply.Payload)
	}
	sealed, err := DecodeSealedReply(reply.Payload)
	if err != nil {
		return err
	}

	applied := 0
	for _, seg := range sealed {
		if state.HasSynced && seg.Number <= state.LastSyncedSegment {
			continue
		}
		if err := a.fetchAndApplySegment(conn, seg.Number); err != nil {
			return fmt.Errorf("applying segment %d: %w", seg.Number, err)
		}

		state.LastSyncedSegment = seg.Number
		state.HasSynced = true
		state.ReplicaID = a.replicaID
		state.LeaderEndpoint = a.leaderAddr
		state.LastSyncTime = time.Now()
		if err := state.Save(a.statePath); err != nil {
			return fmt.Errorf("persisting sync progress for segment %d: %w", seg.Number, err)
		}
		applied++
	}

	if applied > 0 {
		a.log.Info().Int("segments", applied).Uint64("last_synced", state.LastSyncedSegment).Msg("applied replicated segments")
	}
	return nil
}

// fetchAndApplySegment pages through segNo via FetchSegment{seg_no,
// start_offset} until the leader reports no more data, applying each page
// as it arrives (spec.md §4.7 BATCH_LIMIT paging).
func (a *Agent) fetchAndApplySegment(conn net.Conn, segNo uint64) error {
	var offset uint64
	for {
		if err := WriteFrame(conn, Frame{Type: MsgFetchSegment, Payload: EncodeFetchSegmentRequest(segNo, offset)}); err != nil {
			return err
		}
		segReply, err := ReadFrame(conn)
		if err != nil {
			return err
		}
		if segReply.Type == MsgError {
			return fmt.Errorf("leader error fetching segment %d: %s", segNo, segReply.Payload)
		}
		next, hasMore, chunk, err := DecodeSegmentChunk(segReply.Payload)
		if err != nil {
			return err
		}
		if err := a.applySegment(chunk); err != nil {
			return err
		}
		if !hasMore {
			return nil
		}
		offset = next
	}
}

// applySegment decodes every well-formed record in a fetched segment and
// applies it to the local engine. A trailing partial record (the leader's
// active segment may still be growing) is silently dropped, matching the
// torn-tail tolerance the WAL itself uses during recovery.
func (a *Agent) applySegment(data []byte) error {
	offset := 0
	for offset < len(data) {
		rec, n, err := record.Decode(data[offset:])
		if err != nil {
			break
		}
		if err := a.eng.ApplyReplicated(rec); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

func (a *Agent) connectWithBackoff(ctx context.Context) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.backoffInitial
	b.MaxInterval = a.backoffMax
	b.MaxElapsedTime = 0 // retry indefinitely; the caller controls ctx lifetime

	var conn net.Conn
	operation := func() error {
		c, err := net.DialTimeout("tcp", a.leaderAddr, a.connectTimeout)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return conn, err
}
