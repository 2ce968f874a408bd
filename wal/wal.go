// Package wal implements CityHall's segment-based write-ahead log: a
// rotating sequence of append-only files, each capped at a configured byte
// limit, fronted by a small staging buffer and a group-commit fsync gate.
// Grounded on the teacher's lsm/wal package (staging-buffer-then-flush
// shape, metadata-driven recovery, DeleteOldLogs retention) but reworked
// around record.go's per-record CRC framing instead of the teacher's
// per-block CRC, and rotated purely on segment size rather than block count.
package wal

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"cityhall/record"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a WAL that has been closed.
var ErrClosed = errors.New("wal: closed")

// SealedSegment describes a sealed (no-longer-active) segment file, as
// returned by ListSealed and consumed by the replication leader.
type SealedSegment struct {
	Number uint64
	Size   int64
}

// WAL is a segment-based write-ahead log. A single mutex serializes appends
// (spec.md §5); Flush implements group commit — concurrent flush callers
// fold into whichever fsync is already in flight rather than issuing their
// own.
type WAL struct {
	dir              string
	segmentLimit     uint64
	stagingCapacity  uint64
	log              zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	closed   bool
	file     *os.File
	segNo    uint64
	segSize  uint64
	staging  []byte // buffered, not-yet-written-to-file bytes
	pending  bool   // true if staging or file has bytes not yet fsynced
	flushing bool
	flushGen uint64
	lastErr  error
}

// Open opens (creating if necessary) the WAL directory, recovering the
// active segment and returning every record found in the segments still on
// disk, sealed and active, in order — the crash-recovery replay spec.md §4.1/§7 describes. segmentLimit
// and stagingCapacity come from config.Config.WAL.
func Open(dir string, segmentLimit, stagingCapacity uint64, log zerolog.Logger) (*WAL, []*record.Record, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("wal: creating directory: %w", err)
	}

	w := &WAL{
		dir:             dir,
		segmentLimit:    segmentLimit,
		stagingCapacity: stagingCapacity,
		log:             log.With().Str("component", "wal").Logger(),
	}
	w.cond = sync.NewCond(&w.mu)

	segments, err := listSegmentFiles(dir)
	if err != nil {
		return nil, nil, err
	}

	var recovered []*record.Record
	if len(segments) == 0 {
		if err := w.openSegment(0); err != nil {
			return nil, nil, err
		}
		return w, recovered, nil
	}

	for _, seg := range segments[:len(segments)-1] {
		recs, _, err := readSegmentRecords(segmentPath(dir, seg))
		if err != nil {
			return nil, nil, fmt.Errorf("wal: recovering sealed segment %d: %w", seg, err)
		}
		recovered = append(recovered, recs...)
	}

	lastSeg := segments[len(segments)-1]
	recs, goodBytes, err := readSegmentRecords(segmentPath(dir, lastSeg))
	if err != nil {
		return nil, nil, fmt.Errorf("wal: recovering active segment %d: %w", lastSeg, err)
	}
	recovered = append(recovered, recs...)

	// Truncate a torn tail write so future appends start from a clean offset.
	f, err := os.OpenFile(segmentPath(dir, lastSeg), os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: reopening active segment %d: %w", lastSeg, err)
	}
	if err := f.Truncate(goodBytes); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("wal: truncating torn tail of segment %d: %w", lastSeg, err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("wal: seeking active segment %d: %w", lastSeg, err)
	}

	w.file = f
	w.segNo = lastSeg
	w.segSize = uint64(goodBytes)
	return w, recovered, nil
}

// readSegmentRecords reads every well-formed record at the head of the
// segment file, stopping (without error) at the first corrupt or truncated
// record — that boundary is either EOF or a torn write from a crash.
func readSegmentRecords(path string) ([]*record.Record, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	var recs []*record.Record
	var offset int
	for offset < len(data) {
		rec, n, err := record.Decode(data[offset:])
		if err != nil {
			break
		}
		recs = append(recs, rec)
		offset += n
	}
	return recs, int64(offset), nil
}

func (w *WAL) openSegment(seg uint64) error {
	f, err := os.OpenFile(segmentPath(w.dir, seg), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: creating segment %d: %w", seg, err)
	}
	w.file = f
	w.segNo = seg
	w.segSize = 0
	return nil
}

// Append encodes rec and adds it to the staging buffer, rotating to a new
// segment first if the write would exceed the segment limit. Durability is
// not guaranteed until Flush returns nil.
func (w *WAL) Append(rec *record.Record) error {
	buf, err := rec.Encode()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	if w.segSize+uint64(len(w.staging))+uint64(len(buf)) > w.segmentLimit && (w.segSize > 0 || len(w.staging) > 0) {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	w.staging = append(w.staging, buf...)
	w.pending = true

	if uint64(len(w.staging)) >= w.stagingCapacity {
		if err := w.drainStagingLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateLocked flushes the current staging buffer to the active file, seals
// it, and opens the next segment. Callers hold w.mu.
func (w *WAL) rotateLocked() error {
	if err := w.drainStagingLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: syncing sealed segment %d: %w", w.segNo, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: closing sealed segment %d: %w", w.segNo, err)
	}
	w.log.Debug().Uint64("segment", w.segNo).Msg("sealed wal segment")
	return w.openSegment(w.segNo + 1)
}

// drainStagingLocked writes buffered bytes to the active file without
// fsyncing. Callers hold w.mu.
func (w *WAL) drainStagingLocked() error {
	if len(w.staging) == 0 {
		return nil
	}
	n, err := w.file.Write(w.staging)
	w.segSize += uint64(n)
	w.staging = w.staging[:0]
	if err != nil {
		return fmt.Errorf("wal: writing segment %d: %w", w.segNo, err)
	}
	return nil
}

// Flush durably persists every Append made so far. Concurrent Flush calls
// group-commit: a caller that arrives while an fsync is already in flight
// waits for it, and issues its own fsync afterwards only if bytes were
// appended while that one ran.
func (w *WAL) Flush() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if !w.pending {
		w.mu.Unlock()
		return nil
	}
	for w.flushing {
		gen := w.flushGen
		for w.flushing && w.flushGen == gen {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return ErrClosed
		}
		if !w.pending {
			// The fsync we waited on cleared pending, so nothing was
			// appended while it ran; our bytes were part of it.
			err := w.lastErr
			w.mu.Unlock()
			return err
		}
		// Data was appended after that flush's drain point (maybe
		// ours), so it's still unsynced. Loop: wait on the next flush
		// if one is already running, or fall through and become the
		// flusher ourselves.
	}

	w.flushing = true
	if err := w.drainStagingLocked(); err != nil {
		w.flushing = false
		w.flushGen++
		w.lastErr = err
		w.cond.Broadcast()
		w.mu.Unlock()
		return err
	}
	f := w.file
	drainedSeg, drainedSize := w.segNo, w.segSize
	w.mu.Unlock()

	syncErr := f.Sync()

	w.mu.Lock()
	w.flushing = false
	w.flushGen++
	w.lastErr = syncErr
	// Bytes appended while the fsync ran are not covered by it; leave
	// pending set so the next Flush syncs them.
	if syncErr == nil && len(w.staging) == 0 && w.segNo == drainedSeg && w.segSize == drainedSize {
		w.pending = false
	}
	w.cond.Broadcast()
	w.mu.Unlock()
	return syncErr
}

// CurrentSegment returns the number of the segment currently being written.
func (w *WAL) CurrentSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segNo
}

// ListSealed returns every segment that is no longer the active segment,
// in ascending order, for the replication leader's ListSealedSegments RPC.
func (w *WAL) ListSealed() ([]SealedSegment, error) {
	w.mu.Lock()
	active := w.segNo
	w.mu.Unlock()

	segments, err := listSegmentFiles(w.dir)
	if err != nil {
		return nil, err
	}
	var sealed []SealedSegment
	for _, seg := range segments {
		if seg == active {
			continue
		}
		info, err := os.Stat(segmentPath(w.dir, seg))
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, SealedSegment{Number: seg, Size: info.Size()})
	}
	return sealed, nil
}

// ReadSegment returns the raw bytes of segment seg, for FetchSegment replies.
func (w *WAL) ReadSegment(seg uint64) ([]byte, error) {
	return os.ReadFile(segmentPath(w.dir, seg))
}

// DiskBytes sums the on-disk size of every segment, sealed and active, for
// the wal_bytes gauge (spec.md §4.9).
func (w *WAL) DiskBytes() (uint64, error) {
	segments, err := listSegmentFiles(w.dir)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, seg := range segments {
		info, err := os.Stat(segmentPath(w.dir, seg))
		if err != nil {
			return 0, err
		}
		total += uint64(info.Size())
	}
	return total, nil
}

// Cleanup removes every sealed segment numbered below minReplicaSegment.
// The caller computes that bound (the engine uses the lower of its flush
// point and the minimum position replicas reported to replication.Server);
// Cleanup trusts the bound it is given.
func (w *WAL) Cleanup(minReplicaSegment uint64) error {
	w.mu.Lock()
	active := w.segNo
	w.mu.Unlock()

	segments, err := listSegmentFiles(w.dir)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg >= active || seg >= minReplicaSegment {
			continue
		}
		if err := os.Remove(segmentPath(w.dir, seg)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: removing retired segment %d: %w", seg, err)
		}
		w.log.Debug().Uint64("segment", seg).Msg("removed retired wal segment")
	}
	return nil
}

// Close flushes and releases the active segment file.
func (w *WAL) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
