package engine

import (
	"fmt"
	"testing"
	"time"

	"cityhall/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestPutGetRoundTrip(t *testing.T) {
	eng, err := Open(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Put([]byte("a"), []byte("1")))
	got, err := eng.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
}

func TestDeleteTombstonesKey(t *testing.T) {
	eng, err := Open(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Put([]byte("a"), []byte("1")))
	require.NoError(t, eng.Delete([]byte("a")))

	_, err = eng.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMissingKeyReturnsNotFound(t *testing.T) {
	eng, err := Open(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRecoveryReplaysUnflushedWrites(t *testing.T) {
	cfg := testConfig(t)

	eng, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, eng.Put([]byte("a"), []byte("1")))
	require.NoError(t, eng.Put([]byte("b"), []byte("2")))
	require.NoError(t, eng.Close())

	eng2, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer eng2.Close()

	got, err := eng2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
	got, err = eng2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(got))
}

func TestMetricsGaugesUpdateOnWriteAndFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memtable.LimitBytes = 64

	eng, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Put([]byte("a"), []byte("1")))
	require.Greater(t, eng.Metrics().Snapshot().MemtableBytes, uint64(0))

	value := make([]byte, 40)
	for i := 0; i < 20; i++ {
		_ = eng.Put([]byte(fmt.Sprintf("k%02d", i)), value)
	}
	require.Eventually(t, func() bool {
		return eng.Metrics().Snapshot().STCount > 0
	}, time.Second, 10*time.Millisecond)
	require.Greater(t, eng.Metrics().Snapshot().WALBytes, uint64(0))
}

// fakeReplicaTracker lets the engine test the retention bound without
// spinning up a real replication.Server.
type fakeReplicaTracker struct {
	min uint64
	ok  bool
}

func (f fakeReplicaTracker) MinSyncedSegment() (uint64, bool) { return f.min, f.ok }

func TestFlushCleanupHonorsReplicaTrackerMinimum(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memtable.LimitBytes = 64
	cfg.WAL.SegmentLimitBytes = 64 // force multiple WAL segments quickly

	eng, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	eng.SetReplicaTracker(fakeReplicaTracker{min: 0, ok: true})

	value := make([]byte, 40)
	for i := 0; i < 40; i++ {
		_ = eng.Put([]byte(fmt.Sprintf("k%03d", i)), value)
	}
	require.Eventually(t, func() bool {
		return eng.Metrics().Snapshot().Flushes > 0
	}, time.Second, 10*time.Millisecond)

	// The tracker reports min_synced_segment=0, so cleanup's bound is 0:
	// nothing is eligible for deletion and segment 0 must still be sealed
	// on disk, even though the engine has flushed well past it.
	sealed, err := eng.WAL().ListSealed()
	require.NoError(t, err)
	found := false
	for _, seg := range sealed {
		if seg.Number == 0 {
			found = true
		}
	}
	require.True(t, found, "segment 0 should survive cleanup while a replica is pinned there")
}

func TestBackpressureWhenFlushBacklogged(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memtable.LimitBytes = 64 // tiny, forces near-immediate rotation

	eng, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer eng.Close()

	// Fill the active memtable past its limit twice in a row, with no
	// time for the background flush to drain the first immutable
	// memtable: the second rotation attempt must be rejected rather than
	// silently accepted.
	value := make([]byte, 40)
	var lastErr error
	for i := 0; i < 50 && lastErr == nil; i++ {
		lastErr = eng.Put([]byte(fmt.Sprintf("k%02d", i)), value)
	}
	require.ErrorIs(t, lastErr, ErrBackpressure)
}
