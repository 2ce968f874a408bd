package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cityhall.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default().WAL.SegmentLimitBytes, cfg.WAL.SegmentLimitBytes)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Memtable.LimitBytes, reloaded.Memtable.LimitBytes)
}

func TestValidateRejectsBadBloomRate(t *testing.T) {
	cfg := Default()
	cfg.BloomFilter.FalsePositiveRate = 1.5
	require.Error(t, validate(cfg))
}

func TestValidateRejectsLowTierThreshold(t *testing.T) {
	cfg := Default()
	cfg.Compaction.TierThreshold = 1
	require.Error(t, validate(cfg))
}
