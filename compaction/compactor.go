package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"cityhall/record"
	"cityhall/sstable"

	"github.com/google/uuid"
)

// Tier groups tables of roughly the same generation — size-tiered
// compaction's unit of work, grounded on the teacher's sizeTieredCompaction
// in lsm/lsm.go, generalized from the teacher's per-level slice-of-indexes
// bookkeeping to a plain ordered list of open tables.
type Tier struct {
	Tables []*sstable.Table // newest first
}

// Policy holds the tunables that decide when and how tiers merge.
type Policy struct {
	Threshold         uint64 // tables per tier before a merge triggers
	BlockTargetBytes  uint64
	SparseStepIndex   uint64
	FalsePositiveRate float64
	Dir               string // directory new merged tables are written into
	BlockCache        *sstable.BlockCache
}

// ShouldCompact reports whether tier has accumulated enough tables to merge,
// per spec.md §4.6's size-tiered trigger.
func (p Policy) ShouldCompact(tier Tier) bool {
	return uint64(len(tier.Tables)) >= p.Threshold
}

// Compact merges every table in tier into one new table, dropping
// tombstones only when isOldestTier is true (spec.md §4.6: a tombstone is
// only safe to drop once no older tier can still need it as a marker).
// It returns the newly written table, leaving the caller to close/remove
// the inputs and swap the table set atomically.
func (p Policy) Compact(tier Tier, isOldestTier bool) (*sstable.Table, error) {
	if len(tier.Tables) == 0 {
		return nil, fmt.Errorf("compaction: empty tier")
	}

	tmpPath := filepath.Join(p.Dir, fmt.Sprintf(".compact-%s.tmp", uuid.NewString()))
	var merged []*record.Record
	err := Merge(tier.Tables, isOldestTier, func(r *record.Record) error {
		merged = append(merged, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compaction: merging tier: %w", err)
	}

	if err := sstable.Write(tmpPath, merged, p.BlockTargetBytes, p.SparseStepIndex, p.FalsePositiveRate); err != nil {
		return nil, fmt.Errorf("compaction: writing merged table: %w", err)
	}

	finalPath := filepath.Join(p.Dir, fmt.Sprintf("%s.sst", uuid.NewString()))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("compaction: publishing merged table: %w", err)
	}
	if dirF, err := os.Open(p.Dir); err == nil {
		dirF.Sync()
		dirF.Close()
	}

	merged, err := sstable.Open(finalPath)
	if err != nil {
		return nil, err
	}
	if p.BlockCache != nil {
		merged.SetBlockCache(p.BlockCache)
	}
	return merged, nil
}
