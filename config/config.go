// Package config loads CityHall's JSON configuration file, generalizing
// the teacher's singleton utils/config package into an explicit instance
// threaded through the engine rather than a hidden global.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds every tunable named by spec.md, grouped by the component
// that owns it.
type Config struct {
	DataDir string `json:"data_dir"`

	WAL struct {
		SegmentLimitBytes uint64 `json:"segment_limit_bytes"` // default 100 MiB
		StagingBufferSize uint64 `json:"staging_buffer_size"` // default 16 KiB
	} `json:"wal"`

	Memtable struct {
		LimitBytes uint64 `json:"limit_bytes"` // default 64 MiB
	} `json:"memtable"`

	SSTable struct {
		BlockTargetBytes uint64 `json:"block_target_bytes"` // default 16 KiB uncompressed
		SparseStepIndex  uint64 `json:"sparse_step_index"`  // one index entry per N blocks (1 = every block)
	} `json:"sstable"`

	BloomFilter struct {
		FalsePositiveRate float64 `json:"false_positive_rate"` // default 0.01
	} `json:"bloom_filter"`

	Compaction struct {
		TierThreshold uint64 `json:"tier_threshold"` // default 4
	} `json:"compaction"`

	Cache struct {
		BlockCacheEntries uint32 `json:"block_cache_entries"`
		ReadPathEntries   uint32 `json:"read_path_entries"`
	} `json:"cache"`

	RateLimit struct {
		Capacity       uint16 `json:"capacity"`
		RefillInterval uint   `json:"refill_interval_seconds"`
		RefillAmount   uint16 `json:"refill_amount"`
	} `json:"rate_limit"`

	Replication struct {
		ClientPort     int `json:"client_port"`     // default 7878 (external collaborator)
		ReplicationPort int `json:"replication_port"` // default 7879
		MetricsPort    int `json:"metrics_port"`    // default 8080 (external collaborator)
		BatchLimit     int `json:"batch_limit"`     // default 1000 records per response
		ConnectTimeoutSeconds int `json:"connect_timeout_seconds"` // default 5
		ReadTimeoutSeconds    int `json:"read_timeout_seconds"`    // default 30
		SyncIntervalSeconds   int `json:"sync_interval_seconds"`   // default 5
		BackoffInitialSeconds int `json:"backoff_initial_seconds"` // default 1
		BackoffMaxSeconds     int `json:"backoff_max_seconds"`     // default 60
	} `json:"replication"`
}

// Load reads the JSON config at path, creating it with defaults if it does
// not exist yet — mirroring the teacher's loadConfig bootstrap behavior.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := save(cfg, path); err != nil {
			return nil, fmt.Errorf("config: writing default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration described throughout spec.md.
func Default() *Config {
	cfg := &Config{DataDir: "cityhall-data"}
	cfg.WAL.SegmentLimitBytes = 100 << 20
	cfg.WAL.StagingBufferSize = 16 << 10
	cfg.Memtable.LimitBytes = 64 << 20
	cfg.SSTable.BlockTargetBytes = 16 << 10
	cfg.SSTable.SparseStepIndex = 1
	cfg.BloomFilter.FalsePositiveRate = 0.01
	cfg.Compaction.TierThreshold = 4
	cfg.Cache.BlockCacheEntries = 1000
	cfg.Cache.ReadPathEntries = 1000
	cfg.RateLimit.Capacity = 10
	cfg.RateLimit.RefillInterval = 20
	cfg.RateLimit.RefillAmount = 1
	cfg.Replication.ClientPort = 7878
	cfg.Replication.ReplicationPort = 7879
	cfg.Replication.MetricsPort = 8080
	cfg.Replication.BatchLimit = 1000
	cfg.Replication.ConnectTimeoutSeconds = 5
	cfg.Replication.ReadTimeoutSeconds = 30
	cfg.Replication.SyncIntervalSeconds = 5
	cfg.Replication.BackoffInitialSeconds = 1
	cfg.Replication.BackoffMaxSeconds = 60
	return cfg
}

func save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func validate(cfg *Config) error {
	if cfg.WAL.SegmentLimitBytes == 0 {
		return fmt.Errorf("config: wal.segment_limit_bytes must be positive")
	}
	if cfg.Memtable.LimitBytes == 0 {
		return fmt.Errorf("config: memtable.limit_bytes must be positive")
	}
	if cfg.BloomFilter.FalsePositiveRate <= 0 || cfg.BloomFilter.FalsePositiveRate >= 1 {
		return fmt.Errorf("config: bloom_filter.false_positive_rate must be in (0,1)")
	}
	if cfg.Compaction.TierThreshold < 2 {
		return fmt.Errorf("config: compaction.tier_threshold must be at least 2")
	}
	return nil
}
