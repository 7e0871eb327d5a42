package config

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// MergeStrategy selects how sequence and unsequence files are merged.
type MergeStrategy string

const (
	MergeInplace          MergeStrategy = "INPLACE"
	MergeSqueeze          MergeStrategy = "SQUEEZE"
	MergeIndependenceSize MergeStrategy = "INDEPENDENCE_SIZE"
)

// EngineConfig holds the recognized options of one storage-group engine.
type EngineConfig struct {
	// DataDir is the root of the data files: <dataDir>/<group>/<partition>/.
	DataDir string `yaml:"data_dir"`
	// SysDir holds side state: version checkpoints and merge logs,
	// under <sysDir>/<group>/.
	SysDir string `yaml:"sys_dir"`

	// PartitionInterval is the width of a time partition in milliseconds.
	PartitionInterval int64 `yaml:"partition_interval_ms"`
	// MemtableSizeThreshold triggers an async close of the working file.
	MemtableSizeThreshold int64 `yaml:"memtable_size_threshold_bytes"`
	// UnseqFilesPerPartitionMax force-closes the oldest working
	// unsequence file when exceeded.
	UnseqFilesPerPartitionMax int `yaml:"unseq_files_per_partition_max"`
	// MetadataCacheSize is the chunk-metadata cache byte budget; zero
	// disables the cache.
	MetadataCacheSize int64 `yaml:"metadata_cache_size_bytes"`

	MergeStrategy MergeStrategy `yaml:"merge_strategy"`
	// MergeMemoryBudget bounds the estimated in-merge memory; zero derives
	// a budget from available system memory.
	MergeMemoryBudget int64 `yaml:"merge_memory_budget_bytes"`
	// ForceFullMerge rewrites whole files on every (recovered) merge.
	ForceFullMerge bool `yaml:"force_full_merge"`
	// ContinueMergeAfterReboot resumes an interrupted merge during
	// recovery; false rolls it back instead.
	ContinueMergeAfterReboot bool `yaml:"continue_merge_after_reboot"`
	// TimeLowerBound is the TTL horizon; files entirely below it are not
	// merge candidates.
	TimeLowerBound int64 `yaml:"time_lower_bound_ms"`

	MaxDegreeOfIndexNode  int     `yaml:"max_degree_of_index_node"`
	BloomFilterErrorRate  float64 `yaml:"bloom_filter_error_rate"`
	TargetChunkPointCount int     `yaml:"target_chunk_point_count"`
	PointsPerPage         int     `yaml:"points_per_page"`
	// Compression is the page codec: none, snappy, lz4 or zstd.
	Compression string `yaml:"compression"`

	FlushWorkers int `yaml:"flush_workers"`
	MergeWorkers int `yaml:"merge_workers"`

	// SkipFailedScan makes queries skip a failing file-resource with a
	// logged warning instead of failing the whole query.
	SkipFailedScan bool `yaml:"skip_failed_scan"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		DataDir:                   "data",
		SysDir:                    "system",
		PartitionInterval:         7 * 24 * 3600 * 1000,
		MemtableSizeThreshold:     64 * 1024 * 1024,
		UnseqFilesPerPartitionMax: 10,
		MetadataCacheSize:         32 * 1024 * 1024,
		MergeStrategy:             MergeInplace,
		MergeMemoryBudget:         0,
		ForceFullMerge:            false,
		ContinueMergeAfterReboot:  true,
		TimeLowerBound:            -int64(^uint64(0)>>1) - 1,
		MaxDegreeOfIndexNode:      256,
		BloomFilterErrorRate:      0.05,
		TargetChunkPointCount:     100_000,
		PointsPerPage:             1024,
		Compression:               "snappy",
		FlushWorkers:              runtime.NumCPU(),
		MergeWorkers:              1,
		SkipFailedScan:            false,
	}
}

// Parse reads a yaml config over the defaults.
func Parse(r io.Reader) (EngineConfig, error) {
	cfg := DefaultConfig()
	data, err := io.ReadAll(r)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse engine config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads a yaml config file over the defaults.
func Load(path string) (EngineConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return DefaultConfig(), err
	}
	defer file.Close()
	return Parse(file)
}

// Validate rejects configurations the engine cannot run with.
func (c *EngineConfig) Validate() error {
	if c.DataDir == "" || c.SysDir == "" {
		return fmt.Errorf("data_dir and sys_dir must be set")
	}
	if c.MemtableSizeThreshold <= 0 {
		return fmt.Errorf("memtable_size_threshold_bytes must be positive")
	}
	if c.UnseqFilesPerPartitionMax <= 0 {
		return fmt.Errorf("unseq_files_per_partition_max must be positive")
	}
	switch c.MergeStrategy {
	case MergeInplace, MergeSqueeze, MergeIndependenceSize:
	default:
		return fmt.Errorf("unknown merge strategy %q", c.MergeStrategy)
	}
	if c.BloomFilterErrorRate <= 0 || c.BloomFilterErrorRate >= 1 {
		return fmt.Errorf("bloom_filter_error_rate must be in (0, 1)")
	}
	if c.MaxDegreeOfIndexNode < 2 {
		return fmt.Errorf("max_degree_of_index_node must be at least 2")
	}
	switch c.Compression {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = runtime.NumCPU()
	}
	if c.MergeWorkers <= 0 {
		c.MergeWorkers = 1
	}
	return nil
}
