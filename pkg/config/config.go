package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/KevoDB/tierscan/pkg/common/iterator/filtered"
	"github.com/KevoDB/tierscan/pkg/common/log"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
	"github.com/KevoDB/tierscan/pkg/telemetry"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// Merge modes accepted in CompactionConfig.Mode
const (
	MergeVersions = "versions"
	MergeSingle   = "single"
)

// ScanConfig tunes reads over the mutable trees.
type ScanConfig struct {
	// SliceBudget is how long a sliced scan may hold the tree's read lock per slice
	SliceBudget time.Duration `json:"slice_budget" yaml:"slice_budget"`
	// LockTimeout bounds waiting for the read lock; zero waits forever
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout"`
	// BatchSize is the number of entries a locked scan copies per refill
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// SSTableConfig shapes the tables written by flushes and compactions.
type SSTableConfig struct {
	Dir            string  `json:"dir" yaml:"dir"`
	LeafBlockSize  int     `json:"leaf_block_size" yaml:"leaf_block_size"`
	IndexBlockSize int     `json:"index_block_size" yaml:"index_block_size"`
	Compression    string  `json:"compression" yaml:"compression"`
	BloomFPRate    float64 `json:"bloom_fp_rate" yaml:"bloom_fp_rate"`
	QueueDepth     int     `json:"queue_depth" yaml:"queue_depth"`
}

// CompactionConfig selects how tiers are merged and what history survives.
type CompactionConfig struct {
	Mode      string                   `json:"mode" yaml:"mode"`
	Retention filtered.RetentionPolicy `json:"retention" yaml:"retention"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

type Config struct {
	Version int `json:"version" yaml:"version"`

	Scan       ScanConfig       `json:"scan" yaml:"scan"`
	SSTable    SSTableConfig    `json:"sstable" yaml:"sstable"`
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Telemetry  telemetry.Config `json:"telemetry" yaml:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dbPath string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		Scan: ScanConfig{
			SliceBudget: 10 * time.Millisecond,
			BatchSize:   128,
		},

		SSTable: SSTableConfig{
			Dir:            filepath.Join(dbPath, "sst"),
			LeafBlockSize:  block.DefaultLeafSize,
			IndexBlockSize: block.DefaultIndexSize,
			Compression:    block.SnappyCompression.String(),
			BloomFPRate:    0.01,
			QueueDepth:     8,
		},

		Compaction: CompactionConfig{
			Mode: MergeVersions,
		},

		Log: LogConfig{
			Level: log.LevelInfo.String(),
		},

		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Scan.SliceBudget <= 0 {
		return fmt.Errorf("%w: slice budget must be positive", ErrInvalidConfig)
	}

	if c.Scan.LockTimeout < 0 {
		return fmt.Errorf("%w: lock timeout cannot be negative", ErrInvalidConfig)
	}

	if c.Scan.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}

	if c.SSTable.Dir == "" {
		return fmt.Errorf("%w: SSTable directory not specified", ErrInvalidConfig)
	}

	if c.SSTable.LeafBlockSize <= block.TrailerSize {
		return fmt.Errorf("%w: leaf block size must exceed %d", ErrInvalidConfig, block.TrailerSize)
	}

	if c.SSTable.IndexBlockSize <= block.TrailerSize {
		return fmt.Errorf("%w: index block size must exceed %d", ErrInvalidConfig, block.TrailerSize)
	}

	if _, err := block.ParseCompression(c.SSTable.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.SSTable.BloomFPRate < 0 || c.SSTable.BloomFPRate >= 1 {
		return fmt.Errorf("%w: bloom false positive rate must be in [0, 1)", ErrInvalidConfig)
	}

	switch c.Compaction.Mode {
	case MergeVersions, MergeSingle:
	default:
		return fmt.Errorf("%w: unknown merge mode %q", ErrInvalidConfig, c.Compaction.Mode)
	}

	if c.Compaction.Retention.KeepVersions < 0 {
		return fmt.Errorf("%w: keep_versions cannot be negative", ErrInvalidConfig)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
	}

	return nil
}

// LoadFile reads a configuration from path. Files ending in .yaml or .yml are parsed as
// YAML, anything else as JSON. Fields missing from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig(filepath.Dir(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromManifest loads just the configuration portion from the manifest file
func LoadConfigFromManifest(dbPath string) (*Config, error) {
	m, err := LoadManifest(dbPath)
	if err != nil {
		return nil, err
	}
	return m.GetConfig(), nil
}

// SaveFile writes the configuration to path, as YAML or JSON by extension. The file is
// replaced atomically.
func (c *Config) SaveFile(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return writeAtomic(path, data)
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() log.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.LevelInfo
	}
	return level
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() (*Config, error) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	cutoff := c.Compaction.Retention.Cutoff
	c.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// cutoffs are not serialized
	out.Compaction.Retention.Cutoff = cutoff
	return &out, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
