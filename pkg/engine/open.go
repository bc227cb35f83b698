package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/composite"
	"github.com/KevoDB/tierscan/pkg/config"
	"github.com/KevoDB/tierscan/pkg/memtable"
	"github.com/KevoDB/tierscan/pkg/sstable"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
	"github.com/KevoDB/tierscan/pkg/telemetry"
)

// TableOptions translates the table section of cfg into builder and reader options.
func TableOptions(cfg *config.Config, tel telemetry.Telemetry) ([]sstable.Option, error) {
	c, err := block.ParseCompression(cfg.SSTable.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	opts := []sstable.Option{
		sstable.WithBlockSizes(cfg.SSTable.LeafBlockSize, cfg.SSTable.IndexBlockSize),
		sstable.WithCompression(c),
		sstable.WithBloom(sstable.DefaultExpectedKeys, cfg.SSTable.BloomFPRate),
		sstable.WithQueueDepth(cfg.SSTable.QueueDepth),
	}
	if tel != nil {
		opts = append(opts, sstable.WithMetrics(sstable.NewSSTableMetrics(tel)))
	}
	return opts, nil
}

// MemTableOptions translates the scan section of cfg into memtable options.
func MemTableOptions(cfg *config.Config, tel telemetry.Telemetry) []memtable.Option {
	opts := []memtable.Option{
		memtable.WithSliceBudget(cfg.Scan.SliceBudget),
		memtable.WithLockTimeout(cfg.Scan.LockTimeout),
		memtable.WithBatchSize(cfg.Scan.BatchSize),
	}
	if tel != nil {
		opts = append(opts, memtable.WithMetrics(memtable.NewMemTableMetrics(tel)))
	}
	return opts
}

// MergeMode returns the merge mode compactions should use under cfg.
func MergeMode(cfg *config.Config) composite.Mode {
	if cfg.Compaction.Mode == config.MergeSingle {
		return composite.Single
	}
	return composite.VersionPreserving
}

// OpenTiers opens every table recorded in m and stacks them over active, newest on top.
// Relative table paths are resolved against the manifest's directory.
func OpenTiers(active iterator.CommitSource, m *config.Manifest, opts ...Option) (*Tiers, error) {
	t := NewTiers(active, opts...)

	tables := m.GetTables()
	// AddTier stacks on top, so open oldest first
	for i := len(tables) - 1; i >= 0; i-- {
		path := tables[i].Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(m.DBPath, path)
		}
		r, err := sstable.Open(path, sstable.WithLogger(t.logger))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open tier %s: %w", path, err), t.Close())
		}
		if f := r.Footer(); f.Entries != tables[i].Entries {
			r.Close()
			return nil, errors.Join(
				fmt.Errorf("%w: tier %s holds %d keys, manifest records %d",
					config.ErrInvalidManifest, path, f.Entries, tables[i].Entries),
				t.Close())
		}
		if err := t.AddTier(r); err != nil {
			r.Close()
			return nil, err
		}
	}
	t.logger.WithField("tiers", len(tables)).Info("opened tiers from %s", m.DBPath)
	return t, nil
}

// Record writes the current tier list into m as a new entry. It does not save m.
func (t *Tiers) Record(m *config.Manifest) {
	tables := t.Tables()
	entries := make([]config.TableEntry, len(tables))
	for i, r := range tables {
		f := r.Footer()
		path := r.Path()
		if rel, err := filepath.Rel(m.DBPath, path); err == nil && filepath.IsLocal(rel) {
			path = rel
		}
		entries[i] = config.TableEntry{
			Path:     path,
			Entries:  f.Entries,
			MinSeqno: f.MinSeqno,
			MaxSeqno: f.MaxSeqno,
		}
	}
	m.SetTables(entries)
}
