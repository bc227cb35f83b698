package filtered

import (
	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// RetentionPolicy decides which history survives compaction.
//
// The newest version of a key always survives the version rules; only the tombstone rule
// and the cutoff may drop an entry entirely.
type RetentionPolicy struct {
	// KeepVersions caps the number of versions per key. Zero keeps all.
	KeepVersions int `json:"keep_versions" yaml:"keep_versions"`

	// VersionHorizon keeps every version above it plus the one a reader at the horizon
	// sees, the newest at or below it. Older versions are dropped. Zero disables.
	VersionHorizon uint64 `json:"version_horizon" yaml:"version_horizon"`

	// TombstoneHorizon drops entries that are reduced to a single tombstone with a seqno
	// below it. Zero disables.
	TombstoneHorizon uint64 `json:"tombstone_horizon" yaml:"tombstone_horizon"`

	// Cutoff is applied before the rules above.
	Cutoff iterator.Cutoff `json:"-" yaml:"-"`
}

// Apply returns e trimmed by the policy, or nil when the entry is dropped.
func (p RetentionPolicy) Apply(e *iterator.Entry) *iterator.Entry {
	if e = e.Purge(p.Cutoff); e == nil {
		return nil
	}

	versions := e.Versions
	if p.VersionHorizon > 0 {
		n := 1
		for n < len(versions) && versions[n-1].Seqno > p.VersionHorizon {
			n++
		}
		versions = versions[:n]
	}
	if p.KeepVersions > 0 && len(versions) > p.KeepVersions {
		versions = versions[:p.KeepVersions]
	}

	if p.TombstoneHorizon > 0 && len(versions) == 1 &&
		versions[0].Deleted && versions[0].Seqno < p.TombstoneHorizon {
		return nil
	}

	if len(versions) == len(e.Versions) {
		return e
	}
	return e.WithVersions(versions)
}

// CompactStats counts what a CompactFilterScan removed.
type CompactStats struct {
	EntriesIn       int
	EntriesOut      int
	EntriesDropped  int
	VersionsIn      int
	VersionsOut     int
	VersionsDropped int
}

// CompactFilterScan applies a RetentionPolicy to every entry of a scan.
type CompactFilterScan struct {
	iter   iterator.Iterator
	policy RetentionPolicy
	stats  CompactStats
}

// NewCompactFilterScan wraps iter with the retention policy.
func NewCompactFilterScan(iter iterator.Iterator, policy RetentionPolicy) *CompactFilterScan {
	return &CompactFilterScan{iter: iter, policy: policy}
}

// Next returns the next entry that survives the policy.
func (c *CompactFilterScan) Next() (*iterator.Entry, error) {
	for {
		e, err := c.iter.Next()
		if err != nil {
			return nil, err
		}
		c.stats.EntriesIn++
		c.stats.VersionsIn += len(e.Versions)

		kept := c.policy.Apply(e)
		if kept == nil {
			c.stats.EntriesDropped++
			c.stats.VersionsDropped += len(e.Versions)
			continue
		}
		c.stats.EntriesOut++
		c.stats.VersionsOut += len(kept.Versions)
		c.stats.VersionsDropped += len(e.Versions) - len(kept.Versions)
		return kept, nil
	}
}

// Close closes the wrapped iterator.
func (c *CompactFilterScan) Close() error {
	return c.iter.Close()
}

// Stats returns counts accumulated so far.
func (c *CompactFilterScan) Stats() CompactStats {
	return c.stats
}
