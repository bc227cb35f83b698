package compaction

import (
	"sync"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/filtered"
)

// SnapshotTracker records the seqnos of snapshots that readers still hold, so that
// compaction never discards a version one of them can see.
//
// A reader pinned at seqno s sees, for each key, the newest version at or below s.
type SnapshotTracker struct {
	mu     sync.Mutex
	pinned map[uint64]int
}

// NewSnapshotTracker creates an empty tracker.
func NewSnapshotTracker() *SnapshotTracker {
	return &SnapshotTracker{pinned: make(map[uint64]int)}
}

// Pin registers a reader at seqno. The returned func unregisters it and may be called
// more than once.
func (t *SnapshotTracker) Pin(seqno uint64) func() {
	t.mu.Lock()
	t.pinned[seqno]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.pinned[seqno]--; t.pinned[seqno] <= 0 {
				delete(t.pinned, seqno)
			}
		})
	}
}

// Oldest returns the lowest pinned seqno.
func (t *SnapshotTracker) Oldest() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest uint64
	found := false
	for s := range t.pinned {
		if !found || s < oldest {
			oldest, found = s, true
		}
	}
	return oldest, found
}

// Len returns the number of pinned readers.
func (t *SnapshotTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.pinned {
		n += c
	}
	return n
}

// Clamp weakens p so that it keeps every version visible to a pinned reader. Rules that
// cannot be bounded by a seqno are disabled while anything is pinned.
func (t *SnapshotTracker) Clamp(p filtered.RetentionPolicy) filtered.RetentionPolicy {
	s, ok := t.Oldest()
	if !ok {
		return p
	}

	p.KeepVersions = 0
	if p.VersionHorizon > s {
		p.VersionHorizon = s
	}
	// a lone tombstone at or below s reads the same as an absent key
	if p.TombstoneHorizon > s+1 {
		p.TombstoneHorizon = s + 1
	}

	switch p.Cutoff.Kind {
	case iterator.CutoffTombstone:
		if p.Cutoff.Seqno > s {
			p.Cutoff = iterator.TombstoneCutoff(s)
		}
	case iterator.CutoffMono, iterator.CutoffLsm:
		p.Cutoff = iterator.Cutoff{}
	}
	return p
}
