package sstable

import (
	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/bounded"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
)

// CommitScan implements iterator.CommitSource. Tables whose seqno span misses the window
// are skipped without reading a block.
func (r *Reader) CommitScan(w iterator.CommitWindow) (iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if r.footer.Empty() || !seqnosOverlap(w.Seqnos, r.footer.MinSeqno, r.footer.MaxSeqno) {
		return iterator.Empty(), nil
	}
	it, err := r.Range(w.Keys)
	if err != nil {
		return nil, err
	}
	return bounded.NewRangeFilterScan(it, w, iterator.Ascending), nil
}

// CommitScans splits the window on the separators of the root block, so each shard starts
// with its own descent. A table gives at most as many shards as its root has children.
func (r *Reader) CommitScans(n int, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if r.footer.Empty() {
		return []iterator.Iterator{iterator.Empty()}, nil
	}

	root, err := r.ReadBlock(r.footer.Root)
	if err != nil {
		return nil, err
	}
	candidates := make([][]byte, 0, root.Len())
	for i := 1; i < root.Len(); i++ {
		var key []byte
		if root.Kind() == block.KindIndex {
			rec, err := root.Index(i)
			if err != nil {
				return nil, err
			}
			key = rec.Stats.MinKey
		} else {
			e, err := root.Entry(i)
			if err != nil {
				return nil, err
			}
			key = e.Key
		}
		candidates = append(candidates, key)
	}
	return r.RangeCommitScans(iterator.Partition(w.Keys, candidates, n), w)
}

// RangeCommitScans implements iterator.ShardedSource.
func (r *Reader) RangeCommitScans(ranges []iterator.KeyRange, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	return iterator.RangeScans(r, ranges, w)
}

func seqnosOverlap(r iterator.SeqRange, lo, hi uint64) bool {
	switch r.LowerKind {
	case iterator.Included:
		if r.Lower > hi {
			return false
		}
	case iterator.Excluded:
		if r.Lower >= hi {
			return false
		}
	}
	switch r.UpperKind {
	case iterator.Included:
		if r.Upper < lo {
			return false
		}
	case iterator.Excluded:
		if r.Upper <= lo {
			return false
		}
	}
	return true
}

var (
	_ iterator.ShardedSource = (*Reader)(nil)
	_ iterator.Reversible    = (*Reader)(nil)
	_ iterator.Iterator      = (*DiskCursor)(nil)
)
