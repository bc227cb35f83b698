// Package bounded restricts scans to a commit window.
package bounded

import (
	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// RangeFilterScan wraps an iterator and limits it to a key range and a seqno range.
// Entries before the near bound are skipped; the scan ends at the first key past the far
// bound, so the wrapped iterator is never drained beyond the window.
type RangeFilterScan struct {
	iter   iterator.Iterator
	window iterator.CommitWindow
	dir    iterator.Direction
	err    error
	closed bool
}

// NewRangeFilterScan creates a range filter over iter, which must yield keys in dir order.
func NewRangeFilterScan(iter iterator.Iterator, w iterator.CommitWindow, dir iterator.Direction) *RangeFilterScan {
	return &RangeFilterScan{iter: iter, window: w, dir: dir}
}

// Next returns the next entry inside the window.
func (r *RangeFilterScan) Next() (*iterator.Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.closed {
		return nil, iterator.ErrClosed
	}
	for {
		e, err := r.iter.Next()
		if err != nil {
			r.err = err
			return nil, err
		}
		if r.window.Keys.BeforeStart(e.Key, r.dir) {
			continue
		}
		if r.window.Keys.PastEnd(e.Key, r.dir) {
			r.err = iterator.ErrDone
			return nil, r.err
		}
		if pruned := e.FilterWithin(r.window.Seqnos); pruned != nil {
			return pruned, nil
		}
	}
}

// Close closes the wrapped iterator.
func (r *RangeFilterScan) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.iter.Close()
}

// Scanner produces an unwindowed ascending scan over a key range.
type Scanner func(kr iterator.KeyRange) (iterator.Iterator, error)

// Source turns a Scanner into a CommitSource by applying the window on top of each scan.
func Source(scan Scanner) iterator.CommitSource {
	return iterator.SourceFunc(func(w iterator.CommitWindow) (iterator.Iterator, error) {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		it, err := scan(w.Keys)
		if err != nil {
			return nil, err
		}
		return NewRangeFilterScan(it, w, iterator.Ascending), nil
	})
}
