package iterator

import (
	"fmt"
	"sort"
)

// CommitSource is anything that can produce the entries committed inside a window.
type CommitSource interface {
	CommitScan(w CommitWindow) (Iterator, error)
}

// ShardedSource splits a commit scan into independent key-partitioned iterators.
type ShardedSource interface {
	CommitSource
	// CommitScans returns at most n iterators whose key ranges are disjoint and together
	// cover the window's key range, in ascending key order.
	CommitScans(n int, w CommitWindow) ([]Iterator, error)
	// RangeCommitScans returns exactly one iterator per range.
	RangeCommitScans(ranges []KeyRange, w CommitWindow) ([]Iterator, error)
}

// Reversible sources can scan a key range in descending order.
type Reversible interface {
	Reverse(kr KeyRange) (Iterator, error)
}

// SourceFunc adapts a function to CommitSource.
type SourceFunc func(w CommitWindow) (Iterator, error)

// CommitScan implements CommitSource.
func (f SourceFunc) CommitScan(w CommitWindow) (Iterator, error) { return f(w) }

// SliceSource serves commit scans from an in-memory sorted sequence of entries.
type SliceSource struct {
	entries []*Entry
}

// NewSliceSource sorts entries by key and validates each version chain.
func NewSliceSource(entries []*Entry) (*SliceSource, error) {
	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareKeys(sorted[i].Key, sorted[j].Key) < 0
	})
	for i, e := range sorted {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if i > 0 && compareKeys(sorted[i-1].Key, e.Key) == 0 {
			return nil, Corruptf("duplicate key %q", e.Key)
		}
	}
	return &SliceSource{entries: sorted}, nil
}

// Len returns the number of entries.
func (s *SliceSource) Len() int { return len(s.entries) }

func (s *SliceSource) span(kr KeyRange) []*Entry {
	lo := sort.Search(len(s.entries), func(i int) bool { return kr.AboveLower(s.entries[i].Key) })
	hi := sort.Search(len(s.entries), func(i int) bool { return !kr.BelowUpper(s.entries[i].Key) })
	if hi < lo {
		hi = lo
	}
	return s.entries[lo:hi]
}

func (s *SliceSource) window(w CommitWindow) ([]*Entry, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range s.span(w.Keys) {
		if pruned := e.FilterWithin(w.Seqnos); pruned != nil {
			out = append(out, pruned)
		}
	}
	return out, nil
}

// CommitScan implements CommitSource.
func (s *SliceSource) CommitScan(w CommitWindow) (Iterator, error) {
	entries, err := s.window(w)
	if err != nil {
		return nil, err
	}
	return NewSliceIterator(entries, Ascending), nil
}

// Range yields the entries of kr in ascending order.
func (s *SliceSource) Range(kr KeyRange) (Iterator, error) {
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	return NewSliceIterator(s.span(kr), Ascending), nil
}

// Reverse implements Reversible.
func (s *SliceSource) Reverse(kr KeyRange) (Iterator, error) {
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	return NewSliceIterator(s.span(kr), Descending), nil
}

// CommitScans implements ShardedSource.
func (s *SliceSource) CommitScans(n int, w CommitWindow) ([]Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	span := s.span(w.Keys)
	keys := make([][]byte, len(span))
	for i, e := range span {
		keys[i] = e.Key
	}
	return s.RangeCommitScans(Partition(w.Keys, keys, n), w)
}

// RangeCommitScans implements ShardedSource.
func (s *SliceSource) RangeCommitScans(ranges []KeyRange, w CommitWindow) ([]Iterator, error) {
	return RangeScans(s, ranges, w)
}

// RangeScans opens one commit scan per range, each restricted to the intersection of the
// range with the window. On failure every iterator already opened is closed.
func RangeScans(src CommitSource, ranges []KeyRange, w CommitWindow) ([]Iterator, error) {
	iters := make([]Iterator, 0, len(ranges))
	for i, kr := range ranges {
		if err := kr.Validate(); err != nil {
			CloseAll(iters)
			return nil, fmt.Errorf("range %d: %w", i, err)
		}
		sub := w
		sub.Keys = IntersectRanges(kr, w.Keys)
		var it Iterator
		if sub.Keys.Validate() != nil {
			it = Empty()
		} else {
			var err error
			if it, err = src.CommitScan(sub); err != nil {
				CloseAll(iters)
				return nil, err
			}
		}
		iters = append(iters, it)
	}
	return iters, nil
}

// CloseAll closes every iterator and returns the first error.
func CloseAll(iters []Iterator) error {
	var first error
	for _, it := range iters {
		if it == nil {
			continue
		}
		if err := it.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// IntersectRanges returns the keys covered by both ranges. The result may be empty or
// inverted, which Validate reports.
func IntersectRanges(a, b KeyRange) KeyRange {
	out := a
	if b.Lower.IsSet() {
		if !out.Lower.IsSet() {
			out.Lower = b.Lower
		} else if c := compareKeys(b.Lower.Key, out.Lower.Key); c > 0 || (c == 0 && b.Lower.Kind == Excluded) {
			out.Lower = b.Lower
		}
	}
	if b.Upper.IsSet() {
		if !out.Upper.IsSet() {
			out.Upper = b.Upper
		} else if c := compareKeys(b.Upper.Key, out.Upper.Key); c < 0 || (c == 0 && b.Upper.Kind == Excluded) {
			out.Upper = b.Upper
		}
	}
	return out
}

// Partition splits kr into at most n contiguous sub-ranges using candidate split keys,
// which must be sorted ascending. Split keys outside kr are ignored; the sub-ranges are
// half-open at every split point and inherit kr's outer bounds.
func Partition(kr KeyRange, candidates [][]byte, n int) []KeyRange {
	var inside [][]byte
	for _, k := range candidates {
		if kr.Contains(k) && !(kr.Lower.IsSet() && compareKeys(k, kr.Lower.Key) == 0) {
			inside = append(inside, k)
		}
	}
	if n <= 1 || len(inside) == 0 {
		return []KeyRange{kr}
	}
	if n-1 > len(inside) {
		n = len(inside) + 1
	}

	splits := make([][]byte, 0, n-1)
	for i := 1; i < n; i++ {
		k := inside[i*len(inside)/n]
		if len(splits) > 0 && compareKeys(splits[len(splits)-1], k) >= 0 {
			continue
		}
		splits = append(splits, k)
	}

	out := make([]KeyRange, 0, len(splits)+1)
	lower := kr.Lower
	for _, k := range splits {
		out = append(out, KeyRange{Lower: lower, Upper: Excl(k)})
		lower = Incl(k)
	}
	out = append(out, KeyRange{Lower: lower, Upper: kr.Upper})
	return out
}
