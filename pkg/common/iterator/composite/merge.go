package composite

import (
	"bytes"
	"container/heap"
	"errors"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// Mode selects how a MergeIterator resolves a key present in several sources.
type Mode int

const (
	// Single yields the entry of the highest-priority source and drops the others
	Single Mode = iota
	// VersionPreserving yields the union of every source's version chain for the key
	VersionPreserving
)

func (m Mode) String() string {
	if m == VersionPreserving {
		return "version-preserving"
	}
	return "single"
}

// MergeStats counts the work done by a MergeIterator.
type MergeStats struct {
	Emitted  int
	Shadowed int
	Merged   int
}

// mergeSource is one input with its single lookahead entry.
type mergeSource struct {
	iter  iterator.Iterator
	index int
	cur     *iterator.Entry
	last    []byte
	hasLast bool
}

type mergeHeap struct {
	items []*mergeSource
	dir   iterator.Direction
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	c := bytes.Compare(a.cur.Key, b.cur.Key)
	if c == 0 {
		return a.index < b.index
	}
	if h.dir == iterator.Descending {
		return c > 0
	}
	return c < 0
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(*mergeSource)) }

func (h *mergeHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	return item
}

// MergeIterator performs a k-way merge of ordered sources. Sources are given in priority
// order: index 0 is the highest priority, normally the newest tier.
//
// Sources are advanced lazily: the sources that contributed to an entry are only pulled
// again on the following Next, so an entry is never emitted before every source holding
// its key has been consulted, and a failure surfaces before anything past it is emitted.
type MergeIterator struct {
	sources []*mergeSource
	heap    mergeHeap
	mode    Mode
	pending []*mergeSource
	started bool
	err     error
	closed  bool
	stats   MergeStats
}

// NewMergeIterator merges iters, each of which must yield keys in dir order.
func NewMergeIterator(iters []iterator.Iterator, dir iterator.Direction, mode Mode) *MergeIterator {
	m := &MergeIterator{
		sources: make([]*mergeSource, len(iters)),
		heap:    mergeHeap{items: make([]*mergeSource, 0, len(iters)), dir: dir},
		mode:    mode,
	}
	for i, it := range iters {
		m.sources[i] = &mergeSource{iter: it, index: i}
	}
	return m
}

// advance pulls the next entry of s and pushes it onto the heap.
func (m *MergeIterator) advance(s *mergeSource) error {
	e, err := s.iter.Next()
	if errors.Is(err, iterator.ErrDone) {
		s.cur = nil
		return nil
	}
	if err != nil {
		return iterator.SourceError(s.index, err)
	}
	if s.hasLast && !m.heap.dir.Before(s.last, e.Key) {
		return iterator.Corruptf("source %d yielded %q after %q in %s order",
			s.index, e.Key, s.last, m.heap.dir)
	}
	s.cur = e
	s.last, s.hasLast = e.Key, true
	heap.Push(&m.heap, s)
	return nil
}

// Next returns the next merged entry.
func (m *MergeIterator) Next() (*iterator.Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.closed {
		return nil, iterator.ErrClosed
	}

	refill := m.pending
	if !m.started {
		m.started = true
		refill = m.sources
	}
	for _, s := range refill {
		if err := m.advance(s); err != nil {
			m.err = err
			return nil, err
		}
	}
	m.pending = m.pending[:0]

	if m.heap.Len() == 0 {
		m.err = iterator.ErrDone
		return nil, m.err
	}

	top := heap.Pop(&m.heap).(*mergeSource)
	m.pending = append(m.pending, top)
	out := top.cur
	for m.heap.Len() > 0 && bytes.Equal(m.heap.items[0].cur.Key, out.Key) {
		s := heap.Pop(&m.heap).(*mergeSource)
		m.pending = append(m.pending, s)
		if m.mode == VersionPreserving {
			out = out.MergeVersions(s.cur)
			m.stats.Merged++
		} else {
			m.stats.Shadowed++
		}
	}
	m.stats.Emitted++
	return out, nil
}

// Close closes every source and returns the first error.
func (m *MergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.heap.items = nil
	m.pending = nil
	var first error
	for _, s := range m.sources {
		if err := s.iter.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NumSources implements CompositeIterator.
func (m *MergeIterator) NumSources() int { return len(m.sources) }

// Sources implements CompositeIterator.
func (m *MergeIterator) Sources() []iterator.Iterator {
	out := make([]iterator.Iterator, len(m.sources))
	for i, s := range m.sources {
		out[i] = s.iter
	}
	return out
}

// Stats returns the counts accumulated so far.
func (m *MergeIterator) Stats() MergeStats { return m.stats }

// Mode returns the merge mode.
func (m *MergeIterator) Mode() Mode { return m.mode }
