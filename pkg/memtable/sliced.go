package memtable

import (
	"context"
	"time"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// ScanState is the lifecycle state of a SlicedScan.
type ScanState int

const (
	// Paused means no lock is held; the next slice resumes after the last buffered key
	Paused ScanState = iota
	// Scanning means a slice is filling the buffer under the read lock
	Scanning
	// Exhausted means the range has been fully buffered; remaining entries drain without locking
	Exhausted
)

func (s ScanState) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Exhausted:
		return "exhausted"
	default:
		return "paused"
	}
}

// SlicedScan walks a MemTable range in time slices. Each slice takes the read lock, buffers
// entries until the slice budget runs out, remembers the last key and releases the lock.
// Writers therefore wait at most one budget (plus one entry) behind a scan.
//
// Entries are yielded in strictly increasing key order without duplicates. A key is
// reported with the chain it had when its slice ran: keys written behind the cursor
// between slices are not seen, keys written ahead of it are.
type SlicedScan struct {
	t      *MemTable
	cur    treeCursor
	budget time.Duration
	clock  func() time.Time
	state  ScanState
	buf    []*iterator.Entry
	pos    int
	slices int
	err    error
}

// SlicedScan creates a time-sliced ascending scan over kr. No lock is taken until the
// first call to Next.
func (t *MemTable) SlicedScan(kr iterator.KeyRange) (*SlicedScan, error) {
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	return &SlicedScan{
		t:      t,
		cur:    treeCursor{kr: kr, dir: iterator.Ascending},
		budget: t.opts.SliceBudget,
		clock:  t.opts.Clock,
		state:  Paused,
	}, nil
}

// Next returns the next entry, running a new slice when the buffer is drained.
func (s *SlicedScan) Next() (*iterator.Entry, error) {
	if s.err != nil {
		return nil, s.err
	}
	for s.pos >= len(s.buf) {
		if s.state == Exhausted {
			s.buf = nil
			s.err = iterator.ErrDone
			return nil, s.err
		}
		if err := s.slice(); err != nil {
			s.err = err
			return nil, err
		}
	}
	e := s.buf[s.pos]
	s.pos++
	return e, nil
}

func (s *SlicedScan) slice() error {
	if err := s.t.rlock(); err != nil {
		return err
	}
	s.state = Scanning
	start := s.clock()
	deadline := start.Add(s.budget)
	s.buf = s.cur.collect(s.t.tree, s.buf[:0], func(int) bool {
		return !s.clock().Before(deadline)
	})
	held := s.clock().Sub(start)
	s.t.mu.RUnlock()

	s.pos = 0
	s.slices++
	if s.cur.exhausted {
		s.state = Exhausted
	} else {
		s.state = Paused
	}

	s.t.opts.Metrics.RecordSlice(context.Background(), held, len(s.buf), held > s.budget)
	if held > 2*s.budget {
		s.t.opts.Logger.Debug("slice %d held the lock for %s, budget %s", s.slices, held, s.budget)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *SlicedScan) State() ScanState { return s.state }

// Slices returns the number of slices run so far.
func (s *SlicedScan) Slices() int { return s.slices }

// Close drops the buffer. No lock is held between calls, so there is nothing else to release.
func (s *SlicedScan) Close() error {
	s.buf = nil
	if s.err == nil {
		s.err = iterator.ErrClosed
	}
	return nil
}
