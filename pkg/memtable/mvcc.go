package memtable

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/bounded"
)

// generation is one frozen copy-on-write clone of the MVCC tree.
type generation struct {
	owner *MVCC
	tree  *btree.BTreeG[*iterator.Entry]
	seqno uint64
	refs  atomic.Int64
}

func (g *generation) acquire() { g.refs.Add(1) }

func (g *generation) release() {
	if g.refs.Add(-1) != 0 {
		return
	}
	g.tree.Clear(true)
	g.tree = nil
	live := g.owner.live.Add(-1)
	g.owner.opts.Metrics.RecordSnapshot(context.Background(), false, live)
}

// MVCC is a copy-on-write index. Writers are serialized; readers take a Snapshot and scan
// it without any lock, unaffected by later writes.
//
// Consecutive snapshots with no write in between share one generation. A generation is
// reclaimed when the last snapshot and iterator referring to it are released.
type MVCC struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[*iterator.Entry]
	seqno   uint64
	current *generation
	live    atomic.Int64
	opts    Options
}

// NewMVCC creates an empty copy-on-write index.
func NewMVCC(opts ...Option) *MVCC {
	o := buildOptions(opts)
	return &MVCC{tree: newTree(o.Degree), opts: o}
}

// Put writes value under key at the next seqno.
func (m *MVCC) Put(key, value []byte) uint64 {
	return m.write(key, value, false)
}

// Delete writes a tombstone for key at the next seqno.
func (m *MVCC) Delete(key []byte) uint64 {
	return m.write(key, nil, true)
}

func (m *MVCC) write(key, value []byte, deleted bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqno++
	v := iterator.Version{Seqno: m.seqno, Deleted: deleted}
	if value != nil {
		v.Value = append([]byte(nil), value...)
	}
	if cur, ok := m.tree.Get(pivot(key)); ok {
		m.tree.ReplaceOrInsert(cur.Prepend(v))
	} else {
		m.tree.ReplaceOrInsert(&iterator.Entry{Key: append([]byte(nil), key...), Versions: []iterator.Version{v}})
	}

	if m.current != nil {
		g := m.current
		m.current = nil
		g.release()
	}
	return m.seqno
}

// Seqno returns the highest seqno written.
func (m *MVCC) Seqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqno
}

// LiveGenerations returns the number of generations not yet reclaimed.
func (m *MVCC) LiveGenerations() int64 {
	return m.live.Load()
}

// Snapshot returns a reference to the current state. The caller must Release it.
func (m *MVCC) Snapshot() *Snapshot {
	m.mu.Lock()
	if m.current == nil {
		g := &generation{owner: m, tree: m.tree.Clone(), seqno: m.seqno}
		// the owner's reference, dropped by the next write
		g.refs.Store(1)
		m.current = g
		m.live.Add(1)
	}
	g := m.current
	g.acquire()
	m.mu.Unlock()

	m.opts.Metrics.RecordSnapshot(context.Background(), true, m.live.Load())
	return &Snapshot{gen: g}
}

// CommitScan scans the window over a fresh snapshot.
func (m *MVCC) CommitScan(w iterator.CommitWindow) (iterator.Iterator, error) {
	snap := m.Snapshot()
	defer snap.Release()
	return snap.CommitScan(w)
}

// CommitScans partitions the window over a single snapshot, so every shard sees the same
// state.
func (m *MVCC) CommitScans(n int, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	snap := m.Snapshot()
	defer snap.Release()
	return snap.CommitScans(n, w)
}

// RangeCommitScans scans each range over a single snapshot.
func (m *MVCC) RangeCommitScans(ranges []iterator.KeyRange, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	snap := m.Snapshot()
	defer snap.Release()
	return snap.RangeCommitScans(ranges, w)
}

// Reverse scans kr in descending order over a fresh snapshot.
func (m *MVCC) Reverse(kr iterator.KeyRange) (iterator.Iterator, error) {
	snap := m.Snapshot()
	defer snap.Release()
	return snap.Reverse(kr)
}

// Snapshot is a counted reference to one generation of an MVCC index.
type Snapshot struct {
	gen      *generation
	released atomic.Bool
}

// Seqno returns the highest seqno visible in the snapshot.
func (s *Snapshot) Seqno() uint64 { return s.gen.seqno }

// Len returns the number of keys in the snapshot, or zero once it is released.
func (s *Snapshot) Len() int {
	if s.released.Load() {
		return 0
	}
	return s.gen.tree.Len()
}

// Get returns the entry stored under key in the snapshot. A released snapshot finds
// nothing.
func (s *Snapshot) Get(key []byte) (*iterator.Entry, bool) {
	if s.released.Load() {
		return nil, false
	}
	return s.gen.tree.Get(pivot(key))
}

// Release drops the reference. Extra calls are no-ops.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.gen.release()
	}
}

// Iter scans the whole snapshot in ascending order.
func (s *Snapshot) Iter() (iterator.Iterator, error) {
	return s.Range(iterator.FullRange())
}

// Range scans kr in ascending order. The iterator holds its own reference to the
// generation, so it stays valid after the snapshot is released.
func (s *Snapshot) Range(kr iterator.KeyRange) (iterator.Iterator, error) {
	return s.scan(kr, iterator.Ascending)
}

// Reverse scans kr in descending order.
func (s *Snapshot) Reverse(kr iterator.KeyRange) (iterator.Iterator, error) {
	return s.scan(kr, iterator.Descending)
}

func (s *Snapshot) scan(kr iterator.KeyRange, dir iterator.Direction) (iterator.Iterator, error) {
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	if s.released.Load() {
		return nil, iterator.ErrClosed
	}
	g := s.gen
	g.acquire()
	it := newTreeIter(g.tree, kr, dir, g.owner.opts.BatchSize)
	it.onFinish = func(int) { g.release() }
	return it, nil
}

// CommitScan implements iterator.CommitSource.
func (s *Snapshot) CommitScan(w iterator.CommitWindow) (iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	it, err := s.Range(w.Keys)
	if err != nil {
		return nil, err
	}
	return bounded.NewRangeFilterScan(it, w, iterator.Ascending), nil
}

// CommitScans implements iterator.ShardedSource.
func (s *Snapshot) CommitScans(n int, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	it, err := s.Range(w.Keys)
	if err != nil {
		return nil, err
	}
	keys, err := collectKeys(it)
	if err != nil {
		return nil, err
	}
	return s.RangeCommitScans(iterator.Partition(w.Keys, keys, n), w)
}

// RangeCommitScans implements iterator.ShardedSource.
func (s *Snapshot) RangeCommitScans(ranges []iterator.KeyRange, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	return iterator.RangeScans(s, ranges, w)
}

var (
	_ iterator.ShardedSource = (*MVCC)(nil)
	_ iterator.ShardedSource = (*Snapshot)(nil)
	_ iterator.Reversible    = (*Snapshot)(nil)
)
