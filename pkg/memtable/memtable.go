package memtable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/bounded"
	"github.com/KevoDB/tierscan/pkg/common/log"
)

const (
	// DefaultDegree is the btree node degree
	DefaultDegree = 32
	// DefaultBatchSize is the number of entries a locked iterator fetches per batch
	DefaultBatchSize = 128
	// DefaultSliceBudget bounds how long one slice of a SlicedScan holds the lock
	DefaultSliceBudget = 10 * time.Millisecond
)

var (
	// ErrImmutable is returned by writes to a table that was frozen with SetImmutable.
	ErrImmutable = errors.New("memtable is immutable")
	// ErrStaleSeqno is returned when an explicit seqno is not above the key's newest version.
	ErrStaleSeqno = errors.New("seqno not above newest version")
)

// Options configures the in-memory trees.
type Options struct {
	// LockTimeout bounds read-guard acquisition. Zero waits forever.
	LockTimeout time.Duration
	// SliceBudget bounds the lock hold of one SlicedScan slice.
	SliceBudget time.Duration
	// BatchSize is the number of entries fetched per batch by locked iterators.
	BatchSize int
	// Degree is the btree node degree.
	Degree int
	// Clock is the time source for slice budgets.
	Clock func() time.Time
	Metrics MemTableMetrics
	Logger  log.Logger
}

// Option configures Options.
type Option func(*Options)

// WithLockTimeout bounds read-guard acquisition.
func WithLockTimeout(d time.Duration) Option { return func(o *Options) { o.LockTimeout = d } }

// WithSliceBudget sets the per-slice lock budget of sliced scans.
func WithSliceBudget(d time.Duration) Option { return func(o *Options) { o.SliceBudget = d } }

// WithBatchSize sets the batch size of locked iterators.
func WithBatchSize(n int) Option { return func(o *Options) { o.BatchSize = n } }

// WithClock replaces the time source used for slice budgets.
func WithClock(now func() time.Time) Option { return func(o *Options) { o.Clock = now } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m MemTableMetrics) Option { return func(o *Options) { o.Metrics = m } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(o *Options) { o.Logger = l } }

func buildOptions(opts []Option) Options {
	o := Options{
		SliceBudget: DefaultSliceBudget,
		BatchSize:   DefaultBatchSize,
		Degree:      DefaultDegree,
		Clock:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Degree < 2 {
		o.Degree = DefaultDegree
	}
	if o.SliceBudget <= 0 {
		o.SliceBudget = DefaultSliceBudget
	}
	if o.Metrics == nil {
		o.Metrics = NewNoopMemTableMetrics()
	}
	if o.Logger == nil {
		o.Logger = log.Component("memtable")
	}
	return o
}

func entryLess(a, b *iterator.Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

func pivot(key []byte) *iterator.Entry {
	return &iterator.Entry{Key: key}
}

func newTree(degree int) *btree.BTreeG[*iterator.Entry] {
	return btree.NewG[*iterator.Entry](degree, entryLess)
}

// MemTable is a mutable ordered index guarded by a single reader/writer lock.
//
// Entries stored in the tree are never modified in place: a write replaces the entry with
// a new one, so entries handed to readers stay valid after the lock is released.
type MemTable struct {
	mu        sync.RWMutex
	tree      *btree.BTreeG[*iterator.Entry]
	seqno     uint64
	size      int64
	immutable atomic.Bool
	opts      Options
}

// NewMemTable creates an empty table.
func NewMemTable(opts ...Option) *MemTable {
	o := buildOptions(opts)
	return &MemTable{
		tree: newTree(o.Degree),
		opts: o,
	}
}

// Put writes value under key at the next seqno and returns that seqno.
func (t *MemTable) Put(key, value []byte) (uint64, error) {
	return t.write(key, value, false)
}

// Delete writes a tombstone for key at the next seqno and returns that seqno.
func (t *MemTable) Delete(key []byte) (uint64, error) {
	return t.write(key, nil, true)
}

func (t *MemTable) write(key, value []byte, deleted bool) (uint64, error) {
	start := time.Now()
	if t.immutable.Load() {
		return 0, ErrImmutable
	}

	t.mu.Lock()
	t.seqno++
	seq := t.seqno
	t.applyLocked(key, iterator.Version{Seqno: seq, Value: value, Deleted: deleted})
	t.mu.Unlock()

	op := "put"
	if deleted {
		op = "delete"
	}
	t.opts.Metrics.RecordOperation(context.Background(), op, time.Since(start))
	return seq, nil
}

// Insert prepends v to key's chain. v.Seqno must be above the key's newest version.
func (t *MemTable) Insert(key []byte, v iterator.Version) error {
	if t.immutable.Load() {
		return ErrImmutable
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.tree.Get(pivot(key)); ok && v.Seqno <= cur.Seqno() {
		return fmt.Errorf("%w: key %q seqno %d, newest %d", ErrStaleSeqno, key, v.Seqno, cur.Seqno())
	}
	t.applyLocked(key, v)
	if v.Seqno > t.seqno {
		t.seqno = v.Seqno
	}
	return nil
}

func (t *MemTable) applyLocked(key []byte, v iterator.Version) {
	k := append([]byte(nil), key...)
	if v.Value != nil {
		v.Value = append([]byte(nil), v.Value...)
	}
	next := &iterator.Entry{Key: k, Versions: []iterator.Version{v}}
	if cur, ok := t.tree.Get(pivot(key)); ok {
		next = cur.Prepend(v)
	} else {
		t.size += int64(len(k))
	}
	t.size += int64(len(v.Value)) + 16
	t.tree.ReplaceOrInsert(next)
}

// Get returns the entry stored under key.
func (t *MemTable) Get(key []byte) (*iterator.Entry, bool) {
	start := time.Now()
	t.mu.RLock()
	e, ok := t.tree.Get(pivot(key))
	t.mu.RUnlock()
	t.opts.Metrics.RecordOperation(context.Background(), "get", time.Since(start))
	return e, ok
}

// Len returns the number of keys.
func (t *MemTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// Seqno returns the highest seqno written.
func (t *MemTable) Seqno() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seqno
}

// ApproximateSize returns the bytes held by keys, values and per-version overhead.
func (t *MemTable) ApproximateSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// SetImmutable freezes the table; later writes fail with ErrImmutable.
func (t *MemTable) SetImmutable() {
	t.immutable.Store(true)
}

// IsImmutable reports whether SetImmutable was called.
func (t *MemTable) IsImmutable() bool {
	return t.immutable.Load()
}

// ReadGuard is a held read lock on a MemTable.
type ReadGuard struct {
	t        *MemTable
	acquired time.Time
	released bool
}

// AcquireRead takes the read lock, waiting at most the configured LockTimeout.
func (t *MemTable) AcquireRead() (*ReadGuard, error) {
	if err := t.rlock(); err != nil {
		return nil, err
	}
	return &ReadGuard{t: t, acquired: time.Now()}, nil
}

// Release drops the lock and returns how long it was held. Extra calls are no-ops.
func (g *ReadGuard) Release() time.Duration {
	if g.released {
		return 0
	}
	g.released = true
	g.t.mu.RUnlock()
	return time.Since(g.acquired)
}

func (t *MemTable) rlock() error {
	timeout := t.opts.LockTimeout
	if timeout <= 0 {
		t.mu.RLock()
		return nil
	}
	if t.mu.TryRLock() {
		return nil
	}

	start := time.Now()
	backoff := 20 * time.Microsecond
	for {
		time.Sleep(backoff)
		if t.mu.TryRLock() {
			return nil
		}
		if waited := time.Since(start); waited >= timeout {
			t.opts.Metrics.RecordLockTimeout(context.Background(), waited)
			t.opts.Logger.Warn("read guard not acquired after %s", waited)
			return fmt.Errorf("%w: memtable read guard after %s", iterator.ErrLockTimeout, timeout)
		}
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// Iter scans every key in ascending order while holding the read lock until the iterator
// is exhausted or closed.
func (t *MemTable) Iter() (iterator.Iterator, error) {
	return t.Range(iterator.FullRange())
}

// Range scans kr in ascending order under a held read lock.
func (t *MemTable) Range(kr iterator.KeyRange) (iterator.Iterator, error) {
	return t.lockedScan(kr, iterator.Ascending)
}

// Reverse scans kr in descending order under a held read lock.
func (t *MemTable) Reverse(kr iterator.KeyRange) (iterator.Iterator, error) {
	return t.lockedScan(kr, iterator.Descending)
}

func (t *MemTable) lockedScan(kr iterator.KeyRange, dir iterator.Direction) (iterator.Iterator, error) {
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	guard, err := t.AcquireRead()
	if err != nil {
		return nil, err
	}
	scanType := "range"
	if dir == iterator.Descending {
		scanType = "reverse"
	}
	it := newTreeIter(t.tree, kr, dir, t.opts.BatchSize)
	it.onFinish = func(served int) {
		held := guard.Release()
		t.opts.Metrics.RecordLockHold(context.Background(), scanType, held, served)
	}
	return it, nil
}

// CommitScan serves a window through a time-sliced scan, so writers are blocked for at most
// one slice budget at a time.
func (t *MemTable) CommitScan(w iterator.CommitWindow) (iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s, err := t.SlicedScan(w.Keys)
	if err != nil {
		return nil, err
	}
	return bounded.NewRangeFilterScan(s, w, iterator.Ascending), nil
}

// CommitScans partitions the window into at most n key ranges of similar size.
func (t *MemTable) CommitScans(n int, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s, err := t.SlicedScan(w.Keys)
	if err != nil {
		return nil, err
	}
	keys, err := collectKeys(s)
	if err != nil {
		return nil, err
	}
	return t.RangeCommitScans(iterator.Partition(w.Keys, keys, n), w)
}

// RangeCommitScans returns one sliced commit scan per range.
func (t *MemTable) RangeCommitScans(ranges []iterator.KeyRange, w iterator.CommitWindow) ([]iterator.Iterator, error) {
	return iterator.RangeScans(t, ranges, w)
}

func collectKeys(it iterator.Iterator) ([][]byte, error) {
	entries, err := iterator.Collect(it)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

var (
	_ iterator.ShardedSource = (*MemTable)(nil)
	_ iterator.Reversible    = (*MemTable)(nil)
)
