package memtable

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

func keysOf(t *testing.T, it iterator.Iterator) []string {
	t.Helper()
	keys, err := iterator.Keys(it)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemTableBasicOperations(t *testing.T) {
	mt := NewMemTable()

	s1, err := mt.Put([]byte("key1"), []byte("value1"))
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := mt.Put([]byte("key1"), []byte("value2"))
	s3, _ := mt.Delete([]byte("key1"))
	if !(s1 < s2 && s2 < s3) {
		t.Fatalf("seqnos not increasing: %d %d %d", s1, s2, s3)
	}

	e, ok := mt.Get([]byte("key1"))
	if !ok {
		t.Fatal("key1 not found")
	}
	if !e.IsDeleted() || e.Seqno() != s3 {
		t.Errorf("expected tombstone at %d, got %+v", s3, e.Latest())
	}
	if len(e.Versions) != 3 || string(e.Versions[1].Value) != "value2" {
		t.Errorf("unexpected chain %+v", e.Versions)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("chain invalid: %v", err)
	}

	if _, ok := mt.Get([]byte("missing")); ok {
		t.Error("unexpected hit for missing key")
	}
	if mt.Len() != 1 || mt.Seqno() != s3 {
		t.Errorf("len=%d seqno=%d", mt.Len(), mt.Seqno())
	}
	if mt.ApproximateSize() <= 0 {
		t.Error("size not tracked")
	}
}

func TestMemTableValuesAreCopied(t *testing.T) {
	mt := NewMemTable()
	key := []byte("k")
	val := []byte("original")
	mt.Put(key, val)
	key[0] = 'x'
	copy(val, "mutated!")

	e, ok := mt.Get([]byte("k"))
	if !ok || string(e.Latest().Value) != "original" {
		t.Fatalf("stored data aliased caller buffers: %v %+v", ok, e)
	}
}

func TestMemTableInsertExplicitSeqno(t *testing.T) {
	mt := NewMemTable()
	if err := mt.Insert([]byte("k"), iterator.Version{Seqno: 5, Value: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert([]byte("k"), iterator.Version{Seqno: 5, Value: []byte("b")}); !errors.Is(err, ErrStaleSeqno) {
		t.Fatalf("expected ErrStaleSeqno, got %v", err)
	}
	if err := mt.Insert([]byte("k"), iterator.Version{Seqno: 9, Deleted: true}); err != nil {
		t.Fatal(err)
	}
	if mt.Seqno() != 9 {
		t.Errorf("seqno should follow explicit inserts, got %d", mt.Seqno())
	}
	// auto seqnos continue above explicit ones
	if s, _ := mt.Put([]byte("j"), nil); s != 10 {
		t.Errorf("expected seqno 10, got %d", s)
	}
}

func TestMemTableImmutable(t *testing.T) {
	mt := NewMemTable()
	mt.Put([]byte("a"), []byte("1"))
	mt.SetImmutable()
	if !mt.IsImmutable() {
		t.Fatal("expected immutable")
	}
	if _, err := mt.Put([]byte("b"), []byte("2")); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	if err := mt.Insert([]byte("b"), iterator.Version{Seqno: 100}); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	if got := keysOf(t, mustIter(t, mt)); !equalStrings(got, []string{"a"}) {
		t.Fatalf("got %v", got)
	}
}

func mustIter(t *testing.T, mt *MemTable) iterator.Iterator {
	t.Helper()
	it, err := mt.Iter()
	if err != nil {
		t.Fatal(err)
	}
	return it
}

// populate writes random keys and returns the latest seqno per key.
func populate(t *testing.T, mt *MemTable, rng *rand.Rand, n int) map[string]uint64 {
	t.Helper()
	ref := make(map[string]uint64)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key%04d", rng.Intn(n))
		var seq uint64
		if rng.Intn(10) == 0 {
			seq, _ = mt.Delete([]byte(k))
		} else {
			seq, _ = mt.Put([]byte(k), []byte(fmt.Sprintf("v%d", i)))
		}
		ref[k] = seq
	}
	return ref
}

func TestTreeIterMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	mt := NewMemTable(WithBatchSize(7))
	ref := populate(t, mt, rng, 1000)

	want := make([]string, 0, len(ref))
	for k := range ref {
		want = append(want, k)
	}
	sort.Strings(want)

	entries, err := iterator.Collect(mustIter(t, mt))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if string(e.Key) != want[i] {
			t.Fatalf("position %d: got %s want %s", i, e.Key, want[i])
		}
		if e.Seqno() != ref[want[i]] {
			t.Errorf("%s: head seqno %d, want %d", e.Key, e.Seqno(), ref[want[i]])
		}
		if err := e.Validate(); err != nil {
			t.Errorf("%s: %v", e.Key, err)
		}
	}
}

func TestRangeReverseSymmetry(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	mt := NewMemTable(WithBatchSize(3))
	populate(t, mt, rng, 300)

	kinds := []iterator.BoundKind{iterator.Unbounded, iterator.Included, iterator.Excluded}
	for trial := 0; trial < 200; trial++ {
		a := fmt.Sprintf("key%04d", rng.Intn(320))
		b := fmt.Sprintf("key%04d", rng.Intn(320))
		if a > b {
			a, b = b, a
		}
		kr := iterator.KeyRange{
			Lower: iterator.Bound{Kind: kinds[rng.Intn(3)], Key: []byte(a)},
			Upper: iterator.Bound{Kind: kinds[rng.Intn(3)], Key: []byte(b)},
		}

		fwdIt, err := mt.Range(kr)
		if err != nil {
			t.Fatalf("Range(%s): %v", kr, err)
		}
		fwd := keysOf(t, fwdIt)
		revIt, err := mt.Reverse(kr)
		if err != nil {
			t.Fatalf("Reverse(%s): %v", kr, err)
		}
		rev := keysOf(t, revIt)

		for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
			rev[i], rev[j] = rev[j], rev[i]
		}
		if !equalStrings(fwd, rev) {
			t.Fatalf("range %s: forward %v != reversed reverse %v", kr, fwd, rev)
		}
		for _, k := range fwd {
			if !kr.Contains([]byte(k)) {
				t.Fatalf("range %s yielded %s", kr, k)
			}
		}
	}
}

func TestRangeInvalid(t *testing.T) {
	mt := NewMemTable()
	kr := iterator.HalfOpen([]byte("b"), []byte("a"))
	if _, err := mt.Range(kr); !errors.Is(err, iterator.ErrInvalidRange) {
		t.Errorf("Range: expected ErrInvalidRange, got %v", err)
	}
	if _, err := mt.Reverse(kr); !errors.Is(err, iterator.ErrInvalidRange) {
		t.Errorf("Reverse: expected ErrInvalidRange, got %v", err)
	}
	if _, err := mt.SlicedScan(kr); !errors.Is(err, iterator.ErrInvalidRange) {
		t.Errorf("SlicedScan: expected ErrInvalidRange, got %v", err)
	}

	// empty but valid
	mt.Put([]byte("a"), nil)
	it, err := mt.Range(iterator.HalfOpen([]byte("a"), []byte("a")))
	if err != nil {
		t.Fatal(err)
	}
	if got := keysOf(t, it); len(got) != 0 {
		t.Errorf("expected empty range, got %v", got)
	}
}

func TestTreeIterHoldsLockUntilClose(t *testing.T) {
	mt := NewMemTable(WithBatchSize(2))
	for i := 0; i < 10; i++ {
		mt.Put([]byte(fmt.Sprintf("k%d", i)), nil)
	}

	it := mustIter(t, mt)
	if _, err := it.Next(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		mt.Put([]byte("late"), nil)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("writer should block while the iterator holds the read guard")
	case <-time.After(30 * time.Millisecond):
	}

	it.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after Close")
	}
	if _, err := it.Next(); !errors.Is(err, iterator.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestTreeIterReleasesOnExhaustion(t *testing.T) {
	mt := NewMemTable()
	mt.Put([]byte("a"), nil)

	it := mustIter(t, mt)
	for {
		if _, err := it.Next(); err != nil {
			if !errors.Is(err, iterator.ErrDone) {
				t.Fatal(err)
			}
			break
		}
	}

	// the guard is gone even without Close
	done := make(chan struct{})
	go func() {
		mt.Put([]byte("b"), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked after exhaustion")
	}
}

func TestLockTimeout(t *testing.T) {
	mt := NewMemTable(WithLockTimeout(5 * time.Millisecond))

	mt.mu.Lock()
	_, err := mt.Iter()
	mt.mu.Unlock()

	if !errors.Is(err, iterator.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	it, err := mt.Iter()
	if err != nil {
		t.Fatalf("lock should be available again: %v", err)
	}
	it.Close()
}

// boundedKeys reads at most limit keys, so a scan that never ends still fails the test.
func boundedKeys(t *testing.T, it iterator.Iterator, limit int) []string {
	t.Helper()
	defer it.Close()
	var keys []string
	for i := 0; i < limit; i++ {
		e, err := it.Next()
		if errors.Is(err, iterator.ErrDone) {
			return keys
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		keys = append(keys, string(e.Key))
	}
	t.Fatalf("scan did not end after %d keys: %q", limit, keys)
	return nil
}

func TestEmptyKeyScans(t *testing.T) {
	mt := NewMemTable(WithBatchSize(1))
	for _, k := range []string{"", "a", "b"} {
		mt.Put([]byte(k), []byte("v"))
	}

	it, err := mt.Iter()
	if err != nil {
		t.Fatal(err)
	}
	if got := boundedKeys(t, it, 10); fmt.Sprint(got) != fmt.Sprint([]string{"", "a", "b"}) {
		t.Errorf("Iter: got %q", got)
	}

	it, err = mt.Reverse(iterator.FullRange())
	if err != nil {
		t.Fatal(err)
	}
	if got := boundedKeys(t, it, 10); fmt.Sprint(got) != fmt.Sprint([]string{"b", "a", ""}) {
		t.Errorf("Reverse: got %q", got)
	}

	it, err = mt.Range(iterator.HalfOpen([]byte(""), []byte("b")))
	if err != nil {
		t.Fatal(err)
	}
	if got := boundedKeys(t, it, 10); len(got) != 2 || got[0] != "" || got[1] != "a" {
		t.Errorf("Range: got %q", got)
	}

	// a clock that always overruns the budget ends every slice after one key
	clk := &steppingClock{now: time.Unix(0, 0), step: time.Second}
	sliced := NewMemTable(WithClock(clk.Now), WithSliceBudget(time.Millisecond))
	for _, k := range []string{"", "a", "b"} {
		sliced.Put([]byte(k), []byte("v"))
	}
	s, err := sliced.SlicedScan(iterator.FullRange())
	if err != nil {
		t.Fatal(err)
	}
	if got := boundedKeys(t, s, 10); len(got) != 3 || got[0] != "" {
		t.Errorf("SlicedScan: got %q", got)
	}

	m := NewMVCC(WithBatchSize(1))
	for _, k := range []string{"", "a", "b"} {
		m.Put([]byte(k), []byte("v"))
	}
	snap := m.Snapshot()
	defer snap.Release()
	it, err = snap.Reverse(iterator.FullRange())
	if err != nil {
		t.Fatal(err)
	}
	if got := boundedKeys(t, it, 10); len(got) != 3 || got[2] != "" {
		t.Errorf("Snapshot Reverse: got %q", got)
	}
}
