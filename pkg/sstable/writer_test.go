package sstable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/log"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
)

// makeEntries returns n ascending entries with one to three versions each.
func makeEntries(rng *rand.Rand, n int) []*iterator.Entry {
	entries := make([]*iterator.Entry, 0, n)
	seq := uint64(1)
	for i := 0; i < n; i++ {
		versions := 1 + rng.Intn(3)
		vs := make([]iterator.Version, versions)
		for j := versions - 1; j >= 0; j-- {
			vs[j] = iterator.Version{Seqno: seq, Value: []byte(fmt.Sprintf("value-%d-%d", i, seq))}
			seq++
		}
		if rng.Intn(8) == 0 {
			vs[0] = iterator.Version{Seqno: vs[0].Seqno, Deleted: true}
		}
		entries = append(entries, &iterator.Entry{Key: []byte(fmt.Sprintf("key%05d", i*2)), Versions: vs})
	}
	return entries
}

func sameEntry(a, b *iterator.Entry) bool {
	if !bytes.Equal(a.Key, b.Key) || len(a.Versions) != len(b.Versions) {
		return false
	}
	for i := range a.Versions {
		va, vb := a.Versions[i], b.Versions[i]
		if va.Seqno != vb.Seqno || va.Deleted != vb.Deleted || !bytes.Equal(va.Value, vb.Value) {
			return false
		}
	}
	return true
}

func smallBlocks() []Option {
	return []Option{WithBlockSizes(256, 128), WithLogger(log.Discard())}
}

func buildTable(t *testing.T, entries []*iterator.Entry, opts ...Option) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.sst")
	b, err := NewBuilder(context.Background(), path, opts...)
	if err != nil {
		t.Fatalf("Failed to create builder: %v", err)
	}
	for _, e := range entries {
		if err := b.Add(e); err != nil {
			t.Fatalf("Failed to add %s: %v", e.Key, err)
		}
	}
	if _, err := b.Finish(); err != nil {
		t.Fatalf("Failed to finish table: %v", err)
	}
	return path
}

func openTable(t *testing.T, path string) *Reader {
	t.Helper()
	r, err := Open(path, WithLogger(log.Discard()))
	if err != nil {
		t.Fatalf("Failed to open table: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestBuildRoundTrip(t *testing.T) {
	for _, c := range []block.Compression{block.NoCompression, block.SnappyCompression, block.ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			entries := makeEntries(rand.New(rand.NewSource(7)), 500)

			src, err := iterator.NewSliceSource(entries)
			if err != nil {
				t.Fatal(err)
			}
			it, err := src.CommitScan(iterator.FullWindow())
			if err != nil {
				t.Fatal(err)
			}

			path := filepath.Join(t.TempDir(), "table.sst")
			b, err := NewBuilder(context.Background(), path, append(smallBlocks(), WithCompression(c))...)
			if err != nil {
				t.Fatal(err)
			}
			stats, err := b.Build(it)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if stats.Entries != uint64(len(entries)) {
				t.Errorf("Expected %d entries, got %d", len(entries), stats.Entries)
			}
			if stats.Height < 3 {
				t.Errorf("Expected small blocks to give a tree of height >= 3, got %d", stats.Height)
			}
			if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
				t.Errorf("Lock file should be removed after Finish: %v", err)
			}

			r := openTable(t, path)
			f := r.Footer()
			if f.Entries != stats.Entries || int(f.Height) != stats.Height || f.MinSeqno != 1 {
				t.Errorf("Footer %+v disagrees with stats %+v", f, stats)
			}

			scan, err := r.Iter()
			if err != nil {
				t.Fatal(err)
			}
			got, err := iterator.Collect(scan)
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			if len(got) != len(entries) {
				t.Fatalf("Read back %d entries, wrote %d", len(got), len(entries))
			}
			for i := range entries {
				if !sameEntry(got[i], entries[i]) {
					t.Fatalf("Entry %d mismatch: got %+v want %+v", i, got[i], entries[i])
				}
			}
		})
	}
}

func TestBuilderRejectsDisorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	b, err := NewBuilder(context.Background(), path, smallBlocks()...)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Add(iterator.NewEntry([]byte("b"), []byte("1"), 1)); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(iterator.NewEntry([]byte("a"), []byte("1"), 2)); err == nil {
		t.Fatal("Expected error for out of order key")
	}
	bad := &iterator.Entry{Key: []byte("c"), Versions: []iterator.Version{{Seqno: 1}, {Seqno: 2}}}
	if err := b.Add(bad); !errors.Is(err, iterator.ErrCorruption) {
		t.Fatalf("Expected ErrCorruption for an ascending chain, got %v", err)
	}

	if err := b.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Aborted build should not publish the table")
	}
	if _, err := b.Finish(); !errors.Is(err, ErrFinished) {
		t.Errorf("Expected ErrFinished, got %v", err)
	}

	// the lock is released, so the path can be built again
	b2, err := NewBuilder(context.Background(), path, smallBlocks()...)
	if err != nil {
		t.Fatalf("Destination should be unlocked after Abort: %v", err)
	}
	b2.Abort()
}

func TestBuilderLocksDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.sst")
	b1, err := NewBuilder(context.Background(), path, smallBlocks()...)
	if err != nil {
		t.Fatal(err)
	}
	defer b1.Abort()

	if _, err := NewBuilder(context.Background(), path, smallBlocks()...); !errors.Is(err, ErrLocked) {
		t.Fatalf("Expected ErrLocked, got %v", err)
	}
}

type failingIter struct {
	entries []*iterator.Entry
	pos     int
	err     error
}

func (f *failingIter) Next() (*iterator.Entry, error) {
	if f.pos >= len(f.entries) {
		return nil, f.err
	}
	e := f.entries[f.pos]
	f.pos++
	return e, nil
}

func (f *failingIter) Close() error { return nil }

func TestBuildAbortsOnSourceError(t *testing.T) {
	boom := errors.New("disk on fire")
	path := filepath.Join(t.TempDir(), "table.sst")
	b, err := NewBuilder(context.Background(), path, smallBlocks()...)
	if err != nil {
		t.Fatal(err)
	}

	it := &failingIter{entries: makeEntries(rand.New(rand.NewSource(1)), 100), err: boom}
	if _, err := b.Build(it); !errors.Is(err, boom) {
		t.Fatalf("Expected source error, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Failed build should not publish the table")
	}
	entries, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp"))
	if len(entries) != 0 {
		t.Errorf("Temporary files left behind: %v", entries)
	}
}

func TestBuildCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	path := filepath.Join(t.TempDir(), "table.sst")
	b, err := NewBuilder(ctx, path, append(smallBlocks(), WithQueueDepth(1))...)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	var addErr error
	for _, e := range makeEntries(rand.New(rand.NewSource(2)), 200) {
		if addErr = b.Add(e); addErr != nil {
			break
		}
	}
	if addErr == nil {
		_, addErr = b.Finish()
	} else {
		b.Abort()
	}
	if !errors.Is(addErr, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", addErr)
	}
}

func TestBuildCutoff(t *testing.T) {
	entries := []*iterator.Entry{
		{Key: []byte("a"), Versions: []iterator.Version{{Seqno: 9, Value: []byte("a9")}, {Seqno: 3, Value: []byte("a3")}}},
		{Key: []byte("b"), Versions: []iterator.Version{{Seqno: 4, Deleted: true}, {Seqno: 2, Value: []byte("b2")}}},
		{Key: []byte("c"), Versions: []iterator.Version{{Seqno: 8, Value: []byte("c8")}}},
	}
	path := buildTable(t, entries, append(smallBlocks(), WithCutoff(iterator.LsmCutoff(5)))...)
	r := openTable(t, path)

	it, _ := r.Iter()
	got, err := iterator.Collect(it)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[0].Key) != "a" || len(got[0].Versions) != 1 || string(got[1].Key) != "c" {
		t.Fatalf("Unexpected entries after cutoff: %+v", got)
	}
	if r.Footer().Entries != 2 {
		t.Errorf("Expected 2 entries in footer, got %d", r.Footer().Entries)
	}
}

func TestBuildEmptyTable(t *testing.T) {
	path := buildTable(t, nil, smallBlocks()...)
	r := openTable(t, path)
	if !r.Footer().Empty() {
		t.Fatal("Expected an empty footer")
	}
	it, err := r.Iter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := it.Next(); !errors.Is(err, iterator.ErrDone) {
		t.Fatalf("Expected ErrDone, got %v", err)
	}
	shards, err := r.CommitScans(4, iterator.FullWindow())
	if err != nil || len(shards) != 1 {
		t.Fatalf("Expected one empty shard, got %d, %v", len(shards), err)
	}
	if _, err := r.Get([]byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// checkFanout walks the tree under h and fails on any index block with a single child.
// It returns the depth of the deepest leaf below h.
func checkFanout(t *testing.T, r *Reader, h block.Handle) int {
	t.Helper()
	blk, err := r.ReadBlock(h)
	if err != nil {
		t.Fatalf("Failed to read block %v: %v", h, err)
	}
	if blk.Kind() == block.KindLeaf {
		return 1
	}
	if blk.Len() < 2 {
		t.Fatalf("Index block %v has %d child", h, blk.Len())
	}
	deepest := 0
	for i := 0; i < blk.Len(); i++ {
		rec, err := blk.Index(i)
		if err != nil {
			t.Fatal(err)
		}
		if d := checkFanout(t, r, rec.Handle); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

func TestBuildNoSingleChildIndexBlocks(t *testing.T) {
	for n := 1; n <= 40; n++ {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			entries := makeEntries(rand.New(rand.NewSource(int64(n))), n)
			path := buildTable(t, entries, WithBlockSizes(40, 40), WithLogger(log.Discard()))
			r := openTable(t, path)

			f := r.Footer()
			if depth := checkFanout(t, r, f.Root); depth != int(f.Height) {
				t.Errorf("Deepest leaf at %d, footer height %d", depth, f.Height)
			}

			fwd, err := r.Iter()
			if err != nil {
				t.Fatal(err)
			}
			got, err := iterator.Collect(fwd)
			if err != nil {
				t.Fatalf("Scan failed: %v", err)
			}
			if len(got) != n {
				t.Fatalf("Read back %d entries, wrote %d", len(got), n)
			}
			for i := range got {
				if !sameEntry(got[i], entries[i]) {
					t.Fatalf("Entry %d differs: %+v vs %+v", i, got[i], entries[i])
				}
			}

			rev, err := r.Reverse(iterator.FullRange())
			if err != nil {
				t.Fatal(err)
			}
			keys, err := iterator.Keys(rev)
			if err != nil {
				t.Fatalf("Reverse failed: %v", err)
			}
			for i, k := range keys {
				if want := string(entries[n-1-i].Key); k != want {
					t.Fatalf("Reverse %d: got %s, want %s", i, k, want)
				}
			}

			// seeking to the last key works through a shortened subtree
			last := entries[n-1].Key
			tail, err := r.Range(iterator.HalfOpen(last, nil))
			if err != nil {
				t.Fatal(err)
			}
			tailKeys, err := iterator.Keys(tail)
			if err != nil || len(tailKeys) != 1 || tailKeys[0] != string(last) {
				t.Fatalf("Seek to %s gave %q, %v", last, tailKeys, err)
			}
		})
	}
}
