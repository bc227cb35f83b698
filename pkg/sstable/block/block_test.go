package block

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

func leafEntries(n int) []*iterator.Entry {
	entries := make([]*iterator.Entry, 0, n)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		e := &iterator.Entry{Key: key, Versions: []iterator.Version{
			{Seqno: uint64(100 + i), Value: []byte(fmt.Sprintf("value%03d", i))},
		}}
		if i%3 == 0 {
			e = e.Prepend(iterator.Version{Seqno: uint64(200 + i), Deleted: true})
		}
		entries = append(entries, e)
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

func TestLeafRoundTrip(t *testing.T) {
	for _, c := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			entries := leafEntries(50)
			b := NewBuilder(KindLeaf)
			for _, e := range entries {
				if err := b.AddEntry(e); err != nil {
					t.Fatalf("Failed to add entry: %v", err)
				}
			}
			if b.Len() != len(entries) {
				t.Errorf("Expected %d records, got %d", len(entries), b.Len())
			}

			data, err := b.Finish(c)
			if err != nil {
				t.Fatalf("Failed to finish block: %v", err)
			}
			if c != NoCompression && len(data) >= b.Size() {
				t.Errorf("Expected %s to shrink a repetitive block: %d >= %d", c, len(data), b.Size())
			}

			blk, err := Decode(data)
			if err != nil {
				t.Fatalf("Failed to decode block: %v", err)
			}
			if blk.Kind() != KindLeaf || blk.Len() != len(entries) {
				t.Fatalf("Decoded %s block with %d records", blk.Kind(), blk.Len())
			}
			for i, want := range entries {
				got, err := blk.Entry(i)
				if err != nil {
					t.Fatalf("Entry %d: %v", i, err)
				}
				if !sameEntry(got, want) {
					t.Errorf("Entry %d mismatch: got %+v want %+v", i, got, want)
				}
			}
		})
	}
}

func TestBuilderRejectsDisorder(t *testing.T) {
	b := NewBuilder(KindLeaf)
	if err := b.AddEntry(iterator.NewEntry([]byte("b"), nil, 1)); err != nil {
		t.Fatal(err)
	}
	if err := b.AddEntry(iterator.NewEntry([]byte("b"), nil, 2)); err == nil {
		t.Error("Expected error for duplicate key")
	}
	if err := b.AddEntry(iterator.NewEntry([]byte("a"), nil, 3)); err == nil {
		t.Error("Expected error for out of order key")
	}
	if err := b.AddIndex(IndexRecord{}); err == nil {
		t.Error("Expected error adding an index record to a leaf block")
	}

	b.Reset()
	if err := b.AddEntry(iterator.NewEntry([]byte("a"), nil, 3)); err != nil {
		t.Errorf("Reset should clear ordering state: %v", err)
	}
}

func TestIndexRoundTripAndSeek(t *testing.T) {
	b := NewBuilder(KindIndex)
	spans := [][2]string{{"a", "c"}, {"e", "g"}, {"i", "k"}}
	for i, s := range spans {
		r := IndexRecord{
			Handle: Handle{Offset: uint64(i * 100), Size: 100},
			Stats:  Stats{Count: 3, Versions: 4, MinKey: []byte(s[0]), MaxKey: []byte(s[1]), MinSeqno: 1, MaxSeqno: 9},
		}
		if err := b.AddIndex(r); err != nil {
			t.Fatal(err)
		}
	}
	data, err := b.Finish(NoCompression)
	if err != nil {
		t.Fatal(err)
	}
	blk, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	r, err := blk.Index(1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Handle != (Handle{Offset: 100, Size: 100}) || string(r.Stats.MinKey) != "e" || r.Stats.Versions != 4 {
		t.Errorf("Unexpected record %+v", r)
	}

	tests := []struct {
		key    string
		ge, le int
	}{
		{"0", 0, -1},
		{"a", 0, 0},
		{"d", 1, 0},
		{"g", 1, 1},
		{"h", 2, 1},
		{"k", 2, 2},
		{"z", 3, 2},
	}
	for _, tc := range tests {
		ge, err := blk.SeekGE([]byte(tc.key))
		if err != nil || ge != tc.ge {
			t.Errorf("SeekGE(%s) = %d, %v; want %d", tc.key, ge, err, tc.ge)
		}
		le, err := blk.SeekLE([]byte(tc.key))
		if err != nil || le != tc.le {
			t.Errorf("SeekLE(%s) = %d, %v; want %d", tc.key, le, err, tc.le)
		}
	}
}

func TestDecodeCorruption(t *testing.T) {
	b := NewBuilder(KindLeaf)
	for _, e := range leafEntries(5) {
		b.AddEntry(e)
	}
	data, _ := b.Finish(NoCompression)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated", func(d []byte) []byte { return d[:TrailerSize-1] }},
		{"flipped body bit", func(d []byte) []byte { d[3] ^= 0x40; return d }},
		{"flipped checksum", func(d []byte) []byte { d[len(d)-1] ^= 0xff; return d }},
		{"dropped prefix", func(d []byte) []byte { return d[1:] }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := tc.mutate(append([]byte(nil), data...))
			if _, err := Decode(d); !errors.Is(err, iterator.ErrCorruption) {
				t.Errorf("Expected ErrCorruption, got %v", err)
			}
		})
	}
}

func TestMetaBlock(t *testing.T) {
	b := NewBuilder(KindMeta)
	b.AddRaw([]byte("payload"))
	data, err := b.Finish(SnappyCompression)
	if err != nil {
		t.Fatal(err)
	}
	blk, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	p, err := blk.Raw(0)
	if err != nil || string(p) != "payload" {
		t.Fatalf("Raw(0) = %q, %v", p, err)
	}
	if _, err := blk.Entry(0); !errors.Is(err, iterator.ErrCorruption) {
		t.Errorf("Expected ErrCorruption reading an entry from a meta block, got %v", err)
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd"} {
		c, err := ParseCompression(name)
		if err != nil || c.String() != name {
			t.Errorf("ParseCompression(%s) = %s, %v", name, c, err)
		}
	}
	if _, err := ParseCompression("lz4"); err == nil {
		t.Error("Expected error for unknown compression")
	}
}
