package block

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// Block is a decoded, immutable block. Entries returned from it alias its memory.
type Block struct {
	kind    Kind
	data    []byte
	offsets []uint32
}

// Decode verifies the trailer checksum, decompresses the body and validates the offset
// table. Every structural problem is reported as iterator.ErrCorruption.
func Decode(raw []byte) (*Block, error) {
	if len(raw) < TrailerSize {
		return nil, iterator.Corruptf("block of %d bytes is shorter than its trailer", len(raw))
	}
	t := raw[len(raw)-TrailerSize:]
	kind := Kind(t[0])
	comp := Compression(t[1])
	count := binary.LittleEndian.Uint32(t[2:6])
	rawLen := binary.LittleEndian.Uint32(t[6:10])
	sum := binary.LittleEndian.Uint64(t[10:18])

	if got := xxhash.Sum64(raw[:len(raw)-8]); got != sum {
		return nil, iterator.Corruptf("block checksum mismatch: stored %x, computed %x", sum, got)
	}
	if kind < KindLeaf || kind > KindMeta {
		return nil, iterator.Corruptf("unknown block kind %d", uint8(kind))
	}
	if rawLen > MaxRawSize {
		return nil, iterator.Corruptf("block body length %d exceeds %d", rawLen, MaxRawSize)
	}

	body, err := decompress(comp, raw[:len(raw)-TrailerSize], int(rawLen))
	if err != nil {
		return nil, err
	}

	table := uint64(count) * 4
	if table > uint64(len(body)) {
		return nil, iterator.Corruptf("offset table of %d records overruns %d byte body", count, len(body))
	}
	dataEnd := len(body) - int(table)
	offsets := make([]uint32, count)
	for i := range offsets {
		off := binary.LittleEndian.Uint32(body[dataEnd+4*i:])
		switch {
		case i == 0 && off != 0:
			return nil, iterator.Corruptf("first record offset %d, want 0", off)
		case i > 0 && off <= offsets[i-1]:
			return nil, iterator.Corruptf("record offsets not increasing at %d", i)
		case int(off) >= dataEnd:
			return nil, iterator.Corruptf("record %d offset %d beyond data end %d", i, off, dataEnd)
		}
		offsets[i] = off
	}
	if count == 0 && dataEnd != 0 {
		return nil, iterator.Corruptf("empty block carries %d data bytes", dataEnd)
	}

	return &Block{kind: kind, data: body[:dataEnd], offsets: offsets}, nil
}

func decompress(c Compression, stored []byte, rawLen int) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch c {
	case NoCompression:
		body = stored
	case SnappyCompression:
		n, derr := snappy.DecodedLen(stored)
		if derr != nil || n != rawLen {
			return nil, iterator.Corruptf("snappy body length %d, want %d: %v", n, rawLen, derr)
		}
		body, err = snappy.Decode(nil, stored)
	case ZstdCompression:
		dec, derr := zstdDecoder()
		if derr != nil {
			return nil, derr
		}
		body, err = dec.DecodeAll(stored, make([]byte, 0, rawLen))
	default:
		return nil, iterator.Corruptf("unknown block compression %d", uint8(c))
	}
	if err != nil {
		return nil, iterator.Corruptf("%s body: %v", c, err)
	}
	if len(body) != rawLen {
		return nil, iterator.Corruptf("block body is %d bytes, trailer says %d", len(body), rawLen)
	}
	return body, nil
}

// Kind returns the block kind.
func (b *Block) Kind() Kind { return b.kind }

// Len returns the number of records.
func (b *Block) Len() int { return len(b.offsets) }

func (b *Block) record(i int) ([]byte, error) {
	if i < 0 || i >= len(b.offsets) {
		return nil, iterator.Corruptf("record %d out of range [0,%d)", i, len(b.offsets))
	}
	end := len(b.data)
	if i+1 < len(b.offsets) {
		end = int(b.offsets[i+1])
	}
	return b.data[b.offsets[i]:end], nil
}

// Entry decodes leaf record i.
func (b *Block) Entry(i int) (*iterator.Entry, error) {
	if b.kind != KindLeaf {
		return nil, iterator.Corruptf("entry read from %s block", b.kind)
	}
	rec, err := b.record(i)
	if err != nil {
		return nil, err
	}
	d := decoder{b: rec}
	e := &iterator.Entry{Key: d.field()}
	n := d.uvarint()
	if d.err == nil && n > uint64(len(rec)) {
		return nil, iterator.Corruptf("record %d claims %d versions in %d bytes", i, n, len(rec))
	}
	e.Versions = make([]iterator.Version, 0, n)
	for j := uint64(0); j < n && d.err == nil; j++ {
		v := iterator.Version{Seqno: d.uvarint()}
		v.Deleted = d.u8()&flagDeleted != 0
		v.Value = d.field()
		if len(v.Value) == 0 {
			v.Value = nil
		}
		e.Versions = append(e.Versions, v)
	}
	if err := d.done(i); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Index decodes index record i.
func (b *Block) Index(i int) (IndexRecord, error) {
	if b.kind != KindIndex {
		return IndexRecord{}, iterator.Corruptf("index record read from %s block", b.kind)
	}
	rec, err := b.record(i)
	if err != nil {
		return IndexRecord{}, err
	}
	d := decoder{b: rec}
	var r IndexRecord
	r.Stats.MinKey = d.field()
	r.Stats.MaxKey = d.field()
	h := d.take(HandleSize)
	if d.err == nil {
		r.Handle, d.err = DecodeHandle(h)
	}
	r.Stats.Count = d.uvarint()
	r.Stats.Versions = d.uvarint()
	r.Stats.MinSeqno = d.uvarint()
	r.Stats.MaxSeqno = d.uvarint()
	if err := d.done(i); err != nil {
		return IndexRecord{}, err
	}
	if r.Stats.Count == 0 || bytes.Compare(r.Stats.MinKey, r.Stats.MaxKey) > 0 {
		return IndexRecord{}, iterator.Corruptf("index record %d has an invalid span", i)
	}
	return r, nil
}

// Raw returns meta record i.
func (b *Block) Raw(i int) ([]byte, error) {
	if b.kind != KindMeta {
		return nil, iterator.Corruptf("raw record read from %s block", b.kind)
	}
	return b.record(i)
}

// spanKeys returns the smallest and largest key covered by record i.
func (b *Block) spanKeys(i int) (lo, hi []byte, err error) {
	switch b.kind {
	case KindLeaf:
		rec, err := b.record(i)
		if err != nil {
			return nil, nil, err
		}
		d := decoder{b: rec}
		k := d.field()
		if d.err != nil {
			return nil, nil, iterator.Corruptf("record %d: %v", i, d.err)
		}
		return k, k, nil
	case KindIndex:
		r, err := b.Index(i)
		if err != nil {
			return nil, nil, err
		}
		return r.Stats.MinKey, r.Stats.MaxKey, nil
	}
	return nil, nil, iterator.Corruptf("seek in %s block", b.kind)
}

// SeekGE returns the first record whose span reaches key, or Len if none does.
func (b *Block) SeekGE(key []byte) (int, error) {
	var err error
	i := sort.Search(b.Len(), func(i int) bool {
		if err != nil {
			return true
		}
		_, hi, e := b.spanKeys(i)
		if e != nil {
			err = e
			return true
		}
		return bytes.Compare(hi, key) >= 0
	})
	return i, err
}

// SeekLE returns the last record whose span starts at or before key, or -1 if none does.
func (b *Block) SeekLE(key []byte) (int, error) {
	var err error
	i := sort.Search(b.Len(), func(i int) bool {
		if err != nil {
			return true
		}
		lo, _, e := b.spanKeys(i)
		if e != nil {
			err = e
			return true
		}
		return bytes.Compare(lo, key) > 0
	})
	return i - 1, err
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.b)
	if n <= 0 {
		d.err = iterator.Corruptf("bad varint")
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.b) {
		d.err = iterator.Corruptf("field of %d bytes overruns record", n)
		return nil
	}
	p := d.b[:n:n]
	d.b = d.b[n:]
	return p
}

func (d *decoder) field() []byte {
	n := d.uvarint()
	if d.err == nil && n > uint64(len(d.b)) {
		d.err = iterator.Corruptf("field of %d bytes overruns record", n)
		return nil
	}
	return d.take(int(n))
}

func (d *decoder) u8() byte {
	p := d.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (d *decoder) done(i int) error {
	if d.err != nil {
		return iterator.Corruptf("record %d: %v", i, d.err)
	}
	if len(d.b) != 0 {
		return iterator.Corruptf("record %d has %d trailing bytes", i, len(d.b))
	}
	return nil
}
