package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

const flagDeleted = 1

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRawSize))
	})
)

// Builder serializes records of a single kind into one block. Leaf and index records
// must be added in strictly increasing key order.
type Builder struct {
	kind    Kind
	buf     []byte
	offsets []uint32
	lastKey []byte
	hasLast bool
}

// NewBuilder creates an empty builder for blocks of the given kind.
func NewBuilder(kind Kind) *Builder {
	return &Builder{kind: kind}
}

// Kind returns the kind of block being built.
func (b *Builder) Kind() Kind { return b.kind }

// Len returns the number of records added.
func (b *Builder) Len() int { return len(b.offsets) }

// Size returns the uncompressed size the block would have if finished now.
func (b *Builder) Size() int {
	return len(b.buf) + 4*len(b.offsets) + TrailerSize
}

// AddEntry appends a leaf record holding e and its whole version chain.
func (b *Builder) AddEntry(e *iterator.Entry) error {
	if b.kind != KindLeaf {
		return fmt.Errorf("cannot add an entry to a %s block", b.kind)
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if err := b.checkOrder(e.Key, e.Key); err != nil {
		return err
	}

	b.offsets = append(b.offsets, uint32(len(b.buf)))
	b.buf = appendBytes(b.buf, e.Key)
	b.buf = binary.AppendUvarint(b.buf, uint64(len(e.Versions)))
	for _, v := range e.Versions {
		b.buf = binary.AppendUvarint(b.buf, v.Seqno)
		var flags byte
		if v.Deleted {
			flags |= flagDeleted
		}
		b.buf = append(b.buf, flags)
		b.buf = appendBytes(b.buf, v.Value)
	}
	return nil
}

// AddIndex appends a child pointer. Children must cover disjoint ascending key spans.
func (b *Builder) AddIndex(r IndexRecord) error {
	if b.kind != KindIndex {
		return fmt.Errorf("cannot add an index record to a %s block", b.kind)
	}
	if r.Stats.Count == 0 {
		return fmt.Errorf("index record for empty child %s", r.Handle)
	}
	if err := b.checkOrder(r.Stats.MinKey, r.Stats.MaxKey); err != nil {
		return err
	}

	b.offsets = append(b.offsets, uint32(len(b.buf)))
	b.buf = appendBytes(b.buf, r.Stats.MinKey)
	b.buf = appendBytes(b.buf, r.Stats.MaxKey)
	var h [HandleSize]byte
	r.Handle.Encode(h[:])
	b.buf = append(b.buf, h[:]...)
	b.buf = binary.AppendUvarint(b.buf, r.Stats.Count)
	b.buf = binary.AppendUvarint(b.buf, r.Stats.Versions)
	b.buf = binary.AppendUvarint(b.buf, r.Stats.MinSeqno)
	b.buf = binary.AppendUvarint(b.buf, r.Stats.MaxSeqno)
	return nil
}

// AddRaw appends an opaque record to a meta block.
func (b *Builder) AddRaw(p []byte) error {
	if b.kind != KindMeta {
		return fmt.Errorf("cannot add a raw record to a %s block", b.kind)
	}
	b.offsets = append(b.offsets, uint32(len(b.buf)))
	b.buf = append(b.buf, p...)
	return nil
}

func (b *Builder) checkOrder(minKey, maxKey []byte) error {
	if b.hasLast && bytes.Compare(minKey, b.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order, got %q after %q",
			minKey, b.lastKey)
	}
	if bytes.Compare(minKey, maxKey) > 0 {
		return fmt.Errorf("record span inverted: %q > %q", minKey, maxKey)
	}
	b.lastKey = append(b.lastKey[:0], maxKey...)
	b.hasLast = true
	return nil
}

// Finish serializes the block. When c does not shrink the body the block is stored
// uncompressed. The builder keeps its records until Reset.
func (b *Builder) Finish(c Compression) ([]byte, error) {
	body := make([]byte, 0, len(b.buf)+4*len(b.offsets))
	body = append(body, b.buf...)
	for _, off := range b.offsets {
		body = binary.LittleEndian.AppendUint32(body, off)
	}
	if len(body) > MaxRawSize {
		return nil, fmt.Errorf("block body of %d bytes exceeds %d", len(body), MaxRawSize)
	}

	stored, used, err := compress(c, body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(stored)+TrailerSize)
	out = append(out, stored...)
	out = append(out, byte(b.kind), byte(used))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.offsets)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
	return out, nil
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.offsets = b.offsets[:0]
	b.lastKey = b.lastKey[:0]
	b.hasLast = false
}

func compress(c Compression, body []byte) ([]byte, Compression, error) {
	var out []byte
	switch c {
	case NoCompression:
		return body, NoCompression, nil
	case SnappyCompression:
		out = snappy.Encode(nil, body)
	case ZstdCompression:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, NoCompression, fmt.Errorf("zstd encoder: %w", err)
		}
		out = enc.EncodeAll(body, nil)
	default:
		return nil, NoCompression, fmt.Errorf("unknown compression %d", c)
	}
	if len(out) >= len(body) {
		return body, NoCompression, nil
	}
	return out, c, nil
}

func appendBytes(dst, p []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(p)))
	return append(dst, p...)
}
