package block

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// Kind identifies what a block holds.
type Kind uint8

const (
	// KindLeaf blocks hold entries with their full version chains
	KindLeaf Kind = iota + 1
	// KindIndex blocks hold one separator record per child block
	KindIndex
	// KindMeta blocks hold opaque payloads such as the bloom filter
	KindMeta
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindIndex:
		return "index"
	case KindMeta:
		return "meta"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Compression selects the codec applied to a block body.
type Compression uint8

const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return NoCompression, fmt.Errorf("unknown compression %q", name)
}

const (
	// DefaultLeafSize is the target uncompressed size of a leaf block
	DefaultLeafSize = 16 * 1024
	// DefaultIndexSize is the target uncompressed size of an index block
	DefaultIndexSize = 8 * 1024
	// TrailerSize is kind(1) + compression(1) + count(4) + raw length(4) + checksum(8)
	TrailerSize = 18
	// HandleSize is the encoded size of a Handle
	HandleSize = 12
	// MaxRawSize bounds the decoded body length accepted from disk
	MaxRawSize = 64 << 20
)

// Handle locates a block within a file.
type Handle struct {
	Offset uint64
	Size   uint32
}

// IsZero reports whether h points nowhere.
func (h Handle) IsZero() bool { return h.Offset == 0 && h.Size == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d+%d", h.Offset, h.Size) }

// Encode writes h into a HandleSize byte slice.
func (h Handle) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Offset)
	binary.LittleEndian.PutUint32(dst[8:12], h.Size)
}

// DecodeHandle reads a Handle written by Encode.
func DecodeHandle(src []byte) (Handle, error) {
	if len(src) < HandleSize {
		return Handle{}, iterator.Corruptf("block handle truncated: %d bytes", len(src))
	}
	return Handle{
		Offset: binary.LittleEndian.Uint64(src[0:8]),
		Size:   binary.LittleEndian.Uint32(src[8:12]),
	}, nil
}

// Stats summarizes the entries below a block. Builders accumulate it while filling a
// block and index records carry it for their child.
type Stats struct {
	Count    uint64
	Versions uint64
	MinKey   []byte
	MaxKey   []byte
	MinSeqno uint64
	MaxSeqno uint64
}

// Observe folds one entry into the stats. Entries must arrive in ascending key order.
func (s *Stats) Observe(e *iterator.Entry) {
	lo, hi := e.Versions[len(e.Versions)-1].Seqno, e.Versions[0].Seqno
	s.merge(e.Key, e.Key, 1, uint64(len(e.Versions)), lo, hi)
}

// Absorb folds a child's stats into s. Children must arrive in ascending key order.
func (s *Stats) Absorb(c Stats) {
	s.merge(c.MinKey, c.MaxKey, c.Count, c.Versions, c.MinSeqno, c.MaxSeqno)
}

func (s *Stats) merge(minKey, maxKey []byte, count, versions, lo, hi uint64) {
	if s.Count == 0 {
		s.MinKey = minKey
		s.MinSeqno = lo
		s.MaxSeqno = hi
	}
	s.MaxKey = maxKey
	s.Count += count
	s.Versions += versions
	if lo < s.MinSeqno {
		s.MinSeqno = lo
	}
	if hi > s.MaxSeqno {
		s.MaxSeqno = hi
	}
}

// IndexRecord is one child pointer in an index block.
type IndexRecord struct {
	Handle Handle
	Stats  Stats
}
