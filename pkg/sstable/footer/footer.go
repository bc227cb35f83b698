package footer

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
)

const (
	// FooterSize is the fixed size of the footer in bytes
	FooterSize = 96
	// FooterMagic is a magic number to verify we're reading a valid footer
	FooterMagic = uint64(0x7469657273636e31)
	// CurrentVersion is the current file format version
	CurrentVersion = uint32(1)
)

// Footer contains metadata for a table file
type Footer struct {
	// Magic number for integrity checking
	Magic uint64
	// Version of the file format
	Version uint32
	// Root block of the tree; zero for an empty table
	Root block.Handle
	// Number of block levels from root to leaves; zero for an empty table
	Height uint32
	// Number of keys
	Entries uint64
	// Number of versions across all keys
	Versions uint64
	// Number of keys whose newest version is a tombstone
	Tombstones uint64
	// Seqno span of all stored versions
	MinSeqno uint64
	MaxSeqno uint64
	// Bloom filter meta block; zero when absent
	Bloom block.Handle
	// Timestamp of when the file was created
	Timestamp int64
	// Checksum of all footer fields excluding the checksum itself
	Checksum uint64
}

// NewFooter creates a footer stamped with the current time.
func NewFooter(root block.Handle, height uint32) *Footer {
	return &Footer{
		Magic:     FooterMagic,
		Version:   CurrentVersion,
		Root:      root,
		Height:    height,
		Timestamp: time.Now().UnixNano(),
	}
}

// Empty reports whether the table holds no keys.
func (f Footer) Empty() bool { return f.Height == 0 }

// Encode serializes the footer to a byte slice
func (f *Footer) Encode() []byte {
	result := make([]byte, FooterSize)

	binary.LittleEndian.PutUint64(result[0:8], f.Magic)
	binary.LittleEndian.PutUint32(result[8:12], f.Version)
	f.Root.Encode(result[12:24])
	binary.LittleEndian.PutUint32(result[24:28], f.Height)
	binary.LittleEndian.PutUint64(result[28:36], f.Entries)
	binary.LittleEndian.PutUint64(result[36:44], f.Versions)
	binary.LittleEndian.PutUint64(result[44:52], f.Tombstones)
	binary.LittleEndian.PutUint64(result[52:60], f.MinSeqno)
	binary.LittleEndian.PutUint64(result[60:68], f.MaxSeqno)
	f.Bloom.Encode(result[68:80])
	binary.LittleEndian.PutUint64(result[80:88], uint64(f.Timestamp))

	f.Checksum = xxhash.Sum64(result[:88])
	binary.LittleEndian.PutUint64(result[88:], f.Checksum)

	return result
}

// WriteTo writes the footer to an io.Writer
func (f *Footer) WriteTo(w io.Writer) (int64, error) {
	data := f.Encode()
	n, err := w.Write(data)
	return int64(n), err
}

// Decode parses a footer from a byte slice. Malformed footers report iterator.ErrCorruption.
func Decode(data []byte) (*Footer, error) {
	if len(data) < FooterSize {
		return nil, iterator.Corruptf("footer data too small: %d bytes, expected %d",
			len(data), FooterSize)
	}

	footer := &Footer{
		Magic:      binary.LittleEndian.Uint64(data[0:8]),
		Version:    binary.LittleEndian.Uint32(data[8:12]),
		Height:     binary.LittleEndian.Uint32(data[24:28]),
		Entries:    binary.LittleEndian.Uint64(data[28:36]),
		Versions:   binary.LittleEndian.Uint64(data[36:44]),
		Tombstones: binary.LittleEndian.Uint64(data[44:52]),
		MinSeqno:   binary.LittleEndian.Uint64(data[52:60]),
		MaxSeqno:   binary.LittleEndian.Uint64(data[60:68]),
		Timestamp:  int64(binary.LittleEndian.Uint64(data[80:88])),
		Checksum:   binary.LittleEndian.Uint64(data[88:96]),
	}
	footer.Root, _ = block.DecodeHandle(data[12:24])
	footer.Bloom, _ = block.DecodeHandle(data[68:80])

	if footer.Magic != FooterMagic {
		return nil, iterator.Corruptf("invalid footer magic: %x, expected %x",
			footer.Magic, FooterMagic)
	}

	expectedChecksum := xxhash.Sum64(data[:88])
	if footer.Checksum != expectedChecksum {
		return nil, iterator.Corruptf("footer checksum mismatch: file has %d, calculated %d",
			footer.Checksum, expectedChecksum)
	}

	if footer.Version != CurrentVersion {
		return nil, iterator.Corruptf("unsupported format version %d", footer.Version)
	}
	if (footer.Height == 0) != footer.Root.IsZero() || (footer.Height == 0) != (footer.Entries == 0) {
		return nil, iterator.Corruptf("footer height %d inconsistent with root %s and %d entries",
			footer.Height, footer.Root, footer.Entries)
	}

	return footer, nil
}
