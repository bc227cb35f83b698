// Package bloom implements the key membership filter stored alongside immutable tables.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ErrMismatch is returned by Or when two filters have different geometry.
var ErrMismatch = errors.New("bloom: filters have different geometry")

const headerSize = 16

// Filter is a bloom filter over byte-string keys: no false negatives, tunable false positives.
type Filter struct {
	bits []uint64
	k    uint32
	m    uint32
	n    uint64
}

// OptimalParams returns the number of hash functions k and bits m for n keys at
// false-positive rate p.
func OptimalParams(n int, p float64) (k uint32, m uint32) {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m = uint32(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k = uint32(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k, m
}

// New creates a filter sized for n keys at false-positive rate p.
func New(n int, p float64) *Filter {
	k, m := OptimalParams(n, p)
	return NewWithGeometry(k, m)
}

// NewWithGeometry creates a filter with k hash functions over m bits.
func NewWithGeometry(k, m uint32) *Filter {
	if m == 0 {
		m = 64
	}
	if k == 0 {
		k = 1
	}
	return &Filter{bits: make([]uint64, (m+63)/64), k: k, m: m}
}

// hashes derives the two double-hashing seeds from one xxhash64 digest.
func hashes(key []byte) (uint32, uint32) {
	h := xxhash.Sum64(key)
	h1 := uint32(h)
	h2 := uint32(h>>32) | 1
	return h1, h2
}

// Add inserts key.
func (f *Filter) Add(key []byte) {
	h1, h2 := hashes(key)
	for i := uint32(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.n++
}

// MayContain reports false only when key was definitely never added.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := hashes(key)
	for i := uint32(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Len returns the number of Add calls, counting duplicates.
func (f *Filter) Len() uint64 { return f.n }

// Geometry returns the number of hash functions and bits.
func (f *Filter) Geometry() (k, m uint32) { return f.k, f.m }

// Or folds other into f, so f answers for the keys of both.
func (f *Filter) Or(other *Filter) error {
	if f.k != other.k || f.m != other.m {
		return ErrMismatch
	}
	for i := range f.bits {
		f.bits[i] |= other.bits[i]
	}
	f.n += other.n
	return nil
}

// MarshalBinary encodes the filter as k, m, n followed by the bit words, little endian.
func (f *Filter) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize+8*len(f.bits))
	binary.LittleEndian.PutUint32(buf[0:4], f.k)
	binary.LittleEndian.PutUint32(buf[4:8], f.m)
	binary.LittleEndian.PutUint64(buf[8:16], f.n)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[headerSize+8*i:], w)
	}
	return buf, nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("bloom: short buffer of %d bytes", len(data))
	}
	k := binary.LittleEndian.Uint32(data[0:4])
	m := binary.LittleEndian.Uint32(data[4:8])
	words := int((uint64(m) + 63) / 64)
	if k == 0 || m == 0 || len(data) != headerSize+8*words {
		return fmt.Errorf("bloom: bad geometry k=%d m=%d for %d bytes", k, m, len(data))
	}
	f.k, f.m = k, m
	f.n = binary.LittleEndian.Uint64(data[8:16])
	f.bits = make([]uint64, words)
	for i := range f.bits {
		f.bits[i] = binary.LittleEndian.Uint64(data[headerSize+8*i:])
	}
	return nil
}
