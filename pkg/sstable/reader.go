package sstable

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/KevoDB/tierscan/pkg/bloom"
	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
	"github.com/KevoDB/tierscan/pkg/sstable/footer"
)

// Reader serves reads from one immutable table file. It is reference counted: Open hands
// out one reference, every iterator holds its own, and the file is closed when the last
// one is released.
type Reader struct {
	path   string
	file   *os.File
	size   int64
	footer *footer.Footer
	filter *bloom.Filter
	opts   Options
	refs   atomic.Int64
	closed atomic.Bool
}

// Open reads and verifies the footer and loads the bloom filter.
func Open(path string, opts ...Option) (*Reader, error) {
	o := buildOptions(opts)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	r := &Reader{path: path, file: file, size: stat.Size(), opts: o}
	r.refs.Store(1)
	if err := r.load(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) load() error {
	if r.size < footer.FooterSize {
		return iterator.Corruptf("file of %d bytes is shorter than its footer", r.size)
	}
	buf := make([]byte, footer.FooterSize)
	if _, err := r.file.ReadAt(buf, r.size-footer.FooterSize); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}
	f, err := footer.Decode(buf)
	if err != nil {
		r.opts.Metrics.RecordCorruption(context.Background(), r.path)
		return err
	}
	r.footer = f

	if f.Bloom.IsZero() {
		return nil
	}
	blk, err := r.ReadBlock(f.Bloom)
	if err != nil {
		return err
	}
	payload, err := blk.Raw(0)
	if err != nil {
		return err
	}
	filter := &bloom.Filter{}
	if err := filter.UnmarshalBinary(payload); err != nil {
		return iterator.Corruptf("bloom filter: %v", err)
	}
	r.filter = filter
	return nil
}

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// Footer returns a copy of the table footer.
func (r *Reader) Footer() footer.Footer { return *r.footer }

// Len returns the number of keys in the table.
func (r *Reader) Len() int { return int(r.footer.Entries) }

// Acquire takes an extra reference. It fails once the last reference is gone.
func (r *Reader) Acquire() error {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return fmt.Errorf("%w: sstable %s", iterator.ErrClosed, r.path)
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference, closing the file when none remain.
func (r *Reader) Release() {
	if r.refs.Add(-1) == 0 {
		if err := r.file.Close(); err != nil {
			r.opts.Logger.Warn("closing %s: %v", r.path, err)
		}
	}
}

// Close drops the reference handed out by Open. Open iterators keep the file usable.
func (r *Reader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.Release()
	}
	return nil
}

// ReadBlock fetches and decodes the block at h.
func (r *Reader) ReadBlock(h block.Handle) (*block.Block, error) {
	dataEnd := uint64(r.size - footer.FooterSize)
	if h.Size < block.TrailerSize || h.Offset+uint64(h.Size) > dataEnd {
		return nil, r.corrupt(h, iterator.Corruptf("handle outside data region of %d bytes", dataEnd))
	}

	start := time.Now()
	buf := make([]byte, h.Size)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read block %s of %s: %w", h, r.path, err)
	}
	blk, err := block.Decode(buf)
	if err != nil {
		return nil, r.corrupt(h, err)
	}
	r.opts.Metrics.RecordBlockRead(context.Background(), blk.Kind().String(), len(buf), time.Since(start))
	return blk, nil
}

func (r *Reader) corrupt(h block.Handle, err error) error {
	r.opts.Metrics.RecordCorruption(context.Background(), r.path)
	r.opts.Logger.Warn("corrupt block %s in %s: %v", h, r.path, err)
	return fmt.Errorf("%s: block %s: %w", r.path, h, err)
}

// MayContain consults the bloom filter. Tables without a filter answer true.
func (r *Reader) MayContain(key []byte) bool {
	if r.filter == nil {
		return true
	}
	return r.filter.MayContain(key)
}

// Get returns the entry stored under key with its full version chain.
func (r *Reader) Get(key []byte) (*iterator.Entry, error) {
	if !r.MayContain(key) {
		return nil, ErrNotFound
	}
	it, err := r.Range(iterator.KeyRange{Lower: iterator.Incl(key), Upper: iterator.Incl(key)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	e, err := it.Next()
	if errors.Is(err, iterator.ErrDone) {
		return nil, ErrNotFound
	}
	return e, err
}
