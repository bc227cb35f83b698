package sstable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/tierscan/pkg/bloom"
	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/bitmapped"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
	"github.com/KevoDB/tierscan/pkg/sstable/footer"
)

// FileManager handles the destination of a build: a lock next to the final path, a
// temporary file that receives the blocks, and the rename that publishes it.
type FileManager struct {
	path    string
	tmpPath string
	file    *os.File
	lock    *flock.Flock
}

// NewFileManager locks path and creates its temporary file.
func NewFileManager(path string) (*FileManager, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock destination: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))
	file, err := os.Create(tmpPath)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	return &FileManager{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		lock:    lock,
	}, nil
}

// Write writes data to the file at the current position
func (fm *FileManager) Write(data []byte) (int, error) {
	return fm.file.Write(data)
}

// Sync flushes the file to disk
func (fm *FileManager) Sync() error {
	return fm.file.Sync()
}

// Close closes the file
func (fm *FileManager) Close() error {
	if fm.file == nil {
		return nil
	}
	err := fm.file.Close()
	fm.file = nil
	return err
}

// FinalizeFile closes the file, renames it to the final path and drops the lock.
func (fm *FileManager) FinalizeFile() error {
	if err := fm.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(fm.tmpPath, fm.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return fm.unlock()
}

// Cleanup removes the temporary file if writing is aborted
func (fm *FileManager) Cleanup() error {
	fm.Close()
	err := os.Remove(fm.tmpPath)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return errors.Join(err, fm.unlock())
}

func (fm *FileManager) unlock() error {
	if err := fm.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock destination: %w", err)
	}
	os.Remove(fm.lock.Path())
	return nil
}

// BuildStats summarizes a finished build.
type BuildStats struct {
	Entries     uint64
	Versions    uint64
	Tombstones  uint64
	Purged      uint64
	LeafBlocks  int
	IndexBlocks int
	Height      int
	Bytes       int64
	MinSeqno    uint64
	MaxSeqno    uint64
}

// BuildCursor accumulates the leaf block being filled and the statistics of its entries.
type BuildCursor struct {
	blk   *block.Builder
	stats block.Stats
}

func newBuildCursor() *BuildCursor {
	return &BuildCursor{blk: block.NewBuilder(block.KindLeaf)}
}

func (c *BuildCursor) add(e *iterator.Entry) error {
	if err := c.blk.AddEntry(e); err != nil {
		return err
	}
	c.stats.Observe(e)
	return nil
}

// Stats returns the statistics of the entries in the current leaf.
func (c *BuildCursor) Stats() block.Stats { return c.stats }

func (c *BuildCursor) reset() {
	c.blk.Reset()
	c.stats = block.Stats{}
}

// CommitCursor accumulates one level of index records. Level 0 points at leaves.
type CommitCursor struct {
	level int
	blk   *block.Builder
	stats block.Stats
	last  block.IndexRecord
}

func newCommitCursor(level int) *CommitCursor {
	return &CommitCursor{level: level, blk: block.NewBuilder(block.KindIndex)}
}

func (c *CommitCursor) add(r block.IndexRecord) error {
	if err := c.blk.AddIndex(r); err != nil {
		return err
	}
	c.stats.Absorb(r.Stats)
	c.last = r
	return nil
}

// Level returns the height of the blocks this cursor points at.
func (c *CommitCursor) Level() int { return c.level }

// Stats returns the statistics of every child added since the last flush.
func (c *CommitCursor) Stats() block.Stats { return c.stats }

func (c *CommitCursor) reset() {
	c.blk.Reset()
	c.stats = block.Stats{}
	c.last = block.IndexRecord{}
}

// Builder writes a table from entries given in strictly ascending key order. Leaves are
// filled through a BuildCursor and index blocks bottom-up through a stack of
// CommitCursors. Finished blocks are handed to a background flusher, so encoding and
// writing overlap.
type Builder struct {
	fm     *FileManager
	opts   Options
	leaf   *BuildCursor
	stack  []*CommitCursor
	filter *bloom.Filter

	offset  uint64
	queue   chan []byte
	closed  bool
	group   *errgroup.Group
	gctx    context.Context
	cancel  context.CancelFunc
	lastKey []byte
	hasLast bool

	stats BuildStats
	start time.Time
	done  bool
}

// NewBuilder locks path and starts the flusher. The build is abandoned when ctx is
// cancelled; the caller must still call Finish or Abort.
func NewBuilder(ctx context.Context, path string, opts ...Option) (*Builder, error) {
	o := buildOptions(opts)
	fm, err := NewFileManager(path)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(cctx)
	b := &Builder{
		fm:     fm,
		opts:   o,
		leaf:   newBuildCursor(),
		queue:  make(chan []byte, o.QueueDepth),
		group:  group,
		gctx:   gctx,
		cancel: cancel,
		start:  time.Now(),
	}
	if o.BloomFPRate > 0 {
		b.filter = bloom.New(o.ExpectedKeys, o.BloomFPRate)
	}
	group.Go(b.flush)
	return b, nil
}

// Path returns the final path of the table.
func (b *Builder) Path() string { return b.fm.path }

// Stats returns the statistics gathered so far.
func (b *Builder) Stats() BuildStats { return b.stats }

// Depth returns the number of index levels currently open.
func (b *Builder) Depth() int { return len(b.stack) }

func (b *Builder) flush() error {
	for {
		select {
		case data, ok := <-b.queue:
			if !ok {
				return nil
			}
			n, err := b.fm.Write(data)
			if err != nil {
				return fmt.Errorf("failed to write block: %w", err)
			}
			if n != len(data) {
				return fmt.Errorf("wrote incomplete block: %d of %d bytes", n, len(data))
			}
		case <-b.gctx.Done():
			return context.Cause(b.gctx)
		}
	}
}

// submit assigns the next file offset to data and queues it for the flusher.
func (b *Builder) submit(data []byte) (block.Handle, error) {
	if err := context.Cause(b.gctx); err != nil {
		return block.Handle{}, err
	}
	h := block.Handle{Offset: b.offset, Size: uint32(len(data))}
	select {
	case b.queue <- data:
		b.offset += uint64(len(data))
		return h, nil
	case <-b.gctx.Done():
		return block.Handle{}, context.Cause(b.gctx)
	}
}

// Add writes one entry. Its key must be greater than every key added before.
func (b *Builder) Add(e *iterator.Entry) error {
	if b.done {
		return ErrFinished
	}
	if b.filter != nil {
		b.filter.Add(e.Key)
	}
	return b.add(e)
}

func (b *Builder) add(e *iterator.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if b.hasLast && bytes.Compare(e.Key, b.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly increasing order, got %q after %q",
			e.Key, b.lastKey)
	}
	b.lastKey = append(b.lastKey[:0], e.Key...)
	b.hasLast = true

	if b.opts.Cutoff.Kind != iterator.CutoffNone {
		if e = e.Purge(b.opts.Cutoff); e == nil {
			b.stats.Purged++
			return nil
		}
	}

	if err := b.leaf.add(e); err != nil {
		return err
	}
	lo, hi := e.Versions[len(e.Versions)-1].Seqno, e.Seqno()
	if b.stats.Entries == 0 || lo < b.stats.MinSeqno {
		b.stats.MinSeqno = lo
	}
	if hi > b.stats.MaxSeqno {
		b.stats.MaxSeqno = hi
	}
	b.stats.Entries++
	b.stats.Versions += uint64(len(e.Versions))
	if e.IsDeleted() {
		b.stats.Tombstones++
	}

	if b.leaf.blk.Size() >= b.opts.LeafSize {
		return b.flushLeaf()
	}
	return nil
}

func (b *Builder) flushLeaf() error {
	data, err := b.leaf.blk.Finish(b.opts.Compression)
	if err != nil {
		return err
	}
	h, err := b.submit(data)
	if err != nil {
		return err
	}
	b.stats.LeafBlocks++
	rec := block.IndexRecord{Handle: h, Stats: b.leaf.stats}
	b.leaf.reset()
	return b.commit(0, rec)
}

// commit adds rec to the index level above the blocks it points at, flushing that level
// upward once it is full.
func (b *Builder) commit(level int, rec block.IndexRecord) error {
	if level == len(b.stack) {
		b.stack = append(b.stack, newCommitCursor(level))
	}
	c := b.stack[level]
	if err := c.add(rec); err != nil {
		return err
	}
	// at least two children per index block so the tree narrows
	if c.blk.Size() >= b.opts.IndexSize && c.blk.Len() >= 2 {
		return b.flushIndex(level)
	}
	return nil
}

func (b *Builder) flushIndex(level int) error {
	c := b.stack[level]
	data, err := c.blk.Finish(b.opts.Compression)
	if err != nil {
		return err
	}
	h, err := b.submit(data)
	if err != nil {
		return err
	}
	b.stats.IndexBlocks++
	rec := block.IndexRecord{Handle: h, Stats: c.stats}
	c.reset()
	return b.commit(level+1, rec)
}

// Build drains it into the table and finishes it. The bloom filter is filled by a
// BitmapScan over the input. On any error the build is aborted.
func (b *Builder) Build(it iterator.Iterator) (BuildStats, error) {
	if b.done {
		it.Close()
		return b.stats, ErrFinished
	}

	var scan *bitmapped.BitmapScan
	src := it
	if b.filter != nil {
		scan = bitmapped.NewBitmapScan(it, b.filter)
		src = scan
	}

	for {
		e, err := src.Next()
		if errors.Is(err, iterator.ErrDone) {
			break
		}
		if err == nil {
			err = b.add(e)
		}
		if err != nil {
			src.Close()
			return b.stats, errors.Join(err, b.Abort())
		}
	}
	src.Close()

	if scan != nil {
		if _, ok := scan.Bitmap(); !ok {
			return b.stats, errors.Join(errors.New("bloom filter incomplete"), b.Abort())
		}
	}
	return b.Finish()
}

// Finish writes the remaining blocks, the bloom filter and the footer, then publishes
// the file under its final path.
func (b *Builder) Finish() (BuildStats, error) {
	if b.done {
		return b.stats, ErrFinished
	}
	b.done = true

	err := b.finish()
	if err != nil {
		err = errors.Join(err, b.abort())
	}
	b.opts.Metrics.RecordBuild(context.Background(), b.stats, time.Since(b.start), err)
	if err != nil {
		b.opts.Logger.Warn("build of %s failed: %v", b.fm.path, err)
		return b.stats, err
	}

	b.opts.Logger.WithFields(map[string]interface{}{
		"entries": b.stats.Entries,
		"height":  b.stats.Height,
		"bytes":   b.stats.Bytes,
	}).Info("built %s", filepath.Base(b.fm.path))
	return b.stats, nil
}

func (b *Builder) finish() error {
	if b.leaf.blk.Len() > 0 {
		if err := b.flushLeaf(); err != nil {
			return err
		}
	}

	var root block.Handle
	height := 0
	for i := 0; i < len(b.stack); i++ {
		c := b.stack[i]
		switch {
		case i == len(b.stack)-1 && c.blk.Len() == 1:
			root = c.last.Handle
			height = i + 1
		case c.blk.Len() == 1:
			// a lone child moves up instead of getting an index block of its own, so its
			// subtree ends up one level shorter than its siblings
			rec := c.last
			c.reset()
			if err := b.commit(i+1, rec); err != nil {
				return err
			}
		case c.blk.Len() > 0:
			if err := b.flushIndex(i); err != nil {
				return err
			}
		}
	}

	var bloomHandle block.Handle
	if b.filter != nil && b.stats.Entries > 0 {
		payload, err := b.filter.MarshalBinary()
		if err != nil {
			return err
		}
		meta := block.NewBuilder(block.KindMeta)
		meta.AddRaw(payload)
		data, err := meta.Finish(block.NoCompression)
		if err != nil {
			return err
		}
		if bloomHandle, err = b.submit(data); err != nil {
			return err
		}
	}

	close(b.queue)
	b.closed = true
	if err := b.group.Wait(); err != nil {
		return err
	}

	f := footer.NewFooter(root, uint32(height))
	f.Entries = b.stats.Entries
	f.Versions = b.stats.Versions
	f.Tombstones = b.stats.Tombstones
	f.MinSeqno = b.stats.MinSeqno
	f.MaxSeqno = b.stats.MaxSeqno
	f.Bloom = bloomHandle
	if _, err := f.WriteTo(b.fm.file); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	if err := b.fm.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	b.stats.Height = height
	b.stats.Bytes = int64(b.offset) + footer.FooterSize
	b.cancel()
	return b.fm.FinalizeFile()
}

// Abort cancels the build and removes the temporary file. It is a no-op after Finish.
func (b *Builder) Abort() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.abort()
}

func (b *Builder) abort() error {
	b.cancel()
	if !b.closed {
		close(b.queue)
		b.closed = true
	}
	b.group.Wait()
	return b.fm.Cleanup()
}
