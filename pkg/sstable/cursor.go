package sstable

import (
	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
)

// frame is one level of a cursor's path from the root: a decoded block and the record
// the cursor is on.
type frame struct {
	blk *block.Block
	pos int
}

// DiskCursor walks a table in key order using an explicit stack of frames, root first.
// The first Next positions it with a single root-to-leaf descent guided by the index
// separators. Leaving a leaf pops frames until an ancestor has a sibling to move to,
// then descends again along that sibling's edge.
//
// Any structural problem ends the scan with an error matching iterator.ErrCorruption.
type DiskCursor struct {
	r       *Reader
	kr      iterator.KeyRange
	dir     iterator.Direction
	height  int
	stack   []frame
	started bool
	last    []byte
	hasLast bool
	err     error
	done    bool
}

// Iter scans the whole table in ascending order.
func (r *Reader) Iter() (iterator.Iterator, error) {
	return r.Range(iterator.FullRange())
}

// Range scans kr in ascending order.
func (r *Reader) Range(kr iterator.KeyRange) (iterator.Iterator, error) {
	return r.cursor(kr, iterator.Ascending)
}

// Reverse scans kr in descending order.
func (r *Reader) Reverse(kr iterator.KeyRange) (iterator.Iterator, error) {
	return r.cursor(kr, iterator.Descending)
}

func (r *Reader) cursor(kr iterator.KeyRange, dir iterator.Direction) (iterator.Iterator, error) {
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	if err := r.Acquire(); err != nil {
		return nil, err
	}
	return &DiskCursor{r: r, kr: kr, dir: dir, height: int(r.footer.Height)}, nil
}

func (c *DiskCursor) step() int {
	if c.dir == iterator.Descending {
		return -1
	}
	return 1
}

// Depth returns the number of frames on the stack.
func (c *DiskCursor) Depth() int { return len(c.stack) }

// Next returns the next entry in scan order.
func (c *DiskCursor) Next() (*iterator.Entry, error) {
	if c.err != nil {
		return nil, c.err
	}
	if !c.started {
		c.started = true
		if err := c.seek(); err != nil {
			return c.fail(err)
		}
	}

	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.pos < 0 || top.pos >= top.blk.Len() {
			if err := c.advance(); err != nil {
				return c.fail(err)
			}
			continue
		}

		e, err := top.blk.Entry(top.pos)
		if err != nil {
			return c.fail(err)
		}
		top.pos += c.step()

		if c.hasLast && !c.dir.Before(c.last, e.Key) {
			return c.fail(iterator.Corruptf("%s: key %q out of order after %q", c.r.path, e.Key, c.last))
		}
		c.last, c.hasLast = e.Key, true

		if c.kr.BeforeStart(e.Key, c.dir) {
			continue
		}
		if c.kr.PastEnd(e.Key, c.dir) {
			break
		}
		return e, nil
	}
	return c.fail(iterator.ErrDone)
}

// seek performs the initial descent toward the near bound of the range.
func (c *DiskCursor) seek() error {
	if c.height == 0 {
		return nil
	}
	near := c.kr.Lower
	if c.dir == iterator.Descending {
		near = c.kr.Upper
	}
	return c.descend(c.r.footer.Root, near.Key, near.IsSet())
}

// advance pops the exhausted top frame and moves its parent to the next child, descending
// into it when there is one.
func (c *DiskCursor) advance() error {
	c.stack = c.stack[:len(c.stack)-1]
	if len(c.stack) == 0 {
		return nil
	}
	parent := &c.stack[len(c.stack)-1]
	parent.pos += c.step()
	if parent.pos < 0 || parent.pos >= parent.blk.Len() {
		return nil
	}
	rec, err := parent.blk.Index(parent.pos)
	if err != nil {
		return err
	}
	return c.descend(rec.Handle, nil, false)
}

// descend pushes frames from h down to a leaf. With a seek key every level is positioned
// by one search over its separators; otherwise at the edge the scan enters from.
func (c *DiskCursor) descend(h block.Handle, key []byte, seek bool) error {
	for {
		depth := len(c.stack)
		if depth >= c.height {
			return iterator.Corruptf("%s: tree deeper than footer height %d", c.r.path, c.height)
		}
		blk, err := c.r.ReadBlock(h)
		if err != nil {
			return err
		}
		// subtrees may be shorter than the height, but never deeper
		leaf := blk.Kind() == block.KindLeaf
		switch {
		case !leaf && blk.Kind() != block.KindIndex:
			return iterator.Corruptf("%s: %s block in the tree at depth %d", c.r.path, blk.Kind(), depth)
		case !leaf && depth == c.height-1:
			return iterator.Corruptf("%s: index block at depth %d of %d, want leaf",
				c.r.path, depth, c.height)
		}
		if blk.Len() == 0 {
			return iterator.Corruptf("%s: empty %s block %s", c.r.path, blk.Kind(), h)
		}

		pos, err := c.position(blk, key, seek)
		if err != nil {
			return err
		}
		c.stack = append(c.stack, frame{blk: blk, pos: pos})
		if leaf || pos < 0 || pos >= blk.Len() {
			return nil
		}
		rec, err := blk.Index(pos)
		if err != nil {
			return err
		}
		h = rec.Handle
	}
}

func (c *DiskCursor) position(blk *block.Block, key []byte, seek bool) (int, error) {
	switch {
	case !seek && c.dir == iterator.Descending:
		return blk.Len() - 1, nil
	case !seek:
		return 0, nil
	case c.dir == iterator.Descending:
		return blk.SeekLE(key)
	default:
		return blk.SeekGE(key)
	}
}

func (c *DiskCursor) fail(err error) (*iterator.Entry, error) {
	c.err = err
	c.release()
	return nil, err
}

func (c *DiskCursor) release() {
	if c.done {
		return
	}
	c.done = true
	c.stack = nil
	c.r.Release()
}

// Close releases the table reference. Later calls to Next return ErrClosed.
func (c *DiskCursor) Close() error {
	c.release()
	if c.err == nil {
		c.err = iterator.ErrClosed
	}
	return nil
}
