package memtable

import (
	"bytes"

	"github.com/google/btree"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// treeCursor remembers where a scan over a btree stopped, so the next fetch can seek
// strictly past the last key it handed out.
type treeCursor struct {
	kr        iterator.KeyRange
	dir       iterator.Direction
	last      []byte
	started   bool
	exhausted bool
}

// collect appends entries following the cursor position to buf until stop reports true
// for the number of entries appended, the range ends, or the tree ends. The caller must
// keep the tree stable for the duration of the call.
func (c *treeCursor) collect(tree *btree.BTreeG[*iterator.Entry], buf []*iterator.Entry, stop func(n int) bool) []*iterator.Entry {
	if c.exhausted {
		return buf
	}
	stopped := false
	n := 0
	visit := func(e *iterator.Entry) bool {
		if c.started && bytes.Equal(e.Key, c.last) {
			return true
		}
		if c.kr.BeforeStart(e.Key, c.dir) {
			return true
		}
		if c.kr.PastEnd(e.Key, c.dir) {
			c.exhausted = true
			return false
		}
		buf = append(buf, e)
		c.last = e.Key
		c.started = true
		n++
		if stop(n) {
			stopped = true
			return false
		}
		return true
	}

	if c.dir == iterator.Descending {
		switch {
		case c.started:
			tree.DescendLessOrEqual(pivot(c.last), visit)
		case c.kr.Upper.IsSet():
			tree.DescendLessOrEqual(pivot(c.kr.Upper.Key), visit)
		default:
			tree.Descend(visit)
		}
	} else {
		switch {
		case c.started:
			tree.AscendGreaterOrEqual(pivot(c.last), visit)
		case c.kr.Lower.IsSet():
			tree.AscendGreaterOrEqual(pivot(c.kr.Lower.Key), visit)
		default:
			tree.Ascend(visit)
		}
	}
	if !stopped {
		c.exhausted = true
	}
	return buf
}

// TreeIter yields the entries of a btree range in batches. The tree must stay unmodified
// while the iterator is open: either a read lock is held or the tree is a frozen clone.
type TreeIter struct {
	tree     *btree.BTreeG[*iterator.Entry]
	cur      treeCursor
	batch    int
	buf      []*iterator.Entry
	pos      int
	served   int
	err      error
	finished bool
	onFinish func(served int)
}

func newTreeIter(tree *btree.BTreeG[*iterator.Entry], kr iterator.KeyRange, dir iterator.Direction, batch int) *TreeIter {
	return &TreeIter{
		tree:  tree,
		cur:   treeCursor{kr: kr, dir: dir},
		batch: batch,
		buf:   make([]*iterator.Entry, 0, batch),
	}
}

// Next returns the next entry. Reaching the end releases whatever the iterator holds.
func (it *TreeIter) Next() (*iterator.Entry, error) {
	if it.err != nil {
		return nil, it.err
	}
	for it.pos >= len(it.buf) {
		if it.cur.exhausted {
			it.finish()
			it.err = iterator.ErrDone
			return nil, it.err
		}
		it.buf = it.cur.collect(it.tree, it.buf[:0], func(n int) bool { return n >= it.batch })
		it.pos = 0
	}
	e := it.buf[it.pos]
	it.pos++
	it.served++
	return e, nil
}

// Close releases the lock or snapshot reference. Later calls to Next return ErrClosed.
func (it *TreeIter) Close() error {
	it.finish()
	if it.err == nil {
		it.err = iterator.ErrClosed
	}
	return nil
}

func (it *TreeIter) finish() {
	if it.finished {
		return
	}
	it.finished = true
	it.buf = nil
	it.tree = nil
	if it.onFinish != nil {
		it.onFinish(it.served)
	}
}
