package composite

import (
	"fmt"
	"sync"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// ChainFilterScan stacks commit sources. A source pushed later overrides earlier ones on key
// collision, and every scan is additionally restricted to a seqno range.
type ChainFilterScan struct {
	mu      sync.RWMutex
	sources []iterator.CommitSource
	seqnos  iterator.SeqRange
}

// NewChainFilterScan creates a chain with the given seqno filter. Sources are listed from
// the bottom of the stack (lowest priority) to the top.
func NewChainFilterScan(seqnos iterator.SeqRange, sources ...iterator.CommitSource) *ChainFilterScan {
	c := &ChainFilterScan{seqnos: seqnos}
	c.sources = append(c.sources, sources...)
	return c
}

// Push places src on top of the stack.
func (c *ChainFilterScan) Push(src iterator.CommitSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

// Len returns the number of stacked sources.
func (c *ChainFilterScan) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

// CommitScan opens every source over the window intersected with the chain's seqno filter
// and merges them, top of the stack first.
func (c *ChainFilterScan) CommitScan(w iterator.CommitWindow) (iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	sources := make([]iterator.CommitSource, len(c.sources))
	copy(sources, c.sources)
	c.mu.RUnlock()

	w.Seqnos = w.Seqnos.Intersect(c.seqnos)

	iters := make([]iterator.Iterator, 0, len(sources))
	for i := len(sources) - 1; i >= 0; i-- {
		it, err := sources[i].CommitScan(w)
		if err != nil {
			iterator.CloseAll(iters)
			return nil, fmt.Errorf("chain source %d: %w", i, iterator.SourceError(i, err))
		}
		iters = append(iters, it)
	}
	return NewMergeIterator(iters, iterator.Ascending, Single), nil
}
