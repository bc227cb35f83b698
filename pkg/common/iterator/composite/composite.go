// Package composite merges several ordered sources into one ordered view.
package composite

import (
	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// CompositeIterator is an interface for iterators that combine multiple source iterators
// into a single logical view.
type CompositeIterator interface {
	// Embeds the basic Iterator interface
	iterator.Iterator

	// NumSources returns the number of source iterators
	NumSources() int

	// Sources returns the underlying source iterators in priority order
	Sources() []iterator.Iterator
}

var (
	_ CompositeIterator     = (*MergeIterator)(nil)
	_ iterator.CommitSource = (*ChainFilterScan)(nil)
)
