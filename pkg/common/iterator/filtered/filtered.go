// Package filtered provides iterators that drop or trim entries based on different criteria
package filtered

import (
	"bytes"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// KeyFilterFunc is a function type for filtering keys
type KeyFilterFunc func(key []byte) bool

// FilteredIterator wraps an iterator and applies a key filter
type FilteredIterator struct {
	iter      iterator.Iterator
	keyFilter KeyFilterFunc
}

// NewFilteredIterator creates a new iterator with a key filter
func NewFilteredIterator(iter iterator.Iterator, filter KeyFilterFunc) *FilteredIterator {
	return &FilteredIterator{
		iter:      iter,
		keyFilter: filter,
	}
}

// Next returns the next entry whose key passes the filter
func (fi *FilteredIterator) Next() (*iterator.Entry, error) {
	for {
		e, err := fi.iter.Next()
		if err != nil {
			return nil, err
		}
		if fi.keyFilter(e.Key) {
			return e, nil
		}
	}
}

// Close closes the wrapped iterator
func (fi *FilteredIterator) Close() error {
	return fi.iter.Close()
}

// PrefixFilterFunc creates a filter function for keys with a specific prefix
func PrefixFilterFunc(prefix []byte) KeyFilterFunc {
	return func(key []byte) bool {
		return bytes.HasPrefix(key, prefix)
	}
}

// SuffixFilterFunc creates a filter function for keys with a specific suffix
func SuffixFilterFunc(suffix []byte) KeyFilterFunc {
	return func(key []byte) bool {
		return bytes.HasSuffix(key, suffix)
	}
}

// NewPrefixIterator creates an iterator that only returns keys with the given prefix
func NewPrefixIterator(iter iterator.Iterator, prefix []byte) *FilteredIterator {
	return NewFilteredIterator(iter, PrefixFilterFunc(prefix))
}

// NewSuffixIterator creates an iterator that only returns keys with the given suffix
func NewSuffixIterator(iter iterator.Iterator, suffix []byte) *FilteredIterator {
	return NewFilteredIterator(iter, SuffixFilterFunc(suffix))
}

// PrefixRange returns the smallest key range holding every key that starts with prefix.
func PrefixRange(prefix []byte) iterator.KeyRange {
	kr := iterator.KeyRange{Lower: iterator.Incl(prefix)}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			kr.Upper = iterator.Excl(end[:i+1])
			return kr
		}
	}
	return kr
}
