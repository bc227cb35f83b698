// Package iterator defines the entry model and the pull-based scan capability shared by
// every index tier: mutable trees, immutable block files and their compositions.
package iterator

import "errors"

// Iterator yields entries in key order.
//
// Next returns the next entry, ErrDone once the sequence is exhausted, or the error that
// terminated it. Errors are sticky: every later call returns the same error. Entries are
// read-only; transformations produce new entries.
//
// Close releases any lock, guard or snapshot reference held by the iterator. It is safe to
// call more than once and after exhaustion.
type Iterator interface {
	Next() (*Entry, error)
	Close() error
}

// Direction selects the key order of a scan.
type Direction int

const (
	// Ascending yields keys from smallest to largest
	Ascending Direction = iota
	// Descending yields keys from largest to smallest
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// Before reports whether key a comes strictly before key b in direction d.
func (d Direction) Before(a, b []byte) bool {
	if d == Descending {
		return compareKeys(a, b) > 0
	}
	return compareKeys(a, b) < 0
}

// SliceIterator walks a pre-built slice of entries.
type SliceIterator struct {
	entries []*Entry
	pos     int
	dir     Direction
	closed  bool
}

// NewSliceIterator yields entries in slice order when dir is Ascending and in reverse slice
// order when dir is Descending. The slice must already be sorted ascending by key.
func NewSliceIterator(entries []*Entry, dir Direction) *SliceIterator {
	it := &SliceIterator{entries: entries, dir: dir}
	if dir == Descending {
		it.pos = len(entries) - 1
	}
	return it
}

// Next implements Iterator.
func (it *SliceIterator) Next() (*Entry, error) {
	if it.closed {
		return nil, ErrClosed
	}
	if it.pos < 0 || it.pos >= len(it.entries) {
		return nil, ErrDone
	}
	e := it.entries[it.pos]
	if it.dir == Descending {
		it.pos--
	} else {
		it.pos++
	}
	return e, nil
}

// Close implements Iterator.
func (it *SliceIterator) Close() error {
	it.closed = true
	it.entries = nil
	return nil
}

// Empty returns an iterator that is already exhausted.
func Empty() Iterator {
	return NewSliceIterator(nil, Ascending)
}

type failed struct{ err error }

// Failed returns an iterator whose first Next reports err.
func Failed(err error) Iterator { return failed{err: err} }

func (f failed) Next() (*Entry, error) { return nil, f.err }
func (f failed) Close() error          { return nil }

// Collect drains it and closes it. The entries read before an error are returned with it.
func Collect(it Iterator) ([]*Entry, error) {
	defer it.Close()
	var out []*Entry
	for {
		e, err := it.Next()
		if errors.Is(err, ErrDone) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

// Keys drains it and returns only the keys, as strings.
func Keys(it Iterator) ([]string, error) {
	entries, err := Collect(it)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = string(e.Key)
	}
	return keys, err
}
