// Package bitmapped builds a key membership structure as a side effect of a scan.
package bitmapped

import (
	"errors"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// Membership is a write-once set of keys that answers probabilistic lookups.
type Membership interface {
	Add(key []byte)
	MayContain(key []byte) bool
}

// BitmapScan passes entries through unchanged and adds every key to a Membership.
type BitmapScan struct {
	iter     iterator.Iterator
	bitmap   Membership
	count    int
	complete bool
}

// NewBitmapScan wraps iter so that every yielded key is added to bitmap.
func NewBitmapScan(iter iterator.Iterator, bitmap Membership) *BitmapScan {
	return &BitmapScan{iter: iter, bitmap: bitmap}
}

// Next returns the next entry of the wrapped iterator.
func (b *BitmapScan) Next() (*iterator.Entry, error) {
	e, err := b.iter.Next()
	if err != nil {
		if errors.Is(err, iterator.ErrDone) {
			b.complete = true
		}
		return nil, err
	}
	b.bitmap.Add(e.Key)
	b.count++
	return e, nil
}

// Close closes the wrapped iterator.
func (b *BitmapScan) Close() error {
	return b.iter.Close()
}

// Bitmap returns the membership structure. ok is false until the scan has been drained to
// its end; a partially built structure would report false negatives.
func (b *BitmapScan) Bitmap() (m Membership, ok bool) {
	return b.bitmap, b.complete
}

// Count returns the number of keys added so far.
func (b *BitmapScan) Count() int { return b.count }
