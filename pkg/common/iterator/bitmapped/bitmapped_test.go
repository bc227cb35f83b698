package bitmapped

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/tierscan/pkg/bloom"
	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

func TestBitmapScanIsTransparent(t *testing.T) {
	var entries []*iterator.Entry
	for i := 0; i < 500; i++ {
		entries = append(entries, iterator.NewEntry([]byte(fmt.Sprintf("k%04d", i)), []byte("v"), uint64(i+1)))
	}

	scan := NewBitmapScan(iterator.NewSliceIterator(entries, iterator.Ascending), bloom.New(len(entries), 0.01))

	_, ok := scan.Bitmap()
	assert.False(t, ok, "bitmap must not be ready before the scan ends")

	out, err := iterator.Collect(scan)
	require.NoError(t, err)
	require.Len(t, out, len(entries))
	for i := range out {
		assert.Same(t, entries[i], out[i])
	}

	m, ok := scan.Bitmap()
	require.True(t, ok)
	assert.Equal(t, 500, scan.Count())
	for _, e := range entries {
		assert.True(t, m.MayContain(e.Key), "missing %s", e.Key)
	}
}

type failingIterator struct{ n int }

func (f *failingIterator) Next() (*iterator.Entry, error) {
	if f.n == 0 {
		return nil, errors.New("broken")
	}
	f.n--
	return iterator.NewEntry([]byte("x"), nil, 1), nil
}

func (f *failingIterator) Close() error { return nil }

func TestBitmapScanIncompleteOnError(t *testing.T) {
	scan := NewBitmapScan(&failingIterator{n: 1}, bloom.New(10, 0.01))
	_, err := iterator.Collect(scan)
	require.Error(t, err)

	_, ok := scan.Bitmap()
	assert.False(t, ok)
	assert.Equal(t, 1, scan.Count())
}
