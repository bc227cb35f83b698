package composite

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// scriptedIterator yields entries and then an optional error instead of ErrDone
type scriptedIterator struct {
	entries []*iterator.Entry
	pos     int
	failErr error
	closed  bool
}

func (s *scriptedIterator) Next() (*iterator.Entry, error) {
	if s.pos < len(s.entries) {
		e := s.entries[s.pos]
		s.pos++
		return e, nil
	}
	if s.failErr != nil {
		return nil, s.failErr
	}
	return nil, iterator.ErrDone
}

func (s *scriptedIterator) Close() error {
	s.closed = true
	return nil
}

func ver(key string, seqnos ...uint64) *iterator.Entry {
	e := &iterator.Entry{Key: []byte(key)}
	for _, s := range seqnos {
		e.Versions = append(e.Versions, iterator.Version{Seqno: s, Value: []byte(fmt.Sprintf("%s@%d", key, s))})
	}
	return e
}

func asc(entries ...*iterator.Entry) iterator.Iterator {
	return iterator.NewSliceIterator(entries, iterator.Ascending)
}

func seqnos(e *iterator.Entry) []uint64 {
	out := make([]uint64, len(e.Versions))
	for i, v := range e.Versions {
		out[i] = v.Seqno
	}
	return out
}

func TestMergeIteratorVersionPreserving(t *testing.T) {
	newer := asc(ver("k", 9, 4))
	older := asc(ver("k", 7, 4, 2))

	out, err := iterator.Collect(NewMergeIterator([]iterator.Iterator{newer, older}, iterator.Ascending, VersionPreserving))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []uint64{9, 7, 4, 2}, seqnos(out[0]))
	assert.Equal(t, "k@4", string(out[0].Versions[2].Value))
}

func TestMergeIteratorSingleShadows(t *testing.T) {
	newer := asc(ver("a", 10), ver("c", 12))
	older := asc(ver("a", 3), ver("b", 4), ver("c", 5), ver("d", 6))

	m := NewMergeIterator([]iterator.Iterator{newer, older}, iterator.Ascending, Single)
	out, err := iterator.Collect(m)
	require.NoError(t, err)

	var got []string
	for _, e := range out {
		got = append(got, fmt.Sprintf("%s%v", e.Key, seqnos(e)))
	}
	assert.Equal(t, []string{"a[10]", "b[4]", "c[12]", "d[6]"}, got)
	assert.Equal(t, MergeStats{Emitted: 4, Shadowed: 2}, m.Stats())
}

func TestMergeIteratorDescending(t *testing.T) {
	a := iterator.NewSliceIterator([]*iterator.Entry{ver("a", 1), ver("c", 3), ver("e", 5)}, iterator.Descending)
	b := iterator.NewSliceIterator([]*iterator.Entry{ver("b", 2), ver("c", 9), ver("d", 4)}, iterator.Descending)

	out, err := iterator.Collect(NewMergeIterator([]iterator.Iterator{a, b}, iterator.Descending, Single))
	require.NoError(t, err)

	var keys []string
	for _, e := range out {
		keys = append(keys, string(e.Key))
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, keys)
	// source 0 wins on c
	assert.Equal(t, uint64(3), out[2].Seqno())
}

func TestMergeIteratorSourceError(t *testing.T) {
	cause := errors.New("read failed")
	failing := &scriptedIterator{entries: []*iterator.Entry{ver("b", 2)}, failErr: cause}
	healthy := &scriptedIterator{entries: []*iterator.Entry{ver("a", 1), ver("b", 1), ver("c", 1)}}

	m := NewMergeIterator([]iterator.Iterator{failing, healthy}, iterator.Ascending, Single)

	e, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(e.Key))

	e, err = m.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", string(e.Key))
	assert.Equal(t, uint64(2), e.Seqno())

	_, err = m.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, iterator.ErrSource))
	assert.True(t, errors.Is(err, cause))

	_, again := m.Next()
	assert.Equal(t, err, again)

	require.NoError(t, m.Close())
	assert.True(t, failing.closed)
	assert.True(t, healthy.closed)
}

func TestMergeIteratorDetectsDisorder(t *testing.T) {
	bad := &scriptedIterator{entries: []*iterator.Entry{ver("b", 1), ver("a", 1)}}
	m := NewMergeIterator([]iterator.Iterator{bad}, iterator.Ascending, Single)

	_, err := m.Next()
	require.NoError(t, err)
	_, err = m.Next()
	assert.True(t, errors.Is(err, iterator.ErrCorruption))

	// the empty key is a real key, so repeating it is disorder too
	empty := &scriptedIterator{entries: []*iterator.Entry{ver("", 2), ver("", 1)}}
	m = NewMergeIterator([]iterator.Iterator{empty}, iterator.Ascending, Single)
	err = nil
	for i := 0; i < 3 && err == nil; i++ {
		_, err = m.Next()
	}
	assert.True(t, errors.Is(err, iterator.ErrCorruption))
}

func TestMergeIteratorEmptySources(t *testing.T) {
	m := NewMergeIterator([]iterator.Iterator{iterator.Empty(), iterator.Empty()}, iterator.Ascending, Single)
	_, err := m.Next()
	assert.True(t, errors.Is(err, iterator.ErrDone))
	assert.Equal(t, 2, m.NumSources())

	none := NewMergeIterator(nil, iterator.Ascending, VersionPreserving)
	_, err = none.Next()
	assert.True(t, errors.Is(err, iterator.ErrDone))
}

// TestMergeIteratorMatchesReference checks ordering and shadowing against a map model.
func TestMergeIteratorMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const tiers = 4

	reference := map[string]uint64{}
	iters := make([]iterator.Iterator, tiers)
	for tier := 0; tier < tiers; tier++ {
		keys := map[string]bool{}
		for i := 0; i < 200; i++ {
			keys[fmt.Sprintf("key%03d", rng.Intn(300))] = true
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)

		// tier 0 is the newest, so it carries the largest seqnos
		seq := uint64((tiers - tier) * 1000)
		var entries []*iterator.Entry
		for _, k := range sorted {
			entries = append(entries, ver(k, seq))
			if _, ok := reference[k]; !ok {
				reference[k] = seq
			}
		}
		iters[tier] = asc(entries...)
	}

	out, err := iterator.Collect(NewMergeIterator(iters, iterator.Ascending, Single))
	require.NoError(t, err)
	require.Len(t, out, len(reference))
	for i, e := range out {
		if i > 0 {
			require.True(t, string(out[i-1].Key) < string(e.Key))
		}
		assert.Equal(t, reference[string(e.Key)], e.Seqno(), "key %s", e.Key)
	}
}
