package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/zhangyunhao116/skipmap"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
)

// SkipTable is a lock-free ingest index. Readers never block writers and writers never
// block readers; concurrent writes to the same key are serialized by a small stripe lock
// so version chains stay ordered.
//
// Scans are weakly consistent: a key written during a scan may or may not be seen. A scan
// materializes its matches before yielding them.
type SkipTable struct {
	m       *skipmap.FuncMap[[]byte, *iterator.Entry]
	seqno   atomic.Uint64
	stripes [64]sync.Mutex
}

// NewSkipTable creates an empty lock-free table.
func NewSkipTable() *SkipTable {
	return &SkipTable{
		m: skipmap.NewFunc[[]byte, *iterator.Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (s *SkipTable) stripe(key []byte) *sync.Mutex {
	return &s.stripes[xxhash.Sum64(key)%uint64(len(s.stripes))]
}

// Put writes value under key and returns the assigned seqno.
func (s *SkipTable) Put(key, value []byte) uint64 {
	return s.write(key, value, false)
}

// Delete writes a tombstone for key and returns the assigned seqno.
func (s *SkipTable) Delete(key []byte) uint64 {
	return s.write(key, nil, true)
}

func (s *SkipTable) write(key, value []byte, deleted bool) uint64 {
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	// taken under the stripe so a key's versions are assigned increasing seqnos
	seq := s.seqno.Add(1)
	v := iterator.Version{Seqno: seq, Deleted: deleted}
	if value != nil {
		v.Value = append([]byte(nil), value...)
	}
	if cur, ok := s.m.Load(key); ok {
		s.m.Store(cur.Key, cur.Prepend(v))
	} else {
		k := append([]byte(nil), key...)
		s.m.Store(k, &iterator.Entry{Key: k, Versions: []iterator.Version{v}})
	}
	return seq
}

// Get returns the entry stored under key.
func (s *SkipTable) Get(key []byte) (*iterator.Entry, bool) {
	return s.m.Load(key)
}

// Len returns the number of keys.
func (s *SkipTable) Len() int { return s.m.Len() }

// Seqno returns the highest seqno assigned.
func (s *SkipTable) Seqno() uint64 { return s.seqno.Load() }

func (s *SkipTable) match(kr iterator.KeyRange) []*iterator.Entry {
	var out []*iterator.Entry
	s.m.Range(func(key []byte, e *iterator.Entry) bool {
		if !kr.AboveLower(key) {
			return true
		}
		if !kr.BelowUpper(key) {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// CommitScan implements iterator.CommitSource.
func (s *SkipTable) CommitScan(w iterator.CommitWindow) (iterator.Iterator, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	var out []*iterator.Entry
	for _, e := range s.match(w.Keys) {
		if pruned := e.FilterWithin(w.Seqnos); pruned != nil {
			out = append(out, pruned)
		}
	}
	return iterator.NewSliceIterator(out, iterator.Ascending), nil
}

// Reverse implements iterator.Reversible.
func (s *SkipTable) Reverse(kr iterator.KeyRange) (iterator.Iterator, error) {
	if err := kr.Validate(); err != nil {
		return nil, err
	}
	return iterator.NewSliceIterator(s.match(kr), iterator.Descending), nil
}

var (
	_ iterator.CommitSource = (*SkipTable)(nil)
	_ iterator.Reversible   = (*SkipTable)(nil)
)
