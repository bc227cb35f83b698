package iterator

import "bytes"

// Version is one committed state of a key.
type Version struct {
	Seqno   uint64
	Value   []byte
	Deleted bool
}

// Entry is a key with its version chain, newest first. Seqnos are strictly decreasing.
type Entry struct {
	Key      []byte
	Versions []Version
}

// NewEntry builds a single-version entry.
func NewEntry(key, value []byte, seqno uint64) *Entry {
	return &Entry{Key: key, Versions: []Version{{Seqno: seqno, Value: value}}}
}

// NewTombstone builds a single-version deletion marker.
func NewTombstone(key []byte, seqno uint64) *Entry {
	return &Entry{Key: key, Versions: []Version{{Seqno: seqno, Deleted: true}}}
}

func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }

// Latest returns the newest version.
func (e *Entry) Latest() Version {
	return e.Versions[0]
}

// Seqno returns the seqno of the newest version.
func (e *Entry) Seqno() uint64 {
	if len(e.Versions) == 0 {
		return 0
	}
	return e.Versions[0].Seqno
}

// IsDeleted reports whether the newest version is a tombstone.
func (e *Entry) IsDeleted() bool {
	return len(e.Versions) > 0 && e.Versions[0].Deleted
}

// Validate checks that the entry has at least one version and a strictly decreasing chain.
func (e *Entry) Validate() error {
	if len(e.Versions) == 0 {
		return Corruptf("key %q has no versions", e.Key)
	}
	for i := 1; i < len(e.Versions); i++ {
		if e.Versions[i].Seqno >= e.Versions[i-1].Seqno {
			return Corruptf("key %q: version %d seqno %d not below %d",
				e.Key, i, e.Versions[i].Seqno, e.Versions[i-1].Seqno)
		}
	}
	return nil
}

// Clone returns a copy whose version slice may be modified freely. Keys and values are shared.
func (e *Entry) Clone() *Entry {
	versions := make([]Version, len(e.Versions))
	copy(versions, e.Versions)
	return &Entry{Key: e.Key, Versions: versions}
}

// WithVersions returns an entry with the same key and the given chain.
func (e *Entry) WithVersions(versions []Version) *Entry {
	return &Entry{Key: e.Key, Versions: versions}
}

// Prepend returns a new entry with v placed in front of the chain. v must be newer than the
// current head.
func (e *Entry) Prepend(v Version) *Entry {
	versions := make([]Version, 0, len(e.Versions)+1)
	versions = append(versions, v)
	versions = append(versions, e.Versions...)
	return &Entry{Key: e.Key, Versions: versions}
}

// MergeVersions returns the union of both chains ordered by seqno, newest first. When both
// carry the same seqno the receiver's version is kept.
func (e *Entry) MergeVersions(other *Entry) *Entry {
	out := make([]Version, 0, len(e.Versions)+len(other.Versions))
	i, j := 0, 0
	for i < len(e.Versions) && j < len(other.Versions) {
		a, b := e.Versions[i], other.Versions[j]
		switch {
		case a.Seqno > b.Seqno:
			out = append(out, a)
			i++
		case a.Seqno < b.Seqno:
			out = append(out, b)
			j++
		default:
			out = append(out, a)
			i++
			j++
		}
	}
	out = append(out, e.Versions[i:]...)
	out = append(out, other.Versions[j:]...)
	return &Entry{Key: e.Key, Versions: out}
}

// FilterWithin keeps only the versions whose seqno lies inside r. It returns nil when no
// version remains.
func (e *Entry) FilterWithin(r SeqRange) *Entry {
	if r.IsFull() {
		return e
	}
	first, last := -1, -1
	for i, v := range e.Versions {
		if r.Contains(v.Seqno) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}
	if first == 0 && last == len(e.Versions)-1 {
		return e
	}
	return &Entry{Key: e.Key, Versions: e.Versions[first : last+1]}
}

// Iter returns a lazy newest-to-oldest walk of the version chain.
func (e *Entry) Iter() *VersionIter {
	return &VersionIter{entry: e}
}

// VersionIter walks an entry's versions from newest to oldest.
type VersionIter struct {
	entry *Entry
	pos   int
	err   error
}

// Next returns the next older version. It returns ErrDone after the oldest version and
// ErrCorruption if the chain is not strictly decreasing.
func (vi *VersionIter) Next() (Version, error) {
	if vi.err != nil {
		return Version{}, vi.err
	}
	vs := vi.entry.Versions
	if vi.pos >= len(vs) {
		return Version{}, ErrDone
	}
	if vi.pos > 0 && vs[vi.pos].Seqno >= vs[vi.pos-1].Seqno {
		vi.err = Corruptf("key %q: version %d seqno %d not below %d",
			vi.entry.Key, vi.pos, vs[vi.pos].Seqno, vs[vi.pos-1].Seqno)
		return Version{}, vi.err
	}
	v := vs[vi.pos]
	vi.pos++
	return v, nil
}
