package iterator

import "fmt"

// BoundKind says whether a bound is absent, inclusive or exclusive.
type BoundKind uint8

const (
	// Unbounded places no limit on that side of a range
	Unbounded BoundKind = iota
	// Included limits the range and includes the bound itself
	Included
	// Excluded limits the range and excludes the bound itself
	Excluded
)

// Bound is one end of a key range.
type Bound struct {
	Kind BoundKind
	Key  []byte
}

// Incl returns an inclusive key bound.
func Incl(key []byte) Bound { return Bound{Kind: Included, Key: key} }

// Excl returns an exclusive key bound.
func Excl(key []byte) Bound { return Bound{Kind: Excluded, Key: key} }

// IsSet reports whether the bound limits the range.
func (b Bound) IsSet() bool { return b.Kind != Unbounded }

func (b Bound) String() string {
	switch b.Kind {
	case Included:
		return fmt.Sprintf("[%q", b.Key)
	case Excluded:
		return fmt.Sprintf("(%q", b.Key)
	default:
		return "*"
	}
}

// KeyRange is an interval of keys. The zero value covers every key.
type KeyRange struct {
	Lower Bound
	Upper Bound
}

// FullRange covers every key.
func FullRange() KeyRange { return KeyRange{} }

// HalfOpen returns [lower, upper). A nil key leaves that side unbounded.
func HalfOpen(lower, upper []byte) KeyRange {
	var kr KeyRange
	if lower != nil {
		kr.Lower = Incl(lower)
	}
	if upper != nil {
		kr.Upper = Excl(upper)
	}
	return kr
}

// Validate fails with ErrInvalidRange when the lower key is above the upper key.
// Equal keys with an exclusive side form an empty range, not an error.
func (kr KeyRange) Validate() error {
	if kr.Lower.IsSet() && kr.Upper.IsSet() && compareKeys(kr.Lower.Key, kr.Upper.Key) > 0 {
		return fmt.Errorf("%w: lower %s above upper %s", ErrInvalidRange, kr.Lower, kr.Upper)
	}
	return nil
}

// AboveLower reports whether key is not below the lower bound.
func (kr KeyRange) AboveLower(key []byte) bool {
	switch kr.Lower.Kind {
	case Included:
		return compareKeys(key, kr.Lower.Key) >= 0
	case Excluded:
		return compareKeys(key, kr.Lower.Key) > 0
	}
	return true
}

// BelowUpper reports whether key is not above the upper bound.
func (kr KeyRange) BelowUpper(key []byte) bool {
	switch kr.Upper.Kind {
	case Included:
		return compareKeys(key, kr.Upper.Key) <= 0
	case Excluded:
		return compareKeys(key, kr.Upper.Key) < 0
	}
	return true
}

// Contains reports whether key lies within the range.
func (kr KeyRange) Contains(key []byte) bool {
	return kr.AboveLower(key) && kr.BelowUpper(key)
}

// PastEnd reports whether key lies beyond the far end of the range for a scan in dir.
func (kr KeyRange) PastEnd(key []byte, dir Direction) bool {
	if dir == Descending {
		return !kr.AboveLower(key)
	}
	return !kr.BelowUpper(key)
}

// BeforeStart reports whether key has not yet reached the near end of the range for a scan
// in dir.
func (kr KeyRange) BeforeStart(key []byte, dir Direction) bool {
	if dir == Descending {
		return !kr.BelowUpper(key)
	}
	return !kr.AboveLower(key)
}

func (kr KeyRange) String() string {
	lo, hi := "*", "*"
	switch kr.Lower.Kind {
	case Included:
		lo = fmt.Sprintf("[%q", kr.Lower.Key)
	case Excluded:
		lo = fmt.Sprintf("(%q", kr.Lower.Key)
	}
	switch kr.Upper.Kind {
	case Included:
		hi = fmt.Sprintf("%q]", kr.Upper.Key)
	case Excluded:
		hi = fmt.Sprintf("%q)", kr.Upper.Key)
	}
	return lo + ", " + hi
}

// SeqRange is an interval of seqnos with the same bound semantics as KeyRange.
type SeqRange struct {
	LowerKind BoundKind
	Lower     uint64
	UpperKind BoundKind
	Upper     uint64
}

// AllSeqnos covers every seqno.
func AllSeqnos() SeqRange { return SeqRange{} }

// SeqAfter covers seqnos strictly greater than s.
func SeqAfter(s uint64) SeqRange { return SeqRange{LowerKind: Excluded, Lower: s} }

// SeqBetween covers seqnos in [lo, hi].
func SeqBetween(lo, hi uint64) SeqRange {
	return SeqRange{LowerKind: Included, Lower: lo, UpperKind: Included, Upper: hi}
}

// IsFull reports whether the range places no restriction.
func (r SeqRange) IsFull() bool {
	return r.LowerKind == Unbounded && r.UpperKind == Unbounded
}

// Contains reports whether seqno lies within the range.
func (r SeqRange) Contains(seqno uint64) bool {
	switch r.LowerKind {
	case Included:
		if seqno < r.Lower {
			return false
		}
	case Excluded:
		if seqno <= r.Lower {
			return false
		}
	}
	switch r.UpperKind {
	case Included:
		if seqno > r.Upper {
			return false
		}
	case Excluded:
		if seqno >= r.Upper {
			return false
		}
	}
	return true
}

// Intersect returns the seqnos contained in both ranges.
func (r SeqRange) Intersect(o SeqRange) SeqRange {
	out := r
	if o.LowerKind != Unbounded {
		switch {
		case out.LowerKind == Unbounded, o.Lower > out.Lower:
			out.LowerKind, out.Lower = o.LowerKind, o.Lower
		case o.Lower == out.Lower && o.LowerKind == Excluded:
			out.LowerKind = Excluded
		}
	}
	if o.UpperKind != Unbounded {
		switch {
		case out.UpperKind == Unbounded, o.Upper < out.Upper:
			out.UpperKind, out.Upper = o.UpperKind, o.Upper
		case o.Upper == out.Upper && o.UpperKind == Excluded:
			out.UpperKind = Excluded
		}
	}
	return out
}

// CommitWindow selects the entries a commit scan yields: keys inside Keys, with version
// chains pruned to the versions inside Seqnos. The zero value selects everything.
type CommitWindow struct {
	Keys   KeyRange
	Seqnos SeqRange
}

// FullWindow selects every key and every version.
func FullWindow() CommitWindow { return CommitWindow{} }

// Validate checks the key range of the window.
func (w CommitWindow) Validate() error {
	return w.Keys.Validate()
}

// Apply returns e pruned to the window, or nil when nothing of e falls inside it.
func (w CommitWindow) Apply(e *Entry) *Entry {
	if !w.Keys.Contains(e.Key) {
		return nil
	}
	return e.FilterWithin(w.Seqnos)
}
