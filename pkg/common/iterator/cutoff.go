package iterator

import "fmt"

// CutoffKind selects how Purge trims history.
type CutoffKind uint8

const (
	// CutoffNone keeps everything
	CutoffNone CutoffKind = iota
	// CutoffMono keeps only the latest version and drops deleted entries entirely
	CutoffMono
	// CutoffTombstone drops entries whose latest version is a tombstone at or below Seqno
	CutoffTombstone
	// CutoffLsm drops every version at or below Seqno
	CutoffLsm
)

// Cutoff describes which history may be discarded while writing a new snapshot.
type Cutoff struct {
	Kind  CutoffKind
	Seqno uint64
}

// MonoCutoff keeps a single non-deleted version per key.
func MonoCutoff() Cutoff { return Cutoff{Kind: CutoffMono} }

// TombstoneCutoff purges tombstones committed at or before seqno.
func TombstoneCutoff(seqno uint64) Cutoff { return Cutoff{Kind: CutoffTombstone, Seqno: seqno} }

// LsmCutoff purges all versions committed at or before seqno.
func LsmCutoff(seqno uint64) Cutoff { return Cutoff{Kind: CutoffLsm, Seqno: seqno} }

func (c Cutoff) String() string {
	switch c.Kind {
	case CutoffMono:
		return "mono"
	case CutoffTombstone:
		return fmt.Sprintf("tombstone(%d)", c.Seqno)
	case CutoffLsm:
		return fmt.Sprintf("lsm(%d)", c.Seqno)
	default:
		return "none"
	}
}

// Purge returns e with history removed according to c, or nil when nothing survives.
func (e *Entry) Purge(c Cutoff) *Entry {
	switch c.Kind {
	case CutoffMono:
		if e.IsDeleted() {
			return nil
		}
		if len(e.Versions) == 1 {
			return e
		}
		return e.WithVersions(e.Versions[:1])
	case CutoffTombstone:
		if e.IsDeleted() && e.Seqno() <= c.Seqno {
			return nil
		}
		return e
	case CutoffLsm:
		n := len(e.Versions)
		for n > 0 && e.Versions[n-1].Seqno <= c.Seqno {
			n--
		}
		switch n {
		case 0:
			return nil
		case len(e.Versions):
			return e
		}
		return e.WithVersions(e.Versions[:n])
	default:
		return e
	}
}
