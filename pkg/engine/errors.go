package engine

import "errors"

var (
	// ErrEngineClosed is returned when operations are performed on closed tiers
	ErrEngineClosed = errors.New("engine is closed")
	// ErrNotReversible is returned by Reverse when a source cannot scan backwards
	ErrNotReversible = errors.New("source does not support reverse scans")
	// ErrTiersChanged is returned when the tiers a compaction read were replaced meanwhile
	ErrTiersChanged = errors.New("tiers changed during compaction")
)
