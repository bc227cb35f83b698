package iterator

import (
	"errors"
	"fmt"
)

var (
	// ErrDone is returned by Next when a scan is exhausted. It is not a failure.
	ErrDone = errors.New("iterator: no more entries")

	// ErrInvalidRange is returned when a key range has its lower bound above its upper bound.
	ErrInvalidRange = errors.New("invalid range")

	// ErrCorruption marks structural damage: a malformed block, a bad checksum, a version
	// chain out of order, or a source yielding keys out of order.
	ErrCorruption = errors.New("corruption")

	// ErrLockTimeout is returned when a read guard cannot be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrSource wraps a failure reported by an underlying source.
	ErrSource = errors.New("source error")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("iterator closed")
)

// Corruptf returns an error matching ErrCorruption with a formatted detail.
func Corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// SourceError wraps err so that it matches ErrSource while keeping the original cause
// reachable through errors.Is. Done, nil and already wrapped errors pass through.
func SourceError(index int, err error) error {
	if err == nil || errors.Is(err, ErrDone) || errors.Is(err, ErrSource) {
		return err
	}
	return &sourceErr{index: index, err: err}
}

type sourceErr struct {
	index int
	err   error
}

func (e *sourceErr) Error() string {
	return fmt.Sprintf("%v: source %d: %v", ErrSource, e.index, e.err)
}

func (e *sourceErr) Is(target error) bool { return target == ErrSource }

func (e *sourceErr) Unwrap() error { return e.err }
