// ABOUTME: Iterator telemetry metrics interface and an instrumenting wrapper for scans
// ABOUTME: Records per-scan entry and version counts, scan duration, merge statistics and terminal status

package iterator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/composite"
	"github.com/KevoDB/tierscan/pkg/telemetry"
)

// IteratorMetrics defines the interface for iterator telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type IteratorMetrics interface {
	telemetry.ComponentMetrics

	// RecordScan records a finished scan: how much it returned, how long it stayed open
	// and how it ended. err is nil for a scan that reached its end or was closed.
	RecordScan(ctx context.Context, kind string, dir iterator.Direction, entries, versions int64, duration time.Duration, err error)

	// RecordMerge records the statistics of a finished merge.
	RecordMerge(ctx context.Context, mode composite.Mode, sources int, stats composite.MergeStats)
}

// iteratorMetrics implements IteratorMetrics using the telemetry interface.
type iteratorMetrics struct {
	tel telemetry.Telemetry
}

// NewIteratorMetrics creates a new iterator metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewIteratorMetrics(tel telemetry.Telemetry) IteratorMetrics {
	if tel == nil {
		return &noopIteratorMetrics{}
	}
	return &iteratorMetrics{tel: tel}
}

// NewNoopIteratorMetrics creates a no-op iterator metrics implementation for testing.
func NewNoopIteratorMetrics() IteratorMetrics {
	return &noopIteratorMetrics{}
}

// RecordScan records scan completion metrics.
func (m *iteratorMetrics) RecordScan(ctx context.Context, kind string, dir iterator.Direction, entries, versions int64, duration time.Duration, err error) {
	status := scanStatus(err)
	m.tel.RecordHistogram(ctx, "tierscan.iterator.scan.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
		attribute.String(telemetry.AttrOperationType, kind),
		attribute.String(telemetry.AttrDirection, dir.String()),
		attribute.String(telemetry.AttrStatus, status),
	)

	m.tel.RecordCounter(ctx, "tierscan.iterator.scans.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
		attribute.String(telemetry.AttrOperationType, kind),
		attribute.String(telemetry.AttrStatus, status),
	)

	m.tel.RecordHistogram(ctx, "tierscan.iterator.scan.entries", float64(entries),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
		attribute.String(telemetry.AttrOperationType, kind),
	)

	if versions > 0 {
		m.tel.RecordCounter(ctx, "tierscan.iterator.versions.returned", versions,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
			attribute.String(telemetry.AttrOperationType, kind),
		)
	}

	if err != nil {
		m.tel.RecordCounter(ctx, "tierscan.iterator.errors.total", 1,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
			attribute.String(telemetry.AttrErrorType, errorType(err)),
		)
	}
}

// RecordMerge records merge metrics.
func (m *iteratorMetrics) RecordMerge(ctx context.Context, mode composite.Mode, sources int, stats composite.MergeStats) {
	m.tel.RecordHistogram(ctx, "tierscan.iterator.merge.sources", float64(sources),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
		attribute.String(telemetry.AttrMode, mode.String()),
	)

	if stats.Shadowed > 0 {
		m.tel.RecordCounter(ctx, "tierscan.iterator.merge.shadowed", int64(stats.Shadowed),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
			attribute.String(telemetry.AttrMode, mode.String()),
		)
	}
	if stats.Merged > 0 {
		m.tel.RecordCounter(ctx, "tierscan.iterator.merge.merged", int64(stats.Merged),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentIterator),
			attribute.String(telemetry.AttrMode, mode.String()),
		)
	}
}

// Close implements telemetry.ComponentMetrics.
func (m *iteratorMetrics) Close() error {
	return nil
}

func scanStatus(err error) string {
	switch {
	case err == nil:
		return telemetry.StatusSuccess
	case errors.Is(err, iterator.ErrLockTimeout):
		return telemetry.StatusTimeout
	default:
		return telemetry.StatusError
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, iterator.ErrCorruption):
		return "corruption"
	case errors.Is(err, iterator.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, iterator.ErrSource):
		return "source"
	case errors.Is(err, iterator.ErrInvalidRange):
		return "invalid_range"
	default:
		return "other"
	}
}

// noopIteratorMetrics is a no-op implementation of IteratorMetrics.
type noopIteratorMetrics struct{}

func (n *noopIteratorMetrics) RecordScan(ctx context.Context, kind string, dir iterator.Direction, entries, versions int64, duration time.Duration, err error) {
}

func (n *noopIteratorMetrics) RecordMerge(ctx context.Context, mode composite.Mode, sources int, stats composite.MergeStats) {
}

func (n *noopIteratorMetrics) Close() error { return nil }

// Instrumented wraps an iterator and reports it to IteratorMetrics once, when it ends or
// is closed, whichever comes first.
type Instrumented struct {
	iter     iterator.Iterator
	metrics  IteratorMetrics
	ctx      context.Context
	kind     string
	dir      iterator.Direction
	start    time.Time
	entries  int64
	versions int64
	reported bool
}

// Instrument wraps it. kind names the scan in the recorded attributes.
func Instrument(ctx context.Context, it iterator.Iterator, m IteratorMetrics, kind string, dir iterator.Direction) *Instrumented {
	if m == nil {
		m = NewNoopIteratorMetrics()
	}
	return &Instrumented{
		iter:    it,
		metrics: m,
		ctx:     ctx,
		kind:    kind,
		dir:     dir,
		start:   time.Now(),
	}
}

// Next forwards to the wrapped iterator.
func (i *Instrumented) Next() (*iterator.Entry, error) {
	e, err := i.iter.Next()
	if err != nil {
		if errors.Is(err, iterator.ErrDone) {
			i.report(nil)
		} else {
			i.report(err)
		}
		return nil, err
	}
	i.entries++
	i.versions += int64(len(e.Versions))
	return e, nil
}

// Close closes the wrapped iterator.
func (i *Instrumented) Close() error {
	err := i.iter.Close()
	i.report(nil)
	return err
}

// Entries returns the number of entries returned so far.
func (i *Instrumented) Entries() int64 { return i.entries }

// Unwrap returns the wrapped iterator.
func (i *Instrumented) Unwrap() iterator.Iterator { return i.iter }

func (i *Instrumented) report(err error) {
	if i.reported {
		return
	}
	i.reported = true
	i.metrics.RecordScan(i.ctx, i.kind, i.dir, i.entries, i.versions, time.Since(i.start), err)
	if m, ok := i.iter.(*composite.MergeIterator); ok {
		i.metrics.RecordMerge(i.ctx, m.Mode(), m.NumSources(), m.Stats())
	}
}
