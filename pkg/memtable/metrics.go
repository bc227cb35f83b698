// ABOUTME: MemTable telemetry metrics for lock holds, sliced scans, snapshots and writes
// ABOUTME: Every recorder has a no-op twin so components never branch on telemetry being enabled

package memtable

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/tierscan/pkg/telemetry"
)

// MemTableMetrics defines the interface for MemTable telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type MemTableMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records a write or point lookup.
	RecordOperation(ctx context.Context, opType string, duration time.Duration)

	// RecordLockHold records how long a read guard was held and how many entries it served.
	RecordLockHold(ctx context.Context, scanType string, held time.Duration, entries int)

	// RecordSlice records one time slice of a sliced scan.
	RecordSlice(ctx context.Context, held time.Duration, entries int, overBudget bool)

	// RecordLockTimeout records a failed read-guard acquisition.
	RecordLockTimeout(ctx context.Context, waited time.Duration)

	// RecordSnapshot records a snapshot acquisition or release and the live generation count.
	RecordSnapshot(ctx context.Context, acquired bool, liveGenerations int64)
}

type memTableMetrics struct {
	tel telemetry.Telemetry
}

// NewMemTableMetrics creates a new MemTable metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewMemTableMetrics(tel telemetry.Telemetry) MemTableMetrics {
	if tel == nil {
		return &noopMemTableMetrics{}
	}
	return &memTableMetrics{tel: tel}
}

// NewNoopMemTableMetrics creates a no-op MemTable metrics implementation for testing.
func NewNoopMemTableMetrics() MemTableMetrics {
	return &noopMemTableMetrics{}
}

func component() attribute.KeyValue {
	return attribute.String(telemetry.AttrComponent, telemetry.ComponentMemTable)
}

func (m *memTableMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "tierscan.memtable.operation.duration", duration.Seconds(),
		component(),
		attribute.String(telemetry.AttrOperationType, opType),
	)
	m.tel.RecordCounter(ctx, "tierscan.memtable.operations.total", 1,
		component(),
		attribute.String(telemetry.AttrOperationType, opType),
	)
}

func (m *memTableMetrics) RecordLockHold(ctx context.Context, scanType string, held time.Duration, entries int) {
	m.tel.RecordHistogram(ctx, "tierscan.memtable.lock.hold", held.Seconds(),
		component(),
		attribute.String(telemetry.AttrOperationType, scanType),
	)
	m.tel.RecordCounter(ctx, "tierscan.memtable.scan.entries", int64(entries),
		component(),
		attribute.String(telemetry.AttrOperationType, scanType),
	)
}

func (m *memTableMetrics) RecordSlice(ctx context.Context, held time.Duration, entries int, overBudget bool) {
	m.tel.RecordHistogram(ctx, "tierscan.memtable.slice.hold", held.Seconds(),
		component(),
		attribute.Bool("over_budget", overBudget),
	)
	m.tel.RecordHistogram(ctx, "tierscan.memtable.slice.entries", float64(entries), component())
	m.tel.RecordCounter(ctx, "tierscan.memtable.slices.total", 1, component())
}

func (m *memTableMetrics) RecordLockTimeout(ctx context.Context, waited time.Duration) {
	m.tel.RecordCounter(ctx, "tierscan.memtable.lock.timeouts", 1,
		component(),
		attribute.String(telemetry.AttrStatus, telemetry.StatusTimeout),
	)
	m.tel.RecordHistogram(ctx, "tierscan.memtable.lock.wait", waited.Seconds(), component())
}

func (m *memTableMetrics) RecordSnapshot(ctx context.Context, acquired bool, liveGenerations int64) {
	op := "release"
	if acquired {
		op = "acquire"
	}
	m.tel.RecordCounter(ctx, "tierscan.memtable.snapshot.total", 1,
		component(),
		attribute.String(telemetry.AttrOperationType, op),
	)
	m.tel.RecordHistogram(ctx, "tierscan.memtable.snapshot.generations", float64(liveGenerations), component())
}

func (m *memTableMetrics) Close() error {
	return nil
}

type noopMemTableMetrics struct{}

func (n *noopMemTableMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration) {
}

func (n *noopMemTableMetrics) RecordLockHold(ctx context.Context, scanType string, held time.Duration, entries int) {
}

func (n *noopMemTableMetrics) RecordSlice(ctx context.Context, held time.Duration, entries int, overBudget bool) {
}

func (n *noopMemTableMetrics) RecordLockTimeout(ctx context.Context, waited time.Duration) {}

func (n *noopMemTableMetrics) RecordSnapshot(ctx context.Context, acquired bool, liveGenerations int64) {
}

func (n *noopMemTableMetrics) Close() error { return nil }
