// ABOUTME: SSTable telemetry metrics for block reads, builds and detected corruption
// ABOUTME: Recorders are optional and default to a no-op implementation

package sstable

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/tierscan/pkg/telemetry"
)

// SSTableMetrics defines the interface for SSTable telemetry operations.
type SSTableMetrics interface {
	telemetry.ComponentMetrics

	// RecordBlockRead records one block fetched and decoded from disk.
	RecordBlockRead(ctx context.Context, kind string, bytes int, duration time.Duration)

	// RecordBuild records a finished or aborted build.
	RecordBuild(ctx context.Context, stats BuildStats, duration time.Duration, err error)

	// RecordCorruption records a structural problem found while reading.
	RecordCorruption(ctx context.Context, path string)
}

type sstableMetrics struct {
	tel telemetry.Telemetry
}

// NewSSTableMetrics creates a new SSTable metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewSSTableMetrics(tel telemetry.Telemetry) SSTableMetrics {
	if tel == nil {
		return &noopSSTableMetrics{}
	}
	return &sstableMetrics{tel: tel}
}

// NewNoopSSTableMetrics creates a no-op SSTable metrics implementation.
func NewNoopSSTableMetrics() SSTableMetrics {
	return &noopSSTableMetrics{}
}

func component() attribute.KeyValue {
	return attribute.String(telemetry.AttrComponent, telemetry.ComponentSSTable)
}

func (m *sstableMetrics) RecordBlockRead(ctx context.Context, kind string, bytes int, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "tierscan.sstable.block.read.duration", duration.Seconds(),
		component(),
		attribute.String("block.kind", kind),
	)
	telemetry.RecordBytes(ctx, m.tel, "tierscan.sstable.block.read.bytes", int64(bytes),
		component(),
		attribute.String("block.kind", kind),
	)
}

func (m *sstableMetrics) RecordBuild(ctx context.Context, stats BuildStats, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		component(),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeBuild),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	}
	m.tel.RecordHistogram(ctx, "tierscan.sstable.build.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "tierscan.sstable.build.total", 1, attrs...)
	if err != nil {
		return
	}
	m.tel.RecordCounter(ctx, "tierscan.sstable.build.entries", int64(stats.Entries), component())
	m.tel.RecordCounter(ctx, "tierscan.sstable.build.purged", int64(stats.Purged), component())
	m.tel.RecordHistogram(ctx, "tierscan.sstable.build.height", float64(stats.Height), component())
	telemetry.RecordBytes(ctx, m.tel, "tierscan.sstable.build.bytes", stats.Bytes, component())
}

func (m *sstableMetrics) RecordCorruption(ctx context.Context, path string) {
	m.tel.RecordCounter(ctx, "tierscan.sstable.corruption.total", 1,
		component(),
		attribute.String(telemetry.AttrStatus, telemetry.StatusError),
	)
}

func (m *sstableMetrics) Close() error {
	return nil
}

type noopSSTableMetrics struct{}

func (n *noopSSTableMetrics) RecordBlockRead(ctx context.Context, kind string, bytes int, duration time.Duration) {
}

func (n *noopSSTableMetrics) RecordBuild(ctx context.Context, stats BuildStats, duration time.Duration, err error) {
}

func (n *noopSSTableMetrics) RecordCorruption(ctx context.Context, path string) {}

func (n *noopSSTableMetrics) Close() error { return nil }
