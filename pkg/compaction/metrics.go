// ABOUTME: This file defines telemetry metrics for compaction runs
// ABOUTME: covering duration, data volume in and out, and history dropped by the retention policy

package compaction

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/tierscan/pkg/telemetry"
)

// CompactionMetrics interface defines telemetry methods for compaction operations
type CompactionMetrics interface {
	telemetry.ComponentMetrics

	// RecordCompactionStart records a task about to read its inputs
	RecordCompactionStart(ctx context.Context, mode string, inputs int)

	// RecordCompactionComplete records a finished or failed task
	RecordCompactionComplete(ctx context.Context, result *Result, duration time.Duration, err error)

	// RecordPinnedSnapshots records how many readers constrained the retention policy
	RecordPinnedSnapshots(ctx context.Context, pinned int)
}

// compactionMetrics implements CompactionMetrics using the telemetry package
type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewCompactionMetrics creates a new CompactionMetrics implementation.
// If tel is nil, returns a no-op implementation.
func NewCompactionMetrics(tel telemetry.Telemetry) CompactionMetrics {
	if tel == nil {
		return &noopCompactionMetrics{}
	}
	return &compactionMetrics{tel: tel}
}

// NewNoopCompactionMetrics creates a no-op CompactionMetrics for testing/disabled scenarios
func NewNoopCompactionMetrics() CompactionMetrics {
	return &noopCompactionMetrics{}
}

func (m *compactionMetrics) RecordCompactionStart(ctx context.Context, mode string, inputs int) {
	m.tel.RecordCounter(ctx, "tierscan.compaction.start.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrMode, mode),
	)
	m.tel.RecordHistogram(ctx, "tierscan.compaction.input.sources", float64(inputs),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrMode, mode),
	)
}

func (m *compactionMetrics) RecordCompactionComplete(ctx context.Context, result *Result, duration time.Duration, err error) {
	status := telemetry.StatusOf(err)
	m.tel.RecordHistogram(ctx, "tierscan.compaction.execution.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeCompact),
		attribute.String(telemetry.AttrStatus, status),
	)
	if err != nil || result == nil {
		return
	}

	m.tel.RecordCounter(ctx, "tierscan.compaction.entries.in", int64(result.Filter.EntriesIn),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
	m.tel.RecordCounter(ctx, "tierscan.compaction.entries.dropped", int64(result.Filter.EntriesDropped),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
	m.tel.RecordCounter(ctx, "tierscan.compaction.versions.dropped", int64(result.Filter.VersionsDropped),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
	m.tel.RecordCounter(ctx, "tierscan.compaction.entries.shadowed", int64(result.Merge.Shadowed),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
	telemetry.RecordBytes(ctx, m.tel, "tierscan.compaction.output.bytes", result.Build.Bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	if result.Filter.VersionsIn > 0 {
		ratio := float64(result.Filter.VersionsOut) / float64(result.Filter.VersionsIn)
		m.tel.RecordHistogram(ctx, "tierscan.compaction.retention.ratio", ratio,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}
}

func (m *compactionMetrics) RecordPinnedSnapshots(ctx context.Context, pinned int) {
	m.tel.RecordHistogram(ctx, "tierscan.compaction.pinned.snapshots", float64(pinned),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
}

// Close cleans up any resources used by the metrics
func (m *compactionMetrics) Close() error {
	return nil
}

// noopCompactionMetrics is a no-op implementation of CompactionMetrics
type noopCompactionMetrics struct{}

func (n *noopCompactionMetrics) RecordCompactionStart(ctx context.Context, mode string, inputs int) {}

func (n *noopCompactionMetrics) RecordCompactionComplete(ctx context.Context, result *Result, duration time.Duration, err error) {
}

func (n *noopCompactionMetrics) RecordPinnedSnapshots(ctx context.Context, pinned int) {}

func (n *noopCompactionMetrics) Close() error { return nil }
