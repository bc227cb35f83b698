// ABOUTME: Engine-level telemetry for scans opened over the tiers and tier maintenance
// ABOUTME: Records operation latency and status, tier counts and compaction swaps

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/tierscan/pkg/telemetry"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	telemetry.ComponentMetrics

	// RecordEngineOperation records opening a scan or changing the tiers
	RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, err error)

	// RecordTierCount records the number of immutable tiers after a change
	RecordTierCount(ctx context.Context, tiers int)
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance.
// If tel is nil, returns a no-op implementation.
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return &noopEngineMetrics{}
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

// RecordEngineOperation records engine-level operation metrics with status tracking
func (m *engineMetrics) RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, operation),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	}
	m.tel.RecordHistogram(ctx, "tierscan.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "tierscan.engine.operations.total", 1, attrs...)
}

// RecordTierCount records the current number of immutable tiers
func (m *engineMetrics) RecordTierCount(ctx context.Context, tiers int) {
	m.tel.RecordHistogram(ctx, "tierscan.engine.tiers", float64(tiers),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	)
}

// Close cleans up resources
func (m *engineMetrics) Close() error {
	return nil
}

// noopEngineMetrics provides a no-op implementation for testing or disabled telemetry
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordEngineOperation(ctx context.Context, operation string, duration time.Duration, err error) {
}

func (n *noopEngineMetrics) RecordTierCount(ctx context.Context, tiers int) {}

func (n *noopEngineMetrics) Close() error { return nil }
