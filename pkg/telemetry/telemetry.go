// ABOUTME: Core telemetry abstraction over OpenTelemetry used by the scan, build and compaction paths
// ABOUTME: Components record through this interface and never depend on the SDK directly

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides the core abstraction over OpenTelemetry for tierscan components.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending data and stops all providers.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is a marker interface for component-specific metrics interfaces.
type ComponentMetrics interface {
	// Close releases any resources held by the metrics implementation.
	Close() error
}

// NoopTelemetry drops everything.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it, if any.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the time elapsed since start, in seconds, into a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes adds a byte count to a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Attribute keys shared by all components
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrErrorType     = "error.type"
	AttrDirection     = "direction"
	AttrMode          = "mode"
	AttrLevel         = "level"
)

// Attribute values
const (
	OpTypeGet     = "get"
	OpTypeScan    = "scan"
	OpTypeSlice   = "slice"
	OpTypeBuild   = "build"
	OpTypeMerge   = "merge"
	OpTypeCompact = "compact"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"

	ComponentMemTable   = "memtable"
	ComponentSSTable    = "sstable"
	ComponentIterator   = "iterator"
	ComponentCompaction = "compaction"
	ComponentEngine     = "engine"
)

// StatusOf maps an operation error to a status attribute value.
func StatusOf(err error) string {
	if err == nil {
		return StatusSuccess
	}
	return StatusError
}
