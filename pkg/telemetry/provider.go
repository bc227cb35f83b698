// ABOUTME: OpenTelemetry SDK provider implementing Telemetry with cached instruments
// ABOUTME: Wires meter and tracer providers to the configured exporters, resource and sampler

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/tierscan"

// Option configures provider construction.
type Option func(*options)

type options struct {
	out io.Writer
}

// WithOutput redirects the stdout exporters.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	registry       *prometheus.Registry

	histograms  sync.Map // name -> metric.Float64Histogram
	counters    sync.Map // name -> metric.Int64Counter
	shutdown    sync.Once
	shutdownErr error
}

// New creates a provider for cfg. A disabled configuration yields NoopTelemetry.
func New(cfg Config, opts ...Option) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	readers, registry, err := createMetricReaders(cfg, o.out)
	if err != nil {
		return nil, err
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	spanExporters, err := createTraceExporters(context.Background(), cfg, o.out)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exp := range spanExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          mp.Meter(instrumentationName),
		tracer:         tp.Tracer(instrumentationName),
		registry:       registry,
	}, nil
}

// RecordHistogram records value into the named histogram, creating it on first use.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, ok := p.histograms.Load(name)
	if !ok {
		created, err := p.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		h, _ = p.histograms.LoadOrStore(name, created)
	}
	h.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named counter, creating it on first use.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, ok := p.counters.Load(name)
	if !ok {
		created, err := p.meter.Int64Counter(name)
		if err != nil {
			return
		}
		c, _ = p.counters.LoadOrStore(name, created)
	}
	c.(metric.Int64Counter).Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the provider's tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Registry returns the Prometheus registry, or nil when that exporter is not configured.
func (p *TelemetryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// ForceFlush exports everything recorded so far.
func (p *TelemetryProvider) ForceFlush(ctx context.Context) error {
	return errors.Join(p.meterProvider.ForceFlush(ctx), p.tracerProvider.ForceFlush(ctx))
}

// Shutdown flushes and stops both providers. Later calls return the first result.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	p.shutdown.Do(func() {
		p.shutdownErr = errors.Join(p.meterProvider.Shutdown(ctx), p.tracerProvider.Shutdown(ctx))
	})
	return p.shutdownErr
}
