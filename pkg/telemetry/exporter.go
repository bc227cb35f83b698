// ABOUTME: Builds metric readers and span exporters (stdout, OTLP gRPC, Prometheus) from Config
// ABOUTME: The Prometheus reader registers into a private registry that hosts can expose

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// createMetricReaders returns one reader per metric-capable exporter. When Prometheus is
// configured the registry it registers into is returned as well.
func createMetricReaders(cfg Config, out io.Writer) ([]sdkmetric.Reader, *prometheus.Registry, error) {
	var (
		readers  []sdkmetric.Reader
		registry *prometheus.Registry
	)
	for _, name := range cfg.Exporters {
		switch name {
		case ExporterStdout:
			exp, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(out)))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, sdkmetric.NewPeriodicReader(exp,
				sdkmetric.WithInterval(cfg.ExportInterval),
				sdkmetric.WithTimeout(cfg.ExportTimeout),
			))
		case ExporterPrometheus:
			registry = prometheus.NewRegistry()
			exp, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, exp)
		}
	}
	return readers, registry, nil
}

// createTraceExporters returns one span exporter per trace-capable exporter.
func createTraceExporters(ctx context.Context, cfg Config, out io.Writer) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter
	for _, name := range cfg.Exporters {
		switch name {
		case ExporterStdout:
			exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exp)
		case ExporterOTLP:
			exp, err := otlptracegrpc.New(ctx,
				otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithTimeout(cfg.ExportTimeout),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exp)
		}
	}
	return exporters, nil
}
