// ABOUTME: Tests for telemetry configuration, the no-op implementation and the SDK-backed provider
// ABOUTME: The provider is exercised with stdout and prometheus exporters writing to in-memory sinks

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("k", "v"))
	tel.RecordCounter(ctx, "test.counter", 3)
	spanCtx, span := tel.StartSpan(ctx, "span")
	if spanCtx != ctx {
		t.Error("noop StartSpan should return the original context")
	}
	span.End()
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("telemetry should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"empty service", func(c *Config) { c.ServiceName = "" }, "service_name"},
		{"sample rate", func(c *Config) { c.SampleRate = 1.5 }, "sample_rate"},
		{"interval", func(c *Config) { c.ExportInterval = 0 }, "export_interval"},
		{"batch bigger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }, "max_export_batch_size"},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }, "invalid exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Exporters = []string{ExporterOTLP}
			c.OTLPEndpoint = ""
		}, "otlp_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("expected error containing %q, got %v", tt.errSub, err)
			}
		})
	}
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Setenv("TIERSCAN_TELEMETRY_ENABLED", "true")
	t.Setenv("TIERSCAN_TELEMETRY_EXPORTERS", "stdout, prometheus")
	t.Setenv("TIERSCAN_TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("TIERSCAN_TELEMETRY_EXPORT_INTERVAL", "2s")
	t.Setenv("TIERSCAN_TELEMETRY_MAX_QUEUE_SIZE", "not-a-number")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if !cfg.Enabled {
		t.Error("expected enabled")
	}
	if !cfg.HasExporter(ExporterPrometheus) || !cfg.HasExporter(ExporterStdout) {
		t.Errorf("exporters not trimmed/split: %v", cfg.Exporters)
	}
	if cfg.SampleRate != 0.25 {
		t.Errorf("sample rate %v", cfg.SampleRate)
	}
	if cfg.ExportInterval != 2*time.Second {
		t.Errorf("export interval %v", cfg.ExportInterval)
	}
	if cfg.MaxQueueSize != DefaultConfig().MaxQueueSize {
		t.Errorf("invalid value should be ignored, got %d", cfg.MaxQueueSize)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Fatalf("expected noop, got %T", tel)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestProviderExportsToStdout(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = []string{ExporterStdout, ExporterPrometheus}

	tel, err := New(cfg, WithOutput(&buf))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := tel.(*TelemetryProvider)
	if !ok {
		t.Fatalf("expected *TelemetryProvider, got %T", tel)
	}
	if p.Registry() == nil {
		t.Fatal("prometheus registry missing")
	}

	ctx := context.Background()
	p.RecordCounter(ctx, "tierscan.test.ops", 2, attribute.String(AttrComponent, ComponentEngine))
	p.RecordCounter(ctx, "tierscan.test.ops", 3, attribute.String(AttrComponent, ComponentEngine))
	p.RecordHistogram(ctx, "tierscan.test.latency", 0.5)
	_, span := p.StartSpan(ctx, "tierscan.test.span")
	span.End()

	if err := p.ForceFlush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"tierscan.test.ops", "tierscan.test.latency", "tierscan.test.span"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout export missing %q", want)
		}
	}

	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "tierscan_test_ops") {
			found = true
		}
	}
	if !found {
		t.Error("prometheus registry did not receive the counter")
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown should return the first result: %v", err)
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusSuccess || StatusOf(errors.New("x")) != StatusError {
		t.Fatal("unexpected status mapping")
	}
}
