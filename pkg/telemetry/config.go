// ABOUTME: Telemetry configuration with defaults, environment overrides and validation
// ABOUTME: Selects exporters (stdout, otlp, prometheus) and batching for the OpenTelemetry provider

package telemetry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exporter names accepted in Config.Exporters
const (
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

const envPrefix = "TIERSCAN_TELEMETRY_"

// Config holds all configuration for telemetry providers and exporters.
type Config struct {
	// ServiceName identifies the service in telemetry data
	ServiceName string `json:"service_name" yaml:"service_name"`

	// ServiceVersion identifies the service version in telemetry data
	ServiceVersion string `json:"service_version" yaml:"service_version"`

	// Enabled controls whether telemetry is active
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporters lists the exporters to use: stdout, otlp, prometheus
	Exporters []string `json:"exporters" yaml:"exporters"`

	// SampleRate controls trace sampling (0.0 to 1.0)
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`

	// OTLPEndpoint is the host:port of the OTLP gRPC collector
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`

	// ExportInterval is the period of the push metric reader
	ExportInterval time.Duration `json:"export_interval" yaml:"export_interval"`

	// ExportTimeout bounds a single export call
	ExportTimeout time.Duration `json:"export_timeout" yaml:"export_timeout"`

	// BatchTimeout is the longest a finished span waits before export
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`

	// MaxQueueSize caps spans waiting for export
	MaxQueueSize int `json:"max_queue_size" yaml:"max_queue_size"`

	// MaxExportBatchSize caps spans per export call
	MaxExportBatchSize int `json:"max_export_batch_size" yaml:"max_export_batch_size"`
}

// DefaultConfig returns a disabled configuration whose other fields are ready to use once
// Enabled is set.
func DefaultConfig() Config {
	return Config{
		ServiceName:        "tierscan",
		ServiceVersion:     "development",
		Enabled:            false,
		Exporters:          []string{ExporterStdout},
		SampleRate:         1.0,
		OTLPEndpoint:       "localhost:4317",
		ExportInterval:     30 * time.Second,
		ExportTimeout:      30 * time.Second,
		BatchTimeout:       5 * time.Second,
		MaxQueueSize:       2048,
		MaxExportBatchSize: 512,
	}
}

// LoadFromEnv overrides fields from TIERSCAN_TELEMETRY_* variables. Unparseable values are
// ignored.
func (c *Config) LoadFromEnv() {
	if val := os.Getenv(envPrefix + "SERVICE_NAME"); val != "" {
		c.ServiceName = val
	}
	if val := os.Getenv(envPrefix + "SERVICE_VERSION"); val != "" {
		c.ServiceVersion = val
	}
	if val := os.Getenv(envPrefix + "ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Enabled = enabled
		}
	}
	if val := os.Getenv(envPrefix + "EXPORTERS"); val != "" {
		c.Exporters = strings.Split(val, ",")
		for i := range c.Exporters {
			c.Exporters[i] = strings.TrimSpace(c.Exporters[i])
		}
	}
	if val := os.Getenv(envPrefix + "SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.SampleRate = rate
		}
	}
	if val := os.Getenv(envPrefix + "OTLP_ENDPOINT"); val != "" {
		c.OTLPEndpoint = val
	}
	durations := map[string]*time.Duration{
		"EXPORT_INTERVAL": &c.ExportInterval,
		"EXPORT_TIMEOUT":  &c.ExportTimeout,
		"BATCH_TIMEOUT":   &c.BatchTimeout,
	}
	for name, field := range durations {
		if val := os.Getenv(envPrefix + name); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*field = d
			}
		}
	}
	if val := os.Getenv(envPrefix + "MAX_QUEUE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.MaxQueueSize = size
		}
	}
	if val := os.Getenv(envPrefix + "MAX_EXPORT_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			c.MaxExportBatchSize = size
		}
	}
}

// Validate checks the configuration for invalid values and returns an error if found.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version cannot be empty")
	}
	if c.SampleRate < 0.0 || c.SampleRate > 1.0 {
		return fmt.Errorf("sample_rate must be between 0.0 and 1.0, got %f", c.SampleRate)
	}
	if c.ExportInterval <= 0 {
		return fmt.Errorf("export_interval must be positive, got %s", c.ExportInterval)
	}
	if c.ExportTimeout <= 0 {
		return fmt.Errorf("export_timeout must be positive, got %s", c.ExportTimeout)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.MaxExportBatchSize <= 0 || c.MaxExportBatchSize > c.MaxQueueSize {
		return fmt.Errorf("max_export_batch_size must be in (0, max_queue_size], got %d", c.MaxExportBatchSize)
	}
	for _, exporter := range c.Exporters {
		switch exporter {
		case ExporterStdout, ExporterOTLP, ExporterPrometheus:
		default:
			return fmt.Errorf("invalid exporter: %s, valid options are: stdout, otlp, prometheus", exporter)
		}
	}
	if c.HasExporter(ExporterOTLP) && c.OTLPEndpoint == "" {
		return fmt.Errorf("otlp_endpoint is required when the otlp exporter is enabled")
	}
	return nil
}

// HasExporter returns true if the specified exporter is configured.
func (c *Config) HasExporter(name string) bool {
	for _, exporter := range c.Exporters {
		if exporter == name {
			return true
		}
	}
	return false
}
