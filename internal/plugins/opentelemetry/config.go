// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package opentelemetry

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alumet-dev/alumet/pkg/config"
)

// CompressionType represents the compression type for OTLP exports
type CompressionType string

const (
	CompressionGZip CompressionType = "gzip"
	CompressionNone CompressionType = "none"
)

func (c CompressionType) String() string {
	return string(c)
}

// IsValid checks if the compression type is valid
func (c CompressionType) IsValid() bool {
	return c == CompressionGZip || c == CompressionNone
}

type Config struct {
	// OTLP gRPC endpoint, host:port
	Endpoint string `toml:"endpoint"`
	// Insecure disables TLS
	Insecure bool `toml:"insecure"`

	// Headers sent as gRPC metadata
	Headers map[string]string `toml:"headers,omitempty"`

	Compression CompressionType `toml:"compression"`
	Timeout     config.Duration `toml:"timeout"`
	Retry       RetryConfig     `toml:"retry"`

	// Resource attributes
	ServiceName    string `toml:"service_name"`
	ServiceVersion string `toml:"service_version"`

	// ExportInterval is the period of the exports.
	ExportInterval config.Duration `toml:"export_interval"`

	// Naming of the instruments
	Prefix                string `toml:"prefix"`
	Suffix                string `toml:"suffix"`
	AppendUnit            bool   `toml:"append_unit_to_metric_name"`
	UseDisplayName        bool   `toml:"use_unit_display_name"`
	AddAttributesToLabels bool   `toml:"add_attributes_to_labels"`
}

// RetryConfig configures retry behavior for failed exports
type RetryConfig struct {
	Enabled        bool            `toml:"enabled"`
	MaxRetries     int             `toml:"max_retries"`
	InitialBackoff config.Duration `toml:"initial_backoff"`
	MaxBackoff     config.Duration `toml:"max_backoff"`
}

// DefaultConfig exports every 10 seconds to a local collector.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		Compression: CompressionGZip,
		Timeout:     config.Duration(30 * time.Second),
		Retry: RetryConfig{
			Enabled:        true,
			MaxRetries:     3,
			InitialBackoff: config.Duration(1 * time.Second),
			MaxBackoff:     config.Duration(30 * time.Second),
		},
		ServiceName:           "alumet-agent",
		ExportInterval:        config.Duration(10 * time.Second),
		Suffix:                "_alumet",
		AppendUnit:            true,
		UseDisplayName:        true,
		AddAttributesToLabels: true,
	}
}

// ApplyEnvironmentVariables applies standard OTLP environment variables to the configuration.
// It follows the OpenTelemetry specification for environment variable names and precedence.
func (c *Config) ApplyEnvironmentVariables() {
	if endpoint := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}

	if insecure := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE"); insecure != "" {
		if parsed, err := strconv.ParseBool(insecure); err == nil {
			c.Insecure = parsed
		}
	}

	if headers := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS"); headers != "" {
		c.Headers = parseHeaders(headers)
	}

	if compression := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_COMPRESSION", "OTEL_EXPORTER_OTLP_COMPRESSION"); compression != "" {
		if ct := CompressionType(compression); ct.IsValid() {
			c.Compression = ct
		}
	}

	if serviceName := os.Getenv("OTEL_SERVICE_NAME"); serviceName != "" {
		c.ServiceName = serviceName
	}
	if serviceVersion := os.Getenv("OTEL_SERVICE_VERSION"); serviceVersion != "" {
		c.ServiceVersion = serviceVersion
	}
}

// getEnvVar returns the first non-empty environment variable from the list
func getEnvVar(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// parseHeaders parses comma-separated key=value pairs into a map
func parseHeaders(headers string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(headers, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if ok && key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	return result
}

var (
	ErrEndpointRequired       = errors.New("OTLP endpoint is required")
	ErrInvalidCompressionType = fmt.Errorf("compression type must be '%s' or '%s'", CompressionGZip, CompressionNone)
)

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, ErrEndpointRequired)
	}
	if !c.Compression.IsValid() {
		errs = append(errs, ErrInvalidCompressionType)
	}
	if c.Timeout <= 0 || c.ExportInterval <= 0 {
		errs = append(errs, errors.New("timeout and export_interval must be positive"))
	}
	if c.Retry.Enabled && (c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff) {
		errs = append(errs, errors.New("retry backoffs must be positive, initial_backoff <= max_backoff"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name must not be empty"))
	}
	return errors.Join(errs...)
}

// maxElapsed bounds the total retry time of one export.
func (r RetryConfig) maxElapsed() time.Duration {
	switch {
	case r.MaxRetries <= 0:
		return r.MaxBackoff.Std()
	case r.MaxRetries <= 100:
		return time.Duration(r.MaxRetries) * r.MaxBackoff.Std()
	default:
		return 30 * time.Minute
	}
}
