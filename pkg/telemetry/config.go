// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry tracing and Prometheus-backed
// metrics for the session broker.
package telemetry

import "fmt"

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the service name for telemetry
	ServiceName string `mapstructure:"service_name"`

	// ServiceVersion is the service version for telemetry
	ServiceVersion string `mapstructure:"-"`

	// Endpoint is the OTLP/HTTP endpoint (host:port). Tracing is disabled
	// when empty.
	Endpoint string `mapstructure:"otlp_endpoint"`

	// Headers contains authentication headers for the OTLP endpoint
	Headers map[string]string `mapstructure:"otlp_headers"`

	// Insecure indicates whether to use HTTP instead of HTTPS for the OTLP endpoint
	Insecure bool `mapstructure:"otlp_insecure"`

	// SamplingRate is the trace sampling rate (0.0-1.0)
	SamplingRate float64 `mapstructure:"sampling_rate"`

	// OTLPMetrics also pushes metrics to Endpoint.
	OTLPMetrics bool `mapstructure:"otlp_metrics"`

	// MetricsEnabled exposes a Prometheus /metrics endpoint.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors.
	IncludeRuntimeMetrics bool `mapstructure:"runtime_metrics"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:           "sessionbroker",
		SamplingRate:          0.1,
		Headers:               map[string]string{},
		MetricsEnabled:        true,
		IncludeRuntimeMetrics: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("telemetry sampling rate must be between 0 and 1, got %v", c.SamplingRate)
	}
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry service name is required")
	}
	return nil
}
