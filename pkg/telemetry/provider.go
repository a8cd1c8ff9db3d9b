// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer and meter providers of the process.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdowns         []func(context.Context) error
}

// NewProvider builds the providers described by cfg.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	p := &Provider{}

	tp, shutdown, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	p.tracerProvider = tp
	if shutdown != nil {
		p.shutdowns = append(p.shutdowns, shutdown)
	}

	var readers []sdkmetric.Option
	if cfg.MetricsEnabled {
		reader, handler, err := newPrometheusReader(cfg.IncludeRuntimeMetrics)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
		p.prometheusHandler = handler
	}
	if cfg.Endpoint != "" && cfg.OTLPMetrics {
		reader, err := newOTLPMetricReader(ctx, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, err
		}
		readers = append(readers, sdkmetric.WithReader(reader))
	}

	if len(readers) == 0 {
		p.meterProvider = metricnoop.NewMeterProvider()
		return p, nil
	}

	mp := sdkmetric.NewMeterProvider(append([]sdkmetric.Option{sdkmetric.WithResource(res)}, readers...)...)
	p.meterProvider = mp
	p.shutdowns = append(p.shutdowns, mp.Shutdown)

	return p, nil
}

// Install registers the providers and the W3C propagators as the process
// globals. Instruments created afterwards through otel.Tracer and otel.Meter
// report through this Provider.
func (p *Provider) Install() {
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler serves /metrics, or is nil when metrics are disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}
