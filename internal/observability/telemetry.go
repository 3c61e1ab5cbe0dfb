package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Telemetry owns the process-wide metric/trace backends: one prometheus
// registry serving /admin/observability/metrics in exposition format, an
// OTel meter provider bridged into that registry, and an OTel tracer
// provider backing the per-request spans the exporter emits. Built once
// at process start and handed to lifecycle.Boot via Settings.Exporter.
type Telemetry struct {
	Exporter *PromOtelExporter

	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
	traceProvider *sdktrace.TracerProvider
}

func NewTelemetry() (*Telemetry, error) {
	registry := prometheus.NewRegistry()

	bridge, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus bridge: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(bridge))
	traceProvider := sdktrace.NewTracerProvider()

	meter := meterProvider.Meter("sentry-gateway")
	completed, err := meter.Int64Counter("gateway.requests.completed",
		metric.WithDescription("Requests reaching a terminal lifecycle stage, by outcome."))
	if err != nil {
		return nil, fmt.Errorf("completed counter: %w", err)
	}

	exporter := NewPromOtelExporter(registry, traceProvider.Tracer("sentry-gateway"))
	exporter.completed = completed

	return &Telemetry{
		Exporter:      exporter,
		registry:      registry,
		meterProvider: meterProvider,
		traceProvider: traceProvider,
	}, nil
}

// Gatherer exposes the prometheus registry for the admin metrics
// endpoint's exposition-format handler.
func (t *Telemetry) Gatherer() prometheus.Gatherer {
	return t.registry
}

// Shutdown flushes both providers; called from the process shutdown path
// after the HTTP listener is drained.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := t.traceProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
