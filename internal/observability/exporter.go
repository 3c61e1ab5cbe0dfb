package observability

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PromOtelExporter mirrors tracker events into real Prometheus metrics and
// OpenTelemetry spans, so a request's full trace and the breaker/latency
// metrics are inspectable with standard tooling instead of only the
// bespoke JSON export.
type PromOtelExporter struct {
	stageTransitions *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	breakerTrips     *prometheus.CounterVec
	tracer           trace.Tracer
	completed        metric.Int64Counter // optional OTel mirror, set by Telemetry

	mu    sync.Mutex
	spans map[string]trace.Span
	ctx   context.Context
}

func NewPromOtelExporter(reg prometheus.Registerer, tracer trace.Tracer) *PromOtelExporter {
	e := &PromOtelExporter{
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stage_transitions_total",
			Help: "Count of request lifecycle stage transitions.",
		}, []string{"from", "to"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_operation_duration_ms",
			Help:    "Duration of component operations in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"component", "operation", "ok"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Count of circuit breaker state transitions.",
		}, []string{"key", "from", "to"}),
		tracer: tracer,
		spans:  make(map[string]trace.Span),
		ctx:    context.Background(),
	}
	if reg != nil {
		reg.MustRegister(e.stageTransitions, e.operationLatency, e.breakerTrips)
	}
	return e
}

func (e *PromOtelExporter) OnStageTransition(requestID string, from, to Stage) {
	e.stageTransitions.WithLabelValues(string(from), string(to)).Inc()
	if isTerminal(to) && e.completed != nil {
		e.completed.Add(e.ctx, 1, metric.WithAttributes(attribute.String("outcome", string(to))))
	}
	if e.tracer == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if from == StageReceived || e.spans[requestID] == nil {
		_, span := e.tracer.Start(e.ctx, "request")
		span.SetAttributes(attribute.String("request_id", requestID))
		e.spans[requestID] = span
	}
	span := e.spans[requestID]
	span.AddEvent(string(to))
	if isTerminal(to) {
		span.End()
		delete(e.spans, requestID)
	}
}

func (e *PromOtelExporter) OnOperation(m OperationMetric) {
	okLabel := "true"
	if !m.OK {
		okLabel = "false"
	}
	e.operationLatency.WithLabelValues(m.ComponentID, m.OperationName, okLabel).Observe(m.DurationMS)
}

func (e *PromOtelExporter) OnBreakerTrip(key, from, to string) {
	e.breakerTrips.WithLabelValues(key, from, to).Inc()
}
