package breaker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/breaker"

// breakerMetrics holds the OpenTelemetry instruments of a Registry.
// Instruments that fail to initialize are left nil and skipped.
type breakerMetrics struct {
	requests    metric.Int64Counter
	transitions metric.Int64Counter
	fallbacks   metric.Int64Counter
}

func newBreakerMetrics(meter metric.Meter, logger *zap.Logger) *breakerMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &breakerMetrics{}

	var err error
	m.requests, err = meter.Int64Counter(
		"conductor.breaker.requests_total",
		metric.WithDescription("Calls routed through a circuit, labeled by resource and outcome (success, failure, rejected)."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create breaker requests counter", zap.Error(err))
	}

	m.transitions, err = meter.Int64Counter(
		"conductor.breaker.transitions_total",
		metric.WithDescription("Circuit state transitions labeled by resource, from and to state."),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		logger.Warn("failed to create breaker transitions counter", zap.Error(err))
	}

	m.fallbacks, err = meter.Int64Counter(
		"conductor.breaker.fallbacks_total",
		metric.WithDescription("Fallback invocations for rejected calls, labeled by resource."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create breaker fallbacks counter", zap.Error(err))
	}

	return m
}

func (m *breakerMetrics) recordRequest(id, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("resource", id),
		attribute.String("outcome", outcome),
	))
}

func (m *breakerMetrics) recordTransition(id string, from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("resource", id),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *breakerMetrics) recordFallback(id string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("resource", id)))
}
