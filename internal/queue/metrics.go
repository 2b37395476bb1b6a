package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/queue"

type queueMetrics struct {
	submitted metric.Int64Counter
	finished  metric.Int64Counter
	retries   metric.Int64Counter
	duration  metric.Float64Histogram
}

func newQueueMetrics(meter metric.Meter, logger *zap.Logger) *queueMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &queueMetrics{}

	var err error
	m.submitted, err = meter.Int64Counter(
		"conductor.queue.tasks_submitted_total",
		metric.WithDescription("Tasks accepted by the scheduler."),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		logger.Warn("failed to create submitted counter", zap.Error(err))
	}

	m.finished, err = meter.Int64Counter(
		"conductor.queue.tasks_finished_total",
		metric.WithDescription("Tasks that reached a terminal state, labeled by outcome (completed, failed)."),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		logger.Warn("failed to create finished counter", zap.Error(err))
	}

	m.retries, err = meter.Int64Counter(
		"conductor.queue.task_retries_total",
		metric.WithDescription("Failed attempts re-queued with backoff."),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"conductor.queue.attempt_duration_seconds",
		metric.WithDescription("Duration of single task attempts, labeled by outcome (success, failure)."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	return m
}

func (m *queueMetrics) recordSubmitted() {
	if m.submitted != nil {
		m.submitted.Add(context.Background(), 1)
	}
}

func (m *queueMetrics) recordAttempt(d time.Duration, err error) {
	if m.duration == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.duration.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *queueMetrics) recordRetry() {
	if m.retries != nil {
		m.retries.Add(context.Background(), 1)
	}
}

func (m *queueMetrics) recordFinished(state TaskState) {
	if m.finished != nil {
		m.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(state))))
	}
}
