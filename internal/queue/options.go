package queue

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	DefaultMaxConcurrent    = 3
	DefaultExecutionTimeout = 300 * time.Second
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = time.Second
)

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	// MaxConcurrent bounds the number of tasks running at once.
	MaxConcurrent int

	// ExecutionTimeout bounds a single attempt.
	ExecutionTimeout time.Duration

	// MaxAttempts is the default retry ceiling for submitted tasks.
	MaxAttempts int

	// BackoffBase scales the retry delay: a task that failed its n-th attempt
	// waits BackoffBase * 2^n.
	BackoffBase time.Duration

	// MaxBackoff caps the retry delay. Zero leaves it unbounded.
	MaxBackoff time.Duration

	// BackoffJitter randomizes each delay by ±BackoffJitter (0 to 1).
	BackoffJitter float64

	// EventBuffer is the per-subscriber event channel capacity.
	EventBuffer int

	Clock  clock.WithTicker
	Logger *zap.Logger
	Meter  metric.Meter

	// NewID generates task IDs when the caller does not assign one.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = DefaultExecutionTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.MaxBackoff < 0 {
		o.MaxBackoff = 0
	}
	if o.BackoffJitter < 0 {
		o.BackoffJitter = 0
	}
	if o.BackoffJitter > 1 {
		o.BackoffJitter = 1
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	id          string
	scheduledAt time.Time
	maxAttempts int
}

// WithTaskID assigns the task ID instead of generating one. Dependents may
// reference an ID before the task carrying it is submitted.
func WithTaskID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.id = id
	}
}

// WithScheduledAt makes the task ineligible to run before t.
func WithScheduledAt(t time.Time) SubmitOption {
	return func(o *submitOptions) {
		o.scheduledAt = t
	}
}

// WithMaxAttempts overrides the queue's retry ceiling for this task.
func WithMaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}
