package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Step is the opaque unit of work carried by a task. The queue only reads
// its dependencies.
type Step interface {
	// Dependencies returns the IDs of tasks that must complete first.
	Dependencies() []string
}

// Executor runs a step. It must return promptly once ctx is done.
type Executor interface {
	Execute(ctx context.Context, step Step) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, step Step) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, step Step) (any, error) {
	return f(ctx, step)
}

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
)

// Status counts tasks per state.
type Status struct {
	Pending   int  `json:"pending"`
	Running   int  `json:"running"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Total     int  `json:"total"`
	Paused    bool `json:"paused"`
}

// TaskInfo is a read-only snapshot of a task.
type TaskInfo struct {
	ID           string        `json:"id"`
	Step         Step          `json:"-"`
	State        TaskState     `json:"state"`
	Priority     int           `json:"priority"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	AddedAt      time.Time     `json:"added_at"`
	ScheduledAt  time.Time     `json:"scheduled_at,omitzero"`
	StartedAt    time.Time     `json:"started_at,omitzero"`
	FinishedAt   time.Time     `json:"finished_at,omitzero"`
	Duration     time.Duration `json:"duration,omitempty"`
	Result       any           `json:"-"`
	Error        string        `json:"error,omitempty"`
}

type task struct {
	id          string
	step        Step
	deps        []string
	priority    int
	seq         uint64
	addedAt     time.Time
	scheduledAt time.Time
	attempts    int
	maxAttempts int
	state       TaskState

	startedAt  time.Time
	finishedAt time.Time
	duration   time.Duration
	result     any
	err        error

	backoff *backoff.ExponentialBackOff
	cancel  context.CancelFunc
}

func (t *task) info() TaskInfo {
	info := TaskInfo{
		ID:           t.id,
		Step:         t.step,
		State:        t.state,
		Priority:     t.priority,
		Dependencies: append([]string(nil), t.deps...),
		Attempts:     t.attempts,
		MaxAttempts:  t.maxAttempts,
		AddedAt:      t.addedAt,
		ScheduledAt:  t.scheduledAt,
		StartedAt:    t.startedAt,
		FinishedAt:   t.finishedAt,
		Duration:     t.duration,
		Result:       t.result,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// before reports whether t should be dispatched ahead of o.
func (t *task) before(o *task) bool {
	if t.priority != o.priority {
		return t.priority > o.priority
	}
	if !t.addedAt.Equal(o.addedAt) {
		return t.addedAt.Before(o.addedAt)
	}
	return t.seq < o.seq
}
