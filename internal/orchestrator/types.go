package orchestrator

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoHandler is returned when a step's type has no registered handler.
	ErrNoHandler = errors.New("orchestrator: no handler for step type")

	// ErrUnknownStep is returned when a step depends on an ID not in the plan.
	ErrUnknownStep = errors.New("orchestrator: unknown step")

	// ErrStepSkipped marks a step dropped because a dependency failed or the
	// run was cancelled.
	ErrStepSkipped = errors.New("orchestrator: step skipped")

	// ErrInvalidPlan is returned for structurally invalid plans.
	ErrInvalidPlan = errors.New("orchestrator: invalid plan")
)

// StepType names the kind of work a step performs.
type StepType string

const (
	StepPlan   StepType = "plan"
	StepCode   StepType = "code"
	StepTest   StepType = "test"
	StepReview StepType = "review"
	StepCommit StepType = "commit"
)

// StepTypes returns the built-in step types in pipeline order.
func StepTypes() []StepType {
	return []StepType{StepPlan, StepCode, StepTest, StepReview, StepCommit}
}

// Step is a unit of work in a plan.
type Step struct {
	ID          string         `json:"id" yaml:"id" toml:"id"`
	Type        StepType       `json:"type" yaml:"type" toml:"type"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Agent       string         `json:"agent,omitempty" yaml:"agent,omitempty" toml:"agent,omitempty"`
	Resource    string         `json:"resource,omitempty" yaml:"resource,omitempty" toml:"resource,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
	Priority    int            `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty"`
	Input       map[string]any `json:"input,omitempty" yaml:"input,omitempty" toml:"input,omitempty"`
}

// DisplayName returns Name, or ID when Name is empty.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// StepHandler performs one step type. Handlers must return once ctx is done.
type StepHandler interface {
	Handle(ctx context.Context, step *Step) (any, error)
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, step *Step) (any, error)

// Handle calls f.
func (f StepHandlerFunc) Handle(ctx context.Context, step *Step) (any, error) {
	return f(ctx, step)
}

// FallbackHandler produces a result for a step whose resource circuit is open.
type FallbackHandler interface {
	Fallback(ctx context.Context, step *Step) (any, error)
}

// FallbackFunc adapts a function to FallbackHandler.
type FallbackFunc func(ctx context.Context, step *Step) (any, error)

// Fallback calls f.
func (f FallbackFunc) Fallback(ctx context.Context, step *Step) (any, error) {
	return f(ctx, step)
}

// MemoryRecorder stores what a run taught us.
type MemoryRecorder interface {
	RecordLearning(ctx context.Context, content string, tags []string) error
}

// Scrubber removes secrets from text that leaves the process.
type Scrubber interface {
	Scrub(content string) string
}

// StepStatus is a step's position within a run.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusRetrying  StepStatus = "retrying"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// RunStatus summarizes a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StepReport is the outcome of one step.
type StepReport struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Type     StepType      `json:"type"`
	TaskID   string        `json:"task_id"`
	Resource string        `json:"resource"`
	Status   StepStatus    `json:"status"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Result   any           `json:"result,omitempty"`
}

// RunReport is the outcome of a plan run.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Plan       string        `json:"plan,omitempty"`
	Status     RunStatus     `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Duration   time.Duration `json:"duration,omitempty"`
	Steps      []StepReport  `json:"steps"`
}

// Count returns how many steps have status s.
func (r *RunReport) Count(s StepStatus) int {
	n := 0
	for _, st := range r.Steps {
		if st.Status == s {
			n++
		}
	}
	return n
}

// Step returns the report for step id.
func (r *RunReport) Step(id string) (StepReport, bool) {
	for _, st := range r.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return StepReport{}, false
}

// Progress is delivered to the progress callback on every step status or
// attempt change.
type Progress struct {
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	Done       int        `json:"done"`
	Total      int        `json:"total"`
	Percentage int        `json:"percentage"`
	Message    string     `json:"message,omitempty"`
}

// ProgressCallback receives progress updates. It is called from the run's
// watcher goroutine and must not block.
type ProgressCallback func(Progress)
