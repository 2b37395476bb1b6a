package breaker

import (
	"errors"
	"fmt"
	"time"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func (s State) String() string {
	return string(s)
}

// Func is a guarded call against a resource, typically a provider adapter.
type Func func() (any, error)

var (
	// ErrCircuitOpen is matched by every fast-fail rejection.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNilFunc is returned when Execute is given no function to guard.
	ErrNilFunc = errors.New("breaker: nil function")
)

// OpenError reports a call rejected without touching the resource.
type OpenError struct {
	ResourceID string
	State      State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("resource %s is currently unavailable (circuit breaker %s)", e.ResourceID, e.State)
}

// Unwrap lets errors.Is(err, ErrCircuitOpen) match.
func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// PanicError carries a panic recovered from a guarded call or fallback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("guarded call panicked: %v", e.Value)
}

// Stats is a point-in-time snapshot of one circuit.
type Stats struct {
	ResourceID      string    `json:"resource_id"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
	TotalRequests   int64     `json:"total_requests"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalRejected   int64     `json:"total_rejected"`
	Config          Config    `json:"config"`
}

// EventType names a circuit notification.
type EventType string

const (
	EventRegistered   EventType = "circuit-registered"
	EventBlocked      EventType = "circuit-blocked"
	EventFallback     EventType = "fallback-triggered"
	EventSuccess      EventType = "circuit-success"
	EventFailure      EventType = "circuit-failure"
	EventStateChange  EventType = "circuit-state-change"
	EventReset        EventType = "circuit-reset"
	EventTripped      EventType = "circuit-tripped"
	EventUnregistered EventType = "circuit-unregistered"
)

// Event is published on every notable circuit occurrence.
// OldState and NewState are only set for EventStateChange.
type Event struct {
	Type       EventType `json:"type"`
	ResourceID string    `json:"resource_id"`
	State      State     `json:"state"`
	OldState   State     `json:"old_state,omitempty"`
	NewState   State     `json:"new_state,omitempty"`
	Stats      Stats     `json:"stats"`
	Err        error     `json:"-"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}
