package queue

import "time"

// EventType names a queue notification.
type EventType string

const (
	EventTaskAdded         EventType = "task-added"
	EventTaskStarted       EventType = "task-started"
	EventTaskCompleted     EventType = "task-completed"
	EventTaskFailed        EventType = "task-failed"
	EventTaskRetry         EventType = "task-retry"
	EventProcessingStarted EventType = "processing-started"
	EventProcessingStopped EventType = "processing-stopped"
	EventQueueCleared      EventType = "queue-cleared"
)

// Event is published on every task and queue lifecycle change.
// Task fields are empty for queue-level events.
type Event struct {
	Type        EventType     `json:"type"`
	TaskID      string        `json:"task_id,omitempty"`
	Step        Step          `json:"-"`
	Attempts    int           `json:"attempts,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Result      any           `json:"-"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at,omitzero"`
	Time        time.Time     `json:"time"`
}
