package http

import (
	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/queue"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status       string        `json:"status"` // "ok" or "degraded"
	Version      string        `json:"version,omitempty"`
	Queue        queue.Status  `json:"queue"`
	Circuits     CircuitCounts `json:"circuits"`
	OpenCircuits []string      `json:"open_circuits,omitempty"`
}

// TaskList is the response body for GET /api/v1/tasks.
type TaskList struct {
	Tasks []queue.TaskInfo `json:"tasks"`
	Count int              `json:"count"`
}

// RunList is the response body for GET /api/v1/runs.
type RunList struct {
	Runs  []orchestrator.RunReport `json:"runs"`
	Count int                      `json:"count"`
}

// CircuitList is the response body for GET /api/v1/circuits.
type CircuitList struct {
	Circuits []breaker.Stats `json:"circuits"`
	Summary  CircuitCounts   `json:"summary"`
}

// ErrorResponse is the body echo writes for failed requests.
type ErrorResponse struct {
	Message string `json:"message"`
}
