package http

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/queue"
)

const maxPlanBody = 1024 * 1024

// handleHealth reports degraded while any circuit is open.
func (s *Server) handleHealth(c echo.Context) error {
	counts := CountCircuits(s.orch.Breakers().GetHealthStatus())
	resp := HealthResponse{
		Status:       "ok",
		Version:      s.version,
		Queue:        s.orch.Queue().Status(),
		Circuits:     counts,
		OpenCircuits: counts.open,
	}
	if len(counts.open) > 0 {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleQueueStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Queue().Status())
}

func (s *Server) handleQueuePause(c echo.Context) error {
	s.orch.Queue().Pause()
	return c.JSON(http.StatusOK, s.orch.Queue().Status())
}

func (s *Server) handleQueueResume(c echo.Context) error {
	s.orch.Queue().Resume()
	return c.JSON(http.StatusOK, s.orch.Queue().Status())
}

// handleQueueClear drops every task. The queue stays paused afterwards.
func (s *Server) handleQueueClear(c echo.Context) error {
	s.orch.Queue().Clear()
	s.logger.Warn("queue cleared over http",
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
	return c.JSON(http.StatusOK, s.orch.Queue().Status())
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks := s.orch.Queue().Tasks()
	if state := c.QueryParam("state"); state != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return c.JSON(http.StatusOK, TaskList{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleGetTask(c echo.Context) error {
	info, ok := s.orch.Queue().Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, info)
}

// handleRemoveTask removes a pending task. Running and finished tasks
// cannot be removed.
func (s *Server) handleRemoveTask(c echo.Context) error {
	id := c.Param("id")
	if s.orch.Queue().Remove(id) {
		return c.NoContent(http.StatusNoContent)
	}
	if info, ok := s.orch.Queue().Get(id); ok {
		return echo.NewHTTPError(http.StatusConflict, "task is "+string(info.State)+", only pending tasks can be removed")
	}
	return echo.NewHTTPError(http.StatusNotFound, "task not found")
}

// handleStartRun starts a plan asynchronously. The body format follows the
// Content-Type: JSON (default), YAML or TOML.
func (s *Server) handleStartRun(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPlanBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	if len(body) > maxPlanBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "plan exceeds 1MB")
	}

	plan, err := orchestrator.ParsePlan(body, planFormat(c.Request().Header.Get(echo.HeaderContentType)))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := logging.WithRequestID(s.runCtx, c.Response().Header().Get(echo.HeaderXRequestID))
	run, err := s.orch.Start(ctx, plan)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrNoHandler):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, queue.ErrQueueClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.logger.Info("run submitted",
		zap.String("run_id", run.ID()),
		zap.String("plan", plan.Name),
		zap.Int("steps", len(plan.Steps)))

	return c.JSON(http.StatusAccepted, run.Report())
}

func planFormat(contentType string) string {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return orchestrator.FormatYAML
	case "application/toml", "text/toml":
		return orchestrator.FormatTOML
	default:
		return orchestrator.FormatJSON
	}
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs := s.orch.Runs()
	return c.JSON(http.StatusOK, RunList{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, ok := s.orch.GetRun(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run.Report())
}

func (s *Server) handleListCircuits(c echo.Context) error {
	health := s.orch.Breakers().GetHealthStatus()
	circuits := make([]breaker.Stats, 0, len(health))
	for _, st := range health {
		circuits = append(circuits, st)
	}
	sort.Slice(circuits, func(i, j int) bool { return circuits[i].ResourceID < circuits[j].ResourceID })
	return c.JSON(http.StatusOK, CircuitList{Circuits: circuits, Summary: CountCircuits(health)})
}

func (s *Server) handleGetCircuit(c echo.Context) error {
	st, ok := s.orch.Breakers().GetStats(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "circuit not found")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleResetCircuit(c echo.Context) error {
	id := c.Param("id")
	if !s.orch.Breakers().Reset(id) {
		return echo.NewHTTPError(http.StatusNotFound, "circuit not found")
	}
	st, _ := s.orch.Breakers().GetStats(id)
	return c.JSON(http.StatusOK, st)
}

// handleTripCircuit forces a circuit open, registering it if unknown.
func (s *Server) handleTripCircuit(c echo.Context) error {
	id := c.Param("id")
	s.orch.Breakers().Trip(id)
	st, _ := s.orch.Breakers().GetStats(id)
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleUnregisterCircuit(c echo.Context) error {
	if !s.orch.Breakers().Unregister(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "circuit not found")
	}
	return c.NoContent(http.StatusNoContent)
}
