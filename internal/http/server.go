// Package http provides the REST API over the orchestrator's queue and
// circuit registry.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
)

// Server provides HTTP endpoints for conductor.
type Server struct {
	echo    *echo.Echo
	orch    *orchestrator.Orchestrator
	logger  *zap.Logger
	config  *Config
	version string

	// runCtx parents every run submitted over HTTP; Shutdown cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	gatherer prometheus.Gatherer
	meter    metric.Meter
	version  string
}

// WithGatherer sets the registry served on /metrics. The default is
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *serverOptions) { o.gatherer = g }
}

// WithMeter sets the meter for request metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *serverOptions) { o.meter = m }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *serverOptions) { o.version = v }
}

// NewServer creates a new HTTP server.
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9190,
		}
	}
	o := serverOptions{gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(o.meter, logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let echo write the error so the logged status is final.
				c.Error(err)
				err = nil
			}

			level := zap.InfoLevel
			if c.Path() == "/health" || c.Path() == "/metrics" {
				level = zap.DebugLevel
			}
			logger.Log(level, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:      e,
		orch:      orch,
		logger:    logger,
		config:    cfg,
		version:   o.version,
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	s.registerRoutes(o.gatherer)

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")

	v1.GET("/queue", s.handleQueueStatus)
	v1.POST("/queue/pause", s.handleQueuePause)
	v1.POST("/queue/resume", s.handleQueueResume)
	v1.POST("/queue/clear", s.handleQueueClear)

	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.DELETE("/tasks/:id", s.handleRemoveTask)

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)

	v1.GET("/circuits", s.handleListCircuits)
	v1.GET("/circuits/:id", s.handleGetCircuit)
	v1.POST("/circuits/:id/reset", s.handleResetCircuit)
	v1.POST("/circuits/:id/trip", s.handleTripCircuit)
	v1.DELETE("/circuits/:id", s.handleUnregisterCircuit)
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server and cancels runs it started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.cancelRun()
	return s.echo.Shutdown(ctx)
}
