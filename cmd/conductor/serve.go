package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/conductor/internal/config"
	httpapi "github.com/fyrsmithlabs/conductor/internal/http"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/metrics"
	"github.com/fyrsmithlabs/conductor/internal/natsbridge"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor daemon",
		Long: `Start the conductor daemon: the task queue, circuit breakers, the HTTP
API on server.http_host:server.http_port, and NATS event forwarding when
events.nats.enabled is set.

The config file is watched; changed per-resource circuit thresholds and
agent rate limits are applied without a restart.

Examples:
  # Start with the default config file
  conductor serve

  # Start with an explicit config file
  conductor serve --config /etc/conductor/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(ctx, cfg, path)
		},
	}
}

// loadConfig loads --config, or the default path when unset.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

// daemon holds everything serve starts.
type daemon struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
	engine *engine
	server *httpapi.Server
	bridge *natsbridge.Bridge
	nc     *nats.Conn
}

// newDaemon wires the daemon from cfg without starting anything.
func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := newLogger(cfg, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	d := &daemon{cfg: cfg, logger: logger, tel: tel}

	var recorder orchestrator.MemoryRecorder = orchestrator.LogRecorder{Logger: logger}
	if cfg.Events.NATS.Enabled {
		nc, err := natsbridge.Connect(cfg.Events.NATS.URL, logger.Underlying())
		if err != nil {
			d.close(ctx)
			return nil, err
		}
		d.nc = nc
		d.bridge = natsbridge.New(nc, cfg.Events.NATS.SubjectPrefix, logger.Underlying())
		recorder = d.bridge
		logger.Info(ctx, "Connected to NATS", zap.String("url", cfg.Events.NATS.URL))
	}

	d.engine, err = newEngine(cfg, logger, tel, recorder)
	if err != nil {
		d.close(ctx)
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	orch := d.engine.orch
	if err := metrics.Register(reg, metrics.NewCollector(orch.Queue(), orch.Breakers(), orch)); err != nil {
		d.close(ctx)
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	d.server, err = httpapi.NewServer(orch, logger.Underlying().Named("http"),
		&httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		httpapi.WithGatherer(reg),
		httpapi.WithMeter(tel.Meter(scopePrefix+"http")),
		httpapi.WithVersion(version),
	)
	if err != nil {
		d.close(ctx)
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}
	return d, nil
}

// close releases what newDaemon acquired, in reverse order.
func (d *daemon) close(ctx context.Context) {
	if d.engine != nil {
		if err := d.engine.Close(ctx); err != nil {
			d.logger.Warn(ctx, "engine did not drain", zap.Error(err))
		}
	}
	if d.nc != nil {
		if err := d.nc.Drain(); err != nil {
			d.nc.Close()
		}
	}
	if err := d.tel.Shutdown(ctx); err != nil {
		d.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = d.logger.Sync()
}

// serve runs the daemon until ctx is done.
func serve(ctx context.Context, cfg *config.Config, path string) error {
	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}

	d.logger.Info(ctx, "Starting conductor",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Int("max_concurrent", cfg.Scheduler.MaxConcurrent),
		zap.Int("agents", len(cfg.Agents)),
		zap.Bool("nats", d.bridge != nil),
		zap.Bool("telemetry", d.tel.IsEnabled()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(d.server.Start)

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return d.server.Shutdown(sctx)
	})

	if d.bridge != nil {
		g.Go(func() error {
			return d.bridge.Run(gctx, d.engine.orch.Queue(), d.engine.orch.Breakers())
		})
	}

	if path != "" {
		if _, err := os.Stat(filepath.Dir(path)); err == nil {
			g.Go(func() error {
				return d.watchConfig(gctx, path)
			})
		}
	}

	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration()+5*time.Second)
	defer cancel()
	d.logger.Info(sctx, "Shutting down conductor")
	d.close(sctx)
	return err
}

// watchConfig applies config file changes until ctx is done. A broken file
// keeps the running config.
func (d *daemon) watchConfig(ctx context.Context, path string) error {
	current := d.cfg
	err := config.Watch(ctx, path, func(next *config.Config, err error) {
		if err != nil {
			d.logger.Warn(ctx, "config reload failed, keeping current config", zap.Error(err))
			return
		}
		d.engine.applyReload(ctx, current, next)
		current = next
	})
	if err != nil {
		d.logger.Warn(ctx, "config watch stopped", zap.Error(err))
	}
	return nil
}
