package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/secrets"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
)

const scopePrefix = "github.com/fyrsmithlabs/conductor/internal/"

// engine is the orchestrator plus the registry it does not own.
type engine struct {
	orch     *orchestrator.Orchestrator
	breakers *breaker.Registry
	logger   *logging.Logger
}

// newEngine builds the queue, circuits and handlers described by cfg.
// tel may be nil.
func newEngine(cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry, recorder orchestrator.MemoryRecorder) (*engine, error) {
	qopts := cfg.Scheduler.QueueOptions()
	qopts.Logger = logger.Underlying().Named("queue")
	qopts.Meter = tel.Meter(scopePrefix + "queue")

	reg := breaker.NewRegistry(
		breaker.WithLogger(logger.Underlying().Named("breaker")),
		breaker.WithDefaultConfig(cfg.Breaker.Defaults.Breaker()),
		breaker.WithMeter(tel.Meter(scopePrefix+"breaker")),
	)
	for id := range cfg.Breaker.Resources {
		reg.RegisterResource(id, cfg.Breaker.ResourceConfig(id))
	}

	scrubber, err := newScrubber(cfg.Scrub, logger)
	if err != nil {
		reg.Close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Queue:    qopts,
		Breakers: reg,
		Logger:   logger,
		Tracer:   tel.Tracer(scopePrefix + "orchestrator"),
		Recorder: recorder,
		Scrubber: scrubber,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}

	agents := make(map[string]orchestrator.Agent, len(cfg.Agents))
	for name, a := range cfg.Agents {
		agents[name] = orchestrator.Agent{URL: a.URL, APIKey: a.APIKey, Timeout: a.Timeout.Duration()}
		orch.RegisterAgent(name, a.Resource, rate.Limit(a.RateLimit), a.Burst)
	}

	router := &stepRouter{
		exec:  &orchestrator.ExecHandler{Scrubber: scrubber},
		agent: orchestrator.NewHTTPAgentHandler(agents, nil, logger),
	}
	for _, t := range orchestrator.StepTypes() {
		orch.RegisterHandler(t, router)
	}

	return &engine{orch: orch, breakers: reg, logger: logger}, nil
}

// newScrubber returns the secret redactor, or nil when scrubbing is
// disabled.
func newScrubber(cfg config.ScrubConfig, logger *logging.Logger) (orchestrator.Scrubber, error) {
	if cfg.Disabled {
		return nil, nil
	}
	allowlist, err := secrets.LoadAllowlist(cfg.Allowlist)
	if err != nil {
		return nil, err
	}
	r, err := secrets.New(allowlist, logger.Underlying().Named("secrets"))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close drains the queue and stops the circuit timers.
func (e *engine) Close(ctx context.Context) error {
	err := e.orch.Close(ctx)
	e.breakers.Close()
	return err
}

// applyReload applies the parts of a reloaded config that can change at
// runtime: per-resource circuit thresholds and agent rate limits. It
// returns the circuits that were re-registered.
func (e *engine) applyReload(ctx context.Context, old, cur *config.Config) []string {
	ids := make(map[string]bool)
	for id := range old.Breaker.Resources {
		ids[id] = true
	}
	for id := range cur.Breaker.Resources {
		ids[id] = true
	}

	var changed []string
	for id := range ids {
		if old.Breaker.ResourceConfig(id) == cur.Breaker.ResourceConfig(id) {
			continue
		}
		e.breakers.RegisterResource(id, cur.Breaker.ResourceConfig(id))
		changed = append(changed, id)
	}
	sort.Strings(changed)

	if old.Breaker.Defaults != cur.Breaker.Defaults {
		e.logger.Warn(ctx, "breaker defaults changed; restart to apply them to unlisted resources")
	}

	for name, a := range cur.Agents {
		prev, ok := old.Agents[name]
		if !ok {
			e.logger.Warn(ctx, "new agent needs a restart", zap.String("agent", name))
			continue
		}
		if prev.URL != a.URL || prev.APIKey != a.APIKey || prev.Timeout != a.Timeout {
			e.logger.Warn(ctx, "agent endpoint changed; restart to apply", zap.String("agent", name))
		}
		if prev.RateLimit != a.RateLimit || prev.Burst != a.Burst || prev.Resource != a.Resource {
			e.orch.RegisterAgent(name, a.Resource, rate.Limit(a.RateLimit), a.Burst)
		}
	}

	if len(changed) > 0 {
		e.logger.Info(ctx, "circuits re-registered from config", zap.Strings("resources", changed))
	}
	return changed
}

// stepRouter runs steps with a "command" input locally and sends the rest
// to their agent.
type stepRouter struct {
	exec  orchestrator.StepHandler
	agent orchestrator.StepHandler
}

var errNoExecutor = errors.New("step has neither a command input nor an agent")

func (r *stepRouter) Handle(ctx context.Context, step *orchestrator.Step) (any, error) {
	if _, ok := step.Input["command"]; ok {
		return r.exec.Handle(ctx, step)
	}
	if step.Agent != "" {
		return r.agent.Handle(ctx, step)
	}
	return nil, fmt.Errorf("step %s: %w", step.ID, errNoExecutor)
}

// newLogger builds the daemon logger, bridging to OTel when tel has a
// log provider.
func newLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lcfg, tel.LoggerProvider())
}
