package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/queue"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/orchestrator"

const (
	defaultReconcileInterval = time.Second
	defaultMaxRetainedRuns   = 100
)

// Options configures an Orchestrator.
type Options struct {
	// Queue configures the task queue the orchestrator owns.
	Queue queue.Options

	// Breakers guards step resources. A registry is created when nil and
	// closed with the orchestrator.
	Breakers *breaker.Registry

	Logger   *logging.Logger
	Tracer   trace.Tracer
	Recorder MemoryRecorder

	// Scrubber redacts learnings before they are recorded.
	Scrubber Scrubber

	// Clock drives the run watchers; it defaults to Queue.Clock.
	Clock clock.WithTicker

	// NewID generates run IDs.
	NewID func() string

	// ReconcileInterval is how often a run re-reads task state when no
	// queue event arrives.
	ReconcileInterval time.Duration

	// MaxRetainedRuns bounds how many finished runs stay queryable.
	MaxRetainedRuns int
}

// Orchestrator runs plans on a queue, guarding every step with the circuit
// of the resource it calls.
type Orchestrator struct {
	queue        *queue.Queue
	breakers     *breaker.Registry
	ownsBreakers bool
	logger       *logging.Logger
	tracer       trace.Tracer
	recorder     MemoryRecorder
	scrubber     Scrubber
	clock        clock.WithTicker
	newID        func() string

	reconcileEvery time.Duration
	maxRuns        int

	mu        sync.RWMutex
	handlers  map[StepType]StepHandler
	fallbacks map[string]FallbackHandler
	limiters  map[string]*rate.Limiter
	agents    map[string]string
	progress  ProgressCallback
	runs      map[string]*PlanRun
	runOrder  []string
}

// New creates an orchestrator and its queue.
func New(opts Options) (*Orchestrator, error) {
	o := &Orchestrator{
		breakers:       opts.Breakers,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		recorder:       opts.Recorder,
		scrubber:       opts.Scrubber,
		clock:          opts.Clock,
		newID:          opts.NewID,
		reconcileEvery: opts.ReconcileInterval,
		maxRuns:        opts.MaxRetainedRuns,
		handlers:       make(map[StepType]StepHandler),
		fallbacks:      make(map[string]FallbackHandler),
		limiters:       make(map[string]*rate.Limiter),
		agents:         make(map[string]string),
		runs:           make(map[string]*PlanRun),
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if o.clock == nil {
		o.clock = opts.Queue.Clock
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.reconcileEvery <= 0 {
		o.reconcileEvery = defaultReconcileInterval
	}
	if o.maxRuns <= 0 {
		o.maxRuns = defaultMaxRetainedRuns
	}
	if o.breakers == nil {
		o.breakers = breaker.NewRegistry(
			breaker.WithClock(o.clock),
			breaker.WithLogger(o.logger.Underlying()),
		)
		o.ownsBreakers = true
	}

	qopts := opts.Queue
	if qopts.Logger == nil {
		qopts.Logger = o.logger.Underlying()
	}
	q, err := queue.New(queue.ExecutorFunc(o.execute), qopts)
	if err != nil {
		return nil, fmt.Errorf("creating queue: %w", err)
	}
	o.queue = q
	return o, nil
}

// Queue returns the orchestrator's task queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Breakers returns the circuit registry guarding step resources.
func (o *Orchestrator) Breakers() *breaker.Registry { return o.breakers }

// RegisterHandler sets the handler for a step type, replacing any previous one.
func (o *Orchestrator) RegisterHandler(t StepType, h StepHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[t] = h
}

// RegisterFallback sets the handler used when resource's circuit is open.
func (o *Orchestrator) RegisterFallback(resource string, fb FallbackHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks[resource] = fb
}

// RegisterAgent maps an agent name to the resource its steps are guarded
// by, and rate limits that resource. A non-positive limit leaves it
// unlimited.
func (o *Orchestrator) RegisterAgent(name, resource string, limit rate.Limit, burst int) {
	if resource == "" {
		resource = name
	}
	o.mu.Lock()
	o.agents[name] = resource
	o.mu.Unlock()
	o.SetRateLimit(resource, limit, burst)
}

// SetRateLimit bounds calls to resource. A non-positive limit removes it.
func (o *Orchestrator) SetRateLimit(resource string, limit rate.Limit, burst int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 {
		delete(o.limiters, resource)
		return
	}
	if burst < 1 {
		burst = 1
	}
	if l, ok := o.limiters[resource]; ok {
		l.SetLimit(limit)
		l.SetBurst(burst)
		return
	}
	o.limiters[resource] = rate.NewLimiter(limit, burst)
}

// OnProgress sets the progress callback for all runs.
func (o *Orchestrator) OnProgress(cb ProgressCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = cb
}

// ResourceFor returns the circuit resource guarding step: its explicit
// Resource, else its agent's resource, else "step:<type>".
func (o *Orchestrator) ResourceFor(step *Step) string {
	if step.Resource != "" {
		return step.Resource
	}
	if step.Agent != "" {
		o.mu.RLock()
		res, ok := o.agents[step.Agent]
		o.mu.RUnlock()
		if ok {
			return res
		}
		return step.Agent
	}
	return "step:" + string(step.Type)
}

// Close stops accepting work, waits for running steps, and releases the
// registry if the orchestrator created it.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.queue.Close(ctx)
	if o.ownsBreakers {
		o.breakers.Close()
	}
	return err
}

// taskStep is what the orchestrator puts on the queue.
type taskStep struct {
	step     *Step
	runID    string
	taskID   string
	resource string
	deps     []string
}

func (t *taskStep) Dependencies() []string { return t.deps }

// StepOf returns the plan step carried by a queued task.
func StepOf(s queue.Step) (*Step, bool) {
	ts, ok := s.(*taskStep)
	if !ok {
		return nil, false
	}
	return ts.step, true
}

func (o *Orchestrator) handler(t StepType) (StepHandler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[t]
	return h, ok
}

func (o *Orchestrator) fallback(resource string) (FallbackHandler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fb, ok := o.fallbacks[resource]
	return fb, ok
}

func (o *Orchestrator) limiter(resource string) *rate.Limiter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.limiters[resource]
}

// execute is the queue executor: rate limit, then the handler inside the
// resource's circuit, all under one span per attempt.
func (o *Orchestrator) execute(ctx context.Context, qs queue.Step) (any, error) {
	ts, ok := qs.(*taskStep)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unexpected step %T", qs)
	}
	step := ts.step

	ctx = logging.WithRunID(ctx, ts.runID)
	ctx = logging.WithTaskID(ctx, ts.taskID)
	ctx = logging.WithStepType(ctx, string(step.Type))
	ctx = logging.WithResourceID(ctx, ts.resource)

	attempt := 0
	if info, ok := o.queue.Get(ts.taskID); ok {
		attempt = info.Attempts
	}

	ctx, span := o.tracer.Start(ctx, "step."+string(step.Type), trace.WithAttributes(
		attribute.String("run.id", ts.runID),
		attribute.String("task.id", ts.taskID),
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
		attribute.String("step.agent", step.Agent),
		attribute.String("resource.id", ts.resource),
		attribute.Int("task.attempt", attempt),
	))
	defer span.End()

	result, err := o.attempt(ctx, span, ts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (o *Orchestrator) attempt(ctx context.Context, span trace.Span, ts *taskStep) (any, error) {
	step := ts.step
	h, ok := o.handler(step.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, step.Type)
	}

	if l := o.limiter(ts.resource); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit for %s: %w", ts.resource, err)
		}
	}

	var fallback breaker.Func
	if fb, ok := o.fallback(ts.resource); ok {
		fallback = func() (any, error) {
			span.SetAttributes(attribute.Bool("circuit.fallback", true))
			o.logger.Info(ctx, "circuit open, using fallback")
			return fb.Fallback(ctx, step)
		}
	}

	start := time.Now()
	result, err := o.breakers.Execute(ts.resource, func() (any, error) {
		return h.Handle(ctx, step)
	}, fallback)

	switch {
	case err == nil:
		o.logger.Debug(ctx, "step attempt succeeded", zap.Duration("duration", time.Since(start)))
		return result, nil
	case errors.Is(err, breaker.ErrCircuitOpen):
		span.SetAttributes(attribute.Bool("circuit.open", true))
		o.logger.Warn(ctx, "step rejected, circuit open")
	default:
		o.logger.Debug(ctx, "step attempt failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
	}
	return nil, err
}
