package breaker

import (
	"runtime/debug"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fyrsmithlabs/conductor/internal/events"
)

// Registry manages one circuit per resource ID.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	defaults Config
	clock    clock.WithTicker
	logger   *zap.Logger
	meter    metric.Meter
	metrics  *breakerMetrics
	bus      *events.Bus[Event]
	busSize  int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source. Tests pass a fake clock.
func WithClock(c clock.WithTicker) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDefaultConfig sets the config used for resources registered without one.
func WithDefaultConfig(cfg Config) Option {
	return func(r *Registry) {
		r.defaults = cfg.WithDefaults(DefaultConfig())
	}
}

// WithMeter sets the OpenTelemetry meter for breaker instruments.
func WithMeter(m metric.Meter) Option {
	return func(r *Registry) {
		r.meter = m
	}
}

// WithEventBuffer sets the per-subscriber event buffer size.
func WithEventBuffer(n int) Option {
	return func(r *Registry) {
		r.busSize = n
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		circuits: make(map[string]*circuit),
		defaults: DefaultConfig(),
		clock:    clock.RealClock{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("breaker")
	r.metrics = newBreakerMetrics(r.meter, r.logger)
	r.bus = events.NewBus[Event](r.busSize)
	return r
}

// RegisterResource creates or replaces the circuit for id. Zero fields of cfg
// fall back to the registry defaults. A replaced circuit's timers are stopped
// and its counters are lost.
func (r *Registry) RegisterResource(id string, cfg Config) {
	cfg = cfg.WithDefaults(r.defaults)

	r.mu.Lock()
	old := r.circuits[id]
	c := newCircuit(r, id, cfg)
	r.circuits[id] = c
	r.mu.Unlock()

	if old != nil {
		old.detach()
		r.logger.Warn("circuit re-registered, previous state discarded", zap.String("resource", id))
	}

	r.logger.Debug("circuit registered",
		zap.String("resource", id),
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Int("success_threshold", cfg.SuccessThreshold),
		zap.Duration("open_timeout", cfg.OpenTimeout),
		zap.Duration("reset_interval", cfg.ResetInterval),
	)
	r.publish(Event{Type: EventRegistered, ResourceID: id, State: StateClosed, Stats: c.stats()})
}

// Execute runs fn under the circuit of id, registering it with defaults on
// first use. When the circuit rejects the call, fallback runs instead if
// given; otherwise an *OpenError is returned. A panic in fn counts as a
// failure and is returned as a *PanicError.
func (r *Registry) Execute(id string, fn Func, fallback Func) (any, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	c := r.getOrRegister(id)

	ok, state, stats := c.acquire()
	if !ok {
		r.publish(Event{Type: EventBlocked, ResourceID: id, State: state, Stats: stats})
		if fallback == nil {
			return nil, &OpenError{ResourceID: id, State: state}
		}
		r.logger.Debug("circuit open, using fallback", zap.String("resource", id))
		r.metrics.recordFallback(id)
		r.publish(Event{Type: EventFallback, ResourceID: id, State: state, Stats: stats})
		return invoke(fallback)
	}

	result, err := invoke(fn)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}
	c.recordSuccess()
	return result, nil
}

// Call is a typed wrapper around Registry.Execute.
func Call[T any](r *Registry, id string, fn func() (T, error), fallback func() (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilFunc
	}
	var fb Func
	if fallback != nil {
		fb = func() (any, error) {
			v, err := fallback()
			return v, err
		}
	}
	out, err := r.Execute(id, func() (any, error) {
		v, err := fn()
		return v, err
	}, fb)
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// CanAttempt reports whether a call against id would currently be allowed.
// An OPEN circuit whose timeout has elapsed moves to HALF_OPEN here.
// Unknown resources are allowed.
func (r *Registry) CanAttempt(id string) bool {
	c := r.get(id)
	if c == nil {
		return true
	}
	return c.canAttempt()
}

// RecordSuccess records a success for id outside of Execute.
func (r *Registry) RecordSuccess(id string) {
	r.getOrRegister(id).recordSuccess()
}

// RecordFailure records a failure for id outside of Execute.
func (r *Registry) RecordFailure(id string, err error) {
	r.getOrRegister(id).recordFailure(err)
}

// GetState returns the state of id, or StateUnknown if unregistered.
func (r *Registry) GetState(id string) State {
	c := r.get(id)
	if c == nil {
		return StateUnknown
	}
	return c.currentState()
}

// GetStats returns a snapshot of id.
func (r *Registry) GetStats(id string) (Stats, bool) {
	c := r.get(id)
	if c == nil {
		return Stats{}, false
	}
	return c.stats(), true
}

// GetHealthStatus returns a snapshot of every registered circuit.
func (r *Registry) GetHealthStatus() map[string]Stats {
	out := make(map[string]Stats)
	for _, c := range r.all() {
		out[c.id] = c.stats()
	}
	return out
}

// Resources returns the registered resource IDs in sorted order.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.circuits))
	for id := range r.circuits {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Reset returns id to a fresh CLOSED state. It reports false for unknown ids.
func (r *Registry) Reset(id string) bool {
	c := r.get(id)
	if c == nil {
		return false
	}
	c.reset()
	r.logger.Info("circuit reset", zap.String("resource", id))
	return true
}

// ResetAll resets every registered circuit.
func (r *Registry) ResetAll() {
	for _, c := range r.all() {
		c.reset()
	}
	r.logger.Info("all circuits reset")
}

// Trip forces id OPEN, registering it with defaults if needed.
func (r *Registry) Trip(id string) {
	r.getOrRegister(id).trip()
	r.logger.Warn("circuit tripped manually", zap.String("resource", id))
}

// Unregister removes id and stops its timers. It reports whether id existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	c, ok := r.circuits[id]
	delete(r.circuits, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.detach()
	r.publish(Event{Type: EventUnregistered, ResourceID: id, State: c.currentState()})
	return true
}

// Subscribe returns a channel of circuit events and a function to stop
// receiving them.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.bus.Subscribe()
}

// Close stops every circuit timer and closes the event bus.
func (r *Registry) Close() {
	r.mu.Lock()
	circuits := r.circuits
	r.circuits = make(map[string]*circuit)
	r.mu.Unlock()

	for _, c := range circuits {
		c.detach()
	}
	r.bus.Close()
}

func (r *Registry) get(id string) *circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circuits[id]
}

func (r *Registry) getOrRegister(id string) *circuit {
	if c := r.get(id); c != nil {
		return c
	}

	r.mu.Lock()
	c, ok := r.circuits[id]
	if !ok {
		c = newCircuit(r, id, r.defaults)
		r.circuits[id] = c
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("circuit auto-registered", zap.String("resource", id))
		r.publish(Event{Type: EventRegistered, ResourceID: id, State: StateClosed, Stats: c.stats()})
	}
	return c
}

func (r *Registry) all() []*circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, c)
	}
	return out
}

func (r *Registry) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = r.clock.Now()
	}
	r.bus.Publish(e)
}

// invoke calls fn, converting a panic into a *PanicError.
func invoke(fn Func) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return fn()
}
