package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// circuit is the state machine for a single resource.
// All mutable fields are guarded by mu.
type circuit struct {
	id  string
	reg *Registry

	mu              sync.Mutex
	cfg             Config
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64

	// stop is closed to cancel the timer owned by the current state.
	// A timer goroutine whose stop channel is no longer current is stale.
	stop     chan struct{}
	detached bool
}

func newCircuit(reg *Registry, id string, cfg Config) *circuit {
	c := &circuit{
		id:              id,
		reg:             reg,
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: reg.clock.Now(),
	}
	c.mu.Lock()
	c.startDecayLocked()
	c.mu.Unlock()
	return c
}

// acquire reports whether a call may proceed. A rejection is counted.
func (c *circuit) acquire() (bool, State, Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.allowLocked() {
		return true, c.state, Stats{}
	}
	c.totalRequests++
	c.totalRejected++
	c.reg.metrics.recordRequest(c.id, "rejected")
	return false, c.state, c.snapshotLocked()
}

func (c *circuit) canAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowLocked()
}

// allowLocked performs the passive OPEN → HALF_OPEN check.
func (c *circuit) allowLocked() bool {
	switch c.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if c.reg.clock.Since(c.lastStateChange) >= c.cfg.OpenTimeout {
			c.transitionLocked(StateHalfOpen)
			return true
		}
	}
	return false
}

func (c *circuit) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	c.totalSuccesses++
	c.reg.metrics.recordRequest(c.id, "success")

	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= c.cfg.SuccessThreshold {
			c.transitionLocked(StateClosed)
		}
	}
	c.reg.publish(Event{Type: EventSuccess, ResourceID: c.id, State: c.state, Stats: c.snapshotLocked()})
}

func (c *circuit) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.reg.clock.Now()
	c.totalRequests++
	c.totalFailures++
	c.reg.metrics.recordRequest(c.id, "failure")

	switch c.state {
	case StateClosed:
		c.failureCount++
		c.lastFailureTime = now
		if c.failureCount >= c.cfg.FailureThreshold {
			c.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		c.lastFailureTime = now
		c.transitionLocked(StateOpen)
	}

	ev := Event{Type: EventFailure, ResourceID: c.id, State: c.state, Stats: c.snapshotLocked(), Err: err}
	if err != nil {
		ev.Error = err.Error()
	}
	c.reg.publish(ev)
}

// trip forces the circuit OPEN regardless of counters.
func (c *circuit) trip() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen {
		// Restart the recovery window.
		c.stopTimerLocked()
		c.lastStateChange = c.reg.clock.Now()
		c.startRecoveryLocked()
	} else {
		c.transitionLocked(StateOpen)
	}
	c.reg.publish(Event{Type: EventTripped, ResourceID: c.id, State: c.state, Stats: c.snapshotLocked()})
}

// reset returns the circuit to a fresh CLOSED state, lifetime totals included.
func (c *circuit) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		c.transitionLocked(StateClosed)
	}
	c.failureCount = 0
	c.successCount = 0
	c.lastFailureTime = time.Time{}
	c.totalRequests = 0
	c.totalFailures = 0
	c.totalSuccesses = 0
	c.totalRejected = 0
	c.reg.publish(Event{Type: EventReset, ResourceID: c.id, State: c.state, Stats: c.snapshotLocked()})
}

// detach stops all timers; the circuit is no longer reachable from the registry.
func (c *circuit) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	c.stopTimerLocked()
}

func (c *circuit) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *circuit) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *circuit) snapshotLocked() Stats {
	return Stats{
		ResourceID:      c.id,
		State:           c.state,
		FailureCount:    c.failureCount,
		SuccessCount:    c.successCount,
		LastFailureTime: c.lastFailureTime,
		LastStateChange: c.lastStateChange,
		TotalRequests:   c.totalRequests,
		TotalFailures:   c.totalFailures,
		TotalSuccesses:  c.totalSuccesses,
		TotalRejected:   c.totalRejected,
		Config:          c.cfg,
	}
}

func (c *circuit) transitionLocked(to State) {
	from := c.state
	if from == to {
		return
	}

	c.stopTimerLocked()
	c.state = to
	c.lastStateChange = c.reg.clock.Now()

	switch to {
	case StateClosed:
		c.failureCount = 0
		c.successCount = 0
		c.startDecayLocked()
	case StateHalfOpen:
		c.failureCount = 0
		c.successCount = 0
	case StateOpen:
		c.successCount = 0
		c.startRecoveryLocked()
	}

	c.reg.logger.Info("circuit state changed",
		zap.String("resource", c.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("failure_count", c.failureCount),
	)
	c.reg.metrics.recordTransition(c.id, from, to)
	c.reg.publish(Event{
		Type:       EventStateChange,
		ResourceID: c.id,
		State:      to,
		OldState:   from,
		NewState:   to,
		Stats:      c.snapshotLocked(),
	})
}

func (c *circuit) stopTimerLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// startRecoveryLocked arms the one-shot OPEN → HALF_OPEN timer.
func (c *circuit) startRecoveryLocked() {
	if c.detached {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	timer := c.reg.clock.NewTimer(c.cfg.OpenTimeout)

	go func() {
		select {
		case <-timer.C():
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.stop != stop || c.state != StateOpen {
				return
			}
			c.transitionLocked(StateHalfOpen)
		case <-stop:
			timer.Stop()
		}
	}()
}

// startDecayLocked runs the CLOSED-state failure decay ticker.
func (c *circuit) startDecayLocked() {
	if c.detached || c.cfg.ResetInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	ticker := c.reg.clock.NewTicker(c.cfg.ResetInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				c.decay(stop)
			case <-stop:
				return
			}
		}
	}()
}

func (c *circuit) decay(stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != stop || c.state != StateClosed || c.failureCount == 0 {
		return
	}
	if c.reg.clock.Since(c.lastFailureTime) < c.cfg.ResetInterval {
		return
	}
	c.failureCount--
	c.reg.logger.Debug("circuit failure count decayed",
		zap.String("resource", c.id),
		zap.Int("failure_count", c.failureCount),
	)
}
