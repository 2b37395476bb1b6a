package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/fyrsmithlabs/conductor/internal/events"
)

// Queue is a priority and dependency aware scheduler with bounded
// concurrency. It is safe for concurrent use.
type Queue struct {
	exec    Executor
	opts    Options
	clock   clock.WithTicker
	logger  *zap.Logger
	metrics *queueMetrics
	bus     *events.Bus[Event]

	// baseCtx parents every attempt context; cancelAll aborts them on Close.
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	tasks     map[string]*task
	pending   []*task
	running   map[string]*task
	completed map[string]*task
	failed    map[string]*task
	seq       uint64

	paused     bool
	closed     bool
	processing bool

	// generation is bumped by Clear; attempts started under an older
	// generation are discarded on completion.
	generation uint64

	wakeAt   time.Time
	wakeStop chan struct{}
}

// New creates a queue that runs tasks with exec.
func New(exec Executor, opts Options) (*Queue, error) {
	if exec == nil {
		return nil, ErrNilExecutor
	}
	opts = opts.withDefaults()
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	logger := opts.Logger.Named("queue")
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		exec:      exec,
		opts:      opts,
		clock:     opts.Clock,
		logger:    logger,
		metrics:   newQueueMetrics(opts.Meter, logger),
		bus:       events.NewBus[Event](opts.EventBuffer),
		baseCtx:   ctx,
		cancelAll: cancel,
		tasks:     make(map[string]*task),
		running:   make(map[string]*task),
		completed: make(map[string]*task),
		failed:    make(map[string]*task),
	}, nil
}

// Submit adds step to the pending set and returns its task ID. Higher
// priority runs first. Submit never blocks on execution.
func (q *Queue) Submit(step Step, priority int, opts ...SubmitOption) (string, error) {
	if step == nil {
		return "", ErrNilStep
	}
	so := submitOptions{maxAttempts: q.opts.MaxAttempts}
	for _, opt := range opts {
		opt(&so)
	}
	id := so.id
	if id == "" {
		id = q.opts.NewID()
	}
	deps := uniqueDeps(step.Dependencies())

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if _, exists := q.tasks[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if q.closesCycleLocked(id, deps) {
		return "", fmt.Errorf("%w: task %s", ErrDependencyCycle, id)
	}

	now := q.clock.Now()
	q.seq++
	t := &task{
		id:          id,
		step:        step,
		deps:        deps,
		priority:    priority,
		seq:         q.seq,
		addedAt:     now,
		scheduledAt: so.scheduledAt,
		maxAttempts: so.maxAttempts,
		state:       StatePending,
		backoff:     newBackOff(q.opts),
	}
	q.tasks[id] = t
	q.pending = append(q.pending, t)
	q.metrics.recordSubmitted()

	q.logger.Debug("task added",
		zap.String("task_id", id),
		zap.Int("priority", priority),
		zap.Strings("dependencies", deps),
	)
	q.publishLocked(Event{Type: EventTaskAdded, TaskID: id, Step: step})
	q.processLocked()
	return id, nil
}

// Remove drops a pending task. It reports false if the task is unknown or
// already running, completed or failed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.state != StatePending {
		return false
	}
	q.removePendingLocked(t)
	delete(q.tasks, id)
	q.logger.Debug("task removed", zap.String("task_id", id))
	q.processLocked()
	return true
}

// Status returns task counts per state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{
		Pending:   len(q.pending),
		Running:   len(q.running),
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Paused:    q.paused,
	}
	s.Total = s.Pending + s.Running + s.Completed + s.Failed
	return s
}

// Get returns a snapshot of the task with id.
func (q *Queue) Get(id string) (TaskInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// Tasks returns snapshots of every known task in submission order.
func (q *Queue) Tasks() []TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := make([]*task, 0, len(q.tasks))
	for _, t := range q.tasks {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]TaskInfo, len(all))
	for i, t := range all {
		out[i] = t.info()
	}
	return out
}

// Pause stops dispatching new tasks. Running tasks finish normally.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return
	}
	q.paused = true
	q.stopWakeLocked()
	q.stopProcessingLocked()
	q.logger.Info("queue paused")
}

// Resume restarts dispatching after Pause or Clear.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.paused || q.closed {
		return
	}
	q.paused = false
	q.logger.Info("queue resumed")
	q.processLocked()
}

// Clear pauses the queue and discards every task. Running attempts are
// cancelled and their outcomes ignored. Call Resume to dispatch again.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.paused = true
	q.stopWakeLocked()
	q.stopProcessingLocked()
	q.generation++
	for _, t := range q.running {
		if t.cancel != nil {
			t.cancel()
		}
	}

	q.tasks = make(map[string]*task)
	q.pending = nil
	q.running = make(map[string]*task)
	q.completed = make(map[string]*task)
	q.failed = make(map[string]*task)

	q.logger.Info("queue cleared")
	q.publishLocked(Event{Type: EventQueueCleared})
}

// Subscribe returns a channel of queue events and a function to stop
// receiving them. Events are dropped for subscribers that fall behind.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	return q.bus.Subscribe()
}

// Close stops dispatching and waits for running attempts until ctx is done,
// after which they are cancelled. Subscriber channels are closed.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.paused = true
	q.stopWakeLocked()
	q.stopProcessingLocked()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.cancelAll()
		<-done
		err = ctx.Err()
	}
	q.cancelAll()
	q.bus.Close()
	return err
}

// processLocked dispatches ready tasks while slots remain, then arms the
// wake-up timer for the earliest scheduled task.
func (q *Queue) processLocked() {
	if q.paused || q.closed {
		return
	}
	if !q.processing && len(q.pending) > 0 {
		q.processing = true
		q.publishLocked(Event{Type: EventProcessingStarted})
	}

	for {
		now := q.clock.Now()
		for len(q.running) < q.opts.MaxConcurrent {
			t := q.nextReadyLocked(now)
			if t == nil {
				break
			}
			q.dispatchLocked(t, now)
		}

		if len(q.running) >= q.opts.MaxConcurrent {
			q.stopWakeLocked()
			break
		}
		next, ok := q.nextWakeLocked(now)
		if !ok {
			q.stopWakeLocked()
			break
		}
		delay := next.Sub(q.clock.Now())
		if delay <= 0 {
			continue
		}
		q.armWakeLocked(next, delay)
		break
	}

	if len(q.pending) == 0 && len(q.running) == 0 {
		q.stopProcessingLocked()
	}
}

func (q *Queue) stopProcessingLocked() {
	if q.processing {
		q.processing = false
		q.publishLocked(Event{Type: EventProcessingStopped})
	}
}

// nextReadyLocked removes and returns the best ready task, or nil.
func (q *Queue) nextReadyLocked(now time.Time) *task {
	var best *task
	for _, t := range q.pending {
		if !t.scheduledAt.IsZero() && t.scheduledAt.After(now) {
			continue
		}
		if !q.depsCompletedLocked(t) {
			continue
		}
		if best == nil || t.before(best) {
			best = t
		}
	}
	if best != nil {
		q.removePendingLocked(best)
	}
	return best
}

// nextWakeLocked returns the earliest future start time among pending tasks
// whose dependencies are complete.
func (q *Queue) nextWakeLocked(now time.Time) (time.Time, bool) {
	var next time.Time
	for _, t := range q.pending {
		if !t.scheduledAt.After(now) || !q.depsCompletedLocked(t) {
			continue
		}
		if next.IsZero() || t.scheduledAt.Before(next) {
			next = t.scheduledAt
		}
	}
	return next, !next.IsZero()
}

func (q *Queue) depsCompletedLocked(t *task) bool {
	for _, dep := range t.deps {
		if _, ok := q.completed[dep]; !ok {
			return false
		}
	}
	return true
}

func (q *Queue) armWakeLocked(at time.Time, delay time.Duration) {
	if q.wakeStop != nil && q.wakeAt.Equal(at) {
		return
	}
	q.stopWakeLocked()

	stop := make(chan struct{})
	q.wakeStop = stop
	q.wakeAt = at
	timer := q.clock.NewTimer(delay)

	go func() {
		select {
		case <-timer.C():
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.wakeStop != stop {
				return
			}
			q.wakeStop = nil
			q.wakeAt = time.Time{}
			q.processLocked()
		case <-stop:
			timer.Stop()
		}
	}()
}

func (q *Queue) stopWakeLocked() {
	if q.wakeStop != nil {
		close(q.wakeStop)
		q.wakeStop = nil
		q.wakeAt = time.Time{}
	}
}

func (q *Queue) dispatchLocked(t *task, now time.Time) {
	t.state = StateRunning
	t.attempts++
	t.startedAt = now
	q.running[t.id] = t

	ctx, cancel := context.WithTimeout(q.baseCtx, q.opts.ExecutionTimeout)
	t.cancel = cancel
	gen := q.generation

	q.logger.Debug("task started",
		zap.String("task_id", t.id),
		zap.Int("attempt", t.attempts),
		zap.Int("max_attempts", t.maxAttempts),
	)
	q.publishLocked(Event{Type: EventTaskStarted, TaskID: t.id, Step: t.step, Attempts: t.attempts})

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer cancel()

		start := q.clock.Now()
		result, err := q.invoke(ctx, t.step)
		q.finish(t, gen, result, err, q.clock.Since(start))
	}()
}

type outcome struct {
	result any
	err    error
}

// invoke runs the executor, abandoning it when ctx is done.
func (q *Queue) invoke(ctx context.Context, step Step) (any, error) {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &PanicError{Value: p, Stack: debug.Stack()}}
			}
		}()
		result, err := q.exec.Execute(ctx, step)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, q.timeoutError()
		}
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, q.timeoutError()
		}
		return nil, ctx.Err()
	}
}

func (q *Queue) timeoutError() error {
	return fmt.Errorf("%w after %s", ErrExecutionTimeout, q.opts.ExecutionTimeout)
}

func (q *Queue) finish(t *task, gen uint64, result any, err error, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if gen != q.generation || q.running[t.id] != t {
		return
	}
	delete(q.running, t.id)
	t.cancel = nil
	t.duration = d
	q.metrics.recordAttempt(d, err)
	now := q.clock.Now()

	switch {
	case err == nil:
		t.state = StateCompleted
		t.result = result
		t.err = nil
		t.finishedAt = now
		q.completed[t.id] = t
		q.metrics.recordFinished(StateCompleted)

		q.logger.Debug("task completed",
			zap.String("task_id", t.id),
			zap.Int("attempts", t.attempts),
			zap.Duration("duration", d),
		)
		q.publishLocked(Event{
			Type:     EventTaskCompleted,
			TaskID:   t.id,
			Step:     t.step,
			Attempts: t.attempts,
			Duration: d,
			Result:   result,
		})

	case t.attempts < t.maxAttempts:
		delay := t.backoff.NextBackOff()
		t.state = StatePending
		t.err = err
		t.scheduledAt = now.Add(delay)
		q.pending = append(q.pending, t)
		q.metrics.recordRetry()

		q.logger.Warn("task failed, retrying",
			zap.String("task_id", t.id),
			zap.Int("attempts", t.attempts),
			zap.Int("max_attempts", t.maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		q.publishLocked(Event{
			Type:        EventTaskRetry,
			TaskID:      t.id,
			Step:        t.step,
			Attempts:    t.attempts,
			Duration:    d,
			Err:         err,
			Error:       err.Error(),
			Delay:       delay,
			NextRetryAt: t.scheduledAt,
		})

	default:
		t.state = StateFailed
		t.err = err
		t.finishedAt = now
		q.failed[t.id] = t
		q.metrics.recordFinished(StateFailed)

		q.logger.Error("task failed",
			zap.String("task_id", t.id),
			zap.Int("attempts", t.attempts),
			zap.Error(err),
		)
		q.publishLocked(Event{
			Type:     EventTaskFailed,
			TaskID:   t.id,
			Step:     t.step,
			Attempts: t.attempts,
			Duration: d,
			Err:      err,
			Error:    err.Error(),
		})
	}

	q.processLocked()
}

// closesCycleLocked reports whether a task id depending on deps would be
// reachable from itself through unfinished tasks.
func (q *Queue) closesCycleLocked(id string, deps []string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true

		t, ok := q.tasks[cur]
		if !ok || t.state == StateCompleted || t.state == StateFailed {
			continue
		}
		stack = append(stack, t.deps...)
	}
	return false
}

func (q *Queue) removePendingLocked(t *task) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) publishLocked(e Event) {
	e.Time = q.clock.Now()
	q.bus.Publish(e)
}

func uniqueDeps(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
