package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/queue"
)

const recordTimeout = 10 * time.Second

var errTaskDropped = errors.New("task dropped from queue")

// PlanRun tracks one plan executing on the queue.
type PlanRun struct {
	o          *Orchestrator
	id         string
	dependents map[string][]string
	done       chan struct{}

	mu     sync.Mutex
	report RunReport
	index  map[string]int
	err    error
}

// ID returns the run ID. Task IDs of the run are "<run id>/<step id>".
func (r *PlanRun) ID() string { return r.id }

// Done is closed once every step is terminal or the run was cancelled.
func (r *PlanRun) Done() <-chan struct{} { return r.done }

// Err returns the reason a finished run stopped early, if any.
func (r *PlanRun) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Report returns a snapshot of the run.
func (r *PlanRun) Report() RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := r.report
	rep.Steps = append([]StepReport(nil), r.report.Steps...)
	return rep
}

// Wait blocks until the run finishes or ctx is done.
func (r *PlanRun) Wait(ctx context.Context) (*RunReport, error) {
	select {
	case <-r.done:
		rep := r.Report()
		return &rep, r.Err()
	case <-ctx.Done():
		rep := r.Report()
		return &rep, ctx.Err()
	}
}

// Run submits plan and blocks until it finishes. Step failures are
// reported in the RunReport; the error is non-nil only when the plan is
// rejected or ctx ends the run early.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*RunReport, error) {
	r, err := o.Start(ctx, plan)
	if err != nil {
		return nil, err
	}
	<-r.done
	rep := r.Report()
	return &rep, r.Err()
}

// Start validates plan, submits every step and returns without waiting.
// Cancelling ctx cancels the run: pending steps are removed and reported
// as skipped.
func (o *Orchestrator) Start(ctx context.Context, plan *Plan) (*PlanRun, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{Name: plan.Name, Steps: make([]Step, len(plan.Steps))}
	for i, s := range plan.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		p.Steps[i] = s
	}
	for _, s := range p.Steps {
		if _, ok := o.handler(s.Type); !ok {
			return nil, fmt.Errorf("%w: %s (step %s)", ErrNoHandler, s.Type, s.ID)
		}
	}
	order, err := p.order()
	if err != nil {
		return nil, err
	}

	runID := o.newID()
	r := &PlanRun{
		o:          o,
		id:         runID,
		dependents: p.dependents(),
		done:       make(chan struct{}),
		index:      make(map[string]int, len(p.Steps)),
		report: RunReport{
			RunID:     runID,
			Plan:      p.Name,
			Status:    RunRunning,
			StartedAt: o.clock.Now(),
			Steps:     make([]StepReport, 0, len(p.Steps)),
		},
	}

	for i, s := range p.Steps {
		r.index[s.ID] = i
		r.report.Steps = append(r.report.Steps, StepReport{
			ID:       s.ID,
			Name:     s.Name,
			Type:     s.Type,
			TaskID:   taskID(runID, s.ID),
			Resource: o.ResourceFor(&p.Steps[i]),
			Status:   StatusPending,
		})
	}

	tasks := make([]*taskStep, 0, len(order))
	for _, s := range order {
		deps := make([]string, 0, len(s.DependsOn))
		for _, d := range uniqueStrings(s.DependsOn) {
			deps = append(deps, taskID(runID, d))
		}
		sr := r.report.Steps[r.index[s.ID]]
		tasks = append(tasks, &taskStep{
			step:     s,
			runID:    runID,
			taskID:   sr.TaskID,
			resource: sr.Resource,
			deps:     deps,
		})
	}

	// Subscribe before the first submission so no transition is missed.
	events, unsubscribe := o.queue.Subscribe()

	submitted := make([]string, 0, len(tasks))
	for _, ts := range tasks {
		_, err := o.queue.Submit(ts, ts.step.Priority,
			queue.WithTaskID(ts.taskID),
			queue.WithMaxAttempts(ts.step.MaxAttempts),
		)
		if err != nil {
			for _, id := range submitted {
				o.queue.Remove(id)
			}
			unsubscribe()
			return nil, fmt.Errorf("submitting step %s: %w", ts.step.ID, err)
		}
		submitted = append(submitted, ts.taskID)
	}

	o.trackRun(r)

	lctx := logging.WithRunID(ctx, runID)
	o.logger.Info(lctx, "run started", zap.String("plan", p.Name), zap.Int("steps", len(p.Steps)))

	go r.watch(ctx, events, unsubscribe)
	return r, nil
}

func taskID(runID, stepID string) string { return runID + "/" + stepID }

// GetRun returns a retained run.
func (o *Orchestrator) GetRun(id string) (*PlanRun, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	return r, ok
}

// Runs returns reports of retained runs, oldest first.
func (o *Orchestrator) Runs() []RunReport {
	o.mu.RLock()
	runs := make([]*PlanRun, 0, len(o.runOrder))
	for _, id := range o.runOrder {
		runs = append(runs, o.runs[id])
	}
	o.mu.RUnlock()

	out := make([]RunReport, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Report())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// trackRun retains r, evicting the oldest finished runs over the limit.
func (o *Orchestrator) trackRun(r *PlanRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[r.id] = r
	o.runOrder = append(o.runOrder, r.id)

	for len(o.runOrder) > o.maxRuns {
		evicted := false
		for i, id := range o.runOrder {
			select {
			case <-o.runs[id].done:
				delete(o.runs, id)
				o.runOrder = append(o.runOrder[:i], o.runOrder[i+1:]...)
				evicted = true
			default:
			}
			if evicted {
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (o *Orchestrator) progressCallback() ProgressCallback {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress
}

// watch follows queue events until every step is terminal. Events only
// wake it; state is always re-read from the queue, so dropped events cost
// latency, not correctness.
func (r *PlanRun) watch(ctx context.Context, events <-chan queue.Event, unsubscribe func()) {
	defer close(r.done)
	defer unsubscribe()

	ticker := r.o.clock.NewTicker(r.o.reconcileEvery)
	defer ticker.Stop()

	prefix := r.id + "/"
	for !r.reconcile() {
		select {
		case <-ctx.Done():
			r.abort(RunCancelled, fmt.Errorf("run cancelled: %w", ctx.Err()))
			r.finish(ctx)
			return
		case ev, ok := <-events:
			if !ok {
				if !r.reconcile() {
					r.abort(RunFailed, queue.ErrQueueClosed)
				}
				r.finish(ctx)
				return
			}
			if ev.TaskID != "" && !strings.HasPrefix(ev.TaskID, prefix) {
				continue
			}
		case <-ticker.C():
		}
	}
	r.finish(ctx)
}

func stepStatus(info queue.TaskInfo) StepStatus {
	switch info.State {
	case queue.StateRunning:
		return StatusRunning
	case queue.StateCompleted:
		return StatusCompleted
	case queue.StateFailed:
		return StatusFailed
	default:
		if info.Attempts > 0 {
			return StatusRetrying
		}
		return StatusPending
	}
}

// reconcile refreshes every open step from the queue, skips dependents of
// newly failed steps, and reports whether the run is complete.
func (r *PlanRun) reconcile() bool {
	var notes []Progress

	r.mu.Lock()
	var failed []string
	for i := range r.report.Steps {
		sr := &r.report.Steps[i]
		if sr.Status.Terminal() {
			continue
		}

		info, ok := r.o.queue.Get(sr.TaskID)
		if !ok {
			sr.Status = StatusFailed
			sr.Error = errTaskDropped.Error()
			failed = append(failed, sr.ID)
			notes = append(notes, r.progressLocked(sr, sr.Error))
			continue
		}

		next := stepStatus(info)
		changed := next != sr.Status || info.Attempts != sr.Attempts
		sr.Status = next
		sr.Attempts = info.Attempts
		sr.Duration = info.Duration
		sr.Error = info.Error
		if next == StatusCompleted {
			sr.Result = info.Result
		}
		if next == StatusFailed {
			failed = append(failed, sr.ID)
		}
		if changed {
			notes = append(notes, r.progressLocked(sr, info.Error))
		}
	}
	for _, id := range failed {
		notes = append(notes, r.skipDependentsLocked(id)...)
	}
	done := r.allTerminalLocked()
	r.mu.Unlock()

	r.notify(notes)
	return done
}

// skipDependentsLocked removes every pending transitive dependent of a
// failed step from the queue.
func (r *PlanRun) skipDependentsLocked(failedID string) []Progress {
	var notes []Progress
	visited := map[string]bool{failedID: true}
	frontier := []string{failedID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, dep := range r.dependents[id] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			frontier = append(frontier, dep)

			sr := &r.report.Steps[r.index[dep]]
			if sr.Status.Terminal() {
				continue
			}
			if !r.o.queue.Remove(sr.TaskID) {
				continue
			}
			sr.Status = StatusSkipped
			sr.Error = fmt.Sprintf("%v: dependency %s failed", ErrStepSkipped, failedID)
			r.o.logger.Warn(logging.WithTaskID(logging.WithRunID(context.Background(), r.id), sr.TaskID),
				"step skipped", zap.String("failed_dependency", failedID))
			notes = append(notes, r.progressLocked(sr, sr.Error))
		}
	}
	return notes
}

// abort removes every open step from the queue and stops the run. Steps
// already running are left to finish and keep their last known status.
func (r *PlanRun) abort(status RunStatus, reason error) {
	var notes []Progress

	r.mu.Lock()
	for i := range r.report.Steps {
		sr := &r.report.Steps[i]
		if sr.Status.Terminal() {
			continue
		}
		if r.o.queue.Remove(sr.TaskID) {
			sr.Status = StatusSkipped
			sr.Error = fmt.Sprintf("%v: %v", ErrStepSkipped, reason)
			notes = append(notes, r.progressLocked(sr, sr.Error))
		}
	}
	r.report.Status = status
	r.err = reason
	r.mu.Unlock()

	r.notify(notes)
}

func (r *PlanRun) allTerminalLocked() bool {
	for _, sr := range r.report.Steps {
		if !sr.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *PlanRun) progressLocked(sr *StepReport, msg string) Progress {
	total := len(r.report.Steps)
	done := 0
	for _, s := range r.report.Steps {
		if s.Status.Terminal() {
			done++
		}
	}
	return Progress{
		RunID:      r.id,
		StepID:     sr.ID,
		Status:     sr.Status,
		Attempts:   sr.Attempts,
		Done:       done,
		Total:      total,
		Percentage: done * 100 / total,
		Message:    msg,
	}
}

func (r *PlanRun) notify(notes []Progress) {
	if len(notes) == 0 {
		return
	}
	cb := r.o.progressCallback()
	if cb == nil {
		return
	}
	for _, p := range notes {
		cb(p)
	}
}

// finish stamps the report, logs the outcome and records a learning.
func (r *PlanRun) finish(ctx context.Context) {
	r.mu.Lock()
	now := r.o.clock.Now()
	r.report.FinishedAt = now
	r.report.Duration = now.Sub(r.report.StartedAt)
	if r.report.Status == RunRunning {
		r.report.Status = RunCompleted
		for _, sr := range r.report.Steps {
			if sr.Status != StatusCompleted {
				r.report.Status = RunFailed
				break
			}
		}
	}
	rep := r.report
	rep.Steps = append([]StepReport(nil), r.report.Steps...)
	r.mu.Unlock()

	lctx := logging.WithRunID(ctx, r.id)
	fields := []zap.Field{
		zap.String("status", string(rep.Status)),
		zap.Duration("duration", rep.Duration),
		zap.Int("completed", rep.Count(StatusCompleted)),
		zap.Int("failed", rep.Count(StatusFailed)),
		zap.Int("skipped", rep.Count(StatusSkipped)),
	}
	if rep.Status == RunCompleted {
		r.o.logger.Info(lctx, "run finished", fields...)
	} else {
		r.o.logger.Warn(lctx, "run finished", fields...)
	}

	if r.o.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(lctx), recordTimeout)
	defer cancel()
	content := learning(&rep)
	if r.o.scrubber != nil {
		content = r.o.scrubber.Scrub(content)
	}
	if err := r.o.recorder.RecordLearning(rctx, content, learningTags(&rep)); err != nil {
		r.o.logger.Warn(lctx, "recording run learning failed", zap.Error(err))
	}
}

func learning(rep *RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", rep.Plan)
	fmt.Fprintf(&b, "Run: %s\n", rep.RunID)
	fmt.Fprintf(&b, "Status: %s (%s)\n", rep.Status, rep.Duration.Round(time.Millisecond))
	for _, s := range rep.Steps {
		fmt.Fprintf(&b, "- [%s] %s %s (%s, attempts %d)", s.Status, s.Type, s.ID, s.Resource, s.Attempts)
		if s.Error != "" {
			fmt.Fprintf(&b, ": %s", s.Error)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func learningTags(rep *RunReport) []string {
	tags := []string{"orchestrator", "plan-run"}
	if rep.Status == RunCompleted {
		return append(tags, "success")
	}
	return append(tags, "failure")
}
