package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/queue"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, step *Step) (any, error) {
	args := m.Called(ctx, step)
	return args.Get(0), args.Error(1)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordLearning(ctx context.Context, content string, tags []string) error {
	return m.Called(ctx, content, tags).Error(0)
}

func newTestOrchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Queue.BackoffBase == 0 {
		opts.Queue.BackoffBase = time.Millisecond
	}
	if opts.Queue.ExecutionTimeout == 0 {
		opts.Queue.ExecutionTimeout = 5 * time.Second
	}
	if opts.ReconcileInterval == 0 {
		opts.ReconcileInterval = 10 * time.Millisecond
	}
	o, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func runPlan(t *testing.T, o *Orchestrator, plan *Plan) *RunReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := o.Run(ctx, plan)
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

// recordingHandler returns "<id>-done" and records the order steps ran in.
type recordingHandler struct {
	mu    sync.Mutex
	order []string
}

func (h *recordingHandler) Handle(_ context.Context, step *Step) (any, error) {
	h.mu.Lock()
	h.order = append(h.order, step.ID)
	h.mu.Unlock()
	return step.ID + "-done", nil
}

func (h *recordingHandler) ran() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func TestRun_CompletesInDependencyOrder(t *testing.T) {
	o := newTestOrchestrator(t, Options{Queue: queue.Options{MaxConcurrent: 3}})
	h := &recordingHandler{}
	for _, typ := range StepTypes() {
		o.RegisterHandler(typ, h)
	}

	plan := &Plan{Name: "feature", Steps: []Step{
		{ID: "commit", Type: StepCommit, DependsOn: []string{"review"}},
		{ID: "review", Type: StepReview, DependsOn: []string{"unit"}},
		{ID: "unit", Type: StepTest, DependsOn: []string{"implement"}},
		{ID: "implement", Type: StepCode, DependsOn: []string{"design"}},
		{ID: "design", Type: StepPlan},
	}}

	report := runPlan(t, o, plan)

	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, "feature", report.Plan)
	assert.Equal(t, []string{"design", "implement", "unit", "review", "commit"}, h.ran())
	require.Len(t, report.Steps, 5)
	assert.Equal(t, "commit", report.Steps[0].ID, "report keeps plan order")
	for _, s := range report.Steps {
		assert.Equal(t, StatusCompleted, s.Status, s.ID)
		assert.Equal(t, 1, s.Attempts, s.ID)
		assert.Equal(t, s.ID+"-done", s.Result)
		assert.True(t, strings.HasPrefix(s.TaskID, report.RunID+"/"), s.TaskID)
	}
	assert.False(t, report.FinishedAt.IsZero())
}

func TestRun_SkipsTransitiveDependentsOfFailedStep(t *testing.T) {
	tl := logging.NewTestLogger()
	o := newTestOrchestrator(t, Options{Logger: tl.Logger})

	h := &mockHandler{}
	h.On("Handle", mock.Anything, mock.MatchedBy(func(s *Step) bool { return s.ID == "implement" })).
		Return(nil, errors.New("model refused"))
	h.On("Handle", mock.Anything, mock.Anything).Return("ok", nil)
	for _, typ := range StepTypes() {
		o.RegisterHandler(typ, h)
	}

	plan := &Plan{Steps: []Step{
		{ID: "implement", Type: StepCode, MaxAttempts: 1},
		{ID: "unit", Type: StepTest, DependsOn: []string{"implement"}},
		{ID: "commit", Type: StepCommit, DependsOn: []string{"unit"}},
		{ID: "docs", Type: StepPlan},
	}}

	report := runPlan(t, o, plan)

	assert.Equal(t, RunFailed, report.Status)

	impl, _ := report.Step("implement")
	assert.Equal(t, StatusFailed, impl.Status)
	assert.Equal(t, 1, impl.Attempts)
	assert.Contains(t, impl.Error, "model refused")

	for _, id := range []string{"unit", "commit"} {
		s, ok := report.Step(id)
		require.True(t, ok)
		assert.Equal(t, StatusSkipped, s.Status, id)
		assert.Contains(t, s.Error, ErrStepSkipped.Error(), id)
		assert.Zero(t, s.Attempts, id)
	}

	docs, _ := report.Step("docs")
	assert.Equal(t, StatusCompleted, docs.Status)

	h.AssertNumberOfCalls(t, "Handle", 2)
	tl.AssertLogged(t, zapcore.WarnLevel, "step skipped")

	_, ok := o.Queue().Get(report.Steps[1].TaskID)
	assert.False(t, ok, "skipped steps are removed from the queue")
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	var calls atomic.Int32
	o.RegisterHandler(StepTest, StepHandlerFunc(func(context.Context, *Step) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return "green", nil
	}))

	report := runPlan(t, o, &Plan{Steps: []Step{{ID: "unit", Type: StepTest, MaxAttempts: 3}}})

	assert.Equal(t, RunCompleted, report.Status)
	s, _ := report.Step("unit")
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, "green", s.Result)
}

func TestRun_OpenCircuitUsesFallback(t *testing.T) {
	reg := breaker.NewRegistry()
	t.Cleanup(reg.Close)
	reg.Trip("llm-a")

	o := newTestOrchestrator(t, Options{Breakers: reg})
	h := &mockHandler{}
	o.RegisterHandler(StepReview, h)
	o.RegisterFallback("llm-a", FallbackFunc(func(_ context.Context, s *Step) (any, error) {
		return "cached review for " + s.ID, nil
	}))

	report := runPlan(t, o, &Plan{Steps: []Step{{ID: "review", Type: StepReview, Resource: "llm-a"}}})

	assert.Equal(t, RunCompleted, report.Status)
	s, _ := report.Step("review")
	assert.Equal(t, "cached review for review", s.Result)
	assert.Equal(t, "llm-a", s.Resource)
	h.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	assert.Equal(t, breaker.StateOpen, reg.GetState("llm-a"))
}

func TestRun_OpenCircuitWithoutFallbackFails(t *testing.T) {
	reg := breaker.NewRegistry()
	t.Cleanup(reg.Close)
	reg.Trip("llm-a")

	o := newTestOrchestrator(t, Options{Breakers: reg})
	h := &mockHandler{}
	o.RegisterHandler(StepCode, h)

	report := runPlan(t, o, &Plan{Steps: []Step{{ID: "implement", Type: StepCode, Resource: "llm-a", MaxAttempts: 1}}})

	assert.Equal(t, RunFailed, report.Status)
	s, _ := report.Step("implement")
	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.Error, "llm-a")
	h.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)

	stats, ok := reg.GetStats("llm-a")
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.TotalRejected)
}

func TestRun_FailuresOpenTheCircuit(t *testing.T) {
	reg := breaker.NewRegistry(breaker.WithDefaultConfig(breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Hour,
		ResetInterval:    time.Hour,
	}))
	t.Cleanup(reg.Close)

	o := newTestOrchestrator(t, Options{Breakers: reg})
	var calls atomic.Int32
	o.RegisterHandler(StepCode, StepHandlerFunc(func(context.Context, *Step) (any, error) {
		calls.Add(1)
		return nil, errors.New("503 from provider")
	}))

	report := runPlan(t, o, &Plan{Steps: []Step{{ID: "implement", Type: StepCode, Agent: "coder", MaxAttempts: 3}}})

	assert.Equal(t, RunFailed, report.Status)
	s, _ := report.Step("implement")
	assert.Equal(t, 3, s.Attempts)
	assert.True(t, strings.Contains(s.Error, "circuit"), s.Error)
	assert.EqualValues(t, 2, calls.Load(), "third attempt fast-fails")
	assert.Equal(t, breaker.StateOpen, reg.GetState("coder"))
}

func TestStart_RejectsBadPlans(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	o.RegisterHandler(StepCode, &recordingHandler{})

	_, err := o.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = o.Start(context.Background(), &Plan{Steps: []Step{{ID: "unit", Type: StepTest}}})
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = o.Start(context.Background(), &Plan{Steps: []Step{
		{ID: "a", Type: StepCode, DependsOn: []string{"b"}},
		{ID: "b", Type: StepCode, DependsOn: []string{"a"}},
	}})
	assert.ErrorIs(t, err, queue.ErrDependencyCycle)

	_, err = o.Start(context.Background(), &Plan{Steps: []Step{
		{ID: "a", Type: StepCode, DependsOn: []string{"ghost"}},
	}})
	assert.ErrorIs(t, err, ErrUnknownStep)

	assert.Zero(t, o.Queue().Status().Total, "rejected plans submit nothing")
}

func TestRun_CancelSkipsPendingSteps(t *testing.T) {
	o := newTestOrchestrator(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	o.RegisterHandler(StepCode, StepHandlerFunc(func(ctx context.Context, _ *Step) (any, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "late", nil
	}))
	o.RegisterHandler(StepTest, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	run, err := o.Start(ctx, &Plan{Steps: []Step{
		{ID: "implement", Type: StepCode},
		{ID: "unit", Type: StepTest, DependsOn: []string{"implement"}},
	}})
	require.NoError(t, err)

	<-started
	cancel()

	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	report := run.Report()
	assert.Equal(t, RunCancelled, report.Status)
	assert.ErrorIs(t, run.Err(), context.Canceled)

	unit, _ := report.Step("unit")
	assert.Equal(t, StatusSkipped, unit.Status)
	impl, _ := report.Step("implement")
	assert.NotEqual(t, StatusSkipped, impl.Status, "running steps are left to finish")
}

func TestRun_ProgressAndLearning(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("RecordLearning", mock.Anything,
		mock.MatchedBy(func(content string) bool { return strings.Contains(content, "Plan: release") }),
		[]string{"orchestrator", "plan-run", "success"},
	).Return(nil).Once()

	o := newTestOrchestrator(t, Options{Recorder: rec})
	o.RegisterHandler(StepPlan, &recordingHandler{})
	o.RegisterHandler(StepCommit, &recordingHandler{})

	var mu sync.Mutex
	var updates []Progress
	o.OnProgress(func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})

	report := runPlan(t, o, &Plan{Name: "release", Steps: []Step{
		{ID: "design", Type: StepPlan},
		{ID: "tag", Type: StepCommit, DependsOn: []string{"design"}},
	}})
	assert.Equal(t, RunCompleted, report.Status)
	rec.AssertExpectations(t)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, 100, last.Percentage)
	assert.Equal(t, 2, last.Done)
	assert.Equal(t, 2, last.Total)
	assert.Equal(t, StatusCompleted, last.Status)
}

func TestRun_RecorderErrorIsLogged(t *testing.T) {
	tl := logging.NewTestLogger()
	rec := &mockRecorder{}
	rec.On("RecordLearning", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("store down"))

	o := newTestOrchestrator(t, Options{Logger: tl.Logger, Recorder: rec})
	o.RegisterHandler(StepPlan, &recordingHandler{})

	report := runPlan(t, o, &Plan{Steps: []Step{{ID: "design", Type: StepPlan}}})
	assert.Equal(t, RunCompleted, report.Status)
	tl.AssertLogged(t, zapcore.WarnLevel, "recording run learning failed")
}

type replaceScrubber struct{ secret string }

func (s replaceScrubber) Scrub(content string) string {
	return strings.ReplaceAll(content, s.secret, "[REDACTED]")
}

func TestRun_LearningIsScrubbed(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("RecordLearning", mock.Anything,
		mock.MatchedBy(func(content string) bool {
			return strings.Contains(content, "[REDACTED]") && !strings.Contains(content, "hunter2")
		}),
		[]string{"orchestrator", "plan-run", "failure"},
	).Return(nil).Once()

	o := newTestOrchestrator(t, Options{Recorder: rec, Scrubber: replaceScrubber{secret: "hunter2"}})
	o.RegisterHandler(StepCommit, StepHandlerFunc(func(context.Context, *Step) (any, error) {
		return nil, errors.New("push rejected for password hunter2")
	}))

	report := runPlan(t, o, &Plan{Steps: []Step{{ID: "push", Type: StepCommit, MaxAttempts: 1}}})
	assert.Equal(t, RunFailed, report.Status)
	rec.AssertExpectations(t)
}

func TestExecute_SpanPerAttempt(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	o := newTestOrchestrator(t, Options{Tracer: tt.Tracer("test")})

	var calls atomic.Int32
	o.RegisterHandler(StepCode, StepHandlerFunc(func(context.Context, *Step) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first try fails")
		}
		return "ok", nil
	}))

	report := runPlan(t, o, &Plan{Steps: []Step{{ID: "implement", Type: StepCode, Agent: "coder"}}})
	require.Equal(t, RunCompleted, report.Status)

	spans := tt.SpansByName("step.code")
	require.Len(t, spans, 2)
	tt.AssertSpanAttribute(t, "step.code", "step.id", "implement")
	tt.AssertSpanAttribute(t, "step.code", "resource.id", "coder")
	tt.AssertSpanAttribute(t, "step.code", "run.id", report.RunID)
}

func TestRateLimitBoundsResourceCalls(t *testing.T) {
	o := newTestOrchestrator(t, Options{Queue: queue.Options{
		MaxConcurrent:    2,
		ExecutionTimeout: 200 * time.Millisecond,
	}})
	o.RegisterAgent("coder", "llm-a", rate.Every(time.Hour), 1)
	o.RegisterHandler(StepCode, &recordingHandler{})

	report := runPlan(t, o, &Plan{Steps: []Step{
		{ID: "one", Type: StepCode, Agent: "coder", MaxAttempts: 1},
		{ID: "two", Type: StepCode, Agent: "coder", MaxAttempts: 1},
	}})

	assert.Equal(t, 1, report.Count(StatusCompleted))
	assert.Equal(t, 1, report.Count(StatusFailed))
	for _, s := range report.Steps {
		assert.Equal(t, "llm-a", s.Resource)
	}
}

func TestResourceFor(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	o.RegisterAgent("reviewer", "anthropic", 0, 0)

	assert.Equal(t, "explicit", o.ResourceFor(&Step{Resource: "explicit", Agent: "reviewer"}))
	assert.Equal(t, "anthropic", o.ResourceFor(&Step{Agent: "reviewer"}))
	assert.Equal(t, "unknown-agent", o.ResourceFor(&Step{Agent: "unknown-agent"}))
	assert.Equal(t, "step:test", o.ResourceFor(&Step{Type: StepTest}))
	assert.Nil(t, o.limiter("anthropic"), "zero limit means unlimited")

	o.SetRateLimit("anthropic", 5, 0)
	l := o.limiter("anthropic")
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())

	o.SetRateLimit("anthropic", 0, 0)
	assert.Nil(t, o.limiter("anthropic"))
}

func TestRuns_Retention(t *testing.T) {
	o := newTestOrchestrator(t, Options{MaxRetainedRuns: 1})
	o.RegisterHandler(StepPlan, &recordingHandler{})

	first := runPlan(t, o, &Plan{Name: "one", Steps: []Step{{ID: "a", Type: StepPlan}}})
	second := runPlan(t, o, &Plan{Name: "two", Steps: []Step{{ID: "a", Type: StepPlan}}})

	_, ok := o.GetRun(first.RunID)
	assert.False(t, ok)
	run, ok := o.GetRun(second.RunID)
	require.True(t, ok)
	assert.Equal(t, "two", run.Report().Plan)

	runs := o.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, second.RunID, runs[0].RunID)
}

func TestStepOf(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	o.Queue().Pause()
	o.RegisterHandler(StepPlan, &recordingHandler{})

	run, err := o.Start(context.Background(), &Plan{Steps: []Step{{ID: "design", Type: StepPlan, Agent: "planner"}}})
	require.NoError(t, err)

	info, ok := o.Queue().Get(run.ID() + "/design")
	require.True(t, ok)
	step, ok := StepOf(info.Step)
	require.True(t, ok)
	assert.Equal(t, "planner", step.Agent)

	_, ok = StepOf(nil)
	assert.False(t, ok)

	o.Queue().Resume()
	rep, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, rep.Status)
}
