package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	testingclock "k8s.io/utils/clock/testing"
)

var errBoom = errors.New("boom")

func newTestRegistry(t *testing.T) (*Registry, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := NewRegistry(WithClock(fc), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(reg.Close)
	return reg, fc
}

func failing() (any, error) { return nil, errBoom }

func succeeding() (any, error) { return "ok", nil }

func TestRegistry_OpensAfterThresholdAndUsesFallback(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := reg.Execute("llm-a", failing, nil)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, reg.GetState("llm-a"))

	called := false
	out, err := reg.Execute("llm-a", func() (any, error) {
		called = true
		return "live", nil
	}, func() (any, error) {
		return "cached", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", out)
	assert.False(t, called, "guarded function must not run while open")

	stats, ok := reg.GetStats("llm-a")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.TotalFailures)
}

func TestRegistry_FastFailWithoutFallback(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Trip("tool-x")

	out, err := reg.Execute("tool-x", succeeding, nil)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "tool-x", openErr.ResourceID)
	assert.Equal(t, StateOpen, openErr.State)
	assert.Contains(t, err.Error(), "tool-x")
}

func TestRegistry_RecoversThroughHalfOpen(t *testing.T) {
	reg, fc := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second})

	_, _ = reg.Execute("llm-a", failing, nil)
	require.Equal(t, StateOpen, reg.GetState("llm-a"))
	assert.False(t, reg.CanAttempt("llm-a"))

	fc.Step(1100 * time.Millisecond)
	assert.True(t, reg.CanAttempt("llm-a"))
	assert.Equal(t, StateHalfOpen, reg.GetState("llm-a"))

	_, err := reg.Execute("llm-a", succeeding, nil)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, reg.GetState("llm-a"))

	_, err = reg.Execute("llm-a", succeeding, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, reg.GetState("llm-a"))

	stats, _ := reg.GetStats("llm-a")
	assert.Zero(t, stats.FailureCount)
	assert.Zero(t, stats.SuccessCount)
}

func TestRegistry_RecoveryTimerMovesToHalfOpen(t *testing.T) {
	reg, fc := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 1, OpenTimeout: time.Second})

	reg.RecordFailure("llm-a", errBoom)
	require.Equal(t, StateOpen, reg.GetState("llm-a"))

	fc.Step(time.Second)
	assert.Eventually(t, func() bool {
		return reg.GetState("llm-a") == StateHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	reg, fc := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 2, SuccessThreshold: 3, OpenTimeout: time.Second})

	reg.RecordFailure("llm-a", errBoom)
	reg.RecordFailure("llm-a", errBoom)
	fc.Step(2 * time.Second)
	require.True(t, reg.CanAttempt("llm-a"))

	reg.RecordSuccess("llm-a")
	reg.RecordFailure("llm-a", errBoom)
	assert.Equal(t, StateOpen, reg.GetState("llm-a"))
	assert.False(t, reg.CanAttempt("llm-a"))
}

func TestRegistry_SuccessResetsFailureCount(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 3})

	reg.RecordFailure("llm-a", errBoom)
	reg.RecordFailure("llm-a", errBoom)
	reg.RecordSuccess("llm-a")
	reg.RecordFailure("llm-a", errBoom)
	reg.RecordFailure("llm-a", errBoom)

	assert.Equal(t, StateClosed, reg.GetState("llm-a"))
	stats, _ := reg.GetStats("llm-a")
	assert.Equal(t, 2, stats.FailureCount)
}

func TestRegistry_OpenIgnoresRecordedOutcomes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 1, SuccessThreshold: 1})
	reg.RecordFailure("llm-a", errBoom)

	reg.RecordSuccess("llm-a")
	reg.RecordFailure("llm-a", errBoom)

	stats, _ := reg.GetStats("llm-a")
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
}

func TestRegistry_DecayForgivesOldFailures(t *testing.T) {
	reg, fc := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 5, ResetInterval: 10 * time.Second})

	reg.RecordFailure("llm-a", errBoom)
	reg.RecordFailure("llm-a", errBoom)

	fc.Step(10 * time.Second)
	assert.Eventually(t, func() bool {
		s, _ := reg.GetStats("llm-a")
		return s.FailureCount == 1
	}, time.Second, 5*time.Millisecond)

	fc.Step(10 * time.Second)
	assert.Eventually(t, func() bool {
		s, _ := reg.GetStats("llm-a")
		return s.FailureCount == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_DecaySkipsRecentFailures(t *testing.T) {
	reg, fc := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{FailureThreshold: 5, ResetInterval: 10 * time.Second})

	reg.RecordFailure("llm-a", errBoom)
	fc.Step(5 * time.Second)
	reg.RecordFailure("llm-a", errBoom)

	// Tick at 10s: last failure was 5s ago, nothing is forgiven.
	fc.Step(5 * time.Second)
	assert.Never(t, func() bool {
		s, _ := reg.GetStats("llm-a")
		return s.FailureCount != 2
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRegistry_TripAndReset(t *testing.T) {
	reg, fc := newTestRegistry(t)
	reg.RegisterResource("llm-a", Config{OpenTimeout: time.Second})
	reg.RecordSuccess("llm-a")

	reg.Trip("llm-a")
	assert.Equal(t, StateOpen, reg.GetState("llm-a"))

	require.True(t, reg.Reset("llm-a"))
	stats, _ := reg.GetStats("llm-a")
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.TotalRequests)
	assert.Zero(t, stats.TotalSuccesses)

	// The recovery timer armed by Trip must not fire after the reset.
	fc.Step(2 * time.Second)
	assert.Never(t, func() bool {
		return reg.GetState("llm-a") != StateClosed
	}, 50*time.Millisecond, 5*time.Millisecond)

	assert.False(t, reg.Reset("missing"))
}

func TestRegistry_ResetAll(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Trip("a")
	reg.Trip("b")

	reg.ResetAll()
	assert.Equal(t, StateClosed, reg.GetState("a"))
	assert.Equal(t, StateClosed, reg.GetState("b"))
}

func TestRegistry_UnknownAndUnregister(t *testing.T) {
	reg, _ := newTestRegistry(t)

	assert.Equal(t, StateUnknown, reg.GetState("ghost"))
	_, ok := reg.GetStats("ghost")
	assert.False(t, ok)
	assert.True(t, reg.CanAttempt("ghost"))
	assert.Empty(t, reg.Resources())

	reg.RegisterResource("ghost", Config{})
	assert.True(t, reg.Unregister("ghost"))
	assert.False(t, reg.Unregister("ghost"))
	assert.Equal(t, StateUnknown, reg.GetState("ghost"))
}

func TestRegistry_ResourcesAreIndependent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterResource("a", Config{FailureThreshold: 1})
	reg.RegisterResource("b", Config{FailureThreshold: 1})

	reg.RecordFailure("a", errBoom)
	assert.Equal(t, StateOpen, reg.GetState("a"))
	assert.Equal(t, StateClosed, reg.GetState("b"))

	health := reg.GetHealthStatus()
	require.Len(t, health, 2)
	assert.Equal(t, StateOpen, health["a"].State)
	assert.Equal(t, []string{"a", "b"}, reg.Resources())
}

func TestRegistry_ExecuteAutoRegistersWithDefaults(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	reg := NewRegistry(WithClock(fc), WithDefaultConfig(Config{FailureThreshold: 2}))
	defer reg.Close()

	_, err := reg.Execute("new", succeeding, nil)
	require.NoError(t, err)

	stats, ok := reg.GetStats("new")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Config.FailureThreshold)
	assert.Equal(t, DefaultConfig().SuccessThreshold, stats.Config.SuccessThreshold)
}

func TestRegistry_ReRegisterDiscardsState(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterResource("a", Config{FailureThreshold: 1})
	reg.RecordFailure("a", errBoom)
	require.Equal(t, StateOpen, reg.GetState("a"))

	reg.RegisterResource("a", Config{FailureThreshold: 4})
	stats, _ := reg.GetStats("a")
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 4, stats.Config.FailureThreshold)
	assert.Zero(t, stats.TotalRequests)
}

func TestRegistry_PanicCountsAsFailure(t *testing.T) {
	reg, _ := newTestRegistry(t)

	out, err := reg.Execute("a", func() (any, error) {
		panic("kaboom")
	}, nil)
	assert.Nil(t, out)

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)

	stats, _ := reg.GetStats("a")
	assert.Equal(t, 1, stats.FailureCount)
}

func TestRegistry_NilFunc(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Execute("a", nil, nil)
	assert.ErrorIs(t, err, ErrNilFunc)
}

func TestRegistry_FallbackError(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Trip("a")

	fbErr := errors.New("no cache")
	_, err := reg.Execute("a", succeeding, func() (any, error) { return nil, fbErr })
	assert.ErrorIs(t, err, fbErr)
}

func TestCall_Typed(t *testing.T) {
	reg, _ := newTestRegistry(t)

	n, err := Call(reg, "a", func() (int, error) { return 42, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	reg.Trip("a")
	n, err = Call(reg, "a", func() (int, error) { return 1, nil }, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = Call[int](reg, "a", func() (int, error) { return 1, nil }, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, n)
}

func TestRegistry_ConcurrentExecute(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.RegisterResource("a", Config{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = reg.Execute("a", succeeding, nil)
			} else {
				_, _ = reg.Execute("a", failing, nil)
			}
		}(i)
	}
	wg.Wait()

	stats, _ := reg.GetStats("a")
	assert.Equal(t, int64(50), stats.TotalRequests)
	assert.Equal(t, int64(25), stats.TotalSuccesses)
	assert.Equal(t, int64(25), stats.TotalFailures)
}

func TestRegistry_PublishesEvents(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ch, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	reg.RegisterResource("a", Config{FailureThreshold: 1})
	_, _ = reg.Execute("a", failing, nil)
	_, _ = reg.Execute("a", succeeding, func() (any, error) { return "fb", nil })

	var got []EventType
	var change Event
	timeout := time.After(time.Second)
	for len(got) < 5 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
			if ev.Type == EventStateChange {
				change = ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}

	assert.Equal(t, []EventType{
		EventRegistered,
		EventStateChange,
		EventFailure,
		EventBlocked,
		EventFallback,
	}, got)
	assert.Equal(t, StateClosed, change.OldState)
	assert.Equal(t, StateOpen, change.NewState)
	assert.Equal(t, "a", change.ResourceID)
}
