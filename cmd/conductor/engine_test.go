package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/secrets"
)

func newTestEngine(t *testing.T, cfg *config.Config) (*engine, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	eng, err := newEngine(cfg, logger.Logger, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng, logger
}

func TestStepRouter(t *testing.T) {
	called := func(name string) orchestrator.StepHandler {
		return orchestrator.StepHandlerFunc(func(context.Context, *orchestrator.Step) (any, error) {
			return name, nil
		})
	}
	r := &stepRouter{exec: called("exec"), agent: called("agent")}
	ctx := context.Background()

	t.Run("command input runs locally", func(t *testing.T) {
		out, err := r.Handle(ctx, &orchestrator.Step{ID: "a", Agent: "claude", Input: map[string]any{"command": "true"}})
		require.NoError(t, err)
		assert.Equal(t, "exec", out)
	})

	t.Run("agent step goes to agent", func(t *testing.T) {
		out, err := r.Handle(ctx, &orchestrator.Step{ID: "b", Agent: "claude"})
		require.NoError(t, err)
		assert.Equal(t, "agent", out)
	})

	t.Run("neither", func(t *testing.T) {
		_, err := r.Handle(ctx, &orchestrator.Step{ID: "c"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errNoExecutor))
		assert.Contains(t, err.Error(), "step c")
	})
}

func TestNewEngine_RegistersConfiguredCircuitsAndAgents(t *testing.T) {
	cfg := config.Default()
	cfg.Breaker.Resources = map[string]config.CircuitConfig{
		"anthropic": {FailureThreshold: 2},
	}
	cfg.Agents = map[string]config.AgentConfig{
		"claude": {URL: "http://localhost:1", Resource: "anthropic", RateLimit: 2, Burst: 1},
	}

	eng, _ := newTestEngine(t, cfg)

	st, ok := eng.breakers.GetStats("anthropic")
	require.True(t, ok)
	assert.Equal(t, 2, st.Config.FailureThreshold)
	assert.Equal(t, cfg.Breaker.Defaults.SuccessThreshold, st.Config.SuccessThreshold)

	assert.Equal(t, "anthropic", eng.orch.ResourceFor(&orchestrator.Step{Type: orchestrator.StepCode, Agent: "claude"}))
	assert.Same(t, eng.breakers, eng.orch.Breakers())
}

func TestNewScrubber(t *testing.T) {
	logger := logging.NewTestLogger().Logger

	s, err := newScrubber(config.ScrubConfig{Disabled: true}, logger)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = newScrubber(config.ScrubConfig{}, logger)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "nothing secret here", s.Scrub("nothing secret here"))

	bad := filepath.Join(t.TempDir(), "allowlist.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[allowlist]\nregexes = ['''(''']\n"), 0o600))
	_, err = newScrubber(config.ScrubConfig{Allowlist: bad}, logger)
	assert.ErrorIs(t, err, secrets.ErrInvalidRegex)
}

func TestApplyReload(t *testing.T) {
	old := config.Default()
	old.Breaker.Resources = map[string]config.CircuitConfig{
		"anthropic": {FailureThreshold: 3},
		"github":    {FailureThreshold: 5},
	}
	old.Agents = map[string]config.AgentConfig{
		"claude": {URL: "http://localhost:1", Resource: "anthropic", RateLimit: 1, Burst: 1},
	}
	eng, logger := newTestEngine(t, old)
	ctx := context.Background()

	t.Run("unchanged config is a no-op", func(t *testing.T) {
		assert.Empty(t, eng.applyReload(ctx, old, old))
	})

	t.Run("changed circuits are re-registered", func(t *testing.T) {
		cur := config.Default()
		cur.Breaker.Resources = map[string]config.CircuitConfig{
			"anthropic": {FailureThreshold: 1},
			"github":    {FailureThreshold: 5},
			"openai":    {FailureThreshold: 4},
		}
		cur.Agents = old.Agents

		changed := eng.applyReload(ctx, old, cur)
		assert.Equal(t, []string{"anthropic", "openai"}, changed)

		st, ok := eng.breakers.GetStats("anthropic")
		require.True(t, ok)
		assert.Equal(t, 1, st.Config.FailureThreshold)
		st, ok = eng.breakers.GetStats("openai")
		require.True(t, ok)
		assert.Equal(t, 4, st.Config.FailureThreshold)
		logger.AssertLogged(t, zapcore.InfoLevel, "circuits re-registered")
	})

	t.Run("agent resource change is applied", func(t *testing.T) {
		cur := config.Default()
		cur.Breaker.Resources = old.Breaker.Resources
		cur.Agents = map[string]config.AgentConfig{
			"claude": {URL: "http://localhost:1", Resource: "anthropic-batch", RateLimit: 1, Burst: 1},
		}

		eng.applyReload(ctx, old, cur)
		assert.Equal(t, "anthropic-batch", eng.orch.ResourceFor(&orchestrator.Step{Agent: "claude"}))
	})

	t.Run("restart-only changes warn", func(t *testing.T) {
		logger.Reset()
		cur := config.Default()
		cur.Breaker.Defaults.FailureThreshold = 99
		cur.Breaker.Resources = old.Breaker.Resources
		cur.Agents = map[string]config.AgentConfig{
			"claude": {URL: "http://localhost:2", Resource: "anthropic", RateLimit: 1, Burst: 1},
			"gpt":    {URL: "http://localhost:3"},
		}

		eng.applyReload(ctx, old, cur)
		logger.AssertLogged(t, zapcore.WarnLevel, "breaker defaults changed")
		logger.AssertLogged(t, zapcore.WarnLevel, "agent endpoint changed")
		logger.AssertLogged(t, zapcore.WarnLevel, "new agent needs a restart")
	})
}
