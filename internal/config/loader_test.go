package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the conductor config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "conductor")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 9300
scheduler:
  max_concurrent: 5
  execution_timeout: 45s
  backoff_base: 250ms
  max_backoff: 1m
breaker:
  defaults:
    failure_threshold: 4
  resources:
    llm-a:
      failure_threshold: 2
      open_timeout: 5s
agents:
  coder:
    url: http://localhost:7001
    rate_limit: 2.5
    api_key: sk-test-abc
events:
  nats:
    enabled: true
    url: nats://127.0.0.1:4222
scrub:
  allowlist: /etc/conductor/allowlist.toml
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.ExecutionTimeout.Duration())
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.BackoffBase.Duration())
	assert.Equal(t, time.Minute, cfg.Scheduler.MaxBackoff.Duration())
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts, "unset fields keep defaults")

	assert.Equal(t, 4, cfg.Breaker.Defaults.FailureThreshold)
	llm := cfg.Breaker.ResourceConfig("llm-a")
	assert.Equal(t, 2, llm.FailureThreshold)
	assert.Equal(t, 5*time.Second, llm.OpenTimeout)

	coder := cfg.Agents["coder"]
	assert.Equal(t, "http://localhost:7001", coder.URL)
	assert.Equal(t, 2.5, coder.RateLimit)
	assert.Equal(t, "coder", coder.Resource)
	assert.Equal(t, "sk-test-abc", coder.APIKey.Value())

	assert.True(t, cfg.Events.NATS.Enabled)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATS.URL)

	assert.False(t, cfg.Scrub.Disabled)
	assert.Equal(t, "/etc/conductor/allowlist.toml", cfg.Scrub.Allowlist)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 9300
scheduler:
  max_concurrent: 5
`, 0600)

	t.Setenv("CONDUCTOR_SERVER_HTTP_PORT", "7777")
	t.Setenv("CONDUCTOR_SCHEDULER_MAX_CONCURRENT", "8")
	t.Setenv("CONDUCTOR_BREAKER_DEFAULTS_OPEN_TIMEOUT", "90s")
	t.Setenv("CONDUCTOR_EVENTS_NATS_SUBJECT_PREFIX", "ci")
	t.Setenv("CONDUCTOR_SCRUB_DISABLED", "true")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.Breaker.Defaults.OpenTimeout.Duration())
	assert.Equal(t, "ci", cfg.Events.NATS.SubjectPrefix)
	assert.True(t, cfg.Scrub.Disabled)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "scheduler:\n  backoff_jitter: 4\n", 0600)

	_, err := LoadWithFile(path)
	assert.ErrorContains(t, err, "backoff_jitter")
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9300\n", 0644)

	_, err := LoadWithFile(path)
	assert.ErrorContains(t, err, "insecure config file permissions")
}

func TestLoadWithFile_ReadOnlyAllowed(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9300\n", 0400)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
}

func TestLoadWithFile_TooLarge(t *testing.T) {
	dir := setupTestHome(t)
	var buf bytes.Buffer
	buf.WriteString("server:\n  http_port: 9300\n")
	for buf.Len() <= maxConfigFileSize {
		buf.WriteString("# padding padding padding padding padding padding\n")
	}
	path := writeConfig(t, dir, buf.String(), 0600)

	_, err := LoadWithFile(path)
	assert.ErrorContains(t, err, "too large")
}

func TestValidateConfigPath(t *testing.T) {
	dir := setupTestHome(t)

	valid := []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "nested", "config.yaml"),
		"/etc/conductor/config.yaml",
	}
	for _, p := range valid {
		assert.NoError(t, validateConfigPath(p), p)
	}

	invalid := []string{
		"/etc/passwd",
		"/etc/conductor../passwd",
		filepath.Join(dir, "..", "..", "..", "etc", "passwd"),
		filepath.Join(t.TempDir(), "config.yaml"),
	}
	for _, p := range invalid {
		assert.Error(t, validateConfigPath(p), p)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureConfigDir())
	info, err := os.Stat(filepath.Join(home, ".config", "conductor"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}
