// Package config provides configuration loading for conductor.
//
// Configuration is read from a YAML file and overridden by CONDUCTOR_*
// environment variables. Every section has working defaults, so an empty
// file (or none at all) yields a runnable daemon.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/conductor/internal/breaker"
	"github.com/fyrsmithlabs/conductor/internal/queue"
)

// Config holds the complete conductor configuration.
type Config struct {
	Server    ServerConfig           `koanf:"server"`
	Scheduler SchedulerConfig        `koanf:"scheduler"`
	Breaker   BreakerConfig          `koanf:"breaker"`
	Agents    map[string]AgentConfig `koanf:"agents"`
	Logging   LoggingConfig          `koanf:"logging"`
	Telemetry TelemetryConfig        `koanf:"telemetry"`
	Events    EventsConfig           `koanf:"events"`
	Scrub     ScrubConfig            `koanf:"scrub"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SchedulerConfig holds task scheduler settings.
type SchedulerConfig struct {
	MaxConcurrent    int      `koanf:"max_concurrent"`
	ExecutionTimeout Duration `koanf:"execution_timeout"`
	MaxAttempts      int      `koanf:"max_attempts"`
	BackoffBase      Duration `koanf:"backoff_base"`
	MaxBackoff       Duration `koanf:"max_backoff"` // 0 = unbounded
	BackoffJitter    float64  `koanf:"backoff_jitter"`
}

// QueueOptions converts the section to queue options.
func (s SchedulerConfig) QueueOptions() queue.Options {
	return queue.Options{
		MaxConcurrent:    s.MaxConcurrent,
		ExecutionTimeout: s.ExecutionTimeout.Duration(),
		MaxAttempts:      s.MaxAttempts,
		BackoffBase:      s.BackoffBase.Duration(),
		MaxBackoff:       s.MaxBackoff.Duration(),
		BackoffJitter:    s.BackoffJitter,
	}
}

// BreakerConfig holds circuit breaker defaults and per-resource overrides.
type BreakerConfig struct {
	Defaults  CircuitConfig            `koanf:"defaults"`
	Resources map[string]CircuitConfig `koanf:"resources"`
}

// CircuitConfig holds the thresholds of one circuit. Zero fields in a
// resource override inherit from the defaults.
type CircuitConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	SuccessThreshold int      `koanf:"success_threshold"`
	OpenTimeout      Duration `koanf:"open_timeout"`
	ResetInterval    Duration `koanf:"reset_interval"`
}

// Breaker converts the section to a breaker config.
func (c CircuitConfig) Breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		OpenTimeout:      c.OpenTimeout.Duration(),
		ResetInterval:    c.ResetInterval.Duration(),
	}
}

// ResourceConfig returns the effective config for id.
func (b BreakerConfig) ResourceConfig(id string) breaker.Config {
	override, ok := b.Resources[id]
	if !ok {
		return b.Defaults.Breaker()
	}
	return override.Breaker().WithDefaults(b.Defaults.Breaker())
}

// AgentConfig describes a remote agent endpoint that executes steps.
type AgentConfig struct {
	URL       string   `koanf:"url"`
	Resource  string   `koanf:"resource"`   // circuit id, defaults to the agent name
	RateLimit float64  `koanf:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int      `koanf:"burst"`
	Timeout   Duration `koanf:"timeout"`
	APIKey    Secret   `koanf:"api_key"`
}

// LoggingConfig selects the basic logger behavior. Finer tuning uses
// logging.NewDefaultConfig.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// EventsConfig holds event forwarding settings.
type EventsConfig struct {
	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig configures forwarding of engine events to NATS.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ScrubConfig controls secret redaction of step output and learnings.
type ScrubConfig struct {
	Disabled  bool   `koanf:"disabled"`
	Allowlist string `koanf:"allowlist"` // TOML file of [allowlist] regexes
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be >= 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be >= 1, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Scheduler.ExecutionTimeout <= 0 {
		return errors.New("scheduler.execution_timeout must be positive")
	}
	if c.Scheduler.BackoffJitter < 0 || c.Scheduler.BackoffJitter > 1 {
		return fmt.Errorf("scheduler.backoff_jitter must be between 0 and 1, got %g", c.Scheduler.BackoffJitter)
	}

	if err := c.Breaker.Defaults.Breaker().Validate(); err != nil {
		return fmt.Errorf("breaker.defaults: %w", err)
	}
	for id := range c.Breaker.Resources {
		if err := c.Breaker.ResourceConfig(id).Validate(); err != nil {
			return fmt.Errorf("breaker.resources.%s: %w", id, err)
		}
	}

	for name, agent := range c.Agents {
		u, err := url.Parse(agent.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agents.%s: url must be an http(s) URL, got %q", name, agent.URL)
		}
		if agent.RateLimit < 0 {
			return fmt.Errorf("agents.%s: rate_limit must not be negative", name)
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			return fmt.Errorf("telemetry.protocol must be 'grpc' or 'http', got %q", c.Telemetry.Protocol)
		}
	}

	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		return errors.New("events.nats.url is required when NATS forwarding is enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = queue.DefaultMaxConcurrent
	}
	if cfg.Scheduler.ExecutionTimeout == 0 {
		cfg.Scheduler.ExecutionTimeout = Duration(queue.DefaultExecutionTimeout)
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = queue.DefaultMaxAttempts
	}
	if cfg.Scheduler.BackoffBase == 0 {
		cfg.Scheduler.BackoffBase = Duration(queue.DefaultBackoffBase)
	}

	def := breaker.DefaultConfig()
	d := &cfg.Breaker.Defaults
	if d.FailureThreshold == 0 {
		d.FailureThreshold = def.FailureThreshold
	}
	if d.SuccessThreshold == 0 {
		d.SuccessThreshold = def.SuccessThreshold
	}
	if d.OpenTimeout == 0 {
		d.OpenTimeout = Duration(def.OpenTimeout)
	}
	if d.ResetInterval == 0 {
		d.ResetInterval = Duration(def.ResetInterval)
	}

	for name, agent := range cfg.Agents {
		if agent.Resource == "" {
			agent.Resource = name
		}
		if agent.Burst == 0 {
			agent.Burst = 1
		}
		if agent.Timeout == 0 {
			agent.Timeout = Duration(2 * time.Minute)
		}
		cfg.Agents[name] = agent
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "conductor"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Events.NATS.URL == "" {
		cfg.Events.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Events.NATS.SubjectPrefix == "" {
		cfg.Events.NATS.SubjectPrefix = "conductor"
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
