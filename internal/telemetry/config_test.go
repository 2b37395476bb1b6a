package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductor/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "conductor", cfg.ServiceName)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	require.NoError(t, cfg.Validate())

	cfg.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "otel.internal:4318",
		Protocol:    "http",
		ServiceName: "conductor-ci",
		SampleRate:  0.25,
	}, "1.4.0")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "otel.internal:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "conductor-ci", cfg.ServiceName)
	assert.Equal(t, "1.4.0", cfg.ServiceVersion)
	assert.InDelta(t, 0.25, cfg.Sampling.Rate, 1e-9)
	assert.False(t, cfg.Insecure)
	require.NoError(t, cfg.Validate())

	def := FromAppConfig(config.TelemetryConfig{}, "")
	assert.False(t, def.Enabled)
	assert.Equal(t, "localhost:4317", def.Endpoint)
	assert.Equal(t, "dev", def.ServiceVersion)
	assert.InDelta(t, 1.0, def.Sampling.Rate, 1e-9)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint"},
		{"bad protocol", func(c *Config) { c.Protocol = "udp" }, "protocol"},
		{"missing service", func(c *Config) { c.ServiceName = "" }, "service_name"},
		{"insecure remote", func(c *Config) { c.Endpoint = "collector.example.com:4317" }, "insecure"},
		{"rate above one", func(c *Config) { c.Sampling.Rate = 1.5 }, "sampling.rate"},
		{"rate below zero", func(c *Config) { c.Sampling.Rate = -0.1 }, "sampling.rate"},
		{"zero export interval", func(c *Config) { c.Metrics.ExportInterval = 0 }, "export_interval"},
		{"zero shutdown", func(c *Config) { c.Shutdown.Timeout = 0 }, "shutdown.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("disabled skips checks", func(t *testing.T) {
		cfg := &Config{}
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"127.0.0.2:4317":        true,
		"[::1]:4317":            true,
		"::1":                   true,
		"http://localhost:4318": true,
		"collector:4317":        false,
		"10.0.0.5:4317":         false,
		"localhost.evil.com:1":  false,
	}
	for endpoint, want := range tests {
		t.Run(endpoint, func(t *testing.T) {
			c := &Config{Endpoint: endpoint}
			assert.Equal(t, want, c.isLocalEndpoint())
		})
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4317", stripScheme("otel:4317"))
}
