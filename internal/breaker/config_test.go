package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Presets(t *testing.T) {
	for name, cfg := range map[string]Config{
		"default":      DefaultConfig(),
		"aggressive":   AggressiveConfig(),
		"conservative": ConservativeConfig(),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, cfg.Validate())
		})
	}
	assert.Less(t, AggressiveConfig().FailureThreshold, DefaultConfig().FailureThreshold)
	assert.Greater(t, ConservativeConfig().FailureThreshold, DefaultConfig().FailureThreshold)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }, "failure_threshold"},
		{"zero success threshold", func(c *Config) { c.SuccessThreshold = 0 }, "success_threshold"},
		{"zero open timeout", func(c *Config) { c.OpenTimeout = 0 }, "open_timeout"},
		{"negative open timeout", func(c *Config) { c.OpenTimeout = -time.Second }, "open_timeout"},
		{"decay disabled", func(c *Config) { c.ResetInterval = -1 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{FailureThreshold: 9}.WithDefaults(DefaultConfig())
	assert.Equal(t, 9, got.FailureThreshold)
	assert.Equal(t, DefaultConfig().SuccessThreshold, got.SuccessThreshold)
	assert.Equal(t, DefaultConfig().OpenTimeout, got.OpenTimeout)
	assert.Equal(t, DefaultConfig().ResetInterval, got.ResetInterval)

	disabled := Config{ResetInterval: -1}.WithDefaults(DefaultConfig())
	assert.Negative(t, disabled.ResetInterval)
}
