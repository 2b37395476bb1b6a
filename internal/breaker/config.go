package breaker

import (
	"fmt"
	"time"
)

// Config holds the thresholds of a single circuit.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED that
	// opens the circuit.
	FailureThreshold int `json:"failure_threshold"`

	// SuccessThreshold is the number of successes in HALF_OPEN that closes
	// the circuit.
	SuccessThreshold int `json:"success_threshold"`

	// OpenTimeout is how long the circuit stays OPEN before a probe is allowed.
	OpenTimeout time.Duration `json:"open_timeout"`

	// ResetInterval is the period of the CLOSED-state failure decay.
	// A negative value disables decay.
	ResetInterval time.Duration `json:"reset_interval"`
}

// DefaultConfig provides balanced settings for most resources.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		ResetInterval:    60 * time.Second,
	}
}

// AggressiveConfig trips quickly and probes again soon, for cheap resources
// where a fast fallback is preferable to waiting.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      15 * time.Second,
		ResetInterval:    30 * time.Second,
	}
}

// ConservativeConfig tolerates more failures before tripping, for resources
// that are usually stable and expensive to fail over.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold: 10,
		SuccessThreshold: 3,
		OpenTimeout:      2 * time.Minute,
		ResetInterval:    2 * time.Minute,
	}
}

// Validate checks the config for impossible values.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be positive, got %s", c.OpenTimeout)
	}
	return nil
}

// WithDefaults fills unset fields of c from defaults.
func (c Config) WithDefaults(defaults Config) Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaults.OpenTimeout
	}
	if c.ResetInterval == 0 {
		c.ResetInterval = defaults.ResetInterval
	}
	return c
}
