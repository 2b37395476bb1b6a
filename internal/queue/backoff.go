package queue

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newBackOff returns the per-task retry schedule. The n-th call to
// NextBackOff yields base * 2^n, so a task that failed attempt n waits
// base * 2^n before attempt n+1.
func newBackOff(opts Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * opts.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = opts.BackoffJitter
	b.MaxInterval = time.Duration(math.MaxInt64)
	if opts.MaxBackoff > 0 {
		b.MaxInterval = opts.MaxBackoff
		if b.InitialInterval > b.MaxInterval {
			b.InitialInterval = b.MaxInterval
		}
	}
	b.Reset()
	return b
}
