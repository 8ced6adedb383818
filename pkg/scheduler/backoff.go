package scheduler

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/s123104/night-pilot/pkg/store"
)

// Retry backoff bounds: exponential from the policy base, capped, with ±20%
// jitter so synchronized failures don't retry in lockstep.
const (
	backoffCap         = 5 * time.Minute
	backoffJitterRatio = 0.2
)

// backoffDelay computes the delay before retry attempt n (1-based).
func backoffDelay(policy store.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay()
	if base <= 0 {
		base = 2 * time.Second
	}
	mult := policy.BackoffMult
	if mult < 1 {
		mult = 2
	}
	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := 1 + backoffJitterRatio*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
