package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before an operation is attempted again. There is no
// attempt ceiling: operations are only removed by acknowledgement or an explicit clear.
type BackoffPolicy struct {
	// Initial is the delay after the first failure. Default: 1s
	Initial time.Duration
	// Max caps the delay between attempts. Default: 5m
	Max time.Duration
	// Multiplier grows the delay after each failure. Default: 2.0
	Multiplier float64
	// Jitter randomises the delay by ±Jitter (0..1). Default: 0.1
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoffPolicy returns the policy used when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:    time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	defaults := DefaultBackoffPolicy()
	if p.Initial <= 0 {
		p.Initial = defaults.Initial
	}
	if p.Max <= 0 {
		p.Max = defaults.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = defaults.Jitter
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Delay returns the wait after the given number of consecutive failures (1-based).
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	policy := p.normalized()
	if retryCount < 1 {
		retryCount = 1
	}
	base := float64(policy.Initial) * math.Pow(policy.Multiplier, float64(retryCount-1))
	if base > float64(policy.Max) || math.IsInf(base, 0) {
		base = float64(policy.Max)
	}
	if policy.Jitter > 0 {
		spread := base * policy.Jitter
		base = base - spread + policy.Rand()*2*spread
	}
	if base > float64(policy.Max) {
		base = float64(policy.Max)
	}
	return time.Duration(base)
}
