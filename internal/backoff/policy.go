// Package backoff provides exponential backoff with full jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
}

// ComputeBackoff calculates the backoff duration for a given attempt number.
// The exponential base is initialMs * factor^(attempt-1) clamped to maxMs;
// the returned duration is drawn uniformly from [0, base] (full jitter).
// Attempt numbers start at 1.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the backoff duration using a provided
// random value in [0.0, 1.0). This exists so tests can be deterministic.
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	capped := math.Min(policy.MaxMs, base)
	return time.Duration(math.Round(capped*randomValue)) * time.Millisecond
}

// DefaultPolicy returns the policy used for provider stream retries.
// Initial: 2s, Max: 30s, Factor: 2.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 2000,
		MaxMs:     30000,
		Factor:    2,
	}
}

// AggressivePolicy returns a policy for quick retries with shorter delays.
// Initial: 50ms, Max: 5s, Factor: 1.5.
func AggressivePolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 50,
		MaxMs:     5000,
		Factor:    1.5,
	}
}
