package backoff

import (
	"testing"
	"time"
)

func TestComputeBackoffWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      BackoffPolicy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name: "first attempt at max random",
			policy: BackoffPolicy{
				InitialMs: 2000,
				MaxMs:     30000,
				Factor:    2,
			},
			attempt:     1,
			randomValue: 1.0,
			expected:    2000 * time.Millisecond,
		},
		{
			name: "second attempt doubles the ceiling",
			policy: BackoffPolicy{
				InitialMs: 2000,
				MaxMs:     30000,
				Factor:    2,
			},
			attempt:     2,
			randomValue: 1.0,
			expected:    4000 * time.Millisecond,
		},
		{
			name: "full jitter can draw zero",
			policy: BackoffPolicy{
				InitialMs: 2000,
				MaxMs:     30000,
				Factor:    2,
			},
			attempt:     3,
			randomValue: 0.0,
			expected:    0,
		},
		{
			name: "mid random draws half the ceiling",
			policy: BackoffPolicy{
				InitialMs: 2000,
				MaxMs:     30000,
				Factor:    2,
			},
			attempt:     2,
			randomValue: 0.5,
			expected:    2000 * time.Millisecond,
		},
		{
			name: "ceiling clamped to max",
			policy: BackoffPolicy{
				InitialMs: 2000,
				MaxMs:     30000,
				Factor:    2,
			},
			attempt:     10,
			randomValue: 1.0,
			expected:    30000 * time.Millisecond,
		},
		{
			name: "attempt 0 treated as 1",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
			},
			attempt:     0,
			randomValue: 1.0,
			expected:    100 * time.Millisecond,
		},
		{
			name: "negative attempt treated as 1",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    2,
			},
			attempt:     -5,
			randomValue: 1.0,
			expected:    100 * time.Millisecond,
		},
		{
			name: "factor 1.5",
			policy: BackoffPolicy{
				InitialMs: 100,
				MaxMs:     10000,
				Factor:    1.5,
			},
			attempt:     3,
			randomValue: 1.0,
			// ceiling = 100 * 1.5^2 = 225
			expected: 225 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeBackoffWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeBackoffWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestComputeBackoff_JitterRange(t *testing.T) {
	policy := DefaultPolicy()

	// Attempt 4: ceiling = 2000 * 2^3 = 16000ms. Full jitter draws from
	// [0, ceiling]; it must never exceed it.
	maxExpected := 16000 * time.Millisecond

	for i := 0; i < 100; i++ {
		got := ComputeBackoff(policy, 4)
		if got < 0 || got > maxExpected {
			t.Errorf("ComputeBackoff() = %v, want in range [0, %v]", got, maxExpected)
		}
	}
}

func TestComputeBackoff_NeverExceedsMax(t *testing.T) {
	policy := DefaultPolicy()
	for attempt := 1; attempt <= 8; attempt++ {
		got := ComputeBackoffWithRand(policy, attempt, 1.0)
		if got > 30000*time.Millisecond {
			t.Errorf("attempt %d: backoff %v exceeds 30s cap", attempt, got)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.InitialMs != 2000 {
		t.Errorf("InitialMs = %v, want 2000", policy.InitialMs)
	}
	if policy.MaxMs != 30000 {
		t.Errorf("MaxMs = %v, want 30000", policy.MaxMs)
	}
	if policy.Factor != 2 {
		t.Errorf("Factor = %v, want 2", policy.Factor)
	}
}

func TestAggressivePolicy(t *testing.T) {
	policy := AggressivePolicy()

	if policy.InitialMs != 50 {
		t.Errorf("InitialMs = %v, want 50", policy.InitialMs)
	}
	if policy.MaxMs != 5000 {
		t.Errorf("MaxMs = %v, want 5000", policy.MaxMs)
	}
	if policy.Factor != 1.5 {
		t.Errorf("Factor = %v, want 1.5", policy.Factor)
	}
}
