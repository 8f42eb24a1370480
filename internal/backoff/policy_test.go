package backoff

import (
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:     "first attempt is base",
			policy:   Policy{Base: 2 * time.Second, Max: time.Minute, Factor: 2},
			attempt:  1,
			expected: 2 * time.Second,
		},
		{
			name:     "third attempt quadruples",
			policy:   Policy{Base: 2 * time.Second, Max: time.Minute, Factor: 2},
			attempt:  3,
			expected: 8 * time.Second,
		},
		{
			name:     "attempt zero treated as first",
			policy:   Policy{Base: time.Second, Max: time.Minute, Factor: 2},
			attempt:  0,
			expected: time.Second,
		},
		{
			name:     "clamped to max",
			policy:   Policy{Base: 2 * time.Second, Max: time.Minute, Factor: 2},
			attempt:  10,
			expected: time.Minute,
		},
		{
			name:        "jitter at max random",
			policy:      Policy{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.1},
			attempt:     1,
			randomValue: 1.0,
			expected:    1100 * time.Millisecond,
		},
		{
			name:        "jitter never exceeds max",
			policy:      Policy{Base: 50 * time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 0.99,
			expected:    time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.DelayWithRand(tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Fatalf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestDelayIsNonDecreasing(t *testing.T) {
	p := DefaultPolicy()

	prev := time.Duration(0)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		// Worst case: previous attempt got full jitter, this one none.
		hi := p.DelayWithRand(attempt-1, 0.999)
		lo := p.DelayWithRand(attempt, 0)
		if attempt > 1 && lo < hi {
			t.Fatalf("attempt %d: %v is below previous worst case %v", attempt, lo, hi)
		}
		if lo < prev {
			t.Fatalf("attempt %d: %v decreased from %v", attempt, lo, prev)
		}
		prev = lo
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	for attempt := 1; attempt <= 3; attempt++ {
		if p.Exhausted(attempt) {
			t.Fatalf("attempt %d should be within budget", attempt)
		}
	}
	if !p.Exhausted(4) {
		t.Fatalf("attempt 4 should exhaust a budget of 3")
	}
}

func TestDelayJitterStaysInRange(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5, MaxAttempts: 5}

	for i := 0; i < 200; i++ {
		got := p.Delay(2)
		if got < 2*time.Second || got > 3*time.Second {
			t.Fatalf("Delay(2) = %v, want within [2s, 3s]", got)
		}
	}
}
