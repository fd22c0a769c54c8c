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
			name: "attempt zero with no jitter",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         10 * time.Second,
				Multiplier:  2,
				JitterRatio: 0,
			},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name: "attempt one doubles",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         10 * time.Second,
				Multiplier:  2,
				JitterRatio: 0,
			},
			attempt:     1,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name: "attempt two quadruples",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         10 * time.Second,
				Multiplier:  2,
				JitterRatio: 0,
			},
			attempt:     2,
			randomValue: 0.5,
			expected:    400 * time.Millisecond,
		},
		{
			name: "clamped to max",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         500 * time.Millisecond,
				Multiplier:  2,
				JitterRatio: 0,
			},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name: "10% jitter at max random",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         10 * time.Second,
				Multiplier:  2,
				JitterRatio: 0.1,
			},
			attempt:     0,
			randomValue: 1.0,
			// clamped = 100ms, jitter = 100ms * 0.1 * 1.0 = 10ms
			expected: 110 * time.Millisecond,
		},
		{
			name: "10% jitter at zero random",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         10 * time.Second,
				Multiplier:  2,
				JitterRatio: 0.1,
			},
			attempt:     0,
			randomValue: 0.0,
			expected:    100 * time.Millisecond,
		},
		{
			name: "jitter scales with the clamped value, not the raw base",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         500 * time.Millisecond,
				Multiplier:  2,
				JitterRatio: 0.5,
			},
			attempt:     10,
			randomValue: 1.0,
			// clamped = 500ms, jitter = 500ms * 0.5 = 250ms
			expected: 750 * time.Millisecond,
		},
		{
			name: "multiplier 1.5",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         10 * time.Second,
				Multiplier:  1.5,
				JitterRatio: 0,
			},
			attempt:     2,
			randomValue: 0.5,
			// 100ms * 1.5^2 = 225ms
			expected: 225 * time.Millisecond,
		},
		{
			name: "negative attempt treated as zero",
			policy: Policy{
				Base:        100 * time.Millisecond,
				Max:         10 * time.Second,
				Multiplier:  2,
				JitterRatio: 0,
			},
			attempt:     -5,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DelayWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("DelayWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDelayJitterRange(t *testing.T) {
	policy := Policy{
		Base:        100 * time.Millisecond,
		Max:         10 * time.Second,
		Multiplier:  2,
		JitterRatio: 0.2,
	}

	// For attempt 1: clamped = 200ms, max jitter = 200ms * 0.2 = 40ms.
	minExpected := 200 * time.Millisecond
	maxExpected := 240 * time.Millisecond

	for i := 0; i < 100; i++ {
		got := Delay(policy, 1)
		if got < minExpected || got > maxExpected {
			t.Errorf("Delay() = %v, want in range [%v, %v]", got, minExpected, maxExpected)
		}
	}
}

func TestDelayMonotonicGrowth(t *testing.T) {
	policy := Policy{
		Base:        50 * time.Millisecond,
		Max:         time.Minute,
		Multiplier:  2,
		JitterRatio: 0,
	}

	prev := time.Duration(-1)
	for attempt := 0; attempt < 8; attempt++ {
		got := DelayWithRand(policy, attempt, 0)
		if got <= prev {
			t.Errorf("DelayWithRand(attempt=%d) = %v, want > %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestProviderPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"default", DefaultPolicy()},
		{"search", SearchPolicy()},
		{"scraper", ScraperPolicy()},
		{"llm", LLMPolicy()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.policy.Base <= 0 {
				t.Errorf("Base = %v, want > 0", tt.policy.Base)
			}
			if tt.policy.Max < tt.policy.Base {
				t.Errorf("Max = %v, want >= Base %v", tt.policy.Max, tt.policy.Base)
			}
			if tt.policy.Multiplier < 1 {
				t.Errorf("Multiplier = %v, want >= 1", tt.policy.Multiplier)
			}
			if tt.policy.JitterRatio < 0 || tt.policy.JitterRatio > 1 {
				t.Errorf("JitterRatio = %v, want in [0, 1]", tt.policy.JitterRatio)
			}
		})
	}
}
