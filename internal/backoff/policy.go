// Package backoff provides exponential backoff delay computation with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the exponential growth of the base delay.
	Max time.Duration
	// Multiplier is the exponential factor applied per attempt.
	Multiplier float64
	// JitterRatio is the randomization factor (0.0 to 1.0) added on top of
	// the clamped delay.
	JitterRatio float64
}

// Delay calculates the backoff duration before retrying a failed attempt.
// Attempt numbers are 0-indexed: attempt 0 is the first failure.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). This is useful for testing deterministic results.
//
// The formula is: clamped = min(Max, Base * Multiplier^attempt), then
// clamped + randomValue * JitterRatio * clamped. Jitter scales with the
// clamped value so the result stays within [clamped, clamped*(1+JitterRatio)].
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt), 0)

	base := float64(policy.Base) * math.Pow(policy.Multiplier, exp)

	clamped := math.Min(float64(policy.Max), base)
	if clamped < 0 {
		clamped = 0
	}

	jitter := clamped * policy.JitterRatio * randomValue

	return time.Duration(math.Round(clamped + jitter))
}

// DefaultPolicy returns a sensible default backoff policy.
// Base: 1s, Max: 30s, Multiplier: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         30 * time.Second,
		Multiplier:  2,
		JitterRatio: 0.1,
	}
}

// SearchPolicy returns the policy tuned for the batched search provider.
// Base: 1s, Max: 10s, Multiplier: 2, Jitter: 25%
func SearchPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         10 * time.Second,
		Multiplier:  2,
		JitterRatio: 0.25,
	}
}

// ScraperPolicy returns the policy tuned for the scraping proxy, whose
// rate limits recover slowly.
// Base: 2s, Max: 20s, Multiplier: 2, Jitter: 25%
func ScraperPolicy() Policy {
	return Policy{
		Base:        2 * time.Second,
		Max:         20 * time.Second,
		Multiplier:  2,
		JitterRatio: 0.25,
	}
}

// LLMPolicy returns the policy tuned for chat-completion calls, which are
// long and expensive to repeat.
// Base: 2s, Max: 30s, Multiplier: 2, Jitter: 10%
func LLMPolicy() Policy {
	return Policy{
		Base:        2 * time.Second,
		Max:         30 * time.Second,
		Multiplier:  2,
		JitterRatio: 0.1,
	}
}
