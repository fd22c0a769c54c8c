// Package retry executes operations under per-provider retry policies with
// classified errors, exponential backoff, and cancellable sleeps.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/scout/internal/backoff"
	"github.com/haasonsaas/scout/internal/faults"
)

// Policy configures the retry loop for one provider call.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	MaxAttempts int
	// Backoff computes the delay before each retry.
	Backoff backoff.Policy
	// Retryable decides whether a classified failure is worth another
	// attempt. Nil means the fault's own Retryable flag decides.
	Retryable func(*faults.Fault) bool
}

// Result contains the outcome of a retried operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Fault is the last classified failure (nil if successful).
	Fault *faults.Fault
	// Duration is the total time spent including sleeps.
	Duration time.Duration
}

// DefaultPolicy returns the general-purpose retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     backoff.DefaultPolicy(),
	}
}

// SearchPolicy retries the statuses the batched search provider recovers from.
func SearchPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     backoff.SearchPolicy(),
		Retryable:   RetryableStatuses(429, 500, 502, 503, 504),
	}
}

// ScraperPolicy retries the statuses the scraping proxy recovers from.
// 400, 401, and 403 are permanent for that provider.
func ScraperPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     backoff.ScraperPolicy(),
		Retryable:   RetryableStatuses(429, 502, 503, 504, 510),
	}
}

// LLMPolicy retries chat-completion calls conservatively.
func LLMPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     backoff.LLMPolicy(),
	}
}

// RetryableStatuses builds a predicate that retries exactly the given HTTP
// status codes. Faults without a status fall back to their own flag.
func RetryableStatuses(statuses ...int) func(*faults.Fault) bool {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(f *faults.Fault) bool {
		if f.Status != 0 {
			_, ok := set[f.Status]
			return ok
		}
		return f.Retryable
	}
}

// Do executes op under the policy. Failures are classified after every
// attempt; non-retryable faults stop the loop immediately, retryable ones
// sleep the policy's backoff delay and try again. The sleep is cancellable:
// context cancellation returns the last classified fault unchanged.
//
// The policy is never mutated and jitter is sampled per attempt.
func Do(ctx context.Context, policy Policy, op func(context.Context) error) Result {
	start := time.Now()
	result := Result{}

	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff.Base <= 0 {
		policy.Backoff = backoff.DefaultPolicy()
	}

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result.Attempts = attempt + 1

		if ctx.Err() != nil && result.Fault == nil {
			result.Fault = faults.Classify(ctx.Err())
			result.Duration = time.Since(start)
			return result
		}

		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Debug("operation succeeded after retries", "attempts", result.Attempts)
			}
			result.Fault = nil
			result.Duration = time.Since(start)
			return result
		}

		fault := faults.Classify(err)
		result.Fault = fault

		if !retryable(policy, fault) {
			result.Duration = time.Since(start)
			return result
		}

		// Don't sleep after the last attempt.
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := backoff.Delay(policy.Backoff, attempt)
		slog.Debug("retrying after failure",
			"attempt", result.Attempts,
			"delay", delay,
			"kind", fault.Kind,
		)

		if backoff.Sleep(ctx, delay) != nil {
			// The fault keeps its retryability so callers can tell a
			// drained retry budget from a shutdown.
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes a value-returning operation under the policy.
// On failure the zero value is returned alongside the classified fault.
func DoWithValue[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, policy, func(ctx context.Context) error {
		var err error
		value, err = op(ctx)
		return err
	})
	if result.Fault != nil {
		var zero T
		return zero, result
	}
	return value, result
}

func retryable(policy Policy, f *faults.Fault) bool {
	if policy.Retryable != nil {
		return policy.Retryable(f)
	}
	return f.Retryable
}
