// Package fanout runs batches of tasks with bounded concurrency. It is the
// only concurrency control in the orchestration core: a sliding-window pool
// that keeps at most K tasks in flight and preserves input order in its
// results.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/scout/internal/backoff"
	"github.com/haasonsaas/scout/internal/faults"
)

// Result holds the outcome for one input of a fan-out job. Exactly one of
// Value and Err is meaningful; Err is nil on success.
type Result[R any] struct {
	Value R
	Err   error
}

// Run executes task over inputs with at most maxInFlight tasks running at
// any moment. The returned slice has the same length as inputs and element
// i corresponds to input i regardless of completion order.
//
// A failing or panicking task is materialized as the error at its own index
// and never affects its peers. Back-pressure comes from the semaphore: no
// pending queue builds up beyond the goroutine per input. maxInFlight below
// 1 is treated as 1. Empty input returns an empty slice without spawning
// goroutines.
func Run[T, R any](ctx context.Context, inputs []T, maxInFlight int, task func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], len(inputs))
	if len(inputs) == 0 {
		return results
	}

	if maxInFlight < 1 {
		maxInFlight = 1
	}

	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup

	for i, input := range inputs {
		wg.Add(1)
		go func(idx int, in T) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Result[R]{Err: faults.Classify(ctx.Err())}
				return
			}

			value, err := runTask(ctx, in, task)
			results[idx] = Result[R]{Value: value, Err: err}
		}(i, input)
	}

	wg.Wait()
	return results
}

// RunBatched splits inputs into consecutive batches of batchSize, runs each
// batch fully concurrent, and pauses between batches to reduce burstiness
// against rate-limited providers. Result ordering matches Run.
//
// The pause is cancellable; once the context is done the remaining inputs
// resolve to cancellation errors rather than being dropped.
func RunBatched[T, R any](ctx context.Context, inputs []T, batchSize int, pause time.Duration, task func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], 0, len(inputs))
	if len(inputs) == 0 {
		return results
	}

	if batchSize < 1 {
		batchSize = 1
	}

	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		results = append(results, Run(ctx, inputs[start:end], batchSize, task)...)

		if end < len(inputs) {
			// A cancelled pause does not stop the loop: Run resolves the
			// remaining inputs to cancellation errors, preserving the
			// length invariant.
			_ = backoff.Sleep(ctx, pause)
		}
	}

	return results
}

// runTask invokes task, converting a panic into an error at this input's
// index so one bad task cannot abort the pool.
func runTask[T, R any](ctx context.Context, input T, task func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Newf(faults.KindInternal, "task panicked: %v", r).WithRetryable(false)
		}
	}()
	return task(ctx, input)
}
