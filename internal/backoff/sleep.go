package backoff

import (
	"context"
	"time"
)

// Sleep waits for d unless the context ends first, in which case it
// returns ctx.Err(). A non-positive d returns immediately. Retry loops
// and batch pauses use this so shutdown never waits out a delay.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
