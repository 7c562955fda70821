package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// sleep waits d on the injected clock, returning early with the context
// error when canceled. Non-positive durations return without registering a
// clock waiter.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// randomBetween returns a uniform duration in [lo, hi).
func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	//nolint:gosec // G404: math/rand is sufficient for pacing jitter, not used for security
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
