package store

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultMaxBatchAttempts = 5
	backoffBase             = 100 * time.Millisecond
	backoffCap              = 5 * time.Second
)

// backoffDelay computes the exponential backoff with full jitter for the
// given zero-based attempt, as recommended for contended batch writes.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		d = backoffCap
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
