package llm

import (
	"context"
	"math/rand"
	"time"

	"kodex/internal/errs"
)

// backoffDelay 指数退避加抖动：base*2^attempt 上浮至多一半
// backoffDelay computes exponential backoff with jitter: base*2^attempt
// plus up to 50% random spread.
func backoffDelay(attempt int, base time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt > 8 {
		attempt = 8
	}
	delay := base << uint(attempt)
	jitter := time.Duration(rng.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// sleepCtx waits out the delay unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "retry wait", ctx.Err())
	case <-timer.C:
		return nil
	}
}
