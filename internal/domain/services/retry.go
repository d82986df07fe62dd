package services

import (
	"context"
	"time"
)

// RetryPolicy bounds how many fetch+match attempts one check makes
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Run calls attempt until it reports done, the attempt budget is spent, or
// ctx is cancelled. Attempts are numbered from 1. It returns the number of
// attempts made.
func (p RetryPolicy) Run(ctx context.Context, attempt func(ctx context.Context, n int) (done bool)) int {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}

	for n := 1; n <= limit; n++ {
		if attempt(ctx, n) {
			return n
		}
		if n == limit {
			return n
		}
		if !sleep(ctx, p.Delay) {
			return n
		}
	}
	return limit
}

// sleep waits for d or until ctx is done, reporting whether the full delay elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
