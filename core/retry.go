package core

import (
	"context"
	"math"
	"time"
)

// RetryPolicy is an exponential backoff used by reliable transport
// connects and sends. MaxRetries counts attempts after the first one.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	// MaxDelay caps a single wait; zero means uncapped.
	MaxDelay time.Duration
	// BackoffRatio multiplies the delay after every retry.
	BackoffRatio float64
}

// DefaultRetryPolicy waits 100ms, 200ms, 400ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		BackoffRatio: 2.0,
	}
}

func NoRetry() RetryPolicy {
	return RetryPolicy{BackoffRatio: 1.0}
}

// CalculateDelay returns the wait before retry number attempt (0-indexed).
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	ratio := p.BackoffRatio
	if ratio < 1 {
		ratio = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(ratio, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, the retries are exhausted or ctx is done.
// The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || attempt >= p.MaxRetries {
			return err
		}
		timer := time.NewTimer(p.CalculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
