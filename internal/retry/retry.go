// Package retry implements the bounded exponential-backoff retry policy and
// the per-client circuit breaker used around order submission.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/stratbase/tradecopier/internal/domain"
)

// Policy is a bounded exponential backoff. An operation runs once plus up to
// MaxAttempts retries; only errors in the retryable taxonomy subset are
// retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

// Delay returns the backoff before retry k (0-indexed):
// min(initial * base^k, max), before jitter.
func (p Policy) Delay(k int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Base, float64(k))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// sleep returns the actual wait before retry k. With jitter enabled the wait
// is uniform in [0, Delay(k)], desynchronizing clients that fail together.
func (p Policy) sleep(k int) time.Duration {
	d := p.Delay(k)
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// Do runs fn with the policy. It returns the number of retries consumed and
// the final error. Non-retryable errors and context cancellation stop the
// loop immediately.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !domain.Retryable(err) || attempt >= p.MaxAttempts {
			return attempt, err
		}

		timer := time.NewTimer(p.sleep(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
