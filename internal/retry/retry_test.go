package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratbase/tradecopier/internal/domain"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Base:         2,
		Jitter:       false,
	}
}

func TestDelayGrowthAndCap(t *testing.T) {
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Base:         2,
	}

	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 4*time.Second, p.Delay(2))
	require.Equal(t, 8*time.Second, p.Delay(3))
	// Capped at max from here on.
	require.Equal(t, 10*time.Second, p.Delay(4))
	require.Equal(t, 10*time.Second, p.Delay(10))
}

func TestJitterStaysWithinDelay(t *testing.T) {
	p := Policy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Base:         2,
		Jitter:       true,
	}
	for i := 0; i < 100; i++ {
		d := p.sleep(0)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 10*time.Millisecond)
	}
}

func TestDoRetriesRetryableUntilSuccess(t *testing.T) {
	p := testPolicy()
	calls := 0
	retries, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return domain.ErrRateLimited
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := testPolicy()
	calls := 0
	retries, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ErrTransientUpstream
	})
	require.ErrorIs(t, err, domain.ErrTransientUpstream)
	// One initial try plus MaxAttempts retries.
	require.Equal(t, 4, calls)
	require.Equal(t, 3, retries)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := testPolicy()
	calls := 0
	retries, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ErrInsufficientFunds
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, retries)
}

func TestDoHonorsContextCancel(t *testing.T) {
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Base:         2,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Do(ctx, func(ctx context.Context) error {
		return domain.ErrRateLimited
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		require.Equal(t, domain.BreakerClosed, b.State())
		err := b.Call(context.Background(), func(ctx context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}

	require.Equal(t, domain.BreakerOpen, b.State())
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, domain.ErrBreakerOpen)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)
	boom := errors.New("boom")

	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	require.Equal(t, 2, b.Failures())

	require.NoError(t, b.Call(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, 0, b.Failures())
	require.Equal(t, domain.BreakerClosed, b.State())
}

func TestBreakerHalfOpenTransitions(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return clock }

	boom := errors.New("boom")
	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	require.Equal(t, domain.BreakerOpen, b.State())

	// Before the timeout calls are rejected.
	require.ErrorIs(t, b.Allow(), domain.ErrBreakerOpen)

	// After the timeout one probe is admitted.
	clock = clock.Add(time.Minute)
	require.Equal(t, domain.BreakerHalfOpen, b.State())
	require.NoError(t, b.Allow())

	// Probe failure reopens.
	_ = b.Call(context.Background(), func(ctx context.Context) error { return boom })
	require.Equal(t, domain.BreakerOpen, b.State())

	// Next window: probe success closes and resets.
	clock = clock.Add(time.Minute)
	require.NoError(t, b.Call(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, domain.BreakerClosed, b.State())
	require.Equal(t, 0, b.Failures())
}
