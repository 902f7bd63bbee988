package retry

import (
	"context"
	"sync"
	"time"

	"github.com/stratbase/tradecopier/internal/domain"
)

// Breaker is a three-state circuit breaker. Closed passes calls through and
// counts consecutive failures; at the threshold it opens and rejects calls
// until the open timeout elapses, then admits one probe in half-open. A probe
// success closes the breaker, a probe failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     domain.BreakerState
	failures  int
	openedAt  time.Time
	threshold int
	timeout   time.Duration

	now func() time.Time
}

// NewBreaker builds a closed breaker.
func NewBreaker(threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		state:     domain.BreakerClosed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// State returns the current state, applying the open-to-half-open timeout
// transition.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Allow reports whether a call may proceed, returning ErrBreakerOpen while
// the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == domain.BreakerOpen {
		return domain.ErrBreakerOpen
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = domain.BreakerClosed
	b.failures = 0
}

// RecordFailure counts a failure. A half-open probe failure reopens
// immediately; in closed state the breaker opens at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == domain.BreakerHalfOpen || b.failures >= b.threshold {
		b.state = domain.BreakerOpen
		b.openedAt = b.now()
	}
}

// Call runs fn under the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// maybeHalfOpen moves open to half-open once the timeout has elapsed.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == domain.BreakerOpen && b.now().Sub(b.openedAt) >= b.timeout {
		b.state = domain.BreakerHalfOpen
	}
}
