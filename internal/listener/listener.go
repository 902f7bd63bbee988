// Package listener consumes the master account's trade-update stream, filters
// it down to fill events, deduplicates them, and hands them to the dispatcher.
// It owns the reconnect state machine for the websocket.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/stratbase/tradecopier/internal/brokerage"
	"github.com/stratbase/tradecopier/internal/domain"
)

const (
	// connectDeadline bounds a single dial so a stalled handshake does not
	// freeze the reconnect loop.
	connectDeadline = 3 * time.Second

	// rapidFailureCount failures within rapidFailureWindow force the
	// extended backoff path even for otherwise ordinary errors.
	rapidFailureCount  = 3
	rapidFailureWindow = 2 * time.Second

	normalBackoffMax   = 5 * time.Minute
	extendedBackoffMin = time.Minute
	extendedBackoffMax = 10 * time.Minute

	dedupTTL = 24 * time.Hour
)

// Handler receives each deduplicated fill event.
type Handler func(ctx context.Context, ev domain.TradeEvent)

// Alerter is the slice of alerting the listener needs.
type Alerter interface {
	StreamDisconnected(ctx context.Context, reason string)
	StreamReconnected(ctx context.Context, attempts int)
	ReconnectExhausted(ctx context.Context, attempts int)
}

// Config tunes the reconnect behavior.
type Config struct {
	// ReconnectDelay is the initial backoff after a normal disconnect.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the number of consecutive failed
	// reconnections tolerated before the listener gives up.
	MaxReconnectAttempts int
}

// Listener runs the stream consumption loop.
type Listener struct {
	dial    brokerage.Dialer
	cfg     Config
	dedup   domain.DedupStore
	handler Handler
	alerts  Alerter
	logger  *slog.Logger

	normal   *backoff.Backoff
	extended *backoff.Backoff

	connMu    sync.Mutex
	streamCfg brokerage.StreamConfig
	conn      brokerage.EventSource
	attempts  int

	failTimes []time.Time
}

// New builds a Listener. The handler is invoked synchronously from the read
// loop; it should hand work off quickly.
func New(dial brokerage.Dialer, streamCfg brokerage.StreamConfig, cfg Config, dedup domain.DedupStore, handler Handler, alerts Alerter, logger *slog.Logger) *Listener {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &Listener{
		dial:      dial,
		cfg:       cfg,
		dedup:     dedup,
		handler:   handler,
		alerts:    alerts,
		logger:    logger.With(slog.String("component", "listener")),
		streamCfg: streamCfg,
		normal: &backoff.Backoff{
			Min:    delay,
			Max:    normalBackoffMax,
			Factor: 2,
		},
		extended: &backoff.Backoff{
			Min:    extendedBackoffMin,
			Max:    extendedBackoffMax,
			Factor: 2,
		},
	}
}

// Run connects and consumes events until the context is cancelled or the
// reconnect budget is exhausted.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listener started")
	defer l.logger.Info("listener stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.connMu.Lock()
		l.attempts++
		attempts := l.attempts
		l.connMu.Unlock()
		l.recordFailure()
		l.alerts.StreamDisconnected(ctx, err.Error())

		if attempts > l.cfg.MaxReconnectAttempts {
			l.logger.Error("reconnect attempts exhausted, stopping",
				slog.Int("attempts", attempts-1))
			l.alerts.ReconnectExhausted(ctx, attempts-1)
			return fmt.Errorf("listener: reconnect attempts exhausted: %w", err)
		}

		delay := l.nextDelay(err)
		l.logger.Warn("stream disconnected, reconnecting",
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runConnection dials once and reads until the stream fails. The attempt
// counter is reset on the first successfully handled message, not on connect,
// so a server that accepts the socket and immediately drops it still burns an
// attempt.
func (l *Listener) runConnection(ctx context.Context) error {
	l.connMu.Lock()
	streamCfg := l.streamCfg
	l.connMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectDeadline)
	conn, err := l.dial(dialCtx, streamCfg)
	cancel()
	if err != nil {
		return fmt.Errorf("listener: connecting stream: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	defer func() {
		l.connMu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.connMu.Unlock()
		conn.Close()
	}()

	l.logger.Info("stream connected")
	firstMessage := true

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return fmt.Errorf("listener: reading stream: %w", err)
		}

		if firstMessage {
			firstMessage = false
			l.connMu.Lock()
			prev := l.attempts
			l.attempts = 0
			l.normal.Reset()
			l.extended.Reset()
			l.connMu.Unlock()
			if prev > 0 {
				l.alerts.StreamReconnected(ctx, prev)
			}
		}

		l.handleEvent(ctx, ev)
	}
}

// handleEvent filters, deduplicates, and forwards one event.
func (l *Listener) handleEvent(ctx context.Context, ev domain.TradeEvent) {
	if ev.Event != "fill" {
		l.logger.Debug("ignoring non-fill event",
			slog.String("event", ev.Event),
			slog.String("order_id", ev.OrderID))
		return
	}

	now := time.Now().UTC()
	dup, err := l.dedup.CheckAndRecordEvent(ctx, domain.DedupEntry{
		EventID:     ev.EventID(),
		EventType:   ev.Event,
		ContentHash: ev.ContentHash(),
		ProcessedAt: now,
		ExpiresAt:   now.Add(dedupTTL),
	})
	if err != nil {
		// Losing the ledger must not lose the trade; process anyway.
		l.logger.Error("dedup check failed, processing event",
			slog.String("event_id", ev.EventID()),
			slog.String("error", err.Error()))
	} else if dup {
		l.logger.Warn("duplicate event skipped",
			slog.String("event_id", ev.EventID()),
			slog.String("symbol", ev.Symbol))
		return
	}

	l.logger.Info("fill received",
		slog.String("order_id", ev.OrderID),
		slog.String("symbol", ev.Symbol),
		slog.String("side", string(ev.Side)),
		slog.Float64("qty", ev.Qty),
		slog.Float64("position_qty", ev.PositionQty))
	l.handler(ctx, ev)
}

// nextDelay picks the backoff track for the given failure. Auth and
// rate-limit errors, or a burst of rapid failures, use the extended track.
func (l *Listener) nextDelay(err error) time.Duration {
	classified := brokerage.Classify(err)
	extended := errors.Is(classified, domain.ErrUnauthorized) ||
		errors.Is(classified, domain.ErrRateLimited) ||
		l.failingRapidly()

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if extended {
		return l.extended.Duration()
	}
	return l.normal.Duration()
}

// recordFailure appends a failure timestamp, keeping only the recent window.
func (l *Listener) recordFailure() {
	now := time.Now()
	kept := l.failTimes[:0]
	for _, t := range l.failTimes {
		if now.Sub(t) <= rapidFailureWindow {
			kept = append(kept, t)
		}
	}
	l.failTimes = append(kept, now)
}

func (l *Listener) failingRapidly() bool {
	return len(l.failTimes) >= rapidFailureCount
}

// ReconnectWithCredentials swaps the stream credentials and drops the current
// connection so the read loop redials with the new ones. The reconnect budget
// and backoff start fresh; failures under the old keys do not count against
// the new ones.
func (l *Listener) ReconnectWithCredentials(apiKey, secretKey string) {
	l.connMu.Lock()
	l.streamCfg.APIKey = apiKey
	l.streamCfg.SecretKey = secretKey
	l.attempts = 0
	l.normal.Reset()
	l.extended.Reset()
	conn := l.conn
	l.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	l.logger.Info("stream credentials updated, reconnecting")
}

// Close drops the active connection, if any. Run still needs its context
// cancelled to stop.
func (l *Listener) Close() {
	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
