// Package alert dispatches operational notifications to one or more channels
// (Slack, email) with per-key cooldown so a flapping condition cannot flood
// operators.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, sev Severity, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "slack").
	Name() string
}

// Manager fans alerts out to all registered senders. Repeated alerts with the
// same key within the cooldown window are suppressed. Sender failures are
// logged, never returned; alerting must not take the trading path down with it.
type Manager struct {
	senders  []Sender
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// NewManager creates a Manager delivering to the given senders. A zero
// cooldown disables suppression.
func NewManager(senders []Sender, cooldown time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		senders:  senders,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "alerts")),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify delivers an alert to every sender concurrently. The key identifies
// the condition for cooldown purposes; two alerts about different clients or
// symbols should carry different keys.
func (m *Manager) Notify(ctx context.Context, key string, sev Severity, title, message string) {
	if !m.shouldSend(key) {
		m.logger.Debug("alert suppressed by cooldown",
			slog.String("key", key),
			slog.String("title", title))
		return
	}

	if len(m.senders) == 0 {
		m.logger.Warn("alert raised with no senders configured",
			slog.String("severity", string(sev)),
			slog.String("title", title),
			slog.String("message", message))
		return
	}

	var wg sync.WaitGroup
	for _, s := range m.senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			if err := s.Send(ctx, sev, title, message); err != nil {
				m.logger.Error("alert sender failed",
					slog.String("sender", s.Name()),
					slog.String("title", title),
					slog.String("error", err.Error()))
				return
			}
			m.logger.Debug("alert sent",
				slog.String("sender", s.Name()),
				slog.String("title", title))
		}(s)
	}
	wg.Wait()
}

func (m *Manager) shouldSend(key string) bool {
	if m.cooldown <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	return true
}

// StreamDisconnected reports a dropped event stream.
func (m *Manager) StreamDisconnected(ctx context.Context, reason string) {
	m.Notify(ctx, "stream_disconnected", SeverityWarning,
		"Trade stream disconnected",
		fmt.Sprintf("The order event stream dropped: %s. Reconnecting.", reason))
}

// StreamReconnected reports a recovered event stream.
func (m *Manager) StreamReconnected(ctx context.Context, attempts int) {
	m.Notify(ctx, "stream_reconnected", SeverityInfo,
		"Trade stream reconnected",
		fmt.Sprintf("The order event stream recovered after %d attempt(s).", attempts))
}

// ReconnectExhausted reports that reconnection gave up entirely.
func (m *Manager) ReconnectExhausted(ctx context.Context, attempts int) {
	m.Notify(ctx, "reconnect_exhausted", SeverityCritical,
		"Trade stream reconnection exhausted",
		fmt.Sprintf("Gave up reconnecting after %d attempts. Replication is STOPPED until the service is restarted.", attempts))
}

// HighFailureRate reports a fan-out batch with too many failed client orders.
func (m *Manager) HighFailureRate(ctx context.Context, symbol string, failed, total int) {
	m.Notify(ctx, "high_failure_rate:"+symbol, SeverityError,
		"High replication failure rate",
		fmt.Sprintf("%d of %d client orders for %s failed.", failed, total, symbol))
}

// BreakerOpened reports a client circuit breaker tripping.
func (m *Manager) BreakerOpened(ctx context.Context, accountID string) {
	m.Notify(ctx, "breaker_opened:"+accountID, SeverityError,
		"Client circuit breaker opened",
		fmt.Sprintf("Client %s exceeded its failure threshold and is excluded from replication until the breaker recovers.", accountID))
}

// HighLatency reports a replication that exceeded the critical latency bound.
func (m *Manager) HighLatency(ctx context.Context, symbol string, latencyMS, thresholdMS float64) {
	m.Notify(ctx, "high_latency:"+symbol, SeverityCritical,
		"Replication latency critical",
		fmt.Sprintf("Replicating %s took %.1fms (threshold %.0fms).", symbol, latencyMS, thresholdMS))
}

// SystemError reports an unexpected component failure.
func (m *Manager) SystemError(ctx context.Context, component string, err error) {
	m.Notify(ctx, "system_error:"+component, SeverityError,
		"System error in "+component,
		err.Error())
}

// Startup announces service start.
func (m *Manager) Startup(ctx context.Context) {
	m.Notify(ctx, "startup", SeverityInfo,
		"Trade copier started",
		"Replication service is online and listening for master fills.")
}

// Shutdown announces service stop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.Notify(ctx, "shutdown", SeverityInfo,
		"Trade copier stopped",
		"Replication service is shutting down.")
}
