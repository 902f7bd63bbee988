// Package executor fans a master fill out to every eligible client account in
// parallel, wrapping each submission in retry and a per-client circuit
// breaker, and records the attempt in the audit log.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stratbase/tradecopier/internal/alert"
	"github.com/stratbase/tradecopier/internal/brokerage"
	"github.com/stratbase/tradecopier/internal/domain"
	"github.com/stratbase/tradecopier/internal/retry"
)

// latencyMetric is the metric name recorded per successful replication.
const latencyMetric = "replication_latency_ms"

// Alerter is the slice of alerting the executor needs.
type Alerter interface {
	BreakerOpened(ctx context.Context, accountID string)
	HighFailureRate(ctx context.Context, symbol string, failed, total int)
	HighLatency(ctx context.Context, symbol string, latencyMS, thresholdMS float64)
}

// Config tunes the executor's concurrency, retry, breaker, and latency bounds.
type Config struct {
	MaxConcurrentOrders int
	Retry               retry.Policy
	BreakerThreshold    int
	BreakerTimeout      time.Duration
	LatencyWarnMS       float64
	LatencyCriticalMS   float64
}

// Batch is one master fill expanded into the client orders it produced.
type Batch struct {
	MasterOrderID   string
	Symbol          string
	Side            domain.OrderSide
	OrderType       domain.OrderType
	MasterPrice     *float64
	MasterTradeTime time.Time
	Orders          []domain.ClientOrder
}

// Executor submits scaled client orders. Each client account gets its own
// circuit breaker so one failing account cannot starve the rest.
type Executor struct {
	factory  brokerage.Factory
	cfg      Config
	clients  domain.ClientStore
	audit    domain.AuditLog
	metrics  domain.MetricStore
	alerts   Alerter
	latency  *alert.LatencyTracker
	logger   *slog.Logger
	failures *slog.Logger

	mu       sync.Mutex
	breakers map[string]*retry.Breaker
}

// New builds an Executor.
func New(
	factory brokerage.Factory,
	cfg Config,
	clients domain.ClientStore,
	audit domain.AuditLog,
	metrics domain.MetricStore,
	alerts Alerter,
	latency *alert.LatencyTracker,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		factory:  factory,
		cfg:      cfg,
		clients:  clients,
		audit:    audit,
		metrics:  metrics,
		alerts:   alerts,
		latency:  latency,
		logger:   logger.With(slog.String("component", "executor")),
		failures: logger.With(slog.String("component", "trade_failures")),
		breakers: make(map[string]*retry.Breaker),
	}
}

// ExecuteBatch submits every order in the batch concurrently and returns the
// success and failure counts. It never returns early; every client gets its
// attempt regardless of how the others fare.
func (e *Executor) ExecuteBatch(ctx context.Context, batch Batch) (succeeded, failed int) {
	if len(batch.Orders) == 0 {
		return 0, 0
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if e.cfg.MaxConcurrentOrders > 0 {
		g.SetLimit(e.cfg.MaxConcurrentOrders)
	}

	for _, order := range batch.Orders {
		order := order
		g.Go(func() error {
			ok := e.executeOne(ctx, batch, order)
			mu.Lock()
			if ok {
				succeeded++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	total := len(batch.Orders)
	e.logger.Info("batch complete",
		slog.String("master_order_id", batch.MasterOrderID),
		slog.String("symbol", batch.Symbol),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed))

	if failed*10 > total {
		e.alerts.HighFailureRate(ctx, batch.Symbol, failed, total)
	}
	return succeeded, failed
}

// executeOne runs a single client order through audit, breaker, retry, and
// result recording. Returns true on a successful submission.
func (e *Executor) executeOne(ctx context.Context, batch Batch, order domain.ClientOrder) bool {
	log := e.logger.With(
		slog.String("account_id", order.AccountID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.Float64("qty", order.Qty))

	auditID, err := e.audit.LogTradeAttempt(ctx, domain.TradeAttempt{
		MasterOrderID:   batch.MasterOrderID,
		ClientAccountID: order.AccountID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		OrderType:       batch.OrderType,
		MasterQty:       order.MasterQty,
		MasterPrice:     batch.MasterPrice,
		ScaledQty:       order.Qty,
		MasterTradeTime: batch.MasterTradeTime,
	})
	if err != nil {
		log.Error("audit insert failed, continuing with submission",
			slog.String("error", err.Error()))
	}

	clientOrderID := uuid.New().String()
	breaker := e.breakerFor(order.AccountID)
	api := e.factory(order.Credentials.APIKey, order.Credentials.SecretKey)

	req := buildOrderRequest(batch, order, clientOrderID)

	// Latency is measured from here so audit persistence does not count
	// against the replication path.
	start := time.Now()

	var (
		retries int
		placed  brokerage.Order
	)
	err = breaker.Call(ctx, func(ctx context.Context) error {
		var submitErr error
		retries, submitErr = e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			var err error
			placed, err = api.SubmitOrder(ctx, req)
			return brokerage.Classify(err)
		})
		return submitErr
	})

	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		e.recordFailure(ctx, auditID, order, err, retries, latencyMS, log)
		return false
	}

	result := domain.TradeResult{
		Status:        domain.TradeSuccess,
		ClientOrderID: clientOrderID,
		BrokerOrderID: placed.ID,
		RetryCount:    retries,
		LatencyMS:     &latencyMS,
	}
	if placed.FilledQty > 0 {
		result.FilledQty = &placed.FilledQty
	}
	if placed.FilledAvgPrice > 0 {
		result.FilledAvgPrice = &placed.FilledAvgPrice
	}
	e.updateAudit(ctx, auditID, result, log)

	if err := e.clients.RecordTradeSuccess(ctx, order.AccountID); err != nil {
		log.Warn("recording trade success failed", slog.String("error", err.Error()))
	}
	e.observeLatency(ctx, order.Symbol, string(order.Side), latencyMS, log)

	log.Info("order replicated",
		slog.String("client_order_id", clientOrderID),
		slog.String("broker_order_id", placed.ID),
		slog.Int("retries", retries),
		slog.Float64("latency_ms", latencyMS))
	return true
}

// buildOrderRequest carries the master's order type and price over to the
// client order. Limit and stop orders without a known master price downgrade
// to market so the client still follows the trade.
func buildOrderRequest(batch Batch, order domain.ClientOrder, clientOrderID string) brokerage.OrderRequest {
	req := brokerage.OrderRequest{
		Symbol:        order.Symbol,
		Qty:           order.Qty,
		Side:          string(order.Side),
		Type:          string(domain.OrderMarket),
		TimeInForce:   "day",
		ClientOrderID: clientOrderID,
	}

	if batch.MasterPrice == nil || *batch.MasterPrice <= 0 {
		return req
	}
	switch batch.OrderType {
	case domain.OrderLimit:
		req.Type = string(domain.OrderLimit)
		req.LimitPrice = *batch.MasterPrice
	case domain.OrderStop:
		req.Type = string(domain.OrderStop)
		req.StopPrice = *batch.MasterPrice
	}
	return req
}

// recordFailure persists the failed attempt and breaker state.
func (e *Executor) recordFailure(ctx context.Context, auditID int64, order domain.ClientOrder, submitErr error, retries int, latencyMS float64, log *slog.Logger) {
	e.updateAudit(ctx, auditID, domain.TradeResult{
		Status:       domain.TradeFailed,
		ErrorMessage: submitErr.Error(),
		RetryCount:   retries,
		LatencyMS:    &latencyMS,
	}, log)

	if errors.Is(submitErr, domain.ErrBreakerOpen) {
		log.Warn("client breaker open, order not submitted")
		return
	}

	e.failures.Error("order submission failed",
		slog.String("account_id", order.AccountID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.Float64("qty", order.Qty),
		slog.Int("retries", retries),
		slog.Float64("latency_ms", latencyMS),
		slog.String("error", submitErr.Error()))

	breaker := e.breakerFor(order.AccountID)
	if breaker.State() == domain.BreakerOpen {
		if err := e.clients.SetBreaker(ctx, order.AccountID, domain.BreakerOpen, true); err != nil {
			log.Error("persisting breaker state failed", slog.String("error", err.Error()))
		}
		e.alerts.BreakerOpened(ctx, order.AccountID)
		return
	}

	if err := e.clients.SetBreaker(ctx, order.AccountID, breaker.State(), true); err != nil {
		log.Error("persisting failure count failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) updateAudit(ctx context.Context, auditID int64, result domain.TradeResult, log *slog.Logger) {
	if auditID == 0 {
		return
	}
	if err := e.audit.UpdateTradeResult(ctx, auditID, result); err != nil {
		log.Error("audit update failed",
			slog.Int64("audit_id", auditID),
			slog.String("error", err.Error()))
	}
}

// observeLatency records the sample and escalates when it breaches the bounds.
func (e *Executor) observeLatency(ctx context.Context, symbol, side string, latencyMS float64, log *slog.Logger) {
	e.latency.Record(latencyMS)
	tags := map[string]string{"symbol": symbol, "side": side}
	if err := e.metrics.RecordMetric(ctx, latencyMetric, latencyMS, tags); err != nil {
		log.Warn("latency metric record failed", slog.String("error", err.Error()))
	}

	switch {
	case latencyMS > e.cfg.LatencyCriticalMS:
		e.alerts.HighLatency(ctx, symbol, latencyMS, e.cfg.LatencyCriticalMS)
	case latencyMS > e.cfg.LatencyWarnMS:
		log.Warn("replication latency above warning threshold",
			slog.Float64("latency_ms", latencyMS),
			slog.Float64("warn_ms", e.cfg.LatencyWarnMS))
	}
}

// breakerFor returns the circuit breaker for an account, creating it on first
// use.
func (e *Executor) breakerFor(accountID string) *retry.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[accountID]
	if !ok {
		b = retry.NewBreaker(e.cfg.BreakerThreshold, e.cfg.BreakerTimeout)
		e.breakers[accountID] = b
	}
	return b
}

// LatencyStats exposes the rolling latency distribution.
func (e *Executor) LatencyStats() alert.LatencyStats {
	return e.latency.Snapshot()
}

var _ fmt.Stringer = (*Executor)(nil)

// String returns a human-readable description of the executor.
func (e *Executor) String() string {
	return fmt.Sprintf("Executor(max_concurrent=%d)", e.cfg.MaxConcurrentOrders)
}
