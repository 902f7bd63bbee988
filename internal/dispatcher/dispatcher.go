// Package dispatcher turns one master fill into a batch of scaled client
// orders and hands the batch to the executor.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stratbase/tradecopier/internal/domain"
	"github.com/stratbase/tradecopier/internal/executor"
	"github.com/stratbase/tradecopier/internal/scaling"
)

// Scaler computes per-client quantities. Implemented by scaling.Engine.
type Scaler interface {
	Calculate(ctx context.Context, req scaling.Request, client domain.EligibleClient) (float64, bool)
	CurrentPrice(ctx context.Context, symbol string) float64
}

// BatchExecutor submits a prepared batch. Implemented by executor.Executor.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, batch executor.Batch) (succeeded, failed int)
}

// QuoteCache is an optional shared price cache in front of the brokerage's
// quote endpoint.
type QuoteCache interface {
	GetQuote(ctx context.Context, symbol string) (float64, bool)
	SetQuote(ctx context.Context, symbol string, price float64)
}

// Dispatcher wires the listener's fill events to the scaling engine and
// executor.
type Dispatcher struct {
	clients domain.ClientStore
	scaler  Scaler
	exec    BatchExecutor
	quotes  QuoteCache // may be nil
	logger  *slog.Logger
}

// New builds a Dispatcher. quotes may be nil to always hit the brokerage for
// prices.
func New(clients domain.ClientStore, scaler Scaler, exec BatchExecutor, quotes QuoteCache, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		clients: clients,
		scaler:  scaler,
		exec:    exec,
		quotes:  quotes,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// HandleFill scales the fill for every eligible client concurrently and
// executes the resulting batch. Safe to call from the listener's read loop.
func (d *Dispatcher) HandleFill(ctx context.Context, ev domain.TradeEvent) {
	log := d.logger.With(
		slog.String("order_id", ev.OrderID),
		slog.String("symbol", ev.Symbol),
		slog.String("side", string(ev.Side)))

	eligible, err := d.clients.ListEligibleClients(ctx)
	if err != nil {
		log.Error("listing eligible clients failed", slog.String("error", err.Error()))
		return
	}
	if len(eligible) == 0 {
		log.Info("no eligible clients, nothing to replicate")
		return
	}

	masterQty := ev.FilledQty
	if masterQty == 0 {
		masterQty = ev.Qty
	}
	if masterQty <= 0 {
		log.Warn("fill with no quantity, skipping")
		return
	}

	price := d.resolvePrice(ctx, ev)
	req := scaling.Request{
		MasterQty:    masterQty,
		Symbol:       ev.Symbol,
		Side:         ev.Side,
		CurrentPrice: price,
	}

	var (
		mu     sync.Mutex
		orders []domain.ClientOrder
		g      errgroup.Group
	)
	for _, client := range eligible {
		client := client
		g.Go(func() error {
			qty, ok := d.scaler.Calculate(ctx, req, client)
			if !ok || qty <= 0 {
				return nil
			}
			mu.Lock()
			orders = append(orders, domain.ClientOrder{
				AccountID:   client.AccountID,
				Credentials: client.Credentials,
				Symbol:      ev.Symbol,
				Side:        ev.Side,
				Qty:         qty,
				MasterQty:   masterQty,
				OrderID:     ev.OrderID,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(orders) == 0 {
		log.Info("no client orders after scaling",
			slog.Int("eligible", len(eligible)))
		return
	}

	batch := executor.Batch{
		MasterOrderID:   ev.OrderID,
		Symbol:          ev.Symbol,
		Side:            ev.Side,
		OrderType:       ev.OrderType,
		MasterTradeTime: ev.Timestamp,
		Orders:          orders,
	}
	if price > 0 {
		batch.MasterPrice = &price
	}

	succeeded, failed := d.exec.ExecuteBatch(ctx, batch)
	log.Info("fill dispatched",
		slog.Int("eligible", len(eligible)),
		slog.Int("orders", len(orders)),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed))
}

// resolvePrice finds the best available price for the symbol: shared cache,
// then live quote, then the master's own fill price.
func (d *Dispatcher) resolvePrice(ctx context.Context, ev domain.TradeEvent) float64 {
	if d.quotes != nil {
		if price, ok := d.quotes.GetQuote(ctx, ev.Symbol); ok && price > 0 {
			return price
		}
	}

	if price := d.scaler.CurrentPrice(ctx, ev.Symbol); price > 0 {
		if d.quotes != nil {
			d.quotes.SetQuote(ctx, ev.Symbol, price)
		}
		return price
	}

	return ev.FilledAvgPrice
}
