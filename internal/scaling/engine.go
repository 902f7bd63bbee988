// Package scaling derives per-client order quantities from the master fill,
// the equity ratio, and both accounts' live positions.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratbase/tradecopier/internal/brokerage"
	"github.com/stratbase/tradecopier/internal/domain"
)

// shortEpsilon is the tolerance below zero at which a projected position
// counts as a short.
const shortEpsilon = 1e-4

// Config holds the sizing rules.
type Config struct {
	MinOrderSize          float64
	MinNotional           float64
	AllowFractionalShares bool
	BuyingPowerBuffer     float64
	EquityCacheTTL        time.Duration
}

// Request describes one master fill to be scaled for a client.
type Request struct {
	MasterQty float64
	Symbol    string
	Side      domain.OrderSide
	// CurrentPrice is the best known price for the symbol, 0 if unknown.
	CurrentPrice float64
}

// Engine computes scaled quantities. It holds the master account API and a
// 60-second master-equity cache; a failed refresh keeps serving the stale
// value rather than stalling replication.
type Engine struct {
	factory brokerage.Factory
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	master   brokerage.API
	equity   float64
	equityAt time.Time

	now func() time.Time
}

// NewEngine builds an engine bound to the master credentials.
func NewEngine(factory brokerage.Factory, masterCreds domain.Credentials, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		factory: factory,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "scaling")),
		master:  factory(masterCreds.APIKey, masterCreds.SecretKey),
		now:     time.Now,
	}
}

// Reinitialize swaps in new master credentials and drops the equity cache.
func (e *Engine) Reinitialize(ctx context.Context, creds domain.Credentials) error {
	e.mu.Lock()
	e.master = e.factory(creds.APIKey, creds.SecretKey)
	e.equity = 0
	e.equityAt = time.Time{}
	e.mu.Unlock()

	if _, err := e.masterEquity(ctx); err != nil {
		return fmt.Errorf("scaling: refreshing equity after credential swap: %w", err)
	}
	e.logger.Info("master credentials reinitialized")
	return nil
}

// masterEquity returns the cached master equity, refreshing past the TTL.
// On refresh failure the stale value, if any, is kept.
func (e *Engine) masterEquity(ctx context.Context) (float64, error) {
	e.mu.Lock()
	master := e.master
	equity := e.equity
	fresh := !e.equityAt.IsZero() && e.now().Sub(e.equityAt) < e.cfg.EquityCacheTTL
	e.mu.Unlock()

	if fresh {
		return equity, nil
	}

	acct, err := master.GetAccount(ctx)
	if err != nil {
		if equity > 0 {
			e.logger.Error("master equity refresh failed, using stale value",
				slog.Float64("stale_equity", equity),
				slog.String("error", err.Error()))
			return equity, nil
		}
		return 0, brokerage.Classify(err)
	}

	e.mu.Lock()
	e.equity = acct.Equity
	e.equityAt = e.now()
	e.mu.Unlock()

	e.logger.Debug("master equity refreshed",
		slog.Float64("equity", acct.Equity),
		slog.Float64("buying_power", acct.BuyingPower))
	return acct.Equity, nil
}

// CurrentPrice returns the latest quote midpoint for symbol via the master's
// data access, 0 if unavailable.
func (e *Engine) CurrentPrice(ctx context.Context, symbol string) float64 {
	e.mu.Lock()
	master := e.master
	e.mu.Unlock()

	quote, err := master.GetLatestQuote(ctx, symbol)
	if err != nil {
		e.logger.Warn("quote lookup failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()))
		return 0
	}
	return quote.Mid()
}

// Calculate returns the scaled quantity for one client, or ok=false to skip
// this client. Errors never escape: auth failures and everything else
// degrade to a skip with a log.
func (e *Engine) Calculate(ctx context.Context, req Request, client domain.EligibleClient) (float64, bool) {
	masterEq, err := e.masterEquity(ctx)
	if err != nil || masterEq <= 0 {
		e.logger.Error("master equity unavailable",
			slog.String("symbol", req.Symbol),
			slog.Float64("master_equity", masterEq))
		return 0, false
	}

	api := e.factory(client.Credentials.APIKey, client.Credentials.SecretKey)

	acct, err := api.GetAccount(ctx)
	if err != nil {
		e.skipOnError(client.AccountID, req.Symbol, err)
		return 0, false
	}

	clientQty := 0.0
	if pos, err := api.GetOpenPosition(ctx, req.Symbol); err == nil {
		clientQty = pos.Qty
	}

	e.mu.Lock()
	master := e.master
	e.mu.Unlock()
	masterRemaining := 0.0
	if pos, err := master.GetOpenPosition(ctx, req.Symbol); err == nil {
		masterRemaining = pos.Qty
	}

	// Direction filter.
	if !directionAllowed(req.Side, masterRemaining, client.TradeDirection) {
		e.logger.Info("skipping client on direction filter",
			slog.String("account_id", client.AccountID),
			slog.String("symbol", req.Symbol),
			slog.String("direction", string(client.TradeDirection)))
		return 0, false
	}

	// Master full exit: close exactly, or refuse to trade the wrong way.
	if masterRemaining == 0 {
		switch {
		case req.Side == domain.SideSell && clientQty > 0:
			e.logger.Info("full exit, closing client long",
				slog.String("account_id", client.AccountID),
				slog.String("symbol", req.Symbol),
				slog.Float64("client_qty", clientQty))
			return quantizeDown(clientQty, 6), true
		case req.Side == domain.SideBuy && clientQty < 0:
			e.logger.Info("full cover, closing client short",
				slog.String("account_id", client.AccountID),
				slog.String("symbol", req.Symbol),
				slog.Float64("client_qty", clientQty))
			return quantizeDown(-clientQty, 6), true
		case clientQty == 0:
			// A previous open must have failed; opening here would
			// create an inverse position.
			e.logger.Warn("full exit with flat client, skipping",
				slog.String("account_id", client.AccountID),
				slog.String("symbol", req.Symbol))
			return 0, false
		default:
			e.logger.Warn("full exit with opposite-side client, skipping",
				slog.String("account_id", client.AccountID),
				slog.String("symbol", req.Symbol),
				slog.Float64("client_qty", clientQty))
			return 0, false
		}
	}

	// Master partial close with a client that holds nothing, or the wrong
	// side, replicates the wrong direction. Skip.
	if req.Side == domain.SideSell && masterRemaining > 0 && clientQty <= 0 {
		e.logger.Warn("partial close with no matching client long, skipping",
			slog.String("account_id", client.AccountID),
			slog.String("symbol", req.Symbol),
			slog.Float64("client_qty", clientQty))
		return 0, false
	}
	if req.Side == domain.SideBuy && masterRemaining < 0 && clientQty >= 0 {
		e.logger.Warn("partial cover with no matching client short, skipping",
			slog.String("account_id", client.AccountID),
			slog.String("symbol", req.Symbol),
			slog.Float64("client_qty", clientQty))
		return 0, false
	}

	risk := client.RiskMultiplier
	if risk == 0 {
		risk = 1.0
	}
	scaled := req.MasterQty * (acct.Equity / masterEq) * risk

	// Short opens and increases are whole-share only.
	if req.Side == domain.SideSell && clientQty-scaled < -shortEpsilon {
		frac := clientQty - math.Floor(clientQty)
		if clientQty > 0 && (clientQty < 1 || frac > shortEpsilon) {
			e.logger.Info("clearing fractional dust before short",
				slog.String("account_id", client.AccountID),
				slog.String("symbol", req.Symbol),
				slog.Float64("dust_qty", clientQty))
			return clientQty, true
		}

		rounded := math.Round(scaled)
		if rounded <= 0 {
			return 0, false
		}
		e.logger.Info("whole-share short sell",
			slog.String("account_id", client.AccountID),
			slog.String("symbol", req.Symbol),
			slog.Float64("scaled", scaled),
			slog.Float64("rounded", rounded))
		return rounded, true
	}

	// Minimum-size gates.
	if scaled < e.cfg.MinOrderSize {
		e.logger.Warn("skipping trade below minimum size",
			slog.String("account_id", client.AccountID),
			slog.String("symbol", req.Symbol),
			slog.Float64("scaled", scaled),
			slog.Float64("min_order_size", e.cfg.MinOrderSize))
		return 0, false
	}
	if req.CurrentPrice > 0 {
		notional := scaled * req.CurrentPrice
		if notional < e.cfg.MinNotional {
			e.logger.Warn("skipping trade below minimum notional",
				slog.String("account_id", client.AccountID),
				slog.String("symbol", req.Symbol),
				slog.Float64("notional", notional),
				slog.Float64("min_notional", e.cfg.MinNotional))
			return 0, false
		}
	}

	// Fractional rounding.
	fractionable := false
	if asset, err := api.GetAsset(ctx, req.Symbol); err == nil {
		fractionable = asset.Fractionable
	} else {
		e.logger.Warn("fractional support check failed, assuming whole shares",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()))
	}

	var finalQty float64
	if fractionable && e.cfg.AllowFractionalShares {
		finalQty = quantizeDown(scaled, 2)
	} else {
		finalQty = math.Floor(scaled)
	}

	// Buying-power guard.
	if req.CurrentPrice > 0 {
		cost := finalQty * req.CurrentPrice
		if cost > acct.BuyingPower {
			reduced := math.Floor(acct.BuyingPower * e.cfg.BuyingPowerBuffer / req.CurrentPrice)
			e.logger.Warn("reducing quantity to fit buying power",
				slog.String("account_id", client.AccountID),
				slog.String("symbol", req.Symbol),
				slog.Float64("estimated_cost", cost),
				slog.Float64("buying_power", acct.BuyingPower),
				slog.Float64("reduced_qty", reduced))
			finalQty = reduced
			if finalQty < e.cfg.MinOrderSize {
				return 0, false
			}
		}
	}

	if finalQty <= 0 {
		return 0, false
	}

	e.logger.Debug("quantity calculated",
		slog.String("account_id", client.AccountID),
		slog.String("symbol", req.Symbol),
		slog.Float64("master_qty", req.MasterQty),
		slog.Float64("scaled", scaled),
		slog.Float64("final_qty", finalQty),
		slog.Float64("client_equity", acct.Equity),
		slog.Float64("master_equity", masterEq))
	return finalQty, true
}

func (e *Engine) skipOnError(accountID, symbol string, err error) {
	classified := brokerage.Classify(err)
	if errors.Is(classified, domain.ErrUnauthorized) {
		e.logger.Error("client credentials rejected, skipping",
			slog.String("account_id", accountID),
			slog.String("symbol", symbol),
			slog.String("error", classified.Error()))
		return
	}
	e.logger.Error("client scaling failed, skipping",
		slog.String("account_id", accountID),
		slog.String("symbol", symbol),
		slog.String("error", classified.Error()))
}

// directionAllowed classifies the fill as a long or short trade and applies
// the client's trade-direction restriction.
func directionAllowed(side domain.OrderSide, masterRemaining float64, dir domain.TradeDirection) bool {
	if dir == "" || dir == domain.DirectionBoth {
		return true
	}

	var tradeDir domain.TradeDirection
	switch side {
	case domain.SideBuy:
		if masterRemaining >= 0 {
			tradeDir = domain.DirectionLong
		} else {
			tradeDir = domain.DirectionShort
		}
	case domain.SideSell:
		if masterRemaining <= 0 {
			tradeDir = domain.DirectionShort
		} else {
			tradeDir = domain.DirectionLong
		}
	}
	return tradeDir == dir
}

// quantizeDown truncates x to the given number of decimal places, rounding
// toward zero.
func quantizeDown(x float64, places int32) float64 {
	return decimal.NewFromFloat(x).Truncate(places).InexactFloat64()
}
