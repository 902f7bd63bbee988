// Package brokerage talks to the upstream brokerage: an Alpaca-style REST
// trading API, the market-data API, and the trade-update websocket stream.
package brokerage

import (
	"context"
	"time"
)

// Account is the trading account snapshot.
type Account struct {
	ID          string
	Equity      float64
	BuyingPower float64
	Cash        float64
	Currency    string
	Status      string
}

// Position is an open position in one symbol. Qty is signed, negative for
// short.
type Position struct {
	Symbol       string
	Qty          float64
	MarketValue  float64
	AvgEntry     float64
	CurrentPrice float64
}

// Asset describes a tradable instrument.
type Asset struct {
	Symbol       string
	Tradable     bool
	Fractionable bool
	Status       string
}

// Quote is the latest NBBO quote for a symbol.
type Quote struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	Timestamp time.Time
}

// Mid returns the quote midpoint, falling back to whichever side is set.
func (q Quote) Mid() float64 {
	switch {
	case q.BidPrice > 0 && q.AskPrice > 0:
		return (q.BidPrice + q.AskPrice) / 2
	case q.AskPrice > 0:
		return q.AskPrice
	default:
		return q.BidPrice
	}
}

// OrderRequest is a new order submission. ClientOrderID is the caller's
// idempotency token; resubmitting the same token never creates a second
// order.
type OrderRequest struct {
	Symbol        string
	Qty           float64
	Side          string
	Type          string
	TimeInForce   string
	LimitPrice    float64
	StopPrice     float64
	ClientOrderID string
}

// Order is the brokerage's view of a submitted order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           string
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	Status         string
	SubmittedAt    time.Time
}

// API is the REST surface the copier needs from the brokerage. One instance
// is bound to one account's credentials.
type API interface {
	// GetAccount returns the account snapshot.
	GetAccount(ctx context.Context) (Account, error)

	// GetOpenPosition returns the position in symbol. A missing position
	// is not an error: it comes back with Qty 0.
	GetOpenPosition(ctx context.Context, symbol string) (Position, error)

	// GetAsset returns asset metadata for symbol.
	GetAsset(ctx context.Context, symbol string) (Asset, error)

	// SubmitOrder places a new order.
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)

	// GetLatestQuote returns the latest quote for symbol from the market
	// data API.
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)
}

// Factory builds an API bound to one credential pair. Injected so tests can
// substitute fakes for the HTTP client.
type Factory func(apiKey, secretKey string) API
