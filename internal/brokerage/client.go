package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	headerAPIKey    = "APCA-API-KEY-ID"
	headerSecretKey = "APCA-API-SECRET-KEY"
)

// Client is the REST client for the brokerage trading and data APIs.
type Client struct {
	tradingHost string
	dataHost    string
	apiKey      string
	secretKey   string
	httpClient  *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// NewClient creates a REST client bound to one credential pair.
//
// tradingHost is the trading API root, e.g. "https://paper-api.alpaca.markets".
// dataHost is the market data API root, e.g. "https://data.alpaca.markets".
func NewClient(tradingHost, dataHost, apiKey, secretKey string, opts ...ClientOption) *Client {
	c := &Client{
		tradingHost: tradingHost,
		dataHost:    dataHost,
		apiKey:      apiKey,
		secretKey:   secretKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFactory returns a Factory that builds REST clients against the given
// hosts.
func NewFactory(tradingHost, dataHost string, opts ...ClientOption) Factory {
	return func(apiKey, secretKey string) API {
		return NewClient(tradingHost, dataHost, apiKey, secretKey, opts...)
	}
}

var _ API = (*Client)(nil)

// accountJSON mirrors the wire format; numeric fields arrive as strings.
type accountJSON struct {
	ID          string `json:"id"`
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
	Cash        string `json:"cash"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

// GetAccount returns the trading account snapshot.
func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	body, err := c.do(ctx, http.MethodGet, c.tradingHost, "/v2/account", nil)
	if err != nil {
		return Account{}, fmt.Errorf("brokerage: get account: %w", err)
	}

	var raw accountJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return Account{}, fmt.Errorf("brokerage: decode account: %w", err)
	}

	return Account{
		ID:          raw.ID,
		Equity:      parseFloat(raw.Equity),
		BuyingPower: parseFloat(raw.BuyingPower),
		Cash:        parseFloat(raw.Cash),
		Currency:    raw.Currency,
		Status:      raw.Status,
	}, nil
}

type positionJSON struct {
	Symbol       string `json:"symbol"`
	Qty          string `json:"qty"`
	MarketValue  string `json:"market_value"`
	AvgEntry     string `json:"avg_entry_price"`
	CurrentPrice string `json:"current_price"`
}

// GetOpenPosition returns the position in symbol. A 404 means no open
// position and comes back as a zero-quantity Position.
func (c *Client) GetOpenPosition(ctx context.Context, symbol string) (Position, error) {
	path := "/v2/positions/" + url.PathEscape(symbol)
	body, err := c.do(ctx, http.MethodGet, c.tradingHost, path, nil)
	if err != nil {
		if ae, ok := asAPIError(err); ok && ae.Status == http.StatusNotFound {
			return Position{Symbol: symbol}, nil
		}
		return Position{}, fmt.Errorf("brokerage: get position %s: %w", symbol, err)
	}

	var raw positionJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return Position{}, fmt.Errorf("brokerage: decode position: %w", err)
	}

	return Position{
		Symbol:       raw.Symbol,
		Qty:          parseFloat(raw.Qty),
		MarketValue:  parseFloat(raw.MarketValue),
		AvgEntry:     parseFloat(raw.AvgEntry),
		CurrentPrice: parseFloat(raw.CurrentPrice),
	}, nil
}

// GetAsset returns asset metadata for symbol.
func (c *Client) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	path := "/v2/assets/" + url.PathEscape(symbol)
	body, err := c.do(ctx, http.MethodGet, c.tradingHost, path, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("brokerage: get asset %s: %w", symbol, err)
	}

	var raw struct {
		Symbol       string `json:"symbol"`
		Tradable     bool   `json:"tradable"`
		Fractionable bool   `json:"fractionable"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Asset{}, fmt.Errorf("brokerage: decode asset: %w", err)
	}

	return Asset{
		Symbol:       raw.Symbol,
		Tradable:     raw.Tradable,
		Fractionable: raw.Fractionable,
		Status:       raw.Status,
	}, nil
}

type orderJSON struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

func (o orderJSON) toDomain() Order {
	return Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Qty:            parseFloat(o.Qty),
		FilledQty:      parseFloat(o.FilledQty),
		FilledAvgPrice: parseFloat(o.FilledAvgPrice),
		Status:         o.Status,
		SubmittedAt:    o.SubmittedAt,
	}
}

// SubmitOrder places a new order.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	payload := map[string]any{
		"symbol":        req.Symbol,
		"qty":           strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"side":          req.Side,
		"type":          req.Type,
		"time_in_force": tif,
	}
	if req.LimitPrice > 0 {
		payload["limit_price"] = strconv.FormatFloat(req.LimitPrice, 'f', -1, 64)
	}
	if req.StopPrice > 0 {
		payload["stop_price"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.ClientOrderID != "" {
		payload["client_order_id"] = req.ClientOrderID
	}

	body, err := c.do(ctx, http.MethodPost, c.tradingHost, "/v2/orders", payload)
	if err != nil {
		return Order{}, fmt.Errorf("brokerage: submit order %s %s: %w", req.Side, req.Symbol, err)
	}

	var raw orderJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return Order{}, fmt.Errorf("brokerage: decode order: %w", err)
	}
	return raw.toDomain(), nil
}

// GetLatestQuote returns the latest NBBO quote for symbol.
func (c *Client) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	path := fmt.Sprintf("/v2/stocks/%s/quotes/latest", url.PathEscape(symbol))
	body, err := c.do(ctx, http.MethodGet, c.dataHost, path, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("brokerage: get latest quote %s: %w", symbol, err)
	}

	var raw struct {
		Symbol string `json:"symbol"`
		Quote  struct {
			BidPrice  float64   `json:"bp"`
			AskPrice  float64   `json:"ap"`
			Timestamp time.Time `json:"t"`
		} `json:"quote"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Quote{}, fmt.Errorf("brokerage: decode quote: %w", err)
	}

	return Quote{
		Symbol:    symbol,
		BidPrice:  raw.Quote.BidPrice,
		AskPrice:  raw.Quote.AskPrice,
		Timestamp: raw.Quote.Timestamp,
	}, nil
}

// do performs one authenticated request and returns the response body.
// Non-2xx responses come back as *apiError.
func (c *Client) do(ctx context.Context, method, host, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, host+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerSecretKey, c.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := extractMessage(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return body, nil
}

// extractMessage pulls the "message" field out of an error response body.
func extractMessage(body []byte) string {
	var raw struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return ""
	}
	return raw.Message
}

func asAPIError(err error) (*apiError, bool) {
	var ae *apiError
	ok := errors.As(err, &ae)
	return ae, ok
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
