package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
	OrderStop   OrderType = "stop"
)

// TradeEvent is a parsed trade-update event from the master account stream.
// Only events with Event == "fill" are forwarded to the dispatcher; the fill
// event carries the cumulative filled quantity for the order.
type TradeEvent struct {
	Event          string
	OrderID        string
	Symbol         string
	Side           OrderSide
	OrderType      OrderType
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	LimitPrice     float64
	StopPrice      float64
	// PositionQty is the master's remaining position in the symbol after
	// this event, signed (negative for short).
	PositionQty float64
	Status      string
	Timestamp   time.Time
}

// EventID builds the deduplication key for the event.
func (e TradeEvent) EventID() string {
	return fmt.Sprintf("%s_%s_%s", e.OrderID, e.Event, e.Timestamp.UTC().Format(time.RFC3339Nano))
}

// ContentHash returns the SHA-256 hex digest of the event payload with fields
// serialized in sorted key order, so a redelivery with a different event id
// but identical content still hashes to the same value.
func (e TradeEvent) ContentHash() string {
	fields := map[string]string{
		"event":            e.Event,
		"order_id":         e.OrderID,
		"symbol":           e.Symbol,
		"side":             string(e.Side),
		"order_type":       string(e.OrderType),
		"qty":              fmt.Sprintf("%g", e.Qty),
		"filled_qty":       fmt.Sprintf("%g", e.FilledQty),
		"filled_avg_price": fmt.Sprintf("%g", e.FilledAvgPrice),
		"limit_price":      fmt.Sprintf("%g", e.LimitPrice),
		"stop_price":       fmt.Sprintf("%g", e.StopPrice),
		"position_qty":     fmt.Sprintf("%g", e.PositionQty),
		"status":           e.Status,
		"timestamp":        e.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// DedupEntry is a processed-event record. An incoming event matching a live
// entry on either EventID or ContentHash is a duplicate. Entries expire after
// 24 hours and are garbage-collected lazily on each check.
type DedupEntry struct {
	EventID     string
	EventType   string
	ContentHash string
	ProcessedAt time.Time
	ExpiresAt   time.Time
}
