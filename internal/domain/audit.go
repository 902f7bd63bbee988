package domain

import "time"

// TradeStatus is the lifecycle state of an audit row. A row is inserted as
// pending before the first submit attempt and moved to exactly one terminal
// state afterwards.
type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeSuccess TradeStatus = "success"
	TradeFailed  TradeStatus = "failed"
	TradePartial TradeStatus = "partial"
)

// TradeAuditLog is one replication attempt for one client account.
type TradeAuditLog struct {
	ID              int64
	MasterOrderID   string
	ClientAccountID string
	ClientOrderID   string
	BrokerOrderID   string
	Symbol          string
	Side            OrderSide
	OrderType       OrderType
	MasterQty       float64
	MasterPrice     *float64
	ScaledQty       float64
	FilledQty       *float64
	FilledAvgPrice  *float64
	Status          TradeStatus
	ErrorMessage    string
	RetryCount      int
	LatencyMS       *float64
	MasterTradeTime time.Time
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// TradeAttempt is the input for the pending audit row written before an
// order is submitted.
type TradeAttempt struct {
	MasterOrderID   string
	ClientAccountID string
	Symbol          string
	Side            OrderSide
	OrderType       OrderType
	MasterQty       float64
	MasterPrice     *float64
	ScaledQty       float64
	MasterTradeTime time.Time
}

// TradeResult moves a pending audit row to its terminal state. BrokerOrderID
// and the fill fields come from the brokerage's response on success.
type TradeResult struct {
	Status         TradeStatus
	ClientOrderID  string
	BrokerOrderID  string
	FilledQty      *float64
	FilledAvgPrice *float64
	ErrorMessage   string
	RetryCount     int
	LatencyMS      *float64
}

// SystemMetric is a named observation recorded for offline analysis, for
// example replication_latency_ms tagged with symbol and side.
type SystemMetric struct {
	ID         int64
	MetricName string
	Value      float64
	Tags       map[string]string
	RecordedAt time.Time
}
