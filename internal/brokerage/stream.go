package brokerage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stratbase/tradecopier/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// StreamConfig holds the parameters for one stream connection.
type StreamConfig struct {
	URL       string
	APIKey    string
	SecretKey string
}

// Stream is one authenticated websocket connection to the trade-update
// stream. It is a plain connection handle: the caller drives reads via
// ReadEvent and owns the reconnect policy.
type Stream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Dialer opens trade-update streams. Injected so tests can substitute fakes
// for the network.
type Dialer func(ctx context.Context, cfg StreamConfig) (EventSource, error)

// EventSource is the read surface of a trade-update stream.
type EventSource interface {
	ReadEvent() (domain.TradeEvent, error)
	Close() error
}

// DialStream connects, authenticates with the key pair, and subscribes to
// trade updates.
func DialStream(ctx context.Context, cfg StreamConfig) (EventSource, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, Classify(fmt.Errorf("brokerage: stream connect: %w", err))
	}

	s := &Stream{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	auth := map[string]any{
		"action": "auth",
		"key":    cfg.APIKey,
		"secret": cfg.SecretKey,
	}
	if err := s.send(auth); err != nil {
		conn.Close()
		return nil, Classify(fmt.Errorf("brokerage: stream auth: %w", err))
	}

	listen := map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	}
	if err := s.send(listen); err != nil {
		conn.Close()
		return nil, Classify(fmt.Errorf("brokerage: stream listen: %w", err))
	}

	go s.pingLoop()

	return s, nil
}

// send writes one JSON message under the write deadline.
func (s *Stream) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop sends periodic pings to keep the connection alive.
func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// envelope is the outer wire frame on the stream.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeUpdateJSON is the trade_updates payload; order numbers arrive as
// strings.
type tradeUpdateJSON struct {
	Event       string    `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
	Price       string    `json:"price"`
	Qty         string    `json:"qty"`
	PositionQty string    `json:"position_qty"`
	Order       struct {
		ID             string `json:"id"`
		Symbol         string `json:"symbol"`
		Side           string `json:"side"`
		Type           string `json:"type"`
		Qty            string `json:"qty"`
		FilledQty      string `json:"filled_qty"`
		FilledAvgPrice string `json:"filled_avg_price"`
		LimitPrice     string `json:"limit_price"`
		StopPrice      string `json:"stop_price"`
		Status         string `json:"status"`
	} `json:"order"`
}

// ReadEvent blocks until the next trade-update event arrives. Control frames
// (authorization acks, listen acks) are consumed internally; an unauthorized
// ack surfaces as a classified error.
func (s *Stream) ReadEvent() (domain.TradeEvent, error) {
	for {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return domain.TradeEvent{}, Classify(fmt.Errorf("brokerage: stream read: %w", err))
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			// Drop unparseable frames.
			continue
		}

		switch env.Stream {
		case "authorization":
			var auth struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(env.Data, &auth); err != nil {
				continue
			}
			if auth.Status != "authorized" {
				return domain.TradeEvent{}, fmt.Errorf("%w: stream authorization status %q", domain.ErrUnauthorized, auth.Status)
			}
		case "listening":
			// Subscription ack.
		case "trade_updates":
			var tu tradeUpdateJSON
			if err := json.Unmarshal(env.Data, &tu); err != nil {
				continue
			}
			return toTradeEvent(tu), nil
		}
	}
}

func toTradeEvent(tu tradeUpdateJSON) domain.TradeEvent {
	qty := parseStreamFloat(tu.Qty)
	if qty == 0 {
		qty = parseStreamFloat(tu.Order.Qty)
	}
	price := parseStreamFloat(tu.Price)
	if price == 0 {
		price = parseStreamFloat(tu.Order.FilledAvgPrice)
	}

	return domain.TradeEvent{
		Event:          tu.Event,
		OrderID:        tu.Order.ID,
		Symbol:         tu.Order.Symbol,
		Side:           domain.OrderSide(tu.Order.Side),
		OrderType:      domain.OrderType(tu.Order.Type),
		Qty:            qty,
		FilledQty:      parseStreamFloat(tu.Order.FilledQty),
		FilledAvgPrice: price,
		LimitPrice:     parseStreamFloat(tu.Order.LimitPrice),
		StopPrice:      parseStreamFloat(tu.Order.StopPrice),
		PositionQty:    parseStreamFloat(tu.PositionQty),
		Status:         tu.Order.Status,
		Timestamp:      tu.Timestamp,
	}
}

// Close shuts down the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	_ = s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return s.conn.Close()
}

func parseStreamFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
