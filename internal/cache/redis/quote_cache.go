package redis

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuoteCache keeps short-lived symbol quotes so a fill fanning out to many
// clients costs one brokerage quote lookup instead of one per process. Cache
// failures degrade to a miss; the dispatcher falls back to the live quote.
type QuoteCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewQuoteCache creates a QuoteCache with the given entry TTL.
func NewQuoteCache(c *Client, ttl time.Duration, logger *slog.Logger) *QuoteCache {
	return &QuoteCache{
		rdb:    c.rdb,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "quote_cache")),
	}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// GetQuote returns the cached price for symbol, reporting a miss on absence
// or any Redis failure.
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (float64, bool) {
	val, err := qc.rdb.Get(ctx, quoteKey(symbol)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			qc.logger.Warn("quote read failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
		}
		return 0, false
	}

	price, err := strconv.ParseFloat(val, 64)
	if err != nil {
		qc.logger.Warn("cached quote unparseable",
			slog.String("symbol", symbol),
			slog.String("value", val))
		return 0, false
	}
	return price, true
}

// SetQuote stores the price for symbol under the configured TTL.
func (qc *QuoteCache) SetQuote(ctx context.Context, symbol string, price float64) {
	val := strconv.FormatFloat(price, 'f', -1, 64)
	if err := qc.rdb.Set(ctx, quoteKey(symbol), val, qc.ttl).Err(); err != nil {
		qc.logger.Warn("quote write failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()))
	}
}
