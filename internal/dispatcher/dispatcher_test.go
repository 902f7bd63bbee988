package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratbase/tradecopier/internal/domain"
	"github.com/stratbase/tradecopier/internal/executor"
	"github.com/stratbase/tradecopier/internal/scaling"
)

type stubClientStore struct {
	eligible []domain.EligibleClient
	err      error
}

func (s *stubClientStore) UpsertClient(ctx context.Context, acct domain.ClientAccount, creds domain.Credentials) error {
	return nil
}
func (s *stubClientStore) GetClient(ctx context.Context, accountID string) (domain.ClientAccount, error) {
	return domain.ClientAccount{}, domain.ErrNotFound
}
func (s *stubClientStore) ListClients(ctx context.Context, activeOnly bool) ([]domain.ClientAccount, error) {
	return nil, nil
}
func (s *stubClientStore) ListEligibleClients(ctx context.Context) ([]domain.EligibleClient, error) {
	return s.eligible, s.err
}
func (s *stubClientStore) SetBreaker(ctx context.Context, accountID string, state domain.BreakerState, countFailure bool) error {
	return nil
}
func (s *stubClientStore) RecordTradeSuccess(ctx context.Context, accountID string) error {
	return nil
}
func (s *stubClientStore) Deactivate(ctx context.Context, accountID string) error { return nil }
func (s *stubClientStore) Delete(ctx context.Context, accountID string) error     { return nil }

// stubScaler returns a fixed quantity per account id; missing ids skip.
type stubScaler struct {
	quantities map[string]float64
	price      float64
}

func (s *stubScaler) Calculate(ctx context.Context, req scaling.Request, client domain.EligibleClient) (float64, bool) {
	qty, ok := s.quantities[client.AccountID]
	return qty, ok
}

func (s *stubScaler) CurrentPrice(ctx context.Context, symbol string) float64 {
	return s.price
}

type stubExecutor struct {
	mu      sync.Mutex
	batches []executor.Batch
}

func (s *stubExecutor) ExecuteBatch(ctx context.Context, batch executor.Batch) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return len(batch.Orders), 0
}

type memQuoteCache struct {
	mu     sync.Mutex
	quotes map[string]float64
	gets   int
	sets   int
}

func newMemQuoteCache() *memQuoteCache {
	return &memQuoteCache{quotes: make(map[string]float64)}
}

func (c *memQuoteCache) GetQuote(ctx context.Context, symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	price, ok := c.quotes[symbol]
	return price, ok
}

func (c *memQuoteCache) SetQuote(ctx context.Context, symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.quotes[symbol] = price
}

func eligibleClient(accountID string) domain.EligibleClient {
	return domain.EligibleClient{
		ClientAccount: domain.ClientAccount{AccountID: accountID, IsActive: true},
		Credentials:   domain.Credentials{APIKey: "key-" + accountID},
	}
}

func fill() domain.TradeEvent {
	return domain.TradeEvent{
		Event:          "fill",
		OrderID:        "m-1",
		Symbol:         "ABC",
		Side:           domain.SideBuy,
		OrderType:      domain.OrderMarket,
		Qty:            100,
		FilledQty:      100,
		FilledAvgPrice: 49.5,
		Timestamp:      time.Now().UTC(),
	}
}

func TestHandleFillDispatchesScaledOrders(t *testing.T) {
	store := &stubClientStore{eligible: []domain.EligibleClient{
		eligibleClient("CL001"),
		eligibleClient("CL002"),
		eligibleClient("CL003"),
	}}
	scaler := &stubScaler{
		price: 50,
		quantities: map[string]float64{
			"CL001": 10,
			"CL002": 5,
			// CL003 is skipped by scaling.
		},
	}
	exec := &stubExecutor{}

	d := New(store, scaler, exec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.HandleFill(context.Background(), fill())

	require.Len(t, exec.batches, 1)
	batch := exec.batches[0]
	require.Equal(t, "m-1", batch.MasterOrderID)
	require.Len(t, batch.Orders, 2)
	require.NotNil(t, batch.MasterPrice)
	require.Equal(t, 50.0, *batch.MasterPrice)

	byAccount := map[string]float64{}
	for _, o := range batch.Orders {
		byAccount[o.AccountID] = o.Qty
		require.Equal(t, 100.0, o.MasterQty)
	}
	require.Equal(t, map[string]float64{"CL001": 10, "CL002": 5}, byAccount)
}

func TestHandleFillNoEligibleClients(t *testing.T) {
	exec := &stubExecutor{}
	d := New(&stubClientStore{}, &stubScaler{}, exec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d.HandleFill(context.Background(), fill())
	require.Empty(t, exec.batches)
}

func TestHandleFillStoreErrorSkipsBatch(t *testing.T) {
	exec := &stubExecutor{}
	store := &stubClientStore{err: errors.New("db down")}
	d := New(store, &stubScaler{}, exec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d.HandleFill(context.Background(), fill())
	require.Empty(t, exec.batches)
}

func TestHandleFillAllClientsSkippedByScaling(t *testing.T) {
	exec := &stubExecutor{}
	store := &stubClientStore{eligible: []domain.EligibleClient{eligibleClient("CL001")}}
	d := New(store, &stubScaler{quantities: map[string]float64{}}, exec, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	d.HandleFill(context.Background(), fill())
	require.Empty(t, exec.batches)
}

func TestResolvePricePrefersCache(t *testing.T) {
	cache := newMemQuoteCache()
	cache.quotes["ABC"] = 48.0
	scaler := &stubScaler{price: 50}

	d := New(&stubClientStore{}, scaler, &stubExecutor{}, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	price := d.resolvePrice(context.Background(), fill())
	require.Equal(t, 48.0, price)
}

func TestResolvePricePopulatesCacheFromQuote(t *testing.T) {
	cache := newMemQuoteCache()
	scaler := &stubScaler{price: 50}

	d := New(&stubClientStore{}, scaler, &stubExecutor{}, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	price := d.resolvePrice(context.Background(), fill())
	require.Equal(t, 50.0, price)
	require.Equal(t, 50.0, cache.quotes["ABC"])
}

func TestResolvePriceFallsBackToFillPrice(t *testing.T) {
	scaler := &stubScaler{price: 0}
	d := New(&stubClientStore{}, scaler, &stubExecutor{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	price := d.resolvePrice(context.Background(), fill())
	require.Equal(t, 49.5, price)
}
