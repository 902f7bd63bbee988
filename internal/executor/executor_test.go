package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratbase/tradecopier/internal/alert"
	"github.com/stratbase/tradecopier/internal/brokerage"
	"github.com/stratbase/tradecopier/internal/domain"
	"github.com/stratbase/tradecopier/internal/retry"
)

type fakeBrokerAPI struct {
	mu      sync.Mutex
	submits int
	reqs    []brokerage.OrderRequest
	order   brokerage.Order // returned on success when ID is set
	errs    []error         // consumed in order; nil entries mean success
}

func (f *fakeBrokerAPI) SubmitOrder(ctx context.Context, req brokerage.OrderRequest) (brokerage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return brokerage.Order{}, err
		}
	}
	if f.order.ID != "" {
		return f.order, nil
	}
	return brokerage.Order{ID: "srv-1", Status: "accepted"}, nil
}

func (f *fakeBrokerAPI) GetAccount(ctx context.Context) (brokerage.Account, error) {
	return brokerage.Account{}, nil
}

func (f *fakeBrokerAPI) GetOpenPosition(ctx context.Context, symbol string) (brokerage.Position, error) {
	return brokerage.Position{}, nil
}

func (f *fakeBrokerAPI) GetAsset(ctx context.Context, symbol string) (brokerage.Asset, error) {
	return brokerage.Asset{}, nil
}

func (f *fakeBrokerAPI) GetLatestQuote(ctx context.Context, symbol string) (brokerage.Quote, error) {
	return brokerage.Quote{}, nil
}

func (f *fakeBrokerAPI) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeBrokerAPI) lastRequest() brokerage.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeClientStore struct {
	mu        sync.Mutex
	successes []string
	breakers  map[string]domain.BreakerState
}

func newFakeClientStore() *fakeClientStore {
	return &fakeClientStore{breakers: make(map[string]domain.BreakerState)}
}

func (s *fakeClientStore) UpsertClient(ctx context.Context, acct domain.ClientAccount, creds domain.Credentials) error {
	return nil
}
func (s *fakeClientStore) GetClient(ctx context.Context, accountID string) (domain.ClientAccount, error) {
	return domain.ClientAccount{}, domain.ErrNotFound
}
func (s *fakeClientStore) ListClients(ctx context.Context, activeOnly bool) ([]domain.ClientAccount, error) {
	return nil, nil
}
func (s *fakeClientStore) ListEligibleClients(ctx context.Context) ([]domain.EligibleClient, error) {
	return nil, nil
}
func (s *fakeClientStore) SetBreaker(ctx context.Context, accountID string, state domain.BreakerState, countFailure bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[accountID] = state
	return nil
}
func (s *fakeClientStore) RecordTradeSuccess(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = append(s.successes, accountID)
	return nil
}
func (s *fakeClientStore) Deactivate(ctx context.Context, accountID string) error { return nil }
func (s *fakeClientStore) Delete(ctx context.Context, accountID string) error     { return nil }

func (s *fakeClientStore) breakerState(accountID string) (domain.BreakerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.breakers[accountID]
	return st, ok
}

type fakeAuditLog struct {
	mu       sync.Mutex
	nextID   int64
	attempts map[int64]domain.TradeAttempt
	results  map[int64]domain.TradeResult
}

func newFakeAuditLog() *fakeAuditLog {
	return &fakeAuditLog{
		attempts: make(map[int64]domain.TradeAttempt),
		results:  make(map[int64]domain.TradeResult),
	}
}

func (a *fakeAuditLog) LogTradeAttempt(ctx context.Context, attempt domain.TradeAttempt) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.attempts[a.nextID] = attempt
	return a.nextID, nil
}

func (a *fakeAuditLog) UpdateTradeResult(ctx context.Context, id int64, result domain.TradeResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[id] = result
	return nil
}

func (a *fakeAuditLog) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeAuditLog, error) {
	return nil, nil
}

func (a *fakeAuditLog) resultFor(accountID string) (domain.TradeResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, att := range a.attempts {
		if att.ClientAccountID == accountID {
			res, ok := a.results[id]
			return res, ok
		}
	}
	return domain.TradeResult{}, false
}

type fakeMetrics struct {
	mu      sync.Mutex
	records []string
}

func (m *fakeMetrics) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, name)
	return nil
}

func (m *fakeMetrics) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fakeAlerter struct {
	mu           sync.Mutex
	breakerOpens []string
	failureRates int
	highLatency  int
}

func (f *fakeAlerter) BreakerOpened(ctx context.Context, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakerOpens = append(f.breakerOpens, accountID)
}

func (f *fakeAlerter) HighFailureRate(ctx context.Context, symbol string, failed, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureRates++
}

func (f *fakeAlerter) HighLatency(ctx context.Context, symbol string, latencyMS, thresholdMS float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.highLatency++
}

type harness struct {
	apis    map[string]*fakeBrokerAPI
	clients *fakeClientStore
	audit   *fakeAuditLog
	metrics *fakeMetrics
	alerts  *fakeAlerter
	exec    *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		apis:    make(map[string]*fakeBrokerAPI),
		clients: newFakeClientStore(),
		audit:   newFakeAuditLog(),
		metrics: &fakeMetrics{},
		alerts:  &fakeAlerter{},
	}
	factory := func(apiKey, secretKey string) brokerage.API {
		if api, ok := h.apis[apiKey]; ok {
			return api
		}
		api := &fakeBrokerAPI{}
		h.apis[apiKey] = api
		return api
	}
	h.exec = New(factory, cfg, h.clients, h.audit, h.metrics, h.alerts,
		alert.NewLatencyTracker(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func testConfig() Config {
	return Config{
		MaxConcurrentOrders: 4,
		Retry: retry.Policy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Base:         2,
		},
		BreakerThreshold:  3,
		BreakerTimeout:    time.Minute,
		LatencyWarnMS:     10_000,
		LatencyCriticalMS: 20_000,
	}
}

func clientOrder(accountID string, qty float64) domain.ClientOrder {
	return domain.ClientOrder{
		AccountID:   accountID,
		Credentials: domain.Credentials{APIKey: "key-" + accountID},
		Symbol:      "ABC",
		Side:        domain.SideBuy,
		Qty:         qty,
		MasterQty:   100,
	}
}

func testBatch(orders ...domain.ClientOrder) Batch {
	return Batch{
		MasterOrderID:   "m-1",
		Symbol:          "ABC",
		Side:            domain.SideBuy,
		OrderType:       domain.OrderMarket,
		MasterTradeTime: time.Now().UTC(),
		Orders:          orders,
	}
}

func TestExecuteBatchAllSucceed(t *testing.T) {
	h := newHarness(t, testConfig())

	succeeded, failed := h.exec.ExecuteBatch(context.Background(),
		testBatch(clientOrder("CL001", 10), clientOrder("CL002", 5)))

	require.Equal(t, 2, succeeded)
	require.Equal(t, 0, failed)

	for _, id := range []string{"CL001", "CL002"} {
		res, ok := h.audit.resultFor(id)
		require.True(t, ok, id)
		require.Equal(t, domain.TradeSuccess, res.Status)
		require.NotEmpty(t, res.ClientOrderID)
		require.NotNil(t, res.LatencyMS)
	}
	require.ElementsMatch(t, []string{"CL001", "CL002"}, h.clients.successes)
	require.Equal(t, 2, h.metrics.count())
	require.Equal(t, 0, h.alerts.failureRates)
}

func TestExecuteBatchRecordsFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.apis["key-CL001"] = &fakeBrokerAPI{errs: []error{domain.ErrInsufficientFunds}}

	succeeded, failed := h.exec.ExecuteBatch(context.Background(),
		testBatch(clientOrder("CL001", 10), clientOrder("CL002", 5)))

	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, failed)

	res, ok := h.audit.resultFor("CL001")
	require.True(t, ok)
	require.Equal(t, domain.TradeFailed, res.Status)
	require.Contains(t, res.ErrorMessage, "insufficient")

	// Non-retryable errors burn no retries.
	require.Equal(t, 1, h.apis["key-CL001"].submitCount())

	// 1 of 2 failing is above the batch alert threshold.
	require.Equal(t, 1, h.alerts.failureRates)
}

func TestRetryableErrorIsRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.apis["key-CL001"] = &fakeBrokerAPI{errs: []error{domain.ErrRateLimited, nil}}

	succeeded, failed := h.exec.ExecuteBatch(context.Background(),
		testBatch(clientOrder("CL001", 10)))

	require.Equal(t, 1, succeeded)
	require.Equal(t, 0, failed)
	require.Equal(t, 2, h.apis["key-CL001"].submitCount())

	res, ok := h.audit.resultFor("CL001")
	require.True(t, ok)
	require.Equal(t, domain.TradeSuccess, res.Status)
	require.Equal(t, 1, res.RetryCount)
}

func TestBreakerOpensAndPersists(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 2
	cfg.Retry.MaxAttempts = 0
	h := newHarness(t, cfg)

	h.apis["key-CL001"] = &fakeBrokerAPI{errs: []error{
		domain.ErrInsufficientFunds,
		domain.ErrInsufficientFunds,
	}}

	// Two consecutive failures trip the threshold.
	h.exec.ExecuteBatch(context.Background(), testBatch(clientOrder("CL001", 10)))
	h.exec.ExecuteBatch(context.Background(), testBatch(clientOrder("CL001", 10)))

	state, ok := h.clients.breakerState("CL001")
	require.True(t, ok)
	require.Equal(t, domain.BreakerOpen, state)
	require.Equal(t, []string{"CL001"}, h.alerts.breakerOpens)

	// While the breaker is open the order never reaches the brokerage.
	before := h.apis["key-CL001"].submitCount()
	_, failed := h.exec.ExecuteBatch(context.Background(), testBatch(clientOrder("CL001", 10)))
	require.Equal(t, 1, failed)
	require.Equal(t, before, h.apis["key-CL001"].submitCount())
}

func priceOf(v float64) *float64 { return &v }

func TestMarketOrderSubmitsAsMarket(t *testing.T) {
	h := newHarness(t, testConfig())

	h.exec.ExecuteBatch(context.Background(), testBatch(clientOrder("CL001", 10)))

	req := h.apis["key-CL001"].lastRequest()
	require.Equal(t, string(domain.OrderMarket), req.Type)
	require.Zero(t, req.LimitPrice)
	require.Zero(t, req.StopPrice)
	require.Equal(t, "day", req.TimeInForce)
	require.NotEmpty(t, req.ClientOrderID)
}

func TestLimitOrderCarriesMasterPrice(t *testing.T) {
	h := newHarness(t, testConfig())

	batch := testBatch(clientOrder("CL001", 10))
	batch.OrderType = domain.OrderLimit
	batch.MasterPrice = priceOf(101.5)
	h.exec.ExecuteBatch(context.Background(), batch)

	req := h.apis["key-CL001"].lastRequest()
	require.Equal(t, string(domain.OrderLimit), req.Type)
	require.Equal(t, 101.5, req.LimitPrice)
	require.Zero(t, req.StopPrice)
}

func TestStopOrderCarriesMasterPrice(t *testing.T) {
	h := newHarness(t, testConfig())

	batch := testBatch(clientOrder("CL001", 10))
	batch.OrderType = domain.OrderStop
	batch.MasterPrice = priceOf(98.25)
	h.exec.ExecuteBatch(context.Background(), batch)

	req := h.apis["key-CL001"].lastRequest()
	require.Equal(t, string(domain.OrderStop), req.Type)
	require.Equal(t, 98.25, req.StopPrice)
	require.Zero(t, req.LimitPrice)
}

func TestLimitOrderWithoutPriceDowngradesToMarket(t *testing.T) {
	h := newHarness(t, testConfig())

	batch := testBatch(clientOrder("CL001", 10))
	batch.OrderType = domain.OrderLimit
	h.exec.ExecuteBatch(context.Background(), batch)

	req := h.apis["key-CL001"].lastRequest()
	require.Equal(t, string(domain.OrderMarket), req.Type)
	require.Zero(t, req.LimitPrice)
}

func TestAuditRecordsBrokerageResult(t *testing.T) {
	h := newHarness(t, testConfig())
	h.apis["key-CL001"] = &fakeBrokerAPI{order: brokerage.Order{
		ID:             "srv-42",
		FilledQty:      10,
		FilledAvgPrice: 101.5,
		Status:         "filled",
	}}

	h.exec.ExecuteBatch(context.Background(), testBatch(clientOrder("CL001", 10)))

	res, ok := h.audit.resultFor("CL001")
	require.True(t, ok)
	require.Equal(t, domain.TradeSuccess, res.Status)
	require.Equal(t, "srv-42", res.BrokerOrderID)
	require.NotNil(t, res.FilledQty)
	require.Equal(t, 10.0, *res.FilledQty)
	require.NotNil(t, res.FilledAvgPrice)
	require.Equal(t, 101.5, *res.FilledAvgPrice)

	// The idempotency token we generated is kept alongside the server id.
	require.Equal(t, h.apis["key-CL001"].lastRequest().ClientOrderID, res.ClientOrderID)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	succeeded, failed := h.exec.ExecuteBatch(context.Background(), testBatch())
	require.Equal(t, 0, succeeded)
	require.Equal(t, 0, failed)
}
