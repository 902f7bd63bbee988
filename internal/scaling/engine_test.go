package scaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratbase/tradecopier/internal/brokerage"
	"github.com/stratbase/tradecopier/internal/domain"
)

type fakeAPI struct {
	account    brokerage.Account
	accountErr error
	positions  map[string]float64
	asset      brokerage.Asset
	assetErr   error
	quote      brokerage.Quote
	quoteErr   error
}

func (f *fakeAPI) GetAccount(ctx context.Context) (brokerage.Account, error) {
	return f.account, f.accountErr
}

func (f *fakeAPI) GetOpenPosition(ctx context.Context, symbol string) (brokerage.Position, error) {
	return brokerage.Position{Symbol: symbol, Qty: f.positions[symbol]}, nil
}

func (f *fakeAPI) GetAsset(ctx context.Context, symbol string) (brokerage.Asset, error) {
	if f.assetErr != nil {
		return brokerage.Asset{}, f.assetErr
	}
	return f.asset, nil
}

func (f *fakeAPI) SubmitOrder(ctx context.Context, req brokerage.OrderRequest) (brokerage.Order, error) {
	return brokerage.Order{}, errors.New("not used in scaling")
}

func (f *fakeAPI) GetLatestQuote(ctx context.Context, symbol string) (brokerage.Quote, error) {
	return f.quote, f.quoteErr
}

type fixture struct {
	master *fakeAPI
	client *fakeAPI
	engine *Engine
}

func defaultConfig() Config {
	return Config{
		MinOrderSize:          0.01,
		MinNotional:           1.0,
		AllowFractionalShares: true,
		BuyingPowerBuffer:     0.95,
		EquityCacheTTL:        60 * time.Second,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	master := &fakeAPI{
		account:   brokerage.Account{Equity: 100_000, BuyingPower: 200_000},
		positions: map[string]float64{},
		asset:     brokerage.Asset{Fractionable: true, Tradable: true},
	}
	client := &fakeAPI{
		account:   brokerage.Account{Equity: 10_000, BuyingPower: 10_000},
		positions: map[string]float64{},
		asset:     brokerage.Asset{Fractionable: true, Tradable: true},
	}
	apis := map[string]brokerage.API{
		"master-key": master,
		"client-key": client,
	}
	factory := func(apiKey, secretKey string) brokerage.API {
		return apis[apiKey]
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(factory, domain.Credentials{APIKey: "master-key"}, cfg, logger)
	return &fixture{master: master, client: client, engine: engine}
}

func eligible(dir domain.TradeDirection, risk float64) domain.EligibleClient {
	return domain.EligibleClient{
		ClientAccount: domain.ClientAccount{
			AccountID:      "CL001",
			IsActive:       true,
			BreakerState:   domain.BreakerClosed,
			RiskMultiplier: risk,
			TradeDirection: dir,
		},
		Credentials: domain.Credentials{APIKey: "client-key"},
	}
}

func TestProportionalBuy(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 100

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.True(t, ok)
	require.InDelta(t, 10.0, qty, 1e-9)
}

func TestRiskMultiplierScalesQuantity(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 100

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 0.5))

	require.True(t, ok)
	require.InDelta(t, 5.0, qty, 1e-9)
}

func TestFullExitClosesClientLongExactly(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 0
	fx.client.positions["ABC"] = 12.3456789

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty: 100,
		Symbol:    "ABC",
		Side:      domain.SideSell,
	}, eligible(domain.DirectionBoth, 1.0))

	require.True(t, ok)
	require.InDelta(t, 12.345678, qty, 1e-9)
}

func TestFullCoverClosesClientShort(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 0
	fx.client.positions["ABC"] = -7

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty: 7,
		Symbol:    "ABC",
		Side:      domain.SideBuy,
	}, eligible(domain.DirectionBoth, 1.0))

	require.True(t, ok)
	require.InDelta(t, 7.0, qty, 1e-9)
}

func TestFullExitOppositeSideClientSkips(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 0
	fx.client.positions["ABC"] = -5

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty: 100,
		Symbol:    "ABC",
		Side:      domain.SideSell,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestFullExitFlatClientSkips(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 0
	fx.client.positions["ABC"] = 0

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty: 100,
		Symbol:    "ABC",
		Side:      domain.SideSell,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestPartialCloseWithFlatClientSkips(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 50
	fx.client.positions["ABC"] = 0

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    50,
		Symbol:       "ABC",
		Side:         domain.SideSell,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestPartialCoverWithLongClientSkips(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = -50
	fx.client.positions["ABC"] = 3

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    50,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestDirectionFilter(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	// Master opened a short: sell with remaining short position.
	fx.master.positions["ABC"] = -100

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideSell,
		CurrentPrice: 50,
	}, eligible(domain.DirectionLong, 1.0))

	require.False(t, ok)
}

func TestShortSellRoundsToWholeShares(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = -104
	fx.client.account.Equity = 10_400

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    104,
		Symbol:       "ABC",
		Side:         domain.SideSell,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.True(t, ok)
	// 104 * 0.104 = 10.816, rounds to nearest whole share.
	require.InDelta(t, 11.0, qty, 1e-9)
}

func TestShortSellBelowOneShareSkips(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = -100
	fx.client.account.Equity = 100 // ratio 0.001, scaled 0.1, rounds to 0

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideSell,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestDustClearedBeforeShort(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = -100
	fx.client.positions["ABC"] = 0.37

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideSell,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.True(t, ok)
	require.InDelta(t, 0.37, qty, 1e-9)
}

func TestMinOrderSizeGate(t *testing.T) {
	cfg := defaultConfig()
	cfg.MinOrderSize = 1.0
	fx := newFixture(t, cfg)
	fx.master.positions["ABC"] = 100
	fx.client.account.Equity = 100 // scaled 0.1

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestMinNotionalGate(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 100
	fx.client.account.Equity = 100 // scaled 0.1 shares

	// 0.1 shares at $5 is $0.50, below the $1 notional floor.
	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 5,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestNonFractionableFloorsToWholeShares(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 100
	fx.client.asset.Fractionable = false
	fx.client.account.Equity = 10_550 // scaled 10.55

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.True(t, ok)
	require.InDelta(t, 10.0, qty, 1e-9)
}

func TestBuyingPowerGuardReducesQuantity(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 100
	fx.client.account.Equity = 10_000
	fx.client.account.BuyingPower = 200 // scaled 10 shares at $50 is $500

	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.True(t, ok)
	// floor(200 * 0.95 / 50) = 3
	require.InDelta(t, 3.0, qty, 1e-9)
}

func TestAuthFailureSkipsClient(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 100
	fx.client.accountErr = errors.New("unauthorized")

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}

func TestMasterEquityStaleOnRefreshFailure(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.positions["ABC"] = 100

	// Prime the cache.
	qty, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))
	require.True(t, ok)
	require.InDelta(t, 10.0, qty, 1e-9)

	// Expire the cache and make the refresh fail.
	fx.engine.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fx.master.accountErr = errors.New("http 500")

	qty, ok = fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))
	require.True(t, ok)
	require.InDelta(t, 10.0, qty, 1e-9)
}

func TestMasterEquityUnavailableSkips(t *testing.T) {
	fx := newFixture(t, defaultConfig())
	fx.master.accountErr = errors.New("http 500")

	_, ok := fx.engine.Calculate(context.Background(), Request{
		MasterQty:    100,
		Symbol:       "ABC",
		Side:         domain.SideBuy,
		CurrentPrice: 50,
	}, eligible(domain.DirectionBoth, 1.0))

	require.False(t, ok)
}
