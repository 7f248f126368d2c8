// Package engine_test provides tests for the trading control loop.
package engine_test

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/alerts"
	"github.com/rrychs1/paisajes-de-poincare/internal/data"
	"github.com/rrychs1/paisajes-de-poincare/internal/engine"
	"github.com/rrychs1/paisajes-de-poincare/internal/exchange"
	"github.com/rrychs1/paisajes-de-poincare/internal/execution"
	"github.com/rrychs1/paisajes-de-poincare/internal/metrics"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
	"github.com/rrychs1/paisajes-de-poincare/internal/risk"
	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/internal/strategy"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

const testSymbol = "BTC/USDT"

// fakeExchange serves a synthetic candle series plus canned orders,
// positions and trades, and records every order request.
type fakeExchange struct {
	mu         sync.Mutex
	candles    []types.Candle
	openOrders []*types.Order
	positions  []*types.Position
	trades     []*types.Trade

	created  []*exchange.OrderRequest
	canceled []string
	nextID   int
}

func (f *fakeExchange) FetchOpenOrders(context.Context, string) ([]*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Order(nil), f.openOrders...), nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) CreateOrder(_ context.Context, req *exchange.OrderRequest) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, req)
	return &types.Order{
		ID:        strconv.Itoa(f.nextID),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeExchange) FetchPositions(context.Context, string) ([]*types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Position(nil), f.positions...), nil
}

func (f *fakeExchange) FetchBalance(context.Context) (map[string]types.Balance, error) {
	return map[string]types.Balance{
		"USDT": {Asset: "USDT", Total: decimal.NewFromInt(10000)},
	}, nil
}

func (f *fakeExchange) FetchMyTrades(_ context.Context, _ string, since time.Time, _ int) ([]*types.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Trade, 0, len(f.trades))
	for _, t := range f.trades {
		if t.Timestamp.Before(since) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeExchange) FetchCandles(_ context.Context, _, _ string, since time.Time, limit int) ([]types.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Candle, 0, limit)
	for _, c := range f.candles {
		if c.OpenTime.Before(since) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeExchange) SetMarginType(context.Context, string, types.MarginType) error { return nil }

func (f *fakeExchange) PriceToPrecision(_ string, price decimal.Decimal) decimal.Decimal {
	return price
}

func (f *fakeExchange) QuantityToPrecision(_ string, qty decimal.Decimal) decimal.Decimal {
	return qty
}

func (f *fakeExchange) createdTypes() []types.OrderType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.OrderType, len(f.created))
	for i, req := range f.created {
		out[i] = req.Type
	}
	return out
}

// fakeSink captures alert messages.
type fakeSink struct {
	mu       sync.Mutex
	messages []string
	levels   []alerts.Level
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Send(_ context.Context, message string, level alerts.Level, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	s.levels = append(s.levels, level)
	return nil
}

func (s *fakeSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// trendingCandles builds a strongly directional series ending just before
// now, so the last candle is closed and the snapshot classifies TREND.
func trendingCandles(n int) []types.Candle {
	end := time.Now().UTC().Truncate(time.Minute)
	out := make([]types.Candle, n)
	for i := range out {
		price := decimal.NewFromInt(int64(10000 + 10*i))
		out[i] = types.Candle{
			OpenTime: end.Add(-time.Duration(n-i) * time.Minute),
			Open:     price,
			High:     price.Add(decimal.NewFromInt(8)),
			Low:      price.Sub(decimal.NewFromInt(2)),
			Close:    price.Add(decimal.NewFromInt(5)),
			Volume:   decimal.NewFromInt(100),
		}
	}
	return out
}

type harness struct {
	engine *engine.Engine
	store  state.Store
	ex     *fakeExchange
	sink   *fakeSink
	meter  *metrics.Metrics
}

func newHarness(t *testing.T, ex *fakeExchange) *harness {
	t.Helper()
	logger := zap.NewNop()

	store, err := state.NewFileStore(logger, filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	candles := data.NewEngine(logger, nil, ex, store, nil)

	detector := regime.NewDetector(logger, &regime.DetectorConfig{
		ConfirmCandles:   1,
		EMASeparationPct: 0.002,
		BBWidthPct:       0.02,
	})

	equity := risk.EquityFunc(func(ctx context.Context) (decimal.Decimal, error) {
		balances, err := ex.FetchBalance(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		return balances["USDT"].Total, nil
	})
	riskEngine := risk.NewEngine(logger, nil, store, equity)

	sink := &fakeSink{}
	meter := metrics.New(logger, nil)

	eng := engine.New(logger, &engine.Config{
		Symbols:             []string{testSymbol},
		Timeframe:           "1m",
		PollInterval:        time.Second,
		MaxSignalsPerSymbol: 5,
		MaxLeverage:         20,
		MarginType:          types.MarginTypeIsolated,
		AccountCurrency:     "USDT",
	}, engine.Deps{
		Exchange:    ex,
		Store:       store,
		Candles:     candles,
		Detector:    detector,
		Coordinator: execution.NewCoordinator(logger, nil, ex, store),
		Executor:    execution.NewExecutor(logger, nil, ex, store),
		Risk:        riskEngine,
		Equity:      equity,
		Router: strategy.NewRouter(logger,
			strategy.NewGridStrategy(logger, nil),
			strategy.NewTrendStrategy(logger, nil)),
		Alerts:  alerts.NewManager(logger, nil, sink),
		Metrics: meter,
	})

	return &harness{engine: eng, store: store, ex: ex, sink: sink, meter: meter}
}

func TestCycleConfirmsRegimeAndRunsTransition(t *testing.T) {
	ex := &fakeExchange{
		candles: trendingCandles(300),
		openOrders: []*types.Order{
			{ID: "11", Symbol: testSymbol, Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Price: decimal.NewFromInt(9000), CreatedAt: time.Now().UTC()},
		},
		positions: []*types.Position{
			{Symbol: testSymbol, Side: types.PositionSideLong, Quantity: decimal.NewFromFloat(0.5),
				EntryPrice: decimal.NewFromInt(10000), MarkPrice: decimal.NewFromInt(12000)},
		},
	}
	h := newHarness(t, ex)
	ctx := context.Background()

	// The last confirmed regime before this cycle was RANGE.
	if err := h.store.UpsertState(ctx, state.RegimeKey(testSymbol), string(regime.Range)); err != nil {
		t.Fatalf("Failed to seed regime: %v", err)
	}

	h.engine.RunOnce(ctx)

	// The persisted regime advanced and the RANGE->TREND protocol ran:
	// resting order canceled, trailing stop placed.
	stored, _, err := state.Get[string](ctx, h.store, state.RegimeKey(testSymbol))
	if err != nil {
		t.Fatalf("Failed to read regime: %v", err)
	}
	if stored != string(regime.Trend) {
		t.Fatalf("Expected persisted regime TREND, got %q", stored)
	}

	if len(ex.canceled) != 1 || ex.canceled[0] != "11" {
		t.Errorf("Expected order 11 canceled, got %v", ex.canceled)
	}

	foundTrailing := false
	for _, typ := range ex.createdTypes() {
		if typ == types.OrderTypeTrailingStopMarket {
			foundTrailing = true
		}
	}
	if !foundTrailing {
		t.Errorf("Expected a trailing stop order, got %v", ex.createdTypes())
	}

	if !h.sink.contains("Transition Protocol: RANGE->TREND") {
		t.Errorf("Expected transition alert, got %v", h.sink.messages)
	}

	status := h.engine.Status(ctx)
	if sym := status.Symbols[testSymbol]; sym == nil || sym.Regime != regime.Trend {
		t.Errorf("Expected TREND symbol status, got %+v", sym)
	}
}

func TestCycleSyncsTradesIntoRiskState(t *testing.T) {
	loss := decimal.NewFromInt(-120)
	ex := &fakeExchange{
		candles: trendingCandles(300),
		trades: []*types.Trade{
			{ID: "t1", Symbol: testSymbol, Side: types.OrderSideSell,
				Price: decimal.NewFromInt(10500), Quantity: decimal.NewFromFloat(0.1),
				RealizedPnL: loss, Timestamp: time.Now().UTC().Add(-time.Minute)},
		},
	}
	h := newHarness(t, ex)
	ctx := context.Background()

	h.engine.RunOnce(ctx)

	status := h.engine.Status(ctx)
	if !status.Risk.DailyPnL.Equal(loss) {
		t.Errorf("Expected daily PnL %s, got %s", loss, status.Risk.DailyPnL)
	}

	if exists, _ := h.store.TradeExists(ctx, "t1"); !exists {
		t.Error("Expected trade t1 persisted")
	}

	ms, ok, err := state.Get[int64](ctx, h.store, state.LastTradeTSKey(testSymbol))
	if err != nil || !ok || ms == 0 {
		t.Errorf("Expected trade watermark, ok=%v ms=%d err=%v", ok, ms, err)
	}

	if !h.sink.contains("Trade Closed: Loss") {
		t.Errorf("Expected loss alert, got %v", h.sink.messages)
	}

	// A second cycle must not double-count the same trade.
	h.engine.RunOnce(ctx)
	status = h.engine.Status(ctx)
	if !status.Risk.DailyPnL.Equal(loss) {
		t.Errorf("Expected unchanged daily PnL after resync, got %s", status.Risk.DailyPnL)
	}
}

func TestKillSwitchAlertFiresOnEdge(t *testing.T) {
	// A 300 loss against 10000 equity breaches the 2% daily limit.
	ex := &fakeExchange{
		candles: trendingCandles(300),
		trades: []*types.Trade{
			{ID: "t9", Symbol: testSymbol, Side: types.OrderSideSell,
				Price: decimal.NewFromInt(10000), Quantity: decimal.NewFromFloat(0.3),
				RealizedPnL: decimal.NewFromInt(-300), Timestamp: time.Now().UTC().Add(-time.Minute)},
		},
	}
	h := newHarness(t, ex)
	ctx := context.Background()

	h.engine.RunOnce(ctx)

	if !h.sink.contains("KILL SWITCH ACTIVATED") {
		t.Fatalf("Expected kill-switch alert, got %v", h.sink.messages)
	}
	if !h.engine.Status(ctx).Risk.KillSwitch {
		t.Error("Expected kill-switch latched in status")
	}

	// The edge alert fires once; the switch stays latched.
	before := len(h.sink.messages)
	h.engine.RunOnce(ctx)
	after := 0
	for _, m := range h.sink.messages[before:] {
		if strings.Contains(m, "KILL SWITCH ACTIVATED") {
			after++
		}
	}
	if after != 0 {
		t.Errorf("Expected no repeat kill-switch alert, got %d", after)
	}
}

func TestCooldownSkipsSymbol(t *testing.T) {
	ex := &fakeExchange{candles: trendingCandles(300)}
	h := newHarness(t, ex)
	ctx := context.Background()

	until := time.Now().Add(30 * time.Minute).UnixMilli()
	if err := h.store.UpsertState(ctx, state.CooldownKey(testSymbol), until); err != nil {
		t.Fatalf("Failed to seed cooldown: %v", err)
	}

	h.engine.RunOnce(ctx)

	snap := h.meter.Snapshot()
	if snap[metrics.KeyCooldownSkips] != 1 {
		t.Errorf("Expected 1 cooldown skip, got %v", snap[metrics.KeyCooldownSkips])
	}
	if len(ex.created) != 0 {
		t.Errorf("Expected no orders during cooldown, got %d", len(ex.created))
	}

	status := h.engine.Status(ctx)
	if sym := status.Symbols[testSymbol]; sym == nil || !sym.InCooldown {
		t.Errorf("Expected cooldown status, got %+v", sym)
	}
}
