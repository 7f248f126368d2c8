// Package strategy_test provides tests for the grid and trend strategies.
package strategy_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
	"github.com/rrychs1/paisajes-de-poincare/internal/strategy"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func candle(close, volume string) types.Candle {
	return types.Candle{Close: dec(close), Volume: dec(volume)}
}

func wantPrice(t *testing.T, got decimal.Decimal, want float64) {
	t.Helper()
	if math.Abs(got.InexactFloat64()-want) > 1e-9 {
		t.Errorf("price = %s, want %v", got, want)
	}
}

func testGridConfig() *strategy.GridConfig {
	return &strategy.GridConfig{Levels: 4, Bins: 10, ValueArea: 0.7, StopPad: 0.002}
}

// Ten bins over closes spanning 100-110 put the point of control at 102.5
// with a value area of 102-104.
func sellSideCandles() []types.Candle {
	return []types.Candle{
		candle("100", "10"),
		candle("110", "10"),
		candle("102.5", "500"),
		candle("103.5", "150"),
		candle("103.5", "149"),
		candle("103.2", "1"),
	}
}

// Mirror image: point of control 107.5, value area 106-108.
func buySideCandles() []types.Candle {
	return []types.Candle{
		candle("100", "10"),
		candle("110", "10"),
		candle("107.5", "500"),
		candle("106.5", "150"),
		candle("106.5", "149"),
		candle("106.8", "1"),
	}
}

func TestGridSellsLadderTowardValueAreaHigh(t *testing.T) {
	grid := strategy.NewGridStrategy(zap.NewNop(), testGridConfig())

	signals := grid.Evaluate("BTC/USDT", sellSideCandles(), nil, dec("103.2"))
	if len(signals) != 4 {
		t.Fatalf("signals = %d, want 4", len(signals))
	}

	// Levels spaced evenly from price to the value area high
	wantPrice(t, signals[0].EntryPrice, 103.4)
	wantPrice(t, signals[1].EntryPrice, 103.6)
	wantPrice(t, signals[2].EntryPrice, 103.8)
	wantPrice(t, signals[3].EntryPrice, 104)

	for i, sig := range signals {
		if sig.Side != types.OrderSideSell {
			t.Errorf("signal %d side = %s, want sell", i, sig.Side)
		}
		if sig.Strategy != types.StrategyGrid {
			t.Errorf("signal %d strategy = %q, want grid", i, sig.Strategy)
		}
		if sig.Type != types.OrderTypeLimit || sig.TimeInForce != "GTC" {
			t.Errorf("signal %d should be a GTC limit order", i)
		}
		wantPrice(t, sig.StopLoss, 104*1.002)
		wantPrice(t, sig.TakeProfit, 102.5)
	}
}

func TestGridBuysLadderTowardValueAreaLow(t *testing.T) {
	grid := strategy.NewGridStrategy(zap.NewNop(), testGridConfig())

	signals := grid.Evaluate("BTC/USDT", buySideCandles(), nil, dec("106.8"))
	if len(signals) != 4 {
		t.Fatalf("signals = %d, want 4", len(signals))
	}

	// Nearest level first, value area low last
	wantPrice(t, signals[0].EntryPrice, 106.6)
	wantPrice(t, signals[1].EntryPrice, 106.4)
	wantPrice(t, signals[2].EntryPrice, 106.2)
	wantPrice(t, signals[3].EntryPrice, 106)

	for i, sig := range signals {
		if sig.Side != types.OrderSideBuy {
			t.Errorf("signal %d side = %s, want buy", i, sig.Side)
		}
		wantPrice(t, sig.StopLoss, 106*0.998)
		wantPrice(t, sig.TakeProfit, 107.5)
	}
}

func TestGridSkipsPriceOutsideValueArea(t *testing.T) {
	grid := strategy.NewGridStrategy(zap.NewNop(), testGridConfig())

	candles := sellSideCandles()
	candles[len(candles)-1] = candle("104.5", "1")

	if signals := grid.Evaluate("BTC/USDT", candles, nil, dec("104.5")); len(signals) != 0 {
		t.Errorf("signals = %d, want 0 above the value area", len(signals))
	}
}

func TestGridSkipsDegenerateProfile(t *testing.T) {
	grid := strategy.NewGridStrategy(zap.NewNop(), testGridConfig())

	flat := make([]types.Candle, 10)
	for i := range flat {
		flat[i] = candle("100", "5")
	}

	if signals := grid.Evaluate("BTC/USDT", flat, nil, dec("100")); len(signals) != 0 {
		t.Errorf("signals = %d, want 0 for a flat window", len(signals))
	}
	if signals := grid.Evaluate("BTC/USDT", nil, nil, dec("100")); len(signals) != 0 {
		t.Errorf("signals = %d, want 0 for an empty window", len(signals))
	}
}

func trendCandles() []types.Candle {
	return []types.Candle{candle("100", "1"), candle("100", "1")}
}

func TestTrendLongPullbackWithDCAAdds(t *testing.T) {
	trend := strategy.NewTrendStrategy(zap.NewNop(), nil)
	snap := &indicators.Snapshot{EMAFast: 100, EMAFastPrev: 99.5, EMASlow: 95}

	signals := trend.Evaluate("BTC/USDT", trendCandles(), snap, dec("100.1"))
	if len(signals) != 3 {
		t.Fatalf("signals = %d, want entry plus two adds", len(signals))
	}

	entry := signals[0]
	if entry.Side != types.OrderSideBuy || entry.Strategy != types.StrategyTrend {
		t.Errorf("entry = %s/%q, want buy/trend", entry.Side, entry.Strategy)
	}
	wantPrice(t, entry.EntryPrice, 100)
	wantPrice(t, entry.StopLoss, 95*0.997)

	wantPrice(t, signals[1].EntryPrice, 98)
	wantPrice(t, signals[2].EntryPrice, 96)
	for _, add := range signals[1:] {
		if add.Strategy != types.StrategyTrendDCA {
			t.Errorf("add strategy = %q, want trend_dca", add.Strategy)
		}
		if !add.StopLoss.Equal(entry.StopLoss) {
			t.Errorf("add stop = %s, want %s", add.StopLoss, entry.StopLoss)
		}
	}
}

func TestTrendShortPullbackMirrored(t *testing.T) {
	trend := strategy.NewTrendStrategy(zap.NewNop(), nil)
	snap := &indicators.Snapshot{EMAFast: 100, EMAFastPrev: 100.5, EMASlow: 105}

	signals := trend.Evaluate("BTC/USDT", trendCandles(), snap, dec("99.9"))
	if len(signals) != 3 {
		t.Fatalf("signals = %d, want entry plus two adds", len(signals))
	}

	if signals[0].Side != types.OrderSideSell {
		t.Errorf("entry side = %s, want sell", signals[0].Side)
	}
	wantPrice(t, signals[0].EntryPrice, 100)
	wantPrice(t, signals[0].StopLoss, 105*1.003)

	// Adds sit above the entry for a short
	wantPrice(t, signals[1].EntryPrice, 102)
	wantPrice(t, signals[2].EntryPrice, 104)
}

func TestTrendRejectsUnalignedSetups(t *testing.T) {
	cases := []struct {
		name  string
		snap  indicators.Snapshot
		price string
	}{
		{"price away from ema50", indicators.Snapshot{EMAFast: 100, EMAFastPrev: 99.5, EMASlow: 95}, "103"},
		{"flat slope", indicators.Snapshot{EMAFast: 100, EMAFastPrev: 100, EMASlow: 95}, "100"},
		{"slope against the stack", indicators.Snapshot{EMAFast: 100, EMAFastPrev: 100.5, EMASlow: 95}, "100"},
		{"ema50 under ema200 while rising", indicators.Snapshot{EMAFast: 100, EMAFastPrev: 99.5, EMASlow: 105}, "100"},
	}

	trend := strategy.NewTrendStrategy(zap.NewNop(), nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if signals := trend.Evaluate("BTC/USDT", trendCandles(), &tc.snap, dec(tc.price)); len(signals) != 0 {
				t.Errorf("signals = %d, want 0", len(signals))
			}
		})
	}
}

func TestTrendNeedsEMAHistory(t *testing.T) {
	trend := strategy.NewTrendStrategy(zap.NewNop(), nil)
	snap := &indicators.Snapshot{EMAFast: 100, EMAFastPrev: 99.5, EMASlow: 95}

	if signals := trend.Evaluate("BTC/USDT", []types.Candle{candle("100", "1")}, snap, dec("100")); len(signals) != 0 {
		t.Errorf("signals = %d, want 0 with a single candle", len(signals))
	}
}

func TestRouterMapsRegimesToStrategies(t *testing.T) {
	router := strategy.NewRouter(zap.NewNop(),
		strategy.NewGridStrategy(zap.NewNop(), testGridConfig()),
		strategy.NewTrendStrategy(zap.NewNop(), nil))

	trendSnap := &indicators.Snapshot{EMAFast: 100, EMAFastPrev: 99.5, EMASlow: 95}

	gridSignals := router.Route(regime.Range, "BTC/USDT", sellSideCandles(), nil, dec("103.2"))
	if len(gridSignals) == 0 || gridSignals[0].Strategy != types.StrategyGrid {
		t.Errorf("range should route to the grid strategy, got %v", gridSignals)
	}

	trendSignals := router.Route(regime.Trend, "BTC/USDT", trendCandles(), trendSnap, dec("100"))
	if len(trendSignals) == 0 || trendSignals[0].Strategy != types.StrategyTrend {
		t.Errorf("trend should route to the trend strategy, got %v", trendSignals)
	}

	if signals := router.Route(regime.Unknown, "BTC/USDT", sellSideCandles(), trendSnap, dec("103.2")); len(signals) != 0 {
		t.Errorf("unknown regime should route nowhere, got %d signals", len(signals))
	}
}
