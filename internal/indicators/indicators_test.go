// Package indicators_test provides tests for the indicator math.
package indicators_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func candle(o, h, l, c, v float64) types.Candle {
	return types.Candle{
		OpenTime: time.Now(),
		Open:     decimal.NewFromFloat(o),
		High:     decimal.NewFromFloat(h),
		Low:      decimal.NewFromFloat(l),
		Close:    decimal.NewFromFloat(c),
		Volume:   decimal.NewFromFloat(v),
	}
}

func TestEMASeedAndDecay(t *testing.T) {
	values := []float64{10, 10, 10, 10}
	ema := indicators.EMA(values, 3)

	for i, v := range ema {
		if v != 10 {
			t.Errorf("Constant series should give constant EMA, got %v at %d", v, i)
		}
	}

	// alpha = 2/(3+1) = 0.5: 10 -> 0.5*20 + 0.5*10 = 15
	ema = indicators.EMA([]float64{10, 20}, 3)
	if !almostEqual(ema[1], 15, 1e-9) {
		t.Errorf("Expected 15, got %v", ema[1])
	}
}

func TestEMAEmptyInput(t *testing.T) {
	if out := indicators.EMA(nil, 5); out != nil {
		t.Errorf("Expected nil for empty input, got %v", out)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	rsi := indicators.RSI(up, 3)
	if rsi[len(rsi)-1] != 100 {
		t.Errorf("All-gains series should give RSI 100, got %v", rsi[len(rsi)-1])
	}

	down := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	rsi = indicators.RSI(down, 3)
	if rsi[len(rsi)-1] != 0 {
		t.Errorf("All-losses series should give RSI 0, got %v", rsi[len(rsi)-1])
	}
}

func TestATRFirstValueIsRange(t *testing.T) {
	candles := []types.Candle{candle(100, 110, 90, 105, 1)}
	atr := indicators.ATR(candles, 14)
	if !almostEqual(atr[0], 20, 1e-9) {
		t.Errorf("First ATR should equal high-low, got %v", atr[0])
	}
}

func TestATRUsesPreviousClose(t *testing.T) {
	candles := []types.Candle{
		candle(100, 101, 99, 100, 1),
		// Gap up: range is 2 but distance from previous close is 10.
		candle(110, 110, 108, 109, 1),
	}
	atr := indicators.ATR(candles, 1)
	if !almostEqual(atr[1], 10, 1e-9) {
		t.Errorf("ATR should capture the gap, got %v", atr[1])
	}
}

func TestBollingerFlatSeries(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = 50
	}
	up, mid, low := indicators.Bollinger(values, 20, 2.0)

	last := len(values) - 1
	if mid[last] != 50 || up[last] != 50 || low[last] != 50 {
		t.Errorf("Flat series should give zero-width bands, got %v %v %v", up[last], mid[last], low[last])
	}
	// Before a full window the bands are unset.
	if mid[10] != 0 {
		t.Errorf("Band before full window should be zero, got %v", mid[10])
	}
}

func TestBollingerWidth(t *testing.T) {
	// Alternating 90/110 has mean 100 and population stddev 10.
	values := make([]float64, 20)
	for i := range values {
		if i%2 == 0 {
			values[i] = 90
		} else {
			values[i] = 110
		}
	}
	up, mid, low := indicators.Bollinger(values, 20, 2.0)

	last := len(values) - 1
	if !almostEqual(mid[last], 100, 1e-9) {
		t.Errorf("Expected middle 100, got %v", mid[last])
	}
	if !almostEqual(up[last], 120, 1e-9) || !almostEqual(low[last], 80, 1e-9) {
		t.Errorf("Expected bands 120/80, got %v/%v", up[last], low[last])
	}
}

func TestADXTrendingVsFlat(t *testing.T) {
	trending := make([]types.Candle, 60)
	for i := range trending {
		base := 100.0 + float64(i)*2
		trending[i] = candle(base, base+1.5, base-0.5, base+1, 1000)
	}
	flat := make([]types.Candle, 60)
	for i := range flat {
		flat[i] = candle(100, 101, 99, 100, 1000)
	}

	adxTrend := indicators.ADX(trending, 14)
	adxFlat := indicators.ADX(flat, 14)

	lastTrend := adxTrend[len(adxTrend)-1]
	lastFlat := adxFlat[len(adxFlat)-1]
	if lastTrend <= lastFlat {
		t.Errorf("Trending ADX (%v) should exceed flat ADX (%v)", lastTrend, lastFlat)
	}
	if lastTrend <= 25 {
		t.Errorf("Steady trend should push ADX above 25, got %v", lastTrend)
	}
}

func TestComputeSnapshotEmptyWindow(t *testing.T) {
	if _, ok := indicators.ComputeSnapshot(nil); ok {
		t.Error("Empty window should not produce a snapshot")
	}
}

func TestComputeSnapshotSingleCandle(t *testing.T) {
	snap, ok := indicators.ComputeSnapshot([]types.Candle{candle(100, 110, 90, 105, 10)})
	if !ok {
		t.Fatal("Single candle should produce a snapshot")
	}
	if snap.Close != 105 {
		t.Errorf("Unexpected close: %v", snap.Close)
	}
	if snap.EMAFastPrev != snap.EMAFast {
		t.Errorf("Single candle should report zero EMA slope, got %v vs %v", snap.EMAFastPrev, snap.EMAFast)
	}
	if snap.BBMiddle != 0 {
		t.Errorf("Bands need a full window, got %v", snap.BBMiddle)
	}
}

func TestVolumeProfileDegenerate(t *testing.T) {
	candles := []types.Candle{
		candle(100, 100, 100, 100, 10),
		candle(100, 100, 100, 100, 20),
	}
	vp, ok := indicators.ComputeVolumeProfile(candles, 50, 0.7)
	if !ok {
		t.Fatal("Expected a profile")
	}
	if vp.POC != 100 || vp.VAH != 100 || vp.VAL != 100 {
		t.Errorf("Flat window should collapse to last close, got %+v", vp)
	}
}

func TestVolumeProfilePOC(t *testing.T) {
	// Heavy volume near 100, light wings at 90 and 110.
	var candles []types.Candle
	for i := 0; i < 20; i++ {
		candles = append(candles, candle(100, 100, 100, 100, 1000))
	}
	candles = append(candles, candle(90, 90, 90, 90, 10))
	candles = append(candles, candle(110, 110, 110, 110, 10))

	vp, ok := indicators.ComputeVolumeProfile(candles, 10, 0.7)
	if !ok {
		t.Fatal("Expected a profile")
	}
	if !almostEqual(vp.POC, 100, 2.1) {
		t.Errorf("POC should sit near 100, got %v", vp.POC)
	}
	if vp.VAL > vp.POC || vp.VAH < vp.POC {
		t.Errorf("Value area must bracket the POC: %+v", vp)
	}
	if vp.VAL < 90 || vp.VAH > 110 {
		t.Errorf("Value area outside price range: %+v", vp)
	}
}

func TestVolumeProfileEmpty(t *testing.T) {
	if _, ok := indicators.ComputeVolumeProfile(nil, 50, 0.7); ok {
		t.Error("Empty window should not produce a profile")
	}
}
