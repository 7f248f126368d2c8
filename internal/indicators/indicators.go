// Package indicators provides the technical indicators consumed by the
// regime classifier and the strategies. All series are float64 and align
// index-for-index with the input candles; values that are undefined early in
// the window are reported as zero.
package indicators

import (
	"math"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// Standard periods used across the agent.
const (
	EMAFastPeriod  = 50
	EMASlowPeriod  = 200
	ATRPeriod      = 14
	ADXPeriod      = 14
	RSIPeriod      = 14
	BBPeriod       = 20
	BBMultiplier   = 2.0
	MACDFastPeriod = 12
	MACDSlowPeriod = 26
	MACDSignal     = 9
)

// Snapshot holds the latest indicator row for one symbol.
type Snapshot struct {
	Close       float64
	EMAFast     float64 // EMA(50)
	EMAFastPrev float64
	EMASlow     float64 // EMA(200)
	ATR         float64
	ADX         float64
	RSI         float64
	MACD        float64
	MACDSig     float64
	BBUpper     float64
	BBMiddle    float64
	BBLower     float64
}

// Closes extracts the close series from candles.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// EMA computes an exponential moving average with alpha = 2/(period+1),
// seeded with the first value.
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}

	alpha := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// wilder applies Wilder smoothing (alpha = 1/period), seeded with the first value.
func wilder(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}

	alpha := 1.0 / float64(period)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// trueRange returns the true-range series. The first element falls back to
// high minus low since there is no previous close.
func trueRange(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		high := c.High.InexactFloat64()
		low := c.Low.InexactFloat64()
		tr := high - low
		if i > 0 {
			prevClose := candles[i-1].Close.InexactFloat64()
			tr = math.Max(tr, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		}
		out[i] = tr
	}
	return out
}

// ATR computes the average true range with Wilder smoothing.
func ATR(candles []types.Candle, period int) []float64 {
	if len(candles) == 0 {
		return nil
	}
	return wilder(trueRange(candles), period)
}

// ADX computes the average directional index with Wilder smoothing.
func ADX(candles []types.Candle, period int) []float64 {
	n := len(candles)
	if n == 0 {
		return nil
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := candles[i].High.InexactFloat64() - candles[i-1].High.InexactFloat64()
		downMove := candles[i-1].Low.InexactFloat64() - candles[i].Low.InexactFloat64()
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	atr := wilder(trueRange(candles), period)
	smoothPlus := wilder(plusDM, period)
	smoothMinus := wilder(minusDM, period)

	dx := make([]float64, n)
	for i := 0; i < n; i++ {
		if atr[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlus[i] / atr[i]
		minusDI := 100 * smoothMinus[i] / atr[i]
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}

	return wilder(dx, period)
}

// RSI computes the relative strength index with Wilder smoothing.
func RSI(values []float64, period int) []float64 {
	n := len(values)
	if n == 0 {
		return nil
	}

	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	avgGain := wilder(gains, period)
	avgLoss := wilder(losses, period)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if avgLoss[i] == 0 {
			if avgGain[i] > 0 {
				out[i] = 100
			}
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// MACD computes the MACD line, signal line and histogram.
func MACD(values []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	n := len(values)
	if n == 0 {
		return nil, nil, nil
	}

	emaFast := EMA(values, fast)
	emaSlow := EMA(values, slow)

	macd = make([]float64, n)
	for i := 0; i < n; i++ {
		macd[i] = emaFast[i] - emaSlow[i]
	}
	sig = EMA(macd, signal)

	hist = make([]float64, n)
	for i := 0; i < n; i++ {
		hist[i] = macd[i] - sig[i]
	}
	return macd, sig, hist
}

// Bollinger computes Bollinger bands over a simple moving average with a
// population standard deviation. Rows before a full window are zero.
func Bollinger(values []float64, period int, mult float64) (upper, middle, lower []float64) {
	n := len(values)
	upper = make([]float64, n)
	middle = make([]float64, n)
	lower = make([]float64, n)
	if n == 0 || period <= 0 {
		return upper, middle, lower
	}

	for i := period - 1; i < n; i++ {
		window := values[i-period+1 : i+1]

		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)

		variance := 0.0
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		variance /= float64(period)
		std := math.Sqrt(variance)

		middle[i] = mean
		upper[i] = mean + mult*std
		lower[i] = mean - mult*std
	}
	return upper, middle, lower
}

// ComputeSnapshot computes the latest indicator row for a candle window.
// Returns false when the window is empty.
func ComputeSnapshot(candles []types.Candle) (*Snapshot, bool) {
	if len(candles) == 0 {
		return nil, false
	}

	closes := Closes(candles)
	last := len(closes) - 1

	emaFast := EMA(closes, EMAFastPeriod)
	emaSlow := EMA(closes, EMASlowPeriod)
	atr := ATR(candles, ATRPeriod)
	adx := ADX(candles, ADXPeriod)
	rsi := RSI(closes, RSIPeriod)
	macd, sig, _ := MACD(closes, MACDFastPeriod, MACDSlowPeriod, MACDSignal)
	bbUp, bbMid, bbLow := Bollinger(closes, BBPeriod, BBMultiplier)

	snap := &Snapshot{
		Close:    closes[last],
		EMAFast:  emaFast[last],
		EMASlow:  emaSlow[last],
		ATR:      atr[last],
		ADX:      adx[last],
		RSI:      rsi[last],
		MACD:     macd[last],
		MACDSig:  sig[last],
		BBUpper:  bbUp[last],
		BBMiddle: bbMid[last],
		BBLower:  bbLow[last],
	}
	if last > 0 {
		snap.EMAFastPrev = emaFast[last-1]
	} else {
		snap.EMAFastPrev = emaFast[last]
	}
	return snap, true
}
