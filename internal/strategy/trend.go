package strategy

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// TrendConfig holds the trend strategy parameters.
type TrendConfig struct {
	PullbackPct float64   // max distance from EMA50 that counts as a pullback (default 0.2%)
	StopPad     float64   // stop offset beyond EMA200 (default 0.3%)
	DCASteps    []float64 // deeper adds relative to entry, e.g. -0.02 adds 2% past it
}

// DefaultTrendConfig returns the default trend settings.
func DefaultTrendConfig() *TrendConfig {
	return &TrendConfig{
		PullbackPct: 0.002,
		StopPad:     0.003,
		DCASteps:    []float64{-0.02, -0.04},
	}
}

// TrendStrategy joins an established trend on a pullback to EMA50. The
// stack is aligned when EMA50 sits on the right side of EMA200 and is still
// moving that way; entries are the EMA50 touch plus DCA adds deeper into
// the pullback, all stopped beyond EMA200.
type TrendStrategy struct {
	logger *zap.Logger
	config *TrendConfig
}

// NewTrendStrategy creates a trend strategy.
func NewTrendStrategy(logger *zap.Logger, config *TrendConfig) *TrendStrategy {
	if config == nil {
		config = DefaultTrendConfig()
	}
	return &TrendStrategy{
		logger: logger.Named("trend"),
		config: config,
	}
}

// Name returns the strategy tag.
func (s *TrendStrategy) Name() string { return types.StrategyTrend }

// Evaluate emits one entry plus DCA adds when price pulls back to an
// aligned EMA50. Needs at least two candles of EMA history for the slope.
func (s *TrendStrategy) Evaluate(symbol string, candles []types.Candle, snap *indicators.Snapshot, price decimal.Decimal) []*types.Signal {
	if snap == nil || len(candles) < 2 || !price.IsPositive() {
		return nil
	}
	ema50, ema200 := snap.EMAFast, snap.EMASlow
	if ema50 <= 0 || ema200 <= 0 {
		return nil
	}

	px := price.InexactFloat64()
	if math.Abs(px-ema50)/ema50 > s.config.PullbackPct {
		return nil
	}

	slope := ema50 - snap.EMAFastPrev
	switch {
	case ema50 > ema200 && slope > 0:
		return s.ladder(symbol, types.OrderSideBuy, ema50, ema200*(1-s.config.StopPad))
	case ema50 < ema200 && slope < 0:
		return s.ladder(symbol, types.OrderSideSell, ema50, ema200*(1+s.config.StopPad))
	default:
		return nil
	}
}

func (s *TrendStrategy) ladder(symbol string, side types.OrderSide, entry, stop float64) []*types.Signal {
	stopDec := decimal.NewFromFloat(stop)

	first := types.NewSignal(symbol, side, decimal.NewFromFloat(entry), stopDec)
	first.Strategy = types.StrategyTrend
	signals := []*types.Signal{first}

	for _, step := range s.config.DCASteps {
		add := entry * (1 + step)
		if side == types.OrderSideSell {
			add = entry * (1 - step)
		}
		sig := types.NewSignal(symbol, side, decimal.NewFromFloat(add), stopDec)
		sig.Strategy = types.StrategyTrendDCA
		signals = append(signals, sig)
	}

	s.logger.Debug("Trend ladder generated",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("entry", entry),
		zap.Float64("stop", stop),
		zap.Int("adds", len(signals)-1))
	return signals
}
