package strategy

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// GridConfig holds the grid strategy parameters.
type GridConfig struct {
	Levels    int     // limit orders per ladder (default 5)
	Bins      int     // volume profile bins (default 50)
	ValueArea float64 // volume fraction covered by the value area (default 0.7)
	StopPad   float64 // stop offset beyond the value area edge (default 0.2%)
}

// DefaultGridConfig returns the default grid settings.
func DefaultGridConfig() *GridConfig {
	return &GridConfig{
		Levels:    5,
		Bins:      indicators.ProfileBins,
		ValueArea: indicators.ProfileValueArea,
		StopPad:   0.002,
	}
}

// GridStrategy fades moves inside the value area of the recent volume
// profile. Above the point of control it sells a ladder toward the value
// area high, below it buys a ladder toward the value area low, always
// targeting the point of control.
type GridStrategy struct {
	logger *zap.Logger
	config *GridConfig
}

// NewGridStrategy creates a grid strategy.
func NewGridStrategy(logger *zap.Logger, config *GridConfig) *GridStrategy {
	if config == nil {
		config = DefaultGridConfig()
	}
	return &GridStrategy{
		logger: logger.Named("grid"),
		config: config,
	}
}

// Name returns the strategy tag.
func (s *GridStrategy) Name() string { return types.StrategyGrid }

// Evaluate builds a limit ladder when price sits inside the value area.
// A degenerate profile (flat or empty window) produces no signals.
func (s *GridStrategy) Evaluate(symbol string, candles []types.Candle, snap *indicators.Snapshot, price decimal.Decimal) []*types.Signal {
	if s.config.Levels < 1 || !price.IsPositive() {
		return nil
	}
	profile, ok := indicators.ComputeVolumeProfile(candles, s.config.Bins, s.config.ValueArea)
	if !ok {
		return nil
	}

	px := price.InexactFloat64()
	switch {
	case px > profile.POC && profile.VAH > px:
		return s.ladder(symbol, types.OrderSideSell, px, profile)
	case px < profile.POC && profile.VAL < px:
		return s.ladder(symbol, types.OrderSideBuy, px, profile)
	default:
		return nil
	}
}

func (s *GridStrategy) ladder(symbol string, side types.OrderSide, px float64, profile *indicators.VolumeProfile) []*types.Signal {
	var stop decimal.Decimal
	var levels []float64

	if side == types.OrderSideSell {
		stop = decimal.NewFromFloat(profile.VAH * (1 + s.config.StopPad))
		levels = linspace(px, profile.VAH, s.config.Levels+1)[1:]
	} else {
		stop = decimal.NewFromFloat(profile.VAL * (1 - s.config.StopPad))
		// Nearest level first
		points := linspace(profile.VAL, px, s.config.Levels+1)
		levels = make([]float64, 0, s.config.Levels)
		for i := len(points) - 2; i >= 0; i-- {
			levels = append(levels, points[i])
		}
	}

	target := decimal.NewFromFloat(profile.POC)
	signals := make([]*types.Signal, 0, len(levels))
	for _, level := range levels {
		sig := types.NewSignal(symbol, side, decimal.NewFromFloat(level), stop)
		sig.TakeProfit = target
		sig.Strategy = types.StrategyGrid
		signals = append(signals, sig)
	}

	s.logger.Debug("Grid ladder generated",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Int("levels", len(signals)),
		zap.Float64("poc", profile.POC),
		zap.Float64("vah", profile.VAH),
		zap.Float64("val", profile.VAL))
	return signals
}

// linspace returns n evenly spaced points from a to b inclusive. n >= 2.
func linspace(a, b float64, n int) []float64 {
	pts := make([]float64, n)
	step := (b - a) / float64(n-1)
	for i := range pts {
		pts[i] = a + step*float64(i)
	}
	pts[n-1] = b
	return pts
}
