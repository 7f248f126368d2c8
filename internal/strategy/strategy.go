// Package strategy produces order intents from market structure.
package strategy

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// Strategy turns a candle window and its indicator snapshot into entry
// signals for one symbol. Implementations are stateless: position tracking
// and capacity live in the risk and execution layers.
type Strategy interface {
	Name() string
	Evaluate(symbol string, candles []types.Candle, snap *indicators.Snapshot, price decimal.Decimal) []*types.Signal
}

// Router picks the strategy that matches the current regime.
type Router struct {
	logger *zap.Logger
	grid   Strategy
	trend  Strategy
}

// NewRouter creates a router over the given range and trend strategies.
func NewRouter(logger *zap.Logger, grid, trend Strategy) *Router {
	return &Router{
		logger: logger.Named("strategy"),
		grid:   grid,
		trend:  trend,
	}
}

// Route evaluates the strategy for the regime: grid in a range, trend in a
// trend, nothing while the regime is unconfirmed.
func (r *Router) Route(reg regime.Regime, symbol string, candles []types.Candle, snap *indicators.Snapshot, price decimal.Decimal) []*types.Signal {
	var signals []*types.Signal

	switch reg {
	case regime.Range:
		signals = r.grid.Evaluate(symbol, candles, snap, price)
	case regime.Trend:
		signals = r.trend.Evaluate(symbol, candles, snap, price)
	}

	if len(signals) > 0 {
		r.logger.Debug("Signals routed",
			zap.String("symbol", symbol),
			zap.String("regime", string(reg)),
			zap.Int("count", len(signals)))
	}
	return signals
}
