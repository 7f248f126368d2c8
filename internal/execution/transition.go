package execution

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/exchange"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
	"github.com/rrychs1/paisajes-de-poincare/pkg/utils"
)

// TransitionConfig configures the regime transition coordinator.
type TransitionConfig struct {
	ATRMultiplier   float64 // trailing distance = ATR * this (default 1.5)
	FallbackStopPct float64 // trailing distance as a price fraction when no ATR is stored (default 1%)
	TightenPct      float64 // offset fraction for the tightened stop (default 0.1%)
	MinCallbackRate float64 // exchange floor for trailing callbacks, percent
	MaxCallbackRate float64 // exchange ceiling for trailing callbacks, percent
}

// DefaultTransitionConfig returns the default transition settings.
func DefaultTransitionConfig() *TransitionConfig {
	return &TransitionConfig{
		ATRMultiplier:   1.5,
		FallbackStopPct: 0.01,
		TightenPct:      0.001,
		MinCallbackRate: 0.1,
		MaxCallbackRate: 5.0,
	}
}

// TransitionOutcome reports what a transition actually did. Every action is
// best effort, so callers read the outcome rather than assuming success.
type TransitionOutcome struct {
	Symbol         string          `json:"symbol"`
	From           regime.Regime   `json:"from"`
	To             regime.Regime   `json:"to"`
	CanceledOrders []string        `json:"canceled_orders,omitempty"`
	TrailingPlaced bool            `json:"trailing_placed"`
	StopTightened  bool            `json:"stop_tightened"`
	GridCleared    bool            `json:"grid_cleared"`
	GridBlocked    bool            `json:"grid_blocked"`
	PreviousStop   decimal.Decimal `json:"previous_stop"`
	NewStop        decimal.Decimal `json:"new_stop"`
}

// Coordinator reshapes protection and working state when the confirmed
// regime flips.
type Coordinator struct {
	logger   *zap.Logger
	config   *TransitionConfig
	exchange exchange.Exchange
	store    state.Store
}

// NewCoordinator creates a transition coordinator.
func NewCoordinator(logger *zap.Logger, config *TransitionConfig, ex exchange.Exchange, store state.Store) *Coordinator {
	if config == nil {
		config = DefaultTransitionConfig()
	}
	return &Coordinator{
		logger:   logger.Named("transition"),
		config:   config,
		exchange: ex,
		store:    store,
	}
}

// HandleTransition runs the transition actions for a regime change and
// persists the reported regime. It is called once per cycle per symbol;
// when from == to only the persistence happens.
func (c *Coordinator) HandleTransition(ctx context.Context, symbol string, to, from regime.Regime) *TransitionOutcome {
	outcome := &TransitionOutcome{Symbol: symbol, From: from, To: to}

	switch {
	case from == regime.Range && to == regime.Trend:
		c.logger.Info("Transition: range to trend", zap.String("symbol", symbol))
		c.rangeToTrend(ctx, symbol, outcome)
	case from == regime.Trend && to == regime.Range:
		c.logger.Info("Transition: trend to range", zap.String("symbol", symbol))
		c.trendToRange(ctx, symbol, outcome)
	}

	if err := c.store.UpsertState(ctx, state.RegimeKey(symbol), string(to)); err != nil {
		c.logger.Warn("Failed to persist regime",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return outcome
}

// rangeToTrend hands the symbol over to momentum: resting grid orders would
// fight the move, so they are canceled, the open position switches to a
// trailing stop and the grid state resets.
func (c *Coordinator) rangeToTrend(ctx context.Context, symbol string, outcome *TransitionOutcome) {
	open, err := c.exchange.FetchOpenOrders(ctx, symbol)
	if err != nil {
		c.logger.Warn("Failed to fetch open orders",
			zap.String("symbol", symbol), zap.Error(err))
		open = nil
	}
	for _, o := range open {
		if err := c.exchange.CancelOrder(ctx, symbol, o.ID); err != nil {
			c.logger.Warn("Failed to cancel order during transition",
				zap.String("symbol", symbol),
				zap.String("id", o.ID),
				zap.Error(err))
			continue
		}
		outcome.CanceledOrders = append(outcome.CanceledOrders, o.ID)
	}

	if pos := c.fetchPosition(ctx, symbol); pos != nil {
		c.placeTrailingStop(ctx, symbol, pos, outcome)
	} else {
		c.logger.Info("No position to protect", zap.String("symbol", symbol))
	}

	// Grid levels are stale either way
	if err := c.store.DeleteState(ctx, state.GridStateKey(symbol)); err != nil {
		c.logger.Warn("Failed to clear grid state",
			zap.String("symbol", symbol), zap.Error(err))
	} else {
		outcome.GridCleared = true
	}
}

// trendToRange hands the symbol over to mean reversion: the position's stop
// is pulled in tight and the grid stays blocked until the position is
// confirmed flat.
func (c *Coordinator) trendToRange(ctx context.Context, symbol string, outcome *TransitionOutcome) {
	pos := c.fetchPosition(ctx, symbol)

	// Record the stop currently protecting the position
	open, err := c.exchange.FetchOpenOrders(ctx, symbol)
	if err != nil {
		c.logger.Warn("Failed to fetch open orders",
			zap.String("symbol", symbol), zap.Error(err))
		open = nil
	}
	for _, o := range open {
		if o.ReduceOnly && o.Type == types.OrderTypeStopMarket && o.StopPrice.IsPositive() {
			outcome.PreviousStop = o.StopPrice
			break
		}
	}

	if pos == nil {
		return
	}

	c.tightenStop(ctx, symbol, pos, outcome)

	if err := c.store.UpsertState(ctx, state.GridBlockedKey(symbol), true); err != nil {
		c.logger.Warn("Failed to block grid",
			zap.String("symbol", symbol), zap.Error(err))
	} else {
		outcome.GridBlocked = true
	}
}

// UnblockIfFlat clears the grid block once the position is confirmed flat.
// A position lookup failure keeps the block in place.
func (c *Coordinator) UnblockIfFlat(ctx context.Context, symbol string) bool {
	blocked, ok, err := state.Get[bool](ctx, c.store, state.GridBlockedKey(symbol))
	if err != nil {
		c.logger.Warn("Failed to load grid block",
			zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	if !ok || !blocked {
		return false
	}

	positions, err := c.exchange.FetchPositions(ctx, symbol)
	if err != nil {
		c.logger.Warn("Failed to confirm flat position",
			zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	for _, p := range positions {
		if !p.IsFlat() {
			return false
		}
	}

	if err := c.store.DeleteState(ctx, state.GridBlockedKey(symbol)); err != nil {
		c.logger.Warn("Failed to clear grid block",
			zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	c.logger.Info("Grid unblocked", zap.String("symbol", symbol))
	return true
}

func (c *Coordinator) fetchPosition(ctx context.Context, symbol string) *types.Position {
	positions, err := c.exchange.FetchPositions(ctx, symbol)
	if err != nil {
		c.logger.Warn("Failed to fetch position",
			zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	for _, p := range positions {
		if !p.IsFlat() {
			return p
		}
	}
	return nil
}

// placeTrailingStop protects a position with a reduce-only trailing stop.
// The distance comes from the stored ATR when available, otherwise from a
// fixed fraction of the reference price.
func (c *Coordinator) placeTrailingStop(ctx context.Context, symbol string, pos *types.Position, outcome *TransitionOutcome) {
	ref := pos.ReferencePrice()
	if !ref.IsPositive() {
		c.logger.Warn("Position has no usable reference price",
			zap.String("symbol", symbol))
		return
	}

	var distance decimal.Decimal
	atr, ok, err := state.Get[float64](ctx, c.store, state.ATRKey(symbol))
	if err != nil {
		c.logger.Warn("Failed to load ATR",
			zap.String("symbol", symbol), zap.Error(err))
		ok = false
	}
	if ok && atr > 0 {
		distance = decimal.NewFromFloat(atr).Mul(decimal.NewFromFloat(c.config.ATRMultiplier))
	} else {
		distance = ref.Mul(decimal.NewFromFloat(c.config.FallbackStopPct))
	}

	// The exchange expresses the trail as a percent callback with one
	// decimal of precision, clamped to its allowed band.
	callback := utils.ClampDecimal(
		distance.Div(ref).Mul(decimal.NewFromInt(100)),
		decimal.NewFromFloat(c.config.MinCallbackRate),
		decimal.NewFromFloat(c.config.MaxCallbackRate),
	).Round(1)

	if _, err := c.exchange.CreateOrder(ctx, &exchange.OrderRequest{
		Symbol:       symbol,
		Side:         pos.CloseSide(),
		Type:         types.OrderTypeTrailingStopMarket,
		Quantity:     pos.Quantity,
		CallbackRate: callback,
		ReduceOnly:   true,
	}); err != nil {
		c.logger.Error("Failed to place trailing stop",
			zap.String("symbol", symbol),
			zap.String("callback_rate", callback.String()),
			zap.Error(err))
		return
	}

	outcome.TrailingPlaced = true
	c.logger.Info("Trailing stop placed",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.CloseSide())),
		zap.String("qty", pos.Quantity.String()),
		zap.String("callback_rate", callback.String()))
}

// tightenStop replaces momentum protection with a stop just behind the
// better of entry and mark price.
func (c *Coordinator) tightenStop(ctx context.Context, symbol string, pos *types.Position, outcome *TransitionOutcome) {
	entry, mark := pos.EntryPrice, pos.MarkPrice
	if !entry.IsPositive() && !mark.IsPositive() {
		c.logger.Warn("Position has no usable prices", zap.String("symbol", symbol))
		return
	}
	if !entry.IsPositive() {
		entry = mark
	}
	if !mark.IsPositive() {
		mark = entry
	}

	offset := decimal.NewFromFloat(c.config.TightenPct)
	var stop decimal.Decimal
	if pos.Side == types.PositionSideLong {
		stop = utils.MinDecimal(entry, mark).Mul(decimal.NewFromInt(1).Sub(offset))
	} else {
		stop = utils.MaxDecimal(entry, mark).Mul(decimal.NewFromInt(1).Add(offset))
	}
	stop = c.exchange.PriceToPrecision(symbol, stop)

	if _, err := c.exchange.CreateOrder(ctx, &exchange.OrderRequest{
		Symbol:     symbol,
		Side:       pos.CloseSide(),
		Type:       types.OrderTypeStopMarket,
		Quantity:   pos.Quantity,
		StopPrice:  stop,
		ReduceOnly: true,
	}); err != nil {
		c.logger.Error("Failed to tighten stop",
			zap.String("symbol", symbol),
			zap.String("stop", stop.String()),
			zap.Error(err))
		return
	}

	outcome.StopTightened = true
	outcome.NewStop = stop
	c.logger.Info("Stop tightened",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.CloseSide())),
		zap.String("stop", stop.String()))
}
