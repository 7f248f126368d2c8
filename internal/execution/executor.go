// Package execution places orders for sized signals and coordinates the
// order book around regime transitions. The executor enforces per-symbol
// capacity, suppresses duplicate limit orders, expires stale ones and
// retries transient exchange failures with exponential backoff.
package execution

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/exchange"
	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// ExecutorConfig configures order placement.
type ExecutorConfig struct {
	MaxOpenOrders    int              // per-symbol cap on resting orders, 0 disables the check
	RetryAttempts    int              // retries after the first attempt
	RetryBackoff     time.Duration    // first retry delay, doubles on each retry
	CancelStaleAfter time.Duration    // cancel non-protective orders older than this, 0 disables
	SkipDuplicates   bool             // skip limit orders already resting at the same price
	Clock            func() time.Time // current time source, defaults to time.Now
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxOpenOrders:  50,
		RetryAttempts:  2,
		RetryBackoff:   500 * time.Millisecond,
		SkipDuplicates: true,
	}
}

// ExecutionStats counts what happened during one Execute call.
type ExecutionStats struct {
	Placed           int `json:"placed"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
	Duplicates       int `json:"duplicates"`
	StaleCanceled    int `json:"stale_canceled"`
	Retries          int `json:"retries"`
	ProtectiveFailed int `json:"protective_failed"`
}

// Executor turns sized signals into exchange orders.
type Executor struct {
	logger   *zap.Logger
	config   *ExecutorConfig
	exchange exchange.Exchange
	store    state.Store
	now      func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger, config *ExecutorConfig, ex exchange.Exchange, store state.Store) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Executor{
		logger:   logger.Named("executor"),
		config:   config,
		exchange: ex,
		store:    store,
		now:      now,
	}
}

// Execute places the given signals and returns counters for the batch.
// Signals are processed grouped by symbol in first-seen order; a failure
// on one signal never aborts the rest of the batch.
func (e *Executor) Execute(ctx context.Context, signals []*types.Signal) *ExecutionStats {
	stats := &ExecutionStats{}
	if len(signals) == 0 {
		return stats
	}

	bySymbol := make(map[string][]*types.Signal)
	symbols := make([]string, 0, len(signals))
	for _, sig := range signals {
		if _, seen := bySymbol[sig.Symbol]; !seen {
			symbols = append(symbols, sig.Symbol)
		}
		bySymbol[sig.Symbol] = append(bySymbol[sig.Symbol], sig)
	}

	for _, symbol := range symbols {
		e.executeSymbol(ctx, symbol, bySymbol[symbol], stats)
	}
	return stats
}

func (e *Executor) executeSymbol(ctx context.Context, symbol string, signals []*types.Signal, stats *ExecutionStats) {
	// The open-order snapshot is only needed when a check depends on it.
	needSetup := e.config.MaxOpenOrders > 0 || e.config.SkipDuplicates || e.config.CancelStaleAfter > 0

	var open []*types.Order
	if needSetup {
		var err error
		open, err = e.exchange.FetchOpenOrders(ctx, symbol)
		if err != nil {
			e.logger.Warn("Failed to fetch open orders",
				zap.String("symbol", symbol), zap.Error(err))
			open = nil
		}
		if e.config.CancelStaleAfter > 0 {
			open = e.cancelStale(ctx, symbol, open, stats)
		}
	}

	slots := -1 // unlimited
	if e.config.MaxOpenOrders > 0 {
		slots = e.config.MaxOpenOrders - len(open)
		if slots < 0 {
			slots = 0
		}
	}

	for _, sig := range signals {
		if !sig.EntryPrice.IsPositive() || !sig.StopLoss.IsPositive() {
			stats.Skipped++
			e.logger.Warn("Skipping signal with unusable prices",
				zap.String("symbol", symbol),
				zap.String("entry", sig.EntryPrice.String()),
				zap.String("stop", sig.StopLoss.String()))
			continue
		}
		if !sig.Quantity.IsPositive() {
			stats.Skipped++
			e.logger.Debug("Skipping unsized signal",
				zap.String("symbol", symbol),
				zap.String("strategy", sig.Strategy))
			continue
		}
		if slots == 0 {
			stats.Skipped++
			e.logger.Debug("Order capacity reached", zap.String("symbol", symbol))
			continue
		}
		if e.config.SkipDuplicates && sig.Type == types.OrderTypeLimit && e.isDuplicate(sig, open) {
			stats.Duplicates++
			stats.Skipped++
			e.logger.Debug("Skipping duplicate limit order",
				zap.String("symbol", symbol),
				zap.String("price", sig.EntryPrice.String()))
			continue
		}

		order, err := e.placeWithRetry(ctx, requestFromSignal(sig), stats)
		if err != nil {
			stats.Failed++
			e.logger.Error("Order placement failed",
				zap.String("symbol", symbol),
				zap.String("strategy", sig.Strategy),
				zap.Error(err))
			continue
		}

		order.Strategy = sig.Strategy
		if err := e.store.SaveOrder(ctx, order); err != nil {
			e.logger.Warn("Failed to save order",
				zap.String("id", order.ID), zap.Error(err))
		}
		if slots > 0 {
			slots--
		}
		stats.Placed++

		e.placeProtective(ctx, sig, stats)
	}
}

// cancelStale cancels resting orders older than the configured threshold.
// Protective reduce-only orders are never expired.
func (e *Executor) cancelStale(ctx context.Context, symbol string, open []*types.Order, stats *ExecutionStats) []*types.Order {
	now := e.now()
	remaining := make([]*types.Order, 0, len(open))
	for _, o := range open {
		if o.ReduceOnly || o.Age(now) <= e.config.CancelStaleAfter {
			remaining = append(remaining, o)
			continue
		}
		if err := e.exchange.CancelOrder(ctx, symbol, o.ID); err != nil {
			e.logger.Warn("Failed to cancel stale order",
				zap.String("symbol", symbol),
				zap.String("id", o.ID),
				zap.Error(err))
			remaining = append(remaining, o)
			continue
		}
		stats.StaleCanceled++
		e.logger.Info("Canceled stale order",
			zap.String("symbol", symbol),
			zap.String("id", o.ID),
			zap.Duration("age", o.Age(now)))
	}
	return remaining
}

// isDuplicate reports whether an equivalent limit order is already resting:
// same side, same price after precision rounding.
func (e *Executor) isDuplicate(sig *types.Signal, open []*types.Order) bool {
	price := e.exchange.PriceToPrecision(sig.Symbol, sig.EntryPrice)
	for _, o := range open {
		if o.Type != types.OrderTypeLimit || o.Side != sig.Side {
			continue
		}
		if e.exchange.PriceToPrecision(o.Symbol, o.Price).Equal(price) {
			return true
		}
	}
	return false
}

// placeWithRetry submits an order, retrying transient failures with
// exponential backoff. Non-transient failures abort immediately.
func (e *Executor) placeWithRetry(ctx context.Context, req *exchange.OrderRequest, stats *ExecutionStats) (*types.Order, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.config.RetryBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var placed *types.Order
	operation := func() error {
		order, err := e.exchange.CreateOrder(ctx, req)
		if err != nil {
			if exchange.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		placed = order
		return nil
	}
	notify := func(err error, next time.Duration) {
		stats.Retries++
		e.logger.Warn("Order placement failed, retrying",
			zap.String("symbol", req.Symbol),
			zap.Duration("next_retry", next),
			zap.Error(err))
	}

	retries := uint64(0)
	if e.config.RetryAttempts > 0 {
		retries = uint64(e.config.RetryAttempts)
	}
	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx),
		notify)
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// placeProtective guards a standalone trend entry with a reduce-only stop
// and an optional take-profit. Grid orders exit through the opposite side
// of the grid and DCA add-ons share the primary entry's stop, so neither
// gets its own protective legs.
func (e *Executor) placeProtective(ctx context.Context, sig *types.Signal, stats *ExecutionStats) {
	if !sig.Quantity.IsPositive() || sig.Strategy != types.StrategyTrend {
		return
	}

	closeSide := sig.Side.Opposite()

	if _, err := e.exchange.CreateOrder(ctx, &exchange.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       closeSide,
		Type:       types.OrderTypeStopMarket,
		Quantity:   sig.Quantity,
		StopPrice:  sig.StopLoss,
		ReduceOnly: true,
	}); err != nil {
		stats.ProtectiveFailed++
		e.logger.Error("Failed to place protective stop",
			zap.String("symbol", sig.Symbol),
			zap.String("stop", sig.StopLoss.String()),
			zap.Error(err))
	}

	if !sig.TakeProfit.IsPositive() {
		return
	}
	if _, err := e.exchange.CreateOrder(ctx, &exchange.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       closeSide,
		Type:       types.OrderTypeTakeProfitMarket,
		Quantity:   sig.Quantity,
		StopPrice:  sig.TakeProfit,
		ReduceOnly: true,
	}); err != nil {
		stats.ProtectiveFailed++
		e.logger.Error("Failed to place take-profit",
			zap.String("symbol", sig.Symbol),
			zap.String("target", sig.TakeProfit.String()),
			zap.Error(err))
	}
}

func requestFromSignal(sig *types.Signal) *exchange.OrderRequest {
	req := &exchange.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Type:     sig.Type,
		Quantity: sig.Quantity,
	}
	if sig.Type == types.OrderTypeLimit {
		req.Price = sig.EntryPrice
		req.TimeInForce = sig.TimeInForce
	}
	return req
}
