// Package risk enforces account-level guardrails: a daily drawdown
// kill-switch, per-symbol loss-streak cooldowns and risk-based position
// sizing. State survives restarts through the state store and rolls over
// at UTC midnight.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// EngineConfig configures the risk engine.
type EngineConfig struct {
	RiskPerTrade    float64          // fraction of equity risked per trade (default 0.5%)
	MaxPositionPct  float64          // max position notional as fraction of equity (default 25%)
	MaxLeverage     int              // leverage multiplier applied to the position cap (default 20)
	DailyMaxLossPct float64          // daily loss fraction that trips the kill-switch (default 2%)
	LossStreakLimit int              // consecutive losses before a cooldown (default 3)
	CooldownPeriod  time.Duration    // how long a symbol stays in cooldown (default 30m)
	MinNotional     decimal.Decimal  // orders below this value are rejected as dust
	Clock           func() time.Time // current time source, defaults to time.Now
}

// DefaultEngineConfig returns conservative defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		RiskPerTrade:    0.005, // 0.5% per trade
		MaxPositionPct:  0.25,  // 25% of equity
		MaxLeverage:     20,
		DailyMaxLossPct: 0.02, // 2% daily stop
		LossStreakLimit: 3,
		CooldownPeriod:  30 * time.Minute,
		MinNotional:     decimal.NewFromInt(5),
	}
}

// EquityProvider supplies current account equity for sizing.
type EquityProvider interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// EquityFunc adapts a function to the EquityProvider interface.
type EquityFunc func(ctx context.Context) (decimal.Decimal, error)

// Equity implements EquityProvider.
func (f EquityFunc) Equity(ctx context.Context) (decimal.Decimal, error) { return f(ctx) }

// Engine tracks daily PnL and enforces the risk limits.
type Engine struct {
	logger *zap.Logger
	config *EngineConfig
	store  state.Store
	equity EquityProvider
	now    func() time.Time

	// Daily state, loaded lazily from the store
	mu         sync.Mutex
	loaded     bool
	day        string
	dailyPnL   decimal.Decimal
	killSwitch bool
}

// NewEngine creates a risk engine. equity may be nil, in which case
// SizeSignals leaves signals unsized.
func NewEngine(logger *zap.Logger, config *EngineConfig, store state.Store, equity EquityProvider) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Engine{
		logger: logger.Named("risk"),
		config: config,
		store:  store,
		equity: equity,
		now:    now,
	}
}

// ensureStateLocked loads persisted daily state on first use and resets it
// when the UTC day has changed. The rollover is the only path that clears
// the kill-switch.
func (e *Engine) ensureStateLocked(ctx context.Context) {
	if !e.loaded {
		if day, ok, err := state.Get[string](ctx, e.store, state.KeyRiskDate); err != nil {
			e.logger.Warn("Failed to load risk date", zap.Error(err))
		} else if ok {
			e.day = day
		}
		if pnl, ok, err := state.Get[decimal.Decimal](ctx, e.store, state.KeyRiskDailyPnL); err != nil {
			e.logger.Warn("Failed to load daily pnl", zap.Error(err))
		} else if ok {
			e.dailyPnL = pnl
		}
		if kill, ok, err := state.Get[bool](ctx, e.store, state.KeyRiskKillSwitch); err != nil {
			e.logger.Warn("Failed to load kill-switch", zap.Error(err))
		} else if ok {
			e.killSwitch = kill
		}
		e.loaded = true
	}

	today := e.now().UTC().Format("2006-01-02")
	if e.day == today {
		return
	}

	if e.day != "" {
		e.logger.Info("Daily risk state rolled over",
			zap.String("from", e.day),
			zap.String("to", today),
			zap.String("closed_pnl", e.dailyPnL.String()),
			zap.Bool("kill_switch_cleared", e.killSwitch))
	}
	e.day = today
	e.dailyPnL = decimal.Zero
	e.killSwitch = false
	e.persistLocked(ctx)
}

func (e *Engine) persistLocked(ctx context.Context) {
	if err := e.store.UpsertState(ctx, state.KeyRiskDate, e.day); err != nil {
		e.logger.Warn("Failed to persist risk date", zap.Error(err))
	}
	if err := e.store.UpsertState(ctx, state.KeyRiskDailyPnL, e.dailyPnL); err != nil {
		e.logger.Warn("Failed to persist daily pnl", zap.Error(err))
	}
	if err := e.store.UpsertState(ctx, state.KeyRiskKillSwitch, e.killSwitch); err != nil {
		e.logger.Warn("Failed to persist kill-switch", zap.Error(err))
	}
}

// RecordTrade folds a realized trade result into the daily PnL and the
// symbol's loss streak. Zero-PnL fills (fee-only rows, partial transfers)
// are ignored.
func (e *Engine) RecordTrade(ctx context.Context, symbol string, pnl decimal.Decimal) error {
	if pnl.IsZero() {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureStateLocked(ctx)

	e.dailyPnL = e.dailyPnL.Add(pnl)
	if err := e.store.UpsertState(ctx, state.KeyRiskDailyPnL, e.dailyPnL); err != nil {
		return fmt.Errorf("persist daily pnl: %w", err)
	}

	if pnl.IsPositive() {
		if err := e.store.UpsertState(ctx, state.LossStreakKey(symbol), 0); err != nil {
			return fmt.Errorf("reset loss streak: %w", err)
		}
		return nil
	}

	streak, _, err := state.Get[int](ctx, e.store, state.LossStreakKey(symbol))
	if err != nil {
		return fmt.Errorf("load loss streak: %w", err)
	}
	streak++
	if err := e.store.UpsertState(ctx, state.LossStreakKey(symbol), streak); err != nil {
		return fmt.Errorf("persist loss streak: %w", err)
	}

	if streak >= e.config.LossStreakLimit {
		until := e.now().Add(e.config.CooldownPeriod)
		if err := e.store.UpsertState(ctx, state.CooldownKey(symbol), until.UnixMilli()); err != nil {
			return fmt.Errorf("persist cooldown: %w", err)
		}
		e.logger.Warn("Loss streak cooldown armed",
			zap.String("symbol", symbol),
			zap.Int("streak", streak),
			zap.Time("until", until))
	}
	return nil
}

// InCooldown reports whether a symbol is cooling down after a loss streak.
// Expired entries are removed on read.
func (e *Engine) InCooldown(ctx context.Context, symbol string) (bool, error) {
	ms, ok, err := state.Get[int64](ctx, e.store, state.CooldownKey(symbol))
	if err != nil {
		return false, fmt.Errorf("load cooldown: %w", err)
	}
	if !ok {
		return false, nil
	}
	if e.now().Before(time.UnixMilli(ms)) {
		return true, nil
	}
	if err := e.store.DeleteState(ctx, state.CooldownKey(symbol)); err != nil {
		e.logger.Warn("Failed to clear expired cooldown",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return false, nil
}

// CheckDailyDrawdown latches the kill-switch when the day's realized loss
// exceeds the configured fraction of equity. Once tripped it stays on
// until the UTC day rolls over.
func (e *Engine) CheckDailyDrawdown(ctx context.Context, equity decimal.Decimal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureStateLocked(ctx)

	if e.killSwitch {
		return true
	}
	if !equity.IsPositive() {
		return e.killSwitch
	}

	loss := decimal.Max(decimal.Zero, e.dailyPnL.Neg())
	if loss.Div(equity).GreaterThan(decimal.NewFromFloat(e.config.DailyMaxLossPct)) {
		e.killSwitch = true
		if err := e.store.UpsertState(ctx, state.KeyRiskKillSwitch, true); err != nil {
			e.logger.Warn("Failed to persist kill-switch", zap.Error(err))
		}
		e.logger.Error("Daily drawdown limit hit, kill-switch engaged",
			zap.String("daily_pnl", e.dailyPnL.String()),
			zap.String("equity", equity.String()),
			zap.Float64("limit_pct", e.config.DailyMaxLossPct*100))
	}
	return e.killSwitch
}

// KillSwitchActive reports the current kill-switch state.
func (e *Engine) KillSwitchActive(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureStateLocked(ctx)
	return e.killSwitch
}

// CalculateSize returns the order quantity for a signal: the quantity that
// loses RiskPerTrade of equity if the stop is hit, capped by the maximum
// position notional and rejected entirely when below the exchange minimum.
// Returns zero when trading is blocked or inputs are unusable.
func (e *Engine) CalculateSize(ctx context.Context, equity, entry, stop decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureStateLocked(ctx)

	if e.killSwitch {
		return decimal.Zero
	}
	if !equity.IsPositive() || !entry.IsPositive() || !stop.IsPositive() || entry.Equal(stop) {
		return decimal.Zero
	}

	// 1. Risk-based quantity: lose RiskPerTrade of equity at the stop
	riskAmount := equity.Mul(decimal.NewFromFloat(e.config.RiskPerTrade))
	stopDistance := entry.Sub(stop).Abs()
	qty := riskAmount.Div(stopDistance)

	// 2. Cap by maximum position notional (with leverage)
	maxQty := equity.
		Mul(decimal.NewFromFloat(e.config.MaxPositionPct)).
		Mul(decimal.NewFromInt(int64(e.config.MaxLeverage))).
		Div(entry)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}

	// 3. Reject dust the exchange would refuse anyway
	if e.config.MinNotional.IsPositive() && qty.Mul(entry).LessThan(e.config.MinNotional) {
		e.logger.Debug("Size below minimum notional",
			zap.String("qty", qty.String()),
			zap.String("entry", entry.String()),
			zap.String("min_notional", e.config.MinNotional.String()))
		return decimal.Zero
	}
	return qty
}

// SizeSignals assigns quantities to signals in place. Without an equity
// provider signals pass through unsized. The drawdown check runs against
// the fetched equity before sizing, so a tripped kill-switch zeroes every
// quantity in the batch.
func (e *Engine) SizeSignals(ctx context.Context, signals []*types.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	if e.equity == nil {
		e.logger.Debug("No equity provider, signals pass through unsized")
		return nil
	}

	equity, err := e.equity.Equity(ctx)
	if err != nil {
		return fmt.Errorf("fetch equity: %w", err)
	}

	e.CheckDailyDrawdown(ctx, equity)

	for _, sig := range signals {
		sig.Quantity = e.CalculateSize(ctx, equity, sig.EntryPrice, sig.StopLoss)
	}
	return nil
}

// Status is a point-in-time view of the risk state for the ops API.
type Status struct {
	Date       string          `json:"date"`
	DailyPnL   decimal.Decimal `json:"daily_pnl"`
	KillSwitch bool            `json:"kill_switch"`
}

// Status returns the current daily risk state.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureStateLocked(ctx)

	return Status{
		Date:       e.day,
		DailyPnL:   e.dailyPnL,
		KillSwitch: e.killSwitch,
	}
}
