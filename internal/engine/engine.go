// Package engine drives the trading loop: one cycle per poll interval,
// symbols processed sequentially. Each cycle refreshes candles, classifies
// the regime, runs the transition protocol, routes and sizes signals,
// executes them and syncs realized trades back into the risk engine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/alerts"
	"github.com/rrychs1/paisajes-de-poincare/internal/data"
	"github.com/rrychs1/paisajes-de-poincare/internal/exchange"
	"github.com/rrychs1/paisajes-de-poincare/internal/execution"
	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/internal/metrics"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
	"github.com/rrychs1/paisajes-de-poincare/internal/risk"
	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/internal/strategy"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// tradeSyncBatch caps how many trades one sync call pulls.
const tradeSyncBatch = 100

// Config holds the control loop settings.
type Config struct {
	Symbols             []string
	Timeframe           string
	PollInterval        time.Duration
	MaxSignalsPerSymbol int
	MaxLeverage         int
	MarginType          types.MarginType
	MaxRuntime          time.Duration // zero means run until canceled
	AccountCurrency     string
	Clock               func() time.Time
}

// EventSink receives loop events for live observers. Implementations must
// not block; the loop publishes inline.
type EventSink interface {
	Publish(event string, payload any)
}

// Engine owns one trading loop over the configured symbols.
type Engine struct {
	logger      *zap.Logger
	config      *Config
	exchange    exchange.Exchange
	store       state.Store
	candles     *data.Engine
	detector    *regime.Detector
	coordinator *execution.Coordinator
	executor    *execution.Executor
	risk        *risk.Engine
	equity      risk.EquityProvider
	router      *strategy.Router
	alerts      *alerts.Manager
	metrics     *metrics.Metrics
	events      EventSink
	now         func() time.Time

	mu           sync.RWMutex
	lastReported map[string]regime.Regime
	sizeBlocked  map[string]bool
	symbolStatus map[string]*SymbolStatus
}

// Deps bundles the engine's collaborators. Alerts, metrics, equity and
// events may be nil; the loop degrades to logging only.
type Deps struct {
	Exchange    exchange.Exchange
	Store       state.Store
	Candles     *data.Engine
	Detector    *regime.Detector
	Coordinator *execution.Coordinator
	Executor    *execution.Executor
	Risk        *risk.Engine
	Equity      risk.EquityProvider
	Router      *strategy.Router
	Alerts      *alerts.Manager
	Metrics     *metrics.Metrics
	Events      EventSink
}

// New creates the engine.
func New(logger *zap.Logger, config *Config, deps Deps) *Engine {
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Engine{
		logger:       logger.Named("engine"),
		config:       config,
		exchange:     deps.Exchange,
		store:        deps.Store,
		candles:      deps.Candles,
		detector:     deps.Detector,
		coordinator:  deps.Coordinator,
		executor:     deps.Executor,
		risk:         deps.Risk,
		equity:       deps.Equity,
		router:       deps.Router,
		alerts:       deps.Alerts,
		metrics:      deps.Metrics,
		events:       deps.Events,
		now:          now,
		lastReported: make(map[string]regime.Regime),
		sizeBlocked:  make(map[string]bool),
		symbolStatus: make(map[string]*SymbolStatus),
	}
}

// Setup prepares the account and the candle cache: margin type and leverage
// per symbol (best effort) and the initial backfill. Call once before Run.
func (e *Engine) Setup(ctx context.Context) error {
	for _, symbol := range e.config.Symbols {
		if err := e.exchange.SetMarginType(ctx, symbol, e.config.MarginType); err != nil {
			e.logger.Warn("Margin type setup failed",
				zap.String("symbol", symbol), zap.Error(err))
		}
		if err := e.exchange.SetLeverage(ctx, symbol, e.config.MaxLeverage); err != nil {
			e.logger.Warn("Leverage setup failed",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	for _, symbol := range e.config.Symbols {
		window, err := e.candles.Backfill(ctx, symbol, e.config.Timeframe)
		if err != nil {
			return fmt.Errorf("engine: initial backfill %s: %w", symbol, err)
		}
		e.logger.Info("Initial backfill complete",
			zap.String("symbol", symbol),
			zap.Int("candles", len(window)))
	}
	return nil
}

// Run executes cycles until the context is canceled or the optional max
// runtime elapses. A cycle error is logged and counted, never fatal: the
// next cycle starts on schedule.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Trading loop started",
		zap.Strings("symbols", e.config.Symbols),
		zap.String("timeframe", e.config.Timeframe),
		zap.Duration("poll_interval", e.config.PollInterval))

	start := e.now()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		cycleStart := e.now()
		e.RunOnce(ctx)
		if e.metrics != nil {
			e.metrics.Observe(metrics.KeyCycleMillis, float64(e.now().Sub(cycleStart).Milliseconds()))
			e.metrics.Flush(ctx, e.store)
		}

		if e.config.MaxRuntime > 0 && e.now().Sub(start) >= e.config.MaxRuntime {
			e.logger.Info("Max runtime reached", zap.Duration("elapsed", e.now().Sub(start)))
			return
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Trading loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes every symbol once. Symbols are sequential on purpose:
// risk and regime state have a single writer.
func (e *Engine) RunOnce(ctx context.Context) {
	windows := e.candles.UpdateCandles(ctx, e.config.Symbols, e.config.Timeframe)

	for _, symbol := range e.config.Symbols {
		symbolStart := e.now()
		if err := e.processSymbol(ctx, symbol, windows[symbol]); err != nil {
			e.logger.Error("Symbol cycle failed",
				zap.String("symbol", symbol), zap.Error(err))
			e.count(metrics.KeyErrors, 1)
			e.alert(ctx, "Trading cycle error for "+symbol, alerts.LevelError,
				map[string]any{"symbol": symbol, "error": err.Error()})
		}
		e.observe(metrics.KeySymbolCycleMillis, float64(e.now().Sub(symbolStart).Milliseconds()))
	}
	e.count(metrics.KeyCycles, 1)
}

func (e *Engine) processSymbol(ctx context.Context, symbol string, window []types.Candle) error {
	if len(window) == 0 {
		e.logger.Debug("No candles, skipping symbol", zap.String("symbol", symbol))
		return nil
	}

	snap, ok := indicators.ComputeSnapshot(window)
	if !ok {
		return nil
	}
	price := window[len(window)-1].Close

	// The transition coordinator reads ATR from the store, so persist it
	// before any transition can fire this cycle.
	if snap.ATR > 0 {
		if err := e.store.UpsertState(ctx, state.ATRKey(symbol), snap.ATR); err != nil {
			e.logger.Warn("Failed to persist ATR",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	confirmed := e.detector.Update(symbol, snap)
	e.count("regime_"+lower(confirmed), 1)
	e.reportRegime(ctx, symbol, confirmed, snap)

	previous := e.storedRegime(ctx, symbol)
	outcome := e.coordinator.HandleTransition(ctx, symbol, confirmed, previous)
	e.reportTransition(ctx, outcome)

	gridBlocked := e.gridBlocked(ctx, symbol)
	if confirmed == regime.Range && gridBlocked {
		if e.coordinator.UnblockIfFlat(ctx, symbol) {
			gridBlocked = false
		}
	}

	cooling, err := e.risk.InCooldown(ctx, symbol)
	if err != nil {
		e.logger.Warn("Cooldown check failed",
			zap.String("symbol", symbol), zap.Error(err))
	}
	if cooling {
		e.logger.Warn("Cooldown active, skipping signals", zap.String("symbol", symbol))
		e.count(metrics.KeyCooldownSkips, 1)
		e.updateStatus(symbol, confirmed, gridBlocked, true, 0, nil)
		return nil
	}

	var signals []*types.Signal
	if confirmed == regime.Range && gridBlocked {
		e.logger.Info("Grid blocked, skipping grid signals", zap.String("symbol", symbol))
	} else {
		signals = e.router.Route(confirmed, symbol, window, snap, price)
	}

	if max := e.config.MaxSignalsPerSymbol; max > 0 && len(signals) > max {
		e.logger.Info("Trimming signals",
			zap.String("symbol", symbol),
			zap.Int("from", len(signals)),
			zap.Int("to", max))
		e.count(metrics.KeySignalsTrimmed, float64(len(signals)-max))
		signals = signals[:max]
	}
	e.count(metrics.KeySignals, float64(len(signals)))

	if err := e.risk.SizeSignals(ctx, signals); err != nil {
		e.logger.Warn("Signal sizing failed",
			zap.String("symbol", symbol), zap.Error(err))
	}
	sized := 0
	for _, sig := range signals {
		if sig.Quantity.IsPositive() {
			sized++
		}
	}
	e.count(metrics.KeySignalsSized, float64(sized))
	e.reportSizeBlocked(ctx, symbol, len(signals))

	stats := e.executor.Execute(ctx, signals)
	e.recordExecution(stats)

	if err := e.syncTrades(ctx, symbol); err != nil {
		e.logger.Warn("Trade sync failed",
			zap.String("symbol", symbol), zap.Error(err))
	}

	e.updateStatus(symbol, confirmed, gridBlocked, false, len(signals), stats)
	e.publish("cycle", map[string]any{
		"symbol":  symbol,
		"regime":  string(confirmed),
		"signals": len(signals),
		"placed":  stats.Placed,
	})

	e.logger.Info("Cycle processed",
		zap.String("symbol", symbol),
		zap.String("regime", string(confirmed)),
		zap.Int("signals", len(signals)),
		zap.Int("placed", stats.Placed))
	return nil
}

// reportRegime alerts on confirmed-regime changes and sends the indicator
// summary whenever the reported value moves.
func (e *Engine) reportRegime(ctx context.Context, symbol string, confirmed regime.Regime, snap *indicators.Snapshot) {
	e.mu.Lock()
	prev, seen := e.lastReported[symbol]
	changed := seen && prev != confirmed
	e.lastReported[symbol] = confirmed
	e.mu.Unlock()

	if !seen && confirmed == regime.Unknown {
		return
	}
	if !changed && seen {
		return
	}

	if changed {
		msg := formatRegimeChange(symbol, prev, confirmed, snap.ADX)
		e.logger.Info(msg)
		e.alert(ctx, msg, alerts.LevelInfo,
			map[string]any{"symbol": symbol, "regime": string(confirmed)})
		e.publish("regime_change", map[string]any{
			"symbol": symbol,
			"from":   string(prev),
			"to":     string(confirmed),
		})
	}

	summary := formatRegimeSummary(symbol, confirmed, snap)
	e.logger.Info(summary)
	e.alert(ctx, summary, alerts.LevelInfo,
		map[string]any{"symbol": symbol, "regime": string(confirmed)})
}

// reportTransition alerts the protocol report for the two acting edges.
func (e *Engine) reportTransition(ctx context.Context, outcome *execution.TransitionOutcome) {
	var msg, name string
	switch {
	case outcome.From == regime.Range && outcome.To == regime.Trend:
		msg, name = formatRangeToTrend(outcome), "RANGE->TREND"
	case outcome.From == regime.Trend && outcome.To == regime.Range:
		msg, name = formatTrendToRange(outcome), "TREND->RANGE"
	default:
		return
	}

	e.logger.Info(msg)
	e.alert(ctx, msg, alerts.LevelInfo,
		map[string]any{"symbol": outcome.Symbol, "transition": name})
	e.publish("transition", outcome)
}

// reportSizeBlocked sends a one-shot notice per symbol while the
// kill-switch is zeroing signal sizes; the flag re-arms once it clears.
func (e *Engine) reportSizeBlocked(ctx context.Context, symbol string, signalCount int) {
	active := e.risk.KillSwitchActive(ctx)

	e.mu.Lock()
	reported := e.sizeBlocked[symbol]
	switch {
	case active && signalCount > 0 && !reported:
		e.sizeBlocked[symbol] = true
	case !active:
		e.sizeBlocked[symbol] = false
	}
	e.mu.Unlock()

	if active && signalCount > 0 && !reported {
		msg := formatSizeBlocked()
		e.logger.Info(msg)
		e.alert(ctx, msg, alerts.LevelInfo, map[string]any{"symbol": symbol})
	}
}

// syncTrades pulls fills newer than the persisted watermark, records new
// realized PnL into the risk engine and re-checks the drawdown limit.
func (e *Engine) syncTrades(ctx context.Context, symbol string) error {
	lastMs, _, err := state.Get[int64](ctx, e.store, state.LastTradeTSKey(symbol))
	if err != nil {
		return fmt.Errorf("load trade watermark: %w", err)
	}

	var since time.Time
	if lastMs > 0 {
		since = time.UnixMilli(lastMs)
	}
	trades, err := e.exchange.FetchMyTrades(ctx, symbol, since, tradeSyncBatch)
	if err != nil {
		return fmt.Errorf("fetch trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	killBefore := e.risk.KillSwitchActive(ctx)
	maxTs := lastMs
	for _, trade := range trades {
		if ts := trade.Timestamp.UnixMilli(); ts > maxTs {
			maxTs = ts
		}

		seen, err := e.store.TradeExists(ctx, trade.ID)
		if err != nil {
			e.logger.Warn("Trade dedup check failed",
				zap.String("id", trade.ID), zap.Error(err))
			continue
		}
		if !seen && !trade.RealizedPnL.IsZero() {
			e.recordRealized(ctx, symbol, trade.RealizedPnL)
		}
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Warn("Failed to save trade",
				zap.String("id", trade.ID), zap.Error(err))
		}
	}

	e.checkKillSwitchEdge(ctx, symbol, killBefore)

	if maxTs > lastMs {
		if err := e.store.UpsertState(ctx, state.LastTradeTSKey(symbol), maxTs); err != nil {
			return fmt.Errorf("persist trade watermark: %w", err)
		}
	}
	return nil
}

func (e *Engine) recordRealized(ctx context.Context, symbol string, pnl decimal.Decimal) {
	e.logger.Info("Realized PnL",
		zap.String("symbol", symbol),
		zap.String("pnl", pnl.String()))
	if err := e.risk.RecordTrade(ctx, symbol, pnl); err != nil {
		e.logger.Warn("Failed to record trade",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}

	status := e.risk.Status(ctx)
	if pnl.IsNegative() {
		msg := formatTradeLoss(pnl, status.DailyPnL, e.config.AccountCurrency)
		e.logger.Info(msg)
		e.alert(ctx, msg, alerts.LevelWarning, map[string]any{"symbol": symbol})
	} else {
		msg := formatTradeWin(symbol, pnl, e.config.AccountCurrency)
		e.logger.Info(msg)
		e.alert(ctx, msg, alerts.LevelInfo, map[string]any{"symbol": symbol})
	}
}

// checkKillSwitchEdge re-runs the drawdown check against fresh equity and
// fires the CRITICAL alert exactly on the off-to-on edge.
func (e *Engine) checkKillSwitchEdge(ctx context.Context, symbol string, killBefore bool) {
	if e.equity == nil {
		return
	}
	equity, err := e.equity.Equity(ctx)
	if err != nil {
		e.logger.Warn("Equity fetch failed for drawdown check", zap.Error(err))
		return
	}

	killNow := e.risk.CheckDailyDrawdown(ctx, equity)
	e.gauge(metrics.KeyEquity, equity.InexactFloat64())
	status := e.risk.Status(ctx)
	e.gauge(metrics.KeyDailyPnL, status.DailyPnL.InexactFloat64())
	e.gauge(metrics.KeyKillSwitch, boolGauge(killNow))

	if killNow && !killBefore {
		msg := formatKillSwitch(status.DailyPnL, equity, e.config.AccountCurrency)
		e.logger.Warn(msg)
		e.alert(ctx, msg, alerts.LevelCritical, map[string]any{"symbol": symbol})
		e.publish("kill_switch", map[string]any{
			"daily_pnl": status.DailyPnL.String(),
			"equity":    equity.String(),
		})
	}
}

func (e *Engine) storedRegime(ctx context.Context, symbol string) regime.Regime {
	value, ok, err := state.Get[string](ctx, e.store, state.RegimeKey(symbol))
	if err != nil {
		e.logger.Warn("Failed to load persisted regime",
			zap.String("symbol", symbol), zap.Error(err))
	}
	if !ok || value == "" {
		return regime.Unknown
	}
	return regime.Regime(value)
}

func (e *Engine) gridBlocked(ctx context.Context, symbol string) bool {
	blocked, _, err := state.Get[bool](ctx, e.store, state.GridBlockedKey(symbol))
	if err != nil {
		e.logger.Warn("Failed to load grid block",
			zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	return blocked
}

func (e *Engine) recordExecution(stats *execution.ExecutionStats) {
	e.count(metrics.KeyOrdersPlaced, float64(stats.Placed))
	e.count(metrics.KeyOrdersFailed, float64(stats.Failed))
	e.count(metrics.KeyOrdersSkipped, float64(stats.Skipped))
	e.count(metrics.KeyOrdersDuplicate, float64(stats.Duplicates))
	e.count(metrics.KeyOrdersStaleCancel, float64(stats.StaleCanceled))
	e.count(metrics.KeyOrderRetries, float64(stats.Retries))
	e.count(metrics.KeyProtectiveFailed, float64(stats.ProtectiveFailed))
}

func (e *Engine) alert(ctx context.Context, message string, level alerts.Level, meta map[string]any) {
	if e.alerts != nil {
		e.alerts.Send(ctx, message, level, meta)
	}
}

func (e *Engine) publish(event string, payload any) {
	if e.events != nil {
		e.events.Publish(event, payload)
	}
}

func (e *Engine) count(key string, delta float64) {
	if e.metrics != nil && delta != 0 {
		e.metrics.Add(key, delta)
	}
}

func (e *Engine) gauge(key string, value float64) {
	if e.metrics != nil {
		e.metrics.Set(key, value)
	}
}

func (e *Engine) observe(key string, value float64) {
	if e.metrics != nil {
		e.metrics.Observe(key, value)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func lower(r regime.Regime) string {
	switch r {
	case regime.Range:
		return "range"
	case regime.Trend:
		return "trend"
	default:
		return "unknown"
	}
}
