package engine

import (
	"context"
	"time"

	"github.com/rrychs1/paisajes-de-poincare/internal/execution"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
	"github.com/rrychs1/paisajes-de-poincare/internal/risk"
)

// SymbolStatus is the last processed cycle's view of one symbol.
type SymbolStatus struct {
	Symbol      string        `json:"symbol"`
	Regime      regime.Regime `json:"regime"`
	GridBlocked bool          `json:"grid_blocked"`
	InCooldown  bool          `json:"in_cooldown"`
	Signals     int           `json:"signals"`
	Placed      int           `json:"placed"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Status is the engine-wide snapshot served by the ops API.
type Status struct {
	Symbols map[string]*SymbolStatus `json:"symbols"`
	Risk    risk.Status              `json:"risk"`
}

func (e *Engine) updateStatus(symbol string, confirmed regime.Regime, gridBlocked, cooling bool, signals int, stats *execution.ExecutionStats) {
	status := &SymbolStatus{
		Symbol:      symbol,
		Regime:      confirmed,
		GridBlocked: gridBlocked,
		InCooldown:  cooling,
		Signals:     signals,
		UpdatedAt:   e.now().UTC(),
	}
	if stats != nil {
		status.Placed = stats.Placed
	}

	e.mu.Lock()
	e.symbolStatus[symbol] = status
	e.mu.Unlock()
}

// Status returns a copy of the current per-symbol and risk state.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.RLock()
	symbols := make(map[string]*SymbolStatus, len(e.symbolStatus))
	for k, v := range e.symbolStatus {
		copied := *v
		symbols[k] = &copied
	}
	e.mu.RUnlock()

	return Status{
		Symbols: symbols,
		Risk:    e.risk.Status(ctx),
	}
}
