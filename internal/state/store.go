// Package state provides the durable key-value store backing the agent.
//
// Values are JSON-encoded and every key is written atomically. Two backends
// exist: a single-file JSON store (the default) and Redis. The agent's
// control loop is the only writer, so no cross-key transactions are needed.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("state: key not found")

// Store is the persistence interface used across the agent.
type Store interface {
	GetState(ctx context.Context, key string) ([]byte, error)
	UpsertState(ctx context.Context, key string, value any) error
	DeleteState(ctx context.Context, key string) error

	SaveOrder(ctx context.Context, order *types.Order) error
	SaveTrade(ctx context.Context, trade *types.Trade) error
	TradeExists(ctx context.Context, tradeID string) (bool, error)
	SaveMetrics(ctx context.Context, record *MetricsRecord) error

	Close() error
}

// MetricsRecord is a point-in-time snapshot of counter values.
type MetricsRecord struct {
	At     time.Time          `json:"at"`
	Values map[string]float64 `json:"values"`
}

// Get reads and decodes a stored value. The second return value reports
// whether the key existed.
func Get[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var value T

	raw, err := s.GetState(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return value, true, nil
}

// Keys for the agent's durable state. Everything the loop needs to survive a
// restart goes through these.
const (
	KeyRiskDate       = "risk:date"
	KeyRiskDailyPnL   = "risk:daily_pnl"
	KeyRiskKillSwitch = "risk:kill_switch"
)

// RegimeKey stores the last confirmed regime for a symbol.
func RegimeKey(symbol string) string { return "regime:last:" + symbol }

// GridBlockedKey marks grid trading as blocked for a symbol.
func GridBlockedKey(symbol string) string { return "grid_blocked:" + symbol }

// GridStateKey stores active grid bookkeeping for a symbol.
func GridStateKey(symbol string) string { return "grid_state:" + symbol }

// ATRKey stores the latest ATR reading for a symbol.
func ATRKey(symbol string) string { return "atr:" + symbol }

// LossStreakKey stores the consecutive-loss count for a symbol.
func LossStreakKey(symbol string) string { return "risk:loss_streak:" + symbol }

// CooldownKey stores the cooldown expiry (unix ms) for a symbol.
func CooldownKey(symbol string) string { return "risk:cooldown_until:" + symbol }

// LastTradeTSKey stores the newest synced trade timestamp (unix ms) for a symbol.
func LastTradeTSKey(symbol string) string { return "last_trade_timestamp:" + symbol }

// LastCandleTSKey stores the newest persisted candle open time (unix ms).
func LastCandleTSKey(symbol, timeframe string) string {
	return "last_candle_timestamp:" + symbol + ":" + timeframe
}
