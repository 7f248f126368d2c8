// Package config_test provides tests for configuration loading.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rrychs1/paisajes-de-poincare/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if len(cfg.Trading.Symbols) != 2 {
		t.Errorf("Expected 2 default symbols, got %d", len(cfg.Trading.Symbols))
	}
	if cfg.Trading.Symbols[0] != "BTC/USDT" {
		t.Errorf("Unexpected first symbol: %s", cfg.Trading.Symbols[0])
	}
	if cfg.Trading.Timeframe != "1m" {
		t.Errorf("Unexpected timeframe: %s", cfg.Trading.Timeframe)
	}
	if cfg.Risk.RiskPerTrade != 0.005 {
		t.Errorf("Unexpected risk per trade: %v", cfg.Risk.RiskPerTrade)
	}
	if cfg.Risk.LossStreakLimit != 3 {
		t.Errorf("Unexpected loss streak limit: %d", cfg.Risk.LossStreakLimit)
	}
	if cfg.Risk.Cooldown != 30*time.Minute {
		t.Errorf("Unexpected cooldown: %v", cfg.Risk.Cooldown)
	}
	if cfg.Execution.MaxOpenOrders != 50 {
		t.Errorf("Unexpected max open orders: %d", cfg.Execution.MaxOpenOrders)
	}
	if cfg.Execution.RetryAttempts != 2 {
		t.Errorf("Unexpected retry attempts: %d", cfg.Execution.RetryAttempts)
	}
	if cfg.Execution.CancelStaleAfter != 0 {
		t.Errorf("Stale cancellation should be off by default, got %v", cfg.Execution.CancelStaleAfter)
	}
	if !cfg.Exchange.Testnet {
		t.Error("Testnet should be the default environment")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
trading:
  symbols: ["solusdt"]
  timeframe: "5m"
  poll_interval: "10s"
risk:
  risk_per_trade: 0.01
execution:
  cancel_stale_after: "5m"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Trading.Symbols) != 1 || cfg.Trading.Symbols[0] != "SOL/USDT" {
		t.Errorf("Symbol not normalized: %v", cfg.Trading.Symbols)
	}
	if cfg.Trading.Timeframe != "5m" {
		t.Errorf("Unexpected timeframe: %s", cfg.Trading.Timeframe)
	}
	if cfg.Trading.PollInterval != 10*time.Second {
		t.Errorf("Unexpected poll interval: %v", cfg.Trading.PollInterval)
	}
	if cfg.Risk.RiskPerTrade != 0.01 {
		t.Errorf("Unexpected risk per trade: %v", cfg.Risk.RiskPerTrade)
	}
	if cfg.Execution.CancelStaleAfter != 5*time.Minute {
		t.Errorf("Unexpected stale threshold: %v", cfg.Execution.CancelStaleAfter)
	}
	// Untouched sections keep their defaults.
	if cfg.Execution.MaxOpenOrders != 50 {
		t.Errorf("Default max open orders lost: %d", cfg.Execution.MaxOpenOrders)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOT_EXCHANGE_API_KEY", "key-from-env")
	t.Setenv("BINANCE_API_SECRET", "secret-from-env")
	t.Setenv("BOT_TRADING_TIMEFRAME", "15m")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Exchange.APIKey != "key-from-env" {
		t.Errorf("API key not read from env: %q", cfg.Exchange.APIKey)
	}
	if cfg.Exchange.APISecret != "secret-from-env" {
		t.Errorf("API secret not read from legacy env name: %q", cfg.Exchange.APISecret)
	}
	if cfg.Trading.Timeframe != "15m" {
		t.Errorf("Timeframe not read from env: %q", cfg.Trading.Timeframe)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad timeframe", "trading:\n  timeframe: \"1x\"\n"},
		{"no symbols", "trading:\n  symbols: []\n"},
		{"bad margin type", "trading:\n  margin_type: \"hedged\"\n"},
		{"risk out of range", "risk:\n  risk_per_trade: 1.5\n"},
		{"negative retries", "execution:\n  retry_attempts: -1\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("Failed to write config file: %v", err)
			}
			if _, err := config.Load(path); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}
