// Package config loads agent configuration from file and environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
	"github.com/rrychs1/paisajes-de-poincare/pkg/utils"
)

// envPrefix is the prefix for environment overrides, e.g. BOT_EXCHANGE_API_KEY.
const envPrefix = "BOT"

// Load reads configuration from the given file (optional) and the
// environment, layered over the defaults from types.DefaultConfig.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	setDefaults(v, types.DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credentials also honor the bare exchange variable names.
	v.BindEnv("exchange.api_key", "BOT_EXCHANGE_API_KEY", "BINANCE_API_KEY")
	v.BindEnv("exchange.api_secret", "BOT_EXCHANGE_API_SECRET", "BINANCE_API_SECRET")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i, sym := range cfg.Trading.Symbols {
		cfg.Trading.Symbols[i] = utils.FormatSymbol(sym)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func Validate(cfg *types.Config) error {
	if len(cfg.Trading.Symbols) == 0 {
		return fmt.Errorf("config: at least one trading symbol is required")
	}
	if _, err := utils.ParseTimeframe(cfg.Trading.Timeframe); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Trading.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if cfg.Trading.MaxLeverage < 1 {
		return fmt.Errorf("config: max_leverage must be at least 1")
	}
	switch types.MarginType(cfg.Trading.MarginType) {
	case types.MarginTypeIsolated, types.MarginTypeCrossed:
	default:
		return fmt.Errorf("config: unknown margin_type %q", cfg.Trading.MarginType)
	}
	if cfg.Risk.RiskPerTrade <= 0 || cfg.Risk.RiskPerTrade >= 1 {
		return fmt.Errorf("config: risk_per_trade must be in (0, 1)")
	}
	if cfg.Risk.MaxPositionPct <= 0 || cfg.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("config: max_position_pct must be in (0, 1]")
	}
	if cfg.Risk.MaxDailyLossPct <= 0 || cfg.Risk.MaxDailyLossPct >= 1 {
		return fmt.Errorf("config: max_daily_loss_pct must be in (0, 1)")
	}
	if cfg.Execution.RetryAttempts < 0 {
		return fmt.Errorf("config: retry_attempts must not be negative")
	}
	if cfg.Exchange.RateLimitPerSec < 1 {
		return fmt.Errorf("config: rate_limit_per_sec must be at least 1")
	}
	return nil
}

// setDefaults registers every known key so environment overrides are picked
// up by Unmarshal even without a config file.
func setDefaults(v *viper.Viper, d types.Config) {
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.testnet", d.Exchange.Testnet)
	v.SetDefault("exchange.request_timeout", d.Exchange.RequestTimeout)
	v.SetDefault("exchange.rate_limit_per_sec", d.Exchange.RateLimitPerSec)

	v.SetDefault("trading.symbols", d.Trading.Symbols)
	v.SetDefault("trading.timeframe", d.Trading.Timeframe)
	v.SetDefault("trading.poll_interval", d.Trading.PollInterval)
	v.SetDefault("trading.max_signals_per_symbol", d.Trading.MaxSignalsPerSymbol)
	v.SetDefault("trading.max_leverage", d.Trading.MaxLeverage)
	v.SetDefault("trading.margin_type", d.Trading.MarginType)
	v.SetDefault("trading.metrics_interval", d.Trading.MetricsInterval)
	v.SetDefault("trading.max_runtime", d.Trading.MaxRuntime)
	v.SetDefault("trading.account_currency", d.Trading.AccountCurrency)

	v.SetDefault("risk.risk_per_trade", d.Risk.RiskPerTrade)
	v.SetDefault("risk.max_position_pct", d.Risk.MaxPositionPct)
	v.SetDefault("risk.max_daily_loss_pct", d.Risk.MaxDailyLossPct)
	v.SetDefault("risk.loss_streak_limit", d.Risk.LossStreakLimit)
	v.SetDefault("risk.cooldown", d.Risk.Cooldown)
	v.SetDefault("risk.min_notional", d.Risk.MinNotional)

	v.SetDefault("execution.max_open_orders", d.Execution.MaxOpenOrders)
	v.SetDefault("execution.retry_attempts", d.Execution.RetryAttempts)
	v.SetDefault("execution.retry_backoff", d.Execution.RetryBackoff)
	v.SetDefault("execution.cancel_stale_after", d.Execution.CancelStaleAfter)
	v.SetDefault("execution.skip_duplicates", d.Execution.SkipDuplicates)

	v.SetDefault("data.dir", d.Data.Dir)
	v.SetDefault("data.retention_days", d.Data.RetentionDays)
	v.SetDefault("data.backfill_limit", d.Data.BackfillLimit)
	v.SetDefault("data.stream_enabled", d.Data.StreamEnabled)

	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("state.redis_addr", d.State.RedisAddr)
	v.SetDefault("state.redis_password", d.State.RedisPassword)
	v.SetDefault("state.redis_db", d.State.RedisDB)

	v.SetDefault("alerts.webhook_url", d.Alerts.WebhookURL)
	v.SetDefault("alerts.telegram_token", d.Alerts.TelegramToken)
	v.SetDefault("alerts.telegram_chat_id", d.Alerts.TelegramChatID)
	v.SetDefault("alerts.cooldown", d.Alerts.Cooldown)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
}
