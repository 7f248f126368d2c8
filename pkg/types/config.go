// Package types provides configuration types for the trading agent.
package types

import "time"

// Config is the top-level agent configuration.
type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Data      DataConfig      `mapstructure:"data"`
	State     StateConfig     `mapstructure:"state"`
	Alerts    AlertConfig     `mapstructure:"alerts"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// ExchangeConfig represents exchange connectivity configuration.
type ExchangeConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	Testnet         bool          `mapstructure:"testnet"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec int           `mapstructure:"rate_limit_per_sec"`
}

// TradingConfig represents the trading loop configuration.
type TradingConfig struct {
	Symbols             []string      `mapstructure:"symbols"`
	Timeframe           string        `mapstructure:"timeframe"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxSignalsPerSymbol int           `mapstructure:"max_signals_per_symbol"`
	MaxLeverage         int           `mapstructure:"max_leverage"`
	MarginType          string        `mapstructure:"margin_type"`
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	MaxRuntime          time.Duration `mapstructure:"max_runtime"` // zero means unbounded
	AccountCurrency     string        `mapstructure:"account_currency"`
}

// RiskConfig represents risk engine parameters.
type RiskConfig struct {
	RiskPerTrade    float64       `mapstructure:"risk_per_trade"`
	MaxPositionPct  float64       `mapstructure:"max_position_pct"`
	MaxDailyLossPct float64       `mapstructure:"max_daily_loss_pct"`
	LossStreakLimit int           `mapstructure:"loss_streak_limit"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	MinNotional     float64       `mapstructure:"min_notional"`
}

// ExecutionConfig represents order executor parameters.
type ExecutionConfig struct {
	MaxOpenOrders    int           `mapstructure:"max_open_orders"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	CancelStaleAfter time.Duration `mapstructure:"cancel_stale_after"` // zero disables stale cancellation
	SkipDuplicates   bool          `mapstructure:"skip_duplicates"`
}

// DataConfig represents candle storage configuration.
type DataConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	BackfillLimit int    `mapstructure:"backfill_limit"`
	StreamEnabled bool   `mapstructure:"stream_enabled"`
}

// StateConfig represents durable state configuration.
type StateConfig struct {
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"` // set to use Redis instead of the file store
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// AlertConfig represents alert delivery configuration.
type AlertConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	TelegramToken  string        `mapstructure:"telegram_token"`
	TelegramChatID int64         `mapstructure:"telegram_chat_id"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
}

// ServerConfig represents the ops server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"` // optional second output path
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() Config {
	return Config{
		Exchange: ExchangeConfig{
			Testnet:         true,
			RequestTimeout:  30 * time.Second,
			RateLimitPerSec: 10,
		},
		Trading: TradingConfig{
			Symbols:             []string{"BTC/USDT", "ETH/USDT"},
			Timeframe:           "1m",
			PollInterval:        5 * time.Second,
			MaxSignalsPerSymbol: 5,
			MaxLeverage:         20,
			MarginType:          string(MarginTypeIsolated),
			MetricsInterval:     60 * time.Second,
			AccountCurrency:     "USDT",
		},
		Risk: RiskConfig{
			RiskPerTrade:    0.005,
			MaxPositionPct:  0.25,
			MaxDailyLossPct: 0.02,
			LossStreakLimit: 3,
			Cooldown:        30 * time.Minute,
			MinNotional:     5.0,
		},
		Execution: ExecutionConfig{
			MaxOpenOrders:  50,
			RetryAttempts:  2,
			RetryBackoff:   500 * time.Millisecond,
			SkipDuplicates: true,
		},
		Data: DataConfig{
			Dir:           "data",
			RetentionDays: 30,
			BackfillLimit: 1000,
		},
		State: StateConfig{
			Path: "data/state.json",
		},
		Alerts: AlertConfig{
			Cooldown: 5 * time.Minute,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
