// Package main runs the regime-aware futures trading agent.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rrychs1/paisajes-de-poincare/internal/alerts"
	"github.com/rrychs1/paisajes-de-poincare/internal/api"
	"github.com/rrychs1/paisajes-de-poincare/internal/config"
	"github.com/rrychs1/paisajes-de-poincare/internal/data"
	"github.com/rrychs1/paisajes-de-poincare/internal/engine"
	"github.com/rrychs1/paisajes-de-poincare/internal/exchange"
	"github.com/rrychs1/paisajes-de-poincare/internal/execution"
	"github.com/rrychs1/paisajes-de-poincare/internal/metrics"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
	"github.com/rrychs1/paisajes-de-poincare/internal/risk"
	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/internal/strategy"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	flag.Parse()

	// Local overrides; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	logger.Info("Starting trading agent",
		zap.Strings("symbols", cfg.Trading.Symbols),
		zap.String("timeframe", cfg.Trading.Timeframe),
		zap.Bool("testnet", cfg.Exchange.Testnet),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	store := openStore(logger, &cfg.State)
	defer store.Close()

	client := exchange.NewBinanceFutures(logger, exchange.BinanceConfig{
		APIKey:          cfg.Exchange.APIKey,
		APISecret:       cfg.Exchange.APISecret,
		Testnet:         cfg.Exchange.Testnet,
		RequestTimeout:  cfg.Exchange.RequestTimeout,
		RateLimitPerSec: cfg.Exchange.RateLimitPerSec,
	})
	if err := client.LoadMarkets(ctx); err != nil {
		logger.Fatal("Failed to load exchange markets", zap.Error(err))
	}

	equity := risk.EquityFunc(func(ctx context.Context) (decimal.Decimal, error) {
		balances, err := client.FetchBalance(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		return balances[cfg.Trading.AccountCurrency].Total, nil
	})

	riskEngine := risk.NewEngine(logger, &risk.EngineConfig{
		RiskPerTrade:    cfg.Risk.RiskPerTrade,
		MaxPositionPct:  cfg.Risk.MaxPositionPct,
		MaxLeverage:     cfg.Trading.MaxLeverage,
		DailyMaxLossPct: cfg.Risk.MaxDailyLossPct,
		LossStreakLimit: cfg.Risk.LossStreakLimit,
		CooldownPeriod:  cfg.Risk.Cooldown,
		MinNotional:     decimal.NewFromFloat(cfg.Risk.MinNotional),
	}, store, equity)

	executor := execution.NewExecutor(logger, &execution.ExecutorConfig{
		MaxOpenOrders:    cfg.Execution.MaxOpenOrders,
		RetryAttempts:    cfg.Execution.RetryAttempts,
		RetryBackoff:     cfg.Execution.RetryBackoff,
		CancelStaleAfter: cfg.Execution.CancelStaleAfter,
		SkipDuplicates:   cfg.Execution.SkipDuplicates,
	}, client, store)

	coordinator := execution.NewCoordinator(logger, nil, client, store)
	detector := regime.NewDetector(logger, nil)
	router := strategy.NewRouter(logger,
		strategy.NewGridStrategy(logger, nil),
		strategy.NewTrendStrategy(logger, nil),
	)

	candleFiles, err := data.NewCandleStore(logger, cfg.Data.Dir)
	if err != nil {
		logger.Fatal("Failed to open candle store", zap.Error(err))
	}
	candles := data.NewEngine(logger, &data.EngineConfig{
		BackfillLimit: cfg.Data.BackfillLimit,
		RetentionDays: cfg.Data.RetentionDays,
	}, client, store, candleFiles)

	alertManager := setupAlerts(logger, &cfg.Alerts)
	agentMetrics := metrics.New(logger, &metrics.Config{LogInterval: cfg.Trading.MetricsInterval})

	hub := api.NewHub(logger)
	go hub.Run()

	agent := engine.New(logger, &engine.Config{
		Symbols:             cfg.Trading.Symbols,
		Timeframe:           cfg.Trading.Timeframe,
		PollInterval:        cfg.Trading.PollInterval,
		MaxSignalsPerSymbol: cfg.Trading.MaxSignalsPerSymbol,
		MaxLeverage:         cfg.Trading.MaxLeverage,
		MarginType:          types.MarginType(cfg.Trading.MarginType),
		MaxRuntime:          cfg.Trading.MaxRuntime,
		AccountCurrency:     cfg.Trading.AccountCurrency,
	}, engine.Deps{
		Exchange:    client,
		Store:       store,
		Candles:     candles,
		Detector:    detector,
		Coordinator: coordinator,
		Executor:    executor,
		Risk:        riskEngine,
		Equity:      equity,
		Router:      router,
		Alerts:      alertManager,
		Metrics:     agentMetrics,
		Events:      hub,
	})

	server := api.NewServer(logger, &cfg.Server, agent, agentMetrics, hub)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server stopped", zap.Error(err))
			cancel()
		}
	}()

	if err := agent.Setup(ctx); err != nil {
		logger.Fatal("Agent setup failed", zap.Error(err))
	}

	if cfg.Data.StreamEnabled {
		go candles.RunStream(ctx, client, cfg.Trading.Symbols, cfg.Trading.Timeframe)
	}

	agent.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Ops server shutdown error", zap.Error(err))
	}

	logger.Info("Agent stopped")
}

func openStore(logger *zap.Logger, cfg *types.StateConfig) state.Store {
	if cfg.RedisAddr != "" {
		store, err := state.NewRedisStore(logger, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		return store
	}

	store, err := state.NewFileStore(logger, cfg.Path)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}
	return store
}

func setupAlerts(logger *zap.Logger, cfg *types.AlertConfig) *alerts.Manager {
	var sinks []alerts.Sink
	if cfg.WebhookURL != "" {
		sinks = append(sinks, alerts.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" {
		sink, err := alerts.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Warn("Telegram sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	managerCfg := alerts.DefaultManagerConfig()
	if cfg.Cooldown > 0 {
		managerCfg.Cooldown = cfg.Cooldown
	}
	return alerts.NewManager(logger, managerCfg, sinks...)
}

func setupLogger(level, file string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	if file != "" {
		outputs = append(outputs, file)
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
