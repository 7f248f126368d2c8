// Package data maintains the candle windows the rest of the agent reads.
// Candles are backfilled over REST, cached in memory, persisted per
// symbol and timeframe, and optionally refreshed by the live kline stream.
package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/state"
	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
	"github.com/rrychs1/paisajes-de-poincare/pkg/utils"
)

// EngineConfig configures the candle engine.
type EngineConfig struct {
	BackfillLimit int              // max candles per REST batch (default 1000)
	RetentionDays int              // persisted history horizon, 0 keeps everything
	PruneInterval time.Duration    // minimum time between prunes (default 10m)
	MaxCached     int              // in-memory window cap per symbol (default 1500)
	Clock         func() time.Time // overrides time.Now, for tests
}

// DefaultEngineConfig returns the default candle engine settings.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		BackfillLimit: 1000,
		RetentionDays: 30,
		PruneInterval: 10 * time.Minute,
		MaxCached:     1500,
	}
}

// CandleSource fetches historical candles, oldest first.
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]types.Candle, error)
}

// Engine keeps per-symbol candle windows current. The control loop is the
// only caller of Backfill and UpdateCandles; the stream handler may append
// closed candles concurrently, so the cache is locked.
type Engine struct {
	logger *zap.Logger
	config *EngineConfig
	source CandleSource
	store  state.Store
	files  *CandleStore
	now    func() time.Time

	mu        sync.Mutex
	cache     map[string][]types.Candle
	lastPrune map[string]time.Time
}

// NewEngine creates a candle engine. files may be nil to disable candle
// persistence.
func NewEngine(logger *zap.Logger, config *EngineConfig, source CandleSource, store state.Store, files *CandleStore) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.BackfillLimit <= 0 {
		config.BackfillLimit = 1000
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = 10 * time.Minute
	}
	if config.MaxCached <= 0 {
		config.MaxCached = 1500
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Engine{
		logger:    logger.Named("data"),
		config:    config,
		source:    source,
		store:     store,
		files:     files,
		now:       now,
		cache:     make(map[string][]types.Candle),
		lastPrune: make(map[string]time.Time),
	}
}

func cacheKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

// Backfill fetches everything newer than the persisted high-water mark and
// returns the merged window. The first call for a symbol pulls one full
// batch of history.
func (e *Engine) Backfill(ctx context.Context, symbol, timeframe string) ([]types.Candle, error) {
	tf, err := utils.ParseTimeframe(timeframe)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}

	key := state.LastCandleTSKey(symbol, timeframe)
	lastMs, known, err := state.Get[int64](ctx, e.store, key)
	if err != nil {
		e.logger.Warn("Failed to load candle watermark",
			zap.String("symbol", symbol), zap.Error(err))
		known = false
	}

	if !known {
		batch, err := e.fetchClosed(ctx, symbol, timeframe, time.Time{}, tf)
		if err != nil {
			return nil, err
		}
		e.absorb(ctx, symbol, timeframe, batch, key)

		window := e.cached(symbol, timeframe)
		if report := CheckQuality(window, tf); !report.OK() {
			e.logger.Warn("Backfilled window has quality issues",
				zap.String("symbol", symbol),
				zap.Int("candles", report.Candles),
				zap.Int("gaps", report.Gaps),
				zap.Int("duplicates", report.Duplicates),
				zap.Int("malformed", report.Malformed))
		}
		return window, nil
	}

	since := time.UnixMilli(lastMs).Add(tf)
	for since.Before(e.now().Add(-tf)) {
		batch, err := e.fetchClosed(ctx, symbol, timeframe, since, tf)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		latest := e.absorb(ctx, symbol, timeframe, batch, key)
		since = latest.Add(tf)
	}
	return e.cached(symbol, timeframe), nil
}

// fetchClosed pulls one batch and drops the still-forming last candle.
func (e *Engine) fetchClosed(ctx context.Context, symbol, timeframe string, since time.Time, tf time.Duration) ([]types.Candle, error) {
	batch, err := e.source.FetchCandles(ctx, symbol, timeframe, since, e.config.BackfillLimit)
	if err != nil {
		return nil, fmt.Errorf("data: fetch %s %s: %w", symbol, timeframe, err)
	}
	if n := len(batch); n > 0 && batch[n-1].OpenTime.Add(tf).After(e.now()) {
		batch = batch[:n-1]
	}
	return batch, nil
}

// absorb merges a batch into the cache, persists it and advances the
// watermark. Returns the open time of the newest absorbed candle.
func (e *Engine) absorb(ctx context.Context, symbol, timeframe string, batch []types.Candle, watermarkKey string) time.Time {
	if len(batch) == 0 {
		return time.Time{}
	}

	merged := e.merge(symbol, timeframe, batch)
	e.persist(ctx, symbol, timeframe, merged)

	latest := batch[len(batch)-1].OpenTime
	if err := e.store.UpsertState(ctx, watermarkKey, latest.UnixMilli()); err != nil {
		e.logger.Warn("Failed to persist candle watermark",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return latest
}

// merge folds candles into the cached window, deduplicated by open time and
// sorted, trimming to the cache cap. Returns the merged window.
func (e *Engine) merge(symbol, timeframe string, batch []types.Candle) []types.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := cacheKey(symbol, timeframe)
	byOpen := make(map[int64]types.Candle, len(e.cache[key])+len(batch))
	for _, c := range e.cache[key] {
		byOpen[c.OpenTime.UnixMilli()] = c
	}
	for _, c := range batch {
		byOpen[c.OpenTime.UnixMilli()] = c
	}

	merged := make([]types.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})
	if len(merged) > e.config.MaxCached {
		merged = merged[len(merged)-e.config.MaxCached:]
	}

	e.cache[key] = merged
	return merged
}

// persist writes the window to the candle store and prunes old history at
// most once per prune interval.
func (e *Engine) persist(ctx context.Context, symbol, timeframe string, window []types.Candle) {
	if e.files == nil {
		return
	}

	if e.config.RetentionDays > 0 {
		e.mu.Lock()
		key := cacheKey(symbol, timeframe)
		due := e.now().Sub(e.lastPrune[key]) >= e.config.PruneInterval
		if due {
			e.lastPrune[key] = e.now()
		}
		e.mu.Unlock()

		if due {
			cutoff := e.now().Add(-time.Duration(e.config.RetentionDays) * 24 * time.Hour)
			kept := window[:0:0]
			for _, c := range window {
				if !c.OpenTime.Before(cutoff) {
					kept = append(kept, c)
				}
			}
			window = kept
		}
	}

	if err := e.files.Save(symbol, timeframe, window); err != nil {
		e.logger.Warn("Failed to persist candles",
			zap.String("symbol", symbol), zap.Error(err))
	}
}

func (e *Engine) cached(symbol, timeframe string) []types.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := e.cache[cacheKey(symbol, timeframe)]
	out := make([]types.Candle, len(window))
	copy(out, window)
	return out
}

// Candles returns the current window for a symbol, backfilling when the
// cached head is at least one full timeframe old.
func (e *Engine) Candles(ctx context.Context, symbol, timeframe string) ([]types.Candle, error) {
	tf, err := utils.ParseTimeframe(timeframe)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}

	window := e.cached(symbol, timeframe)
	if len(window) > 0 && e.now().Sub(window[len(window)-1].OpenTime) < tf {
		return window, nil
	}
	return e.Backfill(ctx, symbol, timeframe)
}

// UpdateCandles refreshes every symbol sequentially and returns the
// windows. A fetch failure leaves that symbol's stale window in the result
// so the cycle can continue with what it has.
func (e *Engine) UpdateCandles(ctx context.Context, symbols []string, timeframe string) map[string][]types.Candle {
	out := make(map[string][]types.Candle, len(symbols))
	for _, symbol := range symbols {
		window, err := e.Candles(ctx, symbol, timeframe)
		if err != nil {
			e.logger.Warn("Candle update failed",
				zap.String("symbol", symbol), zap.Error(err))
			window = e.cached(symbol, timeframe)
		}
		out[symbol] = window
	}
	return out
}

// ApplyClosedCandle folds one closed candle from the live stream into the
// cache. The REST watermark is left alone: polling remains the source of
// truth and will re-fetch the same candle harmlessly.
func (e *Engine) ApplyClosedCandle(symbol, timeframe string, candle types.Candle) {
	e.merge(symbol, timeframe, []types.Candle{candle})
}
