// Package metrics tracks agent health counters for logging and scraping.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/state"
)

// Keys written by the control loop. Regime counters are derived as
// "regime_" plus the lowercased regime value.
const (
	KeyCycles            = "cycles"
	KeyErrors            = "errors"
	KeySignals           = "signals"
	KeySignalsSized      = "signals_sized"
	KeySignalsTrimmed    = "signals_trimmed"
	KeyOrdersPlaced      = "orders_placed"
	KeyOrdersFailed      = "orders_failed"
	KeyOrdersSkipped     = "orders_skipped"
	KeyOrdersDuplicate   = "orders_duplicate"
	KeyOrdersStaleCancel = "orders_stale_canceled"
	KeyOrderRetries      = "order_retries"
	KeyProtectiveFailed  = "protective_failed"
	KeyCooldownSkips     = "cooldown_skips"
	KeyKillSwitch        = "kill_switch"
	KeyDailyPnL          = "daily_pnl"
	KeyEquity            = "equity"
	KeyCycleMillis       = "cycle_ms"
	KeySymbolCycleMillis = "symbol_cycle_ms"
)

// Config holds metrics settings.
type Config struct {
	LogInterval time.Duration    // summary cadence (default 60s)
	Namespace   string           // prometheus metric namespace (default "agent")
	Clock       func() time.Time // overrides time.Now, for tests
}

// DefaultConfig returns the default metrics settings.
func DefaultConfig() *Config {
	return &Config{
		LogInterval: time.Minute,
		Namespace:   "agent",
	}
}

// Metrics double-books agent counters: a dedicated Prometheus registry for
// scraping, and interval-local maps that feed the periodic log line and the
// persisted snapshot. Counters and observations reset every interval,
// gauges carry over.
type Metrics struct {
	logger    *zap.Logger
	registry  *prometheus.Registry
	namespace string
	interval  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastLog  time.Time
	counters map[string]float64
	gauges   map[string]float64
	sums     map[string]float64
	counts   map[string]int64

	promCounters   map[string]prometheus.Counter
	promGauges     map[string]prometheus.Gauge
	promHistograms map[string]prometheus.Histogram
}

// New creates a metrics tracker with its own registry.
func New(logger *zap.Logger, config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = "agent"
	}

	return &Metrics{
		logger:         logger.Named("metrics"),
		registry:       prometheus.NewRegistry(),
		namespace:      namespace,
		interval:       config.LogInterval,
		now:            now,
		lastLog:        now(),
		counters:       make(map[string]float64),
		gauges:         make(map[string]float64),
		sums:           make(map[string]float64),
		counts:         make(map[string]int64),
		promCounters:   make(map[string]prometheus.Counter),
		promGauges:     make(map[string]prometheus.Gauge),
		promHistograms: make(map[string]prometheus.Histogram),
	}
}

// Registry exposes the Prometheus registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Inc increments a counter by one.
func (m *Metrics) Inc(key string) { m.Add(key, 1) }

// Add increments a counter.
func (m *Metrics) Add(key string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
	m.counterLocked(key).Add(delta)
}

// Set records a gauge value.
func (m *Metrics) Set(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = value
	m.gaugeLocked(key).Set(value)
}

// Observe records one sample of a distribution. The interval snapshot
// reports the mean as "{key}_avg".
func (m *Metrics) Observe(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sums[key] += value
	m.counts[key]++
	m.histogramLocked(key).Observe(value)
}

// Snapshot returns the interval-local view: counters, gauges, and
// observation means.
func (m *Metrics) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Flush emits the interval summary once LogInterval has elapsed: one sorted
// k=v log line plus a persisted record. Passing a nil store skips
// persistence.
func (m *Metrics) Flush(ctx context.Context, store state.Store) {
	m.mu.Lock()
	if m.now().Sub(m.lastLog) < m.interval {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked()
	m.lastLog = m.now()
	m.counters = make(map[string]float64)
	m.sums = make(map[string]float64)
	m.counts = make(map[string]int64)
	m.mu.Unlock()

	if len(snap) == 0 {
		return
	}

	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.6g", k, snap[k]))
	}
	m.logger.Info("Metrics snapshot", zap.String("values", strings.Join(parts, " ")))

	if store == nil {
		return
	}
	record := &state.MetricsRecord{At: m.now().UTC(), Values: snap}
	if err := store.SaveMetrics(ctx, record); err != nil {
		m.logger.Debug("Failed to persist metrics snapshot", zap.Error(err))
	}
}

func (m *Metrics) snapshotLocked() map[string]float64 {
	snap := make(map[string]float64, len(m.counters)+len(m.gauges)+len(m.sums))
	for k, v := range m.counters {
		snap[k] = v
	}
	for k, v := range m.gauges {
		snap[k] = v
	}
	for k, total := range m.sums {
		if n := m.counts[k]; n > 0 {
			snap[k+"_avg"] = total / float64(n)
		}
	}
	return snap
}

func (m *Metrics) counterLocked(key string) prometheus.Counter {
	c, ok := m.promCounters[key]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      key + "_total",
			Help:      strings.ReplaceAll(key, "_", " "),
		})
		m.registry.MustRegister(c)
		m.promCounters[key] = c
	}
	return c
}

func (m *Metrics) gaugeLocked(key string) prometheus.Gauge {
	g, ok := m.promGauges[key]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      key,
			Help:      strings.ReplaceAll(key, "_", " "),
		})
		m.registry.MustRegister(g)
		m.promGauges[key] = g
	}
	return g
}

func (m *Metrics) histogramLocked(key string) prometheus.Histogram {
	h, ok := m.promHistograms[key]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      key,
			Help:      strings.ReplaceAll(key, "_", " "),
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1ms to ~8s
		})
		m.registry.MustRegister(h)
		m.promHistograms[key] = h
	}
	return h
}
