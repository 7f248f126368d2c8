// Package regime classifies market regimes from indicator snapshots.
// A regime flips only after the same candidate repeats for a configurable
// number of consecutive candles, which keeps the agent from thrashing
// between grid and trend behavior on borderline readings.
package regime

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
)

// Regime represents a market regime.
type Regime string

const (
	Unknown Regime = "UNKNOWN"
	Range   Regime = "RANGE" // low directional energy, tight bands
	Trend   Regime = "TREND" // directional move with separated EMAs
)

// ADX thresholds are fixed: above the trend floor directional energy is
// meaningful, below the range ceiling it is noise. The gap between them is
// deliberately unclassified.
const (
	adxTrendMin = 25.0
	adxRangeMax = 20.0
)

// DetectorConfig configures the regime detector.
type DetectorConfig struct {
	ConfirmCandles   int     // consecutive candles before a regime flips
	EMASeparationPct float64 // minimum |EMA50-EMA200|/EMA200 for TREND
	BBWidthPct       float64 // maximum (upper-lower)/middle for RANGE
}

// DefaultDetectorConfig returns sensible defaults.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		ConfirmCandles:   3,
		EMASeparationPct: 0.002,
		BBWidthPct:       0.02,
	}
}

// Detector tracks the confirmed regime per symbol.
type Detector struct {
	logger *zap.Logger
	config *DetectorConfig

	mu        sync.Mutex
	confirmed map[string]Regime
	pending   map[string]Regime
	counts    map[string]int
}

// NewDetector creates a new regime detector.
func NewDetector(logger *zap.Logger, config *DetectorConfig) *Detector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	return &Detector{
		logger:    logger.Named("regime"),
		config:    config,
		confirmed: make(map[string]Regime),
		pending:   make(map[string]Regime),
		counts:    make(map[string]int),
	}
}

// Classify maps one indicator snapshot to a raw regime without hysteresis.
func (d *Detector) Classify(snap *indicators.Snapshot) Regime {
	if snap == nil {
		return Unknown
	}
	if math.IsNaN(snap.ADX) || math.IsNaN(snap.EMAFast) || math.IsNaN(snap.EMASlow) ||
		math.IsNaN(snap.BBUpper) || math.IsNaN(snap.BBMiddle) || math.IsNaN(snap.BBLower) {
		return Unknown
	}

	emaSep := 0.0
	if snap.EMASlow != 0 {
		emaSep = math.Abs(snap.EMAFast-snap.EMASlow) / snap.EMASlow
	}
	bbWidth := 0.0
	if snap.BBMiddle != 0 {
		bbWidth = (snap.BBUpper - snap.BBLower) / snap.BBMiddle
	}

	if snap.ADX > adxTrendMin && emaSep >= d.config.EMASeparationPct {
		return Trend
	}
	if snap.ADX < adxRangeMax && bbWidth <= d.config.BBWidthPct {
		return Range
	}
	return Unknown
}

// Update feeds one snapshot into the hysteresis state for symbol and returns
// the confirmed regime. UNKNOWN candidates never displace a confirmed
// regime; they only clear any pending run.
func (d *Detector) Update(symbol string, snap *indicators.Snapshot) Regime {
	candidate := d.Classify(snap)

	d.mu.Lock()
	defer d.mu.Unlock()

	confirmed, ok := d.confirmed[symbol]
	if !ok {
		confirmed = Unknown
	}

	if candidate == Unknown || candidate == confirmed {
		delete(d.pending, symbol)
		delete(d.counts, symbol)
		return confirmed
	}

	if d.pending[symbol] == candidate {
		d.counts[symbol]++
	} else {
		d.pending[symbol] = candidate
		d.counts[symbol] = 1
	}

	if d.counts[symbol] >= d.config.ConfirmCandles {
		d.confirmed[symbol] = candidate
		delete(d.pending, symbol)
		delete(d.counts, symbol)
		d.logger.Info("Regime confirmed",
			zap.String("symbol", symbol),
			zap.String("from", string(confirmed)),
			zap.String("to", string(candidate)))
		return candidate
	}

	d.logger.Debug("Regime candidate pending",
		zap.String("symbol", symbol),
		zap.String("candidate", string(candidate)),
		zap.Int("count", d.counts[symbol]),
		zap.Int("needed", d.config.ConfirmCandles))
	return confirmed
}

// Current returns the confirmed regime for symbol.
func (d *Detector) Current(symbol string) Regime {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.confirmed[symbol]; ok {
		return r
	}
	return Unknown
}
