// Package regime_test provides tests for regime classification.
package regime_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/rrychs1/paisajes-de-poincare/internal/indicators"
	"github.com/rrychs1/paisajes-de-poincare/internal/regime"
)

// trendSnap classifies as TREND: strong ADX, EMAs 2% apart.
func trendSnap() *indicators.Snapshot {
	return &indicators.Snapshot{
		Close:    102,
		EMAFast:  102,
		EMASlow:  100,
		ADX:      30,
		BBUpper:  106,
		BBMiddle: 101,
		BBLower:  96,
	}
}

// rangeSnap classifies as RANGE: weak ADX, tight bands.
func rangeSnap() *indicators.Snapshot {
	return &indicators.Snapshot{
		Close:    100,
		EMAFast:  100.05,
		EMASlow:  100,
		ADX:      15,
		BBUpper:  100.8,
		BBMiddle: 100,
		BBLower:  99.3,
	}
}

// ambiguousSnap classifies as UNKNOWN: ADX in the dead zone.
func ambiguousSnap() *indicators.Snapshot {
	return &indicators.Snapshot{
		Close:    100,
		EMAFast:  101,
		EMASlow:  100,
		ADX:      22,
		BBUpper:  102,
		BBMiddle: 100,
		BBLower:  98,
	}
}

func newDetector() *regime.Detector {
	return regime.NewDetector(zap.NewNop(), nil)
}

func TestClassifyRules(t *testing.T) {
	d := newDetector()

	cases := []struct {
		name string
		snap *indicators.Snapshot
		want regime.Regime
	}{
		{"trend", trendSnap(), regime.Trend},
		{"range", rangeSnap(), regime.Range},
		{"ambiguous adx", ambiguousSnap(), regime.Unknown},
		{"nil snapshot", nil, regime.Unknown},
		{
			// ADX strong but EMAs glued together.
			"trend adx without separation",
			&indicators.Snapshot{ADX: 30, EMAFast: 100.05, EMASlow: 100, BBUpper: 103, BBMiddle: 100, BBLower: 97},
			regime.Unknown,
		},
		{
			// ADX weak but bands wide.
			"range adx with wide bands",
			&indicators.Snapshot{ADX: 15, EMAFast: 100, EMASlow: 100, BBUpper: 105, BBMiddle: 100, BBLower: 95},
			regime.Unknown,
		},
		{
			// Zero denominators degrade the ratios to zero, not to UNKNOWN.
			"zero denominators",
			&indicators.Snapshot{ADX: 15, EMAFast: 100, EMASlow: 0, BBUpper: 0, BBMiddle: 0, BBLower: 0},
			regime.Range,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.Classify(tc.snap); got != tc.want {
				t.Errorf("Classify() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestConfirmationTakesExactlyThreeCandles(t *testing.T) {
	d := newDetector()
	sym := "BTC/USDT"

	if got := d.Update(sym, trendSnap()); got != regime.Unknown {
		t.Errorf("After 1 candle: got %s, want UNKNOWN", got)
	}
	if got := d.Update(sym, trendSnap()); got != regime.Unknown {
		t.Errorf("After 2 candles: got %s, want UNKNOWN", got)
	}
	if got := d.Update(sym, trendSnap()); got != regime.Trend {
		t.Errorf("After 3 candles: got %s, want TREND", got)
	}
	if got := d.Current(sym); got != regime.Trend {
		t.Errorf("Current() = %s, want TREND", got)
	}
}

func TestMismatchRestartsPendingRun(t *testing.T) {
	d := newDetector()
	sym := "BTC/USDT"

	// Two trend candles, then a range candle interrupts.
	d.Update(sym, trendSnap())
	d.Update(sym, trendSnap())
	if got := d.Update(sym, rangeSnap()); got != regime.Unknown {
		t.Fatalf("Interrupted run should not confirm, got %s", got)
	}

	// The range candidate now needs its own full run.
	if got := d.Update(sym, rangeSnap()); got != regime.Unknown {
		t.Errorf("Range run at 2: got %s, want UNKNOWN", got)
	}
	if got := d.Update(sym, rangeSnap()); got != regime.Range {
		t.Errorf("Range run at 3: got %s, want RANGE", got)
	}
}

func TestUnknownNeverOverridesConfirmed(t *testing.T) {
	d := newDetector()
	sym := "ETH/USDT"

	for i := 0; i < 3; i++ {
		d.Update(sym, trendSnap())
	}
	if got := d.Current(sym); got != regime.Trend {
		t.Fatalf("Setup failed: %s", got)
	}

	for i := 0; i < 10; i++ {
		if got := d.Update(sym, ambiguousSnap()); got != regime.Trend {
			t.Fatalf("UNKNOWN candidate displaced confirmed regime at %d: %s", i, got)
		}
	}
}

func TestUnknownClearsPendingRun(t *testing.T) {
	d := newDetector()
	sym := "ETH/USDT"

	// Two range candles, an unknown, then two more: still not confirmed.
	d.Update(sym, rangeSnap())
	d.Update(sym, rangeSnap())
	d.Update(sym, ambiguousSnap())
	d.Update(sym, rangeSnap())
	if got := d.Update(sym, rangeSnap()); got != regime.Unknown {
		t.Errorf("Pending run should have been cleared by UNKNOWN, got %s", got)
	}
	if got := d.Update(sym, rangeSnap()); got != regime.Range {
		t.Errorf("Third consecutive range candle should confirm, got %s", got)
	}
}

func TestMatchingCandidateClearsPending(t *testing.T) {
	d := newDetector()
	sym := "BTC/USDT"

	for i := 0; i < 3; i++ {
		d.Update(sym, trendSnap())
	}

	// Two range candles start a pending run, a trend candle clears it.
	d.Update(sym, rangeSnap())
	d.Update(sym, rangeSnap())
	d.Update(sym, trendSnap())

	// The next range candles must start from scratch.
	d.Update(sym, rangeSnap())
	if got := d.Update(sym, rangeSnap()); got != regime.Trend {
		t.Errorf("Range confirmed after only 2 fresh candles, got %s", got)
	}
	if got := d.Update(sym, rangeSnap()); got != regime.Range {
		t.Errorf("Expected RANGE on the third fresh candle, got %s", got)
	}
}

func TestSymbolsAreIndependent(t *testing.T) {
	d := newDetector()

	for i := 0; i < 3; i++ {
		d.Update("BTC/USDT", trendSnap())
	}
	if got := d.Current("ETH/USDT"); got != regime.Unknown {
		t.Errorf("Fresh symbol should be UNKNOWN, got %s", got)
	}
	if got := d.Current("BTC/USDT"); got != regime.Trend {
		t.Errorf("BTC should be TREND, got %s", got)
	}
}
