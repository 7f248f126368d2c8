package data

import (
	"time"

	"github.com/rrychs1/paisajes-de-poincare/pkg/types"
)

// QualityReport summarizes problems in a candle window. Indicators tolerate
// small gaps, so the engine only logs these; nothing downstream aborts.
type QualityReport struct {
	Candles    int
	Gaps       int // missing open times between consecutive candles
	Duplicates int
	Malformed  int // high < low or non-positive close
}

// OK reports whether the window is clean.
func (r QualityReport) OK() bool {
	return r.Gaps == 0 && r.Duplicates == 0 && r.Malformed == 0
}

// CheckQuality scans a window for gaps, duplicate open times and malformed
// rows. The window must be sorted by open time, which the engine guarantees.
func CheckQuality(candles []types.Candle, tf time.Duration) QualityReport {
	report := QualityReport{Candles: len(candles)}

	for i, c := range candles {
		if c.High.LessThan(c.Low) || !c.Close.IsPositive() {
			report.Malformed++
		}
		if i == 0 {
			continue
		}
		step := c.OpenTime.Sub(candles[i-1].OpenTime)
		switch {
		case step == 0:
			report.Duplicates++
		case step > tf:
			report.Gaps += int(step/tf) - 1
		}
	}
	return report
}
