package indicators

import "github.com/rrychs1/paisajes-de-poincare/pkg/types"

// Volume profile defaults.
const (
	ProfileBins      = 50
	ProfileValueArea = 0.7
)

// VolumeProfile summarizes where volume traded across a price window.
type VolumeProfile struct {
	POC float64 // point of control: midpoint of the densest bin
	VAH float64 // value area high: upper edge of the included range
	VAL float64 // value area low: lower edge of the included range
}

// ComputeVolumeProfile bins close prices weighted by volume and grows the
// value area greedily from the point of control until it covers the given
// volume fraction. A flat or empty window collapses to the last close.
func ComputeVolumeProfile(candles []types.Candle, bins int, valueArea float64) (*VolumeProfile, bool) {
	if len(candles) == 0 || bins <= 0 {
		return nil, false
	}

	closes := Closes(candles)
	low, high := closes[0], closes[0]
	for _, c := range closes {
		if c < low {
			low = c
		}
		if c > high {
			high = c
		}
	}

	lastClose := closes[len(closes)-1]
	if high == low {
		return &VolumeProfile{POC: lastClose, VAH: lastClose, VAL: lastClose}, true
	}

	binSize := (high - low) / float64(bins)
	volumes := make([]float64, bins)
	total := 0.0
	for i, c := range candles {
		idx := int((closes[i] - low) / binSize)
		if idx >= bins {
			idx = bins - 1
		}
		v := c.Volume.InexactFloat64()
		volumes[idx] += v
		total += v
	}
	if total == 0 {
		return &VolumeProfile{POC: lastClose, VAH: lastClose, VAL: lastClose}, true
	}

	pocIdx := 0
	for i, v := range volumes {
		if v > volumes[pocIdx] {
			pocIdx = i
		}
	}

	// Grow the value area around the POC, always taking the heavier neighbor.
	lowIdx, highIdx := pocIdx, pocIdx
	covered := volumes[pocIdx]
	target := valueArea * total
	for covered < target && (lowIdx > 0 || highIdx < bins-1) {
		below, above := -1.0, -1.0
		if lowIdx > 0 {
			below = volumes[lowIdx-1]
		}
		if highIdx < bins-1 {
			above = volumes[highIdx+1]
		}
		if above >= below && above >= 0 {
			highIdx++
			covered += above
		} else {
			lowIdx--
			covered += below
		}
	}

	return &VolumeProfile{
		POC: low + (float64(pocIdx)+0.5)*binSize,
		VAH: low + float64(highIdx+1)*binSize,
		VAL: low + float64(lowIdx)*binSize,
	}, true
}
