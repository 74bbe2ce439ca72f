package filter

import "math"

// fillRatioWarnThreshold is the fill ratio above which a filter is still
// usable but logging a warning is appropriate: the realized false-positive
// rate has started drifting visibly above the configured target.
const fillRatioWarnThreshold = 0.5

// fillRatioUnhealthyThreshold is the fill ratio above which Stats.Healthy
// reports false: the filter is materially over its designed capacity.
const fillRatioUnhealthyThreshold = 0.55

// Stats summarizes a filter's current occupancy and estimated accuracy.
type Stats struct {
	Bits            uint64
	SetBits         uint64
	FillRatio       float64
	EstimatedFPRate float64
	Healthy         bool
}

// newStats derives Stats from a configuration and its current set-bit
// count. EstimatedFPRate uses the standard (1 - e^(-k*n/m))^k
// approximation, substituting the observed fill ratio for the theoretical
// one so it reflects actual occupancy rather than the configured target.
func newStats(cfg Config, setBits uint64) Stats {
	fillRatio := float64(setBits) / float64(cfg.M)
	fpRate := math.Pow(fillRatio, float64(cfg.K))
	return Stats{
		Bits:            cfg.M,
		SetBits:         setBits,
		FillRatio:       fillRatio,
		EstimatedFPRate: fpRate,
		Healthy:         fillRatio <= fillRatioUnhealthyThreshold,
	}
}
