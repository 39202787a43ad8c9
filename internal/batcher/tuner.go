package batcher

import (
	"math"

	"github.com/shizukutanaka/batchd/internal/config"
)

// ReliabilityTuner is a bounded proportional controller on the extraction
// fraction. It is not a PID and may oscillate under fast external swings.
type ReliabilityTuner struct {
	minFrac  float64
	maxFrac  float64
	low      float64
	high     float64
	decrease float64
	increase float64
}

// NewReliabilityTuner builds a tuner from the batcher configuration.
func NewReliabilityTuner(cfg config.BatcherConfig) *ReliabilityTuner {
	return &ReliabilityTuner{
		minFrac:  cfg.MinFrac,
		maxFrac:  cfg.MaxFrac,
		low:      cfg.LowWatermark,
		high:     cfg.HighWatermark,
		decrease: cfg.DecreaseFactor,
		increase: cfg.IncreaseFactor,
	}
}

// Next returns the fraction for the next cycle given the observed
// money/maxMoney ratio. Between the watermarks the fraction is unchanged.
func (t *ReliabilityTuner) Next(fraction, ratio float64) float64 {
	switch {
	case ratio < t.low:
		return math.Max(t.minFrac, fraction*t.decrease)
	case ratio > t.high:
		return math.Min(t.maxFrac, fraction*t.increase)
	default:
		return fraction
	}
}

// Bounds returns the [min, max] range the tuner keeps the fraction in.
func (t *ReliabilityTuner) Bounds() (float64, float64) {
	return t.minFrac, t.maxFrac
}
