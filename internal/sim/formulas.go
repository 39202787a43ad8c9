package sim

import (
	"math"
	"time"

	"github.com/shizukutanaka/batchd/internal/batcher"
)

// Per-thread security effects.
const (
	hackSecurityPerThread   = 0.002
	growSecurityPerThread   = 0.004
	weakenSecurityPerThread = 0.05

	hackFractionPerThread = 0.002
	maxGrowthBase         = 1.0035
	baseGrowthBonus       = 0.03

	weakenTimeMultiplier = 4.0
	growTimeMultiplier   = 3.2
)

// hackFraction is the share of money one hack thread takes at the current
// security. It reaches zero at security 100.
func hackFraction(s *server) float64 {
	return math.Max(0, hackFractionPerThread*(100-s.security)/100)
}

// growthBase is the per-cycle growth factor at the current security.
func growthBase(s *server) float64 {
	security := math.Max(s.security, 1)
	return math.Min(maxGrowthBase, 1+baseGrowthBonus/security)
}

// growMultiplier is the money multiplier threads of grow apply.
func growMultiplier(s *server, threads int) float64 {
	return math.Pow(growthBase(s), s.growthRate/100*float64(threads))
}

// hackThreads inverts hackFraction: threads needed to take amount.
func hackThreads(s *server, amount float64) float64 {
	perThread := hackFraction(s) * s.money
	if amount <= 0 {
		return 0
	}
	if perThread <= 0 {
		return math.Inf(1)
	}
	return amount / perThread
}

// growThreads inverts growMultiplier.
func growThreads(s *server, multiplier float64) float64 {
	if multiplier <= 1 {
		return 0
	}
	perThread := math.Log(growthBase(s)) * s.growthRate / 100
	if perThread <= 0 {
		return math.Inf(1)
	}
	return math.Log(multiplier) / perThread
}

// hackTime grows linearly with security above the floor.
func hackTime(s *server, base time.Duration) time.Duration {
	factor := 1 + 0.02*math.Max(0, s.security-s.minSecurity)
	return time.Duration(float64(base) * factor)
}

func operationTime(op batcher.Operation, s *server, base time.Duration) time.Duration {
	h := hackTime(s, base)
	switch op {
	case batcher.OpWeaken:
		return time.Duration(float64(h) * weakenTimeMultiplier)
	case batcher.OpGrow:
		return time.Duration(float64(h) * growTimeMultiplier)
	default:
		return h
	}
}
