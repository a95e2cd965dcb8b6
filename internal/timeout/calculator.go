// internal/timeout/calculator.go

// Package timeout computes effective deadlines for round trips to the game
// server, scaled by observed connection quality, table size, operation
// complexity, and retry pressure.
package timeout

import (
	"math"
	"time"
)

// Quality is a coarse estimate of the connection derived from recent
// round-trip latency. It is tracked by Tracker and passed into Calculate.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// Complexity grades how expensive the awaited operation is server-side.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityModerate    Complexity = "moderate"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// Clamp bounds for every computed timeout, regardless of how the multipliers
// combine.
const (
	MinTimeout = 1 * time.Second
	MaxTimeout = 60 * time.Second
)

// maxRetryExponent caps the retry multiplier at 2^4 = 16x.
const maxRetryExponent = 4

// Params are the inputs Calculate scales the base timeout by.
type Params struct {
	Quality      Quality
	PeerCount    int
	Complexity   Complexity
	IsRetry      bool
	RetryAttempt int
}

// qualityMultiplier returns the scale factor for a quality grade. Unknown
// quality gets a mild safety margin.
func qualityMultiplier(q Quality) float64 {
	switch q {
	case QualityExcellent:
		return 0.8
	case QualityGood:
		return 1.0
	case QualityFair:
		return 1.4
	case QualityPoor:
		return 2.0
	default:
		return 1.2
	}
}

func complexityMultiplier(c Complexity) float64 {
	switch c {
	case ComplexityModerate:
		return 1.2
	case ComplexityComplex:
		return 1.5
	case ComplexityVeryComplex:
		return 2.0
	default:
		return 1.0
	}
}

// Calculate derives an effective timeout from base. Deterministic and free of
// side effects. Applied in order: quality, peer count, complexity, retry
// pressure, then clamped to [MinTimeout, MaxTimeout].
func Calculate(base time.Duration, p Params) time.Duration {
	t := float64(base)

	t *= qualityMultiplier(p.Quality)

	if p.PeerCount > 4 {
		peerFactor := 1 + float64(p.PeerCount-4)*0.1
		t *= math.Min(peerFactor, 2.0)
	}

	t *= complexityMultiplier(p.Complexity)

	if p.IsRetry {
		exp := p.RetryAttempt
		if exp > maxRetryExponent {
			exp = maxRetryExponent
		}
		t *= math.Pow(2, float64(exp))
	}

	d := time.Duration(t)
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}
