// internal/timeout/quality.go
package timeout

import (
	"sync"
	"time"
)

// Latency thresholds for grading average round-trip time.
const (
	excellentBelow = 100 * time.Millisecond
	goodBelow      = 300 * time.Millisecond
	fairBelow      = 750 * time.Millisecond
)

// minSamples is how many observations Tracker needs before it stops
// reporting QualityUnknown.
const minSamples = 3

// maxSamples bounds the sliding window.
const maxSamples = 20

// Tracker keeps a bounded window of observed round-trip times and grades the
// connection from their average. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	samples []time.Duration
}

// NewTracker returns an empty tracker reporting QualityUnknown.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records one round-trip sample, evicting the oldest once the window
// is full.
func (t *Tracker) Observe(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = append(t.samples, rtt)
	if len(t.samples) > maxSamples {
		t.samples = t.samples[len(t.samples)-maxSamples:]
	}
}

// Quality grades the connection from the current window.
func (t *Tracker) Quality() Quality {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < minSamples {
		return QualityUnknown
	}
	var total time.Duration
	for _, s := range t.samples {
		total += s
	}
	avg := total / time.Duration(len(t.samples))
	switch {
	case avg < excellentBelow:
		return QualityExcellent
	case avg < goodBelow:
		return QualityGood
	case avg < fairBelow:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Reset discards all samples, reverting to QualityUnknown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
}
