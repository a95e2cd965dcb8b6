// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EpisodesTotal counts completed reconnection episodes by terminal outcome.
	EpisodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cambia_client_reconnect_episodes_total",
			Help: "Total number of completed reconnection episodes",
		},
		[]string{"outcome"},
	)

	// AttemptsTotal counts individual reconnection attempts, including retries.
	AttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cambia_client_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		},
	)

	// FailuresTotal counts classified reconnection failures.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cambia_client_reconnect_failures_total",
			Help: "Total number of classified reconnection failures",
		},
		[]string{"category", "severity"},
	)

	// RejoinDuration tracks how long the rejoin round trip takes.
	RejoinDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cambia_client_rejoin_duration_seconds",
			Help:    "Rejoin request/response round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
