// Package metrics holds the engine's Prometheus collectors. Registered via
// promauto on the default registry; exposed at /metrics by the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChargeAttempts counts initiated charges by channel.
	ChargeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_charge_attempts_total",
		Help: "Payment charge attempts initiated, by channel.",
	}, []string{"channel"})

	// AttemptResolutions counts terminal attempt outcomes.
	AttemptResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_attempt_resolutions_total",
		Help: "Payment attempts resolved, by outcome.",
	}, []string{"outcome"})

	// RetriesScheduled counts retry decisions that produced a next_retry_at.
	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_retries_scheduled_total",
		Help: "Automatic retries scheduled for failed attempts.",
	})

	// RetriesExhausted counts attempts that hit the retry cap.
	RetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_retries_exhausted_total",
		Help: "Failed attempts whose retry budget ran out.",
	})

	// MandateTransitions counts mandate state changes by target state.
	MandateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_mandate_transitions_total",
		Help: "Mandate state transitions, by target state.",
	}, []string{"to"})

	// SweepDuration observes retry/expiry sweep latency.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_sweep_duration_seconds",
		Help:    "Duration of background sweep ticks.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})
)
