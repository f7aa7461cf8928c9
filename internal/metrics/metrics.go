package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Keep-alive probe outcomes per environment.
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etrade_keepalive_probes_total",
			Help: "Total keep-alive probes issued (by environment and result).",
		},
		[]string{"environment", "result"},
	)

	// Probe round-trip latency.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etrade_keepalive_probe_duration_seconds",
			Help:    "Duration of keep-alive probes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"environment"},
	)

	// Renewal handshake outcomes by stage (start/complete).
	RenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etrade_renewals_total",
			Help: "Total renewal handshake operations (by environment, stage and result).",
		},
		[]string{"environment", "stage", "result"},
	)

	// Lifecycle state transitions.
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etrade_token_state_transitions_total",
			Help: "Token lifecycle state transitions (by environment, from and to state).",
		},
		[]string{"environment", "from", "to"},
	)

	EventPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etrade_event_publish_errors_total",
			Help: "Number of lifecycle event publish failures.",
		},
		[]string{"subject"},
	)
)

func IncProbe(environment, result string) {
	ProbesTotal.WithLabelValues(environment, result).Inc()
}

func ObserveProbeDuration(environment string, start time.Time) {
	ProbeDuration.WithLabelValues(environment).Observe(time.Since(start).Seconds())
}

func IncRenewal(environment, stage, result string) {
	RenewalsTotal.WithLabelValues(environment, stage, result).Inc()
}

func IncStateTransition(environment, from, to string) {
	StateTransitions.WithLabelValues(environment, from, to).Inc()
}

func IncPublishError(subject string) {
	EventPublishErrors.WithLabelValues(subject).Inc()
}
