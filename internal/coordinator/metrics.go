package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "lifecycle",
			Name:      "state_transitions_total",
			Help:      "Total accepted engine state transitions",
		},
		[]string{"from", "to"},
	)

	initAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "lifecycle",
			Name:      "init_attempts_total",
			Help:      "Engine initialization attempts by outcome",
		},
		[]string{"outcome"},
	)

	initDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "promptd",
			Subsystem: "lifecycle",
			Name:      "init_duration_seconds",
			Help:      "Wall time of complete initialization runs",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "promptd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of buffered requests",
		},
	)

	queueExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "queue",
			Name:      "expired_total",
			Help:      "Requests that aged out before service",
		},
	)

	queueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Requests evicted by the overflow policy",
		},
	)

	submitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptd",
			Subsystem: "coordinator",
			Name:      "submit_total",
			Help:      "Submissions by routing decision",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		stateTransitionsTotal,
		initAttemptsTotal,
		initDuration,
		queueDepth,
		queueExpiredTotal,
		queueDroppedTotal,
		submitTotal,
	)
}
