package browser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tabmux"

// Metrics tracks connection and session counters. Pass a nil registerer for
// unregistered collectors (tests).
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionsPruned    prometheus.Counter

	Connects          prometheus.Counter
	ConnectFailures   prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ReconnectOutcomes *prometheus.CounterVec
	RecoveredOps      prometheus.Counter
	Resets            *prometheus.CounterVec

	OpLatency prometheus.Histogram
}

// NewMetrics creates the collector set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of live logical sessions.",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_created_total",
			Help:      "Logical sessions created.",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_destroyed_total",
			Help:      "Logical sessions destroyed by callers.",
		}),
		SessionsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_pruned_total",
			Help:      "Sessions dropped because their tab disappeared.",
		}),
		Connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Successful protocol attaches.",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_failures_total",
			Help:      "Failed connect attempts.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect cycles started.",
		}),
		ReconnectOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_outcomes_total",
			Help:      "Reconnect cycles by outcome.",
		}, []string{"outcome"}),
		RecoveredOps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovered_operations_total",
			Help:      "Operations that succeeded after a transparent reconnect.",
		}),
		Resets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resets_total",
			Help:      "Full resets by final status.",
		}, []string{"status"}),
		OpLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_seconds",
			Help:      "Latency of supervised protocol operations.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
