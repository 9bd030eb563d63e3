// Package metrics exposes Prometheus collectors for the automation engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RunsTotal counts execution attempts by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpilot_runs_total",
			Help: "Total number of action execution attempts by status.",
		},
		[]string{"status"},
	)

	// RunDuration observes wall-clock duration of execution attempts.
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netpilot_run_duration_seconds",
			Help:    "Action execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// ProbeLatency observes health probe round-trip latency.
	ProbeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netpilot_probe_latency_seconds",
			Help:    "Health probe round-trip latency in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .09, .25, .5, 1, 3},
		},
	)

	// AlertsTotal counts alert dispatch decisions.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netpilot_alerts_total",
			Help: "Alert notifications by outcome (sent, suppressed, failed, disabled).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(ProbeLatency)
	prometheus.MustRegister(AlertsTotal)
}
