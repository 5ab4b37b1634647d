package alerting

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the readiness watchdog.
type Metrics struct {
	ChecksRun      prometheus.Counter
	AlertsFired    prometheus.Counter
	NotifyFailures prometheus.Counter
	CheckDuration  prometheus.Histogram
}

// NewMetrics creates and registers watchdog metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ChecksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "alerting",
			Name:      "checks_run_total",
			Help:      "Total readiness evaluations by the watchdog.",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "alerting",
			Name:      "transitions_total",
			Help:      "Total readiness check transitions alerted.",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "alerting",
			Name:      "notify_failures_total",
			Help:      "Alerts that could not be delivered to every channel.",
		}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cubelink",
			Subsystem: "alerting",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each watchdog readiness evaluation.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
	}

	reg.MustRegister(
		m.ChecksRun,
		m.AlertsFired,
		m.NotifyFailures,
		m.CheckDuration,
	)

	return m
}
