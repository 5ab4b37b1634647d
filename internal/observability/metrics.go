package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for cubelink.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	InstructionsCaptured *prometheus.HistogramVec

	// Sandbox backend metrics.
	SandboxProcessesTotal  *prometheus.CounterVec
	SandboxProcessDuration *prometheus.HistogramVec

	// Transport metrics.
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	RecoveriesTotal  *prometheus.CounterVec
	AckWait          prometheus.Histogram
	LinesAcked       prometheus.Counter
	ActiveDeliveries prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "execution",
			Name:      "runs_total",
			Help:      "Total caller code executions.",
		}, []string{"dialect", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cubelink",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Caller code execution duration in seconds, compilation included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		}, []string{"dialect"}),

		InstructionsCaptured: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cubelink",
			Subsystem: "execution",
			Name:      "instructions",
			Help:      "Instructions captured per execution.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"dialect"}),

		SandboxProcessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "sandbox",
			Name:      "processes_total",
			Help:      "Total sandboxed processes, compiler runs included.",
		}, []string{"backend", "status"}),

		SandboxProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cubelink",
			Subsystem: "sandbox",
			Name:      "process_duration_seconds",
			Help:      "Sandboxed process wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "transport",
			Name:      "deliveries_total",
			Help:      "Total deliveries by the last state before close.",
		}, []string{"outcome"}),

		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cubelink",
			Subsystem: "transport",
			Name:      "delivery_duration_seconds",
			Help:      "Delivery duration in seconds, recovery included.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 45},
		}),

		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "transport",
			Name:      "recoveries_total",
			Help:      "Total recovery clears after an aborted delivery.",
		}, []string{"result"}),

		AckWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cubelink",
			Subsystem: "transport",
			Name:      "ack_wait_seconds",
			Help:      "Time between sending a line and receiving its ACK.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1, 5},
		}),

		LinesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "transport",
			Name:      "lines_acked_total",
			Help:      "Total instruction lines acknowledged by devices.",
		}),

		ActiveDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cubelink",
			Subsystem: "transport",
			Name:      "active_deliveries",
			Help:      "Number of deliveries in progress.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cubelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cubelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cubelink",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.InstructionsCaptured,
		m.SandboxProcessesTotal,
		m.SandboxProcessDuration,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.RecoveriesTotal,
		m.AckWait,
		m.LinesAcked,
		m.ActiveDeliveries,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
