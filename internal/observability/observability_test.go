package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/cubelink/internal/config"
	"github.com/jkaninda/cubelink/internal/cube"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/transport"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if obs.MetricsOrNil() == nil || obs.AnomalyOrNil() == nil {
		t.Error("expected metrics and anomaly detector")
	}
}

func TestObservability_NilAccessors(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil || obs.MetricsOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("expected nil components from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vectors only appear in Gather after first use.
	m.ExecutionsTotal.WithLabelValues("python", "completed").Inc()
	m.SandboxProcessesTotal.WithLabelValues("process", "success").Inc()
	m.DeliveriesTotal.WithLabelValues("completed").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"cubelink_execution_runs_total",
		"cubelink_sandbox_processes_total",
		"cubelink_transport_deliveries_total",
		"cubelink_transport_lines_acked_total",
		"cubelink_transport_active_deliveries",
		"cubelink_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("db", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("port", DevicePortCheck("sim://bench"))

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["db"].Status != "fail" {
		t.Errorf("db check = %q, want fail", status.Checks["db"].Status)
	}
	if status.Checks["port"].Status != "ok" {
		t.Errorf("port check = %q, want ok", status.Checks["port"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" || status.Uptime == "" {
		t.Errorf("liveness = %+v", status)
	}
}

func TestDevicePortCheck_MissingNode(t *testing.T) {
	if err := DevicePortCheck("/dev/cubelink-does-not-exist")(context.Background()); err == nil {
		t.Error("expected error for missing device node")
	}
}

func TestBinaryCheck(t *testing.T) {
	if err := BinaryCheck("cubelink-no-such-binary")(context.Background()); err == nil {
		t.Error("expected error for missing binary")
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordFailure("test")
	a.RecordSuccess("test")
	if a.Anomalous("test") || a.Flagged() != nil {
		t.Error("nil detector flagged an operation")
	}
}

func TestAnomalyDetector_FailureRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("delivery:/dev/ttyUSB0")
	}
	if a.Anomalous("delivery:/dev/ttyUSB0") {
		t.Fatal("flagged with no failures")
	}
	// 6 failures, 4 successes = 60% > 50%.
	for i := 0; i < 6; i++ {
		a.RecordFailure("delivery:/dev/ttyUSB0")
	}
	if !a.Anomalous("delivery:/dev/ttyUSB0") {
		t.Error("expected operation to be flagged")
	}
	if a.Anomalous("delivery:/dev/ttyUSB1") {
		t.Error("unrelated operation flagged")
	}

	err := AnomalyCheck(a)(context.Background())
	if err == nil || !strings.Contains(err.Error(), "delivery:/dev/ttyUSB0") {
		t.Errorf("anomaly check err = %v", err)
	}

	for i := 0; i < 10; i++ {
		a.RecordSuccess("delivery:/dev/ttyUSB0")
	}
	if a.Anomalous("delivery:/dev/ttyUSB0") {
		t.Error("flag not cleared after recovery")
	}
}

func TestAnomalyDetector_MinSamples(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.1, MinSamples: 3}, nil)
	a.RecordFailure("execution:cpp")
	a.RecordFailure("execution:cpp")
	if a.Anomalous("execution:cpp") {
		t.Error("flagged below the sample minimum")
	}
	a.RecordFailure("execution:cpp")
	if !a.Anomalous("execution:cpp") {
		t.Error("expected flag at the sample minimum")
	}
}

// --- InstrumentedExecutor (wrapper) ---

type mockExecutor struct {
	result *instruction.ExecutionResult
	err    error
	called int
}

func (m *mockExecutor) Execute(ctx context.Context, p sandbox.Program) (*instruction.ExecutionResult, error) {
	m.called++
	return m.result, m.err
}

func TestInstrumentedExecutor_Completed(t *testing.T) {
	metrics := NewMetricsCollector()
	in, _ := instruction.SetPixel(0, instruction.White)
	inner := &mockExecutor{result: &instruction.ExecutionResult{
		Instructions: []instruction.Instruction{in, in},
		Status:       instruction.StatusCompleted,
	}}

	e := NewInstrumentedExecutor(inner, metrics, nil, nil)
	res, err := e.Execute(context.Background(), sandbox.Program{Dialect: sandbox.DialectPython})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Len() != 2 || inner.called != 1 {
		t.Errorf("len = %d, called = %d", res.Len(), inner.called)
	}

	val := counterValue(t, metrics.Registry, "cubelink_execution_runs_total", prometheus.Labels{"dialect": "python", "status": "completed"})
	if val != 1 {
		t.Errorf("runs_total = %v, want 1", val)
	}
}

func TestInstrumentedExecutor_SourceError(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, MinSamples: 1}, nil)
	inner := &mockExecutor{
		result: &instruction.ExecutionResult{Status: instruction.StatusError, Message: "boom"},
		err:    &sandbox.SourceError{Dialect: sandbox.DialectCPP, Message: "boom"},
	}

	e := NewInstrumentedExecutor(inner, metrics, nil, anomaly)
	if _, err := e.Execute(context.Background(), sandbox.Program{Dialect: sandbox.DialectCPP}); err == nil {
		t.Fatal("expected error")
	}

	val := counterValue(t, metrics.Registry, "cubelink_execution_runs_total", prometheus.Labels{"dialect": "cpp", "status": "error"})
	if val != 1 {
		t.Errorf("error runs_total = %v, want 1", val)
	}
	if !anomaly.Anomalous("execution:cpp") {
		t.Error("execution failure not recorded by the anomaly detector")
	}
}

func TestInstrumentedExecutor_NilMetrics(t *testing.T) {
	inner := &mockExecutor{}

	// nil metrics and nil result should not panic.
	e := NewInstrumentedExecutor(inner, nil, nil, nil)
	if _, err := e.Execute(context.Background(), sandbox.Program{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- InstrumentedDeliverer (wrapper) ---

func TestInstrumentedDeliverer_Completed(t *testing.T) {
	metrics := NewMetricsCollector()
	bench := cube.NewBench(cube.DeviceOptions{})
	sup := transport.NewSupervisor(transport.SimOpener{Bench: bench}, nil, transport.SupervisorConfig{}, nil)

	in, _ := instruction.SetPixel(5, instruction.White)
	d := NewInstrumentedDeliverer(sup, metrics, nil, nil)
	report, err := d.Deliver(context.Background(), "sim://m", []instruction.Instruction{in, in, in}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Acked != 3 {
		t.Errorf("acked = %d", report.Acked)
	}

	if val := counterValue(t, metrics.Registry, "cubelink_transport_deliveries_total", prometheus.Labels{"outcome": "completed"}); val != 1 {
		t.Errorf("deliveries_total = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "cubelink_transport_lines_acked_total", nil); val != 3 {
		t.Errorf("lines_acked_total = %v, want 3", val)
	}
	if val := gaugeValue(t, metrics.Registry, "cubelink_transport_active_deliveries"); val != 0 {
		t.Errorf("active_deliveries = %v after delivery, want 0", val)
	}
}

func TestInstrumentedDeliverer_Recovery(t *testing.T) {
	metrics := NewMetricsCollector()
	anomaly := NewAnomalyDetector(&config.AnomalyConfig{ErrorRateThreshold: 0.5, MinSamples: 1}, nil)
	bench := cube.NewBench(cube.DeviceOptions{StallAfter: 1})
	sup := transport.NewSupervisor(transport.SimOpener{Bench: bench}, nil, transport.SupervisorConfig{
		SessionDeadline: 50 * time.Millisecond,
		Grace:           20 * time.Millisecond,
		RecoveryTimeout: time.Second,
	}, nil)

	in, _ := instruction.SetPixel(5, instruction.White)
	d := NewInstrumentedDeliverer(sup, metrics, nil, anomaly)
	if _, err := d.Deliver(context.Background(), "sim://stall", []instruction.Instruction{in, in}, nil); !transport.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}

	if val := counterValue(t, metrics.Registry, "cubelink_transport_deliveries_total", prometheus.Labels{"outcome": "aborted-by-timeout"}); val != 1 {
		t.Errorf("timed out deliveries = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "cubelink_transport_recoveries_total", prometheus.Labels{"result": "cleared"}); val != 1 {
		t.Errorf("recoveries = %v, want 1", val)
	}
	if !anomaly.Anomalous("delivery:sim://stall") {
		t.Error("delivery failure not recorded by the anomaly detector")
	}
}

// --- InstrumentedSandbox (wrapper) ---

type mockSandbox struct {
	result *sandbox.ProcessResult
	err    error
}

func (m *mockSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ProcessResult, error) {
	return m.result, m.err
}

func TestInstrumentedSandbox_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		result *sandbox.ProcessResult
		err    error
		want   string
	}{
		{"success", &sandbox.ProcessResult{}, nil, "success"},
		{"timeout", &sandbox.ProcessResult{TimedOut: true, ExitCode: -1}, nil, "timeout"},
		{"nonzero exit", &sandbox.ProcessResult{ExitCode: 3}, nil, "nonzero_exit"},
		{"error", nil, errors.New("fork failed"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			wrap := SandboxInstrument(metrics, nil)
			s := wrap(sandbox.BackendProcess, &mockSandbox{result: tt.result, err: tt.err})
			_, _ = s.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"true"}})

			val := counterValue(t, metrics.Registry, "cubelink_sandbox_processes_total", prometheus.Labels{"backend": "process", "status": tt.want})
			if val != 1 {
				t.Errorf("processes_total{status=%q} = %v, want 1", tt.want, val)
			}
		})
	}
}

// --- Route labels ---

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/v1/runs", "/v1/runs"},
		{"/v1/runs/6f1c2a3e-9d4b-4c55-8a0e-2b7f3c9d1e00", "/v1/runs/:id"},
		{"/v1/runs/6f1c2a3e-9d4b-4c55-8a0e-2b7f3c9d1e00/watch", "/v1/runs/:id/watch"},
		{"/v1/runs/not-a-uuid", "/v1/runs/not-a-uuid"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.in); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}
