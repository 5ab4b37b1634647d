package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/transport"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a pipeline.Executor with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner   pipeline.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner pipeline.Executor, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, p sandbox.Program) (*instruction.ExecutionResult, error) {
	dialect := string(p.Dialect)
	if dialect == "" {
		dialect = string(sandbox.DialectPython)
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "pipeline.execute",
			trace.WithAttributes(
				attribute.String("program.dialect", dialect),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, p)
	duration := time.Since(start).Seconds()

	status := string(instruction.StatusError)
	if result != nil && result.Status != "" {
		status = string(result.Status)
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("execution.status", status),
			attribute.Int("execution.instructions", result.Len()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(dialect, status).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(dialect).Observe(duration)
		e.metrics.InstructionsCaptured.WithLabelValues(dialect).Observe(float64(result.Len()))
	}

	if e.anomaly != nil {
		if status == string(instruction.StatusError) {
			e.anomaly.RecordFailure("execution:" + dialect)
		} else {
			e.anomaly.RecordSuccess("execution:" + dialect)
		}
	}

	return result, err
}

// --- InstrumentedDeliverer ---

// InstrumentedDeliverer wraps a pipeline.Deliverer with metrics, tracing, and anomaly detection.
type InstrumentedDeliverer struct {
	inner   pipeline.Deliverer
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedDeliverer wraps a deliverer with observability.
func NewInstrumentedDeliverer(inner pipeline.Deliverer, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedDeliverer {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedDeliverer{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (d *InstrumentedDeliverer) Deliver(ctx context.Context, port string, seq []instruction.Instruction, obs transport.Observer) (*transport.Report, error) {
	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "pipeline.deliver",
			trace.WithAttributes(
				attribute.String("device.port", port),
				attribute.Int("delivery.lines", len(seq)),
			))
		defer span.End()
	}

	if obs == nil {
		obs = transport.NopObserver{}
	}
	if d.metrics != nil {
		d.metrics.ActiveDeliveries.Inc()
		defer d.metrics.ActiveDeliveries.Dec()
		obs = &ackMetrics{Observer: obs, metrics: d.metrics}
	}

	start := time.Now()
	report, err := d.inner.Deliver(ctx, port, seq, obs)
	duration := time.Since(start).Seconds()

	outcome := transport.StateIdle
	if report != nil {
		outcome = report.Outcome()
	}

	if span != nil {
		span.SetAttributes(attribute.String("delivery.outcome", string(outcome)))
		if report != nil {
			span.SetAttributes(
				attribute.Int("delivery.acked", report.Acked),
				attribute.Bool("delivery.recovered", report.Recovered),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if d.metrics != nil {
		d.metrics.DeliveriesTotal.WithLabelValues(string(outcome)).Inc()
		d.metrics.DeliveryDuration.Observe(duration)
		if outcome == transport.StateAbortedByTimeout && report != nil {
			result := "cleared"
			if !report.Recovered {
				result = "failed"
			}
			d.metrics.RecoveriesTotal.WithLabelValues(result).Inc()
		}
	}

	if d.anomaly != nil {
		if err != nil {
			d.anomaly.RecordFailure("delivery:" + port)
		} else {
			d.anomaly.RecordSuccess("delivery:" + port)
		}
	}

	return report, err
}

func (d *InstrumentedDeliverer) Clear(ctx context.Context, port string) error {
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "pipeline.clear",
			trace.WithAttributes(
				attribute.String("device.port", port),
			))
		defer span.End()
	}

	err := d.inner.Clear(ctx, port)
	if err != nil && d.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ackMetrics records ACK latency before forwarding to the wrapped observer.
type ackMetrics struct {
	transport.Observer
	metrics *MetricsCollector
}

func (a *ackMetrics) OnAck(i int, in instruction.Instruction, wait time.Duration) {
	a.metrics.AckWait.Observe(wait.Seconds())
	a.metrics.LinesAcked.Inc()
	a.Observer.OnAck(i, in, wait)
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string // "process" or "docker"
	metrics     *MetricsCollector
	tracer      trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// SandboxInstrument returns a hook for sandbox.Config.Instrument that wraps
// every backend the supervisor builds.
func SandboxInstrument(metrics *MetricsCollector, ts *TracerSetup) func(string, sandbox.Sandbox) sandbox.Sandbox {
	return func(backend string, sb sandbox.Sandbox) sandbox.Sandbox {
		return NewInstrumentedSandbox(sb, backend, metrics, ts)
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ProcessResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.process",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.TimedOut:
		status = "timeout"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxProcessesTotal.WithLabelValues(s.sandboxType, status).Inc()
		s.metrics.SandboxProcessDuration.WithLabelValues(s.sandboxType).Observe(duration)
	}

	return result, err
}

// --- Compile-time interface checks ---

var (
	_ pipeline.Executor  = (*InstrumentedExecutor)(nil)
	_ pipeline.Deliverer = (*InstrumentedDeliverer)(nil)
	_ sandbox.Sandbox    = (*InstrumentedSandbox)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
