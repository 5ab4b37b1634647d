// Package pipeline ties source resolution, sandboxed execution and device
// delivery together into runs. A run either fails to start with a
// source.ConfigError or always ends with the device cleared; execution and
// transport failures are recorded on the run, never returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/source"
	"github.com/jkaninda/cubelink/internal/storage"
	"github.com/jkaninda/cubelink/internal/transport"
)

// Executor runs a program and captures its instruction stream.
// *sandbox.Supervisor satisfies it.
type Executor interface {
	Execute(ctx context.Context, p sandbox.Program) (*instruction.ExecutionResult, error)
}

// Deliverer streams instructions to a device. *transport.Supervisor
// satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, port string, seq []instruction.Instruction, obs transport.Observer) (*transport.Report, error)
	Clear(ctx context.Context, port string) error
}

// Notifier is told about every finished run. It must not keep run.
type Notifier interface {
	RunFinished(ctx context.Context, run *domain.Run)
}

// Request is one pipeline invocation.
type Request struct {
	UserID string
	// Port defaults to the runner's default port.
	Port  string
	Input source.Input
	// Arguments is the raw input string, kept on the run record. When Input
	// is zero it is parsed into Input.
	Arguments string
	// Dialect is inferred from Input when empty.
	Dialect sandbox.Dialect
	// DryRun executes without delivering.
	DryRun bool
}

// Outcome is the result of a run.
type Outcome struct {
	Run    *domain.Run
	Result *instruction.ExecutionResult
	// Report is nil for dry runs and for runs still delivering.
	Report *transport.Report
}

// Options configures a Runner.
type Options struct {
	Resolver  *source.Resolver
	Executor  Executor
	Deliverer Deliverer
	// Runs persists run records; nil disables the run log.
	Runs   storage.RunStore
	Broker *Broker
	// Notifier, if set, is called after a run's record is final.
	Notifier    Notifier
	DefaultPort string
	Logger      *slog.Logger
}

// Runner executes pipeline runs.
type Runner struct {
	resolver    *source.Resolver
	exec        Executor
	deliver     Deliverer
	runs        storage.RunStore
	broker      *Broker
	notifier    Notifier
	defaultPort string
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	if opts.Resolver == nil {
		opts.Resolver = &source.Resolver{}
	}
	if opts.Broker == nil {
		opts.Broker = NewBroker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		resolver:    opts.Resolver,
		exec:        opts.Executor,
		deliver:     opts.Deliverer,
		runs:        opts.Runs,
		broker:      opts.Broker,
		notifier:    opts.Notifier,
		defaultPort: opts.DefaultPort,
		logger:      opts.Logger.With("component", "pipeline"),
	}
}

// Events returns the broker run progress is published on.
func (r *Runner) Events() *Broker { return r.broker }

// Resolver returns the source resolver.
func (r *Runner) Resolver() *source.Resolver { return r.resolver }

// DefaultPort returns the port used when a request names none.
func (r *Runner) DefaultPort() string { return r.defaultPort }

// Run executes req and delivers its instructions, blocking until the
// device has been released.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	out, err := r.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.DryRun {
		r.finishDryRun(ctx, out)
		return out, nil
	}
	r.Deliver(ctx, out)
	return out, nil
}

// Submit executes req synchronously and delivers in the background, so the
// caller learns about code errors right away. The delivery outlives ctx;
// use Wait to drain it.
func (r *Runner) Submit(ctx context.Context, req Request) (*Outcome, error) {
	out, err := r.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.DryRun {
		r.finishDryRun(ctx, out)
		return out, nil
	}

	// Callers read the returned run; the background delivery works on a copy.
	bg := &Outcome{Result: out.Result}
	runCopy := *out.Run
	bg.Run = &runCopy

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Deliver(context.WithoutCancel(ctx), bg)
	}()
	return out, nil
}

// Wait blocks until background deliveries finish or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prepare resolves the source, records the run and executes the program.
// Only a *source.ConfigError is returned; execution faults and timeouts are
// reported in the outcome.
func (r *Runner) Prepare(ctx context.Context, req Request) (*Outcome, error) {
	in := req.Input
	if in.IsZero() && req.Arguments != "" {
		in = source.ParseInput(req.Arguments)
	}
	args := req.Arguments
	if args == "" {
		args = in.Format()
	}

	port := req.Port
	if port == "" {
		port = r.defaultPort
	}
	if port == "" && !req.DryRun {
		return nil, &source.ConfigError{Msg: "no device port: set one on the request or configure a default"}
	}

	resolved, err := r.resolver.Resolve(in, req.Dialect)
	if err != nil {
		return nil, err
	}

	run := &domain.Run{
		UserID:    req.UserID,
		Port:      port,
		Dialect:   string(resolved.Program.Dialect),
		Source:    string(resolved.Kind),
		DemoName:  in.DemoName,
		Arguments: args,
		Status:    domain.RunExecuting,
		StartedAt: time.Now().UTC(),
	}
	r.create(ctx, run)

	logger := r.logger.With(
		slog.String("run_id", run.ID.String()),
		slog.String("dialect", run.Dialect),
		slog.String("source", run.Source),
	)

	result, execErr := r.exec.Execute(ctx, resolved.Program)
	if result == nil {
		result = &instruction.ExecutionResult{Status: instruction.StatusError}
		if execErr != nil {
			result.Message = execErr.Error()
		}
	}
	if execErr != nil {
		var srcErr *sandbox.SourceError
		if errors.As(execErr, &srcErr) {
			logger.Info("program faulted", slog.String("message", srcErr.Message), slog.Int("instructions", result.Len()))
		} else {
			logger.Error("execution failed", slog.String("error", execErr.Error()))
		}
	}

	run.ExecStatus = string(result.Status)
	run.ExecMessage = result.Message
	run.Instructions = result.Len()
	run.Truncated = result.Truncated
	if result.Status == instruction.StatusTimedOut {
		t := time.Now().UTC()
		run.TimedOutAt = &t
	}
	run.Status = domain.RunStreaming
	r.update(ctx, run)

	r.broker.Publish(Event{
		RunID:        run.ID,
		Type:         EventExecuted,
		Status:       run.ExecStatus,
		Message:      run.ExecMessage,
		Instructions: run.Instructions,
	})
	return &Outcome{Run: run, Result: result}, nil
}

// Deliver streams a prepared outcome to its port and records the result.
// Transport failures end up on the run record.
func (r *Runner) Deliver(ctx context.Context, out *Outcome) {
	run := out.Run
	logger := r.logger.With(slog.String("run_id", run.ID.String()), slog.String("port", run.Port))

	report, err := r.deliver.Deliver(ctx, run.Port, out.Result.Instructions, &runObserver{broker: r.broker, runID: run.ID})
	out.Report = report

	if report != nil {
		run.TransportState = string(report.Outcome())
		run.States = stateNames(report.States)
		run.Acked = report.Acked
		run.Recovered = report.Recovered
	}
	run.Status = domain.RunDone
	if err != nil {
		run.Status = domain.RunFailed
		run.TransportError = err.Error()
		switch {
		case transport.IsTimeout(err):
			if run.TimedOutAt == nil {
				t := time.Now().UTC()
				run.TimedOutAt = &t
			}
			logger.Warn("delivery timed out",
				slog.Bool("recovered", run.Recovered),
				slog.Int("acked", run.Acked),
			)
		default:
			logger.Error("delivery failed", slog.String("error", err.Error()), slog.Int("acked", run.Acked))
		}
	}
	if report != nil && report.RecoveryErr != nil {
		logger.Error("display recovery failed", slog.String("error", report.RecoveryErr.Error()))
	}
	r.finish(ctx, run)

	logger.Info("run finished",
		slog.String("status", string(run.Status)),
		slog.String("exec_status", run.ExecStatus),
		slog.String("transport_state", run.TransportState),
		slog.Int("acked", run.Acked),
		slog.Int("instructions", run.Instructions),
	)
}

// Clear sends a single clear command to port, or to the default port when
// port is empty.
func (r *Runner) Clear(ctx context.Context, port string) error {
	if port == "" {
		port = r.defaultPort
	}
	if port == "" {
		return &source.ConfigError{Msg: "no device port to clear"}
	}
	if err := r.deliver.Clear(ctx, port); err != nil {
		return fmt.Errorf("clearing %s: %w", port, err)
	}
	return nil
}

func (r *Runner) finishDryRun(ctx context.Context, out *Outcome) {
	out.Run.Status = domain.RunDone
	r.finish(ctx, out.Run)
}

func (r *Runner) finish(ctx context.Context, run *domain.Run) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	r.update(context.WithoutCancel(ctx), run)
	r.broker.Publish(Event{
		RunID:   run.ID,
		Type:    EventDone,
		Status:  string(run.Status),
		Message: run.TransportError,
		State:   run.TransportState,
	})
	if r.notifier != nil {
		r.notifier.RunFinished(context.WithoutCancel(ctx), run)
	}
}

func (r *Runner) create(ctx context.Context, run *domain.Run) {
	if r.runs == nil {
		run.ID = newRunID()
		return
	}
	if err := r.runs.Create(ctx, run); err != nil {
		// The run proceeds without a log entry.
		r.logger.Error("recording run", slog.String("error", err.Error()))
		run.ID = newRunID()
	}
}

func (r *Runner) update(ctx context.Context, run *domain.Run) {
	if r.runs == nil {
		return
	}
	if err := r.runs.Update(ctx, run); err != nil {
		r.logger.Error("updating run", slog.String("run_id", run.ID.String()), slog.String("error", err.Error()))
	}
}

func stateNames(states []transport.State) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}
