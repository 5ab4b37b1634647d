// Package scheduler plays demos on cron schedules through the regular
// pipeline. Scheduled runs are ordinary runs: they are resolved, executed,
// delivered and logged exactly like API submissions, under the user
// "scheduler:<name>".
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/cubelink/internal/config"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/source"
)

// ErrUnknownSchedule is returned by Trigger for a name not in the config.
var ErrUnknownSchedule = errors.New("unknown schedule")

// Runner runs one pipeline request to completion. *pipeline.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// JobStatus is the observable state of one schedule.
type JobStatus struct {
	Name      string
	Spec      string
	Port      string
	Dialect   string
	Demo      string
	Running   bool
	NextRunAt *time.Time
	LastRunAt *time.Time
	LastRunID uuid.UUID
	LastError string
}

type job struct {
	cfg     config.ScheduleConfig
	dialect sandbox.Dialect
	sched   cron.Schedule

	mu        sync.Mutex
	running   bool
	lastRunAt *time.Time
	lastRunID uuid.UUID
	lastError string
}

// Scheduler fires configured schedules. Overlapping firings of the same
// schedule are skipped; MaxConcurrentJobs bounds firings across schedules.
type Scheduler struct {
	runner  Runner
	metrics *Metrics
	logger  *slog.Logger
	config  *config.SchedulerConfig

	jobs  []*job
	sem   chan struct{}
	cron  *cron.Cron
	wg    sync.WaitGroup
	clock func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler. It fails on an invalid cron expression or dialect.
func New(runner Runner, metrics *Metrics, logger *slog.Logger, cfg *config.SchedulerConfig) (*Scheduler, error) {
	if cfg == nil {
		cfg = &config.SchedulerConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:  runner,
		metrics: metrics,
		logger:  logger.With("component", "scheduler"),
		config:  cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrent()),
		clock:   time.Now,
	}
	for _, sc := range cfg.Schedules {
		sched, err := parser.Parse(sc.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: invalid cron expression %q: %w", sc.Name, sc.Spec, err)
		}
		dialect, err := sandbox.ParseDialect(sc.Dialect)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
		s.jobs = append(s.jobs, &job{cfg: sc, dialect: dialect, sched: sched})
	}
	return s, nil
}

// Start registers every schedule and begins firing. Returns a cancel
// function that stops the cron loop and waits for in-flight runs.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	for _, j := range s.jobs {
		s.cron.Schedule(j.sched, cron.FuncJob(func() { s.fire(ctx, j) }))
	}
	s.cron.Start()

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Int("schedules", len(s.jobs)),
		slog.Int("max_concurrent", s.config.MaxConcurrent()),
	)

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	}
}

// Trigger fires a schedule now, outside its cron cadence, and waits for the
// run to finish.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*pipeline.Outcome, error) {
	for _, j := range s.jobs {
		if j.cfg.Name == name {
			return s.run(ctx, j)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
}

// Jobs returns the status of every schedule, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	now := s.clock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		next := j.sched.Next(now).UTC()
		j.mu.Lock()
		out = append(out, JobStatus{
			Name:      j.cfg.Name,
			Spec:      j.cfg.Spec,
			Port:      j.cfg.Port,
			Dialect:   string(j.dialect),
			Demo:      j.cfg.Demo,
			Running:   j.running,
			NextRunAt: &next,
			LastRunAt: j.lastRunAt,
			LastRunID: j.lastRunID,
			LastError: j.lastError,
		})
		j.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// fire is the cron callback.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	if ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	_, _ = s.run(ctx, j)
}

// errAlreadyRunning is recorded when a firing overlaps the previous one.
var errAlreadyRunning = errors.New("previous run still in progress")

func (s *Scheduler) run(ctx context.Context, j *job) (*pipeline.Outcome, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		if s.metrics != nil {
			s.metrics.JobsSkipped.Inc()
		}
		s.logger.WarnContext(ctx, "schedule skipped", slog.String("name", j.cfg.Name), slog.String("reason", errAlreadyRunning.Error()))
		return nil, errAlreadyRunning
	}
	j.running = true
	j.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	start := s.clock()
	s.logger.InfoContext(ctx, "firing schedule",
		slog.String("name", j.cfg.Name),
		slog.String("demo", j.cfg.Demo),
		slog.String("port", j.cfg.Port),
	)
	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	out, err := s.runner.Run(ctx, pipeline.Request{
		UserID:  "scheduler:" + j.cfg.Name,
		Port:    j.cfg.Port,
		Input:   source.Input{DemoName: j.cfg.Demo},
		Dialect: j.dialect,
	})

	ranAt := start.UTC()
	j.mu.Lock()
	j.running = false
	j.lastRunAt = &ranAt
	j.lastError = ""
	j.lastRunID = uuid.Nil
	switch {
	case err != nil:
		j.lastError = err.Error()
	case out != nil && out.Run != nil:
		j.lastRunID = out.Run.ID
		j.lastError = firstNonEmpty(out.Run.TransportError, execFault(out))
	}
	lastError := j.lastError
	j.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RunDuration.Observe(s.clock().Sub(start).Seconds())
		if lastError != "" {
			s.metrics.JobsFailed.Inc()
		} else {
			s.metrics.JobsSucceeded.Inc()
		}
	}
	if lastError != "" {
		s.logger.ErrorContext(ctx, "scheduled run failed",
			slog.String("name", j.cfg.Name),
			slog.String("error", lastError),
		)
	}
	return out, err
}

// execFault returns the execution fault message, if any. Timeouts are not
// faults.
func execFault(out *pipeline.Outcome) string {
	if out.Result != nil && out.Result.Status == instruction.StatusError {
		return out.Result.Message
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// NextRunFrom computes the next firing of a cron expression after from.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
