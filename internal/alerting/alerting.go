// Package alerting watches the readiness checks (device port, database,
// sandbox binaries, failure rates) and sends a notification whenever one
// starts or stops failing.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/cubelink/internal/notification"
	"github.com/jkaninda/cubelink/internal/observability"
)

// Readiness runs the readiness checks. *observability.HealthChecker
// satisfies it.
type Readiness interface {
	CheckReady(ctx context.Context) observability.HealthStatus
}

// Notifier sends a message to every channel. *notification.Dispatcher
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, msg *notification.Message) map[string]error
}

// Transition is a check that changed between failing and passing.
type Transition struct {
	Check   string
	Failing bool
	Message string // Failure message; empty when resolved.
}

// Checker polls readiness and alerts on transitions.
type Checker struct {
	health   Readiness
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	failing map[string]string // check name -> last failure message
}

// NewChecker creates a Checker. interval must be positive for Start.
func NewChecker(health Readiness, notifier Notifier, metrics *Metrics, logger *slog.Logger, interval time.Duration) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		health:   health,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With("component", "alerting"),
		interval: interval,
		failing:  make(map[string]string),
	}
}

// Start begins the checker loop. The returned function stops it and waits
// for the loop to exit.
func (c *Checker) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.logger.InfoContext(ctx, "readiness watchdog started", slog.String("interval", c.interval.String()))

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("readiness watchdog stopped")
				return
			case <-ticker.C:
				c.Tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Tick runs the checks once and alerts on any transitions, which it returns.
func (c *Checker) Tick(ctx context.Context) []Transition {
	start := time.Now()
	status := c.health.CheckReady(ctx)
	if c.metrics != nil {
		c.metrics.ChecksRun.Inc()
		c.metrics.CheckDuration.Observe(time.Since(start).Seconds())
	}

	transitions := c.diff(status)
	if len(transitions) == 0 {
		return nil
	}

	errs := c.notifier.Notify(ctx, transitionMessage(transitions))
	sent := 0
	for _, err := range errs {
		if err == nil {
			sent++
		}
	}
	if c.metrics != nil {
		c.metrics.AlertsFired.Add(float64(len(transitions)))
		if sent < len(errs) {
			c.metrics.NotifyFailures.Inc()
		}
	}
	c.logger.Info("readiness changed",
		slog.Int("transitions", len(transitions)),
		slog.Int("channels_notified", sent),
	)
	return transitions
}

func (c *Checker) diff(status observability.HealthStatus) []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Transition
	for name, res := range status.Checks {
		_, wasFailing := c.failing[name]
		switch {
		case res.Status != "ok":
			if !wasFailing {
				out = append(out, Transition{Check: name, Failing: true, Message: res.Message})
			}
			c.failing[name] = res.Message
		case wasFailing:
			delete(c.failing, name)
			out = append(out, Transition{Check: name})
		}
	}
	// A check that is no longer registered counts as resolved.
	for name := range c.failing {
		if _, ok := status.Checks[name]; !ok {
			delete(c.failing, name)
			out = append(out, Transition{Check: name})
		}
	}
	slices.SortFunc(out, func(a, b Transition) int { return strings.Compare(a.Check, b.Check) })
	return out
}

// Failing returns the currently failing checks and their messages.
func (c *Checker) Failing() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.failing))
	for k, v := range c.failing {
		out[k] = v
	}
	return out
}

func transitionMessage(ts []Transition) *notification.Message {
	var failing, resolved []string
	var b strings.Builder
	for _, t := range ts {
		if t.Failing {
			failing = append(failing, t.Check)
			fmt.Fprintf(&b, "FAILING %s: %s\n", t.Check, t.Message)
		} else {
			resolved = append(resolved, t.Check)
			fmt.Fprintf(&b, "resolved %s\n", t.Check)
		}
	}

	subject := "cubelink readiness restored"
	if len(failing) > 0 {
		subject = "cubelink not ready: " + strings.Join(failing, ", ")
	}
	return &notification.Message{
		Subject: subject,
		Body:    strings.TrimRight(b.String(), "\n"),
		Metadata: map[string]string{
			"failing":  strings.Join(failing, ","),
			"resolved": strings.Join(resolved, ","),
		},
	}
}
