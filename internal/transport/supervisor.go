package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// SupervisorConfig bounds supervised deliveries.
type SupervisorConfig struct {
	Session SessionOptions
	// SessionDeadline is the wall-clock budget for one delivery, connection
	// setup included.
	SessionDeadline time.Duration
	// Grace is how long an aborted delivery is given to wind down after its
	// port was closed.
	Grace time.Duration
	// RecoveryTimeout bounds the recovery session that clears the display.
	RecoveryTimeout time.Duration
	// LockWait bounds how long a delivery queues for a busy port. The
	// session deadline starts once the port is held.
	LockWait time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.SessionDeadline <= 0 {
		c.SessionDeadline = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 10 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = time.Minute
	}
	if c.Session.BaudRate <= 0 {
		c.Session.BaudRate = DefaultBaudRate
	}
	if c.Session.Encoding == "" {
		c.Session.Encoding = instruction.EncodingStreaming
	}
	return c
}

// Report describes the outcome of a supervised delivery.
type Report struct {
	Port      string
	Total     int
	Acked     int
	Final     State
	States    []State
	Recovered bool
	// RecoveryErr is set when the display could not be cleared after an abort.
	RecoveryErr error
	Duration    time.Duration
}

// Outcome returns the state that decided the delivery: completed or one of
// the aborted states. It is idle when the delivery never started.
func (r *Report) Outcome() State {
	for _, st := range r.States {
		switch st {
		case StateCompleted, StateAbortedByError, StateAbortedByTimeout:
			return st
		}
	}
	return StateIdle
}

// Supervisor runs deliveries under a deadline and clears the display on a
// fresh connection when a delivery has to be abandoned.
type Supervisor struct {
	opener Opener
	locks  *PortLocks
	cfg    SupervisorConfig
	logger *slog.Logger
}

// NewSupervisor creates a supervisor. A nil locks table gets a private one.
func NewSupervisor(opener Opener, locks *PortLocks, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if locks == nil {
		locks = NewPortLocks()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opener: opener,
		locks:  locks,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "transport"),
	}
}

// Config returns the effective configuration.
func (s *Supervisor) Config() SupervisorConfig { return s.cfg }

// Locks returns the port lock table shared by all sessions of this supervisor.
func (s *Supervisor) Locks() *PortLocks { return s.locks }

type unitResult struct {
	err error
}

// ackCounter forwards ACK notifications and keeps a running count that stays
// readable after the unit has been abandoned.
type ackCounter struct {
	Observer
	n atomic.Int64
}

func (a *ackCounter) OnAck(i int, in instruction.Instruction, wait time.Duration) {
	a.n.Add(1)
	a.Observer.OnAck(i, in, wait)
}

// Deliver streams seq to port. The returned error is nil only when every
// line was acknowledged; on ErrSessionTimeout the report tells whether the
// display was recovered. The port is held from before the session deadline
// starts until recovery is done, so queueing behind another delivery does
// not count against the deadline.
func (s *Supervisor) Deliver(ctx context.Context, port string, seq []instruction.Instruction, obs Observer) (*Report, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	start := time.Now()
	tr := newTracker(obs.OnState)
	counter := &ackCounter{Observer: obs}
	report := &Report{Port: port, Total: len(seq)}
	finish := func() {
		report.Acked = int(counter.n.Load())
		report.Final = tr.state()
		report.States = tr.states()
		report.Duration = time.Since(start)
	}
	logger := s.logger.With("port", port, "lines", len(seq))

	lockCtx, cancelLock := context.WithTimeout(ctx, s.cfg.LockWait)
	release, err := s.locks.Acquire(lockCtx, port)
	cancelLock()
	if err != nil {
		finish()
		err = &TransportError{Op: "lock", Port: port, Err: err}
		logger.Error("port not available", "error", err, "waited", time.Since(start))
		return report, err
	}
	defer release()
	logger.Debug("port acquired", "waited", time.Since(start))

	unitCtx, cancel := context.WithTimeout(ctx, s.cfg.SessionDeadline)
	defer cancel()

	var (
		mu      sync.Mutex
		session *Session
		aborted bool
	)
	done := make(chan unitResult, 1)

	go func() {
		tr.to(StateConnecting)
		sess, err := openHeld(unitCtx, s.opener, port, s.cfg.Session, s.logger, nil)
		if err != nil {
			done <- unitResult{err: err}
			return
		}
		mu.Lock()
		if aborted {
			mu.Unlock()
			_ = sess.Close()
			done <- unitResult{err: ErrSessionTimeout}
			return
		}
		session = sess
		mu.Unlock()

		tr.to(StateStreaming)
		_, err = Stream(unitCtx, sess, seq, counter)
		_ = sess.Close()
		done <- unitResult{err: err}
	}()

	var res unitResult
	select {
	case res = <-done:
		if res.err == nil {
			tr.to(StateCompleted)
			tr.to(StateClosed)
			finish()
			logger.Info("delivery completed", "duration", time.Since(start))
			return report, nil
		}
		if unitCtx.Err() == nil {
			tr.to(StateAbortedByError)
			tr.to(StateClosed)
			finish()
			logger.Error("delivery failed", "error", res.err, "acked", report.Acked)
			return report, res.err
		}
	case <-unitCtx.Done():
		mu.Lock()
		aborted = true
		sess := session
		mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		timer := time.NewTimer(s.cfg.Grace)
		select {
		case <-done:
		case <-timer.C:
			logger.Warn("transport unit did not stop within grace period", "grace", s.cfg.Grace)
		}
		timer.Stop()
	}

	tr.to(StateAbortedByTimeout)
	logger.Warn("delivery aborted by deadline", "deadline", s.cfg.SessionDeadline, "acked", counter.n.Load())

	rerr := s.recoverDisplay(ctx, port, tr)
	report.Recovered = rerr == nil
	report.RecoveryErr = rerr
	finish()
	if rerr != nil {
		logger.Error("recovery clear failed", "error", rerr)
	} else {
		logger.Info("display recovered")
	}
	return report, fmt.Errorf("%w after %s", ErrSessionTimeout, s.cfg.SessionDeadline)
}

// recoverDisplay opens a new session on a port the caller holds and sends
// one clear line. It runs on a context detached from the caller so a
// cancelled request still leaves the display dark.
func (s *Supervisor) recoverDisplay(ctx context.Context, port string, tr *tracker) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RecoveryTimeout)
	defer cancel()

	tr.to(StateRecoveryConnecting)
	sess, err := openHeld(rctx, s.opener, port, s.cfg.Session, s.logger, nil)
	if err != nil {
		tr.to(StateClosed)
		return err
	}
	defer func() {
		_ = sess.Close()
		tr.to(StateClosed)
	}()
	if err := sess.Send(instruction.ClearCube(s.cfg.Session.Encoding).Line()); err != nil {
		return err
	}
	tr.to(StateRecoveryClearSent)
	return nil
}

// Clear opens a session on port and sends a single clear line.
func (s *Supervisor) Clear(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RecoveryTimeout)
	defer cancel()
	sess, err := OpenSession(ctx, s.opener, s.locks, port, s.cfg.Session, s.logger)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	if err := sess.Send(instruction.ClearCube(s.cfg.Session.Encoding).Line()); err != nil {
		return err
	}
	s.logger.Info("display cleared", "port", port)
	return nil
}

// IsTimeout reports whether err came from an aborted delivery.
func IsTimeout(err error) bool { return errors.Is(err, ErrSessionTimeout) }
