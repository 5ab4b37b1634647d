package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// SessionOptions configures how a session talks to the device.
type SessionOptions struct {
	BaudRate int
	// SettleDelay is waited after opening a physical port when no ReadyLine
	// is configured. Opening the port resets the board, and lines written
	// while it boots are lost. Simulated ports skip it.
	SettleDelay time.Duration
	// ReadyLine, when set, is awaited instead of sleeping SettleDelay.
	ReadyLine string
	// Encoding selects the form of the clear line sent on close.
	Encoding instruction.Encoding
}

// Session is one exclusive, open connection to a device port.
type Session struct {
	port     string
	opts     SessionOptions
	conn     Port
	release  func()
	logger   *slog.Logger
	lines    chan string
	done     chan struct{}
	readErr  error
	openedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

// OpenSession acquires the port lock, opens the port and waits until the
// device is ready to receive lines.
func OpenSession(ctx context.Context, opener Opener, locks *PortLocks, port string, opts SessionOptions, logger *slog.Logger) (*Session, error) {
	release, err := locks.Acquire(ctx, port)
	if err != nil {
		return nil, &TransportError{Op: "lock", Port: port, Err: err}
	}
	sess, err := openHeld(ctx, opener, port, opts, logger, release)
	if err != nil {
		release()
		return nil, err
	}
	return sess, nil
}

// openHeld opens port for a caller that already holds its lock. release,
// when not nil, is called by Close.
func openHeld(ctx context.Context, opener Opener, port string, opts SessionOptions, logger *slog.Logger, release func()) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := opener.Open(ctx, port, opts.BaudRate)
	if err != nil {
		return nil, &TransportError{Op: "open", Port: port, Err: err}
	}

	s := &Session{
		port:     port,
		opts:     opts,
		conn:     conn,
		release:  release,
		logger:   logger.With("port", port),
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
		openedAt: time.Now(),
	}
	go s.readLoop()

	if err := s.handshake(ctx); err != nil {
		_ = s.Close()
		return nil, &TransportError{Op: "handshake", Port: port, Err: err}
	}
	s.logger.Debug("session open", "settle", time.Since(s.openedAt))
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	if s.opts.ReadyLine != "" {
		for {
			line, err := s.readLine(ctx)
			if err != nil {
				return err
			}
			if line == s.opts.ReadyLine {
				return nil
			}
		}
	}
	if s.opts.SettleDelay <= 0 || IsSim(s.port) {
		return nil
	}
	timer := time.NewTimer(s.opts.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.readErr = err
	} else {
		s.readErr = io.EOF
	}
}

// readLine returns the next non-empty line from the device.
func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-s.lines:
		if !ok {
			if s.readErr == nil || s.readErr == io.EOF {
				return "", ErrDeviceClosed
			}
			return "", s.readErr
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send writes one protocol line followed by a newline.
func (s *Session) Send(line string) error {
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		return &TransportError{Op: "write", Port: s.port, Err: err}
	}
	return nil
}

// AwaitAck blocks until the device acknowledges, skipping any other output.
func (s *Session) AwaitAck(ctx context.Context) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return &TransportError{Op: "read", Port: s.port, Err: err}
		}
		if line == instruction.AckLine {
			return nil
		}
		s.logger.Debug("device output", "line", line)
	}
}

// Port returns the port name.
func (s *Session) Port() string { return s.port }

// Encoding returns the encoding of the session's clear line.
func (s *Session) Encoding() instruction.Encoding { return s.opts.Encoding }

// Close closes the port and releases its lock. It is safe to call more than
// once and from another goroutine than the one using the session; a blocked
// AwaitAck returns once the port is closed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.conn.Close()
		if s.release != nil {
			s.release()
		}
		s.logger.Debug("session closed", "open_for", time.Since(s.openedAt))
	})
	return s.closeErr
}
