// Package logging builds the process logger. Records fan out to stderr, an
// optional JSON file and, when running as a systemd service, the journal.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn or error
	Format string // text or json
	// File, if set, receives every record as JSON in addition to stderr.
	File string
	// Journal selects journal output: "auto" (only under a systemd unit),
	// "on" or "off".
	Journal string
	// Stderr overrides os.Stderr, for tests.
	Stderr io.Writer
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New returns a logger and a close function that flushes the log file.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	closeFn := func() error { return nil }
	var handlers []slog.Handler

	journal := wantJournal(opts.Journal)
	// Under systemd stderr also lands in the journal; skip it to avoid duplicates.
	if !journal || opts.Journal == "on" {
		switch strings.ToLower(opts.Format) {
		case "", "text":
			handlers = append(handlers, slog.NewTextHandler(stderr, hopts))
		case "json":
			handlers = append(handlers, slog.NewJSONHandler(stderr, hopts))
		default:
			return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
		}
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, hopts))
		closeFn = f.Close
	}

	if journal {
		jh, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return JournalKey(key)
			},
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				a.Key = JournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			if len(handlers) == 0 {
				handlers = append(handlers, slog.NewTextHandler(stderr, hopts))
			}
			r := slog.NewRecord(time.Now(), slog.LevelWarn, "systemd journal unavailable", 0)
			r.Add("error", err)
			_ = handlers[0].Handle(context.Background(), r)
		} else {
			handlers = append(handlers, jh)
		}
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

// JournalKey converts an attribute key into a valid journal field name.
func JournalKey(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToUpper(s))
}

func wantJournal(mode string) bool {
	switch mode {
	case "on":
		return true
	case "auto":
		return underSystemd()
	}
	return false
}

func underSystemd() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}
