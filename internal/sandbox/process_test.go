package sandbox

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestProcessSandbox() *ProcessSandbox {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewProcessSandbox(ProcessConfig{DefaultTimeout: 10 * time.Second}, logger)
}

func TestProcessSandbox_BasicExecution(t *testing.T) {
	sbx := newTestProcessSandbox()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"cat"},
		Stdin:   []byte("hello"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != "hello" {
		t.Errorf("exit = %d, stdout = %q", result.ExitCode, result.Stdout)
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	sbx := newTestProcessSandbox()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo oops >&2; exit 42"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestProcessSandbox_TimeoutKeepsOutput(t *testing.T) {
	sbx := newTestProcessSandbox()

	start := time.Now()
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		// The background sleep inherits stdout; killing the group must still
		// let Execute return promptly.
		Command: []string{"sh", "-c", "echo before; sleep 30 & sleep 30"},
		Timeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected TimedOut")
	}
	if result.Stdout != "before\n" {
		t.Errorf("stdout = %q, want partial output", result.Stdout)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("returned after %s", elapsed)
	}
}

func TestProcessSandbox_SanitizedEnv(t *testing.T) {
	t.Setenv("CUBELINK_SECRET", "leak")
	sbx := newTestProcessSandbox()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo \"[$CUBELINK_SECRET][$EXTRA]\""},
		Env:     map[string]string{"EXTRA": "ok"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "[][ok]" {
		t.Errorf("env = %q, want host variables hidden", got)
	}
}

func TestProcessSandbox_EmptyCommand(t *testing.T) {
	if _, err := newTestProcessSandbox().Execute(context.Background(), ExecutionRequest{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestUlimitScript(t *testing.T) {
	tests := []struct {
		limits ResourceLimits
		want   string
	}{
		{ResourceLimits{}, `exec "$@"`},
		{ResourceLimits{MaxCPUSeconds: 2}, `ulimit -t 2 2>/dev/null; exec "$@"`},
		{ResourceLimits{MaxCPUSeconds: 2, MaxMemoryMB: 1}, `ulimit -v 1024 2>/dev/null; ulimit -t 2 2>/dev/null; exec "$@"`},
	}
	for _, tt := range tests {
		if got := ulimitScript(tt.limits); got != tt.want {
			t.Errorf("ulimitScript(%+v) = %q, want %q", tt.limits, got, tt.want)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 4}
	if n, err := lw.Write([]byte("abcdef")); n != 6 || err != nil {
		t.Errorf("Write = %d, %v", n, err)
	}
	if n, _ := lw.Write([]byte("gh")); n != 2 {
		t.Errorf("Write after cap = %d", n)
	}
	if buf.String() != "abcd" || !lw.overflow {
		t.Errorf("buf = %q, overflow = %v", buf.String(), lw.overflow)
	}
}
