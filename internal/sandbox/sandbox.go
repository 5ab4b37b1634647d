// Package sandbox runs caller-supplied cube programs in isolated worker
// processes under a deadline and turns the primitive calls they make into an
// instruction stream.
//
// Programs never touch the device. The only effect they can have is calling
// the cube primitives, which the worker reports back to the host on stdout.
package sandbox

import (
	"context"
	"time"
)

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ProcessResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute.
	Command []string

	// Stdin is fed to the process. Nil means no input.
	Stdin []byte

	// WorkingDir overrides the working directory. Empty = use isolated temp dir.
	WorkingDir string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process. Zero disables a limit.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ProcessResult captures the outcome of a sandboxed command. When TimedOut is
// set the output holds whatever the process flushed before it was killed.
type ProcessResult struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	TimedOut        bool
	StdoutTruncated bool
	Duration        time.Duration
}
