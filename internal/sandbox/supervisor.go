package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// Dialect is the language a program is written in.
type Dialect string

const (
	DialectPython Dialect = "python"
	DialectCPP    Dialect = "cpp"
)

// ParseDialect accepts the dialect names and their common aliases.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "python", "py", "starlark":
		return DialectPython, nil
	case "cpp", "c++", "c":
		return DialectCPP, nil
	}
	return "", fmt.Errorf("unknown dialect %q", s)
}

// Backend names.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config controls how programs are executed.
type Config struct {
	Backend  string
	Encoding instruction.Encoding

	PythonDeadline time.Duration
	CPPDeadline    time.Duration
	// DockerStartup is added to the deadline when the docker backend is used,
	// so container start-up is not charged to the program.
	DockerStartup  time.Duration
	CompileTimeout time.Duration
	// Grace bounds output collection after a kill.
	Grace time.Duration

	MaxInstructions int
	Limits          ResourceLimits

	// WorkerCommand starts a Python-dialect worker. It defaults to this
	// executable's sandbox-worker subcommand.
	WorkerCommand []string
	// WorkerEnv is added to every worker environment.
	WorkerEnv map[string]string

	Compiler      string
	CompilerFlags []string
	BuildDir      string

	Docker DockerConfig

	// Instrument, if set, wraps each backend, e.g. with metrics.
	Instrument func(backend string, sb Sandbox) Sandbox
}

func (c Config) withDefaults() (Config, error) {
	if c.Backend == "" {
		c.Backend = BackendProcess
	}
	if c.Encoding == "" {
		c.Encoding = instruction.EncodingStreaming
	}
	if c.PythonDeadline <= 0 {
		c.PythonDeadline = 500 * time.Millisecond
	}
	if c.CPPDeadline <= 0 {
		c.CPPDeadline = time.Second
	}
	if c.DockerStartup <= 0 {
		c.DockerStartup = 5 * time.Second
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = 60 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = defaultWaitDelay
	}
	if c.MaxInstructions == 0 {
		c.MaxInstructions = 10000
	}
	if c.Compiler == "" {
		c.Compiler = "g++"
	}
	if c.CompilerFlags == nil {
		c.CompilerFlags = []string{"-std=c++17", "-O1", "-w"}
	}
	if len(c.WorkerCommand) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return c, fmt.Errorf("resolving worker executable: %w", err)
		}
		c.WorkerCommand = []string{exe, "sandbox-worker"}
	}
	return c, nil
}

// Program is caller code in a given dialect.
type Program struct {
	Dialect Dialect
	Code    string
}

// Supervisor executes programs in a sandbox under a per-dialect deadline.
// A program that overruns its deadline is killed and the instructions it
// produced so far are kept.
type Supervisor struct {
	cfg     Config
	process Sandbox
	docker  Sandbox
	logger  *slog.Logger
}

// NewSupervisor creates an execution supervisor.
func NewSupervisor(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "sandbox")
	s := &Supervisor{
		cfg: cfg,
		process: NewProcessSandbox(ProcessConfig{
			DefaultLimits: cfg.Limits,
			WaitDelay:     cfg.Grace,
		}, logger),
		logger: logger,
	}
	switch cfg.Backend {
	case BackendProcess:
	case BackendDocker:
		dc := cfg.Docker
		if dc.WaitDelay <= 0 {
			dc.WaitDelay = cfg.Grace
		}
		s.docker = NewDockerSandbox(dc, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
	if cfg.Instrument != nil {
		s.process = cfg.Instrument(BackendProcess, s.process)
		if s.docker != nil {
			s.docker = cfg.Instrument(BackendDocker, s.docker)
		}
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Deadline returns the run deadline for a dialect.
func (s *Supervisor) Deadline(d Dialect) time.Duration {
	if d == DialectCPP {
		return s.cfg.CPPDeadline
	}
	return s.cfg.PythonDeadline
}

// Execute runs p and returns its instruction stream. The result is never nil.
// The error is a *SourceError when the program itself failed, or a host
// error when the sandbox could not run it; in both cases the result status
// is StatusError and carries the message.
func (s *Supervisor) Execute(ctx context.Context, p Program) (*instruction.ExecutionResult, error) {
	start := time.Now()
	result, err := s.execute(ctx, p)
	if result == nil {
		result = &instruction.ExecutionResult{}
	}
	if err != nil {
		result.Status = instruction.StatusError
		result.Message = err.Error()
		var srcErr *SourceError
		if errors.As(err, &srcErr) {
			result.Message = srcErr.Message
		}
	}
	result.Duration = time.Since(start)

	s.logger.Info("program executed",
		slog.String("dialect", string(p.Dialect)),
		slog.String("status", string(result.Status)),
		slog.Int("instructions", result.Len()),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("duration", result.Duration),
	)
	return result, err
}

func (s *Supervisor) execute(ctx context.Context, p Program) (*instruction.ExecutionResult, error) {
	token, err := newCaptureToken()
	if err != nil {
		return nil, err
	}

	var res *ProcessResult
	switch p.Dialect {
	case DialectPython, "":
		res, err = s.runPython(ctx, p.Code, token)
	case DialectCPP:
		res, err = s.runCPP(ctx, p.Code, token)
	default:
		return nil, fmt.Errorf("unknown dialect %q", p.Dialect)
	}
	if err != nil {
		return nil, err
	}
	return s.interpretResult(p.Dialect, res, token)
}

func (s *Supervisor) runPython(ctx context.Context, code, token string) (*ProcessResult, error) {
	env := map[string]string{
		EnvCaptureToken:    token,
		EnvEncoding:        string(s.cfg.Encoding),
		EnvMaxInstructions: strconv.Itoa(s.cfg.MaxInstructions),
	}
	for k, v := range s.cfg.WorkerEnv {
		env[k] = v
	}

	if s.docker != nil {
		return s.docker.Execute(ctx, ExecutionRequest{
			Command: []string{"cubelink", "sandbox-worker"},
			Stdin:   []byte(code),
			Env:     env,
			Timeout: s.cfg.PythonDeadline + s.cfg.DockerStartup,
		})
	}
	return s.process.Execute(ctx, ExecutionRequest{
		Command: s.cfg.WorkerCommand,
		Stdin:   []byte(code),
		Env:     env,
		Timeout: s.cfg.PythonDeadline,
	})
}

func (s *Supervisor) runCPP(ctx context.Context, code, token string) (*ProcessResult, error) {
	build, err := s.compileCPP(ctx, code, token)
	if err != nil {
		return nil, err
	}
	defer build.remove(s.logger)

	return s.process.Execute(ctx, ExecutionRequest{
		Command: []string{build.binary},
		Timeout: s.cfg.CPPDeadline,
	})
}

// interpretResult maps a finished worker onto an ExecutionResult.
func (s *Supervisor) interpretResult(d Dialect, res *ProcessResult, token string) (*instruction.ExecutionResult, error) {
	capt, err := decodeCapture(res.Stdout, token, s.cfg.MaxInstructions)
	out := &instruction.ExecutionResult{
		Instructions: capt.instructions,
		Truncated:    capt.truncated || res.StdoutTruncated,
		Status:       instruction.StatusCompleted,
	}
	if err != nil {
		return out, err
	}

	switch {
	case res.TimedOut:
		out.Status = instruction.StatusTimedOut
		out.Message = fmt.Sprintf("execution exceeded deadline of %s", s.Deadline(d))
		s.logger.Warn("program timed out, keeping partial output",
			slog.String("dialect", string(d)),
			slog.Int("instructions", len(out.Instructions)),
		)
		return out, nil
	case capt.fault != "":
		return out, &SourceError{Dialect: d, Message: capt.fault}
	case res.ExitCode != 0:
		msg := tail(res.Stderr, 1024)
		if msg == "" {
			msg = fmt.Sprintf("exited with code %d", res.ExitCode)
		}
		return out, &SourceError{Dialect: d, Message: msg}
	}
	return out, nil
}
