package sandbox

import (
	"context"
	"io"
	"strconv"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// Environment passed from the supervisor to a worker process.
const (
	EnvCaptureToken    = "CUBELINK_CAPTURE_TOKEN"
	EnvEncoding        = "CUBELINK_ENCODING"
	EnvMaxInstructions = "CUBELINK_MAX_INSTRUCTIONS"
)

// Worker exit codes.
const (
	ExitOK    = 0
	ExitFault = 1
	ExitSetup = 2
)

// RunWorker is the body of the sandbox-worker process. It reads a
// Python-dialect program from stdin, interprets it and writes capture frames
// to stdout. getenv supplies the run parameters.
func RunWorker(ctx context.Context, stdin io.Reader, stdout io.Writer, getenv func(string) string) int {
	token := getenv(EnvCaptureToken)
	if token == "" {
		_, _ = io.WriteString(stdout, "sandbox-worker: "+EnvCaptureToken+" not set\n")
		return ExitSetup
	}
	fw := &frameWriter{w: stdout, token: token}
	if v := getenv(EnvMaxInstructions); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fw.fault("invalid " + EnvMaxInstructions + ": " + err.Error())
			return ExitSetup
		}
		fw.max = n
	}
	enc := instruction.EncodingStreaming
	if v := getenv(EnvEncoding); v != "" {
		parsed, err := instruction.ParseEncoding(v)
		if err != nil {
			fw.fault(err.Error())
			return ExitSetup
		}
		enc = parsed
	}

	src, err := io.ReadAll(stdin)
	if err != nil {
		fw.fault("reading program: " + err.Error())
		return ExitSetup
	}

	err = Interpret(ctx, src, NewPrimitives(enc, fw), InterpretOptions{})
	if fw.capped() {
		// Hitting the cap stops the program; what was captured stands.
		return ExitOK
	}
	if err != nil {
		fw.fault(err.Error())
		return ExitFault
	}
	return ExitOK
}
