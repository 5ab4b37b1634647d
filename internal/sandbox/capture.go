package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jkaninda/cubelink/internal/instruction"
)

// Worker output is line oriented. Lines that start with the run's capture
// token are frames; everything else is program noise and is dropped.
//
//	<token>I <instruction line>
//	<token>E <fault message>
//	<token>T                      (instruction cap reached)
const (
	frameInstruction = 'I'
	frameFault       = 'E'
	frameTruncated   = 'T'
)

// newCaptureToken returns a random token that caller code cannot guess.
func newCaptureToken() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating capture token: %w", err)
	}
	return "@cube-" + hex.EncodeToString(b) + ":", nil
}

// frameWriter is the worker side of the capture channel. Each frame is a
// single Write so it reaches the host even if the worker is killed right
// after.
type frameWriter struct {
	mu    sync.Mutex
	w     io.Writer
	token string
	max   int

	count     int
	truncated bool
}

var errInstructionCap = errors.New("instruction limit reached")

// Emit implements Sink.
func (f *frameWriter) Emit(in instruction.Instruction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.max > 0 && f.count >= f.max {
		if !f.truncated {
			f.truncated = true
			_, _ = io.WriteString(f.w, f.token+string(frameTruncated)+"\n")
		}
		return errInstructionCap
	}
	f.count++
	_, err := io.WriteString(f.w, f.token+string(frameInstruction)+" "+in.Line()+"\n")
	return err
}

func (f *frameWriter) fault(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg = strings.ReplaceAll(strings.TrimSpace(msg), "\n", " | ")
	_, _ = io.WriteString(f.w, f.token+string(frameFault)+" "+msg+"\n")
}

func (f *frameWriter) capped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.truncated
}

// capture is the host-side reading of a worker's stdout.
type capture struct {
	instructions []instruction.Instruction
	fault        string
	truncated    bool
}

// decodeCapture extracts frames from stdout. A final line without a newline
// is a frame cut off by a kill and is ignored, as are instructions beyond max.
func decodeCapture(stdout, token string, max int) (capture, error) {
	var c capture
	complete := stdout
	if i := strings.LastIndexByte(complete, '\n'); i >= 0 {
		complete = complete[:i]
	} else {
		complete = ""
	}
	for _, line := range strings.Split(complete, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimRight(line, "\r"), token)
		if !ok || rest == "" {
			continue
		}
		switch rest[0] {
		case frameInstruction:
			if max > 0 && len(c.instructions) >= max {
				c.truncated = true
				continue
			}
			in, err := instruction.Parse(strings.TrimPrefix(rest[1:], " "))
			if err != nil {
				return c, fmt.Errorf("decoding captured instruction: %w", err)
			}
			c.instructions = append(c.instructions, in)
		case frameFault:
			if c.fault == "" {
				c.fault = strings.TrimPrefix(rest[1:], " ")
			}
		case frameTruncated:
			c.truncated = true
		}
	}
	return c, nil
}
