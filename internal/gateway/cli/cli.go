// Package cli implements an interactive console for cubelink. Each line is
// a run request in the "key:value, key:value" form, executed and streamed to
// the console's port before the next prompt.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/source"
)

const cliUserID = "cli"

// Gateway is the interactive command-line console.
type Gateway struct {
	runner  *pipeline.Runner
	port    string
	dialect sandbox.Dialect
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger
	done    chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a console that reads requests from in and reports to
// out. An empty port uses the runner's default.
func NewGateway(runner *pipeline.Runner, port string, dialect sandbox.Dialect, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		runner:  runner,
		port:    port,
		dialect: dialect,
		in:      in,
		out:     out,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs the REPL. Blocks until ctx is cancelled, Stop is called, input
// ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	fmt.Fprintln(g.out, "cubelink console")
	fmt.Fprintln(g.out, `Enter a run request (e.g. "demo_name: rain"), "demos", "clear" or "exit".`)
	fmt.Fprintln(g.out)

	for {
		fmt.Fprint(g.out, "cubelink> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case "demos":
			g.listDemos()
			continue
		case "clear":
			g.clear(ctx)
			continue
		}

		g.run(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) run(ctx context.Context, args string) {
	g.logger.DebugContext(ctx, "console request", slog.String("user_id", cliUserID))

	out, err := g.runner.Run(ctx, pipeline.Request{
		UserID:    cliUserID,
		Port:      g.port,
		Arguments: args,
		Dialect:   g.dialect,
	})
	if err != nil {
		if source.IsConfigError(err) {
			fmt.Fprintf(g.out, "Error: %v\n", err)
			return
		}
		g.logger.ErrorContext(ctx, "console run failed", slog.String("error", err.Error()))
		fmt.Fprintf(g.out, "Error: %v\n", err)
		return
	}

	run := out.Run
	fmt.Fprintf(g.out, "run %s: %s, %d instructions", run.ID, run.ExecStatus, run.Instructions)
	if run.ExecMessage != "" {
		fmt.Fprintf(g.out, " (%s)", run.ExecMessage)
	}
	fmt.Fprintln(g.out)
	fmt.Fprintf(g.out, "delivery: %s, %d acked", run.TransportState, run.Acked)
	if run.TransportError != "" {
		fmt.Fprintf(g.out, ", error: %s", run.TransportError)
	}
	fmt.Fprintln(g.out)
}

func (g *Gateway) listDemos() {
	demos, err := g.runner.Resolver().Demos(g.dialectOrDefault())
	if err != nil {
		fmt.Fprintf(g.out, "Error: %v\n", err)
		return
	}
	if len(demos) == 0 {
		fmt.Fprintln(g.out, "No demos.")
		return
	}
	fmt.Fprintln(g.out, strings.Join(demos, "\n"))
}

func (g *Gateway) clear(ctx context.Context) {
	if err := g.runner.Clear(ctx, g.port); err != nil {
		fmt.Fprintf(g.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(g.out, "Cleared.")
}

func (g *Gateway) dialectOrDefault() sandbox.Dialect {
	if g.dialect == "" {
		return sandbox.DialectPython
	}
	return g.dialect
}
