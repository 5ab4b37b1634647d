package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/gateway/cli"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/sandbox"
)

var (
	runPort    string
	runDialect string
	runDryRun  bool
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run <arguments>",
	Short: "Execute a program and stream it to the cube",
	Long: `Execute a program and stream it to the cube.

The arguments use the "key:value, key:value" form, for example:

  cubelink run "demo_name: rain"
  cubelink run "python_code: setPixelColor([0,0,0],[255,0,0]); sleep(100)"

The remaining arguments are joined with spaces.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the display on a device port",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

var demosCmd = &cobra.Command{
	Use:   "demos",
	Short: "List available demos",
	Args:  cobra.NoArgs,
	RunE:  runDemos,
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Read run requests interactively",
	Args:  cobra.NoArgs,
	RunE:  runConsole,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, clearCmd, consoleCmd} {
		cmd.Flags().StringVar(&runPort, "port", "", "device port (default: transport.default_port)")
	}
	for _, cmd := range []*cobra.Command{runCmd, demosCmd, consoleCmd} {
		cmd.Flags().StringVar(&runDialect, "dialect", "", "program dialect: python or cpp (default: inferred)")
	}
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "execute only and print the captured instructions")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run record as JSON")
}

func runRun(_ *cobra.Command, args []string) error {
	dialect, err := parseDialectFlag()
	if err != nil {
		return err
	}
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		out, err := sc.Runner.Run(ctx, pipeline.Request{
			UserID:    cliUser(),
			Port:      runPort,
			Arguments: strings.Join(args, " "),
			Dialect:   dialect,
			DryRun:    runDryRun,
		})
		if err != nil {
			return err
		}

		if runDryRun {
			for _, line := range instruction.Lines(out.Result.Instructions) {
				fmt.Println(line)
			}
		}
		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out.Run)
		}
		if !runDryRun {
			printRun(out.Run)
		}
		if out.Run.Status == domain.RunFailed {
			return fmt.Errorf("run %s failed", out.Run.ID)
		}
		return nil
	})
}

func runClear(_ *cobra.Command, _ []string) error {
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		if err := sc.Runner.Clear(ctx, runPort); err != nil {
			return err
		}
		port := runPort
		if port == "" {
			port = sc.Runner.DefaultPort()
		}
		fmt.Printf("cleared %s\n", port)
		return nil
	})
}

func runDemos(_ *cobra.Command, _ []string) error {
	dialect, err := sandbox.ParseDialect(runDialect)
	if err != nil {
		return err
	}
	return withShared(func(_ context.Context, sc *SharedComponents) error {
		demos, err := sc.Runner.Resolver().Demos(dialect)
		if err != nil {
			return err
		}
		for _, name := range demos {
			fmt.Println(name)
		}
		return nil
	})
}

func runConsole(_ *cobra.Command, _ []string) error {
	dialect, err := parseDialectFlag()
	if err != nil {
		return err
	}
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		console := cli.NewGateway(sc.Runner, runPort, dialect, os.Stdin, os.Stdout, sc.Logger)
		return console.Start(ctx)
	})
}

// withShared loads config, builds the pipeline and calls fn with a
// signal-aware context.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, sc)
}

func parseDialectFlag() (sandbox.Dialect, error) {
	if runDialect == "" {
		return "", nil
	}
	return sandbox.ParseDialect(runDialect)
}

func printRun(run *domain.Run) {
	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	fmt.Printf("  execution: %s, %d instructions", run.ExecStatus, run.Instructions)
	if run.Truncated {
		fmt.Print(" (truncated)")
	}
	fmt.Println()
	if run.ExecMessage != "" {
		fmt.Printf("  error: %s\n", run.ExecMessage)
	}
	fmt.Printf("  delivery: %s on %s, %d acked\n", run.TransportState, run.Port, run.Acked)
	if run.TransportError != "" {
		fmt.Printf("  transport error: %s\n", run.TransportError)
	}
	if run.Recovered {
		fmt.Println("  display cleared on recovery")
	}
}

func cliUser() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
