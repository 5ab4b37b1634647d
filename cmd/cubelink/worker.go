package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/cubelink/internal/sandbox"
)

// workerCmd is started by the sandbox supervisor, never by hand. It reads a
// Python-dialect program on stdin and writes the capture frame on stdout.
var workerCmd = &cobra.Command{
	Use:    "sandbox-worker",
	Short:  "Execute one program inside the sandbox",
	Hidden: true,
	Run: func(cmd *cobra.Command, _ []string) {
		os.Exit(sandbox.RunWorker(cmd.Context(), os.Stdin, os.Stdout, os.Getenv))
	},
}
