// cubelink executes light-show programs in a sandbox and streams the
// captured instructions to an LED cube over serial.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cubelink",
	Short: "Run light-show programs on an LED cube",
	Long: `cubelink executes caller-supplied programs (a Python dialect or C++) in a
sandbox under a deadline, captures the instruction stream they produce and
delivers it to the cube over serial with per-line acknowledgements. The
display is always left cleared, even when a program or delivery fails.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, clearCmd, consoleCmd, demosCmd, versionCmd, workerCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
