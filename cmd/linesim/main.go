// linesim runs WebAssembly line-follower controllers against a simulated
// track and records what happened.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/linesim/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "linesim",
	Short: "linesim: a deterministic line-follower robot simulator for WebAssembly controllers.",
	Long: `linesim loads a sandboxed WebAssembly controller, gives it three devices
(motors, line sensors and a sleep timer) and drives a fixed-step physics
world with it. Every run records a replayable pose trace.

Single runs, directory batches and a shared HTTP service with live
playback use the same engine, so a controller behaves identically everywhere.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(runCmd, configCmd, batchCmd, serveCmd, submitCmd, sampleCmd, versionCmd)
	_ = godotenv.Load()
}

// exitCode ends the process with a specific status once deferred cleanup
// has run. The command prints its own message first.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(ExitFailure)
	}
}
