package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/simulation"
	"github.com/jkaninda/linesim/internal/storage"
)

var (
	runTracks    trackFlags
	runTotalTime time.Duration
	runTraceOut  string
	runExpected  string
	runJSON      bool
	runStore     bool
	runOps       bool
)

var runCmd = &cobra.Command{
	Use:   "run <module.wasm>",
	Short: "Simulate one controller and print its result",
	Long: `Load a controller module, run it on the configured track and print the
outcome. The recorded trace can be written to a file for replay.

Examples:
  linesim run robot.wasm
  linesim run robot.wasm --track line --total-time 10s --trace robot.trace
  linesim run robot.wasm --expected robot.yaml --json

Exit codes:
  0  run completed
  1  usage or I/O error, or interrupted
  2  module rejected (load, configuration or geometry)
  3  run faulted (guest fault or solver divergence)`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runTracks.register(runCmd)
	runCmd.Flags().DurationVar(&runTotalTime, "total-time", 0, "logical run length (default from config, else 30s)")
	runCmd.Flags().StringVar(&runTraceOut, "trace", "", "write the binary trace to this file")
	runCmd.Flags().StringVar(&runExpected, "expected", "", "YAML robot configuration the module must ask for")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	runCmd.Flags().BoolVar(&runStore, "store", false, "persist the run and its trace")
	runCmd.Flags().BoolVar(&runOps, "ops", false, "record every device operation (printed with --json)")
}

func runRun(_ *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runTracks.apply(cfg)

	module, err := readModule(args[0])
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, runStore)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	opts := sc.Options()
	if runTotalTime > 0 {
		opts.TotalTime = runTotalTime
	}
	opts.RecordOps = runOps
	if runExpected != "" {
		expected, err := readExpected(runExpected)
		if err != nil {
			return err
		}
		opts.Expected = expected
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := sc.Runner.Run(ctx, module, opts)

	if sc.Store != nil {
		var run *storage.Run
		if runErr != nil {
			run = storage.NewRejectedRun(module, sc.Track.Name, "cli", opts.TotalTime, runErr)
		} else {
			run = storage.NewRun(module, sc.Track.Name, "cli", opts.TotalTime, res)
		}
		if err := sc.Store.Runs().Create(context.WithoutCancel(ctx), run); err != nil {
			return fmt.Errorf("storing run: %w", err)
		}
		logger.Info("run stored", slog.String("run_id", run.ID.String()))
	}

	if errors.Is(runErr, fault.ErrInterrupted) {
		fmt.Fprintf(os.Stderr, "interrupted: %v\n", runErr)
		return exitCode(ExitFailure)
	}
	if runErr != nil {
		kind, _ := fault.KindOf(runErr)
		fmt.Fprintf(os.Stderr, "rejected (%s): %v\n", kind, runErr)
		return exitCode(ExitRejected)
	}

	if runTraceOut != "" {
		if err := writeTrace(runTraceOut, res); err != nil {
			return err
		}
	}

	if runJSON {
		if err := printResultJSON(res); err != nil {
			return err
		}
	} else {
		printResult(sc.Track.Name, res)
	}

	switch {
	case errors.Is(res.Fault, fault.ErrInterrupted):
		return exitCode(ExitFailure)
	case res.Fault != nil:
		return exitCode(ExitFaulted)
	}
	return nil
}

func readExpected(path string) (*robot.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading expected configuration: %w", err)
	}
	var cfg robot.Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing expected configuration %s: %w", path, err)
	}
	return &cfg, nil
}

func writeTrace(path string, res *simulation.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	if _, err := res.Trace.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing trace: %w", err)
	}
	return f.Close()
}

func printResult(trackName string, res *simulation.Result) {
	cfg := res.Configuration
	fmt.Printf("robot     %s (%s, gear %d:%d, axle %g mm)\n",
		cfg.Name, cfg.ColorMain, cfg.GearRatioNum, cfg.GearRatioDen, cfg.WidthAxle)
	fmt.Printf("track     %s\n", trackName)
	fmt.Printf("status    %s\n", res.Status)
	if res.Fault != nil {
		kind, _ := fault.KindOf(res.Fault)
		fmt.Printf("fault     %s: %v\n", kind, res.Fault)
	}
	s := res.Summary
	fmt.Printf("outcome   %s\n", s.Outcome)
	if s.Outcome == simulation.OutcomeFinished {
		fmt.Printf("finished  %.3f s\n", s.FinishedAt.Seconds())
	}
	fmt.Printf("distance  %.3f m\n", s.Distance)
	fmt.Printf("on line   %.3f s\n", s.TimeOnLine.Seconds())
	fmt.Printf("final     x=%.3f y=%.3f heading=%.1f°\n", s.FinalX, s.FinalY, mgl64.RadToDeg(s.FinalHead))
	fmt.Printf("clock     %.3f s in %d steps (%s wall)\n", res.Clock.Seconds(), res.Steps, res.Elapsed.Round(time.Millisecond))
}

func printResultJSON(res *simulation.Result) error {
	out := struct {
		*simulation.Result
		FaultKind  string `json:"fault_kind,omitempty"`
		Fault      string `json:"fault,omitempty"`
		TraceSteps int    `json:"trace_steps"`
	}{Result: res, TraceSteps: res.Trace.Len()}
	if res.Fault != nil {
		out.Fault = res.Fault.Error()
		if kind, ok := fault.KindOf(res.Fault); ok {
			out.FaultKind = string(kind)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
