package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/linesim/internal/batch"
	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/simulation"
)

var (
	batchTracks      trackFlags
	batchTotalTime   time.Duration
	batchConcurrency int
	batchStore       bool
	batchMaxSize     int64
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Run every module in a directory and rank them",
	Long: `Load every *.wasm file in a directory, run each one on the same track
and print a ranking. A <name>.yaml next to a module may pin its expected
robot configuration or skip it:

  expected:
    name: follower
    width_axle: 200
    ...
  skip: false

Exit codes:
  0  every module ran without a fault
  1  directory or storage error
  3  at least one module was rejected or faulted`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchTracks.register(batchCmd)
	batchCmd.Flags().DurationVar(&batchTotalTime, "total-time", 0, "logical run length per module (default from config, else 30s)")
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "j", 0, "modules run in parallel (default: batch.concurrency, else number of CPUs)")
	batchCmd.Flags().BoolVar(&batchStore, "store", false, "persist every run and its trace")
	batchCmd.Flags().Int64Var(&batchMaxSize, "max-module-size", batch.DefaultMaxModuleSize, "largest module file accepted, in bytes")
}

func runBatch(_ *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	batchTracks.apply(cfg)
	if batchConcurrency == 0 {
		batchConcurrency = cfg.Batch.Concurrency
	}
	withStore := batchStore || cfg.Batch.Store

	entries, loadResult, err := batch.NewLoader(batchMaxSize, logger).LoadDir(args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 && len(loadResult.Errors) == 0 {
		return fmt.Errorf("no modules found in %s", args[0])
	}

	sc, err := initShared(cfg, logger, withStore)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	opts := sc.Options()
	if batchTotalTime > 0 {
		opts.TotalTime = batchTotalTime
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	outcomes, err := batch.NewEvaluator(sc.Runner, sc.Store, opts, batchConcurrency, logger).Evaluate(ctx, entries)
	if err != nil {
		return err
	}

	printRanking(outcomes)
	for _, le := range loadResult.Errors {
		fmt.Fprintf(os.Stderr, "skipped %s: %s\n", le.File, le.Message)
	}
	fmt.Printf("\n%d modules on %s in %s (%s simulated work)\n",
		len(outcomes), sc.Track.Name, time.Since(started).Round(time.Millisecond), batch.Elapsed(outcomes).Round(time.Millisecond))

	for _, o := range outcomes {
		if !o.OK() {
			return exitCode(ExitFaulted)
		}
	}
	if len(loadResult.Errors) > 0 {
		return exitCode(ExitFaulted)
	}
	return nil
}

func printRanking(outcomes []batch.Outcome) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tMODULE\tROBOT\tOUTCOME\tFINISH\tON LINE\tDISTANCE\tNOTE")
	for i, o := range outcomes {
		if o.Err != nil {
			kind, _ := fault.KindOf(o.Err)
			fmt.Fprintf(w, "%d\t%s\t-\trejected\t-\t-\t-\t%s: %v\n", i+1, o.Entry.Name, kind, o.Err)
			continue
		}
		s := o.Result.Summary
		finish := "-"
		if s.Outcome == simulation.OutcomeFinished {
			finish = fmt.Sprintf("%.3fs", s.FinishedAt.Seconds())
		}
		note := ""
		if o.Result.Fault != nil {
			kind, _ := fault.KindOf(o.Result.Fault)
			note = fmt.Sprintf("%s: %v", kind, o.Result.Fault)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.3fs\t%.3fm\t%s\n",
			i+1, o.Entry.Name, o.Result.Configuration.Name, s.Outcome, finish, s.TimeOnLine.Seconds(), s.Distance, note)
	}
	_ = w.Flush()
}
