package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/linesim/internal/simulation"
	"github.com/jkaninda/linesim/internal/storage"
)

// Outcome is one entry's run. Exactly one of Result and Err is set.
type Outcome struct {
	Entry  Entry
	Result *simulation.Result
	Err    error     // Load or configuration fault.
	RunID  uuid.UUID // Set when the run was stored.
}

// OK reports whether the run completed without a fault.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Result != nil && o.Result.Fault == nil
}

// Evaluator runs modules in parallel against shared options.
type Evaluator struct {
	runner      simulation.Runner
	store       storage.Store // nil = results are not persisted
	opts        simulation.Options
	concurrency int
	logger      *slog.Logger
}

// NewEvaluator creates an Evaluator. concurrency <= 0 uses the number of CPUs.
func NewEvaluator(runner simulation.Runner, store storage.Store, opts simulation.Options, concurrency int, logger *slog.Logger) *Evaluator {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{
		runner:      runner,
		store:       store,
		opts:        opts,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Evaluate runs every entry and returns the outcomes ranked best first.
// Module faults are per-outcome; the returned error is a store failure or
// the context ending.
func (e *Evaluator) Evaluate(ctx context.Context, entries []Entry) ([]Outcome, error) {
	outcomes := make([]Outcome, len(entries))
	trackName := "simple"
	if e.opts.Track != nil {
		trackName = e.opts.Track.Name
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			entry := entries[i]
			opts := e.opts
			opts.Expected = entry.Expected
			opts.Live = nil
			opts.Logger = e.logger.With(slog.String("module", entry.Name))

			res, err := e.runner.Run(ctx, entry.Module, opts)
			out := Outcome{Entry: entry, Result: res, Err: err}
			if err == nil && res != nil && res.Fault != nil && ctx.Err() != nil {
				// Cut short by cancellation, not by the module.
				return ctx.Err()
			}

			if e.store != nil {
				var run *storage.Run
				if err != nil {
					run = storage.NewRejectedRun(entry.Module, trackName, "batch", opts.TotalTime, err)
				} else {
					run = storage.NewRun(entry.Module, trackName, "batch", opts.TotalTime, res)
				}
				if err := e.store.Runs().Create(ctx, run); err != nil {
					return fmt.Errorf("storing run of %s: %w", entry.Name, err)
				}
				out.RunID = run.ID
			}

			e.logEnd(out)
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	Rank(outcomes)
	return outcomes, nil
}

func (e *Evaluator) logEnd(o Outcome) {
	if o.Err != nil {
		e.logger.Warn("module rejected",
			slog.String("module", o.Entry.Name),
			slog.String("error", o.Err.Error()),
		)
		return
	}
	attrs := []any{
		slog.String("module", o.Entry.Name),
		slog.String("robot", o.Result.Configuration.Name),
		slog.String("status", o.Result.Status.String()),
		slog.String("outcome", string(o.Result.Summary.Outcome)),
		slog.Duration("elapsed", o.Result.Elapsed),
	}
	if o.Result.Fault != nil {
		attrs = append(attrs, slog.String("fault", o.Result.Fault.Error()))
	}
	e.logger.Info("module evaluated", attrs...)
}

// Rank sorts outcomes best first: completed runs by summary, then faulted
// runs, then rejected modules. Ties keep name order.
func Rank(outcomes []Outcome) {
	tier := func(o Outcome) int {
		switch {
		case o.OK():
			return 0
		case o.Err == nil:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(outcomes, func(i, j int) bool {
		a, b := outcomes[i], outcomes[j]
		if ta, tb := tier(a), tier(b); ta != tb {
			return ta < tb
		}
		if a.Result != nil && b.Result != nil {
			if a.Result.Summary.Better(b.Result.Summary) {
				return true
			}
			if b.Result.Summary.Better(a.Result.Summary) {
				return false
			}
		}
		return a.Entry.Name < b.Entry.Name
	})
}

// Elapsed sums the wall-clock time spent inside the runs.
func Elapsed(outcomes []Outcome) time.Duration {
	var total time.Duration
	for _, o := range outcomes {
		if o.Result != nil {
			total += o.Result.Elapsed
		}
	}
	return total
}
