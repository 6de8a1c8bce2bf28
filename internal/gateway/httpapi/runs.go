package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/live"
	"github.com/jkaninda/linesim/internal/physics"
	"github.com/jkaninda/linesim/internal/protocol"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/sandbox"
	"github.com/jkaninda/linesim/internal/simulation"
	"github.com/jkaninda/linesim/internal/storage"
	lstrace "github.com/jkaninda/linesim/internal/trace"
	"github.com/jkaninda/linesim/internal/track"
)

var (
	// ErrStorageDisabled is returned by endpoints that need a store.
	ErrStorageDisabled = errors.New("run storage is not configured")
	// ErrBusy is returned when an asynchronous run cannot start right away.
	ErrBusy = errors.New("too many concurrent runs")
)

// RequestError is a client mistake reported as 400.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

func badRequest(format string, args ...any) error {
	return &RequestError{Msg: fmt.Sprintf(format, args...)}
}

// RunDefaults apply to every submitted run.
type RunDefaults struct {
	Track        *track.Track
	Params       physics.Params
	TotalTime    time.Duration
	MaxTotalTime time.Duration // Longest logical run a client may ask for. 0 = no bound.
	Limits       sandbox.Limits
}

// RunRequest describes one submission. Module is base64 in JSON.
type RunRequest struct {
	Module      []byte               `json:"module"`
	Track       string               `json:"track,omitempty"`         // Built-in track name. Empty = server default.
	TotalTimeUS int64                `json:"total_time_us,omitempty"` // 0 = server default.
	Expected    *robot.Configuration `json:"expected,omitempty"`      // Reject the module unless it asks for exactly this.
	Async       bool                 `json:"async,omitempty"`         // Return at once and follow the run live.
}

// RunService executes runs for API clients and reads them back.
type RunService struct {
	runner   simulation.Runner
	store    storage.Store // nil = runs are not persisted
	hub      *live.Hub     // nil = no live streaming
	sem      *semaphore.Weighted
	defaults RunDefaults
	logger   *slog.Logger

	base     context.Context
	wg       sync.WaitGroup
	inflight sync.Map // uuid.UUID → *storage.Run
}

// NewRunService creates a service that runs at most maxConcurrent
// simulations at once.
func NewRunService(runner simulation.Runner, store storage.Store, hub *live.Hub, defaults RunDefaults, maxConcurrent int, logger *slog.Logger) *RunService {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RunService{
		runner:   runner,
		store:    store,
		hub:      hub,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		defaults: defaults,
		logger:   logger,
		base:     context.Background(),
	}
}

// Bind sets the context asynchronous runs inherit. Canceling it faults
// every run still in flight.
func (s *RunService) Bind(ctx context.Context) { s.base = ctx }

// Wait blocks until every asynchronous run has been stored.
func (s *RunService) Wait() { s.wg.Wait() }

// Configuration runs only setup() and returns what the module asks for.
func (s *RunService) Configuration(ctx context.Context, module []byte) (robot.Configuration, error) {
	if len(module) == 0 {
		return robot.Configuration{}, badRequest("module is required")
	}
	return simulation.RobotConfiguration(ctx, module, s.defaults.Limits)
}

// Submit starts a run. Synchronous runs return the finished record; async
// runs return a "running" placeholder that Get resolves once stored.
func (s *RunService) Submit(ctx context.Context, client string, req RunRequest) (*storage.Run, error) {
	if len(req.Module) == 0 {
		return nil, badRequest("module is required")
	}
	trk := s.defaults.Track
	if req.Track != "" && (trk == nil || req.Track != trk.Name) {
		t, err := track.Builtin(req.Track)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		trk = t
	}
	if trk == nil {
		t, err := track.Builtin("simple")
		if err != nil {
			return nil, err
		}
		trk = t
	}
	total := s.defaults.TotalTime
	if req.TotalTimeUS < 0 {
		return nil, badRequest("total_time_us must not be negative")
	}
	bound := s.defaults.MaxTotalTime
	if bound <= 0 {
		bound = time.Duration(math.MaxInt64)
	}
	// Compared in microseconds so huge values cannot wrap around.
	if req.TotalTimeUS > bound.Microseconds() {
		return nil, badRequest("total_time_us %d exceeds the limit of %v", req.TotalTimeUS, bound)
	}
	if req.TotalTimeUS > 0 {
		total = time.Duration(req.TotalTimeUS) * time.Microsecond
	}
	if total == 0 {
		total = simulation.DefaultTotalTime
	}
	if total > bound {
		return nil, badRequest("total time %v exceeds the limit of %v", total, bound)
	}

	id := uuid.New()
	source := "http:" + client
	opts := simulation.Options{
		Track:     trk,
		Params:    s.defaults.Params,
		TotalTime: total,
		Limits:    s.defaults.Limits,
		Expected:  req.Expected,
		Logger:    s.logger.With(slog.String("run_id", id.String())),
	}

	if req.Async {
		if s.store == nil {
			return nil, ErrStorageDisabled
		}
		if !s.sem.TryAcquire(1) {
			return nil, ErrBusy
		}
		feed := s.openFeed(id, trk, total, &opts)
		placeholder := &storage.Run{
			ID:        id,
			Track:     trk.Name,
			Source:    source,
			Status:    simulation.StateRunning.String(),
			TotalTime: total,
			CreatedAt: time.Now().UTC(),
		}
		s.inflight.Store(id, placeholder)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.inflight.Delete(id)
			if _, err := s.execute(s.base, id, source, req.Module, trk, total, opts, feed); err != nil {
				s.logger.Warn("async run not stored",
					slog.String("run_id", id.String()),
					slog.String("error", err.Error()),
				)
			}
		}()
		return placeholder, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	feed := s.openFeed(id, trk, total, &opts)
	return s.execute(ctx, id, source, req.Module, trk, total, opts, feed)
}

func (s *RunService) openFeed(id uuid.UUID, trk *track.Track, total time.Duration, opts *simulation.Options) *live.Feed {
	if s.hub == nil {
		return nil
	}
	feed, err := s.hub.Open(id, protocol.RunStarted{Track: trk.Name, TotalTimeS: total.Seconds()})
	if err != nil {
		s.logger.Warn("live feed unavailable", slog.String("run_id", id.String()), slog.String("error", err.Error()))
		return nil
	}
	opts.Live = feed.Step
	return feed
}

// execute runs the module and stores the record. Load and configuration
// faults are stored as rejected runs and returned as errors.
func (s *RunService) execute(ctx context.Context, id uuid.UUID, source string, module []byte, trk *track.Track, total time.Duration, opts simulation.Options, feed *live.Feed) (*storage.Run, error) {
	res, runErr := s.runner.Run(ctx, module, opts)

	var run *storage.Run
	if runErr != nil {
		run = storage.NewRejectedRun(module, trk.Name, source, total, runErr)
		feed.Finish(protocol.RunFinished{Status: run.Status, Fault: run.Fault})
	} else {
		run = storage.NewRun(module, trk.Name, source, total, res)
		feed.Finish(protocol.RunFinished{
			Status:  run.Status,
			Fault:   run.Fault,
			Steps:   res.Steps,
			ClockS:  res.Clock.Seconds(),
			Summary: res.Summary,
		})
	}
	run.ID = id

	s.logger.Info("run finished",
		slog.String("run_id", id.String()),
		slog.String("robot", run.Robot),
		slog.String("track", run.Track),
		slog.String("status", run.Status),
		slog.Int64("steps", run.Steps),
		slog.Duration("elapsed", run.Elapsed),
	)

	if s.store != nil {
		// A canceled request still records what ran.
		if err := s.store.Runs().Create(context.WithoutCancel(ctx), run); err != nil {
			return nil, fmt.Errorf("storing run %s: %w", id, err)
		}
	}
	return run, runErr
}

// Get returns a stored or in-flight run.
func (s *RunService) Get(ctx context.Context, id uuid.UUID) (*storage.Run, error) {
	if v, ok := s.inflight.Load(id); ok {
		return v.(*storage.Run), nil
	}
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	return s.store.Runs().Get(ctx, id)
}

// List returns stored runs, newest first.
func (s *RunService) List(ctx context.Context, filter storage.RunFilter) ([]storage.Run, error) {
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	return s.store.Runs().List(ctx, filter)
}

// Trace loads the recorded trace of a stored run.
func (s *RunService) Trace(ctx context.Context, id uuid.UUID) (lstrace.Trace, error) {
	if s.store == nil {
		return lstrace.Trace{}, ErrStorageDisabled
	}
	if _, ok := s.inflight.Load(id); ok {
		return lstrace.Trace{}, badRequest("run %s is still running", id)
	}
	return s.store.Runs().Trace(ctx, id)
}

// Delete removes a stored run and its trace.
func (s *RunService) Delete(ctx context.Context, id uuid.UUID) error {
	if s.store == nil {
		return ErrStorageDisabled
	}
	if _, ok := s.inflight.Load(id); ok {
		return badRequest("run %s is still running", id)
	}
	return s.store.Runs().Delete(ctx, id)
}

// LeaderboardEntry is the best run of one controller on a track.
type LeaderboardEntry struct {
	Rank         int                `json:"rank"`
	Robot        string             `json:"robot"`
	ModuleSHA256 string             `json:"module_sha256"`
	RunID        string             `json:"run_id"`
	Summary      simulation.Summary `json:"summary"`
}

// leaderboardScan bounds how many stored runs one leaderboard considers.
const leaderboardScan = 500

// Leaderboard ranks the best completed run of each module on trackName.
func (s *RunService) Leaderboard(ctx context.Context, trackName string, limit int) ([]LeaderboardEntry, error) {
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	if trackName == "" {
		return nil, badRequest("track is required")
	}
	runs, err := s.store.Runs().List(ctx, storage.RunFilter{
		Track:  trackName,
		Status: simulation.StateCompleted.String(),
		Limit:  leaderboardScan,
	})
	if err != nil {
		return nil, err
	}

	best := make(map[string]storage.Run)
	for _, r := range runs {
		if cur, ok := best[r.ModuleSHA256]; !ok || r.Summary.Better(cur.Summary) {
			best[r.ModuleSHA256] = r
		}
	}
	ranked := make([]storage.Run, 0, len(best))
	for _, r := range best {
		ranked = append(ranked, r)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Summary.Better(ranked[j].Summary) {
			return true
		}
		if ranked[j].Summary.Better(ranked[i].Summary) {
			return false
		}
		return ranked[i].ModuleSHA256 < ranked[j].ModuleSHA256
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]LeaderboardEntry, len(ranked))
	for i, r := range ranked {
		out[i] = LeaderboardEntry{
			Rank:         i + 1,
			Robot:        r.Robot,
			ModuleSHA256: r.ModuleSHA256,
			RunID:        r.ID.String(),
			Summary:      r.Summary,
		}
	}
	return out, nil
}

// isClientFault reports whether err is the module's fault rather than the
// server's.
func isClientFault(err error) bool {
	kind, ok := fault.KindOf(err)
	return ok && kind.Fatal()
}
