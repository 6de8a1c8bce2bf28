package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/linesim/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	minAnomalySamples    = 5
)

// AnomalyDetector warns when the share of faulted runs for a track climbs
// above a threshold within a sliding window.
type AnomalyDetector struct {
	mu        sync.Mutex
	faults    map[string]*slidingWindow
	completed map[string]*slidingWindow
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	stamps []time.Time
	window time.Duration
}

// NewAnomalyDetector creates a detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		faults:    make(map[string]*slidingWindow),
		completed: make(map[string]*slidingWindow),
		threshold: cfg.FaultRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordFault records a faulted run on track and warns when the fault rate
// exceeds the threshold. It reports whether a warning was raised.
func (a *AnomalyDetector) RecordFault(track string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.faults, track).add(a.now())
	return a.checkFaultRate(track)
}

// RecordCompleted records a run on track that reached its time budget.
func (a *AnomalyDetector) RecordCompleted(track string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.completed, track).add(a.now())
}

// FaultRate returns the share of faulted runs on track within the window.
func (a *AnomalyDetector) FaultRate(track string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	faults, total := a.counts(track)
	if total == 0 {
		return 0
	}
	return float64(faults) / float64(total)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) checkFaultRate(track string) bool {
	if a.threshold <= 0 {
		return false
	}
	faults, total := a.counts(track)
	if total < minAnomalySamples {
		return false
	}
	rate := float64(faults) / float64(total)
	if rate <= a.threshold {
		return false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high fault rate",
			slog.String("track", track),
			slog.Float64("fault_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("faults", faults),
			slog.Int("total", total),
		)
	}
	return true
}

func (a *AnomalyDetector) counts(track string) (faults, total int) {
	now := a.now()
	faults = a.windowFor(a.faults, track).count(now)
	return faults, faults + a.windowFor(a.completed, track).count(now)
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
