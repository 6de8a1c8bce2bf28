package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 3 * time.Second

// HealthChecker answers the liveness and readiness endpoints of the run
// server. Readiness runs every registered check concurrently.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	started time.Time
	logger  *slog.Logger
}

type namedCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status  string                 `json:"status"` // "ok" or "degraded"
	Version string                 `json:"version,omitempty"`
	UptimeS float64                `json:"uptime_s,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one check's outcome.
type CheckResult struct {
	Status    string  `json:"status"` // "ok" or "fail"
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HealthChecker{started: time.Now(), logger: logger}
}

// AddCheck registers a readiness check, e.g. "storage" or "sandbox".
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// CheckHealth reports liveness. The process answering is enough.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{
		Status:  "ok",
		Version: ServiceVersion,
		UptimeS: time.Since(h.started).Seconds(),
	}
}

// CheckReady runs all checks under one deadline and is "ok" only if all
// of them pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok", Version: ServiceVersion}
	if len(checks) == 0 {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, p := range checks {
		g.Go(func() error {
			start := time.Now()
			err := p.check(ctx)
			results[i] = CheckResult{Status: "ok", LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, p := range checks {
		status.Checks[p.name] = results[i]
		if results[i].Status != "ok" {
			status.Status = "degraded"
			h.logger.Warn("readiness check failed",
				slog.String("check", p.name),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}
