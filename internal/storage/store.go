// Package storage defines the Store interface that persists simulation runs
// and their traces. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL (shared deployments).
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/simulation"
	lstrace "github.com/jkaninda/linesim/internal/trace"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store is the persistence interface for linesim.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Runs() RunStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// RunStore persists run records. Traces are stored apart from the record
// and only loaded by Trace.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, filter RunFilter) ([]Run, error)
	Trace(ctx context.Context, id uuid.UUID) (lstrace.Trace, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Run is one stored simulation.
type Run struct {
	ID            uuid.UUID           `json:"id"`
	Robot         string              `json:"robot"`
	Track         string              `json:"track"`
	ModuleSHA256  string              `json:"module_sha256"`
	Source        string              `json:"source,omitempty"` // "cli", "http" or "batch"
	Status        string              `json:"status"`           // simulation state, or "rejected"
	FaultKind     string              `json:"fault_kind,omitempty"`
	Fault         string              `json:"fault,omitempty"`
	Configuration robot.Configuration `json:"configuration"`
	Summary       simulation.Summary  `json:"summary"`
	Clock         time.Duration       `json:"clock"`
	Steps         int64               `json:"steps"`
	TotalTime     time.Duration       `json:"total_time"`
	Elapsed       time.Duration       `json:"elapsed"`
	CreatedAt     time.Time           `json:"created_at"`

	// Trace is written by Create when non-empty. Get leaves it empty.
	Trace lstrace.Trace `json:"-"`
}

// RunFilter narrows List. Zero fields match everything.
type RunFilter struct {
	Robot        string
	Track        string
	Status       string
	ModuleSHA256 string
	Limit        int // Default: 50, max 500.
	Offset       int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EffectiveLimit clamps Limit to the supported page size.
func (f RunFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// NewRun builds a record for res. The module hash identifies the controller
// across runs.
func NewRun(module []byte, trackName, source string, totalTime time.Duration, res *simulation.Result) *Run {
	sum := sha256.Sum256(module)
	run := &Run{
		ID:            uuid.New(),
		Robot:         res.Configuration.Name,
		Track:         trackName,
		ModuleSHA256:  hex.EncodeToString(sum[:]),
		Source:        source,
		Status:        res.Status.String(),
		Configuration: res.Configuration,
		Summary:       res.Summary,
		Clock:         res.Clock,
		Steps:         res.Steps,
		TotalTime:     totalTime,
		Elapsed:       res.Elapsed,
		CreatedAt:     time.Now().UTC(),
		Trace:         res.Trace,
	}
	if res.Fault != nil {
		run.Fault = res.Fault.Error()
		if kind, ok := fault.KindOf(res.Fault); ok {
			run.FaultKind = string(kind)
		}
	}
	return run
}

// StatusRejected marks a run whose module never reached Running.
const StatusRejected = "rejected"

// NewRejectedRun records a module that failed to load or configure. It has
// no trace and no summary.
func NewRejectedRun(module []byte, trackName, source string, totalTime time.Duration, err error) *Run {
	sum := sha256.Sum256(module)
	run := &Run{
		ID:           uuid.New(),
		Track:        trackName,
		ModuleSHA256: hex.EncodeToString(sum[:]),
		Source:       source,
		Status:       StatusRejected,
		Fault:        err.Error(),
		TotalTime:    totalTime,
		CreatedAt:    time.Now().UTC(),
	}
	if kind, ok := fault.KindOf(err); ok {
		run.FaultKind = string(kind)
	}
	return run
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
