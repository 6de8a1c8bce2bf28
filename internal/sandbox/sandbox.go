// Package sandbox loads untrusted controller modules and drives their
// entry points. A guest only ever reaches the host through the three
// device capabilities; everything else is refused at load time.
package sandbox

import (
	"context"
	"time"

	"github.com/jkaninda/linesim/internal/device"
	"github.com/jkaninda/linesim/internal/robot"
)

// Guest is a loaded controller. Setup runs once with no capabilities; Run
// is expected never to return on its own and ends when a device call
// halts it or the guest faults.
type Guest interface {
	Setup(ctx context.Context) (robot.Configuration, error)
	Run(ctx context.Context, devices device.Devices) error
	Close(ctx context.Context) error
}

const (
	defaultSliceTimeout     = 2 * time.Second
	defaultDeadline         = 10 * time.Minute
	defaultMemoryLimitPages = 256 // 16 MiB
	defaultCallsPerInstant  = 100_000
)

// Limits bound a guest's resources.
type Limits struct {
	// SliceTimeout caps wall time spent in guest code between two host
	// calls. Time inside host calls does not count.
	SliceTimeout time.Duration `json:"slice_timeout" yaml:"slice_timeout"`
	// Deadline caps the wall time of a whole run.
	Deadline time.Duration `json:"deadline" yaml:"deadline"`
	// MemoryLimitPages caps linear memory in 64 KiB pages.
	MemoryLimitPages uint32 `json:"memory_limit_pages" yaml:"memory_limit_pages"`
	// MaxCallsPerInstant caps device calls between two sleeps.
	MaxCallsPerInstant int `json:"max_calls_per_instant" yaml:"max_calls_per_instant"`
}

// DefaultLimits returns the reference limits.
func DefaultLimits() Limits {
	return Limits{
		SliceTimeout:       defaultSliceTimeout,
		Deadline:           defaultDeadline,
		MemoryLimitPages:   defaultMemoryLimitPages,
		MaxCallsPerInstant: defaultCallsPerInstant,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.SliceTimeout == 0 {
		l.SliceTimeout = d.SliceTimeout
	}
	if l.Deadline == 0 {
		l.Deadline = d.Deadline
	}
	if l.MemoryLimitPages == 0 {
		l.MemoryLimitPages = d.MemoryLimitPages
	}
	if l.MaxCallsPerInstant == 0 {
		l.MaxCallsPerInstant = d.MaxCallsPerInstant
	}
	return l
}

// Native adapts Go functions to Guest. It is trusted code: no watchdog or
// memory limits apply.
type Native struct {
	SetupFunc func(ctx context.Context) (robot.Configuration, error)
	RunFunc   func(ctx context.Context, devices device.Devices) error
}

var _ Guest = (*Native)(nil)

// Setup implements Guest.
func (n *Native) Setup(ctx context.Context) (robot.Configuration, error) {
	return n.SetupFunc(ctx)
}

// Run implements Guest.
func (n *Native) Run(ctx context.Context, devices device.Devices) error {
	return n.RunFunc(ctx, devices)
}

// Close implements Guest.
func (n *Native) Close(context.Context) error { return nil }
