package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/linesim/internal/storage"
)

func toRunModel(r *storage.Run) (RunModel, error) {
	cfg, err := json.Marshal(r.Configuration)
	if err != nil {
		return RunModel{}, fmt.Errorf("encoding configuration: %w", err)
	}
	sum, err := json.Marshal(r.Summary)
	if err != nil {
		return RunModel{}, fmt.Errorf("encoding summary: %w", err)
	}
	m := RunModel{
		ID:            r.ID,
		Robot:         r.Robot,
		Track:         r.Track,
		ModuleSHA256:  r.ModuleSHA256,
		Source:        r.Source,
		Status:        r.Status,
		FaultKind:     r.FaultKind,
		Fault:         r.Fault,
		Configuration: JSONB(cfg),
		Summary:       JSONB(sum),
		Outcome:       string(r.Summary.Outcome),
		ClockUS:       r.Clock.Microseconds(),
		Steps:         r.Steps,
		TotalTimeUS:   r.TotalTime.Microseconds(),
		ElapsedUS:     r.Elapsed.Microseconds(),
		CreatedAt:     r.CreatedAt,
	}
	if r.Trace.Len() > 0 {
		data, err := r.Trace.MarshalBinary()
		if err != nil {
			return RunModel{}, fmt.Errorf("encoding trace: %w", err)
		}
		m.Trace = &RunTraceModel{RunID: r.ID, Steps: r.Trace.Len(), Data: data}
	}
	return m, nil
}

func toRunDomain(m *RunModel) (*storage.Run, error) {
	r := &storage.Run{
		ID:           m.ID,
		Robot:        m.Robot,
		Track:        m.Track,
		ModuleSHA256: m.ModuleSHA256,
		Source:       m.Source,
		Status:       m.Status,
		FaultKind:    m.FaultKind,
		Fault:        m.Fault,
		Clock:        time.Duration(m.ClockUS) * time.Microsecond,
		Steps:        m.Steps,
		TotalTime:    time.Duration(m.TotalTimeUS) * time.Microsecond,
		Elapsed:      time.Duration(m.ElapsedUS) * time.Microsecond,
		CreatedAt:    m.CreatedAt,
	}
	if len(m.Configuration) > 0 {
		if err := json.Unmarshal(m.Configuration, &r.Configuration); err != nil {
			return nil, fmt.Errorf("decoding configuration of run %s: %w", m.ID, err)
		}
	}
	if len(m.Summary) > 0 {
		if err := json.Unmarshal(m.Summary, &r.Summary); err != nil {
			return nil, fmt.Errorf("decoding summary of run %s: %w", m.ID, err)
		}
	}
	return r, nil
}
