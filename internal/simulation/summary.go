package simulation

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/jkaninda/linesim/internal/physics"
	"github.com/jkaninda/linesim/internal/track"
)

// Outcome is where the robot ended up.
type Outcome string

const (
	// OutcomeFinished means the robot reached the end marker, whatever it
	// did afterwards.
	OutcomeFinished Outcome = "finished"
	// OutcomeRunning means the run ended with the robot still on the ground.
	OutcomeRunning Outcome = "running"
	// OutcomeOffTrack means the robot left the ground.
	OutcomeOffTrack Outcome = "off_track"
)

func (o Outcome) rank() int {
	switch o {
	case OutcomeFinished:
		return 2
	case OutcomeRunning:
		return 1
	default:
		return 0
	}
}

// Summary describes how a run went.
type Summary struct {
	Outcome Outcome `json:"outcome"`
	// FinishedAt is the logical time the end marker was first reached.
	FinishedAt time.Duration `json:"finished_at,omitempty"`
	// Distance is the path length of the axle midpoint, metres.
	Distance float64 `json:"distance_m"`
	// TimeOnLine counts steps where at least one sensor saw the line.
	TimeOnLine time.Duration   `json:"time_on_line"`
	Final      track.Transform `json:"-"`
	FinalX     float64         `json:"final_x"`
	FinalY     float64         `json:"final_y"`
	FinalHead  float64         `json:"final_heading"`
}

// Better reports whether s ranks ahead of o: finishing beats staying on
// the ground, which beats falling off; ties go to the earlier finish, then
// to more time on the line, then to the longer distance.
func (s Summary) Better(o Summary) bool {
	if s.Outcome.rank() != o.Outcome.rank() {
		return s.Outcome.rank() > o.Outcome.rank()
	}
	if s.Outcome == OutcomeFinished && s.FinishedAt != o.FinishedAt {
		return s.FinishedAt < o.FinishedAt
	}
	if s.TimeOnLine != o.TimeOnLine {
		return s.TimeOnLine > o.TimeOnLine
	}
	return s.Distance > o.Distance
}

type summarizer struct {
	trk  *track.Track
	end  mgl64.Vec2
	dt   time.Duration
	last mgl64.Vec2

	s Summary
}

func newSummarizer(w *physics.World) *summarizer {
	start := w.Planar()
	return &summarizer{
		trk:  w.Track(),
		end:  w.Track().EndTransform().Position,
		dt:   w.Params().FixedStep,
		last: start.Position,
		s:    Summary{Outcome: OutcomeRunning, Final: start},
	}
}

func (m *summarizer) observe(w *physics.World, nowMicros int64) {
	p := w.Planar()
	m.s.Distance += p.Position.Sub(m.last).Len()
	m.last = p.Position
	m.s.Final = p

	for _, s := range w.SensorPositions() {
		if m.trk.OnLine(mgl64.Vec2{s.X(), s.Y()}) {
			m.s.TimeOnLine += m.dt
			break
		}
	}

	// Finished and off_track are both final.
	switch {
	case m.s.Outcome != OutcomeRunning:
	case w.Fallen() || !m.trk.InBounds(p.Position):
		m.s.Outcome = OutcomeOffTrack
	case p.Position.Sub(m.end).Len() < track.MarkerLength:
		m.s.Outcome = OutcomeFinished
		m.s.FinishedAt = time.Duration(nowMicros) * time.Microsecond
	}
}

func (m *summarizer) summary() Summary {
	s := m.s
	s.FinalX, s.FinalY, s.FinalHead = s.Final.Position.X(), s.Final.Position.Y(), s.Final.Heading
	return s
}
