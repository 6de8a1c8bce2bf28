// Package live fans the recorded steps of in-flight runs out to playback
// subscribers. Publishing never blocks the simulation: a frame for a client
// whose queue is full is dropped and counted.
package live

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/linesim/internal/observability"
	"github.com/jkaninda/linesim/internal/protocol"
	lstrace "github.com/jkaninda/linesim/internal/trace"
)

var (
	// ErrUnknownRun is returned when subscribing to a run that is not in flight.
	ErrUnknownRun = errors.New("run is not live")
	// ErrRunExists is returned when a run id is opened twice.
	ErrRunExists = errors.New("run is already live")
)

// Hub tracks the feeds of in-flight runs.
type Hub struct {
	mu      sync.RWMutex
	feeds   map[uuid.UUID]*Feed
	stride  int
	buffer  int
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// NewHub creates a hub that forwards every stride-th step and queues up to
// buffer frames per subscriber.
func NewHub(stride, buffer int, metrics *observability.MetricsCollector, logger *slog.Logger) *Hub {
	if stride <= 0 {
		stride = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		feeds:   make(map[uuid.UUID]*Feed),
		stride:  stride,
		buffer:  buffer,
		metrics: metrics,
		logger:  logger,
	}
}

// Stride returns how many recorded steps make one frame.
func (h *Hub) Stride() int { return h.stride }

// Open registers a feed for runID. The caller publishes with Step and must
// call Finish exactly once.
func (h *Hub) Open(runID uuid.UUID, started protocol.RunStarted) (*Feed, error) {
	started.StepsPerMsg = h.stride
	env, err := protocol.NewEnvelope(protocol.MsgRunStarted, started)
	if err != nil {
		return nil, err
	}
	env.RunID = runID.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.feeds[runID]; ok {
		return nil, ErrRunExists
	}
	f := &Feed{
		hub:     h,
		runID:   runID,
		started: env,
		subs:    make(map[*Subscription]struct{}),
	}
	h.feeds[runID] = f
	h.logger.Debug("live feed opened", slog.String("run_id", runID.String()))
	return f, nil
}

// Subscribe attaches a new subscriber to a live run. The first message on
// the channel is always MsgRunStarted.
func (h *Hub) Subscribe(runID uuid.UUID) (*Subscription, error) {
	h.mu.RLock()
	f, ok := h.feeds[runID]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownRun
	}
	return f.subscribe()
}

// IsLive reports whether runID is in flight.
func (h *Hub) IsLive(runID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.feeds[runID]
	return ok
}


func (h *Hub) remove(runID uuid.UUID) {
	h.mu.Lock()
	delete(h.feeds, runID)
	h.mu.Unlock()
}

func (h *Hub) subscribersDelta(n int) {
	if h.metrics != nil && n != 0 {
		h.metrics.LiveSubscribers.Add(float64(n))
	}
}

func (h *Hub) dropped() {
	if h.metrics != nil {
		h.metrics.LiveDroppedFrames.Inc()
	}
}

// Feed publishes one run. A nil *Feed discards everything, so Step can be
// passed as the simulation's live callback unconditionally.
type Feed struct {
	hub     *Hub
	runID   uuid.UUID
	started *protocol.Envelope

	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	index    int64
	last     lstrace.Step
	unsent   bool
	finished bool
}

// RunID returns the id the feed was opened with.
func (f *Feed) RunID() uuid.UUID { return f.runID }

// Step publishes one recorded step.
func (f *Feed) Step(s lstrace.Step) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	index := f.index
	f.index++
	if index%int64(f.hub.stride) != 0 {
		f.last, f.unsent = s, true
		return
	}
	f.unsent = false
	f.broadcastFrame(index, s)
}

// Finish sends the last step when the stride skipped it, then the final
// message, and closes every subscription.
func (f *Feed) Finish(done protocol.RunFinished) {
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	if f.unsent {
		f.broadcastFrame(f.index-1, f.last)
	}
	for s := range f.subs {
		done.Dropped = s.dropped
		env, err := protocol.NewEnvelope(protocol.MsgRunFinished, done)
		if err == nil {
			env.RunID = f.runID.String()
			s.ch <- env // the reserved slot
		}
		close(s.ch)
		delete(f.subs, s)
		f.hub.subscribersDelta(-1)
	}
	f.mu.Unlock()

	f.hub.remove(f.runID)
	f.hub.logger.Debug("live feed finished",
		slog.String("run_id", f.runID.String()),
		slog.Int64("steps", f.index),
		slog.String("status", done.Status),
	)
}

// broadcastFrame must be called with f.mu held.
func (f *Feed) broadcastFrame(index int64, s lstrace.Step) {
	if len(f.subs) == 0 {
		return
	}
	env, err := protocol.NewEnvelope(protocol.MsgRunStep, protocol.StepFrame{Index: index, Step: s})
	if err != nil {
		return
	}
	env.RunID = f.runID.String()
	for sub := range f.subs {
		if len(sub.ch) >= f.hub.buffer {
			sub.dropped++
			f.hub.dropped()
			continue
		}
		sub.ch <- env
	}
}

func (f *Feed) subscribe() (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return nil, ErrUnknownRun
	}
	// One slot beyond the frame buffer is kept free for the final message.
	ch := make(chan *protocol.Envelope, f.hub.buffer+1)
	s := &Subscription{C: ch, ch: ch, feed: f}
	ch <- f.started
	f.subs[s] = struct{}{}
	f.hub.subscribersDelta(1)
	return s, nil
}

func (f *Feed) unsubscribe(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; !ok {
		return
	}
	delete(f.subs, s)
	close(s.ch)
	f.hub.subscribersDelta(-1)
}

// Subscription receives the messages of one live run. C is closed after
// MsgRunFinished or when Close is called.
type Subscription struct {
	C <-chan *protocol.Envelope

	ch      chan *protocol.Envelope
	feed    *Feed
	dropped int64
}

// Close detaches the subscription. Safe to call after the run finished.
func (s *Subscription) Close() {
	s.feed.unsubscribe(s)
}

// RunID returns the run the subscription follows.
func (s *Subscription) RunID() uuid.UUID { return s.feed.runID }
