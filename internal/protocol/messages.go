// Package protocol defines the messages streamed to live playback clients.
// All messages are JSON-encoded and wrapped in an Envelope so WebSocket and
// SSE consumers can route them uniformly.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/linesim/internal/simulation"
	lstrace "github.com/jkaninda/linesim/internal/trace"
)

// Subprotocol is negotiated by WebSocket playback clients.
const Subprotocol = "linesim-live-v1"

// MessageType identifies the kind of message in the live stream.
type MessageType string

const (
	// Server → client
	MsgRunStarted  MessageType = "run.started"
	MsgRunStep     MessageType = "run.step"
	MsgRunFinished MessageType = "run.finished"
	MsgPing        MessageType = "gateway.ping"

	// Client → server
	MsgPong MessageType = "gateway.pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for every live message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation and deduplication.
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// RunStarted is sent with MsgRunStarted as the first message of every
// subscription.
type RunStarted struct {
	Robot       string  `json:"robot,omitempty"`
	Track       string  `json:"track"`
	TotalTimeS  float64 `json:"total_time_s"`
	StepsPerMsg int     `json:"steps_per_message"`
}

// StepFrame is sent with MsgRunStep. Index counts recorded steps from 0,
// so gaps show the stride and any frames dropped for a slow client.
type StepFrame struct {
	Index int64        `json:"index"`
	Step  lstrace.Step `json:"step"`
}

// RunFinished is sent with MsgRunFinished and ends the subscription.
type RunFinished struct {
	Status  string             `json:"status"`
	Fault   string             `json:"fault,omitempty"`
	Steps   int64              `json:"steps"`
	ClockS  float64            `json:"clock_s"`
	Summary simulation.Summary `json:"summary"`
	Dropped int64              `json:"dropped_frames"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
