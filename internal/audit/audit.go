// Package audit records who submitted and deleted runs on the server.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Actions.
const (
	ActionSubmit = "run.submit"
	ActionDelete = "run.delete"
)

// Event is one audit record.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`
	Client       string    `json:"client"`
	RunID        string    `json:"run_id,omitempty"`
	ModuleSHA256 string    `json:"module_sha256,omitempty"`
	Track        string    `json:"track,omitempty"`
	Result       string    `json:"result"` // Run status, "deleted" or "error".
	Error        string    `json:"error,omitempty"`
}

// Logger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open opens (or creates) the audit log file in append-only mode with
// 0600 permissions, creating its directory when needed.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{file: f, logger: logger}, nil
}

// Log appends the event. A zero Timestamp is set to now.
// Marshal happens outside the lock; only the file write is serialized.
func (a *Logger) Log(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("client", event.Client),
		slog.String("run_id", event.RunID),
		slog.String("result", event.Result),
	)
	return nil
}

// Close closes the underlying file.
func (a *Logger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
