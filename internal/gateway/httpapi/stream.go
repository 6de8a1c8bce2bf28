package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	lstrace "github.com/jkaninda/linesim/internal/trace"
)

// TraceResponse is the JSON form of GET /v1/runs/{id}/trace.
type TraceResponse struct {
	RunID     string         `json:"run_id"`
	Count     int            `json:"count"`
	DurationS float32        `json:"duration_s"`
	Steps     []lstrace.Step `json:"steps"`
}

// serveTrace handles GET /v1/runs/{id}/trace. With Accept:
// application/octet-stream the binary trace is streamed; with ?at=<seconds>
// a single interpolated step is returned.
func (g *Gateway) serveTrace(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDFromPath(r.URL.Path, "/trace")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return
	}
	tr, err := g.runs.Trace(r.Context(), id)
	if err != nil {
		code, msg := statusFor(err)
		writeError(w, code, msg)
		return
	}

	if at := r.URL.Query().Get("at"); at != "" {
		t, err := strconv.ParseFloat(at, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be a time in seconds")
			return
		}
		step, ok := tr.Interpolate(float32(t))
		if !ok {
			writeError(w, http.StatusNotFound, "trace is empty")
			return
		}
		writeJSON(w, http.StatusOK, step)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/octet-stream") {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id.String()+".trace"))
		w.Header().Set("Content-Length", strconv.Itoa(lstrace.HeaderSize+tr.Len()*lstrace.StepSize))
		if _, err := tr.WriteTo(w); err != nil {
			g.logger.Warn("trace download interrupted", slog.String("run_id", id.String()), slog.String("error", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, TraceResponse{
		RunID:     id.String(),
		Count:     tr.Len(),
		DurationS: tr.Duration(),
		Steps:     tr.Steps,
	})
}

// serveEvents handles GET /v1/runs/{id}/events: the live feed of an
// in-flight run as server-sent events, one envelope per event.
func (g *Gateway) serveEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDFromPath(r.URL.Path, "/events")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return
	}
	sub, err := g.hub.Subscribe(id)
	if err != nil {
		code, msg := statusFor(err)
		writeError(w, code, msg)
		return
	}
	defer sub.Close()

	// Runs outlive the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data); err != nil {
				g.logger.Debug("event stream closed", slog.String("run_id", id.String()), slog.String("error", err.Error()))
				return
			}
			_ = rc.Flush()
		}
	}
}

// runIDFromPath extracts {id} from /v1/runs/{id}<suffix>.
func runIDFromPath(path, suffix string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/runs/")
	if !ok {
		return uuid.UUID{}, false
	}
	rest, ok = strings.CutSuffix(rest, suffix)
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorBody{Error: msg})
}
