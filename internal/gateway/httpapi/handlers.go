package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/linesim/internal/audit"
	"github.com/jkaninda/linesim/internal/robot"
	"github.com/jkaninda/linesim/internal/simulation"
	"github.com/jkaninda/linesim/internal/storage"
	"github.com/jkaninda/linesim/internal/track"
	"github.com/jkaninda/okapi"
)

// ConfigurationResponse is the JSON response for POST /v1/configuration.
type ConfigurationResponse struct {
	Configuration robot.Configuration `json:"configuration"`
	GearRatio     float64             `json:"gear_ratio"`
	Sensors       int                 `json:"sensors"`
}

// SummaryResponse is a run's final status in seconds and metres.
type SummaryResponse struct {
	Outcome      string  `json:"outcome"`
	FinishedAtS  float64 `json:"finished_at_s,omitempty"`
	DistanceM    float64 `json:"distance_m"`
	TimeOnLineS  float64 `json:"time_on_line_s"`
	FinalX       float64 `json:"final_x"`
	FinalY       float64 `json:"final_y"`
	FinalHeading float64 `json:"final_heading"`
}

// RunResponse is the JSON view of a run.
type RunResponse struct {
	ID            string               `json:"id"`
	Robot         string               `json:"robot,omitempty"`
	Track         string               `json:"track"`
	ModuleSHA256  string               `json:"module_sha256,omitempty"`
	Source        string               `json:"source,omitempty"`
	Status        string               `json:"status"`
	FaultKind     string               `json:"fault_kind,omitempty"`
	Fault         string               `json:"fault,omitempty"`
	Configuration *robot.Configuration `json:"configuration,omitempty"`
	Summary       *SummaryResponse     `json:"summary,omitempty"`
	ClockS        float64              `json:"clock_s"`
	Steps         int64                `json:"steps"`
	TotalTimeS    float64              `json:"total_time_s"`
	ElapsedMS     float64              `json:"elapsed_ms"`
	CreatedAt     time.Time            `json:"created_at"`

	// Set while the run is in flight.
	LiveURL   string `json:"live_url,omitempty"`
	EventsURL string `json:"events_url,omitempty"`
}

// TracksResponse is the JSON response for GET /v1/tracks.
type TracksResponse struct {
	Default  string   `json:"default"`
	Builtins []string `json:"builtins"`
}

func (g *Gateway) toRunResponse(r *storage.Run) RunResponse {
	resp := RunResponse{
		ID:           r.ID.String(),
		Robot:        r.Robot,
		Track:        r.Track,
		ModuleSHA256: r.ModuleSHA256,
		Source:       r.Source,
		Status:       r.Status,
		FaultKind:    r.FaultKind,
		Fault:        r.Fault,
		ClockS:       r.Clock.Seconds(),
		Steps:        r.Steps,
		TotalTimeS:   r.TotalTime.Seconds(),
		ElapsedMS:    float64(r.Elapsed) / float64(time.Millisecond),
		CreatedAt:    r.CreatedAt,
	}
	switch r.Status {
	case simulation.StateCompleted.String(), simulation.StateFaulted.String():
		cfg := r.Configuration
		resp.Configuration = &cfg
		resp.Summary = &SummaryResponse{
			Outcome:      string(r.Summary.Outcome),
			FinishedAtS:  r.Summary.FinishedAt.Seconds(),
			DistanceM:    r.Summary.Distance,
			TimeOnLineS:  r.Summary.TimeOnLine.Seconds(),
			FinalX:       r.Summary.FinalX,
			FinalY:       r.Summary.FinalY,
			FinalHeading: r.Summary.FinalHead,
		}
	case simulation.StateRunning.String():
		if g.hub != nil && g.hub.IsLive(r.ID) {
			if g.wsPath != "" {
				resp.LiveURL = g.wsPath + "?run=" + url.QueryEscape(resp.ID)
			}
			resp.EventsURL = "/v1/runs/" + resp.ID + "/events"
		}
	}
	return resp
}

// readRunRequest accepts either a JSON RunRequest or the raw module with
// Content-Type application/wasm and options in the query string.
func readRunRequest(c *okapi.Context) (RunRequest, error) {
	r := c.Request()
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/wasm", "application/octet-stream":
		module, err := io.ReadAll(r.Body)
		if err != nil {
			return RunRequest{}, err
		}
		q := r.URL.Query()
		req := RunRequest{Module: module, Track: q.Get("track")}
		if v := q.Get("total_time_us"); v != "" {
			us, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return RunRequest{}, badRequest("total_time_us: %v", err)
			}
			req.TotalTimeUS = us
		}
		if v := q.Get("async"); v != "" {
			async, err := strconv.ParseBool(v)
			if err != nil {
				return RunRequest{}, badRequest("async: %v", err)
			}
			req.Async = async
		}
		return req, nil
	default:
		var req RunRequest
		if err := c.Bind(&req); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return RunRequest{}, err
			}
			return RunRequest{}, badRequest("invalid request body: %v", err)
		}
		return req, nil
	}
}

func (g *Gateway) handleConfiguration(c *okapi.Context) error {
	req, err := readRunRequest(c)
	if err != nil {
		return g.fail(c, err)
	}
	cfg, err := g.runs.Configuration(c.Context(), req.Module)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(ConfigurationResponse{
		Configuration: cfg,
		GearRatio:     cfg.GearRatio(),
		Sensors:       cfg.SensorCount(g.runs.defaults.Params.WithDefaults().SensorBarWidth),
	})
}

func (g *Gateway) handleRunSubmit(c *okapi.Context) error {
	client := c.GetString("client")
	if g.limiter != nil {
		if err := g.limiter.Allow(client); err != nil {
			return g.fail(c, err)
		}
	}

	req, err := readRunRequest(c)
	if err != nil {
		return g.fail(c, err)
	}

	g.logger.Info("http run",
		slog.String("client", client),
		slog.String("track", req.Track),
		slog.Int("module_bytes", len(req.Module)),
		slog.Bool("async", req.Async),
	)

	run, err := g.runs.Submit(c.Context(), client, req)
	g.recordSubmit(c, client, req, run, err)
	if err != nil {
		if run != nil && isClientFault(err) {
			return c.JSON(http.StatusUnprocessableEntity, g.toRunResponse(run))
		}
		return g.fail(c, err)
	}
	if req.Async {
		return c.JSON(http.StatusAccepted, g.toRunResponse(run))
	}
	return c.JSON(http.StatusCreated, g.toRunResponse(run))
}

func (g *Gateway) recordSubmit(c *okapi.Context, client string, req RunRequest, run *storage.Run, err error) {
	event := audit.Event{Action: audit.ActionSubmit, Client: client, Track: req.Track, Result: "error"}
	if run != nil {
		event.RunID = run.ID.String()
		event.ModuleSHA256 = run.ModuleSHA256
		event.Track = run.Track
		event.Result = run.Status
	}
	if err != nil {
		event.Error = err.Error()
	}
	g.record(c.Context(), event)
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	filter, err := runFilter(c.Request().URL.Query())
	if err != nil {
		return g.fail(c, err)
	}
	runs, err := g.runs.List(c.Context(), filter)
	if err != nil {
		return g.fail(c, err)
	}
	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = g.toRunResponse(&runs[i])
	}
	return c.OK(resp)
}

func runFilter(q url.Values) (storage.RunFilter, error) {
	filter := storage.RunFilter{
		Robot:        q.Get("robot"),
		Track:        q.Get("track"),
		Status:       q.Get("status"),
		ModuleSHA256: q.Get("module_sha256"),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return storage.RunFilter{}, badRequest("%s must be a non-negative integer", p.name)
		}
		*p.dst = n
	}
	return filter, nil
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	run, err := g.runs.Get(c.Context(), id)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(g.toRunResponse(run))
}

func (g *Gateway) handleRunDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	if err := g.runs.Delete(c.Context(), id); err != nil {
		return g.fail(c, err)
	}
	g.record(c.Context(), audit.Event{
		Action: audit.ActionDelete,
		Client: c.GetString("client"),
		RunID:  id.String(),
		Result: "deleted",
	})
	g.logger.Info("run deleted",
		slog.String("client", c.GetString("client")),
		slog.String("run_id", id.String()),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleLeaderboard(c *okapi.Context) error {
	q := c.Request().URL.Query()
	trackName := q.Get("track")
	if trackName == "" && g.runs.defaults.Track != nil {
		trackName = g.runs.defaults.Track.Name
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}
	entries, err := g.runs.Leaderboard(c.Context(), trackName, limit)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(entries)
}

func (g *Gateway) handleTracks(c *okapi.Context) error {
	resp := TracksResponse{Default: "simple", Builtins: track.Builtins()}
	if g.runs.defaults.Track != nil {
		resp.Default = g.runs.defaults.Track.Name
	}
	return c.OK(resp)
}
