// Package httpapi implements the HTTP API for submitting controllers and
// inspecting their runs.
//
// Security:
//   - API key authentication on every /v1 request (SHA-256 hashes, constant-time comparison)
//   - Request body size limits (default 8 MB)
//   - Per-client rate limiting of run submissions via token bucket
//   - A bound on simultaneous simulations
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/linesim/internal/audit"
	"github.com/jkaninda/linesim/internal/fault"
	"github.com/jkaninda/linesim/internal/gateway"
	"github.com/jkaninda/linesim/internal/live"
	"github.com/jkaninda/linesim/internal/observability"
	"github.com/jkaninda/linesim/internal/ratelimit"
	"github.com/jkaninda/linesim/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 8 << 20 // 8 MB

// anonymousClient names callers when no API keys are configured.
const anonymousClient = "anonymous"

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // SHA-256 hex of the key → client name. Empty = open API.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 8 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runs    *RunService
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Live playback.
	hub    *live.Hub // nil = /events disabled.
	wsPath string    // Advertised WebSocket path, empty when not mounted.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket live endpoint).
	extraRoutes []extraRoute

	audit *audit.Logger // nil = no audit log.

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runs *RunService, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		config:  cfg,
		runs:    runs,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "linesim",
			Version: observability.ServiceVersion,
		},
	)
	return g
}

// WithLive enables the SSE events endpoint and advertises wsPath in run
// responses.
func (g *Gateway) WithLive(hub *live.Hub, wsPath string) *Gateway {
	g.hub = hub
	g.wsPath = wsPath
	return g
}

// WithAudit appends every run submission and deletion to a.
func (g *Gateway) WithAudit(a *audit.Logger) *Gateway {
	g.audit = a
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket live endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.runs.Bind(ctx)

	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return limitBody(g.config.MaxRequestSize, next)
	})
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/configuration", g.handleConfiguration,
		okapi.DocSummary("Run a module's setup() and return the robot it asks for"),
		okapi.DocTags("Robots"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(ConfigurationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
	)
	g.group.Post("/runs", g.handleRunSubmit,
		okapi.DocSummary("Simulate a controller module"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(http.StatusCreated, RunResponse{}),
		okapi.DocResponse(http.StatusAccepted, RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, RunResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/runs", g.handleRunList,
		okapi.DocSummary("List stored runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get a run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/runs/{id}", g.handleRunDelete,
		okapi.DocSummary("Delete a run and its trace"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/leaderboard", g.handleLeaderboard,
		okapi.DocSummary("Best completed run of each module on a track"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]LeaderboardEntry{}),
	)
	g.group.Get("/tracks", g.handleTracks,
		okapi.DocSummary("List the tracks runs can use"),
		okapi.DocTags("Tracks"),
		okapi.DocResponse(TracksResponse{}),
	)

	// Streaming endpoints write straight to the connection.
	g.okapi.HandleStd("GET", "/v1/runs/{id}/trace", g.requireKey(http.HandlerFunc(g.serveTrace)).ServeHTTP)
	if g.hub != nil {
		g.okapi.HandleStd("GET", "/v1/runs/{id}/events", g.requireKey(http.HandlerFunc(g.serveEvents)).ServeHTTP)
	}

	// Extra handlers (e.g., WebSocket live endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server, then waits for asynchronous
// runs to be stored until ctx expires.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	err := g.okapi.Shutdown(g.server)

	done := make(chan struct{})
	go func() {
		g.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("asynchronous runs still in flight at shutdown")
	}
	return err
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness answers the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the bearer key to a client name and stores it on
// the context. With no keys configured every caller is anonymous.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		client, ok := g.clientFor(c.Request())
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// requireKey is authenticate for plain net/http handlers.
func (g *Gateway) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.clientFor(r); !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) clientFor(r *http.Request) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return anonymousClient, true
	}
	return gateway.ClientForKey(g.config.APIKeys, gateway.BearerToken(r))
}

// limitBody caps request bodies; reads past the limit fail with
// *http.MaxBytesError.
func limitBody(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

// fail maps service errors to HTTP responses.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		g.logger.Error("request failed", slog.String("error", err.Error()))
	}
	return c.JSON(code, ErrorBody{Error: msg})
}

func (g *Gateway) record(ctx context.Context, event audit.Event) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(ctx, event); err != nil {
		g.logger.Warn("audit log write failed", slog.String("error", err.Error()))
	}
}

// statusFor picks the status code and client-facing message for err.
func statusFor(err error) (int, string) {
	var reqErr *RequestError
	var tooBig *http.MaxBytesError
	var limited *ratelimit.LimitedError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.Msg
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.As(err, &limited):
		return http.StatusTooManyRequests, limited.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "run not found"
	case errors.Is(err, live.ErrUnknownRun):
		return http.StatusNotFound, "run is not live"
	case errors.Is(err, ErrStorageDisabled), errors.Is(err, ErrBusy):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, fault.ErrInterrupted):
		return http.StatusServiceUnavailable, "request canceled"
	case isClientFault(err):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
