package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/linesim/internal/audit"
	"github.com/jkaninda/linesim/internal/config"
	"github.com/jkaninda/linesim/internal/gateway"
	"github.com/jkaninda/linesim/internal/gateway/httpapi"
	"github.com/jkaninda/linesim/internal/gateway/ws"
	"github.com/jkaninda/linesim/internal/live"
	"github.com/jkaninda/linesim/internal/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run server (HTTP API and live WebSocket)",
	Long: `Serve the run API. Clients post controller modules, the server
simulates them, stores results and traces, and streams running
simulations over SSE and WebSocket.

API keys come from gateways.http.api_keys (SHA-256 hex → client) and
from LINESIM_API_KEYS as comma-separated "key:client" pairs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if cfg.Gateways.HTTP == nil && cfg.Gateways.WebSocket == nil {
		cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting run server", slog.String("config", configPath))

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var auditLog *audit.Logger
	if cfg.Gateways.HTTP != nil && cfg.Gateways.HTTP.AuditLog {
		auditLog, err = audit.Open(cfg.AuditLogPath(), logger)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		logger.Debug("audit log enabled", slog.String("path", cfg.AuditLogPath()))
	}

	gateways := buildGateways(cfg, sc, apiKeys(cfg), auditLog)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return runErr
}

// apiKeys merges configured key hashes with LINESIM_API_KEYS entries.
func apiKeys(cfg *config.Config) map[string]string {
	keys := make(map[string]string)
	if cfg.Gateways.HTTP != nil {
		for hash, client := range cfg.Gateways.HTTP.APIKeys {
			keys[strings.ToLower(hash)] = client
		}
	}
	if envKeys := os.Getenv("LINESIM_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 && parts[0] != "" {
				keys[gateway.HashKey(parts[0])] = parts[1]
			}
		}
	}
	return keys
}

// buildGateways creates all enabled gateways from config.
func buildGateways(cfg *config.Config, sc *SharedComponents, keys map[string]string, auditLog *audit.Logger) []gateway.Gateway {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways
	wsCfg := gwCfg.WebSocket
	wsEnabled := wsCfg != nil && wsCfg.Enabled

	hub := live.NewHub(wsCfg.Stride(), wsCfg.BufferSize(), sc.Obs.MetricsOrNil(), sc.Logger)

	var wsServer *ws.Server
	if wsEnabled {
		wsServer = ws.NewServer(hub, wsCfg, keys, sc.Logger)
		sc.Logger.Debug("websocket server initialized",
			slog.String("path", wsCfg.WSPath()),
			slog.Int("steps_per_frame", wsCfg.Stride()),
		)
	}

	// HTTP API gateway.
	var httpGW *httpapi.Gateway
	if gwCfg.HTTP != nil && gwCfg.HTTP.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
		})

		runs := httpapi.NewRunService(sc.Runner, sc.Store, hub, httpapi.RunDefaults{
			Track:        sc.Track,
			Params:       cfg.Params(),
			TotalTime:    cfg.TotalTime(),
			MaxTotalTime: gwCfg.HTTP.MaxTotalTime(),
			Limits:       cfg.Limits(),
		}, gwCfg.HTTP.MaxConcurrentRuns, sc.Logger)

		httpCfg := httpapi.Config{
			ListenAddr:     gwCfg.HTTP.ListenAddr,
			EnableDocs:     gwCfg.HTTP.EnableDocs,
			APIKeys:        keys,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
		}
		if httpCfg.ListenAddr == "" {
			httpCfg.ListenAddr = ":8080"
		}
		if sc.Obs != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.HealthChecker = sc.Obs.Health
			if sc.Obs.Metrics != nil {
				httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			}
			if sc.Obs.Tracer != nil {
				httpCfg.Tracer = sc.Obs.Tracer.Tracer()
			}
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		httpGW = httpapi.NewGateway(httpCfg, runs, limiter, sc.Logger)
		if auditLog != nil {
			httpGW.WithAudit(auditLog)
		}

		wsPath := ""
		if wsEnabled {
			wsPath = wsCfg.WSPath()
		}
		httpGW.WithLive(hub, wsPath)
	}

	// Mount the live WebSocket handler on the HTTP gateway if both are
	// enabled. Otherwise, start a standalone HTTP server for it.
	if wsServer != nil {
		wsPath := wsCfg.WSPath()

		if httpGW != nil {
			httpGW.WithHandler(wsPath, wsServer.Handler())
			sc.Logger.Debug("websocket live endpoint mounted on http gateway",
				slog.String("path", wsPath),
			)
		} else {
			addr := wsCfg.WSListenAddr()
			gws = append(gws, newStandaloneWSGateway(wsServer, addr, wsPath, sc.Logger))
			sc.Logger.Debug("gateway enabled",
				slog.String("type", "websocket"),
				slog.String("addr", addr),
				slog.String("path", wsPath),
			)
		}
	}

	if httpGW != nil {
		gws = append(gws, httpGW)
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", gwCfg.HTTP.ListenAddr),
			slog.Bool("websocket", wsServer != nil),
			slog.Int("api_keys", len(keys)),
		)
	}

	return gws
}

// standaloneWSGateway wraps a ws.Server as a gateway.Gateway for cases
// where the HTTP gateway is not enabled and the WebSocket endpoint needs
// its own HTTP listener. Without the HTTP API nothing opens runs, so this
// only serves runs fed into the hub by other means.
type standaloneWSGateway struct {
	wsServer   *ws.Server
	addr       string
	path       string
	logger     *slog.Logger
	httpServer *http.Server
}

func newStandaloneWSGateway(wsServer *ws.Server, addr, path string, logger *slog.Logger) *standaloneWSGateway {
	return &standaloneWSGateway{
		wsServer: wsServer,
		addr:     addr,
		path:     path,
		logger:   logger,
	}
}

func (g *standaloneWSGateway) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(g.path, g.wsServer.Handler())

	g.httpServer = &http.Server{
		Addr:              g.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("standalone websocket gateway starting", slog.String("addr", g.addr))
	if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket gateway: %w", err)
	}
	return nil
}

func (g *standaloneWSGateway) Stop(ctx context.Context) error {
	if g.httpServer != nil {
		return g.httpServer.Shutdown(ctx)
	}
	return nil
}
