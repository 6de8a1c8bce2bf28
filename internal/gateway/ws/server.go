// Package ws implements the WebSocket endpoint for live playback.
// Viewers connect with ?run=<id> while the run is in flight and receive the
// same envelopes the SSE endpoint sends, framed as WebSocket text messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/linesim/internal/config"
	"github.com/jkaninda/linesim/internal/gateway"
	"github.com/jkaninda/linesim/internal/live"
	"github.com/jkaninda/linesim/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Server upgrades viewer connections and forwards a run's live feed.
type Server struct {
	hub     *live.Hub
	cfg     *config.WebSocketGatewayConfig
	apiKeys map[string]string // SHA-256 hex → client. Empty = open.
	logger  *slog.Logger
}

// NewServer creates a WebSocket server over the given hub.
func NewServer(hub *live.Hub, cfg *config.WebSocketGatewayConfig, apiKeys map[string]string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		hub:     hub,
		cfg:     cfg,
		apiKeys: apiKeys,
		logger:  logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on WebSocket requests, so the key may
	// also come as ?token=.
	if len(s.apiKeys) > 0 {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = gateway.BearerToken(r)
		}
		if _, ok := gateway.ClientForKey(s.apiKeys, token); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	runID, err := uuid.Parse(r.URL.Query().Get("run"))
	if err != nil {
		http.Error(w, "run must be a run ID", http.StatusBadRequest)
		return
	}
	// Subscribe before the upgrade so a finished run is a plain 404.
	sub, err := s.hub.Subscribe(runID)
	if err != nil {
		if errors.Is(err, live.ErrUnknownRun) {
			http.Error(w, "run is not live", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, sub)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sub *live.Subscription) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runID := sub.RunID().String()

	s.logger.Debug("viewer connected", slog.String("run_id", runID))

	go func() {
		defer cancel()
		s.readLoop(ctx, conn, runID)
	}()

	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "stream closed")
			return

		case <-ticker.C:
			ping, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			ping.RunID = runID
			if err := s.writeEnvelope(ctx, conn, ping); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("run_id", runID),
					slog.String("error", err.Error()),
				)
				return
			}

		case env, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("viewer write failed",
					slog.String("run_id", runID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// readLoop consumes pongs until the viewer goes away.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, runID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.logger.Debug("viewer disconnected", slog.String("run_id", runID))
			default:
				if ctx.Err() == nil {
					s.logger.Debug("viewer connection error",
						slog.String("run_id", runID),
						slog.String("error", err.Error()),
					)
				}
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from viewer",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if env.Type != protocol.MsgPong {
			s.logger.Warn("unknown message type from viewer",
				slog.String("run_id", runID),
				slog.String("type", string(env.Type)),
			)
		}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
