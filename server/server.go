// Package server exposes the gateway over HTTP: the WebSocket endpoint, a
// health check and operator endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/broadcast"
	"github.com/mcraig150/Skybound-realms-sub002/config"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/session"
	"github.com/mcraig150/Skybound-realms-sub002/websocket"
)

// Sessions is the read side of the session manager used by the HTTP
// endpoints.
type Sessions interface {
	GetByPlayer(playerID string) (*session.Snapshot, bool)
	ActiveCount() int
	Len() int
}

// ZoneMigrator moves every connection of one zone into another.
type ZoneMigrator interface {
	MigrateZone(from, to string) int
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Gateway   http.HandlerFunc
	Router    *broadcast.Router
	Sessions  Sessions
	Zones     ZoneMigrator
	Validator *websocket.JWTValidator
	Auth      config.AuthConfig

	// MaxConnections caps live sockets on this instance. Zero means no cap.
	MaxConnections int
}

// Server wraps the HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
}

// NewServer builds the mux and the http.Server listening on addr.
func NewServer(addr string, cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{deps: deps}
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.routes(),
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
		// WriteTimeout is not set: it would cut long-lived WebSocket
		// connections. Writes carry their own deadlines.
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.gateway)
	mux.HandleFunc("GET /healthz", s.health)
	mux.Handle("POST /admin/zones/migrate", s.admin(http.HandlerFunc(s.migrateZone)))
	mux.Handle("POST /admin/broadcast", s.admin(http.HandlerFunc(s.broadcast)))
	mux.Handle("GET /admin/sessions/{playerId}", s.admin(http.HandlerFunc(s.getSession)))
	return mux
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	logger.L.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked WebSocket connections are not tracked here; the connection
// registry closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) gateway(w http.ResponseWriter, r *http.Request) {
	if s.deps.MaxConnections > 0 && s.deps.Router.Size() >= s.deps.MaxConnections {
		logger.L.Warn("rejecting connection at capacity", zap.Int("max_connections", s.deps.MaxConnections))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server at capacity"})
		return
	}
	s.deps.Gateway(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"connections":    s.deps.Router.Size(),
		"sessions":       s.deps.Sessions.Len(),
		"activeSessions": s.deps.Sessions.ActiveCount(),
	})
}

func (s *Server) migrateZone(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to are required"})
		return
	}
	moved := s.deps.Zones.MigrateZone(from, to)
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "moved": moved})
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
		Zone    string `json:"zone,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	payload := map[string]any{"message": body.Message, "sentAt": time.Now()}
	var delivered int
	if body.Zone != "" {
		delivered = s.deps.Router.SendToScope(broadcast.ZoneScope(body.Zone), websocket.EventSystemMessage, payload)
	} else {
		delivered = s.deps.Router.SendToAll(websocket.EventSystemMessage, payload)
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Sessions.GetByPlayer(r.PathValue("playerId"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session for player"})
		return
	}
	// Operators see the session, not the credential that resumes it.
	snap.ReconnectToken = ""
	writeJSON(w, http.StatusOK, snap)
}

// admin requires a bearer token with the admin scope when authentication is
// enabled.
func (s *Server) admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.deps.Validator == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing credential"})
			return
		}
		claims, err := s.deps.Validator.ValidateToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credential"})
			return
		}
		if !claims.HasScope(s.deps.Auth.AdminScope) {
			logger.L.Warn("admin request without admin scope",
				zap.String("subject", claims.Subject),
				zap.String("path", r.URL.Path),
			)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Debug("failed to write response", zap.Error(err))
	}
}
