package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/apperr"
	"github.com/mcraig150/Skybound-realms-sub002/broadcast"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
	"github.com/mcraig150/Skybound-realms-sub002/recovery"
	"github.com/mcraig150/Skybound-realms-sub002/session"
)

// Server to client events emitted by the gateway.
const (
	EventConnected        = "connected"
	EventSessionError     = "session:error"
	EventPong             = "session:pong"
	EventZoneEntered      = "zone:entered"
	EventZonePlayerJoined = "zone:player_joined"
	EventZonePlayerLeft   = "zone:player_left"
	EventZoneMigrated     = "zone:migrated"
	EventChatJoined       = "chat:joined_channel"
	EventChatLeft         = "chat:left_channel"
	EventSystemMessage    = "system:message"
)

// Client to server actions.
const (
	ActionReconnect = "session:reconnect"
	ActionLogout    = "session:logout"
	ActionPing      = "session:ping"
	ActionZoneEnter = "zone:enter"
	ActionChatJoin  = "chat:join"
	ActionChatLeave = "chat:leave"
	ActionMove      = "player:move"
)

const (
	reconnectTokenParam = "reconnectToken"
	clientVersionParam  = "clientVersion"
	sessionOpTimeout    = 10 * time.Second
)

// Request is the client to server frame.
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is sent with session:error and as the body of a rejected
// handshake.
type ErrorPayload struct {
	Code    apperr.Code `json:"code"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func errorPayload(err error) ErrorPayload {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeInternal
	}
	var e *apperr.Error
	msg := err.Error()
	if errors.As(err, &e) {
		msg = e.Message
	}
	return ErrorPayload{Code: code, Kind: apperr.KindOf(err), Message: msg}
}

// SessionService is the part of the session manager the gateway drives.
type SessionService interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*session.Snapshot, error)
	ReconnectSession(ctx context.Context, token, playerID, newConnectionID string) (*session.Snapshot, error)
	DetachConnection(sessionID, connectionID string)
	TerminateSession(sessionID string, reason session.Reason) bool
	GetByPlayer(playerID string) (*session.Snapshot, bool)
	UpdateZone(sessionID, zone string) error
	UpdatePosition(sessionID string, pos recovery.Position) error
	Touch(sessionID, connectionID string) error
}

// Handler admits sockets, binds them to sessions and dispatches client
// actions.
type Handler struct {
	registry   *ConnectionRegistry
	router     *broadcast.Router
	sessions   SessionService
	admitter   *Admitter
	opts       Options
	maxPerZone int
	upgrader   websocket.Upgrader
}

// NewHandler creates a new websocket handler. maxPerZone <= 0 disables the
// zone capacity check.
func NewHandler(registry *ConnectionRegistry, router *broadcast.Router, sessions SessionService, admitter *Admitter, opts Options, maxPerZone int) *Handler {
	return &Handler{
		registry:   registry,
		router:     router,
		sessions:   sessions,
		admitter:   admitter,
		opts:       opts,
		maxPerZone: maxPerZone,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// connState is owned by the connection's handler goroutine.
type connState struct {
	client    *Client
	identity  *Identity
	version   string
	sessionID string
}

// HandleWebSocket handles incoming websocket connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.registry.wg.Add(1)
	defer h.registry.wg.Done()

	identity, err := h.admitter.Admit(r)
	if err != nil {
		logger.L.Info("connection rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("code", string(apperr.CodeOf(err))),
			zap.Error(err),
		)
		writeAdmissionError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), identity.PlayerID, conn, h.opts)
	client.StartTimers()
	if err := h.registry.Add(client); err != nil {
		logger.L.Error("failed to register client", zap.String("player_id", identity.PlayerID), zap.Error(err))
		client.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	st := &connState{
		client:   client,
		identity: identity,
		version:  r.URL.Query().Get(clientVersionParam),
	}
	defer h.disconnect(st)

	if err := client.Send(EventConnected, map[string]string{
		"playerId":     identity.PlayerID,
		"connectionId": client.ID(),
	}); err != nil {
		logger.L.Debug("failed to send connected ack", zap.String("connection_id", client.ID()), zap.Error(err))
		return
	}

	if token := r.URL.Query().Get(reconnectTokenParam); token != "" {
		h.reconnect(st, token)
	}
	if st.sessionID == "" && !h.create(st) {
		return
	}

	h.readLoop(st)
}

func (h *Handler) readLoop(st *connState) {
	conn := st.client.conn
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				logger.L.Debug("read error", zap.String("connection_id", st.client.ID()), zap.Error(err))
			}
			return
		}
		metrics.MessagesReceived.Inc()
		st.client.UpdateActivity()
		st.client.extendReadDeadline()

		if !h.dispatch(st, msg) {
			return
		}
	}
}

// disconnect runs exactly once per socket.
func (h *Handler) disconnect(st *connState) {
	h.registry.Remove(st.client.ID())
	if st.sessionID != "" {
		h.sessions.DetachConnection(st.sessionID, st.client.ID())
	}
	st.client.Close(websocket.CloseNormalClosure, "")
}

func (h *Handler) create(st *connState) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()

	snap, err := h.sessions.CreateSession(ctx, session.CreateRequest{
		PlayerID:      st.identity.PlayerID,
		Username:      st.identity.Username,
		ConnectionID:  st.client.ID(),
		ClientVersion: st.version,
	})
	if err != nil {
		logger.L.Warn("session creation failed", zap.String("player_id", st.identity.PlayerID), zap.Error(err))
		h.sendError(st, err)
		return false
	}
	h.bind(st, snap)
	return true
}

// reconnect resumes a session on this socket. On failure the client is told
// why and keeps its socket; the caller falls back to a fresh session since
// the handshake already authenticated the player.
func (h *Handler) reconnect(st *connState, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()

	snap, err := h.sessions.ReconnectSession(ctx, token, st.identity.PlayerID, st.client.ID())
	if err != nil {
		logger.L.Info("reconnect rejected",
			zap.String("player_id", st.identity.PlayerID),
			zap.String("code", string(apperr.CodeOf(err))),
		)
		h.sendError(st, err)
		return false
	}
	h.bind(st, snap)
	return true
}

// bind attaches the session to this socket and puts the socket in the
// session's zone. A full zone leaves the socket zoneless until the client
// picks another one.
func (h *Handler) bind(st *connState, snap *session.Snapshot) {
	st.sessionID = snap.SessionID
	zone := snap.Data.CurrentZone
	if zone == "" {
		return
	}
	if h.zoneFull(zone) {
		h.sendError(st, apperr.New(apperr.CodeZoneFull, "zone %s is full", zone))
		return
	}
	h.joinZone(st, zone)
}

func (h *Handler) zoneFull(zone string) bool {
	return h.maxPerZone > 0 && h.router.Count(broadcast.ZoneScope(zone)) >= h.maxPerZone
}

// dispatch handles one client frame and reports whether the read loop should
// continue.
func (h *Handler) dispatch(st *connState, msg []byte) bool {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil || req.Action == "" {
		h.sendError(st, apperr.New(apperr.CodeInvalidMessage, "malformed message"))
		return true
	}

	if req.Action == ActionReconnect {
		var data struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(req.Data, &data); err != nil || data.Token == "" {
			h.sendError(st, apperr.New(apperr.CodeInvalidMessage, "reconnect requires a token"))
			return true
		}
		if st.sessionID != "" {
			h.sendError(st, apperr.New(apperr.CodeInvalidMessage, "connection already has a session"))
			return true
		}
		if !h.reconnect(st, data.Token) {
			return h.create(st)
		}
		return true
	}

	if st.sessionID == "" {
		h.sendError(st, apperr.ErrSessionNotFound)
		return true
	}
	if err := h.sessions.Touch(st.sessionID, st.client.ID()); err != nil {
		h.sendError(st, err)
		return false
	}

	switch req.Action {
	case ActionLogout:
		h.leaveZone(st)
		h.sessions.TerminateSession(st.sessionID, session.ReasonLogout)
		st.sessionID = ""
		return false

	case ActionPing:
		h.send(st, EventPong, map[string]any{"serverTime": time.Now()})

	case ActionZoneEnter:
		var data struct {
			Zone string `json:"zone"`
		}
		if err := json.Unmarshal(req.Data, &data); err != nil || data.Zone == "" {
			h.sendError(st, apperr.New(apperr.CodeInvalidMessage, "zone:enter requires a zone"))
			return true
		}
		if err := h.enterZone(st, data.Zone); err != nil {
			h.sendError(st, err)
		}

	case ActionChatJoin, ActionChatLeave:
		var data struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(req.Data, &data); err != nil || data.Channel == "" {
			h.sendError(st, apperr.New(apperr.CodeInvalidMessage, "%s requires a channel", req.Action))
			return true
		}
		h.chat(st, req.Action, data.Channel)

	case ActionMove:
		var pos recovery.Position
		if err := json.Unmarshal(req.Data, &pos); err != nil {
			h.sendError(st, apperr.New(apperr.CodeInvalidMessage, "player:move requires x, y and z"))
			return true
		}
		if err := h.sessions.UpdatePosition(st.sessionID, pos); err != nil {
			h.sendError(st, err)
		}

	default:
		h.sendError(st, apperr.New(apperr.CodeInvalidMessage, "unknown action %q", req.Action))
	}
	return true
}

func (h *Handler) enterZone(st *connState, zone string) error {
	if zone == h.currentZone(st) {
		h.send(st, EventZoneEntered, map[string]any{"zone": zone, "players": h.router.Count(broadcast.ZoneScope(zone))})
		return nil
	}
	if h.zoneFull(zone) {
		return apperr.New(apperr.CodeZoneFull, "zone %s is full", zone)
	}
	if err := h.sessions.UpdateZone(st.sessionID, zone); err != nil {
		return err
	}
	h.leaveZone(st)
	h.joinZone(st, zone)
	return nil
}

// currentZone reads the socket's zone from the router so that operator
// migrations are picked up.
func (h *Handler) currentZone(st *connState) string {
	for _, s := range h.router.Scopes(st.client.ID()) {
		if s.IsZone() {
			return s.Name()
		}
	}
	return ""
}

func (h *Handler) joinZone(st *connState, zone string) {
	scope := broadcast.ZoneScope(zone)
	if err := h.router.JoinScope(st.client.ID(), scope); err != nil {
		logger.L.Warn("failed to join zone", zap.String("zone", zone), zap.Error(err))
		return
	}
	h.router.SendToScopeExcept(scope, st.client.ID(), EventZonePlayerJoined, map[string]any{
		"playerId": st.identity.PlayerID,
		"username": st.identity.Username,
		"zone":     zone,
	})
	h.send(st, EventZoneEntered, map[string]any{"zone": zone, "players": h.router.Count(scope)})
}

func (h *Handler) leaveZone(st *connState) {
	zone := h.currentZone(st)
	if zone == "" {
		return
	}
	scope := broadcast.ZoneScope(zone)
	if err := h.router.LeaveScope(st.client.ID(), scope); err == nil {
		h.router.SendToScope(scope, EventZonePlayerLeft, map[string]any{
			"playerId": st.identity.PlayerID,
			"zone":     zone,
		})
	}
}

// OnSessionEvent closes a socket whose session was resumed on another
// connection. The read loop then runs the normal disconnect path, which
// leaves the socket's zones; the stale detach is ignored by the manager.
func (h *Handler) OnSessionEvent(e session.Event) {
	ev, ok := e.(session.SessionReconnected)
	if !ok || !ev.Superseded {
		return
	}
	old, ok := h.registry.Get(ev.PreviousConnectionID)
	if !ok {
		return
	}
	logger.L.Info("closing superseded connection",
		zap.String("session_id", ev.SessionID),
		zap.String("connection_id", ev.PreviousConnectionID),
	)
	// Observers run under the player's lifecycle lock; the close frame write
	// must not hold it.
	go old.Close(websocket.ClosePolicyViolation, "session resumed on another connection")
}

// MigrateZone moves every connection in zone from to zone to, records the
// new zone on their sessions and tells them about the move.
func (h *Handler) MigrateZone(from, to string) int {
	moved := h.router.Migrate(broadcast.ZoneScope(from), broadcast.ZoneScope(to))
	if moved == 0 {
		return 0
	}
	for _, connID := range h.router.Members(broadcast.ZoneScope(to)) {
		c, ok := h.registry.Get(connID)
		if !ok {
			continue
		}
		snap, ok := h.sessions.GetByPlayer(c.PlayerID())
		if !ok || snap.CurrentConnectionID != connID || snap.Data.CurrentZone != from {
			continue
		}
		if err := h.sessions.UpdateZone(snap.SessionID, to); err != nil {
			logger.L.Debug("session zone not updated", zap.String("session_id", snap.SessionID), zap.Error(err))
		}
	}
	h.router.SendToScope(broadcast.ZoneScope(to), EventZoneMigrated, map[string]any{"from": from, "to": to})
	logger.L.Info("zone migrated", zap.String("from", from), zap.String("to", to), zap.Int("moved", moved))
	return moved
}

func (h *Handler) chat(st *connState, action, channel string) {
	scope := broadcast.ChatScope(channel)
	if action == ActionChatJoin {
		if err := h.router.JoinScope(st.client.ID(), scope); err != nil {
			h.sendError(st, err)
			return
		}
		h.send(st, EventChatJoined, map[string]any{"channel": channel, "members": h.router.Count(scope)})
		return
	}
	if err := h.router.LeaveScope(st.client.ID(), scope); err != nil {
		h.sendError(st, err)
		return
	}
	h.send(st, EventChatLeft, map[string]any{"channel": channel})
}

func (h *Handler) send(st *connState, event string, payload any) {
	if err := h.router.SendTo(st.client.ID(), event, payload); err != nil {
		logger.L.Debug("send failed",
			zap.String("connection_id", st.client.ID()),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (h *Handler) sendError(st *connState, err error) {
	h.send(st, EventSessionError, errorPayload(err))
}

func writeAdmissionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindAuthentication:
		status = http.StatusUnauthorized
	case apperr.KindNotFound:
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errorPayload(err)); encErr != nil {
		logger.L.Debug("failed to write handshake rejection", zap.Error(encErr))
	}
}
