package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/apperr"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
	"github.com/mcraig150/Skybound-realms-sub002/recovery"
	"github.com/mcraig150/Skybound-realms-sub002/worldsync"
)

// Client-visible events emitted by the manager.
const (
	EventCreated               = "session:created"
	EventReconnected           = "session:reconnected"
	EventServerRestartRecovery = "session:server_restart_recovery"
	EventStateRestored         = "session:state_restored"
	EventAction                = "session:action"
	EventHeartbeat             = "session:heartbeat"
	EventTerminated            = "session:terminated"
)

const storeTimeout = 5 * time.Second

// Notifier delivers an event to a single connection.
type Notifier interface {
	SendTo(connectionID, event string, payload any) error
}

// Config tunes the manager. Zero durations disable the matching sweeper.
type Config struct {
	GracePeriod            time.Duration
	MaxReconnectAttempts   int
	IdleTimeout            time.Duration
	CleanupInterval        time.Duration
	HeartbeatInterval      time.Duration
	RecoveryRetention      time.Duration
	RetentionSweepInterval time.Duration
	SyncTimeout            time.Duration
	DefaultZone            string
}

// CreateRequest describes a login.
type CreateRequest struct {
	PlayerID      string
	Username      string
	ConnectionID  string
	ClientVersion string
	Preferences   map[string]string
}

// Manager is the single owner of live sessions. Its three indices (by
// session id, by player id and by reconnect token) are only touched through
// its methods.
type Manager struct {
	cfg      Config
	store    recovery.Store
	notifier Notifier
	world    worldsync.Client

	players   *playerLocks
	observers observers

	mu       sync.Mutex
	sessions map[string]*Session
	byPlayer map[string]string
	byToken  map[string]string
	closing  bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	syncs     sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a manager. world may be nil, in which case no
// synchronization is attempted.
func NewManager(cfg Config, store recovery.Store, notifier Notifier, world worldsync.Client) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if world == nil {
		world = worldsync.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		world:    world,
		players:  newPlayerLocks(),
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]string),
		byToken:  make(map[string]string),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Subscribe registers an observer for lifecycle events.
func (m *Manager) Subscribe(obs Observer) {
	m.observers.add(obs)
}

// CreateSession starts a new session for a player, terminating any session
// the player already has. State is seeded from the player's recovery record
// when one exists within the retention window.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Snapshot, error) {
	if req.PlayerID == "" || req.ConnectionID == "" {
		return nil, apperr.New(apperr.CodeInvalidMessage, "player id and connection id are required")
	}

	unlock := m.players.lock(req.PlayerID)
	defer unlock()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, apperr.ErrShuttingDown
	}
	existing := m.sessions[m.byPlayer[req.PlayerID]]
	m.mu.Unlock()

	if existing != nil {
		logger.L.Info("preempting existing session",
			zap.String("player_id", req.PlayerID),
			zap.String("session_id", existing.id),
		)
		m.terminateLocked(existing, ReasonPreempted)
	}

	now := time.Now()
	rec := m.loadRecord(ctx, req.PlayerID, now)

	s := &Session{
		id:           uuid.New().String(),
		playerID:     req.PlayerID,
		username:     req.Username,
		token:        newToken(),
		state:        StateCreating,
		connectionID: req.ConnectionID,
		startTime:    now,
		lastActivity: now,
		zone:         m.cfg.DefaultZone,
		clientVer:    req.ClientVersion,
		prefs:        req.Preferences,
		maxAttempts:  m.cfg.MaxReconnectAttempts,
	}
	var replay []recovery.Action
	if rec != nil {
		s.recovered = true
		s.zone = rec.LastKnownState.Zone
		s.position = rec.LastKnownState.Position
		if s.clientVer == "" {
			s.clientVer = rec.LastKnownState.ClientVersion
		}
		replay = rec.PendingChanges
	}
	s.pending = newActionQueue(nil)

	// Nothing can reach the session before it is indexed, so it goes live in
	// one step. deliverMu keeps live actions behind the recovery replay.
	s.state = StateActive
	snap := s.snapshotLocked()
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	m.mu.Lock()
	// Shutdown may have started while the record was loading; its
	// termination pass would not see this session.
	if m.closing {
		m.mu.Unlock()
		return nil, apperr.ErrShuttingDown
	}
	m.sessions[s.id] = s
	m.byPlayer[s.playerID] = s.id
	m.byToken[s.token] = s.id
	m.mu.Unlock()

	m.observers.emit(SessionCreated{
		SessionID:      s.id,
		PlayerID:       s.playerID,
		ConnectionID:   s.connectionID,
		Recovered:      s.recovered,
		PendingActions: len(replay),
		At:             now,
	})

	m.notify(s.connectionID, EventCreated, snap)
	if rec != nil {
		m.notify(s.connectionID, EventServerRestartRecovery, map[string]any{
			"sessionId":      s.id,
			"pendingActions": len(replay),
			"zone":           rec.LastKnownState.Zone,
			"position":       rec.LastKnownState.Position,
			"recordedAt":     rec.Timestamp,
		})
		m.replay(s, s.connectionID, replay)
	}

	logger.L.Info("session created",
		zap.String("session_id", s.id),
		zap.String("player_id", s.playerID),
		zap.String("connection_id", s.connectionID),
		zap.Bool("recovered", s.recovered),
	)

	m.startSync(s)
	return snap, nil
}

// loadRecord returns the player's recovery record if it is usable. Store
// failures are logged and treated as "no record" so login is never blocked
// by the recovery backend.
func (m *Manager) loadRecord(ctx context.Context, playerID string, now time.Time) *recovery.Record {
	loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rec, err := m.store.Load(loadCtx, playerID)
	if err != nil {
		logger.L.Warn("failed to load recovery record", zap.String("player_id", playerID), zap.Error(err))
		return nil
	}
	if rec == nil {
		return nil
	}
	if m.cfg.RecoveryRetention > 0 && now.Sub(rec.Timestamp) > m.cfg.RecoveryRetention {
		logger.L.Debug("ignoring expired recovery record",
			zap.String("player_id", playerID),
			zap.Time("recorded_at", rec.Timestamp),
		)
		return nil
	}
	return rec
}

// ReconnectSession resumes the session identified by token on a new
// connection, replaying actions queued while it was away. The token only
// works for the player it was issued to. If the session is still live on
// another connection, that connection is told it was superseded.
func (m *Manager) ReconnectSession(ctx context.Context, token, playerID, newConnectionID string) (*Snapshot, error) {
	s := m.lookupToken(token)
	if s == nil || s.playerID != playerID {
		return nil, apperr.ErrInvalidToken
	}

	unlock := m.players.lock(s.playerID)
	defer unlock()

	// The session may have been terminated between the lookup and the lock.
	if m.lookupToken(token) != s {
		return nil, apperr.ErrInvalidToken
	}
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		return nil, apperr.ErrShuttingDown
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil, apperr.ErrInvalidToken
	}
	if s.attempts >= s.maxAttempts {
		attempts := s.attempts
		s.mu.Unlock()
		m.terminateLocked(s, ReasonReconnectLimit)
		return nil, apperr.New(apperr.CodeReconnectLimit, "session %s used %d of %d reconnect attempts", s.id, attempts, s.maxAttempts)
	}

	now := time.Now()
	previous := s.connectionID
	superseded := s.state == StateActive && previous != newConnectionID
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceGen++
	s.connectionID = newConnectionID
	s.state = StateActive
	s.attempts++
	s.lastActivity = now
	pending := s.pending.drain()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if superseded {
		m.notify(previous, EventTerminated, map[string]any{
			"sessionId": s.id,
			"reason":    ReasonSuperseded,
		})
	}
	m.observers.emit(SessionReconnected{
		SessionID:            s.id,
		PlayerID:             s.playerID,
		ConnectionID:         newConnectionID,
		PreviousConnectionID: previous,
		Superseded:           superseded,
		Attempt:              snap.ConnectionAttempts,
		At:                   now,
	})

	m.notify(newConnectionID, EventReconnected, snap)
	m.notify(newConnectionID, EventStateRestored, map[string]any{
		"sessionId":       s.id,
		"zone":            snap.Data.CurrentZone,
		"position":        snap.Data.LastPosition,
		"replayedActions": len(pending),
	})
	m.replay(s, newConnectionID, pending)

	logger.L.Info("session reconnected",
		zap.String("session_id", s.id),
		zap.String("player_id", s.playerID),
		zap.String("connection_id", newConnectionID),
		zap.Int("attempt", snap.ConnectionAttempts),
		zap.Int("replayed", len(pending)),
	)

	m.startSync(s)
	return snap, nil
}

// replay sends actions to connID in order. The caller holds s.deliverMu or
// is the sole owner of the actions.
func (m *Manager) replay(s *Session, connID string, actions []recovery.Action) {
	if len(actions) == 0 {
		return
	}
	for _, a := range actions {
		m.notify(connID, EventAction, map[string]any{"replayed": true, "action": a})
	}
	m.observers.emit(ActionsReplayed{
		SessionID: s.id,
		PlayerID:  s.playerID,
		Count:     len(actions),
		At:        time.Now(),
	})
}

// HandleConnectionLoss moves an active session into its grace period.
// Calling it for a session that is already suspended, terminated or unknown
// does nothing.
func (m *Manager) HandleConnectionLoss(sessionID string) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	unlock := m.players.lock(s.playerID)
	defer unlock()
	m.suspendLocked(s, "")
}

// DetachConnection is HandleConnectionLoss for a specific socket: it is
// ignored when the session has since moved to another connection.
func (m *Manager) DetachConnection(sessionID, connectionID string) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	unlock := m.players.lock(s.playerID)
	defer unlock()
	m.suspendLocked(s, connectionID)
}

func (m *Manager) suspendLocked(s *Session, connectionID string) {
	s.mu.Lock()
	if s.state != StateActive || (connectionID != "" && s.connectionID != connectionID) {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.state = StateDisconnectedGrace
	s.graceGen++
	gen := s.graceGen
	id := s.id
	s.graceTimer = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.expireGrace(id, gen)
	})
	rec := s.recordLocked(now)
	s.mu.Unlock()

	m.persist(rec)

	m.observers.emit(SessionSuspended{
		SessionID:  s.id,
		PlayerID:   s.playerID,
		GraceUntil: now.Add(m.cfg.GracePeriod),
		At:         now,
	})
	logger.L.Info("session suspended",
		zap.String("session_id", s.id),
		zap.String("player_id", s.playerID),
		zap.Duration("grace", m.cfg.GracePeriod),
	)
}

// expireGrace runs when a grace timer fires. The session is only terminated
// if it is still in the same grace period that armed the timer.
func (m *Manager) expireGrace(sessionID string, gen uint64) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	unlock := m.players.lock(s.playerID)
	defer unlock()

	s.mu.Lock()
	expired := s.state == StateDisconnectedGrace && s.graceGen == gen
	s.mu.Unlock()
	if expired {
		m.terminateLocked(s, ReasonGraceExpired)
	}
}

// TerminateSession ends a session. It reports whether this call did the
// termination; repeated calls and unknown ids are no-ops.
func (m *Manager) TerminateSession(sessionID string, reason Reason) bool {
	s := m.lookup(sessionID)
	if s == nil {
		return false
	}
	unlock := m.players.lock(s.playerID)
	defer unlock()
	return m.terminateLocked(s, reason)
}

// terminateLocked requires the player's lock.
func (m *Manager) terminateLocked(s *Session, reason Reason) bool {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	prev := s.state
	s.state = StateTerminated
	s.graceGen++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	connID := s.connectionID
	rec := s.recordLocked(now)
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	if m.byPlayer[s.playerID] == s.id {
		delete(m.byPlayer, s.playerID)
	}
	if m.byToken[s.token] == s.id {
		delete(m.byToken, s.token)
	}
	m.mu.Unlock()

	m.persist(rec)

	if prev == StateActive {
		m.notify(connID, EventTerminated, map[string]any{
			"sessionId": s.id,
			"reason":    reason,
		})
	}
	m.observers.emit(SessionTerminated{
		SessionID: s.id,
		PlayerID:  s.playerID,
		Reason:    reason,
		At:        now,
	})
	logger.L.Info("session terminated",
		zap.String("session_id", s.id),
		zap.String("player_id", s.playerID),
		zap.String("reason", string(reason)),
	)
	return true
}

// EnqueueAction hands an action to a session. Active sessions receive it
// immediately; suspended ones queue it for replay on reconnect.
func (m *Manager) EnqueueAction(sessionID string, a recovery.Action) error {
	s := m.lookup(sessionID)
	if s == nil {
		return apperr.New(apperr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = time.Now()
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateTerminated:
		s.mu.Unlock()
		return apperr.New(apperr.CodeSessionNotFound, "session %s not found", sessionID)
	case StateActive:
		connID := s.connectionID
		s.mu.Unlock()
		err := m.notifier.SendTo(connID, EventAction, map[string]any{"replayed": false, "action": a})
		if err == nil {
			return nil
		}
		// The socket is going away; keep the action for the reconnect.
		logger.L.Debug("live action delivery failed, queueing",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		s.mu.Lock()
		if s.state == StateTerminated {
			s.mu.Unlock()
			return apperr.New(apperr.CodeSessionNotFound, "session %s not found", sessionID)
		}
		s.pending.push(a)
		s.mu.Unlock()
		return nil
	default:
		s.pending.push(a)
		s.mu.Unlock()
		return nil
	}
}

// EnqueueActionForPlayer is EnqueueAction addressed by player.
func (m *Manager) EnqueueActionForPlayer(playerID string, a recovery.Action) error {
	m.mu.Lock()
	id, ok := m.byPlayer[playerID]
	m.mu.Unlock()
	if !ok {
		return apperr.New(apperr.CodeSessionNotFound, "player %s has no session", playerID)
	}
	return m.EnqueueAction(id, a)
}

// UpdateZone records the zone the player is in.
func (m *Manager) UpdateZone(sessionID, zone string) error {
	return m.mutate(sessionID, func(s *Session) { s.zone = zone })
}

// UpdatePosition records the player's last position.
func (m *Manager) UpdatePosition(sessionID string, pos recovery.Position) error {
	return m.mutate(sessionID, func(s *Session) { s.position = pos })
}

// Touch marks client activity on a session from connectionID. It fails once
// the session has been resumed on another connection.
func (m *Manager) Touch(sessionID, connectionID string) error {
	var moved bool
	err := m.mutate(sessionID, func(s *Session) { moved = s.connectionID != connectionID })
	if err != nil {
		return err
	}
	if moved {
		return apperr.New(apperr.CodeSessionNotFound, "session %s is bound to another connection", sessionID)
	}
	return nil
}

func (m *Manager) mutate(sessionID string, fn func(s *Session)) error {
	s := m.lookup(sessionID)
	if s == nil {
		return apperr.New(apperr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return apperr.New(apperr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	fn(s)
	s.lastActivity = time.Now()
	return nil
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(sessionID string) (*Snapshot, bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), true
}

// GetByPlayer returns a snapshot of the player's live session.
func (m *Manager) GetByPlayer(playerID string) (*Snapshot, bool) {
	m.mu.Lock()
	id := m.byPlayer[playerID]
	m.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return m.Get(id)
}

// ActiveCount returns the number of sessions with a live connection.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, s := range m.all() {
		s.mu.Lock()
		if s.state == StateActive {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Len returns the number of indexed sessions, active or suspended.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) lookup(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

func (m *Manager) lookupToken(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[m.byToken[token]]
}

func (m *Manager) all() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// persist writes a recovery record. Failures are logged; they never block
// a lifecycle transition.
func (m *Manager) persist(rec *recovery.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Persist(ctx, rec); err != nil {
		logger.L.Warn("failed to persist recovery record",
			zap.String("player_id", rec.PlayerID),
			zap.String("session_id", rec.SessionID),
			zap.Error(err),
		)
		return
	}
	metrics.RecoveryPersisted.Inc()
}

func (m *Manager) notify(connID, event string, payload any) {
	if m.notifier == nil || connID == "" {
		return
	}
	if err := m.notifier.SendTo(connID, event, payload); err != nil {
		logger.L.Debug("session notification not delivered",
			zap.String("connection_id", connID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// startSync asks the world service for fresh state without blocking the
// caller. The result is applied only if the session is still live.
func (m *Manager) startSync(s *Session) {
	m.syncs.Add(1)
	go func() {
		defer m.syncs.Done()

		ctx := m.baseCtx
		var cancel context.CancelFunc = func() {}
		if m.cfg.SyncTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, m.cfg.SyncTimeout)
		}
		defer cancel()

		res, err := m.world.ForceSynchronization(ctx, s.playerID)
		if err != nil {
			metrics.WorldSyncFailures.Inc()
			logger.L.Warn("world sync failed, continuing with cached state",
				zap.String("session_id", s.id),
				zap.String("player_id", s.playerID),
				zap.Error(err),
			)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateTerminated {
			return
		}
		if res.ServerVersion != "" {
			s.clientVer = res.ServerVersion
		}
		if !res.Timestamp.IsZero() {
			s.lastSync = res.Timestamp
		} else {
			s.lastSync = time.Now()
		}
	}()
}

func newToken() string {
	return strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
}
