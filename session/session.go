// Package session owns the lifecycle of player play sessions: creation,
// suspension on connection loss, reconnection within a grace period and
// termination, with recovery records bridging process restarts.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/mcraig150/Skybound-realms-sub002/recovery"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateCreating State = iota
	StateActive
	StateDisconnectedGrace
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateDisconnectedGrace:
		return "disconnected_grace"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateCreating; st <= StateTerminated; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Reason explains why a session was terminated.
type Reason string

const (
	ReasonLogout         Reason = "logout"
	ReasonPreempted      Reason = "preempted"
	ReasonGraceExpired   Reason = "grace_expired"
	ReasonReconnectLimit Reason = "reconnect_limit"
	ReasonIdle           Reason = "idle"
	ReasonShutdown       Reason = "shutdown"

	// ReasonSuperseded is only sent to a connection whose session was
	// resumed on another connection; the session itself lives on.
	ReasonSuperseded Reason = "superseded"
)

// Data is the gameplay-facing state carried by a session.
type Data struct {
	CurrentZone       string            `json:"currentZone"`
	LastPosition      recovery.Position `json:"lastPosition"`
	PendingActions    []recovery.Action `json:"pendingActions"`
	ClientVersion     string            `json:"clientVersion"`
	LastSyncTimestamp time.Time         `json:"lastSyncTimestamp"`
	Preferences       map[string]string `json:"preferences,omitempty"`
}

// Snapshot is a point-in-time copy of a session, safe to hand to other
// goroutines.
type Snapshot struct {
	SessionID            string    `json:"sessionId"`
	PlayerID             string    `json:"playerId"`
	Username             string    `json:"username"`
	CurrentConnectionID  string    `json:"currentConnectionId"`
	StartTime            time.Time `json:"startTime"`
	LastActivity         time.Time `json:"lastActivity"`
	IsActive             bool      `json:"isActive"`
	State                State     `json:"state"`
	ReconnectToken       string    `json:"reconnectToken"`
	Data                 Data      `json:"sessionData"`
	ConnectionAttempts   int       `json:"connectionAttempts"`
	MaxReconnectAttempts int       `json:"maxReconnectAttempts"`
	Recovered            bool      `json:"recovered"`
}

// Session is the live, mutable session owned by a Manager.
type Session struct {
	id       string
	playerID string
	username string
	token    string

	// deliverMu orders live action delivery against replay on reconnect.
	deliverMu sync.Mutex

	mu           sync.Mutex
	state        State
	connectionID string
	startTime    time.Time
	lastActivity time.Time
	zone         string
	position     recovery.Position
	clientVer    string
	lastSync     time.Time
	prefs        map[string]string
	pending      *actionQueue
	attempts     int
	maxAttempts  int
	recovered    bool
	graceGen     uint64
	graceTimer   *time.Timer
}

func (s *Session) snapshotLocked() *Snapshot {
	var prefs map[string]string
	if s.prefs != nil {
		prefs = make(map[string]string, len(s.prefs))
		for k, v := range s.prefs {
			prefs[k] = v
		}
	}
	return &Snapshot{
		SessionID:           s.id,
		PlayerID:            s.playerID,
		Username:            s.username,
		CurrentConnectionID: s.connectionID,
		StartTime:           s.startTime,
		LastActivity:        s.lastActivity,
		IsActive:            s.state == StateActive,
		State:               s.state,
		ReconnectToken:      s.token,
		Data: Data{
			CurrentZone:       s.zone,
			LastPosition:      s.position,
			PendingActions:    s.pending.items(),
			ClientVersion:     s.clientVer,
			LastSyncTimestamp: s.lastSync,
			Preferences:       prefs,
		},
		ConnectionAttempts:   s.attempts,
		MaxReconnectAttempts: s.maxAttempts,
		Recovered:            s.recovered,
	}
}

func (s *Session) recordLocked(now time.Time) *recovery.Record {
	return &recovery.Record{
		SessionID: s.id,
		PlayerID:  s.playerID,
		LastKnownState: recovery.State{
			Zone:          s.zone,
			Position:      s.position,
			ClientVersion: s.clientVer,
		},
		PendingChanges: s.pending.items(),
		Timestamp:      now,
	}
}

// actionQueue is the FIFO of actions awaiting delivery. It is guarded by the
// owning session's mu.
type actionQueue struct {
	q *queue.Queue
}

func newActionQueue(initial []recovery.Action) *actionQueue {
	aq := &actionQueue{q: queue.New()}
	for _, a := range initial {
		aq.q.Add(a)
	}
	return aq
}

func (aq *actionQueue) push(a recovery.Action) { aq.q.Add(a) }

func (aq *actionQueue) len() int { return aq.q.Length() }

// items copies the queue without consuming it.
func (aq *actionQueue) items() []recovery.Action {
	n := aq.q.Length()
	out := make([]recovery.Action, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, aq.q.Get(i).(recovery.Action))
	}
	return out
}

// drain swaps in an empty queue and returns the old contents in enqueue
// order. Anything pushed after the swap belongs to the next drain.
func (aq *actionQueue) drain() []recovery.Action {
	old := aq.q
	aq.q = queue.New()
	out := make([]recovery.Action, 0, old.Length())
	for old.Length() > 0 {
		out = append(out, old.Remove().(recovery.Action))
	}
	return out
}
