package session

import (
	"sync"
	"time"

	"github.com/mcraig150/Skybound-realms-sub002/metrics"
)

// Event is a lifecycle notification. The set of variants is closed: the
// unexported marker method keeps other packages from adding their own.
type Event interface {
	Kind() string
	event()
}

type SessionCreated struct {
	SessionID      string    `json:"sessionId"`
	PlayerID       string    `json:"playerId"`
	ConnectionID   string    `json:"connectionId"`
	Recovered      bool      `json:"recovered"`
	PendingActions int       `json:"pendingActions"`
	At             time.Time `json:"at"`
}

type SessionReconnected struct {
	SessionID            string    `json:"sessionId"`
	PlayerID             string    `json:"playerId"`
	ConnectionID         string    `json:"connectionId"`
	PreviousConnectionID string    `json:"previousConnectionId"`
	Superseded           bool      `json:"superseded"`
	Attempt              int       `json:"attempt"`
	At                   time.Time `json:"at"`
}

type SessionSuspended struct {
	SessionID  string    `json:"sessionId"`
	PlayerID   string    `json:"playerId"`
	GraceUntil time.Time `json:"graceUntil"`
	At         time.Time `json:"at"`
}

type SessionTerminated struct {
	SessionID string    `json:"sessionId"`
	PlayerID  string    `json:"playerId"`
	Reason    Reason    `json:"reason"`
	At        time.Time `json:"at"`
}

type ActionsReplayed struct {
	SessionID string    `json:"sessionId"`
	PlayerID  string    `json:"playerId"`
	Count     int       `json:"count"`
	At        time.Time `json:"at"`
}

func (SessionCreated) Kind() string     { return "session.created" }
func (SessionReconnected) Kind() string { return "session.reconnected" }
func (SessionSuspended) Kind() string   { return "session.suspended" }
func (SessionTerminated) Kind() string  { return "session.terminated" }
func (ActionsReplayed) Kind() string    { return "session.actions_replayed" }

func (SessionCreated) event()     {}
func (SessionReconnected) event() {}
func (SessionSuspended) event()   {}
func (SessionTerminated) event()  {}
func (ActionsReplayed) event()    {}

// Observer receives lifecycle events. Events for one player arrive in the
// order they happened. OnSessionEvent is called while the player's lifecycle
// lock is held and must not block or call back into the Manager.
type Observer interface {
	OnSessionEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnSessionEvent(e Event) { f(e) }

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *observers) emit(e Event) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, obs := range list {
		obs.OnSessionEvent(e)
	}
}

// MetricsObserver keeps the session collectors in the metrics package up to
// date.
type MetricsObserver struct{}

func (MetricsObserver) OnSessionEvent(e Event) {
	switch ev := e.(type) {
	case SessionCreated:
		recovered := "false"
		if ev.Recovered {
			recovered = "true"
			metrics.RecoveryLoaded.Inc()
		}
		metrics.SessionsCreated.WithLabelValues(recovered).Inc()
		metrics.ActiveSessions.Inc()
	case SessionReconnected:
		metrics.SessionsReconnected.Inc()
	case SessionSuspended:
		metrics.SessionsSuspended.Inc()
	case SessionTerminated:
		metrics.SessionsTerminated.WithLabelValues(string(ev.Reason)).Inc()
		metrics.ActiveSessions.Dec()
	case ActionsReplayed:
		metrics.ActionsReplayed.Add(float64(ev.Count))
	}
}
