// Package broadcast routes events to connections grouped into named scopes.
package broadcast

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/apperr"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
)

// Conn is a connection the router can deliver events to.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// Scope names a group of connections.
type Scope string

const (
	playerPrefix = "player:"
	zonePrefix   = "zone:"
	chatPrefix   = "chat:"
)

func PlayerScope(playerID string) Scope { return Scope(playerPrefix + playerID) }
func ZoneScope(zone string) Scope       { return Scope(zonePrefix + zone) }
func ChatScope(channel string) Scope    { return Scope(chatPrefix + channel) }

// IsZone reports whether s is a zone scope.
func (s Scope) IsZone() bool { return strings.HasPrefix(string(s), zonePrefix) }

// IsChat reports whether s is a chat-channel scope.
func (s Scope) IsChat() bool { return strings.HasPrefix(string(s), chatPrefix) }

// Name returns the scope without its category prefix.
func (s Scope) Name() string {
	if i := strings.IndexByte(string(s), ':'); i >= 0 {
		return string(s)[i+1:]
	}
	return string(s)
}

// Router owns scope membership. Join and leave take the write lock and are
// visible to every broadcast that starts after they return; broadcasts
// snapshot their recipients under the read lock and write outside it, so a
// slow socket never holds up membership changes.
type Router struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	scopes map[Scope]map[string]Conn
	member map[string]map[Scope]struct{}
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		conns:  make(map[string]Conn),
		scopes: make(map[Scope]map[string]Conn),
		member: make(map[string]map[Scope]struct{}),
	}
}

// Register adds a connection to the global scope.
func (r *Router) Register(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	if _, ok := r.member[c.ID()]; !ok {
		r.member[c.ID()] = make(map[Scope]struct{})
	}
	r.mu.Unlock()
}

// Unregister removes a connection from every scope it joined and returns
// those scopes.
func (r *Router) Unregister(connID string) []Scope {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.member[connID]
	left := make([]Scope, 0, len(joined))
	for s := range joined {
		r.removeLocked(connID, s)
		left = append(left, s)
	}
	delete(r.member, connID)
	delete(r.conns, connID)
	return left
}

// JoinScope adds a registered connection to scope. Joining twice is a no-op.
func (r *Router) JoinScope(connID string, scope Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return apperr.New(apperr.CodeConnectionUnknown, "connection %s is not registered", connID)
	}
	members, ok := r.scopes[scope]
	if !ok {
		members = make(map[string]Conn)
		r.scopes[scope] = members
	}
	members[connID] = c
	r.member[connID][scope] = struct{}{}
	return nil
}

// LeaveScope removes a connection from scope. Leaving a scope the
// connection is not in is a no-op.
func (r *Router) LeaveScope(connID string, scope Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return apperr.New(apperr.CodeConnectionUnknown, "connection %s is not registered", connID)
	}
	r.removeLocked(connID, scope)
	return nil
}

func (r *Router) removeLocked(connID string, scope Scope) {
	if members, ok := r.scopes[scope]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.scopes, scope)
		}
	}
	if joined, ok := r.member[connID]; ok {
		delete(joined, scope)
	}
}

// SendTo delivers an event to a single connection.
func (r *Router) SendTo(connID, event string, payload any) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.CodeConnectionUnknown, "connection %s is not registered", connID)
	}
	return deliver(c, event, payload)
}

// SendToScope delivers an event to every member of scope and returns the
// number of successful deliveries.
func (r *Router) SendToScope(scope Scope, event string, payload any) int {
	return r.SendToScopeExcept(scope, "", event, payload)
}

// SendToScopeExcept is SendToScope skipping one connection, typically the
// one that caused the event.
func (r *Router) SendToScopeExcept(scope Scope, exceptConnID, event string, payload any) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.scopes[scope]))
	for id, c := range r.scopes[scope] {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	return deliverAll(targets, event, payload)
}

// SendToAll delivers an event to every registered connection.
func (r *Router) SendToAll(event string, payload any) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	return deliverAll(targets, event, payload)
}

// Count returns the number of connections in scope.
func (r *Router) Count(scope Scope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes[scope])
}

// Size returns the number of registered connections.
func (r *Router) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Scopes returns the scopes a connection is in.
func (r *Router) Scopes(connID string) []Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Scope, 0, len(r.member[connID]))
	for s := range r.member[connID] {
		out = append(out, s)
	}
	return out
}

// Members returns the connection ids in scope.
func (r *Router) Members(scope Scope) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.scopes[scope]))
	for id := range r.scopes[scope] {
		out = append(out, id)
	}
	return out
}

// Migrate moves every member of from into to and returns how many moved.
func (r *Router) Migrate(from, to Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from == to {
		return 0
	}
	src := r.scopes[from]
	if len(src) == 0 {
		return 0
	}
	dst, ok := r.scopes[to]
	if !ok {
		dst = make(map[string]Conn, len(src))
		r.scopes[to] = dst
	}
	for id, c := range src {
		dst[id] = c
		joined := r.member[id]
		delete(joined, from)
		joined[to] = struct{}{}
	}
	moved := len(src)
	delete(r.scopes, from)
	return moved
}

func deliverAll(targets []Conn, event string, payload any) int {
	sent := 0
	for _, c := range targets {
		if err := deliver(c, event, payload); err == nil {
			sent++
		}
	}
	return sent
}

func deliver(c Conn, event string, payload any) error {
	if err := c.Send(event, payload); err != nil {
		metrics.SendFailures.Inc()
		logger.L.Warn("failed to deliver event",
			zap.String("connection_id", c.ID()),
			zap.String("event", event),
			zap.Error(err),
		)
		return err
	}
	metrics.MessagesSent.Inc()
	return nil
}
