package websocket

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/broadcast"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
)

// ConnectionRegistry tracks the live clients of this gateway instance and
// keeps the broadcast router in step with them. Every client is added once
// and removed once.
type ConnectionRegistry struct {
	router *broadcast.Router

	mu      sync.RWMutex
	clients map[string]*Client

	// wg tracks running connection handlers.
	wg sync.WaitGroup
}

// NewConnectionRegistry creates a registry backed by router.
func NewConnectionRegistry(router *broadcast.Router) *ConnectionRegistry {
	return &ConnectionRegistry{
		router:  router,
		clients: make(map[string]*Client),
	}
}

// Add registers the client with the router and joins its player scope.
func (m *ConnectionRegistry) Add(c *Client) error {
	m.mu.Lock()
	m.clients[c.ID()] = c
	m.mu.Unlock()

	m.router.Register(c)
	if err := m.router.JoinScope(c.ID(), broadcast.PlayerScope(c.PlayerID())); err != nil {
		m.Remove(c.ID())
		return err
	}

	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	logger.L.Info("client connected",
		zap.String("connection_id", c.ID()),
		zap.String("player_id", c.PlayerID()),
	)
	return nil
}

// Remove deregisters a client and tells the rest of its zones that the
// player left. It reports whether this call did the removal.
func (m *ConnectionRegistry) Remove(connID string) bool {
	m.mu.Lock()
	c, ok := m.clients[connID]
	delete(m.clients, connID)
	m.mu.Unlock()
	if !ok {
		return false
	}

	scopes := m.router.Unregister(connID)
	for _, s := range scopes {
		if s.IsZone() {
			m.router.SendToScope(s, EventZonePlayerLeft, map[string]any{
				"playerId": c.PlayerID(),
				"zone":     s.Name(),
			})
		}
	}

	metrics.ActiveConnections.Dec()
	logger.L.Info("client disconnected",
		zap.String("connection_id", connID),
		zap.String("player_id", c.PlayerID()),
	)
	return true
}

// Get retrieves a live client by connection id.
func (m *ConnectionRegistry) Get(connID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[connID]
	return c, ok
}

// Len returns the number of live clients.
func (m *ConnectionRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAllConnections sends a close frame to every client. Their handlers
// then run the normal removal path.
func (m *ConnectionRegistry) CloseAllConnections(reason string) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		logger.L.Debug("closing connection", zap.String("connection_id", c.ID()), zap.String("reason", reason))
		c.Close(websocket.CloseGoingAway, reason)
	}
}

// WaitForCompletion blocks until every connection handler has returned or
// ctx is done.
func (m *ConnectionRegistry) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
