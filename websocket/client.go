package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/config"
	"github.com/mcraig150/Skybound-realms-sub002/logger"
)

// ErrClientClosed is returned when sending to a closed client.
var ErrClientClosed = errors.New("client connection closed")

// Options tunes client connections.
type Options struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MessageSizeLimit int64
}

// OptionsFromConfig converts the websocket config section.
func OptionsFromConfig(c config.WebSocketConfig) Options {
	return Options{
		PingInterval:     time.Duration(c.PingInterval) * time.Second,
		PongTimeout:      time.Duration(c.PongTimeout) * time.Second,
		WriteTimeout:     time.Duration(c.WriteTimeout) * time.Second,
		HandshakeTimeout: time.Duration(c.HandshakeTimeout) * time.Second,
		MessageSizeLimit: int64(c.MessageSizeLimit),
	}
}

// Envelope is the server to client frame.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Client is one live socket. It implements broadcast.Conn.
type Client struct {
	id          string
	playerID    string
	conn        *websocket.Conn
	opts        Options
	connectedAt time.Time

	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	// mu serialises writes; gorilla allows one concurrent writer.
	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded connection.
func NewClient(id, playerID string, conn *websocket.Conn, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:          id,
		playerID:    playerID,
		conn:        conn,
		opts:        opts,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *Client) ID() string       { return c.id }
func (c *Client) PlayerID() string { return c.playerID }

// Send writes one event frame. Frames from one goroutine arrive in order.
func (c *Client) Send(event string, payload any) error {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return c.write(websocket.TextMessage, data)
}

// write makes one attempt. gorilla treats a failed write as fatal for the
// connection, so the caller's read loop is left to notice and clean up.
func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		logger.L.Debug("websocket write failed", zap.String("connection_id", c.id), zap.Error(err))
		return fmt.Errorf("write to %s failed: %w", c.id, err)
	}
	return nil
}

// StartTimers arms the read deadline, the pong handler and the ping loop.
func (c *Client) StartTimers() {
	if c.opts.MessageSizeLimit > 0 {
		c.conn.SetReadLimit(c.opts.MessageSizeLimit)
	}
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	if c.opts.PingInterval > 0 {
		go c.pingLoop()
	}
}

func (c *Client) extendReadDeadline() {
	if c.opts.PongTimeout <= 0 {
		return
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PingInterval + c.opts.PongTimeout)); err != nil {
		logger.L.Debug("failed to set read deadline", zap.String("connection_id", c.id), zap.Error(err))
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				logger.L.Info("ping failed, closing connection", zap.String("connection_id", c.id), zap.Error(err))
				c.Close(websocket.CloseInternalServerErr, "ping failure")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) sendPing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, c.controlDeadline())
}

func (c *Client) controlDeadline() time.Time {
	if c.opts.WriteTimeout > 0 {
		return time.Now().Add(c.opts.WriteTimeout)
	}
	return time.Now().Add(time.Second)
}

// UpdateActivity records an application message from the client.
func (c *Client) UpdateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivityTime returns the time of the last client message.
func (c *Client) LastActivityTime() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Close sends a close frame and closes the socket. It is safe to call more
// than once; only the first call has an effect.
func (c *Client) Close(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), c.controlDeadline()); err != nil {
		logger.L.Debug("error sending close message", zap.String("connection_id", c.id), zap.Error(err))
	}
	return c.conn.Close()
}
