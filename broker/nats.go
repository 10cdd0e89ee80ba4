package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
)

// NATSBroker implements MessageBroker over core NATS subjects.
type NATSBroker struct {
	conn *nats.Conn
}

// NewNATSBroker connects to url, reconnecting a bounded number of times.
func NewNATSBroker(url string) (*NATSBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("realm-gateway"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.L.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.L.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSBroker{conn: nc}, nil
}

func (b *NATSBroker) Type() string { return "nats" }

func (b *NATSBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return publishWithRetry(ctx, b.Type(), message, func() error {
		return b.conn.Publish(channel, data)
	})
}

func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	raw := make(chan *nats.Msg, 100)
	sub, err := b.conn.ChanSubscribe(channel, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case nm := <-raw:
				var message Message
				if err := json.Unmarshal(nm.Data, &message); err != nil {
					logger.L.Warn("dropping undecodable nats message",
						zap.String("subject", nm.Subject),
						zap.Error(err),
					)
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

// Close flushes pending publishes and closes the connection.
func (b *NATSBroker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}
