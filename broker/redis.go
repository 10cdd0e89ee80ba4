package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
)

// RedisBroker implements MessageBroker over Redis pub/sub. Delivery is at
// most once: subscribers that are not connected miss the message.
type RedisBroker struct {
	client redis.UniversalClient
	mu     sync.RWMutex
	closed bool
}

// NewRedisBroker wraps an existing client. The broker does not own the client
// and Close leaves it open.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Type() string { return "redis" }

func (b *RedisBroker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return publishWithRetry(ctx, b.Type(), message, func() error {
		return b.client.Publish(ctx, channel, data).Err()
	})
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published after it returns are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case rm, ok := <-in:
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(rm.Payload), &message); err != nil {
					logger.L.Warn("dropping undecodable redis message",
						zap.String("channel", rm.Channel),
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

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
