// Package broker carries session lifecycle events out of the gateway and
// actions from other services into it, over Redis pub/sub, Kafka or NATS.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
)

const (
	publishMaxRetries     = 3
	publishInitialBackoff = 100 * time.Millisecond
	publishMaxBackoff     = 5 * time.Second
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker is closed")

// Message is the envelope exchanged over every broker. Key is the player the
// message concerns and doubles as the partition key.
type Message struct {
	Key       string          `json:"key"`
	Kind      string          `json:"kind"`
	ServerID  string          `json:"server_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageBroker defines the interface for message broker operations.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
	Type() string
}

// publishWithRetry runs op with exponential backoff bounded by ctx.
func publishWithRetry(ctx context.Context, brokerType string, message Message, op func() error) error {
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(publishInitialBackoff),
				backoff.WithMaxInterval(publishMaxBackoff),
			),
			publishMaxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(op, strategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(brokerType).Inc()
		logger.L.Warn("retrying broker publish",
			zap.String("broker", brokerType),
			zap.String("key", message.Key),
			zap.String("kind", message.Kind),
			zap.Duration("next_attempt_in", d),
			zap.Error(err),
		)
	})
	if err != nil {
		return err
	}
	metrics.BrokerMessagesPublished.WithLabelValues(brokerType).Inc()
	return nil
}

// Noop discards everything. It backs the "none" broker type.
type Noop struct{}

func (Noop) Publish(context.Context, string, Message) error { return nil }

func (Noop) Subscribe(ctx context.Context, _ string) (<-chan Message, error) {
	ch := make(chan Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (Noop) Close() error { return nil }

func (Noop) Type() string { return "none" }
