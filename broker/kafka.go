package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
)

const kafkaReadyTimeout = 10 * time.Second

// KafkaBroker implements MessageBroker using Apache Kafka. Messages are keyed
// by player so one player's lifecycle events stay ordered within a partition.
type KafkaBroker struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	mu       sync.RWMutex
	closed   bool
}

// NewKafkaBroker connects a producer and a consumer group to brokers.
func NewKafkaBroker(brokers []string, groupID string) (*KafkaBroker, error) {
	cfg := newKafkaConfig()

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	return newKafkaBroker(producer, group), nil
}

func newKafkaBroker(producer sarama.SyncProducer, group sarama.ConsumerGroup) *KafkaBroker {
	return &KafkaBroker{producer: producer, group: group}
}

func newKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = publishMaxRetries
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Group.Session.Timeout = 10 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	cfg.Version = sarama.V2_8_0_0
	return cfg
}

func (b *KafkaBroker) Type() string { return "kafka" }

func (b *KafkaBroker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Publish sends message to the channel topic, retrying with backoff.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.isClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: channel,
		Key:   sarama.StringEncoder(message.Key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(message.Kind)},
			{Key: []byte("server_id"), Value: []byte(message.ServerID)},
		},
		Timestamp: time.Now(),
	}

	return publishWithRetry(ctx, b.Type(), message, func() error {
		_, _, err := b.producer.SendMessage(msg)
		return err
	})
}

// Subscribe joins the consumer group on channel and streams decoded messages
// until ctx is done.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if b.group == nil {
		return nil, errors.New("kafka broker has no consumer group")
	}

	messages := make(chan Message, 100)
	handler := &consumerGroupHandler{
		messages: messages,
		ready:    make(chan struct{}),
	}

	go func() {
		defer close(messages)
		for ctx.Err() == nil {
			if err := b.group.Consume(ctx, []string{channel}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.L.Error("kafka consume failed", zap.String("topic", channel), zap.Error(err))
				return
			}
		}
	}()

	go func() {
		for err := range b.group.Errors() {
			logger.L.Warn("kafka consumer group error", zap.Error(err))
		}
	}()

	select {
	case <-handler.ready:
		return messages, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(kafkaReadyTimeout):
		return nil, fmt.Errorf("timeout waiting for consumer on %s", channel)
	}
}

// Close cleans up resources.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if b.group != nil {
		if err := b.group.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	messages chan<- Message
	ready    chan struct{}
	once     sync.Once
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case km, ok := <-claim.Messages():
			if !ok || km == nil {
				return nil
			}

			var message Message
			if err := json.Unmarshal(km.Value, &message); err != nil {
				logger.L.Warn("dropping undecodable kafka message",
					zap.String("topic", km.Topic),
					zap.Int64("offset", km.Offset),
					zap.Error(err),
				)
				sess.MarkMessage(km, "")
				continue
			}

			select {
			case h.messages <- message:
			case <-sess.Context().Done():
				return nil
			}
			sess.MarkMessage(km, "")

		case <-sess.Context().Done():
			return nil
		}
	}
}
