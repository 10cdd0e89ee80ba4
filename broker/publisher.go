package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcraig150/Skybound-realms-sub002/logger"
	"github.com/mcraig150/Skybound-realms-sub002/metrics"
	"github.com/mcraig150/Skybound-realms-sub002/session"
)

const publishTimeout = 10 * time.Second

// EventPublisher is a session.Observer that forwards lifecycle events to a
// broker. Events are buffered and published by a single worker so the session
// manager never waits on the network; when the buffer is full the event is
// dropped and counted.
type EventPublisher struct {
	broker   MessageBroker
	channel  string
	serverID string

	mu     sync.RWMutex
	closed bool
	events chan session.Event
	done   chan struct{}
}

// NewEventPublisher starts the publish worker.
func NewEventPublisher(b MessageBroker, channel, serverID string, buffer int) *EventPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	p := &EventPublisher{
		broker:   b,
		channel:  channel,
		serverID: serverID,
		events:   make(chan session.Event, buffer),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// OnSessionEvent implements session.Observer.
func (p *EventPublisher) OnSessionEvent(e session.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- e:
	default:
		metrics.BrokerEventsDropped.Inc()
		logger.L.Warn("lifecycle event dropped, publish buffer full", zap.String("kind", e.Kind()))
	}
}

func (p *EventPublisher) run() {
	defer close(p.done)
	for e := range p.events {
		p.publish(e)
	}
}

func (p *EventPublisher) publish(e session.Event) {
	msg, err := EventMessage(e, p.serverID)
	if err != nil {
		metrics.BrokerEventsDropped.Inc()
		logger.L.Error("failed to encode lifecycle event", zap.String("kind", e.Kind()), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.broker.Publish(ctx, p.channel, msg); err != nil {
		metrics.BrokerEventsDropped.Inc()
		logger.L.Warn("failed to publish lifecycle event",
			zap.String("kind", msg.Kind),
			zap.String("player_id", msg.Key),
			zap.Error(err),
		)
	}
}

// Close stops accepting events and waits for the buffered ones to be
// published or for ctx to end.
func (p *EventPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventMessage wraps a lifecycle event in a broker envelope keyed by player.
func EventMessage(e session.Event, serverID string) (Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Key:       eventPlayer(e),
		Kind:      e.Kind(),
		ServerID:  serverID,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

func eventPlayer(e session.Event) string {
	switch ev := e.(type) {
	case session.SessionCreated:
		return ev.PlayerID
	case session.SessionReconnected:
		return ev.PlayerID
	case session.SessionSuspended:
		return ev.PlayerID
	case session.SessionTerminated:
		return ev.PlayerID
	case session.ActionsReplayed:
		return ev.PlayerID
	default:
		return ""
	}
}
