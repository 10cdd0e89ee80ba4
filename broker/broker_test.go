package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcraig150/Skybound-realms-sub002/recovery"
	"github.com/mcraig150/Skybound-realms-sub002/session"
)

func newTestRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBroker(client)
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := b.Subscribe(ctx, "realm.events")
	require.NoError(t, err)

	sent := Message{Key: "P1", Kind: "session.created", ServerID: "gw-1", Data: json.RawMessage(`{"x":1}`)}
	require.NoError(t, b.Publish(ctx, "realm.events", sent))

	select {
	case got := <-messages:
		assert.Equal(t, sent.Key, got.Key)
		assert.Equal(t, sent.Kind, got.Kind)
		assert.Equal(t, "gw-1", got.ServerID)
		assert.JSONEq(t, `{"x":1}`, string(got.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-messages
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRedisBrokerClosed(t *testing.T) {
	b := newTestRedisBroker(t)
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "c", Message{}), ErrClosed)
	_, err := b.Subscribe(context.Background(), "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKafkaBrokerPublish(t *testing.T) {
	tests := []struct {
		name    string
		expect  func(p *mocks.SyncProducer)
		wantErr bool
	}{
		{
			name: "succeeds first time",
			expect: func(p *mocks.SyncProducer) {
				p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
					var m Message
					if err := json.Unmarshal(val, &m); err != nil {
						return err
					}
					if m.Key != "P1" || m.Kind != "session.terminated" {
						return errors.New("unexpected message")
					}
					return nil
				})
			},
		},
		{
			name: "retries after a failure",
			expect: func(p *mocks.SyncProducer) {
				p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
				p.ExpectSendMessageAndSucceed()
			},
		},
		{
			name: "gives up after the retry budget",
			expect: func(p *mocks.SyncProducer) {
				for i := 0; i <= publishMaxRetries; i++ {
					p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := mocks.NewSyncProducer(t, nil)
			tt.expect(producer)
			b := newKafkaBroker(producer, nil)

			err := b.Publish(context.Background(), "realm.events", Message{Key: "P1", Kind: "session.terminated"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.NoError(t, b.Close())
			assert.ErrorIs(t, b.Publish(context.Background(), "realm.events", Message{}), ErrClosed)
		})
	}
}

type fakeBroker struct {
	mu        sync.Mutex
	published []Message
	fail      bool
	inbox     chan Message
}

func (f *fakeBroker) Publish(_ context.Context, _ string, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.published = append(f.published, m)
	return nil
}

func (f *fakeBroker) Subscribe(context.Context, string) (<-chan Message, error) { return f.inbox, nil }
func (f *fakeBroker) Close() error                                               { return nil }
func (f *fakeBroker) Type() string                                               { return "fake" }

func (f *fakeBroker) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}

func TestEventPublisherPreservesOrder(t *testing.T) {
	fb := &fakeBroker{}
	p := NewEventPublisher(fb, "realm.events", "gw-1", 16)

	p.OnSessionEvent(session.SessionCreated{SessionID: "S1", PlayerID: "P1"})
	p.OnSessionEvent(session.SessionSuspended{SessionID: "S1", PlayerID: "P1"})
	p.OnSessionEvent(session.SessionTerminated{SessionID: "S1", PlayerID: "P1", Reason: session.ReasonGraceExpired})

	require.NoError(t, p.Close(context.Background()))

	got := fb.messages()
	require.Len(t, got, 3)
	assert.Equal(t, "session.created", got[0].Kind)
	assert.Equal(t, "session.suspended", got[1].Kind)
	assert.Equal(t, "session.terminated", got[2].Kind)
	for _, m := range got {
		assert.Equal(t, "P1", m.Key)
		assert.Equal(t, "gw-1", m.ServerID)
	}

	var term session.SessionTerminated
	require.NoError(t, json.Unmarshal(got[2].Data, &term))
	assert.Equal(t, session.ReasonGraceExpired, term.Reason)

	// Events after Close are ignored.
	p.OnSessionEvent(session.SessionCreated{PlayerID: "P2"})
	assert.Len(t, fb.messages(), 3)
}

func TestEventPublisherSurvivesBrokerFailure(t *testing.T) {
	fb := &fakeBroker{fail: true}
	p := NewEventPublisher(fb, "realm.events", "gw-1", 4)

	p.OnSessionEvent(session.SessionCreated{PlayerID: "P1"})
	require.NoError(t, p.Close(context.Background()))
	assert.Empty(t, fb.messages())
}

type actionSink struct {
	mu     sync.Mutex
	got    map[string][]string
	online map[string]bool
}

func (s *actionSink) EnqueueActionForPlayer(playerID string, a recovery.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online[playerID] {
		return errors.New("no session")
	}
	s.got[playerID] = append(s.got[playerID], a.ID)
	return nil
}

func TestConsumeActions(t *testing.T) {
	fb := &fakeBroker{inbox: make(chan Message, 8)}
	sink := &actionSink{got: map[string][]string{}, online: map[string]bool{"P1": true}}

	action := func(id string) json.RawMessage {
		data, _ := json.Marshal(recovery.Action{ID: id, Type: "mail:received"})
		return data
	}
	fb.inbox <- Message{Key: "P1", Kind: KindAction, Data: action("a1")}
	fb.inbox <- Message{Key: "P1", Kind: "session.created", Data: action("ignored")}
	fb.inbox <- Message{Key: "P2", Kind: KindAction, Data: action("offline")}
	fb.inbox <- Message{Key: "P1", Kind: KindAction, Data: json.RawMessage(`not json`)}
	fb.inbox <- Message{Key: "P1", Kind: KindAction, Data: action("a2")}
	close(fb.inbox)

	require.NoError(t, ConsumeActions(context.Background(), fb, "realm.actions", sink))
	assert.Equal(t, []string{"a1", "a2"}, sink.got["P1"])
	assert.Empty(t, sink.got["P2"])
}

func TestNoopBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var b MessageBroker = Noop{}
	require.NoError(t, b.Publish(ctx, "c", Message{}))
	ch, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
