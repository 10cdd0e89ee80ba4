package integration

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcraig150/Skybound-realms-sub002/broker"
	"github.com/mcraig150/Skybound-realms-sub002/recovery"
)

// The gateway under test runs with auth disabled and the redis broker.
const (
	gatewayHost = "localhost:8080"
	redisAddr   = "localhost:6379"
	topic       = "session-events"
	testTimeout = 15 * time.Second
)

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, query url.Values) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: gatewayHost, Path: "/ws", RawQuery: query.Encode()}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err, "failed to connect to the gateway")
	return conn
}

// readUntil reads frames until one carries event.
func readUntil(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env.Payload
		}
	}
}

func TestE2ESessionLifecycle(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	require.NoError(t, redisClient.Ping(ctx).Err(), "failed to connect to Redis")
	defer redisClient.Close()

	b := broker.NewRedisBroker(redisClient)
	events, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)

	playerID := "it-" + uuid.New().String()

	// 1. Connect and get a session.
	conn := dial(t, url.Values{"playerId": {playerID}})
	var created struct {
		SessionID      string `json:"sessionId"`
		ReconnectToken string `json:"reconnectToken"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "session:created"), &created))
	require.NotEmpty(t, created.ReconnectToken)

	// 2. An action published by the world service reaches the live socket.
	action := recovery.Action{ID: uuid.New().String(), Type: "quest_update", EnqueuedAt: time.Now()}
	data, err := json.Marshal(action)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, topic+".actions", broker.Message{
		Key:       playerID,
		Kind:      broker.KindAction,
		ServerID:  "integration",
		Data:      data,
		Timestamp: time.Now(),
	}))

	var delivered struct {
		Replayed bool            `json:"replayed"`
		Action   recovery.Action `json:"action"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "session:action"), &delivered))
	assert.False(t, delivered.Replayed)
	assert.Equal(t, action.ID, delivered.Action.ID)

	// 3. Drop the socket and resume with the token.
	require.NoError(t, conn.Close())

	resumed := dial(t, url.Values{"playerId": {playerID}, "reconnectToken": {created.ReconnectToken}})
	defer resumed.Close()

	var reconnected struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, resumed, "session:reconnected"), &reconnected))
	assert.Equal(t, created.SessionID, reconnected.SessionID)

	// 4. The lifecycle was published for this player.
	seen := map[string]bool{}
	for !seen["session.reconnected"] {
		select {
		case msg := <-events:
			if msg.Key == playerID {
				seen[msg.Kind] = true
			}
		case <-ctx.Done():
			t.Fatalf("lifecycle events not observed, saw %v", seen)
		}
	}
	assert.True(t, seen["session.created"])
	assert.True(t, seen["session.suspended"])
}
