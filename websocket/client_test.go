package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverClient upgrades one connection and returns the server side wrapped in
// a Client together with the dialer's end.
func serverClient(t *testing.T, opts Options) (*Client, *websocket.Conn) {
	t.Helper()
	clients := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		clients <- NewClient("conn-1", "P1", conn, opts)
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	select {
	case c := <-clients:
		return c, peer
	case <-time.After(2 * time.Second):
		t.Fatal("server never upgraded")
		return nil, nil
	}
}

func TestClientSend(t *testing.T) {
	c, peer := serverClient(t, Options{WriteTimeout: time.Second})

	require.NoError(t, c.Send("session:heartbeat", map[string]int{"n": 1}))

	var env struct {
		Event   string         `json:"event"`
		Payload map[string]int `json:"payload"`
	}
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, peer.ReadJSON(&env))
	assert.Equal(t, "session:heartbeat", env.Event)
	assert.Equal(t, 1, env.Payload["n"])
}

func TestClientSendOnBrokenSocketFailsFast(t *testing.T) {
	c, _ := serverClient(t, Options{WriteTimeout: time.Second})
	require.NoError(t, c.conn.UnderlyingConn().Close())

	start := time.Now()
	assert.Error(t, c.Send("session:heartbeat", nil))
	assert.Error(t, c.Send("session:heartbeat", nil))

	c.Close(websocket.CloseGoingAway, "bye")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClientSendAfterClose(t *testing.T) {
	c, _ := serverClient(t, Options{})
	c.Close(websocket.CloseNormalClosure, "done")

	assert.ErrorIs(t, c.Send("session:heartbeat", nil), ErrClientClosed)
	assert.NoError(t, c.Close(websocket.CloseNormalClosure, "again"))
}
