package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannelListener records subscribe/unsubscribe calls.
type fakeChannelListener struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	subscribeErr error
}

func (f *fakeChannelListener) Subscribe(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, channel)
	return nil
}

func (f *fakeChannelListener) Unsubscribe(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, channel)
	return nil
}

func (f *fakeChannelListener) unsubscribedChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

type fakePresence struct {
	active map[string]bool
}

func (f *fakePresence) ChannelActive(_ context.Context, channel string) bool {
	return f.active[channel]
}

func setupTestHub(t *testing.T, presence PresenceChecker) (*Hub, *fakeChannelListener, *httptest.Server) {
	t.Helper()

	hub := NewHub(presence, 5*time.Second)
	listener := &fakeChannelListener{}
	hub.SetListener(listener)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		hub.HandleConnection(r.Context(), conn, r.URL.Query().Get("channel"))
	}))

	t.Cleanup(func() { server.Close() })
	return hub, listener, server
}

func connectWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	if query != "" {
		url += "?" + query
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestHubConnectionEstablished(t *testing.T) {
	_, _, server := setupTestHub(t, nil)
	conn := connectWS(t, server, "")

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestHubInitialChannelSubscription(t *testing.T) {
	hub, listener, server := setupTestHub(t, nil)
	conn := connectWS(t, server, "channel=chat:u1:c1:t1")

	readJSON(t, conn) // connection.established
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "chat:u1:c1:t1", msg["channel"])

	assert.Equal(t, 1, hub.subscriberCount("chat:u1:c1:t1"))
	listener.mu.Lock()
	assert.Equal(t, []string{"chat:u1:c1:t1"}, listener.subscribed)
	listener.mu.Unlock()
}

func TestHubSubscribeUnsubscribe(t *testing.T) {
	hub, listener, server := setupTestHub(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "chat:u1:c1:t2"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, 1, hub.subscriberCount("chat:u1:c1:t2"))

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: "chat:u1:c1:t2"})
	require.Eventually(t, func() bool {
		return hub.subscriberCount("chat:u1:c1:t2") == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The store-level release happens on a goroutine.
	require.Eventually(t, func() bool {
		return len(listener.unsubscribedChannels()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcastReachesAllSubscribers(t *testing.T) {
	hub, _, server := setupTestHub(t, nil)

	conn1 := connectWS(t, server, "channel=chat:u1:c1:t1")
	conn2 := connectWS(t, server, "channel=chat:u1:c1:t1")
	bystander := connectWS(t, server, "channel=chat:u1:c1:other")

	for _, c := range []*websocket.Conn{conn1, conn2, bystander} {
		readJSON(t, c) // connection.established
		readJSON(t, c) // subscription.confirmed
	}

	hub.Broadcast("chat:u1:c1:t1", []byte(`{"type":"llm_stream_start","message_id":"m1"}`))

	for _, c := range []*websocket.Conn{conn1, conn2} {
		msg := readJSON(t, c)
		assert.Equal(t, "llm_stream_start", msg["type"])
		assert.Equal(t, "m1", msg["message_id"])
	}

	// The bystander only sees its ping reply, not the broadcast.
	writeJSON(t, bystander, ClientMessage{Action: "ping"})
	msg := readJSON(t, bystander)
	assert.Equal(t, "pong", msg["type"])
}

func TestHubSubscribeFailure(t *testing.T) {
	hub, listener, server := setupTestHub(t, nil)
	listener.mu.Lock()
	listener.subscribeErr = errors.New("store down")
	listener.mu.Unlock()

	conn := connectWS(t, server, "")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "chat:u1:c1:t1"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.error", msg["type"])
	assert.Equal(t, 0, hub.subscriberCount("chat:u1:c1:t1"))
}

func TestHubDisconnectCleansSubscriptions(t *testing.T) {
	hub, _, server := setupTestHub(t, nil)

	conn := connectWS(t, server, "channel=chat:u1:c1:t1")
	readJSON(t, conn)
	readJSON(t, conn)
	require.Equal(t, 1, hub.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return hub.ActiveConnections() == 0 && hub.subscriberCount("chat:u1:c1:t1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubIsConnected(t *testing.T) {
	presence := &fakePresence{active: map[string]bool{"chat:u2:c2:t9": true}}
	hub, _, server := setupTestHub(t, presence)

	t.Run("local subscriber", func(t *testing.T) {
		conn := connectWS(t, server, "channel=chat:u1:c1:t1")
		readJSON(t, conn)
		readJSON(t, conn)
		assert.True(t, hub.IsConnected(context.Background(), "chat:u1:c1:t1"))
	})

	t.Run("presence heartbeat on another instance", func(t *testing.T) {
		assert.True(t, hub.IsConnected(context.Background(), "chat:u2:c2:t9"))
	})

	t.Run("nobody watching", func(t *testing.T) {
		assert.False(t, hub.IsConnected(context.Background(), "chat:u3:c3:t1"))
	})
}

func TestHubPing(t *testing.T) {
	_, _, server := setupTestHub(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestHubRejectsSubscribeWithoutChannel(t *testing.T) {
	_, _, server := setupTestHub(t, nil)
	conn := connectWS(t, server, "")
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}
