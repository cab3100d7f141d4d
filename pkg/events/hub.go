package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// subscribeTimeout bounds how long a store SUBSCRIBE may block when the
// first local subscriber joins a channel. Without it, a stalled store
// connection would block the client's read loop indefinitely.
const subscribeTimeout = 10 * time.Second

// ChannelListener bridges the hub to the shared store's pub/sub: the hub
// asks for a channel when its first local subscriber arrives and releases
// it when the last one leaves. Implemented by *Listener.
type ChannelListener interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// PresenceChecker reports whether some frontend session registered for the
// channel is alive anywhere in the cluster. Implemented by the registry.
type PresenceChecker interface {
	ChannelActive(ctx context.Context, channel string) bool
}

// Hub manages this instance's WebSocket connections and their channel
// subscriptions. Each service instance runs exactly one Hub; delivery
// across instances rides on the store's pub/sub via the ChannelListener.
type Hub struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// Listener for store-level subscribe/unsubscribe (set after construction)
	listener   ChannelListener
	listenerMu sync.RWMutex

	// Presence lookup for the cluster-wide connected check
	presence PresenceChecker

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes (subscribe, unsubscribe, unregisterConnection) happen on the
// single goroutine that owns this connection (HandleConnection's read loop
// and its deferred cleanup). If a Connection is ever mutated from a
// different goroutine, subscriptions must be protected by a mutex.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHub creates a Hub. presence may be nil; IsConnected then only sees
// local connections.
func NewHub(presence PresenceChecker, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		presence:     presence,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the store listener. Called once during startup after
// both the Hub and the Listener exist (they reference each other).
func (h *Hub) SetListener(l ChannelListener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Called by the HTTP handler after upgrade; initialChannel (from the
// upgrade query parameters) is subscribed immediately, and the client may
// subscribe to further threads afterwards. Blocks until the connection
// closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, initialChannel string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	h.registerConnection(c)
	defer h.unregisterConnection(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	if initialChannel != "" {
		h.handleClientMessage(c, &ClientMessage{Action: "subscribe", Channel: initialChannel})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored; deferred cleanup unwinds the
			// subscriptions.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		h.handleClientMessage(c, &msg)
	}
}

// Broadcast sends an event to every local connection subscribed to the
// channel. Remote instances receive the same event through their own
// listeners; Broadcast never re-publishes.
func (h *Hub) Broadcast(channel string, event []byte) {
	h.channelMu.RLock()
	connIDs, exists := h.channels[channel]
	if !exists {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending. A slow client (up to writeTimeout per connection) must not
	// stall register/unregister.
	h.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := h.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := h.sendRaw(conn, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// IsConnected reports whether anyone is watching the channel: a local
// WebSocket subscriber, or a presence heartbeat registered anywhere in the
// cluster. The executor streams only when this is true.
func (h *Hub) IsConnected(ctx context.Context, channel string) bool {
	if h.subscriberCount(channel) > 0 {
		return true
	}
	if h.presence != nil {
		return h.presence.ChannelActive(ctx, channel)
	}
	return false
}

// ActiveConnections returns the count of local WebSocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// subscriberCount returns the number of local subscribers for a channel.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := h.subscribe(c, msg.Channel); err != nil {
			h.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		h.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, msg.Channel)

	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers a connection for a channel and opens the store
// subscription if it is the first local subscriber. The store subscribe is
// synchronous so it completes before subscription.confirmed goes out: a
// confirmed client never misses events published right after.
func (h *Hub) subscribe(c *Connection, channel string) error {
	h.channelMu.Lock()
	needsListen := false
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	h.channels[channel][c.ID] = true
	h.channelMu.Unlock()

	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			subCtx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
			defer cancel()
			if err := l.Subscribe(subCtx, channel); err != nil {
				slog.Error("Store subscribe failed", "channel", channel, "error", err)
				h.cleanupFailedChannel(c, channel)
				return fmt.Errorf("subscribe channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a store
// subscribe failure and notifies every affected connection (except the
// triggering one, which the caller notifies via the returned error).
//
// Between unlocking channelMu (after creating the channel entry) and
// Subscribe completing, other connections may have joined the same channel.
// They saw the entry already existed, skipped the store subscribe, and got
// subscription.confirmed, yet no store subscription exists. Those orphans
// are told to re-subscribe.
func (h *Hub) cleanupFailedChannel(triggering *Connection, channel string) {
	h.channelMu.Lock()
	affectedIDs := make([]string, 0, len(h.channels[channel]))
	for connID := range h.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(h.channels, channel)
	h.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := h.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after store subscribe failure",
			"connection_id", conn.ID, "channel", channel)
		h.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel subscribe failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from a channel and closes the store
// subscription if it was the last local subscriber.
func (h *Hub) unsubscribe(c *Connection, channel string) {
	h.channelMu.Lock()
	if subs, exists := h.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, channel)
			// Last subscriber left. The goroutine re-checks h.channels
			// before releasing the store subscription so a rapid
			// unsubscribe/resubscribe cycle (React StrictMode double-render)
			// cannot drop an active subscription:
			//   subscribe → store sub active
			//   unsubscribe → goroutine: release (deferred)
			//   resubscribe → channel re-added to h.channels
			//   goroutine → sees resubscribed → skips release
			h.listenerMu.RLock()
			l := h.listener
			h.listenerMu.RUnlock()
			if l != nil {
				go func() {
					h.channelMu.RLock()
					_, resubscribed := h.channels[channel]
					h.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Store unsubscribe failed", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	h.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func (h *Hub) registerConnection(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (h *Hub) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}

	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (h *Hub) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
