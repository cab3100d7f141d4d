package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/treufabrik/dirigent/pkg/store"
)

// Listener bridges the shared store's pub/sub into the local Hub. It holds
// one store subscription per channel that has local WebSocket subscribers;
// every delivered message is broadcast to them verbatim. This is what makes
// streaming work across instances: the executor publishes on the store, and
// whichever instance holds the browser's socket forwards it.
type Listener struct {
	kv  store.Store
	hub *Hub

	mu     sync.Mutex
	subs   map[string]store.Subscription
	closed bool

	wg sync.WaitGroup
}

// NewListener creates the Listener and wires it into the hub.
func NewListener(kv store.Store, hub *Hub) *Listener {
	l := &Listener{
		kv:   kv,
		hub:  hub,
		subs: make(map[string]store.Subscription),
	}
	hub.SetListener(l)
	return l
}

// Subscribe opens a store subscription for the channel and forwards its
// messages to the hub until Unsubscribe or Stop. Idempotent per channel.
func (l *Listener) Subscribe(ctx context.Context, channel string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("listener is stopped")
	}
	if _, exists := l.subs[channel]; exists {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	sub, err := l.kv.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("store subscribe %s: %w", channel, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = sub.Close()
		return fmt.Errorf("listener is stopped")
	}
	if _, exists := l.subs[channel]; exists {
		// Lost a concurrent race for the same channel; keep the winner.
		l.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	l.subs[channel] = sub
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.forward(channel, sub)
	}()

	slog.Debug("Channel subscribed", "channel", channel)
	return nil
}

// Unsubscribe closes the channel's store subscription; its forward
// goroutine drains out on the closed message channel.
func (l *Listener) Unsubscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	sub, exists := l.subs[channel]
	if exists {
		delete(l.subs, channel)
	}
	l.mu.Unlock()

	if !exists {
		return nil
	}
	if err := sub.Close(); err != nil {
		return fmt.Errorf("store unsubscribe %s: %w", channel, err)
	}
	slog.Debug("Channel unsubscribed", "channel", channel)
	return nil
}

// forward pumps one subscription into the hub. Exits when the subscription
// closes.
func (l *Listener) forward(channel string, sub store.Subscription) {
	for msg := range sub.Channel() {
		l.hub.Broadcast(msg.Channel, msg.Payload)
	}
	slog.Debug("Channel forwarder stopped", "channel", channel)
}

// Stop closes every subscription and waits for the forwarders to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.closed = true
	subs := make([]store.Subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.subs = make(map[string]store.Subscription)
	l.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	l.wg.Wait()
	slog.Info("Event listener stopped")
}
