// Package store is the adapter over the shared KV store: volatile session
// and history blobs, named locks, pub/sub fan-out, and key scans. It is the
// only mutable state shared across service instances.
//
// Degradation contract: when the store is unreachable, reads return absent,
// writes return the error after one retry, and lock acquisition reports
// not-acquired (fail-closed). Callers that must fail open (the billing
// balance lock) use Locker.AcquireFailOpen.
package store

import (
	"context"
	"time"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pattern subscription. Close releases the
// underlying store resources; the message channel closes after Close.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the contract every component uses for shared volatile state.
type Store interface {
	// Get returns the value at key, or absent. Store errors degrade to
	// absent and are logged.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set writes value with a TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX atomically writes value only if key is absent. Returns true when
	// the write happened. Transport failures report false (lock lost).
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) bool

	// DelIfEquals deletes key only while it still holds expect. Used for
	// lock release so one holder can never free another's lock.
	DelIfEquals(ctx context.Context, key string, expect []byte) bool

	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HGet(ctx context.Context, key, field string) (string, bool)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) map[string]string
	HDel(ctx context.Context, key string, fields ...string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (Subscription, error)

	// Scan returns all keys matching the glob pattern. Full sweep, not
	// paginated; patterns are expected to match small key sets.
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
