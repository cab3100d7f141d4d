package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Lock is a held distributed lock. The holder token is written as the key's
// value so Release can never free a lock re-acquired by someone else.
type Lock struct {
	store  Store
	key    string
	holder string
}

// Key returns the lock's KV key.
func (l *Lock) Key() string { return l.key }

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) {
	if !l.store.DelIfEquals(ctx, l.key, []byte(l.holder)) {
		slog.Debug("Lock already expired or taken over", "key", l.key)
	}
}

// Locker acquires named locks on the shared store.
type Locker struct {
	store Store
}

// NewLocker creates a Locker over the store.
func NewLocker(s Store) *Locker {
	return &Locker{store: s}
}

// Acquire attempts to take the named lock. Fail-closed: a store failure
// reports the lock as not acquired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool) {
	holder := uuid.NewString()
	if !l.store.SetNX(ctx, key, []byte(holder), ttl) {
		return nil, false
	}
	return &Lock{store: l.store, key: key, holder: holder}, true
}

// AcquireFailOpen behaves like Acquire but grants a store-less lock when the
// store cannot answer, so the guarded section still runs. Only the billing
// balance path uses this; everything else must stay fail-closed.
func (l *Locker) AcquireFailOpen(ctx context.Context, key string, ttl time.Duration) (*Lock, bool) {
	if err := l.store.Ping(ctx); err != nil {
		slog.Warn("KV store unreachable, granting fail-open lock", "key", key, "error", err)
		return &Lock{store: l.store, key: key, holder: "fail-open"}, true
	}
	return l.Acquire(ctx, key, ttl)
}
