package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a complete in-process Store implementation. Unit tests run
// against it, and a single-instance deployment can fall back to it when no
// Redis endpoint is configured (state then dies with the process).
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	subs    []*memSubscription

	// now is swappable so TTL behavior is testable without sleeping.
	now func() time.Time
}

type memEntry struct {
	value    []byte
	hash     map[string]string
	expireAt time.Time // zero = no expiry
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// live returns the entry at key if present and unexpired, reaping it otherwise.
// Callers hold mu.
func (m *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value == nil {
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = &memEntry{value: v, expireAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = &memEntry{value: v, expireAt: m.deadline(ttl)}
	return true
}

func (m *MemoryStore) DelIfEquals(_ context.Context, key string, expect []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || string(e.value) != string(expect) {
		return false
	}
	delete(m.entries, key)
	return true
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok {
		e.expireAt = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		return "", false
	}
	v, ok := e.hash[field]
	return v, ok
}

func (m *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = &memEntry{hash: make(map[string]string)}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	e.hash[field] = value
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		return out
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := make([]*memSubscription, 0, len(m.subs))
	for _, s := range m.subs {
		if matchPattern(s.pattern, channel) {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	p := make([]byte, len(payload))
	copy(p, payload)
	for _, s := range subs {
		s.deliver(Message{Channel: channel, Payload: p})
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, pattern string) (Subscription, error) {
	sub := &memSubscription{
		store:   m,
		pattern: pattern,
		ch:      make(chan Message, 64),
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return sub, nil
}

type memSubscription struct {
	store   *MemoryStore
	pattern string
	ch      chan Message

	mu     sync.Mutex
	closed bool
}

// deliver is best-effort: a subscriber that stops draining loses messages
// rather than blocking publishers.
func (s *memSubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *memSubscription) Channel() <-chan Message { return s.ch }

func (s *memSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.store.mu.Lock()
	for i, sub := range s.store.subs {
		if sub == s {
			s.store.subs = append(s.store.subs[:i], s.store.subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()
	return nil
}

func (m *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var keys []string
	for k, e := range m.entries {
		if e.expired(now) {
			continue
		}
		if matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// matchPattern implements the '*' glob subset used by the key namespace.
func matchPattern(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
