// Package session maintains the per (user, company) session blob: the
// mandate profile projection every prompt and tool reads from. Sessions are
// materialized lazily from the document store on first contact, live in the
// KV store under a 2h sliding TTL, and are fronted by a small in-process LRU
// so hot turns do not re-deserialize the blob.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/treufabrik/dirigent/pkg/docstore"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

const (
	sessionCacheSize = 256
	localCacheTTL    = 30 * time.Second

	// How long a losing Ensure waits for the winner to publish the session
	// before its single re-attempt.
	initWaitBudget   = 3 * time.Second
	initPollInterval = 150 * time.Millisecond
)

var (
	// ErrNoSession is returned by read paths when the (user, company) pair
	// has no live session. Callers are expected to Ensure first.
	ErrNoSession = errors.New("session: not initialized")

	// ErrInitContended is returned when a concurrent Ensure held the init
	// lock but never published a session within the wait budget.
	ErrInitContended = errors.New("session: initialization contended")
)

// MandateSource is the slice of the document store the manager needs to
// materialize and persist sessions. *docstore.MandateRepo satisfies it.
type MandateSource interface {
	FindByUserCompany(ctx context.Context, userID, companyID string) (*models.MandateProfile, error)
	UpdateJobMetrics(ctx context.Context, mandatePath string, metrics map[string]any) error
}

// SettleFunc reconciles any unbilled usage for a (user, company) pair. The
// manager runs it at most once per catch-up window under the wallet lock;
// a nil func disables settlement but keeps the dedup bookkeeping.
type SettleFunc func(ctx context.Context, userID, companyID string) error

type cacheEntry struct {
	session   *models.Session
	expiresAt time.Time
}

// Manager owns the session lifecycle. It is the sole writer of the
// session:{user}:{company}:state keys.
type Manager struct {
	kv       store.Store
	locker   *store.Locker
	mandates MandateSource
	settle   SettleFunc

	cache *lru.Cache[string, cacheEntry]

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	onFlush []func(userID, companyID string)

	wg  sync.WaitGroup
	now func() time.Time
}

// NewManager creates a session manager over the KV store and the mandate
// collection. settle may be nil when no billing backend is wired.
func NewManager(kv store.Store, mandates MandateSource, settle SettleFunc) *Manager {
	cache, _ := lru.New[string, cacheEntry](sessionCacheSize)
	return &Manager{
		kv:       kv,
		locker:   store.NewLocker(kv),
		mandates: mandates,
		settle:   settle,
		cache:    cache,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// OnFlush registers a callback invoked whenever a session is flushed. The
// Brain cache uses this to drop every Brain bound to the session.
func (m *Manager) OnFlush(fn func(userID, companyID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFlush = append(m.onFlush, fn)
}

// Close waits for in-flight background work (billing catch-up) to finish.
func (m *Manager) Close() {
	m.wg.Wait()
}

// sessionLock returns the mutex serializing read-modify-write cycles for
// one session key on this instance.
func (m *Manager) sessionLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Ensure returns the live session for (user, company), materializing it from
// the mandate profile on first contact. Concurrent calls for the same pair
// coalesce: one caller wins the init lock and performs the document store
// fetch, the rest poll the session key and re-attempt once.
func (m *Manager) Ensure(ctx context.Context, userID, companyID string, chatMode models.ChatMode) (*models.Session, error) {
	if s, ok := m.lookup(ctx, userID, companyID); ok {
		m.spawnBillingCatchup(userID, companyID)
		return s, nil
	}

	s, err := m.ensureSlow(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}
	m.spawnBillingCatchup(userID, companyID)
	slog.Debug("Session ensured",
		"user_id", userID,
		"company_id", companyID,
		"chat_mode", chatMode)
	return s, nil
}

// ensureSlow is the miss path: win the init lock and materialize, or wait
// for whoever did.
func (m *Manager) ensureSlow(ctx context.Context, userID, companyID string) (*models.Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		lock, acquired := m.locker.Acquire(ctx, store.InitLockKey(userID, companyID), store.InitLockTTL)
		if acquired {
			s, err := m.materialize(ctx, userID, companyID)
			lock.Release(ctx)
			return s, err
		}

		// Someone else is materializing. Poll the session key until it
		// appears, then fall back to one more lock attempt in case the
		// winner died mid-flight.
		if s, ok := m.awaitSession(ctx, userID, companyID); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrInitContended, userID, companyID)
}

func (m *Manager) awaitSession(ctx context.Context, userID, companyID string) (*models.Session, bool) {
	deadline := m.now().Add(initWaitBudget)
	ticker := time.NewTicker(initPollInterval)
	defer ticker.Stop()
	for {
		if s, ok := m.lookup(ctx, userID, companyID); ok {
			return s, true
		}
		if m.now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// materialize builds a fresh session from the mandate profile and publishes
// it. Runs under the init lock.
func (m *Manager) materialize(ctx context.Context, userID, companyID string) (*models.Session, error) {
	// The winner re-checks the store first: the previous holder may have
	// published between our miss and the lock grant.
	if s, ok := m.loadStore(ctx, userID, companyID); ok {
		return s, nil
	}

	profile, err := m.mandates.FindByUserCompany(ctx, userID, companyID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("no mandate for %s/%s: %w", userID, companyID, err)
		}
		return nil, fmt.Errorf("load mandate profile: %w", err)
	}

	now := m.now().UTC()
	s := &models.Session{
		UserID:         userID,
		CompanyID:      companyID,
		MandatePath:    profile.MandatePath,
		Country:        profile.Country,
		Timezone:       profile.Timezone,
		Language:       profile.Language,
		DMSSystem:      profile.DMSSystem,
		JobMetrics:     profile.JobMetrics,
		WorkflowParams: profile.WorkflowParams,
		CreatedAt:      now,
		LastAccess:     now,
	}
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	slog.Info("Session materialized",
		"user_id", userID,
		"company_id", companyID,
		"mandate_path", profile.MandatePath,
		"country", profile.Country)
	return s, nil
}

// lookup is the read path: local LRU first, then the KV store. Every hit
// slides the 2h TTL forward.
func (m *Manager) lookup(ctx context.Context, userID, companyID string) (*models.Session, bool) {
	key := store.SessionKey(userID, companyID)
	if entry, ok := m.cache.Get(key); ok && m.now().Before(entry.expiresAt) {
		if err := m.kv.Expire(ctx, key, store.SessionTTL); err != nil {
			slog.Debug("Session TTL refresh failed", "key", key, "error", err)
		}
		return entry.session, true
	}
	return m.loadStore(ctx, userID, companyID)
}

func (m *Manager) loadStore(ctx context.Context, userID, companyID string) (*models.Session, bool) {
	key := store.SessionKey(userID, companyID)
	raw, ok := m.kv.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		slog.Error("Corrupt session blob, dropping", "key", key, "error", err)
		_ = m.kv.Del(ctx, key)
		m.cache.Remove(key)
		return nil, false
	}
	if err := m.kv.Expire(ctx, key, store.SessionTTL); err != nil {
		slog.Debug("Session TTL refresh failed", "key", key, "error", err)
	}
	m.cache.Add(key, cacheEntry{session: &s, expiresAt: m.now().Add(localCacheTTL)})
	return &s, true
}

// persist writes the session blob and refreshes the local cache.
func (m *Manager) persist(ctx context.Context, s *models.Session) error {
	s.LastAccess = m.now().UTC()
	key := store.SessionKey(s.UserID, s.CompanyID)
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", key, err)
	}
	if err := m.kv.Set(ctx, key, raw, store.SessionTTL); err != nil {
		return fmt.Errorf("write session %s: %w", key, err)
	}
	m.cache.Add(key, cacheEntry{session: s, expiresAt: m.now().Add(localCacheTTL)})
	return nil
}

// UserContext returns the read view tools and prompt builders consume.
// The session must already exist; turn entry points call Ensure first.
func (m *Manager) UserContext(ctx context.Context, userID, companyID string) (*models.UserContext, error) {
	s, ok := m.lookup(ctx, userID, companyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSession, userID, companyID)
	}
	return &models.UserContext{
		UserID:      s.UserID,
		CompanyID:   s.CompanyID,
		MandatePath: s.MandatePath,
		Country:     s.Country,
		Timezone:    s.Timezone,
		Language:    s.Language,
		DMSSystem:   s.DMSSystem,
		JobMetrics:  s.JobMetrics,
	}, nil
}

// UpdateJobData merges fields into the session's workflow parameters.
func (m *Manager) UpdateJobData(ctx context.Context, userID, companyID string, data map[string]any) error {
	return m.mutate(ctx, userID, companyID, func(s *models.Session) {
		if s.WorkflowParams == nil {
			s.WorkflowParams = make(map[string]any, len(data))
		}
		for k, v := range data {
			s.WorkflowParams[k] = v
		}
	})
}

// UpdateJobMetrics merges metric fields into the session and persists them
// on the mandate document so they survive session expiry.
func (m *Manager) UpdateJobMetrics(ctx context.Context, userID, companyID string, metrics map[string]any) error {
	var mandatePath string
	err := m.mutate(ctx, userID, companyID, func(s *models.Session) {
		if s.JobMetrics == nil {
			s.JobMetrics = make(map[string]any, len(metrics))
		}
		for k, v := range metrics {
			s.JobMetrics[k] = v
		}
		mandatePath = s.MandatePath
	})
	if err != nil {
		return err
	}
	if err := m.mandates.UpdateJobMetrics(ctx, mandatePath, metrics); err != nil {
		// The session blob already carries the new values; the durable copy
		// catches up on the next write.
		slog.Warn("Job metrics not persisted to mandate",
			"user_id", userID,
			"company_id", companyID,
			"mandate_path", mandatePath,
			"error", err)
	}
	return nil
}

// BindThread records a thread key on the session while a Brain is live.
func (m *Manager) BindThread(ctx context.Context, userID, companyID, threadKey string) error {
	return m.mutate(ctx, userID, companyID, func(s *models.Session) {
		s.AddThread(threadKey)
	})
}

// UnbindThread drops a thread key after its Brain is evicted.
func (m *Manager) UnbindThread(ctx context.Context, userID, companyID, threadKey string) error {
	return m.mutate(ctx, userID, companyID, func(s *models.Session) {
		s.RemoveThread(threadKey)
	})
}

func (m *Manager) mutate(ctx context.Context, userID, companyID string, apply func(*models.Session)) error {
	key := store.SessionKey(userID, companyID)
	l := m.sessionLock(key)
	l.Lock()
	defer l.Unlock()

	s, ok := m.loadStore(ctx, userID, companyID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoSession, userID, companyID)
	}
	apply(s)
	return m.persist(ctx, s)
}

// Flush deletes the session and tells every registered listener so bound
// Brains are evicted with it.
func (m *Manager) Flush(ctx context.Context, userID, companyID string) error {
	key := store.SessionKey(userID, companyID)
	m.cache.Remove(key)
	if err := m.kv.Del(ctx, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}

	m.mu.Lock()
	listeners := make([]func(string, string), len(m.onFlush))
	copy(listeners, m.onFlush)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(userID, companyID)
	}

	slog.Info("Session flushed", "user_id", userID, "company_id", companyID)
	return nil
}
