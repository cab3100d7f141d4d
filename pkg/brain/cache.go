package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/treufabrik/dirigent/pkg/history"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/session"
)

// ErrThreadBusy means the thread's Brain is checked out by another workflow.
// The RPC layer surfaces it as THREAD_BUSY; scheduler and callback triggers
// wait instead.
var ErrThreadBusy = errors.New("brain: thread busy")

const (
	// Brains idle longer than this are evicted by the janitor, mirroring
	// the session's own 2h TTL.
	brainIdleTTL    = 2 * time.Hour
	janitorInterval = 10 * time.Minute
)

// Cache is the per-instance Brain registry: one Brain per active thread,
// checked out exclusively for the duration of a workflow invocation.
type Cache struct {
	history  *history.Manager
	sessions *session.Manager

	mu     sync.Mutex
	brains map[string]*Brain

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCache creates the Brain cache and registers its session-flush hook so
// flushing a session drops every Brain bound to it.
func NewCache(hist *history.Manager, sessions *session.Manager) *Cache {
	c := &Cache{
		history:  hist,
		sessions: sessions,
		brains:   make(map[string]*Brain),
		stopCh:   make(chan struct{}),
	}
	sessions.OnFlush(func(userID, companyID string) {
		c.EvictSession(userID, companyID)
	})
	return c
}

func brainKey(userID, companyID, threadKey string) string {
	return userID + "/" + companyID + "/" + threadKey
}

// Start launches the idle-eviction janitor.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runJanitor(ctx)
	}()
}

// Stop halts the janitor and evicts every Brain, cancelling in-flight
// streams. Called on shutdown.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	brains := make([]*Brain, 0, len(c.brains))
	for _, b := range c.brains {
		brains = append(brains, b)
	}
	c.brains = make(map[string]*Brain)
	c.mu.Unlock()

	for _, b := range brains {
		if b.CancelStream() {
			slog.Info("Cancelled in-flight stream on shutdown",
				"user_id", b.UserID, "thread_key", b.ThreadKey)
		}
	}
}

func (c *Cache) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepIdle()
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweepIdle evicts brains idle past the TTL. Checked-out brains are skipped;
// they are in active use by definition.
func (c *Cache) sweepIdle() {
	cutoff := time.Now().Add(-brainIdleTTL)

	c.mu.Lock()
	candidates := make(map[string]*Brain)
	for key, b := range c.brains {
		if b.idleSince().Before(cutoff) {
			candidates[key] = b
		}
	}
	c.mu.Unlock()

	for key, b := range candidates {
		if !b.tryAcquire() {
			continue
		}
		c.mu.Lock()
		delete(c.brains, key)
		c.mu.Unlock()
		b.release()
		slog.Debug("Evicted idle brain", "thread_key", b.ThreadKey, "user_id", b.UserID)
	}
}

// Checkout hands the caller exclusive use of the thread's Brain, creating
// and hydrating one from session + history when the thread is cold. With
// wait=false a busy thread returns ErrThreadBusy immediately; with wait=true
// the call blocks until the current holder releases or ctx ends.
//
// The caller must Release the Brain when its workflow invocation ends.
func (c *Cache) Checkout(ctx context.Context, userID, companyID, threadKey string, mode models.ChatMode, wait bool) (*Brain, error) {
	key := brainKey(userID, companyID, threadKey)

	c.mu.Lock()
	b, ok := c.brains[key]
	if !ok {
		b = newBrain(userID, companyID, threadKey)
		c.brains[key] = b
	}
	c.mu.Unlock()

	if wait {
		if err := b.acquire(ctx); err != nil {
			return nil, fmt.Errorf("wait for thread %s: %w", threadKey, err)
		}
	} else if !b.tryAcquire() {
		return nil, fmt.Errorf("%w: %s", ErrThreadBusy, threadKey)
	}

	if err := c.prepare(ctx, b, mode); err != nil {
		b.release()
		return nil, err
	}
	b.touch()
	return b, nil
}

// prepare hydrates a cold Brain and rebinds the mode when the caller asks
// for a different one than the thread currently carries.
func (c *Cache) prepare(ctx context.Context, b *Brain, mode models.ChatMode) error {
	cold := b.Mode() == ""
	if !cold && (mode == "" || mode == b.Mode()) {
		return nil
	}
	if mode == "" {
		mode = models.ModeGeneralChat
	}

	uc, err := c.sessions.UserContext(ctx, b.UserID, b.CompanyID)
	if err != nil {
		return fmt.Errorf("hydrate brain %s: %w", b.ThreadKey, err)
	}
	prompt := BuildSystemPrompt(mode, PromptContext{User: uc})

	t, err := c.history.EnsureMeta(ctx, b.UserID, b.CompanyID, b.ThreadKey, mode, prompt)
	if err != nil {
		return fmt.Errorf("hydrate brain %s: %w", b.ThreadKey, err)
	}
	b.Rebind(t.Meta.ChatMode, t.Meta.SystemPrompt)
	b.setSummary(t.Meta.Summary)
	if cold {
		b.ReplaceMessages(t.Messages)
		if err := c.sessions.BindThread(ctx, b.UserID, b.CompanyID, b.ThreadKey); err != nil {
			slog.Debug("Thread not recorded on session", "thread_key", b.ThreadKey, "error", err)
		}
		slog.Debug("Brain hydrated",
			"thread_key", b.ThreadKey,
			"user_id", b.UserID,
			"chat_mode", string(t.Meta.ChatMode),
			"messages", len(t.Messages),
			"tokens", b.TokenCount())
	}
	return nil
}

// Release returns a checked-out Brain to the cache.
func (c *Cache) Release(b *Brain) {
	b.touch()
	b.release()
}

// Rehydrate force-reloads a thread's Brain from stored history. Fails with
// ErrThreadBusy while a workflow holds the thread.
func (c *Cache) Rehydrate(ctx context.Context, userID, companyID, threadKey string) error {
	b, err := c.Checkout(ctx, userID, companyID, threadKey, "", false)
	if err != nil {
		return err
	}
	defer c.Release(b)

	t, ok := c.history.Load(ctx, userID, companyID, threadKey)
	if !ok {
		return fmt.Errorf("no history for thread %s", threadKey)
	}
	b.Rebind(t.Meta.ChatMode, t.Meta.SystemPrompt)
	b.setSummary(t.Meta.Summary)
	b.ReplaceMessages(t.Messages)
	return nil
}

// Evict drops one thread's Brain, cancelling any in-flight stream.
func (c *Cache) Evict(ctx context.Context, userID, companyID, threadKey string) {
	key := brainKey(userID, companyID, threadKey)
	c.mu.Lock()
	b, ok := c.brains[key]
	delete(c.brains, key)
	c.mu.Unlock()
	if !ok {
		return
	}
	b.CancelStream()
	if err := c.sessions.UnbindThread(ctx, userID, companyID, threadKey); err != nil && !errors.Is(err, session.ErrNoSession) {
		slog.Debug("Thread not removed from session", "thread_key", threadKey, "error", err)
	}
	slog.Debug("Brain evicted", "thread_key", threadKey, "user_id", userID)
}

// EvictSession drops every Brain bound to the (user, company) session.
// Runs as the session-flush hook; the session blob is already gone.
func (c *Cache) EvictSession(userID, companyID string) {
	prefix := userID + "/" + companyID + "/"
	c.mu.Lock()
	var evicted []*Brain
	for key, b := range c.brains {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			evicted = append(evicted, b)
			delete(c.brains, key)
		}
	}
	c.mu.Unlock()

	for _, b := range evicted {
		b.CancelStream()
	}
	if len(evicted) > 0 {
		slog.Info("Evicted session brains",
			"user_id", userID, "company_id", companyID, "count", len(evicted))
	}
}

// StopStreaming cancels the in-flight stream on one thread, or on every
// thread of the session when threadKey is empty. Reports whether any stream
// was cancelled.
func (c *Cache) StopStreaming(userID, companyID, threadKey string) bool {
	c.mu.Lock()
	var targets []*Brain
	if threadKey != "" {
		if b, ok := c.brains[brainKey(userID, companyID, threadKey)]; ok {
			targets = append(targets, b)
		}
	} else {
		prefix := userID + "/" + companyID + "/"
		for key, b := range c.brains {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				targets = append(targets, b)
			}
		}
	}
	c.mu.Unlock()

	cancelled := false
	for _, b := range targets {
		if b.CancelStream() {
			cancelled = true
			slog.Info("Stream cancelled", "thread_key", b.ThreadKey, "user_id", userID)
		}
	}
	return cancelled
}

// Peek returns the thread's Brain without checking it out, or nil. Read-only
// callers (busy checks, tests) use it.
func (c *Cache) Peek(userID, companyID, threadKey string) *Brain {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brains[brainKey(userID, companyID, threadKey)]
}
