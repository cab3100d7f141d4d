// Package history is the chat history manager: per-thread message
// transcripts in the KV store under chat:{user}:{company}:{thread}:history
// with a 24h sliding TTL. The document store holds the durable per-message
// mirror; this package owns the hot copy the Brain works on.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

// Transcript is everything the store holds for one thread: metadata plus
// the ordered message list.
type Transcript struct {
	Meta     models.ThreadMeta    `json:"meta"`
	Messages []models.ChatMessage `json:"messages"`
}

// LastID returns the highest message id in the transcript (0 when empty).
// Messages are append-only and monotone, so this is the last entry's id.
func (t *Transcript) LastID() int64 {
	if len(t.Messages) == 0 {
		return 0
	}
	return t.Messages[len(t.Messages)-1].ID
}

// Manager reads and writes thread transcripts. Appends are atomic per
// thread within this instance; cross-instance serialization is the Brain
// checkout's job.
type Manager struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates a history manager over the store.
func NewManager(s store.Store) *Manager {
	return &Manager{
		store: s,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

func (m *Manager) threadLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Load returns the thread's transcript, or false when none is stored.
// Refreshes the sliding TTL.
func (m *Manager) Load(ctx context.Context, user, company, thread string) (*Transcript, bool) {
	key := store.HistoryKey(user, company, thread)
	data, ok := m.store.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		slog.Error("Corrupt history blob, dropping", "key", key, "error", err)
		_ = m.store.Del(ctx, key)
		return nil, false
	}
	if err := m.store.Expire(ctx, key, store.HistoryTTL); err != nil {
		slog.Warn("Failed to refresh history TTL", "key", key, "error", err)
	}
	return &t, true
}

// Save overwrites the whole transcript. Resummarization uses this to
// replace the message list in one shot.
func (m *Manager) Save(ctx context.Context, user, company, thread string, t *Transcript) error {
	t.Meta.LastActivity = m.now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	key := store.HistoryKey(user, company, thread)
	if err := m.store.Set(ctx, key, data, store.HistoryTTL); err != nil {
		return fmt.Errorf("failed to save history %s: %w", key, err)
	}
	return nil
}

// Clear deletes the thread's transcript.
func (m *Manager) Clear(ctx context.Context, user, company, thread string) error {
	return m.store.Del(ctx, store.HistoryKey(user, company, thread))
}

// EnsureMeta creates the thread metadata on first contact. Existing
// metadata is left untouched except for the mode switch on task threads.
func (m *Manager) EnsureMeta(ctx context.Context, user, company, thread string, mode models.ChatMode, systemPrompt string) (*Transcript, error) {
	lock := m.threadLock(store.HistoryKey(user, company, thread))
	lock.Lock()
	defer lock.Unlock()

	t, ok := m.Load(ctx, user, company, thread)
	if !ok {
		t = &Transcript{
			Meta: models.ThreadMeta{
				ThreadKey:    thread,
				UserID:       user,
				CompanyID:    company,
				ChatMode:     mode,
				SystemPrompt: systemPrompt,
				CreatedAt:    m.now().UTC(),
			},
		}
	} else if t.Meta.ChatMode != mode {
		t.Meta.ChatMode = mode
		t.Meta.SystemPrompt = systemPrompt
	}
	if err := m.Save(ctx, user, company, thread, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Append adds one message to the thread, assigning its id when unset.
// Atomic per thread within this instance: load-modify-save under the
// thread's lock.
func (m *Manager) Append(ctx context.Context, user, company, thread string, msg *models.ChatMessage) error {
	lock := m.threadLock(store.HistoryKey(user, company, thread))
	lock.Lock()
	defer lock.Unlock()

	t, ok := m.Load(ctx, user, company, thread)
	if !ok {
		t = &Transcript{Meta: models.ThreadMeta{
			ThreadKey: thread,
			UserID:    user,
			CompanyID: company,
			CreatedAt: m.now().UTC(),
		}}
	}
	if msg.ID == 0 {
		msg.ID = m.nextID(t)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	t.Messages = append(t.Messages, *msg)
	return m.Save(ctx, user, company, thread, t)
}

// nextID allocates a millisecond-precision id strictly greater than every
// id already in the thread.
func (m *Manager) nextID(t *Transcript) int64 {
	id := m.now().UnixMilli()
	if last := t.LastID(); id <= last {
		id = last + 1
	}
	return id
}

// AppendPlaceholder writes the streaming assistant placeholder and returns
// its message id. Content starts empty and is extended by UpdateStreaming.
func (m *Manager) AppendPlaceholder(ctx context.Context, user, company, thread string) (int64, error) {
	msg := models.ChatMessage{
		Role:      models.RoleAssistant,
		Streaming: true,
	}
	if err := m.Append(ctx, user, company, thread, &msg); err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// UpdateStreaming extends the placeholder's content. Only extension is
// allowed while the stream is active; shorter payloads are ignored so
// out-of-order writers cannot shrink the message.
func (m *Manager) UpdateStreaming(ctx context.Context, user, company, thread string, id int64, content string) error {
	return m.mutateMessage(ctx, user, company, thread, id, func(msg *models.ChatMessage) error {
		if !msg.Streaming {
			return fmt.Errorf("message %d is sealed", id)
		}
		if len(content) < len(msg.Content) {
			slog.Debug("Ignoring non-extending stream update", "message_id", id)
			return nil
		}
		msg.Content = content
		return nil
	})
}

// Seal finalizes the placeholder: writes the full content, flips the
// streaming flag, and merges completion metadata. The message is immutable
// afterwards.
func (m *Manager) Seal(ctx context.Context, user, company, thread string, id int64, final string, metadata map[string]any) error {
	return m.SealTurn(ctx, user, company, thread, id, final, nil, metadata)
}

// SealTurn finalizes the placeholder like Seal and records the tool calls
// the assistant requested in the same write, so a rebuilt Brain can pair
// tool results with their calls.
func (m *Manager) SealTurn(ctx context.Context, user, company, thread string, id int64, final string, calls []models.ToolCallMeta, metadata map[string]any) error {
	return m.mutateMessage(ctx, user, company, thread, id, func(msg *models.ChatMessage) error {
		msg.Content = final
		msg.Streaming = false
		if len(calls) > 0 {
			msg.ToolCalls = calls
		}
		if len(metadata) > 0 {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]any, len(metadata))
			}
			for k, v := range metadata {
				msg.Metadata[k] = v
			}
		}
		return nil
	})
}

func (m *Manager) mutateMessage(ctx context.Context, user, company, thread string, id int64, mutate func(*models.ChatMessage) error) error {
	lock := m.threadLock(store.HistoryKey(user, company, thread))
	lock.Lock()
	defer lock.Unlock()

	t, ok := m.Load(ctx, user, company, thread)
	if !ok {
		return fmt.Errorf("no history for thread %s", thread)
	}
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			if err := mutate(&t.Messages[i]); err != nil {
				return err
			}
			return m.Save(ctx, user, company, thread, t)
		}
	}
	return fmt.Errorf("message %d not found in thread %s", id, thread)
}
