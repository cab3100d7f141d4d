// Package registry tracks frontend presence: which browser sessions are
// alive and which thread channels they watch. The executor consults it (via
// the hub) to decide between streaming a turn and running it headless.
//
// Presence is volatile by design: entries live in TTL'd store hashes that
// expire 90 seconds after the last heartbeat, so a crashed browser needs no
// explicit cleanup.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/treufabrik/dirigent/pkg/store"
)

// ErrUnknownSession means a heartbeat or unregister referenced a session id
// that is absent (never registered, or already expired). The client should
// re-register.
var ErrUnknownSession = errors.New("unknown registry session")

// Session is one registered frontend session.
type Session struct {
	SessionID    string    `json:"session_id"`
	Channel      string    `json:"channel"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Registry stores presence entries in two store hashes per the key layout:
// registry:user:{user} (field = session id, value = session JSON) and
// registry:channel:{channel} (field = session id, value = last-seen time).
type Registry struct {
	kv store.Store

	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

// New creates the Registry over the shared store.
func New(kv store.Store) *Registry {
	return &Registry{kv: kv, now: time.Now}
}

// RegisterUser records a frontend session watching a channel. Re-registering
// the same session id refreshes it.
func (r *Registry) RegisterUser(ctx context.Context, userID, sessionID, channel string) error {
	if userID == "" || sessionID == "" {
		return errors.New("user id and session id are required")
	}
	now := r.now().UTC()
	entry := Session{
		SessionID:    sessionID,
		Channel:      channel,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := r.writeSession(ctx, userID, &entry); err != nil {
		return err
	}
	slog.Debug("Presence registered",
		"user_id", userID,
		"session_id", sessionID,
		"channel", channel)
	return nil
}

// Heartbeat refreshes a session's last-seen time and both hash TTLs.
// Returns ErrUnknownSession when the entry expired; the client then
// re-registers with its channel.
func (r *Registry) Heartbeat(ctx context.Context, userID, sessionID string) error {
	entry, err := r.session(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	entry.LastSeen = r.now().UTC()
	return r.writeSession(ctx, userID, entry)
}

// UnregisterSession drops a session from both hashes.
func (r *Registry) UnregisterSession(ctx context.Context, userID, sessionID string) error {
	entry, err := r.session(ctx, userID, sessionID)
	if errors.Is(err, ErrUnknownSession) {
		return nil // already gone
	}
	if err != nil {
		return err
	}

	if err := r.kv.HDel(ctx, store.PresenceUserKey(userID), sessionID); err != nil {
		return fmt.Errorf("drop user presence: %w", err)
	}
	if entry.Channel != "" {
		if err := r.kv.HDel(ctx, store.PresenceChannelKey(entry.Channel), sessionID); err != nil {
			return fmt.Errorf("drop channel presence: %w", err)
		}
	}
	slog.Debug("Presence unregistered", "user_id", userID, "session_id", sessionID)
	return nil
}

// ChannelActive reports whether any session watching the channel has
// heartbeated within the presence TTL. Stale fields can outlive their
// session when a sibling keeps the hash key alive, so each field's
// timestamp is checked.
func (r *Registry) ChannelActive(ctx context.Context, channel string) bool {
	fields := r.kv.HGetAll(ctx, store.PresenceChannelKey(channel))
	cutoff := r.now().UTC().Add(-store.PresenceTTL)
	for _, v := range fields {
		seen, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			continue
		}
		if seen.After(cutoff) {
			return true
		}
	}
	return false
}

// UserSessions lists a user's live sessions. Expired-but-lingering fields
// are filtered the same way ChannelActive filters them.
func (r *Registry) UserSessions(ctx context.Context, userID string) []Session {
	fields := r.kv.HGetAll(ctx, store.PresenceUserKey(userID))
	cutoff := r.now().UTC().Add(-store.PresenceTTL)

	out := make([]Session, 0, len(fields))
	for _, v := range fields {
		var s Session
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			continue
		}
		if s.LastSeen.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) session(ctx context.Context, userID, sessionID string) (*Session, error) {
	raw, ok := r.kv.HGet(ctx, store.PresenceUserKey(userID), sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode presence entry: %w", err)
	}
	return &s, nil
}

// writeSession upserts both hashes and refreshes their TTLs. The key-level
// TTL is the cleanup mechanism; the per-field timestamps only guard against
// siblings keeping a key alive past a field's own freshness.
func (r *Registry) writeSession(ctx context.Context, userID string, entry *Session) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}

	userKey := store.PresenceUserKey(userID)
	if err := r.kv.HSet(ctx, userKey, entry.SessionID, string(raw)); err != nil {
		return fmt.Errorf("write user presence: %w", err)
	}
	if err := r.kv.Expire(ctx, userKey, store.PresenceTTL); err != nil {
		return fmt.Errorf("refresh user presence ttl: %w", err)
	}

	if entry.Channel != "" {
		chKey := store.PresenceChannelKey(entry.Channel)
		if err := r.kv.HSet(ctx, chKey, entry.SessionID, entry.LastSeen.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("write channel presence: %w", err)
		}
		if err := r.kv.Expire(ctx, chKey, store.PresenceTTL); err != nil {
			return fmt.Errorf("refresh channel presence ttl: %w", err)
		}
	}
	return nil
}
