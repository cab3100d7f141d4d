package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/store"
)

func publisherFixture(t *testing.T) (*Publisher, store.Subscription) {
	t.Helper()
	kv := store.NewMemoryStore()
	sub, err := kv.Subscribe(context.Background(), "chat:u1:c1:t1")
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	pub := NewPublisher(kv)
	pub.now = func() time.Time { return time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC) }
	return pub, sub
}

func receive(t *testing.T, sub store.Subscription) map[string]any {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		var m map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublisherStreamLifecycle(t *testing.T) {
	pub, sub := publisherFixture(t)
	ctx := context.Background()

	require.NoError(t, pub.StreamStart(ctx, "u1", "c1", "t1", "m1"))
	start := receive(t, sub)
	assert.Equal(t, EventStreamStart, start["type"])
	assert.Equal(t, "m1", start["message_id"])
	assert.Equal(t, "t1", start["thread_key"])
	assert.Equal(t, "c1", start["space_code"])
	assert.Equal(t, "2026-02-10T09:30:00Z", start["timestamp"])

	require.NoError(t, pub.StreamChunk(ctx, "u1", "c1", "t1", "m1", 1, "Hel", "Hel", false))
	require.NoError(t, pub.StreamChunk(ctx, "u1", "c1", "t1", "m1", 2, "lo", "Hello", true))
	first := receive(t, sub)
	second := receive(t, sub)
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, "Hel", first["chunk"])
	assert.Equal(t, false, first["is_final"])
	assert.Equal(t, float64(2), second["seq"])
	assert.Equal(t, "Hello", second["accumulated"])
	assert.Equal(t, true, second["is_final"])

	require.NoError(t, pub.StreamComplete(ctx, "u1", "c1", "t1", "m1", "Hello", StreamMetadata{
		TokensUsed: 12,
		DurationMs: 840,
		Model:      "claude-sonnet-4-5",
		Status:     "completed",
	}))
	complete := receive(t, sub)
	assert.Equal(t, EventStreamComplete, complete["type"])
	assert.Equal(t, "Hello", complete["full_content"])
	meta := complete["metadata"].(map[string]any)
	assert.Equal(t, float64(12), meta["tokens_used"])
	assert.Equal(t, "completed", meta["status"])
	assert.NotEmpty(t, meta["completed_at"])
}

func TestPublisherStreamInterrupted(t *testing.T) {
	pub, sub := publisherFixture(t)

	require.NoError(t, pub.StreamInterrupted(context.Background(), "u1", "c1", "t1", "m1", "partial tex"))
	msg := receive(t, sub)
	assert.Equal(t, EventStreamInterrupted, msg["type"])
	assert.Equal(t, "partial tex", msg["accumulated"])
}

func TestPublisherStreamError(t *testing.T) {
	pub, sub := publisherFixture(t)

	require.NoError(t, pub.StreamError(context.Background(), "u1", "c1", "t1", "m1", "provider overloaded"))
	msg := receive(t, sub)
	assert.Equal(t, EventStreamError, msg["type"])
	assert.Equal(t, "provider overloaded", msg["error"])
}

func TestPublisherCommand(t *testing.T) {
	pub, sub := publisherFixture(t)

	payload := map[string]any{"command": "UPDATE_STEP_STATUS", "step": map[string]any{"id": "step_1"}}
	require.NoError(t, pub.PublishCommand(context.Background(), "u1", "c1", "t1", EventWorkflowChecklist, payload))

	msg := receive(t, sub)
	assert.Equal(t, EventWorkflowChecklist, msg["type"])
	assert.Equal(t, "t1", msg["thread_key"])
	inner := msg["payload"].(map[string]any)
	assert.Equal(t, "UPDATE_STEP_STATUS", inner["command"])
}

func TestPublisherRoutesPerThread(t *testing.T) {
	kv := store.NewMemoryStore()
	subT1, err := kv.Subscribe(context.Background(), "chat:u1:c1:t1")
	require.NoError(t, err)
	defer subT1.Close()
	subT2, err := kv.Subscribe(context.Background(), "chat:u1:c1:t2")
	require.NoError(t, err)
	defer subT2.Close()

	pub := NewPublisher(kv)
	require.NoError(t, pub.StreamStart(context.Background(), "u1", "c1", "t2", "m9"))

	msg := receive(t, subT2)
	assert.Equal(t, "m9", msg["message_id"])

	select {
	case <-subT1.Channel():
		t.Fatal("event leaked onto the wrong thread channel")
	case <-time.After(50 * time.Millisecond):
	}
}
