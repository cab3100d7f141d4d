package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(store.NewMemoryStore())
}

func TestAppendThenLoad(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	msg := models.ChatMessage{Role: models.RoleUser, Content: "hello"}
	require.NoError(t, m.Append(ctx, "u1", "c1", "t1", &msg))
	assert.NotZero(t, msg.ID)

	tr, ok := m.Load(ctx, "u1", "c1", "t1")
	require.True(t, ok)
	require.Len(t, tr.Messages, 1)
	assert.Equal(t, "hello", tr.Messages[len(tr.Messages)-1].Content)
	assert.Equal(t, msg.ID, tr.LastID())
}

func TestMessageIDsMonotone(t *testing.T) {
	m := newTestManager(t)
	// Freeze the clock so consecutive appends collide on the millisecond.
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return frozen }
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		msg := models.ChatMessage{Role: models.RoleUser, Content: "x"}
		require.NoError(t, m.Append(ctx, "u1", "c1", "t1", &msg))
		ids = append(ids, msg.ID)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "ids must be strictly increasing")
	}
	assert.Equal(t, frozen.UnixMilli(), ids[0])
	assert.Equal(t, frozen.UnixMilli()+4, ids[4])
}

func TestStreamingPlaceholderLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.AppendPlaceholder(ctx, "u1", "c1", "t1")
	require.NoError(t, err)

	require.NoError(t, m.UpdateStreaming(ctx, "u1", "c1", "t1", id, "Hel"))
	require.NoError(t, m.UpdateStreaming(ctx, "u1", "c1", "t1", id, "Hello"))

	// A shorter payload must not shrink the accumulated content.
	require.NoError(t, m.UpdateStreaming(ctx, "u1", "c1", "t1", id, "He"))
	tr, ok := m.Load(ctx, "u1", "c1", "t1")
	require.True(t, ok)
	assert.Equal(t, "Hello", tr.Messages[0].Content)
	assert.True(t, tr.Messages[0].Streaming)

	require.NoError(t, m.Seal(ctx, "u1", "c1", "t1", id, "Hello, world", map[string]any{"tokens_used": 12}))
	tr, _ = m.Load(ctx, "u1", "c1", "t1")
	assert.Equal(t, "Hello, world", tr.Messages[0].Content)
	assert.False(t, tr.Messages[0].Streaming)
	assert.EqualValues(t, 12, tr.Messages[0].Metadata["tokens_used"])

	// Sealed messages are immutable.
	err = m.UpdateStreaming(ctx, "u1", "c1", "t1", id, "Hello, world, more")
	require.Error(t, err)
}

func TestSealTurnRecordsToolCalls(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.AppendPlaceholder(ctx, "u1", "c1", "t1")
	require.NoError(t, err)

	calls := []models.ToolCallMeta{{CallID: "call-1", Name: "GET_JOB_METRICS", Arguments: "{}"}}
	require.NoError(t, m.SealTurn(ctx, "u1", "c1", "t1", id, "Checking the numbers.", calls, map[string]any{"status": "completed"}))

	tr, ok := m.Load(ctx, "u1", "c1", "t1")
	require.True(t, ok)
	msg := tr.Messages[0]
	assert.False(t, msg.Streaming)
	assert.Equal(t, "Checking the numbers.", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "GET_JOB_METRICS", msg.ToolCalls[0].Name)
	assert.Equal(t, "call-1", msg.ToolCalls[0].CallID)
	assert.Equal(t, "completed", msg.Metadata["status"])
}

func TestSaveOverwrites(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Append(ctx, "u1", "c1", "t1", &models.ChatMessage{Role: models.RoleUser, Content: "old"}))
	}
	tr, _ := m.Load(ctx, "u1", "c1", "t1")
	require.Len(t, tr.Messages, 4)

	// Resummarization keeps only the tail.
	tr.Messages = tr.Messages[3:]
	tr.Meta.SystemPrompt = "summary prefix"
	require.NoError(t, m.Save(ctx, "u1", "c1", "t1", tr))

	tr2, ok := m.Load(ctx, "u1", "c1", "t1")
	require.True(t, ok)
	assert.Len(t, tr2.Messages, 1)
	assert.Equal(t, "summary prefix", tr2.Meta.SystemPrompt)
}

func TestEnsureMeta(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tr, err := m.EnsureMeta(ctx, "u1", "c1", "t1", models.ModeGeneralChat, "be helpful")
	require.NoError(t, err)
	assert.Equal(t, models.ModeGeneralChat, tr.Meta.ChatMode)
	assert.False(t, tr.Meta.CreatedAt.IsZero())

	// Second call with the same mode leaves the prompt alone.
	tr2, err := m.EnsureMeta(ctx, "u1", "c1", "t1", models.ModeGeneralChat, "different")
	require.NoError(t, err)
	assert.Equal(t, "be helpful", tr2.Meta.SystemPrompt)

	// A mode switch rebinds the prompt.
	tr3, err := m.EnsureMeta(ctx, "u1", "c1", "t1", models.ModeTaskExecution, "execute")
	require.NoError(t, err)
	assert.Equal(t, models.ModeTaskExecution, tr3.Meta.ChatMode)
	assert.Equal(t, "execute", tr3.Meta.SystemPrompt)
}

func TestClear(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "u1", "c1", "t1", &models.ChatMessage{Role: models.RoleUser, Content: "x"}))
	require.NoError(t, m.Clear(ctx, "u1", "c1", "t1"))
	_, ok := m.Load(ctx, "u1", "c1", "t1")
	assert.False(t, ok)
}
