package brain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/docstore"
	"github.com/treufabrik/dirigent/pkg/history"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/session"
	"github.com/treufabrik/dirigent/pkg/store"
)

type stubMandates struct {
	profile *models.MandateProfile
}

func (s *stubMandates) FindByUserCompany(_ context.Context, userID, companyID string) (*models.MandateProfile, error) {
	if s.profile == nil || s.profile.UserID != userID || s.profile.CompanyID != companyID {
		return nil, docstore.ErrNotFound
	}
	return s.profile, nil
}

func (s *stubMandates) UpdateJobMetrics(context.Context, string, map[string]any) error {
	return nil
}

type fixture struct {
	kv       store.Store
	history  *history.Manager
	sessions *session.Manager
	cache    *Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := store.NewMemoryStore()
	mandates := &stubMandates{profile: &models.MandateProfile{
		MandatePath: "acme/books/2024",
		UserID:      "u1",
		CompanyID:   "c1",
		Country:     "CH",
		Timezone:    "Europe/Zurich",
	}}
	sessions := session.NewManager(kv, mandates, nil)
	t.Cleanup(sessions.Close)
	hist := history.NewManager(kv)
	cache := NewCache(hist, sessions)
	t.Cleanup(cache.Stop)

	_, err := sessions.Ensure(context.Background(), "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	return &fixture{kv: kv, history: hist, sessions: sessions, cache: cache}
}

func TestCheckoutHydratesColdBrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	defer f.cache.Release(b)

	assert.Equal(t, models.ModeGeneralChat, b.Mode())
	assert.Contains(t, b.SystemPrompt(), "acme/books/2024")
	assert.Contains(t, b.SystemPrompt(), "Europe/Zurich")
	assert.Empty(t, b.Messages())

	s, err := f.sessions.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	assert.True(t, s.HasThread("t1"), "checkout records the thread on the session")
}

func TestCheckoutLoadsExistingHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.history.EnsureMeta(ctx, "u1", "c1", "t1", models.ModeGeneralChat, "prior prompt")
	require.NoError(t, err)
	require.NoError(t, f.history.Append(ctx, "u1", "c1", "t1", &models.ChatMessage{
		Role: models.RoleUser, Content: "where are my invoices",
	}))

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	defer f.cache.Release(b)

	msgs := b.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "where are my invoices", msgs[0].Content)
	assert.Equal(t, "prior prompt", b.SystemPrompt(), "same mode keeps the stored prompt")
	assert.Greater(t, b.TokenCount(), 0)
}

func TestCheckoutBusyRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)

	_, err = f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	assert.ErrorIs(t, err, ErrThreadBusy)

	f.cache.Release(b)
	b2, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	f.cache.Release(b2)
}

func TestCheckoutWaitBlocksUntilRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var waited *Brain
	var waitErr error
	go func() {
		defer wg.Done()
		waited, waitErr = f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, true)
	}()

	time.Sleep(50 * time.Millisecond)
	f.cache.Release(b)
	wg.Wait()

	require.NoError(t, waitErr)
	require.NotNil(t, waited)
	f.cache.Release(waited)
}

func TestCheckoutWaitHonorsContext(t *testing.T) {
	f := newFixture(t)

	b, err := f.cache.Checkout(context.Background(), "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	defer f.cache.Release(b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckoutRebindsMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	b.Append(models.ChatMessage{ID: 1, Role: models.RoleUser, Content: "hi"})
	f.cache.Release(b)

	b, err = f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeAPBookkeeperChat, false)
	require.NoError(t, err)
	defer f.cache.Release(b)

	assert.Equal(t, models.ModeAPBookkeeperChat, b.Mode())
	assert.Contains(t, b.SystemPrompt(), "accounts-payable")
	assert.Len(t, b.Messages(), 1, "mode switch keeps the conversation")
}

func TestSessionFlushEvictsBrains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	f.cache.Release(b)
	require.NotNil(t, f.cache.Peek("u1", "c1", "t1"))

	require.NoError(t, f.sessions.Flush(ctx, "u1", "c1"))
	assert.Nil(t, f.cache.Peek("u1", "c1", "t1"))
}

func TestEvictUnbindsThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	f.cache.Release(b)

	f.cache.Evict(ctx, "u1", "c1", "t1")
	assert.Nil(t, f.cache.Peek("u1", "c1", "t1"))

	s, err := f.sessions.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	assert.False(t, s.HasThread("t1"))
}

func TestStopStreamingCancelsThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	defer f.cache.Release(b)

	streamCtx, cancel := context.WithCancel(ctx)
	b.BeginStream(cancel)
	require.True(t, b.Streaming())

	assert.True(t, f.cache.StopStreaming("u1", "c1", "t1"))
	assert.ErrorIs(t, streamCtx.Err(), context.Canceled)
	assert.False(t, b.Streaming())

	// Nothing left to cancel.
	assert.False(t, f.cache.StopStreaming("u1", "c1", "t1"))
}

func TestStopStreamingAllThreads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b1, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	defer f.cache.Release(b1)
	b2, err := f.cache.Checkout(ctx, "u1", "c1", "t2", models.ModeGeneralChat, false)
	require.NoError(t, err)
	defer f.cache.Release(b2)

	_, cancel1 := context.WithCancel(ctx)
	_, cancel2 := context.WithCancel(ctx)
	b1.BeginStream(cancel1)
	b2.BeginStream(cancel2)

	assert.True(t, f.cache.StopStreaming("u1", "c1", ""))
	assert.False(t, b1.Streaming())
	assert.False(t, b2.Streaming())
}

func TestRehydrateReloadsFromHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.cache.Checkout(ctx, "u1", "c1", "t1", models.ModeGeneralChat, false)
	require.NoError(t, err)
	f.cache.Release(b)

	// Another writer extends the durable history behind the Brain's back.
	require.NoError(t, f.history.Append(ctx, "u1", "c1", "t1", &models.ChatMessage{
		Role: models.RoleUser, Content: "written elsewhere",
	}))

	require.NoError(t, f.cache.Rehydrate(ctx, "u1", "c1", "t1"))
	b = f.cache.Peek("u1", "c1", "t1")
	require.NotNil(t, b)
	msgs := b.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "written elsewhere", msgs[0].Content)
}
