package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/docstore"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

type fakeMandates struct {
	mu           sync.Mutex
	profile      *models.MandateProfile
	findErr      error
	findCalls    int
	metricsCalls []map[string]any
	metricsErr   error
}

func (f *fakeMandates) FindByUserCompany(_ context.Context, userID, companyID string) (*models.MandateProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls += 1
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.profile == nil || f.profile.UserID != userID || f.profile.CompanyID != companyID {
		return nil, docstore.ErrNotFound
	}
	return f.profile, nil
}

func (f *fakeMandates) UpdateJobMetrics(_ context.Context, _ string, metrics map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsCalls = append(f.metricsCalls, metrics)
	return f.metricsErr
}

func (f *fakeMandates) finds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findCalls
}

func testProfile() *models.MandateProfile {
	return &models.MandateProfile{
		MandatePath: "acme/books/2024",
		UserID:      "u1",
		CompanyID:   "c1",
		Country:     "DE",
		Timezone:    "Europe/Berlin",
		Language:    "de",
		DMSSystem:   "docuware",
		JobMetrics:  map[string]any{"open_invoices": float64(3)},
	}
}

func newTestManager(t *testing.T, settle SettleFunc) (*Manager, *fakeMandates, store.Store) {
	t.Helper()
	kv := store.NewMemoryStore()
	mandates := &fakeMandates{profile: testProfile()}
	m := NewManager(kv, mandates, settle)
	t.Cleanup(m.Close)
	return m, mandates, kv
}

func TestEnsureMaterializesFromMandate(t *testing.T) {
	m, mandates, kv := newTestManager(t, nil)
	ctx := context.Background()

	s, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	assert.Equal(t, "acme/books/2024", s.MandatePath)
	assert.Equal(t, "DE", s.Country)
	assert.Equal(t, "Europe/Berlin", s.Timezone)
	assert.Equal(t, 1, mandates.finds())

	_, ok := kv.Get(ctx, store.SessionKey("u1", "c1"))
	assert.True(t, ok, "session blob should be in the store")
}

func TestEnsureIsIdempotent(t *testing.T) {
	m, mandates, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	_, err = m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)

	assert.Equal(t, 1, mandates.finds(), "second ensure must not re-fetch the mandate")
}

func TestEnsureCoalescesConcurrentCalls(t *testing.T) {
	m, mandates, _ := newTestManager(t, nil)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 1, mandates.finds(), "exactly one caller materializes")
}

func TestEnsureUnknownMandate(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	_, err := m.Ensure(context.Background(), "nobody", "nowhere", models.ModeGeneralChat)
	require.Error(t, err)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestUserContextRequiresSession(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	_, err := m.UserContext(context.Background(), "u1", "c1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestUserContextProjectsSession(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)

	uc, err := m.UserContext(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", uc.UserID)
	assert.Equal(t, "acme/books/2024", uc.MandatePath)
	assert.Equal(t, "docuware", uc.DMSSystem)
	assert.Equal(t, float64(3), uc.JobMetrics["open_invoices"])
}

func TestUpdateJobData(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)

	require.NoError(t, m.UpdateJobData(ctx, "u1", "c1", map[string]any{"fiscal_year": "2024"}))

	s, ok := m.lookup(ctx, "u1", "c1")
	require.True(t, ok)
	assert.Equal(t, "2024", s.WorkflowParams["fiscal_year"])
}

func TestUpdateJobMetricsWritesBothCopies(t *testing.T) {
	m, mandates, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)

	require.NoError(t, m.UpdateJobMetrics(ctx, "u1", "c1", map[string]any{"open_invoices": float64(7)}))

	s, ok := m.lookup(ctx, "u1", "c1")
	require.True(t, ok)
	assert.Equal(t, float64(7), s.JobMetrics["open_invoices"])

	mandates.mu.Lock()
	defer mandates.mu.Unlock()
	require.Len(t, mandates.metricsCalls, 1)
	assert.Equal(t, float64(7), mandates.metricsCalls[0]["open_invoices"])
}

func TestUpdateJobMetricsToleratesMandateWriteFailure(t *testing.T) {
	m, mandates, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)

	mandates.mu.Lock()
	mandates.metricsErr = errors.New("mongo down")
	mandates.mu.Unlock()

	require.NoError(t, m.UpdateJobMetrics(ctx, "u1", "c1", map[string]any{"open_invoices": float64(9)}))

	s, ok := m.lookup(ctx, "u1", "c1")
	require.True(t, ok)
	assert.Equal(t, float64(9), s.JobMetrics["open_invoices"], "session copy still updated")
}

func TestBindAndUnbindThread(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)

	require.NoError(t, m.BindThread(ctx, "u1", "c1", "thread-1"))
	s, ok := m.lookup(ctx, "u1", "c1")
	require.True(t, ok)
	assert.True(t, s.HasThread("thread-1"))

	require.NoError(t, m.UnbindThread(ctx, "u1", "c1", "thread-1"))
	s, ok = m.lookup(ctx, "u1", "c1")
	require.True(t, ok)
	assert.False(t, s.HasThread("thread-1"))
}

func TestFlushDeletesAndNotifies(t *testing.T) {
	m, mandates, kv := newTestManager(t, nil)
	ctx := context.Background()

	var flushed []string
	var mu sync.Mutex
	m.OnFlush(func(userID, companyID string) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, userID+"/"+companyID)
	})

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)

	require.NoError(t, m.Flush(ctx, "u1", "c1"))

	_, ok := kv.Get(ctx, store.SessionKey("u1", "c1"))
	assert.False(t, ok)
	mu.Lock()
	assert.Equal(t, []string{"u1/c1"}, flushed)
	mu.Unlock()

	// A later ensure re-materializes from the mandate.
	_, err = m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	assert.Equal(t, 2, mandates.finds())
}

func TestBillingCatchupRunsOncePerWindow(t *testing.T) {
	var settled int32
	settle := func(ctx context.Context, userID, companyID string) error {
		atomic.AddInt32(&settled, 1)
		return nil
	}
	m, _, kv := newTestManager(t, settle)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	_, err = m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	m.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&settled))
	_, ok := kv.Get(ctx, store.BillingCatchupKey("u1", "c1"))
	assert.True(t, ok, "dedup key blocks the window")
}

func TestBillingCatchupRetriesAfterFailure(t *testing.T) {
	var calls int32
	settle := func(ctx context.Context, userID, companyID string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return fmt.Errorf("billing backend unavailable")
		}
		return nil
	}
	m, _, kv := newTestManager(t, settle)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	m.Close()

	// Failure drops the dedup key so the next ensure tries again.
	_, ok := kv.Get(ctx, store.BillingCatchupKey("u1", "c1"))
	require.False(t, ok)

	_, err = m.Ensure(ctx, "u1", "c1", models.ModeGeneralChat)
	require.NoError(t, err)
	m.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	_, ok = kv.Get(ctx, store.BillingCatchupKey("u1", "c1"))
	assert.True(t, ok)
}
