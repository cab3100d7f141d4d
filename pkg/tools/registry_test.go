package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/models"
)

// --- shared fakes ---

type fakeDocs struct {
	docs      []models.Document
	err       error
	lastQuery string
	lastType  string
	lastLimit int
}

func (f *fakeDocs) Search(_ context.Context, _, query, docType string, limit int) ([]models.Document, error) {
	f.lastQuery, f.lastType, f.lastLimit = query, docType, limit
	return f.docs, f.err
}

type fakeTasks struct {
	tasks   map[string]*models.Task
	created *TaskRequest
	updated *TaskRequest
	deleted string
	err     error
}

func (f *fakeTasks) Create(_ context.Context, uc *models.UserContext, req *TaskRequest) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = req
	return &models.Task{
		TaskID:      "task-new",
		MandatePath: uc.MandatePath,
		Mission:     models.Mission{Title: req.Title},
		Schedule:    &models.Schedule{NextExecutionLocal: "2026-03-01 08:00"},
	}, nil
}

func (f *fakeTasks) Update(_ context.Context, _ *models.UserContext, taskID string, req *TaskRequest) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updated = req
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

func (f *fakeTasks) Delete(_ context.Context, _ *models.UserContext, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = taskID
	return nil
}

func (f *fakeTasks) List(_ context.Context, _ *models.UserContext) ([]*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*models.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTasks) Get(_ context.Context, _ *models.UserContext, taskID string) (*models.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

type fakeExecStore struct {
	mu        sync.Mutex
	exec      *models.Execution
	getErr    error
	updateErr error
	putErr    error

	savedChecklists []*models.Checklist
	savedRecords    []*models.LPTRecord
}

func (f *fakeExecStore) Get(_ context.Context, _, _ string) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.exec, nil
}

func (f *fakeExecStore) UpdateChecklist(_ context.Context, _, _ string, checklist *models.Checklist) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.savedChecklists = append(f.savedChecklists, checklist)
	if f.exec != nil {
		f.exec.Checklist = checklist
	}
	return nil
}

func (f *fakeExecStore) PutLPT(_ context.Context, _, _ string, record *models.LPTRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.savedRecords = append(f.savedRecords, record)
	return nil
}

type publishedEvent struct {
	threadKey string
	event     string
	payload   any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (f *fakePublisher) PublishCommand(_ context.Context, _, _, threadKey, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{threadKey: threadKey, event: event, payload: payload})
	return nil
}

type fakeSubmitter struct {
	mu          sync.Mutex
	departments []string
	envelopes   []*models.LPTEnvelope
	err         error
}

func (f *fakeSubmitter) Submit(_ context.Context, department string, env *models.LPTEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.departments = append(f.departments, department)
	f.envelopes = append(f.envelopes, env)
	return nil
}

// --- helpers ---

func testUser() *models.UserContext {
	return &models.UserContext{
		UserID:      "u1",
		CompanyID:   "c1",
		MandatePath: "mandates/acme/books/2024",
		Country:     "CH",
		Timezone:    "Europe/Zurich",
		JobMetrics:  map[string]any{"open_invoices": float64(3), "unposted_documents": float64(7)},
	}
}

func testInvocation(t *testing.T, name string, args any) *Invocation {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	return &Invocation{
		CallID:    "call-1",
		Name:      name,
		Args:      raw,
		User:      testUser(),
		ThreadKey: "thread-1",
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
}

// --- registry ---

func TestBindModeTable(t *testing.T) {
	r := NewRegistry(Deps{})

	names := func(defs []*Definition) []string {
		out := make([]string, 0, len(defs))
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}

	t.Run("general modes get the full suite", func(t *testing.T) {
		for _, mode := range []models.ChatMode{models.ModeGeneralChat, models.ModeAccountingChat, models.ModeOnboardingChat} {
			defs := r.Bind(mode, false)
			assert.Len(t, defs, 11, "mode %s", mode)
			assert.Contains(t, names(defs), "GET_JOB_METRICS")
			assert.Contains(t, names(defs), "LPT_BANKER")
			assert.NotContains(t, names(defs), "CREATE_CHECKLIST")
			assert.NotContains(t, names(defs), "TERMINATE_TASK")
		}
	})

	t.Run("department sub-roles get no tools", func(t *testing.T) {
		for _, mode := range []models.ChatMode{models.ModeAPBookkeeperChat, models.ModeRouterChat, models.ModeBankerChat} {
			assert.Empty(t, r.Bind(mode, false), "mode %s", mode)
		}
	})

	t.Run("task execution adds checklist tools", func(t *testing.T) {
		got := names(r.Bind(models.ModeTaskExecution, true))
		assert.Len(t, got, 14)
		assert.Contains(t, got, "CREATE_CHECKLIST")
		assert.Contains(t, got, "UPDATE_STEP")
		assert.Contains(t, got, "TERMINATE_TASK")
	})

	t.Run("lpt callback in task context", func(t *testing.T) {
		got := names(r.Bind(models.ModeLPTCallback, true))
		assert.Contains(t, got, "UPDATE_STEP")
		assert.Contains(t, got, "TERMINATE_TASK")
		assert.NotContains(t, got, "CREATE_CHECKLIST")
	})

	t.Run("lpt callback outside task context", func(t *testing.T) {
		got := names(r.Bind(models.ModeLPTCallback, false))
		assert.Contains(t, got, "TERMINATE_TASK")
		assert.NotContains(t, got, "UPDATE_STEP")
	})
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(Deps{Now: fixedNow})

	res := r.Dispatch(context.Background(), testInvocation(t, "MAKE_COFFEE", nil))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, `unknown tool "MAKE_COFFEE"`)
}

func TestDispatchHandlerErrorBecomesErrorResult(t *testing.T) {
	docs := &fakeDocs{err: errors.New("index offline")}
	r := NewRegistry(Deps{Documents: docs, Now: fixedNow})

	res := r.Dispatch(context.Background(), testInvocation(t, "SEARCH_DOCUMENTS", map[string]any{"query": "invoice"}))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "SEARCH_DOCUMENTS failed")
	assert.Contains(t, res.Content, "index offline")
}

func TestDispatchReportsCancellation(t *testing.T) {
	r := NewRegistry(Deps{Now: fixedNow})
	r.register(&Definition{
		Name:        "SLOW_TOOL",
		Kind:        KindSPT,
		InputSchema: mustSchema[struct{}](),
		Handler: func(ctx context.Context, _ *Invocation) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Dispatch(ctx, testInvocation(t, "SLOW_TOOL", nil))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "aborted")
}

func TestSchemasAreBareObjects(t *testing.T) {
	r := NewRegistry(Deps{})

	for _, name := range r.Names() {
		def, ok := r.Get(name)
		require.True(t, ok)

		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(def.InputSchema), &m), "schema of %s", name)
		assert.Equal(t, "object", m["type"], "schema of %s", name)
		assert.NotContains(t, m, "$schema", "schema of %s", name)
		assert.NotContains(t, m, "$id", "schema of %s", name)
	}
}

func TestSchemaMarksRequiredFields(t *testing.T) {
	r := NewRegistry(Deps{})
	def, ok := r.Get("SEARCH_DOCUMENTS")
	require.True(t, ok)

	var m struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal([]byte(def.InputSchema), &m))
	assert.Contains(t, m.Required, "query")
	assert.NotContains(t, m.Required, "doc_type")
}

func TestAsLLMTools(t *testing.T) {
	r := NewRegistry(Deps{})
	defs := r.Bind(models.ModeGeneralChat, false)

	decls := AsLLMTools(defs)
	require.Len(t, decls, len(defs))
	for i, d := range defs {
		assert.Equal(t, d.Name, decls[i].Name)
		assert.Equal(t, d.Description, decls[i].Description)
		assert.Equal(t, d.InputSchema, decls[i].ParametersSchema)
	}
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry(Deps{})
	names := r.Names()
	assert.Len(t, names, 14)
	assert.IsIncreasing(t, names)
}
