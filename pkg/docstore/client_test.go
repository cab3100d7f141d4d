package docstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treufabrik/dirigent/pkg/models"
)

// newTestClient connects to the Mongo instance named by MONGO_URI and hands
// back a client bound to a database unique to this run. Skipped when unset
// so the suite stays hermetic; CI exports the URI of its Mongo service
// container. The run's database is dropped on cleanup.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set; skipping mongo-backed test")
	}

	c, err := NewClient(context.Background(), Config{
		URI:      uri,
		Database: fmt.Sprintf("dirigent_test_%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.db.Drop(ctx)
		_ = c.Close(ctx)
	})
	return c
}

func testTask(mandatePath, taskID string) *models.Task {
	// Backdated so update stamps are strictly newer at millisecond precision.
	now := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Second)
	return &models.Task{
		TaskID:      taskID,
		MandatePath: mandatePath,
		UserID:      "u1",
		CompanyID:   "c1",
		Plan:        models.PlanScheduled,
		Mission: models.Mission{
			Title:       "Monthly VAT filing",
			Description: "Prepare and submit the VAT return.",
		},
		Schedule: &models.Schedule{
			CronExpr:           "0 9 * * *",
			Frequency:          "daily",
			Time:               "09:00",
			Timezone:           "Europe/Berlin",
			NextExecutionUTC:   now.Add(time.Hour),
			NextExecutionLocal: "2026-03-02 09:00",
		},
		Status:    models.TaskActive,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Database: "dirigent"})
	assert.ErrorContains(t, err, "URI is required")

	_, err = NewClient(context.Background(), Config{URI: "mongodb://localhost:27017"})
	assert.ErrorContains(t, err, "database name is required")
}

func TestClientPing(t *testing.T) {
	c := newTestClient(t)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestTaskRepoCRUD(t *testing.T) {
	c := newTestClient(t)
	repo := c.Tasks()
	ctx := context.Background()

	task := testTask("mandates/acme", "task-1")
	require.NoError(t, repo.Create(ctx, task))

	// (mandate_path, task_id) is unique.
	assert.Error(t, repo.Create(ctx, testTask("mandates/acme", "task-1")))

	got, err := repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Monthly VAT filing", got.Mission.Title)
	assert.Equal(t, models.PlanScheduled, got.Plan)
	assert.Equal(t, models.TaskActive, got.Status)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, "0 9 * * *", got.Schedule.CronExpr)
	assert.WithinDuration(t, task.Schedule.NextExecutionUTC, got.Schedule.NextExecutionUTC, time.Second)

	_, err = repo.Get(ctx, "mandates/acme", "no-such-task")
	assert.ErrorIs(t, err, ErrNotFound)

	got.Mission.Title = "Quarterly VAT filing"
	require.NoError(t, repo.Update(ctx, got))
	updated, err := repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly VAT filing", updated.Mission.Title)
	assert.True(t, updated.UpdatedAt.After(task.UpdatedAt))

	assert.ErrorIs(t, repo.Update(ctx, testTask("mandates/acme", "no-such-task")), ErrNotFound)

	require.NoError(t, repo.SetEnabled(ctx, "mandates/acme", "task-1", false))
	paused, err := repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	assert.False(t, paused.Enabled)
	assert.Equal(t, models.TaskPaused, paused.Status)

	require.NoError(t, repo.SetEnabled(ctx, "mandates/acme", "task-1", true))
	active, err := repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	assert.True(t, active.Enabled)
	assert.Equal(t, models.TaskActive, active.Status)

	require.NoError(t, repo.Delete(ctx, "mandates/acme", "task-1"))
	_, err = repo.Get(ctx, "mandates/acme", "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "mandates/acme", "task-1"), ErrNotFound)
}

func TestTaskRepoListNewestFirst(t *testing.T) {
	c := newTestClient(t)
	repo := c.Tasks()
	ctx := context.Background()

	older := testTask("mandates/acme", "task-old")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, testTask("mandates/acme", "task-new")))
	require.NoError(t, repo.Create(ctx, testTask("mandates/other", "task-1")))

	tasks, err := repo.List(ctx, "mandates/acme")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-new", tasks[0].TaskID)
	assert.Equal(t, "task-old", tasks[1].TaskID)

	tasks, err = repo.List(ctx, "mandates/empty")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskRepoScheduleLifecycle(t *testing.T) {
	c := newTestClient(t)
	repo := c.Tasks()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, testTask("mandates/acme", "task-1")))

	next := time.Now().UTC().Truncate(time.Millisecond).Add(24 * time.Hour)
	require.NoError(t, repo.AdvanceSchedule(ctx, "mandates/acme", "task-1", next, "2026-03-03 09:00"))
	got, err := repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	assert.WithinDuration(t, next, got.Schedule.NextExecutionUTC, time.Second)
	assert.Equal(t, "2026-03-03 09:00", got.Schedule.NextExecutionLocal)
	assert.Equal(t, 1, got.ExecutionCount)

	require.NoError(t, repo.IncrementExecutionCount(ctx, "mandates/acme", "task-1"))
	got, err = repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)

	report := &models.ExecutionReport{
		ExecutionID:    "ex-1",
		Status:         models.ExecutionCompleted,
		StartedAt:      time.Now().UTC().Truncate(time.Millisecond).Add(-time.Minute),
		CompletedAt:    time.Now().UTC().Truncate(time.Millisecond),
		TotalSteps:     3,
		CompletedSteps: 3,
		Summary:        "all invoices booked",
	}
	require.NoError(t, repo.WriteReport(ctx, "mandates/acme", "task-1", report))
	got, err = repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastExecutionReport)
	assert.Equal(t, "ex-1", got.LastExecutionReport.ExecutionID)
	assert.Equal(t, models.ExecutionCompleted, got.LastExecutionReport.Status)
	assert.Equal(t, 3, got.LastExecutionReport.CompletedSteps)
	assert.Equal(t, "all invoices booked", got.LastExecutionReport.Summary)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Retire(ctx, "mandates/acme", "task-1", at))
	got, err = repo.Get(ctx, "mandates/acme", "task-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, models.TaskCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, at, *got.CompletedAt, time.Second)
	assert.Equal(t, 3, got.ExecutionCount)

	assert.ErrorIs(t, repo.AdvanceSchedule(ctx, "mandates/acme", "no-such-task", next, ""), ErrNotFound)
	assert.ErrorIs(t, repo.IncrementExecutionCount(ctx, "mandates/acme", "no-such-task"), ErrNotFound)
	assert.ErrorIs(t, repo.Retire(ctx, "mandates/acme", "no-such-task", at), ErrNotFound)
	assert.ErrorIs(t, repo.WriteReport(ctx, "mandates/acme", "no-such-task", report), ErrNotFound)
	assert.ErrorIs(t, repo.SetEnabled(ctx, "mandates/acme", "no-such-task", true), ErrNotFound)
}

func TestExecutionRepoLedger(t *testing.T) {
	c := newTestClient(t)
	repo := c.Executions()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	exec := &models.Execution{
		ExecutionID: "ex-1",
		TaskID:      "task-7",
		MandatePath: "mandates/acme",
		UserID:      "u1",
		CompanyID:   "c1",
		StartedAt:   now,
		Status:      models.ExecutionRunning,
		Checklist: &models.Checklist{
			TotalSteps:  2,
			CurrentStep: 1,
			Steps: []models.ChecklistStep{
				{ID: "s1", Name: "Collect invoices", Status: models.StepInProgress, Timestamp: now},
				{ID: "s2", Name: "Book invoices", Status: models.StepPending, Timestamp: now},
			},
		},
	}
	require.NoError(t, repo.Create(ctx, exec))

	got, err := repo.Get(ctx, "task-7", "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, got.Status)
	require.NotNil(t, got.Checklist)
	assert.Len(t, got.Checklist.Steps, 2)

	_, err = repo.Get(ctx, "task-7", "no-such-execution")
	assert.ErrorIs(t, err, ErrNotFound)

	// Submit leg of the ledger entry.
	record := &models.LPTRecord{
		LPTID:     "lpt-1",
		TaskType:  "apbookeeper_tasks",
		Status:    "submitted",
		StepID:    "s1",
		CreatedAt: now,
		Submit: &models.LPTEnvelope{
			CollectionName: "apbookeeper_tasks",
			UserID:         "u1",
			ClientUUID:     "c1",
			MandatesPath:   "mandates/acme",
			BatchID:        "lpt-1",
			Traceability: models.Traceability{
				ThreadKey:   "task-7",
				ExecutionID: "ex-1",
				InitiatedAt: now,
				Source:      "dirigent",
			},
		},
	}
	require.NoError(t, repo.PutLPT(ctx, "task-7", "ex-1", record))

	found, err := repo.FindByLPT(ctx, "task-7", "lpt-1")
	require.NoError(t, err)
	assert.Equal(t, "ex-1", found.ExecutionID)
	entry := found.LPTTasks["lpt-1"]
	require.NotNil(t, entry)
	assert.Equal(t, "submitted", entry.Status)
	assert.Nil(t, entry.Response)
	require.NotNil(t, entry.Submit)
	assert.Equal(t, "lpt-1", entry.Submit.BatchID)

	_, err = repo.FindByLPT(ctx, "task-7", "lpt-other")
	assert.ErrorIs(t, err, ErrNotFound)

	// Callback leg: stamping the response overwrites the same entry.
	completed := now.Add(time.Minute)
	record.Status = string(models.LPTCompleted)
	record.Response = &models.LPTResponse{
		Status: models.LPTCompleted,
		Result: map[string]any{"summary": "12 invoices booked"},
	}
	record.CompletedAt = &completed
	require.NoError(t, repo.PutLPT(ctx, "task-7", "ex-1", record))

	found, err = repo.FindByLPT(ctx, "task-7", "lpt-1")
	require.NoError(t, err)
	require.Len(t, found.LPTTasks, 1)
	entry = found.LPTTasks["lpt-1"]
	require.NotNil(t, entry.Response)
	assert.Equal(t, models.LPTCompleted, entry.Response.Status)
	assert.Equal(t, "12 invoices booked", entry.Response.Summary())
	require.NotNil(t, entry.CompletedAt)
	assert.WithinDuration(t, completed, *entry.CompletedAt, time.Second)

	checklist := got.Checklist
	checklist.Steps[0].Status = models.StepCompleted
	checklist.Steps[0].Message = "12 invoices booked"
	checklist.CurrentStep = 2
	require.NoError(t, repo.UpdateChecklist(ctx, "task-7", "ex-1", checklist))
	got, err = repo.Get(ctx, "task-7", "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, got.Checklist.Steps[0].Status)
	assert.Equal(t, 2, got.Checklist.CurrentStep)

	require.NoError(t, repo.SetStatus(ctx, "task-7", "ex-1", models.ExecutionCompleted))
	got, err = repo.Get(ctx, "task-7", "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)

	require.NoError(t, repo.Delete(ctx, "task-7", "ex-1"))
	_, err = repo.Get(ctx, "task-7", "ex-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "task-7", "ex-1"), ErrNotFound)
	assert.ErrorIs(t, repo.PutLPT(ctx, "task-7", "ex-1", record), ErrNotFound)
	assert.ErrorIs(t, repo.UpdateChecklist(ctx, "task-7", "ex-1", checklist), ErrNotFound)
	assert.ErrorIs(t, repo.SetStatus(ctx, "task-7", "ex-1", models.ExecutionFailed), ErrNotFound)
}

func TestSchedulerIndexDueBefore(t *testing.T) {
	c := newTestClient(t)
	repo := c.SchedulerIndex()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entries := []*models.SchedulerIndexEntry{
		{SlugID: models.IndexSlug("mandates/acme", "due-late"), MandatePath: "mandates/acme", TaskID: "due-late", NextExecutionUTC: now.Add(-time.Minute), Enabled: true},
		{SlugID: models.IndexSlug("mandates/acme", "due-early"), MandatePath: "mandates/acme", TaskID: "due-early", NextExecutionUTC: now.Add(-time.Hour), Enabled: true},
		{SlugID: models.IndexSlug("mandates/acme", "future"), MandatePath: "mandates/acme", TaskID: "future", NextExecutionUTC: now.Add(time.Hour), Enabled: true},
		{SlugID: models.IndexSlug("mandates/acme", "disabled"), MandatePath: "mandates/acme", TaskID: "disabled", NextExecutionUTC: now.Add(-time.Hour), Enabled: false},
	}
	for _, entry := range entries {
		require.NoError(t, repo.Upsert(ctx, entry))
	}

	due, err := repo.DueBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-early", due[0].TaskID)
	assert.Equal(t, "due-late", due[1].TaskID)

	// Upsert converges on slug_id instead of duplicating.
	entries[2].NextExecutionUTC = now.Add(-time.Second)
	require.NoError(t, repo.Upsert(ctx, entries[2]))
	due, err = repo.DueBefore(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 3)

	require.NoError(t, repo.Delete(ctx, entries[0].SlugID))
	require.NoError(t, repo.Delete(ctx, entries[0].SlugID))
	due, err = repo.DueBefore(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestThreadRepoEnsureAndActiveExecution(t *testing.T) {
	c := newTestClient(t)
	repo := c.Threads()
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	meta, err := repo.EnsureThread(ctx, &models.ThreadMeta{
		ThreadKey:    "general",
		UserID:       "u1",
		CompanyID:    "c1",
		ChatMode:     models.ModeGeneralChat,
		SystemPrompt: "You are the accounting assistant.",
		CreatedAt:    created,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModeGeneralChat, meta.ChatMode)
	assert.WithinDuration(t, created, meta.CreatedAt, time.Second)

	// A second ensure keeps the original document.
	again, err := repo.EnsureThread(ctx, &models.ThreadMeta{
		ThreadKey: "general",
		UserID:    "u1",
		CompanyID: "c1",
		ChatMode:  models.ModeAccountingChat,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModeGeneralChat, again.ChatMode)
	assert.WithinDuration(t, created, again.CreatedAt, time.Second)
	assert.True(t, again.LastActivity.After(again.CreatedAt))

	ref := &models.ExecutionRef{MandatePath: "mandates/acme", TaskID: "task-7", ExecutionID: "ex-1"}
	require.NoError(t, repo.SetActiveExecution(ctx, "c1", "general", ref))
	got, err := repo.GetThread(ctx, "c1", "general")
	require.NoError(t, err)
	require.NotNil(t, got.ActiveExecution)
	assert.Equal(t, "ex-1", got.ActiveExecution.ExecutionID)

	require.NoError(t, repo.SetActiveExecution(ctx, "c1", "general", nil))
	got, err = repo.GetThread(ctx, "c1", "general")
	require.NoError(t, err)
	assert.Nil(t, got.ActiveExecution)

	_, err = repo.GetThread(ctx, "c1", "no-such-thread")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreadRepoMessages(t *testing.T) {
	c := newTestClient(t)
	repo := c.Threads()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := repo.EnsureThread(ctx, &models.ThreadMeta{
		ThreadKey: "general",
		UserID:    "u1",
		CompanyID: "c1",
		ChatMode:  models.ModeGeneralChat,
		CreatedAt: now,
	})
	require.NoError(t, err)

	user := &models.ChatMessage{ID: 100, Role: models.RoleUser, Content: "book the March invoices", Timestamp: now}
	assistant := &models.ChatMessage{
		ID:        101,
		Role:      models.RoleAssistant,
		Content:   "Working on it.",
		Timestamp: now.Add(time.Second),
		ToolCalls: []models.ToolCallMeta{{CallID: "call-1", Name: "GET_TASK_LIST", Arguments: "{}"}},
	}
	require.NoError(t, repo.WriteMessage(ctx, "c1", "general", user))
	require.NoError(t, repo.WriteMessage(ctx, "c1", "general", assistant))

	// Re-writing the same id converges instead of duplicating.
	assistant.Content = "Done: 12 invoices booked."
	require.NoError(t, repo.WriteMessage(ctx, "c1", "general", assistant))

	msgs, err := repo.ListMessages(ctx, "c1", "general")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(100), msgs[0].ID)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, int64(101), msgs[1].ID)
	assert.Equal(t, "Done: 12 invoices booked.", msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "GET_TASK_LIST", msgs[1].ToolCalls[0].Name)

	meta, err := repo.GetThread(ctx, "c1", "general")
	require.NoError(t, err)
	assert.WithinDuration(t, assistant.Timestamp, meta.LastActivity, time.Second)

	require.NoError(t, repo.DeleteThread(ctx, "c1", "general"))
	_, err = repo.GetThread(ctx, "c1", "general")
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err = repo.ListMessages(ctx, "c1", "general")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMandateRepoProfiles(t *testing.T) {
	c := newTestClient(t)
	repo := c.Mandates()
	ctx := context.Background()

	profile := &models.MandateProfile{
		MandatePath: "mandates/acme",
		UserID:      "u1",
		CompanyID:   "c1",
		Country:     "DE",
		Language:    "de",
	}
	require.NoError(t, repo.Upsert(ctx, profile))

	got, err := repo.Get(ctx, "mandates/acme")
	require.NoError(t, err)
	assert.Equal(t, "DE", got.Country)
	assert.Empty(t, got.Timezone)

	_, err = repo.Get(ctx, "mandates/no-such")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := repo.FindByUserCompany(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "mandates/acme", found.MandatePath)

	_, err = repo.FindByUserCompany(ctx, "u1", "no-such")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SetTimezone(ctx, "mandates/acme", "Europe/Berlin"))
	got, err = repo.Get(ctx, "mandates/acme")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	assert.ErrorIs(t, repo.SetTimezone(ctx, "mandates/no-such", "UTC"), ErrNotFound)

	// Metric updates merge into the map instead of replacing it.
	require.NoError(t, repo.UpdateJobMetrics(ctx, "mandates/acme", map[string]any{"open_invoices": 4}))
	require.NoError(t, repo.UpdateJobMetrics(ctx, "mandates/acme", map[string]any{"open_payments": 2}))
	got, err = repo.Get(ctx, "mandates/acme")
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.JobMetrics["open_invoices"])
	assert.EqualValues(t, 2, got.JobMetrics["open_payments"])
	assert.ErrorIs(t, repo.UpdateJobMetrics(ctx, "mandates/no-such", map[string]any{"x": 1}), ErrNotFound)
}

func TestDocumentRepoSearch(t *testing.T) {
	c := newTestClient(t)
	repo := c.Documents()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	docs := []*models.Document{
		{DocumentID: "d1", CompanyID: "c1", Name: "Invoice March", DocType: "invoice", UploadedAt: now.Add(-2 * time.Hour)},
		{DocumentID: "d2", CompanyID: "c1", Name: "invoice April", DocType: "invoice", UploadedAt: now.Add(-time.Hour)},
		{DocumentID: "d3", CompanyID: "c1", Name: "Bank statement (draft)", DocType: "statement", UploadedAt: now},
		{DocumentID: "d4", CompanyID: "c2", Name: "Invoice May", DocType: "invoice", UploadedAt: now},
	}
	for _, doc := range docs {
		require.NoError(t, repo.Insert(ctx, doc))
	}

	// Case-insensitive substring, newest first, scoped to the company.
	found, err := repo.Search(ctx, "c1", "invoice", "", 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "d2", found[0].DocumentID)
	assert.Equal(t, "d1", found[1].DocumentID)

	found, err = repo.Search(ctx, "c1", "", "statement", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "d3", found[0].DocumentID)

	found, err = repo.Search(ctx, "c1", "", "", 2)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	// Regex metacharacters in the query stay literal.
	found, err = repo.Search(ctx, "c1", "(draft)", "", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "d3", found[0].DocumentID)

	found, err = repo.Search(ctx, "c1", "payroll", "", 0)
	require.NoError(t, err)
	assert.Empty(t, found)
}
