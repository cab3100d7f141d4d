package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/tools"
)

// TaskStore is the task persistence slice the scheduler needs.
// *docstore.TaskRepo satisfies it.
type TaskStore interface {
	Create(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, mandatePath, taskID string) (*models.Task, error)
	List(ctx context.Context, mandatePath string) ([]*models.Task, error)
	Update(ctx context.Context, task *models.Task) error
	SetEnabled(ctx context.Context, mandatePath, taskID string, enabled bool) error
	Delete(ctx context.Context, mandatePath, taskID string) error
	AdvanceSchedule(ctx context.Context, mandatePath, taskID string, nextUTC time.Time, nextLocal string) error
	Retire(ctx context.Context, mandatePath, taskID string, at time.Time) error
	IncrementExecutionCount(ctx context.Context, mandatePath, taskID string) error
}

// IndexStore is the scheduler index slice. *docstore.SchedulerIndexRepo
// satisfies it.
type IndexStore interface {
	Upsert(ctx context.Context, entry *models.SchedulerIndexEntry) error
	Delete(ctx context.Context, slugID string) error
	DueBefore(ctx context.Context, now time.Time) ([]*models.SchedulerIndexEntry, error)
}

// Spawner starts one execution of a task. *Scheduler satisfies it.
type Spawner interface {
	Spawn(ctx context.Context, task *models.Task) (string, error)
}

// TaskService implements tools.TaskAdmin, so the CREATE_TASK family of
// agent tools and the TASK.* RPC methods share one implementation. It owns
// the translation from request timing fields to cron expressions and keeps
// the scheduler index in lockstep with the task documents.
type TaskService struct {
	tasks TaskStore
	index IndexStore
	tz    *TimezoneResolver
	spawn Spawner
	nowFn func() time.Time
}

var _ tools.TaskAdmin = (*TaskService)(nil)

// NewTaskService wires the service. now may be nil.
func NewTaskService(tasks TaskStore, index IndexStore, tz *TimezoneResolver, now func() time.Time) *TaskService {
	if now == nil {
		now = time.Now
	}
	return &TaskService{tasks: tasks, index: index, tz: tz, nowFn: now}
}

// BindSpawner attaches the run launcher after construction. The service is
// built before the scheduler (the tool registry needs it), so the spawner
// arrives late; NOW creates and ExecuteNow need it bound.
func (ts *TaskService) BindSpawner(sp Spawner) {
	ts.spawn = sp
}

// indexed reports whether a plan owns a scheduler index entry.
func indexed(plan models.ExecutionPlan) bool {
	return plan == models.PlanScheduled || plan == models.PlanOneTime
}

func indexEntry(task *models.Task) *models.SchedulerIndexEntry {
	return &models.SchedulerIndexEntry{
		SlugID:           models.IndexSlug(task.MandatePath, task.TaskID),
		MandatePath:      task.MandatePath,
		TaskID:           task.TaskID,
		NextExecutionUTC: task.Schedule.NextExecutionUTC,
		Enabled:          task.Enabled,
	}
}

func specFromRequest(req *tools.TaskRequest) scheduleSpec {
	return scheduleSpec{
		Frequency:  strings.ToLower(strings.TrimSpace(req.Frequency)),
		DayOfWeek:  req.DayOfWeek,
		DayOfMonth: req.DayOfMonth,
		Time:       strings.TrimSpace(req.Time),
		Timezone:   strings.TrimSpace(req.Timezone),
	}
}

// mergeSpec overlays the request's timing fields on the task's current
// schedule, so an update naming only a new time keeps the old frequency.
func mergeSpec(cur *models.Schedule, req *tools.TaskRequest) scheduleSpec {
	spec := specFromRequest(req)
	if cur == nil {
		return spec
	}
	if spec.Frequency == "" {
		spec.Frequency = cur.Frequency
	}
	if spec.Time == "" {
		spec.Time = cur.Time
	}
	if spec.Timezone == "" {
		spec.Timezone = cur.Timezone
	}
	if spec.DayOfWeek == nil && cur.Frequency == FreqWeekly {
		d := cur.DayOfWeek
		spec.DayOfWeek = &d
	}
	if spec.DayOfMonth == nil && cur.DayOfMonth != 0 {
		d := cur.DayOfMonth
		spec.DayOfMonth = &d
	}
	return spec
}

// Create validates the request, computes the first trigger for indexed
// plans, and persists task plus index entry. A NOW task is additionally
// spawned immediately.
func (ts *TaskService) Create(ctx context.Context, uc *models.UserContext, req *tools.TaskRequest) (*models.Task, error) {
	plan := models.ExecutionPlan(strings.ToUpper(strings.TrimSpace(req.ExecutionPlan)))
	if !plan.Valid() {
		return nil, validationf("execution_plan must be SCHEDULED, ONE_TIME, ON_DEMAND or NOW, got %q", req.ExecutionPlan)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, validationf("title is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, validationf("description is required")
	}

	id, err := randomHex(6)
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	now := ts.nowFn().UTC()
	task := &models.Task{
		TaskID:      "task_" + id,
		MandatePath: uc.MandatePath,
		UserID:      uc.UserID,
		CompanyID:   uc.CompanyID,
		Plan:        plan,
		Mission: models.Mission{
			Title:       strings.TrimSpace(req.Title),
			Description: strings.TrimSpace(req.Description),
			Plan:        req.Plan,
		},
		Status:    models.TaskActive,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.ApprovalRequired != nil {
		task.Mission.ApprovalRequired = *req.ApprovalRequired
	}

	if indexed(plan) {
		spec := specFromRequest(req)
		if spec.Timezone == "" {
			spec.Timezone = ts.tz.Resolve(ctx, uc)
		}
		task.Schedule, err = buildSchedule(spec, now)
		if err != nil {
			return nil, err
		}
	}

	if err := ts.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if task.Schedule != nil {
		if err := ts.index.Upsert(ctx, indexEntry(task)); err != nil {
			// An unindexed schedule never fires; undo rather than leave a
			// task that silently does nothing.
			if derr := ts.tasks.Delete(ctx, task.MandatePath, task.TaskID); derr != nil {
				slog.Error("Task rollback failed after index write error",
					"task_id", task.TaskID,
					"error", derr)
			}
			return nil, fmt.Errorf("index task schedule: %w", err)
		}
	}
	slog.Info("Task created",
		"task_id", task.TaskID,
		"mandate_path", task.MandatePath,
		"plan", task.Plan,
		"enabled", task.Enabled)

	if plan == models.PlanNow {
		if ts.spawn == nil {
			slog.Warn("No run launcher bound, immediate task stored but not started",
				"task_id", task.TaskID)
		} else if execID, err := ts.spawn.Spawn(ctx, task); err != nil {
			slog.Error("Immediate run not started", "task_id", task.TaskID, "error", err)
		} else {
			slog.Info("Immediate run started", "task_id", task.TaskID, "execution_id", execID)
		}
	}
	return task, nil
}

// Update merges the request into the stored task, recomputes the trigger
// when any timing field changed, and syncs the index entry.
func (ts *TaskService) Update(ctx context.Context, uc *models.UserContext, taskID string, req *tools.TaskRequest) (*models.Task, error) {
	task, err := ts.tasks.Get(ctx, uc.MandatePath, taskID)
	if err != nil {
		return nil, err
	}
	wasIndexed := indexed(task.Plan)

	if t := strings.TrimSpace(req.Title); t != "" {
		task.Mission.Title = t
	}
	if d := strings.TrimSpace(req.Description); d != "" {
		task.Mission.Description = d
	}
	if req.Plan != "" {
		task.Mission.Plan = req.Plan
	}
	if req.ApprovalRequired != nil {
		task.Mission.ApprovalRequired = *req.ApprovalRequired
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
		if task.Status != models.TaskCompleted {
			task.Status = models.TaskActive
			if !task.Enabled {
				task.Status = models.TaskPaused
			}
		}
	}
	if p := strings.ToUpper(strings.TrimSpace(req.ExecutionPlan)); p != "" {
		plan := models.ExecutionPlan(p)
		if !plan.Valid() {
			return nil, validationf("execution_plan must be SCHEDULED, ONE_TIME, ON_DEMAND or NOW, got %q", req.ExecutionPlan)
		}
		task.Plan = plan
	}

	timingChanged := req.Frequency != "" || req.Time != "" || req.Timezone != "" ||
		req.DayOfWeek != nil || req.DayOfMonth != nil
	now := ts.nowFn().UTC()
	switch {
	case !indexed(task.Plan):
		task.Schedule = nil
	case task.Schedule == nil || timingChanged:
		spec := mergeSpec(task.Schedule, req)
		if spec.Timezone == "" {
			spec.Timezone = ts.tz.Resolve(ctx, uc)
		}
		task.Schedule, err = buildSchedule(spec, now)
		if err != nil {
			return nil, err
		}
	}
	task.UpdatedAt = now

	if err := ts.tasks.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task update: %w", err)
	}
	if task.Schedule != nil {
		if err := ts.index.Upsert(ctx, indexEntry(task)); err != nil {
			return nil, fmt.Errorf("index task schedule: %w", err)
		}
	} else if wasIndexed {
		if err := ts.index.Delete(ctx, models.IndexSlug(task.MandatePath, task.TaskID)); err != nil {
			// The tick loop drops entries whose task is unscheduled, so a
			// failed delete only delays cleanup.
			slog.Warn("Stale index entry not deleted", "task_id", task.TaskID, "error", err)
		}
	}
	slog.Info("Task updated",
		"task_id", task.TaskID,
		"plan", task.Plan,
		"enabled", task.Enabled)
	return task, nil
}

// Delete removes the task and its index entry.
func (ts *TaskService) Delete(ctx context.Context, uc *models.UserContext, taskID string) error {
	if err := ts.tasks.Delete(ctx, uc.MandatePath, taskID); err != nil {
		return err
	}
	if err := ts.index.Delete(ctx, models.IndexSlug(uc.MandatePath, taskID)); err != nil {
		// The tick loop drops entries whose task is gone, so a failed
		// delete only delays cleanup.
		slog.Warn("Index entry not deleted with task", "task_id", taskID, "error", err)
	}
	slog.Info("Task deleted", "task_id", taskID, "mandate_path", uc.MandatePath)
	return nil
}

// List returns every task under the caller's mandate.
func (ts *TaskService) List(ctx context.Context, uc *models.UserContext) ([]*models.Task, error) {
	return ts.tasks.List(ctx, uc.MandatePath)
}

// Get returns one task.
func (ts *TaskService) Get(ctx context.Context, uc *models.UserContext, taskID string) (*models.Task, error) {
	return ts.tasks.Get(ctx, uc.MandatePath, taskID)
}

// SetEnabled pauses or resumes a task and mirrors the flag to its index
// entry. Completed tasks stay completed.
func (ts *TaskService) SetEnabled(ctx context.Context, uc *models.UserContext, taskID string, enabled bool) (*models.Task, error) {
	task, err := ts.tasks.Get(ctx, uc.MandatePath, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskCompleted {
		return nil, validationf("task %s is completed and cannot be re-enabled", taskID)
	}
	if err := ts.tasks.SetEnabled(ctx, uc.MandatePath, taskID, enabled); err != nil {
		return nil, err
	}
	task.Enabled = enabled
	task.Status = models.TaskActive
	if !enabled {
		task.Status = models.TaskPaused
	}
	if task.Schedule != nil && indexed(task.Plan) {
		if err := ts.index.Upsert(ctx, indexEntry(task)); err != nil {
			// The tick re-checks the task document, so a stale mirror is
			// skipped there and repaired.
			slog.Warn("Enabled flag not mirrored to index", "task_id", taskID, "error", err)
		}
	}
	slog.Info("Task enabled flag set", "task_id", taskID, "enabled", enabled)
	return task, nil
}

// ExecuteNow spawns an immediate run of a task, outside its schedule.
// Scheduled fires count executions through AdvanceSchedule and run-once
// plans through Retire, so only SCHEDULED and ON_DEMAND are counted here.
func (ts *TaskService) ExecuteNow(ctx context.Context, uc *models.UserContext, taskID string) (string, error) {
	if ts.spawn == nil {
		return "", errors.New("no run launcher bound")
	}
	task, err := ts.tasks.Get(ctx, uc.MandatePath, taskID)
	if err != nil {
		return "", err
	}
	if !task.Enabled {
		return "", validationf("task %s is disabled", taskID)
	}
	execID, err := ts.spawn.Spawn(ctx, task)
	if err != nil {
		return "", err
	}
	if task.Plan == models.PlanScheduled || task.Plan == models.PlanOnDemand {
		if err := ts.tasks.IncrementExecutionCount(ctx, uc.MandatePath, taskID); err != nil {
			slog.Warn("Execution count not bumped", "task_id", taskID, "error", err)
		}
	}
	slog.Info("On-demand run started",
		"task_id", taskID,
		"execution_id", execID,
		"plan", task.Plan)
	return execID, nil
}
