// Package scheduler fires tasks when their trigger time passes. A ticker
// under a cross-instance lock queries the scheduler index for due entries,
// spawns bounded workflow runs, and moves each trigger forward. The package
// also owns task CRUD (TaskService), because storing a task and computing
// its next firing are one operation.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/treufabrik/dirigent/pkg/docstore"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
	"github.com/treufabrik/dirigent/pkg/workflow"
)

// Defaults when the config leaves the knobs zero.
const (
	DefaultTickInterval = time.Minute
	DefaultMaxParallel  = 4
)

const executionIDBytes = 6 // 12 hex characters

// ExecutionCreator persists and discards execution records.
// *docstore.ExecutionRepo satisfies it.
type ExecutionCreator interface {
	Create(ctx context.Context, exec *models.Execution) error
	Delete(ctx context.Context, taskID, executionID string) error
}

// Runner drives one task execution to its outcome.
// *workflow.Executor satisfies it.
type Runner interface {
	ExecuteTask(ctx context.Context, task *models.Task, executionID string) (*workflow.Outcome, error)
}

// Config tunes the tick loop.
type Config struct {
	// TickInterval is how often due entries are polled. <= 0 means a minute.
	TickInterval time.Duration
	// MaxParallel caps concurrently running task workflows. <= 0 means 4.
	MaxParallel int
}

// Deps wires the scheduler.
type Deps struct {
	Tasks      TaskStore
	Index      IndexStore
	Executions ExecutionCreator
	Runner     Runner
	KV         store.Store

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduler is the leader-elected cron ticker. Only one instance fires a
// given tick; the rest find lock:cron:tick held and skip.
type Scheduler struct {
	tasks  TaskStore
	index  IndexStore
	execs  ExecutionCreator
	runner Runner
	locker *store.Locker

	interval time.Duration
	sem      chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// New creates a Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		tasks:    deps.Tasks,
		index:    deps.Index,
		execs:    deps.Executions,
		runner:   deps.Runner,
		locker:   store.NewLocker(deps.KV),
		interval: cfg.TickInterval,
		sem:      make(chan struct{}, cfg.MaxParallel),
		stopCh:   make(chan struct{}),
		nowFn:    now,
	}
}

func (s *Scheduler) now() time.Time { return s.nowFn() }

// Start launches the tick loop. The first tick runs immediately so triggers
// that came due while the service was down fire without waiting a full
// interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		slog.Info("Scheduler started",
			"tick_interval", s.interval,
			"max_parallel", cap(s.sem))
		s.Tick(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for in-flight task runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// Tick runs one scheduling pass: take the cross-instance lock, query due
// entries oldest first, fire each one. Returns how many runs it started.
// Finding the lock held is the normal multi-instance case, not an error.
func (s *Scheduler) Tick(ctx context.Context) int {
	lock, acquired := s.locker.Acquire(ctx, store.CronTickLockKey, store.CronTickTTL)
	if !acquired {
		slog.Debug("Cron tick lock held elsewhere, skipping")
		return 0
	}
	defer lock.Release(ctx)

	due, err := s.index.DueBefore(ctx, s.now().UTC())
	if err != nil {
		slog.Error("Due task query failed", "error", err)
		return 0
	}
	fired := 0
	for _, entry := range due {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, entry) {
			fired++
		}
	}
	if len(due) > 0 {
		slog.Info("Cron tick done", "due", len(due), "fired", fired)
	}
	return fired
}

// fire loads one due entry's task, re-checks that it should still run,
// spawns the run, then moves the trigger: SCHEDULED advances to the next
// occurrence, ONE_TIME drops its index entry (the task itself is retired
// later, once the run's report is durably written). A spawn failure leaves
// the old trigger in place so the next tick retries.
func (s *Scheduler) fire(ctx context.Context, entry *models.SchedulerIndexEntry) bool {
	task, err := s.tasks.Get(ctx, entry.MandatePath, entry.TaskID)
	if errors.Is(err, docstore.ErrNotFound) {
		slog.Warn("Index entry without a task, dropping it", "slug_id", entry.SlugID)
		if err := s.index.Delete(ctx, entry.SlugID); err != nil {
			slog.Error("Orphaned index entry not deleted", "slug_id", entry.SlugID, "error", err)
		}
		return false
	}
	if err != nil {
		slog.Error("Due task not loaded", "task_id", entry.TaskID, "error", err)
		return false
	}

	// The index is a mirror; the task document is authoritative. A disable
	// that missed the index is honored here and the mirror repaired.
	if !task.Enabled || task.Status != models.TaskActive {
		slog.Info("Skipping stale index entry",
			"task_id", task.TaskID,
			"enabled", task.Enabled,
			"status", task.Status)
		s.repairIndex(ctx, task, entry)
		return false
	}

	executionID, err := s.Spawn(ctx, task)
	if err != nil {
		slog.Error("Task spawn failed, keeping old trigger",
			"task_id", task.TaskID,
			"error", err)
		return false
	}

	switch task.Plan {
	case models.PlanScheduled:
		s.advanceSchedule(ctx, task)
	case models.PlanOneTime:
		// No re-fire; the retire itself waits for finalization.
		if err := s.index.Delete(ctx, entry.SlugID); err != nil {
			slog.Error("One-time index entry not deleted", "slug_id", entry.SlugID, "error", err)
		}
	default:
		slog.Warn("Unscheduled plan had an index entry, dropping it",
			"task_id", task.TaskID,
			"plan", task.Plan)
		if err := s.index.Delete(ctx, entry.SlugID); err != nil {
			slog.Error("Index entry not deleted", "slug_id", entry.SlugID, "error", err)
		}
	}
	slog.Info("Task fired",
		"task_id", task.TaskID,
		"execution_id", executionID,
		"plan", task.Plan)
	return true
}

// repairIndex realigns a stale mirror with its task: completed or
// unscheduled tasks lose the entry, paused ones keep a disabled mirror.
func (s *Scheduler) repairIndex(ctx context.Context, task *models.Task, entry *models.SchedulerIndexEntry) {
	if task.Status == models.TaskCompleted || task.Schedule == nil || !indexed(task.Plan) {
		if err := s.index.Delete(ctx, entry.SlugID); err != nil {
			slog.Error("Stale index entry not deleted", "slug_id", entry.SlugID, "error", err)
		}
		return
	}
	if err := s.index.Upsert(ctx, indexEntry(task)); err != nil {
		slog.Error("Index entry not repaired", "slug_id", entry.SlugID, "error", err)
	}
}

// advanceSchedule computes the next firing strictly after now and writes it
// to the task and its index entry. Failures keep the old trigger: the task
// re-fires next tick rather than silently dropping off the schedule.
func (s *Scheduler) advanceSchedule(ctx context.Context, task *models.Task) {
	if task.Schedule == nil {
		slog.Error("Scheduled task has no schedule", "task_id", task.TaskID)
		return
	}
	nextUTC, nextLocal, err := nextFire(task.Schedule.CronExpr, task.Schedule.Timezone, s.now().UTC())
	if err != nil {
		slog.Error("Next trigger not computed",
			"task_id", task.TaskID,
			"cron", task.Schedule.CronExpr,
			"error", err)
		return
	}
	if err := s.tasks.AdvanceSchedule(ctx, task.MandatePath, task.TaskID, nextUTC, nextLocal); err != nil {
		slog.Error("Task schedule not advanced", "task_id", task.TaskID, "error", err)
		return
	}
	task.Schedule.NextExecutionUTC = nextUTC
	task.Schedule.NextExecutionLocal = nextLocal
	if err := s.index.Upsert(ctx, indexEntry(task)); err != nil {
		slog.Error("Index entry not advanced", "task_id", task.TaskID, "error", err)
		return
	}
	slog.Debug("Schedule advanced",
		"task_id", task.TaskID,
		"next_utc", nextUTC,
		"next_local", nextLocal)
}

// Spawn creates the execution record and hands the run to a goroutine. It
// never blocks on the concurrency gate; the goroutine waits for its slot.
// Returns the new execution id.
func (s *Scheduler) Spawn(ctx context.Context, task *models.Task) (string, error) {
	executionID, err := randomHex(executionIDBytes)
	if err != nil {
		return "", fmt.Errorf("generate execution id: %w", err)
	}
	exec := &models.Execution{
		ExecutionID: executionID,
		TaskID:      task.TaskID,
		MandatePath: task.MandatePath,
		UserID:      task.UserID,
		CompanyID:   task.CompanyID,
		StartedAt:   s.now().UTC(),
		Status:      models.ExecutionRunning,
		LPTTasks:    make(map[string]*models.LPTRecord),
	}
	if err := s.execs.Create(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution record: %w", err)
	}

	// The run outlives the tick, and the RPC call for execute-now.
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, task, executionID)
	}()
	return executionID, nil
}

func (s *Scheduler) run(ctx context.Context, task *models.Task, executionID string) {
	select {
	case s.sem <- struct{}{}:
	case <-s.stopCh:
		slog.Warn("Shutdown before task run started, dropping execution",
			"task_id", task.TaskID,
			"execution_id", executionID)
		if err := s.execs.Delete(ctx, task.TaskID, executionID); err != nil {
			slog.Error("Unstarted execution not deleted",
				"task_id", task.TaskID,
				"execution_id", executionID,
				"error", err)
		}
		return
	}
	defer func() { <-s.sem }()

	outcome, err := s.runner.ExecuteTask(ctx, task, executionID)
	if err != nil {
		slog.Error("Task run failed",
			"task_id", task.TaskID,
			"execution_id", executionID,
			"error", err)
		return
	}
	slog.Info("Task run finished",
		"task_id", task.TaskID,
		"execution_id", executionID,
		"outcome", outcome.Kind)
}

// HandleFinalized retires run-once plans after their report landed on the
// parent task. Registered on the workflow executor. SCHEDULED tasks need
// nothing here; their trigger already advanced at spawn.
func (s *Scheduler) HandleFinalized(ctx context.Context, ref *models.ExecutionRef, report *models.ExecutionReport) {
	task, err := s.tasks.Get(ctx, ref.MandatePath, ref.TaskID)
	if errors.Is(err, docstore.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("Finalized task not loaded", "task_id", ref.TaskID, "error", err)
		return
	}
	if task.Plan != models.PlanOneTime && task.Plan != models.PlanNow {
		return
	}
	if task.Status == models.TaskCompleted {
		return
	}
	if err := s.tasks.Retire(ctx, ref.MandatePath, ref.TaskID, s.now().UTC()); err != nil {
		slog.Error("Run-once task not retired", "task_id", ref.TaskID, "error", err)
		return
	}
	if err := s.index.Delete(ctx, models.IndexSlug(ref.MandatePath, ref.TaskID)); err != nil {
		slog.Warn("Retired task's index entry not deleted", "task_id", ref.TaskID, "error", err)
	}
	slog.Info("Run-once task retired", "task_id", ref.TaskID, "status", report.Status)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
