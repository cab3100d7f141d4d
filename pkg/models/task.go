package models

import (
	"strings"
	"time"
)

// ExecutionPlan classifies how a task is triggered.
type ExecutionPlan string

const (
	PlanScheduled ExecutionPlan = "SCHEDULED"
	PlanOneTime   ExecutionPlan = "ONE_TIME"
	PlanOnDemand  ExecutionPlan = "ON_DEMAND"
	PlanNow       ExecutionPlan = "NOW"
)

// Valid reports whether the plan is one of the known execution plans.
func (p ExecutionPlan) Valid() bool {
	switch p {
	case PlanScheduled, PlanOneTime, PlanOnDemand, PlanNow:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// Mission is what the task is asked to accomplish. ApprovalRequired is a
// frontend render hint carried opaquely; the core never reads it.
type Mission struct {
	Title            string `bson:"title" json:"title"`
	Description      string `bson:"description" json:"description"`
	Plan             string `bson:"plan,omitempty" json:"plan,omitempty"`
	ApprovalRequired bool   `bson:"approval_required,omitempty" json:"approval_required,omitempty"`
}

// Schedule holds the firing rule of a SCHEDULED (or ONE_TIME) task.
// NextExecutionUTC is the canonical trigger time; NextExecutionLocal is a
// display mirror in the task's timezone.
type Schedule struct {
	CronExpr   string `bson:"cron_expr" json:"cron_expr"` // 5-field cron
	Frequency  string `bson:"frequency" json:"frequency"` // daily | weekly | monthly
	DayOfWeek  int    `bson:"day_of_week,omitempty" json:"day_of_week,omitempty"`   // 0=Sunday, weekly only
	DayOfMonth int    `bson:"day_of_month,omitempty" json:"day_of_month,omitempty"` // monthly only
	Time       string `bson:"time" json:"time"`         // HH:MM in Timezone
	Timezone   string `bson:"timezone" json:"timezone"` // IANA name

	NextExecutionUTC   time.Time `bson:"next_execution_utc" json:"next_execution_utc"`
	NextExecutionLocal string    `bson:"next_execution_local_time" json:"next_execution_local_time"`
}

// Task is the durable unit of scheduled work, stored at
// {mandate_path}/tasks/{task_id} in the document store.
type Task struct {
	TaskID      string        `bson:"task_id" json:"task_id"`
	MandatePath string        `bson:"mandate_path" json:"mandate_path"`
	UserID      string        `bson:"user_id" json:"user_id"`
	CompanyID   string        `bson:"company_id" json:"company_id"`
	Plan        ExecutionPlan `bson:"execution_plan" json:"execution_plan"`
	Mission     Mission       `bson:"mission" json:"mission"`
	Schedule    *Schedule     `bson:"schedule,omitempty" json:"schedule,omitempty"`
	Status      TaskStatus    `bson:"status" json:"status"`
	Enabled     bool          `bson:"enabled" json:"enabled"`

	ExecutionCount      int              `bson:"execution_count" json:"execution_count"`
	LastExecutionReport *ExecutionReport `bson:"last_execution_report,omitempty" json:"last_execution_report,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// SchedulerIndexEntry mirrors a task's trigger time under /scheduled_tasks
// so the tick query never scans the task collections. Every active
// SCHEDULED/ONE_TIME task owns exactly one entry.
type SchedulerIndexEntry struct {
	SlugID           string    `bson:"slug_id" json:"slug_id"` // slug(mandate_path)_task_id
	MandatePath      string    `bson:"mandate_path" json:"mandate_path"`
	TaskID           string    `bson:"task_id" json:"task_id"`
	NextExecutionUTC time.Time `bson:"next_execution_utc" json:"next_execution_utc"`
	Enabled          bool      `bson:"enabled" json:"enabled"`
}

// IndexSlug derives the scheduler index id for a task.
// Mandate paths contain '/' separators; the slug flattens them.
func IndexSlug(mandatePath, taskID string) string {
	slug := strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(mandatePath)
	return slug + "_" + taskID
}
