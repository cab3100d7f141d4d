package models

import "time"

// ExecutionStatus is the lifecycle state of a task execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPartial   ExecutionStatus = "partial"
)

// StepStatus is the state of one checklist step. Transitions respect the
// partial order pending → in_progress → {completed, error}; a step never
// regresses and never moves between terminal states.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepInProgress:
		return 1
	case StepCompleted, StepError:
		return 2
	}
	return -1
}

// Terminal reports whether the status is completed or error.
func (s StepStatus) Terminal() bool { return s == StepCompleted || s == StepError }

// CanTransitionTo reports whether a step may move from s to next.
// Re-applying the current status is allowed so repeated writes converge.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	if next.rank() < 0 {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ChecklistStep is one named unit of progress inside an execution.
type ChecklistStep struct {
	ID        string     `bson:"id" json:"id"`
	Name      string     `bson:"name" json:"name"`
	Status    StepStatus `bson:"status" json:"status"`
	Timestamp time.Time  `bson:"timestamp" json:"timestamp"`
	Message   string     `bson:"message,omitempty" json:"message,omitempty"`
}

// Checklist tracks the agent's plan through an execution.
type Checklist struct {
	TotalSteps  int             `bson:"total_steps" json:"total_steps"`
	CurrentStep int             `bson:"current_step" json:"current_step"`
	Steps       []ChecklistStep `bson:"steps" json:"steps"`
}

// Step returns the step with the given id, or nil.
func (c *Checklist) Step(id string) *ChecklistStep {
	if c == nil {
		return nil
	}
	for i := range c.Steps {
		if c.Steps[i].ID == id {
			return &c.Steps[i]
		}
	}
	return nil
}

// Stats counts steps by terminal outcome.
func (c *Checklist) Stats() (total, completed, errored int) {
	if c == nil {
		return 0, 0, 0
	}
	total = len(c.Steps)
	for _, s := range c.Steps {
		switch s.Status {
		case StepCompleted:
			completed++
		case StepError:
			errored++
		}
	}
	return total, completed, errored
}

// LPTRecord is the per-submission entry in an execution's lpt_tasks ledger.
// A non-nil Response with a terminal status makes any further callback for
// the same LPT id an idempotent no-op.
type LPTRecord struct {
	LPTID     string       `bson:"lpt_id" json:"lpt_id"`
	TaskType  string       `bson:"task_type" json:"task_type"`
	Status    string       `bson:"status" json:"status"` // submitted | completed | failed | partial
	StepID    string       `bson:"step_id,omitempty" json:"step_id,omitempty"`
	CreatedAt time.Time    `bson:"created_at" json:"created_at"`
	Submit    *LPTEnvelope `bson:"submit,omitempty" json:"submit,omitempty"`
	Response  *LPTResponse `bson:"response,omitempty" json:"response,omitempty"`

	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Execution is one concrete run of a Task. Ephemeral: created when the
// trigger fires, deleted on finalize after its report is promoted to the
// parent task's last_execution_report. Its thread key equals the task id so
// chat history persists across runs.
type Execution struct {
	ExecutionID string          `bson:"execution_id" json:"execution_id"`
	TaskID      string          `bson:"task_id" json:"task_id"`
	MandatePath string          `bson:"mandate_path" json:"mandate_path"`
	UserID      string          `bson:"user_id" json:"user_id"`
	CompanyID   string          `bson:"company_id" json:"company_id"`
	StartedAt   time.Time       `bson:"started_at" json:"started_at"`
	Status      ExecutionStatus `bson:"status" json:"status"`

	Checklist *Checklist            `bson:"checklist,omitempty" json:"checklist,omitempty"`
	LPTTasks  map[string]*LPTRecord `bson:"lpt_tasks,omitempty" json:"lpt_tasks,omitempty"`
}

// ExecutionReport is the structured summary written to the parent task when
// an execution finalizes.
type ExecutionReport struct {
	ExecutionID    string          `bson:"execution_id" json:"execution_id"`
	Status         ExecutionStatus `bson:"status" json:"status"`
	StartedAt      time.Time       `bson:"started_at" json:"started_at"`
	CompletedAt    time.Time       `bson:"completed_at" json:"completed_at"`
	TotalSteps     int             `bson:"total_steps" json:"total_steps"`
	CompletedSteps int             `bson:"completed_steps" json:"completed_steps"`
	ErroredSteps   int             `bson:"errored_steps" json:"errored_steps"`
	Summary        string          `bson:"summary,omitempty" json:"summary,omitempty"`
	Steps          []ChecklistStep `bson:"steps,omitempty" json:"steps,omitempty"`
}
