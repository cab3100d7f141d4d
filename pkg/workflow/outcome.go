package workflow

import "github.com/treufabrik/dirigent/pkg/models"

// OutcomeKind discriminates the terminal state of one workflow invocation.
type OutcomeKind string

const (
	// OutcomeEndTurn means the model finished without requesting more work.
	OutcomeEndTurn OutcomeKind = "end_turn"
	// OutcomePausedOnLPT means a long-process task was submitted and the
	// workflow is suspended until the worker's callback (or the watchdog).
	OutcomePausedOnLPT OutcomeKind = "paused_on_lpt"
	// OutcomeTerminated means TERMINATE_TASK was called.
	OutcomeTerminated OutcomeKind = "terminated"
)

// Outcome is how a workflow invocation ended. Callers switch on Kind; the
// payload fields are set per kind.
type Outcome struct {
	Kind OutcomeKind

	// AssistantMessageID is the durable id of the invocation's last
	// assistant message, or 0 when it produced none.
	AssistantMessageID int64

	// LPTID identifies the submission the workflow paused on.
	// Set when Kind is OutcomePausedOnLPT.
	LPTID string

	// Report is the finalization report written to the parent task.
	// Set when Kind is OutcomeTerminated inside a task execution; nil when
	// TERMINATE_TASK was called outside one.
	Report *models.ExecutionReport
}
