package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/treufabrik/dirigent/pkg/docstore"
	"github.com/treufabrik/dirigent/pkg/events"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/workflow"
)

// callbackAck is the POST /lpt/callback response body.
type callbackAck struct {
	OK      bool   `json:"ok"`
	Ignored string `json:"ignored,omitempty"`
}

// lptCallbackHandler receives a worker's terminal verdict for one LPT and
// wakes the paused workflow exactly once. The same lpt id arriving twice
// must never double-resume: execution-backed callbacks dedup through the
// lpt_tasks ledger, chat-mode ones through the pause marker.
func (s *Server) lptCallbackHandler(c *echo.Context) error {
	if !s.callbackAuthorized(c) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid callback token")
	}

	var env models.LPTEnvelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed callback body")
	}
	if env.Traceability.ThreadKey == "" || env.LPTID() == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "callback must carry traceability.thread_key and batch_id")
	}
	if env.Response == nil || !env.Response.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "callback must carry a terminal response status")
	}

	if env.Traceability.ExecutionID != "" {
		return s.settleExecutionCallback(c, &env)
	}
	return s.settleChatCallback(c, &env)
}

// callbackAuthorized checks the shared bearer token. An unset token
// rejects every callback rather than accepting anonymous ones.
func (s *Server) callbackAuthorized(c *echo.Context) bool {
	if s.callbackToken == "" {
		return false
	}
	auth := c.Request().Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.callbackToken)) == 1
}

// settleExecutionCallback handles a callback for a task execution: stamp
// the lpt_tasks ledger (the idempotency claim), move the checklist step,
// mirror it to the UI, then resume the workflow off the request goroutine.
func (s *Server) settleExecutionCallback(c *echo.Context, env *models.LPTEnvelope) error {
	ctx := c.Request().Context()
	// Execution threads run under the task id.
	taskID := env.Traceability.ThreadKey
	lptID := env.LPTID()

	exec, err := s.deps.Executions.FindByLPT(ctx, taskID, lptID)
	if errors.Is(err, docstore.ErrNotFound) {
		// The submit handle may never have reached the ledger; the
		// execution named in the traceability block is the fallback route.
		exec, err = s.deps.Executions.Get(ctx, taskID, env.Traceability.ExecutionID)
	}
	if errors.Is(err, docstore.ErrNotFound) {
		// Finalized and deleted: the run already ended, through the
		// watchdog timeout or an earlier delivery of this verdict.
		slog.Warn("Callback for a finished execution, ignoring",
			"task_id", taskID,
			"lpt_id", lptID,
			"execution_id", env.Traceability.ExecutionID)
		return c.JSON(http.StatusOK, &callbackAck{OK: true, Ignored: "duplicate"})
	}
	if err != nil {
		slog.Error("Execution lookup failed for callback",
			"task_id", taskID,
			"lpt_id", lptID,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "execution lookup failed")
	}

	record := exec.LPTTasks[lptID]
	if record == nil {
		record = &models.LPTRecord{
			LPTID:     lptID,
			TaskType:  env.CollectionName,
			CreatedAt: env.Traceability.InitiatedAt,
		}
	}
	if record.Response != nil && models.LPTStatus(record.Status).Valid() {
		slog.Info("Duplicate LPT callback dropped",
			"task_id", taskID,
			"lpt_id", lptID,
			"status", record.Status)
		return c.JSON(http.StatusOK, &callbackAck{OK: true, Ignored: "duplicate"})
	}

	completedAt := env.CompletedAt
	if completedAt == nil {
		now := s.nowFn().UTC()
		completedAt = &now
	}
	record.Status = string(env.Response.Status)
	record.Response = env.Response
	record.CompletedAt = completedAt
	if err := s.deps.Executions.PutLPT(ctx, taskID, exec.ExecutionID, record); err != nil {
		// The ledger stamp is the dedup claim; resuming without it would
		// let a worker retry double-resume. A 500 makes the worker retry.
		slog.Error("LPT verdict not recorded",
			"task_id", taskID,
			"lpt_id", lptID,
			"error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "verdict not recorded")
	}

	s.settleStep(ctx, exec, record, env.Response)

	s.dispatchResume(ctx, &workflow.Resumption{
		UserID:     exec.UserID,
		CompanyID:  exec.CompanyID,
		ThreadKey:  taskID,
		LPTID:      lptID,
		Department: env.CollectionName,
		Response:   env.Response,
		Execution: &models.ExecutionRef{
			MandatePath: exec.MandatePath,
			TaskID:      exec.TaskID,
			ExecutionID: exec.ExecutionID,
		},
	})
	return c.JSON(http.StatusOK, &callbackAck{OK: true})
}

// settleChatCallback handles a callback for a chat-mode thread. There is
// no ledger; a missing or superseded pause marker means the verdict
// already landed, so the callback is acknowledged without a resume.
func (s *Server) settleChatCallback(c *echo.Context, env *models.LPTEnvelope) error {
	ctx := c.Request().Context()
	threadKey := env.Traceability.ThreadKey
	lptID := env.LPTID()

	state, waiting := s.deps.Workflow.Paused(ctx, env.ClientUUID, threadKey)
	if !waiting {
		slog.Info("Callback for a thread that is not paused, ignoring",
			"thread_key", threadKey,
			"lpt_id", lptID)
		return c.JSON(http.StatusOK, &callbackAck{OK: true, Ignored: "duplicate"})
	}
	if state.ExpectedLPT != "" && state.ExpectedLPT != lptID {
		slog.Warn("Callback for a superseded LPT, ignoring",
			"thread_key", threadKey,
			"expected", state.ExpectedLPT,
			"lpt_id", lptID)
		return c.JSON(http.StatusOK, &callbackAck{OK: true, Ignored: "duplicate"})
	}

	s.dispatchResume(ctx, &workflow.Resumption{
		UserID:     env.UserID,
		CompanyID:  env.ClientUUID,
		ThreadKey:  threadKey,
		LPTID:      lptID,
		Department: env.CollectionName,
		Response:   env.Response,
	})
	return c.JSON(http.StatusOK, &callbackAck{OK: true})
}

// settleStep moves the submission's checklist step to its terminal status
// and mirrors the update on the thread channel before the resume runs, so
// a connected UI sees the step settle ahead of the continuation stream.
// Best-effort: the ledger already carries the verdict.
func (s *Server) settleStep(ctx context.Context, exec *models.Execution, record *models.LPTRecord, resp *models.LPTResponse) {
	if record.StepID == "" || exec.Checklist == nil {
		return
	}
	step := exec.Checklist.Step(record.StepID)
	if step == nil {
		return
	}
	next := models.StepError
	if resp.Status == models.LPTCompleted {
		next = models.StepCompleted
	}
	if !step.Status.CanTransitionTo(next) {
		return
	}
	step.Status = next
	step.Message = resp.Summary()
	step.Timestamp = s.nowFn().UTC()
	if err := s.deps.Executions.UpdateChecklist(ctx, exec.TaskID, exec.ExecutionID, exec.Checklist); err != nil {
		slog.Warn("Checklist step not persisted from callback",
			"execution_id", exec.ExecutionID,
			"step_id", step.ID,
			"error", err)
		return
	}
	if s.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"command":      "UPDATE_STEP_STATUS",
		"task_id":      exec.TaskID,
		"execution_id": exec.ExecutionID,
		"step":         step,
	}
	if err := s.deps.Publisher.PublishCommand(ctx, exec.UserID, exec.CompanyID, exec.TaskID,
		events.EventWorkflowChecklist, payload); err != nil {
		slog.Warn("Checklist update not mirrored",
			"execution_id", exec.ExecutionID,
			"error", err)
	}
}

// dispatchResume runs the resumption off the request goroutine: the worker
// only needs the ack, not the whole resumed turn. Races between duplicate
// dispatchers collapse inside Resume's atomic pause claim.
func (s *Server) dispatchResume(ctx context.Context, r *workflow.Resumption) {
	runCtx := context.WithoutCancel(ctx)
	go func() {
		_, err := s.deps.Workflow.Resume(runCtx, r)
		if errors.Is(err, workflow.ErrNotPaused) {
			slog.Info("Resume skipped, thread no longer paused",
				"thread_key", r.ThreadKey,
				"lpt_id", r.LPTID)
			return
		}
		if err != nil {
			slog.Error("Callback resumption failed",
				"thread_key", r.ThreadKey,
				"lpt_id", r.LPTID,
				"error", err)
		}
	}()
}
