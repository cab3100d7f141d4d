// Package workflow runs the agent turn loop: user message in, LLM turns and
// tool dispatches until the model stops, a long-process task suspends the
// thread, or TERMINATE_TASK closes an execution. Every invocation holds the
// thread's Brain for its whole duration, so one thread never runs two
// workflows at once.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/treufabrik/dirigent/pkg/brain"
	"github.com/treufabrik/dirigent/pkg/events"
	"github.com/treufabrik/dirigent/pkg/history"
	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/session"
	"github.com/treufabrik/dirigent/pkg/store"
	"github.com/treufabrik/dirigent/pkg/tools"
)

// ErrNotPaused means a resumption arrived for a thread that holds no pause
// marker. For chat-mode threads the marker is the only duplicate-callback
// gate, so the caller treats this as "already handled".
var ErrNotPaused = errors.New("workflow: thread not paused")

// Config tunes the executor.
type Config struct {
	// MaxTurns caps LLM round trips per invocation. <= 0 means 10.
	MaxTurns int
	// Model is stamped on completion metadata and events.
	Model string
}

// ConnectionChecker reports whether a live subscriber watches a pub/sub
// channel. Satisfied by *events.Hub.
type ConnectionChecker interface {
	IsConnected(ctx context.Context, channel string) bool
}

// ThreadArchive is the durable per-thread mirror in the document store.
// Satisfied by *docstore.ThreadRepo.
type ThreadArchive interface {
	EnsureThread(ctx context.Context, meta *models.ThreadMeta) (*models.ThreadMeta, error)
	SetActiveExecution(ctx context.Context, companyID, threadKey string, ref *models.ExecutionRef) error
	WriteMessage(ctx context.Context, companyID, threadKey string, msg *models.ChatMessage) error
}

// ExecutionStore is the slice of the execution repository the turn loop and
// the watchdog need. Satisfied by *docstore.ExecutionRepo.
type ExecutionStore interface {
	Get(ctx context.Context, taskID, executionID string) (*models.Execution, error)
	PutLPT(ctx context.Context, taskID, executionID string, record *models.LPTRecord) error
	Delete(ctx context.Context, taskID, executionID string) error
}

// ReportWriter promotes an execution report onto its parent task.
// Satisfied by *docstore.TaskRepo.
type ReportWriter interface {
	WriteReport(ctx context.Context, mandatePath, taskID string, report *models.ExecutionReport) error
}

// FinalizeHook observes executions whose report was durably written and
// whose record was closed. The scheduler retires run-once tasks from here.
type FinalizeHook func(ctx context.Context, ref *models.ExecutionRef, report *models.ExecutionReport)

// Deps wires the executor. Summarizer may be nil (no context compression),
// Conns may be nil (every turn runs headless), Threads may be nil (no
// document-store mirror). Executions and Tasks may be nil only when
// ExecuteTask is never called.
type Deps struct {
	LLM        llm.Client
	Brains     *brain.Cache
	Summarizer *brain.Summarizer
	History    *history.Manager
	Sessions   *session.Manager
	Registry   *tools.Registry
	Publisher  *events.Publisher
	Conns      ConnectionChecker
	KV         store.Store
	Threads    ThreadArchive
	Executions ExecutionStore
	Tasks      ReportWriter

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Executor drives workflows for all threads of this instance.
type Executor struct {
	cfg        Config
	llm        llm.Client
	brains     *brain.Cache
	summarizer *brain.Summarizer
	history    *history.Manager
	sessions   *session.Manager
	registry   *tools.Registry
	publisher  *events.Publisher
	conns      ConnectionChecker
	kv         store.Store
	threads    ThreadArchive
	executions ExecutionStore
	tasks      ReportWriter
	nowFn      func() time.Time

	onFinalized []FinalizeHook
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, deps Deps) *Executor {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		cfg:        cfg,
		llm:        deps.LLM,
		brains:     deps.Brains,
		summarizer: deps.Summarizer,
		history:    deps.History,
		sessions:   deps.Sessions,
		registry:   deps.Registry,
		publisher:  deps.Publisher,
		conns:      deps.Conns,
		kv:         deps.KV,
		threads:    deps.Threads,
		executions: deps.Executions,
		tasks:      deps.Tasks,
		nowFn:      now,
	}
}

// OnFinalized registers a finalization callback. Register during wiring,
// before the executor serves traffic.
func (e *Executor) OnFinalized(fn FinalizeHook) {
	e.onFinalized = append(e.onFinalized, fn)
}

func (e *Executor) now() time.Time { return e.nowFn() }

func (e *Executor) isConnected(ctx context.Context, channel string) bool {
	if e.conns == nil || e.publisher == nil {
		return false
	}
	return e.conns.IsConnected(ctx, channel)
}

// SendRequest is one chat message from a user.
type SendRequest struct {
	UserID    string
	CompanyID string
	ThreadKey string
	Message   string
	ChatMode  models.ChatMode
	// SystemPrompt overrides the mode template for this thread when set.
	SystemPrompt string
}

// Receipt is returned to the caller before the turn loop runs: where to
// subscribe and which message ids to watch.
type Receipt struct {
	WSChannel          string
	UserMessageID      int64
	AssistantMessageID int64
}

// SendMessage lands a user message and kicks off the turn loop in the
// background. The user message and the assistant placeholder are durable
// before this returns, so the receipt's ids are stable. A busy thread
// returns brain.ErrThreadBusy without touching history.
func (e *Executor) SendMessage(ctx context.Context, req *SendRequest) (*Receipt, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("workflow: empty message")
	}
	b, err := e.brains.Checkout(ctx, req.UserID, req.CompanyID, req.ThreadKey, req.ChatMode, false)
	if err != nil {
		return nil, err
	}
	if req.SystemPrompt != "" {
		b.SetSystemPrompt(req.SystemPrompt)
	}
	e.ensureThreadDoc(ctx, b)

	userMsg := &models.ChatMessage{Role: models.RoleUser, Content: req.Message}
	if err := e.persistMessage(ctx, b, userMsg); err != nil {
		e.brains.Release(b)
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	b.Append(*userMsg)

	placeholderID, err := e.history.AppendPlaceholder(ctx, b.UserID, b.CompanyID, b.ThreadKey)
	if err != nil {
		e.brains.Release(b)
		return nil, fmt.Errorf("create assistant placeholder: %w", err)
	}

	go e.runDetached(context.WithoutCancel(ctx), b, placeholderID)

	return &Receipt{
		WSChannel:          store.ThreadChannel(req.UserID, req.CompanyID, req.ThreadKey),
		UserMessageID:      userMsg.ID,
		AssistantMessageID: placeholderID,
	}, nil
}

// runDetached drives the turn loop after SendMessage already returned its
// receipt. The Brain stays checked out for the whole loop.
func (e *Executor) runDetached(ctx context.Context, b *brain.Brain, placeholderID int64) {
	defer e.brains.Release(b)
	out, err := e.run(ctx, b, placeholderID)
	if err != nil {
		slog.Error("Workflow run failed",
			"thread_key", b.ThreadKey,
			"user_id", b.UserID,
			"error", err)
		return
	}
	slog.Info("Workflow run finished",
		"thread_key", b.ThreadKey,
		"user_id", b.UserID,
		"outcome", out.Kind)
}

// ExecuteTask runs one task execution to its outcome: terminated, paused on
// an LPT, or out of turns. The thread key equals the task id, so every run
// of the task continues the same thread. The execution record must already
// exist; the caller owns its creation.
func (e *Executor) ExecuteTask(ctx context.Context, task *models.Task, executionID string) (*Outcome, error) {
	if e.executions == nil || e.tasks == nil {
		return nil, errors.New("workflow: executor has no execution store")
	}
	threadKey := task.TaskID
	b, err := e.brains.Checkout(ctx, task.UserID, task.CompanyID, threadKey, models.ModeTaskExecution, true)
	if err != nil {
		return nil, err
	}
	defer e.brains.Release(b)

	uc, err := e.sessions.UserContext(ctx, task.UserID, task.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("resolve user context: %w", err)
	}
	prompt := brain.BuildSystemPrompt(models.ModeTaskExecution, brain.PromptContext{
		User:       uc,
		Mission:    &task.Mission,
		LastReport: task.LastExecutionReport,
	})
	b.Rebind(models.ModeTaskExecution, prompt)

	ref := &models.ExecutionRef{MandatePath: task.MandatePath, TaskID: task.TaskID, ExecutionID: executionID}
	b.BindExecution(ref, &task.Mission)
	e.ensureThreadDoc(ctx, b)
	if e.threads != nil {
		if err := e.threads.SetActiveExecution(ctx, task.CompanyID, threadKey, ref); err != nil {
			slog.Warn("Active execution not recorded", "task_id", task.TaskID, "error", err)
		}
	}

	kickoff := &models.ChatMessage{Role: models.RoleUser, Content: missionMessage(&task.Mission)}
	if err := e.persistMessage(ctx, b, kickoff); err != nil {
		return nil, fmt.Errorf("persist kickoff message: %w", err)
	}
	b.Append(*kickoff)

	slog.Info("Task execution started",
		"task_id", task.TaskID,
		"execution_id", executionID,
		"user_id", task.UserID)
	return e.run(ctx, b, 0)
}

// Resumption is one LPT callback, or a watchdog timeout, to feed back into
// a paused thread.
type Resumption struct {
	UserID     string
	CompanyID  string
	ThreadKey  string
	LPTID      string
	Department string
	Response   *models.LPTResponse
	// Execution is non-nil when the pause belongs to a task execution; the
	// callback router resolves it from the lpt_tasks ledger.
	Execution *models.ExecutionRef
}

// Resume wakes a paused thread with the worker's verdict and runs the turn
// loop from there. The pause marker is claimed atomically, so concurrent
// resumptions of the same thread collapse to one: chat-mode threads have no
// other dedup and get ErrNotPaused when the marker is gone;
// execution-backed resumptions proceed without it because the caller
// already stamped the lpt_tasks ledger.
func (e *Executor) Resume(ctx context.Context, r *Resumption) (*Outcome, error) {
	b, err := e.brains.Checkout(ctx, r.UserID, r.CompanyID, r.ThreadKey, models.ModeLPTCallback, true)
	if err != nil {
		return nil, err
	}
	defer e.brains.Release(b)

	state, claimed := e.claimPause(ctx, r.CompanyID, r.ThreadKey)
	if !claimed && r.Execution == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotPaused, r.ThreadKey)
	}
	if !claimed {
		slog.Warn("Resuming without a pause marker",
			"thread_key", r.ThreadKey,
			"lpt_id", r.LPTID)
	} else if state.ExpectedLPT != "" && state.ExpectedLPT != r.LPTID {
		slog.Warn("Callback for an unexpected LPT",
			"thread_key", r.ThreadKey,
			"expected", state.ExpectedLPT,
			"lpt_id", r.LPTID)
	}

	if r.Execution != nil && b.Execution() == nil {
		b.BindExecution(r.Execution, nil)
	}

	cont := &models.ChatMessage{Role: models.RoleUser, Content: continuationMessage(r)}
	if err := e.persistMessage(ctx, b, cont); err != nil {
		return nil, fmt.Errorf("persist continuation message: %w", err)
	}
	b.Append(*cont)

	status := models.LPTStatus("")
	if r.Response != nil {
		status = r.Response.Status
	}
	slog.Info("Workflow resumed",
		"thread_key", r.ThreadKey,
		"lpt_id", r.LPTID,
		"status", status)
	return e.run(ctx, b, 0)
}

// run is the turn loop. placeholderID is the pre-created assistant
// placeholder for the first turn, 0 when none exists yet.
func (e *Executor) run(ctx context.Context, b *brain.Brain, placeholderID int64) (*Outcome, error) {
	uc, err := e.sessions.UserContext(ctx, b.UserID, b.CompanyID)
	if err != nil {
		if placeholderID != 0 {
			sink := &streamSink{
				exec:      e,
				b:         b,
				messageID: placeholderID,
				publish:   e.isConnected(ctx, store.ThreadChannel(b.UserID, b.CompanyID, b.ThreadKey)),
			}
			e.sealError(ctx, b, sink, err)
		}
		return nil, fmt.Errorf("resolve user context: %w", err)
	}
	defs := tools.AsLLMTools(e.registry.Bind(b.Mode(), b.Execution() != nil))

	var lastID int64
	for i := 1; i <= e.cfg.MaxTurns; i++ {
		if e.summarizer != nil {
			e.summarizer.MaybeCompress(ctx, b)
		}

		t, err := e.runTurn(ctx, b, defs, placeholderID)
		placeholderID = 0
		if errors.Is(err, ErrInterrupted) {
			var id int64
			if t != nil && t.msg != nil {
				id = t.msg.ID
			}
			return &Outcome{Kind: OutcomeEndTurn, AssistantMessageID: id}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		lastID = t.msg.ID

		if len(t.msg.ToolCalls) == 0 {
			e.announceComplete(ctx, b, t, "completed")
			return &Outcome{Kind: OutcomeEndTurn, AssistantMessageID: t.msg.ID}, nil
		}

		for _, call := range t.msg.ToolCalls {
			res := e.registry.Dispatch(ctx, &tools.Invocation{
				CallID:    call.CallID,
				Name:      call.Name,
				Args:      json.RawMessage(call.Arguments),
				User:      uc,
				ThreadKey: b.ThreadKey,
				Execution: b.Execution(),
			})
			e.recordToolResult(ctx, b, call, res)

			if res.LPTID != "" {
				e.persistPause(ctx, b, res.LPTID, res.Department)
				e.announceComplete(ctx, b, t, "paused_on_lpt")
				slog.Info("Workflow paused on LPT",
					"thread_key", b.ThreadKey,
					"lpt_id", res.LPTID,
					"department", res.Department)
				return &Outcome{Kind: OutcomePausedOnLPT, AssistantMessageID: t.msg.ID, LPTID: res.LPTID}, nil
			}
			if res.Terminated {
				report := e.finalize(ctx, b, res.Summary)
				e.announceComplete(ctx, b, t, "terminated")
				return &Outcome{Kind: OutcomeTerminated, AssistantMessageID: t.msg.ID, Report: report}, nil
			}
		}
		e.announceComplete(ctx, b, t, "completed")
	}

	slog.Warn("Turn limit reached",
		"thread_key", b.ThreadKey,
		"max_turns", e.cfg.MaxTurns)
	return &Outcome{Kind: OutcomeEndTurn, AssistantMessageID: lastID}, nil
}

// persistMessage appends msg to the hot history (assigning its id) and
// mirrors it into the document store.
func (e *Executor) persistMessage(ctx context.Context, b *brain.Brain, msg *models.ChatMessage) error {
	if err := e.history.Append(ctx, b.UserID, b.CompanyID, b.ThreadKey, msg); err != nil {
		return err
	}
	e.mirrorMessage(ctx, b, msg)
	return nil
}

// mirrorMessage writes the durable copy. The hot history stays
// authoritative for the session; a failed mirror is logged, not fatal.
func (e *Executor) mirrorMessage(ctx context.Context, b *brain.Brain, msg *models.ChatMessage) {
	if e.threads == nil {
		return
	}
	if err := e.threads.WriteMessage(ctx, b.CompanyID, b.ThreadKey, msg); err != nil {
		slog.Warn("Message not mirrored to document store",
			"thread_key", b.ThreadKey,
			"message_id", msg.ID,
			"error", err)
	}
}

func (e *Executor) ensureThreadDoc(ctx context.Context, b *brain.Brain) {
	if e.threads == nil {
		return
	}
	_, err := e.threads.EnsureThread(ctx, &models.ThreadMeta{
		ThreadKey: b.ThreadKey,
		UserID:    b.UserID,
		CompanyID: b.CompanyID,
		ChatMode:  b.Mode(),
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		slog.Warn("Thread document not ensured", "thread_key", b.ThreadKey, "error", err)
	}
}

// recordToolResult lands the tool result as a durable message and charges
// it to the Brain so the next turn sees it. A failed write is logged; the
// in-memory conversation still gets the result so the loop stays coherent.
func (e *Executor) recordToolResult(ctx context.Context, b *brain.Brain, call models.ToolCallMeta, res *tools.Result) {
	msg := &models.ChatMessage{
		Role:       models.RoleToolResult,
		Content:    res.Content,
		ToolCallID: call.CallID,
		ToolName:   call.Name,
	}
	if res.IsError {
		msg.Metadata = map[string]any{"is_error": true}
	}
	if err := e.persistMessage(ctx, b, msg); err != nil {
		slog.Error("Tool result not persisted",
			"thread_key", b.ThreadKey,
			"tool", call.Name,
			"error", err)
	}
	b.Append(*msg)
}

// finalize closes the thread's active execution: classify the checklist,
// write the report onto the parent task, then delete the execution record.
// The report write comes first so a crash between the two never loses it.
func (e *Executor) finalize(ctx context.Context, b *brain.Brain, summary string) *models.ExecutionReport {
	ref := b.Execution()
	if ref == nil || e.executions == nil || e.tasks == nil {
		return nil
	}
	exec, err := e.executions.Get(ctx, ref.TaskID, ref.ExecutionID)
	if err != nil {
		slog.Error("Execution not loaded for finalize",
			"task_id", ref.TaskID,
			"execution_id", ref.ExecutionID,
			"error", err)
		return nil
	}
	total, completed, errored := exec.Checklist.Stats()
	report := &models.ExecutionReport{
		ExecutionID:    ref.ExecutionID,
		Status:         classifyOutcome(total, completed, errored),
		StartedAt:      exec.StartedAt,
		CompletedAt:    e.now().UTC(),
		TotalSteps:     total,
		CompletedSteps: completed,
		ErroredSteps:   errored,
		Summary:        summary,
	}
	if exec.Checklist != nil {
		report.Steps = append(report.Steps, exec.Checklist.Steps...)
	}
	if err := e.tasks.WriteReport(ctx, ref.MandatePath, ref.TaskID, report); err != nil {
		slog.Error("Execution report not written, keeping execution record",
			"task_id", ref.TaskID,
			"execution_id", ref.ExecutionID,
			"error", err)
		return report
	}
	if err := e.executions.Delete(ctx, ref.TaskID, ref.ExecutionID); err != nil {
		slog.Warn("Finalized execution not deleted",
			"task_id", ref.TaskID,
			"execution_id", ref.ExecutionID,
			"error", err)
	}
	if e.threads != nil {
		if err := e.threads.SetActiveExecution(ctx, b.CompanyID, b.ThreadKey, nil); err != nil {
			slog.Warn("Active execution not cleared", "thread_key", b.ThreadKey, "error", err)
		}
	}
	b.ClearExecution()
	slog.Info("Task execution finalized",
		"task_id", ref.TaskID,
		"execution_id", ref.ExecutionID,
		"status", report.Status,
		"total_steps", total,
		"completed_steps", completed,
		"errored_steps", errored)
	for _, fn := range e.onFinalized {
		fn(ctx, ref, report)
	}
	return report
}

// classifyOutcome maps checklist stats to the execution status: everything
// terminal and clean is completed, any completed step is partial, none is
// failed. An empty checklist counts as completed; the model said it was
// done and there is nothing to contradict it.
func classifyOutcome(total, completed, errored int) models.ExecutionStatus {
	if completed == total && errored == 0 {
		return models.ExecutionCompleted
	}
	if completed > 0 {
		return models.ExecutionPartial
	}
	return models.ExecutionFailed
}

// missionMessage is the kickoff user message of a task execution.
func missionMessage(m *models.Mission) string {
	var sb strings.Builder
	sb.WriteString("Execute this task now: ")
	sb.WriteString(m.Title)
	if m.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(m.Description)
	}
	if m.Plan != "" {
		sb.WriteString("\n\nPlan:\n")
		sb.WriteString(m.Plan)
	}
	sb.WriteString("\n\nCreate a checklist with CREATE_CHECKLIST before doing anything else.")
	return sb.String()
}

// continuationMessage relays the worker's verdict back to the model. The
// execution variant front-loads the checklist bookkeeping the callback
// prompt demands.
func continuationMessage(r *Resumption) string {
	dept := r.Department
	if dept == "" {
		dept = "department"
	}
	status := models.LPTFailed
	if r.Response != nil {
		status = r.Response.Status
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "The %s worker reported back on long-process task %s with status %q.\n", dept, r.LPTID, status)
	if r.Response != nil {
		if v := r.Response.Summary(); v != "" {
			fmt.Fprintf(&sb, "Outcome: %s\n", v)
		}
	}
	sb.WriteString("\n")
	if r.Execution != nil {
		sb.WriteString("Update the checklist FIRST via UPDATE_STEP for the step this task belongs to, then decide: continue with the plan, adjust it, or call TERMINATE_TASK.")
	} else {
		sb.WriteString("Relay this outcome to the user and help with any follow-up.")
	}
	return sb.String()
}
