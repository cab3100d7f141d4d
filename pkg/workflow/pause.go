package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/treufabrik/dirigent/pkg/brain"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

// StatusWaitingLPT is the only status a pause marker carries.
const StatusWaitingLPT = "waiting_lpt"

// PausedState is the workflow_state:{company}:{thread} marker written when a
// workflow suspends on an LPT submission. The callback router and the
// watchdog read it; resumption claims (deletes) it.
type PausedState struct {
	Status      string       `json:"status"`
	ExpectedLPT string       `json:"expected_lpt"`
	PausedAt    time.Time    `json:"paused_at"`
	Context     PauseContext `json:"context"`
}

// PauseContext is everything a resumption needs to rebuild the thread on an
// instance that never saw the original workflow.
type PauseContext struct {
	UserID     string               `json:"user_id"`
	CompanyID  string               `json:"company_id"`
	ThreadKey  string               `json:"thread_key"`
	ChatMode   models.ChatMode      `json:"chat_mode"`
	Department string               `json:"department,omitempty"`
	Execution  *models.ExecutionRef `json:"execution,omitempty"`
}

// persistPause writes the pause marker. The marker carries no TTL: resumption
// or the watchdog removes it. A failed write is logged loudly because it
// blinds the watchdog to this wait; the pause itself stands either way, the
// submission is already in flight.
func (e *Executor) persistPause(ctx context.Context, b *brain.Brain, lptID, department string) {
	state := &PausedState{
		Status:      StatusWaitingLPT,
		ExpectedLPT: lptID,
		PausedAt:    e.now().UTC(),
		Context: PauseContext{
			UserID:     b.UserID,
			CompanyID:  b.CompanyID,
			ThreadKey:  b.ThreadKey,
			ChatMode:   b.Mode(),
			Department: department,
			Execution:  b.Execution(),
		},
	}
	data, err := json.Marshal(state)
	if err != nil {
		slog.Error("Pause marker not encoded", "thread_key", b.ThreadKey, "error", err)
		return
	}
	key := store.WorkflowStateKey(b.CompanyID, b.ThreadKey)
	if err := e.kv.Set(ctx, key, data, 0); err != nil {
		slog.Error("Pause marker not persisted, watchdog cannot see this wait",
			"key", key,
			"lpt_id", lptID,
			"error", err)
	}
}

// claimPause atomically takes ownership of the thread's pause marker.
// Compare-and-delete: when a callback and the watchdog race, exactly one
// caller claims the marker and the other backs off. Returns the decoded
// state and whether this caller won it.
func (e *Executor) claimPause(ctx context.Context, companyID, threadKey string) (*PausedState, bool) {
	key := store.WorkflowStateKey(companyID, threadKey)
	data, ok := e.kv.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var state PausedState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Error("Corrupt pause marker, dropping", "key", key, "error", err)
		_ = e.kv.Del(ctx, key)
		return nil, false
	}
	if !e.kv.DelIfEquals(ctx, key, data) {
		return nil, false
	}
	return &state, true
}

// Paused reads the thread's pause marker without claiming it. The callback
// router uses it to answer duplicate callbacks on chat-mode threads, which
// have no lpt_tasks ledger to consult.
func (e *Executor) Paused(ctx context.Context, companyID, threadKey string) (*PausedState, bool) {
	return e.peekPause(ctx, store.WorkflowStateKey(companyID, threadKey))
}

// peekPause reads the marker without claiming it. The watchdog uses it to
// decide which waits expired before touching anything.
func (e *Executor) peekPause(ctx context.Context, key string) (*PausedState, bool) {
	data, ok := e.kv.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var state PausedState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Error("Corrupt pause marker, dropping", "key", key, "error", err)
		_ = e.kv.Del(ctx, key)
		return nil, false
	}
	return &state, true
}
