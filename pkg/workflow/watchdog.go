package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

// Watchdog defaults, overridden from config.
const (
	DefaultLPTMaxWait       = 30 * time.Minute
	DefaultWatchdogInterval = 5 * time.Minute
)

// Watchdog sweeps the pause markers and force-resumes workflows whose LPT
// callback never came, feeding them a failed response so the model can
// update its checklist and wind the execution down instead of hanging
// forever.
type Watchdog struct {
	exec     *Executor
	kv       store.Store
	maxWait  time.Duration
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	nowFn    func() time.Time
}

// NewWatchdog creates a Watchdog over the executor's pause markers.
// maxWait and interval fall back to the defaults when <= 0.
func NewWatchdog(exec *Executor, kv store.Store, maxWait, interval time.Duration) *Watchdog {
	if maxWait <= 0 {
		maxWait = DefaultLPTMaxWait
	}
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		exec:     exec,
		kv:       kv,
		maxWait:  maxWait,
		interval: interval,
		stopCh:   make(chan struct{}),
		nowFn:    exec.now,
	}
}

// Start launches the sweep loop. One immediate sweep runs first so waits
// that expired while the service was down are picked up right away.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Sweep(ctx)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Sweep scans every pause marker and resumes the expired ones. Returns how
// many workflows it resumed.
func (w *Watchdog) Sweep(ctx context.Context) int {
	keys, err := w.kv.Scan(ctx, store.WorkflowStatePattern)
	if err != nil {
		slog.Error("Pause marker scan failed", "error", err)
		return 0
	}
	resumed := 0
	for _, key := range keys {
		state, ok := w.exec.peekPause(ctx, key)
		if !ok {
			continue
		}
		age := w.nowFn().Sub(state.PausedAt)
		if age < w.maxWait {
			continue
		}
		if w.resumeExpired(ctx, state, age) {
			resumed++
		}
	}
	if resumed > 0 {
		slog.Info("Watchdog sweep resumed expired waits", "resumed", resumed, "markers", len(keys))
	}
	return resumed
}

// resumeExpired feeds one overdue wait a synthetic timeout verdict.
// Execution-backed waits stamp the lpt_tasks ledger first; when the ledger
// already holds a terminal response a real callback is mid-flight and the
// marker is left for it to claim.
func (w *Watchdog) resumeExpired(ctx context.Context, state *PausedState, age time.Duration) bool {
	pc := state.Context
	if pc.Execution != nil && !w.stampTimeout(ctx, state) {
		return false
	}
	slog.Warn("LPT callback overdue, resuming with timeout",
		"thread_key", pc.ThreadKey,
		"lpt_id", state.ExpectedLPT,
		"waited", age)
	_, err := w.exec.Resume(ctx, &Resumption{
		UserID:     pc.UserID,
		CompanyID:  pc.CompanyID,
		ThreadKey:  pc.ThreadKey,
		LPTID:      state.ExpectedLPT,
		Department: pc.Department,
		Response:   &models.LPTResponse{Status: models.LPTFailed, Error: "timeout"},
		Execution:  pc.Execution,
	})
	if errors.Is(err, ErrNotPaused) {
		// A real callback claimed the marker between peek and resume.
		return false
	}
	if err != nil {
		slog.Error("Timeout resumption failed",
			"thread_key", pc.ThreadKey,
			"lpt_id", state.ExpectedLPT,
			"error", err)
		return false
	}
	return true
}

// stampTimeout marks the overdue submission failed in the execution's
// lpt_tasks ledger so a late real callback dedups against it. Returns false
// when the resumption must not proceed.
func (w *Watchdog) stampTimeout(ctx context.Context, state *PausedState) bool {
	ref := state.Context.Execution
	if w.exec.executions == nil {
		return true
	}
	exec, err := w.exec.executions.Get(ctx, ref.TaskID, ref.ExecutionID)
	if err != nil {
		slog.Error("Execution not loaded for timeout",
			"task_id", ref.TaskID,
			"execution_id", ref.ExecutionID,
			"error", err)
		return false
	}
	record := exec.LPTTasks[state.ExpectedLPT]
	if record == nil {
		record = &models.LPTRecord{LPTID: state.ExpectedLPT, CreatedAt: state.PausedAt}
	}
	if record.Response != nil && models.LPTStatus(record.Status).Valid() {
		slog.Info("Overdue LPT already settled in the ledger, leaving the marker",
			"thread_key", state.Context.ThreadKey,
			"lpt_id", state.ExpectedLPT)
		return false
	}
	now := w.nowFn().UTC()
	record.Status = string(models.LPTFailed)
	record.Response = &models.LPTResponse{Status: models.LPTFailed, Error: "timeout"}
	record.CompletedAt = &now
	if err := w.exec.executions.PutLPT(ctx, ref.TaskID, ref.ExecutionID, record); err != nil {
		slog.Error("Timeout not recorded in LPT ledger",
			"task_id", ref.TaskID,
			"lpt_id", state.ExpectedLPT,
			"error", err)
		return false
	}
	return true
}
