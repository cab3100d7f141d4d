package tools

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

// Department wire names. CollectionName on the envelope and the key into the
// worker endpoint map are the same string.
const (
	DeptAPBookkeeper = "apbookeeper"
	DeptRouter       = "router"
	DeptBanker       = "banker"
	DeptHRJobber     = "hr_jobber"
)

type lptArgs struct {
	Instructions string           `json:"instructions" jsonschema:"required,description=What the worker should do, in full sentences with all identifiers it needs"`
	JobsData     []map[string]any `json:"jobs_data,omitempty" jsonschema:"description=Structured job items the worker iterates over (one object per item)"`
	Settings     []map[string]any `json:"settings,omitempty" jsonschema:"description=Worker-specific settings objects"`
}

func (r *Registry) registerLPTTools() {
	r.register(&Definition{
		Name:        "LPT_APBOOKKEEPER",
		Description: "Hand accounts-payable work (invoice posting, vendor reconciliation, payment proposals) to the bookkeeping worker. Runs in the background; the result arrives later as a callback.",
		Kind:        KindLPT,
		InputSchema: mustSchema[lptArgs](),
		Handler:     r.lptHandler(DeptAPBookkeeper),
	})
	r.register(&Definition{
		Name:        "LPT_ROUTER",
		Description: "Hand document routing and classification work to the router worker. Runs in the background; the result arrives later as a callback.",
		Kind:        KindLPT,
		InputSchema: mustSchema[lptArgs](),
		Handler:     r.lptHandler(DeptRouter),
	})
	r.register(&Definition{
		Name:        "LPT_BANKER",
		Description: "Hand banking work (statement import, transaction matching, payment runs) to the banking worker. Runs in the background; the result arrives later as a callback.",
		Kind:        KindLPT,
		InputSchema: mustSchema[lptArgs](),
		Handler:     r.lptHandler(DeptBanker),
	})
	r.register(&Definition{
		Name:        "LPT_HR_JOBBER",
		Description: "Hand HR and payroll chores to the HR worker. Runs in the background; the result arrives later as a callback.",
		Kind:        KindLPT,
		InputSchema: mustSchema[lptArgs](),
		Handler:     r.lptHandler(DeptHRJobber),
	})
}

// lptHandler builds the submit handler for one department. All four LPT
// tools share this flow: build the envelope, POST it to the worker, record
// the handle on the execution's ledger, and report {status: submitted} so
// the executor pauses the workflow.
func (r *Registry) lptHandler(department string) Handler {
	return func(ctx context.Context, inv *Invocation) (*Result, error) {
		if r.deps.Worker == nil {
			return errorResult("no worker transport configured"), nil
		}
		args, err := decodeArgs[lptArgs](inv.Args)
		if err != nil {
			return errorResult("%v", err), nil
		}
		if args.Instructions == "" {
			return errorResult("instructions must not be empty"), nil
		}

		env := r.buildEnvelope(department, inv, args)

		// Submit before persisting the handle: a failed POST means nothing
		// is in flight, so the turn continues with an error result instead
		// of pausing on a callback that will never come.
		if err := r.deps.Worker.Submit(ctx, department, env); err != nil {
			slog.Error("LPT submit failed",
				"department", department,
				"lpt_id", env.BatchID,
				"thread_key", inv.ThreadKey,
				"error", err)
			return errorResult("submit to %s worker failed: %v", department, err), nil
		}

		stepID := r.recordHandle(ctx, inv, department, env)

		slog.Info("LPT submitted",
			"department", department,
			"lpt_id", env.BatchID,
			"thread_key", inv.ThreadKey,
			"step_id", stepID,
			"jobs", len(env.JobsData))

		res, err := jsonResult(map[string]any{
			"status":     "submitted",
			"lpt_id":     env.BatchID,
			"department": department,
		})
		if err != nil {
			return nil, err
		}
		res.LPTID = env.BatchID
		res.Department = department
		return res, nil
	}
}

func (r *Registry) buildEnvelope(department string, inv *Invocation, args *lptArgs) *models.LPTEnvelope {
	source := "chat"
	executionID := ""
	if inv.Execution != nil {
		source = "task_execution"
		executionID = inv.Execution.ExecutionID
	}
	return &models.LPTEnvelope{
		CollectionName: department,
		UserID:         inv.User.UserID,
		ClientUUID:     inv.User.CompanyID,
		MandatesPath:   inv.User.MandatePath,
		BatchID:        uuid.NewString(),
		JobsData:       args.JobsData,
		Settings:       args.Settings,
		Traceability: models.Traceability{
			ThreadKey:   inv.ThreadKey,
			ExecutionID: executionID,
			InitiatedAt: r.deps.now().UTC(),
			Source:      source,
		},
		PubSubID:          store.ThreadChannel(inv.User.UserID, inv.User.CompanyID, inv.ThreadKey),
		StartInstructions: args.Instructions,
	}
}

// recordHandle writes the submission into the execution's lpt_tasks ledger,
// keyed to the step currently in progress. Chat-mode submissions have no
// execution record; the callback router then falls back to the paused-state
// marker for idempotency. A persist failure after a successful POST is
// logged but does not undo the pause: the work is already in flight.
func (r *Registry) recordHandle(ctx context.Context, inv *Invocation, department string, env *models.LPTEnvelope) string {
	if inv.Execution == nil || r.deps.Executions == nil {
		return ""
	}
	ref := inv.Execution

	stepID := ""
	exec, err := r.deps.Executions.Get(ctx, ref.TaskID, ref.ExecutionID)
	if err != nil {
		slog.Warn("Execution not loaded for LPT handle",
			"execution_id", ref.ExecutionID,
			"lpt_id", env.BatchID,
			"error", err)
	} else if exec.Checklist != nil {
		for _, s := range exec.Checklist.Steps {
			if s.Status == models.StepInProgress {
				stepID = s.ID
				break
			}
		}
	}

	record := &models.LPTRecord{
		LPTID:     env.BatchID,
		TaskType:  department,
		Status:    "submitted",
		StepID:    stepID,
		CreatedAt: r.deps.now().UTC(),
		Submit:    env,
	}
	if err := r.deps.Executions.PutLPT(ctx, ref.TaskID, ref.ExecutionID, record); err != nil {
		slog.Error("LPT handle not persisted",
			"execution_id", ref.ExecutionID,
			"lpt_id", env.BatchID,
			"error", err)
	}
	return stepID
}
