package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/treufabrik/dirigent/pkg/models"
)

type createChecklistArgs struct {
	Steps []string `json:"steps" jsonschema:"required,description=Ordered step names covering the whole mission"`
}

type updateStepArgs struct {
	StepID  string `json:"step_id" jsonschema:"required,description=Checklist step id (step_1, step_2, ...)"`
	Status  string `json:"status" jsonschema:"required,enum=in_progress,enum=completed,enum=error,description=New step status"`
	Message string `json:"message,omitempty" jsonschema:"description=Short human-readable outcome or progress note"`
}

type terminateTaskArgs struct {
	Summary string `json:"summary,omitempty" jsonschema:"description=Closing summary of what was accomplished and what failed"`
}

func (r *Registry) registerChecklistTools() {
	r.register(&Definition{
		Name:        "CREATE_CHECKLIST",
		Description: "Create the execution checklist. Call exactly once per task execution, before starting work.",
		Kind:        KindSPT,
		InputSchema: mustSchema[createChecklistArgs](),
		Handler:     r.handleCreateChecklist,
	})
	r.register(&Definition{
		Name:        "UPDATE_STEP",
		Description: "Set a checklist step's status. Steps move pending → in_progress → completed or error; they never move backward.",
		Kind:        KindSPT,
		InputSchema: mustSchema[updateStepArgs](),
		Handler:     r.handleUpdateStep,
	})
	r.register(&Definition{
		Name:        "TERMINATE_TASK",
		Description: "End the current task execution. Call when every step is terminal or no further progress is possible.",
		Kind:        KindSPT,
		InputSchema: mustSchema[terminateTaskArgs](),
		Handler:     r.handleTerminateTask,
	})
}

func (r *Registry) handleCreateChecklist(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Execution == nil {
		return errorResult("no active task execution on this thread"), nil
	}
	args, err := decodeArgs[createChecklistArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	if len(args.Steps) == 0 {
		return errorResult("steps must not be empty"), nil
	}

	now := r.deps.now().UTC()
	checklist := &models.Checklist{
		TotalSteps:  len(args.Steps),
		CurrentStep: 0,
		Steps:       make([]models.ChecklistStep, 0, len(args.Steps)),
	}
	for i, name := range args.Steps {
		checklist.Steps = append(checklist.Steps, models.ChecklistStep{
			ID:        fmt.Sprintf("step_%d", i+1),
			Name:      name,
			Status:    models.StepPending,
			Timestamp: now,
		})
	}

	ref := inv.Execution
	if err := r.deps.Executions.UpdateChecklist(ctx, ref.TaskID, ref.ExecutionID, checklist); err != nil {
		return nil, fmt.Errorf("persist checklist: %w", err)
	}
	r.publishChecklist(ctx, inv, map[string]any{
		"command":      "CREATE_CHECKLIST",
		"task_id":      ref.TaskID,
		"execution_id": ref.ExecutionID,
		"checklist":    checklist,
	})
	return &Result{Content: fmt.Sprintf("checklist created with %d steps", len(checklist.Steps))}, nil
}

func (r *Registry) handleUpdateStep(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Execution == nil {
		return errorResult("no active task execution on this thread"), nil
	}
	args, err := decodeArgs[updateStepArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	next := models.StepStatus(args.Status)

	ref := inv.Execution
	exec, err := r.deps.Executions.Get(ctx, ref.TaskID, ref.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", ref.ExecutionID, err)
	}
	step := exec.Checklist.Step(args.StepID)
	if step == nil {
		return errorResult("unknown step %q", args.StepID), nil
	}
	if !step.Status.CanTransitionTo(next) {
		return errorResult("step %s cannot move from %s to %s", args.StepID, step.Status, next), nil
	}

	step.Status = next
	step.Message = args.Message
	step.Timestamp = r.deps.now().UTC()
	if err := r.deps.Executions.UpdateChecklist(ctx, ref.TaskID, ref.ExecutionID, exec.Checklist); err != nil {
		return nil, fmt.Errorf("persist checklist: %w", err)
	}
	r.publishChecklist(ctx, inv, map[string]any{
		"command":      "UPDATE_STEP_STATUS",
		"task_id":      ref.TaskID,
		"execution_id": ref.ExecutionID,
		"step":         step,
	})
	return &Result{Content: fmt.Sprintf("step %s set to %s", args.StepID, next)}, nil
}

func (r *Registry) handleTerminateTask(_ context.Context, inv *Invocation) (*Result, error) {
	args, err := decodeArgs[terminateTaskArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	content := "task execution terminated"
	if inv.Execution == nil {
		content = "terminated"
	}
	return &Result{Content: content, Terminated: true, Summary: args.Summary}, nil
}

// publishChecklist mirrors a checklist command onto the thread channel.
// Best-effort: the durable write already happened; a lost UI event is
// recovered on the next full load.
func (r *Registry) publishChecklist(ctx context.Context, inv *Invocation, payload map[string]any) {
	if r.deps.Publisher == nil {
		return
	}
	err := r.deps.Publisher.PublishCommand(ctx,
		inv.User.UserID, inv.User.CompanyID, inv.ThreadKey,
		"WORKFLOW_CHECKLIST", payload)
	if err != nil {
		slog.Warn("Checklist command not published",
			"thread_key", inv.ThreadKey,
			"error", err)
	}
}
