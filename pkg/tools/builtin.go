package tools

import (
	"context"
	"fmt"

	"github.com/treufabrik/dirigent/pkg/models"
)

type jobMetricsArgs struct {
	Metric string `json:"metric,omitempty" jsonschema:"description=Single metric to read; omit for the full snapshot"`
}

type searchDocumentsArgs struct {
	Query   string `json:"query" jsonschema:"required,description=Free-text search over document names and metadata"`
	DocType string `json:"doc_type,omitempty" jsonschema:"description=Restrict to one document type (invoice, statement, contract, ...)"`
	Limit   int    `json:"limit,omitempty" jsonschema:"description=Maximum results,default=20,minimum=1,maximum=100"`
}

type taskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task identifier"`
}

type updateTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task identifier"`
	TaskRequest
}

// taskSummary is the compact row GET_TASK_LIST returns per task.
type taskSummary struct {
	TaskID        string `json:"task_id"`
	Title         string `json:"title"`
	ExecutionPlan string `json:"execution_plan"`
	NextExecution string `json:"next_execution_local,omitempty"`
	Enabled       bool   `json:"enabled"`
	Status        string `json:"status"`
}

func (r *Registry) registerBuiltins() {
	r.register(&Definition{
		Name:        "GET_JOB_METRICS",
		Description: "Read the mandate's job metrics snapshot: open invoices, unposted documents, pending reconciliations and similar counters.",
		Kind:        KindSPT,
		InputSchema: mustSchema[jobMetricsArgs](),
		Handler:     r.handleGetJobMetrics,
	})
	r.register(&Definition{
		Name:        "SEARCH_DOCUMENTS",
		Description: "Search the mandate's document archive by free text, optionally filtered by document type.",
		Kind:        KindSPT,
		InputSchema: mustSchema[searchDocumentsArgs](),
		Handler:     r.handleSearchDocuments,
	})
	r.register(&Definition{
		Name:        "GET_TASK_LIST",
		Description: "List the scheduled and on-demand tasks configured for this mandate.",
		Kind:        KindSPT,
		InputSchema: mustSchema[struct{}](),
		Handler:     r.handleGetTaskList,
	})
	r.register(&Definition{
		Name:        "GET_TASK_DETAILS",
		Description: "Read one task in full, including its schedule and the report of its last execution.",
		Kind:        KindSPT,
		InputSchema: mustSchema[taskIDArgs](),
		Handler:     r.handleGetTaskDetails,
	})
	r.register(&Definition{
		Name:        "CREATE_TASK",
		Description: "Create a task. SCHEDULED tasks need frequency and time; ONE_TIME tasks fire once at the given time; ON_DEMAND tasks only run when asked.",
		Kind:        KindSPT,
		InputSchema: mustSchema[TaskRequest](),
		Handler:     r.handleCreateTask,
	})
	r.register(&Definition{
		Name:        "UPDATE_TASK",
		Description: "Update a task's mission or schedule. Fields not provided keep their current value.",
		Kind:        KindSPT,
		InputSchema: mustSchema[updateTaskArgs](),
		Handler:     r.handleUpdateTask,
	})
	r.register(&Definition{
		Name:        "DELETE_TASK",
		Description: "Delete a task and its schedule permanently.",
		Kind:        KindSPT,
		InputSchema: mustSchema[taskIDArgs](),
		Handler:     r.handleDeleteTask,
	})
}

func (r *Registry) handleGetJobMetrics(_ context.Context, inv *Invocation) (*Result, error) {
	args, err := decodeArgs[jobMetricsArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	metrics := inv.User.JobMetrics
	if len(metrics) == 0 {
		return &Result{Content: "no job metrics recorded for this mandate"}, nil
	}
	if args.Metric != "" {
		v, ok := metrics[args.Metric]
		if !ok {
			return errorResult("metric %q is not tracked for this mandate", args.Metric), nil
		}
		return jsonResult(map[string]any{args.Metric: v})
	}
	return jsonResult(metrics)
}

func (r *Registry) handleSearchDocuments(ctx context.Context, inv *Invocation) (*Result, error) {
	args, err := decodeArgs[searchDocumentsArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	if args.Query == "" {
		return errorResult("query is required"), nil
	}
	docs, err := r.deps.Documents.Search(ctx, inv.User.CompanyID, args.Query, args.DocType, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	if len(docs) == 0 {
		return &Result{Content: fmt.Sprintf("no documents match %q", args.Query)}, nil
	}
	return jsonResult(docs)
}

func (r *Registry) handleGetTaskList(ctx context.Context, inv *Invocation) (*Result, error) {
	tasks, err := r.deps.Tasks.List(ctx, inv.User)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return &Result{Content: "no tasks configured for this mandate"}, nil
	}
	rows := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		row := taskSummary{
			TaskID:        t.TaskID,
			Title:         t.Mission.Title,
			ExecutionPlan: string(t.Plan),
			Enabled:       t.Enabled,
			Status:        string(t.Status),
		}
		if t.Schedule != nil {
			row.NextExecution = t.Schedule.NextExecutionLocal
		}
		rows = append(rows, row)
	}
	return jsonResult(rows)
}

func (r *Registry) handleGetTaskDetails(ctx context.Context, inv *Invocation) (*Result, error) {
	args, err := decodeArgs[taskIDArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	task, err := r.deps.Tasks.Get(ctx, inv.User, args.TaskID)
	if err != nil {
		return errorResult("task %s: %v", args.TaskID, err), nil
	}
	return jsonResult(task)
}

func (r *Registry) handleCreateTask(ctx context.Context, inv *Invocation) (*Result, error) {
	req, err := decodeArgs[TaskRequest](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	task, err := r.deps.Tasks.Create(ctx, inv.User, req)
	if err != nil {
		return errorResult("create task: %v", err), nil
	}
	return jsonResult(map[string]any{
		"task_id":        task.TaskID,
		"status":         "created",
		"next_execution": nextExecutionLocal(task),
	})
}

func (r *Registry) handleUpdateTask(ctx context.Context, inv *Invocation) (*Result, error) {
	args, err := decodeArgs[updateTaskArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	task, err := r.deps.Tasks.Update(ctx, inv.User, args.TaskID, &args.TaskRequest)
	if err != nil {
		return errorResult("update task %s: %v", args.TaskID, err), nil
	}
	return jsonResult(map[string]any{
		"task_id":        task.TaskID,
		"status":         "updated",
		"next_execution": nextExecutionLocal(task),
	})
}

func (r *Registry) handleDeleteTask(ctx context.Context, inv *Invocation) (*Result, error) {
	args, err := decodeArgs[taskIDArgs](inv.Args)
	if err != nil {
		return errorResult("%v", err), nil
	}
	if err := r.deps.Tasks.Delete(ctx, inv.User, args.TaskID); err != nil {
		return errorResult("delete task %s: %v", args.TaskID, err), nil
	}
	return &Result{Content: fmt.Sprintf("task %s deleted", args.TaskID)}, nil
}

func nextExecutionLocal(t *models.Task) string {
	if t.Schedule == nil {
		return ""
	}
	return t.Schedule.NextExecutionLocal
}
