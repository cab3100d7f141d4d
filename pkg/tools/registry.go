package tools

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/treufabrik/dirigent/pkg/models"
)

// DocumentSearcher is the docstore slice SEARCH_DOCUMENTS needs.
// *docstore.DocumentRepo satisfies it.
type DocumentSearcher interface {
	Search(ctx context.Context, companyID, query, docType string, limit int) ([]models.Document, error)
}

// ExecutionStore is the docstore slice the checklist and LPT tools need.
// *docstore.ExecutionRepo satisfies it.
type ExecutionStore interface {
	Get(ctx context.Context, taskID, executionID string) (*models.Execution, error)
	UpdateChecklist(ctx context.Context, taskID, executionID string, checklist *models.Checklist) error
	PutLPT(ctx context.Context, taskID, executionID string, record *models.LPTRecord) error
}

// TaskRequest is the task payload shared by the task tools and the TASK.*
// RPC methods. The scheduler's task service interprets it.
type TaskRequest struct {
	Title       string `json:"title" jsonschema:"required,description=Short task title"`
	Description string `json:"description" jsonschema:"required,description=What the task should accomplish"`
	Plan        string `json:"plan,omitempty" jsonschema:"description=Optional step-by-step plan the agent should follow"`

	ExecutionPlan string `json:"execution_plan" jsonschema:"required,enum=SCHEDULED,enum=ONE_TIME,enum=ON_DEMAND,description=How the task is triggered"`
	Frequency     string `json:"frequency,omitempty" jsonschema:"enum=daily,enum=weekly,enum=monthly,description=Firing frequency for SCHEDULED tasks"`
	DayOfWeek     *int   `json:"day_of_week,omitempty" jsonschema:"minimum=0,maximum=6,description=0=Sunday; weekly tasks only"`
	DayOfMonth    *int   `json:"day_of_month,omitempty" jsonschema:"minimum=1,maximum=31,description=Monthly tasks only"`
	Time          string `json:"time,omitempty" jsonschema:"description=HH:MM in the mandate timezone"`
	Timezone      string `json:"timezone,omitempty" jsonschema:"description=IANA timezone; defaults to the mandate timezone"`

	Enabled *bool `json:"enabled,omitempty" jsonschema:"description=Whether the task fires; defaults to true"`

	// ApprovalRequired is a frontend render hint stored on the mission
	// verbatim; nothing in the service interprets it.
	ApprovalRequired *bool `json:"approval_required,omitempty" jsonschema:"description=Whether the frontend should ask for approval before runs"`
}

// TaskAdmin is the task CRUD surface the task tools call. Implemented by the
// scheduler's task service, which owns the cron math.
type TaskAdmin interface {
	Create(ctx context.Context, uc *models.UserContext, req *TaskRequest) (*models.Task, error)
	Update(ctx context.Context, uc *models.UserContext, taskID string, req *TaskRequest) (*models.Task, error)
	Delete(ctx context.Context, uc *models.UserContext, taskID string) error
	List(ctx context.Context, uc *models.UserContext) ([]*models.Task, error)
	Get(ctx context.Context, uc *models.UserContext, taskID string) (*models.Task, error)
}

// CommandPublisher pushes checklist commands onto the thread channel for UI
// mirroring. Implemented by the events stream publisher.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, userID, companyID, threadKey, event string, payload any) error
}

// Submitter posts LPT envelopes to department workers. Implemented by
// *WorkerClient.
type Submitter interface {
	Submit(ctx context.Context, department string, env *models.LPTEnvelope) error
}

// Deps bundles everything the builtin handlers reach for.
type Deps struct {
	Documents  DocumentSearcher
	Tasks      TaskAdmin
	Executions ExecutionStore
	Publisher  CommandPublisher
	Worker     Submitter

	// Now is swappable in tests; defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Registry holds every tool definition and the chat-mode binding table.
type Registry struct {
	deps Deps
	defs map[string]*Definition
}

// NewRegistry builds the registry with every builtin registered.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps, defs: make(map[string]*Definition)}
	r.registerBuiltins()
	r.registerChecklistTools()
	r.registerLPTTools()
	return r
}

func (r *Registry) register(d *Definition) {
	r.defs[d.Name] = d
}

// Get returns a definition by wire name.
func (r *Registry) Get(name string) (*Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// fullSuite is every SPT builtin plus the LPT submit tools, the set bound
// to the general-purpose chat modes.
func (r *Registry) fullSuite() []*Definition {
	names := []string{
		"GET_JOB_METRICS",
		"SEARCH_DOCUMENTS",
		"GET_TASK_LIST",
		"GET_TASK_DETAILS",
		"CREATE_TASK",
		"UPDATE_TASK",
		"DELETE_TASK",
		"LPT_APBOOKKEEPER",
		"LPT_ROUTER",
		"LPT_BANKER",
		"LPT_HR_JOBBER",
	}
	defs := make([]*Definition, 0, len(names))
	for _, n := range names {
		if d, ok := r.defs[n]; ok {
			defs = append(defs, d)
		}
	}
	return defs
}

// Bind returns the tool set for a chat mode. The department sub-roles get no
// tools; task context additionally binds the checklist tools.
func (r *Registry) Bind(mode models.ChatMode, taskContext bool) []*Definition {
	var defs []*Definition
	switch mode {
	case models.ModeAPBookkeeperChat, models.ModeRouterChat, models.ModeBankerChat:
		return nil
	case models.ModeTaskExecution:
		defs = r.fullSuite()
		defs = append(defs, r.defs["CREATE_CHECKLIST"], r.defs["UPDATE_STEP"], r.defs["TERMINATE_TASK"])
		return defs
	case models.ModeLPTCallback:
		defs = r.fullSuite()
		if taskContext {
			defs = append(defs, r.defs["UPDATE_STEP"], r.defs["TERMINATE_TASK"])
		} else {
			defs = append(defs, r.defs["TERMINATE_TASK"])
		}
		return defs
	default: // general_chat, accounting_chat, onboarding_chat
		return r.fullSuite()
	}
}

// Names lists every registered tool, sorted. Used by startup logging.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one tool call. Unknown names (hallucinated by the model) and
// handler errors both come back as error results so the turn continues and
// the model can correct itself; only context cancellation escapes as an
// error.
func (r *Registry) Dispatch(ctx context.Context, inv *Invocation) *Result {
	def, ok := r.defs[inv.Name]
	if !ok {
		slog.Warn("Unknown tool requested",
			"tool", inv.Name,
			"thread_key", inv.ThreadKey,
			"user_id", userID(inv))
		return errorResult("unknown tool %q", inv.Name)
	}

	start := r.deps.now()
	res, err := def.Handler(ctx, inv)
	elapsed := r.deps.now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			return errorResult("tool %s aborted: %v", inv.Name, ctx.Err())
		}
		slog.Error("Tool handler failed",
			"tool", inv.Name,
			"thread_key", inv.ThreadKey,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		return errorResult("tool %s failed: %v", inv.Name, err)
	}
	slog.Debug("Tool executed",
		"tool", inv.Name,
		"thread_key", inv.ThreadKey,
		"duration_ms", elapsed.Milliseconds(),
		"is_error", res.IsError)
	return res
}

func userID(inv *Invocation) string {
	if inv.User == nil {
		return ""
	}
	return inv.User.UserID
}
