package api

import (
	"context"

	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/tools"
)

// taskArgs are the kwargs of the TASK.* methods: the shared task payload
// plus routing fields. mandate_path overrides the session's path when the
// frontend manages tasks for a mandate it has not chatted under.
type taskArgs struct {
	tools.TaskRequest

	TaskID      string `json:"task_id,omitempty"`
	MandatePath string `json:"mandate_path,omitempty"`
	User        string `json:"user,omitempty"`
	Company     string `json:"company,omitempty"`
}

// userContextFor resolves the caller's mandate context through the session
// manager, so TASK.create sees the mandate's country and timezone. Task
// CRUD must not die with the session store: when the session cannot be
// materialized and the caller named a mandate path, a bare context routes
// the documents.
func (s *Server) userContextFor(ctx context.Context, user, company, mandatePath string) (*models.UserContext, error) {
	if user == "" || company == "" {
		return nil, invalidArgsf("user and company are required")
	}
	if _, err := s.deps.Sessions.Ensure(ctx, user, company, models.ModeGeneralChat); err != nil {
		if mandatePath == "" {
			return nil, err
		}
		return &models.UserContext{UserID: user, CompanyID: company, MandatePath: mandatePath}, nil
	}
	uc, err := s.deps.Sessions.UserContext(ctx, user, company)
	if err != nil {
		if mandatePath == "" {
			return nil, err
		}
		return &models.UserContext{UserID: user, CompanyID: company, MandatePath: mandatePath}, nil
	}
	if mandatePath != "" {
		uc.MandatePath = mandatePath
	}
	return uc, nil
}

func (s *Server) taskCall(ctx context.Context, req *rpcRequest) (*taskArgs, *models.UserContext, error) {
	args, err := decodeKwargs[taskArgs](req)
	if err != nil {
		return nil, nil, err
	}
	if args.User == "" {
		args.User = req.UserID
	}
	uc, err := s.userContextFor(ctx, args.User, args.Company, args.MandatePath)
	if err != nil {
		return nil, nil, err
	}
	return args, uc, nil
}

func (s *Server) rpcTaskCreate(ctx context.Context, req *rpcRequest) (any, error) {
	args, uc, err := s.taskCall(ctx, req)
	if err != nil {
		return nil, err
	}
	task, err := s.deps.Tasks.Create(ctx, uc, &args.TaskRequest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (s *Server) rpcTaskUpdate(ctx context.Context, req *rpcRequest) (any, error) {
	args, uc, err := s.taskCall(ctx, req)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, invalidArgsf("task_id is required")
	}
	task, err := s.deps.Tasks.Update(ctx, uc, args.TaskID, &args.TaskRequest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (s *Server) rpcTaskDelete(ctx context.Context, req *rpcRequest) (any, error) {
	args, uc, err := s.taskCall(ctx, req)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, invalidArgsf("task_id is required")
	}
	if err := s.deps.Tasks.Delete(ctx, uc, args.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "task_id": args.TaskID}, nil
}

func (s *Server) rpcTaskList(ctx context.Context, req *rpcRequest) (any, error) {
	_, uc, err := s.taskCall(ctx, req)
	if err != nil {
		return nil, err
	}
	tasks, err := s.deps.Tasks.List(ctx, uc)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func (s *Server) rpcTaskGet(ctx context.Context, req *rpcRequest) (any, error) {
	args, uc, err := s.taskCall(ctx, req)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, invalidArgsf("task_id is required")
	}
	task, err := s.deps.Tasks.Get(ctx, uc, args.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (s *Server) rpcTaskSetEnabled(ctx context.Context, req *rpcRequest) (any, error) {
	args, uc, err := s.taskCall(ctx, req)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, invalidArgsf("task_id is required")
	}
	if args.Enabled == nil {
		return nil, invalidArgsf("enabled is required")
	}
	task, err := s.deps.Tasks.SetEnabled(ctx, uc, args.TaskID, *args.Enabled)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}
