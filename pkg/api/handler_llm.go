package api

import (
	"context"
	"strings"

	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/workflow"
)

// sendMessageArgs are the kwargs of LLM.send_message.
type sendMessageArgs struct {
	User         string `json:"user"`
	Company      string `json:"company"`
	Thread       string `json:"thread"`
	Message      string `json:"message"`
	ChatMode     string `json:"chat_mode,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// sendMessageReceipt is the data payload of a successful LLM.send_message.
type sendMessageReceipt struct {
	WSChannel          string `json:"ws_channel"`
	UserMessageID      int64  `json:"user_message_id"`
	AssistantMessageID int64  `json:"assistant_message_id"`
}

func (s *Server) rpcSendMessage(ctx context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[sendMessageArgs](req)
	if err != nil {
		return nil, err
	}
	if args.User == "" {
		args.User = req.UserID
	}
	if args.User == "" || args.Company == "" || args.Thread == "" {
		return nil, invalidArgsf("user, company and thread are required")
	}
	if strings.TrimSpace(args.Message) == "" {
		return nil, invalidArgsf("message must not be empty")
	}
	mode := models.ModeGeneralChat
	if args.ChatMode != "" {
		mode = models.ChatMode(args.ChatMode)
		if !mode.Valid() {
			return nil, invalidArgsf("unknown chat_mode %q", args.ChatMode)
		}
		// Execution and callback modes are bound internally by the
		// executor; a chat entry point never selects them.
		if mode == models.ModeTaskExecution || mode == models.ModeLPTCallback {
			return nil, invalidArgsf("chat_mode %q is reserved", args.ChatMode)
		}
	}

	receipt, err := s.deps.Workflow.SendMessage(ctx, &workflow.SendRequest{
		UserID:       args.User,
		CompanyID:    args.Company,
		ThreadKey:    args.Thread,
		Message:      args.Message,
		ChatMode:     mode,
		SystemPrompt: args.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	return &sendMessageReceipt{
		WSChannel:          receipt.WSChannel,
		UserMessageID:      receipt.UserMessageID,
		AssistantMessageID: receipt.AssistantMessageID,
	}, nil
}

// threadArgs are the kwargs shared by the stream and history methods. An
// empty thread on stop_streaming cancels every stream of the session.
type threadArgs struct {
	User    string `json:"user"`
	Company string `json:"company"`
	Thread  string `json:"thread,omitempty"`
}

func (a *threadArgs) normalize(req *rpcRequest) error {
	if a.User == "" {
		a.User = req.UserID
	}
	if a.User == "" || a.Company == "" {
		return invalidArgsf("user and company are required")
	}
	return nil
}

func (s *Server) rpcStopStreaming(_ context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[threadArgs](req)
	if err != nil {
		return nil, err
	}
	if err := args.normalize(req); err != nil {
		return nil, err
	}
	stopped := s.deps.Brains.StopStreaming(args.User, args.Company, args.Thread)
	return map[string]any{"stopped": stopped}, nil
}

func (s *Server) rpcLoadChatHistory(ctx context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[threadArgs](req)
	if err != nil {
		return nil, err
	}
	if err := args.normalize(req); err != nil {
		return nil, err
	}
	if args.Thread == "" {
		return nil, invalidArgsf("thread is required")
	}
	if err := s.deps.Brains.Rehydrate(ctx, args.User, args.Company, args.Thread); err != nil {
		return nil, err
	}
	return map[string]any{"loaded": true}, nil
}

func (s *Server) rpcFlushChatHistory(ctx context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[threadArgs](req)
	if err != nil {
		return nil, err
	}
	if err := args.normalize(req); err != nil {
		return nil, err
	}
	if args.Thread == "" {
		return nil, invalidArgsf("thread is required")
	}
	// Evict first so no live Brain keeps streaming into a transcript that
	// is about to disappear.
	s.deps.Brains.Evict(ctx, args.User, args.Company, args.Thread)
	if err := s.deps.History.Clear(ctx, args.User, args.Company, args.Thread); err != nil {
		return nil, err
	}
	return map[string]any{"flushed": true}, nil
}

// executeTaskNowArgs are the kwargs of LLM.execute_task_now.
type executeTaskNowArgs struct {
	MandatePath string `json:"mandate_path"`
	TaskID      string `json:"task_id"`
	User        string `json:"user"`
	Company     string `json:"company"`
}

func (s *Server) rpcExecuteTaskNow(ctx context.Context, req *rpcRequest) (any, error) {
	args, err := decodeKwargs[executeTaskNowArgs](req)
	if err != nil {
		return nil, err
	}
	if args.User == "" {
		args.User = req.UserID
	}
	if args.MandatePath == "" || args.TaskID == "" {
		return nil, invalidArgsf("mandate_path and task_id are required")
	}
	uc := &models.UserContext{
		UserID:      args.User,
		CompanyID:   args.Company,
		MandatePath: args.MandatePath,
	}
	execID, err := s.deps.Tasks.ExecuteNow(ctx, uc, args.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"execution_id": execID}, nil
}
