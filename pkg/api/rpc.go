package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// rpcRequest is the POST /rpc envelope. Methods take named arguments; the
// args field is accepted as an alias for kwargs when it carries an object.
type rpcRequest struct {
	Method         string          `json:"method"`
	Args           json.RawMessage `json:"args,omitempty"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	UserID         string          `json:"user_id"`
	SessionID      string          `json:"session_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TimeoutMs      int             `json:"timeout_ms,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
}

// rpcError is the error half of the reply envelope.
type rpcError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int    `json:"retry_after_ms,omitempty"`
}

// rpcResponse is the reply envelope. Every RPC-level outcome rides HTTP
// 200 so callers parse one shape; only an unparseable body is a 400.
type rpcResponse struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *rpcError `json:"error,omitempty"`
}

// rpcHandler is one registered method.
type rpcHandler func(ctx context.Context, req *rpcRequest) (any, error)

// methodTable binds wire names to handlers once at construction, so an
// unknown method is the only dynamic dispatch failure.
func (s *Server) methodTable() map[string]rpcHandler {
	return map[string]rpcHandler{
		"LLM.send_message":       s.rpcSendMessage,
		"LLM.stop_streaming":     s.rpcStopStreaming,
		"LLM.execute_task_now":   s.rpcExecuteTaskNow,
		"LLM.load_chat_history":  s.rpcLoadChatHistory,
		"LLM.flush_chat_history": s.rpcFlushChatHistory,

		"REGISTRY.register_user":      s.rpcRegisterUser,
		"REGISTRY.unregister_session": s.rpcUnregisterSession,
		"REGISTRY.heartbeat":          s.rpcHeartbeat,

		"TASK.create":      s.rpcTaskCreate,
		"TASK.update":      s.rpcTaskUpdate,
		"TASK.delete":      s.rpcTaskDelete,
		"TASK.list":        s.rpcTaskList,
		"TASK.get":         s.rpcTaskGet,
		"TASK.set_enabled": s.rpcTaskSetEnabled,
	}
}

// rpcGatewayHandler handles POST /rpc: decode the envelope, dispatch the
// method under its per-call timeout, map the outcome back onto the wire.
func (s *Server) rpcGatewayHandler(c *echo.Context) error {
	var req rpcRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &rpcResponse{
			OK:    false,
			Error: &rpcError{Code: codeInvalidArgs, Message: "malformed request body"},
		})
	}
	if req.Method == "" {
		return c.JSON(http.StatusOK, &rpcResponse{
			OK:    false,
			Error: &rpcError{Code: codeInvalidArgs, Message: "method is required"},
		})
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		return c.JSON(http.StatusOK, &rpcResponse{
			OK:    false,
			Error: &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)},
		})
	}

	timeout := s.rpcTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	data, err := handler(ctx, &req)
	if err != nil {
		return c.JSON(http.StatusOK, &rpcResponse{
			OK:    false,
			Error: rpcErrorFor(req.Method, req.TraceID, err),
		})
	}
	return c.JSON(http.StatusOK, &rpcResponse{OK: true, Data: data})
}

// defaultRPCTimeout backstops a zero-valued server config.
const defaultRPCTimeout = 120 * time.Second

// decodeKwargs unmarshals the call's named arguments into a typed struct.
// Unknown keys are ignored. Positional arg lists have no name mapping and
// are rejected.
func decodeKwargs[T any](req *rpcRequest) (*T, error) {
	raw := bytes.TrimSpace(req.Kwargs)
	if len(raw) == 0 {
		raw = bytes.TrimSpace(req.Args)
	}
	var out T
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &out, nil
	}
	if raw[0] == '[' {
		return nil, &argError{msg: "positional args are not supported, pass kwargs"}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &argError{msg: "kwargs do not match the method signature: " + err.Error()}
	}
	return &out, nil
}
