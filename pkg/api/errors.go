package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/treufabrik/dirigent/pkg/brain"
	"github.com/treufabrik/dirigent/pkg/docstore"
	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/registry"
	"github.com/treufabrik/dirigent/pkg/scheduler"
)

// RPC error codes on the wire.
const (
	codeMethodNotFound = "METHOD_NOT_FOUND"
	codeInvalidArgs    = "INVALID_ARGS"
	codeInternal       = "INTERNAL"
	codeThreadBusy     = "THREAD_BUSY"
	codeRateLimited    = "RATE_LIMITED"
)

// rateLimitRetryHintMs is the backoff hint attached to RATE_LIMITED
// responses. The provider gives no usable Retry-After, so the hint is a
// flat two seconds.
const rateLimitRetryHintMs = 2000

// argError marks handler-level argument validation failures. Its message
// goes to the caller verbatim.
type argError struct {
	msg string
}

func (e *argError) Error() string { return e.msg }

func invalidArgsf(format string, args ...any) error {
	return &argError{msg: fmt.Sprintf(format, args...)}
}

// rpcErrorFor classifies a method error into the wire code taxonomy.
// Caller mistakes keep their message; unexpected failures log here and go
// out as a terse INTERNAL.
func rpcErrorFor(method, traceID string, err error) *rpcError {
	var ae *argError
	if errors.As(err, &ae) {
		return &rpcError{Code: codeInvalidArgs, Message: ae.msg}
	}
	var ve *scheduler.ValidationError
	if errors.As(err, &ve) {
		return &rpcError{Code: codeInvalidArgs, Message: ve.Msg}
	}
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, registry.ErrUnknownSession) {
		return &rpcError{Code: codeInvalidArgs, Message: err.Error()}
	}
	if errors.Is(err, brain.ErrThreadBusy) {
		return &rpcError{Code: codeThreadBusy, Message: "thread is busy with another workflow"}
	}
	if errors.Is(err, llm.ErrRateLimited) {
		return &rpcError{
			Code:         codeRateLimited,
			Message:      "llm provider rate limited",
			RetryAfterMs: rateLimitRetryHintMs,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &rpcError{Code: codeInternal, Message: "call timed out"}
	}

	slog.Error("RPC method failed",
		"method", method,
		"trace_id", traceID,
		"error", err)
	return &rpcError{Code: codeInternal, Message: "internal error"}
}
