package scheduler

import "fmt"

// ValidationError is a caller mistake in a task request, as opposed to a
// store or scheduling failure. The RPC gateway maps it to INVALID_ARGS; the
// agent tools surface its message verbatim as the tool result.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
