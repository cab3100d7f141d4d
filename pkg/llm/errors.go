package llm

import (
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// ErrRateLimited wraps provider 429s so the RPC layer can map them to
// RATE_LIMITED with a retry hint.
var ErrRateLimited = errors.New("llm: rate limited")

// StreamError is an ErrorChunk surfaced as an error by Collect.
type StreamError struct {
	Message   string
	Code      string
	Retryable bool
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("llm stream error (%s): %s", e.Code, e.Message)
	}
	return "llm stream error: " + e.Message
}

// IsTransient reports whether the error is worth one in-turn retry:
// rate limits, provider 5xx, and chunks the provider flagged retryable.
// Context cancellation and auth/quota failures are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Retryable
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode >= 500
	}
	return false
}
