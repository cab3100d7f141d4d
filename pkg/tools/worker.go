package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/treufabrik/dirigent/pkg/models"
)

// WorkerClient posts LPT envelopes to the department workers. One endpoint
// per department; a shared API key authenticates this service, and the
// callback URL tells the worker where to report back.
type WorkerClient struct {
	endpoints   map[string]string
	apiKey      string
	callbackURL string
	httpClient  *http.Client
}

// NewWorkerClient builds the client. endpoints maps department names
// (apbookeeper, router, banker, hr_jobber) to their submit URLs.
func NewWorkerClient(endpoints map[string]string, apiKey, callbackBaseURL string, timeout time.Duration) *WorkerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WorkerClient{
		endpoints:   endpoints,
		apiKey:      apiKey,
		callbackURL: strings.TrimRight(callbackBaseURL, "/") + "/lpt/callback",
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Departments lists the configured worker departments.
func (w *WorkerClient) Departments() []string {
	out := make([]string, 0, len(w.endpoints))
	for d := range w.endpoints {
		out = append(out, d)
	}
	return out
}

// Submit posts the envelope to the department's worker. Any non-2xx answer
// is an error; the caller reports it to the model as a failed tool result.
func (w *WorkerClient) Submit(ctx context.Context, department string, env *models.LPTEnvelope) error {
	endpoint, ok := w.endpoints[department]
	if !ok {
		return fmt.Errorf("no worker endpoint configured for department %q", department)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode submit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("X-Callback-Url", w.callbackURL)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit to %s worker: %w", department, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s worker returned HTTP %d: %s", department, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
