package models

import "time"

// LPTStatus is the terminal outcome a worker reports for a long-process task.
type LPTStatus string

const (
	LPTCompleted LPTStatus = "completed"
	LPTFailed    LPTStatus = "failed"
	LPTPartial   LPTStatus = "partial"
)

// Valid reports whether the status is a recognized terminal LPT outcome.
func (s LPTStatus) Valid() bool {
	return s == LPTCompleted || s == LPTFailed || s == LPTPartial
}

// Traceability ties a worker submission back to the thread and execution
// that produced it. Workers echo it unchanged in callbacks.
type Traceability struct {
	ThreadKey     string    `json:"thread_key"`
	ThreadName    string    `json:"thread_name,omitempty"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	ExecutionPlan string    `json:"execution_plan,omitempty"`
	InitiatedAt   time.Time `json:"initiated_at"`
	Source        string    `json:"source"`
}

// LPTResponse is the worker's verdict, present only on callbacks.
type LPTResponse struct {
	Status LPTStatus      `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Summary extracts the human-readable outcome line from a response:
// result.summary when present, else the error text, else the bare status.
func (r *LPTResponse) Summary() string {
	if r == nil {
		return ""
	}
	if r.Result != nil {
		if s, ok := r.Result["summary"].(string); ok && s != "" {
			return s
		}
	}
	if r.Error != "" {
		return r.Error
	}
	return string(r.Status)
}

// LPTEnvelope is the single JSON envelope used both ways between this
// service and the workers: the submit POST body, and the callback body with
// the original fields echoed back plus Response and timing.
//
// BatchID doubles as the LPT id: generated per submission, unique, and the
// key of the execution's lpt_tasks ledger.
type LPTEnvelope struct {
	CollectionName string           `json:"collection_name"`
	UserID         string           `json:"user_id"`
	ClientUUID     string           `json:"client_uuid"`
	MandatesPath   string           `json:"mandates_path"`
	BatchID        string           `json:"batch_id"`
	JobsData       []map[string]any `json:"jobs_data,omitempty"`
	Settings       []map[string]any `json:"settings,omitempty"`
	Traceability   Traceability     `json:"traceability"`
	PubSubID       string           `json:"pub_sub_id,omitempty"`

	StartInstructions string `json:"start_instructions,omitempty"`

	// Callback-only fields.
	Response      *LPTResponse `json:"response,omitempty"`
	ExecutionTime float64      `json:"execution_time,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	LogsURL       string       `json:"logs_url,omitempty"`
}

// LPTID returns the envelope's LPT identifier.
func (e *LPTEnvelope) LPTID() string { return e.BatchID }
