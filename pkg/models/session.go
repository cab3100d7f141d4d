package models

import "time"

// Session is the per (user, company) state blob kept in the KV store under
// session:{user}:{company}:state with a 2h sliding TTL. Created lazily on
// the first send_message or task trigger; the Session manager is its sole
// writer.
type Session struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`

	// Profile fields materialized from the mandate document.
	MandatePath string `json:"mandate_path"`
	Country     string `json:"country"`
	Timezone    string `json:"timezone,omitempty"`
	Language    string `json:"language,omitempty"`
	DMSSystem   string `json:"dms_system,omitempty"`

	JobMetrics     map[string]any `json:"job_metrics,omitempty"`
	WorkflowParams map[string]any `json:"workflow_params,omitempty"`

	// ActiveThreads is the set of thread keys with a live Brain somewhere.
	ActiveThreads []string `json:"active_threads,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// HasThread reports whether the thread key is recorded on the session.
func (s *Session) HasThread(threadKey string) bool {
	for _, t := range s.ActiveThreads {
		if t == threadKey {
			return true
		}
	}
	return false
}

// AddThread records a thread key on the session (idempotent).
func (s *Session) AddThread(threadKey string) {
	if !s.HasThread(threadKey) {
		s.ActiveThreads = append(s.ActiveThreads, threadKey)
	}
}

// RemoveThread drops a thread key from the session.
func (s *Session) RemoveThread(threadKey string) {
	for i, t := range s.ActiveThreads {
		if t == threadKey {
			s.ActiveThreads = append(s.ActiveThreads[:i], s.ActiveThreads[i+1:]...)
			return
		}
	}
}

// UserContext is the read view handed to tools and prompt builders.
type UserContext struct {
	UserID      string         `json:"user_id"`
	CompanyID   string         `json:"company_id"`
	MandatePath string         `json:"mandate_path"`
	Country     string         `json:"country"`
	Timezone    string         `json:"timezone,omitempty"`
	Language    string         `json:"language,omitempty"`
	DMSSystem   string         `json:"dms_system,omitempty"`
	JobMetrics  map[string]any `json:"job_metrics,omitempty"`
}

// MandateProfile is the durable per-mandate document the session is
// materialized from. Lives in the document store.
type MandateProfile struct {
	MandatePath    string         `bson:"mandate_path" json:"mandate_path"`
	UserID         string         `bson:"user_id" json:"user_id"`
	CompanyID      string         `bson:"company_id" json:"company_id"`
	Country        string         `bson:"country" json:"country"`
	Timezone       string         `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Language       string         `bson:"language,omitempty" json:"language,omitempty"`
	DMSSystem      string         `bson:"dms_system,omitempty" json:"dms_system,omitempty"`
	JobMetrics     map[string]any `bson:"job_metrics,omitempty" json:"job_metrics,omitempty"`
	WorkflowParams map[string]any `bson:"workflow_params,omitempty" json:"workflow_params,omitempty"`
	UpdatedAt      time.Time      `bson:"updated_at" json:"updated_at"`
}
