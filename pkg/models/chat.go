// Package models contains the business domain types shared across packages.
package models

import "time"

// ChatMode selects the system prompt and the tool set bound to a thread.
type ChatMode string

const (
	ModeGeneralChat      ChatMode = "general_chat"
	ModeAccountingChat   ChatMode = "accounting_chat"
	ModeOnboardingChat   ChatMode = "onboarding_chat"
	ModeAPBookkeeperChat ChatMode = "apbookeeper_chat"
	ModeRouterChat       ChatMode = "router_chat"
	ModeBankerChat       ChatMode = "banker_chat"
	ModeTaskExecution    ChatMode = "task_execution"
	ModeLPTCallback      ChatMode = "lpt_callback"
)

// Valid reports whether the mode is one of the known chat modes.
func (m ChatMode) Valid() bool {
	switch m {
	case ModeGeneralChat, ModeAccountingChat, ModeOnboardingChat,
		ModeAPBookkeeperChat, ModeRouterChat, ModeBankerChat,
		ModeTaskExecution, ModeLPTCallback:
		return true
	}
	return false
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool_result"
)

// ToolCallMeta records one tool invocation requested by the assistant.
type ToolCallMeta struct {
	CallID    string `bson:"call_id" json:"call_id"`
	Name      string `bson:"name" json:"name"`
	Arguments string `bson:"arguments" json:"arguments"` // raw JSON
}

// ChatMessage is one entry in a thread's history.
//
// IDs are assigned by the writer and are strictly increasing within a
// thread (millisecond epoch plus a collision offset). A streaming assistant
// message is written once as a placeholder and its Content is extended as
// chunks arrive; it becomes immutable once Streaming flips to false.
type ChatMessage struct {
	ID         int64          `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolCalls  []ToolCallMeta `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // set on tool_result messages
	ToolName   string         `json:"tool_name,omitempty"`
	Streaming  bool           `json:"streaming,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ThreadMeta describes a thread independent of its messages.
type ThreadMeta struct {
	ThreadKey    string   `json:"thread_key"`
	UserID       string   `json:"user_id"`
	CompanyID    string   `json:"company_id"`
	ChatMode     ChatMode `json:"chat_mode"`
	SystemPrompt string   `json:"system_prompt,omitempty"`

	// Summary is the compressed context prefix produced by resummarization;
	// it is prepended to the system prompt on every later turn.
	Summary string `json:"summary,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// ActiveExecution is set while the thread drives a task execution.
	ActiveExecution *ExecutionRef `json:"active_execution,omitempty"`
}

// ExecutionRef points a thread at the task execution it is driving.
type ExecutionRef struct {
	MandatePath string `json:"mandate_path"`
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
}
