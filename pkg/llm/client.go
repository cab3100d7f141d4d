// Package llm is the streaming LLM boundary. The Client interface yields
// chunks over a channel so the workflow executor can fan tokens out to
// WebSocket subscribers while accumulating the durable assistant message.
package llm

import "context"

// Client is the provider-independent LLM surface.
type Client interface {
	// Generate sends a conversation to the LLM and returns a stream of chunks.
	// The returned channel is closed when the stream completes.
	// Provider errors after the stream opens are delivered as ErrorChunk
	// values in the channel.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases provider resources.
	Close() error
}

// GenerateInput is one LLM call: the rolling conversation, the system
// prompt, and the tool surface bound to the thread's chat mode.
type GenerateInput struct {
	ThreadKey string // logging/tracing only
	System    string
	Messages  []ConversationMessage
	Tools     []ToolDefinition // nil = no tools

	// Model overrides the configured default (mini calls use the small
	// model). MaxTokens caps the completion; 0 = configured default.
	Model     string
	MaxTokens int
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is one turn of the conversation as the provider
// sees it.
type ConversationMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // for assistant messages
	ToolCallID string     // for tool result messages
	ToolName   string     // for tool result messages
	IsError    bool       // for tool result messages
}

// ToolDefinition describes a tool advertised to the LLM.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is the LLM's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a fragment of the LLM's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a fragment of the LLM's internal reasoning. Never
// persisted or streamed to clients.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals the LLM wants to call a tool. Emitted once per
// call, with the argument JSON fully assembled.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this LLM call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals a provider error mid-stream.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
