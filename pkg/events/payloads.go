package events

// StreamStartPayload opens a streamed assistant turn. The message_id is the
// placeholder the chunks accumulate into.
type StreamStartPayload struct {
	Type      string `json:"type"` // always EventStreamStart
	MessageID string `json:"message_id"`
	ThreadKey string `json:"thread_key"`
	SpaceCode string `json:"space_code"` // company id; frontend routing key
	Timestamp string `json:"timestamp"`  // RFC3339Nano
}

// StreamChunkPayload is one LLM token batch. High frequency, transient.
type StreamChunkPayload struct {
	Type        string `json:"type"` // always EventStreamChunk
	MessageID   string `json:"message_id"`
	Seq         int    `json:"seq"` // monotonic per stream, starts at 1
	Chunk       string `json:"chunk"`
	Accumulated string `json:"accumulated"` // full text so far; lets late joiners render without replay
	IsFinal     bool   `json:"is_final"`
	Timestamp   string `json:"timestamp"` // RFC3339Nano
}

// StreamMetadata rides on the complete event.
type StreamMetadata struct {
	TokensUsed  int    `json:"tokens_used"`
	DurationMs  int64  `json:"duration_ms"`
	Model       string `json:"model"`
	Status      string `json:"status"` // completed | terminated | paused_on_lpt
	CompletedAt string `json:"completed_at"`
}

// StreamCompletePayload seals a streamed turn. Exactly one per assistant
// message; the durable history write happens before this is published.
type StreamCompletePayload struct {
	Type        string         `json:"type"` // always EventStreamComplete
	MessageID   string         `json:"message_id"`
	FullContent string         `json:"full_content"`
	Metadata    StreamMetadata `json:"metadata"`
	Timestamp   string         `json:"timestamp"` // RFC3339Nano
}

// StreamInterruptedPayload reports a stop_streaming cancellation. The
// partial assistant message is sealed with Accumulated as its content.
type StreamInterruptedPayload struct {
	Type        string `json:"type"` // always EventStreamInterrupted
	MessageID   string `json:"message_id"`
	Accumulated string `json:"accumulated"`
	Timestamp   string `json:"timestamp"` // RFC3339Nano
}

// StreamErrorPayload reports a provider failure after retries.
type StreamErrorPayload struct {
	Type      string `json:"type"` // always EventStreamError
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// CommandPayload wraps a workflow command (checklist creation, step update)
// for UI mirroring. Payload carries the command body as produced by the
// tool handlers.
type CommandPayload struct {
	Type      string `json:"type"` // EventWorkflowChecklist
	ThreadKey string `json:"thread_key"`
	SpaceCode string `json:"space_code"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}
