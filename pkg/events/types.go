// Package events delivers real-time thread events to browsers: a WebSocket
// hub per instance, redis pub/sub for cross-instance fan-out, and a typed
// publisher the executor and tools write through.
//
// Streaming lifecycle on a thread channel:
//
//	llm_stream_start        {message_id, thread_key, space_code, timestamp}
//	llm_stream_chunk        {message_id, seq, chunk, accumulated, is_final}   (repeated)
//	llm_stream_complete     {message_id, full_content, metadata}
//	llm_stream_interrupted  {message_id, accumulated}      (stop_streaming)
//	llm_stream_error        {message_id, error}            (provider failure)
//
// Chunks are transient: a client that reconnects mid-stream misses them and
// recovers the full text from the complete event or a history reload. Every
// chunk carries a per-stream monotonic sequence number so a single
// subscriber can detect gaps.
//
// WORKFLOW_CHECKLIST mirrors checklist commands (creation, step updates)
// onto the same channel for live task progress rendering.
package events

// Event types published on thread channels.
const (
	EventStreamStart       = "llm_stream_start"
	EventStreamChunk       = "llm_stream_chunk"
	EventStreamComplete    = "llm_stream_complete"
	EventStreamInterrupted = "llm_stream_interrupted"
	EventStreamError       = "llm_stream_error"

	EventWorkflowChecklist = "WORKFLOW_CHECKLIST"
)

// ClientMessage is the JSON structure for client → server WebSocket
// messages. Channels follow the chat:{user}:{company}:{thread} layout.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // required for subscribe/unsubscribe
}
