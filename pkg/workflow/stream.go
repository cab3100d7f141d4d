package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/treufabrik/dirigent/pkg/brain"
	"github.com/treufabrik/dirigent/pkg/events"
	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/models"
	"github.com/treufabrik/dirigent/pkg/store"
)

// ErrInterrupted means the in-flight LLM stream was cancelled, either by a
// stop_streaming call or by the invocation's context ending. The partial
// assistant message is already sealed when this is returned.
var ErrInterrupted = errors.New("workflow: stream interrupted")

// One in-turn retry for transient provider failures, jittered so a herd of
// rate-limited threads does not retry in lockstep.
const (
	retryBackoffMin = 500 * time.Millisecond
	retryBackoffMax = 1500 * time.Millisecond
)

// interruptedMarker closes a cut-off assistant message so readers and the
// model both see the turn did not finish.
const interruptedMarker = "[response interrupted]"

// errorNotice is the user-facing content of a turn that failed after the
// retry. The provider error itself goes into the message metadata.
const errorNotice = "Something went wrong while generating this response. Please try again."

// turn is one finished LLM round trip: the sealed assistant message plus
// what the completion event needs.
type turn struct {
	msg      *models.ChatMessage
	publish  bool
	usage    llm.UsageChunk
	duration time.Duration
}

// streamSink fans one turn's tokens out: pub/sub chunks for live
// subscribers, and placeholder extension so a crashed stream leaves the
// partial text behind. Headless turns (messageID 0) only accumulate.
type streamSink struct {
	exec        *Executor
	b           *brain.Brain
	messageID   int64
	publish     bool
	seq         int
	accumulated strings.Builder
	calls       []llm.ToolCall
	usage       llm.UsageChunk
}

func (s *streamSink) delivered() bool {
	return s.accumulated.Len() > 0 || len(s.calls) > 0
}

func (s *streamSink) text(ctx context.Context, delta string) {
	s.accumulated.WriteString(delta)
	if s.messageID == 0 {
		return
	}
	if s.publish {
		s.seq++
		err := s.exec.publisher.StreamChunk(ctx,
			s.b.UserID, s.b.CompanyID, s.b.ThreadKey,
			formatID(s.messageID), s.seq, delta, s.accumulated.String(), false)
		if err != nil {
			slog.Debug("Stream chunk not published", "thread_key", s.b.ThreadKey, "error", err)
		}
	}
	err := s.exec.history.UpdateStreaming(ctx,
		s.b.UserID, s.b.CompanyID, s.b.ThreadKey, s.messageID, s.accumulated.String())
	if err != nil {
		slog.Debug("Placeholder not extended", "message_id", s.messageID, "error", err)
	}
}

// runTurn performs one LLM call for the thread and lands exactly one durable
// assistant message: the sealed placeholder on streamed turns, a single
// append on headless ones. placeholderID 0 means no placeholder exists yet;
// UI-connected turns create one on demand.
func (e *Executor) runTurn(ctx context.Context, b *brain.Brain, defs []llm.ToolDefinition, placeholderID int64) (*turn, error) {
	channel := store.ThreadChannel(b.UserID, b.CompanyID, b.ThreadKey)
	publish := e.isConnected(ctx, channel)

	if publish && placeholderID == 0 {
		id, err := e.history.AppendPlaceholder(ctx, b.UserID, b.CompanyID, b.ThreadKey)
		if err != nil {
			return nil, fmt.Errorf("create assistant placeholder: %w", err)
		}
		placeholderID = id
	}

	sink := &streamSink{exec: e, b: b, messageID: placeholderID, publish: publish}
	if publish {
		err := e.publisher.StreamStart(ctx, b.UserID, b.CompanyID, b.ThreadKey, formatID(placeholderID))
		if err != nil {
			slog.Debug("Stream start not published", "thread_key", b.ThreadKey, "error", err)
		}
	}

	input := &llm.GenerateInput{
		ThreadKey: b.ThreadKey,
		System:    b.RequestSystem(),
		Messages:  conversationFor(b.Messages()),
		Tools:     defs,
	}

	// stop_streaming cancels this context through the Brain.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.BeginStream(cancel)
	defer b.EndStream()

	started := e.now()
	err := e.generateTurn(turnCtx, b, input, sink)
	elapsed := e.now().Sub(started)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return e.sealInterrupted(ctx, b, sink)
		}
		e.sealError(ctx, b, sink, err)
		return nil, err
	}

	msg := &models.ChatMessage{
		ID:        sink.messageID,
		Role:      models.RoleAssistant,
		Content:   sink.accumulated.String(),
		ToolCalls: toolCallMeta(sink.calls),
		Metadata: map[string]any{
			"tokens_used": sink.usage.TotalTokens,
			"duration_ms": elapsed.Milliseconds(),
			"model":       e.cfg.Model,
			"status":      "completed",
		},
	}
	if sink.messageID != 0 {
		err = e.history.SealTurn(ctx, b.UserID, b.CompanyID, b.ThreadKey,
			sink.messageID, msg.Content, msg.ToolCalls, msg.Metadata)
	} else {
		err = e.history.Append(ctx, b.UserID, b.CompanyID, b.ThreadKey, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	e.mirrorMessage(ctx, b, msg)
	b.Append(*msg)

	return &turn{msg: msg, publish: publish, usage: sink.usage, duration: elapsed}, nil
}

// generateTurn drives one Generate call with a single jittered retry for
// transient failures. Retrying is only safe while nothing was delivered:
// once chunks went out, a replay would duplicate them.
func (e *Executor) generateTurn(ctx context.Context, b *brain.Brain, input *llm.GenerateInput, sink *streamSink) error {
	err := e.collectTurn(ctx, input, sink)
	if err == nil {
		return nil
	}
	if !llm.IsTransient(err) || sink.delivered() || ctx.Err() != nil {
		return err
	}

	slog.Info("LLM call failed, retrying",
		"thread_key", b.ThreadKey,
		"user_id", b.UserID,
		"error", err)

	backoff := retryBackoffMin + time.Duration(rand.Int64N(int64(retryBackoffMax-retryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.collectTurn(ctx, input, sink); err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}
	return nil
}

// collectTurn drains one Generate stream into the sink.
func (e *Executor) collectTurn(ctx context.Context, input *llm.GenerateInput, sink *streamSink) error {
	chunks, err := e.llm.Generate(ctx, input)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			switch c := chunk.(type) {
			case *llm.TextChunk:
				sink.text(ctx, c.Content)
			case *llm.ToolCallChunk:
				sink.calls = append(sink.calls, llm.ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
			case *llm.UsageChunk:
				sink.usage = *c
			case *llm.ErrorChunk:
				return &llm.StreamError{Message: c.Message, Code: c.Code, Retryable: c.Retryable}
			}
			// Thinking chunks are never persisted or streamed.
		}
	}
}

// sealInterrupted closes a cancelled turn: the partial text is sealed with a
// truncation marker and subscribers get llm_stream_interrupted. A headless
// turn that produced nothing leaves no message behind.
func (e *Executor) sealInterrupted(ctx context.Context, b *brain.Brain, sink *streamSink) (*turn, error) {
	// The turn context is gone; sealing must still happen.
	ctx = context.WithoutCancel(ctx)

	accumulated := sink.accumulated.String()
	if sink.messageID == 0 && accumulated == "" {
		return &turn{publish: sink.publish}, ErrInterrupted
	}

	content := interruptedMarker
	if accumulated != "" {
		content = accumulated + "\n\n" + interruptedMarker
	}
	msg := &models.ChatMessage{
		ID:       sink.messageID,
		Role:     models.RoleAssistant,
		Content:  content,
		Metadata: map[string]any{"status": "interrupted"},
	}

	var err error
	if sink.messageID != 0 {
		err = e.history.Seal(ctx, b.UserID, b.CompanyID, b.ThreadKey, sink.messageID, content, msg.Metadata)
	} else {
		err = e.history.Append(ctx, b.UserID, b.CompanyID, b.ThreadKey, msg)
	}
	if err != nil {
		slog.Error("Interrupted turn not sealed", "thread_key", b.ThreadKey, "error", err)
	}
	e.mirrorMessage(ctx, b, msg)
	b.Append(*msg)

	if sink.publish {
		err := e.publisher.StreamInterrupted(ctx, b.UserID, b.CompanyID, b.ThreadKey, formatID(msg.ID), accumulated)
		if err != nil {
			slog.Debug("Stream interruption not published", "thread_key", b.ThreadKey, "error", err)
		}
	}
	slog.Info("Stream interrupted",
		"thread_key", b.ThreadKey,
		"user_id", b.UserID,
		"chars_kept", len(accumulated))
	return &turn{msg: msg, publish: sink.publish}, ErrInterrupted
}

// sealError closes a turn that failed after the retry: the placeholder (when
// one exists) is sealed with an error notice and subscribers get
// llm_stream_error. Headless failures land the notice as a plain message so
// the thread's history shows the gap.
func (e *Executor) sealError(ctx context.Context, b *brain.Brain, sink *streamSink, cause error) {
	ctx = context.WithoutCancel(ctx)

	msg := &models.ChatMessage{
		ID:      sink.messageID,
		Role:    models.RoleAssistant,
		Content: errorNotice,
		Metadata: map[string]any{
			"status": "error",
			"error":  cause.Error(),
		},
	}
	var err error
	if sink.messageID != 0 {
		err = e.history.Seal(ctx, b.UserID, b.CompanyID, b.ThreadKey, sink.messageID, msg.Content, msg.Metadata)
	} else {
		err = e.history.Append(ctx, b.UserID, b.CompanyID, b.ThreadKey, msg)
	}
	if err != nil {
		slog.Error("Failed turn not sealed", "thread_key", b.ThreadKey, "error", err)
	}
	e.mirrorMessage(ctx, b, msg)
	b.Append(*msg)

	if sink.publish {
		err := e.publisher.StreamError(ctx, b.UserID, b.CompanyID, b.ThreadKey, formatID(msg.ID), cause.Error())
		if err != nil {
			slog.Debug("Stream error not published", "thread_key", b.ThreadKey, "error", err)
		}
	}
}

// announceComplete publishes the turn's llm_stream_complete once the run
// loop knows the disposition. The durable history write already happened in
// runTurn; this is fan-out only.
func (e *Executor) announceComplete(ctx context.Context, b *brain.Brain, t *turn, status string) {
	if t == nil || t.msg == nil || !t.publish {
		return
	}
	err := e.publisher.StreamComplete(ctx, b.UserID, b.CompanyID, b.ThreadKey,
		formatID(t.msg.ID), t.msg.Content, events.StreamMetadata{
			TokensUsed: t.usage.TotalTokens,
			DurationMs: t.duration.Milliseconds(),
			Model:      e.cfg.Model,
			Status:     status,
		})
	if err != nil {
		slog.Debug("Stream completion not published", "thread_key", b.ThreadKey, "error", err)
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func toolCallMeta(calls []llm.ToolCall) []models.ToolCallMeta {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCallMeta, 0, len(calls))
	for _, c := range calls {
		out = append(out, models.ToolCallMeta{CallID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}

// conversationFor renders the Brain's projection as provider messages.
// Tool-result errors travel in message metadata durably and surface to the
// provider through IsError.
func conversationFor(msgs []models.ChatMessage) []llm.ConversationMessage {
	out := make([]llm.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := llm.ConversationMessage{Content: m.Content}
		switch m.Role {
		case models.RoleUser:
			cm.Role = llm.RoleUser
		case models.RoleAssistant:
			cm.Role = llm.RoleAssistant
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, llm.ToolCall{ID: tc.CallID, Name: tc.Name, Arguments: tc.Arguments})
			}
		case models.RoleToolResult:
			cm.Role = llm.RoleTool
			cm.ToolCallID = m.ToolCallID
			cm.ToolName = m.ToolName
			if isErr, ok := m.Metadata["is_error"].(bool); ok {
				cm.IsError = isErr
			}
		case models.RoleSystem:
			cm.Role = llm.RoleSystem
		default:
			continue
		}
		out = append(out, cm)
	}
	return out
}
