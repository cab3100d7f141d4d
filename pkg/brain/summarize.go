package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/treufabrik/dirigent/pkg/history"
	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/models"
)

const (
	summarizeTimeout = 2 * time.Minute
	summaryMaxTokens = 2048
)

const summarySystemPrompt = `You compress conversation history for an accounting assistant so the
conversation can continue on a smaller context.

Produce a dense summary that preserves:
- facts, figures, and document references the user or tools provided
- decisions made and instructions given
- task, checklist, and job state (what was submitted, what came back)
- anything the assistant promised to do

Omit pleasantries and repetition. Write plain prose, no headings.`

// Summarizer compresses a Brain's context once it crosses the token budget.
// The compression call runs on the mini model and, once started, runs to
// completion even if the triggering turn is cancelled.
type Summarizer struct {
	client   llm.Client
	model    string
	history  *history.Manager
	limit    int
	keepLast int
}

// NewSummarizer wires the resummarizer. model is the mini model name; limit
// and keepLast come from the brain config.
func NewSummarizer(client llm.Client, model string, hist *history.Manager, limit, keepLast int) *Summarizer {
	return &Summarizer{
		client:   client,
		model:    model,
		history:  hist,
		limit:    limit,
		keepLast: keepLast,
	}
}

// Limit returns the token budget that triggers compression.
func (s *Summarizer) Limit() int { return s.limit }

// MaybeCompress compresses the Brain's context when the budget is crossed.
// Called before each turn; below the budget it is a cheap no-op. Concurrent
// calls on the same Brain coalesce into one run. A failed compression is
// logged and the turn proceeds on the uncompressed context.
func (s *Summarizer) MaybeCompress(ctx context.Context, b *Brain) {
	if b.TokenCount() < s.limit {
		return
	}
	if !b.beginSummarize() {
		return // one is already running
	}
	defer b.endSummarize()

	// Detach from the caller so a stream cancellation cannot truncate a
	// compression that already started.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summarizeTimeout)
	defer cancel()

	if err := s.compress(cctx, b); err != nil {
		slog.Warn("Context compression failed, continuing uncompressed",
			"thread_key", b.ThreadKey,
			"user_id", b.UserID,
			"tokens", b.TokenCount(),
			"error", err)
	}
}

func (s *Summarizer) compress(ctx context.Context, b *Brain) error {
	msgs := b.Messages()
	if len(msgs) <= s.keepLast {
		return nil // nothing to fold away
	}
	dropped := msgs[:len(msgs)-s.keepLast]

	before := b.TokenCount()
	text, err := llm.Complete(ctx, s.client,
		summarySystemPrompt,
		renderForSummary(b.Summary(), dropped),
		s.model, summaryMaxTokens)
	if err != nil {
		return fmt.Errorf("summarization call: %w", err)
	}
	summary := strings.TrimSpace(text)
	if summary == "" {
		return fmt.Errorf("summarization returned empty text")
	}

	b.ApplySummary(summary, s.keepLast)

	// Rewrite the durable copy so a rebuilt Brain starts from the
	// compressed context too.
	t, ok := s.history.Load(ctx, b.UserID, b.CompanyID, b.ThreadKey)
	if !ok {
		t = &history.Transcript{}
		t.Meta.ThreadKey = b.ThreadKey
		t.Meta.UserID = b.UserID
		t.Meta.CompanyID = b.CompanyID
		t.Meta.ChatMode = b.Mode()
	}
	t.Meta.Summary = summary
	t.Meta.SystemPrompt = b.SystemPrompt()
	t.Messages = b.Messages()
	if err := s.history.Save(ctx, b.UserID, b.CompanyID, b.ThreadKey, t); err != nil {
		return fmt.Errorf("persist compressed history: %w", err)
	}

	slog.Info("Thread context compressed",
		"thread_key", b.ThreadKey,
		"user_id", b.UserID,
		"tokens_before", before,
		"tokens_after", b.TokenCount(),
		"messages_kept", s.keepLast,
		"messages_folded", len(dropped))
	return nil
}

// renderForSummary lays the folded messages out as a plain transcript. An
// existing summary is included so consecutive compressions chain instead of
// losing the older context.
func renderForSummary(previousSummary string, dropped []models.ChatMessage) string {
	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString("Earlier summary:\n")
		sb.WriteString(previousSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation to fold in:\n")
	for _, m := range dropped {
		sb.WriteString(string(m.Role))
		if m.ToolName != "" {
			sb.WriteString(" (")
			sb.WriteString(m.ToolName)
			sb.WriteString(")")
		}
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			sb.WriteString("\n  -> called ")
			sb.WriteString(tc.Name)
			sb.WriteString(" ")
			sb.WriteString(tc.Arguments)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nSummarize the above.")
	return sb.String()
}
