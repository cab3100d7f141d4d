package llm

import (
	"context"
	"strings"
)

// Response is a fully drained Generate call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     UsageChunk
}

// Collect drains a chunk channel into a Response. An ErrorChunk aborts the
// drain and surfaces as a *StreamError; context cancellation surfaces as
// ctx.Err().
func Collect(ctx context.Context, chunks <-chan Chunk) (*Response, error) {
	var (
		text strings.Builder
		resp Response
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				resp.Text = text.String()
				return &resp, nil
			}
			switch c := chunk.(type) {
			case *TextChunk:
				text.WriteString(c.Content)
			case *ToolCallChunk:
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: c.CallID, Name: c.Name, Arguments: c.Arguments})
			case *UsageChunk:
				resp.Usage = *c
			case *ErrorChunk:
				return nil, &StreamError{Message: c.Message, Code: c.Code, Retryable: c.Retryable}
			}
		}
	}
}

// Complete runs a one-shot prompt with no tools and returns the trimmed
// text. Mini calls (timezone resolution, resummarization) go through here.
func Complete(ctx context.Context, client Client, system, prompt, model string, maxTokens int) (string, error) {
	chunks, err := client.Generate(ctx, &GenerateInput{
		System:    system,
		Messages:  []ConversationMessage{{Role: RoleUser, Content: prompt}},
		Model:     model,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	resp, err := Collect(ctx, chunks)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
