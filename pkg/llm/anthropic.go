package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient is the subset of the Anthropic SDK used here. Satisfied by
// *sdk.MessageService; tests pass a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicConfig configures the Anthropic-backed client.
type AnthropicConfig struct {
	APIKey      string
	Model       string // default model for conversation turns
	MiniModel   string // small model for one-shot calls (timezone, summaries)
	MaxTokens   int
	Temperature float64
}

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	msg         MessagesClient
	model       string
	miniModel   string
	maxTokens   int
	temperature float64
}

// NewAnthropicClient builds the production client from an API key.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return newAnthropicClient(&ac.Messages, cfg)
}

func newAnthropicClient(msg MessagesClient, cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, errors.New("anthropic model identifier is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	mini := cfg.MiniModel
	if mini == "" {
		mini = cfg.Model
	}
	return &AnthropicClient{
		msg:         msg,
		model:       cfg.Model,
		miniModel:   mini,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// MiniModel returns the small model identifier for one-shot calls.
func (c *AnthropicClient) MiniModel() string { return c.miniModel }

// Generate opens a streaming Messages request and pumps provider events
// into the chunk channel. The channel closes when the stream ends; provider
// failures mid-stream arrive as a final ErrorChunk.
func (c *AnthropicClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	params, err := c.buildParams(input)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapProviderErr(err)
	}
	out := make(chan Chunk, 32)
	go c.pump(ctx, stream, out)
	return out, nil
}

// Close is a no-op; the SDK client holds no persistent connection.
func (c *AnthropicClient) Close() error { return nil }

func (c *AnthropicClient) buildParams(input *GenerateInput) (*sdk.MessageNewParams, error) {
	if len(input.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	model := input.Model
	if model == "" {
		model = c.model
	}
	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs, err := encodeMessages(input.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if input.System != "" {
		params.System = []sdk.TextBlockParam{{Text: input.System}}
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	if tools, err := encodeTools(input.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

func encodeMessages(msgs []ConversationMessage) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("anthropic: tool result message missing tool_call_id")
			}
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))
		case RoleSystem:
			// System content travels in params.System; inline system entries
			// (resummarization prefixes) are folded into a user message so
			// ordering survives.
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", def.Name)
		}
		var schema map[string]any
		if def.ParametersSchema != "" {
			if err := json.Unmarshal([]byte(def.ParametersSchema), &schema); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// pump converts SDK stream events into chunks. Tool call argument JSON
// arrives as deltas per content block; it is buffered per block index and
// emitted as one ToolCallChunk at block stop.
func (c *AnthropicClient) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- Chunk) {
	defer close(out)
	defer func() { _ = stream.Close() }()

	toolBlocks := make(map[int]*toolBuffer)

	emit := func(chunk Chunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		if ctx.Err() != nil {
			return
		}
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(&TextChunk{Content: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if !emit(&ThinkingChunk{Content: delta.Thinking}) {
					return
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if tb := toolBlocks[idx]; tb != nil {
				delete(toolBlocks, idx)
				if !emit(&ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.finalInput()}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			usage := &UsageChunk{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
				TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			}
			if !emit(usage) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Anthropic stream failed", "error", err)
		emit(&ErrorChunk{
			Message:   err.Error(),
			Code:      providerErrCode(err),
			Retryable: IsTransient(wrapProviderErr(err)),
		})
	}
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func wrapProviderErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("anthropic messages: %w", err)
}

func providerErrCode(err error) string {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	}
	return "provider_error"
}
