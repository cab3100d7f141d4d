package brain

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/treufabrik/dirigent/pkg/models"
)

// Per-message framing overhead charged on top of the content tokens. The
// provider wraps every message in role markers; four tokens is the usual
// cl100k approximation.
const messageOverheadTokens = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens counts text tokens with cl100k_base, falling back to a
// rune/word heuristic when the encoding tables are unavailable.
func CountTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// MessageTokens charges a chat message: content, tool call arguments, and
// framing overhead.
func MessageTokens(msg models.ChatMessage) int {
	total := messageOverheadTokens + CountTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += CountTokens(tc.Name) + CountTokens(tc.Arguments)
	}
	return total
}

// TranscriptTokens sums MessageTokens over a message list.
func TranscriptTokens(msgs []models.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += MessageTokens(m)
	}
	return total
}
