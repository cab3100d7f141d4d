// Package brain holds the per-thread in-memory projection the workflow
// executor runs against: the conversation, the bound mode and system prompt,
// the token accumulator, and the live streaming handle. Brains are owned by
// the Cache, which hands them out one checkout at a time so every thread's
// turn loop is strictly serial.
package brain

import (
	"context"
	"sync"
	"time"

	"github.com/treufabrik/dirigent/pkg/models"
)

// Brain is one thread's working state. All mutating methods are safe for
// concurrent use, but the turn loop itself must run under a Cache checkout;
// only the stream-cancel path touches a checked-out Brain from outside.
type Brain struct {
	ThreadKey string
	UserID    string
	CompanyID string

	// sem is the checkout token. Held by exactly one workflow at a time.
	sem chan struct{}

	mu           sync.Mutex
	mode         models.ChatMode
	systemPrompt string // mode template + mandate context (+ mission for tasks)
	summary      string // compressed prefix from resummarization
	messages     []models.ChatMessage
	tokens       int
	execution    *models.ExecutionRef
	mission      *models.Mission

	streaming    bool
	cancelStream context.CancelFunc
	summarizing  bool

	lastUsed time.Time
}

func newBrain(userID, companyID, threadKey string) *Brain {
	return &Brain{
		ThreadKey: threadKey,
		UserID:    userID,
		CompanyID: companyID,
		sem:       make(chan struct{}, 1),
		lastUsed:  time.Now(),
	}
}

// Mode returns the bound chat mode.
func (b *Brain) Mode() models.ChatMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Rebind sets the chat mode and its system prompt. A mode switch keeps the
// message list; only the instructions change.
func (b *Brain) Rebind(mode models.ChatMode, systemPrompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
	b.systemPrompt = systemPrompt
}

// SetSystemPrompt replaces the instructions without touching the mode.
func (b *Brain) SetSystemPrompt(prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.systemPrompt = prompt
}

// RequestSystem is the full system text sent to the provider: the summary
// prefix (when one exists) followed by the live instructions.
func (b *Brain) RequestSystem() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ComposeWithSummary(b.systemPrompt, b.summary)
}

// SystemPrompt returns the live instructions without the summary prefix.
func (b *Brain) SystemPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.systemPrompt
}

// Summary returns the compressed context prefix, if any.
func (b *Brain) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary
}

// Messages returns a copy of the projected conversation.
func (b *Brain) Messages() []models.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ChatMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Append records a message on the projection and charges its tokens.
// The caller is responsible for the matching durable history write.
func (b *Brain) Append(msg models.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	b.tokens += MessageTokens(msg)
	b.lastUsed = time.Now()
}

// ReplaceMessages swaps the projection wholesale and recounts tokens.
// Used by hydration and by history rewrites.
func (b *Brain) ReplaceMessages(msgs []models.ChatMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = make([]models.ChatMessage, len(msgs))
	copy(b.messages, msgs)
	b.tokens = TranscriptTokens(b.messages)
	b.lastUsed = time.Now()
}

// ApplySummary installs a fresh summary, keeps only the trailing keep
// messages, and recounts tokens. The summary itself is charged against the
// budget since the provider reads it on every turn.
func (b *Brain) ApplySummary(summary string, keep int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary = summary
	if keep < 0 {
		keep = 0
	}
	if len(b.messages) > keep {
		tail := make([]models.ChatMessage, keep)
		copy(tail, b.messages[len(b.messages)-keep:])
		b.messages = tail
	}
	b.tokens = TranscriptTokens(b.messages) + CountTokens(summary)
}

func (b *Brain) setSummary(summary string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary = summary
}

// TokenCount is the current context charge: projected messages plus the
// summary prefix.
func (b *Brain) TokenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// BindExecution attaches the task execution this thread is driving so the
// checklist tools know their target.
func (b *Brain) BindExecution(ref *models.ExecutionRef, mission *models.Mission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execution = ref
	b.mission = mission
}

// Execution returns the bound execution reference, or nil.
func (b *Brain) Execution() *models.ExecutionRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.execution
}

// Mission returns the mission of the bound execution, or nil.
func (b *Brain) Mission() *models.Mission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mission
}

// ClearExecution detaches the execution after finalization.
func (b *Brain) ClearExecution() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.execution = nil
	b.mission = nil
}

// BeginStream marks the thread as streaming and stores the cancel func the
// stop_streaming RPC fires.
func (b *Brain) BeginStream(cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streaming = true
	b.cancelStream = cancel
}

// EndStream clears the streaming state.
func (b *Brain) EndStream() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streaming = false
	b.cancelStream = nil
}

// CancelStream aborts the in-flight stream, if any. Reports whether a
// stream was actually cancelled.
func (b *Brain) CancelStream() bool {
	b.mu.Lock()
	cancel := b.cancelStream
	b.streaming = false
	b.cancelStream = nil
	b.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Streaming reports whether a stream is in flight on the thread.
func (b *Brain) Streaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaming
}

// beginSummarize flips the coalescing flag; false means one is already
// running and the caller must not start another.
func (b *Brain) beginSummarize() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.summarizing {
		return false
	}
	b.summarizing = true
	return true
}

func (b *Brain) endSummarize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summarizing = false
}

func (b *Brain) touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = time.Now()
}

func (b *Brain) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

// tryAcquire takes the checkout token without blocking.
func (b *Brain) tryAcquire() bool {
	select {
	case b.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire blocks until the checkout token is free or ctx ends.
func (b *Brain) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Brain) release() {
	select {
	case <-b.sem:
	default:
		// Double release is a programming error; tolerate it.
	}
}
