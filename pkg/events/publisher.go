package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/treufabrik/dirigent/pkg/store"
)

// Publisher writes typed events onto thread channels via the store's
// pub/sub. Everything it publishes is transient: durable state (history,
// checklists) is written by the caller before publishing, so a lost event
// costs a UI refresh, never data.
//
// Each public method takes the channel triple (user, company, thread)
// explicitly; the channel layout lives in pkg/store with the rest of the
// key namespace.
type Publisher struct {
	kv store.Store

	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

// NewPublisher creates a Publisher over the shared store.
func NewPublisher(kv store.Store) *Publisher {
	return &Publisher{kv: kv, now: time.Now}
}

// StreamStart announces a new streamed assistant turn.
func (p *Publisher) StreamStart(ctx context.Context, userID, companyID, threadKey, messageID string) error {
	return p.publish(ctx, userID, companyID, threadKey, StreamStartPayload{
		Type:      EventStreamStart,
		MessageID: messageID,
		ThreadKey: threadKey,
		SpaceCode: companyID,
		Timestamp: p.timestamp(),
	})
}

// StreamChunk publishes one token batch. seq starts at 1 and increases by
// one per chunk within a stream.
func (p *Publisher) StreamChunk(ctx context.Context, userID, companyID, threadKey, messageID string, seq int, chunk, accumulated string, isFinal bool) error {
	return p.publish(ctx, userID, companyID, threadKey, StreamChunkPayload{
		Type:        EventStreamChunk,
		MessageID:   messageID,
		Seq:         seq,
		Chunk:       chunk,
		Accumulated: accumulated,
		IsFinal:     isFinal,
		Timestamp:   p.timestamp(),
	})
}

// StreamComplete seals a streamed turn after the durable history write.
func (p *Publisher) StreamComplete(ctx context.Context, userID, companyID, threadKey, messageID, fullContent string, meta StreamMetadata) error {
	if meta.CompletedAt == "" {
		meta.CompletedAt = p.timestamp()
	}
	return p.publish(ctx, userID, companyID, threadKey, StreamCompletePayload{
		Type:        EventStreamComplete,
		MessageID:   messageID,
		FullContent: fullContent,
		Metadata:    meta,
		Timestamp:   p.timestamp(),
	})
}

// StreamInterrupted reports a cancelled stream and the content kept.
func (p *Publisher) StreamInterrupted(ctx context.Context, userID, companyID, threadKey, messageID, accumulated string) error {
	return p.publish(ctx, userID, companyID, threadKey, StreamInterruptedPayload{
		Type:        EventStreamInterrupted,
		MessageID:   messageID,
		Accumulated: accumulated,
		Timestamp:   p.timestamp(),
	})
}

// StreamError reports a provider failure that ended the turn.
func (p *Publisher) StreamError(ctx context.Context, userID, companyID, threadKey, messageID, errMsg string) error {
	return p.publish(ctx, userID, companyID, threadKey, StreamErrorPayload{
		Type:      EventStreamError,
		MessageID: messageID,
		Error:     errMsg,
		Timestamp: p.timestamp(),
	})
}

// PublishCommand mirrors a workflow command (checklist creation, step
// update) onto the thread channel. Satisfies the tool layer's publisher
// contract.
func (p *Publisher) PublishCommand(ctx context.Context, userID, companyID, threadKey, event string, payload any) error {
	return p.publish(ctx, userID, companyID, threadKey, CommandPayload{
		Type:      event,
		ThreadKey: threadKey,
		SpaceCode: companyID,
		Payload:   payload,
		Timestamp: p.timestamp(),
	})
}

func (p *Publisher) publish(ctx context.Context, userID, companyID, threadKey string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	channel := store.ThreadChannel(userID, companyID, threadKey)
	if err := p.kv.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	return nil
}

func (p *Publisher) timestamp() string {
	return p.now().UTC().Format(time.RFC3339Nano)
}
