package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/treufabrik/dirigent/pkg/models"
)

// ThreadRepo is the durable side of chat threads: the authoritative message
// copy at {company_id}/chats/{thread_key}/messages/{message_id} and the
// thread metadata documents. The KV history blob is a 24h cache in front of
// this; streaming updates never touch it, so exactly one write lands here
// per finished message.
type ThreadRepo struct {
	threads  *mongo.Collection
	messages *mongo.Collection
	timeout  time.Duration
}

// EnsureThread creates the thread metadata document if it does not exist
// and returns it. Existing threads are returned as-is so task executions
// keep their history across runs.
func (r *ThreadRepo) EnsureThread(ctx context.Context, meta *models.ThreadMeta) (*models.ThreadMeta, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"company_id": meta.CompanyID, "thread_key": meta.ThreadKey}
	update := bson.M{
		"$set": bson.M{"last_activity": time.Now().UTC()},
		"$setOnInsert": bson.M{
			"company_id":    meta.CompanyID,
			"thread_key":    meta.ThreadKey,
			"user_id":       meta.UserID,
			"chat_mode":     meta.ChatMode,
			"system_prompt": meta.SystemPrompt,
			"created_at":    meta.CreatedAt.UTC(),
		},
	}
	if _, err := r.threads.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return nil, fmt.Errorf("ensure thread %s: %w", meta.ThreadKey, err)
	}

	var out threadDocument
	if err := r.threads.FindOne(ctx, filter).Decode(&out); err != nil {
		return nil, fmt.Errorf("load thread %s: %w", meta.ThreadKey, err)
	}
	return out.toMeta(), nil
}

// SetActiveExecution points the thread at a running task execution
// (nil clears it).
func (r *ThreadRepo) SetActiveExecution(ctx context.Context, companyID, threadKey string, ref *models.ExecutionRef) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"company_id": companyID, "thread_key": threadKey}
	update := bson.M{"$set": bson.M{"active_execution": ref}}
	if _, err := r.threads.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("set active execution on %s: %w", threadKey, err)
	}
	return nil
}

// WriteMessage persists one finished message. Upsert keyed by message id:
// re-writing the same final message converges instead of duplicating.
func (r *ThreadRepo) WriteMessage(ctx context.Context, companyID, threadKey string, msg *models.ChatMessage) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"company_id": companyID, "thread_key": threadKey, "message_id": msg.ID}
	update := bson.M{"$set": bson.M{
		"company_id":   companyID,
		"thread_key":   threadKey,
		"message_id":   msg.ID,
		"role":         msg.Role,
		"content":      msg.Content,
		"timestamp":    msg.Timestamp.UTC(),
		"tool_calls":   msg.ToolCalls,
		"tool_call_id": msg.ToolCallID,
		"tool_name":    msg.ToolName,
		"metadata":     msg.Metadata,
	}}
	if _, err := r.messages.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("write message %d on %s: %w", msg.ID, threadKey, err)
	}

	activity := bson.M{"$set": bson.M{"last_activity": msg.Timestamp.UTC()}}
	if _, err := r.threads.UpdateOne(ctx, bson.M{"company_id": companyID, "thread_key": threadKey}, activity); err != nil {
		return fmt.Errorf("touch thread %s: %w", threadKey, err)
	}
	return nil
}

// ListMessages returns a thread's messages ordered by id ascending.
func (r *ThreadRepo) ListMessages(ctx context.Context, companyID, threadKey string) ([]*models.ChatMessage, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"company_id": companyID, "thread_key": threadKey}
	cur, err := r.messages.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", threadKey, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var msgs []*models.ChatMessage
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", threadKey, err)
	}
	return msgs, nil
}

// GetThread loads thread metadata.
func (r *ThreadRepo) GetThread(ctx context.Context, companyID, threadKey string) (*models.ThreadMeta, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"company_id": companyID, "thread_key": threadKey}
	var doc threadDocument
	if err := r.threads.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread %s: %w", threadKey, err)
	}
	return doc.toMeta(), nil
}

// DeleteThread removes the thread metadata and all of its messages.
func (r *ThreadRepo) DeleteThread(ctx context.Context, companyID, threadKey string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"company_id": companyID, "thread_key": threadKey}
	if _, err := r.messages.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete thread messages %s: %w", threadKey, err)
	}
	if _, err := r.threads.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadKey, err)
	}
	return nil
}

type threadDocument struct {
	CompanyID       string               `bson:"company_id"`
	ThreadKey       string               `bson:"thread_key"`
	UserID          string               `bson:"user_id"`
	ChatMode        models.ChatMode      `bson:"chat_mode"`
	SystemPrompt    string               `bson:"system_prompt,omitempty"`
	CreatedAt       time.Time            `bson:"created_at"`
	LastActivity    time.Time            `bson:"last_activity"`
	ActiveExecution *models.ExecutionRef `bson:"active_execution,omitempty"`
}

func (d threadDocument) toMeta() *models.ThreadMeta {
	return &models.ThreadMeta{
		ThreadKey:       d.ThreadKey,
		UserID:          d.UserID,
		CompanyID:       d.CompanyID,
		ChatMode:        d.ChatMode,
		SystemPrompt:    d.SystemPrompt,
		CreatedAt:       d.CreatedAt,
		LastActivity:    d.LastActivity,
		ActiveExecution: d.ActiveExecution,
	}
}

type messageDocument struct {
	MessageID  int64                 `bson:"message_id"`
	Role       models.Role           `bson:"role"`
	Content    string                `bson:"content"`
	Timestamp  time.Time             `bson:"timestamp"`
	ToolCalls  []models.ToolCallMeta `bson:"tool_calls,omitempty"`
	ToolCallID string                `bson:"tool_call_id,omitempty"`
	ToolName   string                `bson:"tool_name,omitempty"`
	Metadata   map[string]any        `bson:"metadata,omitempty"`
}

func (d messageDocument) toMessage() *models.ChatMessage {
	return &models.ChatMessage{
		ID:         d.MessageID,
		Role:       d.Role,
		Content:    d.Content,
		Timestamp:  d.Timestamp,
		ToolCalls:  d.ToolCalls,
		ToolCallID: d.ToolCallID,
		ToolName:   d.ToolName,
		Metadata:   d.Metadata,
	}
}
