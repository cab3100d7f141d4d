// Package docstore is the durable document store behind the orchestrator:
// tasks and their executions, the scheduler index, mandate profiles, company
// documents, and the authoritative copy of thread messages. One MongoDB
// database, one repository type per concern.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

const defaultOpTimeout = 5 * time.Second

// Config holds the document store connection settings.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Client wraps the Mongo connection and hands out repositories.
type Client struct {
	mongo   *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// NewClient connects to the document store and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, errors.New("docstore URI is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("docstore database name is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mc, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docstore: %w", err)
	}
	if err := mc.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = mc.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping docstore: %w", err)
	}

	c := &Client{
		mongo:   mc,
		db:      mc.Database(cfg.Database),
		timeout: timeout,
	}
	if err := c.ensureIndexes(ctx); err != nil {
		_ = mc.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ensure docstore indexes: %w", err)
	}
	return c, nil
}

// Ping verifies the connection, for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Close disconnects from the document store.
func (c *Client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

// Tasks returns the task repository.
func (c *Client) Tasks() *TaskRepo {
	return &TaskRepo{coll: c.db.Collection(collTasks), timeout: c.timeout}
}

// Executions returns the execution repository.
func (c *Client) Executions() *ExecutionRepo {
	return &ExecutionRepo{coll: c.db.Collection(collExecutions), timeout: c.timeout}
}

// SchedulerIndex returns the scheduler index repository.
func (c *Client) SchedulerIndex() *SchedulerIndexRepo {
	return &SchedulerIndexRepo{coll: c.db.Collection(collScheduledTasks), timeout: c.timeout}
}

// Threads returns the durable thread message repository.
func (c *Client) Threads() *ThreadRepo {
	return &ThreadRepo{
		threads:  c.db.Collection(collThreads),
		messages: c.db.Collection(collMessages),
		timeout:  c.timeout,
	}
}

// Mandates returns the mandate profile repository.
func (c *Client) Mandates() *MandateRepo {
	return &MandateRepo{coll: c.db.Collection(collMandates), timeout: c.timeout}
}

// Documents returns the company document repository.
func (c *Client) Documents() *DocumentRepo {
	return &DocumentRepo{coll: c.db.Collection(collDocuments), timeout: c.timeout}
}

const (
	collTasks          = "tasks"
	collExecutions     = "task_executions"
	collScheduledTasks = "scheduled_tasks"
	collThreads        = "threads"
	collMessages       = "thread_messages"
	collMandates       = "mandates"
	collDocuments      = "documents"
)

func (c *Client) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	indexes := map[string][]mongo.IndexModel{
		collTasks: {
			{
				Keys:    bson.D{{Key: "mandate_path", Value: 1}, {Key: "task_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collExecutions: {
			{
				Keys:    bson.D{{Key: "task_id", Value: 1}, {Key: "execution_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collScheduledTasks: {
			{
				Keys:    bson.D{{Key: "slug_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "enabled", Value: 1}, {Key: "next_execution_utc", Value: 1}},
			},
		},
		collThreads: {
			{
				Keys:    bson.D{{Key: "company_id", Value: 1}, {Key: "thread_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		collMessages: {
			{
				Keys: bson.D{
					{Key: "company_id", Value: 1},
					{Key: "thread_key", Value: 1},
					{Key: "message_id", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
		collMandates: {
			{
				Keys:    bson.D{{Key: "mandate_path", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "company_id", Value: 1}},
			},
		},
		collDocuments: {
			{
				Keys: bson.D{{Key: "company_id", Value: 1}, {Key: "name", Value: 1}},
			},
		},
	}

	for coll, models := range indexes {
		for _, model := range models {
			if _, err := c.db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
				return fmt.Errorf("index on %s: %w", coll, err)
			}
		}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
