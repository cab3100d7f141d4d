package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/treufabrik/dirigent/pkg/models"
)

// ExecutionRepo persists Execution documents under (task_id, execution_id).
// Executions are ephemeral: created when a trigger fires, deleted on
// finalize. The lpt_tasks map doubles as the callback idempotency ledger.
type ExecutionRepo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Create inserts a new running execution.
func (r *ExecutionRepo) Create(ctx context.Context, exec *models.Execution) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.InsertOne(ctx, exec); err != nil {
		return fmt.Errorf("create execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

// Get loads one execution.
func (r *ExecutionRepo) Get(ctx context.Context, taskID, executionID string) (*models.Execution, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"task_id": taskID, "execution_id": executionID}
	var exec models.Execution
	if err := r.coll.FindOne(ctx, filter).Decode(&exec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return &exec, nil
}

// FindByLPT locates the execution holding an LPT ledger entry. The thread
// key of a task execution equals its task id, so callers pass that.
func (r *ExecutionRepo) FindByLPT(ctx context.Context, taskID, lptID string) (*models.Execution, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{
		"task_id":            taskID,
		"lpt_tasks." + lptID: bson.M{"$exists": true},
	}
	var exec models.Execution
	if err := r.coll.FindOne(ctx, filter).Decode(&exec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find execution by lpt %s: %w", lptID, err)
	}
	return &exec, nil
}

// UpdateChecklist replaces the execution's checklist.
func (r *ExecutionRepo) UpdateChecklist(ctx context.Context, taskID, executionID string, checklist *models.Checklist) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"task_id": taskID, "execution_id": executionID}
	update := bson.M{"$set": bson.M{"checklist": checklist}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update checklist %s: %w", executionID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// PutLPT writes one entry of the lpt_tasks ledger.
func (r *ExecutionRepo) PutLPT(ctx context.Context, taskID, executionID string, record *models.LPTRecord) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"task_id": taskID, "execution_id": executionID}
	update := bson.M{"$set": bson.M{"lpt_tasks." + record.LPTID: record}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("record lpt %s: %w", record.LPTID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the execution's lifecycle status.
func (r *ExecutionRepo) SetStatus(ctx context.Context, taskID, executionID string, status models.ExecutionStatus) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"task_id": taskID, "execution_id": executionID}
	update := bson.M{"$set": bson.M{"status": status}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("set execution status %s: %w", executionID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a finalized execution.
func (r *ExecutionRepo) Delete(ctx context.Context, taskID, executionID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"task_id": taskID, "execution_id": executionID})
	if err != nil {
		return fmt.Errorf("delete execution %s: %w", executionID, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
