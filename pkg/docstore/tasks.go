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

// TaskRepo persists Task documents under (mandate_path, task_id).
type TaskRepo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Create inserts a new task. Fails if the (mandate_path, task_id) pair exists.
func (r *TaskRepo) Create(ctx context.Context, task *models.Task) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.InsertOne(ctx, task); err != nil {
		return fmt.Errorf("create task %s: %w", task.TaskID, err)
	}
	return nil
}

// Get loads one task.
func (r *TaskRepo) Get(ctx context.Context, mandatePath, taskID string) (*models.Task, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"mandate_path": mandatePath, "task_id": taskID}
	var task models.Task
	if err := r.coll.FindOne(ctx, filter).Decode(&task); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &task, nil
}

// List returns all tasks under a mandate, newest first.
func (r *TaskRepo) List(ctx context.Context, mandatePath string) ([]*models.Task, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	cur, err := r.coll.Find(ctx, bson.M{"mandate_path": mandatePath},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var tasks []*models.Task
	for cur.Next(ctx) {
		var task models.Task
		if err := cur.Decode(&task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Update replaces the mutable task fields.
func (r *TaskRepo) Update(ctx context.Context, task *models.Task) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	task.UpdatedAt = time.Now().UTC()
	filter := bson.M{"mandate_path": task.MandatePath, "task_id": task.TaskID}
	res, err := r.coll.ReplaceOne(ctx, filter, task)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.TaskID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag and the matching active/paused status.
// Callers guard completed tasks; a retired task must not come back.
func (r *TaskRepo) SetEnabled(ctx context.Context, mandatePath, taskID string, enabled bool) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	status := models.TaskPaused
	if enabled {
		status = models.TaskActive
	}
	filter := bson.M{"mandate_path": mandatePath, "task_id": taskID}
	update := bson.M{"$set": bson.M{"enabled": enabled, "status": status, "updated_at": time.Now().UTC()}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("set task enabled %s: %w", taskID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task.
func (r *TaskRepo) Delete(ctx context.Context, mandatePath, taskID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"mandate_path": mandatePath, "task_id": taskID})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceSchedule writes the task's next firing and increments
// execution_count. Used by the scheduler after spawning a SCHEDULED run.
func (r *TaskRepo) AdvanceSchedule(ctx context.Context, mandatePath, taskID string, nextUTC time.Time, nextLocal string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"mandate_path": mandatePath, "task_id": taskID}
	update := bson.M{
		"$set": bson.M{
			"schedule.next_execution_utc":        nextUTC.UTC(),
			"schedule.next_execution_local_time": nextLocal,
			"updated_at":                         time.Now().UTC(),
		},
		"$inc": bson.M{"execution_count": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("advance task schedule %s: %w", taskID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementExecutionCount bumps the run counter for an off-schedule run.
// Scheduled fires count through AdvanceSchedule instead.
func (r *TaskRepo) IncrementExecutionCount(ctx context.Context, mandatePath, taskID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"mandate_path": mandatePath, "task_id": taskID}
	update := bson.M{
		"$set": bson.M{"updated_at": time.Now().UTC()},
		"$inc": bson.M{"execution_count": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("increment execution count %s: %w", taskID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Retire marks a ONE_TIME task done: disabled, completed, stamped. Also
// increments execution_count for the run that just fired.
func (r *TaskRepo) Retire(ctx context.Context, mandatePath, taskID string, at time.Time) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"mandate_path": mandatePath, "task_id": taskID}
	update := bson.M{
		"$set": bson.M{
			"enabled":      false,
			"status":       models.TaskCompleted,
			"completed_at": at.UTC(),
			"updated_at":   at.UTC(),
		},
		"$inc": bson.M{"execution_count": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("retire task %s: %w", taskID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteReport promotes an execution's final report onto the parent task.
func (r *TaskRepo) WriteReport(ctx context.Context, mandatePath, taskID string, report *models.ExecutionReport) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"mandate_path": mandatePath, "task_id": taskID}
	update := bson.M{"$set": bson.M{
		"last_execution_report": report,
		"updated_at":            time.Now().UTC(),
	}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("write task report %s: %w", taskID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
