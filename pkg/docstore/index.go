package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/treufabrik/dirigent/pkg/models"
)

// SchedulerIndexRepo maintains the flat trigger-time mirror the tick query
// runs against. Every active SCHEDULED/ONE_TIME task owns exactly one entry.
type SchedulerIndexRepo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Upsert writes a task's index entry, creating it if missing.
func (r *SchedulerIndexRepo) Upsert(ctx context.Context, entry *models.SchedulerIndexEntry) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"slug_id": entry.SlugID}
	update := bson.M{"$set": bson.M{
		"slug_id":            entry.SlugID,
		"mandate_path":       entry.MandatePath,
		"task_id":            entry.TaskID,
		"next_execution_utc": entry.NextExecutionUTC.UTC(),
		"enabled":            entry.Enabled,
	}}
	if _, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert scheduler index %s: %w", entry.SlugID, err)
	}
	return nil
}

// Delete removes a task's index entry. Missing entries are not an error;
// task deletion must be idempotent from the scheduler's perspective.
func (r *SchedulerIndexRepo) Delete(ctx context.Context, slugID string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.coll.DeleteOne(ctx, bson.M{"slug_id": slugID}); err != nil {
		return fmt.Errorf("delete scheduler index %s: %w", slugID, err)
	}
	return nil
}

// DueBefore returns enabled entries whose trigger time has passed, ordered
// by next_execution_utc ascending.
func (r *SchedulerIndexRepo) DueBefore(ctx context.Context, now time.Time) ([]*models.SchedulerIndexEntry, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{
		"enabled":            true,
		"next_execution_utc": bson.M{"$lte": now.UTC()},
	}
	cur, err := r.coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "next_execution_utc", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var entries []*models.SchedulerIndexEntry
	for cur.Next(ctx) {
		var entry models.SchedulerIndexEntry
		if err := cur.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode scheduler index entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	return entries, nil
}
