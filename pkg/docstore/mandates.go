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

// MandateRepo reads and updates mandate profile documents. Sessions are
// materialized from these; the timezone resolver persists its answer here.
type MandateRepo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Get loads the profile at a mandate path.
func (r *MandateRepo) Get(ctx context.Context, mandatePath string) (*models.MandateProfile, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var profile models.MandateProfile
	if err := r.coll.FindOne(ctx, bson.M{"mandate_path": mandatePath}).Decode(&profile); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get mandate %s: %w", mandatePath, err)
	}
	return &profile, nil
}

// FindByUserCompany locates the profile for a (user, company) pair.
func (r *MandateRepo) FindByUserCompany(ctx context.Context, userID, companyID string) (*models.MandateProfile, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"user_id": userID, "company_id": companyID}
	var profile models.MandateProfile
	if err := r.coll.FindOne(ctx, filter).Decode(&profile); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find mandate for %s/%s: %w", userID, companyID, err)
	}
	return &profile, nil
}

// Upsert writes a full profile document.
func (r *MandateRepo) Upsert(ctx context.Context, profile *models.MandateProfile) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	profile.UpdatedAt = time.Now().UTC()
	filter := bson.M{"mandate_path": profile.MandatePath}
	update := bson.M{"$set": profile}
	if _, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert mandate %s: %w", profile.MandatePath, err)
	}
	return nil
}

// SetTimezone persists a resolved IANA timezone on the mandate so the
// resolver runs at most once per mandate.
func (r *MandateRepo) SetTimezone(ctx context.Context, mandatePath, timezone string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"mandate_path": mandatePath}
	update := bson.M{"$set": bson.M{"timezone": timezone, "updated_at": time.Now().UTC()}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("set mandate timezone %s: %w", mandatePath, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobMetrics merges the given metric fields into the profile.
func (r *MandateRepo) UpdateJobMetrics(ctx context.Context, mandatePath string, metrics map[string]any) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range metrics {
		set["job_metrics."+k] = v
	}
	filter := bson.M{"mandate_path": mandatePath}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update mandate job metrics %s: %w", mandatePath, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
