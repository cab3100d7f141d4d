package docstore

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/treufabrik/dirigent/pkg/models"
)

// DocumentRepo searches company documents. Read-only from the
// orchestrator's point of view except for test seeding.
type DocumentRepo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Search finds documents for a company whose name matches the query
// (case-insensitive substring), optionally filtered by doc type. Results are
// newest-first and capped at limit (default 20).
func (r *DocumentRepo) Search(ctx context.Context, companyID, query, docType string, limit int) ([]models.Document, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	filter := bson.M{"company_id": companyID}
	if query != "" {
		// QuoteMeta keeps a name search a literal substring match.
		filter["name"] = bson.M{"$regex": primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}}
	}
	if docType != "" {
		filter["doc_type"] = docType
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "uploaded_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("search documents for %s: %w", companyID, err)
	}
	defer cursor.Close(ctx)

	var docs []models.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode documents for %s: %w", companyID, err)
	}
	return docs, nil
}

// Insert stores a document record. Used by tests and backfill tooling.
func (r *DocumentRepo) Insert(ctx context.Context, doc *models.Document) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert document %s: %w", doc.DocumentID, err)
	}
	return nil
}
