package mongo

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	db *mongo.Database
}

// NewIndexInitializer creates a new index initializer
func NewIndexInitializer(db *mongo.Database) *IndexInitializer {
	return &IndexInitializer{db: db}
}

// Initialize creates all required indexes
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.getIndexDefinitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.db.Collection(idx.Collection)

	indexModel := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	}

	_, err := collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// dispatch_jobs
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "idempotencyKey", Value: 1}},
			Options:    options.Index().SetUnique(true).SetSparse(true),
		},
		{
			// Due-job polling: status filter + scheduledFor window
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "scheduledFor", Value: 1}},
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "dispatchPoolId", Value: 1}, {Key: "status", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		{
			// FIFO group gating: blocked-group checks and pending counts
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "messageGroup", Value: 1}, {Key: "status", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		{
			// Stale QUEUED sweep scans by last update time
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "updatedAt", Value: 1}},
		},
		{
			Collection: "dispatch_jobs",
			Keys:       bson.D{{Key: "createdAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(int32(30 * 24 * time.Hour / time.Second)),
		},

		// dispatch_pools
		{
			Collection: "dispatch_pools",
			Keys:       bson.D{{Key: "code", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			Collection: "dispatch_pools",
			Keys:       bson.D{{Key: "status", Value: 1}},
		},
	}
}
