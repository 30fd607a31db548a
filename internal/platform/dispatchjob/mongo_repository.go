package dispatchjob

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/internal/common/repository"
)

// mongoRepository provides MongoDB access to dispatch job data
type mongoRepository struct {
	jobs *mongo.Collection
}

// NewRepository creates a new dispatch job repository with instrumentation
func NewRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		jobs: db.Collection("dispatch_jobs"),
	})
}

// FindPending finds pending jobs ready for dispatch, oldest first. A job
// without a scheduledFor is due immediately.
func (r *mongoRepository) FindPending(ctx context.Context, limit int64) ([]*DispatchJob, error) {
	filter := bson.M{
		"status": DispatchStatusPending,
		"$or": []bson.M{
			{"scheduledFor": bson.M{"$exists": false}},
			{"scheduledFor": bson.M{"$lte": time.Now()}},
		},
	}

	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := r.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*DispatchJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindStaleQueued finds jobs that have been queued too long (stuck)
func (r *mongoRepository) FindStaleQueued(ctx context.Context, threshold time.Duration) ([]*DispatchJob, error) {
	staleTime := time.Now().Add(-threshold)

	filter := bson.M{
		"status":    DispatchStatusQueued,
		"updatedAt": bson.M{"$lt": staleTime},
	}

	cursor, err := r.jobs.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*DispatchJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkQueued marks a job as queued
func (r *mongoRepository) MarkQueued(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, DispatchStatusQueued)
}

// MarkError marks a job as errored
func (r *mongoRepository) MarkError(ctx context.Context, id string, errorMsg string) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":    DispatchStatusError,
			"lastError": errorMsg,
			"updatedAt": now,
		},
	}

	result, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RequeueStale returns a stale QUEUED job to PENDING, counting the requeue
// so the stale poller can bound retries per job
func (r *mongoRepository) RequeueStale(ctx context.Context, id string) error {
	update := bson.M{
		"$set": bson.M{
			"status":    DispatchStatusPending,
			"updatedAt": time.Now(),
		},
		"$inc": bson.M{"requeueCount": 1},
	}

	result, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// HasBlockingErrorJobs returns true if the message group contains an ERROR
// job whose mode is BLOCK_ON_ERROR. Such a job holds the group's later
// dispatches until it is retried or cancelled.
func (r *mongoRepository) HasBlockingErrorJobs(ctx context.Context, messageGroup string) (bool, error) {
	filter := bson.M{
		"messageGroup": messageGroup,
		"status":       DispatchStatusError,
		"mode":         DispatchModeBlockOnError,
	}

	count, err := r.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetBlockedMessageGroups resolves which of the provided groups contain a
// blocking failure, mapping each to the time its oldest blocking ERROR job
// entered that state.
func (r *mongoRepository) GetBlockedMessageGroups(ctx context.Context, groups []string) (map[string]time.Time, error) {
	if len(groups) == 0 {
		return map[string]time.Time{}, nil
	}

	pipeline := []bson.M{
		{
			"$match": bson.M{
				"messageGroup": bson.M{"$in": groups},
				"status":       DispatchStatusError,
				"mode":         DispatchModeBlockOnError,
			},
		},
		{
			"$group": bson.M{
				"_id":          "$messageGroup",
				"blockedSince": bson.M{"$min": "$updatedAt"},
			},
		},
	}

	cursor, err := r.jobs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	blocked := make(map[string]time.Time)
	for cursor.Next(ctx) {
		var result struct {
			ID           string    `bson:"_id"`
			BlockedSince time.Time `bson:"blockedSince"`
		}
		if err := cursor.Decode(&result); err != nil {
			continue
		}
		blocked[result.ID] = result.BlockedSince
	}

	return blocked, cursor.Err()
}

func (r *mongoRepository) updateStatus(ctx context.Context, id string, status DispatchStatus) error {
	update := bson.M{
		"$set": bson.M{
			"status":    status,
			"updatedAt": time.Now(),
		},
	}

	result, err := r.jobs.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}
