package dispatchpool

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoRepository provides MongoDB access to dispatch pool data
type mongoRepository struct {
	pools *mongo.Collection
}

// NewRepository creates a new dispatch pool repository with instrumentation
func NewRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		pools: db.Collection("dispatch_pools"),
	})
}

// FindAllNonArchived finds all pools that are not archived. Suspended pools
// are included so the registry can drain them instead of treating them as
// deleted.
func (r *mongoRepository) FindAllNonArchived(ctx context.Context) ([]*DispatchPool, error) {
	filter := bson.M{"status": bson.M{"$ne": DispatchPoolStatusArchived}}
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})

	cursor, err := r.pools.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var pools []*DispatchPool
	if err := cursor.All(ctx, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}
