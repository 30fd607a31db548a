package dispatchpool

import (
	"context"

	"go.flowcatalyst.tech/internal/common/repository"
)

const collectionName = "dispatch_pools"

// instrumentedRepository wraps a Repository with metrics and logging
type instrumentedRepository struct {
	inner Repository
}

// newInstrumentedRepository creates an instrumented wrapper around a Repository
func newInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindAllNonArchived(ctx context.Context) ([]*DispatchPool, error) {
	return repository.Instrument(ctx, collectionName, "FindAllNonArchived", func() ([]*DispatchPool, error) {
		return r.inner.FindAllNonArchived(ctx)
	})
}
