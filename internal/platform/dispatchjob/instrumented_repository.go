package dispatchjob

import (
	"context"
	"time"

	"go.flowcatalyst.tech/internal/common/repository"
)

const collectionName = "dispatch_jobs"

// instrumentedRepository wraps a Repository with metrics and logging
type instrumentedRepository struct {
	inner Repository
}

// newInstrumentedRepository creates an instrumented wrapper around a Repository
func newInstrumentedRepository(inner Repository) Repository {
	return &instrumentedRepository{inner: inner}
}

func (r *instrumentedRepository) FindPending(ctx context.Context, limit int64) ([]*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindPending", func() ([]*DispatchJob, error) {
		return r.inner.FindPending(ctx, limit)
	})
}

func (r *instrumentedRepository) FindStaleQueued(ctx context.Context, threshold time.Duration) ([]*DispatchJob, error) {
	return repository.Instrument(ctx, collectionName, "FindStaleQueued", func() ([]*DispatchJob, error) {
		return r.inner.FindStaleQueued(ctx, threshold)
	})
}

func (r *instrumentedRepository) MarkQueued(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, collectionName, "MarkQueued", func() error {
		return r.inner.MarkQueued(ctx, id)
	})
}

func (r *instrumentedRepository) MarkError(ctx context.Context, id string, errorMsg string) error {
	return repository.InstrumentVoid(ctx, collectionName, "MarkError", func() error {
		return r.inner.MarkError(ctx, id, errorMsg)
	})
}

func (r *instrumentedRepository) RequeueStale(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, collectionName, "RequeueStale", func() error {
		return r.inner.RequeueStale(ctx, id)
	})
}

func (r *instrumentedRepository) HasBlockingErrorJobs(ctx context.Context, messageGroup string) (bool, error) {
	return repository.Instrument(ctx, collectionName, "HasBlockingErrorJobs", func() (bool, error) {
		return r.inner.HasBlockingErrorJobs(ctx, messageGroup)
	})
}

func (r *instrumentedRepository) GetBlockedMessageGroups(ctx context.Context, groups []string) (map[string]time.Time, error) {
	return repository.Instrument(ctx, collectionName, "GetBlockedMessageGroups", func() (map[string]time.Time, error) {
		return r.inner.GetBlockedMessageGroups(ctx, groups)
	})
}
