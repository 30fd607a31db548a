package dispatchjob

import (
	"context"
	"time"
)

// Repository is the dispatch job store as the scheduler consumes it. Jobs
// are created by producing systems writing to the collection directly;
// this side only selects due work and transitions status.
// All implementations must be wrapped with instrumentation.
type Repository interface {
	// FindPending returns due PENDING jobs (scheduledFor absent or past),
	// oldest first.
	FindPending(ctx context.Context, limit int64) ([]*DispatchJob, error)
	// FindStaleQueued returns jobs stuck in QUEUED longer than threshold.
	FindStaleQueued(ctx context.Context, threshold time.Duration) ([]*DispatchJob, error)
	MarkQueued(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, errorMsg string) error
	// RequeueStale returns a stale QUEUED job to PENDING and increments its
	// requeue counter.
	RequeueStale(ctx context.Context, id string) error
	// HasBlockingErrorJobs reports whether the group has a BLOCK_ON_ERROR
	// job in ERROR status.
	HasBlockingErrorJobs(ctx context.Context, messageGroup string) (bool, error)
	// GetBlockedMessageGroups maps each blocked group in the input to the
	// updatedAt of its oldest blocking failure.
	GetBlockedMessageGroups(ctx context.Context, groups []string) (map[string]time.Time, error)
}
