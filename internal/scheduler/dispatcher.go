package scheduler

import (
	"context"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
)

// dispatchTimeout bounds one publish-and-mark round trip.
const dispatchTimeout = 10 * time.Second

// JobDispatcher turns a dispatch job into a MessagePointer and publishes
// it for the message router to consume. The pointer carries only routing
// data; the processing endpoint loads the payload by job ID.
type JobDispatcher struct {
	jobRepo   dispatchjob.Repository
	publisher queue.Publisher
	auth      *dispatchjob.DispatchAuthService
	config    *Config
}

// NewJobDispatcher creates a dispatcher publishing through the given
// publisher and recording outcomes in the job store.
func NewJobDispatcher(jobRepo dispatchjob.Repository, publisher queue.Publisher, config *Config) *JobDispatcher {
	return &JobDispatcher{
		jobRepo:   jobRepo,
		publisher: publisher,
		auth:      dispatchjob.NewDispatchAuthService(config.AppKey, nil),
		config:    config,
	}
}

// Dispatch publishes one job and marks it QUEUED. The job ID doubles as
// the deduplication ID, so a re-publish after a missed status write is
// suppressed by the broker instead of delivered twice.
//
// On publish failure the job is left PENDING and the error returned; the
// next poll retries it.
func (d *JobDispatcher) Dispatch(ctx context.Context, job *dispatchjob.DispatchJob) error {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	poolCode := job.DispatchPoolID
	if poolCode == "" {
		poolCode = d.config.DefaultDispatchPoolCode
	}

	authToken, err := d.auth.GenerateAuthToken(job.ID)
	if err != nil {
		slog.Warn("Failed to generate auth token, dispatching without one",
			"error", err, "jobId", job.ID)
		authToken = ""
	}

	pointer := model.NewMessagePointer(job.ID, poolCode, authToken,
		model.MediationTypeHTTP, d.config.ProcessingEndpoint, job.MessageGroup)

	data, err := pointer.Encode()
	if err != nil {
		return err
	}

	subject := "dispatch." + poolCode

	msg := queue.NewMessageBuilder(subject).
		WithData(data).
		WithMessageGroup(pointer.MessageGroupID).
		WithDeduplicationID(job.ID)

	if err := d.publisher.PublishMessage(ctx, msg); err != nil {
		return err
	}

	// The job is on the broker either way; a failed status write leaves it
	// PENDING and the deduplication ID absorbs the eventual re-publish.
	if err := d.jobRepo.MarkQueued(ctx, job.ID); err != nil {
		slog.Warn("Failed to mark job QUEUED after publish", "error", err, "jobId", job.ID)
	}

	metrics.SchedulerJobsScheduled.Inc()

	slog.Debug("Dispatched job to queue", "jobId", job.ID, "pool", poolCode, "subject", subject)

	return nil
}
