package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/common/repository"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/warning"
)

// fakeJobRepo is an in-memory dispatchjob.Repository.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*dispatchjob.DispatchJob

	findPendingErr error
	blockQueryErr  error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*dispatchjob.DispatchJob)}
}

func (r *fakeJobRepo) add(job *dispatchjob.DispatchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
}

func (r *fakeJobRepo) get(id string) *dispatchjob.DispatchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}

func (r *fakeJobRepo) status(id string) dispatchjob.DispatchStatus {
	job := r.get(id)
	if job == nil {
		return ""
	}
	return job.Status
}

func (r *fakeJobRepo) FindPending(ctx context.Context, limit int64) ([]*dispatchjob.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findPendingErr != nil {
		return nil, r.findPendingErr
	}

	now := time.Now()
	var out []*dispatchjob.DispatchJob
	for _, job := range r.jobs {
		if job.Status != dispatchjob.DispatchStatusPending {
			continue
		}
		if !job.ScheduledFor.IsZero() && job.ScheduledFor.After(now) {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeJobRepo) FindStaleQueued(ctx context.Context, threshold time.Duration) ([]*dispatchjob.DispatchJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	var out []*dispatchjob.DispatchJob
	for _, job := range r.jobs {
		if job.Status == dispatchjob.DispatchStatusQueued && job.UpdatedAt.Before(cutoff) {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) MarkQueued(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = dispatchjob.DispatchStatusQueued
	job.UpdatedAt = time.Now()
	return nil
}

func (r *fakeJobRepo) MarkError(ctx context.Context, id string, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = dispatchjob.DispatchStatusError
	job.LastError = errorMsg
	job.UpdatedAt = time.Now()
	return nil
}

func (r *fakeJobRepo) RequeueStale(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = dispatchjob.DispatchStatusPending
	job.RequeueCount++
	job.UpdatedAt = time.Now()
	return nil
}

func (r *fakeJobRepo) HasBlockingErrorJobs(ctx context.Context, messageGroup string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.blockQueryErr != nil {
		return false, r.blockQueryErr
	}

	for _, job := range r.jobs {
		if job.MessageGroup == messageGroup &&
			job.Status == dispatchjob.DispatchStatusError &&
			job.Mode == dispatchjob.DispatchModeBlockOnError {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeJobRepo) GetBlockedMessageGroups(ctx context.Context, groups []string) (map[string]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.blockQueryErr != nil {
		return nil, r.blockQueryErr
	}

	wanted := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		wanted[g] = struct{}{}
	}

	blocked := make(map[string]time.Time)
	for _, job := range r.jobs {
		if job.Status != dispatchjob.DispatchStatusError || job.Mode != dispatchjob.DispatchModeBlockOnError {
			continue
		}
		if _, ok := wanted[job.MessageGroup]; !ok {
			continue
		}
		if since, ok := blocked[job.MessageGroup]; !ok || job.UpdatedAt.Before(since) {
			blocked[job.MessageGroup] = job.UpdatedAt
		}
	}
	return blocked, nil
}

// fakePublisher records published messages and can fail selected dedup IDs.
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	attempts map[string]int
	failIDs  map[string]error
}

type publishedMessage struct {
	subject string
	group   string
	dedupID string
	data    []byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		attempts: make(map[string]int),
		failIDs:  make(map[string]error),
	}
}

func (p *fakePublisher) PublishMessage(ctx context.Context, msg *queue.MessageBuilder) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts[msg.DeduplicationID()]++
	if err := p.failIDs[msg.DeduplicationID()]; err != nil {
		return err
	}

	p.messages = append(p.messages, publishedMessage{
		subject: msg.Subject(),
		group:   msg.MessageGroup(),
		dedupID: msg.DeduplicationID(),
		data:    msg.Data(),
	})
	return nil
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data))
}

func (p *fakePublisher) PublishWithGroup(ctx context.Context, subject string, data []byte, group string) error {
	return p.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithMessageGroup(group))
}

func (p *fakePublisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, dedupID string) error {
	return p.PublishMessage(ctx, queue.NewMessageBuilder(subject).WithData(data).WithDeduplicationID(dedupID))
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *fakePublisher) publishedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		ids = append(ids, m.dedupID)
	}
	return ids
}

func (p *fakePublisher) attemptCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func (p *fakePublisher) setFailure(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failIDs, id)
	} else {
		p.failIDs[id] = err
	}
}

func newTestScheduler(repo *fakeJobRepo, pub *fakePublisher, mutate func(*Config)) *Scheduler {
	cfg := &Config{
		PollInterval:            10 * time.Millisecond,
		BatchSize:               100,
		MaxConcurrentDispatches: 4,
		StaleThreshold:          time.Hour,
		StaleCheckInterval:      time.Hour,
		MaxStaleRequeues:        5,
		ProcessingEndpoint:      "http://localhost:8080/api/dispatch/process",
		DefaultDispatchPoolCode: "DEFAULT-POOL",
		AppKey:                  "test-app-key",
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewScheduler(repo, pub, cfg)
}

func TestSchedulerDispatchesPendingJobs(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	repo.add(testJob("job-a", "group-a", 1, 0, dispatchjob.DispatchModeBlockOnError))
	repo.add(testJob("job-b", "group-b", 1, 1, dispatchjob.DispatchModeNextOnError))

	s := newTestScheduler(repo, pub, nil)
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 2 })

	waitFor(t, time.Second, func() bool {
		return repo.status("job-a") == dispatchjob.DispatchStatusQueued &&
			repo.status("job-b") == dispatchjob.DispatchStatusQueued
	})

	for _, msg := range pub.published() {
		if msg.subject != "dispatch.DEFAULT-POOL" {
			t.Errorf("expected subject dispatch.DEFAULT-POOL, got %q", msg.subject)
		}

		pointer, err := model.DecodePointer(msg.data)
		if err != nil {
			t.Fatalf("published body is not a valid pointer: %v", err)
		}
		if pointer.ID != msg.dedupID {
			t.Errorf("deduplication ID %q does not match job ID %q", msg.dedupID, pointer.ID)
		}
		if pointer.PoolCode != "DEFAULT-POOL" {
			t.Errorf("expected default pool code, got %q", pointer.PoolCode)
		}
		if pointer.MediationType != model.MediationTypeHTTP {
			t.Errorf("expected HTTP mediation, got %q", pointer.MediationType)
		}
		if pointer.MediationTarget != "http://localhost:8080/api/dispatch/process" {
			t.Errorf("unexpected mediation target %q", pointer.MediationTarget)
		}
		if pointer.AuthToken == "" {
			t.Error("expected a signed auth token on the pointer")
		}
		if msg.group != pointer.MessageGroupID {
			t.Errorf("broker group %q does not match pointer group %q", msg.group, pointer.MessageGroupID)
		}
	}
}

func TestSchedulerUsesJobDispatchPool(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	job := testJob("pooled", "g", 1, 0, dispatchjob.DispatchModeNextOnError)
	job.DispatchPoolID = "POOL-A"
	repo.add(job)

	s := newTestScheduler(repo, pub, nil)
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 1 })

	msg := pub.published()[0]
	if msg.subject != "dispatch.POOL-A" {
		t.Errorf("expected subject dispatch.POOL-A, got %q", msg.subject)
	}
	pointer, err := model.DecodePointer(msg.data)
	if err != nil {
		t.Fatalf("decode pointer: %v", err)
	}
	if pointer.PoolCode != "POOL-A" {
		t.Errorf("expected pool code POOL-A, got %q", pointer.PoolCode)
	}
}

func TestSchedulerFIFOOrderWithinGroup(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	repo.add(testJob("seq-3", "orders", 3, 0, dispatchjob.DispatchModeBlockOnError))
	repo.add(testJob("seq-1", "orders", 1, 1, dispatchjob.DispatchModeBlockOnError))
	repo.add(testJob("seq-2", "orders", 2, 2, dispatchjob.DispatchModeBlockOnError))

	s := newTestScheduler(repo, pub, nil)
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 3 })

	got := pub.publishedIDs()
	want := []string{"seq-1", "seq-2", "seq-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("publish order[%d] = %s, want %s (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestSchedulerBlockOnErrorHoldsGroup(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	failed := testJob("failed", "group-a", 1, 0, dispatchjob.DispatchModeBlockOnError)
	failed.Status = dispatchjob.DispatchStatusError
	failed.LastError = "HTTP 404 from processing endpoint"
	repo.add(failed)

	repo.add(testJob("held", "group-a", 2, 1, dispatchjob.DispatchModeBlockOnError))
	repo.add(testJob("flows", "group-b", 1, 2, dispatchjob.DispatchModeBlockOnError))

	s := newTestScheduler(repo, pub, nil)
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 1 })

	// Give the poller a few more cycles: the held job must not leak out.
	time.Sleep(50 * time.Millisecond)

	ids := pub.publishedIDs()
	if len(ids) != 1 || ids[0] != "flows" {
		t.Fatalf("expected only the unblocked group to dispatch, got %v", ids)
	}
	if repo.status("held") != dispatchjob.DispatchStatusPending {
		t.Errorf("expected held job to stay PENDING, got %s", repo.status("held"))
	}
}

func TestSchedulerNextOnErrorDoesNotBlock(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	failed := testJob("failed", "group-c", 1, 0, dispatchjob.DispatchModeNextOnError)
	failed.Status = dispatchjob.DispatchStatusError
	repo.add(failed)

	repo.add(testJob("next", "group-c", 2, 1, dispatchjob.DispatchModeNextOnError))

	s := newTestScheduler(repo, pub, nil)
	s.Start()
	defer s.Stop()

	// A NEXT_ON_ERROR failure does not hold the group.
	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 1 })

	if ids := pub.publishedIDs(); ids[0] != "next" {
		t.Fatalf("expected the next job to dispatch past a NEXT_ON_ERROR failure, got %v", ids)
	}
}

func TestSchedulerGroupBlockedWarning(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()
	ws := warning.NewInMemoryService()

	failed := testJob("failed", "stuck-group", 1, 0, dispatchjob.DispatchModeBlockOnError)
	failed.Status = dispatchjob.DispatchStatusError
	failed.UpdatedAt = time.Now().Add(-10 * time.Minute)
	repo.add(failed)

	repo.add(testJob("held", "stuck-group", 2, 1, dispatchjob.DispatchModeBlockOnError))

	s := newTestScheduler(repo, pub, func(cfg *Config) {
		cfg.BlockWarningThreshold = time.Millisecond
	}).WithWarningService(ws)
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		for _, w := range ws.GetAllWarnings() {
			if w.Category == warning.CategoryGroupBlocked {
				return true
			}
		}
		return false
	})

	var found warning.Warning
	for _, w := range ws.GetAllWarnings() {
		if w.Category == warning.CategoryGroupBlocked {
			found = w
			break
		}
	}
	if !strings.Contains(found.Message, "stuck-group") {
		t.Errorf("expected the warning to name the blocked group, got %q", found.Message)
	}
	if found.Severity != warning.SeverityWarning {
		t.Errorf("expected WARNING severity, got %s", found.Severity)
	}
}

func TestSchedulerNoWarningBeforeThreshold(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()
	ws := warning.NewInMemoryService()

	failed := testJob("failed", "fresh-group", 1, 0, dispatchjob.DispatchModeBlockOnError)
	failed.Status = dispatchjob.DispatchStatusError
	failed.UpdatedAt = time.Now()
	repo.add(failed)

	repo.add(testJob("held", "fresh-group", 2, 1, dispatchjob.DispatchModeBlockOnError))

	s := newTestScheduler(repo, pub, func(cfg *Config) {
		cfg.BlockWarningThreshold = time.Hour
	}).WithWarningService(ws)
	s.Start()
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)

	for _, w := range ws.GetAllWarnings() {
		if w.Category == warning.CategoryGroupBlocked {
			t.Fatalf("warning raised before the block threshold: %q", w.Message)
		}
	}
}

func TestSchedulerPublishFailureLeavesJobPending(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	repo.add(testJob("flaky", "g", 1, 0, dispatchjob.DispatchModeNextOnError))
	pub.setFailure("flaky", context.DeadlineExceeded)

	s := newTestScheduler(repo, pub, nil)
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return pub.attemptCount("flaky") >= 1 })

	if repo.status("flaky") != dispatchjob.DispatchStatusPending {
		t.Fatalf("expected failed publish to leave the job PENDING, got %s", repo.status("flaky"))
	}

	// Once the broker heals, the next poll retries and the job goes out.
	pub.setFailure("flaky", nil)

	waitFor(t, 2*time.Second, func() bool {
		return repo.status("flaky") == dispatchjob.DispatchStatusQueued
	})
}

func TestSchedulerStaleQueuedRequeued(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	stale := testJob("stale", "g", 1, 0, dispatchjob.DispatchModeNextOnError)
	stale.Status = dispatchjob.DispatchStatusQueued
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	repo.add(stale)

	s := newTestScheduler(repo, pub, func(cfg *Config) {
		cfg.StaleThreshold = 50 * time.Millisecond
		cfg.StaleCheckInterval = 10 * time.Millisecond
	})
	s.Start()
	defer s.Stop()

	// The stale poller returns it to PENDING; the pending poller then
	// re-publishes it and it lands back in QUEUED.
	waitFor(t, 2*time.Second, func() bool {
		job := repo.get("stale")
		return job != nil && job.RequeueCount >= 1 && job.Status == dispatchjob.DispatchStatusQueued
	})

	if pub.attemptCount("stale") == 0 {
		t.Error("expected the recovered job to be re-published")
	}
}

func TestSchedulerStaleRequeueBounded(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	exhausted := testJob("exhausted", "g", 1, 0, dispatchjob.DispatchModeNextOnError)
	exhausted.Status = dispatchjob.DispatchStatusQueued
	exhausted.UpdatedAt = time.Now().Add(-time.Hour)
	exhausted.RequeueCount = 2
	repo.add(exhausted)

	s := newTestScheduler(repo, pub, func(cfg *Config) {
		cfg.StaleThreshold = 50 * time.Millisecond
		cfg.StaleCheckInterval = 10 * time.Millisecond
		cfg.MaxStaleRequeues = 2
	})
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return repo.status("exhausted") == dispatchjob.DispatchStatusError
	})

	job := repo.get("exhausted")
	if !strings.Contains(job.LastError, "stale") {
		t.Errorf("expected the error to mention stale requeues, got %q", job.LastError)
	}
	if pub.attemptCount("exhausted") != 0 {
		t.Errorf("expected no re-publish of an exhausted job, got %d attempts", pub.attemptCount("exhausted"))
	}
}

func TestSchedulerPauseAndResume(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	repo.add(testJob("queued-later", "g", 1, 0, dispatchjob.DispatchModeNextOnError))

	s := newTestScheduler(repo, pub, nil)
	s.Pause()
	s.Start()
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	if n := len(pub.published()); n != 0 {
		t.Fatalf("paused scheduler dispatched %d jobs", n)
	}
	if !s.IsPaused() {
		t.Fatal("expected scheduler to report paused")
	}

	s.Resume()

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 1 })
}

func TestSchedulerRespectsScheduledFor(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	future := testJob("future", "g", 1, 0, dispatchjob.DispatchModeNextOnError)
	future.ScheduledFor = time.Now().Add(time.Hour)
	repo.add(future)

	repo.add(testJob("ready", "g", 2, 1, dispatchjob.DispatchModeNextOnError))

	s := newTestScheduler(repo, pub, nil)
	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 1 })
	time.Sleep(40 * time.Millisecond)

	ids := pub.publishedIDs()
	if len(ids) != 1 || ids[0] != "ready" {
		t.Fatalf("expected only the due job to dispatch, got %v", ids)
	}
}

func TestSchedulerStopDrainsCleanly(t *testing.T) {
	repo := newFakeJobRepo()
	pub := newFakePublisher()

	repo.add(testJob("one", "g", 1, 0, dispatchjob.DispatchModeNextOnError))

	s := newTestScheduler(repo, pub, nil)
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return len(pub.published()) == 1 })

	s.Stop()

	if s.IsRunning() {
		t.Error("expected scheduler to report stopped")
	}

	// Stop twice is safe.
	s.Stop()
}
