// Package scheduler polls persisted dispatch jobs and publishes message
// pointers for the router to consume, enforcing per-group FIFO order and
// dispatch-mode policy on the way to the broker.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/warning"
)

// Config holds dispatch scheduler settings.
type Config struct {
	// PollInterval is how often to poll for pending jobs
	PollInterval time.Duration

	// BatchSize is the maximum jobs to fetch per poll
	BatchSize int

	// MaxConcurrentDispatches caps dispatches in flight across all groups
	MaxConcurrentDispatches int

	// StaleThreshold is how long a job may sit QUEUED before it is
	// considered lost and returned to PENDING
	StaleThreshold time.Duration

	// StaleCheckInterval is how often to look for stale QUEUED jobs
	StaleCheckInterval time.Duration

	// MaxStaleRequeues bounds how many times the stale poller returns a
	// job to PENDING before marking it ERROR instead (0 = unbounded)
	MaxStaleRequeues int

	// BlockWarningThreshold is how long a group may stay blocked before a
	// GROUP_BLOCKED warning is raised
	BlockWarningThreshold time.Duration

	// ProcessingEndpoint is the URL the message router calls back to process jobs
	// e.g., "http://localhost:8080/api/dispatch/process"
	ProcessingEndpoint string

	// DefaultDispatchPoolCode is the pool code used when a job names none
	DefaultDispatchPoolCode string

	// AppKey signs the per-job HMAC auth token carried in the pointer
	AppKey string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:            5 * time.Second,
		BatchSize:               100,
		MaxConcurrentDispatches: 10,
		StaleThreshold:          15 * time.Minute,
		StaleCheckInterval:      60 * time.Second,
		MaxStaleRequeues:        5,
		BlockWarningThreshold:   5 * time.Minute,
		ProcessingEndpoint:      "http://localhost:8080/api/dispatch/process",
		DefaultDispatchPoolCode: "DEFAULT-POOL",
	}
}

// Scheduler feeds PENDING dispatch jobs to the group dispatcher and
// recovers jobs stranded in QUEUED.
//
// A paused scheduler keeps its loops ticking but skips every pass. The
// standby coordinator pauses it on demotion and resumes it on promotion,
// so only the PRIMARY instance of a pair feeds the broker.
type Scheduler struct {
	config       *Config
	jobRepo      dispatchjob.Repository
	blockChecker *BlockChecker
	dispatcher   *GroupDispatcher

	paused atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewScheduler wires the pending poller, block checker, and group
// dispatcher around the given job store and publisher.
func NewScheduler(jobRepo dispatchjob.Repository, publisher queue.Publisher, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	jobs := NewJobDispatcher(jobRepo, publisher, config)

	return &Scheduler{
		config:       config,
		jobRepo:      jobRepo,
		blockChecker: NewBlockChecker(jobRepo, config.BlockWarningThreshold),
		dispatcher:   NewGroupDispatcher(jobs.Dispatch, config.MaxConcurrentDispatches),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// WithWarningService routes GROUP_BLOCKED warnings to ws.
func (s *Scheduler) WithWarningService(ws warning.Service) *Scheduler {
	s.blockChecker.warnings = ws
	return s
}

// Start launches the poll and stale recovery loops.
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		slog.Warn("Scheduler already running")
		return
	}
	s.running = true
	s.runningMu.Unlock()

	s.wg.Add(1)
	go s.pollLoop()

	s.wg.Add(1)
	go s.staleRecoveryLoop()

	slog.Info("Dispatch scheduler started",
		"pollInterval", s.config.PollInterval,
		"batchSize", s.config.BatchSize,
		"maxConcurrentDispatches", s.config.MaxConcurrentDispatches)
}

// Stop halts the loops and waits for in-flight dispatches to finish.
// Queued-but-undispatched jobs are dropped; they are still PENDING in the
// store and the next PRIMARY re-polls them.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	slog.Info("Stopping dispatch scheduler")

	s.cancel()
	s.wg.Wait()
	s.dispatcher.Drain()

	slog.Info("Dispatch scheduler stopped")
}

// Pause suspends polling without tearing the loops down. Dispatches
// already handed to the group dispatcher finish normally.
func (s *Scheduler) Pause() {
	if s.paused.CompareAndSwap(false, true) {
		slog.Info("Dispatch scheduler paused")
	}
}

// Resume restarts polling after a pause.
func (s *Scheduler) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		slog.Info("Dispatch scheduler resumed")
	}
}

// IsRunning returns true while the scheduler loops are alive.
func (s *Scheduler) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// IsPaused returns true while polling is suspended.
func (s *Scheduler) IsPaused() bool {
	return s.paused.Load()
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.pollAndDispatch()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollAndDispatch()
		}
	}
}

// pollAndDispatch is one poll pass: load ready PENDING jobs, drop those in
// blocked groups, and hand the rest to the group dispatcher.
func (s *Scheduler) pollAndDispatch() {
	if s.paused.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	jobs, err := s.jobRepo.FindPending(ctx, int64(s.config.BatchSize))
	if err != nil {
		slog.Error("Failed to poll for pending jobs", "error", err)
		return
	}

	metrics.SchedulerJobsPending.Set(float64(len(jobs)))

	if len(jobs) == 0 {
		return
	}

	allowed, blocked := s.blockChecker.FilterBlockedJobs(ctx, jobs)

	slog.Debug("Polled pending dispatch jobs",
		"jobCount", len(jobs),
		"dispatchable", len(allowed),
		"blockedGroups", len(blocked))

	if len(allowed) == 0 {
		return
	}

	// Dispatches outlive the poll pass, so they run under the scheduler's
	// lifetime context rather than the poll timeout.
	s.dispatcher.Enqueue(s.ctx, allowed)
}

func (s *Scheduler) staleRecoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recoverStaleJobs()
		}
	}
}

// recoverStaleJobs returns QUEUED jobs older than the stale threshold to
// PENDING so the next poll re-dispatches them. Publish-then-crash and
// broker data loss both strand jobs in QUEUED with nothing left to deliver
// them. Requeues are bounded per job so a job the broker repeatedly loses
// ends in ERROR instead of cycling forever.
func (s *Scheduler) recoverStaleJobs() {
	if s.paused.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	stale, err := s.jobRepo.FindStaleQueued(ctx, s.config.StaleThreshold)
	if err != nil {
		slog.Error("Failed to find stale QUEUED jobs", "error", err)
		return
	}

	if len(stale) == 0 {
		return
	}

	requeued := 0
	abandoned := 0

	for _, job := range stale {
		if s.config.MaxStaleRequeues > 0 && job.RequeueCount >= s.config.MaxStaleRequeues {
			if err := s.jobRepo.MarkError(ctx, job.ID,
				"abandoned after repeated stale requeues"); err != nil {
				slog.Error("Failed to mark exhausted stale job", "error", err, "jobId", job.ID)
				continue
			}
			abandoned++
			continue
		}

		if err := s.jobRepo.RequeueStale(ctx, job.ID); err != nil {
			slog.Error("Failed to requeue stale job", "error", err, "jobId", job.ID)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		metrics.SchedulerStaleJobs.Add(float64(requeued))
		slog.Warn("Recovered stale QUEUED jobs",
			"count", requeued,
			"threshold", s.config.StaleThreshold)
	}
	if abandoned > 0 {
		slog.Error("Abandoned jobs that exceeded the stale requeue limit",
			"count", abandoned,
			"limit", s.config.MaxStaleRequeues)
	}
}
