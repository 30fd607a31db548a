package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// Service wraps a Scheduler in the lifecycle.Service interface so it
// starts and stops in coordination with the other services.
type Service struct {
	scheduler *Scheduler
	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
}

// NewService creates a service wrapper for the scheduler.
func NewService(scheduler *Scheduler) *Service {
	return &Service{
		scheduler: scheduler,
		stopCh:    make(chan struct{}),
	}
}

// Name returns the service identifier.
func (s *Service) Name() string {
	return "dispatch-scheduler"
}

// Start begins scheduling and blocks until ctx is cancelled or Stop is
// called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.scheduler.Start()

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	return nil
}

// Stop gracefully stops the scheduler, waiting out in-flight dispatches.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.scheduler.Stop()
	s.running = false

	select {
	case <-s.stopCh:
		// Already closed
	default:
		close(s.stopCh)
	}
	return nil
}

// Health returns nil while the scheduler loops are running. A paused
// scheduler (standby instance) is healthy.
func (s *Service) Health() error {
	if !s.scheduler.IsRunning() {
		return fmt.Errorf("scheduler not running")
	}
	return nil
}
