package manager

import (
	"context"
	"log/slog"
	"sync"
)

// RouterService wraps a Router in the lifecycle.Service interface so the
// router starts and stops in coordination with the other services.
type RouterService struct {
	router  *Router
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewRouterService creates a service wrapper for the router.
func NewRouterService(router *Router) *RouterService {
	return &RouterService{
		router: router,
		stopCh: make(chan struct{}),
	}
}

// Name returns the service identifier.
func (s *RouterService) Name() string {
	return "message-router"
}

// Start begins message processing and blocks until ctx is cancelled or
// Stop is called.
func (s *RouterService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.router.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	return nil
}

// Stop gracefully stops message processing.
func (s *RouterService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.router.Stop()
	s.running = false

	select {
	case <-s.stopCh:
		// Already closed
	default:
		close(s.stopCh)
	}
	return nil
}

// Health returns nil while the router is able to process messages.
func (s *RouterService) Health() error {
	return nil
}

// Pause stops message processing but keeps broker connections alive.
// Called when this instance loses the primary role.
func (s *RouterService) Pause() {
	s.router.Stop()
}

// Resume restarts message processing after promotion to primary.
func (s *RouterService) Resume() {
	if err := s.router.Start(); err != nil {
		slog.Error("Failed to resume message router after promotion", "error", err)
	}
}
