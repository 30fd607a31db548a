// Package lifecycle coordinates startup, shutdown, and health monitoring of
// the application's long-running components.
//
// Each major component (queue router, dispatch scheduler, standby
// coordinator, admin HTTP server) implements the Service interface so it can
// be supervised, tested, and paused independently of the binary it runs in.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// stopTimeout bounds how long a single service gets to stop before the
// supervisor moves on to the next one.
const stopTimeout = 30 * time.Second

// Service is a startable, stoppable component.
type Service interface {
	// Name identifies the service in logs
	Name() string

	// Start runs the service. It blocks until ctx is cancelled, or returns
	// an error if startup fails.
	Start(ctx context.Context) error

	// Stop shuts the service down, completing within the ctx deadline
	Stop(ctx context.Context) error

	// Health returns nil while the service is healthy
	Health() error
}

// Supervisor starts services in order and stops them in reverse order.
type Supervisor struct {
	services []Service
	mu       sync.RWMutex
	running  bool
}

// NewSupervisor creates a supervisor for the given services.
func NewSupervisor(services ...Service) *Supervisor {
	return &Supervisor{
		services: services,
	}
}

// Run starts all services and blocks until ctx is cancelled. A service that
// fails within its startup window aborts the run and unwinds the services
// already started.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	var started []Service
	for _, svc := range s.services {
		slog.Info("Starting service", "service", svc.Name())

		errCh := make(chan error, 1)
		go func(service Service) {
			errCh <- service.Start(ctx)
		}(svc)

		// Most Start implementations block for the life of the service, so
		// only immediate failures surface here.
		select {
		case err := <-errCh:
			if err != nil {
				s.stopServices(started)
				return fmt.Errorf("service %s failed to start: %w", svc.Name(), err)
			}
		case <-time.After(100 * time.Millisecond):
		}

		started = append(started, svc)
		slog.Info("Service started", "service", svc.Name())
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping services")

	s.stopServices(started)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

func (s *Supervisor) stopServices(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		slog.Info("Stopping service", "service", svc.Name())

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := svc.Stop(stopCtx); err != nil {
			slog.Error("Service stop error", "service", svc.Name(), "error", err)
		} else {
			slog.Info("Service stopped", "service", svc.Name())
		}
		cancel()
	}
}

// Health returns nil only when every supervised service is healthy.
func (s *Supervisor) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, svc := range s.services {
		if err := svc.Health(); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}

// ServiceFunc adapts plain start/stop functions to the Service interface,
// for goroutines that don't warrant a type of their own.
type ServiceFunc struct {
	name      string
	startFunc func(ctx context.Context) error
	stopFunc  func(ctx context.Context) error
	healthFn  func() error
}

// NewServiceFunc creates a Service from functions. The health probe defaults
// to always-healthy; override it with WithHealth.
func NewServiceFunc(name string, start func(ctx context.Context) error, stop func(ctx context.Context) error) *ServiceFunc {
	return &ServiceFunc{
		name:      name,
		startFunc: start,
		stopFunc:  stop,
		healthFn:  func() error { return nil },
	}
}

func (s *ServiceFunc) Name() string { return s.name }

func (s *ServiceFunc) Start(ctx context.Context) error { return s.startFunc(ctx) }

func (s *ServiceFunc) Stop(ctx context.Context) error { return s.stopFunc(ctx) }

func (s *ServiceFunc) Health() error { return s.healthFn() }

// WithHealth sets the health probe and returns the service for chaining.
func (s *ServiceFunc) WithHealth(fn func() error) *ServiceFunc {
	s.healthFn = fn
	return s
}

var _ Service = (*ServiceFunc)(nil)
