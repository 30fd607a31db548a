package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run supervises services until a SIGINT/SIGTERM arrives or a service fails
// at startup, then drains the supervisor. It is the main loop shared by the
// FlowCatalyst binaries.
func Run(ctx context.Context, services ...Service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	supervisor := NewSupervisor(services...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- supervisor.Run(ctx)
	}()

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			slog.Error("Supervisor error", "error", err)
			return err
		}
	}

	// Give the supervisor its per-service stop budget plus slack before
	// abandoning the drain.
	select {
	case err := <-errCh:
		return err
	case <-time.After(stopTimeout + 5*time.Second):
		slog.Error("Shutdown timed out")
		return nil
	}
}

// HTTPService adapts an http.Server to the Service interface.
type HTTPService struct {
	server *http.Server
	name   string
}

// NewHTTPService wraps the server; the caller keeps ownership of its
// handler and TLS setup.
func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{
		server: server,
		name:   name,
	}
}

func (s *HTTPService) Name() string { return s.name }

// Start serves until ctx is cancelled. Bind errors surface immediately;
// after that the listener runs in the background.
func (s *HTTPService) Start(ctx context.Context) error {
	slog.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	<-ctx.Done()
	return nil
}

func (s *HTTPService) Stop(ctx context.Context) error {
	slog.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Health reports healthy whenever the server is up; a dead listener already
// surfaced through Start.
func (s *HTTPService) Health() error {
	return nil
}

var _ Service = (*HTTPService)(nil)
