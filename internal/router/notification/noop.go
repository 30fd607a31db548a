package notification

import (
	"log/slog"

	"go.flowcatalyst.tech/internal/router/warning"
)

// NoOpService logs notifications instead of sending them. It stands in
// wherever no real transport is configured.
type NoOpService struct{}

// NewNoOpService creates a new no-op notification service
func NewNoOpService() *NoOpService {
	return &NoOpService{}
}

// NotifyWarning logs the warning
func (s *NoOpService) NotifyWarning(w warning.Warning) {
	slog.Info("NOTIFICATION [WARNING]",
		"severity", w.Severity,
		"category", w.Category,
		"message", w.Message,
		"source", w.Source)
}

// NotifyCriticalError logs the critical error
func (s *NoOpService) NotifyCriticalError(message, source string) {
	slog.Error("NOTIFICATION [CRITICAL]",
		"message", message,
		"source", source)
}

// NotifySystemEvent logs the system event
func (s *NoOpService) NotifySystemEvent(eventType, message string) {
	slog.Info("NOTIFICATION [EVENT]",
		"eventType", eventType,
		"message", message)
}

// IsEnabled returns false: nothing is actually delivered.
func (s *NoOpService) IsEnabled() bool {
	return false
}
