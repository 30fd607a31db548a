// Package notification fans warnings out to operator-facing transports.
//
// The router only defines the transport port and the batching layer in
// front of it; concrete transports (chat webhooks, pagers, mail gateways)
// live outside and plug in as Service implementations.
package notification

import (
	"go.flowcatalyst.tech/internal/router/warning"
)

// Service is the transport port for operator notifications.
type Service interface {
	// NotifyWarning delivers a single warning.
	NotifyWarning(w warning.Warning)

	// NotifyCriticalError delivers a critical error that needs immediate
	// attention.
	NotifyCriticalError(message, source string)

	// NotifySystemEvent delivers an informational system event
	// (startup, promotion, shutdown).
	NotifySystemEvent(eventType, message string)

	// IsEnabled reports whether this transport will actually deliver.
	IsEnabled() bool
}

// severityOrder lists severities from least to most important, for
// summary rendering.
var severityOrder = []string{
	warning.SeverityInfo,
	warning.SeverityWarning,
	warning.SeverityError,
	warning.SeverityCritical,
}
