package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/router/warning"
)

// BatchingConfig holds batching configuration
type BatchingConfig struct {
	// MinSeverity drops warnings below this rank before they enter a batch.
	MinSeverity string

	// BatchWindow is the flush interval.
	BatchWindow time.Duration
}

// DefaultBatchingConfig returns default batching configuration
func DefaultBatchingConfig() *BatchingConfig {
	return &BatchingConfig{
		MinSeverity: warning.SeverityWarning,
		BatchWindow: 5 * time.Minute,
	}
}

// BatchingService collects warnings over the batch window and sends a single
// summary notification to every registered delegate. Warnings below the
// configured minimum severity never enter a batch.
//
// It implements lifecycle.Service: Start runs the flush ticker until the
// context is cancelled, Stop flushes whatever is left.
type BatchingService struct {
	mu sync.Mutex

	delegates      []Service
	config         *BatchingConfig
	warningBatch   []warning.Warning
	categoryCount  map[string]int
	batchStartTime time.Time
}

// NewBatchingService creates a new batching notification service
func NewBatchingService(delegates []Service, config *BatchingConfig) *BatchingService {
	if config == nil {
		config = DefaultBatchingConfig()
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = DefaultBatchingConfig().BatchWindow
	}

	slog.Info("Batching notification service initialized",
		"delegates", len(delegates),
		"minSeverity", config.MinSeverity,
		"batchWindow", config.BatchWindow)

	return &BatchingService{
		delegates:      delegates,
		config:         config,
		warningBatch:   make([]warning.Warning, 0),
		categoryCount:  make(map[string]int),
		batchStartTime: time.Now(),
	}
}

// NotifyWarning adds a warning to the batch
func (s *BatchingService) NotifyWarning(w warning.Warning) {
	if !warning.SeverityAtLeast(w.Severity, s.config.MinSeverity) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.warningBatch = append(s.warningBatch, w)
	s.categoryCount[w.Category]++
}

// NotifyCriticalError adds a critical error to the batch
func (s *BatchingService) NotifyCriticalError(message, source string) {
	w := warning.Warning{
		ID:        uuid.New().String(),
		Category:  "CRITICAL_ERROR",
		Severity:  warning.SeverityCritical,
		Message:   message,
		Timestamp: time.Now(),
		Source:    source,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.warningBatch = append(s.warningBatch, w)
	s.categoryCount["CRITICAL_ERROR"]++
}

// NotifySystemEvent adds a system event to the batch if it meets severity
func (s *BatchingService) NotifySystemEvent(eventType, message string) {
	if !warning.SeverityAtLeast(warning.SeverityInfo, s.config.MinSeverity) {
		return
	}

	category := "SYSTEM_EVENT_" + eventType
	w := warning.Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  warning.SeverityInfo,
		Message:   message,
		Timestamp: time.Now(),
		Source:    "System",
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.warningBatch = append(s.warningBatch, w)
	s.categoryCount[category]++
}

// IsEnabled returns true if any delegate is enabled
func (s *BatchingService) IsEnabled() bool {
	for _, delegate := range s.delegates {
		if delegate.IsEnabled() {
			return true
		}
	}
	return len(s.delegates) > 0
}

// PendingCount returns how many warnings wait in the current batch.
func (s *BatchingService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.warningBatch)
}

// Name implements lifecycle.Service.
func (s *BatchingService) Name() string { return "notification-batcher" }

// Start runs the flush ticker until ctx is cancelled.
func (s *BatchingService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SendBatch()
		}
	}
}

// Stop flushes the remaining batch.
func (s *BatchingService) Stop(ctx context.Context) error {
	s.SendBatch()
	return nil
}

// Health implements lifecycle.Service.
func (s *BatchingService) Health() error { return nil }

// SendBatch sends the accumulated batch as one summary per delegate.
func (s *BatchingService) SendBatch() {
	s.mu.Lock()
	if len(s.warningBatch) == 0 {
		s.mu.Unlock()
		slog.Debug("No warnings to send in this batch period")
		return
	}

	warnings := make([]warning.Warning, len(s.warningBatch))
	copy(warnings, s.warningBatch)
	batchEndTime := time.Now()
	batchStartTime := s.batchStartTime

	s.warningBatch = make([]warning.Warning, 0)
	s.categoryCount = make(map[string]int)
	s.batchStartTime = time.Now()
	s.mu.Unlock()

	slog.Info("Sending batched notification",
		"count", len(warnings),
		"startTime", batchStartTime,
		"endTime", batchEndTime)

	warningsBySeverity := make(map[string][]warning.Warning)
	for _, w := range warnings {
		warningsBySeverity[w.Severity] = append(warningsBySeverity[w.Severity], w)
	}

	summary := buildSummary(warnings, warningsBySeverity, batchStartTime, batchEndTime)
	summaryWarning := warning.Warning{
		ID:        uuid.New().String(),
		Category:  "BATCH_SUMMARY",
		Severity:  highestSeverity(warningsBySeverity),
		Message:   summary,
		Timestamp: time.Now(),
		Source:    "BatchingNotificationService",
	}

	for _, delegate := range s.delegates {
		delegate.NotifyWarning(summaryWarning)
	}
}

// buildSummary renders the human-readable batch summary, most severe first.
func buildSummary(
	allWarnings []warning.Warning,
	warningsBySeverity map[string][]warning.Warning,
	startTime, endTime time.Time,
) string {
	var summary strings.Builder
	summary.WriteString(fmt.Sprintf("FlowCatalyst Warning Summary (%s to %s)\n\n",
		startTime.Format(time.RFC3339), endTime.Format(time.RFC3339)))

	for i := len(severityOrder) - 1; i >= 0; i-- {
		severity := severityOrder[i]
		warningsForSeverity := warningsBySeverity[severity]
		if len(warningsForSeverity) == 0 {
			continue
		}

		summary.WriteString(fmt.Sprintf("%s Issues (%d):\n", severity, len(warningsForSeverity)))

		byCategory := make(map[string][]warning.Warning)
		for _, w := range warningsForSeverity {
			byCategory[w.Category] = append(byCategory[w.Category], w)
		}

		for category, categoryWarnings := range byCategory {
			if len(categoryWarnings) == 1 {
				summary.WriteString(fmt.Sprintf("  - %s: %s\n", category, categoryWarnings[0].Message))
			} else {
				summary.WriteString(fmt.Sprintf("  - %s: %d occurrences\n", category, len(categoryWarnings)))
				summary.WriteString(fmt.Sprintf("    Example: %s\n", categoryWarnings[0].Message))
			}
		}
		summary.WriteString("\n")
	}

	summary.WriteString(fmt.Sprintf("Total Warnings: %d\n", len(allWarnings)))
	return summary.String()
}

// highestSeverity returns the most severe level present in the map.
func highestSeverity(warningsBySeverity map[string][]warning.Warning) string {
	for i := len(severityOrder) - 1; i >= 0; i-- {
		if len(warningsBySeverity[severityOrder[i]]) > 0 {
			return severityOrder[i]
		}
	}
	return warning.SeverityInfo
}
