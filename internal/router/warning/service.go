package warning

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCoalesceWindow is how long repeated warnings from the same
// (category, source) pair are folded into one entry.
const DefaultCoalesceWindow = 5 * time.Minute

// Service manages system warnings
type Service interface {
	// AddWarning adds a new warning
	AddWarning(category, severity, message, source string)

	// GetAllWarnings returns all warnings
	GetAllWarnings() []Warning

	// GetWarningsBySeverity returns warnings filtered by severity
	GetWarningsBySeverity(severity string) []Warning

	// GetUnacknowledgedWarnings returns unacknowledged warnings
	GetUnacknowledgedWarnings() []Warning

	// AcknowledgeWarning acknowledges a warning by ID
	AcknowledgeWarning(warningID string) bool

	// ClearAllWarnings removes all warnings
	ClearAllWarnings()

	// ClearOldWarnings removes warnings older than specified hours
	ClearOldWarnings(hoursOld int)
}

type coalesceKey struct {
	category string
	source   string
}

// InMemoryService stores warnings in memory
type InMemoryService struct {
	mu             sync.RWMutex
	warnings       map[string]*Warning
	coalesceIndex  map[coalesceKey]string
	maxWarnings    int
	coalesceWindow time.Duration
	notifier       func(Warning)
}

// NewInMemoryService creates a new in-memory warning service
func NewInMemoryService() *InMemoryService {
	return NewInMemoryServiceWithLimit(1000)
}

// NewInMemoryServiceWithLimit creates a new in-memory warning service with custom limit
func NewInMemoryServiceWithLimit(maxWarnings int) *InMemoryService {
	return &InMemoryService{
		warnings:       make(map[string]*Warning),
		coalesceIndex:  make(map[coalesceKey]string),
		maxWarnings:    maxWarnings,
		coalesceWindow: DefaultCoalesceWindow,
	}
}

// SetCoalesceWindow overrides the coalescing window (0 disables coalescing)
func (s *InMemoryService) SetCoalesceWindow(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalesceWindow = window
}

// SetNotifier registers a callback invoked with every newly raised warning,
// and with a coalesced warning whose severity escalated. Coalesced repeats
// at the same severity do not re-notify. The callback runs outside the
// service lock.
func (s *InMemoryService) SetNotifier(fn func(Warning)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = fn
}

// AddWarning adds a new warning. A repeated warning from the same
// (category, source) pair within the coalesce window updates the existing
// entry instead of creating a flood of duplicates: the count increments,
// the message refreshes, and the severity escalates if the new one ranks
// higher. Acknowledged warnings are never coalesced into.
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	s.mu.Lock()

	now := time.Now()

	key := coalesceKey{category: category, source: source}
	if id, ok := s.coalesceIndex[key]; ok && s.coalesceWindow > 0 {
		if existing, exists := s.warnings[id]; exists &&
			!existing.Acknowledged &&
			now.Sub(existing.LastSeenAt) < s.coalesceWindow {

			existing.Count++
			existing.LastSeenAt = now
			existing.Message = message
			escalated := false
			if severityRank(severity) > severityRank(existing.Severity) {
				existing.Severity = severity
				escalated = true
			}
			snapshot := *existing
			notifier := s.notifier
			s.mu.Unlock()

			slog.Debug("Warning coalesced",
				"category", category,
				"source", source,
				"count", snapshot.Count)
			if escalated && notifier != nil {
				notifier(snapshot)
			}
			return
		}
	}

	// Limit warning storage by removing oldest if at capacity
	if len(s.warnings) >= s.maxWarnings {
		s.removeOldest()
	}

	warningID := uuid.New().String()
	warning := &Warning{
		ID:           warningID,
		Category:     category,
		Severity:     severity,
		Message:      message,
		Timestamp:    now,
		LastSeenAt:   now,
		Count:        1,
		Source:       source,
		Acknowledged: false,
	}

	s.warnings[warningID] = warning
	s.coalesceIndex[key] = warningID
	snapshot := *warning
	notifier := s.notifier
	s.mu.Unlock()

	slog.Info("Warning added",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)
	if notifier != nil {
		notifier(snapshot)
	}
}

// removeOldest removes the oldest warning (must be called with lock held)
func (s *InMemoryService) removeOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, w := range s.warnings {
		if oldestID == "" || w.LastSeenAt.Before(oldestTime) {
			oldestID = id
			oldestTime = w.LastSeenAt
		}
	}

	if oldestID != "" {
		s.deleteWarning(oldestID)
	}
}

// deleteWarning removes a warning and its coalesce index entry
// (must be called with lock held)
func (s *InMemoryService) deleteWarning(warningID string) {
	w, ok := s.warnings[warningID]
	if !ok {
		return
	}
	key := coalesceKey{category: w.Category, source: w.Source}
	if s.coalesceIndex[key] == warningID {
		delete(s.coalesceIndex, key)
	}
	delete(s.warnings, warningID)
}

// GetAllWarnings returns all warnings sorted by last activity (newest first)
func (s *InMemoryService) GetAllWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedWarnings(nil)
}

// GetWarningsBySeverity returns warnings filtered by severity
func (s *InMemoryService) GetWarningsBySeverity(severity string) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter := func(w *Warning) bool {
		return strings.EqualFold(w.Severity, severity)
	}
	return s.sortedWarnings(filter)
}

// GetUnacknowledgedWarnings returns unacknowledged warnings
func (s *InMemoryService) GetUnacknowledgedWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filter := func(w *Warning) bool {
		return !w.Acknowledged
	}
	return s.sortedWarnings(filter)
}

// sortedWarnings returns warnings sorted by last activity (newest first) with optional filter
func (s *InMemoryService) sortedWarnings(filter func(*Warning) bool) []Warning {
	result := make([]Warning, 0, len(s.warnings))

	for _, w := range s.warnings {
		if filter == nil || filter(w) {
			result = append(result, *w)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeenAt.After(result[j].LastSeenAt)
	})

	return result
}

// AcknowledgeWarning acknowledges a warning by ID
func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	warning, exists := s.warnings[warningID]
	if !exists {
		return false
	}

	warning.Acknowledged = true
	slog.Info("Warning acknowledged", "warningId", warningID)
	return true
}

// ClearAllWarnings removes all warnings
func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.warnings)
	s.warnings = make(map[string]*Warning)
	s.coalesceIndex = make(map[coalesceKey]string)
	slog.Info("Cleared all warnings", "count", count)
}

// ClearOldWarnings removes warnings whose last activity is older than specified hours
func (s *InMemoryService) ClearOldWarnings(hoursOld int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-time.Duration(hoursOld) * time.Hour)
	var toRemove []string

	for id, w := range s.warnings {
		if w.LastSeenAt.Before(threshold) {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		s.deleteWarning(id)
	}

	slog.Info("Cleared old warnings", "count", len(toRemove), "hoursOld", hoursOld)
}

// Count returns the current number of warnings
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.warnings)
}
