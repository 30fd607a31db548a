package warning

import "time"

// Severity levels for warnings, ordered INFO < WARNING < ERROR < CRITICAL
const (
	SeverityCritical = "CRITICAL"
	SeverityError    = "ERROR"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// severityRank returns the position of a severity in the total order.
// Unknown severities rank lowest.
func severityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 0
	default:
		return -1
	}
}

// SeverityAtLeast reports whether severity ranks at or above minSeverity.
func SeverityAtLeast(severity, minSeverity string) bool {
	return severityRank(severity) >= severityRank(minSeverity)
}

// Common warning categories
const (
	CategoryQueueBacklog    = "QUEUE_BACKLOG"
	CategoryQueueGrowing    = "QUEUE_GROWING"
	CategoryMediation       = "MEDIATION"
	CategoryConfiguration   = "CONFIGURATION"
	CategoryPoolLimit       = "POOL_LIMIT"
	CategoryCircuitBreaker  = "CIRCUIT_BREAKER"
	CategoryHealth          = "HEALTH"
	CategoryGroupBlocked    = "GROUP_BLOCKED"
	CategoryStandbyDegraded = "STANDBY_DEGRADED"
	CategoryStandbyPromoted = "STANDBY_PROMOTED"
)

// Warning represents a system warning or error notification
type Warning struct {
	// ID is the unique warning identifier (UUID)
	ID string `json:"id"`

	// Category is the warning category (e.g., QUEUE_BACKLOG, MEDIATION)
	Category string `json:"category"`

	// Severity is the severity level (CRITICAL, ERROR, WARNING, INFO)
	Severity string `json:"severity"`

	// Message describes the issue
	Message string `json:"message"`

	// Timestamp is when the warning was first raised
	Timestamp time.Time `json:"timestamp"`

	// LastSeenAt is when the warning was last raised or coalesced into
	LastSeenAt time.Time `json:"lastSeenAt"`

	// Count is how many occurrences were coalesced into this warning
	Count int `json:"count"`

	// Source is the component that generated the warning
	Source string `json:"source"`

	// Acknowledged indicates if the warning has been acknowledged
	Acknowledged bool `json:"acknowledged"`
}
