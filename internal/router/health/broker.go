package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/warning"
)

// brokerProbeTimeout bounds a single connectivity probe.
const brokerProbeTimeout = 5 * time.Second

// BrokerConnectivityChecker probes the broker and its configured queue.
// The SQS, NATS, ActiveMQ, and embedded clients all satisfy it.
type BrokerConnectivityChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerHealthService checks broker (SQS/NATS/ActiveMQ/embedded) connectivity.
// Probe outcomes feed the broker availability gauge and probe counter; the
// latest result is kept for the readiness probe and the monitoring dashboard.
type BrokerHealthService struct {
	queueType queue.QueueType
	checker   BrokerConnectivityChecker
	warnings  warning.Service

	mu         sync.RWMutex
	lastCheck  time.Time
	lastResult bool
	lastIssues []string

	brokerAvailable atomic.Int32
}

// NewBrokerHealthService creates a broker health service. A nil checker is
// allowed only for the embedded broker, which has nothing external to probe.
func NewBrokerHealthService(queueType queue.QueueType, checker BrokerConnectivityChecker) *BrokerHealthService {
	return &BrokerHealthService{
		queueType: queueType,
		checker:   checker,
	}
}

// WithWarningService surfaces failed probes on the warning feed. Repeated
// failures coalesce into one entry per the warning service's window.
func (s *BrokerHealthService) WithWarningService(ws warning.Service) *BrokerHealthService {
	s.warnings = ws
	return s
}

// CheckBrokerConnectivity probes the configured broker. This is a quick
// connectivity check, not a full queue validation. Returns a list of issues
// found, empty if healthy.
func (s *BrokerHealthService) CheckBrokerConnectivity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastCheck = time.Now()

	var issues []string
	var connected bool

	ctx, cancel := context.WithTimeout(context.Background(), brokerProbeTimeout)
	defer cancel()

	switch {
	case s.checker != nil:
		if err := s.checker.HealthCheck(ctx); err != nil {
			slog.Error("Broker connectivity check failed", "error", err, "queueType", string(s.queueType))
			issues = append(issues, fmt.Sprintf("%s broker connectivity check failed: %v", s.queueType, err))
		} else {
			connected = true
		}

	case s.queueType == queue.QueueTypeEmbedded:
		// In-process broker with no probe wired: nothing external to fail
		connected = true

	default:
		slog.Warn("No broker connectivity checker configured", "queueType", string(s.queueType))
		issues = append(issues, fmt.Sprintf("%s broker checker not configured", s.queueType))
	}

	if connected {
		s.brokerAvailable.Store(1)
		metrics.BrokerAvailable.WithLabelValues(string(s.queueType)).Set(1)
		metrics.BrokerHealthChecks.WithLabelValues(string(s.queueType), "success").Inc()
		slog.Debug("Broker connectivity check passed", "queueType", string(s.queueType))
	} else {
		s.brokerAvailable.Store(0)
		metrics.BrokerAvailable.WithLabelValues(string(s.queueType)).Set(0)
		metrics.BrokerHealthChecks.WithLabelValues(string(s.queueType), "failure").Inc()
		if len(issues) == 0 {
			issues = append(issues, fmt.Sprintf("%s broker is not accessible", s.queueType))
		}
		if s.warnings != nil {
			s.warnings.AddWarning(warning.CategoryHealth, warning.SeverityError,
				strings.Join(issues, "; "), "broker-health")
		}
	}

	s.lastResult = connected
	s.lastIssues = issues
	return issues
}

// GetBrokerType returns the configured broker type.
func (s *BrokerHealthService) GetBrokerType() queue.QueueType {
	return s.queueType
}

// IsAvailable reports whether the most recent probe succeeded.
func (s *BrokerHealthService) IsAvailable() bool {
	return s.brokerAvailable.Load() == 1
}

// GetLastCheck returns the last probe time, its result, and any issues.
func (s *BrokerHealthService) GetLastCheck() (time.Time, bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCheck, s.lastResult, s.lastIssues
}
