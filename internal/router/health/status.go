package health

import (
	"strings"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/router/warning"
)

// HealthStatusService aggregates infrastructure, broker, pool, queue, breaker
// and warning state into the single document the monitoring dashboard polls.
type HealthStatusService struct {
	mu sync.RWMutex

	startTime            time.Time
	infraHealthService   *InfrastructureHealthService
	brokerHealthService  *BrokerHealthService
	poolMetrics          PoolMetricsProvider
	circuitBreakerGetter CircuitBreakerGetter
	warningGetter        WarningGetter
	queueStatsGetter     QueueStatsGetter
}

// CircuitBreakerGetter provides circuit breaker statistics
type CircuitBreakerGetter interface {
	GetAllCircuitBreakerStats() map[string]*CircuitBreakerStats
	GetOpenCircuitBreakerCount() int
}

// WarningGetter provides warning statistics. warning.Service satisfies it.
type WarningGetter interface {
	GetUnacknowledgedWarnings() []warning.Warning
	GetAllWarnings() []warning.Warning
}

// QueueStatsGetter provides queue statistics
type QueueStatsGetter interface {
	GetAllQueueStats() map[string]*QueueStats
	GetTotalQueueDepth() int64
	GetThroughput() float64
}

// NewHealthStatusService creates the aggregator with its mandatory sources.
// Breaker, warning, and queue providers attach through the Set* methods.
func NewHealthStatusService(
	infraHealth *InfrastructureHealthService,
	brokerHealth *BrokerHealthService,
	poolMetrics PoolMetricsProvider,
) *HealthStatusService {
	return &HealthStatusService{
		startTime:           time.Now(),
		infraHealthService:  infraHealth,
		brokerHealthService: brokerHealth,
		poolMetrics:         poolMetrics,
	}
}

// SetCircuitBreakerGetter sets the circuit breaker stats provider
func (s *HealthStatusService) SetCircuitBreakerGetter(getter CircuitBreakerGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitBreakerGetter = getter
}

// SetWarningGetter sets the warning provider
func (s *HealthStatusService) SetWarningGetter(getter WarningGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warningGetter = getter
}

// SetQueueStatsGetter sets the queue stats provider
func (s *HealthStatusService) SetQueueStatsGetter(getter QueueStatsGetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueStatsGetter = getter
}

// GetHealthStatus builds the aggregated health document. Overall status is
// HEALTHY when infrastructure and broker are both good, DEGRADED when only
// circuit breakers are open, UNHEALTHY otherwise.
func (s *HealthStatusService) GetHealthStatus() *HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &HealthStatus{
		Status:                  "UNKNOWN",
		UpSince:                 s.startTime,
		LastInfrastructureCheck: time.Now(),
	}

	if s.infraHealthService != nil {
		infraHealth := s.infraHealthService.CheckHealth()
		if infraHealth.Healthy {
			status.InfrastructureHealth = "HEALTHY"
		} else {
			status.InfrastructureHealth = "UNHEALTHY"
		}
		status.LastInfrastructureCheck = s.infraHealthService.GetLastHealthCheck()
	}

	if s.brokerHealthService != nil {
		status.BrokerType = strings.ToUpper(string(s.brokerHealthService.GetBrokerType()))
		status.BrokerConnected = s.brokerHealthService.IsAvailable()
		status.BrokerLastCheckAt, _, _ = s.brokerHealthService.GetLastCheck()
	}

	if s.poolMetrics != nil {
		s.collectPoolHealth(status)
	}

	if s.circuitBreakerGetter != nil {
		status.CircuitBreakersOpen = s.circuitBreakerGetter.GetOpenCircuitBreakerCount()
	}

	if s.warningGetter != nil {
		status.UnacknowledgedWarnings = len(s.warningGetter.GetUnacknowledgedWarnings())
	}

	if s.queueStatsGetter != nil {
		status.CurrentQueueDepth = s.queueStatsGetter.GetTotalQueueDepth()
		status.Throughput = s.queueStatsGetter.GetThroughput()
	}

	switch {
	case status.InfrastructureHealth != "HEALTHY" || !status.BrokerConnected:
		status.Status = "UNHEALTHY"
	case status.CircuitBreakersOpen > 0:
		status.Status = "DEGRADED"
	default:
		status.Status = "HEALTHY"
	}

	return status
}

// collectPoolHealth fills the pool section of the status document: per-pool
// health rows plus the processing totals summed across pools.
func (s *HealthStatusService) collectPoolHealth(status *HealthStatus) {
	poolStats := s.poolMetrics.GetAllPoolStats()
	status.ActivePoolCount = len(poolStats)

	var poolHealth []PoolHealth
	for poolCode, stats := range poolStats {
		status.TotalMessagesProcessed += stats.TotalProcessed
		status.TotalMessagesSucceeded += stats.TotalSucceeded
		status.TotalMessagesFailed += stats.TotalFailed
		status.TotalActiveWorkers += stats.ActiveWorkers

		ph := PoolHealth{
			PoolCode:      poolCode,
			Status:        "HEALTHY",
			ActiveWorkers: stats.ActiveWorkers,
			QueueSize:     stats.QueueSize,
		}

		if lastActivity := s.poolMetrics.GetLastActivityTimestamp(poolCode); lastActivity != nil {
			ph.LastActivityAt = *lastActivity
			if time.Since(*lastActivity).Milliseconds() > ActivityTimeoutMs {
				ph.Status = "STALLED"
			}
		}

		poolHealth = append(poolHealth, ph)
	}

	status.PoolHealth = poolHealth
	if status.TotalMessagesProcessed > 0 {
		status.OverallSuccessRate = float64(status.TotalMessagesSucceeded) / float64(status.TotalMessagesProcessed)
	}
}

// GetUptime returns the time since the service was constructed.
func (s *HealthStatusService) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
