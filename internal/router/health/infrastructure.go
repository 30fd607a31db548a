package health

import (
	"log/slog"
	"sync"
	"time"
)

// ActivityTimeoutMs is how long a pool may go without processing anything
// before it counts as stalled.
const ActivityTimeoutMs = 120_000 // 2 minutes

// PoolMetricsProvider exposes the per-pool counters the health services read.
type PoolMetricsProvider interface {
	// GetAllPoolStats returns statistics for all processing pools.
	GetAllPoolStats() map[string]*PoolStats
	// GetLastActivityTimestamp returns when a pool last processed a
	// message, or nil if it never has.
	GetLastActivityTimestamp(poolCode string) *time.Time
}

// InfrastructureHealthService reports whether the router itself can still
// move messages. Failing downstream endpoints do not make it unhealthy; a
// missing queue manager or a stall across every active pool does.
type InfrastructureHealthService struct {
	mu sync.RWMutex

	poolMetrics     PoolMetricsProvider
	lastHealthCheck time.Time
}

// NewInfrastructureHealthService creates the infrastructure health check.
func NewInfrastructureHealthService(poolMetrics PoolMetricsProvider) *InfrastructureHealthService {
	return &InfrastructureHealthService{poolMetrics: poolMetrics}
}

// CheckHealth evaluates the router infrastructure.
func (s *InfrastructureHealthService) CheckHealth() *InfrastructureHealth {
	s.mu.Lock()
	s.lastHealthCheck = time.Now()
	s.mu.Unlock()

	var issues []string
	if s.poolMetrics == nil {
		issues = append(issues, "QueueManager not initialized")
	} else {
		if len(s.poolMetrics.GetAllPoolStats()) == 0 {
			issues = append(issues, "No active process pools")
		}
		if s.allActivePoolsStalled() {
			issues = append(issues, "All process pools appear stalled (no activity in 120s)")
		}
	}

	health := &InfrastructureHealth{
		Healthy: len(issues) == 0,
		Message: "Infrastructure is operational",
		Issues:  issues,
	}
	if !health.Healthy {
		health.Message = "Infrastructure issues detected"
	}
	return health
}

// allActivePoolsStalled reports whether every pool that has ever processed a
// message has now been idle past the activity timeout. Pools with no activity
// yet are ignored, so startup and quiet queues do not trip the check.
func (s *InfrastructureHealthService) allActivePoolsStalled() bool {
	now := time.Now()
	active, stalled := 0, 0

	for poolCode := range s.poolMetrics.GetAllPoolStats() {
		lastActivity := s.poolMetrics.GetLastActivityTimestamp(poolCode)
		if lastActivity == nil {
			continue
		}
		active++

		if idle := now.Sub(*lastActivity); idle.Milliseconds() > ActivityTimeoutMs {
			stalled++
			slog.Warn("Pool has not processed messages recently",
				"poolCode", poolCode,
				"secondsSinceActivity", int64(idle.Seconds()))
		}
	}

	return active > 0 && stalled == active
}

// GetLastHealthCheck returns when CheckHealth last ran.
func (s *InfrastructureHealthService) GetLastHealthCheck() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHealthCheck
}
