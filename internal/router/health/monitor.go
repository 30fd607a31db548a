package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/router/warning"
)

// monitorSource keys threshold warnings for coalescing.
const monitorSource = "health-monitor"

// MonitorConfig holds the sustained thresholds the monitor watches.
type MonitorConfig struct {
	// CheckInterval is how often the thresholds are evaluated and the
	// broker is probed.
	CheckInterval time.Duration

	// BacklogCriticalThreshold is the total queue depth above which a
	// CRITICAL backlog warning is raised.
	BacklogCriticalThreshold int64

	// GrowthWindow is how long queue depth must keep rising between
	// samples before a growth warning is raised.
	GrowthWindow time.Duration

	// SaturationWindow is how long a pool's queue must stay full before
	// a saturation warning is raised.
	SaturationWindow time.Duration
}

// DefaultMonitorConfig returns production thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:            30 * time.Second,
		BacklogCriticalThreshold: 10_000,
		GrowthWindow:             2 * time.Minute,
		SaturationWindow:         time.Minute,
	}
}

// ThresholdMonitor periodically evaluates queue depth, queue growth, and
// pool saturation against sustained thresholds and raises warnings when
// they are crossed. It also drives the periodic broker connectivity probe
// when one is attached. Repeated crossings coalesce in the warning service
// rather than flooding the feed.
type ThresholdMonitor struct {
	cfg         MonitorConfig
	queueStats  QueueStatsGetter
	poolMetrics PoolMetricsProvider
	warnings    warning.Service
	broker      *BrokerHealthService

	mu             sync.Mutex
	lastDepth      int64
	haveDepth      bool
	growingSince   time.Time
	saturatedSince map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewThresholdMonitor creates a monitor. Nil stats providers disable the
// corresponding checks.
func NewThresholdMonitor(
	cfg MonitorConfig,
	queueStats QueueStatsGetter,
	poolMetrics PoolMetricsProvider,
	warnings warning.Service,
) *ThresholdMonitor {
	return &ThresholdMonitor{
		cfg:            cfg,
		queueStats:     queueStats,
		poolMetrics:    poolMetrics,
		warnings:       warnings,
		saturatedSince: make(map[string]time.Time),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// WithBrokerHealth attaches the broker probe, run on every check interval.
func (m *ThresholdMonitor) WithBrokerHealth(broker *BrokerHealthService) *ThresholdMonitor {
	m.broker = broker
	return m
}

// Start begins periodic evaluation in the background.
func (m *ThresholdMonitor) Start() {
	go m.run()
	slog.Info("Health threshold monitor started",
		"interval", m.cfg.CheckInterval,
		"backlogCriticalThreshold", m.cfg.BacklogCriticalThreshold)
}

// Stop halts evaluation and waits for the loop to exit.
func (m *ThresholdMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
	slog.Info("Health threshold monitor stopped")
}

func (m *ThresholdMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.broker != nil {
				m.broker.CheckBrokerConnectivity()
			}
			m.evaluate(time.Now())
		}
	}
}

// evaluate runs one threshold pass against the metrics as of now.
func (m *ThresholdMonitor) evaluate(now time.Time) {
	m.checkQueueDepth(now)
	m.checkPoolSaturation(now)
}

func (m *ThresholdMonitor) checkQueueDepth(now time.Time) {
	if m.queueStats == nil {
		return
	}
	depth := m.queueStats.GetTotalQueueDepth()

	m.mu.Lock()
	growing := m.haveDepth && depth > m.lastDepth
	if growing {
		if m.growingSince.IsZero() {
			m.growingSince = now
		}
	} else {
		m.growingSince = time.Time{}
	}
	growingFor := time.Duration(0)
	if !m.growingSince.IsZero() {
		growingFor = now.Sub(m.growingSince)
	}
	m.lastDepth = depth
	m.haveDepth = true
	m.mu.Unlock()

	if depth > m.cfg.BacklogCriticalThreshold {
		m.warnings.AddWarning(warning.CategoryQueueBacklog, warning.SeverityCritical,
			fmt.Sprintf("Queue depth %d exceeds critical threshold %d",
				depth, m.cfg.BacklogCriticalThreshold),
			monitorSource)
	}
	if growingFor > m.cfg.GrowthWindow {
		m.warnings.AddWarning(warning.CategoryQueueGrowing, warning.SeverityWarning,
			fmt.Sprintf("Queue depth rising for %s, now %d",
				growingFor.Round(time.Second), depth),
			monitorSource)
	}
}

func (m *ThresholdMonitor) checkPoolSaturation(now time.Time) {
	if m.poolMetrics == nil {
		return
	}
	for poolCode, stats := range m.poolMetrics.GetAllPoolStats() {
		saturated := stats.MaxQueueCapacity > 0 && stats.QueueSize >= stats.MaxQueueCapacity

		m.mu.Lock()
		if !saturated {
			delete(m.saturatedSince, poolCode)
			m.mu.Unlock()
			continue
		}
		since, ok := m.saturatedSince[poolCode]
		if !ok {
			since = now
			m.saturatedSince[poolCode] = since
		}
		m.mu.Unlock()

		if held := now.Sub(since); held > m.cfg.SaturationWindow {
			m.warnings.AddWarning(warning.CategoryPoolLimit, warning.SeverityError,
				fmt.Sprintf("Pool %s queue full (%d/%d) for %s",
					poolCode, stats.QueueSize, stats.MaxQueueCapacity,
					held.Round(time.Second)),
				monitorSource)
		}
	}
}
