// Package manager connects broker consumers to processing pools. It decodes
// message pointers, deduplicates in-flight deliveries, resolves the target
// pool, and runs the maintenance loops that keep long-running instances
// healthy: pool config sync, pipeline cleanup, visibility extension, and
// leak detection.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/platform/dispatchpool"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
	"go.flowcatalyst.tech/internal/router/warning"
)

const (
	// DefaultPoolConcurrency applies when a pool is created on first
	// reference, before any database config has been seen for it.
	DefaultPoolConcurrency = 20

	// DefaultQueueCapacityMultiplier sizes a pool's buffer relative to its
	// concurrency when the config carries no explicit capacity.
	DefaultQueueCapacityMultiplier = 2

	// MinQueueCapacity is the floor for any pool buffer.
	MinQueueCapacity = 50

	// DefaultMaxPools caps the registry. Messages referencing a new pool
	// beyond the cap are dropped with a POOL_LIMIT warning: an unbounded
	// registry would let a misbehaving publisher exhaust memory with
	// one-off pool codes.
	DefaultMaxPools = 2000

	// DefaultPoolCode is the fallback pool for messages that name none.
	// It is created on demand and never drain-removed by config sync.
	DefaultPoolCode = "DEFAULT-POOL"

	// concurrencyUpdateTimeoutSeconds bounds how long a live concurrency
	// decrease may wait for workers to release permits.
	concurrencyUpdateTimeoutSeconds = 60

	// drainWaitSeconds bounds how long a removed pool may take to finish
	// its queued work before it is shut down regardless.
	drainWaitSeconds = 60

	warningSource = "queue-manager"
)

// StandbyChecker reports whether this instance currently holds the primary
// role. Secondary instances keep their registry warm but skip config sync
// until promoted.
type StandbyChecker interface {
	IsPrimary() bool
}

// PoolConfig describes one processing pool.
type PoolConfig struct {
	Code          string
	Concurrency   int
	QueueCapacity int

	// RateLimitPerMinute enables pool-level throttling when non-nil and > 0.
	RateLimitPerMinute *int

	// TimeoutSeconds bounds each mediation; 0 uses the mediator default.
	TimeoutSeconds int
}

// ConfigSyncConfig controls the periodic reconciliation of the pool
// registry against the dispatch pool store.
type ConfigSyncConfig struct {
	Enabled  bool
	Interval time.Duration

	// InitialRetryAttempts and InitialRetryDelay govern the startup sync,
	// which races the database becoming reachable.
	InitialRetryAttempts int
	InitialRetryDelay    time.Duration

	// FailOnInitialSyncError makes Start return an error when the startup
	// sync never succeeds. Disable for instances that may boot before
	// their database.
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns the production sync settings.
func DefaultConfigSyncConfig() ConfigSyncConfig {
	return ConfigSyncConfig{
		Enabled:                true,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PipelineCleanupConfig controls eviction of stale pipeline entries.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration

	// TTL is the maximum age of an in-flight entry. Entries older than
	// this belong to workers that died without settling their message;
	// evicting them lets the broker's redelivery be accepted instead of
	// refused as a duplicate forever.
	TTL time.Duration
}

// DefaultPipelineCleanupConfig returns the production cleanup settings.
func DefaultPipelineCleanupConfig() PipelineCleanupConfig {
	return PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      time.Hour,
	}
}

// VisibilityExtenderConfig controls the loop that extends broker visibility
// for messages still being processed, so slow mediations are not redelivered
// mid-flight.
type VisibilityExtenderConfig struct {
	Enabled  bool
	Interval time.Duration

	// ExtendAfter is the minimum in-flight age before an entry's deadline
	// is first extended.
	ExtendAfter time.Duration

	// MaxExtensions caps extensions per message so a wedged worker cannot
	// keep a message invisible forever.
	MaxExtensions int
}

// DefaultVisibilityExtenderConfig returns settings tuned for a 60 second
// broker visibility timeout.
func DefaultVisibilityExtenderConfig() VisibilityExtenderConfig {
	return VisibilityExtenderConfig{
		Enabled:       true,
		Interval:      55 * time.Second,
		ExtendAfter:   50 * time.Second,
		MaxExtensions: 120,
	}
}

// LeakDetectionConfig controls the pipeline leak monitor.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns the production leak detection settings.
func DefaultLeakDetectionConfig() LeakDetectionConfig {
	return LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// QueueManager owns the pool registry and the in-pipeline message set.
// Consumers hand every decoded pointer to Route, which settles duplicates,
// resolves the pool, and submits the message for mediation.
type QueueManager struct {
	mediator pool.Mediator
	stats    routermetrics.PoolMetricsService

	poolsMu   sync.RWMutex
	pools     map[string]*pool.ProcessPool
	suspended map[string]bool
	maxPools  int

	// defaultNackDelay postpones deliveries the manager cannot route yet
	// (suspended pools, redelivered in-flight duplicates).
	defaultNackDelay time.Duration

	// queueStats, when set, receives per-delivery receive/settle outcomes
	// under queueName.
	queueStats routermetrics.QueueMetricsService
	queueName  string

	pipeline *PipelineSet

	warnings warning.Service

	poolRepo   dispatchpool.Repository
	configSync ConfigSyncConfig
	standby    StandbyChecker

	cleanup  PipelineCleanupConfig
	extender VisibilityExtenderConfig
	leak     LeakDetectionConfig

	runningMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewQueueManager creates a manager. A nil mediator falls back to an HTTP
// mediator with production defaults; a nil stats service records to a
// process-local store.
func NewQueueManager(med pool.Mediator, stats routermetrics.PoolMetricsService) *QueueManager {
	if med == nil {
		med = mediator.NewHTTPMediator(nil)
	}
	if stats == nil {
		stats = routermetrics.NewInMemoryPoolMetricsService()
	}
	return &QueueManager{
		mediator:         med,
		stats:            stats,
		pools:            make(map[string]*pool.ProcessPool),
		suspended:        make(map[string]bool),
		maxPools:         DefaultMaxPools,
		defaultNackDelay: time.Duration(model.DefaultDelaySeconds) * time.Second,
		pipeline:         NewPipelineSet(),
		cleanup:          DefaultPipelineCleanupConfig(),
		extender:         DefaultVisibilityExtenderConfig(),
		leak:             DefaultLeakDetectionConfig(),
		stopCh:           make(chan struct{}),
	}
}

// WithWarningService routes operational warnings to ws.
func (m *QueueManager) WithWarningService(ws warning.Service) *QueueManager {
	m.warnings = ws
	return m
}

// WithConfigSync enables periodic reconciliation against the pool store.
func (m *QueueManager) WithConfigSync(repo dispatchpool.Repository, cfg ConfigSyncConfig) *QueueManager {
	m.poolRepo = repo
	m.configSync = cfg
	return m
}

// WithStandbyChecker gates config sync on holding the primary role.
func (m *QueueManager) WithStandbyChecker(sc StandbyChecker) *QueueManager {
	m.standby = sc
	return m
}

// WithPipelineCleanup overrides the stale-entry eviction settings.
func (m *QueueManager) WithPipelineCleanup(cfg PipelineCleanupConfig) *QueueManager {
	m.cleanup = cfg
	return m
}

// WithVisibilityExtender overrides the visibility extension settings.
func (m *QueueManager) WithVisibilityExtender(cfg VisibilityExtenderConfig) *QueueManager {
	m.extender = cfg
	return m
}

// WithLeakDetection overrides the pipeline leak monitor settings.
func (m *QueueManager) WithLeakDetection(cfg LeakDetectionConfig) *QueueManager {
	m.leak = cfg
	return m
}

// WithMaxPools overrides the registry cap.
func (m *QueueManager) WithMaxPools(n int) *QueueManager {
	if n > 0 {
		m.maxPools = n
	}
	return m
}

// WithDefaultNackDelay overrides the postponement delay for deliveries that
// cannot be routed yet.
func (m *QueueManager) WithDefaultNackDelay(d time.Duration) *QueueManager {
	if d > 0 {
		m.defaultNackDelay = d
	}
	return m
}

// WithQueueMetrics records per-delivery throughput for the named queue:
// one receive per routed message, one processed outcome per settle.
func (m *QueueManager) WithQueueMetrics(stats routermetrics.QueueMetricsService, queueName string) *QueueManager {
	m.queueStats = stats
	m.queueName = queueName
	return m
}

// Start begins accepting messages and launches the maintenance loops.
// With config sync enabled, the initial sync runs (with retries) before the
// manager comes up; a persistent failure is returned when the sync config
// demands it.
func (m *QueueManager) Start() error {
	m.runningMu.Lock()
	if m.running {
		m.runningMu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.runningMu.Unlock()

	if m.poolRepo != nil && m.configSync.Enabled {
		if err := m.initialSync(); err != nil {
			if m.configSync.FailOnInitialSyncError {
				m.runningMu.Lock()
				m.running = false
				m.runningMu.Unlock()
				return fmt.Errorf("initial pool config sync: %w", err)
			}
			slog.Warn("Starting without initial pool config; sync will retry in background",
				"error", err)
		}
		m.startLoop(m.configSyncLoop)
	}
	if m.cleanup.Enabled {
		m.startLoop(m.pipelineCleanupLoop)
	}
	if m.extender.Enabled {
		m.startLoop(m.visibilityExtenderLoop)
	}
	if m.leak.Enabled {
		m.startLoop(m.leakDetectionLoop)
	}

	slog.Info("Queue manager started",
		"maxPools", m.maxPools,
		"configSync", m.poolRepo != nil && m.configSync.Enabled)
	return nil
}

// Stop halts the maintenance loops and shuts down every pool. Queued
// messages that cannot finish in time are redelivered by the broker once
// their visibility lapses.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	if !m.running {
		m.runningMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runningMu.Unlock()

	m.wg.Wait()

	m.poolsMu.Lock()
	pools := m.pools
	m.pools = make(map[string]*pool.ProcessPool)
	m.suspended = make(map[string]bool)
	m.poolsMu.Unlock()

	for code, p := range pools {
		slog.Info("Shutting down pool", "poolCode", code)
		p.Shutdown()
	}

	slog.Info("Queue manager stopped", "inFlight", m.pipeline.Size())
}

// IsRunning reports whether the manager accepts messages.
func (m *QueueManager) IsRunning() bool {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	return m.running
}

func (m *QueueManager) startLoop(fn func(stop <-chan struct{})) {
	stop := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(stop)
	}()
}

// Route accepts one decoded delivery. It returns false only when the
// message was not taken into the pipeline and the broker should redeliver
// it; duplicates, suspended pools, and the registry cap are settled
// internally and report true.
func (m *QueueManager) Route(pointer *model.MessagePointer, qmsg queue.Message) bool {
	if pointer == nil || qmsg == nil {
		return false
	}
	if !m.IsRunning() {
		return false
	}
	if m.queueStats != nil {
		m.queueStats.RecordMessageReceived(m.queueName)
	}

	entry := &InFlightEntry{
		MessageID:       pointer.ID,
		BrokerMessageID: pointer.BrokerMessageID,
		PoolCode:        pointer.PoolCode,
		MessageGroup:    pointer.MessageGroupID,
		QueueSubject:    qmsg.Subject(),
		EnqueuedAt:      time.Now(),
		Callback:        m.callbackFor(pointer.ID, qmsg),
	}

	existing, added := m.pipeline.TryAdd(entry)
	if !added {
		return m.settleDuplicate(pointer, existing, qmsg)
	}

	p, settled := m.resolvePool(pointer, qmsg)
	if settled {
		return true
	}

	msg := &pool.Message{
		Pointer:  pointer,
		Callback: entry.Callback,
	}
	if !p.Submit(msg) {
		// Pool full: hand the delivery back to the broker's redelivery
		// policy rather than queueing unboundedly.
		m.pipeline.Remove(pointer.ID)
		slog.Debug("Pool rejected message, leaving to broker redelivery",
			"poolCode", pointer.PoolCode,
			"messageId", pointer.ID)
		return false
	}

	metrics.PipelineMapSize.Set(float64(m.pipeline.Size()))
	return true
}

// settleDuplicate resolves a delivery whose message ID is already in flight.
//
// A redelivery of the same broker entry (visibility lapsed mid-processing)
// refreshes the tracked receipt handle so the eventual ack uses the newest
// one, then postpones the copy. A distinct broker entry carrying the same
// business ID (an upstream requeue) is acked outright so it cannot block
// its message group behind the in-flight original.
//
// The split keys on the broker message ID because only a same-ID redelivery
// carries a receipt handle for the in-flight entry: SQS keeps the message ID
// stable across redeliveries and issues a fresh handle each time, while a
// requeue is a new broker message whose handle claims a different entry.
// Refreshing from a different-ID copy would leave the original holding a
// handle it does not own.
func (m *QueueManager) settleDuplicate(pointer *model.MessagePointer, existing *InFlightEntry, qmsg queue.Message) bool {
	sameDelivery := pointer.BrokerMessageID != "" &&
		pointer.BrokerMessageID == existing.BrokerMessageID

	if sameDelivery {
		if u, ok := qmsg.(queue.ReceiptHandleUpdatable); ok {
			if handle := u.GetReceiptHandle(); handle != "" {
				existing.Callback.UpdateReceiptHandle(handle)
			}
		}
		if err := qmsg.NakWithDelay(m.defaultNackDelay); err != nil {
			slog.Warn("Failed to postpone redelivered duplicate",
				"messageId", pointer.ID, "error", err)
		}
		slog.Debug("Postponed redelivery of in-flight message",
			"messageId", pointer.ID,
			"poolCode", existing.PoolCode)
		return true
	}

	if err := qmsg.Ack(); err != nil {
		slog.Warn("Failed to ack duplicate delivery",
			"messageId", pointer.ID, "error", err)
	}
	slog.Info("Acked duplicate of in-flight message",
		"messageId", pointer.ID,
		"brokerMessageId", pointer.BrokerMessageID,
		"inFlightBrokerMessageId", existing.BrokerMessageID)
	return true
}

// resolvePool returns the pool for the pointer, creating it on first
// reference. When the message cannot be routed (suspended pool, registry
// cap), resolvePool settles the delivery itself and reports settled=true.
func (m *QueueManager) resolvePool(pointer *model.MessagePointer, qmsg queue.Message) (p *pool.ProcessPool, settled bool) {
	code := pointer.PoolCode

	m.poolsMu.RLock()
	p = m.pools[code]
	isSuspended := m.suspended[code]
	m.poolsMu.RUnlock()

	if isSuspended {
		m.pipeline.Remove(pointer.ID)
		if err := qmsg.NakWithDelay(m.defaultNackDelay); err != nil {
			slog.Warn("Failed to nack message for suspended pool",
				"poolCode", code, "messageId", pointer.ID, "error", err)
		}
		m.warn(warning.CategoryConfiguration, warning.SeverityWarning,
			fmt.Sprintf("Pool %s is suspended; delaying message %s", code, pointer.ID))
		return nil, true
	}

	if p != nil {
		return p, false
	}

	created := m.GetOrCreatePool(&PoolConfig{
		Code:          code,
		Concurrency:   DefaultPoolConcurrency,
		QueueCapacity: defaultQueueCapacity(DefaultPoolConcurrency),
	})
	if created == nil {
		// Registry is at its cap. That is a configuration problem, not a
		// transient one: redelivering would loop forever, so drop the
		// message and surface the condition loudly.
		m.pipeline.Remove(pointer.ID)
		if err := qmsg.Ack(); err != nil {
			slog.Warn("Failed to ack message dropped at pool limit",
				"poolCode", code, "messageId", pointer.ID, "error", err)
		}
		m.warn(warning.CategoryPoolLimit, warning.SeverityError,
			fmt.Sprintf("Pool limit %d reached; dropped message %s for new pool %s",
				m.maxPools, pointer.ID, code))
		slog.Error("Dropped message for new pool at registry cap",
			"poolCode", code,
			"messageId", pointer.ID,
			"maxPools", m.maxPools)
		return nil, true
	}
	return created, false
}

// callbackFor builds the callback that settles a delivery. Every terminal
// path removes the pipeline entry first so the ID can re-enter, then
// settles with the broker.
func (m *QueueManager) callbackFor(messageID string, qmsg queue.Message) pool.Callback {
	cb := pool.Callback{
		AckFunc: func() error {
			m.pipeline.Remove(messageID)
			m.recordProcessed(true)
			return qmsg.Ack()
		},
		NakFunc: func() error {
			m.pipeline.Remove(messageID)
			m.recordProcessed(false)
			return qmsg.Nak()
		},
		NakDelayFunc: func(delaySeconds int) error {
			m.pipeline.Remove(messageID)
			m.recordProcessed(false)
			return qmsg.NakWithDelay(time.Duration(delaySeconds) * time.Second)
		},
		InProgressFunc: qmsg.InProgress,
	}
	if u, ok := qmsg.(queue.ReceiptHandleUpdatable); ok {
		cb.UpdateReceiptHandleFunc = u.UpdateReceiptHandle
		cb.GetReceiptHandleFunc = u.GetReceiptHandle
	}
	return cb
}

func (m *QueueManager) recordProcessed(success bool) {
	if m.queueStats != nil {
		m.queueStats.RecordMessageProcessed(m.queueName, success)
	}
}

// GetOrCreatePool returns the pool for cfg.Code, creating and starting it
// when absent. It returns nil when the registry is at its cap and the code
// is new.
func (m *QueueManager) GetOrCreatePool(cfg *PoolConfig) *pool.ProcessPool {
	m.poolsMu.RLock()
	p := m.pools[cfg.Code]
	m.poolsMu.RUnlock()
	if p != nil {
		return p
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p = m.pools[cfg.Code]; p != nil {
		return p
	}
	if len(m.pools) >= m.maxPools {
		return nil
	}

	p = pool.NewProcessPool(pool.Config{
		PoolCode:           cfg.Code,
		Concurrency:        cfg.Concurrency,
		QueueCapacity:      cfg.QueueCapacity,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TimeoutSeconds:     cfg.TimeoutSeconds,
	}, m.mediator, m.stats)
	p.Start()
	m.pools[cfg.Code] = p

	slog.Info("Created process pool",
		"poolCode", cfg.Code,
		"concurrency", p.GetConcurrency(),
		"queueCapacity", p.GetQueueCapacity())
	return p
}

// GetPool returns the pool for the code, or nil.
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// GetAllPools returns a snapshot of the registry.
func (m *QueueManager) GetAllPools() []*pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	out := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// IsPoolSuspended reports whether the code is currently suspended.
func (m *QueueManager) IsPoolSuspended(code string) bool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.suspended[code]
}

// UpdatePool applies cfg to an existing pool. Concurrency and rate limit
// changes apply live; queue capacity only changes on recreate.
func (m *QueueManager) UpdatePool(cfg *PoolConfig) bool {
	m.poolsMu.RLock()
	p := m.pools[cfg.Code]
	m.poolsMu.RUnlock()
	if p == nil {
		return false
	}

	if cfg.Concurrency > 0 && cfg.Concurrency != p.GetConcurrency() {
		if !p.UpdateConcurrency(cfg.Concurrency, concurrencyUpdateTimeoutSeconds) {
			slog.Warn("Pool concurrency update timed out",
				"poolCode", cfg.Code,
				"target", cfg.Concurrency)
		}
	}
	if !equalRateLimit(p.GetRateLimitPerMinute(), cfg.RateLimitPerMinute) {
		p.UpdateRateLimit(cfg.RateLimitPerMinute)
	}
	if cfg.TimeoutSeconds > 0 && cfg.TimeoutSeconds != p.GetTimeoutSeconds() {
		p.UpdateTimeout(cfg.TimeoutSeconds)
	}
	return true
}

// SuspendPool marks a pool code as rejecting new work. Workers keep
// draining what is already queued.
func (m *QueueManager) SuspendPool(code string) {
	m.poolsMu.Lock()
	m.suspended[code] = true
	m.poolsMu.Unlock()
	slog.Info("Suspended pool", "poolCode", code)
}

// ResumePool lifts a suspension.
func (m *QueueManager) ResumePool(code string) {
	m.poolsMu.Lock()
	delete(m.suspended, code)
	m.poolsMu.Unlock()
	slog.Info("Resumed pool", "poolCode", code)
}

// RemovePool unregisters the pool immediately and shuts it down in the
// background once its queued work drains. Messages arriving for the code
// afterwards create a fresh pool.
func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	p := m.pools[code]
	if p != nil {
		delete(m.pools, code)
	}
	delete(m.suspended, code)
	m.poolsMu.Unlock()
	if p == nil {
		return
	}

	p.Drain()
	go func() {
		for i := 0; i < drainWaitSeconds; i++ {
			if p.IsFullyDrained() {
				break
			}
			time.Sleep(time.Second)
		}
		p.Shutdown()
		m.stats.RemovePoolMetrics(code)
		slog.Info("Removed process pool after drain", "poolCode", code)
	}()
}

// Pipeline exposes the in-flight registry for monitoring.
func (m *QueueManager) Pipeline() *PipelineSet {
	return m.pipeline
}

// GetPipelineSize returns the number of in-flight messages.
func (m *QueueManager) GetPipelineSize() int {
	return m.pipeline.Size()
}

// GetInFlightMessages returns monitoring views of in-flight messages,
// oldest first. A non-empty messageID restricts the result to that message;
// limit caps the result size when positive.
func (m *QueueManager) GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage {
	views := m.pipeline.Snapshot()

	out := make([]*health.InFlightMessage, 0, len(views))
	for i := range views {
		if messageID != "" && views[i].MessageID != messageID {
			continue
		}
		out = append(out, &views[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetTotalPoolCapacity sums queue capacity plus concurrency across pools:
// the most messages that can legitimately be in flight at once.
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetQueueCapacity() + p.GetConcurrency()
	}
	return total
}

// Stats exposes the pool metrics service for health checks and monitoring.
func (m *QueueManager) Stats() routermetrics.PoolMetricsService {
	return m.stats
}

func (m *QueueManager) warn(category, severity, message string) {
	if m.warnings == nil {
		return
	}
	m.warnings.AddWarning(category, severity, message, warningSource)
}

// --- Config sync ---

// initialSync retries the first reconcile so startup can race the database.
// A standby instance skips it entirely: it must not fail to boot just
// because sync is deferred until promotion.
func (m *QueueManager) initialSync() error {
	if m.standby != nil && !m.standby.IsPrimary() {
		slog.Info("Standby instance; deferring pool config sync until promotion")
		return nil
	}

	attempts := m.configSync.InitialRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := m.ReconcilePools(context.Background())
		if err == nil {
			slog.Info("Initial pool config sync completed", "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("Initial pool config sync failed",
			"attempt", attempt,
			"maxAttempts", attempts,
			"error", err)
		if attempt < attempts {
			time.Sleep(m.configSync.InitialRetryDelay)
		}
	}
	return lastErr
}

func (m *QueueManager) configSyncLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.configSync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.standby != nil && !m.standby.IsPrimary() {
				continue
			}
			if err := m.ReconcilePools(context.Background()); err != nil {
				slog.Warn("Pool config sync failed; keeping current pools", "error", err)
			}
		}
	}
}

// ReconcilePools aligns the registry with the dispatch pool store: active
// pools are created or updated, suspended pools reject new work while their
// workers drain, and pools absent from the store are drain-removed. On a
// read failure the registry is left untouched and a warning is raised.
func (m *QueueManager) ReconcilePools(ctx context.Context) error {
	if m.poolRepo == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	dbPools, err := m.poolRepo.FindAllNonArchived(ctx)
	if err != nil {
		m.warn(warning.CategoryConfiguration, warning.SeverityWarning,
			fmt.Sprintf("Pool config sync failed: %v", err))
		return err
	}

	desired := make(map[string]*dispatchpool.DispatchPool, len(dbPools))
	suspended := make(map[string]bool)
	for _, dp := range dbPools {
		if dp.Code == "" {
			continue
		}
		desired[dp.Code] = dp
		if dp.IsSuspended() {
			suspended[dp.Code] = true
		}
	}

	created, updated := 0, 0
	for code, dp := range desired {
		if dp.IsSuspended() {
			continue
		}
		concurrency := dp.GetConcurrencyOrDefault(DefaultPoolConcurrency)
		cfg := &PoolConfig{
			Code:               code,
			Concurrency:        concurrency,
			QueueCapacity:      dp.GetQueueCapacityOrDefault(defaultQueueCapacity(concurrency)),
			RateLimitPerMinute: dp.RateLimitPerMin,
		}
		if m.GetPool(code) != nil {
			if m.UpdatePool(cfg) {
				updated++
			}
			continue
		}
		if m.GetOrCreatePool(cfg) != nil {
			created++
		} else {
			slog.Warn("Pool limit reached during config sync; pool not created",
				"poolCode", code, "maxPools", m.maxPools)
		}
	}

	m.poolsMu.Lock()
	m.suspended = suspended
	m.poolsMu.Unlock()

	// Drain pools no longer present in the store. The default pool is
	// created on demand rather than configured, so it is exempt.
	var removals []string
	m.poolsMu.RLock()
	for code := range m.pools {
		if code == DefaultPoolCode {
			continue
		}
		if _, ok := desired[code]; !ok {
			removals = append(removals, code)
		}
	}
	m.poolsMu.RUnlock()
	for _, code := range removals {
		slog.Info("Pool absent from config; scheduling drain", "poolCode", code)
		m.RemovePool(code)
	}

	slog.Debug("Pool config sync complete",
		"configured", len(desired),
		"created", created,
		"updated", updated,
		"suspended", len(suspended),
		"removed", len(removals))
	return nil
}

// --- Maintenance loops ---

func (m *QueueManager) pipelineCleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cleanup.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			expired := m.pipeline.ExpireOlderThan(m.cleanup.TTL)
			if len(expired) == 0 {
				continue
			}
			for _, e := range expired {
				slog.Warn("Evicted stale pipeline entry",
					"messageId", e.MessageID,
					"poolCode", e.PoolCode,
					"age", e.Age(time.Now()).Round(time.Second))
			}
			m.warn(warning.CategoryHealth, warning.SeverityWarning,
				fmt.Sprintf("Evicted %d pipeline entries older than %s", len(expired), m.cleanup.TTL))
			metrics.PipelineMapSize.Set(float64(m.pipeline.Size()))
		}
	}
}

func (m *QueueManager) visibilityExtenderLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.extender.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			extended, capped := 0, 0
			for _, e := range m.pipeline.EntriesOlderThan(m.extender.ExtendAfter) {
				if int(e.extensions.Load()) >= m.extender.MaxExtensions {
					capped++
					continue
				}
				if err := e.Callback.InProgress(); err != nil {
					slog.Debug("Visibility extension failed",
						"messageId", e.MessageID, "error", err)
					continue
				}
				e.extensions.Add(1)
				extended++
			}
			if extended > 0 || capped > 0 {
				slog.Debug("Extended message visibility",
					"extended", extended,
					"capped", capped)
			}
		}
	}
}

// leakDetectionLoop compares the pipeline size against the total pool
// capacity. The pipeline can never legitimately exceed what the pools can
// hold, so a sustained excess means terminal-outcome removals are being
// missed somewhere.
func (m *QueueManager) leakDetectionLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.leak.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			size := m.pipeline.Size()
			capacity := m.GetTotalPoolCapacity()
			metrics.PipelineMapSize.Set(float64(size))
			metrics.PipelineTotalCapacity.Set(float64(capacity))

			if capacity > 0 && size > capacity {
				slog.Warn("Pipeline size exceeds total pool capacity",
					"pipelineSize", size,
					"totalCapacity", capacity)
				m.warn(warning.CategoryHealth, warning.SeverityWarning,
					fmt.Sprintf("Pipeline tracks %d messages but pools hold at most %d; possible leak",
						size, capacity))
			}
		}
	}
}

func defaultQueueCapacity(concurrency int) int {
	capacity := concurrency * DefaultQueueCapacityMultiplier
	if capacity < MinQueueCapacity {
		return MinQueueCapacity
	}
	return capacity
}

func equalRateLimit(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
