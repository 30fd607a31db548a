// Package pool provides the message processing pool implementation
package pool

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/model"
)

// Callback completes a broker delivery. The routing pipeline builds one per
// message from the broker's primitives. A nil field is a no-op, which lets
// brokers without a matching primitive (NATS has no receipt handles) share
// the same type.
type Callback struct {
	AckFunc                 func() error
	NakFunc                 func() error
	NakDelayFunc            func(delaySeconds int) error
	InProgressFunc          func() error
	UpdateReceiptHandleFunc func(receiptHandle string)
	GetReceiptHandleFunc    func() string
}

// Ack acknowledges the delivery at the broker.
func (c Callback) Ack() error {
	if c.AckFunc == nil {
		return nil
	}
	return c.AckFunc()
}

// Nak returns the delivery to the broker for redelivery after the
// broker-configured default.
func (c Callback) Nak() error {
	if c.NakFunc == nil {
		return nil
	}
	return c.NakFunc()
}

// NakWithDelay requests redelivery after the given number of seconds,
// falling back to a plain NACK when the broker has no per-message delay.
func (c Callback) NakWithDelay(delaySeconds int) error {
	if c.NakDelayFunc != nil {
		return c.NakDelayFunc(delaySeconds)
	}
	return c.Nak()
}

// InProgress tells the broker the message is still being worked on, extending
// its visibility where the broker supports that.
func (c Callback) InProgress() error {
	if c.InProgressFunc == nil {
		return nil
	}
	return c.InProgressFunc()
}

// UpdateReceiptHandle replaces the stored receipt handle after a redelivery
// so the eventual ACK uses the newest one.
func (c Callback) UpdateReceiptHandle(receiptHandle string) {
	if c.UpdateReceiptHandleFunc != nil {
		c.UpdateReceiptHandleFunc(receiptHandle)
	}
}

// ReceiptHandle returns the current receipt handle, or "" for brokers
// without handles.
func (c Callback) ReceiptHandle() string {
	if c.GetReceiptHandleFunc == nil {
		return ""
	}
	return c.GetReceiptHandleFunc()
}

// Message is the unit of work a pool processes: a decoded pointer plus the
// callbacks that complete the underlying broker delivery.
type Message struct {
	Pointer  *model.MessagePointer
	Callback Callback

	// TimeoutSeconds bounds the mediation call. Zero means the pool's
	// configured timeout, or the mediator default when the pool has none.
	TimeoutSeconds int
}

// MediationResult classifies the outcome of a mediation attempt.
type MediationResult string

const (
	// MediationResultSuccess means the target processed the message.
	MediationResultSuccess MediationResult = "SUCCESS"

	// MediationResultErrorProcess is a transient failure: the message is
	// NACK'd and the broker redelivers it.
	MediationResultErrorProcess MediationResult = "ERROR_PROCESS"

	// MediationResultErrorConfig is a permanent failure (bad target, auth
	// rejection): the message is ACK'd so it is never redelivered.
	MediationResultErrorConfig MediationResult = "ERROR_CONFIG"
)

// MediationOutcome is the classified result of one mediation attempt.
type MediationOutcome struct {
	Result MediationResult

	// StatusCode is the HTTP status of the final response, 0 when the call
	// never completed (connection failure, timeout, open circuit breaker).
	StatusCode int

	// DelaySeconds is the redelivery delay the target requested via the
	// response envelope or a Retry-After header. Zero leaves the router
	// default in force.
	DelaySeconds int

	// Detail describes a failure for logs and warnings.
	Detail string

	// Err is the transport-level error, nil when an HTTP response arrived.
	Err error
}

// EffectiveDelaySeconds returns the clamped redelivery delay for a retryable
// outcome, falling back to the router default when the target requested none.
func (o *MediationOutcome) EffectiveDelaySeconds() int {
	if o == nil || o.DelaySeconds <= 0 {
		return model.DefaultDelaySeconds
	}
	return model.ClampDelaySeconds(o.DelaySeconds)
}

// Mediator processes messages
type Mediator interface {
	Process(msg *Message) *MediationOutcome
}

// Pool represents a message processing pool
type Pool interface {
	Start()
	Drain()
	Submit(msg *Message) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	GetTimeoutSeconds() int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
	UpdateTimeout(timeoutSeconds int)
}

const (
	// MinConcurrency and MaxConcurrency bound a pool's worker count.
	MinConcurrency = 1
	MaxConcurrency = 10000

	// DefaultQueueCapacity applies when a pool config omits the capacity.
	DefaultQueueCapacity = 500

	// IdleTimeoutMinutes before cleaning up inactive message groups
	IdleTimeoutMinutes = 5

	// FastFailDelaySeconds is the redelivery delay for messages the pool
	// declined without attempting mediation (order barrier after an earlier
	// failure in the same batch+group).
	FastFailDelaySeconds = 10

	// rateLimitMaxWait is how long a worker waits for a rate-limit token
	// before giving up and NACKing with the projected delay.
	rateLimitMaxWait = time.Second
)

// Config describes a processing pool.
type Config struct {
	PoolCode string

	// Concurrency is clamped to [MinConcurrency, MaxConcurrency].
	Concurrency int

	// QueueCapacity defaults to DefaultQueueCapacity when <= 0.
	QueueCapacity int

	// RateLimitPerMinute enables the token bucket when non-nil and > 0.
	RateLimitPerMinute *int

	// TimeoutSeconds bounds each mediation call; 0 uses the mediator default.
	TimeoutSeconds int
}

// ProcessPool implements Pool with per-message-group FIFO ordering
type ProcessPool struct {
	poolCode       string
	concurrency    int32 // Use atomic for thread-safe reads
	queueCapacity  int
	timeoutSeconds int32
	semaphore      chan struct{} // Buffered channel as semaphore

	running            atomic.Bool
	rateLimiter        *rate.Limiter
	rateLimitMu        sync.RWMutex
	rateLimitPerMinute *int

	mediator Mediator
	stats    routermetrics.PoolMetricsService

	// Per-message-group queues for FIFO ordering
	messageGroupQueues sync.Map // map[string]chan *Message
	activeGroupThreads sync.Map // map[string]bool

	// Total messages across all group queues
	totalQueuedMessages atomic.Int32

	// Batch+Group FIFO tracking
	failedBatchGroups      sync.Map // map[string]bool - "batchId|groupId" -> failed
	batchGroupMessageCount sync.Map // map[string]*atomic.Int32

	// Shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	// Gauge update scheduling
	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

// NewProcessPool creates a new process pool
func NewProcessPool(cfg Config, mediator Mediator, stats routermetrics.PoolMetricsService) *ProcessPool {
	concurrency := clampConcurrency(cfg.Concurrency)
	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if stats == nil {
		stats = routermetrics.NewInMemoryPoolMetricsService()
	}

	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	pool := &ProcessPool{
		poolCode:      cfg.PoolCode,
		concurrency:   int32(concurrency),
		queueCapacity: queueCapacity,
		// Sized at the maximum so concurrency can be raised later without
		// reallocating the channel.
		semaphore:          make(chan struct{}, MaxConcurrency),
		mediator:           mediator,
		stats:              stats,
		rateLimitPerMinute: cfg.RateLimitPerMinute,
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
	}
	pool.timeoutSeconds = int32(cfg.TimeoutSeconds)

	// Initialize semaphore with permits
	for i := 0; i < concurrency; i++ {
		pool.semaphore <- struct{}{}
	}

	// Create rate limiter if configured
	if cfg.RateLimitPerMinute != nil && *cfg.RateLimitPerMinute > 0 {
		// rate.Limiter uses per-second rate
		perSecond := float64(*cfg.RateLimitPerMinute) / 60.0
		pool.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *cfg.RateLimitPerMinute)
		slog.Info("Created pool-level rate limiter",
			"pool", cfg.PoolCode,
			"rateLimit", *cfg.RateLimitPerMinute)
	}

	stats.InitializePoolCapacity(cfg.PoolCode, concurrency, queueCapacity)

	return pool
}

func clampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// Start begins processing
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()

		slog.Info("Starting process pool with per-group goroutines",
			"pool", p.poolCode,
			"concurrency", atomic.LoadInt32(&p.concurrency))
	}
}

// Drain stops accepting new work but finishes processing
func (p *ProcessPool) Drain() {
	slog.Info("Draining process pool",
		"pool", p.poolCode,
		"queued", p.totalQueuedMessages.Load())
	p.running.Store(false)
}

// Submit submits a message for processing
func (p *ProcessPool) Submit(msg *Message) bool {
	if !p.running.Load() {
		return false
	}

	groupID := p.groupID(msg)

	// Track for batch+group FIFO ordering
	batchID := msg.Pointer.BatchID
	var batchGroupKey string
	if batchID != "" {
		batchGroupKey = batchID + "|" + groupID
		counter, _ := p.batchGroupMessageCount.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	// Get or create queue for this message group
	queueIface, loaded := p.messageGroupQueues.LoadOrStore(groupID, make(chan *Message, p.queueCapacity))
	queue := queueIface.(chan *Message)

	if !loaded {
		// Start dedicated goroutine for this message group
		p.startGroupGoroutine(groupID, queue)
		slog.Debug("Created new message group with dedicated goroutine",
			"pool", p.poolCode,
			"group", groupID)
	}

	// Check if group goroutine died and needs restart
	if _, active := p.activeGroupThreads.Load(groupID); !active {
		slog.Warn("Goroutine for message group appears to have died - restarting",
			"pool", p.poolCode,
			"group", groupID)
		p.startGroupGoroutine(groupID, queue)
	}

	// Check total capacity
	current := p.totalQueuedMessages.Load()
	if int(current) >= p.queueCapacity {
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"current", current,
			"capacity", p.queueCapacity,
			"messageId", msg.Pointer.ID)
		// Clean up batch+group tracking
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}

	// Try to submit to queue
	select {
	case queue <- msg:
		p.totalQueuedMessages.Add(1)
		p.stats.RecordMessageSubmitted(p.poolCode)
		return true
	default:
		// Queue full
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}
}

// groupID returns the ordering key for a message.
func (p *ProcessPool) groupID(msg *Message) string {
	if msg.Pointer.MessageGroupID == "" {
		return model.DefaultMessageGroup
	}
	return msg.Pointer.MessageGroupID
}

// startGroupGoroutine starts a dedicated goroutine for a message group
func (p *ProcessPool) startGroupGoroutine(groupID string, queue chan *Message) {
	p.activeGroupThreads.Store(groupID, true)
	p.wg.Add(1)
	go p.processMessageGroup(groupID, queue)
}

// processMessageGroup processes messages for a single group
func (p *ProcessPool) processMessageGroup(groupID string, queue chan *Message) {
	defer p.wg.Done()
	defer p.activeGroupThreads.Delete(groupID)

	slog.Debug("Starting message group processor",
		"pool", p.poolCode,
		"group", groupID)

	idleTimeout := time.Duration(IdleTimeoutMinutes) * time.Minute
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			slog.Debug("Message group processor shutting down",
				"pool", p.poolCode,
				"group", groupID)
			return

		case msg := <-queue:
			if msg == nil {
				continue
			}

			// Reset idle timer
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)

			p.totalQueuedMessages.Add(-1)
			p.processMessage(groupID, msg)

		case <-timer.C:
			// Idle timeout - check if queue is empty and cleanup
			if len(queue) == 0 {
				slog.Debug("Message group idle, cleaning up",
					"pool", p.poolCode,
					"group", groupID,
					"idleMinutes", IdleTimeoutMinutes)
				p.messageGroupQueues.Delete(groupID)
				return
			}
			timer.Reset(idleTimeout)
		}
	}
}

// processMessage processes a single message
func (p *ProcessPool) processMessage(groupID string, msg *Message) {
	var semaphoreAcquired bool

	defer func() {
		// CRITICAL: Always release semaphore
		if semaphoreAcquired {
			p.semaphore <- struct{}{}
		}

		// Handle panic
		if r := recover(); r != nil {
			slog.Error("Panic during message processing",
				"pool", p.poolCode,
				"messageId", msg.Pointer.ID,
				"panic", r)
			p.nackSafely(msg)
		}
	}()

	var batchGroupKey string
	if msg.Pointer.BatchID != "" {
		batchGroupKey = msg.Pointer.BatchID + "|" + groupID
	}

	// Check if batch+group has already failed (FIFO enforcement)
	if batchGroupKey != "" {
		if _, failed := p.failedBatchGroups.Load(batchGroupKey); failed {
			slog.Warn("Earlier message in batch+group failed, nacking to preserve FIFO ordering",
				"pool", p.poolCode,
				"messageId", msg.Pointer.ID,
				"batchGroup", batchGroupKey)
			p.nackWithDelay(msg, FastFailDelaySeconds)
			p.decrementAndCleanupBatchGroup(batchGroupKey)
			return
		}
	}

	// Check rate limiting BEFORE acquiring semaphore
	if ok, projectedWait := p.acquireRateToken(); !ok {
		delaySeconds := model.ClampDelaySeconds(int(math.Ceil(projectedWait.Seconds())))
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		p.stats.RecordRateLimitExceeded(p.poolCode)
		slog.Warn("Rate limit exceeded, nacking with projected delay",
			"pool", p.poolCode,
			"messageId", msg.Pointer.ID,
			"delaySeconds", delaySeconds)
		p.nackWithDelay(msg, delaySeconds)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return
	}

	// Acquire semaphore permit
	select {
	case <-p.semaphore:
		semaphoreAcquired = true
	case <-p.ctx.Done():
		p.nackSafely(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return
	}

	if msg.TimeoutSeconds == 0 {
		msg.TimeoutSeconds = p.GetTimeoutSeconds()
	}

	// Process message through mediator
	slog.Info("Processing message via mediator",
		"pool", p.poolCode,
		"messageId", msg.Pointer.ID,
		"target", msg.Pointer.MediationTarget)

	startTime := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(startTime)

	// Record metrics
	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	slog.Info("Message processing completed",
		"pool", p.poolCode,
		"messageId", msg.Pointer.ID,
		"result", string(resultOf(outcome)),
		"duration", duration)

	// Handle mediation outcome
	p.handleMediationOutcome(msg, outcome, batchGroupKey, duration)
}

func resultOf(outcome *MediationOutcome) MediationResult {
	if outcome == nil {
		return MediationResultErrorProcess
	}
	return outcome.Result
}

// acquireRateToken takes a token from the pool rate limiter, waiting at most
// rateLimitMaxWait for one to become available. Returns false and the
// projected wait when the token could not be had in time.
func (p *ProcessPool) acquireRateToken() (bool, time.Duration) {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return true, 0
	}

	reservation := limiter.Reserve()
	if !reservation.OK() {
		return false, time.Duration(model.DefaultDelaySeconds) * time.Second
	}

	wait := reservation.Delay()
	if wait == 0 {
		return true, 0
	}
	if wait > rateLimitMaxWait {
		reservation.Cancel()
		return false, wait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, 0
	case <-p.ctx.Done():
		reservation.Cancel()
		return false, wait
	}
}

// handleMediationOutcome handles the result of mediation
func (p *ProcessPool) handleMediationOutcome(msg *Message, outcome *MediationOutcome, batchGroupKey string, duration time.Duration) {
	if outcome == nil {
		outcome = &MediationOutcome{
			Result: MediationResultErrorProcess,
			Detail: "mediator returned no outcome",
		}
	}
	durationMs := duration.Milliseconds()

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		p.stats.RecordProcessingSuccess(p.poolCode, durationMs)
		slog.Info("Message processed successfully - ACKing",
			"pool", p.poolCode,
			"messageId", msg.Pointer.ID)
		p.ackSafely(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}

	case MediationResultErrorConfig:
		// Permanent failure - ACK to prevent infinite redelivery
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.stats.RecordProcessingFailure(p.poolCode, durationMs, "config")
		slog.Warn("Configuration error - ACKing to prevent retry",
			"pool", p.poolCode,
			"messageId", msg.Pointer.ID,
			"statusCode", outcome.StatusCode,
			"detail", outcome.Detail)
		p.ackSafely(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}

	default:
		// Transient failure - NACK for redelivery after the effective delay
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.stats.RecordProcessingFailure(p.poolCode, durationMs, "process")
		delaySeconds := outcome.EffectiveDelaySeconds()
		slog.Warn("Processing error - NACKing for redelivery",
			"pool", p.poolCode,
			"messageId", msg.Pointer.ID,
			"statusCode", outcome.StatusCode,
			"delaySeconds", delaySeconds,
			"detail", outcome.Detail)
		p.nackWithDelay(msg, delaySeconds)

		// Mark batch+group as failed so later messages keep their order
		if batchGroupKey != "" {
			p.failedBatchGroups.Store(batchGroupKey, true)
			slog.Warn("Batch+group marked as failed",
				"pool", p.poolCode,
				"batchGroup", batchGroupKey)
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
	}
}

// ackSafely acks a message, logging instead of propagating failures.
func (p *ProcessPool) ackSafely(msg *Message) {
	if err := msg.Callback.Ack(); err != nil {
		slog.Error("Failed to ack message",
			"pool", p.poolCode,
			"messageId", msg.Pointer.ID,
			"error", err)
	}
}

// nackWithDelay nacks a message with a redelivery delay, logging failures.
func (p *ProcessPool) nackWithDelay(msg *Message, delaySeconds int) {
	if err := msg.Callback.NakWithDelay(delaySeconds); err != nil {
		slog.Error("Failed to nack message",
			"pool", p.poolCode,
			"messageId", msg.Pointer.ID,
			"delaySeconds", delaySeconds,
			"error", err)
	}
}

// nackSafely safely nacks a message
func (p *ProcessPool) nackSafely(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.Pointer.ID,
				"panic", r)
		}
	}()
	if err := msg.Callback.Nak(); err != nil {
		slog.Error("Failed to nack message",
			"pool", p.poolCode,
			"messageId", msg.Pointer.ID,
			"error", err)
	}
}

// decrementAndCleanupBatchGroup decrements count and cleans up if zero
func (p *ProcessPool) decrementAndCleanupBatchGroup(batchGroupKey string) {
	if counterIface, ok := p.batchGroupMessageCount.Load(batchGroupKey); ok {
		counter := counterIface.(*atomic.Int32)
		remaining := counter.Add(-1)
		if remaining <= 0 {
			p.batchGroupMessageCount.Delete(batchGroupKey)
			p.failedBatchGroups.Delete(batchGroupKey)
			slog.Debug("Batch+group fully processed, cleaned up",
				"pool", p.poolCode,
				"batchGroup", batchGroupKey)
		}
	}
}

// GetPoolCode returns the pool code
func (p *ProcessPool) GetPoolCode() string {
	return p.poolCode
}

// GetConcurrency returns the concurrency limit
func (p *ProcessPool) GetConcurrency() int {
	return int(atomic.LoadInt32(&p.concurrency))
}

// GetRateLimitPerMinute returns the rate limit
func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

// GetTimeoutSeconds returns the per-mediation timeout, 0 when unset.
func (p *ProcessPool) GetTimeoutSeconds() int {
	return int(atomic.LoadInt32(&p.timeoutSeconds))
}

// IsFullyDrained returns true if the pool is fully drained
func (p *ProcessPool) IsFullyDrained() bool {
	return p.totalQueuedMessages.Load() == 0 && len(p.semaphore) == int(atomic.LoadInt32(&p.concurrency))
}

// Shutdown shuts down the pool
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	// Stop gauge updater first
	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	// Wait for all goroutines with timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the total queued messages
func (p *ProcessPool) GetQueueSize() int {
	return int(p.totalQueuedMessages.Load())
}

// GetActiveWorkers returns the number of active workers
func (p *ProcessPool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

// GetQueueCapacity returns the queue capacity
func (p *ProcessPool) GetQueueCapacity() int {
	return p.queueCapacity
}

// HasCapacity returns true if the pool can accept the specified number of messages
func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

// IsRateLimited returns true if currently rate limited
func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency updates the concurrency limit
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}
	if newLimit > MaxConcurrency {
		newLimit = MaxConcurrency
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		// Increasing - add permits
		diff := newLimit - current
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased",
			"pool", p.poolCode,
			"from", current,
			"to", newLimit)
		return true
	}

	// Decreasing - try to acquire permits with timeout
	diff := current - newLimit
	timeout := time.Duration(timeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)

	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			// Timeout - release acquired permits and fail
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out",
				"pool", p.poolCode,
				"from", current,
				"to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased",
		"pool", p.poolCode,
		"from", current,
		"to", newLimit)
	return true
}

// UpdateRateLimit updates the rate limit
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	perSecond := float64(*newRateLimitPerMinute) / 60.0
	p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated",
		"pool", p.poolCode,
		"rateLimit", *newRateLimitPerMinute)
}

// UpdateTimeout updates the per-mediation timeout.
func (p *ProcessPool) UpdateTimeout(timeoutSeconds int) {
	if timeoutSeconds < 0 {
		timeoutSeconds = 0
	}
	atomic.StoreInt32(&p.timeoutSeconds, int32(timeoutSeconds))
}

// runGaugeUpdater refreshes pool gauges on a fixed cadence
func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	// Initial update
	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

// updateGauges updates all pool gauge metrics
func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	queueSize := p.GetQueueSize()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers
	messageGroupCount := p.countMessageGroups()

	// Update Prometheus gauges
	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(messageGroupCount))

	p.stats.UpdatePoolGauges(p.poolCode, activeWorkers, availablePermits, queueSize, messageGroupCount)
}

// countMessageGroups returns the number of active message groups
func (p *ProcessPool) countMessageGroups() int {
	count := 0
	p.messageGroupQueues.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
