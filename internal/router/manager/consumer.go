package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/warning"
)

const (
	// reconnectBaseDelay and reconnectMaxDelay bound the exponential
	// back-off between broker sessions that end in error. The back-off
	// resets as soon as a session delivers a message.
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute

	// reconnectWarnAfter is how many consecutive failed sessions before a
	// broker-unavailable warning is raised.
	reconnectWarnAfter = 3

	// poisonRetryDelay is the redelivery delay for a first-seen message
	// that fails to decode.
	poisonRetryDelay = 5 * time.Second
)

// errNotAccepted tells the broker client the delivery never entered the
// pipeline and should be redelivered.
var errNotAccepted = errors.New("message not accepted into the processing pipeline")

// batchIdentified is implemented by broker messages that arrive in poll
// batches. The batch ID feeds the pool's fail-fast barrier: once a message
// in a batch+group fails, the rest of that group in the same batch is
// NACK'd without mediation to preserve ordering.
type batchIdentified interface {
	BatchID() string
}

// ConsumerHealthConfig controls stall detection for the broker consumer.
type ConsumerHealthConfig struct {
	Enabled bool

	// CheckInterval is how often consumer liveness is evaluated.
	CheckInterval time.Duration

	// StallThreshold is how long without any consumer activity before a
	// restart is attempted. Idle queues produce no activity either, so
	// this errs on the generous side; a restart against a healthy broker
	// is a cheap reconnect.
	StallThreshold time.Duration

	// MaxRestartAttempts bounds restarts within one stall episode. The
	// counter resets as soon as the consumer shows activity again.
	MaxRestartAttempts int

	// RestartDelay is the pause between stopping a stalled consumer and
	// starting its replacement.
	RestartDelay time.Duration
}

// DefaultConsumerHealthConfig returns the production supervision settings.
func DefaultConsumerHealthConfig() ConsumerHealthConfig {
	return ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     5 * time.Minute,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// Consumer pulls deliveries from a broker, decodes them into message
// pointers, and hands them to the queue manager. It reconnects on broker
// errors and tracks activity for stall supervision.
type Consumer struct {
	manager       *QueueManager
	queueConsumer queue.Consumer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// lastActivity is the Unix second of the latest delivery or reconnect.
	lastActivity atomic.Int64
	stalled      atomic.Bool
	restartCount atomic.Int32
	sawDelivery  atomic.Bool

	// reconnect back-off bounds, doubled per failed session
	reconnectBase time.Duration
	reconnectMax  time.Duration
}

// NewConsumer wraps a broker consumer.
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		manager:       manager,
		queueConsumer: queueConsumer,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		reconnectBase: reconnectBaseDelay,
		reconnectMax:  reconnectMaxDelay,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	go c.run()
	slog.Info("Consumer started")
}

// Stop cancels consumption and waits briefly for the consume loop to exit.
// The underlying broker client is left open so the consumer can be resumed.
func (c *Consumer) Stop() {
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		slog.Warn("Consumer did not stop within timeout")
	}
	slog.Info("Consumer stopped")
}

// GetLastActivity returns when the consumer last saw a delivery or
// reconnected.
func (c *Consumer) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// IsStalled reports whether the supervisor currently considers this
// consumer stalled.
func (c *Consumer) IsStalled() bool {
	return c.stalled.Load()
}

// GetRestartCount returns the restarts attempted in the current stall
// episode.
func (c *Consumer) GetRestartCount() int {
	return int(c.restartCount.Load())
}

func (c *Consumer) touch() {
	c.lastActivity.Store(time.Now().Unix())
}

// run re-enters Consume until the consumer is stopped. A returned error
// means the broker session ended; the loop backs off exponentially across
// consecutive failures and raises a warning once the broker looks gone.
func (c *Consumer) run() {
	defer close(c.done)

	delay := c.reconnectBase
	failures := 0
	for {
		c.sawDelivery.Store(false)
		err := c.queueConsumer.Consume(c.ctx, c.handle)
		if c.ctx.Err() != nil {
			return
		}
		if c.sawDelivery.Load() {
			delay = c.reconnectBase
			failures = 0
		}
		if err != nil {
			failures++
			slog.Error("Consumer session ended; reconnecting",
				"error", err,
				"delay", delay,
				"consecutiveFailures", failures)
			if failures >= reconnectWarnAfter && c.manager != nil {
				c.manager.warn(warning.CategoryHealth, warning.SeverityError,
					fmt.Sprintf("Broker unreachable for %d consecutive sessions; retrying in %s: %v",
						failures, delay, err))
			}
		}
		c.touch()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		if err != nil {
			delay *= 2
			if delay > c.reconnectMax {
				delay = c.reconnectMax
			}
		}
	}
}

// handle processes one delivery. A nil return settles or pipelines the
// message; errNotAccepted hands it back for broker redelivery.
func (c *Consumer) handle(qmsg queue.Message) error {
	c.touch()
	c.sawDelivery.Store(true)

	pointer, err := model.DecodePointer(qmsg.Data())
	if err != nil {
		c.settlePoison(qmsg, err)
		return nil
	}

	pointer.BrokerMessageID = qmsg.ID()
	if b, ok := qmsg.(batchIdentified); ok {
		pointer.BatchID = b.BatchID()
	}
	// FIFO brokers carry the group on the delivery itself; prefer it when
	// the pointer names none.
	if pointer.MessageGroupID == model.DefaultMessageGroup && qmsg.MessageGroup() != "" {
		pointer.MessageGroupID = qmsg.MessageGroup()
	}

	if !c.manager.Route(pointer, qmsg) {
		slog.Debug("Message not accepted; broker will redeliver",
			"messageId", pointer.ID,
			"poolCode", pointer.PoolCode)
		return errNotAccepted
	}
	return nil
}

// settlePoison resolves a delivery whose body cannot become a valid pointer.
// The first delivery is nacked with a short delay in case the producer raced
// a partial write; a redelivered copy that still fails to decode is
// deterministic poison and is acked away. Brokers that do not report a
// delivery count skip the grace and drop immediately.
func (c *Consumer) settlePoison(qmsg queue.Message, decodeErr error) {
	if dc, ok := qmsg.(queue.DeliveryCounted); ok && dc.ReceiveCount() <= 1 {
		slog.Warn("Undecodable message; allowing one redelivery",
			"brokerMessageId", qmsg.ID(),
			"subject", qmsg.Subject(),
			"error", decodeErr)
		if nakErr := qmsg.NakWithDelay(poisonRetryDelay); nakErr != nil {
			slog.Warn("Failed to nack undecodable message", "error", nakErr)
		}
		return
	}

	slog.Error("Dropping undecodable message",
		"brokerMessageId", qmsg.ID(),
		"subject", qmsg.Subject(),
		"error", decodeErr)
	if ackErr := qmsg.Ack(); ackErr != nil {
		slog.Warn("Failed to ack poison message", "error", ackErr)
	}
	if c.manager != nil {
		c.manager.warn(warning.CategoryMediation, warning.SeverityError,
			"Dropped undecodable message: "+decodeErr.Error())
	}
}

// ConsumerFactory builds replacement broker consumers for stall restarts.
type ConsumerFactory func() queue.Consumer

// Router ties the queue manager to a broker consumer and supervises the
// consumer's liveness.
type Router struct {
	manager *QueueManager

	consumerMu      sync.Mutex
	seedConsumer    queue.Consumer
	consumer        *Consumer
	consumerFactory ConsumerFactory

	health ConsumerHealthConfig

	runningMu sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRouter creates a router. A nil manager gets a default QueueManager; a
// nil queueConsumer is allowed for deployments that only use programmatic
// routing.
func NewRouter(queueConsumer queue.Consumer, manager *QueueManager) *Router {
	if manager == nil {
		manager = NewQueueManager(nil, nil)
	}
	return &Router{
		manager:      manager,
		seedConsumer: queueConsumer,
		health:       DefaultConsumerHealthConfig(),
	}
}

// WithConsumerFactory sets a factory used to rebuild the broker consumer
// when a stalled one is replaced.
func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

// WithConsumerHealthConfig overrides stall supervision settings.
func (r *Router) WithConsumerHealthConfig(cfg ConsumerHealthConfig) *Router {
	r.health = cfg
	return r
}

// Start brings up the manager, then the consumer and its supervisor.
func (r *Router) Start() error {
	r.runningMu.Lock()
	if r.running {
		r.runningMu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.runningMu.Unlock()

	if err := r.manager.Start(); err != nil {
		r.runningMu.Lock()
		r.running = false
		r.runningMu.Unlock()
		return err
	}

	r.consumerMu.Lock()
	qc := r.seedConsumer
	if qc == nil && r.consumerFactory != nil {
		qc = r.consumerFactory()
	}
	if qc != nil {
		c := NewConsumer(r.manager, qc)
		r.consumer = c
		c.Start()
	}
	hasConsumer := r.consumer != nil
	r.consumerMu.Unlock()

	if r.health.Enabled && hasConsumer {
		stop := r.stopCh
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.superviseConsumer(stop)
		}()
		slog.Info("Consumer health monitor started",
			"checkInterval", r.health.CheckInterval,
			"stallThreshold", r.health.StallThreshold,
			"maxRestarts", r.health.MaxRestartAttempts)
	}

	slog.Info("Message router started")
	return nil
}

// Stop halts supervision, the consumer, and the manager. The seed broker
// client stays open so Start can resume consumption; closing it belongs to
// whoever created it.
func (r *Router) Stop() {
	r.runningMu.Lock()
	if !r.running {
		r.runningMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.runningMu.Unlock()

	r.wg.Wait()

	r.consumerMu.Lock()
	c := r.consumer
	r.consumer = nil
	r.consumerMu.Unlock()
	if c != nil {
		c.Stop()
	}

	r.manager.Stop()
	slog.Info("Message router stopped")
}

// Manager returns the queue manager.
func (r *Router) Manager() *QueueManager {
	return r.manager
}

// Consumer returns the active consumer, or nil.
func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

func (r *Router) superviseConsumer(stop <-chan struct{}) {
	ticker := time.NewTicker(r.health.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	c := r.consumer
	r.consumerMu.Unlock()
	if c == nil {
		return
	}

	idle := time.Since(c.GetLastActivity())
	if idle < r.health.StallThreshold {
		if c.stalled.CompareAndSwap(true, false) {
			c.restartCount.Store(0)
			slog.Info("Consumer recovered from stall")
		}
		return
	}

	firstDetection := c.stalled.CompareAndSwap(false, true)
	if firstDetection {
		metrics.ConsumerStallEvents.Inc()
	}

	attempts := int(c.restartCount.Load())
	if attempts >= r.health.MaxRestartAttempts {
		if attempts == r.health.MaxRestartAttempts {
			// An idle-but-healthy queue looks identical to a stalled
			// consumer from here, so the warning names both readings.
			slog.Error("Consumer inactive after max restart attempts",
				"attempts", attempts,
				"idle", idle.Round(time.Second))
			r.manager.warn(warning.CategoryHealth, warning.SeverityWarning,
				fmt.Sprintf("Consumer inactive for %s; %d restarts did not recover it (stalled consumer or no traffic)",
					idle.Round(time.Second), attempts))
			// Bump past the limit so the warning fires once per episode.
			c.restartCount.Add(1)
		}
		return
	}

	slog.Warn("Consumer appears stalled; restarting",
		"idle", idle.Round(time.Second),
		"attempt", attempts+1,
		"maxAttempts", r.health.MaxRestartAttempts)
	r.restartConsumer()
}

// restartConsumer replaces the active consumer. With a factory the broker
// client is rebuilt from scratch; without one the existing client is
// re-entered, which recovers handler-level wedges but not dead connections.
func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	old := r.consumer
	if old == nil {
		return
	}

	metrics.ConsumerRestarts.Inc()
	old.Stop()
	time.Sleep(r.health.RestartDelay)

	qc := old.queueConsumer
	if r.consumerFactory != nil {
		if fresh := r.consumerFactory(); fresh != nil {
			if err := old.queueConsumer.Close(); err != nil {
				slog.Warn("Failed to close stalled consumer", "error", err)
			}
			qc = fresh
		}
	} else {
		slog.Warn("No consumer factory configured; re-entering existing broker client")
	}

	next := NewConsumer(r.manager, qc)
	// Carry the stall episode across the restart: the idle clock and the
	// attempt count only reset once a real delivery arrives.
	next.lastActivity.Store(old.lastActivity.Load())
	next.restartCount.Store(old.restartCount.Load() + 1)
	next.stalled.Store(true)
	r.consumer = next
	next.Start()

	slog.Info("Consumer restarted", "attempt", next.GetRestartCount())
}
