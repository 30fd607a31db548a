// Package activemq implements the queue ports over STOMP for ActiveMQ
// brokers. Messages are consumed with individual acknowledgement so one
// slow message never blocks acks for the rest of the subscription.
package activemq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/queue"
)

const (
	// groupHeader is the JMS message group header ActiveMQ uses for
	// per-group serial delivery.
	groupHeader = "JMSXGroupID"

	// dedupHeader carries the publisher's deduplication ID. ActiveMQ does
	// not deduplicate on it; the router's in-pipeline set does.
	dedupHeader = "FC_DEDUP_ID"

	// scheduledDelayHeader asks the broker scheduler to hold a message.
	// Requires schedulerSupport="true" on the broker.
	scheduledDelayHeader = "AMQ_SCHEDULED_DELAY"

	// reconnectBackoff is the wait between reconnect attempts after a
	// subscription failure.
	reconnectBackoff = 5 * time.Second
)

// Client maintains the shared STOMP connection.
type Client struct {
	cfg    queue.ActiveMQConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *stomp.Conn
}

// NewClient connects to the broker's STOMP listener.
func NewClient(cfg *queue.ActiveMQConfig, logger *slog.Logger) (*Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("activemq: broker address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{cfg: *cfg, logger: logger}
	if c.cfg.Queue == "" {
		c.cfg.Queue = "/queue/flowcatalyst.dispatch"
	}
	if c.cfg.RedeliveryDelay <= 0 {
		c.cfg.RedeliveryDelay = 30 * time.Second
	}

	if _, err := c.connection(); err != nil {
		return nil, err
	}

	logger.Info("Connected to ActiveMQ", "addr", c.cfg.Addr, "queue", c.cfg.Queue)
	return c, nil
}

// connection returns the live connection, dialing if needed.
func (c *Client) connection() (*stomp.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(c.cfg.Username, c.cfg.Password),
	}
	if c.cfg.HeartBeat > 0 {
		opts = append(opts, stomp.ConnOpt.HeartBeat(c.cfg.HeartBeat, c.cfg.HeartBeat))
	}

	conn, err := stomp.Dial("tcp", c.cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("activemq: failed to connect to %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	return conn, nil
}

// dropConnection discards a broken connection so the next use redials.
func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.MustDisconnect()
		c.conn = nil
	}
}

// Publisher returns a publisher on the shared connection.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c}
}

// CreateConsumer subscribes to the configured queue with individual acks.
// The subject argument is ignored; the destination comes from configuration.
func (c *Client) CreateConsumer(ctx context.Context, name string, subject string) (queue.Consumer, error) {
	return &Consumer{
		client: c,
		name:   name,
		logger: c.logger.With("consumer", name),
		stopCh: make(chan struct{}),
	}, nil
}

// HealthCheck opens and immediately closes a throwaway connection, the
// cheapest broker-side liveness probe STOMP offers.
func (c *Client) HealthCheck(ctx context.Context) error {
	conn, err := stomp.Dial("tcp", c.cfg.Addr,
		stomp.ConnOpt.Login(c.cfg.Username, c.cfg.Password))
	if err != nil {
		return fmt.Errorf("activemq health check failed: %w", err)
	}
	return conn.Disconnect()
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect()
	c.conn = nil
	return err
}

func (c *Client) send(destination string, body []byte, opts ...func(*frame.Frame) error) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	if err := conn.Send(destination, "application/json", body, opts...); err != nil {
		c.dropConnection()
		metrics.QueuePublishErrors.WithLabelValues("activemq").Inc()
		return fmt.Errorf("activemq: failed to send to %s: %w", destination, err)
	}
	metrics.QueueMessagesPublished.WithLabelValues("activemq").Inc()
	return nil
}

// Publisher sends messages to the configured destination.
type Publisher struct {
	client *Client
}

func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.client.send(p.destination(subject), data)
}

func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, group string) error {
	return p.client.send(p.destination(subject), data,
		stomp.SendOpt.Header(groupHeader, group))
}

// PublishWithDeduplication publishes normally; ActiveMQ does not deduplicate
// on a message ID, so consumers rely on the router's in-pipeline set instead.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, dedupID string) error {
	return p.client.send(p.destination(subject), data,
		stomp.SendOpt.Header(dedupHeader, dedupID))
}

func (p *Publisher) PublishMessage(ctx context.Context, msg *queue.MessageBuilder) error {
	var opts []func(*frame.Frame) error
	if msg.MessageGroup() != "" {
		opts = append(opts, stomp.SendOpt.Header(groupHeader, msg.MessageGroup()))
	}
	if msg.DeduplicationID() != "" {
		opts = append(opts, stomp.SendOpt.Header(dedupHeader, msg.DeduplicationID()))
	}
	return p.client.send(p.destination(msg.Subject()), msg.Data(), opts...)
}

// destination maps a logical subject onto the configured queue. ActiveMQ
// deployments here use a single dispatch queue.
func (p *Publisher) destination(subject string) string {
	return p.client.cfg.Queue
}

// Close is a no-op; the Client owns the connection.
func (p *Publisher) Close() error {
	return nil
}

// Consumer reads from the subscription and hands messages to the handler,
// reconnecting with backoff when the broker connection drops.
type Consumer struct {
	client    *Client
	name      string
	logger    *slog.Logger
	stopCh    chan struct{}
	closeOnce sync.Once
}

func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.logger.Info("ActiveMQ consumer started", "queue", c.client.cfg.Queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		default:
		}

		if err := c.consumeOnce(ctx, handler); err != nil {
			c.logger.Error("ActiveMQ subscription failed, reconnecting",
				"error", err,
				"backoff", reconnectBackoff)
			c.client.dropConnection()
			select {
			case <-ctx.Done():
				return nil
			case <-c.stopCh:
				return nil
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

// consumeOnce subscribes and reads until the subscription breaks or the
// consumer stops.
func (c *Consumer) consumeOnce(ctx context.Context, handler func(queue.Message) error) error {
	conn, err := c.client.connection()
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(c.client.cfg.Queue, stomp.AckClientIndividual)
	if err != nil {
		return fmt.Errorf("activemq: failed to subscribe to %s: %w", c.client.cfg.Queue, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case stompMsg, ok := <-sub.C:
			if !ok {
				return fmt.Errorf("activemq: subscription channel closed")
			}
			if stompMsg.Err != nil {
				return fmt.Errorf("activemq: subscription error: %w", stompMsg.Err)
			}

			msg := c.wrap(conn, stompMsg)
			if err := handler(msg); err != nil {
				// Not accepted into the pipeline; NACK so the broker
				// redelivers per its policy.
				c.logger.Warn("Handler rejected message", "messageId", msg.ID(), "error", err)
				if nakErr := msg.Nak(); nakErr != nil {
					c.logger.Error("Failed to NACK rejected message", "error", nakErr)
				}
				continue
			}
			metrics.QueueMessagesConsumed.WithLabelValues("activemq").Inc()
		}
	}
}

func (c *Consumer) wrap(conn *stomp.Conn, m *stomp.Message) *Message {
	id := m.Header.Get(frame.MessageId)
	if id == "" {
		id = uuid.NewString()
	}

	meta := map[string]string{}
	if v := m.Header.Get("redelivered"); v != "" {
		meta["redelivered"] = v
	}
	if v := m.Header.Get(dedupHeader); v != "" {
		meta["dedupId"] = v
	}

	return &Message{
		client: c.client,
		conn:   conn,
		raw:    m,
		id:     id,
		group:  m.Header.Get(groupHeader),
		// STOMP delivers one frame at a time, so each message is its own batch
		batchID: uuid.NewString(),
		meta:    meta,
		logger:  c.logger,
	}
}

// Close stops the consume loop.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	return nil
}

// Message is a single STOMP delivery.
type Message struct {
	client  *Client
	conn    *stomp.Conn
	raw     *stomp.Message
	id      string
	group   string
	batchID string
	meta    map[string]string
	logger  *slog.Logger
}

func (m *Message) ID() string                  { return m.id }
func (m *Message) Data() []byte                { return m.raw.Body }
func (m *Message) Subject() string             { return m.raw.Destination }
func (m *Message) MessageGroup() string        { return m.group }
func (m *Message) Metadata() map[string]string { return m.meta }

// BatchID returns the identifier of the delivery batch.
func (m *Message) BatchID() string { return m.batchID }

// ReceiveCount reports 1 for a first delivery and 2 once the broker marks
// the frame redelivered; STOMP exposes no exact attempt count.
func (m *Message) ReceiveCount() int {
	if m.meta["redelivered"] == "true" {
		return 2
	}
	return 1
}

func (m *Message) Ack() error {
	if err := m.conn.Ack(m.raw); err != nil {
		return fmt.Errorf("activemq: failed to ack %s: %w", m.id, err)
	}
	return nil
}

// Nak returns the message to the broker for immediate redelivery.
func (m *Message) Nak() error {
	if err := m.conn.Nack(m.raw); err != nil {
		return fmt.Errorf("activemq: failed to nack %s: %w", m.id, err)
	}
	return nil
}

// NakWithDelay approximates delayed redelivery: the message is republished
// with a broker-scheduler delay and the original delivery is acknowledged.
// Falls back to an immediate NACK when the republish fails.
func (m *Message) NakWithDelay(delay time.Duration) error {
	if delay <= 0 {
		return m.Nak()
	}

	opts := []func(*frame.Frame) error{
		stomp.SendOpt.Header(scheduledDelayHeader, strconv.FormatInt(delay.Milliseconds(), 10)),
	}
	if m.group != "" {
		opts = append(opts, stomp.SendOpt.Header(groupHeader, m.group))
	}

	if err := m.client.send(m.raw.Destination, m.raw.Body, opts...); err != nil {
		m.logger.Warn("Failed to schedule delayed redelivery, falling back to NACK",
			"messageId", m.id,
			"error", err)
		return m.Nak()
	}
	return m.Ack()
}

// InProgress is a no-op: an unacked STOMP message already stays claimed by
// this session until acked or the connection drops.
func (m *Message) InProgress() error {
	return nil
}

var (
	_ queue.Message         = (*Message)(nil)
	_ queue.DeliveryCounted = (*Message)(nil)
	_ queue.Publisher       = (*Publisher)(nil)
	_ queue.Consumer        = (*Consumer)(nil)
)
