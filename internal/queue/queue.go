// Package queue defines the broker-agnostic messaging ports used by the
// message router and dispatch scheduler, plus the configuration shared by
// the broker implementations (SQS, NATS JetStream, ActiveMQ, embedded SQLite).
package queue

import (
	"context"
	"time"
)

// Message is a single delivery received from a broker.
//
// ID returns the broker-assigned delivery identifier, not the business ID
// carried in the payload. Redeliveries keep the same ID on SQS but may get
// a fresh one on brokers that assign per delivery.
type Message interface {
	// ID returns the broker message ID
	ID() string

	// Data returns the message payload
	Data() []byte

	// Subject returns the subject/queue the message arrived on
	Subject() string

	// MessageGroup returns the FIFO group, or "" when the broker has none
	MessageGroup() string

	// Metadata returns broker-specific attributes
	Metadata() map[string]string

	// Ack permanently removes the message from the broker
	Ack() error

	// Nak makes the message available for redelivery
	Nak() error

	// NakWithDelay makes the message available for redelivery after the delay
	NakWithDelay(delay time.Duration) error

	// InProgress extends the processing deadline for brokers that support it
	InProgress() error
}

// DeliveryCounted is implemented by messages whose broker reports how many
// times the delivery has been handed out, counting the current one. SQS
// exposes ApproximateReceiveCount, JetStream NumDelivered, the embedded
// queue its receive_count column; ActiveMQ over STOMP only distinguishes a
// first delivery from a redelivery.
type DeliveryCounted interface {
	// ReceiveCount returns the delivery attempt number, starting at 1
	ReceiveCount() int
}

// ReceiptHandleUpdatable is implemented by messages whose claim token is
// refreshed on redelivery (SQS receipt handles, embedded queue handles).
// The router uses it to keep acknowledging with the newest handle when a
// duplicate delivery arrives while the original is still being processed.
type ReceiptHandleUpdatable interface {
	// UpdateReceiptHandle replaces the claim token with a newer one
	UpdateReceiptHandle(handle string)

	// GetReceiptHandle returns the current claim token
	GetReceiptHandle() string
}

// Publisher sends messages to a broker.
type Publisher interface {
	// Publish sends a message to the given subject/queue
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithGroup sends a message with a FIFO group ID
	PublishWithGroup(ctx context.Context, subject string, data []byte, group string) error

	// PublishWithDeduplication sends a message with a deduplication ID so
	// brokers that support it suppress duplicate publishes
	PublishWithDeduplication(ctx context.Context, subject string, data []byte, dedupID string) error

	// PublishMessage sends a message built with MessageBuilder, carrying
	// group, deduplication ID, and metadata together
	PublishMessage(ctx context.Context, msg *MessageBuilder) error

	// Close releases the publisher's resources
	Close() error
}

// Consumer receives messages from a broker and hands them to a handler.
//
// Consume blocks until ctx is cancelled or the consumer is closed. A non-nil
// error from the handler means the message was not accepted into the
// pipeline; brokers redeliver it after their visibility/redelivery policy.
type Consumer interface {
	Consume(ctx context.Context, handler func(Message) error) error
	Close() error
}

// Config aggregates broker configuration. Type selects the implementation;
// only the matching section is consulted.
type Config struct {
	// Type is one of "embedded", "activemq", "nats", "sqs"
	Type string

	// DataDir is the base directory for embedded broker state
	DataDir string

	NATS     NATSConfig
	SQS      SQSConfig
	ActiveMQ ActiveMQConfig
	Embedded EmbeddedConfig
}

// NATSConfig holds NATS JetStream settings.
type NATSConfig struct {
	URL          string
	StreamName   string
	ConsumerName string
	Subjects     []string

	// MaxDeliver caps redeliveries before JetStream parks the message (0 = unlimited)
	MaxDeliver int

	// AckWait is how long JetStream waits for an ack before redelivering
	AckWait time.Duration
}

// SQSConfig holds AWS SQS settings.
type SQSConfig struct {
	QueueURL            string
	Region              string
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32

	// CustomEndpoint overrides the AWS endpoint (LocalStack, VPC endpoints)
	CustomEndpoint string

	// Static credentials for custom endpoints; normally resolved by the SDK chain
	AccessKeyID     string
	SecretAccessKey string
}

// ActiveMQConfig holds ActiveMQ STOMP settings.
type ActiveMQConfig struct {
	// Addr is the broker's STOMP listener, host:port
	Addr string

	Username string
	Password string

	// Queue is the destination name, e.g. "/queue/flowcatalyst.dispatch"
	Queue string

	// HeartBeat configures the STOMP heart-beat interval in both directions
	HeartBeat time.Duration

	// RedeliveryDelay is applied when a consumer NAKs without an explicit delay.
	// ActiveMQ has no per-message visibility control over STOMP, so delayed
	// redelivery is implemented by republishing with AMQ_SCHEDULED_DELAY.
	RedeliveryDelay time.Duration
}

// EmbeddedConfig holds settings for the SQLite-backed embedded broker.
type EmbeddedConfig struct {
	// Path is the SQLite database file; empty derives one under DataDir
	Path string

	// VisibilityTimeout is how long a claimed message stays invisible
	VisibilityTimeout time.Duration

	// PollInterval is the idle wait between receive attempts
	PollInterval time.Duration

	// BatchSize is the maximum messages claimed per receive
	BatchSize int
}

// MessageBuilder helps construct messages for publishing
type MessageBuilder struct {
	subject      string
	data         []byte
	messageGroup string
	dedupID      string
	metadata     map[string]string
}

// NewMessageBuilder creates a new message builder
func NewMessageBuilder(subject string) *MessageBuilder {
	return &MessageBuilder{
		subject:  subject,
		metadata: make(map[string]string),
	}
}

// WithData sets the message payload
func (b *MessageBuilder) WithData(data []byte) *MessageBuilder {
	b.data = data
	return b
}

// WithMessageGroup sets the FIFO message group
func (b *MessageBuilder) WithMessageGroup(group string) *MessageBuilder {
	b.messageGroup = group
	return b
}

// WithDeduplicationID sets the deduplication ID
func (b *MessageBuilder) WithDeduplicationID(id string) *MessageBuilder {
	b.dedupID = id
	return b
}

// WithMetadata adds a metadata key/value pair
func (b *MessageBuilder) WithMetadata(key, value string) *MessageBuilder {
	b.metadata[key] = value
	return b
}

// Subject returns the target subject
func (b *MessageBuilder) Subject() string {
	return b.subject
}

// Data returns the payload
func (b *MessageBuilder) Data() []byte {
	return b.data
}

// MessageGroup returns the FIFO group
func (b *MessageBuilder) MessageGroup() string {
	return b.messageGroup
}

// DeduplicationID returns the deduplication ID
func (b *MessageBuilder) DeduplicationID() string {
	return b.dedupID
}

// Metadata returns the metadata map
func (b *MessageBuilder) Metadata() map[string]string {
	return b.metadata
}
