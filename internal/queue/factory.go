package queue

import (
	"fmt"
	"strings"
	"time"
)

// QueueType identifies a broker implementation
type QueueType string

const (
	QueueTypeEmbedded QueueType = "embedded" // SQLite-backed, single process
	QueueTypeNATS     QueueType = "nats"     // NATS JetStream
	QueueTypeSQS      QueueType = "sqs"      // AWS SQS
	QueueTypeActiveMQ QueueType = "activemq" // ActiveMQ over STOMP
)

// ParseQueueType validates a configured broker type string.
// Values are case-insensitive: QUEUE_TYPE=SQS and queue type "sqs" both work.
func ParseQueueType(s string) (QueueType, error) {
	switch QueueType(strings.ToLower(s)) {
	case QueueTypeEmbedded, "":
		return QueueTypeEmbedded, nil
	case QueueTypeNATS:
		return QueueTypeNATS, nil
	case QueueTypeSQS:
		return QueueTypeSQS, nil
	case QueueTypeActiveMQ:
		return QueueTypeActiveMQ, nil
	default:
		return "", fmt.Errorf("unknown queue type: %q (use embedded, nats, sqs, or activemq)", s)
	}
}

// Factory holds validated broker configuration and answers type questions
// for the wiring code in the binaries.
type Factory struct {
	config *Config
	qtype  QueueType
}

// NewFactory validates the configuration and returns a factory for it.
func NewFactory(cfg *Config) (*Factory, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	qtype, err := ParseQueueType(cfg.Type)
	if err != nil {
		return nil, err
	}

	f := &Factory{config: cfg, qtype: qtype}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Type returns the configured queue type
func (f *Factory) Type() QueueType {
	return f.qtype
}

// IsEmbedded returns true when using the SQLite-backed embedded broker
func (f *Factory) IsEmbedded() bool {
	return f.qtype == QueueTypeEmbedded
}

// IsNATS returns true when using NATS JetStream
func (f *Factory) IsNATS() bool {
	return f.qtype == QueueTypeNATS
}

// IsSQS returns true when using AWS SQS
func (f *Factory) IsSQS() bool {
	return f.qtype == QueueTypeSQS
}

// IsActiveMQ returns true when using ActiveMQ over STOMP
func (f *Factory) IsActiveMQ() bool {
	return f.qtype == QueueTypeActiveMQ
}

// Config returns the queue configuration
func (f *Factory) Config() *Config {
	return f.config
}

// validate checks the section matching the selected type for required fields.
func (f *Factory) validate() error {
	switch f.qtype {
	case QueueTypeSQS:
		if f.config.SQS.QueueURL == "" {
			return fmt.Errorf("sqs queue requires SQS_QUEUE_URL")
		}
	case QueueTypeNATS:
		if f.config.NATS.URL == "" {
			return fmt.Errorf("nats queue requires NATS_URL")
		}
	case QueueTypeActiveMQ:
		if f.config.ActiveMQ.Addr == "" {
			return fmt.Errorf("activemq queue requires ACTIVEMQ_ADDR")
		}
	case QueueTypeEmbedded:
		// DataDir default is applied by DefaultConfig
	}
	return nil
}

// DefaultConfig returns default queue configuration: the embedded broker,
// suitable for single-node deployments and development.
func DefaultConfig() *Config {
	return &Config{
		Type:    string(QueueTypeEmbedded),
		DataDir: "./data",
		NATS: NATSConfig{
			StreamName:   "DISPATCH",
			ConsumerName: "flowcatalyst-router",
			Subjects:     []string{"dispatch.>"},
			AckWait:      30 * time.Second,
		},
		SQS: SQSConfig{
			WaitTimeSeconds:     20,
			VisibilityTimeout:   120,
			MaxNumberOfMessages: 10,
		},
		ActiveMQ: ActiveMQConfig{
			Queue:           "/queue/flowcatalyst.dispatch",
			HeartBeat:       30 * time.Second,
			RedeliveryDelay: 30 * time.Second,
		},
		Embedded: EmbeddedConfig{
			VisibilityTimeout: 30 * time.Second,
			PollInterval:      200 * time.Millisecond,
			BatchSize:         10,
		},
	}
}
