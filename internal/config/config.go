// Package config loads runtime configuration for the FlowCatalyst binaries.
//
// Configuration is environment-first: every knob has an env var, and Load
// returns a Config built from defaults overlaid with whatever the environment
// sets. LoadWithFile additionally layers a TOML file between the defaults and
// the environment, so the precedence is env > file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for FlowCatalyst services.
type Config struct {
	HTTP      HTTPConfig
	MongoDB   MongoDBConfig
	Queue     QueueConfig
	Standby   StandbyConfig
	Router    RouterConfig
	Scheduler SchedulerConfig
	AdminAPI  AdminAPIConfig
	Secrets   SecretsConfig

	// DataDir is the base directory for embedded storage (queue DB, NATS
	// store). Broker-specific paths default to subdirectories of it.
	DataDir string

	// DevMode relaxes startup checks for local development.
	DevMode bool
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds the MongoDB connection used for dispatch jobs and
// dispatch pools.
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig selects the message broker and carries per-broker settings.
type QueueConfig struct {
	Type string // "embedded", "activemq", "nats", "sqs"

	NATS     NATSConfig
	SQS      SQSConfig
	ActiveMQ ActiveMQConfig
	Embedded EmbeddedConfig
}

// NATSConfig holds NATS JetStream configuration. When Embedded is true the
// process runs an in-process NATS server backed by DataDir.
type NATSConfig struct {
	URL          string
	Embedded     bool
	DataDir      string
	StreamName   string
	ConsumerName string
	Subjects     []string
	MaxDeliver   int
	AckWait      time.Duration
}

// SQSConfig holds AWS SQS configuration. Static credentials are optional;
// when unset the AWS SDK default chain applies. Endpoint overrides the AWS
// endpoint for LocalStack-style testing.
type SQSConfig struct {
	QueueURL          string
	Region            string
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	WaitTimeSeconds   int
	VisibilityTimeout int
	MaxMessages       int
}

// ActiveMQConfig holds ActiveMQ (STOMP) configuration.
type ActiveMQConfig struct {
	BrokerURL       string
	Username        string
	Password        string
	Queue           string
	RedeliveryDelay time.Duration
}

// EmbeddedConfig holds configuration for the SQLite-backed embedded queue.
// DBPath defaults to a file under DataDir when empty.
type EmbeddedConfig struct {
	DBPath            string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int
}

// StandbyConfig holds Redis-based active/standby leadership configuration.
// When Enabled is false the instance always processes.
type StandbyConfig struct {
	Enabled    bool
	RedisURL   string
	LockKey    string
	LockTTL    time.Duration
	InstanceID string
}

// RouterConfig holds message-router tuning knobs.
type RouterConfig struct {
	// MaxPools caps the number of distinct processing pools.
	MaxPools int

	// DefaultNackDelaySeconds is the redelivery delay applied when a
	// mediation outcome does not supply its own.
	DefaultNackDelaySeconds int
}

// SchedulerConfig holds dispatch-scheduler tuning knobs.
type SchedulerConfig struct {
	Enabled                 bool
	PollInterval            time.Duration
	BatchSize               int
	MaxConcurrentDispatches int
	StaleThreshold          time.Duration
	StaleCheckInterval      time.Duration
	MaxStaleRequeues        int
	BlockWarningThreshold   time.Duration
	ProcessingEndpoint      string
	DefaultDispatchPoolCode string
	AppKey                  string
}

// AdminAPIConfig holds authentication settings for mutating management
// endpoints. When neither TokenHash nor JWTSecret is set the endpoints are
// open (development mode).
type AdminAPIConfig struct {
	// TokenHash is a bcrypt hash of the static admin bearer token.
	TokenHash string

	// JWTSecret enables HS256 JWT verification as an alternative to the
	// static token.
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// SecretsConfig selects the secret provider backend. It mirrors the secrets
// package configuration so the TOML file and the environment feed a single
// struct.
type SecretsConfig struct {
	Provider string // "env", "encrypted", "aws-sm", "vault", "gcp-sm"

	// EncryptionKey is the base64 AES key for the encrypted provider.
	EncryptionKey string

	// DataDir is where the encrypted provider stores its files.
	DataDir string

	AWSRegion   string
	AWSPrefix   string
	AWSEndpoint string

	VaultAddr      string
	VaultToken     string
	VaultPath      string
	VaultNamespace string

	GCPProject string
	GCPPrefix  string
}

// Load builds a Config from defaults overlaid with environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults returns the baseline configuration before any file or environment
// overrides.
func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:4200"},
		},
		MongoDB: MongoDBConfig{
			URI:      "mongodb://localhost:27017",
			Database: "flowcatalyst",
		},
		Queue: QueueConfig{
			Type: "embedded",
			NATS: NATSConfig{
				URL:          "nats://localhost:4222",
				StreamName:   "DISPATCH",
				ConsumerName: "flowcatalyst-router",
				Subjects:     []string{"dispatch.>"},
				MaxDeliver:   5,
				AckWait:      2 * time.Minute,
			},
			SQS: SQSConfig{
				Region:            "us-east-1",
				WaitTimeSeconds:   20,
				VisibilityTimeout: 120,
				MaxMessages:       10,
			},
			ActiveMQ: ActiveMQConfig{
				BrokerURL:       "localhost:61613",
				Queue:           "/queue/flowcatalyst.dispatch",
				RedeliveryDelay: 30 * time.Second,
			},
			Embedded: EmbeddedConfig{
				VisibilityTimeout: 30 * time.Second,
				PollInterval:      200 * time.Millisecond,
				BatchSize:         10,
			},
		},
		Standby: StandbyConfig{
			RedisURL: "redis://localhost:6379",
			LockKey:  "flowcatalyst:router:leader",
			LockTTL:  30 * time.Second,
		},
		Router: RouterConfig{
			MaxPools:                2000,
			DefaultNackDelaySeconds: 30,
		},
		Scheduler: SchedulerConfig{
			Enabled:                 true,
			PollInterval:            5 * time.Second,
			BatchSize:               100,
			MaxConcurrentDispatches: 10,
			StaleThreshold:          15 * time.Minute,
			StaleCheckInterval:      time.Minute,
			MaxStaleRequeues:        5,
			BlockWarningThreshold:   5 * time.Minute,
			DefaultDispatchPoolCode: "DEFAULT-POOL",
		},
		Secrets: SecretsConfig{
			Provider: "env",
			DataDir:  "./data/secrets",
		},
		DataDir: "./data",
	}
}

// applyEnv overlays environment variables onto cfg. Every getter uses the
// current field value as its default, so applyEnv composes with defaults()
// and with file-loaded values.
func applyEnv(cfg *Config) {
	cfg.HTTP.Port = getEnvInt("HTTP_PORT", cfg.HTTP.Port)
	cfg.HTTP.CORSOrigins = getEnvSlice("CORS_ORIGINS", cfg.HTTP.CORSOrigins)

	cfg.MongoDB.URI = getEnv("MONGODB_URI", cfg.MongoDB.URI)
	cfg.MongoDB.Database = getEnv("MONGODB_DATABASE", cfg.MongoDB.Database)

	cfg.Queue.Type = strings.ToLower(getEnv("QUEUE_TYPE", cfg.Queue.Type))

	cfg.Queue.NATS.URL = getEnv("NATS_URL", cfg.Queue.NATS.URL)
	cfg.Queue.NATS.Embedded = getEnvBool("NATS_EMBEDDED", cfg.Queue.NATS.Embedded)
	cfg.Queue.NATS.DataDir = getEnv("NATS_DATA_DIR", cfg.Queue.NATS.DataDir)
	cfg.Queue.NATS.StreamName = getEnv("NATS_STREAM", cfg.Queue.NATS.StreamName)
	cfg.Queue.NATS.ConsumerName = getEnv("NATS_CONSUMER", cfg.Queue.NATS.ConsumerName)
	cfg.Queue.NATS.Subjects = getEnvSlice("NATS_SUBJECTS", cfg.Queue.NATS.Subjects)
	cfg.Queue.NATS.MaxDeliver = getEnvInt("NATS_MAX_DELIVER", cfg.Queue.NATS.MaxDeliver)
	cfg.Queue.NATS.AckWait = getEnvSeconds("NATS_ACK_WAIT_SECONDS", cfg.Queue.NATS.AckWait)

	cfg.Queue.SQS.QueueURL = getEnv("SQS_QUEUE_URL", cfg.Queue.SQS.QueueURL)
	cfg.Queue.SQS.Region = getEnv("SQS_REGION", getEnv("AWS_REGION", cfg.Queue.SQS.Region))
	cfg.Queue.SQS.Endpoint = getEnv("SQS_ENDPOINT", cfg.Queue.SQS.Endpoint)
	cfg.Queue.SQS.AccessKeyID = getEnv("SQS_ACCESS_KEY_ID", getEnv("AWS_ACCESS_KEY_ID", cfg.Queue.SQS.AccessKeyID))
	cfg.Queue.SQS.SecretAccessKey = getEnv("SQS_SECRET_ACCESS_KEY", getEnv("AWS_SECRET_ACCESS_KEY", cfg.Queue.SQS.SecretAccessKey))
	cfg.Queue.SQS.WaitTimeSeconds = getEnvInt("SQS_WAIT_TIME_SECONDS", cfg.Queue.SQS.WaitTimeSeconds)
	cfg.Queue.SQS.VisibilityTimeout = getEnvInt("SQS_VISIBILITY_TIMEOUT", cfg.Queue.SQS.VisibilityTimeout)
	cfg.Queue.SQS.MaxMessages = getEnvInt("SQS_MAX_MESSAGES", cfg.Queue.SQS.MaxMessages)

	cfg.Queue.ActiveMQ.BrokerURL = getEnv("ACTIVEMQ_BROKER_URL", cfg.Queue.ActiveMQ.BrokerURL)
	cfg.Queue.ActiveMQ.Username = getEnv("ACTIVEMQ_USERNAME", cfg.Queue.ActiveMQ.Username)
	cfg.Queue.ActiveMQ.Password = getEnv("ACTIVEMQ_PASSWORD", cfg.Queue.ActiveMQ.Password)
	cfg.Queue.ActiveMQ.Queue = getEnv("ACTIVEMQ_QUEUE", cfg.Queue.ActiveMQ.Queue)
	cfg.Queue.ActiveMQ.RedeliveryDelay = getEnvSeconds("ACTIVEMQ_REDELIVERY_DELAY_SECONDS", cfg.Queue.ActiveMQ.RedeliveryDelay)

	cfg.Queue.Embedded.DBPath = getEnv("EMBEDDED_DB_PATH", cfg.Queue.Embedded.DBPath)
	cfg.Queue.Embedded.VisibilityTimeout = getEnvSeconds("EMBEDDED_VISIBILITY_TIMEOUT_SECONDS", cfg.Queue.Embedded.VisibilityTimeout)
	cfg.Queue.Embedded.PollInterval = getEnvMillis("EMBEDDED_POLL_INTERVAL_MS", cfg.Queue.Embedded.PollInterval)
	cfg.Queue.Embedded.BatchSize = getEnvInt("EMBEDDED_BATCH_SIZE", cfg.Queue.Embedded.BatchSize)

	cfg.Standby.Enabled = getEnvBool("STANDBY_ENABLED", cfg.Standby.Enabled)
	cfg.Standby.RedisURL = getEnv("REDIS_URL", cfg.Standby.RedisURL)
	cfg.Standby.LockKey = getEnv("LOCK_KEY", cfg.Standby.LockKey)
	cfg.Standby.LockTTL = getEnvSeconds("LOCK_TTL_SECONDS", cfg.Standby.LockTTL)
	cfg.Standby.InstanceID = getEnv("INSTANCE_ID", getEnv("HOSTNAME", cfg.Standby.InstanceID))

	cfg.Router.MaxPools = getEnvInt("MAX_POOLS", cfg.Router.MaxPools)
	cfg.Router.DefaultNackDelaySeconds = getEnvInt("DEFAULT_NACK_DELAY_SECONDS", cfg.Router.DefaultNackDelaySeconds)

	cfg.Scheduler.Enabled = getEnvBool("SCHEDULER_ENABLED", cfg.Scheduler.Enabled)
	cfg.Scheduler.PollInterval = getEnvMillis("SCHEDULER_POLL_INTERVAL_MS", cfg.Scheduler.PollInterval)
	cfg.Scheduler.BatchSize = getEnvInt("SCHEDULER_BATCH_SIZE", cfg.Scheduler.BatchSize)
	cfg.Scheduler.MaxConcurrentDispatches = getEnvInt("SCHEDULER_MAX_CONCURRENT_DISPATCHES", cfg.Scheduler.MaxConcurrentDispatches)
	cfg.Scheduler.StaleThreshold = getEnvSeconds("SCHEDULER_STALE_THRESHOLD_SECONDS", cfg.Scheduler.StaleThreshold)
	cfg.Scheduler.StaleCheckInterval = getEnvMillis("SCHEDULER_STALE_CHECK_INTERVAL_MS", cfg.Scheduler.StaleCheckInterval)
	cfg.Scheduler.MaxStaleRequeues = getEnvInt("SCHEDULER_MAX_STALE_REQUEUES", cfg.Scheduler.MaxStaleRequeues)
	cfg.Scheduler.BlockWarningThreshold = getEnvSeconds("SCHEDULER_BLOCK_WARNING_THRESHOLD_SECONDS", cfg.Scheduler.BlockWarningThreshold)
	cfg.Scheduler.ProcessingEndpoint = getEnv("SCHEDULER_PROCESSING_ENDPOINT", cfg.Scheduler.ProcessingEndpoint)
	cfg.Scheduler.DefaultDispatchPoolCode = getEnv("SCHEDULER_DEFAULT_POOL_CODE", cfg.Scheduler.DefaultDispatchPoolCode)
	cfg.Scheduler.AppKey = getEnv("FLOWCATALYST_APP_KEY", cfg.Scheduler.AppKey)

	cfg.AdminAPI.TokenHash = getEnv("ADMIN_API_TOKEN_HASH", cfg.AdminAPI.TokenHash)
	cfg.AdminAPI.JWTSecret = getEnv("ADMIN_API_JWT_SECRET", cfg.AdminAPI.JWTSecret)
	cfg.AdminAPI.JWTIssuer = getEnv("ADMIN_API_JWT_ISSUER", cfg.AdminAPI.JWTIssuer)
	cfg.AdminAPI.JWTAudience = getEnv("ADMIN_API_JWT_AUDIENCE", cfg.AdminAPI.JWTAudience)

	cfg.Secrets.Provider = getEnv("FLOWCATALYST_SECRETS_PROVIDER", cfg.Secrets.Provider)
	cfg.Secrets.EncryptionKey = getEnv("FLOWCATALYST_SECRETS_ENCRYPTION_KEY", cfg.Secrets.EncryptionKey)
	cfg.Secrets.DataDir = getEnv("FLOWCATALYST_SECRETS_DATA_DIR", cfg.Secrets.DataDir)
	cfg.Secrets.AWSRegion = getEnv("FLOWCATALYST_SECRETS_AWS_REGION", cfg.Secrets.AWSRegion)
	cfg.Secrets.AWSPrefix = getEnv("FLOWCATALYST_SECRETS_AWS_PREFIX", cfg.Secrets.AWSPrefix)
	cfg.Secrets.AWSEndpoint = getEnv("FLOWCATALYST_SECRETS_AWS_ENDPOINT", cfg.Secrets.AWSEndpoint)
	cfg.Secrets.VaultAddr = getEnv("FLOWCATALYST_SECRETS_VAULT_ADDR", cfg.Secrets.VaultAddr)
	cfg.Secrets.VaultToken = getEnv("FLOWCATALYST_SECRETS_VAULT_TOKEN", cfg.Secrets.VaultToken)
	cfg.Secrets.VaultPath = getEnv("FLOWCATALYST_SECRETS_VAULT_PATH", cfg.Secrets.VaultPath)
	cfg.Secrets.VaultNamespace = getEnv("FLOWCATALYST_SECRETS_VAULT_NAMESPACE", cfg.Secrets.VaultNamespace)
	cfg.Secrets.GCPProject = getEnv("FLOWCATALYST_SECRETS_GCP_PROJECT", cfg.Secrets.GCPProject)
	cfg.Secrets.GCPPrefix = getEnv("FLOWCATALYST_SECRETS_GCP_PREFIX", cfg.Secrets.GCPPrefix)

	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.DevMode = getEnvBool("FLOWCATALYST_DEV", cfg.DevMode)
}

// Validate checks cross-field consistency. It runs after all layering so it
// sees the effective configuration.
func (c *Config) Validate() error {
	switch c.Queue.Type {
	case "embedded", "activemq", "nats", "sqs":
	default:
		return fmt.Errorf("config: unknown QUEUE_TYPE %q (expected embedded, activemq, nats, or sqs)", c.Queue.Type)
	}
	if c.Queue.Type == "sqs" && c.Queue.SQS.QueueURL == "" {
		return fmt.Errorf("config: SQS_QUEUE_URL is required when QUEUE_TYPE=sqs")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: HTTP_PORT %d out of range", c.HTTP.Port)
	}
	if c.Standby.Enabled && c.Standby.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when STANDBY_ENABLED=true")
	}
	return nil
}

// EmbeddedDBPath returns the effective SQLite path for the embedded queue.
func (c *Config) EmbeddedDBPath() string {
	if c.Queue.Embedded.DBPath != "" {
		return c.Queue.Embedded.DBPath
	}
	return c.DataDir + "/queue.db"
}

// NATSStoreDir returns the effective storage directory for the embedded NATS
// server.
func (c *Config) NATSStoreDir() string {
	if c.Queue.NATS.DataDir != "" {
		return c.Queue.NATS.DataDir
	}
	return c.DataDir + "/nats"
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvSeconds parses an integer number of seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Second
		}
	}
	return defaultValue
}

// getEnvMillis parses an integer number of milliseconds.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Millisecond
		}
	}
	return defaultValue
}

// getEnvSlice parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
