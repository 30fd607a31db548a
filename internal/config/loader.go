package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure.
type TOMLConfig struct {
	HTTP      TOMLHTTPConfig      `toml:"http"`
	MongoDB   TOMLMongoDBConfig   `toml:"mongodb"`
	Queue     TOMLQueueConfig     `toml:"queue"`
	Standby   TOMLStandbyConfig   `toml:"standby"`
	Router    TOMLRouterConfig    `toml:"router"`
	Scheduler TOMLSchedulerConfig `toml:"scheduler"`
	AdminAPI  TOMLAdminAPIConfig  `toml:"admin_api"`
	Secrets   TOMLSecretsConfig   `toml:"secrets"`
	DataDir   string              `toml:"data_dir"`
	DevMode   bool                `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML.
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML.
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML.
type TOMLQueueConfig struct {
	Type     string             `toml:"type"`
	NATS     TOMLNATSConfig     `toml:"nats"`
	SQS      TOMLSQSConfig      `toml:"sqs"`
	ActiveMQ TOMLActiveMQConfig `toml:"activemq"`
	Embedded TOMLEmbeddedConfig `toml:"embedded"`
}

// TOMLNATSConfig represents NATS configuration in TOML.
type TOMLNATSConfig struct {
	URL          string   `toml:"url"`
	Embedded     bool     `toml:"embedded"`
	DataDir      string   `toml:"data_dir"`
	StreamName   string   `toml:"stream_name"`
	ConsumerName string   `toml:"consumer_name"`
	Subjects     []string `toml:"subjects"`
	MaxDeliver   int      `toml:"max_deliver"`
	AckWait      string   `toml:"ack_wait"`
}

// TOMLSQSConfig represents SQS configuration in TOML.
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	Endpoint          string `toml:"endpoint"`
	AccessKeyID       string `toml:"access_key_id"`
	SecretAccessKey   string `toml:"secret_access_key"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
	MaxMessages       int    `toml:"max_messages"`
}

// TOMLActiveMQConfig represents ActiveMQ configuration in TOML.
type TOMLActiveMQConfig struct {
	BrokerURL       string `toml:"broker_url"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
	Queue           string `toml:"queue"`
	RedeliveryDelay string `toml:"redelivery_delay"`
}

// TOMLEmbeddedConfig represents embedded-queue configuration in TOML.
type TOMLEmbeddedConfig struct {
	DBPath            string `toml:"db_path"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	PollInterval      string `toml:"poll_interval"`
	BatchSize         int    `toml:"batch_size"`
}

// TOMLStandbyConfig represents active/standby configuration in TOML.
type TOMLStandbyConfig struct {
	Enabled    bool   `toml:"enabled"`
	RedisURL   string `toml:"redis_url"`
	LockKey    string `toml:"lock_key"`
	LockTTL    string `toml:"lock_ttl"`
	InstanceID string `toml:"instance_id"`
}

// TOMLRouterConfig represents router configuration in TOML.
type TOMLRouterConfig struct {
	MaxPools                int `toml:"max_pools"`
	DefaultNackDelaySeconds int `toml:"default_nack_delay_seconds"`
}

// TOMLSchedulerConfig represents dispatch-scheduler configuration in TOML.
type TOMLSchedulerConfig struct {
	Enabled                 bool   `toml:"enabled"`
	PollInterval            string `toml:"poll_interval"`
	BatchSize               int    `toml:"batch_size"`
	MaxConcurrentDispatches int    `toml:"max_concurrent_dispatches"`
	StaleThreshold          string `toml:"stale_threshold"`
	StaleCheckInterval      string `toml:"stale_check_interval"`
	MaxStaleRequeues        int    `toml:"max_stale_requeues"`
	BlockWarningThreshold   string `toml:"block_warning_threshold"`
	ProcessingEndpoint      string `toml:"processing_endpoint"`
	DefaultPoolCode         string `toml:"default_pool_code"`
	AppKey                  string `toml:"app_key"`
}

// TOMLAdminAPIConfig represents admin API auth configuration in TOML.
type TOMLAdminAPIConfig struct {
	TokenHash   string `toml:"token_hash"`
	JWTSecret   string `toml:"jwt_secret"`
	JWTIssuer   string `toml:"jwt_issuer"`
	JWTAudience string `toml:"jwt_audience"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML. The
// Vault token is deliberately absent: it only comes from the environment.
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files.
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"flowcatalyst.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/flowcatalyst/config.toml",
}

// LoadFromFile loads configuration from a TOML file layered over the built-in
// defaults. Environment variables are not consulted.
func LoadFromFile(path string) (*Config, error) {
	cfg := defaults()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithFile loads configuration with env > file > defaults precedence. The
// file is taken from FLOWCATALYST_CONFIG when set, otherwise the first match
// in ConfigPaths; when no file exists the result equals Load().
func LoadWithFile() (*Config, error) {
	cfg := defaults()

	configPath := os.Getenv("FLOWCATALYST_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath != "" {
		if err := applyFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays the TOML file at path onto cfg. The mirror struct is
// seeded from cfg before decoding, so keys absent from the document keep
// their current values and no merge step is needed.
func applyFile(cfg *Config, path string) error {
	tc := seedTOML(cfg)
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	tc.apply(cfg)
	return nil
}

// seedTOML builds the TOML mirror from the current config values.
func seedTOML(cfg *Config) TOMLConfig {
	return TOMLConfig{
		HTTP: TOMLHTTPConfig{
			Port:        cfg.HTTP.Port,
			CORSOrigins: cfg.HTTP.CORSOrigins,
		},
		MongoDB: TOMLMongoDBConfig{
			URI:      cfg.MongoDB.URI,
			Database: cfg.MongoDB.Database,
		},
		Queue: TOMLQueueConfig{
			Type: cfg.Queue.Type,
			NATS: TOMLNATSConfig{
				URL:          cfg.Queue.NATS.URL,
				Embedded:     cfg.Queue.NATS.Embedded,
				DataDir:      cfg.Queue.NATS.DataDir,
				StreamName:   cfg.Queue.NATS.StreamName,
				ConsumerName: cfg.Queue.NATS.ConsumerName,
				Subjects:     cfg.Queue.NATS.Subjects,
				MaxDeliver:   cfg.Queue.NATS.MaxDeliver,
				AckWait:      cfg.Queue.NATS.AckWait.String(),
			},
			SQS: TOMLSQSConfig{
				QueueURL:          cfg.Queue.SQS.QueueURL,
				Region:            cfg.Queue.SQS.Region,
				Endpoint:          cfg.Queue.SQS.Endpoint,
				AccessKeyID:       cfg.Queue.SQS.AccessKeyID,
				SecretAccessKey:   cfg.Queue.SQS.SecretAccessKey,
				WaitTimeSeconds:   cfg.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: cfg.Queue.SQS.VisibilityTimeout,
				MaxMessages:       cfg.Queue.SQS.MaxMessages,
			},
			ActiveMQ: TOMLActiveMQConfig{
				BrokerURL:       cfg.Queue.ActiveMQ.BrokerURL,
				Username:        cfg.Queue.ActiveMQ.Username,
				Password:        cfg.Queue.ActiveMQ.Password,
				Queue:           cfg.Queue.ActiveMQ.Queue,
				RedeliveryDelay: cfg.Queue.ActiveMQ.RedeliveryDelay.String(),
			},
			Embedded: TOMLEmbeddedConfig{
				DBPath:            cfg.Queue.Embedded.DBPath,
				VisibilityTimeout: cfg.Queue.Embedded.VisibilityTimeout.String(),
				PollInterval:      cfg.Queue.Embedded.PollInterval.String(),
				BatchSize:         cfg.Queue.Embedded.BatchSize,
			},
		},
		Standby: TOMLStandbyConfig{
			Enabled:    cfg.Standby.Enabled,
			RedisURL:   cfg.Standby.RedisURL,
			LockKey:    cfg.Standby.LockKey,
			LockTTL:    cfg.Standby.LockTTL.String(),
			InstanceID: cfg.Standby.InstanceID,
		},
		Router: TOMLRouterConfig{
			MaxPools:                cfg.Router.MaxPools,
			DefaultNackDelaySeconds: cfg.Router.DefaultNackDelaySeconds,
		},
		Scheduler: TOMLSchedulerConfig{
			Enabled:                 cfg.Scheduler.Enabled,
			PollInterval:            cfg.Scheduler.PollInterval.String(),
			BatchSize:               cfg.Scheduler.BatchSize,
			MaxConcurrentDispatches: cfg.Scheduler.MaxConcurrentDispatches,
			StaleThreshold:          cfg.Scheduler.StaleThreshold.String(),
			StaleCheckInterval:      cfg.Scheduler.StaleCheckInterval.String(),
			MaxStaleRequeues:        cfg.Scheduler.MaxStaleRequeues,
			BlockWarningThreshold:   cfg.Scheduler.BlockWarningThreshold.String(),
			ProcessingEndpoint:      cfg.Scheduler.ProcessingEndpoint,
			DefaultPoolCode:         cfg.Scheduler.DefaultDispatchPoolCode,
			AppKey:                  cfg.Scheduler.AppKey,
		},
		AdminAPI: TOMLAdminAPIConfig{
			TokenHash:   cfg.AdminAPI.TokenHash,
			JWTSecret:   cfg.AdminAPI.JWTSecret,
			JWTIssuer:   cfg.AdminAPI.JWTIssuer,
			JWTAudience: cfg.AdminAPI.JWTAudience,
		},
		Secrets: TOMLSecretsConfig{
			Provider:       cfg.Secrets.Provider,
			EncryptionKey:  cfg.Secrets.EncryptionKey,
			DataDir:        cfg.Secrets.DataDir,
			AWSRegion:      cfg.Secrets.AWSRegion,
			AWSPrefix:      cfg.Secrets.AWSPrefix,
			AWSEndpoint:    cfg.Secrets.AWSEndpoint,
			VaultAddr:      cfg.Secrets.VaultAddr,
			VaultPath:      cfg.Secrets.VaultPath,
			VaultNamespace: cfg.Secrets.VaultNamespace,
			GCPProject:     cfg.Secrets.GCPProject,
			GCPPrefix:      cfg.Secrets.GCPPrefix,
		},
		DataDir: cfg.DataDir,
		DevMode: cfg.DevMode,
	}
}

// apply copies the mirror back into cfg, parsing duration strings.
func (tc *TOMLConfig) apply(cfg *Config) {
	cfg.HTTP.Port = tc.HTTP.Port
	cfg.HTTP.CORSOrigins = tc.HTTP.CORSOrigins

	cfg.MongoDB.URI = tc.MongoDB.URI
	cfg.MongoDB.Database = tc.MongoDB.Database

	cfg.Queue.Type = strings.ToLower(tc.Queue.Type)

	cfg.Queue.NATS.URL = tc.Queue.NATS.URL
	cfg.Queue.NATS.Embedded = tc.Queue.NATS.Embedded
	cfg.Queue.NATS.DataDir = tc.Queue.NATS.DataDir
	cfg.Queue.NATS.StreamName = tc.Queue.NATS.StreamName
	cfg.Queue.NATS.ConsumerName = tc.Queue.NATS.ConsumerName
	cfg.Queue.NATS.Subjects = tc.Queue.NATS.Subjects
	cfg.Queue.NATS.MaxDeliver = tc.Queue.NATS.MaxDeliver
	cfg.Queue.NATS.AckWait = parseDuration(tc.Queue.NATS.AckWait, cfg.Queue.NATS.AckWait)

	cfg.Queue.SQS.QueueURL = tc.Queue.SQS.QueueURL
	cfg.Queue.SQS.Region = tc.Queue.SQS.Region
	cfg.Queue.SQS.Endpoint = tc.Queue.SQS.Endpoint
	cfg.Queue.SQS.AccessKeyID = tc.Queue.SQS.AccessKeyID
	cfg.Queue.SQS.SecretAccessKey = tc.Queue.SQS.SecretAccessKey
	cfg.Queue.SQS.WaitTimeSeconds = tc.Queue.SQS.WaitTimeSeconds
	cfg.Queue.SQS.VisibilityTimeout = tc.Queue.SQS.VisibilityTimeout
	cfg.Queue.SQS.MaxMessages = tc.Queue.SQS.MaxMessages

	cfg.Queue.ActiveMQ.BrokerURL = tc.Queue.ActiveMQ.BrokerURL
	cfg.Queue.ActiveMQ.Username = tc.Queue.ActiveMQ.Username
	cfg.Queue.ActiveMQ.Password = tc.Queue.ActiveMQ.Password
	cfg.Queue.ActiveMQ.Queue = tc.Queue.ActiveMQ.Queue
	cfg.Queue.ActiveMQ.RedeliveryDelay = parseDuration(tc.Queue.ActiveMQ.RedeliveryDelay, cfg.Queue.ActiveMQ.RedeliveryDelay)

	cfg.Queue.Embedded.DBPath = tc.Queue.Embedded.DBPath
	cfg.Queue.Embedded.VisibilityTimeout = parseDuration(tc.Queue.Embedded.VisibilityTimeout, cfg.Queue.Embedded.VisibilityTimeout)
	cfg.Queue.Embedded.PollInterval = parseDuration(tc.Queue.Embedded.PollInterval, cfg.Queue.Embedded.PollInterval)
	cfg.Queue.Embedded.BatchSize = tc.Queue.Embedded.BatchSize

	cfg.Standby.Enabled = tc.Standby.Enabled
	cfg.Standby.RedisURL = tc.Standby.RedisURL
	cfg.Standby.LockKey = tc.Standby.LockKey
	cfg.Standby.LockTTL = parseDuration(tc.Standby.LockTTL, cfg.Standby.LockTTL)
	cfg.Standby.InstanceID = tc.Standby.InstanceID

	cfg.Router.MaxPools = tc.Router.MaxPools
	cfg.Router.DefaultNackDelaySeconds = tc.Router.DefaultNackDelaySeconds

	cfg.Scheduler.Enabled = tc.Scheduler.Enabled
	cfg.Scheduler.PollInterval = parseDuration(tc.Scheduler.PollInterval, cfg.Scheduler.PollInterval)
	cfg.Scheduler.BatchSize = tc.Scheduler.BatchSize
	cfg.Scheduler.MaxConcurrentDispatches = tc.Scheduler.MaxConcurrentDispatches
	cfg.Scheduler.StaleThreshold = parseDuration(tc.Scheduler.StaleThreshold, cfg.Scheduler.StaleThreshold)
	cfg.Scheduler.StaleCheckInterval = parseDuration(tc.Scheduler.StaleCheckInterval, cfg.Scheduler.StaleCheckInterval)
	cfg.Scheduler.MaxStaleRequeues = tc.Scheduler.MaxStaleRequeues
	cfg.Scheduler.BlockWarningThreshold = parseDuration(tc.Scheduler.BlockWarningThreshold, cfg.Scheduler.BlockWarningThreshold)
	cfg.Scheduler.ProcessingEndpoint = tc.Scheduler.ProcessingEndpoint
	cfg.Scheduler.DefaultDispatchPoolCode = tc.Scheduler.DefaultPoolCode
	cfg.Scheduler.AppKey = tc.Scheduler.AppKey

	cfg.AdminAPI.TokenHash = tc.AdminAPI.TokenHash
	cfg.AdminAPI.JWTSecret = tc.AdminAPI.JWTSecret
	cfg.AdminAPI.JWTIssuer = tc.AdminAPI.JWTIssuer
	cfg.AdminAPI.JWTAudience = tc.AdminAPI.JWTAudience

	cfg.Secrets.Provider = tc.Secrets.Provider
	cfg.Secrets.EncryptionKey = tc.Secrets.EncryptionKey
	cfg.Secrets.DataDir = tc.Secrets.DataDir
	cfg.Secrets.AWSRegion = tc.Secrets.AWSRegion
	cfg.Secrets.AWSPrefix = tc.Secrets.AWSPrefix
	cfg.Secrets.AWSEndpoint = tc.Secrets.AWSEndpoint
	cfg.Secrets.VaultAddr = tc.Secrets.VaultAddr
	cfg.Secrets.VaultPath = tc.Secrets.VaultPath
	cfg.Secrets.VaultNamespace = tc.Secrets.VaultNamespace
	cfg.Secrets.GCPProject = tc.Secrets.GCPProject
	cfg.Secrets.GCPPrefix = tc.Secrets.GCPPrefix

	cfg.DataDir = tc.DataDir
	cfg.DevMode = tc.DevMode
}

// parseDuration parses s, keeping fallback when s is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# FlowCatalyst Configuration
# Environment variables override these settings

data_dir = "./data"
dev_mode = false

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017"
database = "flowcatalyst"

[queue]
type = "embedded"  # embedded, activemq, nats, or sqs

[queue.nats]
url = "nats://localhost:4222"
embedded = false
data_dir = "./data/nats"
stream_name = "DISPATCH"
consumer_name = "flowcatalyst-router"
subjects = ["dispatch.>"]
max_deliver = 5
ack_wait = "2m"

[queue.sqs]
queue_url = ""
region = "us-east-1"
endpoint = ""
wait_time_seconds = 20
visibility_timeout = 120
max_messages = 10

[queue.activemq]
broker_url = "localhost:61613"
username = ""
password = ""
queue = "/queue/flowcatalyst.dispatch"
redelivery_delay = "30s"

[queue.embedded]
db_path = ""
visibility_timeout = "30s"
poll_interval = "200ms"
batch_size = 10

[standby]
enabled = false
redis_url = "redis://localhost:6379"
lock_key = "flowcatalyst:router:leader"
lock_ttl = "30s"
instance_id = ""

[router]
max_pools = 2000
default_nack_delay_seconds = 30

[scheduler]
enabled = true
poll_interval = "5s"
batch_size = 100
max_concurrent_dispatches = 10
stale_threshold = "15m"
stale_check_interval = "1m"
max_stale_requeues = 5
block_warning_threshold = "5m"
processing_endpoint = ""
default_pool_code = "DEFAULT-POOL"
app_key = ""

[admin_api]
token_hash = ""  # bcrypt hash of the static admin token
jwt_secret = ""
jwt_issuer = ""
jwt_audience = ""

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/flowcatalyst/"
aws_endpoint = ""

# HashiCorp Vault (token comes from FLOWCATALYST_SECRETS_VAULT_TOKEN)
vault_addr = ""
vault_path = "secret/data/flowcatalyst"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "flowcatalyst-"
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
