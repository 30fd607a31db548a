// Package secrets resolves operator-supplied secrets at startup. The mains
// consult a provider for values the environment left empty (admin API token
// hash, JWT signing secret, scheduler app key), so deployments can keep
// credentials in a managed store instead of the process environment.
//
// Resolution happens once at boot and providers only need to read. The
// encrypted file provider additionally persists values, so a standalone
// install can be provisioned without an external store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrSecretNotFound reports a key the backing store has no value for.
	// Callers treat it as "keep the configured value", not as a failure.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrInvalidKey reports an unusable encryption key for the encrypted
	// file provider.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrProviderError wraps backend failures (network, auth, malformed
	// responses) so callers can tell them apart from missing secrets.
	ErrProviderError = errors.New("provider error")
)

// Provider reads secrets from a backing store.
type Provider interface {
	// Get returns the value for key, or ErrSecretNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Name identifies the provider in logs.
	Name() string
}

// ProviderType selects a secrets backend.
type ProviderType string

const (
	// ProviderEncrypted stores secrets in an AES-256-GCM encrypted file
	// under the data directory.
	ProviderEncrypted ProviderType = "encrypted"

	// ProviderAWS reads from AWS Secrets Manager.
	ProviderAWS ProviderType = "aws-sm"

	// ProviderVault reads from HashiCorp Vault (KV v2).
	ProviderVault ProviderType = "vault"

	// ProviderGCP reads from Google Cloud Secret Manager.
	ProviderGCP ProviderType = "gcp-sm"

	// ProviderEnv reads from environment variables. This is the default
	// and needs no configuration.
	ProviderEnv ProviderType = "env"
)

// Config carries the settings for every provider type; each constructor picks
// out the fields it needs. The config package populates it from
// FLOWCATALYST_SECRETS_* environment variables.
type Config struct {
	Provider ProviderType

	// Encrypted file provider.
	EncryptionKey string
	DataDir       string

	// AWS Secrets Manager. Credentials come from the default SDK chain.
	AWSRegion   string
	AWSPrefix   string
	AWSEndpoint string

	// HashiCorp Vault.
	VaultAddr      string
	VaultToken     string
	VaultPath      string
	VaultNamespace string

	// Google Cloud Secret Manager.
	GCPProject string
	GCPPrefix  string
}

// NewProvider builds the provider selected by cfg. A nil cfg or an empty
// provider type yields the env provider.
func NewProvider(cfg *Config) (Provider, error) {
	if cfg == nil {
		cfg = &Config{Provider: ProviderEnv}
	}

	switch cfg.Provider {
	case ProviderEncrypted:
		return NewEncryptedProvider(cfg)
	case ProviderAWS:
		return NewAWSSecretsManagerProvider(cfg)
	case ProviderVault:
		return NewVaultProvider(cfg)
	case ProviderGCP:
		return NewGCPSecretManagerProvider(cfg)
	case ProviderEnv, "":
		return NewEnvProvider(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrProviderError, cfg.Provider)
	}
}

// EnvProvider reads secrets from environment variables. The key "app-key"
// maps to FLOWCATALYST_SECRET_APP_KEY.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider returns a provider backed by the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{prefix: "FLOWCATALYST_SECRET_"}
}

// Get looks up the environment variable derived from key.
func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	value := os.Getenv(envKey)
	if value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Name implements Provider.
func (p *EnvProvider) Name() string { return "env" }

var _ Provider = (*EnvProvider)(nil)
