package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider reads from a HashiCorp Vault KV v2 mount. Each secret lives
// at <path>/<key> with the value under the "value" data field.
type VaultProvider struct {
	client *vault.Client
	path   string
}

// NewVaultProvider connects to the Vault server at cfg.VaultAddr.
func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderError)
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.VaultAddr

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	path := cfg.VaultPath
	if path == "" {
		path = "secret/data/flowcatalyst"
	}
	// KVv2 prepends the mount and data/ segment itself, so store the path
	// relative to the mount.
	path = strings.TrimSuffix(path, "/")
	path = strings.TrimPrefix(path, "secret/data/")
	path = strings.TrimPrefix(path, "secret/")

	return &VaultProvider{client: client, path: path}, nil
}

// Get reads the "value" field of the KV v2 secret at <path>/<key>.
func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.client.KVv2("secret").Get(ctx, p.path+"/"+key)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// Name implements Provider.
func (p *VaultProvider) Name() string { return "vault" }

var _ Provider = (*VaultProvider)(nil)
