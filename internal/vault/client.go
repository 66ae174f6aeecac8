// Package vault resolves the exchange API credential, preferring HashiCorp
// Vault when configured and falling back to the environment otherwise.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// Credentials is the exchange API key pair.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Config holds the Vault connection settings. Enabled=false keeps the
// client in env-fallback mode.
type Config struct {
	Enabled   bool
	Address   string
	Token     string
	MountPath string // KV v2 mount, default "secret"
	KeyPath   string // path under the mount, default "exchange/api-keys"

	// Env fallback values, populated from configuration.
	EnvAPIKey    string
	EnvSecretKey string
}

// Client wraps the Vault API client.
type Client struct {
	client *api.Client
	config Config
}

// NewClient creates a Vault client (or an env-fallback shell when Vault is
// disabled).
func NewClient(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = "exchange/api-keys"
	}
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// ExchangeCredentials returns the API key pair from Vault, or from the
// environment when Vault is disabled or the secret is absent. Empty
// credentials are not an error: they force paper mode.
func (c *Client) ExchangeCredentials(ctx context.Context) (Credentials, error) {
	envCreds := Credentials{APIKey: c.config.EnvAPIKey, SecretKey: c.config.EnvSecretKey}
	if !c.config.Enabled || c.client == nil {
		return envCreds, nil
	}

	secret, err := c.client.KVv2(c.config.MountPath).Get(ctx, c.config.KeyPath)
	if err != nil {
		return envCreds, fmt.Errorf("vault read failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return envCreds, nil
	}

	creds := Credentials{}
	if v, ok := secret.Data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := secret.Data["secret_key"].(string); ok {
		creds.SecretKey = v
	}
	if creds.APIKey == "" {
		return envCreds, nil
	}
	return creds, nil
}
