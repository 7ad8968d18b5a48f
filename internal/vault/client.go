package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nifty-options-bot/config"

	"github.com/hashicorp/vault/api"
)

// ErrNotFound is returned when no token is stored under a name
var ErrNotFound = errors.New("vault: token not found")

// TokenData is a broker access token stored in Vault
type TokenData struct {
	AccessToken  string    `json:"access_token"`
	BrokerUserID string    `json:"broker_user_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Client wraps the HashiCorp Vault client. With Vault disabled, tokens are
// kept in process memory only.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]*TokenData // name -> token
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]*TokenData),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]*TokenData),
	}, nil
}

// StoreToken writes a token under name
func (c *Client) StoreToken(ctx context.Context, name string, data TokenData) error {
	if data.UpdatedAt.IsZero() {
		data.UpdatedAt = time.Now()
	}

	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"access_token":   data.AccessToken,
				"broker_user_id": data.BrokerUserID,
				"updated_at":     data.UpdatedAt.UTC().Format(time.RFC3339),
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(name), secretData); err != nil {
			return fmt.Errorf("failed to store token in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[name] = &data
	c.mu.Unlock()
	return nil
}

// GetToken returns the token stored under name
func (c *Client) GetToken(ctx context.Context, name string) (*TokenData, error) {
	c.mu.RLock()
	cached, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.config.Enabled {
		return nil, ErrNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read token from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	token := &TokenData{
		AccessToken:  getString(data, "access_token"),
		BrokerUserID: getString(data, "broker_user_id"),
	}
	if ts, err := time.Parse(time.RFC3339, getString(data, "updated_at")); err == nil {
		token.UpdatedAt = ts
	}
	if token.AccessToken == "" {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	c.cache[name] = token
	c.mu.Unlock()
	return token, nil
}

// DeleteToken removes the token stored under name
func (c *Client) DeleteToken(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(name)); err != nil {
		return fmt.Errorf("failed to delete token from vault: %w", err)
	}
	return nil
}

// ClearCache drops every cached token so the next read goes to Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*TokenData)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, name)
}

func (c *Client) metadataPath(name string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, name)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// NewMockClient creates a Vault-disabled client for tests
func NewMockClient() *Client {
	return &Client{
		config: config.VaultConfig{Enabled: false},
		cache:  make(map[string]*TokenData),
	}
}
