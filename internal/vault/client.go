package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"tradebot-engine/config"
	"tradebot-engine/internal/logging"
)

// ErrKeyNotFound is returned when a user has no stored credentials for an exchange and network
var ErrKeyNotFound = errors.New("vault: exchange credentials not found")

// Credentials is one user's API key pair for one exchange and network
type Credentials struct {
	APIKey    string    `json:"api_key"`
	SecretKey string    `json:"secret_key"`
	Exchange  string    `json:"exchange"`
	Testnet   bool      `json:"is_testnet"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the credential pair is usable
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("api key and secret key are required")
	}
	if c.Exchange == "" {
		return errors.New("exchange is required")
	}
	return nil
}

// Masked returns the API key with everything but the last four characters hidden
func (c Credentials) Masked() string {
	if len(c.APIKey) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(c.APIKey)-4) + c.APIKey[len(c.APIKey)-4:]
}

// Client stores exchange credentials in a KV v2 secrets engine.
// With Vault disabled it keeps them in process memory, which suits development and tests.
type Client struct {
	kv     *api.KVv2
	sys    *api.Sys
	config config.VaultConfig
	log    *logging.Logger

	mu    sync.RWMutex
	local map[string]Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Default()
	}
	c := &Client{
		config: cfg,
		log:    log.WithComponent("vault"),
		local:  make(map[string]Credentials),
	}
	if !cfg.Enabled {
		c.log.Warn("Vault disabled, exchange credentials are held in memory only")
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.kv = client.KVv2(cfg.MountPath)
	c.sys = client.Sys()
	return c, nil
}

// NewMemoryClient returns a client that never talks to Vault
func NewMemoryClient() *Client {
	return &Client{
		log:   logging.Default().WithComponent("vault"),
		local: make(map[string]Credentials),
	}
}

// StoreCredentials writes or replaces a user's credentials
func (c *Client) StoreCredentials(ctx context.Context, userID string, creds Credentials) error {
	if userID == "" {
		return errors.New("vault: user id is required")
	}
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now().UTC()
	}

	path := c.secretPath(userID, creds.Exchange, creds.Testnet)
	if !c.config.Enabled {
		c.mu.Lock()
		c.local[path] = creds
		c.mu.Unlock()
		return nil
	}

	_, err := c.kv.Put(ctx, path, map[string]interface{}{
		"api_key":    creds.APIKey,
		"secret_key": creds.SecretKey,
		"exchange":   creds.Exchange,
		"is_testnet": creds.Testnet,
		"updated_at": creds.UpdatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.log.Info("Exchange credentials stored",
		"user_id", userID,
		"exchange", creds.Exchange,
		"testnet", creds.Testnet,
		"api_key", creds.Masked())
	return nil
}

// GetCredentials reads a user's credentials. ErrKeyNotFound means none are stored.
func (c *Client) GetCredentials(ctx context.Context, userID, exchange string, testnet bool) (*Credentials, error) {
	path := c.secretPath(userID, exchange, testnet)

	if !c.config.Enabled {
		c.mu.RLock()
		creds, ok := c.local[path]
		c.mu.RUnlock()
		if !ok {
			return nil, ErrKeyNotFound
		}
		return &creds, nil
	}

	secret, err := c.kv.Get(ctx, path)
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrKeyNotFound
	}

	creds := &Credentials{
		APIKey:    getString(secret.Data, "api_key"),
		SecretKey: getString(secret.Data, "secret_key"),
		Exchange:  getString(secret.Data, "exchange"),
		Testnet:   getBool(secret.Data, "is_testnet"),
	}
	if ts, err := time.Parse(time.RFC3339, getString(secret.Data, "updated_at")); err == nil {
		creds.UpdatedAt = ts
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}
	return creds, nil
}

// DeleteCredentials removes every version of a user's credentials
func (c *Client) DeleteCredentials(ctx context.Context, userID, exchange string, testnet bool) error {
	path := c.secretPath(userID, exchange, testnet)

	if !c.config.Enabled {
		c.mu.Lock()
		delete(c.local, path)
		c.mu.Unlock()
		return nil
	}

	if err := c.kv.DeleteMetadata(ctx, path); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	c.log.Info("Exchange credentials deleted", "user_id", userID, "exchange", exchange, "testnet", testnet)
	return nil
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

	health, err := c.sys.HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

// secretPath is relative to the KV mount: {secret_path}/{user}/{exchange}_{network}
func (c *Client) secretPath(userID, exchange string, testnet bool) string {
	network := "mainnet"
	if testnet {
		network = "testnet"
	}
	prefix := strings.Trim(c.config.SecretPath, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s_%s", userID, strings.ToLower(exchange), network)
	}
	return fmt.Sprintf("%s/%s/%s_%s", prefix, userID, strings.ToLower(exchange), network)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
