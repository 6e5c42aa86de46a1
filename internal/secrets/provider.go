// Package secrets resolves engine credentials from HashiCorp Vault with
// environment fallback. All engine secrets live under a single KV-v2 secret;
// a disabled or unreachable Vault degrades to environment-only resolution so
// the engine can always boot.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a secret is absent from both Vault and the
// environment
var ErrNotFound = errors.New("secret not found")

// Well-known secret names. Each doubles as a KV field name and, upper-cased,
// as the fallback environment variable.
const (
	KeyDatabaseURL   = "database_url"
	KeyTelegramToken = "telegram_bot_token"
	KeyJWTSecret     = "jwt_secret"
	KeyRedisPassword = "redis_password"
)

// Config holds Vault connection settings
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// DefaultConfig returns settings for a local dev Vault
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		Address:    "http://localhost:8200",
		MountPath:  "secret",
		SecretPath: "signal-engine",
	}
}

// Provider resolves named secrets. Vault-sourced values are cached for the
// process lifetime; environment lookups are not cached so tests can override
// them per call.
type Provider struct {
	client *api.Client
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewProvider builds a provider. With Enabled false no Vault client is
// created and every lookup goes straight to the environment.
func NewProvider(cfg Config, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: logger.With().Str("component", "secrets").Logger(),
		cache:  make(map[string]string),
	}
	if !cfg.Enabled {
		return p, nil
	}

	vaultConfig := api.DefaultConfig()
	if cfg.Address != "" {
		vaultConfig.Address = cfg.Address
	}
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	p.client = client
	p.logger.Info().Str("address", vaultConfig.Address).Msg("vault client ready")
	return p, nil
}

// Get resolves a secret: cached Vault value, then a Vault read, then the
// environment. A Vault read failure logs and falls through to the
// environment rather than failing the lookup.
func (p *Provider) Get(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	cached, ok := p.cache[name]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if p.client != nil {
		val, err := p.fromVault(ctx, name)
		if err != nil {
			p.logger.Warn().Err(err).Str("secret", name).Msg("vault read failed, falling back to environment")
		} else if val != "" {
			p.mu.Lock()
			p.cache[name] = val
			p.mu.Unlock()
			return val, nil
		}
	}

	if val := os.Getenv(EnvKey(name)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("secret %s: %w", name, ErrNotFound)
}

// GetOr resolves a secret, returning fallback when it is absent
func (p *Provider) GetOr(ctx context.Context, name, fallback string) string {
	val, err := p.Get(ctx, name)
	if err != nil {
		return fallback
	}
	return val
}

func (p *Provider) fromVault(ctx context.Context, name string) (string, error) {
	path := fmt.Sprintf("%s/data/%s", p.cfg.MountPath, p.cfg.SecretPath)
	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("secret %s has no KV-v2 data block", path)
	}
	return getString(data, name), nil
}

// Health checks the Vault connection; a disabled provider is always healthy
func (p *Provider) Health(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

// VaultEnabled reports whether lookups consult Vault
func (p *Provider) VaultEnabled() bool {
	return p.client != nil
}

// EnvKey maps a secret name to its environment variable
func EnvKey(name string) string {
	return strings.ToUpper(name)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
