// Package config loads engine configuration from an optional JSON file with
// environment overrides applied on top. Defaults are production values; a
// missing config file is not an error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"futures-signal-engine/internal/api"
	"futures-signal-engine/internal/cache"
	"futures-signal-engine/internal/database"
	"futures-signal-engine/internal/exchange"
	"futures-signal-engine/internal/gates"
	"futures-signal-engine/internal/learning"
	"futures-signal-engine/internal/lifecycle"
	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/notification"
	"futures-signal-engine/internal/regime"
	"futures-signal-engine/internal/risk"
	"futures-signal-engine/internal/scheduler"
	"futures-signal-engine/internal/scoring"
	"futures-signal-engine/internal/secrets"
	"futures-signal-engine/internal/signal"
)

// Config is the root configuration tree. Each section maps onto one
// component's own Config type so wiring in main stays mechanical.
type Config struct {
	Logging      logging.Config              `json:"logging"`
	Database     database.Config             `json:"database"`
	Redis        cache.Config                `json:"redis"`
	Vault        secrets.Config              `json:"vault"`
	Exchange     exchange.Config             `json:"exchange"`
	Universe     scheduler.UniverseConfig    `json:"universe"`
	Scheduler    scheduler.Config            `json:"scheduler"`
	Regime       regime.Config               `json:"regime"`
	Scoring      scoring.Config              `json:"scoring"`
	Gates        gates.Config                `json:"gates"`
	Correlation  risk.Config                 `json:"correlation"`
	Sizing       risk.SizerConfig            `json:"sizing"`
	Signal       signal.Config               `json:"signal"`
	Lifecycle    lifecycle.Config            `json:"lifecycle"`
	Learning     learning.Config             `json:"learning"`
	Notification notification.Config         `json:"notification"`
	Telegram     notification.TelegramConfig `json:"telegram"`
	API          api.Config                  `json:"api"`
}

// Default returns the full production default tree. Scheduler.Users is left
// empty here; main falls back to the Telegram chat ID keys when no explicit
// user list is configured.
func Default() *Config {
	return &Config{
		Logging:      logging.DefaultConfig(),
		Database:     database.DefaultConfig(),
		Redis:        cache.DefaultConfig(),
		Vault:        secrets.DefaultConfig(),
		Exchange:     exchange.DefaultConfig(),
		Universe:     scheduler.DefaultUniverseConfig(),
		Scheduler:    scheduler.DefaultConfig(),
		Regime:       regime.DefaultConfig(),
		Scoring:      scoring.DefaultConfig(),
		Gates:        gates.DefaultConfig(),
		Correlation:  risk.DefaultConfig(),
		Sizing:       risk.DefaultSizerConfig(),
		Signal:       signal.DefaultConfig(),
		Lifecycle:    lifecycle.DefaultConfig(),
		Learning:     learning.DefaultConfig(),
		Notification: notification.DefaultConfig(),
		Telegram:     notification.DefaultTelegramConfig(),
		API:          api.DefaultConfig(),
	}
}

// Load reads the config file at path (empty means "config.json"), fills every
// unset section with defaults and applies environment overrides on top. A
// .env file in the working directory is loaded first; variables already set
// in the environment win.
func Load(path string) (*Config, error) {
	godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if !c.Universe.Interval.Valid() {
		return fmt.Errorf("universe.interval %q is not a supported timeframe", c.Universe.Interval)
	}
	if !c.Universe.ConfirmInterval.Valid() {
		return fmt.Errorf("universe.confirm_interval %q is not a supported timeframe", c.Universe.ConfirmInterval)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if len(c.Universe.Symbols) == 0 && !c.Universe.AutoDiscover {
		return fmt.Errorf("universe needs symbols or auto_discover")
	}
	return nil
}

// applyEnvOverrides maps operational environment variables onto the tree.
// Only deployment-variant settings are overridable; tuning parameters come
// from the file.
func applyEnvOverrides(cfg *Config) {
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)
	cfg.Database.Host = getEnvOrDefault("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DATABASE_NAME", cfg.Database.Database)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.Exchange.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.Exchange.BaseURL)
	if getEnvBoolOrDefault("EXCHANGE_TESTNET", false) {
		cfg.Exchange.BaseURL = exchange.TestnetURL
	}

	if symbols := os.Getenv("UNIVERSE_SYMBOLS"); symbols != "" {
		cfg.Universe.Symbols = splitList(symbols)
	}
	cfg.Universe.AutoDiscover = getEnvBoolOrDefault("UNIVERSE_AUTO_DISCOVER", cfg.Universe.AutoDiscover)
	cfg.Universe.MaxSymbols = getEnvIntOrDefault("UNIVERSE_MAX_SYMBOLS", cfg.Universe.MaxSymbols)

	cfg.Scheduler.TickInterval = getEnvDurationOrDefault("SCHEDULER_TICK_INTERVAL", cfg.Scheduler.TickInterval)
	cfg.Scheduler.Workers = getEnvIntOrDefault("SCHEDULER_WORKERS", cfg.Scheduler.Workers)
	if users := os.Getenv("SCHEDULER_USERS"); users != "" {
		cfg.Scheduler.Users = splitList(users)
	}

	cfg.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.BaseURL = getEnvOrDefault("TELEGRAM_BASE_URL", cfg.Telegram.BaseURL)

	cfg.API.Host = getEnvOrDefault("API_HOST", cfg.API.Host)
	cfg.API.Port = getEnvIntOrDefault("API_PORT", cfg.API.Port)
	cfg.API.AuthEnabled = getEnvBoolOrDefault("API_AUTH_ENABLED", cfg.API.AuthEnabled)
	cfg.API.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.API.JWTSecret)
	cfg.API.ProductionMode = getEnvBoolOrDefault("API_PRODUCTION_MODE", cfg.API.ProductionMode)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a fully-populated config file with default
// values, ready to edit.
func GenerateSampleConfig(filename string) error {
	cfg := Default()
	cfg.Telegram.ChatIDs = map[string]string{"user-1": "123456789"}
	cfg.Scheduler.Users = []string{"user-1"}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
