package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool. It implements the engine's
// persistence port; the repository methods live in the repository files.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration. URL, when set, overrides the discrete
// fields (used when the DSN comes from the secret provider).
type Config struct {
	URL      string `json:"url"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
	MinConns int32  `json:"min_conns"`
}

// DefaultConfig returns local development settings
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "signals",
		Database: "signals",
		SSLMode:  "disable",
		MaxConns: 25,
		MinConns: 5,
	}
}

// DSN renders the connection string
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewDB creates a connection pool and verifies it with a ping
func NewDB(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "database").Logger(),
	}
	db.logger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("connected to PostgreSQL")
	return db, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the schema. Statements are idempotent and run in
// order on every startup.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(8) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_close_time ON candles(symbol, interval, close_time DESC)`,

		`CREATE TABLE IF NOT EXISTS emitted_signals (
			signal_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			tp1 DECIMAL(20, 8) NOT NULL,
			tp2 DECIMAL(20, 8) NOT NULL,
			size_usdt DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			pattern_type VARCHAR(50) NOT NULL,
			regime VARCHAR(20) NOT NULL,
			raw_score DECIMAL(10, 4) NOT NULL,
			composite_score DECIMAL(12, 6) NOT NULL,
			composite_confidence DECIMAL(12, 6) NOT NULL,
			quality_score DECIMAL(10, 4) NOT NULL,
			atr DECIMAL(20, 8) NOT NULL,
			volatility_pct DECIMAL(10, 4) NOT NULL,
			volume_usd DECIMAL(30, 8) NOT NULL,
			candle_t TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL,
			message_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, symbol, side, candle_t)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emitted_signals_user ON emitted_signals(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_emitted_signals_status ON emitted_signals(status)`,

		`CREATE TABLE IF NOT EXISTS positions (
			signal_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry DECIMAL(20, 8) NOT NULL,
			size_usdt DECIMAL(20, 8) NOT NULL,
			remaining_size DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			tp1 DECIMAL(20, 8) NOT NULL,
			tp2 DECIMAL(20, 8) NOT NULL,
			tp1_hit BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
			high_water_mark DECIMAL(20, 8) NOT NULL,
			atr DECIMAL(20, 8) NOT NULL,
			pattern_type VARCHAR(50) NOT NULL,
			regime VARCHAR(20) NOT NULL,
			raw_score DECIMAL(10, 4) NOT NULL,
			composite_score DECIMAL(12, 6) NOT NULL,
			composite_confidence DECIMAL(12, 6) NOT NULL,
			volatility_pct DECIMAL(10, 4) NOT NULL,
			volume_usd DECIMAL(30, 8) NOT NULL,
			group_name VARCHAR(20) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			message_ref TEXT NOT NULL DEFAULT '',
			opened_at TIMESTAMPTZ NOT NULL,
			last_update TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, signal_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status)`,

		`CREATE TABLE IF NOT EXISTS trade_results (
			signal_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			pattern_type VARCHAR(50) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			pnl_pct DECIMAL(10, 4) NOT NULL,
			is_winner BOOLEAN NOT NULL,
			duration_hours DECIMAL(12, 4) NOT NULL,
			ai_score DECIMAL(10, 4) NOT NULL,
			market_regime VARCHAR(20) NOT NULL,
			composite_score DECIMAL(12, 6) NOT NULL,
			composite_confidence DECIMAL(12, 6) NOT NULL,
			volume_usd DECIMAL(30, 8) NOT NULL,
			volatility_pct DECIMAL(10, 4) NOT NULL,
			exit_reason VARCHAR(20) NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, signal_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_results_closed_at ON trade_results(closed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_results_regime ON trade_results(market_regime)`,

		`CREATE TABLE IF NOT EXISTS parameter_snapshots (
			version INT PRIMARY KEY,
			as_of TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS correlation_events (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			decision VARCHAR(20) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			max_correlation DECIMAL(8, 4) NOT NULL,
			penalty DECIMAL(8, 4) NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlation_events_user ON correlation_events(user_id, occurred_at DESC)`,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			kind VARCHAR(30) NOT NULL,
			user_id TEXT NOT NULL,
			payload JSONB,
			reason VARCHAR(30) NOT NULL,
			attempts INT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			first_failed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(first_failed_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("database migrations completed")
	return nil
}
