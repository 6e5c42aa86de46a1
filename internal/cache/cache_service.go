// Package cache provides Redis-backed caching with graceful degradation.
// The engine never depends on Redis for correctness: every operation on a
// nil or unhealthy service fails soft and callers fall back to memory or
// the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
)

var (
	// ErrUnavailable is returned while the service is degraded (nil,
	// disabled, or circuit open)
	ErrUnavailable = errors.New("cache unavailable")
	// ErrMiss is returned when a key is absent
	ErrMiss = errors.New("cache miss")
)

// Cache keys. The engine is the only writer.
const (
	KeyParameterSnapshot = "engine:parameters:current"
	KeyRegimeSnapshot    = "engine:regime:current"
	prefixUserPause      = "user:%s:paused"
	prefixSignalSeen     = "user:%s:signal:%s:%s:%d"
)

// SnapshotTTL bounds staleness of the control-plane snapshot mirrors.
const SnapshotTTL = 48 * time.Hour

// Config holds Redis settings
type Config struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DefaultConfig returns local development settings
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Address:  "localhost:6379",
		PoolSize: 10,
	}
}

// Service wraps the Redis client with a small failure-count breaker. After
// maxFailures consecutive errors the service reports unhealthy and sheds
// all calls until a background ping succeeds.
type Service struct {
	client *redis.Client
	cfg    Config
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewService connects to Redis. A failed initial ping returns the service in
// degraded mode, not an error; a disabled config returns (nil, nil) and the
// nil service is safe to call.
func NewService(cfg Config, logger zerolog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &Service{
		client:        client,
		cfg:           cfg,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn().Err(err).Str("address", cfg.Address).Msg("redis unavailable, starting degraded")
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info().Str("address", cfg.Address).Msg("redis connected")
	return cs, nil
}

// IsHealthy reports whether Redis is currently usable
func (cs *Service) IsHealthy() bool {
	if cs == nil || cs.client == nil {
		return false
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *Service) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.failureCount++
	if cs.failureCount >= cs.maxFailures && cs.healthy {
		cs.logger.Warn().Int("failures", cs.failureCount).Msg("redis marked unhealthy")
		cs.healthy = false
	}
}

func (cs *Service) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.healthy {
		cs.logger.Info().Msg("redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth probes Redis in the background once per checkInterval while
// degraded.
func (cs *Service) checkHealth() {
	cs.mu.RLock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.RUnlock()
	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *Service) ready() bool {
	if cs == nil || cs.client == nil {
		return false
	}
	cs.checkHealth()
	return cs.IsHealthy()
}

// ============================================================================
// CORE OPERATIONS
// ============================================================================

// Get retrieves a raw value
func (cs *Service) Get(ctx context.Context, key string) (string, error) {
	if !cs.ready() {
		return "", ErrUnavailable
	}
	result, err := cs.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		cs.recordFailure()
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	cs.recordSuccess()
	return result, nil
}

// Set stores a raw value with a TTL
func (cs *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !cs.ready() {
		return ErrUnavailable
	}
	if err := cs.client.Set(ctx, key, value, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	cs.recordSuccess()
	return nil
}

// Delete removes a key
func (cs *Service) Delete(ctx context.Context, key string) error {
	if !cs.ready() {
		return ErrUnavailable
	}
	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	cs.recordSuccess()
	return nil
}

// GetJSON retrieves and unmarshals a cached value
func (cs *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("unmarshal cached %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals and stores a value
func (cs *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !cs.ready() {
		return ErrUnavailable
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return cs.Set(ctx, key, string(data), ttl)
}

// ============================================================================
// ENGINE MIRRORS
// ============================================================================

// CacheParameterSnapshot mirrors the active parameter snapshot for the
// control API
func (cs *Service) CacheParameterSnapshot(ctx context.Context, snap ports.ParameterSnapshot) error {
	return cs.SetJSON(ctx, KeyParameterSnapshot, snap, SnapshotTTL)
}

// CachedParameterSnapshot returns the mirrored snapshot, ErrMiss when absent
func (cs *Service) CachedParameterSnapshot(ctx context.Context) (*ports.ParameterSnapshot, error) {
	var snap ports.ParameterSnapshot
	if err := cs.GetJSON(ctx, KeyParameterSnapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CacheRegimeSnapshot mirrors the current market regime
func (cs *Service) CacheRegimeSnapshot(ctx context.Context, snap regime.Snapshot) error {
	return cs.SetJSON(ctx, KeyRegimeSnapshot, snap, SnapshotTTL)
}

// CachedRegimeSnapshot returns the mirrored regime, ErrMiss when absent
func (cs *Service) CachedRegimeSnapshot(ctx context.Context) (*regime.Snapshot, error) {
	var snap regime.Snapshot
	if err := cs.GetJSON(ctx, KeyRegimeSnapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ============================================================================
// USER PAUSE FLAGS
// ============================================================================

// SetUserPaused shares a pause flag with other engine instances. No TTL:
// a pause survives until resumed.
func (cs *Service) SetUserPaused(ctx context.Context, userID string, paused bool) error {
	key := fmt.Sprintf(prefixUserPause, userID)
	if paused {
		return cs.Set(ctx, key, "1", 0)
	}
	return cs.Delete(ctx, key)
}

// UserPaused reports a shared pause flag. A missing key means not paused;
// only a degraded service surfaces an error.
func (cs *Service) UserPaused(ctx context.Context, userID string) (bool, error) {
	val, err := cs.Get(ctx, fmt.Sprintf(prefixUserPause, userID))
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// ============================================================================
// DUPLICATE SIGNAL KEYS
// ============================================================================

// MarkSignalSeen records a signal identity key with the cooldown TTL and
// reports whether it was newly set. A false return means the same
// (user, symbol, side, candle) already fired inside the window.
func (cs *Service) MarkSignalSeen(ctx context.Context, userID, symbol, side string, candleT time.Time, ttl time.Duration) (bool, error) {
	if !cs.ready() {
		return false, ErrUnavailable
	}
	key := fmt.Sprintf(prefixSignalSeen, userID, symbol, side, candleT.Unix())
	set, err := cs.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	cs.recordSuccess()
	return set, nil
}

// ============================================================================
// DIAGNOSTICS
// ============================================================================

// Stats summarizes service health for the control API
type Stats struct {
	Enabled      bool   `json:"enabled"`
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
}

// GetStats returns current service statistics
func (cs *Service) GetStats() Stats {
	if cs == nil || cs.client == nil {
		return Stats{}
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return Stats{
		Enabled:      true,
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.cfg.Address,
	}
}

// Ping checks connectivity and updates health state
func (cs *Service) Ping(ctx context.Context) error {
	if cs == nil || cs.client == nil {
		return ErrUnavailable
	}
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Close closes the Redis connection
func (cs *Service) Close() error {
	if cs == nil || cs.client == nil {
		return nil
	}
	return cs.client.Close()
}
