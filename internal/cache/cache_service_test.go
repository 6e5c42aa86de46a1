package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
)

// ============================================================================
// NIL AND DEGRADED SAFETY
// ============================================================================

func TestNilServiceIsSafe(t *testing.T) {
	var cs *Service
	ctx := context.Background()

	if cs.IsHealthy() {
		t.Error("nil service should not report healthy")
	}
	if _, err := cs.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get error = %v, want ErrUnavailable", err)
	}
	if err := cs.Set(ctx, "k", "v", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set error = %v, want ErrUnavailable", err)
	}
	if err := cs.Delete(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Delete error = %v, want ErrUnavailable", err)
	}
	if err := cs.CacheParameterSnapshot(ctx, ports.ParameterSnapshot{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("CacheParameterSnapshot error = %v, want ErrUnavailable", err)
	}
	if _, err := cs.CachedRegimeSnapshot(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("CachedRegimeSnapshot error = %v, want ErrUnavailable", err)
	}
	paused, err := cs.UserPaused(ctx, "user-1")
	if paused {
		t.Error("nil service must read as not paused")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("UserPaused error = %v, want ErrUnavailable", err)
	}
	if _, err := cs.MarkSignalSeen(ctx, "user-1", "BTCUSDT", "LONG", time.Now(), time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("MarkSignalSeen error = %v, want ErrUnavailable", err)
	}
	if got := cs.GetStats(); got.Enabled {
		t.Errorf("GetStats = %+v, want zero value", got)
	}
	if err := cs.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping error = %v, want ErrUnavailable", err)
	}
	if err := cs.Close(); err != nil {
		t.Errorf("Close error = %v, want nil", err)
	}
}

func TestDisabledConfigReturnsNilService(t *testing.T) {
	cs, err := NewService(Config{Enabled: false}, logging.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if cs != nil {
		t.Fatal("disabled config should return a nil service")
	}
	// The nil result is directly usable.
	if _, err := cs.Get(context.Background(), "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get on disabled service = %v, want ErrUnavailable", err)
	}
}

// degradedService builds a service whose breaker is already open, backed by
// a client that cannot connect. No network I/O happens on the shed path.
func degradedService() *Service {
	return &Service{
		client: redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 10 * time.Millisecond,
			MaxRetries:  -1,
		}),
		logger:        logging.Nop(),
		healthy:       false,
		failureCount:  3,
		maxFailures:   3,
		checkInterval: time.Hour,
		lastCheck:     time.Now(),
	}
}

func TestDegradedServiceShedsCalls(t *testing.T) {
	cs := degradedService()
	defer cs.Close()
	ctx := context.Background()

	if _, err := cs.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get error = %v, want ErrUnavailable", err)
	}
	if err := cs.SetJSON(ctx, "k", map[string]int{"a": 1}, time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SetJSON error = %v, want ErrUnavailable", err)
	}
	stats := cs.GetStats()
	if !stats.Enabled || stats.Healthy {
		t.Errorf("GetStats = %+v, want enabled and unhealthy", stats)
	}
	if stats.FailureCount != 3 {
		t.Errorf("FailureCount = %d, want 3", stats.FailureCount)
	}
}

func TestFailureThresholdOpensBreaker(t *testing.T) {
	cs := degradedService()
	defer cs.Close()
	cs.healthy = true
	cs.failureCount = 0

	cs.recordFailure()
	cs.recordFailure()
	if !cs.IsHealthy() {
		t.Fatal("service should stay healthy below the failure threshold")
	}
	cs.recordFailure()
	if cs.IsHealthy() {
		t.Fatal("service should be unhealthy after three consecutive failures")
	}
	cs.recordSuccess()
	if !cs.IsHealthy() {
		t.Fatal("a success should restore health")
	}
	if cs.GetStats().FailureCount != 0 {
		t.Error("a success should reset the failure count")
	}
}

// ============================================================================
// INTEGRATION (requires a live Redis)
// ============================================================================

func testService(t *testing.T) *Service {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis integration test")
	}
	cs, err := NewService(Config{Enabled: true, Address: addr, DB: 9, PoolSize: 2}, logging.Nop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if !cs.IsHealthy() {
		t.Fatalf("redis at %s not reachable", addr)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestRoundTripAndMiss(t *testing.T) {
	cs := testService(t)
	ctx := context.Background()
	key := "test:roundtrip"
	defer cs.Delete(ctx, key)

	if err := cs.Set(ctx, key, "value", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := cs.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "value" {
		t.Errorf("Get = %q, want %q", got, "value")
	}
	if _, err := cs.Get(ctx, "test:absent"); !errors.Is(err, ErrMiss) {
		t.Errorf("absent key error = %v, want ErrMiss", err)
	}
}

func TestSnapshotMirrors(t *testing.T) {
	cs := testService(t)
	ctx := context.Background()
	defer cs.Delete(ctx, KeyParameterSnapshot)
	defer cs.Delete(ctx, KeyRegimeSnapshot)

	params := ports.ParameterSnapshot{
		Version:       7,
		AsOf:          time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		ThresholdMult: 1.1,
		PatternWeights: map[string]float64{
			"bullish_engulfing": 1.2,
		},
		StrategyWeights:        map[string]float64{"trend": 0.9},
		MinCompositeConfidence: 0.002,
	}
	if err := cs.CacheParameterSnapshot(ctx, params); err != nil {
		t.Fatalf("CacheParameterSnapshot: %v", err)
	}
	gotParams, err := cs.CachedParameterSnapshot(ctx)
	if err != nil {
		t.Fatalf("CachedParameterSnapshot: %v", err)
	}
	if gotParams.Version != 7 || gotParams.ThresholdMult != 1.1 {
		t.Errorf("cached snapshot = %+v", gotParams)
	}
	if gotParams.PatternWeights["bullish_engulfing"] != 1.2 {
		t.Errorf("PatternWeights = %v", gotParams.PatternWeights)
	}

	reg := regime.Snapshot{Regime: regime.HighVolRange, Confidence: 0.8, ThresholdMult: 1.0}
	if err := cs.CacheRegimeSnapshot(ctx, reg); err != nil {
		t.Fatalf("CacheRegimeSnapshot: %v", err)
	}
	gotReg, err := cs.CachedRegimeSnapshot(ctx)
	if err != nil {
		t.Fatalf("CachedRegimeSnapshot: %v", err)
	}
	if gotReg.Regime != regime.HighVolRange {
		t.Errorf("Regime = %v, want %v", gotReg.Regime, regime.HighVolRange)
	}
	if gotReg.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", gotReg.Confidence)
	}
}

func TestUserPauseFlag(t *testing.T) {
	cs := testService(t)
	ctx := context.Background()
	userID := "pause-user"
	defer cs.SetUserPaused(ctx, userID, false)

	if err := cs.SetUserPaused(ctx, userID, true); err != nil {
		t.Fatalf("SetUserPaused: %v", err)
	}
	paused, err := cs.UserPaused(ctx, userID)
	if err != nil {
		t.Fatalf("UserPaused: %v", err)
	}
	if !paused {
		t.Error("flag should read as paused")
	}

	if err := cs.SetUserPaused(ctx, userID, false); err != nil {
		t.Fatalf("SetUserPaused(false): %v", err)
	}
	paused, err = cs.UserPaused(ctx, userID)
	if err != nil {
		t.Fatalf("UserPaused after clear: %v", err)
	}
	if paused {
		t.Error("cleared flag should read as not paused")
	}
}

func TestMarkSignalSeenDeduplicates(t *testing.T) {
	cs := testService(t)
	ctx := context.Background()
	candleT := time.Now().Truncate(time.Hour)

	first, err := cs.MarkSignalSeen(ctx, "dup-user", "ETHUSDT", "LONG", candleT, time.Minute)
	if err != nil {
		t.Fatalf("MarkSignalSeen: %v", err)
	}
	if !first {
		t.Error("first mark should report newly set")
	}
	second, err := cs.MarkSignalSeen(ctx, "dup-user", "ETHUSDT", "LONG", candleT, time.Minute)
	if err != nil {
		t.Fatalf("MarkSignalSeen repeat: %v", err)
	}
	if second {
		t.Error("repeat mark should report already seen")
	}

	// A different side within the same candle is a distinct key.
	other, err := cs.MarkSignalSeen(ctx, "dup-user", "ETHUSDT", "SHORT", candleT, time.Minute)
	if err != nil {
		t.Fatalf("MarkSignalSeen short: %v", err)
	}
	if !other {
		t.Error("different side should be newly set")
	}
}
