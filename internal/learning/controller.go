package learning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config tunes the daily adaptive run
type Config struct {
	WindowDays    int     `json:"window_days"`
	RunHourUTC    int     `json:"run_hour_utc"`
	MinSamples    int     `json:"min_samples"`
	ThresholdStep float64 `json:"threshold_step"`
	ThresholdMin  float64 `json:"threshold_min"`
	ThresholdMax  float64 `json:"threshold_max"`
	TightenBelow  float64 `json:"tighten_below_wr"`
	LoosenAbove   float64 `json:"loosen_above_wr"`
	KneeMinGain   float64 `json:"knee_min_gain"`
	MinConfFloor  float64 `json:"min_confidence_floor"`
	MinConfCap    float64 `json:"min_confidence_cap"`
}

// DefaultConfig returns the standard adaptive tuning
func DefaultConfig() Config {
	return Config{
		WindowDays:    14,
		RunHourUTC:    4,
		MinSamples:    10,
		ThresholdStep: 0.1,
		ThresholdMin:  0.5,
		ThresholdMax:  2.0,
		TightenBelow:  0.5,
		LoosenAbove:   0.7,
		KneeMinGain:   0.15,
		MinConfFloor:  0.001,
		MinConfCap:    0.05,
	}
}

// SnapshotStore is the slice of the persistence port the controller needs
type SnapshotStore interface {
	LoadTradeResults(ctx context.Context, since time.Time) ([]ports.TradeResult, error)
	PublishParameterSnapshot(ctx context.Context, snap ports.ParameterSnapshot) error
	LoadParameterSnapshot(ctx context.Context) (*ports.ParameterSnapshot, error)
}

// ============================================================================
// PERFORMANCE AGGREGATION
// ============================================================================

// Stats accumulates closed-trade performance for one (regime, pattern) bucket
type Stats struct {
	Samples       int     `json:"samples"`
	Wins          int     `json:"wins"`
	GrossProfit   float64 `json:"gross_profit"` // sum of positive pnl%
	GrossLoss     float64 `json:"gross_loss"`   // abs sum of negative pnl%
	WinnerConfSum float64 `json:"-"`
}

func (s Stats) WinRate() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Samples)
}

func (s Stats) ProfitFactor() float64 {
	if s.GrossLoss == 0 {
		if s.GrossProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.GrossProfit / s.GrossLoss
}

func (s Stats) MeanWinnerConfidence() float64 {
	if s.Wins == 0 {
		return 0
	}
	return s.WinnerConfSum / float64(s.Wins)
}

func (s *Stats) add(res ports.TradeResult) {
	s.Samples++
	if res.IsWinner {
		s.Wins++
		s.GrossProfit += res.PnlPct
		s.WinnerConfSum += res.CompositeConfidence
	} else {
		s.GrossLoss += -res.PnlPct
	}
}

// BucketKey joins regime and pattern into the aggregation key
func BucketKey(regimeName, patternType string) string {
	return regimeName + "|" + patternType
}

// Aggregate folds trade results into per-(regime, pattern) buckets
func Aggregate(results []ports.TradeResult) map[string]Stats {
	out := make(map[string]Stats)
	for _, res := range results {
		key := BucketKey(res.MarketRegime, res.PatternType)
		st := out[key]
		st.add(res)
		out[key] = st
	}
	return out
}

func aggregateByRegime(results []ports.TradeResult) map[string]Stats {
	out := make(map[string]Stats)
	for _, res := range results {
		st := out[res.MarketRegime]
		st.add(res)
		out[res.MarketRegime] = st
	}
	return out
}

// ============================================================================
// CONTROLLER
// ============================================================================

// Controller is the daily adaptive loop: it reads the recent trade history,
// re-derives threshold multipliers, pattern weights and the composite
// confidence floor, and publishes the result as an immutable snapshot via
// atomic pointer swap. Readers pin one snapshot per tick with Current.
type Controller struct {
	cfg     Config
	persist SnapshotStore
	bus     *events.EventBus
	logger  zerolog.Logger
	current atomic.Pointer[ports.ParameterSnapshot]
}

func NewController(cfg Config, persist SnapshotStore, bus *events.EventBus, logger zerolog.Logger) *Controller {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 14
	}
	c := &Controller{cfg: cfg, persist: persist, bus: bus, logger: logger}
	snap := DefaultSnapshot(cfg)
	c.current.Store(&snap)
	return c
}

// DefaultSnapshot builds the version-0 snapshot from the static regime table
func DefaultSnapshot(cfg Config) ports.ParameterSnapshot {
	thresholds := make(map[string]float64, 5)
	for _, r := range regime.AllRegimes() {
		thresholds[r.String()] = r.Multipliers().Threshold
	}
	return ports.ParameterSnapshot{
		Version:                0,
		ThresholdMult:          thresholds,
		PatternWeights:         make(map[string]map[string]float64),
		StrategyWeights:        make(map[string]map[string]float64),
		MinCompositeConfidence: cfg.MinConfFloor,
	}
}

// Current returns the live snapshot. Callers keep the pointer for the whole
// tick; the controller never mutates a published snapshot.
func (c *Controller) Current() *ports.ParameterSnapshot {
	return c.current.Load()
}

// Load restores the last published snapshot from storage, keeping the
// defaults when none exists
func (c *Controller) Load(ctx context.Context) (int, error) {
	snap, err := c.persist.LoadParameterSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load parameter snapshot: %w", err)
	}
	if snap == nil {
		c.logger.Info().Msg("no stored parameter snapshot, using defaults")
		return c.Current().Version, nil
	}
	c.current.Store(snap)
	c.logger.Info().Int("version", snap.Version).Time("as_of", snap.AsOf).Msg("parameter snapshot restored")
	return snap.Version, nil
}

// Run executes the adaptive pass once per day at the configured UTC hour
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info().Int("run_hour_utc", c.cfg.RunHourUTC).Msg("adaptive controller started")
	for {
		next := nextRunTime(time.Now().UTC(), c.cfg.RunHourUTC)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info().Msg("adaptive controller stopped")
			return
		case <-timer.C:
			if _, err := c.RunOnce(ctx, time.Now().UTC()); err != nil {
				c.logger.Error().Err(err).Msg("adaptive run failed")
			}
		}
	}
}

func nextRunTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// RunOnce performs one adaptive pass over the trailing window and publishes
// the next snapshot version
func (c *Controller) RunOnce(ctx context.Context, now time.Time) (*ports.ParameterSnapshot, error) {
	since := now.Add(-time.Duration(c.cfg.WindowDays) * 24 * time.Hour)
	results, err := c.persist.LoadTradeResults(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load trade results: %w", err)
	}

	base := c.Current()
	next := c.derive(base, results)
	next.Version = base.Version + 1
	next.AsOf = now

	if err := c.persist.PublishParameterSnapshot(ctx, next); err != nil {
		return nil, fmt.Errorf("publish parameter snapshot: %w", err)
	}
	c.current.Store(&next)

	if c.bus != nil {
		c.bus.PublishSnapshotPublished(next.Version)
	}
	c.logger.Info().
		Int("version", next.Version).
		Int("results", len(results)).
		Float64("min_composite_confidence", next.MinCompositeConfidence).
		Msg("parameter snapshot published")
	return &next, nil
}

// derive builds the next snapshot values from the base without mutating it
func (c *Controller) derive(base *ports.ParameterSnapshot, results []ports.TradeResult) ports.ParameterSnapshot {
	next := cloneSnapshot(base)

	byRegime := aggregateByRegime(results)
	for name, st := range byRegime {
		if st.Samples < c.cfg.MinSamples {
			continue
		}
		mult := next.ThresholdMult[name]
		if mult == 0 {
			mult = regime.ParseRegime(name).Multipliers().Threshold
		}
		wr := st.WinRate()
		switch {
		case wr < c.cfg.TightenBelow:
			mult += c.cfg.ThresholdStep
		case wr > c.cfg.LoosenAbove:
			mult -= c.cfg.ThresholdStep
		}
		next.ThresholdMult[name] = clamp(mult, c.cfg.ThresholdMin, c.cfg.ThresholdMax)
	}

	c.derivePatternWeights(&next, results)
	c.deriveConfidenceFloor(&next, results)
	return next
}

// derivePatternWeights maps each bucket's win rate to a weight (2·WR clamped
// to [0.5, 1.5]), then normalizes per regime so the mean weight stays 1 and
// re-weighting shifts flow between patterns instead of throttling it.
func (c *Controller) derivePatternWeights(next *ports.ParameterSnapshot, results []ports.TradeResult) {
	buckets := Aggregate(results)

	raw := make(map[string]map[string]float64)
	for key, st := range buckets {
		if st.Samples < c.cfg.MinSamples {
			continue
		}
		regimeName, patternType := splitKey(key)
		if regimeName == "" || patternType == "" {
			continue
		}
		if raw[regimeName] == nil {
			raw[regimeName] = make(map[string]float64)
		}
		raw[regimeName][patternType] = clamp(2*st.WinRate(), 0.5, 1.5)
	}

	for regimeName, weights := range raw {
		var sum float64
		for _, w := range weights {
			sum += w
		}
		mean := sum / float64(len(weights))
		row := make(map[string]float64, len(weights))
		for patternType, w := range weights {
			row[patternType] = w / mean
		}
		next.PatternWeights[regimeName] = row
	}
}

// deriveConfidenceFloor scans decile cut points of composite confidence for
// the largest win-rate gain between the halves. A knee only ever raises the
// floor, capped so it cannot choke signal flow.
func (c *Controller) deriveConfidenceFloor(next *ports.ParameterSnapshot, results []ports.TradeResult) {
	if len(results) < 2*c.cfg.MinSamples {
		return
	}

	sorted := make([]ports.TradeResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompositeConfidence < sorted[j].CompositeConfidence
	})

	bestGain, bestCut := 0.0, 0.0
	for d := 1; d < 10; d++ {
		idx := len(sorted) * d / 10
		if idx < c.cfg.MinSamples || len(sorted)-idx < c.cfg.MinSamples {
			continue
		}
		below, above := winRate(sorted[:idx]), winRate(sorted[idx:])
		if gain := above - below; gain > bestGain {
			bestGain = gain
			bestCut = sorted[idx].CompositeConfidence
		}
	}

	if bestGain < c.cfg.KneeMinGain {
		return
	}
	floor := clamp(bestCut, c.cfg.MinConfFloor, c.cfg.MinConfCap)
	if floor > next.MinCompositeConfidence {
		next.MinCompositeConfidence = floor
		c.logger.Info().
			Float64("knee_gain", bestGain).
			Float64("floor", floor).
			Msg("composite confidence floor raised")
	}
}

func winRate(results []ports.TradeResult) float64 {
	if len(results) == 0 {
		return 0
	}
	wins := 0
	for _, res := range results {
		if res.IsWinner {
			wins++
		}
	}
	return float64(wins) / float64(len(results))
}

func cloneSnapshot(base *ports.ParameterSnapshot) ports.ParameterSnapshot {
	next := ports.ParameterSnapshot{
		ThresholdMult:          make(map[string]float64, len(base.ThresholdMult)),
		PatternWeights:         make(map[string]map[string]float64, len(base.PatternWeights)),
		StrategyWeights:        make(map[string]map[string]float64, len(base.StrategyWeights)),
		MinCompositeConfidence: base.MinCompositeConfidence,
	}
	for k, v := range base.ThresholdMult {
		next.ThresholdMult[k] = v
	}
	for k, row := range base.PatternWeights {
		cp := make(map[string]float64, len(row))
		for p, w := range row {
			cp[p] = w
		}
		next.PatternWeights[k] = cp
	}
	for k, row := range base.StrategyWeights {
		cp := make(map[string]float64, len(row))
		for p, w := range row {
			cp[p] = w
		}
		next.StrategyWeights[k] = cp
	}
	return next
}

func splitKey(key string) (regimeName, patternType string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
