package gates

import (
	"context"
	"time"

	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/pattern"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
	"futures-signal-engine/internal/strategy"
)

// Gate names, in pipeline order. The order is load-bearing: cheap structural
// checks run before indicator math, which runs before per-user risk state.
const (
	StageValidation      = "validation"
	StageAIScore         = "ai_score"
	StageAnomalyFilter   = "anomaly_filter"
	StageVolume          = "volume"
	StageVolatility      = "volatility"
	StageEMAPattern      = "ema_pattern"
	StageBTCFilter       = "btc_filter"
	StageDirectionCheck  = "direction_check"
	StageQualityScore    = "quality_score"
	StageMTFConfirmation = "mtf_confirmation"
	StageCorrelationRisk = "correlation_risk"
	StageDuplicateSignal = "duplicate_signal"
)

// Block reason codes
const (
	ReasonStaleData            = "stale_data"
	ReasonNaNCandle            = "nan_candle"
	ReasonInsufficientHistory  = "insufficient_history"
	ReasonScoreBelowThreshold  = "score_below_threshold"
	ReasonReturnZScoreExtreme  = "return_zscore_extreme"
	ReasonWickExceedsATR       = "wick_exceeds_atr"
	ReasonVolumeOutOfRange     = "volume_out_of_range"
	ReasonVolumeBelowMean      = "volume_below_recent_mean"
	ReasonVolatilityOutOfRange = "volatility_out_of_range"
	ReasonPatternPrecondition  = "pattern_preconditions_failed"
	ReasonBTCSideMismatch      = "btc_side_mismatch"
	ReasonFewCorroborations    = "insufficient_corroboration"
	ReasonQualityBelowMin      = "quality_below_min"
	ReasonLowCompositeConf     = "low_composite_confidence"
	ReasonMTFDisagreement      = "mtf_disagreement"
	ReasonDuplicateSignal      = "duplicate_signal"
)

// Result is a single gate verdict
type Result struct {
	Passed  bool               `json:"passed"`
	Reason  string             `json:"reason,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func pass(metrics map[string]float64) Result {
	return Result{Passed: true, Metrics: metrics}
}

func block(reason string, metrics map[string]float64) Result {
	return Result{Passed: false, Reason: reason, Metrics: metrics}
}

// Gate evaluates one admission criterion against the candidate context
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, c *Context) Result
}

// RiskChecker is the slice of the correlation risk manager the pipeline
// consumes for gates 11 and 12
type RiskChecker interface {
	Check(ctx context.Context, userID, symbol string, side market.Side, closes []float64) ports.RiskVerdict
	DuplicateWithin(userID, symbol string, side market.Side, window time.Duration) bool
}

// Context carries one candidate through the pipeline. Gates read the shared
// fields and write QualityScore and CorrelationPenalty for the sizer.
type Context struct {
	Symbol         string
	UserID         string
	Interval       market.Interval
	Candidate      *pattern.Candidate
	Frame          *pattern.Frame
	ConfirmCandles []market.Candle
	Composite      *strategy.Composite
	Regime         *regime.Snapshot

	// RawScore is the pattern/predictor blend including the composite bonus;
	// ThresholdMult is the effective multiplier after snapshot overrides.
	RawScore      float64
	ThresholdMult float64
	GapCount      int

	// Now anchors freshness checks; zero means wall clock.
	Now time.Time

	QualityScore       float64
	CorrelationPenalty float64
}

func (c *Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// Config holds every gate threshold
type Config struct {
	MinHistory             int     `json:"min_history"`
	MaxReturnZScore        float64 `json:"max_return_zscore"`
	ZScoreWindow           int     `json:"zscore_window"`
	MaxWickATRMult         float64 `json:"max_wick_atr_mult"`
	MinVolumeUSD24h        float64 `json:"min_volume_usd_24h"`
	MaxVolumeUSD24h        float64 `json:"max_volume_usd_24h"`
	RecentVolumeFactor     float64 `json:"recent_volume_factor"`
	MinVolatilityPct       float64 `json:"min_volatility_pct"`
	MaxVolatilityPct       float64 `json:"max_volatility_pct"`
	ThresholdSoft          float64 `json:"threshold_soft"`
	QualityMin             float64 `json:"quality_min"`
	MinCompositeConfidence float64 `json:"min_composite_confidence"`
	BTCOverrideConfidence  float64 `json:"btc_override_confidence"`
	DirectionMinVotes      int     `json:"direction_min_votes"`
	MTFSlopeLookback       int     `json:"mtf_slope_lookback"`
	DuplicateWindowMin     int     `json:"duplicate_window_min"`
}

// DefaultConfig returns the standard gate thresholds
func DefaultConfig() Config {
	return Config{
		MinHistory:             100,
		MaxReturnZScore:        4.0,
		ZScoreWindow:           20,
		MaxWickATRMult:         5.0,
		MinVolumeUSD24h:        500_000,
		MaxVolumeUSD24h:        5_000_000_000,
		RecentVolumeFactor:     0.8,
		MinVolatilityPct:       0.5,
		MaxVolatilityPct:       15.0,
		ThresholdSoft:          15.0,
		QualityMin:             55.0,
		MinCompositeConfidence: 0.001,
		BTCOverrideConfidence:  0.9,
		DirectionMinVotes:      3,
		MTFSlopeLookback:       3,
	}
}
