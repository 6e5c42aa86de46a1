package pattern

import (
	"time"

	"futures-signal-engine/internal/market"
)

// PatternType tags a candidate with the detector that produced it; the tag
// follows the signal through persistence and into learning attribution
type PatternType string

const (
	EMACrossClassic    PatternType = "ema_cross_classic"
	EMACrossFast       PatternType = "ema_cross_fast"
	EMACrossConfluence PatternType = "ema_cross_confluence"
	Breakout           PatternType = "breakout"
	MeanRevert         PatternType = "mean_revert"
)

// Candidate is a 0-or-1 per-symbol detection result. RawScore is on a 0-100
// scale before the composite bonus is applied.
type Candidate struct {
	Symbol            string      `json:"symbol"`
	Side              market.Side `json:"side"`
	Entry             float64     `json:"entry"`
	PatternType       PatternType `json:"pattern_type"`
	RawScore          float64     `json:"raw_score"`
	PatternConfidence float64     `json:"pattern_confidence"`
	ATR               float64     `json:"atr"`
	VolatilityPct     float64     `json:"volatility_pct"`
	CandleT           time.Time   `json:"candle_t"`
	GeneratedAt       time.Time   `json:"generated_at"`
}

// Detector inspects a precomputed frame and returns at most one candidate.
// Implementations are pure: same frame, same result.
type Detector interface {
	Type() PatternType
	Detect(f *Frame) *Candidate
}
