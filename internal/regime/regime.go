package regime

import "time"

// Regime is the coarse market state classification derived from BTC
type Regime int

const (
	BullTrend Regime = iota
	BearTrend
	HighVolRange
	LowVolRange
	Crash
)

// String returns the canonical regime name
func (r Regime) String() string {
	switch r {
	case BullTrend:
		return "BULL_TREND"
	case BearTrend:
		return "BEAR_TREND"
	case HighVolRange:
		return "HIGH_VOL_RANGE"
	case LowVolRange:
		return "LOW_VOL_RANGE"
	case Crash:
		return "CRASH"
	default:
		return "UNKNOWN"
	}
}

// ParseRegime converts a regime name back to its enum value. Unknown names
// map to LowVolRange, the neutral regime.
func ParseRegime(s string) Regime {
	switch s {
	case "BULL_TREND":
		return BullTrend
	case "BEAR_TREND":
		return BearTrend
	case "HIGH_VOL_RANGE":
		return HighVolRange
	case "CRASH":
		return Crash
	default:
		return LowVolRange
	}
}

// Multipliers are the deterministic per-regime adjustment factors applied to
// position size, stop loss, take profit and the score threshold
type Multipliers struct {
	Size      float64 `json:"size"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Threshold float64 `json:"threshold"`
}

var multiplierTable = map[Regime]Multipliers{
	BullTrend:    {Size: 1.4, SL: 0.8, TP: 1.5, Threshold: 0.9},
	BearTrend:    {Size: 0.6, SL: 1.3, TP: 0.9, Threshold: 1.15},
	HighVolRange: {Size: 0.9, SL: 1.2, TP: 1.0, Threshold: 1.0},
	LowVolRange:  {Size: 1.0, SL: 1.0, TP: 1.0, Threshold: 1.0},
	Crash:        {Size: 0.2, SL: 1.5, TP: 0.7, Threshold: 1.5},
}

// Multipliers returns the adjustment factors for the regime
func (r Regime) Multipliers() Multipliers {
	if m, ok := multiplierTable[r]; ok {
		return m
	}
	return multiplierTable[LowVolRange]
}

// AllRegimes lists every regime, useful for building per-regime tables
func AllRegimes() []Regime {
	return []Regime{BullTrend, BearTrend, HighVolRange, LowVolRange, Crash}
}

// Snapshot is the cached per-tick regime view. Immutable once built; the
// detector swaps a new pointer in when the underlying BTC candle advances.
type Snapshot struct {
	Regime        Regime    `json:"regime"`
	Confidence    float64   `json:"confidence"`
	SizeMult      float64   `json:"size_mult"`
	SLMult        float64   `json:"sl_mult"`
	TPMult        float64   `json:"tp_mult"`
	ThresholdMult float64   `json:"threshold_mult"`
	EMASlope      float64   `json:"ema_slope"`
	RealizedVol   float64   `json:"realized_vol"`
	Drawdown24h   float64   `json:"drawdown_24h"`
	Drawdown7d    float64   `json:"drawdown_7d"`
	AsOf          time.Time `json:"as_of"`
	BTCCandleT    time.Time `json:"btc_candle_t"`
}

func newSnapshot(r Regime, confidence float64, btcCandleT time.Time) *Snapshot {
	m := r.Multipliers()
	return &Snapshot{
		Regime:        r,
		Confidence:    confidence,
		SizeMult:      m.Size,
		SLMult:        m.SL,
		TPMult:        m.TP,
		ThresholdMult: m.Threshold,
		AsOf:          time.Now(),
		BTCCandleT:    btcCandleT,
	}
}
