package regime

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/indicator"
	"futures-signal-engine/internal/market"
)

// ============================================================================
// REGIME DETECTOR - classifies the broad market from BTC candles
// ============================================================================

// Config controls which series the detector reads and where the
// classification thresholds sit
type Config struct {
	Symbol           string          `json:"symbol"`
	BaseInterval     market.Interval `json:"base_interval"`
	ConfirmInterval  market.Interval `json:"confirm_interval"`
	EMAPeriod        int             `json:"ema_period"`
	SlopeLookback    int             `json:"slope_lookback"`
	SlopeEpsilon     float64         `json:"slope_epsilon"`
	VolWindow        int             `json:"vol_window"`
	LowVolThreshold  float64         `json:"low_vol_threshold"`
	CrashWindow      int             `json:"crash_window"`
	CrashDrawdownPct float64         `json:"crash_drawdown_pct"`
	DrawdownWindow   int             `json:"drawdown_window"`
	MinHistory       int             `json:"min_history"`
}

// DefaultConfig returns the standard BTC-anchored detector settings
func DefaultConfig() Config {
	return Config{
		Symbol:           "BTCUSDT",
		BaseInterval:     market.Interval1h,
		ConfirmInterval:  market.Interval4h,
		EMAPeriod:        50,
		SlopeLookback:    6,
		SlopeEpsilon:     0.0005,
		VolWindow:        24,
		LowVolThreshold:  0.010,
		CrashWindow:      24,
		CrashDrawdownPct: 15.0,
		DrawdownWindow:   168,
		MinHistory:       80,
	}
}

// Detector classifies the market regime from BTC candles. Classification is
// cached per BTC base-interval candle: repeated calls within the same candle
// return the same snapshot pointer, so every consumer inside one tick sees
// one consistent view.
type Detector struct {
	cfg    Config
	store  *market.CandleStore
	bus    *events.EventBus
	logger zerolog.Logger

	mu      sync.Mutex
	current *Snapshot
}

// NewDetector creates a regime detector reading BTC candles from the store
func NewDetector(cfg Config, store *market.CandleStore, bus *events.EventBus, logger zerolog.Logger) *Detector {
	if cfg.Symbol == "" {
		cfg = DefaultConfig()
	}
	return &Detector{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger,
	}
}

// Series reports the candle series the detector reads so the refresh loop
// can keep them warm.
func (d *Detector) Series() (symbol string, base, confirm market.Interval) {
	return d.cfg.Symbol, d.cfg.BaseInterval, d.cfg.ConfirmInterval
}

// Current returns the regime snapshot for the newest BTC candle. When BTC
// history is missing or stale the previous snapshot is served; if none
// exists yet, a neutral LOW_VOL_RANGE snapshot is returned so downstream
// sizing falls back to 1.0 multipliers.
func (d *Detector) Current() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	minAsk := d.cfg.MinHistory + d.cfg.SlopeLookback
	ask := d.cfg.DrawdownWindow + d.cfg.SlopeLookback
	if ask < minAsk {
		ask = minAsk
	}
	candles, err := d.store.Snapshot(d.cfg.Symbol, d.cfg.BaseInterval, ask)
	if errors.Is(err, market.ErrInsufficientData) && ask > minAsk {
		// not enough for the weekly drawdown window yet, degrade to the
		// shorter horizon rather than serving a neutral snapshot
		candles, err = d.store.Snapshot(d.cfg.Symbol, d.cfg.BaseInterval, minAsk)
	}
	if err != nil {
		if d.current != nil {
			return d.current
		}
		d.logger.Warn().Err(err).Str("symbol", d.cfg.Symbol).Msg("regime detection degraded, serving neutral snapshot")
		d.current = newSnapshot(LowVolRange, 0.0, time.Time{})
		return d.current
	}

	newest := candles[len(candles)-1].OpenTime
	if d.current != nil && d.current.BTCCandleT.Equal(newest) {
		return d.current
	}

	snap := d.classify(candles, newest)
	prev := d.current
	d.current = snap

	if prev != nil && prev.Regime != snap.Regime {
		d.logger.Info().
			Str("from", prev.Regime.String()).
			Str("to", snap.Regime.String()).
			Float64("confidence", snap.Confidence).
			Float64("ema_slope", snap.EMASlope).
			Float64("realized_vol", snap.RealizedVol).
			Msg("market regime changed")
		if d.bus != nil {
			d.bus.PublishRegimeChanged(prev.Regime.String(), snap.Regime.String(), snap.Confidence)
		}
	}
	return snap
}

// classify runs the decision ladder: crash first, then trend via EMA slope,
// then the volatility split for flat markets.
func (d *Detector) classify(candles []market.Candle, btcCandleT time.Time) *Snapshot {
	closes := market.Closes(candles)

	dd24 := tailDrawdown(closes, d.cfg.CrashWindow)
	dd7d := tailDrawdown(closes, d.cfg.DrawdownWindow)
	slope := d.emaSlope(closes)
	vol := d.realizedVol(closes)

	var r Regime
	var confidence float64

	crashLimit := d.cfg.CrashDrawdownPct / 100.0
	switch {
	case dd24 > crashLimit:
		r = Crash
		// deeper drawdowns (and confirmation from the weekly view) raise confidence
		confidence = clamp01(0.6 + (dd24-crashLimit)*2 + dd7d*0.5)
	case slope > d.cfg.SlopeEpsilon:
		r = BullTrend
		confidence = slopeConfidence(slope, d.cfg.SlopeEpsilon)
	case slope < -d.cfg.SlopeEpsilon:
		r = BearTrend
		confidence = slopeConfidence(-slope, d.cfg.SlopeEpsilon)
	case vol >= d.cfg.LowVolThreshold:
		r = HighVolRange
		confidence = clamp01(0.5 + (vol-d.cfg.LowVolThreshold)/d.cfg.LowVolThreshold*0.25)
	default:
		r = LowVolRange
		confidence = clamp01(0.5 + (d.cfg.LowVolThreshold-vol)/d.cfg.LowVolThreshold*0.4)
	}

	snap := newSnapshot(r, confidence, btcCandleT)
	snap.EMASlope = slope
	snap.RealizedVol = vol
	snap.Drawdown24h = dd24
	snap.Drawdown7d = dd7d
	return snap
}

// emaSlope measures the relative change of EMA(n) over the lookback window
func (d *Detector) emaSlope(closes []float64) float64 {
	series, err := indicator.CalculateEMASeries(closes, d.cfg.EMAPeriod)
	if err != nil || len(series) <= d.cfg.SlopeLookback {
		return 0
	}
	last := series[len(series)-1]
	base := series[len(series)-1-d.cfg.SlopeLookback]
	if base == 0 {
		return 0
	}
	return (last - base) / base / float64(d.cfg.SlopeLookback)
}

func (d *Detector) realizedVol(closes []float64) float64 {
	vol, err := indicator.RealizedVol(closes, d.cfg.VolWindow)
	if err != nil {
		return 0
	}
	return vol
}

// tailDrawdown computes peak-to-last drawdown over the last w closes,
// clamping the window to the available history
func tailDrawdown(closes []float64, w int) float64 {
	if w <= 0 || len(closes) == 0 {
		return 0
	}
	if w > len(closes) {
		w = len(closes)
	}
	dd, err := indicator.Drawdown(closes, w)
	if err != nil {
		return 0
	}
	return dd
}

func slopeConfidence(mag, epsilon float64) float64 {
	if epsilon <= 0 {
		return 0.5
	}
	// one epsilon above the dead zone ~0.55, saturating toward 0.95
	return clamp01(0.5 + 0.45*math.Tanh(mag/epsilon/10))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
