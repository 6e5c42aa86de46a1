package gates

import (
	"context"
	"math"
	"time"

	"futures-signal-engine/internal/indicator"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/pattern"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
)

// ============================================================================
// GATE 1: VALIDATION
// ============================================================================

type validationGate struct{ cfg Config }

func (g validationGate) Name() string { return StageValidation }

func (g validationGate) Evaluate(_ context.Context, c *Context) Result {
	metrics := map[string]float64{"history": float64(len(c.Frame.Candles))}
	if len(c.Frame.Candles) < g.cfg.MinHistory {
		return block(ReasonInsufficientHistory, metrics)
	}

	last := c.Frame.Candles[len(c.Frame.Candles)-1]
	age := c.now().Sub(last.OpenTime)
	metrics["age_sec"] = age.Seconds()
	if age > 2*c.Interval.Duration() {
		return block(ReasonStaleData, metrics)
	}

	for _, v := range []float64{last.Open, last.High, last.Low, last.Close, last.Volume, c.Candidate.Entry, c.Candidate.ATR} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return block(ReasonNaNCandle, metrics)
		}
	}
	return pass(metrics)
}

// ============================================================================
// GATE 2: AI SCORE
// ============================================================================

type aiScoreGate struct{ cfg Config }

func (g aiScoreGate) Name() string { return StageAIScore }

func (g aiScoreGate) Evaluate(_ context.Context, c *Context) Result {
	effective := g.cfg.ThresholdSoft * c.ThresholdMult
	metrics := map[string]float64{
		"raw_score":           c.RawScore,
		"threshold_mult":      c.ThresholdMult,
		"threshold_effective": effective,
	}
	if c.RawScore < effective {
		return block(ReasonScoreBelowThreshold, metrics)
	}
	return pass(metrics)
}

// ============================================================================
// GATE 3: ANOMALY FILTER
// ============================================================================

type anomalyGate struct{ cfg Config }

func (g anomalyGate) Name() string { return StageAnomalyFilter }

func (g anomalyGate) Evaluate(_ context.Context, c *Context) Result {
	metrics := map[string]float64{}

	returns := pctReturns(c.Frame.Closes)
	if z, err := indicator.ZScore(returns, g.cfg.ZScoreWindow); err == nil {
		metrics["return_zscore"] = z
		if math.Abs(z) >= g.cfg.MaxReturnZScore {
			return block(ReasonReturnZScoreExtreme, metrics)
		}
	}

	last := c.Frame.Candles[len(c.Frame.Candles)-1]
	upper := last.High - math.Max(last.Open, last.Close)
	lower := math.Min(last.Open, last.Close) - last.Low
	wick := math.Max(upper, lower)
	metrics["max_wick"] = wick
	if c.Candidate.ATR > 0 && wick > g.cfg.MaxWickATRMult*c.Candidate.ATR {
		return block(ReasonWickExceedsATR, metrics)
	}
	return pass(metrics)
}

func pctReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1]*100)
	}
	return out
}

// ============================================================================
// GATE 4: VOLUME
// ============================================================================

type volumeGate struct{ cfg Config }

func (g volumeGate) Name() string { return StageVolume }

func (g volumeGate) Evaluate(_ context.Context, c *Context) Result {
	candles := c.Frame.Candles
	window := 24
	if len(candles) < window {
		window = len(candles)
	}
	var usd float64
	for _, k := range candles[len(candles)-window:] {
		usd += k.Close * k.Volume
	}

	metrics := map[string]float64{"volume_usd_24h": usd}
	if usd < g.cfg.MinVolumeUSD24h || usd > g.cfg.MaxVolumeUSD24h {
		return block(ReasonVolumeOutOfRange, metrics)
	}

	if c.Frame.VolMean > 0 {
		ratio := c.Frame.LastVolume() / c.Frame.VolMean
		metrics["volume_ratio"] = ratio
		if ratio <= g.cfg.RecentVolumeFactor {
			return block(ReasonVolumeBelowMean, metrics)
		}
	}
	return pass(metrics)
}

// ============================================================================
// GATE 5: VOLATILITY
// ============================================================================

type volatilityGate struct{ cfg Config }

func (g volatilityGate) Name() string { return StageVolatility }

func (g volatilityGate) Evaluate(_ context.Context, c *Context) Result {
	vol := c.Candidate.VolatilityPct
	metrics := map[string]float64{"volatility_pct": vol}
	if vol < g.cfg.MinVolatilityPct || vol > g.cfg.MaxVolatilityPct {
		return block(ReasonVolatilityOutOfRange, metrics)
	}
	return pass(metrics)
}

// ============================================================================
// GATE 6: EMA PATTERN
// ============================================================================

// emaPatternGate re-checks the structural preconditions of the detected
// pattern on the latest data. A pattern that fired on the previous candle can
// already be invalid by the time the candidate reaches the pipeline.
type emaPatternGate struct{ cfg Config }

func (g emaPatternGate) Name() string { return StageEMAPattern }

func (g emaPatternGate) Evaluate(_ context.Context, c *Context) Result {
	f := c.Frame
	side := c.Candidate.Side
	ema5 := lastHist(f.EMA5Hist)
	ema9 := lastHist(f.EMA9Hist)
	ema13 := lastHist(f.EMA13Hist)
	ema21 := lastHist(f.EMA21Hist)
	metrics := map[string]float64{"ema9": ema9, "ema21": ema21, "rsi": f.RSI}

	ok := true
	switch c.Candidate.PatternType {
	case pattern.EMACrossClassic, pattern.EMACrossConfluence:
		if side == market.Long {
			ok = ema9 > ema21 && f.RSI < 80
		} else {
			ok = ema9 < ema21 && f.RSI > 20
		}
	case pattern.EMACrossFast:
		if side == market.Long {
			ok = ema5 > ema13
		} else {
			ok = ema5 < ema13
		}
	case pattern.Breakout:
		if f.MACD == nil {
			ok = false
		} else if side == market.Long {
			ok = f.MACD.Histogram > 0
		} else {
			ok = f.MACD.Histogram < 0
		}
	case pattern.MeanRevert:
		if side == market.Long {
			ok = f.RSI < 40
		} else {
			ok = f.RSI > 60
		}
	}
	if !ok {
		return block(ReasonPatternPrecondition, metrics)
	}
	return pass(metrics)
}

func lastHist(hist []float64) float64 {
	if len(hist) == 0 {
		return 0
	}
	return hist[len(hist)-1]
}

// ============================================================================
// GATE 7: BTC FILTER
// ============================================================================

// btcFilterGate vetoes candidates that fight the market-wide regime. A very
// confident composite read overrides the veto.
type btcFilterGate struct{ cfg Config }

func (g btcFilterGate) Name() string { return StageBTCFilter }

func (g btcFilterGate) Evaluate(_ context.Context, c *Context) Result {
	metrics := map[string]float64{"regime_confidence": c.Regime.Confidence}
	if c.Composite != nil {
		metrics["composite_confidence"] = c.Composite.Confidence
	}

	conf := 0.0
	if c.Composite != nil {
		conf = c.Composite.Confidence
	}
	if conf > g.cfg.BTCOverrideConfidence {
		return pass(metrics)
	}

	r := c.Regime.Regime
	side := c.Candidate.Side
	if side == market.Long && (r == regime.Crash || r == regime.BearTrend) {
		return block(ReasonBTCSideMismatch, metrics)
	}
	if side == market.Short && r == regime.BullTrend {
		return block(ReasonBTCSideMismatch, metrics)
	}
	return pass(metrics)
}

// ============================================================================
// GATE 8: DIRECTION CHECK
// ============================================================================

// directionGate demands broad indicator agreement: EMA alignment, RSI side,
// MACD side, and price versus the slow EMA each cast one vote.
type directionGate struct{ cfg Config }

func (g directionGate) Name() string { return StageDirectionCheck }

func (g directionGate) Evaluate(_ context.Context, c *Context) Result {
	f := c.Frame
	long := c.Candidate.Side == market.Long
	ema9 := lastHist(f.EMA9Hist)
	ema21 := lastHist(f.EMA21Hist)

	votes := 0
	if (long && ema9 > ema21) || (!long && ema9 < ema21) {
		votes++
	}
	if (long && f.RSI > 50) || (!long && f.RSI < 50) {
		votes++
	}
	if f.MACD != nil && ((long && f.MACD.Histogram > 0) || (!long && f.MACD.Histogram < 0)) {
		votes++
	}
	if (long && f.Price > ema21) || (!long && f.Price < ema21) {
		votes++
	}

	metrics := map[string]float64{"votes": float64(votes)}
	if votes < g.cfg.DirectionMinVotes {
		return block(ReasonFewCorroborations, metrics)
	}
	return pass(metrics)
}

// ============================================================================
// GATE 9: QUALITY SCORE
// ============================================================================

// qualityGate folds pattern confidence, band positioning, data health and
// volume participation into a 0-100 score and floors it.
type qualityGate struct{ cfg Config }

func (g qualityGate) Name() string { return StageQualityScore }

func (g qualityGate) Evaluate(_ context.Context, c *Context) Result {
	f := c.Frame

	patternPart := clamp01(c.Candidate.PatternConfidence) * 40

	room := 0.5
	if f.Bands != nil && f.Bands.Upper > f.Bands.Lower {
		width := f.Bands.Upper - f.Bands.Lower
		if c.Candidate.Side == market.Long {
			room = clamp01((f.Bands.Upper - f.Price) / width)
		} else {
			room = clamp01((f.Price - f.Bands.Lower) / width)
		}
	}
	roomPart := room * 20

	health := 1.0 - 0.25*float64(c.GapCount)
	if health < 0 {
		health = 0
	}
	healthPart := health * 20

	volQuality := 0.5
	if f.VolMean > 0 {
		volQuality = clamp01(f.LastVolume() / f.VolMean / 2)
	}
	volPart := volQuality * 20

	score := patternPart + roomPart + healthPart + volPart
	metrics := map[string]float64{
		"quality_score": score,
		"room":          room,
	}

	if c.Composite != nil {
		metrics["composite_confidence"] = c.Composite.Confidence
		if c.Composite.Confidence < g.cfg.MinCompositeConfidence {
			return block(ReasonLowCompositeConf, metrics)
		}
	}
	if score < g.cfg.QualityMin {
		return block(ReasonQualityBelowMin, metrics)
	}
	c.QualityScore = score
	return pass(metrics)
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

// ============================================================================
// GATE 10: MULTI-TIMEFRAME CONFIRMATION
// ============================================================================

// mtfGate checks that the higher-timeframe EMA trend does not plainly
// contradict the candidate. Missing confirmation data passes: the gate blocks
// on disagreement, never on absence.
type mtfGate struct{ cfg Config }

func (g mtfGate) Name() string { return StageMTFConfirmation }

func (g mtfGate) Evaluate(_ context.Context, c *Context) Result {
	metrics := map[string]float64{"mtf_available": 0}
	if len(c.ConfirmCandles) == 0 {
		return pass(metrics)
	}

	series, err := indicator.CalculateEMASeries(market.Closes(c.ConfirmCandles), 21)
	if err != nil || len(series) <= g.cfg.MTFSlopeLookback {
		return pass(metrics)
	}

	slope := series[len(series)-1] - series[len(series)-1-g.cfg.MTFSlopeLookback]
	metrics["mtf_available"] = 1
	metrics["mtf_slope"] = slope

	long := c.Candidate.Side == market.Long
	if (long && slope < 0) || (!long && slope > 0) {
		return block(ReasonMTFDisagreement, metrics)
	}
	return pass(metrics)
}

// ============================================================================
// GATE 11: CORRELATION RISK
// ============================================================================

type correlationGate struct {
	cfg     Config
	checker RiskChecker
}

func (g correlationGate) Name() string { return StageCorrelationRisk }

func (g correlationGate) Evaluate(ctx context.Context, c *Context) Result {
	if g.checker == nil {
		return pass(nil)
	}
	verdict := g.checker.Check(ctx, c.UserID, c.Symbol, c.Candidate.Side, c.Frame.Closes)
	metrics := map[string]float64{
		"max_correlation": verdict.MaxCorrelation,
		"penalty":         verdict.Penalty,
	}
	switch verdict.Decision {
	case ports.RiskBlock:
		return block(verdict.Reason, metrics)
	case ports.RiskAllowWithPenalty:
		c.CorrelationPenalty = verdict.Penalty
	}
	return pass(metrics)
}

// ============================================================================
// GATE 12: DUPLICATE SIGNAL
// ============================================================================

type duplicateGate struct {
	cfg     Config
	checker RiskChecker
}

func (g duplicateGate) Name() string { return StageDuplicateSignal }

func (g duplicateGate) Evaluate(_ context.Context, c *Context) Result {
	if g.checker == nil {
		return pass(nil)
	}
	window := c.Interval.Duration()
	if g.cfg.DuplicateWindowMin > 0 {
		window = time.Duration(g.cfg.DuplicateWindowMin) * time.Minute
	}
	if g.checker.DuplicateWithin(c.UserID, c.Symbol, c.Candidate.Side, window) {
		return block(ReasonDuplicateSignal, map[string]float64{"window_sec": window.Seconds()})
	}
	return pass(nil)
}
