package pattern

import (
	"time"

	"futures-signal-engine/internal/market"
)

// ============================================================================
// DETECTORS - fixed family, tried in registry order
// ============================================================================

func newCandidate(f *Frame, pt PatternType, side market.Side, score, confidence float64) *Candidate {
	return &Candidate{
		Symbol:            f.Symbol,
		Side:              side,
		Entry:             f.Price,
		PatternType:       pt,
		RawScore:          clamp(score, 0, 100),
		PatternConfidence: clamp(confidence, 0, 1),
		ATR:               f.ATR,
		VolatilityPct:     f.VolatilityPct,
		CandleT:           f.CandleT,
		GeneratedAt:       time.Now(),
	}
}

// emaGapPct is the fast/slow EMA separation in percent of price, oriented so
// a positive value always favors the given side
func emaGapPct(f *Frame, fast, slow []float64, side market.Side) float64 {
	if f.Price == 0 {
		return 0
	}
	gap := (lastOf(fast) - lastOf(slow)) / f.Price * 100
	if side == market.Short {
		gap = -gap
	}
	return gap
}

// emaCrossClassic fires on an EMA9/EMA21 cross at the evaluation candle,
// filtered by an RSI band that rejects exhausted moves
type emaCrossClassic struct{}

func (emaCrossClassic) Type() PatternType { return EMACrossClassic }

func (emaCrossClassic) Detect(f *Frame) *Candidate {
	if crossedUp(f.EMA9Hist, f.EMA21Hist) && f.RSI >= 45 && f.RSI <= 75 {
		g := emaGapPct(f, f.EMA9Hist, f.EMA21Hist, market.Long)
		score := 55 + g*40 + (f.RSI-50)*0.3
		return newCandidate(f, EMACrossClassic, market.Long, score, 0.55+g*0.5)
	}
	if crossedDown(f.EMA9Hist, f.EMA21Hist) && f.RSI >= 25 && f.RSI <= 55 {
		g := emaGapPct(f, f.EMA9Hist, f.EMA21Hist, market.Short)
		score := 55 + g*40 + (50-f.RSI)*0.3
		return newCandidate(f, EMACrossClassic, market.Short, score, 0.55+g*0.5)
	}
	return nil
}

// emaCrossFast fires on the quicker EMA5/EMA13 cross with only a one-sided
// RSI guard, trading earlier entries for more noise
type emaCrossFast struct{}

func (emaCrossFast) Type() PatternType { return EMACrossFast }

func (emaCrossFast) Detect(f *Frame) *Candidate {
	if crossedUp(f.EMA5Hist, f.EMA13Hist) && f.RSI > 40 {
		g := emaGapPct(f, f.EMA5Hist, f.EMA13Hist, market.Long)
		return newCandidate(f, EMACrossFast, market.Long, 50+g*40, 0.5+g*0.5)
	}
	if crossedDown(f.EMA5Hist, f.EMA13Hist) && f.RSI < 60 {
		g := emaGapPct(f, f.EMA5Hist, f.EMA13Hist, market.Short)
		return newCandidate(f, EMACrossFast, market.Short, 50+g*40, 0.5+g*0.5)
	}
	return nil
}

// emaCrossConfluence accepts an EMA9/EMA21 cross up to three candles old
// when the MACD histogram confirms the direction
type emaCrossConfluence struct{}

func (emaCrossConfluence) Type() PatternType { return EMACrossConfluence }

func (emaCrossConfluence) Detect(f *Frame) *Candidate {
	if f.MACD == nil {
		return nil
	}
	histBps := 0.0
	if f.Price > 0 {
		histBps = f.MACD.Histogram / f.Price * 10000
	}
	if crossedUpWithin(f.EMA9Hist, f.EMA21Hist, 3) && f.MACD.Histogram > 0 {
		g := emaGapPct(f, f.EMA9Hist, f.EMA21Hist, market.Long)
		conf := 0.65
		if f.RSI > 50 {
			conf += 0.1
		}
		return newCandidate(f, EMACrossConfluence, market.Long, 60+g*40+clamp(histBps, 0, 10), conf)
	}
	if crossedDownWithin(f.EMA9Hist, f.EMA21Hist, 3) && f.MACD.Histogram < 0 {
		g := emaGapPct(f, f.EMA9Hist, f.EMA21Hist, market.Short)
		conf := 0.65
		if f.RSI < 50 {
			conf += 0.1
		}
		return newCandidate(f, EMACrossConfluence, market.Short, 60+g*40+clamp(-histBps, 0, 10), conf)
	}
	return nil
}

// breakoutLookback is the rolling high/low window, excluding the evaluation
// candle itself
const breakoutLookback = 20

// breakoutDetector fires when the close escapes the rolling range on
// expanding volume
type breakoutDetector struct{}

func (breakoutDetector) Type() PatternType { return Breakout }

func (breakoutDetector) Detect(f *Frame) *Candidate {
	n := len(f.Candles)
	if n < breakoutLookback+1 || f.VolMean <= 0 {
		return nil
	}
	window := f.Candles[n-1-breakoutLookback : n-1]

	priorHigh := window[0].High
	priorLow := window[0].Low
	for _, c := range window {
		if c.High > priorHigh {
			priorHigh = c.High
		}
		if c.Low < priorLow {
			priorLow = c.Low
		}
	}

	volRatio := f.LastVolume() / f.VolMean
	if volRatio <= 1.5 {
		return nil
	}
	volBonus := clamp((volRatio-1.5)*4, 0, 10)

	if f.Price > priorHigh && priorHigh > 0 {
		margin := (f.Price - priorHigh) / priorHigh * 100
		return newCandidate(f, Breakout, market.Long, 58+margin*20+volBonus, 0.6+margin*0.1)
	}
	if f.Price < priorLow && priorLow > 0 {
		margin := (priorLow - f.Price) / priorLow * 100
		return newCandidate(f, Breakout, market.Short, 58+margin*20+volBonus, 0.6+margin*0.1)
	}
	return nil
}

// meanRevertDetector fades Bollinger band tags confirmed by an RSI extreme
type meanRevertDetector struct{}

func (meanRevertDetector) Type() PatternType { return MeanRevert }

func (meanRevertDetector) Detect(f *Frame) *Candidate {
	if f.Bands == nil || f.Price <= 0 {
		return nil
	}
	if f.Price <= f.Bands.Lower && f.RSI < 30 {
		pen := (f.Bands.Lower - f.Price) / f.Price * 100
		score := 52 + (30-f.RSI)*0.8 + clamp(pen*20, 0, 10)
		return newCandidate(f, MeanRevert, market.Long, score, 0.55+(30-f.RSI)*0.01)
	}
	if f.Price >= f.Bands.Upper && f.RSI > 70 {
		pen := (f.Price - f.Bands.Upper) / f.Price * 100
		score := 52 + (f.RSI-70)*0.8 + clamp(pen*20, 0, 10)
		return newCandidate(f, MeanRevert, market.Short, score, 0.55+(f.RSI-70)*0.01)
	}
	return nil
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
