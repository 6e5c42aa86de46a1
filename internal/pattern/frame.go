package pattern

import (
	"time"

	"futures-signal-engine/internal/indicator"
	"futures-signal-engine/internal/market"
)

// frame history depth kept per EMA series, enough for cross-within-k checks
const emaHistLen = 5

// minFrameCandles covers the slowest input (MACD warm-up) with headroom
const minFrameCandles = 60

// Frame bundles the indicator state every detector reads, computed once per
// (symbol, candle) so the detectors stay cheap and pure
type Frame struct {
	Symbol  string
	Candles []market.Candle
	Closes  []float64
	Price   float64

	EMA5Hist  []float64
	EMA9Hist  []float64
	EMA13Hist []float64
	EMA21Hist []float64

	RSI   float64
	MACD  *indicator.MACDResult
	Bands *indicator.BollingerResult

	ATR           float64
	VolatilityPct float64
	VolMean       float64

	CandleT time.Time
}

// NewFrame computes the shared indicator frame from candle history
func NewFrame(symbol string, candles []market.Candle) (*Frame, error) {
	if len(candles) < minFrameCandles {
		return nil, market.ErrInsufficientData
	}

	closes := market.Closes(candles)
	last := candles[len(candles)-1]

	f := &Frame{
		Symbol:  symbol,
		Candles: candles,
		Closes:  closes,
		Price:   last.Close,
		CandleT: last.OpenTime,
	}

	for _, p := range []struct {
		period int
		dst    *[]float64
	}{
		{5, &f.EMA5Hist},
		{9, &f.EMA9Hist},
		{13, &f.EMA13Hist},
		{21, &f.EMA21Hist},
	} {
		series, err := indicator.CalculateEMASeries(closes, p.period)
		if err != nil {
			return nil, err
		}
		*p.dst = tail(series, emaHistLen)
	}

	rsi, err := indicator.CalculateRSI(closes, 14)
	if err != nil {
		return nil, err
	}
	f.RSI = rsi

	macd, err := indicator.CalculateMACD(closes, 12, 26, 9)
	if err != nil {
		return nil, err
	}
	f.MACD = macd

	bands, err := indicator.CalculateBollinger(closes, 20, 2.0)
	if err != nil {
		return nil, err
	}
	f.Bands = bands

	atr, err := indicator.CalculateATR(candles, 14)
	if err != nil {
		return nil, err
	}
	f.ATR = atr

	vol, err := indicator.RealizedVol(closes, 24)
	if err != nil {
		return nil, err
	}
	f.VolatilityPct = vol * 100

	// volume baseline excludes the candle under evaluation so expansion on
	// the breakout candle itself is measured against prior activity
	volMean, _, err := indicator.VolumeStats(candles[:len(candles)-1], 20)
	if err != nil {
		return nil, err
	}
	f.VolMean = volMean

	return f, nil
}

// LastVolume returns the volume of the candle under evaluation
func (f *Frame) LastVolume() float64 {
	return f.Candles[len(f.Candles)-1].Volume
}

func tail(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}

func lastOf(xs []float64) float64 {
	return xs[len(xs)-1]
}

// crossedUp reports a fast/slow cross on the final step
func crossedUp(fast, slow []float64) bool {
	n := len(fast)
	if n < 2 || len(slow) != n {
		return false
	}
	return fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]
}

func crossedDown(fast, slow []float64) bool {
	n := len(fast)
	if n < 2 || len(slow) != n {
		return false
	}
	return fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]
}

// crossedUpWithin reports a cross on any of the last k steps
func crossedUpWithin(fast, slow []float64, k int) bool {
	n := len(fast)
	if len(slow) != n {
		return false
	}
	for i := 0; i < k && n-1-i >= 1; i++ {
		hi := n - i
		if crossedUp(fast[:hi], slow[:hi]) {
			return true
		}
	}
	return false
}

func crossedDownWithin(fast, slow []float64, k int) bool {
	n := len(fast)
	if len(slow) != n {
		return false
	}
	for i := 0; i < k && n-1-i >= 1; i++ {
		hi := n - i
		if crossedDown(fast[:hi], slow[:hi]) {
			return true
		}
	}
	return false
}
