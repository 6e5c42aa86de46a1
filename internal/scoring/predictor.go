package scoring

import (
	"math"
	"sync"
	"time"

	"futures-signal-engine/internal/indicator"
	"futures-signal-engine/internal/market"
)

// ============================================================================
// LOCAL SCORE PREDICTOR - heuristic feature blend, no external model
// ============================================================================

// Features holds the extracted inputs for one scoring pass
type Features struct {
	Returns          []float64
	Volatility       float64
	PriceVelocity    float64
	PriceAccel       float64
	RSI              float64
	MACDHistogram    float64
	BollingerPos     float64
	VolumeRatio      float64
	BuyPressure      float64
	VolumeAccel      float64
	TrendStrength    float64
	TrendConsistency float64
}

// Prediction is the directional score for one symbol at one candle.
// Signal is in [-1, 1]; Score maps it to a 0-100 bullishness scale.
type Prediction struct {
	Symbol      string             `json:"symbol"`
	Signal      float64            `json:"signal"`
	Score       float64            `json:"score"`
	Direction   string             `json:"direction"`
	Confidence  float64            `json:"confidence"`
	Signals     map[string]float64 `json:"signals"`
	CandleT     time.Time          `json:"candle_t"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// DirectionalScore maps the prediction onto the side under evaluation:
// a bullish signal scores high for LONG and low for SHORT.
func (p *Prediction) DirectionalScore(side market.Side) float64 {
	aligned := p.Signal
	if side == market.Short {
		aligned = -aligned
	}
	return clamp(50*(1+aligned), 0, 100)
}

// Config holds the signal blend weights
type Config struct {
	MomentumWeight      float64 `json:"momentum_weight"`
	MeanReversionWeight float64 `json:"mean_reversion_weight"`
	VolumeWeight        float64 `json:"volume_weight"`
	TrendWeight         float64 `json:"trend_weight"`
	MinCandles          int     `json:"min_candles"`
}

// DefaultConfig returns the standard blend weights
func DefaultConfig() Config {
	return Config{
		MomentumWeight:      0.30,
		MeanReversionWeight: 0.20,
		VolumeWeight:        0.25,
		TrendWeight:         0.25,
		MinCandles:          60,
	}
}

// Predictor scores symbols from candle history. Predictions are cached per
// symbol and reused while the newest candle is unchanged.
type Predictor struct {
	cfg     Config
	cacheMu sync.RWMutex
	cache   map[string]*Prediction
}

// NewPredictor creates a predictor with the given blend weights
func NewPredictor(cfg Config) *Predictor {
	if cfg.MinCandles == 0 {
		cfg = DefaultConfig()
	}
	return &Predictor{
		cfg:   cfg,
		cache: make(map[string]*Prediction),
	}
}

// Score produces the directional prediction for the symbol from its candle
// history. Returns market.ErrInsufficientData when history is too short for
// the slowest feature.
func (p *Predictor) Score(symbol string, candles []market.Candle) (*Prediction, error) {
	if len(candles) < p.cfg.MinCandles {
		return nil, market.ErrInsufficientData
	}

	candleT := candles[len(candles)-1].OpenTime
	p.cacheMu.RLock()
	cached, ok := p.cache[symbol]
	p.cacheMu.RUnlock()
	if ok && cached.CandleT.Equal(candleT) {
		return cached, nil
	}

	features, err := p.extractFeatures(candles)
	if err != nil {
		return nil, err
	}

	signals := map[string]float64{
		"momentum":       p.momentumSignal(features),
		"mean_reversion": p.meanReversionSignal(features),
		"volume":         p.volumeSignal(features),
		"trend":          p.trendSignal(features),
	}

	combined := signals["momentum"]*p.cfg.MomentumWeight +
		signals["mean_reversion"]*p.cfg.MeanReversionWeight +
		signals["volume"]*p.cfg.VolumeWeight +
		signals["trend"]*p.cfg.TrendWeight
	combined = clamp(combined, -1, 1)

	direction := "sideways"
	if combined > 0.1 {
		direction = "up"
	} else if combined < -0.1 {
		direction = "down"
	}

	pred := &Prediction{
		Symbol:      symbol,
		Signal:      combined,
		Score:       clamp(50*(1+combined), 0, 100),
		Direction:   direction,
		Confidence:  p.confidence(signals),
		Signals:     signals,
		CandleT:     candleT,
		GeneratedAt: time.Now(),
	}

	p.cacheMu.Lock()
	p.cache[symbol] = pred
	p.cacheMu.Unlock()

	return pred, nil
}

// extractFeatures computes the feature set from candle history
func (p *Predictor) extractFeatures(candles []market.Candle) (*Features, error) {
	closes := market.Closes(candles)
	f := &Features{}

	// percentage returns
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			return nil, market.ErrNaN
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1]*100)
	}
	f.Returns = returns
	f.Volatility = sampleStd(returns)

	// velocity: mean of last 5 returns; acceleration: change in velocity
	if len(returns) >= 5 {
		f.PriceVelocity = meanTail(returns, 5)
	}
	if len(returns) >= 10 {
		prev := meanTail(returns[:len(returns)-5], 5)
		f.PriceAccel = f.PriceVelocity - prev
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
	f.MACDHistogram = macd.Histogram

	bb, err := indicator.CalculateBollinger(closes, 20, 2.0)
	if err != nil {
		return nil, err
	}
	last := candles[len(candles)-1]
	if bb.Upper != bb.Middle {
		// -1 at lower band, +1 at upper band
		f.BollingerPos = (last.Close - bb.Middle) / (bb.Upper - bb.Middle)
	}

	volMean, _, err := indicator.VolumeStats(candles, 20)
	if err != nil {
		return nil, err
	}
	if volMean > 0 {
		f.VolumeRatio = last.Volume / volMean
	}

	candleRange := last.High - last.Low
	if candleRange > 0 {
		f.BuyPressure = (last.Close - last.Low) / candleRange
	} else {
		f.BuyPressure = 0.5
	}

	if len(candles) >= 10 {
		recent := sumVolume(candles[len(candles)-5:])
		prev := sumVolume(candles[len(candles)-10 : len(candles)-5])
		if prev > 0 {
			f.VolumeAccel = (recent - prev) / prev
		}
	}

	ema20, err := indicator.CalculateEMA(closes, 20)
	if err != nil {
		return nil, err
	}
	ema50, err := indicator.CalculateEMA(closes, 50)
	if err != nil {
		return nil, err
	}
	if ema50 > 0 {
		f.TrendStrength = (ema20 - ema50) / ema50 * 100
	}

	// net bullish candles over the last 10, in [-1, 1]
	bullish, bearish := 0, 0
	for _, c := range candles[len(candles)-10:] {
		switch {
		case c.Close > c.Open:
			bullish++
		case c.Close < c.Open:
			bearish++
		}
	}
	f.TrendConsistency = float64(bullish-bearish) / 10

	return f, nil
}

func (p *Predictor) momentumSignal(f *Features) float64 {
	signal := clamp(f.PriceVelocity/0.5, -1, 1) * 0.4
	signal += clamp(f.PriceAccel/0.2, -1, 1) * 0.3
	signal += clamp(f.MACDHistogram/0.01, -1, 1) * 0.3
	return clamp(signal, -1, 1)
}

func (p *Predictor) meanReversionSignal(f *Features) float64 {
	signal := 0.0
	if f.RSI > 70 {
		signal -= (f.RSI - 70) / 30
	} else if f.RSI < 30 {
		signal += (30 - f.RSI) / 30
	}
	if f.BollingerPos > 1 {
		signal -= (f.BollingerPos - 1) * 0.5
	} else if f.BollingerPos < -1 {
		signal += (-1 - f.BollingerPos) * 0.5
	}
	return clamp(signal, -1, 1)
}

func (p *Predictor) volumeSignal(f *Features) float64 {
	signal := 0.0
	if f.VolumeRatio > 1.5 {
		// expansion confirms whichever side is absorbing the flow
		signal += (f.BuyPressure - 0.5) * (f.VolumeRatio - 1) * 0.5
	}
	signal += clamp(f.VolumeAccel*0.5, -0.5, 0.5)
	return clamp(signal, -1, 1)
}

func (p *Predictor) trendSignal(f *Features) float64 {
	signal := clamp(f.TrendStrength/2, -1, 1) * 0.6
	signal += f.TrendConsistency * 0.4
	return clamp(signal, -1, 1)
}

// confidence blends directional agreement across sub-signals with their
// average magnitude
func (p *Predictor) confidence(signals map[string]float64) float64 {
	positive, negative := 0, 0
	strength := 0.0
	for _, s := range signals {
		if s > 0.1 {
			positive++
		} else if s < -0.1 {
			negative++
		}
		strength += math.Abs(s)
	}

	total := len(signals)
	agree := positive
	if negative > agree {
		agree = negative
	}
	base := float64(agree) / float64(total)
	if agree == total {
		base = 0.9
	}
	strength /= float64(total)

	return clamp(base*0.6+strength*0.4, 0, 1)
}

func meanTail(values []float64, n int) float64 {
	tail := values[len(values)-n:]
	sum := 0.0
	for _, v := range tail {
		sum += v
	}
	return sum / float64(n)
}

func sumVolume(candles []market.Candle) float64 {
	sum := 0.0
	for _, c := range candles {
		sum += c.Volume
	}
	return sum
}

func sampleStd(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
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
