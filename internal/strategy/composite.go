package strategy

import (
	"errors"
	"math"

	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/pattern"
)

// ErrInsufficientSignals means fewer than three sub-strategies could be
// evaluated, leaving the composite undefined
var ErrInsufficientSignals = errors.New("fewer than 3 sub-strategies evaluable")

// Sub-strategy names, also the keys of per-regime weight tables
const (
	TrendFollowing = "trend_following"
	MeanReversion  = "mean_reversion"
	Breakout       = "breakout"
	VolumeAnalysis = "volume_analysis"
)

// minEvaluable is the floor below which the composite is undefined
const minEvaluable = 3

// rangeLookback is the rolling high/low window for the breakout sub-score
const rangeLookback = 20

// DefaultWeights returns the uniform weight table used when no adapted
// weights exist for a regime
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		TrendFollowing: 0.25,
		MeanReversion:  0.25,
		Breakout:       0.25,
		VolumeAnalysis: 0.25,
	}
}

// Composite is the blended multi-strategy verdict for one (frame, side)
type Composite struct {
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
	Bonus      float64            `json:"bonus"`
	Scores     map[string]float64 `json:"scores"`
	Weights    map[string]float64 `json:"weights"`
	Evaluated  int                `json:"evaluated"`
}

// Engine scores the four sub-strategies and blends them. Stateless; weights
// arrive per call so every tick can pin its own parameter snapshot.
type Engine struct{}

// NewEngine creates a composite engine
func NewEngine() *Engine {
	return &Engine{}
}

type subScore struct {
	name  string
	score float64
	ok    bool
}

// Evaluate blends the sub-strategies for the side under the given weights.
// Weights are re-normalized over the evaluable strategies; missing entries
// fall back to the uniform default.
func (e *Engine) Evaluate(f *pattern.Frame, side market.Side, weights map[string]float64) (*Composite, error) {
	subs := []subScore{
		e.trendFollowing(f, side),
		e.meanReversion(f, side),
		e.breakout(f, side),
		e.volumeAnalysis(f, side),
	}

	evaluated := 0
	for _, s := range subs {
		if s.ok {
			evaluated++
		}
	}
	if evaluated < minEvaluable {
		return nil, ErrInsufficientSignals
	}

	defaults := DefaultWeights()
	weightOf := func(name string) float64 {
		if w, ok := weights[name]; ok && w > 0 {
			return w
		}
		return defaults[name]
	}

	totalWeight := 0.0
	for _, s := range subs {
		if s.ok {
			totalWeight += weightOf(s.name)
		}
	}
	if totalWeight == 0 {
		return nil, ErrInsufficientSignals
	}

	scores := make(map[string]float64, evaluated)
	normWeights := make(map[string]float64, evaluated)
	score := 0.0
	entropyInput := make([]float64, 0, evaluated)
	for _, s := range subs {
		if !s.ok {
			continue
		}
		w := weightOf(s.name) / totalWeight
		scores[s.name] = s.score
		normWeights[s.name] = w
		score += w * s.score
		entropyInput = append(entropyInput, s.score)
	}

	return &Composite{
		Score:      score,
		Confidence: entropyConfidence(entropyInput),
		Bonus:      clamp((score-0.5)*5, -2.5, 2.5),
		Scores:     scores,
		Weights:    normWeights,
		Evaluated:  evaluated,
	}, nil
}

// trendFollowing scores EMA separation plus MACD histogram agreement
func (e *Engine) trendFollowing(f *pattern.Frame, side market.Side) subScore {
	if len(f.EMA9Hist) == 0 || len(f.EMA21Hist) == 0 || f.MACD == nil || f.Price <= 0 {
		return subScore{name: TrendFollowing}
	}

	gap := (f.EMA9Hist[len(f.EMA9Hist)-1] - f.EMA21Hist[len(f.EMA21Hist)-1]) / f.Price * 100
	hist := f.MACD.Histogram
	if side == market.Short {
		gap = -gap
		hist = -hist
	}

	tilt := 0.0
	if hist > 0 {
		tilt = 0.1
	} else if hist < 0 {
		tilt = -0.1
	}
	return subScore{TrendFollowing, clamp(0.5+gap*0.3+tilt, 0, 1), true}
}

// meanReversion scores band position and RSI distance from neutral, oriented
// so a stretched market scores high for the fading side
func (e *Engine) meanReversion(f *pattern.Frame, side market.Side) subScore {
	if f.Bands == nil || f.Bands.Upper == f.Bands.Lower {
		return subScore{name: MeanReversion}
	}

	b := (f.Price - f.Bands.Lower) / (f.Bands.Upper - f.Bands.Lower)
	bandScore := clamp(1-b, 0, 1)
	rsiScore := clamp((50-f.RSI)/40+0.5, 0, 1)
	if side == market.Short {
		bandScore = clamp(b, 0, 1)
		rsiScore = clamp((f.RSI-50)/40+0.5, 0, 1)
	}
	return subScore{MeanReversion, 0.5*bandScore + 0.5*rsiScore, true}
}

// breakout scores position within the rolling range plus volume expansion
func (e *Engine) breakout(f *pattern.Frame, side market.Side) subScore {
	n := len(f.Candles)
	if n < rangeLookback+1 || f.VolMean <= 0 {
		return subScore{name: Breakout}
	}

	window := f.Candles[n-1-rangeLookback : n-1]
	hi, lo := window[0].High, window[0].Low
	for _, c := range window {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
	}
	if hi == lo {
		return subScore{name: Breakout}
	}

	pos := (f.Price - lo) / (hi - lo)
	posScore := clamp(pos, 0, 1)
	if side == market.Short {
		posScore = clamp(1-pos, 0, 1)
	}
	volScore := clamp(0.5+(f.LastVolume()/f.VolMean-1)*0.5, 0, 1)
	return subScore{Breakout, 0.7*posScore + 0.3*volScore, true}
}

// volumeAnalysis scores flow direction (close position in range) amplified
// by relative volume
func (e *Engine) volumeAnalysis(f *pattern.Frame, side market.Side) subScore {
	if f.VolMean <= 0 || len(f.Candles) == 0 {
		return subScore{name: VolumeAnalysis}
	}

	last := f.Candles[len(f.Candles)-1]
	bp := 0.5
	if r := last.High - last.Low; r > 0 {
		bp = (last.Close - last.Low) / r
	}
	if side == market.Short {
		bp = 1 - bp
	}
	volScore := clamp(0.5+(last.Volume/f.VolMean-1)*0.5, 0, 1)
	return subScore{VolumeAnalysis, clamp(0.6*bp+0.4*volScore, 0, 1), true}
}

// entropyConfidence maps score dispersion to [0,1]: identical scores give 0,
// a single dominant score gives 1
func entropyConfidence(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}

	total := 0.0
	for _, s := range scores {
		total += s
	}
	if total <= 0 {
		return 0
	}

	entropy := 0.0
	for _, s := range scores {
		p := s / total
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}
	maxEntropy := math.Log(float64(len(scores)))
	if maxEntropy == 0 {
		return 0
	}
	return clamp(1-entropy/maxEntropy, 0, 1)
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
