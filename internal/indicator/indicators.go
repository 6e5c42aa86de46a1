package indicator

import (
	"math"

	"futures-signal-engine/internal/market"
)

// The kernel is pure: every function is deterministic over its inputs,
// returns market.ErrInsufficientData below its warm-up length, and never
// returns NaN or Inf (market.ErrNaN instead).

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates the Simple Moving Average of the last `period` values
func CalculateSMA(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period {
		return 0, market.ErrInsufficientData
	}

	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return finite(sum / float64(period))
}

// CalculateEMA calculates the Exponential Moving Average over the full slice,
// seeded with the SMA of the first `period` values
func CalculateEMA(values []float64, period int) (float64, error) {
	series, err := CalculateEMASeries(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// CalculateEMASeries returns the EMA at every index from period-1 onward.
// The returned slice has len(values)-period+1 entries; the last entry equals
// CalculateEMA(values, period).
func CalculateEMASeries(values []float64, period int) ([]float64, error) {
	if period <= 0 || len(values) < period {
		return nil, market.ErrInsufficientData
	}

	seed, err := CalculateSMA(values[:period], period)
	if err != nil {
		return nil, err
	}

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	ema := seed
	out = append(out, ema)
	for i := period; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
		if !isFinite(ema) {
			return nil, market.ErrNaN
		}
		out = append(out, ema)
	}
	return out, nil
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// CalculateRSI calculates the Wilder-smoothed Relative Strength Index
func CalculateRSI(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period+1 {
		return 0, market.ErrInsufficientData
	}

	avgGain := 0.0
	avgLoss := 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0, nil
		}
		return 100.0, nil
	}

	rs := avgGain / avgLoss
	return finite(100 - (100 / (1 + rs)))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds MACD indicator values
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// CalculateMACD calculates the MACD line, signal line and histogram. The
// signal line is a true EMA over the MACD series, which requires
// slow+signal-1 values of warm-up.
func CalculateMACD(values []float64, fastPeriod, slowPeriod, signalPeriod int) (*MACDResult, error) {
	if len(values) < slowPeriod+signalPeriod {
		return nil, market.ErrInsufficientData
	}

	fastSeries, err := CalculateEMASeries(values, fastPeriod)
	if err != nil {
		return nil, err
	}
	slowSeries, err := CalculateEMASeries(values, slowPeriod)
	if err != nil {
		return nil, err
	}

	// Align the two series: slowSeries[i] corresponds to
	// fastSeries[i+slowPeriod-fastPeriod].
	offset := slowPeriod - fastPeriod
	macdSeries := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdSeries[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries, err := CalculateEMASeries(macdSeries, signalPeriod)
	if err != nil {
		return nil, err
	}

	macd := macdSeries[len(macdSeries)-1]
	signal := signalSeries[len(signalSeries)-1]
	if !isFinite(macd) || !isFinite(signal) {
		return nil, market.ErrNaN
	}

	return &MACDResult{
		MACD:      macd,
		Signal:    signal,
		Histogram: macd - signal,
	}, nil
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// CalculateATR calculates the Wilder-smoothed Average True Range
func CalculateATR(candles []market.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period+1 {
		return 0, market.ErrInsufficientData
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		trs = append(trs, tr)
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)

	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return finite(atr)
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds the three band values
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// CalculateBollinger calculates Bollinger Bands over the last `period` values
// with the given standard-deviation multiplier
func CalculateBollinger(values []float64, period int, mult float64) (*BollingerResult, error) {
	if period <= 0 || len(values) < period {
		return nil, market.ErrInsufficientData
	}

	window := values[len(values)-period:]
	mean, err := CalculateSMA(window, period)
	if err != nil {
		return nil, err
	}
	std := stdDev(window, mean)
	if !isFinite(std) {
		return nil, market.ErrNaN
	}

	return &BollingerResult{
		Upper:  mean + mult*std,
		Middle: mean,
		Lower:  mean - mult*std,
	}, nil
}

// PercentB returns the position of price within the bands, 0 at the lower
// band and 1 at the upper band. Degenerate (zero-width) bands return 0.5.
func (b *BollingerResult) PercentB(price float64) float64 {
	width := b.Upper - b.Lower
	if width <= 0 {
		return 0.5
	}
	return (price - b.Lower) / width
}

// ============================================================================
// VOLUME
// ============================================================================

// VolumeStats returns the mean and population standard deviation of volume
// over the last `window` candles
func VolumeStats(candles []market.Candle, window int) (mean, std float64, err error) {
	if window <= 0 || len(candles) < window {
		return 0, 0, market.ErrInsufficientData
	}

	vols := market.Volumes(candles[len(candles)-window:])
	mean, err = CalculateSMA(vols, window)
	if err != nil {
		return 0, 0, err
	}
	std = stdDev(vols, mean)
	if !isFinite(std) {
		return 0, 0, market.ErrNaN
	}
	return mean, std, nil
}

// ============================================================================
// RETURNS & VOLATILITY
// ============================================================================

// LogReturns converts a price series into log returns, dropping one element
func LogReturns(values []float64) ([]float64, error) {
	if len(values) < 2 {
		return nil, market.ErrInsufficientData
	}

	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 || values[i] <= 0 {
			return nil, market.ErrNaN
		}
		out = append(out, math.Log(values[i]/values[i-1]))
	}
	return out, nil
}

// RealizedVol returns the standard deviation of the last `window` log
// returns, as a fraction (0.012 = 1.2%)
func RealizedVol(values []float64, window int) (float64, error) {
	returns, err := LogReturns(values)
	if err != nil {
		return 0, err
	}
	if len(returns) < window {
		return 0, market.ErrInsufficientData
	}

	tail := returns[len(returns)-window:]
	mean := 0.0
	for _, r := range tail {
		mean += r
	}
	mean /= float64(window)
	return finite(stdDev(tail, mean))
}

// ZScore returns the z-score of the last value against the mean and standard
// deviation of the preceding `window` values. A zero-variance window yields 0.
func ZScore(values []float64, window int) (float64, error) {
	if window <= 0 || len(values) < window+1 {
		return 0, market.ErrInsufficientData
	}

	sample := values[len(values)-window-1 : len(values)-1]
	mean := 0.0
	for _, v := range sample {
		mean += v
	}
	mean /= float64(window)
	std := stdDev(sample, mean)
	if std == 0 {
		return 0, nil
	}
	return finite((values[len(values)-1] - mean) / std)
}

// Drawdown returns the fractional drop of the last value from the maximum of
// the last `window` values
func Drawdown(values []float64, window int) (float64, error) {
	if window <= 0 || len(values) < window {
		return 0, market.ErrInsufficientData
	}

	tail := values[len(values)-window:]
	max := tail[0]
	for _, v := range tail {
		if v > max {
			max = v
		}
	}
	if max <= 0 {
		return 0, market.ErrNaN
	}
	return finite((max - tail[len(tail)-1]) / max)
}

// ============================================================================
// CORRELATION
// ============================================================================

// Pearson computes the Pearson correlation coefficient of two equal-length
// series. A zero-variance series yields 0.
func Pearson(x, y []float64) (float64, error) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, market.ErrInsufficientData
	}

	n := float64(len(x))
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}

	numerator := n*sumXY - sumX*sumY
	denominator := math.Sqrt(n*sumX2-sumX*sumX) * math.Sqrt(n*sumY2-sumY*sumY)
	if denominator == 0 {
		return 0, nil
	}
	return finite(numerator / denominator)
}

// ============================================================================
// HELPERS
// ============================================================================

func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finite(v float64) (float64, error) {
	if !isFinite(v) {
		return 0, market.ErrNaN
	}
	return v, nil
}
