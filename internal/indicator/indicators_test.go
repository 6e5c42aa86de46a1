package indicator

import (
	"math"
	"testing"
	"time"

	"futures-signal-engine/internal/market"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func rampCandles(n int, start, step, rangeSize float64) []market.Candle {
	t0 := time.Now().Add(-time.Duration(n) * time.Hour)
	out := make([]market.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		out[i] = market.Candle{
			OpenTime:  t0.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + rangeSize/2,
			Low:       price - rangeSize/2,
			Close:     price + step,
			Volume:    1000,
			CloseTime: t0.Add(time.Duration(i+1) * time.Hour),
		}
		price += step
	}
	return out
}

func TestCalculateSMA(t *testing.T) {
	sma, err := CalculateSMA([]float64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(sma, 4.0, 1e-9) {
		t.Errorf("expected SMA 4.0, got %f", sma)
	}

	if _, err := CalculateSMA([]float64{1, 2}, 3); err != market.ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCalculateEMA(t *testing.T) {
	// Seed SMA([1,2,3]) = 2, multiplier 0.5: 4 -> 3, 5 -> 4.
	ema, err := CalculateEMA([]float64{1, 2, 3, 4, 5}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(ema, 4.0, 1e-9) {
		t.Errorf("expected EMA 4.0, got %f", ema)
	}

	// Constant series stays constant.
	flat := make([]float64, 50)
	for i := range flat {
		flat[i] = 42
	}
	ema, _ = CalculateEMA(flat, 20)
	if !almostEqual(ema, 42, 1e-9) {
		t.Errorf("expected flat EMA 42, got %f", ema)
	}
}

func TestCalculateEMASeriesLength(t *testing.T) {
	series, err := CalculateEMASeries([]float64{1, 2, 3, 4, 5, 6}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != 4 {
		t.Errorf("expected series of 4, got %d", len(series))
	}
	last, _ := CalculateEMA([]float64{1, 2, 3, 4, 5, 6}, 3)
	if !almostEqual(series[len(series)-1], last, 1e-12) {
		t.Errorf("series tail %f != EMA %f", series[len(series)-1], last)
	}
}

func TestCalculateRSI(t *testing.T) {
	up := make([]float64, 30)
	down := make([]float64, 30)
	flat := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
		down[i] = 100 - float64(i)
		flat[i] = 100
	}

	rsi, err := CalculateRSI(up, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rsi != 100 {
		t.Errorf("monotone rise should give RSI 100, got %f", rsi)
	}

	rsi, _ = CalculateRSI(down, 14)
	if rsi != 0 {
		t.Errorf("monotone fall should give RSI 0, got %f", rsi)
	}

	rsi, _ = CalculateRSI(flat, 14)
	if rsi != 50 {
		t.Errorf("flat series should give neutral RSI 50, got %f", rsi)
	}

	if _, err := CalculateRSI(up[:10], 14); err != market.ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCalculateMACD(t *testing.T) {
	flat := make([]float64, 60)
	for i := range flat {
		flat[i] = 500
	}
	res, err := CalculateMACD(flat, 12, 26, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(res.MACD, 0, 1e-9) || !almostEqual(res.Signal, 0, 1e-9) || !almostEqual(res.Histogram, 0, 1e-9) {
		t.Errorf("flat series should give zero MACD, got %+v", res)
	}

	up := make([]float64, 60)
	for i := range up {
		up[i] = 100 + 2*float64(i)
	}
	res, err = CalculateMACD(up, 12, 26, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MACD <= 0 {
		t.Errorf("uptrend should give positive MACD, got %f", res.MACD)
	}

	if _, err := CalculateMACD(up[:30], 12, 26, 9); err != market.ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCalculateATR(t *testing.T) {
	// Flat price with constant high-low range 2 and no inter-candle gaps.
	candles := rampCandles(40, 100, 0, 2)
	atr, err := CalculateATR(candles, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(atr, 2.0, 1e-9) {
		t.Errorf("expected ATR 2.0, got %f", atr)
	}

	if _, err := CalculateATR(candles[:10], 14); err != market.ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCalculateBollinger(t *testing.T) {
	// Classic set: mean 5, population std 2.
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	res, err := CalculateBollinger(values, 8, 2.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(res.Middle, 5, 1e-9) {
		t.Errorf("expected middle 5, got %f", res.Middle)
	}
	if !almostEqual(res.Upper, 9, 1e-9) || !almostEqual(res.Lower, 1, 1e-9) {
		t.Errorf("expected bands 9/1, got %f/%f", res.Upper, res.Lower)
	}

	if pb := res.PercentB(5); !almostEqual(pb, 0.5, 1e-9) {
		t.Errorf("expected %%B 0.5 at middle, got %f", pb)
	}
}

func TestVolumeStats(t *testing.T) {
	candles := rampCandles(30, 100, 1, 2)
	mean, std, err := VolumeStats(candles, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(mean, 1000, 1e-9) || !almostEqual(std, 0, 1e-9) {
		t.Errorf("expected mean 1000 std 0, got %f %f", mean, std)
	}
}

func TestLogReturnsAndRealizedVol(t *testing.T) {
	returns, err := LogReturns([]float64{100, 110, 121})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(returns) != 2 {
		t.Fatalf("expected 2 returns, got %d", len(returns))
	}
	if !almostEqual(returns[0], math.Log(1.1), 1e-12) || !almostEqual(returns[1], math.Log(1.1), 1e-12) {
		t.Errorf("unexpected returns %v", returns)
	}

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 250
	}
	vol, err := RealizedVol(flat, 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(vol, 0, 1e-12) {
		t.Errorf("flat series should have zero vol, got %f", vol)
	}

	if _, err := LogReturns([]float64{100, -5}); err != market.ErrNaN {
		t.Errorf("expected ErrNaN on non-positive price, got %v", err)
	}
}

func TestZScore(t *testing.T) {
	values := make([]float64, 21)
	for i := range values {
		values[i] = 10
	}
	z, err := ZScore(values, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if z != 0 {
		t.Errorf("zero-variance window should give 0, got %f", z)
	}

	values[20] = 50
	z, _ = ZScore(values, 20)
	if z != 0 {
		// Window excludes the last value; still zero variance.
		t.Errorf("expected 0 for zero-variance window, got %f", z)
	}

	// Window with variance: mean 10, std 1, last value 13 -> z=3.
	v2 := []float64{9, 11, 9, 11, 9, 11, 9, 11, 9, 11, 13}
	z, _ = ZScore(v2, 10)
	if !almostEqual(z, 3.0, 1e-9) {
		t.Errorf("expected z-score 3, got %f", z)
	}
}

func TestDrawdown(t *testing.T) {
	values := []float64{90, 100, 95, 80}
	dd, err := Drawdown(values, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(dd, 0.20, 1e-9) {
		t.Errorf("expected drawdown 0.20, got %f", dd)
	}
}

func TestPearson(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2, 4, 6, 8, 10}
	rho, err := Pearson(x, y)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(rho, 1.0, 1e-9) {
		t.Errorf("expected rho 1, got %f", rho)
	}

	inv := []float64{10, 8, 6, 4, 2}
	rho, _ = Pearson(x, inv)
	if !almostEqual(rho, -1.0, 1e-9) {
		t.Errorf("expected rho -1, got %f", rho)
	}

	flat := []float64{3, 3, 3, 3, 3}
	rho, _ = Pearson(x, flat)
	if rho != 0 {
		t.Errorf("zero-variance series should give 0, got %f", rho)
	}

	if _, err := Pearson(x, y[:3]); err != market.ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData on length mismatch, got %v", err)
	}
}
