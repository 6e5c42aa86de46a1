package market

import (
	"fmt"
	"time"
)

// Side represents the direction of a signal or position
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Valid reports whether the side is one of the two known values
func (s Side) Valid() bool {
	return s == Long || s == Short
}

// Interval identifies a candle timeframe in exchange notation ("1m", "1h", "4h", ...)
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration converts the interval to a time.Duration. Unknown intervals
// return 0.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the interval is supported
func (i Interval) Valid() bool {
	return i.Duration() > 0
}

// Candle is a single OHLCV bar. Candles are immutable once appended to the
// store.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Closes extracts the close series from a candle slice
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts the volume series from a candle slice
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// SeriesKey identifies one candle series in the store
type SeriesKey struct {
	Symbol   string
	Interval Interval
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s@%s", k.Symbol, k.Interval)
}
