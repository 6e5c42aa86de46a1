package market

import (
	"errors"
	"sync"
	"time"
)

// DefaultCapacity is the per-series ring size
const DefaultCapacity = 500

var (
	// ErrStale indicates the newest candle is older than 2x its interval
	ErrStale = errors.New("candle data is stale")
	// ErrInsufficientData indicates fewer candles are buffered than requested
	ErrInsufficientData = errors.New("insufficient candle data")
	// ErrUnknownSeries indicates no candles were ever appended for the key
	ErrUnknownSeries = errors.New("unknown candle series")
	// ErrNaN indicates a candle carried a NaN or Inf field
	ErrNaN = errors.New("candle contains NaN or Inf")
)

// series is a fixed-capacity ring of candles for one (symbol, interval).
// Writes are serialized by the series mutex; reads copy out under the same
// lock, which is held only for the memcpy.
type series struct {
	mu       sync.RWMutex
	buf      []Candle
	head     int // index of the oldest element
	size     int
	interval Interval
	gaps     int // gap resets observed since startup
}

func newSeries(interval Interval, capacity int) *series {
	return &series{
		buf:      make([]Candle, capacity),
		interval: interval,
	}
}

func (s *series) last() (Candle, bool) {
	if s.size == 0 {
		return Candle{}, false
	}
	return s.buf[(s.head+s.size-1)%len(s.buf)], true
}

func (s *series) push(c Candle) {
	if s.size < len(s.buf) {
		s.buf[(s.head+s.size)%len(s.buf)] = c
		s.size++
		return
	}
	s.buf[s.head] = c
	s.head = (s.head + 1) % len(s.buf)
}

// reset drops all buffered candles and starts over from c. Used when a gap
// is detected: indicator continuity across a gap is meaningless, so the
// pre-gap segment is invalidated wholesale.
func (s *series) reset(c Candle) {
	s.head = 0
	s.size = 1
	s.buf[0] = c
	s.gaps++
}

// CandleStore owns all candle buffers. Every consumer receives copies;
// nothing outside this package can mutate buffered candles.
type CandleStore struct {
	mu       sync.RWMutex
	series   map[SeriesKey]*series
	capacity int

	priceMu sync.RWMutex
	lastPx  map[string]float64
}

// NewCandleStore creates a store with the given per-series capacity
// (DefaultCapacity when <= 0).
func NewCandleStore(capacity int) *CandleStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CandleStore{
		series:   make(map[SeriesKey]*series),
		capacity: capacity,
		lastPx:   make(map[string]float64),
	}
}

func (cs *CandleStore) getOrCreate(key SeriesKey) *series {
	cs.mu.RLock()
	sr, ok := cs.series[key]
	cs.mu.RUnlock()
	if ok {
		return sr
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if sr, ok = cs.series[key]; ok {
		return sr
	}
	sr = newSeries(key.Interval, cs.capacity)
	cs.series[key] = sr
	return sr
}

// Append adds a candle to the (symbol, interval) series. Appends are
// serialized per series. Re-appending a candle at or before the newest open
// time is a no-op: the first write wins, which makes overlapping refresh
// batches idempotent. A gap (open time not exactly one interval after the
// previous candle) invalidates the buffered segment and restarts the ring
// from the new candle.
func (cs *CandleStore) Append(symbol string, interval Interval, c Candle) error {
	if hasNaN(c) {
		return ErrNaN
	}
	sr := cs.getOrCreate(SeriesKey{Symbol: symbol, Interval: interval})

	sr.mu.Lock()
	if last, ok := sr.last(); ok {
		switch {
		case !c.OpenTime.After(last.OpenTime):
			sr.mu.Unlock()
			return nil
		case !c.OpenTime.Equal(last.OpenTime.Add(interval.Duration())):
			sr.reset(c)
		default:
			sr.push(c)
		}
	} else {
		sr.push(c)
	}
	sr.mu.Unlock()

	cs.priceMu.Lock()
	cs.lastPx[symbol] = c.Close
	cs.priceMu.Unlock()
	return nil
}

// AppendBatch appends candles in order, stopping at the first error.
func (cs *CandleStore) AppendBatch(symbol string, interval Interval, candles []Candle) error {
	for _, c := range candles {
		if err := cs.Append(symbol, interval, c); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot copies out the most recent n candles for (symbol, interval).
// Returns ErrUnknownSeries if nothing was ever appended, ErrInsufficientData
// if fewer than n candles are buffered, and ErrStale if the newest candle is
// older than 2x the interval.
func (cs *CandleStore) Snapshot(symbol string, interval Interval, n int) ([]Candle, error) {
	cs.mu.RLock()
	sr, ok := cs.series[SeriesKey{Symbol: symbol, Interval: interval}]
	cs.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSeries
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()

	if n <= 0 || sr.size < n {
		return nil, ErrInsufficientData
	}
	newest := sr.buf[(sr.head+sr.size-1)%len(sr.buf)]
	if time.Since(newest.OpenTime) > 2*interval.Duration() {
		return nil, ErrStale
	}

	out := make([]Candle, n)
	start := sr.size - n
	for i := 0; i < n; i++ {
		out[i] = sr.buf[(sr.head+start+i)%len(sr.buf)]
	}
	return out, nil
}

// Len returns the number of buffered candles for the series
func (cs *CandleStore) Len(symbol string, interval Interval) int {
	cs.mu.RLock()
	sr, ok := cs.series[SeriesKey{Symbol: symbol, Interval: interval}]
	cs.mu.RUnlock()
	if !ok {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.size
}

// GapCount returns how many gap resets the series has absorbed
func (cs *CandleStore) GapCount(symbol string, interval Interval) int {
	cs.mu.RLock()
	sr, ok := cs.series[SeriesKey{Symbol: symbol, Interval: interval}]
	cs.mu.RUnlock()
	if !ok {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	return sr.gaps
}

// LastClose returns the most recent close price seen for the symbol on any
// interval, updated on every append.
func (cs *CandleStore) LastClose(symbol string) (float64, error) {
	cs.priceMu.RLock()
	px, ok := cs.lastPx[symbol]
	cs.priceMu.RUnlock()
	if !ok {
		return 0, ErrUnknownSeries
	}
	return px, nil
}

// UpdateLastPrice overrides the cached last price for a symbol, used when a
// fresher ticker quote is available between candle closes.
func (cs *CandleStore) UpdateLastPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	cs.priceMu.Lock()
	cs.lastPx[symbol] = price
	cs.priceMu.Unlock()
}

// Symbols lists all symbols with at least one buffered series
func (cs *CandleStore) Symbols() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range cs.series {
		seen[k.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

func hasNaN(c Candle) bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if isNaNOrInf(v) {
			return true
		}
	}
	return false
}

func isNaNOrInf(v float64) bool {
	return v != v || v > 1e308 || v < -1e308
}
