package exchange

import (
	"context"
	"sort"
	"sync"

	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/ports"
)

// Mock is an in-memory ports.ExchangePort for tests and dry runs
type Mock struct {
	mu      sync.RWMutex
	candles map[market.SeriesKey][]market.Candle
	quotes  map[string]ports.PriceQuote
	err     error
	calls   int
}

func NewMock() *Mock {
	return &Mock{
		candles: make(map[market.SeriesKey][]market.Candle),
		quotes:  make(map[string]ports.PriceQuote),
	}
}

// SeedCandles installs a canned series
func (m *Mock) SeedCandles(symbol string, interval market.Interval, candles []market.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]market.Candle, len(candles))
	copy(cp, candles)
	m.candles[market.SeriesKey{Symbol: symbol, Interval: interval}] = cp
}

// SeedQuote installs a canned 24h ticker entry
func (m *Mock) SeedQuote(q ports.PriceQuote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = q
}

// SetError makes every call fail with err until cleared with nil
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls reports how many port calls were made
func (m *Mock) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *Mock) FetchCandles(_ context.Context, symbol string, interval market.Interval, limit int) ([]market.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	series, ok := m.candles[market.SeriesKey{Symbol: symbol, Interval: interval}]
	if !ok {
		return nil, ports.ErrSymbolUnknown
	}
	if limit > 0 && limit < len(series) {
		series = series[len(series)-limit:]
	}
	out := make([]market.Candle, len(series))
	copy(out, series)
	return out, nil
}

func (m *Mock) FetchTickers(context.Context) (map[string]ports.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]ports.PriceQuote, len(m.quotes))
	for k, v := range m.quotes {
		out[k] = v
	}
	return out, nil
}

func (m *Mock) ListSymbols(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	seen := make(map[string]bool)
	for key := range m.candles {
		seen[key.Symbol] = true
	}
	for sym := range m.quotes {
		seen[sym] = true
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}
