package risk

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/ports"
)

type stubSource struct {
	mu     sync.Mutex
	series map[string][]market.Candle
	calls  int
}

func (s *stubSource) Snapshot(symbol string, _ market.Interval, n int) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	candles, ok := s.series[symbol]
	if !ok {
		return nil, market.ErrUnknownSeries
	}
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles, nil
}

type stubStore struct {
	mu        sync.Mutex
	events    []ports.CorrelationEvent
	positions []ports.Position
}

func (s *stubStore) SaveCandles(context.Context, string, market.Interval, []market.Candle) error {
	return nil
}
func (s *stubStore) SaveSignal(context.Context, ports.EmittedSignal) (bool, error) {
	return true, nil
}
func (s *stubStore) UpdateSignalStatus(context.Context, string, ports.SignalStatus, ports.MessageRef) error {
	return nil
}
func (s *stubStore) LoadSignal(context.Context, string) (*ports.EmittedSignal, error) {
	return nil, nil
}
func (s *stubStore) SavePosition(context.Context, ports.Position) error { return nil }
func (s *stubStore) LoadOpenPositions(context.Context, string) ([]ports.Position, error) {
	return nil, nil
}
func (s *stubStore) LoadAllOpenPositions(context.Context) ([]ports.Position, error) {
	return s.positions, nil
}
func (s *stubStore) SaveTradeResult(context.Context, ports.TradeResult) error { return nil }
func (s *stubStore) LoadTradeResults(context.Context, time.Time) ([]ports.TradeResult, error) {
	return nil, nil
}
func (s *stubStore) PublishParameterSnapshot(context.Context, ports.ParameterSnapshot) error {
	return nil
}
func (s *stubStore) LoadParameterSnapshot(context.Context) (*ports.ParameterSnapshot, error) {
	return nil, nil
}
func (s *stubStore) SaveCorrelationEvent(_ context.Context, ev ports.CorrelationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
func (s *stubStore) SaveDeadLetter(context.Context, ports.DeadLetter) error { return nil }

func (s *stubStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Orthogonal unit-variance bases over full blocks: x alternates +1/-1, w
// repeats +1,+1,-1,-1. Over a multiple of four samples both have zero mean
// and zero cross-product, so a*x + sqrt(1-a^2)*w has sample correlation
// exactly a with x.
func basisX(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out
}

func basisW(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%4 < 2 {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out
}

func mixedReturns(n int, a, scale float64) []float64 {
	x, w := basisX(n), basisW(n)
	b := math.Sqrt(1 - a*a)
	out := make([]float64, n)
	for i := range out {
		out[i] = (a*x[i] + b*w[i]) * scale
	}
	return out
}

// candlesFromReturns integrates log returns into hourly candles so the
// manager recovers exactly the series we constructed
func candlesFromReturns(start float64, returns []float64) []market.Candle {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, 0, len(returns)+1)
	price := start
	push := func(i int, p float64) {
		out = append(out, market.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    1000,
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
		})
	}
	push(0, price)
	for i, r := range returns {
		price *= math.Exp(r)
		push(i+1, price)
	}
	return out
}

func closesOf(candles []market.Candle) []float64 {
	return market.Closes(candles)
}

func newTestManager(source *stubSource, store *stubStore) *Manager {
	var persist ports.PersistencePort
	if store != nil {
		persist = store
	}
	return NewManager(DefaultConfig(), market.Interval1h, source, persist, logging.Nop())
}

// candidate series: pure x basis; held series with target correlation a
func correlationFixture(a float64) (cand []float64, held []market.Candle) {
	candCandles := candlesFromReturns(2500, mixedReturns(100, 1.0, 0.01))
	heldCandles := candlesFromReturns(40000, mixedReturns(100, a, 0.01))
	return closesOf(candCandles), heldCandles
}

func TestAllowWhenNoPositions(t *testing.T) {
	source := &stubSource{series: map[string][]market.Candle{}}
	store := &stubStore{}
	m := newTestManager(source, store)

	cand, _ := correlationFixture(0)
	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskAllow {
		t.Fatalf("expected ALLOW, got %s (%s)", v.Decision, v.Reason)
	}
	if v.Penalty != 1.0 {
		t.Fatalf("expected penalty 1.0, got %.4f", v.Penalty)
	}
	if store.eventCount() != 0 {
		t.Fatalf("plain allows should not be persisted, got %d events", store.eventCount())
	}
}

func TestConcentrationBlock(t *testing.T) {
	cand, held := correlationFixture(0.88)
	source := &stubSource{series: map[string][]market.Candle{"BTCUSDT": held}}
	store := &stubStore{}
	m := newTestManager(source, store)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Long})

	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskBlock {
		t.Fatalf("expected BLOCK, got %s", v.Decision)
	}
	if v.Reason != ReasonConcentration {
		t.Fatalf("expected reason %s, got %s", ReasonConcentration, v.Reason)
	}
	if math.Abs(v.MaxCorrelation-0.88) > 1e-9 {
		t.Fatalf("expected rho 0.88, got %.6f", v.MaxCorrelation)
	}
	if v.CorrelatedWith != "BTCUSDT" {
		t.Fatalf("expected correlated symbol BTCUSDT, got %s", v.CorrelatedWith)
	}
	if store.eventCount() != 1 {
		t.Fatalf("block should persist one event, got %d", store.eventCount())
	}
	if store.events[0].Decision != "BLOCK" {
		t.Fatalf("expected persisted decision BLOCK, got %s", store.events[0].Decision)
	}
}

func TestHedgeContradictionBlock(t *testing.T) {
	cand, held := correlationFixture(0.88)
	source := &stubSource{series: map[string][]market.Candle{"BTCUSDT": held}}
	m := newTestManager(source, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Short})

	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskBlock || v.Reason != ReasonHedgeContradiction {
		t.Fatalf("expected hedge_contradiction block, got %s (%s)", v.Decision, v.Reason)
	}
}

func TestPenaltyBand(t *testing.T) {
	cand, held := correlationFixture(0.70)
	source := &stubSource{series: map[string][]market.Candle{"BTCUSDT": held}}
	store := &stubStore{}
	m := newTestManager(source, store)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Long})

	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskAllowWithPenalty {
		t.Fatalf("expected ALLOW_WITH_PENALTY, got %s (%s)", v.Decision, v.Reason)
	}
	if math.Abs(v.Penalty-0.80) > 1e-9 {
		t.Fatalf("expected penalty 0.80, got %.6f", v.Penalty)
	}
	if math.Abs(v.MaxCorrelation-0.70) > 1e-9 {
		t.Fatalf("expected rho 0.70, got %.6f", v.MaxCorrelation)
	}
	if store.eventCount() != 1 {
		t.Fatalf("penalty verdicts should be persisted, got %d events", store.eventCount())
	}
}

func TestNegativeCorrelationCountsAbsolute(t *testing.T) {
	cand, held := correlationFixture(-0.70)
	source := &stubSource{series: map[string][]market.Candle{"BTCUSDT": held}}
	m := newTestManager(source, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Long})

	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskAllowWithPenalty {
		t.Fatalf("expected ALLOW_WITH_PENALTY, got %s (%s)", v.Decision, v.Reason)
	}
	if math.Abs(v.Penalty-0.80) > 1e-9 {
		t.Fatalf("expected penalty 0.80 on |rho|=0.70, got %.6f", v.Penalty)
	}
}

func TestSameSymbolIsPerfectlyCorrelated(t *testing.T) {
	source := &stubSource{series: map[string][]market.Candle{}}
	m := newTestManager(source, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "ETHUSDT", Side: market.Long})

	cand, _ := correlationFixture(0)
	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskBlock || v.Reason != ReasonConcentration {
		t.Fatalf("expected concentration block on own symbol, got %s (%s)", v.Decision, v.Reason)
	}
	if v.MaxCorrelation != 1.0 {
		t.Fatalf("expected rho 1.0, got %.4f", v.MaxCorrelation)
	}
	if source.calls != 0 {
		t.Fatalf("own symbol should not hit the candle source, got %d calls", source.calls)
	}

	v = m.Check(context.Background(), "u1", "ETHUSDT", market.Short, cand)
	if v.Decision != ports.RiskBlock || v.Reason != ReasonHedgeContradiction {
		t.Fatalf("expected hedge_contradiction on opposite side, got %s (%s)", v.Decision, v.Reason)
	}
}

func TestGroupQuotaBlocks(t *testing.T) {
	// two held majors, both uncorrelated with the candidate (pure w basis
	// against the candidate's pure x basis)
	heldReturns := mixedReturns(100, 0, 0.01)
	source := &stubSource{series: map[string][]market.Candle{
		"BTCUSDT": candlesFromReturns(40000, heldReturns),
		"ETHUSDT": candlesFromReturns(2500, heldReturns),
	}}
	m := newTestManager(source, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Long})
	m.RecordOpen("u1", ports.PositionRef{Symbol: "ETHUSDT", Side: market.Long})

	cand := closesOf(candlesFromReturns(150, mixedReturns(100, 1.0, 0.01)))

	v := m.Check(context.Background(), "u1", "SOLUSDT", market.Long, cand)
	if v.Decision != ports.RiskBlock || v.Reason != ReasonGroupQuota {
		t.Fatalf("expected group quota block, got %s (%s)", v.Decision, v.Reason)
	}

	// an unquota'd group with the same holdings stays allowed
	v = m.Check(context.Background(), "u1", "ADAUSDT", market.Long, cand)
	if v.Decision != ports.RiskAllow {
		t.Fatalf("expected ALLOW for ALT_MAJOR candidate, got %s (%s)", v.Decision, v.Reason)
	}
}

func TestCooldownBlocks(t *testing.T) {
	source := &stubSource{series: map[string][]market.Candle{}}
	m := newTestManager(source, nil)
	cand, _ := correlationFixture(0)

	m.RecordSignal("u1", "ETHUSDT", market.Long, time.Now().Add(-10*time.Minute))
	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskBlock || v.Reason != ReasonCooldown {
		t.Fatalf("expected cooldown block, got %s (%s)", v.Decision, v.Reason)
	}

	// opposite side is a different signal
	v = m.Check(context.Background(), "u1", "ETHUSDT", market.Short, cand)
	if v.Decision != ports.RiskAllow {
		t.Fatalf("cooldown must be side-scoped, got %s (%s)", v.Decision, v.Reason)
	}

	// outside the window
	m2 := newTestManager(source, nil)
	m2.RecordSignal("u1", "ETHUSDT", market.Long, time.Now().Add(-40*time.Minute))
	v = m2.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskAllow {
		t.Fatalf("expected ALLOW outside cooldown, got %s (%s)", v.Decision, v.Reason)
	}
}

func TestDuplicateWithin(t *testing.T) {
	m := newTestManager(&stubSource{series: map[string][]market.Candle{}}, nil)
	m.RecordSignal("u1", "ETHUSDT", market.Long, time.Now().Add(-30*time.Minute))

	if !m.DuplicateWithin("u1", "ETHUSDT", market.Long, time.Hour) {
		t.Fatal("expected duplicate within 1h window")
	}
	if m.DuplicateWithin("u1", "ETHUSDT", market.Long, 15*time.Minute) {
		t.Fatal("record outside a 15m window must not count")
	}
	if m.DuplicateWithin("u1", "BTCUSDT", market.Long, time.Hour) {
		t.Fatal("different symbol must not count")
	}
	if m.DuplicateWithin("u2", "ETHUSDT", market.Long, time.Hour) {
		t.Fatal("different user must not count")
	}
}

func TestSignalHistoryTrimmedTo24h(t *testing.T) {
	m := newTestManager(&stubSource{series: map[string][]market.Candle{}}, nil)
	m.RecordSignal("u1", "ETHUSDT", market.Long, time.Now().Add(-25*time.Hour))
	m.RecordSignal("u1", "BTCUSDT", market.Short, time.Now().Add(-1*time.Hour))

	status := m.Snapshot("u1")
	if status.SignalsLast24h != 1 {
		t.Fatalf("expected 1 signal in window, got %d", status.SignalsLast24h)
	}
}

func TestRecordOpenCloseSnapshot(t *testing.T) {
	m := newTestManager(&stubSource{series: map[string][]market.Candle{}}, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Long})
	m.RecordOpen("u1", ports.PositionRef{Symbol: "DOGEUSDT", Side: market.Short})

	status := m.Snapshot("u1")
	if len(status.OpenPositions) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(status.OpenPositions))
	}
	if status.GroupCounts[GroupBTCHigh] != 1 || status.GroupCounts[GroupMeme] != 1 {
		t.Fatalf("unexpected group counts %v", status.GroupCounts)
	}
	if status.OpenPositions[0].Group != GroupBTCHigh {
		t.Fatalf("group should be auto-filled, got %q", status.OpenPositions[0].Group)
	}

	m.RecordClose("u1", "BTCUSDT", market.Long)
	status = m.Snapshot("u1")
	if len(status.OpenPositions) != 1 {
		t.Fatalf("expected 1 open position after close, got %d", len(status.OpenPositions))
	}
	if status.GroupCounts[GroupBTCHigh] != 0 {
		t.Fatalf("closed position still counted: %v", status.GroupCounts)
	}
}

func TestRehydrateFromStorage(t *testing.T) {
	store := &stubStore{positions: []ports.Position{
		{UserID: "u1", Symbol: "BTCUSDT", Side: market.Long, Status: ports.PositionOpen, OpenedAt: time.Now().Add(-2 * time.Hour)},
		{UserID: "u2", Symbol: "ETHUSDT", Side: market.Short, Status: ports.PositionOpen, OpenedAt: time.Now().Add(-1 * time.Hour)},
	}}
	m := newTestManager(&stubSource{series: map[string][]market.Candle{}}, store)

	n, err := m.Rehydrate(context.Background())
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rehydrated positions, got %d", n)
	}

	s1 := m.Snapshot("u1")
	if len(s1.OpenPositions) != 1 || s1.OpenPositions[0].Symbol != "BTCUSDT" {
		t.Fatalf("u1 positions not rehydrated: %+v", s1.OpenPositions)
	}
	if s1.OpenPositions[0].Group != GroupBTCHigh {
		t.Fatalf("group should be derived on rehydrate, got %q", s1.OpenPositions[0].Group)
	}
	s2 := m.Snapshot("u2")
	if len(s2.OpenPositions) != 1 || s2.OpenPositions[0].Symbol != "ETHUSDT" {
		t.Fatalf("u2 positions not rehydrated: %+v", s2.OpenPositions)
	}
}

func TestCorrelationCachedPerPairAndCandle(t *testing.T) {
	cand, held := correlationFixture(0.70)
	source := &stubSource{series: map[string][]market.Candle{"BTCUSDT": held}}
	m := newTestManager(source, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Long})

	first := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	second := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if len(m.corr) != 1 {
		t.Fatalf("expected one cached pair, got %d", len(m.corr))
	}
	if math.Abs(first.Penalty-second.Penalty) > 1e-12 {
		t.Fatalf("cached verdicts diverged: %.6f vs %.6f", first.Penalty, second.Penalty)
	}
	wantT := held[len(held)-1].OpenTime
	if !m.corrT.Equal(wantT) {
		t.Fatalf("cache pinned to wrong candle: %v vs %v", m.corrT, wantT)
	}

	// a new candle wipes the previous generation
	next := held[len(held)-1]
	next.OpenTime = next.OpenTime.Add(time.Hour)
	next.CloseTime = next.CloseTime.Add(time.Hour)
	source.mu.Lock()
	source.series["BTCUSDT"] = append(source.series["BTCUSDT"], next)
	source.mu.Unlock()

	m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if !m.corrT.Equal(wantT.Add(time.Hour)) {
		t.Fatalf("cache generation not advanced: %v", m.corrT)
	}
	if len(m.corr) != 1 {
		t.Fatalf("stale entries should be wiped, got %d", len(m.corr))
	}
}

func TestSourceFailureDegradesOpen(t *testing.T) {
	source := &stubSource{series: map[string][]market.Candle{}}
	m := newTestManager(source, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "XMRUSDT", Side: market.Long})

	cand, _ := correlationFixture(0)
	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskAllow {
		t.Fatalf("missing held series must degrade open, got %s (%s)", v.Decision, v.Reason)
	}
}

// The block threshold is inclusive. Seeding the pair cache directly keeps the
// boundary check free of floating-point noise.
func TestBlockThresholdBoundary(t *testing.T) {
	cand, held := correlationFixture(0)
	source := &stubSource{series: map[string][]market.Candle{"BTCUSDT": held}}
	m := newTestManager(source, nil)
	m.RecordOpen("u1", ports.PositionRef{Symbol: "BTCUSDT", Side: market.Long})

	t0 := held[len(held)-1].OpenTime
	m.corrT = t0
	m.corr[pairCacheKey("ETHUSDT", "BTCUSDT", t0)] = 0.85

	v := m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskBlock || v.Reason != ReasonConcentration {
		t.Fatalf("rho exactly 0.85 must block, got %s (%s)", v.Decision, v.Reason)
	}

	m.corr[pairCacheKey("ETHUSDT", "BTCUSDT", t0)] = 0.8499999
	v = m.Check(context.Background(), "u1", "ETHUSDT", market.Long, cand)
	if v.Decision != ports.RiskAllowWithPenalty {
		t.Fatalf("rho just under 0.85 must allow with penalty, got %s (%s)", v.Decision, v.Reason)
	}
	if v.Penalty < 0.5 || v.Penalty > 0.5+1e-6 {
		t.Fatalf("penalty at the band edge should sit at the 0.5 floor, got %.8f", v.Penalty)
	}
}

func TestPenaltyFormula(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		rho  float64
		want float64
	}{
		{0.60, 1.0},
		{0.70, 0.8},
		{0.80, 0.6},
		{0.84999, 0.50002},
	}
	for _, tc := range cases {
		got := penaltyFor(tc.rho, cfg)
		if math.Abs(got-tc.want) > 1e-5 {
			t.Errorf("penaltyFor(%.5f) = %.5f, want %.5f", tc.rho, got, tc.want)
		}
	}
}
