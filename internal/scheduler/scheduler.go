// Package scheduler drives the engine. It keeps the candle store warm,
// classifies the regime once per tick, fans symbol evaluation out to a
// bounded worker pool and owns the lifecycle of the long-running components.
// The scheduler is also the engine's control surface: it implements
// ports.ControlPort for the HTTP API.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/cache"
	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/gates"
	"futures-signal-engine/internal/learning"
	"futures-signal-engine/internal/lifecycle"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/monitoring"
	"futures-signal-engine/internal/notification"
	"futures-signal-engine/internal/pattern"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
	"futures-signal-engine/internal/risk"
	"futures-signal-engine/internal/scoring"
	"futures-signal-engine/internal/signal"
	"futures-signal-engine/internal/strategy"
)

const (
	// evalCandles is the history window each symbol evaluation snapshots;
	// it covers the widest consumer (correlation window 100, gate history
	// minimum 100) with headroom for indicator warm-up.
	evalCandles = 200
	// confirmCandles feeds the higher-timeframe confirmation gate.
	confirmCandles = 60
	// maxPending bounds the accepted-signal lookup table.
	maxPending = 512
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// UniverseConfig selects the symbols the tick loop evaluates and the
// timeframes it keeps warm.
type UniverseConfig struct {
	Symbols         []string        `json:"symbols"`
	AutoDiscover    bool            `json:"auto_discover"`
	QuoteAsset      string          `json:"quote_asset"`
	MaxSymbols      int             `json:"max_symbols"`
	Blacklist       []string        `json:"blacklist"`
	Interval        market.Interval `json:"interval"`
	ConfirmInterval market.Interval `json:"confirm_interval"`
	WarmupCandles   int             `json:"warmup_candles"`
	RefreshCandles  int             `json:"refresh_candles"`
}

// DefaultUniverseConfig returns the standard major-pairs universe
func DefaultUniverseConfig() UniverseConfig {
	return UniverseConfig{
		Symbols:         []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"},
		QuoteAsset:      "USDT",
		MaxSymbols:      50,
		Interval:        market.Interval15m,
		ConfirmInterval: market.Interval4h,
		WarmupCandles:   300,
		RefreshCandles:  5,
	}
}

// Config tunes the tick loop and worker pool. Users is the subscriber set
// candidates are evaluated for.
type Config struct {
	TickInterval    time.Duration `json:"tick_interval"`
	SymbolTimeout   time.Duration `json:"symbol_timeout"` // 0 derives 3x tick interval
	Workers         int           `json:"workers"`        // 0 derives min(2*CPU, 32)
	TraceRingSize   int           `json:"trace_ring_size"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Users           []string      `json:"users"`
}

// DefaultConfig returns the standard tick loop settings. Users is left empty;
// the composition root fills it from the notification subscriber set.
func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Minute,
		TraceRingSize:   64,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) workerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	n := runtime.NumCPU() * 2
	if n > 32 {
		n = 32
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c Config) symbolDeadline() time.Duration {
	if c.SymbolTimeout > 0 {
		return c.SymbolTimeout
	}
	return 3 * c.TickInterval
}

// ============================================================================
// CONSTRUCTION
// ============================================================================

// Deps bundles the components the scheduler drives. Risk, Learning,
// Dispatcher, Persist, Cache, Metrics and Bus may be nil; the scheduler
// degrades the matching feature instead of failing.
type Deps struct {
	Exchange   ports.ExchangePort
	Store      *market.CandleStore
	Regimes    *regime.Detector
	Patterns   *pattern.Registry
	Predictor  *scoring.Predictor
	Composite  *strategy.Engine
	Pipeline   *gates.Pipeline
	Risk       *risk.Manager
	Sizer      *risk.Sizer
	Emitter    *signal.Emitter
	Lifecycle  *lifecycle.Manager
	Learning   *learning.Controller
	Dispatcher *notification.Dispatcher
	Persist    ports.PersistencePort
	Cache      *cache.Service
	Metrics    *monitoring.Metrics
	Bus        *events.EventBus
}

type tickStats struct {
	TickID    string        `json:"tick_id"`
	At        time.Time     `json:"at"`
	Evaluated int           `json:"evaluated"`
	Emitted   int           `json:"emitted"`
	Timeouts  int           `json:"timeouts"`
	Duration  time.Duration `json:"duration"`
}

// Scheduler owns the tick loop and the control surface
type Scheduler struct {
	cfg      Config
	universe UniverseConfig
	deps     Deps
	logger   zerolog.Logger

	mu         sync.RWMutex
	symbols    []string
	paused     map[string]bool
	pending    map[string]ports.EmittedSignal
	pauseUntil time.Time
	lastTick   tickStats

	traces  *traceRing
	started atomic.Bool
	ticks   atomic.Int64
}

// New validates the wiring and builds a scheduler. The exchange, store,
// regime detector, pattern registry, composite engine, gate pipeline, sizer,
// emitter and lifecycle manager are required; everything else is optional.
func New(cfg Config, universe UniverseConfig, deps Deps, logger zerolog.Logger) (*Scheduler, error) {
	switch {
	case deps.Exchange == nil:
		return nil, errors.New("scheduler: exchange port is required")
	case deps.Store == nil:
		return nil, errors.New("scheduler: candle store is required")
	case deps.Regimes == nil:
		return nil, errors.New("scheduler: regime detector is required")
	case deps.Patterns == nil:
		return nil, errors.New("scheduler: pattern registry is required")
	case deps.Composite == nil:
		return nil, errors.New("scheduler: composite engine is required")
	case deps.Pipeline == nil:
		return nil, errors.New("scheduler: gate pipeline is required")
	case deps.Sizer == nil:
		return nil, errors.New("scheduler: sizer is required")
	case deps.Emitter == nil:
		return nil, errors.New("scheduler: emitter is required")
	case deps.Lifecycle == nil:
		return nil, errors.New("scheduler: lifecycle manager is required")
	}
	if cfg.TickInterval <= 0 {
		return nil, errors.New("scheduler: tick interval must be positive")
	}
	if len(cfg.Users) == 0 {
		return nil, errors.New("scheduler: at least one user is required")
	}
	if !universe.Interval.Valid() || !universe.ConfirmInterval.Valid() {
		return nil, fmt.Errorf("scheduler: unsupported universe interval %q/%q", universe.Interval, universe.ConfirmInterval)
	}
	if universe.WarmupCandles <= 0 {
		universe.WarmupCandles = 300
	}
	if universe.RefreshCandles <= 0 {
		universe.RefreshCandles = 5
	}
	if cfg.TraceRingSize <= 0 {
		cfg.TraceRingSize = 64
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Scheduler{
		cfg:      cfg,
		universe: universe,
		deps:     deps,
		logger:   logger,
		paused:   make(map[string]bool),
		pending:  make(map[string]ports.EmittedSignal),
		traces:   newTraceRing(cfg.TraceRingSize),
	}, nil
}

// ============================================================================
// RUN LOOP
// ============================================================================

// Run resolves the universe, warms the candle store, starts the long-lived
// sub-loops and then drives the tick loop until ctx is cancelled. Shutdown
// stops new ticks first, then gives the sub-loops ShutdownTimeout to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer s.started.Store(false)

	if err := s.resolveUniverse(ctx); err != nil {
		return err
	}
	s.warmup(ctx)

	subCtx, stopSubs := context.WithCancel(context.Background())
	defer stopSubs()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.deps.Lifecycle.Run(subCtx)
	}()
	if s.deps.Learning != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deps.Learning.Run(subCtx)
		}()
	}
	if s.deps.Dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deps.Dispatcher.Run(subCtx)
		}()
	}

	s.publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"symbols": len(s.symbolsSnapshot()),
		"users":   len(s.cfg.Users),
	}})
	s.logger.Info().
		Int("symbols", len(s.symbolsSnapshot())).
		Int("users", len(s.cfg.Users)).
		Dur("tick_interval", s.cfg.TickInterval).
		Int("workers", s.cfg.workerCount()).
		Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			stopSubs()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(s.cfg.ShutdownTimeout):
				s.logger.Warn().Dur("timeout", s.cfg.ShutdownTimeout).Msg("shutdown grace exceeded, abandoning sub-loops")
			}
			s.publish(events.Event{Type: events.EventEngineStopped})
			s.logger.Info().Int64("ticks", s.ticks.Load()).Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// resolveUniverse merges the configured symbol list with exchange discovery,
// applies the blacklist and caps the result.
func (s *Scheduler) resolveUniverse(ctx context.Context) error {
	seen := make(map[string]bool)
	symbols := make([]string, 0, len(s.universe.Symbols))
	for _, sym := range s.universe.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		symbols = append(symbols, sym)
	}

	if s.universe.AutoDiscover {
		listed, err := s.deps.Exchange.ListSymbols(ctx)
		if err != nil {
			if len(symbols) == 0 {
				return fmt.Errorf("scheduler: universe discovery failed with no fallback symbols: %w", err)
			}
			s.logger.Warn().Err(err).Msg("universe discovery failed, using configured symbols only")
		}
		for _, sym := range listed {
			if !strings.HasSuffix(sym, s.universe.QuoteAsset) || seen[sym] {
				continue
			}
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	blocked := make(map[string]bool, len(s.universe.Blacklist))
	for _, sym := range s.universe.Blacklist {
		blocked[strings.ToUpper(sym)] = true
	}
	kept := symbols[:0]
	for _, sym := range symbols {
		if !blocked[sym] {
			kept = append(kept, sym)
		}
	}
	if s.universe.MaxSymbols > 0 && len(kept) > s.universe.MaxSymbols {
		kept = kept[:s.universe.MaxSymbols]
	}
	if len(kept) == 0 {
		return errors.New("scheduler: universe resolved to zero symbols")
	}

	s.mu.Lock()
	s.symbols = kept
	s.mu.Unlock()
	s.logger.Info().Int("symbols", len(kept)).Bool("auto_discover", s.universe.AutoDiscover).Msg("universe resolved")
	return nil
}

// warmup backfills each universe series plus the regime series so the first
// tick has full history to work with.
func (s *Scheduler) warmup(ctx context.Context) {
	start := time.Now()
	loaded := 0
	for _, req := range s.seriesRequests() {
		if !s.fetchSeries(ctx, req.symbol, req.interval, s.universe.WarmupCandles) {
			break
		}
		loaded++
	}
	s.logger.Info().Int("series", loaded).Dur("elapsed", time.Since(start)).Msg("candle warmup complete")
}

type seriesRequest struct {
	symbol   string
	interval market.Interval
}

// seriesRequests enumerates every (symbol, interval) series a tick reads:
// the base and confirmation series per universe symbol plus the regime
// detector's BTC series.
func (s *Scheduler) seriesRequests() []seriesRequest {
	symbols := s.symbolsSnapshot()
	reqs := make([]seriesRequest, 0, 2*len(symbols)+2)
	seen := make(map[seriesRequest]bool)
	add := func(sym string, iv market.Interval) {
		r := seriesRequest{symbol: sym, interval: iv}
		if !seen[r] {
			seen[r] = true
			reqs = append(reqs, r)
		}
	}
	for _, sym := range symbols {
		add(sym, s.universe.Interval)
		add(sym, s.universe.ConfirmInterval)
	}
	regSym, regBase, regConfirm := s.deps.Regimes.Series()
	add(regSym, regBase)
	add(regSym, regConfirm)
	return reqs
}

// fetchSeries pulls one series into the store. Returns false when the
// exchange rate-limited us, which aborts the surrounding refresh sweep.
func (s *Scheduler) fetchSeries(ctx context.Context, symbol string, interval market.Interval, limit int) bool {
	candles, err := s.deps.Exchange.FetchCandles(ctx, symbol, interval, limit)
	if err != nil {
		var rl *ports.ErrRateLimited
		if errors.As(err, &rl) {
			s.pauseTicks(rl.RetryAfter)
			return false
		}
		s.logger.Warn().Err(err).Str("symbol", symbol).Str("interval", string(interval)).Msg("candle fetch failed")
		return true
	}
	if err := s.deps.Store.AppendBatch(symbol, interval, candles); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("candle append rejected")
	}
	if s.deps.Persist != nil && interval == s.universe.Interval {
		if err := s.deps.Persist.SaveCandles(ctx, symbol, interval, candles); err != nil {
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("candle mirror skipped")
		}
	}
	return true
}

// pauseTicks suspends the tick loop until the exchange's retry-after expires
func (s *Scheduler) pauseTicks(retryAfter time.Duration) {
	until := time.Now().Add(retryAfter)
	s.mu.Lock()
	if until.After(s.pauseUntil) {
		s.pauseUntil = until
	}
	s.mu.Unlock()
	s.logger.Warn().Dur("retry_after", retryAfter).Msg("exchange rate limit, pausing tick loop")
}

func (s *Scheduler) symbolsSnapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// activeUsers returns the subscribers that are not paused, merging the local
// pause set with the shared cache flags so a pause issued on another
// instance is honoured here.
func (s *Scheduler) activeUsers(ctx context.Context) []string {
	s.mu.RLock()
	users := make([]string, 0, len(s.cfg.Users))
	for _, u := range s.cfg.Users {
		if !s.paused[u] {
			users = append(users, u)
		}
	}
	s.mu.RUnlock()

	out := users[:0]
	for _, u := range users {
		if paused, err := s.deps.Cache.UserPaused(ctx, u); err == nil && paused {
			continue
		}
		out = append(out, u)
	}
	return out
}

// ============================================================================
// TICK
// ============================================================================

func (s *Scheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.RLock()
	pauseUntil := s.pauseUntil
	s.mu.RUnlock()
	if now := time.Now(); now.Before(pauseUntil) {
		s.logger.Warn().Time("until", pauseUntil).Msg("tick skipped, rate-limit pause active")
		return
	}

	tickID := uuid.NewString()
	start := time.Now()
	s.ticks.Add(1)

	quotes := s.refresh(ctx)
	regSnap := s.deps.Regimes.Current()
	var paramSnap *ports.ParameterSnapshot
	if s.deps.Learning != nil {
		paramSnap = s.deps.Learning.Current()
	}
	if regSnap != nil {
		s.deps.Cache.CacheRegimeSnapshot(ctx, *regSnap)
	}
	if paramSnap != nil {
		s.deps.Cache.CacheParameterSnapshot(ctx, *paramSnap)
	}
	users := s.activeUsers(ctx)

	symbols := s.symbolsSnapshot()
	traces, evaluated, emitted, timeouts := s.fanOut(ctx, symbols, users, regSnap, paramSnap, quotes, start)

	duration := time.Since(start)
	trace := &ports.TickTrace{
		TickID:    tickID,
		StartedAt: start,
		Duration:  duration,
		Regime:    regSnap.Regime.String(),
		Symbols:   traces,
	}
	s.traces.add(trace)

	s.mu.Lock()
	s.lastTick = tickStats{
		TickID:    tickID,
		At:        start,
		Evaluated: evaluated,
		Emitted:   emitted,
		Timeouts:  timeouts,
		Duration:  duration,
	}
	s.mu.Unlock()

	if s.deps.Bus != nil {
		s.deps.Bus.PublishTickCompleted(tickID, evaluated, emitted, timeouts, duration.Milliseconds())
	}
	s.deps.Metrics.SetOpenPositions(s.deps.Lifecycle.Count())
	if s.deps.Dispatcher != nil {
		s.deps.Metrics.SetQueueDepth(s.deps.Dispatcher.QueueDepth())
	}

	s.logger.Info().
		Str("tick_id", tickID).
		Str("regime", regSnap.Regime.String()).
		Int("evaluated", evaluated).
		Int("emitted", emitted).
		Int("timeouts", timeouts).
		Dur("duration", duration).
		Msg("tick completed")
}

// refresh pulls the incremental candles for every series and the 24h ticker
// map. A rate limit aborts the sweep and pauses subsequent ticks.
func (s *Scheduler) refresh(ctx context.Context) map[string]ports.PriceQuote {
	for _, req := range s.seriesRequests() {
		if ctx.Err() != nil {
			return nil
		}
		if !s.fetchSeries(ctx, req.symbol, req.interval, s.universe.RefreshCandles) {
			return nil
		}
	}

	quotes, err := s.deps.Exchange.FetchTickers(ctx)
	if err != nil {
		var rl *ports.ErrRateLimited
		if errors.As(err, &rl) {
			s.pauseTicks(rl.RetryAfter)
		} else {
			s.logger.Warn().Err(err).Msg("ticker fetch failed")
		}
		return nil
	}
	return quotes
}

// fanOut distributes symbol evaluation across the worker pool and aggregates
// traces and counters.
func (s *Scheduler) fanOut(
	ctx context.Context,
	symbols, users []string,
	regSnap *regime.Snapshot,
	paramSnap *ports.ParameterSnapshot,
	quotes map[string]ports.PriceQuote,
	now time.Time,
) (traces []ports.SymbolTrace, evaluated, emitted, timeouts int) {
	jobs := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < s.cfg.workerCount(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range jobs {
				symCtx, cancel := context.WithTimeout(ctx, s.cfg.symbolDeadline())
				evalStart := time.Now()
				symTraces, symEmitted, err := s.evaluateSymbol(symCtx, sym, users, regSnap, paramSnap, quotes, now)
				cancel()
				s.deps.Metrics.ObserveSymbolEval(sym, time.Since(evalStart))

				mu.Lock()
				evaluated++
				emitted += symEmitted
				traces = append(traces, symTraces...)
				if err != nil {
					timeouts++
					traces = append(traces, ports.SymbolTrace{
						Symbol:  sym,
						CandleT: now,
						Outcome: "SKIPPED:" + err.Error(),
					})
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, sym := range symbols {
		select {
		case jobs <- sym:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	return traces, evaluated, emitted, timeouts
}

// evaluateSymbol runs detection, scoring and the gate pipeline for one
// symbol across every active user. The returned error is ErrTickTimeout when
// the per-symbol deadline expired; data problems produce SKIPPED traces, not
// errors.
func (s *Scheduler) evaluateSymbol(
	ctx context.Context,
	symbol string,
	users []string,
	regSnap *regime.Snapshot,
	paramSnap *ports.ParameterSnapshot,
	quotes map[string]ports.PriceQuote,
	now time.Time,
) ([]ports.SymbolTrace, int, error) {
	// degrade to the buffered depth so a partially warmed series still
	// evaluates once it covers the frame minimum
	want := evalCandles
	if have := s.deps.Store.Len(symbol, s.universe.Interval); have < want {
		want = have
	}
	candles, err := s.deps.Store.Snapshot(symbol, s.universe.Interval, want)
	if err != nil {
		return skipTrace(symbol, now, err), 0, nil
	}

	frame, err := pattern.NewFrame(symbol, candles)
	if err != nil {
		return skipTrace(symbol, now, err), 0, nil
	}

	cand := s.deps.Patterns.Run(frame)
	if cand == nil {
		return nil, 0, nil
	}
	if ctx.Err() != nil {
		return nil, 0, ports.ErrTickTimeout
	}

	regimeName := regSnap.Regime.String()
	comp, err := s.deps.Composite.Evaluate(frame, cand.Side, paramSnap.StrategyWeightsFor(regimeName))
	if err != nil {
		return skipTrace(symbol, now, err), 0, nil
	}

	rawScore := s.blendScore(cand, comp, paramSnap, regimeName, candles)
	thresholdMult := regSnap.ThresholdMult * paramSnap.ThresholdMultFor(regimeName, 1.0)

	wantConfirm := confirmCandles
	if have := s.deps.Store.Len(symbol, s.universe.ConfirmInterval); have < wantConfirm {
		wantConfirm = have
	}
	confirm, _ := s.deps.Store.Snapshot(symbol, s.universe.ConfirmInterval, wantConfirm)
	gapCount := s.deps.Store.GapCount(symbol, s.universe.Interval)
	volumeUSD := quoteVolume(quotes, symbol, candles)

	var traces []ports.SymbolTrace
	emitted := 0
	for _, user := range users {
		if ctx.Err() != nil {
			return traces, emitted, ports.ErrTickTimeout
		}

		gctx := &gates.Context{
			Symbol:         symbol,
			UserID:         user,
			Interval:       s.universe.Interval,
			Candidate:      cand,
			Frame:          frame,
			ConfirmCandles: confirm,
			Composite:      comp,
			Regime:         regSnap,
			RawScore:       rawScore,
			ThresholdMult:  thresholdMult,
			GapCount:       gapCount,
			Now:            now,
		}
		trace, ok := s.deps.Pipeline.Run(ctx, gctx)
		if !ok {
			if s.deps.Bus != nil && len(trace.Stages) > 0 {
				last := trace.Stages[len(trace.Stages)-1]
				s.deps.Bus.PublishSignalBlocked(user, symbol, last.Stage, last.Reason)
			}
			traces = append(traces, trace)
			continue
		}

		size, _ := s.deps.Sizer.SizeUSDT(risk.SizeInputs{
			CompositeScore:     comp.Score,
			Quality:            gctx.QualityScore / 100,
			RegimeSizeMult:     regSnap.SizeMult,
			VolatilityPct:      cand.VolatilityPct,
			CorrelationPenalty: gctx.CorrelationPenalty,
		})

		sig, err := s.deps.Emitter.Emit(ctx, signal.Request{
			UserID:             user,
			Candidate:          cand,
			Regime:             regSnap,
			Composite:          comp,
			RawScore:           rawScore,
			QualityScore:       gctx.QualityScore,
			SizeUSDT:           size,
			VolumeUSD:          volumeUSD,
			CorrelationPenalty: gctx.CorrelationPenalty,
		})
		switch {
		case errors.Is(err, signal.ErrDuplicate):
			trace.Outcome = "SKIPPED:duplicate"
		case err != nil:
			trace.Outcome = "ERROR"
			s.logger.Error().Err(err).Str("symbol", symbol).Str("user_id", user).Msg("signal emission failed")
			if s.deps.Bus != nil {
				s.deps.Bus.PublishError("scheduler", "signal emission failed", err)
			}
		default:
			trace.Outcome = "EMITTED"
			emitted++
			s.rememberPending(*sig)
			if s.deps.Risk != nil {
				s.deps.Risk.RecordSignal(user, symbol, cand.Side, now)
			}
			s.deps.Cache.MarkSignalSeen(ctx, user, symbol, string(cand.Side), cand.CandleT, s.universe.Interval.Duration())
		}
		traces = append(traces, trace)
	}
	return traces, emitted, nil
}

// blendScore combines the pattern score (weighted by the learned per-pattern
// weight), the local predictor and the composite bonus into the raw score
// the ai_score gate thresholds.
func (s *Scheduler) blendScore(
	cand *pattern.Candidate,
	comp *strategy.Composite,
	paramSnap *ports.ParameterSnapshot,
	regimeName string,
	candles []market.Candle,
) float64 {
	patternPart := cand.RawScore * paramSnap.PatternWeightFor(regimeName, string(cand.PatternType), 1.0)

	raw := patternPart
	if s.deps.Predictor != nil {
		if pred, err := s.deps.Predictor.Score(cand.Symbol, candles); err == nil {
			raw = 0.6*patternPart + 0.4*pred.DirectionalScore(cand.Side)
		}
	}
	raw += comp.Bonus

	if raw < 0 {
		return 0
	}
	if raw > 100 {
		return 100
	}
	return raw
}

func skipTrace(symbol string, now time.Time, err error) []ports.SymbolTrace {
	return []ports.SymbolTrace{{
		Symbol:  symbol,
		CandleT: now,
		Outcome: "SKIPPED:" + err.Error(),
	}}
}

// quoteVolume prefers the exchange 24h quote volume and falls back to the
// buffered candles when tickers were unavailable this tick.
func quoteVolume(quotes map[string]ports.PriceQuote, symbol string, candles []market.Candle) float64 {
	if q, ok := quotes[symbol]; ok && q.QuoteVolume > 0 {
		return q.QuoteVolume
	}
	window := 96 // one day of 15m candles
	if len(candles) < window {
		window = len(candles)
	}
	var usd float64
	for _, c := range candles[len(candles)-window:] {
		usd += c.Close * c.Volume
	}
	return usd
}

func (s *Scheduler) rememberPending(sig ports.EmittedSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxPending {
		cutoff := time.Now().Add(-24 * time.Hour)
		for id, old := range s.pending {
			if old.CreatedAt.Before(cutoff) {
				delete(s.pending, id)
			}
		}
	}
	s.pending[sig.SignalID] = sig
}

func (s *Scheduler) publish(ev events.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ev)
	}
}
