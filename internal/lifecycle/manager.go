package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config tunes trailing stop, partial take-profit and the sweep cadence.
// Percent fields are expressed in percent (1.0 means 1%).
type Config struct {
	TickInterval           time.Duration `json:"tick_interval"`
	ActivationMinProfitPct float64       `json:"activation_min_profit_pct"`
	KTrail                 float64       `json:"k_trail"`
	MinTrailDistancePct    float64       `json:"min_trail_distance_pct"`
	MaxTrailDistancePct    float64       `json:"max_trail_distance_pct"`
	BreakevenOffsetPct     float64       `json:"breakeven_offset_pct"`
	TP1SplitPct            float64       `json:"tp1_split_pct"`
	MinPartialSizeUSDT     float64       `json:"min_partial_size_usdt"`
}

// DefaultConfig returns the standard lifecycle tuning
func DefaultConfig() Config {
	return Config{
		TickInterval:           30 * time.Second,
		ActivationMinProfitPct: 1.0,
		KTrail:                 1.0,
		MinTrailDistancePct:    0.5,
		MaxTrailDistancePct:    3.0,
		BreakevenOffsetPct:     0.3,
		TP1SplitPct:            50,
		MinPartialSizeUSDT:     50,
	}
}

// ============================================================================
// COLLABORATOR PORTS
// ============================================================================

// PriceSource supplies the latest traded price per symbol
type PriceSource interface {
	LastClose(symbol string) (float64, error)
}

// PositionStore is the slice of the persistence port the manager needs
type PositionStore interface {
	SavePosition(ctx context.Context, pos ports.Position) error
	LoadAllOpenPositions(ctx context.Context) ([]ports.Position, error)
}

// OutcomeRecorder receives every terminal transition exactly once per sweep;
// it owns result idempotency
type OutcomeRecorder interface {
	Record(ctx context.Context, pos ports.Position, exitPrice float64, closedAt time.Time) (ports.TradeResult, error)
}

// PositionBook is told when a tracked position closes so exposure
// bookkeeping stays in sync
type PositionBook interface {
	RecordClose(userID, symbol string, side market.Side)
}

// Updater queues message edits for delivered signals
type Updater interface {
	EnqueueUpdate(userID string, ref ports.MessageRef, patch ports.UpdatePatch) error
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager drives every open position through its SL / partial-TP / trailing
// lifecycle on a periodic sweep. It is the single writer for position state;
// the in-memory map is the source of truth and storage is write-behind, so a
// failed save or dispatch never rolls a transition back.
type Manager struct {
	cfg      Config
	prices   PriceSource
	persist  PositionStore
	recorder OutcomeRecorder
	book     PositionBook
	updater  Updater
	bus      *events.EventBus
	logger   zerolog.Logger

	mu        sync.RWMutex
	positions map[string]*ports.Position
}

// NewManager builds a lifecycle manager. recorder, book, updater and bus may
// be nil; persist may be nil in tests.
func NewManager(cfg Config, prices PriceSource, persist PositionStore, recorder OutcomeRecorder, book PositionBook, updater Updater, bus *events.EventBus, logger zerolog.Logger) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		prices:    prices,
		persist:   persist,
		recorder:  recorder,
		book:      book,
		updater:   updater,
		bus:       bus,
		logger:    logger,
		positions: make(map[string]*ports.Position),
	}
}

func posKey(userID, signalID string) string {
	return userID + "|" + signalID
}

// PositionFromSignal builds the initial OPEN position for an accepted signal
func PositionFromSignal(sig ports.EmittedSignal, ref ports.MessageRef, group string, now time.Time) ports.Position {
	return ports.Position{
		SignalID:       sig.SignalID,
		UserID:         sig.UserID,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Entry:          sig.Entry,
		SizeUSDT:       sig.SizeUSDT,
		RemainingSize:  sig.SizeUSDT,
		StopLoss:       sig.StopLoss,
		TP1:            sig.TP1,
		TP2:            sig.TP2,
		HighWaterMark:  sig.Entry,
		ATR:            sig.ATR,
		PatternType:    sig.PatternType,
		Regime:         sig.Regime,
		RawScore:       sig.RawScore,
		CompositeScore: sig.CompositeScore,
		CompositeConf:  sig.CompositeConfidence,
		VolatilityPct:  sig.VolatilityPct,
		VolumeUSD:      sig.VolumeUSD,
		Group:          group,
		Status:         ports.PositionOpen,
		MessageRef:     ref,
		OpenedAt:       now,
		LastUpdate:     now,
	}
}

// Track registers an accepted signal as an open position. Idempotent: a
// second accept of the same (user, signal) returns the live position
// unchanged.
func (m *Manager) Track(ctx context.Context, sig ports.EmittedSignal, ref ports.MessageRef, group string, now time.Time) ports.Position {
	key := posKey(sig.UserID, sig.SignalID)

	m.mu.Lock()
	if existing, ok := m.positions[key]; ok {
		cp := *existing
		m.mu.Unlock()
		return cp
	}
	pos := PositionFromSignal(sig, ref, group, now)
	m.positions[key] = &pos
	m.mu.Unlock()

	m.persistPos(ctx, &pos)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventPositionOpened,
			UserID:    pos.UserID,
			Timestamp: now,
			Data: map[string]interface{}{
				"signal_id": pos.SignalID,
				"symbol":    pos.Symbol,
				"side":      string(pos.Side),
				"entry":     pos.Entry,
				"size_usdt": pos.SizeUSDT,
			},
		})
	}
	m.logger.Info().
		Str("signal_id", pos.SignalID).
		Str("user_id", pos.UserID).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("entry", pos.Entry).
		Float64("size_usdt", pos.SizeUSDT).
		Msg("tracking position")
	return pos
}

// Rehydrate reloads open positions from storage after a restart
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	if m.persist == nil {
		return 0, nil
	}
	open, err := m.persist.LoadAllOpenPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}

	m.mu.Lock()
	n := 0
	for i := range open {
		if open[i].Status.Terminal() {
			continue
		}
		pos := open[i]
		m.positions[posKey(pos.UserID, pos.SignalID)] = &pos
		n++
	}
	m.mu.Unlock()

	m.logger.Info().Int("positions", n).Msg("position state rehydrated")
	return n, nil
}

// Run sweeps all tracked positions until the context is cancelled
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.TickInterval).Msg("lifecycle manager started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("lifecycle manager stopped")
			return
		case now := <-ticker.C:
			m.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep evaluates every tracked position against its latest price
func (m *Manager) Sweep(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, pos := range m.positions {
		if pos.Status.Terminal() {
			delete(m.positions, key)
			continue
		}
		p, err := m.prices.LastClose(pos.Symbol)
		if err != nil || p <= 0 {
			m.logger.Debug().Str("symbol", pos.Symbol).Msg("no price for tracked position, skipping")
			continue
		}
		m.evaluate(ctx, pos, p, now)
	}
}

// OpenPositions returns the user's live positions ordered by open time
func (m *Manager) OpenPositions(userID string) []ports.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ports.Position, 0)
	for _, pos := range m.positions {
		if pos.UserID == userID && !pos.Status.Terminal() {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].SignalID < out[j].SignalID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count returns the number of tracked positions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// ForceCloseUser closes all of one user's positions at the current price.
// Returns the number of positions closed.
func (m *Manager) ForceCloseUser(ctx context.Context, userID string, now time.Time) int {
	return m.forceClose(ctx, func(pos *ports.Position) bool { return pos.UserID == userID }, now)
}

// ForceCloseAll closes every tracked position at the current price
func (m *Manager) ForceCloseAll(ctx context.Context, now time.Time) int {
	return m.forceClose(ctx, func(*ports.Position) bool { return true }, now)
}

func (m *Manager) forceClose(ctx context.Context, match func(*ports.Position) bool, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, pos := range m.positions {
		if pos.Status.Terminal() || !match(pos) {
			continue
		}
		exit := pos.Entry
		if p, err := m.prices.LastClose(pos.Symbol); err == nil && p > 0 {
			exit = p
		}
		m.closeLocked(ctx, pos, exit, ports.PositionClosedManual, now)
		n++
	}
	return n
}

// ============================================================================
// STATE MACHINE
// ============================================================================

// evaluate runs one position through SL → TP2 → partial TP → trailing, in
// that order. SL wins when a single tick crosses both SL and a target.
func (m *Manager) evaluate(ctx context.Context, pos *ports.Position, p float64, now time.Time) {
	long := pos.Side == market.Long

	slHit := (long && p <= pos.StopLoss) || (!long && p >= pos.StopLoss)
	if slHit {
		m.closeLocked(ctx, pos, pos.StopLoss, ports.PositionClosedSL, now)
		return
	}

	tp2Hit := (long && p >= pos.TP2) || (!long && p <= pos.TP2)
	if tp2Hit {
		m.closeLocked(ctx, pos, pos.TP2, ports.PositionClosedTP, now)
		return
	}

	tp1Hit := (long && p >= pos.TP1) || (!long && p <= pos.TP1)
	if tp1Hit && !pos.TP1Hit && pos.RemainingSize >= m.cfg.MinPartialSizeUSDT {
		m.partialClose(ctx, pos, now)
		if pos.Status.Terminal() {
			return
		}
	}

	m.trail(ctx, pos, p, now)
}

// partialClose fills tp1SplitPct of the remaining size at TP1 and moves the
// stop to breakeven plus the configured offset
func (m *Manager) partialClose(ctx context.Context, pos *ports.Position, now time.Time) {
	closed := pos.RemainingSize * m.cfg.TP1SplitPct / 100
	if closed >= pos.RemainingSize {
		m.closeLocked(ctx, pos, pos.TP1, ports.PositionClosedTP, now)
		return
	}

	long := pos.Side == market.Long
	pos.RemainingSize -= closed
	pos.TP1Hit = true
	pos.Status = ports.PositionTP1Partial
	if be := m.breakevenStop(pos); (long && be > pos.StopLoss) || (!long && be < pos.StopLoss) {
		pos.StopLoss = be
	}
	pos.LastUpdate = now

	m.persistPos(ctx, pos)
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventPositionUpdated,
			UserID:    pos.UserID,
			Timestamp: now,
			Data: map[string]interface{}{
				"signal_id":      pos.SignalID,
				"symbol":         pos.Symbol,
				"status":         string(ports.PositionTP1Partial),
				"closed_usdt":    closed,
				"remaining_usdt": pos.RemainingSize,
				"stop_loss":      pos.StopLoss,
			},
		})
	}
	m.notify(pos, ports.UpdatePatch{
		Status: string(ports.PositionTP1Partial),
		Text:   fmt.Sprintf("✅ %s TP1 hit: closed %.1f USDT, %.1f remaining, SL → %.4f", pos.Symbol, closed, pos.RemainingSize, pos.StopLoss),
	})
	m.logger.Info().
		Str("signal_id", pos.SignalID).
		Str("symbol", pos.Symbol).
		Float64("closed_usdt", closed).
		Float64("remaining_usdt", pos.RemainingSize).
		Float64("stop_loss", pos.StopLoss).
		Msg("partial take profit filled")
}

// trail arms the trailing stop once unrealized profit reaches the
// activation threshold, then ratchets the stop toward price. On the arming
// tick only the breakeven move applies; price-based candidates start on the
// next sweep.
func (m *Manager) trail(ctx context.Context, pos *ports.Position, p float64, now time.Time) {
	long := pos.Side == market.Long
	profitPct := (p - pos.Entry) / pos.Entry * 100
	if !long {
		profitPct = (pos.Entry - p) / pos.Entry * 100
	}

	if !pos.TrailingActive {
		if profitPct < m.cfg.ActivationMinProfitPct {
			return
		}
		pos.TrailingActive = true
		m.advanceWaterMark(pos, p)
		old := pos.StopLoss
		if be := m.breakevenStop(pos); (long && be > pos.StopLoss) || (!long && be < pos.StopLoss) {
			pos.StopLoss = be
		}
		pos.LastUpdate = now
		m.persistPos(ctx, pos)
		if pos.StopLoss != old {
			m.publishTrail(pos, old, now)
		}
		m.logger.Info().
			Str("signal_id", pos.SignalID).
			Str("symbol", pos.Symbol).
			Float64("profit_pct", profitPct).
			Float64("stop_loss", pos.StopLoss).
			Msg("trailing stop armed")
		return
	}

	m.advanceWaterMark(pos, p)

	dist := m.cfg.KTrail * pos.ATR * regime.ParseRegime(pos.Regime).Multipliers().SL
	if min := p * m.cfg.MinTrailDistancePct / 100; dist < min {
		dist = min
	}
	if max := p * m.cfg.MaxTrailDistancePct / 100; dist > max {
		dist = max
	}

	cand := p - dist
	if !long {
		cand = p + dist
	}
	if be := m.breakevenStop(pos); (long && cand < be) || (!long && cand > be) {
		cand = be
	}

	improved := (long && cand > pos.StopLoss) || (!long && cand < pos.StopLoss)
	if !improved {
		return
	}

	old := pos.StopLoss
	pos.StopLoss = cand
	pos.LastUpdate = now
	m.persistPos(ctx, pos)
	m.publishTrail(pos, old, now)
	m.logger.Debug().
		Str("signal_id", pos.SignalID).
		Str("symbol", pos.Symbol).
		Float64("old_sl", old).
		Float64("new_sl", cand).
		Float64("price", p).
		Msg("trailing stop advanced")
}

// closeLocked finalizes a terminal transition. Storage, result recording and
// notification failures are logged but never undo the transition.
func (m *Manager) closeLocked(ctx context.Context, pos *ports.Position, exitPrice float64, status ports.PositionStatus, now time.Time) {
	pos.Status = status
	pos.RemainingSize = 0
	pos.LastUpdate = now

	m.persistPos(ctx, pos)
	if m.recorder != nil {
		if _, err := m.recorder.Record(ctx, *pos, exitPrice, now); err != nil {
			m.logger.Error().
				Err(err).
				Str("signal_id", pos.SignalID).
				Msg("trade result recording failed")
		}
	}
	if m.book != nil {
		m.book.RecordClose(pos.UserID, pos.Symbol, pos.Side)
	}

	var text string
	switch status {
	case ports.PositionClosedTP:
		text = fmt.Sprintf("🎯 %s closed at %.4f", pos.Symbol, exitPrice)
	case ports.PositionClosedSL:
		text = fmt.Sprintf("🛑 %s stopped out at %.4f", pos.Symbol, exitPrice)
	default:
		text = fmt.Sprintf("✋ %s closed manually at %.4f", pos.Symbol, exitPrice)
	}
	m.notify(pos, ports.UpdatePatch{Status: string(status), Text: text})

	delete(m.positions, posKey(pos.UserID, pos.SignalID))
	m.logger.Info().
		Str("signal_id", pos.SignalID).
		Str("user_id", pos.UserID).
		Str("symbol", pos.Symbol).
		Str("status", string(status)).
		Float64("exit_price", exitPrice).
		Msg("position closed")
}

// ============================================================================
// HELPERS
// ============================================================================

func (m *Manager) breakevenStop(pos *ports.Position) float64 {
	if pos.Side == market.Long {
		return pos.Entry * (1 + m.cfg.BreakevenOffsetPct/100)
	}
	return pos.Entry * (1 - m.cfg.BreakevenOffsetPct/100)
}

func (m *Manager) advanceWaterMark(pos *ports.Position, p float64) {
	if pos.Side == market.Long {
		if p > pos.HighWaterMark {
			pos.HighWaterMark = p
		}
		return
	}
	if pos.HighWaterMark == 0 || p < pos.HighWaterMark {
		pos.HighWaterMark = p
	}
}

func (m *Manager) publishTrail(pos *ports.Position, oldSL float64, now time.Time) {
	if m.bus != nil {
		m.bus.PublishTrailingMoved(pos.UserID, pos.SignalID, pos.Symbol, oldSL, pos.StopLoss)
	}
	m.notify(pos, ports.UpdatePatch{
		Status: "TRAILING",
		Text:   fmt.Sprintf("🔒 %s %s SL → %.4f", pos.Symbol, pos.Side, pos.StopLoss),
	})
}

func (m *Manager) notify(pos *ports.Position, patch ports.UpdatePatch) {
	if m.updater == nil || pos.MessageRef == "" {
		return
	}
	if err := m.updater.EnqueueUpdate(pos.UserID, pos.MessageRef, patch); err != nil {
		m.logger.Warn().
			Err(err).
			Str("signal_id", pos.SignalID).
			Msg("lifecycle update enqueue failed")
	}
}

func (m *Manager) persistPos(ctx context.Context, pos *ports.Position) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SavePosition(ctx, *pos); err != nil {
		m.logger.Error().
			Err(err).
			Str("signal_id", pos.SignalID).
			Msg("persist position failed")
	}
}
