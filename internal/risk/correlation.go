package risk

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/indicator"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/ports"
)

// Block reasons
const (
	ReasonConcentration      = "concentration"
	ReasonHedgeContradiction = "hedge_contradiction"
	ReasonGroupQuota         = "group_quota_exceeded"
	ReasonCooldown           = "cooldown_active"
)

// historyWindow bounds the per-user signal history used for cooldowns
const historyWindow = 24 * time.Hour

// minOverlap is the smallest paired-return sample worth correlating
const minOverlap = 20

// Config holds the correlation risk thresholds
type Config struct {
	CorrWindow       int            `json:"corr_window"`
	BlockThreshold   float64        `json:"block_threshold"`
	PenaltyThreshold float64        `json:"penalty_threshold"`
	CooldownMin      int            `json:"cooldown_min"`
	GroupQuotas      map[string]int `json:"group_quotas"`
}

// DefaultConfig returns the standard risk thresholds
func DefaultConfig() Config {
	return Config{
		CorrWindow:       100,
		BlockThreshold:   0.85,
		PenaltyThreshold: 0.60,
		CooldownMin:      30,
		GroupQuotas: map[string]int{
			GroupBTCHigh: 2,
			GroupMeme:    2,
		},
	}
}

// CandleSource is the read-only candle view the manager correlates against
type CandleSource interface {
	Snapshot(symbol string, interval market.Interval, n int) ([]market.Candle, error)
}

type signalRecord struct {
	symbol string
	side   market.Side
	at     time.Time
}

// userState is mutated only under its own mutex, which serializes all risk
// decisions for one user while leaving users independent of each other
type userState struct {
	mu        sync.Mutex
	positions map[string]ports.PositionRef // keyed symbol|side
	history   []signalRecord
}

func (st *userState) trim(now time.Time) {
	cutoff := now.Add(-historyWindow)
	kept := st.history[:0]
	for _, rec := range st.history {
		if rec.at.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	st.history = kept
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager owns per-user open-position registries and signal history, and
// answers whether a new candidate is acceptable given what the user already
// holds. Pairwise correlations are cached per (pair, candle) and the cache is
// wiped whenever the candle rolls forward.
type Manager struct {
	cfg      Config
	interval market.Interval
	source   CandleSource
	persist  ports.PersistencePort
	logger   zerolog.Logger

	mu    sync.RWMutex
	users map[string]*userState

	corrMu sync.Mutex
	corr   map[string]float64
	corrT  time.Time
}

// NewManager builds a correlation risk manager. persist may be nil, in which
// case verdicts are only logged.
func NewManager(cfg Config, interval market.Interval, source CandleSource, persist ports.PersistencePort, logger zerolog.Logger) *Manager {
	if cfg.CorrWindow <= 0 {
		cfg.CorrWindow = 100
	}
	return &Manager{
		cfg:      cfg,
		interval: interval,
		source:   source,
		persist:  persist,
		logger:   logger,
		users:    make(map[string]*userState),
		corr:     make(map[string]float64),
	}
}

func (m *Manager) user(userID string) *userState {
	m.mu.RLock()
	st, ok := m.users[userID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.users[userID]; ok {
		return st
	}
	st = &userState{positions: make(map[string]ports.PositionRef)}
	m.users[userID] = st
	return st
}

func posKey(symbol string, side market.Side) string {
	return symbol + "|" + string(side)
}

// Check evaluates a candidate against the user's held positions, group quotas
// and cooldown history. closes is the candidate's own close series.
func (m *Manager) Check(ctx context.Context, userID, symbol string, side market.Side, closes []float64) ports.RiskVerdict {
	st := m.user(userID)
	st.mu.Lock()
	now := time.Now()
	st.trim(now)
	verdict := m.evaluate(st, symbol, side, closes, now)
	st.mu.Unlock()

	m.recordEvent(ctx, userID, symbol, side, verdict, now)
	return verdict
}

// evaluate must be called with st.mu held
func (m *Manager) evaluate(st *userState, symbol string, side market.Side, closes []float64, now time.Time) ports.RiskVerdict {
	maxAbs := 0.0
	maxSym := ""

	candReturns, err := pairReturns(closes, m.cfg.CorrWindow)
	if err == nil && len(st.positions) > 0 {
		keys := make([]string, 0, len(st.positions))
		for k := range st.positions {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		seen := make(map[string]float64, len(keys))
		for _, k := range keys {
			ref := st.positions[k]
			rho, ok := seen[ref.Symbol]
			if !ok {
				rho = m.correlate(symbol, ref.Symbol, candReturns)
				seen[ref.Symbol] = rho
			}
			abs := math.Abs(rho)
			if abs >= m.cfg.BlockThreshold {
				reason := ReasonConcentration
				if ref.Side != side {
					reason = ReasonHedgeContradiction
				}
				return ports.RiskVerdict{
					Decision:       ports.RiskBlock,
					Reason:         reason,
					MaxCorrelation: abs,
					CorrelatedWith: ref.Symbol,
				}
			}
			if abs > maxAbs {
				maxAbs = abs
				maxSym = ref.Symbol
			}
		}
	}

	group := GroupFor(symbol)
	if quota, ok := m.cfg.GroupQuotas[group]; ok && quota > 0 {
		held := 0
		for _, ref := range st.positions {
			if ref.Group == group {
				held++
			}
		}
		if held >= quota {
			return ports.RiskVerdict{
				Decision:       ports.RiskBlock,
				Reason:         ReasonGroupQuota,
				MaxCorrelation: maxAbs,
			}
		}
	}

	if m.cfg.CooldownMin > 0 {
		cutoff := now.Add(-time.Duration(m.cfg.CooldownMin) * time.Minute)
		for _, rec := range st.history {
			if rec.symbol == symbol && rec.side == side && rec.at.After(cutoff) {
				return ports.RiskVerdict{
					Decision:       ports.RiskBlock,
					Reason:         ReasonCooldown,
					MaxCorrelation: maxAbs,
				}
			}
		}
	}

	if maxAbs >= m.cfg.PenaltyThreshold {
		return ports.RiskVerdict{
			Decision:       ports.RiskAllowWithPenalty,
			Penalty:        penaltyFor(maxAbs, m.cfg),
			MaxCorrelation: maxAbs,
			CorrelatedWith: maxSym,
		}
	}
	return ports.RiskVerdict{Decision: ports.RiskAllow, Penalty: 1.0, MaxCorrelation: maxAbs}
}

// penaltyFor maps max |rho| in the penalty band onto a linear size
// multiplier running from 1.0 down to 0.5 at the block threshold
func penaltyFor(maxAbs float64, cfg Config) float64 {
	span := cfg.BlockThreshold - cfg.PenaltyThreshold
	if span <= 0 {
		return 1.0
	}
	p := 1.0 - (maxAbs-cfg.PenaltyThreshold)/span*0.5
	if p < 0.5 {
		return 0.5
	}
	if p > 1.0 {
		return 1.0
	}
	return p
}

// correlate returns the Pearson correlation of log-returns between the
// candidate and a held symbol. Missing or short data degrades to zero: the
// engine would rather trade without the pair reading than refuse on data
// loss.
func (m *Manager) correlate(symbol, held string, candReturns []float64) float64 {
	if symbol == held {
		return 1.0
	}

	candles, err := m.source.Snapshot(held, m.interval, m.cfg.CorrWindow+1)
	if err != nil || len(candles) < 2 {
		m.logger.Warn().
			Str("symbol", symbol).
			Str("held", held).
			Err(err).
			Msg("correlation source unavailable, treating pair as uncorrelated")
		return 0
	}

	t := candles[len(candles)-1].OpenTime
	key := pairCacheKey(symbol, held, t)

	m.corrMu.Lock()
	if t.After(m.corrT) {
		m.corr = make(map[string]float64)
		m.corrT = t
	}
	if rho, ok := m.corr[key]; ok {
		m.corrMu.Unlock()
		return rho
	}
	m.corrMu.Unlock()

	heldReturns, err := pairReturns(market.Closes(candles), m.cfg.CorrWindow)
	if err != nil {
		return 0
	}
	n := len(candReturns)
	if len(heldReturns) < n {
		n = len(heldReturns)
	}
	if n < minOverlap {
		return 0
	}

	rho, err := indicator.Pearson(candReturns[len(candReturns)-n:], heldReturns[len(heldReturns)-n:])
	if err != nil {
		return 0
	}

	m.corrMu.Lock()
	m.corr[key] = rho
	m.corrMu.Unlock()
	return rho
}

func pairCacheKey(a, b string, t time.Time) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b + "|" + strconv.FormatInt(t.Unix(), 10)
}

// pairReturns is the log-return tail used for pairwise correlation
func pairReturns(closes []float64, window int) ([]float64, error) {
	if len(closes) > window+1 {
		closes = closes[len(closes)-window-1:]
	}
	return indicator.LogReturns(closes)
}

func (m *Manager) recordEvent(ctx context.Context, userID, symbol string, side market.Side, v ports.RiskVerdict, now time.Time) {
	if v.Decision == ports.RiskAllow {
		return
	}

	m.logger.Info().
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("decision", v.Decision.String()).
		Str("reason", v.Reason).
		Float64("max_correlation", v.MaxCorrelation).
		Float64("penalty", v.Penalty).
		Msg("correlation verdict")

	if m.persist == nil {
		return
	}
	ev := ports.CorrelationEvent{
		UserID:         userID,
		Symbol:         symbol,
		Side:           side,
		Decision:       v.Decision.String(),
		Reason:         v.Reason,
		MaxCorrelation: v.MaxCorrelation,
		Penalty:        v.Penalty,
		At:             now,
	}
	if err := m.persist.SaveCorrelationEvent(ctx, ev); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist correlation event")
	}
}

// ============================================================================
// STATE MUTATION
// ============================================================================

// RecordOpen registers a newly opened position. Group and OpenedAt are
// filled in when the caller leaves them empty.
func (m *Manager) RecordOpen(userID string, ref ports.PositionRef) {
	if ref.Group == "" {
		ref.Group = GroupFor(ref.Symbol)
	}
	if ref.OpenedAt.IsZero() {
		ref.OpenedAt = time.Now()
	}

	st := m.user(userID)
	st.mu.Lock()
	st.positions[posKey(ref.Symbol, ref.Side)] = ref
	st.mu.Unlock()

	m.logger.Debug().
		Str("user_id", userID).
		Str("symbol", ref.Symbol).
		Str("side", string(ref.Side)).
		Str("group", ref.Group).
		Msg("position registered")
}

// RecordClose removes a position from the registry
func (m *Manager) RecordClose(userID, symbol string, side market.Side) {
	st := m.user(userID)
	st.mu.Lock()
	delete(st.positions, posKey(symbol, side))
	st.mu.Unlock()
}

// RecordSignal appends an emitted signal to the cooldown history
func (m *Manager) RecordSignal(userID, symbol string, side market.Side, t time.Time) {
	st := m.user(userID)
	st.mu.Lock()
	st.history = append(st.history, signalRecord{symbol: symbol, side: side, at: t})
	st.trim(time.Now())
	st.mu.Unlock()
}

// DuplicateWithin reports whether the user already produced a (symbol, side)
// signal inside the window
func (m *Manager) DuplicateWithin(userID, symbol string, side market.Side, window time.Duration) bool {
	st := m.user(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().Add(-window)
	for _, rec := range st.history {
		if rec.symbol == symbol && rec.side == side && rec.at.After(cutoff) {
			return true
		}
	}
	return false
}

// Snapshot returns the user's current risk summary
func (m *Manager) Snapshot(userID string) *ports.RiskStatus {
	st := m.user(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.trim(time.Now())

	status := &ports.RiskStatus{
		UserID:         userID,
		SignalsLast24h: len(st.history),
		GroupCounts:    make(map[string]int),
	}

	keys := make([]string, 0, len(st.positions))
	for k := range st.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ref := st.positions[k]
		status.OpenPositions = append(status.OpenPositions, ref)
		status.GroupCounts[ref.Group]++
	}
	return status
}

// Rehydrate rebuilds the open-position registry from storage. Runs once at
// startup, after persistence is up and before the scheduler starts.
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	if m.persist == nil {
		return 0, nil
	}
	positions, err := m.persist.LoadAllOpenPositions(ctx)
	if err != nil {
		return 0, err
	}

	for _, pos := range positions {
		m.RecordOpen(pos.UserID, ports.PositionRef{
			Symbol:   pos.Symbol,
			Side:     pos.Side,
			Group:    pos.Group,
			OpenedAt: pos.OpenedAt,
		})
	}

	m.logger.Info().Int("positions", len(positions)).Msg("correlation state rehydrated")
	return len(positions), nil
}
