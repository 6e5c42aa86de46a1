package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"futures-signal-engine/internal/market"
)

// The engine core is bounded by the ports in this package. Adapters live in
// their own packages (exchange, notification, database); the core only ever
// sees these contracts.

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrSymbolUnknown indicates the exchange does not list the symbol
	ErrSymbolUnknown = errors.New("symbol unknown")
	// ErrNetwork wraps transport-level failures talking to the exchange
	ErrNetwork = errors.New("network failure")
	// ErrDeliveryFailed indicates a notification was rejected permanently
	ErrDeliveryFailed = errors.New("notification delivery failed")
	// ErrInvalidCandidate indicates a candidate violated the level invariant
	// (sl < entry < tp1 <= tp2 for LONG, mirrored for SHORT)
	ErrInvalidCandidate = errors.New("invalid signal candidate")
	// ErrTickTimeout indicates a per-symbol tick job exceeded its deadline
	ErrTickTimeout = errors.New("tick deadline exceeded")
	// ErrNotFound indicates a control-surface lookup missed (user, signal,
	// trace)
	ErrNotFound = errors.New("not found")
)

// ErrRateLimited reports exchange throttling. RetryAfter is the
// server-provided backoff and is authoritative: callers pause fetching for
// at least that long.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ErrFlood reports notification flood control. RetryAfter is authoritative.
type ErrFlood struct {
	RetryAfter time.Duration
}

func (e *ErrFlood) Error() string {
	return fmt.Sprintf("flood control, retry after %s", e.RetryAfter)
}

// ============================================================================
// EXCHANGE PORT
// ============================================================================

// PriceQuote is a 24h ticker entry
type PriceQuote struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	QuoteVolume  float64   `json:"quote_volume"` // 24h volume in USD terms
	PriceChange  float64   `json:"price_change_pct"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExchangePort is the engine's only view of market data. Implementations
// surface *ErrRateLimited, ErrSymbolUnknown and ErrNetwork.
type ExchangePort interface {
	FetchCandles(ctx context.Context, symbol string, interval market.Interval, limit int) ([]market.Candle, error)
	FetchTickers(ctx context.Context) (map[string]PriceQuote, error)
	ListSymbols(ctx context.Context) ([]string, error)
}

// ============================================================================
// NOTIFICATION PORT
// ============================================================================

// MessageRef is an opaque handle to a delivered notification, used for
// lifecycle edits
type MessageRef string

// RenderedSignal is the payload handed to the notification adapter. Text is
// the pre-rendered message body; the structured fields let adapters build
// their own layout if they prefer.
type RenderedSignal struct {
	SignalID   string      `json:"signal_id"`
	Symbol     string      `json:"symbol"`
	Side       market.Side `json:"side"`
	Entry      float64     `json:"entry"`
	StopLoss   float64     `json:"stop_loss"`
	TP1        float64     `json:"tp1"`
	TP2        float64     `json:"tp2"`
	SizeUSDT   float64     `json:"size_usdt"`
	Leverage   int         `json:"leverage"`
	Confidence float64     `json:"confidence"`
	Regime     string      `json:"regime"`
	Text       string      `json:"text"`
}

// UpdatePatch describes a lifecycle edit to an already-delivered message
type UpdatePatch struct {
	Status string `json:"status"` // TP1_PARTIAL, CLOSED_TP, CLOSED_SL, CLOSED_MANUAL, TRAILING
	Text   string `json:"text"`
}

// NotificationPort delivers signals and lifecycle updates to users.
// Implementations surface *ErrFlood and ErrDeliveryFailed.
type NotificationPort interface {
	Emit(ctx context.Context, userID string, sig RenderedSignal) (MessageRef, error)
	Update(ctx context.Context, ref MessageRef, patch UpdatePatch) error
}

// ============================================================================
// PERSISTED RECORDS
// ============================================================================

// SignalStatus tracks an emitted signal's delivery state
type SignalStatus string

const (
	SignalPending   SignalStatus = "PENDING"
	SignalDelivered SignalStatus = "DELIVERED"
	SignalAccepted  SignalStatus = "ACCEPTED"
	SignalDead      SignalStatus = "DEAD_LETTER"
)

// EmittedSignal is the persisted record of a signal that survived the full
// pipeline. Unique on (UserID, Symbol, Side, CandleT).
type EmittedSignal struct {
	SignalID            string       `json:"signal_id"`
	UserID              string       `json:"user_id"`
	Symbol              string       `json:"symbol"`
	Side                market.Side  `json:"side"`
	Entry               float64      `json:"entry"`
	StopLoss            float64      `json:"stop_loss"`
	TP1                 float64      `json:"tp1"`
	TP2                 float64      `json:"tp2"`
	SizeUSDT            float64      `json:"size_usdt"`
	Leverage            int          `json:"leverage"`
	PatternType         string       `json:"pattern_type"`
	Regime              string       `json:"regime"`
	RawScore            float64      `json:"raw_score"`
	CompositeScore      float64      `json:"composite_score"`
	CompositeConfidence float64      `json:"composite_confidence"`
	QualityScore        float64      `json:"quality_score"`
	ATR                 float64      `json:"atr"`
	VolatilityPct       float64      `json:"volatility_pct"`
	VolumeUSD           float64      `json:"volume_usd"`
	CandleT             time.Time    `json:"candle_t"`
	Status              SignalStatus `json:"status"`
	MessageRef          MessageRef   `json:"message_ref"`
	CreatedAt           time.Time    `json:"created_at"`
}

// PositionStatus is the lifecycle state of a tracked position
type PositionStatus string

const (
	PositionOpen         PositionStatus = "OPEN"
	PositionTP1Partial   PositionStatus = "TP1_PARTIAL"
	PositionClosedTP     PositionStatus = "CLOSED_TP"
	PositionClosedSL     PositionStatus = "CLOSED_SL"
	PositionClosedManual PositionStatus = "CLOSED_MANUAL"
)

// Terminal reports whether the status is a closed state
func (s PositionStatus) Terminal() bool {
	switch s {
	case PositionClosedTP, PositionClosedSL, PositionClosedManual:
		return true
	}
	return false
}

// Position is a synthetic position tracked through its SL/TP/trailing
// lifecycle. Mutated only by the lifecycle manager.
type Position struct {
	SignalID       string         `json:"signal_id"`
	UserID         string         `json:"user_id"`
	Symbol         string         `json:"symbol"`
	Side           market.Side    `json:"side"`
	Entry          float64        `json:"entry"`
	SizeUSDT       float64        `json:"size_usdt"`
	RemainingSize  float64        `json:"remaining_size"`
	StopLoss       float64        `json:"stop_loss"`
	TP1            float64        `json:"tp1"`
	TP2            float64        `json:"tp2"`
	TP1Hit         bool           `json:"tp1_hit"`
	TrailingActive bool           `json:"trailing_active"`
	HighWaterMark  float64        `json:"high_water_mark"`
	ATR            float64        `json:"atr"` // at entry
	PatternType    string         `json:"pattern_type"`
	Regime         string         `json:"regime"` // at entry
	RawScore       float64        `json:"raw_score"`
	CompositeScore float64        `json:"composite_score"`
	CompositeConf  float64        `json:"composite_confidence"`
	VolatilityPct  float64        `json:"volatility_pct"`
	VolumeUSD      float64        `json:"volume_usd"`
	Group          string         `json:"group"`
	Status         PositionStatus `json:"status"`
	MessageRef     MessageRef     `json:"message_ref"`
	OpenedAt       time.Time      `json:"opened_at"`
	LastUpdate     time.Time      `json:"last_update"`
}

// TradeResult is written exactly once per fully-closed position, keyed by
// (UserID, SignalID)
type TradeResult struct {
	SignalID            string      `json:"signal_id"`
	UserID              string      `json:"user_id"`
	Symbol              string      `json:"symbol"`
	PatternType         string      `json:"pattern_type"`
	Side                market.Side `json:"side"`
	EntryPrice          float64     `json:"entry_price"`
	ExitPrice           float64     `json:"exit_price"`
	PnlPct              float64     `json:"pnl_pct"`
	IsWinner            bool        `json:"is_winner"`
	DurationHours       float64     `json:"duration_hours"`
	AIScore             float64     `json:"ai_score"`
	MarketRegime        string      `json:"market_regime"`
	CompositeScore      float64     `json:"composite_score"`
	CompositeConfidence float64     `json:"composite_confidence"`
	VolumeUSD           float64     `json:"volume_usd"`
	VolatilityPct       float64     `json:"volatility_pct"`
	ExitReason          string      `json:"exit_reason"` // CLOSED_TP, CLOSED_SL, CLOSED_MANUAL
	ClosedAt            time.Time   `json:"closed_at"`
}

// ParameterSnapshot is the immutable bundle published by the adaptive
// controller. Readers pin one snapshot at tick start and never swap
// mid-tick. Maps are keyed by regime name and pattern/strategy name.
type ParameterSnapshot struct {
	Version                int                           `json:"version"`
	AsOf                   time.Time                     `json:"as_of"`
	ThresholdMult          map[string]float64            `json:"threshold_mult"`
	PatternWeights         map[string]map[string]float64 `json:"pattern_weights"`
	StrategyWeights        map[string]map[string]float64 `json:"strategy_weights"`
	MinCompositeConfidence float64                       `json:"min_composite_confidence"`
}

// ThresholdMultFor returns the learned threshold multiplier for a regime,
// or fallback when the snapshot has none.
func (p *ParameterSnapshot) ThresholdMultFor(regime string, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	if m, ok := p.ThresholdMult[regime]; ok && m > 0 {
		return m
	}
	return fallback
}

// StrategyWeightsFor returns the strategy weight row for a regime, nil when
// the snapshot has none.
func (p *ParameterSnapshot) StrategyWeightsFor(regime string) map[string]float64 {
	if p == nil {
		return nil
	}
	return p.StrategyWeights[regime]
}

// PatternWeightFor returns the learned weight for a pattern under a regime,
// or fallback when the snapshot has none.
func (p *ParameterSnapshot) PatternWeightFor(regime, patternType string, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	if row, ok := p.PatternWeights[regime]; ok {
		if w, ok := row[patternType]; ok && w > 0 {
			return w
		}
	}
	return fallback
}

// CorrelationEvent records a correlation-risk decision for diagnostics
type CorrelationEvent struct {
	UserID         string      `json:"user_id"`
	Symbol         string      `json:"symbol"`
	Side           market.Side `json:"side"`
	Decision       string      `json:"decision"` // ALLOW, ALLOW_WITH_PENALTY, BLOCK
	Reason         string      `json:"reason"`
	MaxCorrelation float64     `json:"max_correlation"`
	Penalty        float64     `json:"penalty"`
	At             time.Time   `json:"at"`
}

// DeadLetter records a dispatch that exhausted its retry budget or was
// dropped on overflow
type DeadLetter struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"` // signal_emit, lifecycle_update
	UserID        string    `json:"user_id"`
	Payload       []byte    `json:"payload"`
	Reason        string    `json:"reason"` // RetryExhausted, DispatchOverflow, BreakerOpen
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	FirstFailedAt time.Time `json:"first_failed_at"`
}

// ============================================================================
// PERSISTENCE PORT
// ============================================================================

// PersistencePort is the engine's storage contract. SaveSignal and
// SaveTradeResult are idempotent by their natural keys; re-saving an existing
// record is a no-op. SaveSignal reports whether the row was newly inserted so
// callers can suppress duplicate dispatch.
type PersistencePort interface {
	SaveCandles(ctx context.Context, symbol string, interval market.Interval, candles []market.Candle) error

	SaveSignal(ctx context.Context, sig EmittedSignal) (bool, error)
	UpdateSignalStatus(ctx context.Context, signalID string, status SignalStatus, ref MessageRef) error
	LoadSignal(ctx context.Context, signalID string) (*EmittedSignal, error)

	SavePosition(ctx context.Context, pos Position) error
	LoadOpenPositions(ctx context.Context, userID string) ([]Position, error)
	LoadAllOpenPositions(ctx context.Context) ([]Position, error)

	SaveTradeResult(ctx context.Context, res TradeResult) error
	LoadTradeResults(ctx context.Context, since time.Time) ([]TradeResult, error)

	PublishParameterSnapshot(ctx context.Context, snap ParameterSnapshot) error
	LoadParameterSnapshot(ctx context.Context) (*ParameterSnapshot, error)

	SaveCorrelationEvent(ctx context.Context, ev CorrelationEvent) error
	SaveDeadLetter(ctx context.Context, dl DeadLetter) error
}

// ============================================================================
// CONTROL PORT
// ============================================================================

// PositionRef is the correlation manager's view of one held position
type PositionRef struct {
	Symbol   string      `json:"symbol"`
	Side     market.Side `json:"side"`
	Group    string      `json:"group"`
	OpenedAt time.Time   `json:"opened_at"`
}

// RiskDecision classifies a correlation risk verdict
type RiskDecision int

const (
	RiskAllow RiskDecision = iota
	RiskAllowWithPenalty
	RiskBlock
)

func (d RiskDecision) String() string {
	switch d {
	case RiskAllow:
		return "ALLOW"
	case RiskAllowWithPenalty:
		return "ALLOW_WITH_PENALTY"
	case RiskBlock:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// RiskVerdict is the correlation risk manager's answer for one candidate.
// Penalty is a size multiplier: 1.0 when unconstrained, in [0.5, 1.0) when
// correlation is elevated but tolerable.
type RiskVerdict struct {
	Decision       RiskDecision `json:"decision"`
	Reason         string       `json:"reason,omitempty"`
	Penalty        float64      `json:"penalty"`
	MaxCorrelation float64      `json:"max_correlation"`
	CorrelatedWith string       `json:"correlated_with,omitempty"`
}

// RiskStatus is the per-user risk summary served by the control port
type RiskStatus struct {
	UserID         string         `json:"user_id"`
	Paused         bool           `json:"paused"`
	OpenPositions  []PositionRef  `json:"open_positions"`
	SignalsLast24h int            `json:"signals_last_24h"`
	GroupCounts    map[string]int `json:"group_counts"`
}

// StageResult is one gate evaluation in the filter trace
type StageResult struct {
	Stage   string             `json:"stage"`
	Passed  bool               `json:"passed"`
	Reason  string             `json:"reason,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// SymbolTrace is the ordered gate trace for one (symbol, user) in one tick
type SymbolTrace struct {
	Symbol  string        `json:"symbol"`
	UserID  string        `json:"user_id"`
	CandleT time.Time     `json:"candle_t"`
	Stages  []StageResult `json:"stages"`
	Outcome string        `json:"outcome"` // EMITTED, BLOCKED:<stage>, SKIPPED:<err>, ERROR
}

// TickTrace is the full filter-trace table for one scheduler tick
type TickTrace struct {
	TickID    string        `json:"tick_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Regime    string        `json:"regime"`
	Symbols   []SymbolTrace `json:"symbols"`
}

// ControlPort is the engine's exposed admin surface, consumed by the HTTP
// API server.
type ControlPort interface {
	PauseUser(userID string) error
	ResumeUser(userID string) error
	ForceCloseAll(ctx context.Context, userID string) (int, error)
	AcceptSignal(ctx context.Context, userID, signalID string) error
	GetFilterTrace(tickID string) (*TickTrace, bool)
	LatestFilterTrace() (*TickTrace, bool)
	GetRiskStatus(userID string) (*RiskStatus, error)
	Status() map[string]interface{}
}
