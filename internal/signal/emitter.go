package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/pattern"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
	"futures-signal-engine/internal/strategy"
)

// ErrDuplicate reports that a signal for the same (user, symbol, side,
// candle) was already persisted; the new one is dropped without dispatch.
var ErrDuplicate = errors.New("signal already emitted for this candle")

// Config holds the level geometry applied on top of ATR and the regime
// multipliers
type Config struct {
	KSL      float64 `json:"k_sl"`
	KTP1     float64 `json:"k_tp1"`
	KTP2     float64 `json:"k_tp2"`
	Leverage int     `json:"leverage"`
}

// DefaultConfig returns the standard level geometry
func DefaultConfig() Config {
	return Config{KSL: 1.5, KTP1: 1.5, KTP2: 3.0, Leverage: 10}
}

// Levels are the protective prices attached to a signal
type Levels struct {
	StopLoss float64
	TP1      float64
	TP2      float64
}

// ComputeLevels derives SL/TP prices from ATR and the regime multipliers and
// enforces the level ordering (sl < entry < tp1 <= tp2 for LONG, mirrored
// for SHORT). A violation returns ports.ErrInvalidCandidate.
func ComputeLevels(cfg Config, side market.Side, entry, atr, slMult, tpMult float64) (Levels, error) {
	if entry <= 0 || atr <= 0 {
		return Levels{}, ports.ErrInvalidCandidate
	}

	var lv Levels
	if side == market.Long {
		lv.StopLoss = entry - cfg.KSL*atr*slMult
		lv.TP1 = entry + cfg.KTP1*atr*tpMult
		lv.TP2 = entry + cfg.KTP2*atr*tpMult
		if lv.StopLoss <= 0 || !(lv.StopLoss < entry && entry < lv.TP1 && lv.TP1 <= lv.TP2) {
			return Levels{}, ports.ErrInvalidCandidate
		}
	} else {
		lv.StopLoss = entry + cfg.KSL*atr*slMult
		lv.TP1 = entry - cfg.KTP1*atr*tpMult
		lv.TP2 = entry - cfg.KTP2*atr*tpMult
		if lv.TP2 <= 0 || !(lv.TP2 <= lv.TP1 && lv.TP1 < entry && entry < lv.StopLoss) {
			return Levels{}, ports.ErrInvalidCandidate
		}
	}
	return lv, nil
}

// SignalStore is the slice of the persistence port the emitter needs
type SignalStore interface {
	SaveSignal(ctx context.Context, sig ports.EmittedSignal) (bool, error)
}

// Dispatcher is the async delivery queue the emitter hands signals to
type Dispatcher interface {
	EnqueueSignal(userID string, sig ports.RenderedSignal) error
}

// Request carries everything the pipeline learned about one candidate into
// the emitter
type Request struct {
	UserID             string
	Candidate          *pattern.Candidate
	Regime             *regime.Snapshot
	Composite          *strategy.Composite
	RawScore           float64
	QualityScore       float64 // 0-100
	SizeUSDT           float64
	VolumeUSD          float64
	CorrelationPenalty float64
}

// Emitter turns an approved candidate into a persisted, dispatched signal.
// Persistence is idempotent on (user, symbol, side, candleT); dispatch is
// asynchronous and its failures never roll back the persisted record.
type Emitter struct {
	cfg        Config
	persist    SignalStore
	dispatcher Dispatcher
	bus        *events.EventBus
	logger     zerolog.Logger
}

// NewEmitter builds an emitter. dispatcher and bus may be nil, which
// disables delivery and event publication respectively.
func NewEmitter(cfg Config, persist SignalStore, dispatcher Dispatcher, bus *events.EventBus, logger zerolog.Logger) *Emitter {
	return &Emitter{
		cfg:        cfg,
		persist:    persist,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
	}
}

// Emit validates levels, persists the signal and enqueues delivery. A
// duplicate candle returns ErrDuplicate with nothing dispatched.
func (e *Emitter) Emit(ctx context.Context, req Request) (*ports.EmittedSignal, error) {
	cand := req.Candidate
	lv, err := ComputeLevels(e.cfg, cand.Side, cand.Entry, cand.ATR, req.Regime.SLMult, req.Regime.TPMult)
	if err != nil {
		e.logger.Error().
			Str("symbol", cand.Symbol).
			Str("side", string(cand.Side)).
			Float64("entry", cand.Entry).
			Float64("atr", cand.ATR).
			Msg("rejecting candidate with invalid levels")
		return nil, fmt.Errorf("%s %s entry %.4f: %w", cand.Symbol, cand.Side, cand.Entry, err)
	}

	var compositeScore, compositeConf float64
	if req.Composite != nil {
		compositeScore = req.Composite.Score
		compositeConf = req.Composite.Confidence
	}

	sig := ports.EmittedSignal{
		SignalID:            uuid.NewString(),
		UserID:              req.UserID,
		Symbol:              cand.Symbol,
		Side:                cand.Side,
		Entry:               cand.Entry,
		StopLoss:            lv.StopLoss,
		TP1:                 lv.TP1,
		TP2:                 lv.TP2,
		SizeUSDT:            req.SizeUSDT,
		Leverage:            e.cfg.Leverage,
		PatternType:         string(cand.PatternType),
		Regime:              req.Regime.Regime.String(),
		RawScore:            req.RawScore,
		CompositeScore:      compositeScore,
		CompositeConfidence: compositeConf,
		QualityScore:        req.QualityScore,
		ATR:                 cand.ATR,
		VolatilityPct:       cand.VolatilityPct,
		VolumeUSD:           req.VolumeUSD,
		CandleT:             cand.CandleT,
		Status:              ports.SignalPending,
		CreatedAt:           time.Now().UTC(),
	}

	inserted, err := e.persist.SaveSignal(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("persist signal: %w", err)
	}
	if !inserted {
		e.logger.Debug().
			Str("symbol", sig.Symbol).
			Str("side", string(sig.Side)).
			Time("candle_t", sig.CandleT).
			Msg("duplicate signal suppressed")
		return nil, ErrDuplicate
	}

	if e.bus != nil {
		e.bus.PublishSignalEmitted(sig.UserID, sig.SignalID, sig.Symbol, string(sig.Side), sig.Entry, sig.SizeUSDT)
	}

	if e.dispatcher != nil {
		rendered := ports.RenderedSignal{
			SignalID:   sig.SignalID,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Entry:      sig.Entry,
			StopLoss:   sig.StopLoss,
			TP1:        sig.TP1,
			TP2:        sig.TP2,
			SizeUSDT:   sig.SizeUSDT,
			Leverage:   sig.Leverage,
			Confidence: compositeConf,
			Regime:     sig.Regime,
			Text:       formatText(sig),
		}
		if err := e.dispatcher.EnqueueSignal(req.UserID, rendered); err != nil {
			e.logger.Error().
				Err(err).
				Str("signal_id", sig.SignalID).
				Msg("dispatch enqueue failed, signal remains pending")
		}
	}

	e.logger.Info().
		Str("signal_id", sig.SignalID).
		Str("user_id", sig.UserID).
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Float64("entry", sig.Entry).
		Float64("sl", sig.StopLoss).
		Float64("tp1", sig.TP1).
		Float64("tp2", sig.TP2).
		Float64("size_usdt", sig.SizeUSDT).
		Str("pattern", sig.PatternType).
		Msg("signal emitted")
	return &sig, nil
}

func formatText(sig ports.EmittedSignal) string {
	arrow := "🟢 LONG"
	if sig.Side == market.Short {
		arrow = "🔴 SHORT"
	}
	return fmt.Sprintf(
		"%s %s\n"+
			"Entry: %.4f\n"+
			"SL: %.4f\n"+
			"TP1: %.4f | TP2: %.4f\n"+
			"Size: %.1f USDT (%dx)\n"+
			"Pattern: %s | Regime: %s\n"+
			"Score: %.1f | Quality: %.1f",
		arrow, sig.Symbol,
		sig.Entry, sig.StopLoss, sig.TP1, sig.TP2,
		sig.SizeUSDT, sig.Leverage,
		sig.PatternType, sig.Regime,
		sig.RawScore, sig.QualityScore,
	)
}
