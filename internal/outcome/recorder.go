package outcome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/ports"
)

// ErrNotTerminal reports an attempt to record a result for a position that
// is still open
var ErrNotTerminal = errors.New("position is not in a terminal state")

// ResultStore is the slice of the persistence port the recorder needs
type ResultStore interface {
	SaveTradeResult(ctx context.Context, res ports.TradeResult) error
}

// Recorder writes exactly one trade result per closed position. Idempotent
// by (userID, signalID): repeat calls return the first result without
// touching storage again. The in-memory dedup backs the database unique
// key so a lifecycle retry cannot double-count a trade.
type Recorder struct {
	persist ResultStore
	bus     *events.EventBus
	logger  zerolog.Logger

	mu       sync.Mutex
	recorded map[string]ports.TradeResult
}

func NewRecorder(persist ResultStore, bus *events.EventBus, logger zerolog.Logger) *Recorder {
	return &Recorder{
		persist:  persist,
		bus:      bus,
		logger:   logger,
		recorded: make(map[string]ports.TradeResult),
	}
}

func resultKey(userID, signalID string) string {
	return userID + "|" + signalID
}

// Record builds and persists the trade result for a terminally closed
// position. The exit price is the fill that completed the close (TP2, SL,
// or last price for manual closes).
func (r *Recorder) Record(ctx context.Context, pos ports.Position, exitPrice float64, closedAt time.Time) (ports.TradeResult, error) {
	if !pos.Status.Terminal() {
		return ports.TradeResult{}, fmt.Errorf("%s %s status %s: %w", pos.UserID, pos.SignalID, pos.Status, ErrNotTerminal)
	}
	if pos.Entry <= 0 {
		return ports.TradeResult{}, fmt.Errorf("%s entry %.4f: %w", pos.SignalID, pos.Entry, ports.ErrInvalidCandidate)
	}

	key := resultKey(pos.UserID, pos.SignalID)

	r.mu.Lock()
	if prev, ok := r.recorded[key]; ok {
		r.mu.Unlock()
		r.logger.Debug().
			Str("signal_id", pos.SignalID).
			Str("user_id", pos.UserID).
			Msg("trade result already recorded")
		return prev, nil
	}
	r.mu.Unlock()

	pnlPct := (exitPrice - pos.Entry) / pos.Entry * 100
	if pos.Side == market.Short {
		pnlPct = (pos.Entry - exitPrice) / pos.Entry * 100
	}

	res := ports.TradeResult{
		SignalID:            pos.SignalID,
		UserID:              pos.UserID,
		Symbol:              pos.Symbol,
		PatternType:         pos.PatternType,
		Side:                pos.Side,
		EntryPrice:          pos.Entry,
		ExitPrice:           exitPrice,
		PnlPct:              pnlPct,
		IsWinner:            pnlPct > 0,
		DurationHours:       closedAt.Sub(pos.OpenedAt).Hours(),
		AIScore:             pos.RawScore,
		MarketRegime:        pos.Regime,
		CompositeScore:      pos.CompositeScore,
		CompositeConfidence: pos.CompositeConf,
		VolumeUSD:           pos.VolumeUSD,
		VolatilityPct:       pos.VolatilityPct,
		ExitReason:          string(pos.Status),
		ClosedAt:            closedAt.UTC(),
	}

	if err := r.persist.SaveTradeResult(ctx, res); err != nil {
		return ports.TradeResult{}, fmt.Errorf("persist trade result: %w", err)
	}

	r.mu.Lock()
	r.recorded[key] = res
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.PublishPositionClosed(pos.UserID, pos.SignalID, pos.Symbol, string(pos.Status), exitPrice, pnlPct)
	}

	r.logger.Info().
		Str("signal_id", pos.SignalID).
		Str("user_id", pos.UserID).
		Str("symbol", pos.Symbol).
		Str("exit_reason", res.ExitReason).
		Float64("pnl_pct", pnlPct).
		Bool("winner", res.IsWinner).
		Float64("duration_h", res.DurationHours).
		Msg("trade result recorded")
	return res, nil
}

// Seen reports whether a result for (userID, signalID) was already recorded
// in this process
func (r *Recorder) Seen(userID, signalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recorded[resultKey(userID, signalID)]
	return ok
}
