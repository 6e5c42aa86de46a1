package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/ports"
)

// ==================== CANDLES ====================

// SaveCandles upserts a batch of candles for one series
func (db *DB) SaveCandles(ctx context.Context, symbol string, interval market.Interval, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	query := `
		INSERT INTO candles (symbol, interval, open_time, open, high, low, close, volume, close_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			close_time = EXCLUDED.close_time`

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(query, symbol, string(interval), c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTime)
	}

	br := db.Pool.SendBatch(ctx, batch)
	for range candles {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("save candles for %s %s: %w", symbol, interval, err)
		}
	}
	return br.Close()
}

// ==================== EMITTED SIGNALS ====================

const signalColumns = `signal_id, user_id, symbol, side, entry, stop_loss, tp1, tp2,
	size_usdt, leverage, pattern_type, regime, raw_score, composite_score,
	composite_confidence, quality_score, atr, volatility_pct, volume_usd,
	candle_t, status, message_ref, created_at`

// SaveSignal inserts an emitted signal. The (user_id, symbol, side, candle_t)
// key makes the insert idempotent across restarts; inserted reports whether
// this call created the row, so callers can suppress duplicate dispatch.
func (db *DB) SaveSignal(ctx context.Context, sig ports.EmittedSignal) (bool, error) {
	query := `
		INSERT INTO emitted_signals (` + signalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (user_id, symbol, side, candle_t) DO NOTHING`

	ct, err := db.Pool.Exec(ctx, query,
		sig.SignalID, sig.UserID, sig.Symbol, sig.Side, sig.Entry, sig.StopLoss, sig.TP1, sig.TP2,
		sig.SizeUSDT, sig.Leverage, sig.PatternType, sig.Regime, sig.RawScore, sig.CompositeScore,
		sig.CompositeConfidence, sig.QualityScore, sig.ATR, sig.VolatilityPct, sig.VolumeUSD,
		sig.CandleT, sig.Status, sig.MessageRef, sig.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("save signal %s: %w", sig.SignalID, err)
	}
	return ct.RowsAffected() == 1, nil
}

// UpdateSignalStatus advances a signal's delivery state. An empty ref keeps
// the stored one.
func (db *DB) UpdateSignalStatus(ctx context.Context, signalID string, status ports.SignalStatus, ref ports.MessageRef) error {
	query := `
		UPDATE emitted_signals
		SET status = $2,
			message_ref = CASE WHEN $3 = '' THEN message_ref ELSE $3 END
		WHERE signal_id = $1`

	ct, err := db.Pool.Exec(ctx, query, signalID, status, ref)
	if err != nil {
		return fmt.Errorf("update signal %s status: %w", signalID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update signal status: signal %s not found", signalID)
	}
	return nil
}

// LoadSignal fetches one signal by ID; (nil, nil) when absent
func (db *DB) LoadSignal(ctx context.Context, signalID string) (*ports.EmittedSignal, error) {
	query := `SELECT ` + signalColumns + ` FROM emitted_signals WHERE signal_id = $1`

	var sig ports.EmittedSignal
	err := db.Pool.QueryRow(ctx, query, signalID).Scan(
		&sig.SignalID, &sig.UserID, &sig.Symbol, &sig.Side, &sig.Entry, &sig.StopLoss, &sig.TP1, &sig.TP2,
		&sig.SizeUSDT, &sig.Leverage, &sig.PatternType, &sig.Regime, &sig.RawScore, &sig.CompositeScore,
		&sig.CompositeConfidence, &sig.QualityScore, &sig.ATR, &sig.VolatilityPct, &sig.VolumeUSD,
		&sig.CandleT, &sig.Status, &sig.MessageRef, &sig.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load signal %s: %w", signalID, err)
	}
	return &sig, nil
}
