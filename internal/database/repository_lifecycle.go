package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"futures-signal-engine/internal/ports"
)

// ==================== POSITIONS ====================

const positionColumns = `signal_id, user_id, symbol, side, entry, size_usdt, remaining_size,
	stop_loss, tp1, tp2, tp1_hit, trailing_active, high_water_mark, atr,
	pattern_type, regime, raw_score, composite_score, composite_confidence,
	volatility_pct, volume_usd, group_name, status, message_ref, opened_at, last_update`

// SavePosition upserts a position on its (user_id, signal_id) key. Only the
// lifecycle-mutable columns move on conflict.
func (db *DB) SavePosition(ctx context.Context, pos ports.Position) error {
	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (user_id, signal_id) DO UPDATE SET
			remaining_size = EXCLUDED.remaining_size,
			stop_loss = EXCLUDED.stop_loss,
			tp1_hit = EXCLUDED.tp1_hit,
			trailing_active = EXCLUDED.trailing_active,
			high_water_mark = EXCLUDED.high_water_mark,
			status = EXCLUDED.status,
			message_ref = EXCLUDED.message_ref,
			last_update = EXCLUDED.last_update`

	_, err := db.Pool.Exec(ctx, query,
		pos.SignalID, pos.UserID, pos.Symbol, pos.Side, pos.Entry, pos.SizeUSDT, pos.RemainingSize,
		pos.StopLoss, pos.TP1, pos.TP2, pos.TP1Hit, pos.TrailingActive, pos.HighWaterMark, pos.ATR,
		pos.PatternType, pos.Regime, pos.RawScore, pos.CompositeScore, pos.CompositeConf,
		pos.VolatilityPct, pos.VolumeUSD, pos.Group, pos.Status, pos.MessageRef, pos.OpenedAt, pos.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", pos.UserID, pos.SignalID, err)
	}
	return nil
}

// LoadOpenPositions returns one user's non-terminal positions, oldest first
func (db *DB) LoadOpenPositions(ctx context.Context, userID string) ([]ports.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE user_id = $1 AND status IN ('OPEN', 'TP1_PARTIAL')
		ORDER BY opened_at, signal_id`

	rows, err := db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("load open positions for %s: %w", userID, err)
	}
	return scanPositions(rows)
}

// LoadAllOpenPositions returns every non-terminal position, oldest first.
// Used to rehydrate the lifecycle manager and the correlation book on
// startup.
func (db *DB) LoadAllOpenPositions(ctx context.Context) ([]ports.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status IN ('OPEN', 'TP1_PARTIAL')
		ORDER BY opened_at, signal_id`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	return scanPositions(rows)
}

func scanPositions(rows pgx.Rows) ([]ports.Position, error) {
	defer rows.Close()

	var out []ports.Position
	for rows.Next() {
		var p ports.Position
		if err := rows.Scan(
			&p.SignalID, &p.UserID, &p.Symbol, &p.Side, &p.Entry, &p.SizeUSDT, &p.RemainingSize,
			&p.StopLoss, &p.TP1, &p.TP2, &p.TP1Hit, &p.TrailingActive, &p.HighWaterMark, &p.ATR,
			&p.PatternType, &p.Regime, &p.RawScore, &p.CompositeScore, &p.CompositeConf,
			&p.VolatilityPct, &p.VolumeUSD, &p.Group, &p.Status, &p.MessageRef, &p.OpenedAt, &p.LastUpdate,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
