package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"futures-signal-engine/internal/ports"
)

// ==================== TRADE RESULTS ====================

const tradeResultColumns = `signal_id, user_id, symbol, pattern_type, side, entry_price, exit_price,
	pnl_pct, is_winner, duration_hours, ai_score, market_regime, composite_score,
	composite_confidence, volume_usd, volatility_pct, exit_reason, closed_at`

// SaveTradeResult records a closed trade. Write-once per (user_id,
// signal_id); replays are no-ops.
func (db *DB) SaveTradeResult(ctx context.Context, res ports.TradeResult) error {
	query := `
		INSERT INTO trade_results (` + tradeResultColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (user_id, signal_id) DO NOTHING`

	_, err := db.Pool.Exec(ctx, query,
		res.SignalID, res.UserID, res.Symbol, res.PatternType, res.Side, res.EntryPrice, res.ExitPrice,
		res.PnlPct, res.IsWinner, res.DurationHours, res.AIScore, res.MarketRegime, res.CompositeScore,
		res.CompositeConfidence, res.VolumeUSD, res.VolatilityPct, res.ExitReason, res.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save trade result %s/%s: %w", res.UserID, res.SignalID, err)
	}
	return nil
}

// LoadTradeResults returns results closed at or after since, oldest first
func (db *DB) LoadTradeResults(ctx context.Context, since time.Time) ([]ports.TradeResult, error) {
	query := `
		SELECT ` + tradeResultColumns + `
		FROM trade_results
		WHERE closed_at >= $1
		ORDER BY closed_at`

	rows, err := db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("load trade results: %w", err)
	}
	defer rows.Close()

	var out []ports.TradeResult
	for rows.Next() {
		var r ports.TradeResult
		if err := rows.Scan(
			&r.SignalID, &r.UserID, &r.Symbol, &r.PatternType, &r.Side, &r.EntryPrice, &r.ExitPrice,
			&r.PnlPct, &r.IsWinner, &r.DurationHours, &r.AIScore, &r.MarketRegime, &r.CompositeScore,
			&r.CompositeConfidence, &r.VolumeUSD, &r.VolatilityPct, &r.ExitReason, &r.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ==================== PARAMETER SNAPSHOTS ====================

// PublishParameterSnapshot stores a snapshot version. The whole bundle goes
// in as JSONB so the schema never chases the map shapes.
func (db *DB) PublishParameterSnapshot(ctx context.Context, snap ports.ParameterSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal parameter snapshot v%d: %w", snap.Version, err)
	}

	query := `
		INSERT INTO parameter_snapshots (version, as_of, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (version) DO UPDATE SET
			as_of = EXCLUDED.as_of,
			payload = EXCLUDED.payload`

	if _, err := db.Pool.Exec(ctx, query, snap.Version, snap.AsOf, payload); err != nil {
		return fmt.Errorf("publish parameter snapshot v%d: %w", snap.Version, err)
	}
	return nil
}

// LoadParameterSnapshot returns the highest-version snapshot; (nil, nil)
// before the first publish
func (db *DB) LoadParameterSnapshot(ctx context.Context) (*ports.ParameterSnapshot, error) {
	var payload []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT payload FROM parameter_snapshots ORDER BY version DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load parameter snapshot: %w", err)
	}

	var snap ports.ParameterSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal parameter snapshot: %w", err)
	}
	return &snap, nil
}

// ==================== DIAGNOSTICS ====================

// SaveCorrelationEvent appends a correlation-risk decision
func (db *DB) SaveCorrelationEvent(ctx context.Context, ev ports.CorrelationEvent) error {
	query := `
		INSERT INTO correlation_events (user_id, symbol, side, decision, reason, max_correlation, penalty, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.Pool.Exec(ctx, query,
		ev.UserID, ev.Symbol, ev.Side, ev.Decision, ev.Reason, ev.MaxCorrelation, ev.Penalty, ev.At,
	)
	if err != nil {
		return fmt.Errorf("save correlation event: %w", err)
	}
	return nil
}

// SaveDeadLetter records a failed dispatch for operator attention
func (db *DB) SaveDeadLetter(ctx context.Context, dl ports.DeadLetter) error {
	// Empty payloads become NULL rather than invalid JSONB.
	var payload interface{}
	if len(dl.Payload) > 0 {
		payload = dl.Payload
	}

	query := `
		INSERT INTO dead_letters (id, kind, user_id, payload, reason, attempts, last_error, first_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.Pool.Exec(ctx, query,
		dl.ID, dl.Kind, dl.UserID, payload, dl.Reason, dl.Attempts, dl.LastError, dl.FirstFailedAt,
	)
	if err != nil {
		return fmt.Errorf("save dead letter %s: %w", dl.ID, err)
	}
	return nil
}
