package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/persistence"
)

// positionsRepo implements PositionsRepo for PostgreSQL. Rows mirror the
// in-memory tracker; (user_id, venue, symbol) is unique.
type positionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionsRepo creates a new PostgreSQL positions repository.
func NewPositionsRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionsRepo {
	return &positionsRepo{db: db, timeout: timeout}
}

func (r *positionsRepo) Upsert(ctx context.Context, p domain.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO positions (
			id, user_id, venue, symbol, side, quantity, entry_price, entry_time,
			notional_usd, stop_loss_price, take_profit_price,
			entry_order_id, stop_loss_order_id, take_profit_order_id,
			mark_price, unrealized_pnl, strategy_id, source, synced, pending_entry, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW())
		ON CONFLICT (user_id, venue, symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			stop_loss_price = EXCLUDED.stop_loss_price,
			take_profit_price = EXCLUDED.take_profit_price,
			mark_price = EXCLUDED.mark_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			synced = EXCLUDED.synced,
			pending_entry = EXCLUDED.pending_entry,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.UserID, string(p.Venue), p.Symbol, string(p.Side),
		p.Quantity, p.EntryPrice, p.EntryTime, p.NotionalUSD,
		nullDecimal(p.StopLossPrice), nullDecimal(p.TakeProfitPrice),
		p.EntryOrderID, p.StopLossOrderID, p.TakeProfitOrderID,
		p.MarkPrice, p.UnrealizedPnL, nullUUID(p.StrategyID), p.Source, p.Synced, p.PendingEntry)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

func (r *positionsRepo) Delete(ctx context.Context, userID uuid.UUID, venue domain.Venue, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `DELETE FROM positions WHERE user_id = $1 AND venue = $2 AND symbol = $3`
	if _, err := r.db.ExecContext(ctx, query, userID, string(venue), symbol); err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

func (r *positionsRepo) ListOpen(ctx context.Context) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, venue, symbol, side, quantity, entry_price, entry_time,
			notional_usd, stop_loss_price, take_profit_price,
			entry_order_id, stop_loss_order_id, take_profit_order_id,
			mark_price, unrealized_pnl, strategy_id, COALESCE(source, ''), synced,
			COALESCE(pending_entry, FALSE)
		FROM positions
		ORDER BY entry_time`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p          domain.Position
			venueS     string
			sideS      string
			sl, tp     decimal.NullDecimal
			strategyID uuid.NullUUID
		)
		err := rows.Scan(&p.ID, &p.UserID, &venueS, &p.Symbol, &sideS,
			&p.Quantity, &p.EntryPrice, &p.EntryTime, &p.NotionalUSD,
			&sl, &tp, &p.EntryOrderID, &p.StopLossOrderID, &p.TakeProfitOrderID,
			&p.MarkPrice, &p.UnrealizedPnL, &strategyID, &p.Source, &p.Synced,
			&p.PendingEntry)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Venue = domain.Venue(venueS)
		p.Side = domain.Side(sideS)
		if sl.Valid {
			p.StopLossPrice = &sl.Decimal
		}
		if tp.Valid {
			p.TakeProfitPrice = &tp.Decimal
		}
		if strategyID.Valid {
			id := strategyID.UUID
			p.StrategyID = &id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
