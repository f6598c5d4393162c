package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/persistence"
)

// tradesRepo implements TradesRepo for PostgreSQL. Completed trades are
// append-only; the weekly risk counters are aggregate queries over them.
type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates a new PostgreSQL trades repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

func (r *tradesRepo) Insert(ctx context.Context, t domain.CompletedTrade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trades (
			id, user_id, venue, symbol, side, quantity,
			entry_price, exit_price, entry_time, exit_time, exit_reason,
			notional_usd, realized_pnl_usd, realized_pnl_pct, strategy_id, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.UserID, string(t.Venue), t.Symbol, string(t.Side), t.Quantity,
		t.EntryPrice, t.ExitPrice, t.EntryTime, t.ExitTime, string(t.ExitReason),
		t.NotionalUSD, t.RealizedPnLUSD, t.RealizedPnLPct, nullUUID(t.StrategyID), t.Source)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate trade: %w", err)
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (r *tradesRepo) CountSince(ctx context.Context, userID uuid.UUID, venue domain.Venue, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM trades
		WHERE user_id = $1 AND venue = $2 AND exit_time >= $3`

	var count int
	err := r.db.QueryRowxContext(ctx, query, userID, string(venue), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

func (r *tradesRepo) SumLossSince(ctx context.Context, userID uuid.UUID, venue domain.Venue, since time.Time) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COALESCE(SUM(ABS(realized_pnl_usd)), 0)
		FROM trades
		WHERE user_id = $1 AND venue = $2 AND exit_time >= $3 AND realized_pnl_usd < 0`

	var sum decimal.Decimal
	err := r.db.QueryRowxContext(ctx, query, userID, string(venue), since).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum losses: %w", err)
	}
	return sum, nil
}
