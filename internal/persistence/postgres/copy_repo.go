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

type copyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCopyRepo creates a new PostgreSQL copy-trading repository.
func NewCopyRepo(db *sqlx.DB, timeout time.Duration) persistence.CopyRepo {
	return &copyRepo{db: db, timeout: timeout}
}

func (r *copyRepo) ListActiveByStrategy(ctx context.Context, strategyRef uuid.UUID) ([]domain.CopyRelationship, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, follower_id, strategy_ref, status,
			allocation_pct, max_drawdown_pct, COALESCE(current_drawdown_pct, 0)
		FROM copy_relationships
		WHERE strategy_ref = $1 AND status = 'active'`

	rows, err := r.db.QueryxContext(ctx, query, strategyRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query copy relationships: %w", err)
	}
	defer rows.Close()

	var out []domain.CopyRelationship
	for rows.Next() {
		var (
			rel    domain.CopyRelationship
			status string
		)
		err := rows.Scan(&rel.ID, &rel.FollowerID, &rel.StrategyRef, &status,
			&rel.AllocationPct, &rel.MaxDrawdownPct, &rel.CurrentDrawdownPct)
		if err != nil {
			return nil, fmt.Errorf("failed to scan copy relationship: %w", err)
		}
		rel.Status = domain.CopyStatus(status)
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *copyRepo) SetStatus(ctx context.Context, id uuid.UUID, status domain.CopyStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE copy_relationships SET status = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, string(status)); err != nil {
		return fmt.Errorf("failed to update copy relationship status: %w", err)
	}
	return nil
}

func (r *copyRepo) InsertCopiedTrade(ctx context.Context, ct domain.CopiedTrade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO copied_trades (
			id, relationship_id, originator_trade_id, follower_trade_id,
			symbol, side, originator_notional, follower_notional,
			follower_pnl_usd, override_fee_cents, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var pnl decimal.NullDecimal
	if ct.FollowerPnLUSD != nil {
		pnl = decimal.NullDecimal{Decimal: *ct.FollowerPnLUSD, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		ct.ID, ct.RelationshipID, ct.OriginatorTradeID, ct.FollowerTradeID,
		ct.Symbol, string(ct.Side), ct.OriginatorNotional, ct.FollowerNotional,
		pnl, ct.OverrideFeeCent, ct.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert copied trade: %w", err)
	}
	return nil
}
