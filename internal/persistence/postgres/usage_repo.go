package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradegate/tradegate/internal/persistence"
)

// usageRepo implements UsageRepo for PostgreSQL. One row per
// (user, month); the increment is an upsert so first use of a month
// needs no prior setup.
type usageRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUsageRepo creates a new PostgreSQL webhook-usage repository.
func NewUsageRepo(db *sqlx.DB, timeout time.Duration) persistence.UsageRepo {
	return &usageRepo{db: db, timeout: timeout}
}

func (r *usageRepo) CountMonth(ctx context.Context, userID uuid.UUID, monthStart time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT count FROM webhook_usage WHERE user_id = $1 AND month_start = $2`

	var count int
	err := r.db.QueryRowxContext(ctx, query, userID, monthStart).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query webhook usage: %w", err)
	}
	return count, nil
}

func (r *usageRepo) Increment(ctx context.Context, userID uuid.UUID, monthStart time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO webhook_usage (user_id, month_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, month_start) DO UPDATE SET count = webhook_usage.count + 1`

	if _, err := r.db.ExecContext(ctx, query, userID, monthStart); err != nil {
		return fmt.Errorf("failed to increment webhook usage: %w", err)
	}
	return nil
}
