package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/persistence"
)

// usersRepo implements UsersRepo for PostgreSQL.
type usersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUsersRepo creates a new PostgreSQL users repository.
func NewUsersRepo(db *sqlx.DB, timeout time.Duration) persistence.UsersRepo {
	return &usersRepo{db: db, timeout: timeout}
}

func (r *usersRepo) GetBySecret(ctx context.Context, secret string) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, webhook_secret, plan, COALESCE(monthly_quota, 0), active
		FROM users
		WHERE webhook_secret = $1`

	return r.scanUser(r.db.QueryRowxContext(ctx, query, secret))
}

func (r *usersRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, webhook_secret, plan, COALESCE(monthly_quota, 0), active
		FROM users
		WHERE id = $1`

	return r.scanUser(r.db.QueryRowxContext(ctx, query, id))
}

func (r *usersRepo) scanUser(row *sqlx.Row) (*domain.User, error) {
	var (
		u    domain.User
		plan string
	)
	err := row.Scan(&u.ID, &u.WebhookSecret, &plan, &u.MonthlyQuota, &u.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.Plan = domain.ParsePlanTier(plan)
	return &u, nil
}
