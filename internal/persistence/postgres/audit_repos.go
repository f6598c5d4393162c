package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/persistence"
)

type notificationsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewNotificationsRepo creates a new PostgreSQL notifications repository.
func NewNotificationsRepo(db *sqlx.DB, timeout time.Duration) persistence.NotificationsRepo {
	return &notificationsRepo{db: db, timeout: timeout}
}

func (r *notificationsRepo) Insert(ctx context.Context, n domain.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO notifications (id, user_id, type, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

type decisionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDecisionsRepo creates a new PostgreSQL validation-log repository.
func NewDecisionsRepo(db *sqlx.DB, timeout time.Duration) persistence.DecisionsRepo {
	return &decisionsRepo{db: db, timeout: timeout}
}

func (r *decisionsRepo) Insert(ctx context.Context, d domain.DecisionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reasonsJSON, err := json.Marshal(d.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	query := `
		INSERT INTO strategy_validation_log (
			id, strategy_id, user_id, symbol, action,
			confidence, threshold, reasons, allowed, fail_open, executed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.db.ExecContext(ctx, query,
		d.ID, nullUUID(d.StrategyID), d.UserID, d.Symbol, string(d.Action),
		d.Confidence, d.Threshold, reasonsJSON, d.Allowed, d.FailOpen, d.Executed, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}
