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

type strategiesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStrategiesRepo creates a new PostgreSQL strategies repository.
func NewStrategiesRepo(db *sqlx.DB, timeout time.Duration) persistence.StrategiesRepo {
	return &strategiesRepo{db: db, timeout: timeout}
}

func (r *strategiesRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Strategy, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, COALESCE(name, ''), COALESCE(ml_assisted, FALSE), COALESCE(ml_threshold, 0)
		FROM strategies
		WHERE id = $1`

	var s domain.Strategy
	err := r.db.QueryRowxContext(ctx, query, id).
		Scan(&s.ID, &s.Name, &s.MLAssisted, &s.MLThreshold)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy: %w", err)
	}
	return &s, nil
}
