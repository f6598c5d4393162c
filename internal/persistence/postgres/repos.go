package postgres

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradegate/tradegate/internal/persistence"
)

// NewRepository wires every repository onto one connection pool with a
// shared per-query timeout.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Users:         NewUsersRepo(db, timeout),
		Credentials:   NewCredentialsRepo(db, timeout),
		Strategies:    NewStrategiesRepo(db, timeout),
		Positions:     NewPositionsRepo(db, timeout),
		Trades:        NewTradesRepo(db, timeout),
		Usage:         NewUsageRepo(db, timeout),
		Notifications: NewNotificationsRepo(db, timeout),
		Decisions:     NewDecisionsRepo(db, timeout),
		Copy:          NewCopyRepo(db, timeout),
	}
}
