// Package persistence defines the repository surface the gateway uses
// against the external datastore. The concrete schema is owned by the
// dashboard; the gateway treats it as typed tables.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
)

// UsersRepo reads tenant records. The gateway never writes users.
type UsersRepo interface {
	// GetBySecret resolves a webhook secret to its user. Returns
	// (nil, nil) when no user matches, active or not.
	GetBySecret(ctx context.Context, secret string) (*domain.User, error)

	// GetByID fetches one user.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// CredentialsRepo reads per-(user, venue) credential bags.
type CredentialsRepo interface {
	// Get returns the credential for (user, venue), preferring the
	// production environment when both exist. (nil, nil) when absent.
	Get(ctx context.Context, userID uuid.UUID, venue domain.Venue) (*domain.VenueCredential, error)
}

// StrategiesRepo reads strategy rows for the ML gate decision.
type StrategiesRepo interface {
	// Get returns (nil, nil) when the strategy is unknown.
	Get(ctx context.Context, id uuid.UUID) (*domain.Strategy, error)
}

// PositionsRepo is the write-through audit of open positions. The
// in-memory tracker remains the source of truth while the process runs;
// these rows back the dashboard and warm restarts.
type PositionsRepo interface {
	// Upsert inserts or refreshes the row for (user, venue, symbol).
	Upsert(ctx context.Context, p domain.Position) error

	// Delete removes the row for a closed position.
	Delete(ctx context.Context, userID uuid.UUID, venue domain.Venue, symbol string) error

	// ListOpen returns every persisted open position, used to warm the
	// tracker at startup.
	ListOpen(ctx context.Context) ([]domain.Position, error)
}

// TradesRepo appends completed trades and serves the risk counters.
type TradesRepo interface {
	// Insert appends one immutable completed trade.
	Insert(ctx context.Context, t domain.CompletedTrade) error

	// CountSince returns completed trades for (user, venue) with exit
	// time at or after the window start.
	CountSince(ctx context.Context, userID uuid.UUID, venue domain.Venue, since time.Time) (int, error)

	// SumLossSince returns the sum of absolute realized losses for
	// (user, venue) since the window start. Profitable trades do not
	// offset losses.
	SumLossSince(ctx context.Context, userID uuid.UUID, venue domain.Venue, since time.Time) (decimal.Decimal, error)
}

// UsageRepo maintains the per-user monthly accepted-webhook counter.
type UsageRepo interface {
	// CountMonth returns the counter for the month starting monthStart.
	CountMonth(ctx context.Context, userID uuid.UUID, monthStart time.Time) (int, error)

	// Increment bumps the counter by one, creating the row on first use.
	Increment(ctx context.Context, userID uuid.UUID, monthStart time.Time) error
}

// NotificationsRepo appends user-visible notifications.
type NotificationsRepo interface {
	Insert(ctx context.Context, n domain.Notification) error
}

// DecisionsRepo appends strategy validation verdicts.
type DecisionsRepo interface {
	Insert(ctx context.Context, d domain.DecisionRecord) error
}

// CopyRepo reads copy relationships and records fan-out linkage.
type CopyRepo interface {
	// ListActiveByStrategy returns relationships with status active for
	// the originator strategy.
	ListActiveByStrategy(ctx context.Context, strategyRef uuid.UUID) ([]domain.CopyRelationship, error)

	// SetStatus flips a relationship's lifecycle state.
	SetStatus(ctx context.Context, id uuid.UUID, status domain.CopyStatus) error

	// InsertCopiedTrade records one originator-to-follower linkage.
	InsertCopiedTrade(ctx context.Context, ct domain.CopiedTrade) error
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Users         UsersRepo
	Credentials   CredentialsRepo
	Strategies    StrategiesRepo
	Positions     PositionsRepo
	Trades        TradesRepo
	Usage         UsageRepo
	Notifications NotificationsRepo
	Decisions     DecisionsRepo
	Copy          CopyRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status.
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database.
	Ping(ctx context.Context) error

	// Stats returns connection pool statistics.
	Stats(ctx context.Context) map[string]interface{}
}
