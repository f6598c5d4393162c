package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CopyStatus is the lifecycle state of a copy relationship.
type CopyStatus string

const (
	CopyActive  CopyStatus = "active"
	CopyPaused  CopyStatus = "paused"
	CopyStopped CopyStatus = "stopped"
)

// CopyRelationship subscribes a follower to an originator strategy.
// Unique on (follower, strategy). Created by the dashboard; the fan-out
// only reads it and flips status to paused on drawdown breach.
type CopyRelationship struct {
	ID          uuid.UUID  `json:"id"`
	FollowerID  uuid.UUID  `json:"follower_id"`
	StrategyRef uuid.UUID  `json:"strategy_ref"`
	Status      CopyStatus `json:"status"`

	// AllocationPct scales the originator's notional, in (0, 100].
	AllocationPct decimal.Decimal `json:"allocation_pct"`

	// MaxDrawdownPct pauses the relationship when current drawdown
	// reaches it. Zero disables the stop.
	MaxDrawdownPct     decimal.Decimal `json:"max_drawdown_pct"`
	CurrentDrawdownPct decimal.Decimal `json:"current_drawdown_pct"`
}

// DrawdownBreached reports whether the relationship must pause before
// copying another trade.
func (r *CopyRelationship) DrawdownBreached() bool {
	return r.MaxDrawdownPct.IsPositive() && r.CurrentDrawdownPct.GreaterThanOrEqual(r.MaxDrawdownPct)
}

// FollowerNotional is originator notional x allocation / 100.
func (r *CopyRelationship) FollowerNotional(originator decimal.Decimal) decimal.Decimal {
	return originator.Mul(r.AllocationPct).Div(decimal.NewFromInt(100))
}

// CopiedTrade links a follower's trade back to the originator trade it
// replicated. Append-only.
type CopiedTrade struct {
	ID                 uuid.UUID       `json:"id"`
	RelationshipID     uuid.UUID       `json:"relationship_id"`
	OriginatorTradeID  uuid.UUID       `json:"originator_trade_id"`
	FollowerTradeID    uuid.UUID       `json:"follower_trade_id"`
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	OriginatorNotional decimal.Decimal `json:"originator_notional"`
	FollowerNotional   decimal.Decimal `json:"follower_notional"`

	// Filled in after the follower's position closes and billing runs.
	FollowerPnLUSD  *decimal.Decimal `json:"follower_pnl_usd,omitempty"`
	OverrideFeeCent *int64           `json:"override_fee_cents,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
