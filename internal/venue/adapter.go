// Package venue defines the capability surface every trading venue
// integration exposes to the dispatcher, plus the shared HTTP, sizing,
// session, and error-classification plumbing the per-venue adapters
// build on. The dispatcher treats symbols as opaque tokens and never
// branches on venue identity except to select an adapter.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
)

// Adapter is implemented once per venue. Instances are built per
// (user, venue) by the factory and are not required to be safe for
// concurrent use; the dispatcher constructs them per request.
type Adapter interface {
	// Venue identifies the integration.
	Venue() domain.Venue

	// GetAvailableMargin returns the USD amount the user can commit to
	// a new position.
	GetAvailableMargin(ctx context.Context) (decimal.Decimal, error)

	// GetPositions lists open positions with canonical symbols and
	// signed quantities.
	GetPositions(ctx context.Context) ([]domain.VenuePosition, error)

	// GetPosition returns one open position or nil.
	GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error)

	// HasOpenPosition reports whether symbol has an open position.
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)

	// GetTicker returns the venue's current price snapshot.
	GetTicker(ctx context.Context, symbol string) (domain.Ticker, error)

	// QuantityForNotional converts an intended USD notional into the
	// venue's order quantity (contracts, shares, fractional shares),
	// rounded to the venue's step and checked against its minimum. A
	// zero-feasible result fails with TooSmall.
	QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error)

	// PlaceMarketOrder submits an immediate-execution order.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error)

	// PlaceLimitOrder submits a resting order at price.
	PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error)

	// PlaceStopLoss arms a stop exit; side is the exit side.
	PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error)

	// PlaceTakeProfit arms a profit exit; side is the exit side.
	PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error)

	// ClosePosition is a reduce-only opposite-side market order.
	ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error)

	// CancelOrder cancels a working order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// GetOrder returns the current lifecycle state of an order.
	GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error)
}

// HintAware is implemented by adapters that consume venue-specific
// passthrough fields from the signal (trailing stops, option right and
// strike, extended-hours flags). The dispatcher sets hints before any
// placement call; adapters ignore keys they do not know.
type HintAware interface {
	SetHints(hints map[string]any)
}

// BracketPlacer is implemented by venues with a native compound order
// (bracket, OTOCO) that arms take-profit and stop-loss atomically with
// the entry. entryLimit of zero means a market entry. When both exits
// are requested and the adapter implements this, the dispatcher prefers
// it over sequential placement.
type BracketPlacer interface {
	PlaceBracketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, entryLimit, takeProfit, stopLoss decimal.Decimal) (domain.OrderAck, error)
}
