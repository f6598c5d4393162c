package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the exit side for a position side.
func (s Side) Opposite() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for long, -1 for short. Used in P&L arithmetic.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderSide is the direction of a single order as venues understand it.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the lifecycle state reported in an OrderAck.
type OrderStatus string

const (
	OrderWorking         OrderStatus = "working"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderRejected        OrderStatus = "rejected"
)

// OrderAck is what an adapter returns from any placement call. FillPrice
// and FillQuantity are zero when the venue reported no immediate fill.
type OrderAck struct {
	OrderID      string          `json:"order_id"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	FillQuantity decimal.Decimal `json:"fill_quantity"`
	Status       OrderStatus     `json:"status"`
}

// Filled reports whether the ack carries an immediate fill.
func (a OrderAck) Filled() bool {
	return a.Status == OrderFilled || a.Status == OrderPartiallyFilled
}

// Ticker is a venue price snapshot. Bid, Ask and Volume are zero when
// the venue does not publish them.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Volume decimal.Decimal `json:"volume"`
}

// VenuePosition is one row of an adapter's position listing, mapped back
// to the canonical symbol. Quantity is signed: positive long, negative
// short.
type VenuePosition struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Side derives the position side from the quantity sign.
func (p VenuePosition) Side() Side {
	if p.Quantity.IsNegative() {
		return SideShort
	}
	return SideLong
}

// Position is the tracker's record of one open position. At most one
// exists per (user, venue, symbol).
type Position struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	Venue      Venue           `json:"venue"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	EntryTime  time.Time       `json:"entry_time"`

	// Committed USD notional at entry; basis for realized P&L percent.
	NotionalUSD decimal.Decimal `json:"notional_usd"`

	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`

	EntryOrderID      string `json:"entry_order_id,omitempty"`
	StopLossOrderID   string `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string `json:"take_profit_order_id,omitempty"`

	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastMarkTime  time.Time       `json:"last_mark_time"`

	StrategyID *uuid.UUID `json:"strategy_id,omitempty"`
	Source     string     `json:"source,omitempty"`

	// Synced marks positions adopted from venue truth during
	// reconciliation; their order ids are unknown.
	Synced bool `json:"synced"`

	// PendingEntry marks a limit entry the venue has acknowledged but
	// not filled. The reconciliation loop promotes it on fill and
	// cancels it once stale; it is skipped by mark sweeps and venue
	// diffs until then.
	PendingEntry bool `json:"pending_entry"`
}

// Key returns the tracker key for this position.
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, Venue: p.Venue, Symbol: p.Symbol}
}

// PositionKey identifies a position slot. Comparable; used as a map key.
type PositionKey struct {
	UserID uuid.UUID
	Venue  Venue
	Symbol string
}

func (k PositionKey) String() string {
	return k.UserID.String() + "/" + string(k.Venue) + "/" + k.Symbol
}

// ExitReason classifies how a position left the book.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TakeProfit"
	ExitStopLoss   ExitReason = "StopLoss"
	ExitManual     ExitReason = "Manual"
	ExitAutoClose  ExitReason = "AutoClose"
	ExitOther      ExitReason = "Other"
)

// CompletedTrade is the immutable audit record appended when a position
// closes, whatever drove the close.
type CompletedTrade struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Venue          Venue           `json:"venue"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	EntryTime      time.Time       `json:"entry_time"`
	ExitTime       time.Time       `json:"exit_time"`
	ExitReason     ExitReason      `json:"exit_reason"`
	NotionalUSD    decimal.Decimal `json:"notional_usd"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	RealizedPnLPct decimal.Decimal `json:"realized_pnl_pct"`
	StrategyID     *uuid.UUID      `json:"strategy_id,omitempty"`
	Source         string          `json:"source,omitempty"`
}

// RealizedPnL computes the USD and percent P&L for a close of p at
// exitPrice: (exit-entry) x sign(side) x quantity, percent against the
// committed notional.
func RealizedPnL(p *Position, exitPrice decimal.Decimal) (usd, pct decimal.Decimal) {
	usd = exitPrice.Sub(p.EntryPrice).Mul(p.Side.Sign()).Mul(p.Quantity)
	if p.NotionalUSD.IsPositive() {
		pct = usd.Div(p.NotionalUSD).Mul(decimal.NewFromInt(100))
	}
	return usd, pct
}

// CompleteTrade builds the CompletedTrade record for a close of p.
func CompleteTrade(p *Position, exitPrice decimal.Decimal, exitTime time.Time, reason ExitReason) CompletedTrade {
	usd, pct := RealizedPnL(p, exitPrice)
	return CompletedTrade{
		ID:             uuid.New(),
		UserID:         p.UserID,
		Venue:          p.Venue,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Quantity:       p.Quantity,
		EntryPrice:     p.EntryPrice,
		ExitPrice:      exitPrice,
		EntryTime:      p.EntryTime,
		ExitTime:       exitTime,
		ExitReason:     reason,
		NotionalUSD:    p.NotionalUSD,
		RealizedPnLUSD: usd,
		RealizedPnLPct: pct,
		StrategyID:     p.StrategyID,
		Source:         p.Source,
	}
}
