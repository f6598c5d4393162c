package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is the verb carried by an incoming signal.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionLong  Action = "long"
	ActionShort Action = "short"
	ActionClose Action = "close"
)

// ParseAction is case-insensitive.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	case ActionLong:
		return ActionLong, nil
	case ActionShort:
		return ActionShort, nil
	case ActionClose:
		return ActionClose, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// IsClose reports whether the action closes an existing position rather
// than opening one.
func (a Action) IsClose() bool { return a == ActionClose }

// PositionSide maps an entry action to the side of the position it opens.
// Buy and Long open longs; Sell and Short open shorts.
func (a Action) PositionSide() Side {
	switch a {
	case ActionSell, ActionShort:
		return SideShort
	default:
		return SideLong
	}
}

// OrderType distinguishes market from limit entries.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// ParseOrderType defaults to market on empty input.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "market":
		return OrderMarket, nil
	case "limit":
		return OrderLimit, nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// SignalSource tags where a signal entered the system.
const (
	SourceWebhook = "webhook"
	SourceCopy    = "copy"
)

// Signal is the canonical in-process representation of an incoming
// webhook after parsing. It is consumed once by the dispatcher and never
// persisted in raw form.
type Signal struct {
	UserID        *uuid.UUID       `json:"user_id,omitempty"`
	Venue         Venue            `json:"exchange"`
	Action        Action           `json:"action"`
	Symbol        string           `json:"symbol"`
	OrderType     OrderType        `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"price,omitempty"`
	NotionalUSD   *decimal.Decimal `json:"position_size_usd,omitempty"`
	StopLossPct   *decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TakeProfitPct *decimal.Decimal `json:"take_profit_percent,omitempty"`
	StrategyID    *uuid.UUID       `json:"strategy_id,omitempty"`
	Strategy      string           `json:"strategy,omitempty"`

	// Source is SourceWebhook for wire traffic and SourceCopy for
	// fan-out re-entries on a follower's behalf.
	Source string `json:"source,omitempty"`

	// Copy linkage, set only on fan-out re-entries.
	CopyRelationshipID *uuid.UUID `json:"-"`
	OriginatorTradeID  *uuid.UUID `json:"-"`

	// Extra carries venue-specific passthrough fields (option right and
	// strike, trailing-stop settings, time-in-force hints). The
	// dispatcher never interprets them.
	Extra map[string]any `json:"-"`
}

// ExtraString returns a passthrough field as a string, with ok=false
// when absent or not string-shaped.
func (s *Signal) ExtraString(key string) (string, bool) {
	if s.Extra == nil {
		return "", false
	}
	v, ok := s.Extra[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	}
	return fmt.Sprintf("%v", v), true
}

// ExtraBool reads a boolean passthrough field, tolerating JSON's
// true/false as well as "true"/"false" strings.
func (s *Signal) ExtraBool(key string) bool {
	if s.Extra == nil {
		return false
	}
	switch t := s.Extra[key].(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}

// ExtraDecimal reads a numeric passthrough field.
func (s *Signal) ExtraDecimal(key string) (decimal.Decimal, bool) {
	if s.Extra == nil {
		return decimal.Zero, false
	}
	switch t := s.Extra[key].(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case decimal.Decimal:
		return t, true
	}
	return decimal.Zero, false
}
