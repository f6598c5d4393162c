package factory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/venue"
)

// instrument wraps an adapter so every capability call lands one
// latency sample labelled by venue, call, and result. The wrapper type
// is picked to mirror the inner adapter's optional interfaces: a
// wrapped adapter must not advertise bracket or hint support its venue
// does not have.
func instrument(a venue.Adapter, m *metrics.Registry) venue.Adapter {
	if m == nil {
		return a
	}
	t := &timed{inner: a, m: m}
	bracket, hasBracket := a.(venue.BracketPlacer)
	hints, hasHints := a.(venue.HintAware)
	switch {
	case hasBracket && hasHints:
		return &timedFull{timed: t, bracket: bracket, hints: hints}
	case hasBracket:
		return &timedBracket{timed: t, bracket: bracket}
	case hasHints:
		return &timedHints{timed: t, hints: hints}
	default:
		return t
	}
}

type timed struct {
	inner venue.Adapter
	m     *metrics.Registry
}

func (t *timed) observe(call string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	t.m.AdapterCalls.
		WithLabelValues(string(t.inner.Venue()), call, result).
		Observe(time.Since(start).Seconds())
}

func (t *timed) Venue() domain.Venue { return t.inner.Venue() }

func (t *timed) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	start := time.Now()
	out, err := t.inner.GetAvailableMargin(ctx)
	t.observe("get_available_margin", start, err)
	return out, err
}

func (t *timed) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	start := time.Now()
	out, err := t.inner.GetPositions(ctx)
	t.observe("get_positions", start, err)
	return out, err
}

func (t *timed) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	start := time.Now()
	out, err := t.inner.GetPosition(ctx, symbol)
	t.observe("get_position", start, err)
	return out, err
}

func (t *timed) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	start := time.Now()
	out, err := t.inner.HasOpenPosition(ctx, symbol)
	t.observe("has_open_position", start, err)
	return out, err
}

func (t *timed) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	start := time.Now()
	out, err := t.inner.GetTicker(ctx, symbol)
	t.observe("get_ticker", start, err)
	return out, err
}

func (t *timed) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	start := time.Now()
	out, err := t.inner.QuantityForNotional(ctx, symbol, notionalUSD)
	t.observe("quantity_for_notional", start, err)
	return out, err
}

func (t *timed) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.inner.PlaceMarketOrder(ctx, symbol, side, qty)
	t.observe("place_market_order", start, err)
	return out, err
}

func (t *timed) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.inner.PlaceLimitOrder(ctx, symbol, side, qty, price)
	t.observe("place_limit_order", start, err)
	return out, err
}

func (t *timed) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.inner.PlaceStopLoss(ctx, symbol, side, qty, stopPrice)
	t.observe("place_stop_loss", start, err)
	return out, err
}

func (t *timed) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.inner.PlaceTakeProfit(ctx, symbol, side, qty, limitPrice)
	t.observe("place_take_profit", start, err)
	return out, err
}

func (t *timed) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.inner.ClosePosition(ctx, symbol, side, qty)
	t.observe("close_position", start, err)
	return out, err
}

func (t *timed) CancelOrder(ctx context.Context, symbol, orderID string) error {
	start := time.Now()
	err := t.inner.CancelOrder(ctx, symbol, orderID)
	t.observe("cancel_order", start, err)
	return err
}

func (t *timed) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.inner.GetOrder(ctx, symbol, orderID)
	t.observe("get_order", start, err)
	return out, err
}

type timedBracket struct {
	*timed
	bracket venue.BracketPlacer
}

func (t *timedBracket) PlaceBracketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, entryLimit, takeProfit, stopLoss decimal.Decimal) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.bracket.PlaceBracketOrder(ctx, symbol, side, qty, entryLimit, takeProfit, stopLoss)
	t.observe("place_bracket_order", start, err)
	return out, err
}

type timedHints struct {
	*timed
	hints venue.HintAware
}

func (t *timedHints) SetHints(hints map[string]any) { t.hints.SetHints(hints) }

type timedFull struct {
	*timed
	bracket venue.BracketPlacer
	hints   venue.HintAware
}

func (t *timedFull) PlaceBracketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, entryLimit, takeProfit, stopLoss decimal.Decimal) (domain.OrderAck, error) {
	start := time.Now()
	out, err := t.bracket.PlaceBracketOrder(ctx, symbol, side, qty, entryLimit, takeProfit, stopLoss)
	t.observe("place_bracket_order", start, err)
	return out, err
}

func (t *timedFull) SetHints(hints map[string]any) { t.hints.SetHints(hints) }

var (
	_ venue.Adapter       = (*timed)(nil)
	_ venue.BracketPlacer = (*timedBracket)(nil)
	_ venue.HintAware     = (*timedHints)(nil)
	_ venue.BracketPlacer = (*timedFull)(nil)
	_ venue.HintAware     = (*timedFull)(nil)
)
