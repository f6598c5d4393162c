package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/copytrade"
	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/venue"
)

// openPosition places the entry and optional protective exits, then
// commits the position. The tracker slot is reserved before any venue
// call: a venue failure of unknown outcome must never leave a phantom
// record, so every failure path releases the reservation instead.
func (d *Dispatcher) openPosition(ctx context.Context, user *domain.User, sig *domain.Signal, a venue.Adapter) (*Result, *copytrade.Origin, error) {
	key := domain.PositionKey{UserID: user.ID, Venue: sig.Venue, Symbol: sig.Symbol}
	if err := d.deps.Tracker.Reserve(key); err != nil {
		return nil, nil, err
	}
	committed := false
	defer func() {
		if !committed {
			d.deps.Tracker.Release(key)
		}
	}()

	notional := d.notionalFor(ctx, user.ID, sig)
	if !notional.IsPositive() {
		return nil, nil, domain.E(domain.KindBadRequest, "no position size on the signal and no default configured")
	}

	qty, err := a.QuantityForNotional(ctx, sig.Symbol, notional)
	if err != nil {
		return nil, nil, err
	}

	side := sig.Action.PositionSide()
	entrySide := domain.OrderSideBuy
	if side == domain.SideShort {
		entrySide = domain.OrderSideSell
	}

	var limitPx decimal.Decimal
	if sig.OrderType == domain.OrderLimit {
		limitPx = *sig.LimitPrice
	}

	// Venues with a native compound order arm entry and both exits
	// atomically. Everything else places the entry first and arms the
	// exits afterwards.
	bp, native := a.(venue.BracketPlacer)
	native = native && sig.StopLossPct != nil && sig.TakeProfitPct != nil

	var (
		ack     domain.OrderAck
		entry   decimal.Decimal
		sl, tp  *decimal.Decimal
		slID    string
		tpID    string
		pending bool
	)

	if native {
		ref := limitPx
		if !ref.IsPositive() {
			t, terr := a.GetTicker(ctx, sig.Symbol)
			if terr != nil {
				return nil, nil, terr
			}
			ref = t.Last
		}
		sl, tp = bracketPrices(side, ref, sig.StopLossPct, sig.TakeProfitPct)

		ack, err = bp.PlaceBracketOrder(ctx, sig.Symbol, entrySide, qty, limitPx, *tp, *sl)
		if err != nil {
			return nil, nil, err
		}
		entry = ack.FillPrice
		if !entry.IsPositive() {
			entry = ref
		}
		pending = sig.OrderType == domain.OrderLimit && !ack.Filled()
	} else {
		if sig.OrderType == domain.OrderLimit {
			ack, err = a.PlaceLimitOrder(ctx, sig.Symbol, entrySide, qty, limitPx)
		} else {
			ack, err = a.PlaceMarketOrder(ctx, sig.Symbol, entrySide, qty)
		}
		if err != nil {
			return nil, nil, err
		}

		entry = d.entryPrice(ctx, a, sig, ack)
		pending = sig.OrderType == domain.OrderLimit && !ack.Filled()
		sl, tp = bracketPrices(side, entry, sig.StopLossPct, sig.TakeProfitPct)

		// Exits for a resting entry would protect nothing; the
		// reconciliation loop arms them once the fill lands.
		if !pending {
			slID, tpID = d.armExits(ctx, user, sig, a, side, qty, sl, tp)
		}
	}

	fillQty := qty
	if ack.FillQuantity.IsPositive() {
		fillQty = ack.FillQuantity
	}

	p := &domain.Position{
		ID:                uuid.New(),
		UserID:            user.ID,
		Venue:             sig.Venue,
		Symbol:            sig.Symbol,
		Side:              side,
		Quantity:          fillQty,
		EntryPrice:        entry,
		EntryTime:         d.now(),
		NotionalUSD:       notional,
		StopLossPrice:     sl,
		TakeProfitPrice:   tp,
		EntryOrderID:      ack.OrderID,
		StopLossOrderID:   slID,
		TakeProfitOrderID: tpID,
		StrategyID:        sig.StrategyID,
		Source:            sourceOf(sig),
		PendingEntry:      pending,
	}
	d.deps.Tracker.Commit(p)
	committed = true

	d.deps.Metrics.OpenPositions.Set(float64(d.deps.Tracker.Count()))
	d.deps.Metrics.OrdersTotal.WithLabelValues(string(sig.Venue), string(sig.Action), string(ack.Status)).Inc()
	d.deps.Sink.PositionOpened(*p)

	log.Info().
		Str("user_id", user.ID.String()).
		Str("venue", string(sig.Venue)).
		Str("symbol", sig.Symbol).
		Str("side", string(side)).
		Str("qty", fillQty.String()).
		Str("entry", entry.String()).
		Bool("pending", pending).
		Msg("position opened")

	res := &Result{
		Action:   ActionOpened,
		Symbol:   sig.Symbol,
		Venue:    sig.Venue,
		Quantity: fillQty,
		Price:    entry,
		OrderID:  ack.OrderID,
		TradeID:  p.ID,
	}
	origin := &copytrade.Origin{TradeID: p.ID, UserID: user.ID, Signal: sig, NotionalUSD: notional}
	return res, origin, nil
}

// closePosition flattens the tracked position, cancels leftover bracket
// legs, and appends the completed trade. The venue call comes first;
// the tracker entry is removed only once the venue accepted the close.
func (d *Dispatcher) closePosition(ctx context.Context, user *domain.User, sig *domain.Signal, a venue.Adapter) (*Result, *copytrade.Origin, error) {
	key := domain.PositionKey{UserID: user.ID, Venue: sig.Venue, Symbol: sig.Symbol}

	pos := d.deps.Tracker.Get(key)
	if pos == nil {
		// The tracker may be cold after a restart; fall back to venue
		// truth before refusing.
		vp, err := a.GetPosition(ctx, sig.Symbol)
		if err != nil {
			return nil, nil, err
		}
		if vp == nil || vp.Quantity.IsZero() {
			return nil, nil, domain.E(domain.KindBadRequest, "no open position for %s on %s", sig.Symbol, sig.Venue)
		}
		pos = &domain.Position{
			ID:          uuid.New(),
			UserID:      user.ID,
			Venue:       sig.Venue,
			Symbol:      sig.Symbol,
			Side:        vp.Side(),
			Quantity:    vp.Quantity.Abs(),
			EntryPrice:  vp.EntryPrice,
			EntryTime:   d.now(),
			NotionalUSD: vp.EntryPrice.Mul(vp.Quantity.Abs()),
			Synced:      true,
		}
	}

	// A resting entry that never filled is cancelled, not traded out.
	if pos.PendingEntry {
		if err := a.CancelOrder(ctx, sig.Symbol, pos.EntryOrderID); err != nil {
			return nil, nil, err
		}
		d.deps.Tracker.Close(key)
		d.deps.Metrics.OpenPositions.Set(float64(d.deps.Tracker.Count()))
		d.deps.Sink.PositionClosed(user.ID, sig.Venue, sig.Symbol)

		log.Info().
			Str("user_id", user.ID.String()).
			Str("venue", string(sig.Venue)).
			Str("symbol", sig.Symbol).
			Msg("pending entry cancelled")

		return &Result{
			Action:   ActionClosed,
			Symbol:   sig.Symbol,
			Venue:    sig.Venue,
			Quantity: pos.Quantity,
			Price:    pos.EntryPrice,
			OrderID:  pos.EntryOrderID,
			TradeID:  pos.ID,
		}, nil, nil
	}

	ack, err := a.ClosePosition(ctx, sig.Symbol, pos.Side.Opposite(), pos.Quantity)
	if err != nil {
		return nil, nil, err
	}

	// Leftover bracket legs must not fire against a flat book. Venues
	// with linked OCO legs cancel them on their own; a failed cancel
	// here usually means exactly that.
	for _, oid := range []string{pos.StopLossOrderID, pos.TakeProfitOrderID} {
		if oid == "" {
			continue
		}
		if cerr := a.CancelOrder(ctx, sig.Symbol, oid); cerr != nil {
			log.Debug().Err(cerr).Str("order_id", oid).Msg("bracket cancel after close")
		}
	}

	if removed := d.deps.Tracker.Close(key); removed != nil {
		pos = removed
	}
	d.deps.Metrics.OpenPositions.Set(float64(d.deps.Tracker.Count()))
	d.deps.Metrics.OrdersTotal.WithLabelValues(string(sig.Venue), string(sig.Action), string(ack.Status)).Inc()

	exit := ack.FillPrice
	if !exit.IsPositive() {
		if t, terr := a.GetTicker(ctx, sig.Symbol); terr == nil && t.Last.IsPositive() {
			exit = t.Last
		} else {
			exit = pos.EntryPrice
		}
	}

	trade := domain.CompleteTrade(pos, exit, d.now(), domain.ExitManual)
	d.deps.Sink.TradeCompleted(trade)
	d.deps.Sink.PositionClosed(user.ID, sig.Venue, sig.Symbol)
	d.deps.Risk.Invalidate(user.ID, sig.Venue)

	log.Info().
		Str("user_id", user.ID.String()).
		Str("venue", string(sig.Venue)).
		Str("symbol", sig.Symbol).
		Str("exit", exit.String()).
		Str("pnl_usd", trade.RealizedPnLUSD.String()).
		Msg("position closed")

	res := &Result{
		Action:   ActionClosed,
		Symbol:   sig.Symbol,
		Venue:    sig.Venue,
		Quantity: pos.Quantity,
		Price:    exit,
		OrderID:  ack.OrderID,
		TradeID:  trade.ID,
	}
	origin := &copytrade.Origin{TradeID: trade.ID, UserID: user.ID, Signal: sig, NotionalUSD: pos.NotionalUSD}
	return res, origin, nil
}

// armExits places stop-loss and take-profit orders for a filled entry.
// Failures do not unwind the trade; the user is told the position is
// open without the failed leg.
func (d *Dispatcher) armExits(ctx context.Context, user *domain.User, sig *domain.Signal, a venue.Adapter, side domain.Side, qty decimal.Decimal, sl, tp *decimal.Decimal) (slID, tpID string) {
	exitSide := side.Opposite()
	var failed []string

	if sl != nil {
		if ack, err := a.PlaceStopLoss(ctx, sig.Symbol, exitSide, qty, *sl); err != nil {
			log.Warn().Err(err).
				Str("user_id", user.ID.String()).
				Str("symbol", sig.Symbol).
				Msg("stop-loss placement failed")
			failed = append(failed, "stop-loss")
		} else {
			slID = ack.OrderID
		}
	}
	if tp != nil {
		if ack, err := a.PlaceTakeProfit(ctx, sig.Symbol, exitSide, qty, *tp); err != nil {
			log.Warn().Err(err).
				Str("user_id", user.ID.String()).
				Str("symbol", sig.Symbol).
				Msg("take-profit placement failed")
			failed = append(failed, "take-profit")
		} else {
			tpID = ack.OrderID
		}
	}

	if len(failed) > 0 {
		d.deps.Sink.Notify(domain.Notification{
			ID:     uuid.New(),
			UserID: user.ID,
			Type:   domain.NotifyTradeError,
			Title:  "Position protection incomplete",
			Message: fmt.Sprintf("%s placement failed for %s on %s; the position is open without it",
				strings.Join(failed, " and "), sig.Symbol, sig.Venue),
			CreatedAt: d.now(),
		})
	}
	return slID, tpID
}

// entryPrice picks the best available price for the executed entry:
// the venue's fill price, the resting limit price, then a ticker.
func (d *Dispatcher) entryPrice(ctx context.Context, a venue.Adapter, sig *domain.Signal, ack domain.OrderAck) decimal.Decimal {
	if ack.FillPrice.IsPositive() {
		return ack.FillPrice
	}
	if sig.OrderType == domain.OrderLimit && sig.LimitPrice != nil {
		return *sig.LimitPrice
	}
	if t, err := a.GetTicker(ctx, sig.Symbol); err == nil && t.Last.IsPositive() {
		return t.Last
	}
	return decimal.Zero
}

// bracketPrices derives protective exit levels from the entry price:
// entry x (1 -/+ pct/100), mirrored for shorts.
func bracketPrices(side domain.Side, entry decimal.Decimal, slPct, tpPct *decimal.Decimal) (sl, tp *decimal.Decimal) {
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)

	if slPct != nil {
		frac := slPct.Div(hundred)
		p := entry.Mul(one.Sub(frac))
		if side == domain.SideShort {
			p = entry.Mul(one.Add(frac))
		}
		sl = &p
	}
	if tpPct != nil {
		frac := tpPct.Div(hundred)
		p := entry.Mul(one.Add(frac))
		if side == domain.SideShort {
			p = entry.Mul(one.Sub(frac))
		}
		tp = &p
	}
	return sl, tp
}

func sourceOf(sig *domain.Signal) string {
	if sig.Source != "" {
		return sig.Source
	}
	return domain.SourceWebhook
}
