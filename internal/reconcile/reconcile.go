// Package reconcile keeps the in-memory position book aligned with
// venue truth. A single background loop refreshes mark prices every
// sweep, and on every tenth sweep diffs the book against each venue's
// own listing: positions the venue no longer shows were closed
// out-of-band (stop fired, liquidation, manual exit on the venue UI)
// and are retired with a classified exit reason. Resting limit entries
// are promoted once they fill and cancelled once they go stale.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/tracker"
	"github.com/tradegate/tradegate/internal/venue"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultFullSweepEvery  = 10
	DefaultPendingLifetime = time.Hour
)

// exitTolerance is how close (relative) the exit print must be to a
// stored stop or target to attribute the close to it.
var exitTolerance = decimal.NewFromFloat(0.01)

// AdapterSource builds venue adapters per (user, venue). Implemented by
// factory.Factory.
type AdapterSource interface {
	Adapter(ctx context.Context, userID uuid.UUID, v domain.Venue) (venue.Adapter, error)
}

// RiskInvalidator drops cached risk counters after an out-of-band
// close. Implemented by risk.Gate.
type RiskInvalidator interface {
	Invalidate(userID uuid.UUID, v domain.Venue)
}

// Sink receives the write-through audit records. Implemented by
// audit.Sink.
type Sink interface {
	PositionOpened(p domain.Position)
	PositionUpdated(p domain.Position)
	PositionClosed(userID uuid.UUID, venue domain.Venue, symbol string)
	TradeCompleted(t domain.CompletedTrade)
	Notify(n domain.Notification)
}

// Config carries the loop tunables; zero values pick the defaults.
type Config struct {
	Interval        time.Duration
	FullSweepEvery  int
	PendingLifetime time.Duration
	Clock           func() time.Time
}

// Loop is the reconciliation worker. Run it on exactly one goroutine.
type Loop struct {
	trk      *tracker.Tracker
	adapters AdapterSource
	risk     RiskInvalidator
	sink     Sink
	metrics  *metrics.Registry

	interval        time.Duration
	fullSweepEvery  int
	pendingLifetime time.Duration
	now             func() time.Time

	sweeps int
}

func New(trk *tracker.Tracker, adapters AdapterSource, risk RiskInvalidator, sink Sink, m *metrics.Registry, cfg Config) *Loop {
	l := &Loop{
		trk:             trk,
		adapters:        adapters,
		risk:            risk,
		sink:            sink,
		metrics:         m,
		interval:        cfg.Interval,
		fullSweepEvery:  cfg.FullSweepEvery,
		pendingLifetime: cfg.PendingLifetime,
		now:             cfg.Clock,
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.fullSweepEvery <= 0 {
		l.fullSweepEvery = DefaultFullSweepEvery
	}
	if l.pendingLifetime <= 0 {
		l.pendingLifetime = DefaultPendingLifetime
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Run sweeps until ctx is cancelled. Cancellation is honored between
// positions: the in-flight position finishes, the rest of the sweep is
// abandoned.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", l.interval).Msg("reconciliation loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciliation loop stopped")
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Every pass refreshes marks and
// services pending entries; every fullSweepEvery-th pass also diffs the
// book against venue listings.
func (l *Loop) Sweep(ctx context.Context) {
	l.sweeps++
	full := l.sweeps%l.fullSweepEvery == 0

	snapshot := l.trk.Snapshot()
	adapters := make(map[domain.PositionKey]venue.Adapter) // keyed with empty symbol, one per (user, venue)

	for i := range snapshot {
		if ctx.Err() != nil {
			return
		}
		p := &snapshot[i]
		a := l.adapterFor(ctx, adapters, p.UserID, p.Venue)
		if a == nil {
			continue
		}
		if p.PendingEntry {
			l.servicePending(ctx, a, p)
			continue
		}
		l.refreshMark(ctx, a, p)
	}

	if full {
		l.venueDiff(ctx, adapters, snapshot)
	}

	l.metrics.ReconcileSweeps.Inc()
	l.metrics.OpenPositions.Set(float64(l.trk.Count()))
}

func (l *Loop) adapterFor(ctx context.Context, cache map[domain.PositionKey]venue.Adapter, userID uuid.UUID, v domain.Venue) venue.Adapter {
	key := domain.PositionKey{UserID: userID, Venue: v}
	if a, ok := cache[key]; ok {
		return a
	}
	a, err := l.adapters.Adapter(ctx, userID, v)
	if err != nil {
		log.Warn().Err(err).
			Str("user_id", userID.String()).
			Str("venue", string(v)).
			Msg("reconcile: adapter unavailable")
		cache[key] = nil
		return nil
	}
	cache[key] = a
	return a
}

// refreshMark updates one position's mark price and unrealized P&L and
// writes the refreshed record through to the audit store.
func (l *Loop) refreshMark(ctx context.Context, a venue.Adapter, p *domain.Position) {
	t, err := a.GetTicker(ctx, p.Symbol)
	if err != nil || !t.Last.IsPositive() {
		if err != nil {
			log.Debug().Err(err).Str("symbol", p.Symbol).Msg("reconcile: ticker refresh failed")
		}
		return
	}

	key := p.Key()
	now := l.now()
	ok := l.trk.Update(key, func(pos *domain.Position) {
		pos.MarkPrice = t.Last
		pos.UnrealizedPnL, _ = domain.RealizedPnL(pos, t.Last)
		pos.LastMarkTime = now
	})
	if !ok {
		return
	}
	if cur := l.trk.Get(key); cur != nil {
		l.sink.PositionUpdated(*cur)
	}
}

// servicePending promotes filled limit entries, drops rejected ones,
// and cancels entries resting past their lifetime.
func (l *Loop) servicePending(ctx context.Context, a venue.Adapter, p *domain.Position) {
	key := p.Key()

	ack, err := a.GetOrder(ctx, p.Symbol, p.EntryOrderID)
	if err != nil {
		log.Debug().Err(err).Str("order_id", p.EntryOrderID).Msg("reconcile: pending order poll failed")
		return
	}

	switch {
	case ack.Filled():
		l.promotePending(ctx, a, key, ack)

	case ack.Status == domain.OrderRejected:
		if removed := l.trk.Close(key); removed != nil {
			l.sink.PositionClosed(removed.UserID, removed.Venue, removed.Symbol)
			log.Info().Str("symbol", removed.Symbol).Msg("reconcile: rejected entry dropped")
		}

	case l.now().Sub(p.EntryTime) > l.pendingLifetime:
		if cerr := a.CancelOrder(ctx, p.Symbol, p.EntryOrderID); cerr != nil {
			log.Warn().Err(cerr).Str("order_id", p.EntryOrderID).Msg("reconcile: stale entry cancel failed")
			return
		}
		if removed := l.trk.Close(key); removed != nil {
			l.sink.PositionClosed(removed.UserID, removed.Venue, removed.Symbol)
			l.sink.Notify(domain.Notification{
				ID:        uuid.New(),
				UserID:    removed.UserID,
				Type:      domain.NotifyTradeError,
				Title:     "Entry order expired",
				Message:   "Limit entry for " + removed.Symbol + " on " + string(removed.Venue) + " did not fill and was cancelled",
				CreatedAt: l.now(),
			})
			log.Info().Str("symbol", removed.Symbol).Msg("reconcile: stale entry cancelled")
		}
	}
}

// promotePending turns a filled limit entry into a live position and
// arms the protective exits that were deferred at dispatch.
func (l *Loop) promotePending(ctx context.Context, a venue.Adapter, key domain.PositionKey, ack domain.OrderAck) {
	ok := l.trk.Update(key, func(pos *domain.Position) {
		pos.PendingEntry = false
		if ack.FillPrice.IsPositive() {
			pos.EntryPrice = ack.FillPrice
		}
		if ack.FillQuantity.IsPositive() {
			pos.Quantity = ack.FillQuantity
		}
		pos.EntryTime = l.now()
	})
	if !ok {
		return
	}

	cur := l.trk.Get(key)
	if cur == nil {
		return
	}

	// A compound bracket entry carries its exit legs on the venue side;
	// arming them here would double them up. The dispatcher only places
	// compound orders when the adapter supports them and both levels are
	// set, so the same condition identifies venue-managed legs.
	_, compound := a.(venue.BracketPlacer)
	venueManaged := compound && cur.StopLossPrice != nil && cur.TakeProfitPrice != nil

	exitSide := cur.Side.Opposite()
	if !venueManaged && cur.StopLossPrice != nil && cur.StopLossOrderID == "" {
		if sack, err := a.PlaceStopLoss(ctx, cur.Symbol, exitSide, cur.Quantity, *cur.StopLossPrice); err != nil {
			log.Warn().Err(err).Str("symbol", cur.Symbol).Msg("reconcile: deferred stop-loss failed")
		} else {
			l.trk.Update(key, func(pos *domain.Position) { pos.StopLossOrderID = sack.OrderID })
		}
	}
	if !venueManaged && cur.TakeProfitPrice != nil && cur.TakeProfitOrderID == "" {
		if tack, err := a.PlaceTakeProfit(ctx, cur.Symbol, exitSide, cur.Quantity, *cur.TakeProfitPrice); err != nil {
			log.Warn().Err(err).Str("symbol", cur.Symbol).Msg("reconcile: deferred take-profit failed")
		} else {
			l.trk.Update(key, func(pos *domain.Position) { pos.TakeProfitOrderID = tack.OrderID })
		}
	}

	if cur = l.trk.Get(key); cur != nil {
		l.sink.PositionUpdated(*cur)
		log.Info().
			Str("symbol", cur.Symbol).
			Str("entry", cur.EntryPrice.String()).
			Msg("reconcile: limit entry filled")
	}
}

// venueDiff reconciles each (user, venue) pair present in the snapshot
// against the venue's own position listing. Tracked positions the venue
// no longer shows are retired; untracked venue positions are adopted.
func (l *Loop) venueDiff(ctx context.Context, adapters map[domain.PositionKey]venue.Adapter, snapshot []domain.Position) {
	seen := make(map[domain.PositionKey]bool)

	for i := range snapshot {
		if ctx.Err() != nil {
			return
		}
		p := &snapshot[i]
		pair := domain.PositionKey{UserID: p.UserID, Venue: p.Venue}
		if seen[pair] {
			continue
		}
		seen[pair] = true

		a := l.adapterFor(ctx, adapters, p.UserID, p.Venue)
		if a == nil {
			continue
		}

		removed, adopted, err := l.trk.SyncFromVenue(ctx, a, p.UserID, p.Venue)
		if err != nil {
			log.Warn().Err(err).
				Str("user_id", p.UserID.String()).
				Str("venue", string(p.Venue)).
				Msg("reconcile: venue diff failed")
			continue
		}

		for i := range removed {
			l.retire(ctx, a, &removed[i])
		}
		for i := range adopted {
			l.sink.PositionOpened(adopted[i])
			log.Info().
				Str("user_id", adopted[i].UserID.String()).
				Str("venue", string(adopted[i].Venue)).
				Str("symbol", adopted[i].Symbol).
				Msg("reconcile: adopted venue position")
		}
	}
}

// retire books an out-of-band close: fetch an exit print, classify the
// reason against the stored stop and target, append the completed
// trade, and invalidate the user's risk counters.
func (l *Loop) retire(ctx context.Context, a venue.Adapter, p *domain.Position) {
	exit := p.MarkPrice
	if t, err := a.GetTicker(ctx, p.Symbol); err == nil && t.Last.IsPositive() {
		exit = t.Last
	}
	if !exit.IsPositive() {
		exit = p.EntryPrice
	}

	reason := domain.ExitAutoClose
	switch {
	case p.StopLossPrice != nil && withinTolerance(exit, *p.StopLossPrice):
		reason = domain.ExitStopLoss
	case p.TakeProfitPrice != nil && withinTolerance(exit, *p.TakeProfitPrice):
		reason = domain.ExitTakeProfit
	}

	trade := domain.CompleteTrade(p, exit, l.now(), reason)
	l.sink.TradeCompleted(trade)
	l.sink.PositionClosed(p.UserID, p.Venue, p.Symbol)
	l.risk.Invalidate(p.UserID, p.Venue)
	l.metrics.ReconcileClosures.WithLabelValues(string(reason)).Inc()

	log.Info().
		Str("user_id", p.UserID.String()).
		Str("venue", string(p.Venue)).
		Str("symbol", p.Symbol).
		Str("exit", exit.String()).
		Str("reason", string(reason)).
		Str("pnl_usd", trade.RealizedPnLUSD.String()).
		Msg("reconcile: position closed out-of-band")
}

// withinTolerance reports whether the exit print sits within the
// relative tolerance of the reference level.
func withinTolerance(exit, ref decimal.Decimal) bool {
	if !ref.IsPositive() {
		return false
	}
	return exit.Sub(ref).Abs().LessThanOrEqual(ref.Mul(exitTolerance))
}
