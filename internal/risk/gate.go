package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/cache"
	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/persistence"
)

// DefaultCounterTTL bounds how stale a cached weekly counter may be.
const DefaultCounterTTL = 5 * time.Minute

// Notifier receives the user-visible limit notifications. The audit
// sink satisfies it.
type Notifier interface {
	Notify(n domain.Notification)
}

// Config tunes the gate.
type Config struct {
	Policies   *Policies
	CounterTTL time.Duration

	// Clock overrides time.Now, used by tests.
	Clock func() time.Time
}

// Gate evaluates the three pre-trade limits.
type Gate struct {
	trades   persistence.TradesRepo
	usage    persistence.UsageRepo
	cache    cache.Cache
	notifier Notifier
	policies *Policies
	ttl      time.Duration
	now      func() time.Time
}

func NewGate(trades persistence.TradesRepo, usage persistence.UsageRepo, c cache.Cache, n Notifier, cfg Config) *Gate {
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	ttl := cfg.CounterTTL
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Gate{
		trades:   trades,
		usage:    usage,
		cache:    c,
		notifier: n,
		policies: policies,
		ttl:      ttl,
		now:      now,
	}
}

// Check runs the gates in order: monthly quota, weekly trade count,
// weekly loss. The first failure wins and carries the response payload
// fields the webhook answer exposes.
func (g *Gate) Check(ctx context.Context, user *domain.User, v domain.Venue) error {
	now := g.now()
	if err := g.checkQuota(ctx, user, now); err != nil {
		return err
	}
	pol := g.policies.Resolve(user.Plan, v)
	if err := g.checkWeeklyTrades(ctx, user.ID, v, pol, now); err != nil {
		return err
	}
	return g.checkWeeklyLoss(ctx, user.ID, v, pol, now)
}

func (g *Gate) checkQuota(ctx context.Context, user *domain.User, now time.Time) error {
	quota := user.EffectiveMonthlyQuota()
	if quota <= 0 {
		return nil
	}
	monthStart := MonthStart(now)
	count, err := g.usage.CountMonth(ctx, user.ID, monthStart)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, err, "usage lookup")
	}
	if count < quota {
		return nil
	}
	reset := monthStart.AddDate(0, 1, 0)
	g.notifyOnce(user.ID, domain.NotifyPlanQuota, "monthly_webhook_quota", "", monthStart, reset,
		"Monthly webhook quota reached",
		fmt.Sprintf("You have used %d of %d webhooks this month. The quota resets on %s.",
			count, quota, reset.Format("2006-01-02")))
	return domain.E(domain.KindPlanQuota, "monthly webhook quota reached").
		WithField("limitType", "monthly_webhook_quota").
		WithField("current", count).
		WithField("limit", quota).
		WithField("resetDate", reset.Format(time.RFC3339))
}

func (g *Gate) checkWeeklyTrades(ctx context.Context, userID uuid.UUID, v domain.Venue, pol Policy, now time.Time) error {
	if pol.MaxTradesPerWeek <= 0 {
		return nil
	}
	weekStart := WeekStart(now)
	count, err := g.weeklyTrades(ctx, userID, v, weekStart)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, err, "weekly trade count")
	}
	if count < pol.MaxTradesPerWeek {
		return nil
	}
	reset := weekStart.AddDate(0, 0, 7)
	g.notifyOnce(userID, domain.NotifyRiskLimit, "max_trades_per_week", string(v), weekStart, reset,
		"Weekly trade limit reached",
		fmt.Sprintf("You have completed %d of %d trades on %s this week. Trading resumes on %s.",
			count, pol.MaxTradesPerWeek, v, reset.Format("2006-01-02")))
	return domain.E(domain.KindWeeklyTradeLimit, "weekly trade limit reached for %s", v).
		WithField("limitType", "max_trades_per_week").
		WithField("current", count).
		WithField("limit", pol.MaxTradesPerWeek).
		WithField("resetDate", reset.Format(time.RFC3339))
}

func (g *Gate) checkWeeklyLoss(ctx context.Context, userID uuid.UUID, v domain.Venue, pol Policy, now time.Time) error {
	if !pol.MaxLossPerWeekUSD.IsPositive() {
		return nil
	}
	weekStart := WeekStart(now)
	loss, err := g.weeklyLoss(ctx, userID, v, weekStart)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, err, "weekly loss sum")
	}
	if loss.LessThan(pol.MaxLossPerWeekUSD) {
		return nil
	}
	reset := weekStart.AddDate(0, 0, 7)
	g.notifyOnce(userID, domain.NotifyRiskLimit, "max_loss_per_week_usd", string(v), weekStart, reset,
		"Weekly loss limit reached",
		fmt.Sprintf("Realized losses of %s USD on %s reached the weekly limit of %s USD. Trading resumes on %s.",
			loss.StringFixed(2), v, pol.MaxLossPerWeekUSD.StringFixed(2), reset.Format("2006-01-02")))
	return domain.E(domain.KindWeeklyLossLimit, "weekly loss limit reached for %s", v).
		WithField("limitType", "max_loss_per_week_usd").
		WithField("current", loss.String()).
		WithField("limit", pol.MaxLossPerWeekUSD.String()).
		WithField("resetDate", reset.Format(time.RFC3339))
}

func tradesKey(userID uuid.UUID, v domain.Venue, weekStart time.Time) string {
	return "risk:wtrades:" + userID.String() + ":" + string(v) + ":" + weekStart.Format("20060102")
}

func lossKey(userID uuid.UUID, v domain.Venue, weekStart time.Time) string {
	return "risk:wloss:" + userID.String() + ":" + string(v) + ":" + weekStart.Format("20060102")
}

func (g *Gate) weeklyTrades(ctx context.Context, userID uuid.UUID, v domain.Venue, weekStart time.Time) (int, error) {
	key := tradesKey(userID, v, weekStart)
	if raw, ok := g.cache.Get(key); ok {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			return n, nil
		}
	}
	n, err := g.trades.CountSince(ctx, userID, v, weekStart)
	if err != nil {
		return 0, err
	}
	g.cache.Set(key, []byte(strconv.Itoa(n)), g.ttl)
	return n, nil
}

func (g *Gate) weeklyLoss(ctx context.Context, userID uuid.UUID, v domain.Venue, weekStart time.Time) (decimal.Decimal, error) {
	key := lossKey(userID, v, weekStart)
	if raw, ok := g.cache.Get(key); ok {
		if d, err := decimal.NewFromString(string(raw)); err == nil {
			return d, nil
		}
	}
	loss, err := g.trades.SumLossSince(ctx, userID, v, weekStart)
	if err != nil {
		return decimal.Zero, err
	}
	g.cache.Set(key, []byte(loss.String()), g.ttl)
	return loss, nil
}

// Invalidate drops the cached weekly counters for (user, venue). Called
// when a trade for that pair closes.
func (g *Gate) Invalidate(userID uuid.UUID, v domain.Venue) {
	weekStart := WeekStart(g.now())
	g.cache.Delete(tradesKey(userID, v, weekStart))
	g.cache.Delete(lossKey(userID, v, weekStart))
}

// notifyOnce emits the user-visible limit notification at most once per
// window per limit type. The debounce marker lives until the window
// resets.
func (g *Gate) notifyOnce(userID uuid.UUID, noteType, limitType, scope string, windowStart, windowEnd time.Time, title, message string) {
	if g.notifier == nil {
		return
	}
	key := "risk:notified:" + userID.String() + ":" + scope + ":" + limitType + ":" + windowStart.Format("20060102")
	if _, ok := g.cache.Get(key); ok {
		return
	}
	g.cache.Set(key, []byte("1"), windowEnd.Sub(g.now()))
	g.notifier.Notify(domain.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      noteType,
		Title:     title,
		Message:   message,
		CreatedAt: g.now(),
	})
}
