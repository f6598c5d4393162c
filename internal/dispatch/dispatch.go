// Package dispatch executes authenticated trade signals end to end:
// shape check, secret resolution, rate and risk gating, optional ML
// validation, adapter resolution, and order placement, followed by the
// fire-and-forget copy fan-out and audit writes. Processing is strictly
// serial through order placement; nothing downstream of the venue call
// can fail a trade after the fact.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/copytrade"
	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/mlgate"
	"github.com/tradegate/tradegate/internal/netutil/ratelimit"
	"github.com/tradegate/tradegate/internal/persistence"
	"github.com/tradegate/tradegate/internal/risk"
	"github.com/tradegate/tradegate/internal/tracker"
	"github.com/tradegate/tradegate/internal/venue"
)

// Per-user webhook bucket defaults. A user retrying a misfiring alert
// should be throttled, not queued.
const (
	DefaultUserRPS   = 5
	DefaultUserBurst = 10
)

// Result.Action values.
const (
	ActionOpened = "opened"
	ActionClosed = "closed"
)

// SecretSource resolves webhook secrets to users and owns the cached
// credential layer. Implemented by credstore.Store.
type SecretSource interface {
	LookupUserBySecret(ctx context.Context, secret string) (*domain.User, error)
	GetVenueCredential(ctx context.Context, userID uuid.UUID, venue domain.Venue) (*domain.VenueCredential, error)
	Invalidate(userID uuid.UUID, venue domain.Venue)
}

// AdapterSource builds a ready venue adapter for one (user, venue)
// pair. Implemented by factory.Factory.
type AdapterSource interface {
	Adapter(ctx context.Context, userID uuid.UUID, v domain.Venue) (venue.Adapter, error)
}

// RiskGate runs the pre-trade quota and risk checks. Implemented by
// risk.Gate.
type RiskGate interface {
	Check(ctx context.Context, user *domain.User, v domain.Venue) error
	Invalidate(userID uuid.UUID, v domain.Venue)
}

// Validator scores a signal against an ML-assisted strategy.
// Implemented by mlgate.Client.
type Validator interface {
	Validate(ctx context.Context, req mlgate.Request) mlgate.Verdict
}

// CopyTrigger fans a completed originator trade out to followers.
// Implemented by copytrade.FanOut.
type CopyTrigger interface {
	Trigger(origin copytrade.Origin)
}

// Sink receives the asynchronous audit writes. Implemented by
// audit.Sink; no method may block.
type Sink interface {
	PositionOpened(p domain.Position)
	PositionClosed(userID uuid.UUID, venue domain.Venue, symbol string)
	TradeCompleted(t domain.CompletedTrade)
	Decision(d domain.DecisionRecord)
	Notify(n domain.Notification)
}

// Result is the success payload for one executed signal. The JSON tags
// are the wire names the webhook response uses.
type Result struct {
	Action     string          `json:"action"`
	Symbol     string          `json:"symbol"`
	Venue      domain.Venue    `json:"exchange"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"entryPrice"`
	OrderID    string          `json:"orderId"`
	DurationMs int64           `json:"durationMs"`

	// TradeID is the position id for opens and the completed-trade id
	// for closes. Copy linkage records reference it.
	TradeID uuid.UUID `json:"-"`
}

// Deps wires the dispatcher's collaborators. ML may be nil to disable
// strategy validation; the copy trigger is bound late because the
// fan-out needs the dispatcher as its executor.
type Deps struct {
	Secrets    SecretSource
	Adapters   AdapterSource
	Risk       RiskGate
	ML         Validator
	Strategies persistence.StrategiesRepo
	Usage      persistence.UsageRepo
	Tracker    *tracker.Tracker
	Sink       Sink
	Metrics    *metrics.Registry
	Registry   *venue.Registry
}

// Config carries the tunables.
type Config struct {
	UserRPS   float64
	UserBurst int
	Clock     func() time.Time
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	deps    Deps
	limiter *ratelimit.PerKey
	copies  CopyTrigger
	now     func() time.Time
}

func New(deps Deps, cfg Config) *Dispatcher {
	rps := cfg.UserRPS
	if rps == 0 {
		rps = DefaultUserRPS
	}
	burst := cfg.UserBurst
	if burst == 0 {
		burst = DefaultUserBurst
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		deps:    deps,
		limiter: ratelimit.NewPerKey(rps, burst),
		now:     now,
	}
}

// BindCopies attaches the fan-out trigger after construction.
func (d *Dispatcher) BindCopies(t CopyTrigger) {
	d.copies = t
}

// Handle runs the full pipeline for a wire webhook. It is the only
// entry point that sees the shared secret.
func (d *Dispatcher) Handle(ctx context.Context, secret string, sig *domain.Signal) (*Result, error) {
	if err := validate(secret, sig); err != nil {
		d.countFailure(err)
		return nil, err
	}

	user, err := d.deps.Secrets.LookupUserBySecret(ctx, secret)
	if err != nil {
		d.countFailure(err)
		return nil, err
	}

	// Upstream signal routers send user_id alongside the secret; a
	// mismatch means the secret belongs to somebody else.
	if sig.UserID != nil && *sig.UserID != user.ID {
		err := domain.E(domain.KindAuthFailed, "invalid webhook secret")
		d.countFailure(err)
		return nil, err
	}

	return d.Execute(ctx, user, sig)
}

// Execute runs gates and action dispatch for an already-authenticated
// user. Copy fan-out re-enters here so follower trades see every gate a
// wire webhook would.
func (d *Dispatcher) Execute(ctx context.Context, user *domain.User, sig *domain.Signal) (*Result, error) {
	start := time.Now()

	res, err := d.execute(ctx, user, sig)
	if err != nil {
		d.countFailure(err)
		return nil, err
	}

	res.DurationMs = time.Since(start).Milliseconds()
	d.deps.Metrics.WebhooksTotal.WithLabelValues(res.Action).Inc()
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, user *domain.User, sig *domain.Signal) (*Result, error) {
	if err := validateSignal(sig); err != nil {
		return nil, err
	}

	// Per-user token bucket. Rejected, not queued: webhook senders
	// retry on their own schedule.
	if !d.limiter.Allow(user.ID.String()) {
		d.deps.Metrics.GateRejections.WithLabelValues("rate_limited").Inc()
		return nil, domain.E(domain.KindRateLimited, "too many requests")
	}

	// Quota and risk gates.
	if err := d.deps.Risk.Check(ctx, user, sig.Venue); err != nil {
		if lt, ok := domain.FieldsOf(err)["limitType"].(string); ok {
			d.deps.Metrics.GateRejections.WithLabelValues(lt).Inc()
		}
		return nil, err
	}

	// ML gate, only for signals naming an ML-assisted strategy. A
	// denial is recorded immediately; any other verdict is recorded
	// after the venue call with the final executed state.
	verdict := d.mlVerdict(ctx, user, sig)
	if verdict != nil && !verdict.Allowed {
		d.deps.Metrics.MLDecisions.WithLabelValues("denied").Inc()
		d.deps.Sink.Decision(verdict.Record(user.ID, sig.StrategyID, sig.Symbol, sig.Action, false))
		return nil, domain.E(domain.KindMLBlocked, "signal rejected by strategy validation").
			WithField("confidence", verdict.Confidence).
			WithField("threshold", verdict.Threshold).
			WithField("reasons", verdict.Reasons)
	}

	a, err := d.deps.Adapters.Adapter(ctx, user.ID, sig.Venue)
	if err != nil {
		return nil, err
	}
	if h, ok := a.(venue.HintAware); ok && len(sig.Extra) > 0 {
		h.SetHints(sig.Extra)
	}

	// The venue interaction runs on a detached context: a dropped
	// client connection must not cancel an order already on its way.
	exec := context.WithoutCancel(ctx)

	var res *Result
	var origin *copytrade.Origin
	if sig.Action.IsClose() {
		res, origin, err = d.closePosition(exec, user, sig, a)
	} else {
		res, origin, err = d.openPosition(exec, user, sig, a)
	}

	if verdict != nil {
		outcome := "allowed"
		if verdict.FailOpen {
			outcome = "fail_open"
		}
		d.deps.Metrics.MLDecisions.WithLabelValues(outcome).Inc()
		d.deps.Sink.Decision(verdict.Record(user.ID, sig.StrategyID, sig.Symbol, sig.Action, err == nil))
	}

	if err != nil {
		if domain.KindOf(err) == domain.KindCredentialBad {
			d.deps.Secrets.Invalidate(user.ID, sig.Venue)
		}
		return nil, err
	}

	// Accepted webhook: bump the monthly counter. A failed bump only
	// logs; the trade already happened.
	if uerr := d.deps.Usage.Increment(exec, user.ID, risk.MonthStart(d.now())); uerr != nil {
		log.Warn().Err(uerr).Str("user_id", user.ID.String()).Msg("usage increment failed")
	}

	// Fan out to followers, never for signals that are themselves
	// copies. Fire-and-forget.
	if d.copies != nil && origin != nil && sig.Source != domain.SourceCopy && sig.StrategyID != nil {
		origin.StrategyID = *sig.StrategyID
		d.copies.Trigger(*origin)
	}

	return res, nil
}

// ExecuteCopy satisfies the copy fan-out's executor: it re-enters the
// full gate pipeline on the follower's behalf and reports the id the
// linkage record references.
func (d *Dispatcher) ExecuteCopy(ctx context.Context, follower *domain.User, sig *domain.Signal) (uuid.UUID, error) {
	res, err := d.Execute(ctx, follower, sig)
	if err != nil {
		return uuid.Nil, err
	}
	return res.TradeID, nil
}

// mlVerdict returns nil when the signal names no strategy, the strategy
// is unknown, or it is not ML-assisted. Lookup failures skip the gate:
// validation is advisory and never blocks on datastore trouble.
func (d *Dispatcher) mlVerdict(ctx context.Context, user *domain.User, sig *domain.Signal) *mlgate.Verdict {
	if d.deps.ML == nil || sig.StrategyID == nil {
		return nil
	}
	strat, err := d.deps.Strategies.Get(ctx, *sig.StrategyID)
	if err != nil {
		log.Warn().Err(err).
			Str("strategy_id", sig.StrategyID.String()).
			Msg("strategy lookup failed, skipping ml gate")
		return nil
	}
	if strat == nil || !strat.MLAssisted {
		return nil
	}

	v := d.deps.ML.Validate(ctx, mlgate.Request{
		UserID:   user.ID,
		Strategy: strat,
		Symbol:   sig.Symbol,
		Action:   sig.Action,
	})
	return &v
}

func (d *Dispatcher) countFailure(err error) {
	d.deps.Metrics.WebhooksTotal.WithLabelValues(string(domain.KindOf(err))).Inc()
}

func validate(secret string, sig *domain.Signal) error {
	if strings.TrimSpace(secret) == "" {
		return domain.E(domain.KindBadRequest, "secret is required")
	}
	return validateSignal(sig)
}

func validateSignal(sig *domain.Signal) error {
	switch {
	case sig.Venue == "":
		return domain.E(domain.KindBadRequest, "exchange is required")
	case sig.Action == "":
		return domain.E(domain.KindBadRequest, "action is required")
	case strings.TrimSpace(sig.Symbol) == "":
		return domain.E(domain.KindBadRequest, "symbol is required")
	}
	if sig.OrderType == domain.OrderLimit && (sig.LimitPrice == nil || !sig.LimitPrice.IsPositive()) {
		return domain.E(domain.KindBadRequest, "limit orders require a positive price")
	}
	if sig.NotionalUSD != nil && !sig.NotionalUSD.IsPositive() {
		return domain.E(domain.KindBadRequest, "position_size_usd must be positive")
	}
	if sig.StopLossPct != nil && !sig.StopLossPct.IsPositive() {
		return domain.E(domain.KindBadRequest, "stop_loss_percent must be positive")
	}
	if sig.TakeProfitPct != nil && !sig.TakeProfitPct.IsPositive() {
		return domain.E(domain.KindBadRequest, "take_profit_percent must be positive")
	}
	return nil
}

// notionalFor resolves the position size: the signal's explicit size
// wins, then the default stored on the user's credential row for the
// venue, then the registry's per-venue and global defaults.
func (d *Dispatcher) notionalFor(ctx context.Context, userID uuid.UUID, sig *domain.Signal) decimal.Decimal {
	if sig.NotionalUSD != nil && sig.NotionalUSD.IsPositive() {
		return *sig.NotionalUSD
	}

	// The credential row was fetched during adapter resolution, so this
	// is a cache hit. Errors just fall through to the registry.
	if cred, err := d.deps.Secrets.GetVenueCredential(ctx, userID, sig.Venue); err == nil {
		if raw, ok := cred.Field("default_position_size_usd"); ok {
			if dflt, derr := decimal.NewFromString(raw); derr == nil && dflt.IsPositive() {
				return dflt
			}
		}
	}

	return d.deps.Registry.DefaultNotional(sig.Venue)
}
