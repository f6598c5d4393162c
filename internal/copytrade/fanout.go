// Package copytrade fans a successful originator trade out to the
// strategy's active followers. Each follower's copy re-enters the full
// dispatch pipeline, so every gate applies to the follower as if they
// had sent the signal themselves. Follower failures are isolated; the
// originator's trade has already been answered and nothing here can
// touch it.
package copytrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/persistence"
)

// DefaultWorkers bounds the parallel follower executions per fan-out.
const DefaultWorkers = 4

// DefaultTimeout caps one whole fan-out run.
const DefaultTimeout = 30 * time.Second

// Executor re-enters the dispatch pipeline on a follower's behalf and
// returns the follower's resulting trade id. The dispatcher satisfies
// it; the binding happens after construction because each side needs
// the other.
type Executor interface {
	ExecuteCopy(ctx context.Context, follower *domain.User, sig *domain.Signal) (uuid.UUID, error)
}

// Sink receives the linkage records and pause notifications. The audit
// sink satisfies it.
type Sink interface {
	CopiedTrade(ct domain.CopiedTrade)
	Notify(n domain.Notification)
}

// Config tunes the fan-out.
type Config struct {
	Workers int
	Timeout time.Duration
	Metrics *metrics.Registry
}

// FanOut executes copy trades for follower relationships.
type FanOut struct {
	repo    persistence.CopyRepo
	users   persistence.UsersRepo
	sink    Sink
	metrics *metrics.Registry
	workers int
	timeout time.Duration

	mu       sync.Mutex
	executor Executor

	wg sync.WaitGroup
}

func New(repo persistence.CopyRepo, users persistence.UsersRepo, sink Sink, cfg Config) *FanOut {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &FanOut{
		repo:    repo,
		users:   users,
		sink:    sink,
		metrics: cfg.Metrics,
		workers: workers,
		timeout: timeout,
	}
}

func (f *FanOut) count(result string) {
	if f.metrics != nil {
		f.metrics.CopyFanouts.WithLabelValues(result).Inc()
	}
}

// Bind wires the executor in after both sides exist.
func (f *FanOut) Bind(e Executor) {
	f.mu.Lock()
	f.executor = e
	f.mu.Unlock()
}

// Origin describes the originator trade being copied.
type Origin struct {
	TradeID     uuid.UUID
	UserID      uuid.UUID
	StrategyID  uuid.UUID
	Signal      *domain.Signal
	NotionalUSD decimal.Decimal
}

// Trigger starts the fan-out for one executed trade and returns
// immediately. The run detaches from the request: the originator's
// response must not wait on followers.
func (f *FanOut) Trigger(origin Origin) {
	f.mu.Lock()
	e := f.executor
	f.mu.Unlock()
	if e == nil {
		log.Error().Str("strategy_id", origin.StrategyID.String()).
			Msg("copy fan-out triggered before executor bound")
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		f.run(ctx, e, origin)
	}()
}

// Wait blocks until in-flight fan-outs finish. Shutdown calls it after
// the HTTP server stops accepting work.
func (f *FanOut) Wait() {
	f.wg.Wait()
}

func (f *FanOut) run(ctx context.Context, e Executor, origin Origin) {
	rels, err := f.repo.ListActiveByStrategy(ctx, origin.StrategyID)
	if err != nil {
		log.Warn().Err(err).Str("strategy_id", origin.StrategyID.String()).
			Msg("copy fan-out: listing followers failed")
		return
	}
	if len(rels) == 0 {
		return
	}

	log.Info().Str("strategy_id", origin.StrategyID.String()).
		Int("followers", len(rels)).
		Str("symbol", origin.Signal.Symbol).
		Msg("copy fan-out started")

	// Follower failures stay per-follower, so workers always return nil
	// and the group only bounds parallelism.
	g := &errgroup.Group{}
	g.SetLimit(f.workers)
	for _, rel := range rels {
		rel := rel
		g.Go(func() error {
			f.copyOne(ctx, e, origin, rel)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *FanOut) copyOne(ctx context.Context, e Executor, origin Origin, rel domain.CopyRelationship) {
	if rel.FollowerID == origin.UserID {
		return
	}

	if rel.DrawdownBreached() {
		if err := f.repo.SetStatus(ctx, rel.ID, domain.CopyPaused); err != nil {
			log.Warn().Err(err).Str("relationship_id", rel.ID.String()).
				Msg("copy fan-out: pausing relationship failed")
		}
		f.sink.Notify(domain.Notification{
			ID:     uuid.New(),
			UserID: rel.FollowerID,
			Type:   domain.NotifyCopyPaused,
			Title:  "Copy trading paused",
			Message: fmt.Sprintf("Drawdown of %s%% reached your %s%% stop; copying for this strategy is paused.",
				rel.CurrentDrawdownPct.StringFixed(1), rel.MaxDrawdownPct.StringFixed(1)),
			CreatedAt: time.Now().UTC(),
		})
		log.Info().Str("relationship_id", rel.ID.String()).
			Str("follower_id", rel.FollowerID.String()).
			Msg("copy fan-out: relationship paused on drawdown stop")
		f.count("paused")
		return
	}

	follower, err := f.users.GetByID(ctx, rel.FollowerID)
	if err != nil || follower == nil || !follower.Active {
		log.Warn().Err(err).Str("follower_id", rel.FollowerID.String()).
			Msg("copy fan-out: follower unavailable")
		f.count("skipped")
		return
	}

	notional := origin.NotionalUSD.Mul(rel.AllocationPct).Div(decimal.NewFromInt(100))
	if !notional.IsPositive() {
		log.Warn().Str("relationship_id", rel.ID.String()).
			Str("allocation_pct", rel.AllocationPct.String()).
			Msg("copy fan-out: allocation produced no notional")
		f.count("skipped")
		return
	}

	sig := followerSignal(origin, rel, notional)
	tradeID, err := e.ExecuteCopy(ctx, follower, sig)
	if err != nil {
		log.Warn().Err(err).
			Str("follower_id", rel.FollowerID.String()).
			Str("symbol", origin.Signal.Symbol).
			Msg("copy fan-out: follower execution failed")
		f.count("failed")
		return
	}
	f.count("copied")

	f.sink.CopiedTrade(domain.CopiedTrade{
		ID:                 uuid.New(),
		RelationshipID:     rel.ID,
		OriginatorTradeID:  origin.TradeID,
		FollowerTradeID:    tradeID,
		Symbol:             origin.Signal.Symbol,
		Side:               origin.Signal.Action.PositionSide(),
		OriginatorNotional: origin.NotionalUSD,
		FollowerNotional:   notional,
		CreatedAt:          time.Now().UTC(),
	})
}

// followerSignal clones the originator's signal onto the follower with
// the scaled notional. Source is tagged copy, which also keeps the
// dispatcher from fanning the follower's trade out again.
func followerSignal(origin Origin, rel domain.CopyRelationship, notional decimal.Decimal) *domain.Signal {
	s := *origin.Signal
	followerID := rel.FollowerID
	relID := rel.ID
	tradeID := origin.TradeID

	s.UserID = &followerID
	s.NotionalUSD = &notional
	s.Source = domain.SourceCopy
	s.CopyRelationshipID = &relID
	s.OriginatorTradeID = &tradeID
	return &s
}
