// Package audit is the asynchronous write path to the external
// datastore. Nothing in here may fail a trade: enqueueing never blocks,
// write failures are logged and dropped, and a circuit breaker keeps a
// dead datastore from stalling the worker on every entry.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/persistence"
)

// DefaultQueueSize bounds each of the two internal queues.
const DefaultQueueSize = 1024

const writeTimeout = 10 * time.Second

type kind string

const (
	kindPositionUpsert kind = "position_upsert"
	kindPositionDelete kind = "position_delete"
	kindTrade          kind = "trade"
	kindDecision       kind = "decision"
	kindNotification   kind = "notification"
	kindCopiedTrade    kind = "copied_trade"
)

type item struct {
	kind     kind
	position *domain.Position
	del      *positionRef
	trade    *domain.CompletedTrade
	decision *domain.DecisionRecord
	notify   *domain.Notification
	copied   *domain.CopiedTrade
}

type positionRef struct {
	userID uuid.UUID
	venue  domain.Venue
	symbol string
}

// Sink is the bounded asynchronous audit writer. Positions and
// completed trades ride the critical queue and are never evicted;
// decisions, notifications, and copy linkage ride the casual queue,
// whose oldest entries are dropped first on overflow.
type Sink struct {
	repos    *persistence.Repository
	critical chan item
	casual   chan item
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.Registry

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New builds a sink over the repository set. queueSize <= 0 selects
// DefaultQueueSize. Call Start to launch the worker.
func New(repos *persistence.Repository, queueSize int, reg *metrics.Registry) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	settings := gobreaker.Settings{
		Name:    "audit-db",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("audit write breaker state change")
		},
	}
	return &Sink{
		repos:    repos,
		critical: make(chan item, queueSize),
		casual:   make(chan item, queueSize),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		metrics:  reg,
	}
}

// Start launches the worker goroutine. It runs until ctx is cancelled,
// then drains what it can before Close's deadline.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *Sink) run(ctx context.Context) {
	for {
		// Critical entries drain ahead of casual ones.
		select {
		case it := <-s.critical:
			s.write(it)
			continue
		default:
		}
		select {
		case it := <-s.critical:
			s.write(it)
		case it := <-s.casual:
			s.write(it)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain empties both queues after cancellation so shutdown loses as
// little as possible.
func (s *Sink) drain() {
	for {
		select {
		case it := <-s.critical:
			s.write(it)
		default:
			for {
				select {
				case it := <-s.casual:
					s.write(it)
				default:
					return
				}
			}
		}
	}
}

// Close waits for the worker to finish, up to timeout.
func (s *Sink) Close(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Msg("audit sink close timed out with entries unflushed")
	}
}

// PositionOpened records a new tracked position.
func (s *Sink) PositionOpened(p domain.Position) {
	s.enqueueCritical(item{kind: kindPositionUpsert, position: &p})
}

// PositionUpdated refreshes the persisted mark price and unrealized
// P&L for a tracked position.
func (s *Sink) PositionUpdated(p domain.Position) {
	s.enqueueCritical(item{kind: kindPositionUpsert, position: &p})
}

// PositionClosed removes the persisted row for a closed position.
func (s *Sink) PositionClosed(userID uuid.UUID, venue domain.Venue, symbol string) {
	s.enqueueCritical(item{kind: kindPositionDelete, del: &positionRef{userID: userID, venue: venue, symbol: symbol}})
}

// TradeCompleted appends an immutable completed-trade record.
func (s *Sink) TradeCompleted(t domain.CompletedTrade) {
	s.enqueueCritical(item{kind: kindTrade, trade: &t})
}

// Decision appends an ML validation verdict.
func (s *Sink) Decision(d domain.DecisionRecord) {
	s.enqueueCasual(item{kind: kindDecision, decision: &d})
}

// Notify appends a user-visible notification.
func (s *Sink) Notify(n domain.Notification) {
	s.enqueueCasual(item{kind: kindNotification, notify: &n})
}

// CopiedTrade records originator-to-follower linkage.
func (s *Sink) CopiedTrade(ct domain.CopiedTrade) {
	s.enqueueCasual(item{kind: kindCopiedTrade, copied: &ct})
}

func (s *Sink) enqueueCritical(it item) {
	select {
	case s.critical <- it:
		s.gaugeDepth()
	default:
		// The critical queue never evicts; at capacity the newest write
		// is lost and that loss is loud.
		s.dropped(it.kind)
		log.Error().Str("kind", string(it.kind)).Msg("audit critical queue full, write lost")
	}
}

func (s *Sink) enqueueCasual(it item) {
	for {
		select {
		case s.casual <- it:
			s.gaugeDepth()
			return
		default:
			// Evict the oldest casual entry to make room.
			select {
			case old := <-s.casual:
				s.dropped(old.kind)
				log.Warn().Str("kind", string(old.kind)).Msg("audit queue overflow, oldest entry dropped")
			default:
			}
		}
	}
}

func (s *Sink) write(it item) {
	defer s.gaugeDepth()

	_, err := s.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return nil, s.writeOne(ctx, it)
	})
	if err != nil {
		s.dropped(it.kind)
		log.Error().Err(err).Str("kind", string(it.kind)).Msg("audit write failed, entry dropped")
	}
}

func (s *Sink) writeOne(ctx context.Context, it item) error {
	switch it.kind {
	case kindPositionUpsert:
		return s.repos.Positions.Upsert(ctx, *it.position)
	case kindPositionDelete:
		return s.repos.Positions.Delete(ctx, it.del.userID, it.del.venue, it.del.symbol)
	case kindTrade:
		return s.repos.Trades.Insert(ctx, *it.trade)
	case kindDecision:
		return s.repos.Decisions.Insert(ctx, *it.decision)
	case kindNotification:
		return s.repos.Notifications.Insert(ctx, *it.notify)
	case kindCopiedTrade:
		return s.repos.Copy.InsertCopiedTrade(ctx, *it.copied)
	}
	return nil
}

func (s *Sink) gaugeDepth() {
	if s.metrics != nil {
		s.metrics.AuditQueueDepth.Set(float64(len(s.critical) + len(s.casual)))
	}
}

func (s *Sink) dropped(k kind) {
	if s.metrics != nil {
		s.metrics.AuditDropped.WithLabelValues(string(k)).Inc()
	}
}
