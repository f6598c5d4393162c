// Package tracker holds the in-memory open-position book keyed by
// (user, venue, symbol). The map is sharded so concurrent operations on
// different positions never contend, and the check-then-open idiom is a
// single atomic operation on the owning shard.
package tracker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradegate/tradegate/internal/domain"
)

const shardCount = 64

// slot is one map entry. A reserved slot has no position yet: it pins
// the key while the dispatcher's entry order is in flight so a
// concurrent open on the same key observes AlreadyOpen instead of
// racing to a duplicate order.
type slot struct {
	reserved bool
	pos      *domain.Position
}

type shard struct {
	mu sync.Mutex
	m  map[domain.PositionKey]*slot
}

// Tracker is the process-local position book.
type Tracker struct {
	shards [shardCount]*shard
}

// New returns an empty tracker.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{m: make(map[domain.PositionKey]*slot)}
	}
	return t
}

func (t *Tracker) shardFor(key domain.PositionKey) *shard {
	h := fnv.New32a()
	h.Write(key.UserID[:])
	h.Write([]byte(key.Venue))
	h.Write([]byte(key.Symbol))
	return t.shards[h.Sum32()%shardCount]
}

// Reserve pins key for an in-flight entry order. Exactly one of two
// concurrent reservations on the same key succeeds; the loser gets
// AlreadyOpen. The caller must follow up with Commit or Release.
func (t *Tracker) Reserve(key domain.PositionKey) error {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[key]; exists {
		return domain.E(domain.KindAlreadyOpen, "position already open for %s", key.Symbol)
	}
	s.m[key] = &slot{reserved: true}
	return nil
}

// Commit fills a reserved slot with the opened position. Committing
// without a reservation inserts directly, which SyncFromVenue uses when
// adopting venue-side positions.
func (t *Tracker) Commit(p *domain.Position) {
	key := p.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	s.m[key] = &slot{pos: p}
	s.mu.Unlock()
}

// Release drops an unfilled reservation after a failed or unknown-state
// entry order. Releasing a committed slot is a no-op.
func (t *Tracker) Release(key domain.PositionKey) {
	s := t.shardFor(key)
	s.mu.Lock()
	if sl, ok := s.m[key]; ok && sl.reserved && sl.pos == nil {
		delete(s.m, key)
	}
	s.mu.Unlock()
}

// Has reports whether key holds an open or reserved position.
func (t *Tracker) Has(key domain.PositionKey) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	_, ok := s.m[key]
	s.mu.Unlock()
	return ok
}

// Get returns a copy of the open position for key, or nil. Reserved
// slots with no committed position read as absent.
func (t *Tracker) Get(key domain.PositionKey) *domain.Position {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.m[key]
	if !ok || sl.pos == nil {
		return nil
	}
	cp := *sl.pos
	return &cp
}

// Update applies mutate to the position under the shard lock. Returns
// false when key holds no committed position.
func (t *Tracker) Update(key domain.PositionKey, mutate func(*domain.Position)) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.m[key]
	if !ok || sl.pos == nil {
		return false
	}
	mutate(sl.pos)
	return true
}

// Close removes and returns the position for key. Returns nil when the
// key holds nothing or only a reservation.
func (t *Tracker) Close(key domain.PositionKey) *domain.Position {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.m[key]
	if !ok || sl.pos == nil {
		return nil
	}
	delete(s.m, key)
	return sl.pos
}

// Snapshot returns copies of every committed position.
func (t *Tracker) Snapshot() []domain.Position {
	var out []domain.Position
	for _, s := range t.shards {
		s.mu.Lock()
		for _, sl := range s.m {
			if sl.pos != nil {
				out = append(out, *sl.pos)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Count returns the number of committed positions.
func (t *Tracker) Count() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, sl := range s.m {
			if sl.pos != nil {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Warm seeds the tracker from persisted positions at startup. Existing
// entries are not overwritten.
func (t *Tracker) Warm(positions []domain.Position) {
	for i := range positions {
		p := positions[i]
		key := p.Key()
		s := t.shardFor(key)
		s.mu.Lock()
		if _, exists := s.m[key]; !exists {
			s.m[key] = &slot{pos: &p}
		}
		s.mu.Unlock()
	}
}

// PositionLister is the slice of the adapter surface SyncFromVenue
// needs.
type PositionLister interface {
	GetPositions(ctx context.Context) ([]domain.VenuePosition, error)
}

// SyncFromVenue replaces the tracked subset for (user, venue) with the
// adapter's view of truth. Tracked positions the venue no longer lists
// are removed and returned; venue positions the tracker does not hold
// are adopted with Synced set and unknown order ids. Pending entries
// are left alone: their orders have not become venue positions yet.
func (t *Tracker) SyncFromVenue(ctx context.Context, lister PositionLister, userID uuid.UUID, venue domain.Venue) (removed []domain.Position, adopted []domain.Position, err error) {
	venuePositions, err := lister.GetPositions(ctx)
	if err != nil {
		return nil, nil, err
	}

	onVenue := make(map[string]domain.VenuePosition, len(venuePositions))
	for _, vp := range venuePositions {
		if !vp.Quantity.IsZero() {
			onVenue[vp.Symbol] = vp
		}
	}

	for _, p := range t.Snapshot() {
		if p.UserID != userID || p.Venue != venue || p.PendingEntry {
			continue
		}
		if _, live := onVenue[p.Symbol]; live {
			delete(onVenue, p.Symbol)
			continue
		}
		if closed := t.Close(p.Key()); closed != nil {
			removed = append(removed, *closed)
		}
	}

	now := time.Now().UTC()
	for _, vp := range onVenue {
		key := domain.PositionKey{UserID: userID, Venue: venue, Symbol: vp.Symbol}
		if t.Has(key) {
			continue
		}
		p := &domain.Position{
			ID:            uuid.New(),
			UserID:        userID,
			Venue:         venue,
			Symbol:        vp.Symbol,
			Side:          vp.Side(),
			Quantity:      vp.Quantity.Abs(),
			EntryPrice:    vp.EntryPrice,
			EntryTime:     now,
			NotionalUSD:   vp.EntryPrice.Mul(vp.Quantity.Abs()),
			MarkPrice:     vp.MarkPrice,
			UnrealizedPnL: vp.UnrealizedPnL,
			LastMarkTime:  now,
			Synced:        true,
		}
		t.Commit(p)
		adopted = append(adopted, *p)
		log.Info().
			Str("user_id", userID.String()).
			Str("venue", string(venue)).
			Str("symbol", vp.Symbol).
			Msg("adopted untracked venue position")
	}
	return removed, adopted, nil
}
