package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/tradegate/internal/copytrade"
	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/mlgate"
	"github.com/tradegate/tradegate/internal/tracker"
	"github.com/tradegate/tradegate/internal/venue"
)

var (
	testNow    = time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC)
	testUserID = uuid.MustParse("7b8e4a3c-91d2-4f6a-b7c0-2d5e8f1a9b3c")
	otherUser  = uuid.MustParse("c4d5e6f7-a8b9-4c0d-9e1f-2a3b4c5d6e7f")
	stratID    = uuid.MustParse("a2f1c8d0-3b4e-4f5a-9c6d-7e8f9a0b1c2d")
)

// ---- fake venue adapter ----

type placedOrder struct {
	call  string
	side  domain.OrderSide
	qty   decimal.Decimal
	price decimal.Decimal
}

type fakeAdapter struct {
	mu sync.Mutex

	v domain.Venue

	ticker    domain.Ticker
	tickerErr error

	position *domain.VenuePosition
	posErr   error

	qty      decimal.Decimal
	qtyErr   error
	notional decimal.Decimal // last QuantityForNotional argument

	marketAck domain.OrderAck
	marketErr error
	limitAck  domain.OrderAck
	limitErr  error
	slAck     domain.OrderAck
	slErr     error
	tpAck     domain.OrderAck
	tpErr     error
	closeAck  domain.OrderAck
	closeErr  error
	cancelErr error

	delay time.Duration

	orders    []placedOrder
	cancelled []string
	hints     map[string]any
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		v:         domain.VenueBybit,
		ticker:    domain.Ticker{Symbol: "BTCUSDT", Last: dec("50000"), Bid: dec("49990"), Ask: dec("50010")},
		qty:       dec("0.01"),
		marketAck: domain.OrderAck{OrderID: "ord-1", FillPrice: dec("50000"), FillQuantity: dec("0.01"), Status: domain.OrderFilled},
		limitAck:  domain.OrderAck{OrderID: "lim-1", Status: domain.OrderWorking},
		slAck:     domain.OrderAck{OrderID: "sl-1", Status: domain.OrderWorking},
		tpAck:     domain.OrderAck{OrderID: "tp-1", Status: domain.OrderWorking},
		closeAck:  domain.OrderAck{OrderID: "cls-1", FillPrice: dec("51000"), FillQuantity: dec("0.01"), Status: domain.OrderFilled},
	}
}

func (f *fakeAdapter) record(o placedOrder) {
	f.mu.Lock()
	f.orders = append(f.orders, o)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeAdapter) placed() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.orders...)
}

func (f *fakeAdapter) callsOf(name string) []placedOrder {
	var out []placedOrder
	for _, o := range f.placed() {
		if o.call == name {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeAdapter) Venue() domain.Venue { return f.v }

func (f *fakeAdapter) GetAvailableMargin(context.Context) (decimal.Decimal, error) {
	return dec("10000"), nil
}

func (f *fakeAdapter) GetPositions(context.Context) ([]domain.VenuePosition, error) {
	if f.position == nil {
		return nil, f.posErr
	}
	return []domain.VenuePosition{*f.position}, f.posErr
}

func (f *fakeAdapter) GetPosition(context.Context, string) (*domain.VenuePosition, error) {
	return f.position, f.posErr
}

func (f *fakeAdapter) HasOpenPosition(context.Context, string) (bool, error) {
	return f.position != nil, f.posErr
}

func (f *fakeAdapter) GetTicker(context.Context, string) (domain.Ticker, error) {
	return f.ticker, f.tickerErr
}

func (f *fakeAdapter) QuantityForNotional(_ context.Context, _ string, notional decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	f.notional = notional
	f.mu.Unlock()
	return f.qty, f.qtyErr
}

func (f *fakeAdapter) PlaceMarketOrder(_ context.Context, _ string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	f.record(placedOrder{call: "market", side: side, qty: qty})
	return f.marketAck, f.marketErr
}

func (f *fakeAdapter) PlaceLimitOrder(_ context.Context, _ string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	f.record(placedOrder{call: "limit", side: side, qty: qty, price: price})
	return f.limitAck, f.limitErr
}

func (f *fakeAdapter) PlaceStopLoss(_ context.Context, _ string, side domain.OrderSide, qty, stop decimal.Decimal) (domain.OrderAck, error) {
	f.record(placedOrder{call: "stop", side: side, qty: qty, price: stop})
	return f.slAck, f.slErr
}

func (f *fakeAdapter) PlaceTakeProfit(_ context.Context, _ string, side domain.OrderSide, qty, limit decimal.Decimal) (domain.OrderAck, error) {
	f.record(placedOrder{call: "take", side: side, qty: qty, price: limit})
	return f.tpAck, f.tpErr
}

func (f *fakeAdapter) ClosePosition(_ context.Context, _ string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	f.record(placedOrder{call: "close", side: side, qty: qty})
	return f.closeAck, f.closeErr
}

func (f *fakeAdapter) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, orderID)
	f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeAdapter) GetOrder(_ context.Context, _ string, orderID string) (domain.OrderAck, error) {
	return domain.OrderAck{OrderID: orderID, Status: domain.OrderWorking}, nil
}

func (f *fakeAdapter) SetHints(h map[string]any) {
	f.mu.Lock()
	f.hints = h
	f.mu.Unlock()
}

var _ venue.Adapter = (*fakeAdapter)(nil)
var _ venue.HintAware = (*fakeAdapter)(nil)

// bracketAdapter adds a native compound order on top of the fake.
type bracketAdapter struct {
	*fakeAdapter
	bracketAck domain.OrderAck
	bracketErr error
	brackets   []bracketCall
}

type bracketCall struct {
	side       domain.OrderSide
	qty        decimal.Decimal
	entryLimit decimal.Decimal
	takeProfit decimal.Decimal
	stopLoss   decimal.Decimal
}

func (b *bracketAdapter) PlaceBracketOrder(_ context.Context, _ string, side domain.OrderSide, qty, entryLimit, takeProfit, stopLoss decimal.Decimal) (domain.OrderAck, error) {
	b.mu.Lock()
	b.brackets = append(b.brackets, bracketCall{side: side, qty: qty, entryLimit: entryLimit, takeProfit: takeProfit, stopLoss: stopLoss})
	b.mu.Unlock()
	return b.bracketAck, b.bracketErr
}

var _ venue.BracketPlacer = (*bracketAdapter)(nil)

// ---- collaborator stubs ----

type stubAdapters struct {
	adapter venue.Adapter
	err     error
}

func (s *stubAdapters) Adapter(context.Context, uuid.UUID, domain.Venue) (venue.Adapter, error) {
	return s.adapter, s.err
}

type stubSecrets struct {
	mu          sync.Mutex
	users       map[string]*domain.User
	err         error
	bag         map[string]string
	invalidated []string
}

func (s *stubSecrets) LookupUserBySecret(_ context.Context, secret string) (*domain.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	u, ok := s.users[secret]
	if !ok {
		return nil, domain.E(domain.KindAuthFailed, "invalid webhook secret")
	}
	return u, nil
}

func (s *stubSecrets) GetVenueCredential(_ context.Context, userID uuid.UUID, v domain.Venue) (*domain.VenueCredential, error) {
	return &domain.VenueCredential{UserID: userID, Venue: v, Environment: domain.EnvSandbox, Bag: s.bag}, nil
}

func (s *stubSecrets) Invalidate(userID uuid.UUID, v domain.Venue) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, userID.String()+"/"+string(v))
	s.mu.Unlock()
}

func (s *stubSecrets) invalidations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invalidated...)
}

type stubRisk struct {
	mu          sync.Mutex
	err         error
	checks      int
	invalidated []string
}

func (s *stubRisk) Check(context.Context, *domain.User, domain.Venue) error {
	s.mu.Lock()
	s.checks++
	s.mu.Unlock()
	return s.err
}

func (s *stubRisk) Invalidate(userID uuid.UUID, v domain.Venue) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, userID.String()+"/"+string(v))
	s.mu.Unlock()
}

func (s *stubRisk) invalidations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invalidated...)
}

type stubValidator struct {
	mu      sync.Mutex
	verdict mlgate.Verdict
	calls   int
}

func (s *stubValidator) Validate(context.Context, mlgate.Request) mlgate.Verdict {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.verdict
}

func (s *stubValidator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubStrategies struct {
	strategies map[uuid.UUID]*domain.Strategy
	err        error
}

func (s *stubStrategies) Get(_ context.Context, id uuid.UUID) (*domain.Strategy, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.strategies[id], nil
}

type stubUsage struct {
	mu         sync.Mutex
	increments int
	err        error
}

func (s *stubUsage) CountMonth(context.Context, uuid.UUID, time.Time) (int, error) {
	return 0, nil
}

func (s *stubUsage) Increment(context.Context, uuid.UUID, time.Time) error {
	s.mu.Lock()
	s.increments++
	s.mu.Unlock()
	return s.err
}

func (s *stubUsage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increments
}

type recordingSink struct {
	mu            sync.Mutex
	opened        []domain.Position
	closed        []string
	trades        []domain.CompletedTrade
	decisions     []domain.DecisionRecord
	notifications []domain.Notification
}

func (r *recordingSink) PositionOpened(p domain.Position) {
	r.mu.Lock()
	r.opened = append(r.opened, p)
	r.mu.Unlock()
}

func (r *recordingSink) PositionClosed(userID uuid.UUID, v domain.Venue, symbol string) {
	r.mu.Lock()
	r.closed = append(r.closed, userID.String()+"/"+string(v)+"/"+symbol)
	r.mu.Unlock()
}

func (r *recordingSink) TradeCompleted(t domain.CompletedTrade) {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
}

func (r *recordingSink) Decision(d domain.DecisionRecord) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
}

func (r *recordingSink) Notify(n domain.Notification) {
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
}

func (r *recordingSink) allTrades() []domain.CompletedTrade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CompletedTrade(nil), r.trades...)
}

func (r *recordingSink) allDecisions() []domain.DecisionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DecisionRecord(nil), r.decisions...)
}

func (r *recordingSink) allNotifications() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.notifications...)
}

type recordingCopies struct {
	mu      sync.Mutex
	origins []copytrade.Origin
}

func (r *recordingCopies) Trigger(o copytrade.Origin) {
	r.mu.Lock()
	r.origins = append(r.origins, o)
	r.mu.Unlock()
}

func (r *recordingCopies) all() []copytrade.Origin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]copytrade.Origin(nil), r.origins...)
}

// ---- fixture ----

type fixture struct {
	d       *Dispatcher
	adapter *fakeAdapter
	sources *stubAdapters
	secrets *stubSecrets
	risk    *stubRisk
	ml      *stubValidator
	strats  *stubStrategies
	usage   *stubUsage
	trk     *tracker.Tracker
	sink    *recordingSink
	copies  *recordingCopies
	reg     *venue.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureCfg(t, Config{UserRPS: 1000, UserBurst: 1000, Clock: func() time.Time { return testNow }})
}

func newFixtureCfg(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		adapter: newFakeAdapter(),
		secrets: &stubSecrets{},
		risk:    &stubRisk{},
		ml:      &stubValidator{verdict: mlgate.Verdict{Allowed: true, Confidence: 90, Threshold: 70}},
		strats:  &stubStrategies{strategies: map[uuid.UUID]*domain.Strategy{}},
		usage:   &stubUsage{},
		trk:     tracker.New(),
		sink:    &recordingSink{},
		copies:  &recordingCopies{},
		reg:     venue.DefaultRegistry(),
	}
	f.sources = &stubAdapters{adapter: f.adapter}
	f.secrets.users = map[string]*domain.User{
		"S1": {ID: testUserID, WebhookSecret: "S1", Plan: domain.PlanBasic, Active: true},
	}

	f.d = New(Deps{
		Secrets:    f.secrets,
		Adapters:   f.sources,
		Risk:       f.risk,
		ML:         f.ml,
		Strategies: f.strats,
		Usage:      f.usage,
		Tracker:    f.trk,
		Sink:       f.sink,
		Metrics:    metrics.NewRegistry(),
		Registry:   f.reg,
	}, cfg)
	f.d.BindCopies(f.copies)
	return f
}

func (f *fixture) user() *domain.User { return f.secrets.users["S1"] }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func buySignal() *domain.Signal {
	return &domain.Signal{
		Venue:     domain.VenueBybit,
		Action:    domain.ActionBuy,
		Symbol:    "BTCUSDT",
		OrderType: domain.OrderMarket,
		Source:    domain.SourceWebhook,
	}
}

func closeSignal() *domain.Signal {
	return &domain.Signal{
		Venue:     domain.VenueBybit,
		Action:    domain.ActionClose,
		Symbol:    "BTCUSDT",
		OrderType: domain.OrderMarket,
		Source:    domain.SourceWebhook,
	}
}

func seedPosition(f *fixture) *domain.Position {
	p := &domain.Position{
		ID:                uuid.New(),
		UserID:            testUserID,
		Venue:             domain.VenueBybit,
		Symbol:            "BTCUSDT",
		Side:              domain.SideLong,
		Quantity:          dec("0.01"),
		EntryPrice:        dec("50000"),
		EntryTime:         testNow.Add(-time.Hour),
		NotionalUSD:       dec("500"),
		StopLossOrderID:   "sl-9",
		TakeProfitOrderID: "tp-9",
		Source:            domain.SourceWebhook,
	}
	f.trk.Commit(p)
	return p
}

// ---- tests ----

func TestHappyPathOpen(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.NotionalUSD = decp("600")
	sig.StopLossPct = decp("2")
	sig.TakeProfitPct = decp("4")

	res, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)

	assert.Equal(t, ActionOpened, res.Action)
	assert.Equal(t, "BTCUSDT", res.Symbol)
	assert.Equal(t, domain.VenueBybit, res.Venue)
	assert.Equal(t, "50000", res.Price.String())
	assert.Equal(t, "0.01", res.Quantity.String())
	assert.Equal(t, "ord-1", res.OrderID)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))

	key := domain.PositionKey{UserID: testUserID, Venue: domain.VenueBybit, Symbol: "BTCUSDT"}
	p := f.trk.Get(key)
	require.NotNil(t, p)
	assert.Equal(t, "50000", p.EntryPrice.String())
	assert.Equal(t, "600", p.NotionalUSD.String())
	require.NotNil(t, p.StopLossPrice)
	require.NotNil(t, p.TakeProfitPrice)
	assert.Equal(t, "49000", p.StopLossPrice.String())
	assert.Equal(t, "52000", p.TakeProfitPrice.String())
	assert.Equal(t, "sl-1", p.StopLossOrderID)
	assert.Equal(t, "tp-1", p.TakeProfitOrderID)
	assert.False(t, p.PendingEntry)

	stops := f.adapter.callsOf("stop")
	require.Len(t, stops, 1)
	assert.Equal(t, domain.OrderSideSell, stops[0].side)
	assert.Equal(t, "49000", stops[0].price.String())

	takes := f.adapter.callsOf("take")
	require.Len(t, takes, 1)
	assert.Equal(t, "52000", takes[0].price.String())

	assert.Equal(t, 1, f.usage.count())
	assert.Empty(t, f.sink.allTrades(), "an open appends no completed trade")
	assert.Len(t, f.sink.opened, 1)
}

func TestShapeChecks(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		secret string
		mutate func(*domain.Signal)
	}{
		{"missing secret", "", func(s *domain.Signal) {}},
		{"missing exchange", "S1", func(s *domain.Signal) { s.Venue = "" }},
		{"missing action", "S1", func(s *domain.Signal) { s.Action = "" }},
		{"missing symbol", "S1", func(s *domain.Signal) { s.Symbol = "  " }},
		{"limit without price", "S1", func(s *domain.Signal) { s.OrderType = domain.OrderLimit }},
		{"zero stop loss", "S1", func(s *domain.Signal) { s.StopLossPct = decp("0") }},
		{"negative take profit", "S1", func(s *domain.Signal) { s.TakeProfitPct = decp("-4") }},
		{"zero size", "S1", func(s *domain.Signal) { s.NotionalUSD = decp("0") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := buySignal()
			tc.mutate(sig)
			_, err := f.d.Handle(context.Background(), tc.secret, sig)
			require.Error(t, err)
			assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
		})
	}
	assert.Empty(t, f.adapter.placed(), "shape failures must not reach the venue")
}

func TestUnknownSecret(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Handle(context.Background(), "nope", buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.KindAuthFailed, domain.KindOf(err))
	assert.Empty(t, f.adapter.placed())
}

func TestUserIDCrossCheck(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.UserID = &otherUser

	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.Error(t, err)
	assert.Equal(t, domain.KindAuthFailed, domain.KindOf(err))
	assert.Equal(t, 0, f.risk.checks, "auth failures stop before the gates")
}

func TestMatchingUserIDPasses(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.UserID = &testUserID

	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)
}

func TestPerUserRateLimit(t *testing.T) {
	f := newFixtureCfg(t, Config{UserRPS: 0.001, UserBurst: 2, Clock: func() time.Time { return testNow }})

	for i, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		sig := buySignal()
		sig.Symbol = symbol
		_, err := f.d.Handle(context.Background(), "S1", sig)
		require.NoError(t, err, "burst request %d", i)
	}

	sig := buySignal()
	sig.Symbol = "SOLUSDT"
	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
}

func TestRiskGateShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.risk.err = domain.E(domain.KindWeeklyTradeLimit, "weekly trade limit reached").
		WithField("limitType", "max_trades_per_week").
		WithField("current", 5).
		WithField("limit", 5)

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.KindWeeklyTradeLimit, domain.KindOf(err))
	assert.Equal(t, "max_trades_per_week", domain.FieldsOf(err)["limitType"])
	assert.Empty(t, f.adapter.placed(), "gated signals must not reach the venue")
}

func TestAlreadyOpen(t *testing.T) {
	f := newFixture(t)
	existing := seedPosition(f)

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.KindAlreadyOpen, domain.KindOf(err))
	assert.Empty(t, f.adapter.placed())

	p := f.trk.Get(existing.Key())
	require.NotNil(t, p)
	assert.Equal(t, existing.ID, p.ID, "the existing position survives the rejected duplicate")
}

func TestConcurrentBuysSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.adapter.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.d.Handle(context.Background(), "S1", buySignal())
		}(i)
	}
	wg.Wait()

	var ok, alreadyOpen int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.KindOf(err) == domain.KindAlreadyOpen:
			alreadyOpen++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, alreadyOpen)
	assert.Equal(t, 1, f.trk.Count())
	assert.Len(t, f.adapter.callsOf("market"), 1, "the loser must not place an order")
}

func TestCloseHappyPath(t *testing.T) {
	f := newFixture(t)
	seeded := seedPosition(f)

	res, err := f.d.Handle(context.Background(), "S1", closeSignal())
	require.NoError(t, err)

	assert.Equal(t, ActionClosed, res.Action)
	assert.Equal(t, "51000", res.Price.String())
	assert.Equal(t, "cls-1", res.OrderID)

	assert.Nil(t, f.trk.Get(seeded.Key()), "tracker slot is empty after close")

	closes := f.adapter.callsOf("close")
	require.Len(t, closes, 1)
	assert.Equal(t, domain.OrderSideSell, closes[0].side, "long closes sell")
	assert.Equal(t, "0.01", closes[0].qty.String())

	assert.ElementsMatch(t, []string{"sl-9", "tp-9"}, f.adapter.cancelled, "bracket legs are cancelled")

	trades := f.sink.allTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitManual, trades[0].ExitReason)
	assert.Equal(t, "50000", trades[0].EntryPrice.String())
	assert.Equal(t, "51000", trades[0].ExitPrice.String())
	assert.Equal(t, "10", trades[0].RealizedPnLUSD.String())
	assert.Equal(t, "2", trades[0].RealizedPnLPct.String())

	assert.Equal(t, []string{testUserID.String() + "/bybit"}, f.risk.invalidations())
	assert.Equal(t, 1, f.usage.count())
}

func TestCloseWithoutPosition(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Handle(context.Background(), "S1", closeSignal())
	require.Error(t, err)
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
	assert.Empty(t, f.adapter.callsOf("close"))
}

func TestCloseAdoptsVenuePosition(t *testing.T) {
	f := newFixture(t)
	f.adapter.position = &domain.VenuePosition{
		Symbol:     "BTCUSDT",
		Quantity:   dec("0.02"),
		EntryPrice: dec("48000"),
	}

	res, err := f.d.Handle(context.Background(), "S1", closeSignal())
	require.NoError(t, err)
	assert.Equal(t, ActionClosed, res.Action)

	trades := f.sink.allTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, "48000", trades[0].EntryPrice.String())
	assert.Equal(t, "0.02", trades[0].Quantity.String())
}

func TestMLDenialBlocksOrder(t *testing.T) {
	f := newFixture(t)
	f.strats.strategies[stratID] = &domain.Strategy{ID: stratID, Name: "momo", MLAssisted: true, MLThreshold: 70}
	f.ml.verdict = mlgate.Verdict{Allowed: false, Confidence: 45, Threshold: 70, Reasons: []string{"low_volume"}}

	sig := buySignal()
	sig.StrategyID = &stratID

	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.Error(t, err)
	assert.Equal(t, domain.KindMLBlocked, domain.KindOf(err))

	fields := domain.FieldsOf(err)
	assert.Equal(t, 45.0, fields["confidence"])
	assert.Equal(t, 70.0, fields["threshold"])

	assert.Empty(t, f.adapter.placed(), "a denial must not reach the venue")

	decisions := f.sink.allDecisions()
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Allowed)
	assert.False(t, decisions[0].Executed)
	assert.Equal(t, []string{"low_volume"}, decisions[0].Reasons)
	assert.Equal(t, 0, f.usage.count(), "a blocked signal is not an accepted webhook")
}

func TestMLFailOpenStillTrades(t *testing.T) {
	f := newFixture(t)
	f.strats.strategies[stratID] = &domain.Strategy{ID: stratID, Name: "momo", MLAssisted: true, MLThreshold: 70}
	f.ml.verdict = mlgate.Verdict{Allowed: true, FailOpen: true, Threshold: 70, Reasons: []string{"ml-unavailable"}}

	sig := buySignal()
	sig.StrategyID = &stratID

	res, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, res.Action)

	decisions := f.sink.allDecisions()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].FailOpen)
	assert.True(t, decisions[0].Executed)
	assert.Equal(t, []string{"ml-unavailable"}, decisions[0].Reasons)
}

func TestMLSkippedWithoutStrategy(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.NoError(t, err)
	assert.Equal(t, 0, f.ml.callCount())
	assert.Empty(t, f.sink.allDecisions())
}

func TestMLSkippedWhenNotAssisted(t *testing.T) {
	f := newFixture(t)
	f.strats.strategies[stratID] = &domain.Strategy{ID: stratID, Name: "manual", MLAssisted: false}

	sig := buySignal()
	sig.StrategyID = &stratID

	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)
	assert.Equal(t, 0, f.ml.callCount())
}

func TestMLSkippedOnStrategyLookupFailure(t *testing.T) {
	f := newFixture(t)
	f.strats.err = assert.AnError

	sig := buySignal()
	sig.StrategyID = &stratID

	res, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err, "strategy lookup trouble must not block trading")
	assert.Equal(t, ActionOpened, res.Action)
	assert.Equal(t, 0, f.ml.callCount())
}

func TestTransientFailureLeavesNoPosition(t *testing.T) {
	f := newFixture(t)
	f.adapter.marketErr = domain.E(domain.KindTransient, "gateway timeout")

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	key := domain.PositionKey{UserID: testUserID, Venue: domain.VenueBybit, Symbol: "BTCUSDT"}
	assert.Nil(t, f.trk.Get(key), "unknown-state failures must not record a position")
	assert.Equal(t, 0, f.usage.count())
	assert.Empty(t, f.sink.opened)

	// The reservation was released: a retry can succeed.
	f.adapter.marketErr = nil
	res, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, res.Action)
}

func TestTooSmallPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.adapter.qtyErr = domain.E(domain.KindTooSmall, "below venue minimum")

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.KindTooSmall, domain.KindOf(err))
	assert.Empty(t, f.adapter.placed())
	assert.Equal(t, 0, f.trk.Count())
}

func TestLimitOrderRestingIsPending(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.OrderType = domain.OrderLimit
	sig.LimitPrice = decp("48000")
	sig.StopLossPct = decp("2")

	res, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)
	assert.Equal(t, "48000", res.Price.String())
	assert.Equal(t, "lim-1", res.OrderID)

	key := domain.PositionKey{UserID: testUserID, Venue: domain.VenueBybit, Symbol: "BTCUSDT"}
	p := f.trk.Get(key)
	require.NotNil(t, p)
	assert.True(t, p.PendingEntry)
	assert.Equal(t, "48000", p.EntryPrice.String())
	require.NotNil(t, p.StopLossPrice)
	assert.Equal(t, "47040", p.StopLossPrice.String())

	assert.Empty(t, f.adapter.callsOf("stop"), "exits wait until the entry fills")
	assert.Empty(t, p.StopLossOrderID)
}

func TestPendingEntryCloseCancelsOrder(t *testing.T) {
	f := newFixture(t)
	p := &domain.Position{
		ID:           uuid.New(),
		UserID:       testUserID,
		Venue:        domain.VenueBybit,
		Symbol:       "BTCUSDT",
		Side:         domain.SideLong,
		Quantity:     dec("0.01"),
		EntryPrice:   dec("48000"),
		EntryTime:    testNow,
		NotionalUSD:  dec("480"),
		EntryOrderID: "lim-7",
		PendingEntry: true,
	}
	f.trk.Commit(p)

	res, err := f.d.Handle(context.Background(), "S1", closeSignal())
	require.NoError(t, err)
	assert.Equal(t, ActionClosed, res.Action)
	assert.Equal(t, []string{"lim-7"}, f.adapter.cancelled)
	assert.Empty(t, f.adapter.callsOf("close"), "nothing filled, nothing to trade out")
	assert.Nil(t, f.trk.Get(p.Key()))
	assert.Empty(t, f.sink.allTrades(), "a cancelled entry is not a completed trade")
}

func TestPositionSizeResolution(t *testing.T) {
	t.Run("signal wins", func(t *testing.T) {
		f := newFixture(t)
		sig := buySignal()
		sig.NotionalUSD = decp("600")
		_, err := f.d.Handle(context.Background(), "S1", sig)
		require.NoError(t, err)
		assert.Equal(t, "600", f.adapter.notional.String())
	})

	t.Run("credential default next", func(t *testing.T) {
		f := newFixture(t)
		f.secrets.bag = map[string]string{"default_position_size_usd": "250"}
		_, err := f.d.Handle(context.Background(), "S1", buySignal())
		require.NoError(t, err)
		assert.Equal(t, "250", f.adapter.notional.String())
	})

	t.Run("registry venue default", func(t *testing.T) {
		f := newFixture(t)
		s := f.reg.Venues[domain.VenueBybit]
		s.DefaultNotionalUSD = dec("150")
		f.reg.Venues[domain.VenueBybit] = s
		_, err := f.d.Handle(context.Background(), "S1", buySignal())
		require.NoError(t, err)
		assert.Equal(t, "150", f.adapter.notional.String())
	})

	t.Run("global fallback", func(t *testing.T) {
		f := newFixture(t)
		s := f.reg.Venues[domain.VenueBybit]
		s.DefaultNotionalUSD = decimal.Zero
		f.reg.Venues[domain.VenueBybit] = s
		_, err := f.d.Handle(context.Background(), "S1", buySignal())
		require.NoError(t, err)
		assert.Equal(t, "100", f.adapter.notional.String())
	})
}

func TestBracketPrices(t *testing.T) {
	sl, tp := bracketPrices(domain.SideLong, dec("50000"), decp("2"), decp("4"))
	require.NotNil(t, sl)
	require.NotNil(t, tp)
	assert.Equal(t, "49000", sl.String())
	assert.Equal(t, "52000", tp.String())

	sl, tp = bracketPrices(domain.SideShort, dec("50000"), decp("2"), decp("4"))
	assert.Equal(t, "51000", sl.String(), "short stops above entry")
	assert.Equal(t, "48000", tp.String(), "short takes profit below entry")

	sl, tp = bracketPrices(domain.SideLong, dec("50000"), nil, nil)
	assert.Nil(t, sl)
	assert.Nil(t, tp)
}

func TestNativeBracketPreferred(t *testing.T) {
	f := newFixture(t)
	ba := &bracketAdapter{
		fakeAdapter: f.adapter,
		bracketAck:  domain.OrderAck{OrderID: "brk-1", FillPrice: dec("50000"), FillQuantity: dec("0.01"), Status: domain.OrderFilled},
	}
	f.sources.adapter = ba

	sig := buySignal()
	sig.StopLossPct = decp("2")
	sig.TakeProfitPct = decp("4")

	res, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)
	assert.Equal(t, "brk-1", res.OrderID)

	require.Len(t, ba.brackets, 1)
	assert.Equal(t, "49000", ba.brackets[0].stopLoss.String())
	assert.Equal(t, "52000", ba.brackets[0].takeProfit.String())
	assert.True(t, ba.brackets[0].entryLimit.IsZero(), "market entry sends a zero entry limit")

	assert.Empty(t, f.adapter.callsOf("stop"), "no sequential legs alongside a native bracket")
	assert.Empty(t, f.adapter.callsOf("take"))
}

func TestNativeBracketNeedsBothLegs(t *testing.T) {
	f := newFixture(t)
	ba := &bracketAdapter{fakeAdapter: f.adapter}
	f.sources.adapter = ba

	sig := buySignal()
	sig.StopLossPct = decp("2")

	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)
	assert.Empty(t, ba.brackets, "single-leg requests fall back to sequential placement")
	assert.Len(t, f.adapter.callsOf("stop"), 1)
}

func TestShortEntrySellsAndExitsBuy(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.Action = domain.ActionShort
	sig.StopLossPct = decp("2")

	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)

	markets := f.adapter.callsOf("market")
	require.Len(t, markets, 1)
	assert.Equal(t, domain.OrderSideSell, markets[0].side)

	stops := f.adapter.callsOf("stop")
	require.Len(t, stops, 1)
	assert.Equal(t, domain.OrderSideBuy, stops[0].side, "short exits buy back")
	assert.Equal(t, "51000", stops[0].price.String(), "short stop sits above entry")

	key := domain.PositionKey{UserID: testUserID, Venue: domain.VenueBybit, Symbol: "BTCUSDT"}
	require.NotNil(t, f.trk.Get(key))
	assert.Equal(t, domain.SideShort, f.trk.Get(key).Side)
}

func TestHintsReachAdapter(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.Extra = map[string]any{"use_trailing_stop": true, "trailing_stop_pips": 20.0}

	_, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)
	assert.Equal(t, sig.Extra, f.adapter.hints)
}

func TestUnprotectedNotification(t *testing.T) {
	f := newFixture(t)
	f.adapter.slErr = domain.E(domain.KindTransient, "stop rejected")

	sig := buySignal()
	sig.StopLossPct = decp("2")
	sig.TakeProfitPct = decp("4")

	res, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err, "a failed protective leg does not unwind the entry")
	assert.Equal(t, ActionOpened, res.Action)

	notes := f.sink.allNotifications()
	require.Len(t, notes, 1)
	assert.Equal(t, domain.NotifyTradeError, notes[0].Type)
	assert.Contains(t, notes[0].Message, "stop-loss")

	key := domain.PositionKey{UserID: testUserID, Venue: domain.VenueBybit, Symbol: "BTCUSDT"}
	p := f.trk.Get(key)
	require.NotNil(t, p)
	assert.Empty(t, p.StopLossOrderID)
	assert.Equal(t, "tp-1", p.TakeProfitOrderID, "the surviving leg is still armed")
}

func TestCredentialFailureInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	f.adapter.marketErr = domain.E(domain.KindCredentialBad, "signature rejected")

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.Error(t, err)
	assert.Equal(t, []string{testUserID.String() + "/bybit"}, f.secrets.invalidations())
}

func TestCopyFanOutTriggered(t *testing.T) {
	f := newFixture(t)
	f.strats.strategies[stratID] = &domain.Strategy{ID: stratID, Name: "momo", MLAssisted: false}

	sig := buySignal()
	sig.StrategyID = &stratID
	sig.NotionalUSD = decp("1000")

	res, err := f.d.Handle(context.Background(), "S1", sig)
	require.NoError(t, err)

	origins := f.copies.all()
	require.Len(t, origins, 1)
	assert.Equal(t, res.TradeID, origins[0].TradeID)
	assert.Equal(t, testUserID, origins[0].UserID)
	assert.Equal(t, stratID, origins[0].StrategyID)
	assert.Equal(t, "1000", origins[0].NotionalUSD.String())
}

func TestCopySignalsDoNotFanOut(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.StrategyID = &stratID
	sig.Source = domain.SourceCopy

	_, err := f.d.Execute(context.Background(), f.user(), sig)
	require.NoError(t, err)
	assert.Empty(t, f.copies.all(), "copies must not fan out again")
}

func TestNoStrategyNoFanOut(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.NoError(t, err)
	assert.Empty(t, f.copies.all())
}

func TestExecuteCopyReturnsTradeID(t *testing.T) {
	f := newFixture(t)

	sig := buySignal()
	sig.Source = domain.SourceCopy

	id, err := f.d.ExecuteCopy(context.Background(), f.user(), sig)
	require.NoError(t, err)

	key := domain.PositionKey{UserID: testUserID, Venue: domain.VenueBybit, Symbol: "BTCUSDT"}
	p := f.trk.Get(key)
	require.NotNil(t, p)
	assert.Equal(t, p.ID, id)
	assert.Equal(t, domain.SourceCopy, p.Source)
}

func TestOpenThenCloseRestoresInitialState(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.NoError(t, err)
	require.Equal(t, 1, f.trk.Count())

	_, err = f.d.Handle(context.Background(), "S1", closeSignal())
	require.NoError(t, err)
	assert.Equal(t, 0, f.trk.Count())
	assert.Len(t, f.sink.allTrades(), 1)
}

func TestAdapterResolutionErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	f.sources.adapter = nil
	f.sources.err = domain.E(domain.KindNotConfigured, "no credentials for bybit")

	_, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.Error(t, err)
	assert.Equal(t, domain.KindNotConfigured, domain.KindOf(err))
}

func TestUsageIncrementErrorDoesNotFailTrade(t *testing.T) {
	f := newFixture(t)
	f.usage.err = fmt.Errorf("datastore down")

	res, err := f.d.Handle(context.Background(), "S1", buySignal())
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, res.Action)
}
