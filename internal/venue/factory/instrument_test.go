package factory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/venue"
)

type plainAdapter struct{ err error }

func (p *plainAdapter) Venue() domain.Venue { return domain.VenueBybit }
func (p *plainAdapter) GetAvailableMargin(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), p.err
}
func (p *plainAdapter) GetPositions(context.Context) ([]domain.VenuePosition, error) {
	return nil, p.err
}
func (p *plainAdapter) GetPosition(context.Context, string) (*domain.VenuePosition, error) {
	return nil, p.err
}
func (p *plainAdapter) HasOpenPosition(context.Context, string) (bool, error) {
	return false, p.err
}
func (p *plainAdapter) GetTicker(context.Context, string) (domain.Ticker, error) {
	return domain.Ticker{}, p.err
}
func (p *plainAdapter) QuantityForNotional(context.Context, string, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), p.err
}
func (p *plainAdapter) PlaceMarketOrder(context.Context, string, domain.OrderSide, decimal.Decimal) (domain.OrderAck, error) {
	return domain.OrderAck{OrderID: "o-1"}, p.err
}
func (p *plainAdapter) PlaceLimitOrder(context.Context, string, domain.OrderSide, decimal.Decimal, decimal.Decimal) (domain.OrderAck, error) {
	return domain.OrderAck{}, p.err
}
func (p *plainAdapter) PlaceStopLoss(context.Context, string, domain.OrderSide, decimal.Decimal, decimal.Decimal) (domain.OrderAck, error) {
	return domain.OrderAck{}, p.err
}
func (p *plainAdapter) PlaceTakeProfit(context.Context, string, domain.OrderSide, decimal.Decimal, decimal.Decimal) (domain.OrderAck, error) {
	return domain.OrderAck{}, p.err
}
func (p *plainAdapter) ClosePosition(context.Context, string, domain.OrderSide, decimal.Decimal) (domain.OrderAck, error) {
	return domain.OrderAck{}, p.err
}
func (p *plainAdapter) CancelOrder(context.Context, string, string) error { return p.err }
func (p *plainAdapter) GetOrder(context.Context, string, string) (domain.OrderAck, error) {
	return domain.OrderAck{}, p.err
}

type fullAdapter struct {
	plainAdapter
	hints map[string]any
}

func (f *fullAdapter) SetHints(hints map[string]any) { f.hints = hints }
func (f *fullAdapter) PlaceBracketOrder(context.Context, string, domain.OrderSide, decimal.Decimal, decimal.Decimal, decimal.Decimal, decimal.Decimal) (domain.OrderAck, error) {
	return domain.OrderAck{OrderID: "b-1"}, f.err
}

func TestInstrumentRecordsCalls(t *testing.T) {
	m := metrics.NewRegistry()
	a := instrument(&plainAdapter{}, m)

	_, err := a.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)
	_, _ = a.GetTicker(context.Background(), "BTCUSDT")

	assert.EqualValues(t, 1, metrics.HistogramCount(m.AdapterCalls, "bybit", "place_market_order", "ok"))
	assert.EqualValues(t, 1, metrics.HistogramCount(m.AdapterCalls, "bybit", "get_ticker", "ok"))
}

func TestInstrumentLabelsFailures(t *testing.T) {
	m := metrics.NewRegistry()
	a := instrument(&plainAdapter{err: domain.E(domain.KindTransient, "venue down")}, m)

	_, err := a.GetPositions(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, metrics.HistogramCount(m.AdapterCalls, "bybit", "get_positions", "transient"))
}

// The wrapper must not advertise optional capabilities the venue does
// not have, and must keep the ones it does.
func TestInstrumentMirrorsOptionalInterfaces(t *testing.T) {
	m := metrics.NewRegistry()

	plain := instrument(&plainAdapter{}, m)
	_, isBracket := plain.(venue.BracketPlacer)
	_, isHints := plain.(venue.HintAware)
	assert.False(t, isBracket)
	assert.False(t, isHints)

	inner := &fullAdapter{}
	full := instrument(inner, m)
	bp, isBracket := full.(venue.BracketPlacer)
	require.True(t, isBracket)
	ha, isHints := full.(venue.HintAware)
	require.True(t, isHints)

	ha.SetHints(map[string]any{"right": "call"})
	assert.Equal(t, "call", inner.hints["right"])

	_, err := bp.PlaceBracketOrder(context.Background(), "AAPL", domain.OrderSideBuy,
		decimal.NewFromInt(1), decimal.Zero, decimal.NewFromInt(110), decimal.NewFromInt(90))
	require.NoError(t, err)
	assert.EqualValues(t, 1, metrics.HistogramCount(m.AdapterCalls, "bybit", "place_bracket_order", "ok"))
}

func TestInstrumentNilRegistryPassesThrough(t *testing.T) {
	inner := &plainAdapter{}
	assert.Same(t, venue.Adapter(inner), instrument(inner, nil))
}
