package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/tradegate/internal/domain"
)

type fakeLighter struct {
	t *testing.T

	mu      sync.Mutex
	mints   int
	valid   map[string]bool
	orders  []orderRequest
	orderNo int

	orderErr  string
	orderInfo *orderResponse
}

func newFakeLighter(t *testing.T) *fakeLighter {
	return &fakeLighter{t: t, valid: make(map[string]bool)}
}

func (f *fakeLighter) mintToken() string {
	f.mints++
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix(), "sub": fmt.Sprintf("acct-7-key-%d", f.mints)}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("venue-secret"))
	require.NoError(f.t, err)
	f.valid[token] = true
	return token
}

func (f *fakeLighter) revokeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok := range f.valid {
		f.valid[tok] = false
	}
}

func (f *fakeLighter) mintCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mints
}

func (f *fakeLighter) sentOrders() []orderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orderRequest(nil), f.orders...)
}

func (f *fakeLighter) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.URL.Path == "/api/v1/session" {
			var body struct {
				AccountIndex int    `json:"account_index"`
				APIKeyIndex  int    `json:"api_key_index"`
				APISecret    string `json:"api_secret"`
			}
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
			if body.APISecret != "sk-lighter" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(f.t, 7, body.AccountIndex)
			assert.Equal(f.t, 2, body.APIKeyIndex)
			writeJSON(w, map[string]string{"token": f.mintToken()})
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !f.valid[token] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case r.URL.Path == "/api/v1/account":
			writeJSON(w, map[string]any{
				"available_balance": "2500.50",
				"positions": []map[string]string{
					{"market": "BTCUSDT", "size": "0.5", "entry_price": "48000", "mark_price": "50000", "unrealized_pnl": "1000"},
					{"market": "ETHUSDT", "size": "-2", "entry_price": "3100", "mark_price": "3000", "unrealized_pnl": "200"},
					{"market": "SOLUSDT", "size": "0", "entry_price": "0", "mark_price": "150", "unrealized_pnl": "0"},
				},
			})
		case r.URL.Path == "/api/v1/ticker":
			assert.Equal(f.t, "BTCUSDT", r.URL.Query().Get("market"))
			writeJSON(w, map[string]string{
				"last_price": "50000", "best_bid": "49999.5", "best_ask": "50000.5", "volume_24h": "1234",
			})
		case strings.HasPrefix(r.URL.Path, "/api/v1/markets/"):
			writeJSON(w, map[string]string{
				"size_step": "0.001", "min_base_amount": "0.001", "price_step": "0.5",
			})
		case r.URL.Path == "/api/v1/orders" && r.Method == http.MethodPost:
			var req orderRequest
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
			f.orders = append(f.orders, req)
			if f.orderErr != "" {
				writeJSON(w, orderResponse{Error: f.orderErr})
				return
			}
			f.orderNo++
			writeJSON(w, orderResponse{
				OrderID:    fmt.Sprintf("ord-%d", f.orderNo),
				Status:     "filled",
				FillPrice:  "50001",
				FilledSize: req.Size,
			})
		case strings.HasPrefix(r.URL.Path, "/api/v1/orders/") && r.Method == http.MethodDelete:
			assert.Equal(f.t, "BTCUSDT", r.URL.Query().Get("market"))
			w.WriteHeader(http.StatusNoContent)
		case strings.HasPrefix(r.URL.Path, "/api/v1/orders/") && r.Method == http.MethodGet:
			if f.orderInfo != nil {
				writeJSON(w, *f.orderInfo)
				return
			}
			writeJSON(w, orderResponse{OrderID: "ord-1", Status: "open"})
		default:
			f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeLighter) {
	fake := newFakeLighter(t)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return New(Config{
		AccountIndex: 7,
		APIKeyIndex:  2,
		APISecret:    "sk-lighter",
		BaseURL:      srv.URL,
	}), fake
}

func TestSessionMintedOnceAndReused(t *testing.T) {
	a, fake := newTestAdapter(t)

	for i := 0; i < 3; i++ {
		_, err := a.GetAvailableMargin(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.mintCount(), "valid token must be reused across calls")
}

func TestSessionRetriesOnceAfterRevocation(t *testing.T) {
	a, fake := newTestAdapter(t)

	margin, err := a.GetAvailableMargin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2500.5", margin.String())

	fake.revokeAll()

	margin, err = a.GetAvailableMargin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2500.5", margin.String())
	assert.Equal(t, 2, fake.mintCount(), "revoked token must trigger exactly one re-mint")
}

func TestSessionBadSecret(t *testing.T) {
	fake := newFakeLighter(t)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	a := New(Config{AccountIndex: 7, APIKeyIndex: 2, APISecret: "wrong", BaseURL: srv.URL})
	_, err := a.GetAvailableMargin(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindCredentialBad))
}

func TestGetPositionsSkipsFlat(t *testing.T) {
	a, _ := newTestAdapter(t)

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, domain.OrderSideBuy, positions[0].Side())
	assert.Equal(t, "ETHUSDT", positions[1].Symbol)
	assert.Equal(t, domain.OrderSideSell, positions[1].Side())
}

func TestGetPositionNormalizesSymbol(t *testing.T) {
	a, _ := newTestAdapter(t)

	p, err := a.GetPosition(context.Background(), "btc/usdt")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "0.5", p.Quantity.String())

	open, err := a.HasOpenPosition(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.False(t, open, "flat rows never count as open")
}

func TestQuantityForNotional(t *testing.T) {
	a, _ := newTestAdapter(t)

	qty, err := a.QuantityForNotional(context.Background(), "BTCUSDT", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "0.002", qty.String())
}

func TestPlaceMarketOrder(t *testing.T) {
	a, fake := newTestAdapter(t)

	ack, err := a.PlaceMarketOrder(context.Background(), "BTC-USDT", domain.OrderSideBuy, decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ack.OrderID)
	assert.Equal(t, domain.OrderFilled, ack.Status)
	assert.Equal(t, "50001", ack.FillPrice.String())

	orders := fake.sentOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BTCUSDT", orders[0].Market)
	assert.Equal(t, "buy", orders[0].Side)
	assert.Equal(t, "market", orders[0].Type)
	assert.False(t, orders[0].ReduceOnly)
}

func TestPlaceLimitOrderRoundsPrice(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.PlaceLimitOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, decimal.RequireFromString("0.002"), decimal.RequireFromString("49000.37"))
	require.NoError(t, err)

	orders := fake.sentOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "limit", orders[0].Type)
	assert.Equal(t, "49000.5", orders[0].Price, "price snapped to the 0.5 step")
}

func TestStopLossIsReduceOnlyTrigger(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.PlaceStopLoss(context.Background(), "BTCUSDT", domain.OrderSideSell, decimal.RequireFromString("0.002"), decimal.RequireFromString("47500.2"))
	require.NoError(t, err)

	orders := fake.sentOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "stop_market", orders[0].Type)
	assert.Equal(t, "47500", orders[0].TriggerPrice)
	assert.True(t, orders[0].ReduceOnly)
}

func TestTakeProfitIsReduceOnlyLimit(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.PlaceTakeProfit(context.Background(), "BTCUSDT", domain.OrderSideSell, decimal.RequireFromString("0.002"), decimal.RequireFromString("52000"))
	require.NoError(t, err)

	orders := fake.sentOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "limit", orders[0].Type)
	assert.Equal(t, "52000", orders[0].Price)
	assert.True(t, orders[0].ReduceOnly)
}

func TestClosePositionIsReduceOnlyMarket(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.ClosePosition(context.Background(), "BTCUSDT", domain.OrderSideSell, decimal.RequireFromString("0.5"))
	require.NoError(t, err)

	orders := fake.sentOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "market", orders[0].Type)
	assert.True(t, orders[0].ReduceOnly)
}

func TestOrderRejectionClassified(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.orderErr = "insufficient balance for order"

	_, err := a.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.OrderSideBuy, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInsufficientFund))
}

func TestCancelOrder(t *testing.T) {
	a, _ := newTestAdapter(t)
	require.NoError(t, a.CancelOrder(context.Background(), "BTCUSDT", "ord-9"))
}

func TestGetOrderStatuses(t *testing.T) {
	a, fake := newTestAdapter(t)

	ack, err := a.GetOrder(context.Background(), "BTCUSDT", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderWorking, ack.Status)

	fake.orderInfo = &orderResponse{OrderID: "ord-1", Status: "partially_filled", FillPrice: "50000", FilledSize: "0.001"}
	ack, err = a.GetOrder(context.Background(), "BTCUSDT", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, ack.Status)
	assert.Equal(t, "0.001", ack.FillQuantity.String())

	fake.orderInfo = &orderResponse{OrderID: "ord-1", Status: "canceled"}
	ack, err = a.GetOrder(context.Background(), "BTCUSDT", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, ack.Status)
}
