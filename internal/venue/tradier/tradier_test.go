package tradier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/tradegate/internal/domain"
)

const testAccount = "VA12345678"

type fakeTradier struct {
	t *testing.T

	mu    sync.Mutex
	forms []url.Values

	cashAccount    bool
	singlePosition bool
	orderReply     string
	orderStatus    int
}

func (f *fakeTradier) lastForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.forms)
	return f.forms[len(f.forms)-1]
}

func (f *fakeTradier) handler() http.HandlerFunc {
	prefix := "/v1/accounts/" + testAccount

	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer tradier-token", r.Header.Get("Authorization"))

		switch {
		case r.URL.Path == prefix+"/balances":
			if f.cashAccount {
				writeJSON(w, http.StatusOK, map[string]any{
					"balances": map[string]any{
						"total_cash": 5000.50,
						"cash":       map[string]any{"cash_available": 4200.25},
					},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"balances": map[string]any{
					"total_cash": 25000,
					"margin":     map[string]any{"stock_buying_power": 50000},
				},
			})
		case r.URL.Path == prefix+"/positions":
			if f.singlePosition {
				// One position arrives as a bare object, not an array.
				writeJSON(w, http.StatusOK, map[string]any{
					"positions": map[string]any{
						"position": map[string]any{"symbol": "AAPL", "quantity": 10, "cost_basis": 1805.0},
					},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"positions": map[string]any{
					"position": []map[string]any{
						{"symbol": "AAPL", "quantity": 10, "cost_basis": 1805.0},
						{"symbol": "SPY251107P00690000", "quantity": 2, "cost_basis": 980.0},
					},
				},
			})
		case r.URL.Path == "/v1/markets/quotes":
			symbols := strings.Split(r.URL.Query().Get("symbols"), ",")
			rows := make([]map[string]any, 0, len(symbols))
			for _, s := range symbols {
				switch s {
				case "AAPL":
					rows = append(rows, map[string]any{"symbol": "AAPL", "last": 189.72, "bid": 189.71, "ask": 189.75, "volume": 51234567})
				case "SPY251107P00690000":
					rows = append(rows, map[string]any{"symbol": "SPY251107P00690000", "last": 5.10, "bid": 5.05, "ask": 5.15, "volume": 120})
				case "AAPL250919C00190000":
					rows = append(rows, map[string]any{"symbol": "AAPL250919C00190000", "last": 2.45, "bid": 2.40, "ask": 2.50, "volume": 900})
				}
			}
			// One quote comes back as a bare object as well.
			var quote any = rows
			if len(rows) == 1 {
				quote = rows[0]
			}
			writeJSON(w, http.StatusOK, map[string]any{"quotes": map[string]any{"quote": quote}})
		case r.URL.Path == prefix+"/orders" && r.Method == http.MethodPost:
			require.NoError(f.t, r.ParseForm())
			f.mu.Lock()
			f.forms = append(f.forms, r.PostForm)
			f.mu.Unlock()

			if f.orderReply != "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(f.orderStatus)
				_, _ = w.Write([]byte(f.orderReply))
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"order": map[string]any{"id": 257459, "status": "ok"},
			})
		case r.URL.Path == prefix+"/orders/257459" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{
				"order": map[string]any{"id": 257459, "status": "filled", "avg_fill_price": 189.70, "exec_quantity": 10},
			})
		case strings.HasPrefix(r.URL.Path, prefix+"/orders/") && r.Method == http.MethodDelete:
			writeJSON(w, http.StatusOK, map[string]any{
				"order": map[string]any{"id": 257459, "status": "ok"},
			})
		default:
			f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeTradier) {
	fake := &fakeTradier{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return New(Config{Token: "tradier-token", AccountID: testAccount, BaseURL: srv.URL}), fake
}

func optionHints() map[string]any {
	return map[string]any{"right": "call", "strike": float64(190), "expiration": "2025-09-19"}
}

func TestBuildOCC(t *testing.T) {
	exp := time.Date(2025, 9, 19, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "AAPL250919C00190000", buildOCC("aapl", exp, "C", decimal.NewFromInt(190)))

	exp = time.Date(2025, 11, 7, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "SPY251107P00690000", buildOCC("SPY", exp, "P", decimal.NewFromInt(690)))
	assert.Equal(t, "SPY251107P00192500", buildOCC("SPY", exp, "P", decimal.RequireFromString("192.5")))
}

func TestIsOCCSymbol(t *testing.T) {
	assert.True(t, isOCCSymbol("AAPL250919C00190000"))
	assert.True(t, isOCCSymbol("SPY251107P00690000"))
	assert.False(t, isOCCSymbol("AAPL"))
	assert.False(t, isOCCSymbol("AAPL250919X00190000"))
	assert.False(t, isOCCSymbol("AAPL259919C00190000"), "month 99 is not a date")
}

func TestGetAvailableMarginPrefersBuyingPower(t *testing.T) {
	a, _ := newTestAdapter(t)

	margin, err := a.GetAvailableMargin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50000", margin.String())
}

func TestGetAvailableMarginCashAccount(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.cashAccount = true

	margin, err := a.GetAvailableMargin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4200.25", margin.String())
}

func TestGetPositionsCostBasisAndMultiplier(t *testing.T) {
	a, _ := newTestAdapter(t)

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, "10", positions[0].Quantity.String())
	assert.Equal(t, "180.5", positions[0].EntryPrice.String())
	assert.Equal(t, "189.72", positions[0].MarkPrice.String())

	// Option cost basis spreads over contracts x 100 shares.
	assert.Equal(t, "SPY251107P00690000", positions[1].Symbol)
	assert.Equal(t, "4.9", positions[1].EntryPrice.String())
	assert.Equal(t, "5.1", positions[1].MarkPrice.String())
}

func TestGetPositionsSingleObjectQuirk(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.singlePosition = true

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
}

func TestGetTicker(t *testing.T) {
	a, _ := newTestAdapter(t)

	ticker, err := a.GetTicker(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "189.72", ticker.Last.String())
	assert.Equal(t, "51234567", ticker.Volume.String())
}

func TestQuantityForNotionalEquity(t *testing.T) {
	a, _ := newTestAdapter(t)

	// 1000 USD at 189.72 floors onto whole shares.
	qty, err := a.QuantityForNotional(context.Background(), "AAPL", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "5", qty.String())
}

func TestQuantityForNotionalOptionContracts(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.SetHints(optionHints())

	// Premium 2.45 a share means 245 a contract; 1000 USD buys 4.
	qty, err := a.QuantityForNotional(context.Background(), "AAPL", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "4", qty.String())
}

func TestPlaceMarketOrderEquity(t *testing.T) {
	a, fake := newTestAdapter(t)

	ack, err := a.PlaceMarketOrder(context.Background(), "AAPL", domain.OrderSideBuy, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, "257459", ack.OrderID)
	assert.Equal(t, domain.OrderWorking, ack.Status, "submission is async; fills come from order status")

	form := fake.lastForm()
	assert.Equal(t, "equity", form.Get("class"))
	assert.Equal(t, "AAPL", form.Get("symbol"))
	assert.Equal(t, "buy", form.Get("side"))
	assert.Equal(t, "market", form.Get("type"))
	assert.Equal(t, "day", form.Get("duration"))
	assert.Equal(t, "5", form.Get("quantity"))
}

func TestPlaceMarketOrderShortEntry(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.PlaceMarketOrder(context.Background(), "AAPL", domain.OrderSideSell, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, "sell_short", fake.lastForm().Get("side"))
}

func TestPlaceOptionOrderFromHints(t *testing.T) {
	a, fake := newTestAdapter(t)
	a.SetHints(optionHints())

	_, err := a.PlaceMarketOrder(context.Background(), "AAPL", domain.OrderSideBuy, decimal.NewFromInt(4))
	require.NoError(t, err)

	form := fake.lastForm()
	assert.Equal(t, "option", form.Get("class"))
	assert.Equal(t, "AAPL", form.Get("symbol"))
	assert.Equal(t, "AAPL250919C00190000", form.Get("option_symbol"))
	assert.Equal(t, "buy_to_open", form.Get("side"))
}

func TestPlaceOptionOrderBadRight(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.SetHints(map[string]any{"right": "straddle", "strike": float64(190), "expiration": "2025-09-19"})

	_, err := a.PlaceMarketOrder(context.Background(), "AAPL", domain.OrderSideBuy, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}

func TestClosePositionOption(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.ClosePosition(context.Background(), "SPY251107P00690000", domain.OrderSideSell, decimal.NewFromInt(2))
	require.NoError(t, err)

	form := fake.lastForm()
	assert.Equal(t, "option", form.Get("class"))
	assert.Equal(t, "SPY", form.Get("symbol"))
	assert.Equal(t, "SPY251107P00690000", form.Get("option_symbol"))
	assert.Equal(t, "sell_to_close", form.Get("side"))
	assert.Equal(t, "market", form.Get("type"))
}

func TestPlaceStopLossEquity(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.PlaceStopLoss(context.Background(), "AAPL", domain.OrderSideSell, decimal.NewFromInt(5), decimal.RequireFromString("170.555"))
	require.NoError(t, err)

	form := fake.lastForm()
	assert.Equal(t, "stop", form.Get("type"))
	assert.Equal(t, "170.56", form.Get("stop"))
	assert.Equal(t, "sell", form.Get("side"))
}

func TestOTOCOBracket(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.PlaceBracketOrder(context.Background(), "AAPL", domain.OrderSideBuy,
		decimal.NewFromInt(5), decimal.Zero, decimal.NewFromInt(200), decimal.NewFromInt(170))
	require.NoError(t, err)

	form := fake.lastForm()
	assert.Equal(t, "otoco", form.Get("class"))
	assert.Equal(t, "day", form.Get("duration"))

	assert.Equal(t, "market", form.Get("type[0]"))
	assert.Equal(t, "buy", form.Get("side[0]"))
	assert.Equal(t, "AAPL", form.Get("symbol[0]"))

	assert.Equal(t, "limit", form.Get("type[1]"))
	assert.Equal(t, "sell", form.Get("side[1]"))
	assert.Equal(t, "200", form.Get("price[1]"))

	assert.Equal(t, "stop", form.Get("type[2]"))
	assert.Equal(t, "sell", form.Get("side[2]"))
	assert.Equal(t, "170", form.Get("stop[2]"))
}

func TestOTOCOOptionBracket(t *testing.T) {
	a, fake := newTestAdapter(t)
	a.SetHints(optionHints())

	_, err := a.PlaceBracketOrder(context.Background(), "AAPL", domain.OrderSideBuy,
		decimal.NewFromInt(4), decimal.Zero, decimal.RequireFromString("3.50"), decimal.RequireFromString("1.20"))
	require.NoError(t, err)

	form := fake.lastForm()
	assert.Equal(t, "otoco", form.Get("class"))
	assert.Equal(t, "AAPL250919C00190000", form.Get("option_symbol[0]"))
	assert.Equal(t, "buy_to_open", form.Get("side[0]"))
	assert.Equal(t, "sell_to_close", form.Get("side[1]"))
	assert.Equal(t, "sell_to_close", form.Get("side[2]"))
}

func TestOrderRejectionSingleError(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.orderStatus = http.StatusBadRequest
	fake.orderReply = `{"errors":{"error":"Insufficient buying power for this order"}}`

	_, err := a.PlaceMarketOrder(context.Background(), "AAPL", domain.OrderSideBuy, decimal.NewFromInt(500))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInsufficientFund))
}

func TestOrderRejectionErrorArray(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.orderStatus = http.StatusBadRequest
	fake.orderReply = `{"errors":{"error":["quantity is invalid","order size below the minimum"]}}`

	_, err := a.PlaceMarketOrder(context.Background(), "AAPL", domain.OrderSideBuy, decimal.NewFromInt(0))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTooSmall))
}

func TestCancelOrder(t *testing.T) {
	a, _ := newTestAdapter(t)
	require.NoError(t, a.CancelOrder(context.Background(), "AAPL", "257459"))
}

func TestGetOrderFilled(t *testing.T) {
	a, _ := newTestAdapter(t)

	ack, err := a.GetOrder(context.Background(), "AAPL", "257459")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, ack.Status)
	assert.Equal(t, "189.7", ack.FillPrice.String())
	assert.Equal(t, "10", ack.FillQuantity.String())
}
