// Package bybit adapts the Bybit v5 unified-account API for USDT-linear
// perpetuals. Requests are signed with HMAC-SHA256 over
// timestamp+key+recvWindow+payload; business errors arrive as a retCode
// inside an HTTP 200 envelope.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/venue"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"

	category   = "linear"
	recvWindow = "5000"
)

// Config carries everything the factory resolves for one instance.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool

	// BaseURL overrides host selection, used by tests.
	BaseURL string

	Pacer venue.Pacer

	// Tickers, when set, serves GetTicker from the websocket stream
	// before falling back to REST.
	Tickers *TickerCache
}

// Adapter implements venue.Adapter for Bybit linear perpetuals.
type Adapter struct {
	http    *resty.Client
	key     string
	secret  string
	pacer   venue.Pacer
	tickers *TickerCache

	instruments map[string]instrument
}

type instrument struct {
	qtyStep  decimal.Decimal
	minQty   decimal.Decimal
	tickSize decimal.Decimal
}

func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = mainnetURL
		if cfg.Testnet {
			base = testnetURL
		}
	}
	return &Adapter{
		http:        venue.NewHTTPClient(venue.ClientConfig{BaseURL: base}),
		key:         cfg.APIKey,
		secret:      cfg.APISecret,
		pacer:       cfg.Pacer,
		tickers:     cfg.Tickers,
		instruments: make(map[string]instrument),
	}
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueBybit }

// normalizeSymbol folds chart-tool spellings (BTC/USDT, BTCUSDT.P) onto
// the venue's BTCUSDT form.
func normalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.TrimSuffix(s, ".P")
	return s
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (a *Adapter) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(timestamp + a.key + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs a signed GET; query is signed verbatim.
func (a *Adapter) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	qs := query.Encode()
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var env envelope
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", a.key).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", recvWindow).
		SetHeader("X-BAPI-SIGN", a.sign(ts, qs)).
		SetQueryString(qs).
		SetResult(&env).
		Get(path)
	if err != nil {
		return venue.ClassifyTransport(domain.VenueBybit, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.ClassifyResponse(domain.VenueBybit, resp.StatusCode(), resp.String())
	}
	if err := a.checkRetCode(env); err != nil {
		return err
	}
	return json.Unmarshal(env.Result, out)
}

// post performs a signed POST; the JSON body is signed byte-for-byte.
func (a *Adapter) post(ctx context.Context, path string, body any, out any) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return domain.Wrap(domain.KindClient, err, "bybit: encode request")
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var env envelope
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", a.key).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", recvWindow).
		SetHeader("X-BAPI-SIGN", a.sign(ts, string(raw))).
		SetBody(raw).
		SetResult(&env).
		Post(path)
	if err != nil {
		return venue.ClassifyTransport(domain.VenueBybit, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.ClassifyResponse(domain.VenueBybit, resp.StatusCode(), resp.String())
	}
	if err := a.checkRetCode(env); err != nil {
		return err
	}
	if out != nil {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

// Bybit rate-limit and balance retCodes that need a better kind than the
// message text gives.
func (a *Adapter) checkRetCode(env envelope) error {
	switch env.RetCode {
	case 0:
		return nil
	case 10006, 10018:
		return domain.E(domain.KindTransient, "bybit: venue rate limit hit: %s", env.RetMsg)
	case 110007:
		return domain.E(domain.KindInsufficientFund, "bybit: %s", env.RetMsg)
	case 10003, 10004, 33004:
		return domain.E(domain.KindCredentialBad, "bybit: venue rejected credentials: %s", env.RetMsg)
	default:
		return venue.ClassifyRejection(domain.VenueBybit, env.RetMsg)
	}
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")

	var result struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := a.get(ctx, "/v5/account/wallet-balance", q, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, domain.E(domain.KindClient, "bybit: wallet balance response carries no account")
	}
	return parseDec(result.List[0].TotalAvailableBalance), nil
}

type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("settleCoin", "USDT")
	q.Set("limit", "200")

	var result struct {
		List []positionRow `json:"list"`
	}
	if err := a.get(ctx, "/v5/position/list", q, &result); err != nil {
		return nil, err
	}

	out := make([]domain.VenuePosition, 0, len(result.List))
	for _, row := range result.List {
		qty := parseDec(row.Size)
		if qty.IsZero() {
			continue
		}
		if strings.EqualFold(row.Side, "Sell") {
			qty = qty.Neg()
		}
		out = append(out, domain.VenuePosition{
			Symbol:        row.Symbol,
			Quantity:      qty,
			EntryPrice:    parseDec(row.AvgPrice),
			MarkPrice:     parseDec(row.MarkPrice),
			UnrealizedPnL: parseDec(row.UnrealisedPnl),
		})
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	sym := normalizeSymbol(symbol)
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", sym)

	var result struct {
		List []positionRow `json:"list"`
	}
	if err := a.get(ctx, "/v5/position/list", q, &result); err != nil {
		return nil, err
	}
	for _, row := range result.List {
		qty := parseDec(row.Size)
		if qty.IsZero() {
			continue
		}
		if strings.EqualFold(row.Side, "Sell") {
			qty = qty.Neg()
		}
		return &domain.VenuePosition{
			Symbol:        row.Symbol,
			Quantity:      qty,
			EntryPrice:    parseDec(row.AvgPrice),
			MarkPrice:     parseDec(row.MarkPrice),
			UnrealizedPnL: parseDec(row.UnrealisedPnl),
		}, nil
	}
	return nil, nil
}

func (a *Adapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	sym := normalizeSymbol(symbol)
	if a.tickers != nil {
		if t, ok := a.tickers.Get(sym); ok {
			return t, nil
		}
	}

	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", sym)

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/tickers", q, &result); err != nil {
		return domain.Ticker{}, err
	}
	if len(result.List) == 0 {
		return domain.Ticker{}, domain.E(domain.KindUnknownSymbol, "bybit: no ticker for %s", sym)
	}
	row := result.List[0]
	return domain.Ticker{
		Symbol: row.Symbol,
		Last:   parseDec(row.LastPrice),
		Bid:    parseDec(row.Bid1Price),
		Ask:    parseDec(row.Ask1Price),
		Volume: parseDec(row.Volume24h),
	}, nil
}

func (a *Adapter) instrument(ctx context.Context, sym string) (instrument, error) {
	if info, ok := a.instruments[sym]; ok {
		return info, nil
	}

	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", sym)

	var result struct {
		List []struct {
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/instruments-info", q, &result); err != nil {
		return instrument{}, err
	}
	if len(result.List) == 0 {
		return instrument{}, domain.E(domain.KindUnknownSymbol, "bybit: unknown instrument %s", sym)
	}
	info := instrument{
		qtyStep:  parseDec(result.List[0].LotSizeFilter.QtyStep),
		minQty:   parseDec(result.List[0].LotSizeFilter.MinOrderQty),
		tickSize: parseDec(result.List[0].PriceFilter.TickSize),
	}
	a.instruments[sym] = info
	return info, nil
}

func (a *Adapter) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	sym := normalizeSymbol(symbol)
	info, err := a.instrument(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	ticker, err := a.GetTicker(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	return venue.QuantityFromNotional(domain.VenueBybit, sym, notionalUSD, ticker.Last, info.qtyStep, info.minQty)
}

type orderRequest struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"orderType"`
	Qty              string `json:"qty"`
	Price            string `json:"price,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	ReduceOnly       bool   `json:"reduceOnly,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"`
}

func sideWord(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func (a *Adapter) createOrder(ctx context.Context, req orderRequest) (string, error) {
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := a.post(ctx, "/v5/order/create", req, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeSymbol(symbol)
	orderID, err := a.createOrder(ctx, orderRequest{
		Category:  category,
		Symbol:    sym,
		Side:      sideWord(side),
		OrderType: "Market",
		Qty:       qty.String(),
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.confirm(ctx, sym, orderID), nil
}

// confirm reads the fill back after a market placement. A failed read
// never fails the placement; the ack stays Working and reconciliation
// picks the fill up later.
func (a *Adapter) confirm(ctx context.Context, sym, orderID string) domain.OrderAck {
	ack, err := a.GetOrder(ctx, sym, orderID)
	if err != nil {
		return domain.OrderAck{OrderID: orderID, Status: domain.OrderWorking}
	}
	return ack
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeSymbol(symbol)
	info, err := a.instrument(ctx, sym)
	if err != nil {
		return domain.OrderAck{}, err
	}
	orderID, err := a.createOrder(ctx, orderRequest{
		Category:    category,
		Symbol:      sym,
		Side:        sideWord(side),
		OrderType:   "Limit",
		Qty:         qty.String(),
		Price:       venue.RoundToTick(price, info.tickSize).String(),
		TimeInForce: "GTC",
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	return domain.OrderAck{OrderID: orderID, Status: domain.OrderWorking}, nil
}

// PlaceStopLoss arms a conditional reduce-only market order. Trigger
// direction follows the exit side: a sell stop fires on a fall, a buy
// stop on a rise.
func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeSymbol(symbol)
	info, err := a.instrument(ctx, sym)
	if err != nil {
		return domain.OrderAck{}, err
	}
	direction := 2
	if side == domain.OrderSideBuy {
		direction = 1
	}
	orderID, err := a.createOrder(ctx, orderRequest{
		Category:         category,
		Symbol:           sym,
		Side:             sideWord(side),
		OrderType:        "Market",
		Qty:              qty.String(),
		TimeInForce:      "IOC",
		ReduceOnly:       true,
		TriggerPrice:     venue.RoundToTick(stopPrice, info.tickSize).String(),
		TriggerDirection: direction,
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	return domain.OrderAck{OrderID: orderID, Status: domain.OrderWorking}, nil
}

// PlaceTakeProfit rests a reduce-only limit order at the target.
func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeSymbol(symbol)
	info, err := a.instrument(ctx, sym)
	if err != nil {
		return domain.OrderAck{}, err
	}
	orderID, err := a.createOrder(ctx, orderRequest{
		Category:    category,
		Symbol:      sym,
		Side:        sideWord(side),
		OrderType:   "Limit",
		Qty:         qty.String(),
		Price:       venue.RoundToTick(limitPrice, info.tickSize).String(),
		TimeInForce: "GTC",
		ReduceOnly:  true,
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	return domain.OrderAck{OrderID: orderID, Status: domain.OrderWorking}, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeSymbol(symbol)
	orderID, err := a.createOrder(ctx, orderRequest{
		Category:   category,
		Symbol:     sym,
		Side:       sideWord(side),
		OrderType:  "Market",
		Qty:        qty.String(),
		ReduceOnly: true,
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.confirm(ctx, sym, orderID), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := struct {
		Category string `json:"category"`
		Symbol   string `json:"symbol"`
		OrderID  string `json:"orderId"`
	}{category, normalizeSymbol(symbol), orderID}
	return a.post(ctx, "/v5/order/cancel", req, nil)
}

type orderRow struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
}

// GetOrder checks the realtime book first; filled orders age out of it,
// so the history endpoint is the fallback.
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	sym := normalizeSymbol(symbol)
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		q := url.Values{}
		q.Set("category", category)
		q.Set("symbol", sym)
		q.Set("orderId", orderID)

		var result struct {
			List []orderRow `json:"list"`
		}
		if err := a.get(ctx, path, q, &result); err != nil {
			return domain.OrderAck{}, err
		}
		if len(result.List) > 0 {
			return ackFromRow(result.List[0]), nil
		}
	}
	return domain.OrderAck{}, domain.E(domain.KindClient, "bybit: order %s not found for %s", orderID, sym)
}

func ackFromRow(row orderRow) domain.OrderAck {
	ack := domain.OrderAck{
		OrderID:      row.OrderID,
		FillPrice:    parseDec(row.AvgPrice),
		FillQuantity: parseDec(row.CumExecQty),
	}
	switch row.OrderStatus {
	case "Filled":
		ack.Status = domain.OrderFilled
	case "PartiallyFilled":
		ack.Status = domain.OrderPartiallyFilled
	case "Rejected", "Cancelled", "Deactivated":
		ack.Status = domain.OrderRejected
	default:
		ack.Status = domain.OrderWorking
	}
	return ack
}

// parseDec tolerates the empty strings Bybit uses for absent numbers.
func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ venue.Adapter = (*Adapter)(nil)
