// Package lighter adapts the Lighter L2 perps exchange. Authentication
// is a short-lived session token minted from the account-index triple;
// the token is refreshed before expiry and once on a 401.
package lighter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/venue"
)

const (
	mainnetURL = "https://mainnet.zklighter.elliot.ai"
	testnetURL = "https://testnet.zklighter.elliot.ai"

	// Session tokens without a readable expiry are refreshed on this
	// cadence.
	fallbackSessionTTL = 10 * time.Minute
)

// Config carries everything the factory resolves for one instance.
type Config struct {
	AccountIndex int
	APIKeyIndex  int
	APISecret    string
	Testnet      bool

	// BaseURL overrides host selection, used by tests.
	BaseURL string

	Pacer venue.Pacer
}

// Adapter implements venue.Adapter for Lighter perps.
type Adapter struct {
	http    *resty.Client
	session *venue.Session
	pacer   venue.Pacer

	markets map[string]market
}

type market struct {
	sizeStep  decimal.Decimal
	minSize   decimal.Decimal
	priceStep decimal.Decimal
}

func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = mainnetURL
		if cfg.Testnet {
			base = testnetURL
		}
	}
	client := venue.NewHTTPClient(venue.ClientConfig{BaseURL: base})

	a := &Adapter{
		http:    client,
		pacer:   cfg.Pacer,
		markets: make(map[string]market),
	}
	a.session = venue.NewSession(func(ctx context.Context) (string, time.Time, error) {
		return mintSession(ctx, client, cfg)
	})
	return a
}

// mintSession exchanges the account-index triple for a bearer token.
// The token is JWT-shaped; its exp claim drives the refresh schedule.
func mintSession(ctx context.Context, client *resty.Client, cfg Config) (string, time.Time, error) {
	var result struct {
		Token string `json:"token"`
	}
	resp, err := client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"account_index": cfg.AccountIndex,
			"api_key_index": cfg.APIKeyIndex,
			"api_secret":    cfg.APISecret,
		}).
		SetResult(&result).
		Post("/api/v1/session")
	if err != nil {
		return "", time.Time{}, venue.ClassifyTransport(domain.VenueLighter, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", time.Time{}, domain.E(domain.KindCredentialBad, "lighter: venue rejected the api key triple (%d)", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return "", time.Time{}, venue.ClassifyResponse(domain.VenueLighter, resp.StatusCode(), resp.String())
	}
	if result.Token == "" {
		return "", time.Time{}, domain.E(domain.KindClient, "lighter: session response carries no token")
	}

	expires, err := venue.ExpiryFromJWT(result.Token)
	if err != nil {
		expires = time.Now().Add(fallbackSessionTTL)
	}
	return result.Token, expires, nil
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueLighter }

func normalizeMarket(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.TrimSuffix(s, ".P")
}

// do runs one authenticated request, retrying exactly once with a fresh
// session after a 401.
func (a *Adapter) do(ctx context.Context, build func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		token, err := a.session.Token(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := build(a.http.R().SetContext(ctx).SetHeader("Authorization", "Bearer "+token))
		if err != nil {
			return nil, venue.ClassifyTransport(domain.VenueLighter, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			a.session.Invalidate()
			continue
		}
		return resp, nil
	}
}

func (a *Adapter) get(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(query).Get(path)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.ClassifyResponse(domain.VenueLighter, resp.StatusCode(), resp.String())
	}
	return json.Unmarshal(resp.Body(), out)
}

type accountState struct {
	AvailableBalance string `json:"available_balance"`
	Positions        []struct {
		Market        string `json:"market"`
		Size          string `json:"size"`
		EntryPrice    string `json:"entry_price"`
		MarkPrice     string `json:"mark_price"`
		UnrealizedPnl string `json:"unrealized_pnl"`
	} `json:"positions"`
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	var state accountState
	if err := a.get(ctx, "/api/v1/account", nil, &state); err != nil {
		return decimal.Zero, err
	}
	return parseDec(state.AvailableBalance), nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var state accountState
	if err := a.get(ctx, "/api/v1/account", nil, &state); err != nil {
		return nil, err
	}
	out := make([]domain.VenuePosition, 0, len(state.Positions))
	for _, p := range state.Positions {
		size := parseDec(p.Size)
		if size.IsZero() {
			continue
		}
		out = append(out, domain.VenuePosition{
			Symbol:        p.Market,
			Quantity:      size,
			EntryPrice:    parseDec(p.EntryPrice),
			MarkPrice:     parseDec(p.MarkPrice),
			UnrealizedPnL: parseDec(p.UnrealizedPnl),
		})
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	sym := normalizeMarket(symbol)
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if normalizeMarket(positions[i].Symbol) == sym {
			return &positions[i], nil
		}
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
	sym := normalizeMarket(symbol)
	var result struct {
		LastPrice string `json:"last_price"`
		BestBid   string `json:"best_bid"`
		BestAsk   string `json:"best_ask"`
		Volume24h string `json:"volume_24h"`
	}
	if err := a.get(ctx, "/api/v1/ticker", map[string]string{"market": sym}, &result); err != nil {
		return domain.Ticker{}, err
	}
	return domain.Ticker{
		Symbol: sym,
		Last:   parseDec(result.LastPrice),
		Bid:    parseDec(result.BestBid),
		Ask:    parseDec(result.BestAsk),
		Volume: parseDec(result.Volume24h),
	}, nil
}

func (a *Adapter) market(ctx context.Context, sym string) (market, error) {
	if m, ok := a.markets[sym]; ok {
		return m, nil
	}
	var result struct {
		SizeStep      string `json:"size_step"`
		MinBaseAmount string `json:"min_base_amount"`
		PriceStep     string `json:"price_step"`
	}
	if err := a.get(ctx, "/api/v1/markets/"+sym, nil, &result); err != nil {
		return market{}, err
	}
	m := market{
		sizeStep:  parseDec(result.SizeStep),
		minSize:   parseDec(result.MinBaseAmount),
		priceStep: parseDec(result.PriceStep),
	}
	a.markets[sym] = m
	return m, nil
}

func (a *Adapter) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	sym := normalizeMarket(symbol)
	m, err := a.market(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	ticker, err := a.GetTicker(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	return venue.QuantityFromNotional(domain.VenueLighter, sym, notionalUSD, ticker.Last, m.sizeStep, m.minSize)
}

type orderRequest struct {
	Market       string `json:"market"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Size         string `json:"size"`
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"trigger_price,omitempty"`
	ReduceOnly   bool   `json:"reduce_only,omitempty"`
}

type orderResponse struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	FillPrice  string `json:"fill_price"`
	FilledSize string `json:"filled_size"`
	Error      string `json:"error"`
}

func (a *Adapter) placeOrder(ctx context.Context, req orderRequest) (domain.OrderAck, error) {
	resp, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).Post("/api/v1/orders")
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return domain.OrderAck{}, venue.ClassifyResponse(domain.VenueLighter, resp.StatusCode(), resp.String())
	}
	var result orderResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return domain.OrderAck{}, domain.Wrap(domain.KindClient, err, "lighter: decode order response")
	}
	if result.Error != "" {
		return domain.OrderAck{}, venue.ClassifyRejection(domain.VenueLighter, result.Error)
	}
	return ackFromResponse(result), nil
}

func ackFromResponse(r orderResponse) domain.OrderAck {
	ack := domain.OrderAck{
		OrderID:      r.OrderID,
		FillPrice:    parseDec(r.FillPrice),
		FillQuantity: parseDec(r.FilledSize),
	}
	switch r.Status {
	case "filled":
		ack.Status = domain.OrderFilled
	case "partially_filled":
		ack.Status = domain.OrderPartiallyFilled
	case "canceled", "rejected":
		ack.Status = domain.OrderRejected
	default:
		ack.Status = domain.OrderWorking
	}
	return ack
}

func sideWord(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "sell"
	}
	return "buy"
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	return a.placeOrder(ctx, orderRequest{
		Market: normalizeMarket(symbol),
		Side:   sideWord(side),
		Type:   "market",
		Size:   qty.String(),
	})
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeMarket(symbol)
	m, err := a.market(ctx, sym)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, orderRequest{
		Market: sym,
		Side:   sideWord(side),
		Type:   "limit",
		Size:   qty.String(),
		Price:  venue.RoundToTick(price, m.priceStep).String(),
	})
}

func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeMarket(symbol)
	m, err := a.market(ctx, sym)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, orderRequest{
		Market:       sym,
		Side:         sideWord(side),
		Type:         "stop_market",
		Size:         qty.String(),
		TriggerPrice: venue.RoundToTick(stopPrice, m.priceStep).String(),
		ReduceOnly:   true,
	})
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	sym := normalizeMarket(symbol)
	m, err := a.market(ctx, sym)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, orderRequest{
		Market:     sym,
		Side:       sideWord(side),
		Type:       "limit",
		Size:       qty.String(),
		Price:      venue.RoundToTick(limitPrice, m.priceStep).String(),
		ReduceOnly: true,
	})
}

// ClosePosition is reduce-only by venue rule; a close can never flip
// the position.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	return a.placeOrder(ctx, orderRequest{
		Market:     normalizeMarket(symbol),
		Side:       sideWord(side),
		Type:       "market",
		Size:       qty.String(),
		ReduceOnly: true,
	})
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	resp, err := a.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("market", normalizeMarket(symbol)).Delete("/api/v1/orders/" + orderID)
	})
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return venue.ClassifyResponse(domain.VenueLighter, resp.StatusCode(), resp.String())
	}
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	var result orderResponse
	err := a.get(ctx, "/api/v1/orders/"+orderID, map[string]string{"market": normalizeMarket(symbol)}, &result)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return ackFromResponse(result), nil
}

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
