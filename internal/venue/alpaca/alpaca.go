// Package alpaca adapts the Alpaca Trading API v2 for US equities.
// Orders trade day TIF throughout: fractional quantities are not
// eligible for GTC, and the upstream strategies are intraday. Brackets
// use the native bracket order class, which requires whole shares.
package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/venue"
)

const (
	liveURL  = "https://api.alpaca.markets"
	paperURL = "https://paper-api.alpaca.markets"
	dataURL  = "https://data.alpaca.markets"

	// Fractional orders resolve to a thousandth of a share.
	fractionalStep = "0.001"
)

// Config carries everything the factory resolves for one instance.
type Config struct {
	APIKey    string
	APISecret string
	Paper     bool

	// BaseURL and DataURL override host selection, used by tests.
	BaseURL string
	DataURL string

	Pacer venue.Pacer
}

// Adapter implements venue.Adapter for Alpaca brokerage accounts.
type Adapter struct {
	trading *resty.Client
	data    *resty.Client
	pacer   venue.Pacer
	hints   map[string]any
}

func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = liveURL
		if cfg.Paper {
			base = paperURL
		}
	}
	dataBase := cfg.DataURL
	if dataBase == "" {
		dataBase = dataURL
	}
	headers := map[string]string{
		"APCA-API-KEY-ID":     cfg.APIKey,
		"APCA-API-SECRET-KEY": cfg.APISecret,
	}
	return &Adapter{
		trading: venue.NewHTTPClient(venue.ClientConfig{BaseURL: base}).SetHeaders(headers),
		data:    venue.NewHTTPClient(venue.ClientConfig{BaseURL: dataBase}).SetHeaders(headers),
		pacer:   cfg.Pacer,
	}
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueAlpaca }

func (a *Adapter) SetHints(hints map[string]any) { a.hints = hints }

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (a *Adapter) request(ctx context.Context, client *resty.Client) (*resty.Request, error) {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return nil, err
	}
	return client.R().SetContext(ctx), nil
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	req, err := a.request(ctx, a.trading)
	if err != nil {
		return decimal.Zero, err
	}
	var account struct {
		BuyingPower string `json:"buying_power"`
	}
	resp, err := req.SetResult(&account).Get("/v2/account")
	if err != nil {
		return decimal.Zero, venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}
	return parseDec(account.BuyingPower), nil
}

type positionRow struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

func (r positionRow) toDomain() domain.VenuePosition {
	return domain.VenuePosition{
		Symbol:        r.Symbol,
		Quantity:      parseDec(r.Qty),
		EntryPrice:    parseDec(r.AvgEntryPrice),
		MarkPrice:     parseDec(r.CurrentPrice),
		UnrealizedPnL: parseDec(r.UnrealizedPL),
	}
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	req, err := a.request(ctx, a.trading)
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	resp, err := req.SetResult(&rows).Get("/v2/positions")
	if err != nil {
		return nil, venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}
	out := make([]domain.VenuePosition, 0, len(rows))
	for _, r := range rows {
		p := r.toDomain()
		if p.Quantity.IsZero() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPosition asks for the symbol directly; the venue answers 404 when
// the book is flat there.
func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	req, err := a.request(ctx, a.trading)
	if err != nil {
		return nil, err
	}
	var row positionRow
	resp, err := req.SetResult(&row).Get("/v2/positions/" + normalizeSymbol(symbol))
	if err != nil {
		return nil, venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}
	p := row.toDomain()
	if p.Quantity.IsZero() {
		return nil, nil
	}
	return &p, nil
}

func (a *Adapter) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	p, err := a.GetPosition(ctx, symbol)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

// GetTicker reads the market-data snapshot, one call for trade, quote
// and daily volume.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	sym := normalizeSymbol(symbol)
	req, err := a.request(ctx, a.data)
	if err != nil {
		return domain.Ticker{}, err
	}
	var snapshot struct {
		LatestTrade struct {
			Price json.Number `json:"p"`
		} `json:"latestTrade"`
		LatestQuote struct {
			Ask json.Number `json:"ap"`
			Bid json.Number `json:"bp"`
		} `json:"latestQuote"`
		DailyBar struct {
			Volume json.Number `json:"v"`
		} `json:"dailyBar"`
	}
	resp, err := req.SetResult(&snapshot).Get("/v2/stocks/" + sym + "/snapshot")
	if err != nil {
		return domain.Ticker{}, venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.Ticker{}, venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}

	ticker := domain.Ticker{
		Symbol: sym,
		Last:   parseNum(snapshot.LatestTrade.Price),
		Bid:    parseNum(snapshot.LatestQuote.Bid),
		Ask:    parseNum(snapshot.LatestQuote.Ask),
		Volume: parseNum(snapshot.DailyBar.Volume),
	}
	if ticker.Last.IsZero() && ticker.Bid.IsPositive() && ticker.Ask.IsPositive() {
		ticker.Last = ticker.Bid.Add(ticker.Ask).Div(decimal.NewFromInt(2))
	}
	if ticker.Last.IsZero() {
		return domain.Ticker{}, domain.E(domain.KindUnknownSymbol, "alpaca: no snapshot for %s", sym)
	}
	return ticker, nil
}

func (a *Adapter) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	sym := normalizeSymbol(symbol)
	ticker, err := a.GetTicker(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	step := decimal.RequireFromString(fractionalStep)
	return venue.QuantityFromNotional(domain.VenueAlpaca, sym, notionalUSD, ticker.Last, step, step)
}

type takeProfitSpec struct {
	LimitPrice string `json:"limit_price"`
}

type stopLossSpec struct {
	StopPrice string `json:"stop_price"`
}

type orderRequest struct {
	Symbol        string          `json:"symbol"`
	Qty           string          `json:"qty"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	TimeInForce   string          `json:"time_in_force"`
	LimitPrice    string          `json:"limit_price,omitempty"`
	StopPrice     string          `json:"stop_price,omitempty"`
	OrderClass    string          `json:"order_class,omitempty"`
	TakeProfit    *takeProfitSpec `json:"take_profit,omitempty"`
	StopLoss      *stopLossSpec   `json:"stop_loss,omitempty"`
	ExtendedHours bool            `json:"extended_hours,omitempty"`
}

type orderRow struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

func ackFromOrder(o orderRow) domain.OrderAck {
	ack := domain.OrderAck{
		OrderID:      o.ID,
		FillPrice:    parseDec(o.FilledAvgPrice),
		FillQuantity: parseDec(o.FilledQty),
	}
	switch o.Status {
	case "filled":
		ack.Status = domain.OrderFilled
	case "partially_filled":
		ack.Status = domain.OrderPartiallyFilled
	case "canceled", "expired", "rejected", "stopped":
		ack.Status = domain.OrderRejected
	default:
		ack.Status = domain.OrderWorking
	}
	return ack
}

func (a *Adapter) placeOrder(ctx context.Context, body orderRequest) (domain.OrderAck, error) {
	req, err := a.request(ctx, a.trading)
	if err != nil {
		return domain.OrderAck{}, err
	}
	var row orderRow
	resp, err := req.SetBody(body).SetResult(&row).Post("/v2/orders")
	if err != nil {
		return domain.OrderAck{}, venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return domain.OrderAck{}, venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}
	return ackFromOrder(row), nil
}

func sideWord(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "sell"
	}
	return "buy"
}

// roundPrice keeps equity prices on the venue's penny grid.
func roundPrice(p decimal.Decimal) string {
	return p.Round(2).String()
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	return a.placeOrder(ctx, orderRequest{
		Symbol:      normalizeSymbol(symbol),
		Qty:         qty.String(),
		Side:        sideWord(side),
		Type:        "market",
		TimeInForce: "day",
	})
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	return a.placeOrder(ctx, orderRequest{
		Symbol:      normalizeSymbol(symbol),
		Qty:         qty.String(),
		Side:        sideWord(side),
		Type:        "limit",
		TimeInForce: "day",
		LimitPrice:  roundPrice(price),
		// Extended hours is only valid on day limit orders.
		ExtendedHours: venue.HintBool(a.hints, "extended_hours"),
	})
}

func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	return a.placeOrder(ctx, orderRequest{
		Symbol:      normalizeSymbol(symbol),
		Qty:         qty.String(),
		Side:        sideWord(side),
		Type:        "stop",
		TimeInForce: "day",
		StopPrice:   roundPrice(stopPrice),
	})
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	return a.placeOrder(ctx, orderRequest{
		Symbol:      normalizeSymbol(symbol),
		Qty:         qty.String(),
		Side:        sideWord(side),
		Type:        "limit",
		TimeInForce: "day",
		LimitPrice:  roundPrice(limitPrice),
	})
}

// PlaceBracketOrder uses the native bracket order class. The venue
// only brackets whole shares, so the quantity is floored; a sized-out
// fraction below one share fails as too small.
func (a *Adapter) PlaceBracketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, entryLimit, takeProfit, stopLoss decimal.Decimal) (domain.OrderAck, error) {
	whole := qty.Floor()
	if !whole.IsPositive() {
		return domain.OrderAck{}, domain.E(domain.KindTooSmall,
			"alpaca: bracket orders need at least one whole share, sized %s", qty)
	}
	body := orderRequest{
		Symbol:      normalizeSymbol(symbol),
		Qty:         whole.String(),
		Side:        sideWord(side),
		Type:        "market",
		TimeInForce: "day",
		OrderClass:  "bracket",
	}
	if !entryLimit.IsZero() {
		body.Type = "limit"
		body.LimitPrice = roundPrice(entryLimit)
	}
	if !takeProfit.IsZero() {
		body.TakeProfit = &takeProfitSpec{LimitPrice: roundPrice(takeProfit)}
	}
	if !stopLoss.IsZero() {
		body.StopLoss = &stopLossSpec{StopPrice: roundPrice(stopLoss)}
	}
	return a.placeOrder(ctx, body)
}

// ClosePosition delegates to the venue's close endpoint, which submits
// the opposite-side order itself and never opens a new position.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	req, err := a.request(ctx, a.trading)
	if err != nil {
		return domain.OrderAck{}, err
	}
	var row orderRow
	resp, err := req.
		SetQueryParam("qty", qty.String()).
		SetResult(&row).
		Delete("/v2/positions/" + normalizeSymbol(symbol))
	if err != nil {
		return domain.OrderAck{}, venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.OrderAck{}, venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}
	return ackFromOrder(row), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req, err := a.request(ctx, a.trading)
	if err != nil {
		return err
	}
	resp, err := req.Delete("/v2/orders/" + orderID)
	if err != nil {
		return venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	req, err := a.request(ctx, a.trading)
	if err != nil {
		return domain.OrderAck{}, err
	}
	var row orderRow
	resp, err := req.SetResult(&row).Get("/v2/orders/" + orderID)
	if err != nil {
		return domain.OrderAck{}, venue.ClassifyTransport(domain.VenueAlpaca, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.OrderAck{}, domain.E(domain.KindClient, "alpaca: order %s not found", orderID)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.OrderAck{}, venue.ClassifyResponse(domain.VenueAlpaca, resp.StatusCode(), resp.String())
	}
	return ackFromOrder(row), nil
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

func parseNum(n json.Number) decimal.Decimal {
	return parseDec(n.String())
}

var (
	_ venue.Adapter       = (*Adapter)(nil)
	_ venue.HintAware     = (*Adapter)(nil)
	_ venue.BracketPlacer = (*Adapter)(nil)
)
