// Package tradier adapts the Tradier brokerage API for US equities and
// listed options on the same account. Option intents arrive as hints
// (right, strike, expiration) and are encoded into OCC symbols; entries
// with both exits use the native OTOCO order class. Everything trades
// duration=day.
package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/venue"
)

const (
	productionURL = "https://api.tradier.com"
	sandboxURL    = "https://sandbox.tradier.com"

	// Listed options deliver 100 shares per contract.
	optionMultiplier = 100
)

// Config carries everything the factory resolves for one instance.
type Config struct {
	Token     string
	AccountID string
	Sandbox   bool

	// BaseURL overrides host selection, used by tests.
	BaseURL string

	Pacer venue.Pacer
}

// Adapter implements venue.Adapter for Tradier brokerage accounts.
type Adapter struct {
	http      *resty.Client
	accountID string
	pacer     venue.Pacer
	hints     map[string]any
}

func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = productionURL
		if cfg.Sandbox {
			base = sandboxURL
		}
	}
	client := venue.NewHTTPClient(venue.ClientConfig{BaseURL: base}).
		SetHeader("Authorization", "Bearer "+cfg.Token).
		SetHeader("Accept", "application/json")

	return &Adapter{http: client, accountID: cfg.AccountID, pacer: cfg.Pacer}
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueTradier }

func (a *Adapter) SetHints(hints map[string]any) { a.hints = hints }

func (a *Adapter) path(suffix string) string {
	return "/v1/accounts/" + a.accountID + suffix
}

// tradierList tolerates the venue's container quirk: one element
// arrives as a bare object, several as an array, none as the string
// "null".
func tradierList[T any](raw json.RawMessage) ([]T, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `"null"` {
		return nil, nil
	}
	var many []T
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

type errorsEnvelope struct {
	Errors struct {
		Error json.RawMessage `json:"error"`
	} `json:"errors"`
}

// rejectionMessage flattens the error container, which is a string for
// one fault and an array for several.
func rejectionMessage(body []byte) string {
	var env errorsEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Errors.Error) == 0 {
		return ""
	}
	var one string
	if err := json.Unmarshal(env.Errors.Error, &one); err == nil {
		return one
	}
	var many []string
	if err := json.Unmarshal(env.Errors.Error, &many); err == nil {
		return strings.Join(many, "; ")
	}
	return ""
}

func (a *Adapter) classify(resp *resty.Response) error {
	status := resp.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.E(domain.KindCredentialBad, "tradier: venue rejected credentials (%d)", status)
	}
	if msg := rejectionMessage(resp.Body()); msg != "" &&
		status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
		return venue.ClassifyRejection(domain.VenueTradier, msg)
	}
	return venue.ClassifyResponse(domain.VenueTradier, status, resp.String())
}

func (a *Adapter) get(ctx context.Context, path string, query map[string]string, out any) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	resp, err := a.http.R().SetContext(ctx).SetQueryParams(query).Get(path)
	if err != nil {
		return venue.ClassifyTransport(domain.VenueTradier, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return a.classify(resp)
	}
	return json.Unmarshal(resp.Body(), out)
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		Balances struct {
			TotalCash json.Number `json:"total_cash"`
			Cash      struct {
				CashAvailable json.Number `json:"cash_available"`
			} `json:"cash"`
			Margin struct {
				StockBuyingPower json.Number `json:"stock_buying_power"`
			} `json:"margin"`
		} `json:"balances"`
	}
	if err := a.get(ctx, a.path("/balances"), nil, &result); err != nil {
		return decimal.Zero, err
	}
	// Margin accounts report buying power, cash accounts report
	// available cash; fall through in that order.
	if bp := parseNum(result.Balances.Margin.StockBuyingPower); bp.IsPositive() {
		return bp, nil
	}
	if cash := parseNum(result.Balances.Cash.CashAvailable); cash.IsPositive() {
		return cash, nil
	}
	return parseNum(result.Balances.TotalCash), nil
}

type positionRow struct {
	Symbol    string      `json:"symbol"`
	Quantity  json.Number `json:"quantity"`
	CostBasis json.Number `json:"cost_basis"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var result struct {
		Positions json.RawMessage `json:"positions"`
	}
	if err := a.get(ctx, a.path("/positions"), nil, &result); err != nil {
		return nil, err
	}
	var inner struct {
		Position json.RawMessage `json:"position"`
	}
	if len(result.Positions) > 0 && string(result.Positions) != `"null"` {
		if err := json.Unmarshal(result.Positions, &inner); err != nil {
			return nil, domain.Wrap(domain.KindClient, err, "tradier: decode positions")
		}
	}
	rows, err := tradierList[positionRow](inner.Position)
	if err != nil {
		return nil, domain.Wrap(domain.KindClient, err, "tradier: decode positions")
	}

	out := make([]domain.VenuePosition, 0, len(rows))
	symbols := make([]string, 0, len(rows))
	for _, r := range rows {
		qty := parseNum(r.Quantity)
		if qty.IsZero() {
			continue
		}
		// Cost basis is the full dollar outlay, option contracts
		// included, so entry price divides out the multiplier.
		perUnit := qty.Abs()
		if isOCCSymbol(r.Symbol) {
			perUnit = perUnit.Mul(decimal.NewFromInt(optionMultiplier))
		}
		entry := decimal.Zero
		if perUnit.IsPositive() {
			entry = parseNum(r.CostBasis).Abs().Div(perUnit)
		}
		out = append(out, domain.VenuePosition{
			Symbol:     r.Symbol,
			Quantity:   qty,
			EntryPrice: entry,
		})
		symbols = append(symbols, r.Symbol)
	}

	// Marks come from one quotes call; best effort only.
	if len(symbols) > 0 {
		if quotes, err := a.quotes(ctx, symbols); err == nil {
			for i := range out {
				if q, ok := quotes[out[i].Symbol]; ok {
					out[i].MarkPrice = q.Last
					diff := q.Last.Sub(out[i].EntryPrice)
					mult := decimal.NewFromInt(1)
					if isOCCSymbol(out[i].Symbol) {
						mult = decimal.NewFromInt(optionMultiplier)
					}
					out[i].UnrealizedPnL = diff.Mul(out[i].Quantity).Mul(mult)
				}
			}
		}
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	want, err := a.tradeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if strings.EqualFold(positions[i].Symbol, want) {
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

type quoteRow struct {
	Symbol string      `json:"symbol"`
	Last   json.Number `json:"last"`
	Bid    json.Number `json:"bid"`
	Ask    json.Number `json:"ask"`
	Volume json.Number `json:"volume"`
}

type quote struct {
	Last, Bid, Ask, Volume decimal.Decimal
}

func (a *Adapter) quotes(ctx context.Context, symbols []string) (map[string]quote, error) {
	var result struct {
		Quotes struct {
			Quote json.RawMessage `json:"quote"`
		} `json:"quotes"`
	}
	err := a.get(ctx, "/v1/markets/quotes", map[string]string{"symbols": strings.Join(symbols, ",")}, &result)
	if err != nil {
		return nil, err
	}
	rows, err := tradierList[quoteRow](result.Quotes.Quote)
	if err != nil {
		return nil, domain.Wrap(domain.KindClient, err, "tradier: decode quotes")
	}
	out := make(map[string]quote, len(rows))
	for _, r := range rows {
		out[r.Symbol] = quote{
			Last:   parseNum(r.Last),
			Bid:    parseNum(r.Bid),
			Ask:    parseNum(r.Ask),
			Volume: parseNum(r.Volume),
		}
	}
	return out, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	sym, err := a.tradeSymbol(symbol)
	if err != nil {
		return domain.Ticker{}, err
	}
	quotes, err := a.quotes(ctx, []string{sym})
	if err != nil {
		return domain.Ticker{}, err
	}
	q, ok := quotes[sym]
	if !ok {
		return domain.Ticker{}, domain.E(domain.KindUnknownSymbol, "tradier: no quote for %s", sym)
	}
	last := q.Last
	if last.IsZero() && q.Bid.IsPositive() && q.Ask.IsPositive() {
		last = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return domain.Ticker{Symbol: sym, Last: last, Bid: q.Bid, Ask: q.Ask, Volume: q.Volume}, nil
}

// optionIntent resolves the option hints into an OCC symbol. All three
// hints are required together.
func (a *Adapter) optionIntent(underlying string) (string, bool, error) {
	right := strings.ToUpper(venue.HintString(a.hints, "right"))
	strike := venue.HintDecimal(a.hints, "strike")
	expiration := venue.HintString(a.hints, "expiration")
	if right == "" && !strike.IsPositive() && expiration == "" {
		return "", false, nil
	}
	switch right {
	case "C", "CALL":
		right = "C"
	case "P", "PUT":
		right = "P"
	default:
		return "", false, domain.E(domain.KindBadRequest, "tradier: option right %q must be call or put", right)
	}
	if !strike.IsPositive() {
		return "", false, domain.E(domain.KindBadRequest, "tradier: option strike must be positive")
	}
	exp, err := parseExpiration(expiration)
	if err != nil {
		return "", false, err
	}
	return buildOCC(underlying, exp, right, strike), true, nil
}

func parseExpiration(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "20060102", "060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, domain.E(domain.KindBadRequest, "tradier: option expiration %q is not a date", s)
}

// buildOCC encodes root+YYMMDD+right+strike, strike scaled by 1000
// into eight digits: AAPL 2025-09-19 C 190 -> AAPL250919C00190000.
func buildOCC(root string, expiration time.Time, right string, strike decimal.Decimal) string {
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(root), expiration.Format("060102"), right, milli)
}

// isOCCSymbol reports whether symbol parses as root+YYMMDD+right+8
// digits from the end.
func isOCCSymbol(symbol string) bool {
	if len(symbol) < 16 {
		return false
	}
	strike := symbol[len(symbol)-8:]
	if _, err := strconv.ParseInt(strike, 10, 64); err != nil {
		return false
	}
	right := symbol[len(symbol)-9 : len(symbol)-8]
	if right != "C" && right != "P" {
		return false
	}
	_, err := time.Parse("060102", symbol[len(symbol)-15:len(symbol)-9])
	return err == nil
}

// tradeSymbol resolves the symbol the venue trades: the OCC symbol when
// option hints are present, the bare equity symbol otherwise.
func (a *Adapter) tradeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if isOCCSymbol(sym) {
		return sym, nil
	}
	occ, ok, err := a.optionIntent(sym)
	if err != nil {
		return "", err
	}
	if ok {
		return occ, nil
	}
	return sym, nil
}

func (a *Adapter) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	sym, err := a.tradeSymbol(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	ticker, err := a.GetTicker(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	price := ticker.Last
	if isOCCSymbol(sym) {
		// Premium quotes are per share; a contract costs 100x.
		price = price.Mul(decimal.NewFromInt(optionMultiplier))
	}
	one := decimal.NewFromInt(1)
	return venue.QuantityFromNotional(domain.VenueTradier, sym, notionalUSD, price, one, one)
}

// orderForm is the flat form-encoded order body; legs[i] suffixes are
// appended for OTOCO.
type orderForm map[string]string

func (a *Adapter) submitOrder(ctx context.Context, form orderForm) (domain.OrderAck, error) {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return domain.OrderAck{}, err
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(a.path("/orders"))
	if err != nil {
		return domain.OrderAck{}, venue.ClassifyTransport(domain.VenueTradier, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return domain.OrderAck{}, a.classify(resp)
	}
	var result struct {
		Order struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return domain.OrderAck{}, domain.Wrap(domain.KindClient, err, "tradier: decode order response")
	}
	if result.Order.ID.String() == "" {
		if msg := rejectionMessage(resp.Body()); msg != "" {
			return domain.OrderAck{}, venue.ClassifyRejection(domain.VenueTradier, msg)
		}
		return domain.OrderAck{}, domain.E(domain.KindClient, "tradier: order response carries no id")
	}
	// Submission acks are async; fills surface through GetOrder and
	// reconciliation.
	return domain.OrderAck{OrderID: result.Order.ID.String(), Status: domain.OrderWorking}, nil
}

// equitySide maps the canonical side onto Tradier's entry vocabulary.
func equitySide(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "sell_short"
	}
	return "buy"
}

// equityCloseSide maps the exit side onto Tradier's closing vocabulary.
func equityCloseSide(side domain.OrderSide) string {
	if side == domain.OrderSideBuy {
		return "buy_to_cover"
	}
	return "sell"
}

func optionSide(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "sell_to_open"
	}
	return "buy_to_open"
}

func optionCloseSide(side domain.OrderSide) string {
	if side == domain.OrderSideBuy {
		return "buy_to_close"
	}
	return "sell_to_close"
}

// baseForm assembles the shared fields for a single-leg order. For
// options the class flips and the OCC symbol rides option_symbol next
// to the underlying.
func (a *Adapter) baseForm(symbol, side string, qty decimal.Decimal) (orderForm, error) {
	underlying := strings.ToUpper(strings.TrimSpace(symbol))
	form := orderForm{
		"class":    "equity",
		"symbol":   underlying,
		"side":     side,
		"quantity": qty.String(),
		"duration": "day",
	}
	if isOCCSymbol(underlying) {
		form["class"] = "option"
		form["symbol"] = occUnderlying(underlying)
		form["option_symbol"] = underlying
		return form, nil
	}
	occ, ok, err := a.optionIntent(underlying)
	if err != nil {
		return nil, err
	}
	if ok {
		form["class"] = "option"
		form["option_symbol"] = occ
	}
	return form, nil
}

func occUnderlying(occ string) string {
	return strings.TrimSpace(occ[:len(occ)-15])
}

// optionize rewrites an equity side into the option vocabulary when the
// form is an option order.
func optionize(form orderForm, entry bool, side domain.OrderSide) {
	if form["class"] != "option" {
		return
	}
	if entry {
		form["side"] = optionSide(side)
	} else {
		form["side"] = optionCloseSide(side)
	}
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	form, err := a.baseForm(symbol, equitySide(side), qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	form["type"] = "market"
	optionize(form, true, side)
	return a.submitOrder(ctx, form)
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	form, err := a.baseForm(symbol, equitySide(side), qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	form["type"] = "limit"
	form["price"] = price.Round(2).String()
	optionize(form, true, side)
	return a.submitOrder(ctx, form)
}

func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	form, err := a.baseForm(symbol, equityCloseSide(side), qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	form["type"] = "stop"
	form["stop"] = stopPrice.Round(2).String()
	optionize(form, false, side)
	return a.submitOrder(ctx, form)
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	form, err := a.baseForm(symbol, equityCloseSide(side), qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	form["type"] = "limit"
	form["price"] = limitPrice.Round(2).String()
	optionize(form, false, side)
	return a.submitOrder(ctx, form)
}

// PlaceBracketOrder submits an OTOCO: leg 0 is the entry, leg 1 the
// take-profit limit, leg 2 the stop. Legs ride the same form with
// indexed field names.
func (a *Adapter) PlaceBracketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, entryLimit, takeProfit, stopLoss decimal.Decimal) (domain.OrderAck, error) {
	if takeProfit.IsZero() || stopLoss.IsZero() {
		return domain.OrderAck{}, domain.E(domain.KindClient, "tradier: otoco needs both exits")
	}
	base, err := a.baseForm(symbol, equitySide(side), qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	isOption := base["class"] == "option"
	exitSide := domain.OrderSideSell
	if side == domain.OrderSideSell {
		exitSide = domain.OrderSideBuy
	}

	form := orderForm{"class": "otoco", "duration": "day"}
	leg := func(i int, side, typ, price, stop string) {
		suffix := "[" + strconv.Itoa(i) + "]"
		form["symbol"+suffix] = base["symbol"]
		if isOption {
			form["option_symbol"+suffix] = base["option_symbol"]
		}
		form["quantity"+suffix] = qty.String()
		form["type"+suffix] = typ
		form["side"+suffix] = side
		form["duration"+suffix] = "day"
		if price != "" {
			form["price"+suffix] = price
		}
		if stop != "" {
			form["stop"+suffix] = stop
		}
	}

	entrySide, closeSide := equitySide(side), equityCloseSide(exitSide)
	if isOption {
		entrySide, closeSide = optionSide(side), optionCloseSide(exitSide)
	}

	if entryLimit.IsZero() {
		leg(0, entrySide, "market", "", "")
	} else {
		leg(0, entrySide, "limit", entryLimit.Round(2).String(), "")
	}
	leg(1, closeSide, "limit", takeProfit.Round(2).String(), "")
	leg(2, closeSide, "stop", "", stopLoss.Round(2).String())
	return a.submitOrder(ctx, form)
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	form, err := a.baseForm(symbol, equityCloseSide(side), qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	form["type"] = "market"
	optionize(form, false, side)
	return a.submitOrder(ctx, form)
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	resp, err := a.http.R().SetContext(ctx).Delete(a.path("/orders/" + orderID))
	if err != nil {
		return venue.ClassifyTransport(domain.VenueTradier, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return a.classify(resp)
	}
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	var result struct {
		Order struct {
			ID           json.Number `json:"id"`
			Status       string      `json:"status"`
			AvgFillPrice json.Number `json:"avg_fill_price"`
			ExecQuantity json.Number `json:"exec_quantity"`
		} `json:"order"`
	}
	if err := a.get(ctx, a.path("/orders/"+orderID), nil, &result); err != nil {
		return domain.OrderAck{}, err
	}
	ack := domain.OrderAck{
		OrderID:      result.Order.ID.String(),
		FillPrice:    parseNum(result.Order.AvgFillPrice),
		FillQuantity: parseNum(result.Order.ExecQuantity),
	}
	switch result.Order.Status {
	case "filled":
		ack.Status = domain.OrderFilled
	case "partially_filled":
		ack.Status = domain.OrderPartiallyFilled
	case "canceled", "rejected", "expired":
		ack.Status = domain.OrderRejected
	default:
		ack.Status = domain.OrderWorking
	}
	return ack, nil
}

func parseNum(n json.Number) decimal.Decimal {
	s := n.String()
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var (
	_ venue.Adapter       = (*Adapter)(nil)
	_ venue.HintAware     = (*Adapter)(nil)
	_ venue.BracketPlacer = (*Adapter)(nil)
)
