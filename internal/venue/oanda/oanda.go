// Package oanda adapts the OANDA v20 REST API for FX spot. Quantities
// are signed integer units of the base currency; sells are negative
// units. Exits attach at entry through the v20 on-fill clauses, which
// also gives the venue a native bracket.
package oanda

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
	practiceURL = "https://api-fxpractice.oanda.com"
	liveURL     = "https://api-fxtrade.oanda.com"
)

// Config carries everything the factory resolves for one instance.
type Config struct {
	Token     string
	AccountID string
	Live      bool

	// BaseURL overrides host selection, used by tests.
	BaseURL string

	Pacer venue.Pacer
}

// Adapter implements venue.Adapter for OANDA v20 accounts.
type Adapter struct {
	http      *resty.Client
	accountID string
	pacer     venue.Pacer
	hints     map[string]any

	instruments map[string]instrument
}

type instrument struct {
	precision      int32
	pip            decimal.Decimal
	minUnits       decimal.Decimal
	unitsPrecision int32
}

func New(cfg Config) *Adapter {
	base := cfg.BaseURL
	if base == "" {
		base = practiceURL
		if cfg.Live {
			base = liveURL
		}
	}
	client := venue.NewHTTPClient(venue.ClientConfig{BaseURL: base}).
		SetHeader("Authorization", "Bearer "+cfg.Token).
		SetHeader("Accept-Datetime-Format", "RFC3339")

	return &Adapter{
		http:        client,
		accountID:   cfg.AccountID,
		pacer:       cfg.Pacer,
		instruments: make(map[string]instrument),
	}
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueOanda }

func (a *Adapter) SetHints(hints map[string]any) { a.hints = hints }

// quoteCurrencies covers the split of glued pair names like SPX500USD.
var quoteCurrencies = []string{"USD", "EUR", "JPY", "GBP", "CHF", "CAD", "AUD", "NZD", "HKD", "SGD"}

// normalizeInstrument maps signal symbols onto v20 instrument names:
// EURUSD and EUR/USD both become EUR_USD.
func normalizeInstrument(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "-", "_")
	if strings.Contains(s, "_") {
		return s
	}
	if len(s) == 6 {
		return s[:3] + "_" + s[3:]
	}
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "_" + q
		}
	}
	return s
}

func (a *Adapter) path(suffix string) string {
	return "/v3/accounts/" + a.accountID + suffix
}

type apiError struct {
	ErrorMessage string `json:"errorMessage"`
}

func (a *Adapter) classify(resp *resty.Response) error {
	// A v20 401 reads "Insufficient authorization to perform request",
	// which must not pattern-match as an order rejection.
	status := resp.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.E(domain.KindCredentialBad, "oanda: venue rejected credentials (%d)", status)
	}
	var e apiError
	if json.Unmarshal(resp.Body(), &e) == nil && e.ErrorMessage != "" &&
		status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
		return venue.ClassifyRejection(domain.VenueOanda, e.ErrorMessage)
	}
	return venue.ClassifyResponse(domain.VenueOanda, status, resp.String())
}

func (a *Adapter) get(ctx context.Context, path string, query map[string]string, out any) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	resp, err := a.http.R().SetContext(ctx).SetQueryParams(query).Get(path)
	if err != nil {
		return venue.ClassifyTransport(domain.VenueOanda, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return a.classify(resp)
	}
	return json.Unmarshal(resp.Body(), out)
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		Account struct {
			MarginAvailable string `json:"marginAvailable"`
		} `json:"account"`
	}
	if err := a.get(ctx, a.path("/summary"), nil, &result); err != nil {
		return decimal.Zero, err
	}
	return parseDec(result.Account.MarginAvailable), nil
}

type openPositions struct {
	Positions []struct {
		Instrument   string       `json:"instrument"`
		UnrealizedPL string       `json:"unrealizedPL"`
		Long         positionSide `json:"long"`
		Short        positionSide `json:"short"`
	} `json:"positions"`
}

type positionSide struct {
	Units        string `json:"units"`
	AveragePrice string `json:"averagePrice"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var result openPositions
	if err := a.get(ctx, a.path("/openPositions"), nil, &result); err != nil {
		return nil, err
	}

	out := make([]domain.VenuePosition, 0, len(result.Positions))
	names := make([]string, 0, len(result.Positions))
	for _, p := range result.Positions {
		// v20 reports long and short sides separately; a netted
		// account only ever has one of them populated.
		units := parseDec(p.Long.Units).Add(parseDec(p.Short.Units))
		if units.IsZero() {
			continue
		}
		entry := parseDec(p.Long.AveragePrice)
		if units.IsNegative() {
			entry = parseDec(p.Short.AveragePrice)
		}
		out = append(out, domain.VenuePosition{
			Symbol:        p.Instrument,
			Quantity:      units,
			EntryPrice:    entry,
			UnrealizedPnL: parseDec(p.UnrealizedPL),
		})
		names = append(names, p.Instrument)
	}

	// Marks come from a single pricing call. Best effort only: a
	// pricing outage must not hide the positions themselves.
	if len(names) > 0 {
		if marks, err := a.midPrices(ctx, names); err == nil {
			for i := range out {
				out[i].MarkPrice = marks[out[i].Symbol]
			}
		}
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	name := normalizeInstrument(symbol)
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == name {
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

type pricingResponse struct {
	Prices []struct {
		Instrument string `json:"instrument"`
		Bids       []struct {
			Price string `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
		} `json:"asks"`
	} `json:"prices"`
}

func (a *Adapter) midPrices(ctx context.Context, names []string) (map[string]decimal.Decimal, error) {
	var result pricingResponse
	err := a.get(ctx, a.path("/pricing"), map[string]string{"instruments": strings.Join(names, ",")}, &result)
	if err != nil {
		return nil, err
	}
	two := decimal.NewFromInt(2)
	marks := make(map[string]decimal.Decimal, len(result.Prices))
	for _, p := range result.Prices {
		if len(p.Bids) == 0 || len(p.Asks) == 0 {
			continue
		}
		bid := parseDec(p.Bids[0].Price)
		ask := parseDec(p.Asks[0].Price)
		marks[p.Instrument] = bid.Add(ask).Div(two)
	}
	return marks, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	name := normalizeInstrument(symbol)
	var result pricingResponse
	err := a.get(ctx, a.path("/pricing"), map[string]string{"instruments": name}, &result)
	if err != nil {
		return domain.Ticker{}, err
	}
	if len(result.Prices) == 0 || len(result.Prices[0].Bids) == 0 || len(result.Prices[0].Asks) == 0 {
		return domain.Ticker{}, domain.E(domain.KindUnknownSymbol, "oanda: no pricing for %s", name)
	}
	bid := parseDec(result.Prices[0].Bids[0].Price)
	ask := parseDec(result.Prices[0].Asks[0].Price)
	return domain.Ticker{
		Symbol: name,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Bid:    bid,
		Ask:    ask,
	}, nil
}

func (a *Adapter) instrument(ctx context.Context, name string) (instrument, error) {
	if inst, ok := a.instruments[name]; ok {
		return inst, nil
	}
	var result struct {
		Instruments []struct {
			Name                string `json:"name"`
			DisplayPrecision    int32  `json:"displayPrecision"`
			PipLocation         int32  `json:"pipLocation"`
			MinimumTradeSize    string `json:"minimumTradeSize"`
			TradeUnitsPrecision int32  `json:"tradeUnitsPrecision"`
		} `json:"instruments"`
	}
	err := a.get(ctx, a.path("/instruments"), map[string]string{"instruments": name}, &result)
	if err != nil {
		return instrument{}, err
	}
	if len(result.Instruments) == 0 {
		return instrument{}, domain.E(domain.KindUnknownSymbol, "oanda: instrument %s not found", name)
	}
	spec := result.Instruments[0]
	inst := instrument{
		precision:      spec.DisplayPrecision,
		pip:            decimal.New(1, spec.PipLocation),
		minUnits:       parseDec(spec.MinimumTradeSize),
		unitsPrecision: spec.TradeUnitsPrecision,
	}
	a.instruments[name] = inst
	return inst, nil
}

func (a *Adapter) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	name := normalizeInstrument(symbol)
	inst, err := a.instrument(ctx, name)
	if err != nil {
		return decimal.Zero, err
	}
	step := decimal.New(1, -inst.unitsPrecision)

	// USD-base instruments price units directly in dollars. Everything
	// else converts through the instrument's own quote, which treats
	// non-USD quotes as dollar-equivalent; crosses are approximate.
	if strings.HasPrefix(name, "USD_") {
		return venue.QuantityFromNotional(domain.VenueOanda, name, notionalUSD, decimal.NewFromInt(1), step, inst.minUnits)
	}
	ticker, err := a.GetTicker(ctx, name)
	if err != nil {
		return decimal.Zero, err
	}
	return venue.QuantityFromNotional(domain.VenueOanda, name, notionalUSD, ticker.Last, step, inst.minUnits)
}

type onFill struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce"`
}

type trailingOnFill struct {
	Distance    string `json:"distance"`
	TimeInForce string `json:"timeInForce"`
}

type orderSpec struct {
	Type             string          `json:"type"`
	Instrument       string          `json:"instrument"`
	Units            string          `json:"units"`
	Price            string          `json:"price,omitempty"`
	TimeInForce      string          `json:"timeInForce"`
	PositionFill     string          `json:"positionFill,omitempty"`
	StopLossOnFill   *onFill         `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *onFill         `json:"takeProfitOnFill,omitempty"`
	TrailingStopLoss *trailingOnFill `json:"trailingStopLossOnFill,omitempty"`
}

type transactionRef struct {
	ID    string `json:"id"`
	Price string `json:"price"`
	Units string `json:"units"`
}

type orderResult struct {
	OrderCreateTransaction *transactionRef `json:"orderCreateTransaction"`
	OrderFillTransaction   *transactionRef `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
}

func (a *Adapter) placeOrder(ctx context.Context, spec orderSpec) (domain.OrderAck, error) {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return domain.OrderAck{}, err
	}
	var result orderResult
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]orderSpec{"order": spec}).
		SetResult(&result).
		Post(a.path("/orders"))
	if err != nil {
		return domain.OrderAck{}, venue.ClassifyTransport(domain.VenueOanda, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return domain.OrderAck{}, a.classify(resp)
	}
	if result.OrderCancelTransaction != nil {
		return domain.OrderAck{}, venue.ClassifyRejection(domain.VenueOanda,
			strings.ReplaceAll(strings.ToLower(result.OrderCancelTransaction.Reason), "_", " "))
	}

	ack := domain.OrderAck{Status: domain.OrderWorking}
	if result.OrderCreateTransaction != nil {
		ack.OrderID = result.OrderCreateTransaction.ID
	}
	if result.OrderFillTransaction != nil {
		ack.Status = domain.OrderFilled
		ack.FillPrice = parseDec(result.OrderFillTransaction.Price)
		ack.FillQuantity = parseDec(result.OrderFillTransaction.Units).Abs()
		if ack.OrderID == "" {
			ack.OrderID = result.OrderFillTransaction.ID
		}
	}
	return ack, nil
}

// signedUnits renders qty with the v20 sign convention: sells are
// negative.
func signedUnits(side domain.OrderSide, qty decimal.Decimal) string {
	if side == domain.OrderSideSell {
		return qty.Neg().String()
	}
	return qty.String()
}

// trailingClause builds the on-fill trailing stop when the signal asked
// for one; distance is pips scaled by the instrument's pip location.
func (a *Adapter) trailingClause(inst instrument) *trailingOnFill {
	if !venue.HintBool(a.hints, "use_trailing_stop") {
		return nil
	}
	pips := venue.HintDecimal(a.hints, "trailing_stop_pips")
	if !pips.IsPositive() {
		return nil
	}
	return &trailingOnFill{
		Distance:    pips.Mul(inst.pip).Round(inst.precision).String(),
		TimeInForce: "GTC",
	}
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	name := normalizeInstrument(symbol)
	inst, err := a.instrument(ctx, name)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, orderSpec{
		Type:             "MARKET",
		Instrument:       name,
		Units:            signedUnits(side, qty),
		TimeInForce:      "FOK",
		PositionFill:     "DEFAULT",
		TrailingStopLoss: a.trailingClause(inst),
	})
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	name := normalizeInstrument(symbol)
	inst, err := a.instrument(ctx, name)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, orderSpec{
		Type:             "LIMIT",
		Instrument:       name,
		Units:            signedUnits(side, qty),
		Price:            price.Round(inst.precision).String(),
		TimeInForce:      "GTC",
		PositionFill:     "DEFAULT",
		TrailingStopLoss: a.trailingClause(inst),
	})
}

func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	name := normalizeInstrument(symbol)
	inst, err := a.instrument(ctx, name)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, orderSpec{
		Type:         "STOP",
		Instrument:   name,
		Units:        signedUnits(side, qty),
		Price:        stopPrice.Round(inst.precision).String(),
		TimeInForce:  "GTC",
		PositionFill: "REDUCE_ONLY",
	})
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	name := normalizeInstrument(symbol)
	inst, err := a.instrument(ctx, name)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, orderSpec{
		Type:         "LIMIT",
		Instrument:   name,
		Units:        signedUnits(side, qty),
		Price:        limitPrice.Round(inst.precision).String(),
		TimeInForce:  "GTC",
		PositionFill: "REDUCE_ONLY",
	})
}

// PlaceBracketOrder arms both exits atomically with the entry through
// the v20 on-fill clauses. A zero entryLimit means a market entry.
func (a *Adapter) PlaceBracketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, entryLimit, takeProfit, stopLoss decimal.Decimal) (domain.OrderAck, error) {
	name := normalizeInstrument(symbol)
	inst, err := a.instrument(ctx, name)
	if err != nil {
		return domain.OrderAck{}, err
	}
	spec := orderSpec{
		Type:             "MARKET",
		Instrument:       name,
		Units:            signedUnits(side, qty),
		TimeInForce:      "FOK",
		PositionFill:     "DEFAULT",
		TrailingStopLoss: a.trailingClause(inst),
	}
	if !entryLimit.IsZero() {
		spec.Type = "LIMIT"
		spec.Price = entryLimit.Round(inst.precision).String()
		spec.TimeInForce = "GTC"
	}
	if !takeProfit.IsZero() {
		spec.TakeProfitOnFill = &onFill{Price: takeProfit.Round(inst.precision).String(), TimeInForce: "GTC"}
	}
	if !stopLoss.IsZero() {
		spec.StopLossOnFill = &onFill{Price: stopLoss.Round(inst.precision).String(), TimeInForce: "GTC"}
	}
	return a.placeOrder(ctx, spec)
}

// ClosePosition uses the v20 position close endpoint, which is
// reduce-only by construction.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return domain.OrderAck{}, err
	}
	name := normalizeInstrument(symbol)

	body := map[string]string{"longUnits": qty.String()}
	if side == domain.OrderSideBuy {
		body = map[string]string{"shortUnits": qty.String()}
	}
	var result struct {
		LongOrderFillTransaction  *transactionRef `json:"longOrderFillTransaction"`
		ShortOrderFillTransaction *transactionRef `json:"shortOrderFillTransaction"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Put(a.path("/positions/" + name + "/close"))
	if err != nil {
		return domain.OrderAck{}, venue.ClassifyTransport(domain.VenueOanda, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.OrderAck{}, a.classify(resp)
	}

	fill := result.LongOrderFillTransaction
	if fill == nil {
		fill = result.ShortOrderFillTransaction
	}
	if fill == nil {
		return domain.OrderAck{Status: domain.OrderWorking}, nil
	}
	return domain.OrderAck{
		OrderID:      fill.ID,
		Status:       domain.OrderFilled,
		FillPrice:    parseDec(fill.Price),
		FillQuantity: parseDec(fill.Units).Abs(),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	resp, err := a.http.R().SetContext(ctx).Put(a.path("/orders/" + orderID + "/cancel"))
	if err != nil {
		return venue.ClassifyTransport(domain.VenueOanda, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return a.classify(resp)
	}
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	var result struct {
		Order struct {
			ID    string `json:"id"`
			State string `json:"state"`
			Price string `json:"price"`
			Units string `json:"units"`
		} `json:"order"`
	}
	if err := a.get(ctx, a.path("/orders/"+orderID), nil, &result); err != nil {
		return domain.OrderAck{}, err
	}

	ack := domain.OrderAck{OrderID: result.Order.ID}
	switch result.Order.State {
	case "FILLED":
		ack.Status = domain.OrderFilled
		ack.FillPrice = parseDec(result.Order.Price)
		ack.FillQuantity = parseDec(result.Order.Units).Abs()
	case "CANCELLED":
		ack.Status = domain.OrderRejected
	default:
		// PENDING and TRIGGERED both stay working.
		ack.Status = domain.OrderWorking
	}
	return ack, nil
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

var (
	_ venue.Adapter       = (*Adapter)(nil)
	_ venue.HintAware     = (*Adapter)(nil)
	_ venue.BracketPlacer = (*Adapter)(nil)
)
