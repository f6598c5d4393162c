// Package kalshi adapts the Kalshi Trade API v2 for binary event
// contracts. Quantities are whole contracts, prices are cents in
// [1, 99]. A sell intent holds the NO side rather than shorting YES.
// The venue has no stop orders; stop-loss placement reports that
// plainly instead of emulating one.
package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/venue"
)

const (
	productionURL = "https://api.elections.kalshi.com"
	demoURL       = "https://demo-api.kalshi.co"

	apiPrefix = "/trade-api/v2"
)

// Config carries everything the factory resolves for one instance.
type Config struct {
	APIKeyID      string
	PrivateKeyPEM string
	Demo          bool

	// PrivateKey overrides PEM parsing, used by tests.
	PrivateKey *rsa.PrivateKey

	// BaseURL overrides host selection, used by tests.
	BaseURL string

	Pacer venue.Pacer
}

// Adapter implements venue.Adapter for Kalshi accounts.
type Adapter struct {
	http  *resty.Client
	keyID string
	key   *rsa.PrivateKey
	pacer venue.Pacer
}

func New(cfg Config) (*Adapter, error) {
	key := cfg.PrivateKey
	if key == nil {
		var err error
		key, err = parsePrivateKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
	}
	base := cfg.BaseURL
	if base == "" {
		base = productionURL
		if cfg.Demo {
			base = demoURL
		}
	}
	return &Adapter{
		http:  venue.NewHTTPClient(venue.ClientConfig{BaseURL: base}),
		keyID: cfg.APIKeyID,
		key:   key,
		pacer: cfg.Pacer,
	}, nil
}

func parsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, domain.E(domain.KindCredentialBad, "kalshi: private key is not PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, domain.E(domain.KindCredentialBad, "kalshi: private key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, domain.Wrap(domain.KindCredentialBad, err, "kalshi: parse private key")
	}
	return key, nil
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueKalshi }

// sign produces the request signature: RSA-PSS over
// timestamp+METHOD+path, salt length equal to the digest.
func (a *Adapter) sign(timestamp, method, path string) (string, error) {
	digest := sha256.Sum256([]byte(timestamp + method + path))
	sig, err := rsa.SignPSS(rand.Reader, a.key, crypto.SHA256, digest[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return "", domain.Wrap(domain.KindClient, err, "kalshi: sign request")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// do runs one signed request. The query string is excluded from the
// signed path by venue rule.
func (a *Adapter) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := a.sign(timestamp, method, path)
	if err != nil {
		return err
	}
	req := a.http.R().
		SetContext(ctx).
		SetHeader("KALSHI-ACCESS-KEY", a.keyID).
		SetHeader("KALSHI-ACCESS-TIMESTAMP", timestamp).
		SetHeader("KALSHI-ACCESS-SIGNATURE", sig).
		SetQueryParams(query)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return venue.ClassifyTransport(domain.VenueKalshi, err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return a.classify(resp)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Body(), out)
}

func (a *Adapter) classify(resp *resty.Response) error {
	status := resp.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.E(domain.KindCredentialBad, "kalshi: venue rejected credentials (%d)", status)
	}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(resp.Body(), &env) == nil && env.Error.Code != "" &&
		status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
		msg := strings.ReplaceAll(env.Error.Code, "_", " ")
		if env.Error.Message != "" {
			msg += ": " + env.Error.Message
		}
		return venue.ClassifyRejection(domain.VenueKalshi, msg)
	}
	return venue.ClassifyResponse(domain.VenueKalshi, status, resp.String())
}

func normalizeTicker(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

var cents = decimal.NewFromInt(100)

// GetAvailableMargin reports the cash balance; the venue accounts in
// cents.
func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	if err := a.do(ctx, http.MethodGet, apiPrefix+"/portfolio/balance", nil, nil, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(result.Balance).Div(cents), nil
}

type marketPosition struct {
	Ticker         string `json:"ticker"`
	Position       int64  `json:"position"`
	MarketExposure int64  `json:"market_exposure"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var result struct {
		MarketPositions []marketPosition `json:"market_positions"`
	}
	if err := a.do(ctx, http.MethodGet, apiPrefix+"/portfolio/positions", nil, nil, &result); err != nil {
		return nil, err
	}

	out := make([]domain.VenuePosition, 0, len(result.MarketPositions))
	tickers := make([]string, 0, len(result.MarketPositions))
	for _, p := range result.MarketPositions {
		if p.Position == 0 {
			continue
		}
		qty := decimal.NewFromInt(p.Position)
		// Exposure is the dollars at risk on the held side, so the
		// entry price is exposure spread over the contracts.
		entry := decimal.NewFromInt(p.MarketExposure).Div(cents).Div(qty.Abs())
		out = append(out, domain.VenuePosition{
			Symbol:     p.Ticker,
			Quantity:   qty,
			EntryPrice: entry,
		})
		tickers = append(tickers, p.Ticker)
	}

	// Marks are best effort; NO holders mark against the complement.
	if len(tickers) > 0 {
		if marks, err := a.yesMids(ctx, tickers); err == nil {
			one := decimal.NewFromInt(1)
			for i := range out {
				mid, ok := marks[out[i].Symbol]
				if !ok {
					continue
				}
				mark := mid
				if out[i].Quantity.IsNegative() {
					mark = one.Sub(mid)
				}
				out[i].MarkPrice = mark
				out[i].UnrealizedPnL = mark.Sub(out[i].EntryPrice).Mul(out[i].Quantity.Abs())
			}
		}
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	ticker := normalizeTicker(symbol)
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == ticker {
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

type marketRow struct {
	Ticker    string `json:"ticker"`
	LastPrice int64  `json:"last_price"`
	YesBid    int64  `json:"yes_bid"`
	YesAsk    int64  `json:"yes_ask"`
	Volume    int64  `json:"volume"`
}

func (a *Adapter) yesMids(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	var result struct {
		Markets []marketRow `json:"markets"`
	}
	err := a.do(ctx, http.MethodGet, apiPrefix+"/markets", map[string]string{"tickers": strings.Join(tickers, ",")}, nil, &result)
	if err != nil {
		return nil, err
	}
	two := decimal.NewFromInt(2)
	out := make(map[string]decimal.Decimal, len(result.Markets))
	for _, m := range result.Markets {
		mid := decimal.NewFromInt(m.YesBid + m.YesAsk).Div(two).Div(cents)
		if m.YesBid == 0 && m.YesAsk == 0 {
			mid = decimal.NewFromInt(m.LastPrice).Div(cents)
		}
		out[m.Ticker] = mid
	}
	return out, nil
}

// GetTicker quotes the YES side in dollars.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	ticker := normalizeTicker(symbol)
	var result struct {
		Market marketRow `json:"market"`
	}
	if err := a.do(ctx, http.MethodGet, apiPrefix+"/markets/"+ticker, nil, nil, &result); err != nil {
		return domain.Ticker{}, err
	}
	m := result.Market
	last := decimal.NewFromInt(m.LastPrice).Div(cents)
	if m.LastPrice == 0 && m.YesBid+m.YesAsk > 0 {
		last = decimal.NewFromInt(m.YesBid + m.YesAsk).Div(decimal.NewFromInt(2)).Div(cents)
	}
	return domain.Ticker{
		Symbol: ticker,
		Last:   last,
		Bid:    decimal.NewFromInt(m.YesBid).Div(cents),
		Ask:    decimal.NewFromInt(m.YesAsk).Div(cents),
		Volume: decimal.NewFromInt(m.Volume),
	}, nil
}

// QuantityForNotional prices contracts at the cost of the side being
// bought: the YES ask for buys is the default; NO costs the complement
// of the YES bid. The side is not known here, so the YES ask is used
// as the conservative estimate.
func (a *Adapter) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	ticker, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	price := ticker.Ask
	if !price.IsPositive() {
		price = ticker.Last
	}
	one := decimal.NewFromInt(1)
	return venue.QuantityFromNotional(domain.VenueKalshi, normalizeTicker(symbol), notionalUSD, price, one, one)
}

// clampCents keeps a limit price on the venue's [1, 99] cent grid.
func clampCents(price decimal.Decimal) int64 {
	c := price.Mul(cents).Round(0).IntPart()
	if c < 1 {
		c = 1
	}
	if c > 99 {
		c = 99
	}
	return c
}

// contractSide maps the canonical side onto the venue's YES/NO model:
// a buy holds YES, a sell holds NO.
func contractSide(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "no"
	}
	return "yes"
}

type orderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	Count         int64  `json:"count"`
	Type          string `json:"type"`
	YesPrice      int64  `json:"yes_price,omitempty"`
	NoPrice       int64  `json:"no_price,omitempty"`
}

type orderRow struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	TakerFillCount int64  `json:"taker_fill_count"`
	TakerFillCost  int64  `json:"taker_fill_cost"`
}

func ackFromOrder(o orderRow) domain.OrderAck {
	ack := domain.OrderAck{OrderID: o.OrderID}
	switch o.Status {
	case "executed":
		ack.Status = domain.OrderFilled
	case "canceled":
		ack.Status = domain.OrderRejected
	default:
		// resting and pending both stay working.
		ack.Status = domain.OrderWorking
		if o.TakerFillCount > 0 {
			ack.Status = domain.OrderPartiallyFilled
		}
	}
	if o.TakerFillCount > 0 {
		ack.FillQuantity = decimal.NewFromInt(o.TakerFillCount)
		ack.FillPrice = decimal.NewFromInt(o.TakerFillCost).Div(cents).Div(ack.FillQuantity)
	}
	return ack
}

func (a *Adapter) submitOrder(ctx context.Context, req orderRequest) (domain.OrderAck, error) {
	var result struct {
		Order orderRow `json:"order"`
	}
	if err := a.do(ctx, http.MethodPost, apiPrefix+"/portfolio/orders", nil, req, &result); err != nil {
		return domain.OrderAck{}, err
	}
	return ackFromOrder(result.Order), nil
}

func wholeContracts(qty decimal.Decimal) (int64, error) {
	count := qty.Floor().IntPart()
	if count < 1 {
		return 0, domain.E(domain.KindTooSmall, "kalshi: order of %s contracts rounds to none", qty)
	}
	return count, nil
}

func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	count, err := wholeContracts(qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.submitOrder(ctx, orderRequest{
		Ticker:        normalizeTicker(symbol),
		ClientOrderID: uuid.NewString(),
		Side:          contractSide(side),
		Action:        "buy",
		Count:         count,
		Type:          "market",
	})
}

// PlaceLimitOrder prices the held side: YES orders carry yes_price, NO
// orders no_price, both in clamped cents.
func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	count, err := wholeContracts(qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	req := orderRequest{
		Ticker:        normalizeTicker(symbol),
		ClientOrderID: uuid.NewString(),
		Side:          contractSide(side),
		Action:        "buy",
		Count:         count,
		Type:          "limit",
	}
	if req.Side == "yes" {
		req.YesPrice = clampCents(price)
	} else {
		// The signal prices the YES side; a NO buy pays the
		// complement.
		req.NoPrice = clampCents(decimal.NewFromInt(1).Sub(price))
	}
	return a.submitOrder(ctx, req)
}

// PlaceStopLoss fails plainly: the venue has no trigger orders, and a
// resting sell below the market would execute immediately.
func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	return domain.OrderAck{}, domain.E(domain.KindClient, "kalshi: stop orders are not supported")
}

// PlaceTakeProfit rests a sell of the held side at the target price.
// The exit side is the opposite of the held side: selling YES exits a
// YES position.
func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	count, err := wholeContracts(qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	req := orderRequest{
		Ticker:        normalizeTicker(symbol),
		ClientOrderID: uuid.NewString(),
		Action:        "sell",
		Count:         count,
		Type:          "limit",
	}
	if side == domain.OrderSideSell {
		// Exiting a YES position.
		req.Side = "yes"
		req.YesPrice = clampCents(limitPrice)
	} else {
		req.Side = "no"
		req.NoPrice = clampCents(decimal.NewFromInt(1).Sub(limitPrice))
	}
	return a.submitOrder(ctx, req)
}

// ClosePosition sells the held side at market; selling what is held
// can never open the opposite side.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	count, err := wholeContracts(qty)
	if err != nil {
		return domain.OrderAck{}, err
	}
	heldSide := "yes"
	if side == domain.OrderSideBuy {
		heldSide = "no"
	}
	return a.submitOrder(ctx, orderRequest{
		Ticker:        normalizeTicker(symbol),
		ClientOrderID: uuid.NewString(),
		Side:          heldSide,
		Action:        "sell",
		Count:         count,
		Type:          "market",
	})
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.do(ctx, http.MethodDelete, apiPrefix+"/portfolio/orders/"+orderID, nil, nil, nil)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	var result struct {
		Order orderRow `json:"order"`
	}
	if err := a.do(ctx, http.MethodGet, apiPrefix+"/portfolio/orders/"+orderID, nil, nil, &result); err != nil {
		return domain.OrderAck{}, err
	}
	return ackFromOrder(result.Order), nil
}

var _ venue.Adapter = (*Adapter)(nil)
