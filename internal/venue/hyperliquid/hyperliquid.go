// Package hyperliquid adapts the Hyperliquid perps DEX. All reads go
// through POST /info; order flow goes through POST /exchange with
// wallet-signed actions. The venue has no native market order, so
// market intents become aggressive IOC limits priced off the mid.
package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/venue"
)

const (
	mainnetURL = "https://api.hyperliquid.xyz"
	testnetURL = "https://api.hyperliquid-testnet.xyz"

	// Price cap for emulated market orders: 5% through the mid.
	marketSlippagePct = 5

	// The venue rejects orders worth less than this.
	minOrderValueUSD = 10
)

// Config carries everything the factory resolves for one instance.
// AccountAddress is the master account when trading through an API
// wallet; empty means the signing key's own address.
type Config struct {
	PrivateKeyHex  string
	AccountAddress string
	Testnet        bool

	// BaseURL overrides host selection, used by tests.
	BaseURL string

	Pacer venue.Pacer
}

// Adapter implements venue.Adapter for Hyperliquid perps.
type Adapter struct {
	http    *resty.Client
	signer  *signer
	account string
	pacer   venue.Pacer

	nonceMu   sync.Mutex
	lastNonce int64

	metaOnce sync.Once
	metaErr  error
	assets   map[string]asset
}

type asset struct {
	index      int
	name       string
	szDecimals int
}

func New(cfg Config) (*Adapter, error) {
	s, err := newSigner(cfg.PrivateKeyHex, cfg.Testnet)
	if err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = mainnetURL
		if cfg.Testnet {
			base = testnetURL
		}
	}
	account := cfg.AccountAddress
	if account == "" {
		account = s.address.Hex()
	}
	return &Adapter{
		http:    venue.NewHTTPClient(venue.ClientConfig{BaseURL: base}),
		signer:  s,
		account: account,
		pacer:   cfg.Pacer,
	}, nil
}

func (a *Adapter) Venue() domain.Venue { return domain.VenueHyperliquid }

// coinFromSymbol strips quote suffixes so chart spellings like BTCUSDT
// or BTC/USD resolve to the venue's bare coin name. Case is restored
// from the universe (kPEPE and friends are mixed case).
func coinFromSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.TrimSuffix(s, ".P")
	for _, suffix := range []string{"USDT", "USDC", "PERP", "USD"} {
		if trimmed := strings.TrimSuffix(s, suffix); trimmed != s && trimmed != "" {
			return trimmed
		}
	}
	return s
}

func (a *Adapter) info(ctx context.Context, req any, out any) error {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return err
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/info")
	if err != nil {
		return venue.ClassifyTransport(domain.VenueHyperliquid, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.ClassifyResponse(domain.VenueHyperliquid, resp.StatusCode(), resp.String())
	}
	return json.Unmarshal(resp.Body(), out)
}

func (a *Adapter) nextNonce() int64 {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= a.lastNonce {
		n = a.lastNonce + 1
	}
	a.lastNonce = n
	return n
}

// exchange signs and submits one action.
func (a *Adapter) exchange(ctx context.Context, action any) (*exchangeResult, error) {
	if err := venue.Pace(ctx, a.pacer); err != nil {
		return nil, err
	}
	nonce := a.nextNonce()
	sig, err := a.signer.signAction(action, nonce)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"action":    action,
			"nonce":     nonce,
			"signature": sig,
		}).
		Post("/exchange")
	if err != nil {
		return nil, venue.ClassifyTransport(domain.VenueHyperliquid, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venue.ClassifyResponse(domain.VenueHyperliquid, resp.StatusCode(), resp.String())
	}

	var env struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, domain.Wrap(domain.KindClient, err, "hyperliquid: decode exchange response")
	}
	if env.Status != "ok" {
		// On err the response field is a bare message string.
		var msg string
		if json.Unmarshal(env.Response, &msg) != nil {
			msg = string(env.Response)
		}
		return nil, venue.ClassifyRejection(domain.VenueHyperliquid, msg)
	}

	var result exchangeResult
	if err := json.Unmarshal(env.Response, &result); err != nil {
		return nil, domain.Wrap(domain.KindClient, err, "hyperliquid: decode exchange result")
	}
	return &result, nil
}

type exchangeResult struct {
	Type string `json:"type"`
	Data struct {
		Statuses []struct {
			Resting *struct {
				Oid int64 `json:"oid"`
			} `json:"resting"`
			Filled *struct {
				TotalSz string `json:"totalSz"`
				AvgPx   string `json:"avgPx"`
				Oid     int64  `json:"oid"`
			} `json:"filled"`
			Error string `json:"error"`
		} `json:"statuses"`
	} `json:"data"`
}

func (r *exchangeResult) firstAck() (domain.OrderAck, error) {
	if len(r.Data.Statuses) == 0 {
		return domain.OrderAck{}, domain.E(domain.KindClient, "hyperliquid: exchange response carries no order status")
	}
	st := r.Data.Statuses[0]
	switch {
	case st.Error != "":
		return domain.OrderAck{}, venue.ClassifyRejection(domain.VenueHyperliquid, st.Error)
	case st.Filled != nil:
		return domain.OrderAck{
			OrderID:      strconv.FormatInt(st.Filled.Oid, 10),
			FillPrice:    parseDec(st.Filled.AvgPx),
			FillQuantity: parseDec(st.Filled.TotalSz),
			Status:       domain.OrderFilled,
		}, nil
	case st.Resting != nil:
		return domain.OrderAck{
			OrderID: strconv.FormatInt(st.Resting.Oid, 10),
			Status:  domain.OrderWorking,
		}, nil
	default:
		return domain.OrderAck{}, domain.E(domain.KindClient, "hyperliquid: unrecognized order status shape")
	}
}

// loadMeta fetches the perps universe once per adapter instance.
func (a *Adapter) loadMeta(ctx context.Context) error {
	a.metaOnce.Do(func() {
		var meta struct {
			Universe []struct {
				Name       string `json:"name"`
				SzDecimals int    `json:"szDecimals"`
			} `json:"universe"`
		}
		if err := a.info(ctx, map[string]string{"type": "meta"}, &meta); err != nil {
			a.metaErr = err
			return
		}
		a.assets = make(map[string]asset, len(meta.Universe))
		for i, u := range meta.Universe {
			a.assets[strings.ToUpper(u.Name)] = asset{index: i, name: u.Name, szDecimals: u.SzDecimals}
		}
	})
	return a.metaErr
}

func (a *Adapter) asset(ctx context.Context, symbol string) (asset, error) {
	if err := a.loadMeta(ctx); err != nil {
		return asset{}, err
	}
	coin := coinFromSymbol(symbol)
	if info, ok := a.assets[strings.ToUpper(coin)]; ok {
		return info, nil
	}
	return asset{}, domain.E(domain.KindUnknownSymbol, "hyperliquid: unknown coin %s", coin)
}

func (a *Adapter) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	var state clearinghouseState
	if err := a.info(ctx, map[string]string{"type": "clearinghouseState", "user": a.account}, &state); err != nil {
		return decimal.Zero, err
	}
	return parseDec(state.Withdrawable), nil
}

type clearinghouseState struct {
	Withdrawable   string `json:"withdrawable"`
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			PositionValue string `json:"positionValue"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	var state clearinghouseState
	if err := a.info(ctx, map[string]string{"type": "clearinghouseState", "user": a.account}, &state); err != nil {
		return nil, err
	}

	out := make([]domain.VenuePosition, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		szi := parseDec(ap.Position.Szi)
		if szi.IsZero() {
			continue
		}
		// positionValue = |szi| x markPx, so the mark falls out.
		mark := decimal.Zero
		if value := parseDec(ap.Position.PositionValue); value.IsPositive() {
			mark = value.Div(szi.Abs())
		}
		out = append(out, domain.VenuePosition{
			Symbol:        ap.Position.Coin,
			Quantity:      szi,
			EntryPrice:    parseDec(ap.Position.EntryPx),
			MarkPrice:     mark,
			UnrealizedPnL: parseDec(ap.Position.UnrealizedPnl),
		})
	}
	return out, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.VenuePosition, error) {
	coin := coinFromSymbol(symbol)
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if strings.EqualFold(positions[i].Symbol, coin) {
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

// GetTicker reads the asset context row: mid as last, impact prices as
// bid/ask, day notional volume as volume.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	info, err := a.asset(ctx, symbol)
	if err != nil {
		return domain.Ticker{}, err
	}

	var raw []json.RawMessage
	if err := a.info(ctx, map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return domain.Ticker{}, err
	}
	if len(raw) < 2 {
		return domain.Ticker{}, domain.E(domain.KindClient, "hyperliquid: malformed asset contexts")
	}
	var ctxs []struct {
		MidPx     string   `json:"midPx"`
		MarkPx    string   `json:"markPx"`
		ImpactPxs []string `json:"impactPxs"`
		DayNtlVlm string   `json:"dayNtlVlm"`
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return domain.Ticker{}, domain.Wrap(domain.KindClient, err, "hyperliquid: decode asset contexts")
	}
	if info.index >= len(ctxs) {
		return domain.Ticker{}, domain.E(domain.KindClient, "hyperliquid: no context for %s", info.name)
	}

	row := ctxs[info.index]
	t := domain.Ticker{
		Symbol: info.name,
		Last:   parseDec(row.MidPx),
		Volume: parseDec(row.DayNtlVlm),
	}
	if t.Last.IsZero() {
		t.Last = parseDec(row.MarkPx)
	}
	if len(row.ImpactPxs) == 2 {
		t.Bid = parseDec(row.ImpactPxs[0])
		t.Ask = parseDec(row.ImpactPxs[1])
	}
	return t, nil
}

func (a *Adapter) QuantityForNotional(ctx context.Context, symbol string, notionalUSD decimal.Decimal) (decimal.Decimal, error) {
	if notionalUSD.LessThan(decimal.NewFromInt(minOrderValueUSD)) {
		return decimal.Zero, domain.E(domain.KindTooSmall,
			"hyperliquid: order value %s USD is under the venue minimum of $%d", notionalUSD, minOrderValueUSD)
	}
	info, err := a.asset(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	ticker, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	step := decimal.New(1, int32(-info.szDecimals))
	return venue.QuantityFromNotional(domain.VenueHyperliquid, info.name, notionalUSD, ticker.Last, step, step)
}

// roundPx applies the venue's price grid: five significant figures,
// capped at 6-szDecimals decimal places.
func roundPx(px decimal.Decimal, szDecimals int) decimal.Decimal {
	f, _ := px.Float64()
	sig, err := decimal.NewFromString(strconv.FormatFloat(f, 'g', 5, 64))
	if err != nil {
		sig = px
	}
	places := 6 - szDecimals
	if places < 0 {
		places = 0
	}
	return sig.Round(int32(places))
}

type orderAction struct {
	Type     string      `msgpack:"type" json:"type"`
	Orders   []wireOrder `msgpack:"orders" json:"orders"`
	Grouping string      `msgpack:"grouping" json:"grouping"`
}

type wireOrder struct {
	Asset      int           `msgpack:"a" json:"a"`
	IsBuy      bool          `msgpack:"b" json:"b"`
	LimitPx    string        `msgpack:"p" json:"p"`
	Size       string        `msgpack:"s" json:"s"`
	ReduceOnly bool          `msgpack:"r" json:"r"`
	OrderType  wireOrderType `msgpack:"t" json:"t"`
}

type wireOrderType struct {
	Limit   *limitOrderType   `msgpack:"limit,omitempty" json:"limit,omitempty"`
	Trigger *triggerOrderType `msgpack:"trigger,omitempty" json:"trigger,omitempty"`
}

type limitOrderType struct {
	Tif string `msgpack:"tif" json:"tif"`
}

type triggerOrderType struct {
	IsMarket  bool   `msgpack:"isMarket" json:"isMarket"`
	TriggerPx string `msgpack:"triggerPx" json:"triggerPx"`
	Tpsl      string `msgpack:"tpsl" json:"tpsl"`
}

func (a *Adapter) placeOrder(ctx context.Context, order wireOrder) (domain.OrderAck, error) {
	result, err := a.exchange(ctx, orderAction{
		Type:     "order",
		Orders:   []wireOrder{order},
		Grouping: "na",
	})
	if err != nil {
		return domain.OrderAck{}, err
	}
	return result.firstAck()
}

// PlaceMarketOrder submits an IOC limit priced 5% through the mid,
// which fills like a market order without the unlimited slippage.
func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	info, err := a.asset(ctx, symbol)
	if err != nil {
		return domain.OrderAck{}, err
	}
	ticker, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return domain.OrderAck{}, err
	}
	slip := ticker.Last.Mul(decimal.NewFromInt(marketSlippagePct)).Div(decimal.NewFromInt(100))
	px := ticker.Last.Add(slip)
	if side == domain.OrderSideSell {
		px = ticker.Last.Sub(slip)
	}
	return a.placeOrder(ctx, wireOrder{
		Asset:     info.index,
		IsBuy:     side == domain.OrderSideBuy,
		LimitPx:   roundPx(px, info.szDecimals).String(),
		Size:      qty.String(),
		OrderType: wireOrderType{Limit: &limitOrderType{Tif: "Ioc"}},
	})
}

func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (domain.OrderAck, error) {
	info, err := a.asset(ctx, symbol)
	if err != nil {
		return domain.OrderAck{}, err
	}
	return a.placeOrder(ctx, wireOrder{
		Asset:     info.index,
		IsBuy:     side == domain.OrderSideBuy,
		LimitPx:   roundPx(price, info.szDecimals).String(),
		Size:      qty.String(),
		OrderType: wireOrderType{Limit: &limitOrderType{Tif: "Gtc"}},
	})
}

func (a *Adapter) PlaceStopLoss(ctx context.Context, symbol string, side domain.OrderSide, qty, stopPrice decimal.Decimal) (domain.OrderAck, error) {
	return a.placeTrigger(ctx, symbol, side, qty, stopPrice, "sl")
}

func (a *Adapter) PlaceTakeProfit(ctx context.Context, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (domain.OrderAck, error) {
	return a.placeTrigger(ctx, symbol, side, qty, limitPrice, "tp")
}

func (a *Adapter) placeTrigger(ctx context.Context, symbol string, side domain.OrderSide, qty, triggerPx decimal.Decimal, tpsl string) (domain.OrderAck, error) {
	info, err := a.asset(ctx, symbol)
	if err != nil {
		return domain.OrderAck{}, err
	}
	px := roundPx(triggerPx, info.szDecimals).String()
	return a.placeOrder(ctx, wireOrder{
		Asset:      info.index,
		IsBuy:      side == domain.OrderSideBuy,
		LimitPx:    px,
		Size:       qty.String(),
		ReduceOnly: true,
		OrderType: wireOrderType{Trigger: &triggerOrderType{
			IsMarket:  true,
			TriggerPx: px,
			Tpsl:      tpsl,
		}},
	})
}

// ClosePosition is the market emulation with reduceOnly set.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal) (domain.OrderAck, error) {
	info, err := a.asset(ctx, symbol)
	if err != nil {
		return domain.OrderAck{}, err
	}
	ticker, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return domain.OrderAck{}, err
	}
	slip := ticker.Last.Mul(decimal.NewFromInt(marketSlippagePct)).Div(decimal.NewFromInt(100))
	px := ticker.Last.Add(slip)
	if side == domain.OrderSideSell {
		px = ticker.Last.Sub(slip)
	}
	return a.placeOrder(ctx, wireOrder{
		Asset:      info.index,
		IsBuy:      side == domain.OrderSideBuy,
		LimitPx:    roundPx(px, info.szDecimals).String(),
		Size:       qty.String(),
		ReduceOnly: true,
		OrderType:  wireOrderType{Limit: &limitOrderType{Tif: "Ioc"}},
	})
}

type cancelAction struct {
	Type    string       `msgpack:"type" json:"type"`
	Cancels []wireCancel `msgpack:"cancels" json:"cancels"`
}

type wireCancel struct {
	Asset int   `msgpack:"a" json:"a"`
	Oid   int64 `msgpack:"o" json:"o"`
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	info, err := a.asset(ctx, symbol)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.E(domain.KindClient, "hyperliquid: order id %q is not numeric", orderID)
	}
	_, err = a.exchange(ctx, cancelAction{
		Type:    "cancel",
		Cancels: []wireCancel{{Asset: info.index, Oid: oid}},
	})
	return err
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.OrderAck{}, domain.E(domain.KindClient, "hyperliquid: order id %q is not numeric", orderID)
	}

	var result struct {
		Status string `json:"status"`
		Order  struct {
			Order struct {
				LimitPx string `json:"limitPx"`
				Sz      string `json:"sz"`
				OrigSz  string `json:"origSz"`
			} `json:"order"`
			Status string `json:"status"`
		} `json:"order"`
	}
	req := map[string]any{"type": "orderStatus", "user": a.account, "oid": oid}
	if err := a.info(ctx, req, &result); err != nil {
		return domain.OrderAck{}, err
	}
	if result.Status != "order" {
		return domain.OrderAck{}, domain.E(domain.KindClient, "hyperliquid: order %s not found", orderID)
	}

	ack := domain.OrderAck{OrderID: orderID}
	switch result.Order.Status {
	case "filled":
		ack.Status = domain.OrderFilled
		// Resting limits fill at their limit price or better.
		ack.FillPrice = parseDec(result.Order.Order.LimitPx)
		ack.FillQuantity = parseDec(result.Order.Order.OrigSz)
	case "canceled", "marginCanceled", "rejected":
		ack.Status = domain.OrderRejected
	default:
		ack.Status = domain.OrderWorking
		remaining := parseDec(result.Order.Order.Sz)
		orig := parseDec(result.Order.Order.OrigSz)
		if orig.IsPositive() && remaining.LessThan(orig) {
			ack.Status = domain.OrderPartiallyFilled
			ack.FillQuantity = orig.Sub(remaining)
			ack.FillPrice = parseDec(result.Order.Order.LimitPx)
		}
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

var _ venue.Adapter = (*Adapter)(nil)
