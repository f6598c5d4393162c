// Package factory resolves (user, venue) into a configured adapter.
// Construction is per request: adapters are cheap and are never shared
// across users. What is shared is the per-venue pacer, so the process
// observes one outbound budget per venue no matter how many adapter
// instances exist at once.
//
// The credential bag keys each venue expects:
//
//	bybit        api_key, api_secret
//	hyperliquid  private_key, account_address (optional)
//	lighter      account_index, api_key_index, api_secret
//	oanda        api_token, account_id
//	alpaca       api_key, api_secret
//	tradier      access_token, account_id
//	kalshi       api_key_id, private_key_pem
//
// Every venue additionally accepts an optional default_position_size_usd
// entry, read by the dispatcher when a signal omits its size.
package factory

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/metrics"
	"github.com/tradegate/tradegate/internal/venue"
	"github.com/tradegate/tradegate/internal/venue/alpaca"
	"github.com/tradegate/tradegate/internal/venue/bybit"
	"github.com/tradegate/tradegate/internal/venue/hyperliquid"
	"github.com/tradegate/tradegate/internal/venue/kalshi"
	"github.com/tradegate/tradegate/internal/venue/lighter"
	"github.com/tradegate/tradegate/internal/venue/oanda"
	"github.com/tradegate/tradegate/internal/venue/tradier"
)

// CredentialSource resolves venue credentials for a user. The
// credential store client satisfies it.
type CredentialSource interface {
	GetVenueCredential(ctx context.Context, userID uuid.UUID, v domain.Venue) (*domain.VenueCredential, error)
}

// Config wires the factory's collaborators.
type Config struct {
	Credentials CredentialSource
	Registry    *venue.Registry

	// BybitTickers, when set, lets bybit adapters serve tickers from
	// the shared websocket stream before falling back to REST.
	BybitTickers *bybit.TickerCache

	// Metrics, when set, wraps every adapter so its calls land latency
	// samples labelled by venue, call, and result.
	Metrics *metrics.Registry
}

// Factory builds adapters on demand.
type Factory struct {
	creds   CredentialSource
	reg     *venue.Registry
	tickers *bybit.TickerCache
	pacers  map[domain.Venue]venue.Pacer
	metrics *metrics.Registry
}

func New(cfg Config) *Factory {
	reg := cfg.Registry
	if reg == nil {
		reg = venue.DefaultRegistry()
	}
	pacers := make(map[domain.Venue]venue.Pacer, len(domain.AllVenues))
	for _, v := range domain.AllVenues {
		rps, burst := reg.RateBudget(v)
		pacers[v] = venue.NewPacer(rps, burst)
	}
	return &Factory{
		creds:   cfg.Credentials,
		reg:     reg,
		tickers: cfg.BybitTickers,
		pacers:  pacers,
		metrics: cfg.Metrics,
	}
}

type builder func(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error)

var builders = map[domain.Venue]builder{
	domain.VenueBybit:       buildBybit,
	domain.VenueHyperliquid: buildHyperliquid,
	domain.VenueLighter:     buildLighter,
	domain.VenueOanda:       buildOanda,
	domain.VenueAlpaca:      buildAlpaca,
	domain.VenueTradier:     buildTradier,
	domain.VenueKalshi:      buildKalshi,
}

// Adapter resolves the user's credential and constructs the adapter.
// Typed failures pass through unchanged: KindNotConfigured from the
// store, KindUnsupportedVenue for unknown or disabled venues, and
// KindCredentialBad when the bag fails the venue's shape check.
func (f *Factory) Adapter(ctx context.Context, userID uuid.UUID, v domain.Venue) (venue.Adapter, error) {
	build, ok := builders[v]
	if !ok {
		return nil, domain.E(domain.KindUnsupportedVenue, "unsupported venue %q", v)
	}
	if !f.reg.Enabled(v) {
		return nil, domain.E(domain.KindUnsupportedVenue, "venue %s is disabled", v)
	}
	cred, err := f.creds.GetVenueCredential(ctx, userID, v)
	if err != nil {
		return nil, err
	}
	a, err := build(f, cred)
	if err != nil {
		return nil, err
	}
	return instrument(a, f.metrics), nil
}

func (f *Factory) pacer(v domain.Venue) venue.Pacer { return f.pacers[v] }

func sandbox(cred *domain.VenueCredential) bool {
	return cred.Environment != domain.EnvProduction
}

// need pulls a required bag field; a credential stored without it is
// malformed, not merely unconfigured.
func need(cred *domain.VenueCredential, field string) (string, error) {
	v, ok := cred.Field(field)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", domain.E(domain.KindCredentialBad, "%s credential is missing %q", cred.Venue, field)
	}
	return v, nil
}

func needInt(cred *domain.VenueCredential, field string) (int, error) {
	raw, err := need(cred, field)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.E(domain.KindCredentialBad, "%s credential field %q is not a number", cred.Venue, field)
	}
	return n, nil
}

func buildBybit(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error) {
	key, err := need(cred, "api_key")
	if err != nil {
		return nil, err
	}
	secret, err := need(cred, "api_secret")
	if err != nil {
		return nil, err
	}
	return bybit.New(bybit.Config{
		APIKey:    key,
		APISecret: secret,
		Testnet:   sandbox(cred),
		Pacer:     f.pacer(domain.VenueBybit),
		Tickers:   f.tickers,
	}), nil
}

func buildHyperliquid(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error) {
	key, err := need(cred, "private_key")
	if err != nil {
		return nil, err
	}
	// account_address is only set when signing through an agent wallet;
	// otherwise the adapter derives it from the key.
	address, _ := cred.Field("account_address")
	return hyperliquid.New(hyperliquid.Config{
		PrivateKeyHex:  key,
		AccountAddress: strings.TrimSpace(address),
		Testnet:        sandbox(cred),
		Pacer:          f.pacer(domain.VenueHyperliquid),
	})
}

func buildLighter(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error) {
	accountIndex, err := needInt(cred, "account_index")
	if err != nil {
		return nil, err
	}
	keyIndex, err := needInt(cred, "api_key_index")
	if err != nil {
		return nil, err
	}
	secret, err := need(cred, "api_secret")
	if err != nil {
		return nil, err
	}
	return lighter.New(lighter.Config{
		AccountIndex: accountIndex,
		APIKeyIndex:  keyIndex,
		APISecret:    secret,
		Testnet:      sandbox(cred),
		Pacer:        f.pacer(domain.VenueLighter),
	}), nil
}

func buildOanda(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error) {
	token, err := need(cred, "api_token")
	if err != nil {
		return nil, err
	}
	accountID, err := need(cred, "account_id")
	if err != nil {
		return nil, err
	}
	return oanda.New(oanda.Config{
		Token:     token,
		AccountID: accountID,
		Live:      !sandbox(cred),
		Pacer:     f.pacer(domain.VenueOanda),
	}), nil
}

func buildAlpaca(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error) {
	key, err := need(cred, "api_key")
	if err != nil {
		return nil, err
	}
	secret, err := need(cred, "api_secret")
	if err != nil {
		return nil, err
	}
	return alpaca.New(alpaca.Config{
		APIKey:    key,
		APISecret: secret,
		Paper:     sandbox(cred),
		Pacer:     f.pacer(domain.VenueAlpaca),
	}), nil
}

func buildTradier(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error) {
	token, err := need(cred, "access_token")
	if err != nil {
		return nil, err
	}
	accountID, err := need(cred, "account_id")
	if err != nil {
		return nil, err
	}
	return tradier.New(tradier.Config{
		Token:     token,
		AccountID: accountID,
		Sandbox:   sandbox(cred),
		Pacer:     f.pacer(domain.VenueTradier),
	}), nil
}

func buildKalshi(f *Factory, cred *domain.VenueCredential) (venue.Adapter, error) {
	keyID, err := need(cred, "api_key_id")
	if err != nil {
		return nil, err
	}
	pemText, err := need(cred, "private_key_pem")
	if err != nil {
		return nil, err
	}
	return kalshi.New(kalshi.Config{
		APIKeyID:      keyID,
		PrivateKeyPEM: pemText,
		Demo:          sandbox(cred),
		Pacer:         f.pacer(domain.VenueKalshi),
	})
}
