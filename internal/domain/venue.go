package domain

import (
	"fmt"
	"strings"
)

// Venue identifies a supported trading venue. The set is fixed at
// configuration time; the dispatcher never branches on venue identity
// except to select an adapter.
type Venue string

const (
	VenueBybit       Venue = "bybit"
	VenueLighter     Venue = "lighter"
	VenueHyperliquid Venue = "hyperliquid"
	VenueOanda       Venue = "oanda"
	VenueTradier     Venue = "tradier"
	VenueAlpaca      Venue = "alpaca"
	VenueKalshi      Venue = "kalshi"
)

// AllVenues lists every venue the gateway can route to.
var AllVenues = []Venue{
	VenueBybit,
	VenueLighter,
	VenueHyperliquid,
	VenueOanda,
	VenueTradier,
	VenueAlpaca,
	VenueKalshi,
}

// ParseVenue resolves a wire-level exchange name to a Venue.
func ParseVenue(s string) (Venue, error) {
	v := Venue(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllVenues {
		if v == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unsupported venue %q", s)
}

func (v Venue) String() string { return string(v) }

// Environment selects the venue-side deployment target for a credential.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvSandbox    Environment = "sandbox"
)

// ParseEnvironment folds the per-venue vocabulary (live/prod/paper/practice)
// onto the two canonical values.
func ParseEnvironment(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod", "live", "real":
		return EnvProduction
	default:
		return EnvSandbox
	}
}
