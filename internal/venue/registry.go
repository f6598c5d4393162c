package venue

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tradegate/tradegate/internal/domain"
)

// Settings is the per-venue operator configuration: whether the venue
// is routable, the notional used when a signal names no size, and the
// outbound request budget the adapter enforces locally.
type Settings struct {
	Enabled            bool
	DefaultNotionalUSD decimal.Decimal
	RequestsPerSecond  float64
	Burst              int
}

// Registry holds Settings per venue plus the global sizing fallback.
type Registry struct {
	GlobalDefaultNotionalUSD decimal.Decimal
	Venues                   map[domain.Venue]Settings
}

// DefaultRegistry enables every venue with a 100 USD default notional
// and a conservative request budget.
func DefaultRegistry() *Registry {
	r := &Registry{
		GlobalDefaultNotionalUSD: decimal.NewFromInt(100),
		Venues:                   make(map[domain.Venue]Settings, len(domain.AllVenues)),
	}
	for _, v := range domain.AllVenues {
		r.Venues[v] = Settings{
			Enabled:            true,
			DefaultNotionalUSD: decimal.NewFromInt(100),
			RequestsPerSecond:  5,
			Burst:              10,
		}
	}
	return r
}

// LoadRegistry reads the venue registry file. Venues absent from the
// file keep the defaults; listed venues override field by field.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venue registry: %w", err)
	}

	// Money fields decode as strings: the yaml package has no hook for
	// decimal scalars.
	var file struct {
		GlobalDefaultNotionalUSD string `yaml:"global_default_notional_usd"`
		Venues                   map[string]struct {
			Enabled            *bool   `yaml:"enabled"`
			DefaultNotionalUSD string  `yaml:"default_notional_usd"`
			RequestsPerSecond  float64 `yaml:"requests_per_second"`
			Burst              int     `yaml:"burst"`
		} `yaml:"venues"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse venue registry: %w", err)
	}

	reg := DefaultRegistry()
	if file.GlobalDefaultNotionalUSD != "" {
		global, err := decimal.NewFromString(file.GlobalDefaultNotionalUSD)
		if err != nil {
			return nil, fmt.Errorf("venue registry: global_default_notional_usd: %w", err)
		}
		if global.IsPositive() {
			reg.GlobalDefaultNotionalUSD = global
		}
	}
	for name, over := range file.Venues {
		v, err := domain.ParseVenue(name)
		if err != nil {
			return nil, fmt.Errorf("venue registry: %w", err)
		}
		s := reg.Venues[v]
		if over.Enabled != nil {
			s.Enabled = *over.Enabled
		}
		if over.DefaultNotionalUSD != "" {
			notional, err := decimal.NewFromString(over.DefaultNotionalUSD)
			if err != nil {
				return nil, fmt.Errorf("venue registry: %s default_notional_usd: %w", name, err)
			}
			if notional.IsPositive() {
				s.DefaultNotionalUSD = notional
			}
		}
		if over.RequestsPerSecond > 0 {
			s.RequestsPerSecond = over.RequestsPerSecond
		}
		if over.Burst > 0 {
			s.Burst = over.Burst
		}
		reg.Venues[v] = s
	}
	return reg, nil
}

// Enabled reports whether the venue is routable.
func (r *Registry) Enabled(v domain.Venue) bool {
	s, ok := r.Venues[v]
	return ok && s.Enabled
}

// DefaultNotional resolves the per-venue default, falling back to the
// global default when the venue carries none.
func (r *Registry) DefaultNotional(v domain.Venue) decimal.Decimal {
	if s, ok := r.Venues[v]; ok && s.DefaultNotionalUSD.IsPositive() {
		return s.DefaultNotionalUSD
	}
	return r.GlobalDefaultNotionalUSD
}

// RateBudget returns the outbound request budget for the venue.
func (r *Registry) RateBudget(v domain.Venue) (rps float64, burst int) {
	s, ok := r.Venues[v]
	if !ok || s.RequestsPerSecond <= 0 {
		return 5, 10
	}
	return s.RequestsPerSecond, s.Burst
}
