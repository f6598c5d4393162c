// Package risk enforces the pre-trade gates: monthly webhook quota per
// user, weekly trade count and weekly realized loss per (user, venue).
// Gates run in that order and the first failure wins. Weekly counters
// are cached for a few minutes and invalidated when a trade closes, so
// a limit lands within one cache window of the trade that breaches it.
package risk

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tradegate/tradegate/internal/domain"
)

// Policy is one resolved limit set. Zero or negative values disable the
// corresponding gate.
type Policy struct {
	MaxTradesPerWeek  int
	MaxLossPerWeekUSD decimal.Decimal
}

// Policies holds the operator's limit configuration: a global default,
// per-plan overrides, and per-venue overrides applied in that order.
// An override replaces a field only when it sets one; -1 sets a field
// back to unlimited.
type Policies struct {
	Default Policy
	Plans   map[domain.PlanTier]Policy
	Venues  map[domain.Venue]Policy
}

// DefaultPolicies enforces nothing. Limits come from the operator's
// policy file.
func DefaultPolicies() *Policies {
	return &Policies{}
}

// Resolve layers plan and venue overrides onto the default.
func (p *Policies) Resolve(plan domain.PlanTier, v domain.Venue) Policy {
	out := p.Default
	if pp, ok := p.Plans[plan]; ok {
		overlay(&out, pp)
	}
	if vp, ok := p.Venues[v]; ok {
		overlay(&out, vp)
	}
	return out
}

func overlay(dst *Policy, src Policy) {
	if src.MaxTradesPerWeek != 0 {
		dst.MaxTradesPerWeek = src.MaxTradesPerWeek
	}
	if !src.MaxLossPerWeekUSD.IsZero() {
		dst.MaxLossPerWeekUSD = src.MaxLossPerWeekUSD
	}
}

type policyNode struct {
	MaxTradesPerWeek  int    `yaml:"max_trades_per_week"`
	MaxLossPerWeekUSD string `yaml:"max_loss_per_week_usd"`
}

func (n policyNode) toPolicy(where string) (Policy, error) {
	out := Policy{MaxTradesPerWeek: n.MaxTradesPerWeek}
	if n.MaxLossPerWeekUSD != "" {
		loss, err := decimal.NewFromString(n.MaxLossPerWeekUSD)
		if err != nil {
			return Policy{}, fmt.Errorf("risk policy %s: max_loss_per_week_usd: %w", where, err)
		}
		out.MaxLossPerWeekUSD = loss
	}
	return out, nil
}

// LoadPolicies reads the risk policy file.
func LoadPolicies(path string) (*Policies, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk policies: %w", err)
	}

	var file struct {
		Default policyNode            `yaml:"default"`
		Plans   map[string]policyNode `yaml:"plans"`
		Venues  map[string]policyNode `yaml:"venues"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse risk policies: %w", err)
	}

	out := DefaultPolicies()
	if out.Default, err = file.Default.toPolicy("default"); err != nil {
		return nil, err
	}
	if len(file.Plans) > 0 {
		out.Plans = make(map[domain.PlanTier]Policy, len(file.Plans))
		for name, node := range file.Plans {
			pol, err := node.toPolicy("plan " + name)
			if err != nil {
				return nil, err
			}
			out.Plans[domain.ParsePlanTier(name)] = pol
		}
	}
	if len(file.Venues) > 0 {
		out.Venues = make(map[domain.Venue]Policy, len(file.Venues))
		for name, node := range file.Venues {
			v, err := domain.ParseVenue(name)
			if err != nil {
				return nil, fmt.Errorf("risk policies: %w", err)
			}
			pol, err := node.toPolicy("venue " + name)
			if err != nil {
				return nil, err
			}
			out.Venues[v] = pol
		}
	}
	return out, nil
}

// WeekStart returns Monday 00:00 UTC of t's ISO week.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := t.AddDate(0, 0, -offset)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first of t's month, 00:00 UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
