package domain

import (
	"strings"

	"github.com/google/uuid"
)

// PlanTier is the billing tier consulted for the monthly webhook quota.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanBasic      PlanTier = "basic"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// DefaultMonthlyQuota is the webhook allowance per calendar month when
// the user row carries no explicit override. Zero means unlimited.
func (p PlanTier) DefaultMonthlyQuota() int {
	switch p {
	case PlanBasic:
		return 500
	case PlanPro:
		return 5000
	case PlanEnterprise:
		return 0
	default:
		return 50
	}
}

// ParsePlanTier defaults unknown values to the free tier.
func ParsePlanTier(s string) PlanTier {
	switch PlanTier(strings.ToLower(strings.TrimSpace(s))) {
	case PlanBasic:
		return PlanBasic
	case PlanPro:
		return PlanPro
	case PlanEnterprise:
		return PlanEnterprise
	default:
		return PlanFree
	}
}

// User is the tenant record. Created by the dashboard; the gateway only
// reads it.
type User struct {
	ID            uuid.UUID `json:"id"`
	WebhookSecret string    `json:"-"`
	Plan          PlanTier  `json:"plan"`
	// MonthlyQuota overrides the plan default when positive; zero defers
	// to the plan, negative means explicitly unlimited.
	MonthlyQuota int  `json:"monthly_quota"`
	Active       bool `json:"active"`
}

// EffectiveMonthlyQuota resolves the override against the plan default.
// Zero result means unlimited.
func (u *User) EffectiveMonthlyQuota() int {
	if u.MonthlyQuota > 0 {
		return u.MonthlyQuota
	}
	if u.MonthlyQuota < 0 {
		return 0
	}
	return u.Plan.DefaultMonthlyQuota()
}

// VenueCredential is the per-(user, venue) credential bag pulled from
// the external store. The bag schema varies per venue; only the matching
// adapter's mapper interprets it.
type VenueCredential struct {
	UserID      uuid.UUID         `json:"user_id"`
	Venue       Venue             `json:"venue"`
	Environment Environment       `json:"environment"`
	Label       string            `json:"label,omitempty"`
	Bag         map[string]string `json:"-"`
}

// Field returns a bag entry with its presence flag.
func (c *VenueCredential) Field(name string) (string, bool) {
	v, ok := c.Bag[name]
	return v, ok && v != ""
}
