// Package credstore fronts the external datastore's user and credential
// tables with short-TTL caches. It is the only component that resolves
// webhook secrets, so revocation latency is bounded by one TTL.
package credstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradegate/tradegate/internal/cache"
	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/persistence"
)

// Config tunes cache windows. Negative lookups get the short TTL so
// probing traffic cannot hammer the datastore.
type Config struct {
	SecretTTL     time.Duration `yaml:"secret_ttl" mapstructure:"secret_ttl"`
	CredentialTTL time.Duration `yaml:"credential_ttl" mapstructure:"credential_ttl"`
	NegativeTTL   time.Duration `yaml:"negative_ttl" mapstructure:"negative_ttl"`

	// LegacySecret, when non-empty, accepts the single-tenant secret of
	// older deployments and resolves it to LegacyUserID. Off by default.
	LegacySecret string    `yaml:"legacy_secret" mapstructure:"legacy_secret"`
	LegacyUserID uuid.UUID `yaml:"legacy_user_id" mapstructure:"legacy_user_id"`
}

// DefaultConfig returns the standard cache windows.
func DefaultConfig() Config {
	return Config{
		SecretTTL:     30 * time.Second,
		CredentialTTL: 60 * time.Second,
		NegativeTTL:   5 * time.Second,
	}
}

// Store is the credential store client.
type Store struct {
	users persistence.UsersRepo
	creds persistence.CredentialsRepo
	cache cache.Cache
	cfg   Config
}

// New builds a Store. The cache may be process-local or Redis-backed;
// the Store does not care which.
func New(users persistence.UsersRepo, creds persistence.CredentialsRepo, c cache.Cache, cfg Config) *Store {
	if cfg.SecretTTL <= 0 {
		cfg.SecretTTL = DefaultConfig().SecretTTL
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = DefaultConfig().CredentialTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultConfig().NegativeTTL
	}
	return &Store{users: users, creds: creds, cache: c, cfg: cfg}
}

// cachedUser is the cache-side shape of a user row. Miss entries record
// that the datastore had no row for the secret.
type cachedUser struct {
	Miss         bool      `json:"miss,omitempty"`
	ID           uuid.UUID `json:"id"`
	Plan         string    `json:"plan"`
	MonthlyQuota int       `json:"monthly_quota"`
	Active       bool      `json:"active"`
}

type cachedCred struct {
	Miss        bool              `json:"miss,omitempty"`
	UserID      uuid.UUID         `json:"user_id"`
	Venue       string            `json:"venue"`
	Environment string            `json:"environment"`
	Label       string            `json:"label,omitempty"`
	Bag         map[string]string `json:"bag,omitempty"`
}

func secretKey(secret string) string { return "secret:" + secret }

func credKey(userID uuid.UUID, venue domain.Venue) string {
	return "cred:" + userID.String() + ":" + string(venue)
}

// LookupUserBySecret resolves a webhook secret to its active user.
// Unknown secrets and inactive users fail identically so callers learn
// nothing about which case they hit.
func (s *Store) LookupUserBySecret(ctx context.Context, secret string) (*domain.User, error) {
	if secret == "" {
		return nil, domain.E(domain.KindAuthFailed, "invalid webhook secret")
	}

	if raw, ok := s.cache.Get(secretKey(secret)); ok {
		var cu cachedUser
		if err := json.Unmarshal(raw, &cu); err == nil {
			return s.userFromCache(secret, cu)
		}
	}

	u, err := s.users.GetBySecret(ctx, secret)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, err, "secret lookup")
	}
	if u == nil && s.cfg.LegacySecret != "" && secret == s.cfg.LegacySecret {
		u, err = s.users.GetByID(ctx, s.cfg.LegacyUserID)
		if err != nil {
			return nil, domain.Wrap(domain.KindUnavailable, err, "legacy secret lookup")
		}
		if u != nil {
			log.Warn().Str("user_id", u.ID.String()).Msg("webhook authenticated via legacy master secret")
		}
	}
	if u == nil {
		s.put(secretKey(secret), cachedUser{Miss: true}, s.cfg.NegativeTTL)
		return nil, domain.E(domain.KindAuthFailed, "invalid webhook secret")
	}

	s.put(secretKey(secret), cachedUser{
		ID:           u.ID,
		Plan:         string(u.Plan),
		MonthlyQuota: u.MonthlyQuota,
		Active:       u.Active,
	}, s.cfg.SecretTTL)

	return s.activeOnly(u, secret)
}

func (s *Store) userFromCache(secret string, cu cachedUser) (*domain.User, error) {
	if cu.Miss {
		return nil, domain.E(domain.KindAuthFailed, "invalid webhook secret")
	}
	u := &domain.User{
		ID:            cu.ID,
		WebhookSecret: secret,
		Plan:          domain.ParsePlanTier(cu.Plan),
		MonthlyQuota:  cu.MonthlyQuota,
		Active:        cu.Active,
	}
	return s.activeOnly(u, secret)
}

func (s *Store) activeOnly(u *domain.User, secret string) (*domain.User, error) {
	if !u.Active {
		return nil, domain.E(domain.KindAuthFailed, "invalid webhook secret")
	}
	u.WebhookSecret = secret
	return u, nil
}

// GetVenueCredential returns the credential bag for (user, venue).
func (s *Store) GetVenueCredential(ctx context.Context, userID uuid.UUID, venue domain.Venue) (*domain.VenueCredential, error) {
	key := credKey(userID, venue)

	if raw, ok := s.cache.Get(key); ok {
		var cc cachedCred
		if err := json.Unmarshal(raw, &cc); err == nil {
			if cc.Miss {
				return nil, domain.E(domain.KindNotConfigured, "no %s credential for user", venue)
			}
			return &domain.VenueCredential{
				UserID:      cc.UserID,
				Venue:       domain.Venue(cc.Venue),
				Environment: domain.Environment(cc.Environment),
				Label:       cc.Label,
				Bag:         cc.Bag,
			}, nil
		}
	}

	cred, err := s.creds.Get(ctx, userID, venue)
	if err != nil {
		return nil, domain.Wrap(domain.KindUnavailable, err, "credential lookup")
	}
	if cred == nil {
		s.put(key, cachedCred{Miss: true}, s.cfg.NegativeTTL)
		return nil, domain.E(domain.KindNotConfigured, "no %s credential for user", venue)
	}

	s.put(key, cachedCred{
		UserID:      cred.UserID,
		Venue:       string(cred.Venue),
		Environment: string(cred.Environment),
		Label:       cred.Label,
		Bag:         cred.Bag,
	}, s.cfg.CredentialTTL)

	return cred, nil
}

// Invalidate drops the cached credential for (user, venue), forcing the
// next lookup back to the datastore.
func (s *Store) Invalidate(userID uuid.UUID, venue domain.Venue) {
	s.cache.Delete(credKey(userID, venue))
}

func (s *Store) put(key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.cache.Set(key, raw, ttl)
}
