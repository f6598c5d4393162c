package venue

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradegate/tradegate/internal/domain"
)

// refreshSkew renews tokens this long before their stated expiry so an
// in-flight request never crosses the boundary.
const refreshSkew = 30 * time.Second

// TokenFunc mints a fresh session token and reports when it expires.
type TokenFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// Session caches a venue session token and refreshes it transparently
// near expiry. Adapters that get a 401 despite a cached token call
// Invalidate and retry once.
type Session struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	fetch   TokenFunc
}

func NewSession(fetch TokenFunc) *Session {
	return &Session{fetch: fetch}
}

// Token returns a valid session token, minting one when the cached
// token is absent or inside the refresh window.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expires.Add(-refreshSkew)) {
		return s.token, nil
	}
	token, expires, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = expires
	return token, nil
}

// Invalidate drops the cached token so the next Token call refreshes.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

// ExpiryFromJWT reads the exp claim out of a JWT-shaped session token
// without verifying its signature; the venue signed it for itself, the
// gateway only needs the deadline.
func ExpiryFromJWT(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, domain.Wrap(domain.KindClient, err, "session token is not a parseable JWT")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, domain.E(domain.KindClient, "session token carries no exp claim")
	}
	return exp.Time, nil
}
