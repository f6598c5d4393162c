package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegate/tradegate/internal/cache"
	"github.com/tradegate/tradegate/internal/domain"
)

type fakeUsersRepo struct {
	bySecret map[string]*domain.User
	byID     map[uuid.UUID]*domain.User
	err      error
	calls    int
}

func (f *fakeUsersRepo) GetBySecret(_ context.Context, secret string) (*domain.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bySecret[secret], nil
}

func (f *fakeUsersRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

type fakeCredsRepo struct {
	creds map[string]*domain.VenueCredential
	err   error
	calls int
}

func credMapKey(userID uuid.UUID, venue domain.Venue) string {
	return userID.String() + "/" + string(venue)
}

func (f *fakeCredsRepo) Get(_ context.Context, userID uuid.UUID, venue domain.Venue) (*domain.VenueCredential, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.creds[credMapKey(userID, venue)], nil
}

func newTestStore(users *fakeUsersRepo, creds *fakeCredsRepo) *Store {
	return New(users, creds, cache.NewMemory(), DefaultConfig())
}

func TestLookupUserBySecretCachesHit(t *testing.T) {
	u := &domain.User{ID: uuid.New(), Plan: domain.PlanBasic, Active: true}
	users := &fakeUsersRepo{bySecret: map[string]*domain.User{"S1": u}}
	store := newTestStore(users, &fakeCredsRepo{})

	got, err := store.LookupUserBySecret(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "S1", got.WebhookSecret)

	// Second lookup is served from cache.
	_, err = store.LookupUserBySecret(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, users.calls)
}

func TestLookupUserBySecretUnknown(t *testing.T) {
	users := &fakeUsersRepo{bySecret: map[string]*domain.User{}}
	store := newTestStore(users, &fakeCredsRepo{})

	_, err := store.LookupUserBySecret(context.Background(), "nope")
	assert.True(t, domain.IsKind(err, domain.KindAuthFailed))

	// Negative result is cached too.
	_, err = store.LookupUserBySecret(context.Background(), "nope")
	assert.True(t, domain.IsKind(err, domain.KindAuthFailed))
	assert.Equal(t, 1, users.calls)
}

func TestLookupUserBySecretInactiveLooksLikeUnknown(t *testing.T) {
	u := &domain.User{ID: uuid.New(), Active: false}
	users := &fakeUsersRepo{bySecret: map[string]*domain.User{"S1": u}}
	store := newTestStore(users, &fakeCredsRepo{})

	_, err := store.LookupUserBySecret(context.Background(), "S1")
	assert.True(t, domain.IsKind(err, domain.KindAuthFailed),
		"inactive user must be indistinguishable from unknown secret")
}

func TestLookupUserBySecretStoreDown(t *testing.T) {
	users := &fakeUsersRepo{err: errors.New("connection refused")}
	store := newTestStore(users, &fakeCredsRepo{})

	_, err := store.LookupUserBySecret(context.Background(), "S1")
	assert.True(t, domain.IsKind(err, domain.KindUnavailable))
}

func TestLegacySecretFallback(t *testing.T) {
	legacyID := uuid.New()
	u := &domain.User{ID: legacyID, Active: true}
	users := &fakeUsersRepo{
		bySecret: map[string]*domain.User{},
		byID:     map[uuid.UUID]*domain.User{legacyID: u},
	}
	cfg := DefaultConfig()
	cfg.LegacySecret = "master"
	cfg.LegacyUserID = legacyID
	store := New(users, &fakeCredsRepo{}, cache.NewMemory(), cfg)

	got, err := store.LookupUserBySecret(context.Background(), "master")
	require.NoError(t, err)
	assert.Equal(t, legacyID, got.ID)

	// Any other unknown secret still fails.
	_, err = store.LookupUserBySecret(context.Background(), "other")
	assert.True(t, domain.IsKind(err, domain.KindAuthFailed))
}

func TestGetVenueCredentialCachesAndInvalidates(t *testing.T) {
	userID := uuid.New()
	cred := &domain.VenueCredential{
		UserID:      userID,
		Venue:       domain.VenueBybit,
		Environment: domain.EnvProduction,
		Bag:         map[string]string{"api_key": "k", "api_secret": "s"},
	}
	creds := &fakeCredsRepo{creds: map[string]*domain.VenueCredential{
		credMapKey(userID, domain.VenueBybit): cred,
	}}
	store := newTestStore(&fakeUsersRepo{}, creds)

	got, err := store.GetVenueCredential(context.Background(), userID, domain.VenueBybit)
	require.NoError(t, err)
	key, ok := got.Field("api_key")
	require.True(t, ok)
	assert.Equal(t, "k", key)

	_, err = store.GetVenueCredential(context.Background(), userID, domain.VenueBybit)
	require.NoError(t, err)
	assert.Equal(t, 1, creds.calls, "second read must come from cache")

	store.Invalidate(userID, domain.VenueBybit)
	_, err = store.GetVenueCredential(context.Background(), userID, domain.VenueBybit)
	require.NoError(t, err)
	assert.Equal(t, 2, creds.calls, "invalidate must force a fresh read")
}

func TestGetVenueCredentialNotConfigured(t *testing.T) {
	creds := &fakeCredsRepo{creds: map[string]*domain.VenueCredential{}}
	store := newTestStore(&fakeUsersRepo{}, creds)

	userID := uuid.New()
	_, err := store.GetVenueCredential(context.Background(), userID, domain.VenueOanda)
	assert.True(t, domain.IsKind(err, domain.KindNotConfigured))

	// Negative entry short-circuits the next probe.
	_, err = store.GetVenueCredential(context.Background(), userID, domain.VenueOanda)
	assert.True(t, domain.IsKind(err, domain.KindNotConfigured))
	assert.Equal(t, 1, creds.calls)
}

func TestNegativeTTLExpires(t *testing.T) {
	creds := &fakeCredsRepo{creds: map[string]*domain.VenueCredential{}}
	cfg := DefaultConfig()
	cfg.NegativeTTL = 10 * time.Millisecond
	store := New(&fakeUsersRepo{}, creds, cache.NewMemory(), cfg)

	userID := uuid.New()
	_, _ = store.GetVenueCredential(context.Background(), userID, domain.VenueOanda)
	time.Sleep(25 * time.Millisecond)
	_, _ = store.GetVenueCredential(context.Background(), userID, domain.VenueOanda)
	assert.Equal(t, 2, creds.calls, "negative entry must expire after its ttl")
}
