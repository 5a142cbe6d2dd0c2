package identity

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/searchgate/searchgate/internal/cache"
	"github.com/searchgate/searchgate/internal/models"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/pkg/logger"
)

type MockKeyStore struct {
	mock.Mock
}

func (m *MockKeyStore) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.APIKey), args.Error(1)
}

func (m *MockKeyStore) TouchLastUsed(ctx context.Context, ids []string, at time.Time) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	args := m.Called(ctx, sorted, at)
	return args.Error(0)
}

type MockIdentityCache struct {
	mock.Mock
}

func (m *MockIdentityCache) Get(ctx context.Context, keyHash string) (*cache.CachedIdentity, error) {
	args := m.Called(ctx, keyHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cache.CachedIdentity), args.Error(1)
}

func (m *MockIdentityCache) Set(ctx context.Context, keyHash string, identity *cache.CachedIdentity) error {
	return m.Called(ctx, keyHash, identity).Error(0)
}

func (m *MockIdentityCache) Delete(ctx context.Context, keyHash string) error {
	return m.Called(ctx, keyHash).Error(0)
}

type verifierFunc func(ctx context.Context, credential string) (Identity, error)

func (f verifierFunc) Verify(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newVerifier(t *testing.T, c cache.IdentityCacher, store KeyStore) *APIKeyVerifier {
	t.Helper()
	v := NewAPIKeyVerifier(c, store, APIKeyVerifierConfig{TouchInterval: time.Hour}, logger.Discard())
	v.now = func() time.Time { return now }
	return v
}

func TestAPIKeyVerifier_CacheHit(t *testing.T) {
	store := new(MockKeyStore)
	idCache := new(MockIdentityCache)
	hash := models.HashAPIKey("sk_live")

	idCache.On("Get", mock.Anything, hash).Return(&cache.CachedIdentity{
		APIKeyID: "key-1", OwnerID: "user-1", Tier: "premium", Active: true,
	}, nil)
	store.On("TouchLastUsed", mock.Anything, []string{"key-1"}, now).Return(nil)

	v := newVerifier(t, idCache, store)
	id, err := v.Verify(context.Background(), "sk_live")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-1", Tier: "premium", APIKeyID: "key-1"}, id)

	v.Stop()
	store.AssertNotCalled(t, "GetByHash", mock.Anything, mock.Anything)
	store.AssertExpectations(t)
	idCache.AssertExpectations(t)
}

func TestAPIKeyVerifier_CacheMissLoadsAndCaches(t *testing.T) {
	store := new(MockKeyStore)
	idCache := new(MockIdentityCache)
	hash := models.HashAPIKey("sk_new")

	idCache.On("Get", mock.Anything, hash).Return(nil, cache.ErrCacheMiss)
	store.On("GetByHash", mock.Anything, hash).Return(&models.APIKey{
		ID: "key-2", OwnerID: "user-2", Tier: "free", Active: true,
	}, nil)
	idCache.On("Set", mock.Anything, hash, mock.MatchedBy(func(c *cache.CachedIdentity) bool {
		return c.APIKeyID == "key-2" && c.OwnerID == "user-2" && c.Active
	})).Return(nil)
	store.On("TouchLastUsed", mock.Anything, []string{"key-2"}, now).Return(nil)

	v := newVerifier(t, idCache, store)
	id, err := v.Verify(context.Background(), "sk_new")
	require.NoError(t, err)
	assert.Equal(t, "user-2", id.UserID)
	assert.Equal(t, "free", id.Tier)

	v.Stop()
	store.AssertExpectations(t)
	idCache.AssertExpectations(t)
}

func TestAPIKeyVerifier_CacheErrorFallsThrough(t *testing.T) {
	store := new(MockKeyStore)
	idCache := new(MockIdentityCache)
	hash := models.HashAPIKey("sk_x")

	idCache.On("Get", mock.Anything, hash).Return(nil, errors.New("redis down"))
	idCache.On("Set", mock.Anything, hash, mock.Anything).Return(errors.New("redis down"))
	store.On("GetByHash", mock.Anything, hash).Return(&models.APIKey{ID: "key-3", OwnerID: "u3", Tier: "free", Active: true}, nil)
	store.On("TouchLastUsed", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	v := newVerifier(t, idCache, store)
	defer v.Stop()

	id, err := v.Verify(context.Background(), "sk_x")
	require.NoError(t, err)
	assert.Equal(t, "u3", id.UserID)
}

func TestAPIKeyVerifier_Rejections(t *testing.T) {
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		key  *models.APIKey
		err  error
	}{
		{name: "not found", err: models.ErrAPIKeyNotFound},
		{name: "inactive", key: &models.APIKey{ID: "k", OwnerID: "u", Active: false}},
		{name: "expired", key: &models.APIKey{ID: "k", OwnerID: "u", Active: true, ExpiresAt: &past}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockKeyStore)
			if tt.key != nil {
				store.On("GetByHash", mock.Anything, mock.Anything).Return(tt.key, nil)
			} else {
				store.On("GetByHash", mock.Anything, mock.Anything).Return(nil, tt.err)
			}

			v := newVerifier(t, nil, store)
			_, err := v.Verify(context.Background(), "sk_bad")
			v.Stop()

			assert.ErrorIs(t, err, ErrInvalidCredential)
			store.AssertNotCalled(t, "TouchLastUsed", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAPIKeyVerifier_CachedInactiveRejected(t *testing.T) {
	store := new(MockKeyStore)
	idCache := new(MockIdentityCache)
	idCache.On("Get", mock.Anything, mock.Anything).Return(&cache.CachedIdentity{APIKeyID: "k", OwnerID: "u", Active: false}, nil)

	v := newVerifier(t, idCache, store)
	defer v.Stop()

	_, err := v.Verify(context.Background(), "sk_revoked")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAPIKeyVerifier_StoreErrorIsNotInvalid(t *testing.T) {
	store := new(MockKeyStore)
	store.On("GetByHash", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	v := newVerifier(t, nil, store)
	defer v.Stop()

	_, err := v.Verify(context.Background(), "sk_any")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredential)
}

func TestAPIKeyVerifier_TouchesAreBatched(t *testing.T) {
	store := new(MockKeyStore)
	store.On("GetByHash", mock.Anything, models.HashAPIKey("sk_a")).Return(&models.APIKey{ID: "a", OwnerID: "u", Active: true}, nil)
	store.On("GetByHash", mock.Anything, models.HashAPIKey("sk_b")).Return(&models.APIKey{ID: "b", OwnerID: "u", Active: true}, nil)
	store.On("TouchLastUsed", mock.Anything, []string{"a", "b"}, now).Return(nil).Once()

	v := newVerifier(t, nil, store)
	for i := 0; i < 5; i++ {
		_, err := v.Verify(context.Background(), "sk_a")
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), "sk_b")
		require.NoError(t, err)
	}
	v.Stop()
	v.Stop()

	store.AssertExpectations(t)
}

func TestAPIKeyVerifier_Invalidate(t *testing.T) {
	idCache := new(MockIdentityCache)
	idCache.On("Delete", mock.Anything, models.HashAPIKey("sk_gone")).Return(nil).Twice()

	v := newVerifier(t, idCache, new(MockKeyStore))
	defer v.Stop()

	require.NoError(t, v.Invalidate(context.Background(), "sk_gone", false))
	require.NoError(t, v.Invalidate(context.Background(), models.HashAPIKey("sk_gone"), true))
	idCache.AssertExpectations(t)
}

func TestStaticTokenVerifier(t *testing.T) {
	v := NewStaticTokenVerifier(map[string]string{
		"tok-premium": "alice:premium",
		"tok-plain":   "bob",
		"tok-broken":  ":premium",
	})

	id, err := v.Verify(context.Background(), "tok-premium")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", Tier: "premium"}, id)

	id, err = v.Verify(context.Background(), "tok-plain")
	require.NoError(t, err)
	assert.Equal(t, "free", id.Tier)

	_, err = v.Verify(context.Background(), "tok-broken")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = v.Verify(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestEnricher(t *testing.T) {
	apiKeys := verifierFunc(func(ctx context.Context, c string) (Identity, error) {
		if c == "sk_good" {
			return Identity{UserID: "owner", Tier: "enterprise", APIKeyID: "key-9"}, nil
		}
		return Identity{}, ErrInvalidCredential
	})
	tokens := NewStaticTokenVerifier(map[string]string{"jwt-1": "carol:premium"})
	e := NewEnricher(apiKeys, tokens, EnricherConfig{}, logger.Discard())

	base := ratelimit.RateLimitContext{IPAddress: "10.0.0.1", OperationType: "search"}

	t.Run("api key", func(t *testing.T) {
		rc := e.Enrich(context.Background(), base, "sk_good")
		assert.True(t, rc.IsAuthenticated)
		assert.Equal(t, "owner", rc.UserID)
		assert.Equal(t, "enterprise", rc.UserTier)
		assert.Equal(t, "key-9", rc.APIKeyID)
		assert.Equal(t, "10.0.0.1", rc.IPAddress)
	})

	t.Run("bearer token", func(t *testing.T) {
		rc := e.Enrich(context.Background(), base, "Bearer jwt-1")
		assert.True(t, rc.IsAuthenticated)
		assert.Equal(t, "carol", rc.UserID)
		assert.Equal(t, "premium", rc.UserTier)
		assert.Empty(t, rc.APIKeyID)
	})

	t.Run("invalid credential leaves context anonymous", func(t *testing.T) {
		assert.Equal(t, base, e.Enrich(context.Background(), base, "sk_bad"))
		assert.Equal(t, base, e.Enrich(context.Background(), base, "bearer unknown"))
		assert.Equal(t, base, e.Enrich(context.Background(), base, "   "))
	})

	t.Run("malformed api key never reaches the registry", func(t *testing.T) {
		called := false
		strict := NewEnricher(verifierFunc(func(ctx context.Context, c string) (Identity, error) {
			called = true
			return Identity{UserID: "x"}, nil
		}), nil, EnricherConfig{}, logger.Discard())

		assert.Equal(t, base, strict.Enrich(context.Background(), base, "sk_not-a-key"))
		assert.Equal(t, base, strict.Enrich(context.Background(), base, "sk_"))
		assert.False(t, called)
	})

	t.Run("existing user is kept", func(t *testing.T) {
		rc := base
		rc.UserID = "already"
		rc.IsAuthenticated = true
		assert.Equal(t, rc, e.Enrich(context.Background(), rc, "sk_good"))
	})

	t.Run("missing verifier", func(t *testing.T) {
		noTokens := NewEnricher(apiKeys, nil, EnricherConfig{}, logger.Discard())
		assert.Equal(t, base, noTokens.Enrich(context.Background(), base, "jwt-1"))
	})
}

func TestEnricher_Timeout(t *testing.T) {
	slow := verifierFunc(func(ctx context.Context, c string) (Identity, error) {
		<-ctx.Done()
		return Identity{}, ctx.Err()
	})
	e := NewEnricher(slow, nil, EnricherConfig{Timeout: 10 * time.Millisecond}, logger.Discard())

	base := ratelimit.RateLimitContext{IPAddress: "10.0.0.2"}
	start := time.Now()
	rc := e.Enrich(context.Background(), base, "sk_slow")

	assert.Equal(t, base, rc)
	assert.Less(t, time.Since(start), time.Second)
}
