package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CachedIdentity is a resolved API key as stored in cache.
type CachedIdentity struct {
	APIKeyID  string     `json:"api_key_id"`
	OwnerID   string     `json:"owner_id"`
	Tier      string     `json:"tier"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IdentityCacher defines the interface for identity caching operations.
type IdentityCacher interface {
	Get(ctx context.Context, keyHash string) (*CachedIdentity, error)
	Set(ctx context.Context, keyHash string, identity *CachedIdentity) error
	Delete(ctx context.Context, keyHash string) error
}

var _ IdentityCacher = (*IdentityCache)(nil)

// IdentityCache stores resolved API keys keyed by the hash of the secret.
type IdentityCache struct {
	cache     Cache
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewIdentityCache creates an identity cache over cache.
func NewIdentityCache(cache Cache, keyPrefix string, ttl time.Duration) *IdentityCache {
	if keyPrefix == "" {
		keyPrefix = "identity:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &IdentityCache{
		cache:     cache,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Get returns the cached identity. Undecodable entries are removed and
// reported as ErrCacheMiss.
func (c *IdentityCache) Get(ctx context.Context, keyHash string) (*CachedIdentity, error) {
	key := c.key(keyHash)
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var identity CachedIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		_ = c.cache.Delete(ctx, key)
		return nil, ErrCacheMiss
	}
	return &identity, nil
}

// Set caches identity. The TTL never outlives the key's own expiry.
func (c *IdentityCache) Set(ctx context.Context, keyHash string, identity *CachedIdentity) error {
	ttl := c.ttl
	if identity.ExpiresAt != nil {
		remaining := identity.ExpiresAt.Sub(c.now())
		if remaining <= 0 {
			return nil
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	return c.cache.Set(ctx, c.key(keyHash), data, ttl)
}

// Delete evicts a cached identity.
func (c *IdentityCache) Delete(ctx context.Context, keyHash string) error {
	return c.cache.Delete(ctx, c.key(keyHash))
}

func (c *IdentityCache) key(keyHash string) string {
	return c.keyPrefix + keyHash
}
