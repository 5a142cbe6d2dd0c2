// Package models contains domain models and entities.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/searchgate/searchgate/internal/idgen"
)

// DefaultAPIKeyPrefix marks a credential as an API key.
const DefaultAPIKeyPrefix = "sk_"

// displayPrefixLen is how much of a plaintext key is kept for display.
const displayPrefixLen = 10

// secretLen is the number of Base62 symbols after the prefix.
const secretLen = 32

// Validation errors
var (
	ErrEmptyOwner     = errors.New("api key owner cannot be empty")
	ErrInvalidTier    = errors.New("invalid api key tier")
	ErrAPIKeyNotFound = errors.New("api key not found")
	ErrInvalidExpiry  = errors.New("api key expiry must be in the future")
)

// Subscription tiers an API key may carry.
var validTiers = map[string]bool{
	"free":       true,
	"basic":      true,
	"premium":    true,
	"enterprise": true,
}

// APIKey is a registered API key. Only the SHA-256 hash of the secret is stored.
type APIKey struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Tier       string     `json:"tier"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// IsExpired reports whether the key has passed its expiry.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Usable reports whether the key may authenticate requests.
func (k *APIKey) Usable(now time.Time) bool {
	return k.Active && !k.IsExpired(now)
}

// APIKeyCreate is the data needed to issue a key.
type APIKeyCreate struct {
	OwnerID   string     `json:"owner_id"`
	Name      string     `json:"name"`
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validate validates the creation request, defaulting Tier to free.
func (c *APIKeyCreate) Validate() error {
	if strings.TrimSpace(c.OwnerID) == "" {
		return ErrEmptyOwner
	}
	if c.Tier == "" {
		c.Tier = "free"
	}
	if !validTiers[c.Tier] {
		return fmt.Errorf("%w: %q", ErrInvalidTier, c.Tier)
	}
	return nil
}

// HashAPIKey returns the hex SHA-256 of a plaintext key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// GeneratedKey is a freshly issued secret. Plaintext is shown once and never stored.
type GeneratedKey struct {
	ID        string
	Plaintext string
	Hash      string
	Prefix    string
}

// GenerateAPIKey creates a random key starting with prefix.
func GenerateAPIKey(prefix string) (GeneratedKey, error) {
	if prefix == "" {
		prefix = DefaultAPIKeyPrefix
	}

	secret, err := idgen.RandomString(secretLen)
	if err != nil {
		return GeneratedKey{}, fmt.Errorf("failed to generate api key: %w", err)
	}

	plaintext := prefix + secret
	return GeneratedKey{
		ID:        uuid.NewString(),
		Plaintext: plaintext,
		Hash:      HashAPIKey(plaintext),
		Prefix:    plaintext[:displayPrefixLen],
	}, nil
}
