// Package services contains business logic.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/searchgate/searchgate/internal/models"
	"github.com/searchgate/searchgate/internal/repository"
)

// maxIssueAttempts bounds retries on generated-key collisions.
const maxIssueAttempts = 3

// IssueAPIKeyRequest represents the input for issuing an API key.
type IssueAPIKeyRequest struct {
	OwnerID   string
	Name      string
	Tier      string
	ExpiresIn *time.Duration
}

// IssuedAPIKey is a newly issued key. Plaintext is never stored and cannot
// be recovered later.
type IssuedAPIKey struct {
	Key       *models.APIKey
	Plaintext string
}

// APIKeyService defines API key lifecycle operations.
type APIKeyService interface {
	Issue(ctx context.Context, req IssueAPIKeyRequest) (*IssuedAPIKey, error)
	Revoke(ctx context.Context, id string) error
}

// IdentityInvalidator drops cached identities for a key hash.
type IdentityInvalidator interface {
	Invalidate(ctx context.Context, plaintextOrHash string, isHash bool) error
}

// APIKeyServiceImpl implements APIKeyService.
type APIKeyServiceImpl struct {
	repo        repository.APIKeyRepository
	invalidator IdentityInvalidator
	prefix      string
	now         func() time.Time
}

// NewAPIKeyService creates a new APIKeyService. invalidator may be nil.
func NewAPIKeyService(repo repository.APIKeyRepository, invalidator IdentityInvalidator, prefix string) *APIKeyServiceImpl {
	if prefix == "" {
		prefix = models.DefaultAPIKeyPrefix
	}
	return &APIKeyServiceImpl{
		repo:        repo,
		invalidator: invalidator,
		prefix:      prefix,
		now:         time.Now,
	}
}

// Issue generates and stores a new key.
func (s *APIKeyServiceImpl) Issue(ctx context.Context, req IssueAPIKeyRequest) (*IssuedAPIKey, error) {
	create := &models.APIKeyCreate{
		OwnerID: req.OwnerID,
		Name:    req.Name,
		Tier:    req.Tier,
	}
	if req.ExpiresIn != nil {
		if *req.ExpiresIn <= 0 {
			return nil, models.ErrInvalidExpiry
		}
		exp := s.now().Add(*req.ExpiresIn).UTC()
		create.ExpiresAt = &exp
	}
	if err := create.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		generated, err := models.GenerateAPIKey(s.prefix)
		if err != nil {
			return nil, err
		}

		key, err := s.repo.Create(ctx, create, generated)
		if err == nil {
			return &IssuedAPIKey{Key: key, Plaintext: generated.Plaintext}, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) || attempt >= maxIssueAttempts {
			return nil, err
		}
	}
}

// Revoke deactivates a key and evicts its cached identity.
func (s *APIKeyServiceImpl) Revoke(ctx context.Context, id string) error {
	key, err := s.repo.Deactivate(ctx, id)
	if err != nil {
		return err
	}

	if s.invalidator != nil && key.KeyHash != "" {
		// a stale entry still expires within the identity cache TTL
		_ = s.invalidator.Invalidate(ctx, key.KeyHash, true)
	}
	return nil
}
