// Package identity resolves request credentials into caller identities for
// rate limiting. Resolution never fails a request: anything that cannot be
// verified leaves the caller anonymous.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/searchgate/searchgate/internal/idgen"
	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/pkg/logger"
)

// ErrInvalidCredential is returned when a credential does not resolve to an identity.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is a verified caller.
type Identity struct {
	UserID   string
	Tier     string // subscription tier, e.g. free, premium, enterprise
	APIKeyID string // set when the credential was an API key
}

// TokenVerifier resolves a credential to an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Enricher fills missing identity into a rate limit context.
type Enricher struct {
	apiKeys      TokenVerifier
	tokens       TokenVerifier
	apiKeyPrefix string
	timeout      time.Duration
	log          *logger.Logger
}

// EnricherConfig configures an Enricher.
type EnricherConfig struct {
	APIKeyPrefix string
	Timeout      time.Duration
}

// NewEnricher creates an Enricher. Either verifier may be nil.
func NewEnricher(apiKeys, tokens TokenVerifier, cfg EnricherConfig, log *logger.Logger) *Enricher {
	if cfg.APIKeyPrefix == "" {
		cfg.APIKeyPrefix = "sk_"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	return &Enricher{
		apiKeys:      apiKeys,
		tokens:       tokens,
		apiKeyPrefix: cfg.APIKeyPrefix,
		timeout:      cfg.Timeout,
		log:          log.Named("identity"),
	}
}

var _ ratelimit.Enricher = (*Enricher)(nil)

// Enrich resolves credential and merges the identity into rc. A context that
// already names a user is returned unchanged, as is any context whose
// credential fails to verify.
func (e *Enricher) Enrich(ctx context.Context, rc ratelimit.RateLimitContext, credential string) ratelimit.RateLimitContext {
	if rc.UserID != "" {
		return rc
	}

	credential = strings.TrimSpace(credential)
	if scheme, rest, ok := strings.Cut(credential, " "); ok && strings.EqualFold(scheme, "bearer") {
		credential = strings.TrimSpace(rest)
	}
	if credential == "" {
		return rc
	}

	verifier, source := e.tokens, "token"
	if strings.HasPrefix(credential, e.apiKeyPrefix) {
		verifier, source = e.apiKeys, "apikey"
	}
	if verifier == nil {
		metrics.RecordIdentityLookup(source, "unsupported")
		return rc
	}
	if source == "apikey" && !idgen.IsValid(strings.TrimPrefix(credential, e.apiKeyPrefix)) {
		metrics.RecordIdentityLookup(source, "malformed")
		return rc
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	id, err := verifier.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			metrics.RecordIdentityLookup(source, "invalid")
		} else {
			metrics.RecordIdentityLookup(source, "error")
			e.log.Warn("credential verification failed, treating caller as anonymous",
				"source", source, "error", err)
		}
		return rc
	}

	metrics.RecordIdentityLookup(source, "ok")

	rc.UserID = id.UserID
	rc.UserTier = id.Tier
	rc.APIKeyID = id.APIKeyID
	rc.IsAuthenticated = id.UserID != ""
	return rc
}
