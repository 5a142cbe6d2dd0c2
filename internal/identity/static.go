package identity

import (
	"context"
	"strings"
)

// StaticTokenVerifier resolves bearer tokens from a fixed table. It stands in
// for an external authentication service in development and tests.
type StaticTokenVerifier struct {
	tokens map[string]Identity
}

// NewStaticTokenVerifier builds a verifier from token -> "userID[:tier]".
func NewStaticTokenVerifier(tokens map[string]string) *StaticTokenVerifier {
	v := &StaticTokenVerifier{tokens: make(map[string]Identity, len(tokens))}
	for token, ident := range tokens {
		user, tier, _ := strings.Cut(ident, ":")
		if user == "" {
			continue
		}
		if tier == "" {
			tier = "free"
		}
		v.tokens[token] = Identity{UserID: user, Tier: tier}
	}
	return v
}

// Verify looks token up.
func (v *StaticTokenVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if id, ok := v.tokens[token]; ok {
		return id, nil
	}
	return Identity{}, ErrInvalidCredential
}
