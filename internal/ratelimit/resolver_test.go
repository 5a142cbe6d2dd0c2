package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchgate/searchgate/internal/config"
)

func scopesOf(checks []ScopeCheck) []LimitType {
	out := make([]LimitType, len(checks))
	for i, c := range checks {
		out[i] = c.Scope
	}
	return out
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver("rl:")
	table := DefaultTable()

	t.Run("anonymous caller", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			IPAddress:     "203.0.113.5",
			OperationType: "search",
		}, table)

		require.Len(t, checks, 2)
		assert.Equal(t, []LimitType{LimitGlobal, LimitIP}, scopesOf(checks))

		assert.Equal(t, "rl:global:search", checks[0].Key)
		assert.Equal(t, 10000, checks[0].Limit)
		assert.Equal(t, time.Minute, checks[0].Window)

		assert.Equal(t, "rl:ip:203.0.113.5:search", checks[1].Key)
		assert.Equal(t, 100, checks[1].Limit)
		assert.Equal(t, time.Hour, checks[1].Window)
	})

	t.Run("anonymous caller with session", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			SessionID:     "s1",
			IPAddress:     "203.0.113.5",
			OperationType: "suggest",
		}, table)

		assert.Equal(t, []LimitType{LimitGlobal, LimitSession, LimitIP}, scopesOf(checks))
		assert.Equal(t, "rl:session:s1:suggest", checks[1].Key)
		assert.Equal(t, 1500, checks[1].Limit)
	})

	t.Run("authenticated caller skips ip", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			UserID:          "u1",
			IsAuthenticated: true,
			IPAddress:       "203.0.113.5",
			OperationType:   "search",
		}, table)

		assert.Equal(t, []LimitType{LimitGlobal, LimitUser}, scopesOf(checks))
		assert.Equal(t, "rl:user:u1:search", checks[1].Key)
		assert.Equal(t, 1000, checks[1].Limit)
	})

	t.Run("premium supersedes authenticated", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			UserID:          "u1",
			UserTier:        "premium",
			IsAuthenticated: true,
			OperationType:   "search",
		}, table)

		require.Len(t, checks, 2)
		assert.Equal(t, LimitPremium, checks[1].Scope)
		assert.Equal(t, "rl:user:u1:search", checks[1].Key, "premium shares the user counter")
		assert.Equal(t, 5000, checks[1].Limit)
	})

	t.Run("authenticated without user id is treated as anonymous", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			IsAuthenticated: true,
			IPAddress:       "203.0.113.5",
			OperationType:   "search",
		}, table)

		assert.Equal(t, []LimitType{LimitGlobal, LimitIP}, scopesOf(checks))
	})

	t.Run("api key scope", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			UserID:          "u1",
			APIKeyID:        "k1",
			IsAuthenticated: true,
			OperationType:   "analytics",
		}, table)

		assert.Equal(t, []LimitType{LimitGlobal, LimitUser, LimitAPIKey}, scopesOf(checks))
		assert.Equal(t, "rl:apiKey:k1:analytics", checks[2].Key)
		assert.Equal(t, 400, checks[2].Limit)
	})

	t.Run("aliases share the search budget", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			IPAddress:     "203.0.113.5",
			OperationType: "multi-type",
		}, table)

		require.Len(t, checks, 2)
		assert.Equal(t, "rl:ip:203.0.113.5:search", checks[1].Key)
	})

	t.Run("unknown category is unrestricted", func(t *testing.T) {
		checks := r.Resolve(RateLimitContext{
			IPAddress:     "203.0.113.5",
			OperationType: "export",
		}, table)

		assert.Empty(t, checks)
	})

	t.Run("missing tier contributes nothing", func(t *testing.T) {
		partial := NewTable(config.LimitTable{
			"anonymous": {"search": {RequestLimit: 5, WindowSeconds: 60}},
		})

		checks := r.Resolve(RateLimitContext{
			SessionID:     "s1",
			IPAddress:     "203.0.113.5",
			OperationType: "search",
		}, partial)

		assert.Equal(t, []LimitType{LimitIP}, scopesOf(checks))
	})
}
