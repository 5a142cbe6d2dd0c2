// Package ratelimit is the admission-control engine: it decides whether a
// search API call is currently permitted for a caller and operation class.
package ratelimit

import (
	"time"
)

// LimitType names the scope that produced a decision.
type LimitType string

const (
	LimitGlobal       LimitType = "global"
	LimitUser         LimitType = "user"
	LimitPremium      LimitType = "premium"
	LimitAPIKey       LimitType = "apiKey"
	LimitSession      LimitType = "session"
	LimitIP           LimitType = "ip"
	LimitFallback     LimitType = "fallback"
	LimitBlocked      LimitType = "blocked"
	LimitUnrestricted LimitType = "unrestricted"
)

// priority orders denying scopes: shared infrastructure first, then the
// most specific identity. Lower wins.
func (l LimitType) priority() int {
	switch l {
	case LimitGlobal:
		return 0
	case LimitUser, LimitPremium:
		return 1
	case LimitAPIKey:
		return 2
	case LimitSession:
		return 3
	case LimitIP:
		return 4
	default:
		return 5
	}
}

// RateLimitContext describes one incoming call. It is built fresh per
// request and passed by value.
type RateLimitContext struct {
	UserID          string
	SessionID       string
	APIKeyID        string
	IPAddress       string
	Endpoint        string
	OperationType   string
	UserTier        string
	IsAuthenticated bool
}

// RateLimitResult is the outcome of a check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration // zero unless Allowed is false
	LimitType  LimitType
	LimitValue int
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 when denied.
func (r RateLimitResult) RetryAfterSeconds() int {
	if r.Allowed || r.RetryAfter <= 0 {
		return 0
	}
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ScopeCheck is one limit to enforce for a request.
type ScopeCheck struct {
	Scope  LimitType
	Key    string
	Limit  int
	Window time.Duration
}

// DailyUsage aggregates one identifier's recorded decisions for a day.
type DailyUsage struct {
	Date        string         `json:"date"`
	Total       int            `json:"total"`
	Allowed     int            `json:"allowed"`
	Denied      int            `json:"denied"`
	ByOperation map[string]int `json:"by_operation"`
}

// UsageEntry is one recorded decision.
type UsageEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	OperationType string    `json:"operation_type"`
	Endpoint      string    `json:"endpoint"`
	IPAddress     string    `json:"ip_address"`
	Allowed       bool      `json:"allowed"`
	Remaining     int       `json:"remaining"`
	LimitType     LimitType `json:"limit_type,omitempty"`
}
