package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/internal/security"
)

// Decider is the admission check the middleware enforces.
type Decider interface {
	Check(ctx context.Context, rc ratelimit.RateLimitContext, credential string) ratelimit.RateLimitResult
}

// OperationFunc maps a request to an operation type. An empty result lets
// the request through unchecked.
type OperationFunc func(r *http.Request) string

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	APIKeyHeader  string // e.g. "X-API-Key"
	SessionHeader string // e.g. "X-Session-ID"
	SessionCookie string // fallback when the header is absent
	Operation     OperationFunc
	IPResolver    *IPResolver // used when ClientIP has not run
}

// RateLimitResponse is the JSON response for rate limited requests.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Scope      string `json:"scope"`
	RetryAfter int    `json:"retry_after"`
}

// RateLimit returns a middleware that admits or rejects requests through d.
func RateLimit(d Decider, cfg RateLimitConfig) Middleware {
	if cfg.Operation == nil {
		cfg.Operation = OperationForPath
	}
	if cfg.IPResolver == nil {
		cfg.IPResolver = NewIPResolver(false, nil)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := cfg.Operation(r)
			if op == "" {
				next.ServeHTTP(w, r)
				return
			}

			rc, credential := BuildContext(r, cfg)
			rc.OperationType = op

			result := d.Check(r.Context(), rc, credential)
			SetRateLimitHeaders(w, result)

			if !result.Allowed {
				WriteRateLimitResponse(w, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BuildContext extracts the rate limit context and the raw credential from r.
// Identity fields are left for the engine's enricher to fill.
func BuildContext(r *http.Request, cfg RateLimitConfig) (ratelimit.RateLimitContext, string) {
	ip := GetClientIP(r.Context())
	if ip == "" && cfg.IPResolver != nil {
		ip = cfg.IPResolver.Resolve(r)
	}

	rc := ratelimit.RateLimitContext{
		IPAddress: ip,
		Endpoint:  r.URL.Path,
	}

	if cfg.SessionHeader != "" {
		rc.SessionID = strings.TrimSpace(r.Header.Get(cfg.SessionHeader))
	}
	if rc.SessionID == "" && cfg.SessionCookie != "" {
		if c, err := r.Cookie(cfg.SessionCookie); err == nil {
			rc.SessionID = c.Value
		}
	}
	if rc.SessionID != "" && security.ValidateIdentifier(rc.SessionID) != nil {
		rc.SessionID = ""
	}

	var credential string
	if cfg.APIKeyHeader != "" {
		credential = strings.TrimSpace(r.Header.Get(cfg.APIKeyHeader))
	}
	if credential == "" {
		credential = strings.TrimSpace(r.Header.Get("Authorization"))
	}

	return rc, credential
}

// OperationForPath maps search API paths onto operation categories by their
// last segment: .../suggest and .../autocomplete are suggest, .../analytics
// and .../stats are analytics, .../search is search.
func OperationForPath(r *http.Request) string {
	path := strings.TrimSuffix(r.URL.Path, "/")
	last := path[strings.LastIndexByte(path, '/')+1:]

	switch strings.ToLower(last) {
	case "search", "query":
		return "search"
	case "suggest", "suggestions", "autocomplete":
		return "suggest"
	case "analytics", "stats":
		return "analytics"
	default:
		return ""
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers for result.
func SetRateLimitHeaders(w http.ResponseWriter, result ratelimit.RateLimitResult) {
	h := w.Header()
	if result.LimitValue > 0 {
		h.Set("X-RateLimit-Limit", strconv.Itoa(result.LimitValue))
	}
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetTime.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	}
	if result.LimitType != "" {
		h.Set("X-RateLimit-Scope", string(result.LimitType))
	}
	if !result.Allowed {
		h.Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds()))
	}
}

// WriteRateLimitResponse writes the 429 response.
func WriteRateLimitResponse(w http.ResponseWriter, result ratelimit.RateLimitResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	msg := "rate limit exceeded"
	if result.LimitType == ratelimit.LimitBlocked {
		msg = "temporarily blocked"
	}

	_ = json.NewEncoder(w).Encode(RateLimitResponse{
		Error:      msg,
		Code:       "RATE_LIMIT_EXCEEDED",
		Scope:      string(result.LimitType),
		RetryAfter: result.RetryAfterSeconds(),
	})
}
