package handlers

import (
	"net/http"
	"time"

	"github.com/searchgate/searchgate/internal/middleware"
	"github.com/searchgate/searchgate/internal/ratelimit"
)

// CheckRequest is an explicit admission query. Empty fields are taken from
// the HTTP request where possible. UserID, UserTier, IsAuthenticated and
// IPAddress are honoured only from trusted callers.
type CheckRequest struct {
	UserID          string `json:"user_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	IPAddress       string `json:"ip_address,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	OperationType   string `json:"operation_type"`
	UserTier        string `json:"user_tier,omitempty"`
	IsAuthenticated bool   `json:"is_authenticated,omitempty"`
	Credential      string `json:"credential,omitempty"`
}

// CheckResponse is the decision for a CheckRequest.
type CheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Remaining  int    `json:"remaining"`
	ResetTime  string `json:"reset_time,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	LimitType  string `json:"limit_type"`
	LimitValue int    `json:"limit_value,omitempty"`
}

// CheckHandler answers admission queries for callers that enforce limits
// themselves.
type CheckHandler struct {
	decider middleware.Decider
	trusted bool
}

// NewCheckHandler creates a new CheckHandler. When trusted is false the
// caller cannot assert an identity or address: identity comes only from the
// credential and the address from the connection.
func NewCheckHandler(d middleware.Decider, trusted bool) *CheckHandler {
	return &CheckHandler{decider: d, trusted: trusted}
}

// Check handles POST /v1/check. A denial is still a 200; the body carries
// the decision.
func (h *CheckHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.OperationType == "" {
		writeError(w, http.StatusBadRequest, "operation_type is required", "INVALID_REQUEST")
		return
	}

	rc := ratelimit.RateLimitContext{
		SessionID:     req.SessionID,
		Endpoint:      req.Endpoint,
		OperationType: req.OperationType,
	}
	if h.trusted {
		rc.UserID = req.UserID
		rc.UserTier = req.UserTier
		rc.IsAuthenticated = req.IsAuthenticated && req.UserID != ""
		rc.IPAddress = req.IPAddress
	}
	if rc.IPAddress == "" {
		rc.IPAddress = middleware.GetClientIP(r.Context())
	}

	result := h.decider.Check(r.Context(), rc, req.Credential)

	resp := CheckResponse{
		Allowed:    result.Allowed,
		Remaining:  result.Remaining,
		RetryAfter: result.RetryAfterSeconds(),
		LimitType:  string(result.LimitType),
		LimitValue: result.LimitValue,
	}
	if !result.ResetTime.IsZero() {
		resp.ResetTime = result.ResetTime.UTC().Format(time.RFC3339)
	}

	middleware.SetRateLimitHeaders(w, result)
	writeJSON(w, http.StatusOK, resp)
}
