package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/searchgate/searchgate/internal/config"
	"github.com/searchgate/searchgate/internal/models"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/internal/security"
	"github.com/searchgate/searchgate/internal/services"
	"github.com/searchgate/searchgate/pkg/logger"
)

// AdminEngine is the part of the engine the admin API drives.
type AdminEngine interface {
	TemporaryBlock(ctx context.Context, identifier string, typ ratelimit.BlockType, duration time.Duration, reason string) (*ratelimit.BlockRecord, error)
	RemoveTemporaryBlock(ctx context.Context, identifier string, typ ratelimit.BlockType) error
	GetBlockInfo(ctx context.Context, identifier string, typ ratelimit.BlockType) (*ratelimit.BlockRecord, error)
	GetRateLimitStats(ctx context.Context, q ratelimit.StatsQuery) ([]ratelimit.ScopeUsage, error)
	ResetLimits(ctx context.Context, scope ratelimit.LimitType, identifier string) error
	GetAPIKeyUsageStats(ctx context.Context, apiKeyID string, days int) ([]ratelimit.DailyUsage, error)
	Reload(table *ratelimit.Table) error
	Limits() *ratelimit.Table
}

// LimitsLoader produces the limit table for a reload.
type LimitsLoader func() (config.LimitTable, error)

// maxBlockSeconds caps a temporary block at 30 days.
const maxBlockSeconds = 30 * 24 * 60 * 60

// BlockRequest is the body of POST /admin/blocks/{type}/{id}.
type BlockRequest struct {
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

// StatsResponse is the body of GET /admin/stats.
type StatsResponse struct {
	Scopes []ratelimit.ScopeUsage `json:"scopes"`
}

// UsageResponse is the body of GET /admin/apikeys/{key}/usage.
type UsageResponse struct {
	APIKeyID string                 `json:"api_key_id"`
	Days     int                    `json:"days"`
	Usage    []ratelimit.DailyUsage `json:"usage"`
}

// IssueKeyRequest is the body of POST /admin/apikeys.
type IssueKeyRequest struct {
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	Tier      string `json:"tier"`
	ExpiresIn string `json:"expires_in,omitempty"`
}

// IssueKeyResponse returns a newly issued key. APIKey is shown only once.
type IssueKeyResponse struct {
	ID        string  `json:"id"`
	APIKey    string  `json:"api_key"`
	KeyPrefix string  `json:"key_prefix"`
	OwnerID   string  `json:"owner_id"`
	Tier      string  `json:"tier"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// AdminHandler serves the operational API.
type AdminHandler struct {
	engine AdminEngine
	keys   services.APIKeyService
	limits LimitsLoader
	log    *logger.Logger
}

// NewAdminHandler creates a new AdminHandler. keys and limits may be nil.
func NewAdminHandler(engine AdminEngine, keys services.APIKeyService, limits LimitsLoader, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		engine: engine,
		keys:   keys,
		limits: limits,
		log:    log.Named("admin"),
	}
}

func (h *AdminHandler) blockTarget(w http.ResponseWriter, r *http.Request) (ratelimit.BlockType, string, bool) {
	typ, err := ratelimit.ParseBlockType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BLOCK_TYPE")
		return "", "", false
	}
	id := r.PathValue("id")
	if !validIdentifier(w, id, typ == ratelimit.BlockIP) {
		return "", "", false
	}
	return typ, id, true
}

// validIdentifier rejects identifiers that cannot name a counter or block
// key, writing the 400 itself.
func validIdentifier(w http.ResponseWriter, id string, ip bool) bool {
	if err := security.ValidateIdentifier(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_IDENTIFIER")
		return false
	}
	if ip {
		if err := security.ValidateIP(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_IDENTIFIER")
			return false
		}
	}
	return true
}

// writeEngineError maps engine errors onto responses.
func (h *AdminHandler) writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrBlocksUnavailable), errors.Is(err, ratelimit.ErrUsageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "UNAVAILABLE")
	case errors.Is(err, ratelimit.ErrInvalidBlockType):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BLOCK_TYPE")
	default:
		h.log.Error("admin operation failed", "operation", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// Block handles POST /admin/blocks/{type}/{id}.
func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	typ, id, ok := h.blockTarget(w, r)
	if !ok {
		return
	}

	var req BlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.DurationSeconds <= 0 || req.DurationSeconds > maxBlockSeconds {
		writeError(w, http.StatusBadRequest, "duration_seconds must be between 1 and 2592000", "INVALID_DURATION")
		return
	}

	if typ == ratelimit.BlockIP && security.IsInternalIP(id) {
		h.log.Warn("blocking an internal address", "ip", id)
	}

	rec, err := h.engine.TemporaryBlock(r.Context(), id, typ, time.Duration(req.DurationSeconds)*time.Second, req.Reason)
	if err != nil {
		h.writeEngineError(w, "block", err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// GetBlock handles GET /admin/blocks/{type}/{id}.
func (h *AdminHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	typ, id, ok := h.blockTarget(w, r)
	if !ok {
		return
	}

	rec, err := h.engine.GetBlockInfo(r.Context(), id, typ)
	if err != nil {
		h.writeEngineError(w, "get_block", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not blocked", "NOT_BLOCKED")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Unblock handles DELETE /admin/blocks/{type}/{id}.
func (h *AdminHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	typ, id, ok := h.blockTarget(w, r)
	if !ok {
		return
	}

	if err := h.engine.RemoveTemporaryBlock(r.Context(), id, typ); err != nil {
		h.writeEngineError(w, "unblock", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /admin/stats?user_id=&session_id=&ip=.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	scopes, err := h.engine.GetRateLimitStats(r.Context(), ratelimit.StatsQuery{
		UserID:    q.Get("user_id"),
		UserTier:  q.Get("user_tier"),
		APIKeyID:  q.Get("api_key_id"),
		SessionID: q.Get("session_id"),
		IPAddress: q.Get("ip"),
	})
	if err != nil {
		h.log.Warn("rate limit stats unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "rate limit store unavailable", "UNAVAILABLE")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{Scopes: scopes})
}

// ResetLimits handles DELETE /admin/limits/{scope}/{id}.
func (h *AdminHandler) ResetLimits(w http.ResponseWriter, r *http.Request) {
	scope := ratelimit.LimitType(r.PathValue("scope"))
	switch scope {
	case ratelimit.LimitUser, ratelimit.LimitPremium, ratelimit.LimitAPIKey, ratelimit.LimitSession, ratelimit.LimitIP:
	default:
		writeError(w, http.StatusBadRequest, "scope must be one of user, premium, apiKey, session, ip", "INVALID_SCOPE")
		return
	}

	id := r.PathValue("id")
	if !validIdentifier(w, id, scope == ratelimit.LimitIP) {
		return
	}

	if err := h.engine.ResetLimits(r.Context(), scope, id); err != nil {
		h.writeEngineError(w, "reset", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// APIKeyUsage handles GET /admin/apikeys/{key}/usage?days=N.
func (h *AdminHandler) APIKeyUsage(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("key")

	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer", "INVALID_DAYS")
			return
		}
		days = n
	}

	usage, err := h.engine.GetAPIKeyUsageStats(r.Context(), keyID, days)
	if err != nil {
		h.writeEngineError(w, "apikey_usage", err)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{APIKeyID: keyID, Days: len(usage), Usage: usage})
}

// IssueKey handles POST /admin/apikeys.
func (h *AdminHandler) IssueKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "api key registry not configured", "UNAVAILABLE")
		return
	}

	var req IssueKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	var expiresIn *time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expires_in duration format", "INVALID_EXPIRES_IN")
			return
		}
		expiresIn = &d
	}

	issued, err := h.keys.Issue(r.Context(), services.IssueAPIKeyRequest{
		OwnerID:   req.OwnerID,
		Name:      req.Name,
		Tier:      req.Tier,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrEmptyOwner), errors.Is(err, models.ErrInvalidTier), errors.Is(err, models.ErrInvalidExpiry):
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		default:
			h.writeEngineError(w, "issue_key", err)
		}
		return
	}

	resp := IssueKeyResponse{
		ID:        issued.Key.ID,
		APIKey:    issued.Plaintext,
		KeyPrefix: issued.Key.KeyPrefix,
		OwnerID:   issued.Key.OwnerID,
		Tier:      issued.Key.Tier,
	}
	if issued.Key.ExpiresAt != nil {
		exp := issued.Key.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &exp
	}

	writeJSON(w, http.StatusCreated, resp)
}

// RevokeKey handles DELETE /admin/apikeys/{key}.
func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "api key registry not configured", "UNAVAILABLE")
		return
	}

	if err := h.keys.Revoke(r.Context(), r.PathValue("key")); err != nil {
		if errors.Is(err, models.ErrAPIKeyNotFound) {
			writeError(w, http.StatusNotFound, "api key not found", "NOT_FOUND")
			return
		}
		h.writeEngineError(w, "revoke_key", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Limits handles GET /admin/limits.
func (h *AdminHandler) Limits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Limits().Export())
}

// Reload handles POST /admin/reload.
func (h *AdminHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.limits == nil {
		writeError(w, http.StatusServiceUnavailable, "reload not configured", "UNAVAILABLE")
		return
	}

	src, err := h.limits()
	if err != nil {
		h.log.Warn("failed to load limits", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_CONFIG")
		return
	}

	if err := h.engine.Reload(ratelimit.NewTable(src)); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ratelimit.ErrInvalidConfig) {
			code = http.StatusUnprocessableEntity
		}
		writeError(w, code, err.Error(), "INVALID_CONFIG")
		return
	}

	writeJSON(w, http.StatusOK, h.engine.Limits().Export())
}
