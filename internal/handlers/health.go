package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/searchgate/searchgate/internal/ratelimit"
)

// HealthResponse represents the response for the health endpoint.
type HealthResponse struct {
	Status         string  `json:"status"`
	Timestamp      string  `json:"timestamp"`
	StoreReachable bool    `json:"store_reachable"`
	ConfigLoaded   bool    `json:"config_loaded"`
	LatencyMS      float64 `json:"latency_ms"`
}

// ReadyResponse represents the response for the ready endpoint.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// CheckFunc reports whether a dependency is ready.
type CheckFunc func(ctx context.Context) error

// HealthReporter is the engine's health probe.
type HealthReporter interface {
	HealthCheck(ctx context.Context) ratelimit.Health
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	engine  HealthReporter
	timeout time.Duration
	ready   bool
	checks  map[string]CheckFunc
	mu      sync.RWMutex
}

// NewHealthHandler creates a new HealthHandler. engine may be nil.
func NewHealthHandler(engine HealthReporter) *HealthHandler {
	return &HealthHandler{
		engine:  engine,
		timeout: 2 * time.Second,
		ready:   true,
		checks:  make(map[string]CheckFunc),
	}
}

// Health handles /health. A degraded store is reported in the body; the
// status code stays 200.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		StoreReachable: true,
		ConfigLoaded:   true,
	}

	if h.engine != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		health := h.engine.HealthCheck(ctx)
		resp.Status = health.Status
		resp.StoreReachable = health.StoreReachable
		resp.ConfigLoaded = health.ConfigLoaded
		resp.LatencyMS = health.LatencyMS
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ready handles /ready. It fails while shutting down or when any registered
// check fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allReady := h.ready

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = "fail: " + err.Error()
			allReady = false
		} else {
			checks[name] = "ok"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allReady {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(checks) > 0 {
		response.Checks = checks
	}

	writeJSON(w, statusCode, response)
}

// SetReady sets the ready state.
func (h *HealthHandler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current ready state.
func (h *HealthHandler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// AddCheck adds a dependency check.
func (h *HealthHandler) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}
