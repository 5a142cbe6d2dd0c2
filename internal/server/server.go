// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/searchgate/searchgate/internal/config"
	"github.com/searchgate/searchgate/internal/handlers"
	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/internal/middleware"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/internal/services"
	"github.com/searchgate/searchgate/pkg/logger"
)

// Option configures a Server.
type Option func(*Server)

// WithAPIKeyService enables the API key admin routes.
func WithAPIKeyService(svc services.APIKeyService) Option {
	return func(s *Server) {
		s.keys = svc
	}
}

// WithLimitsLoader enables POST /admin/reload.
func WithLimitsLoader(load handlers.LimitsLoader) Option {
	return func(s *Server) {
		s.limits = load
	}
}

// WithReadyCheck adds a dependency check to /ready.
func WithReadyCheck(name string, check handlers.CheckFunc) Option {
	return func(s *Server) {
		s.readyChecks = append(s.readyChecks, namedCheck{name: name, check: check})
	}
}

type namedCheck struct {
	name  string
	check handlers.CheckFunc
}

// Server represents the HTTP server.
type Server struct {
	cfg         *config.Config
	log         *logger.Logger
	engine      *ratelimit.Engine
	keys        services.APIKeyService
	limits      handlers.LimitsLoader
	readyChecks []namedCheck
	resolver    *middleware.IPResolver

	httpServer    *http.Server
	healthHandler *handlers.HealthHandler
	checkHandler  *handlers.CheckHandler
	adminHandler  *handlers.AdminHandler

	listener net.Listener
	running  bool
	mu       sync.RWMutex
}

// New creates a new Server serving engine.
func New(cfg *config.Config, log *logger.Logger, engine *ratelimit.Engine, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		engine:   engine,
		resolver: middleware.NewIPResolver(cfg.HTTP.TrustProxy, cfg.HTTP.TrustedProxies),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.healthHandler = handlers.NewHealthHandler(engine)
	for _, c := range s.readyChecks {
		s.healthHandler.AddCheck(c.name, c.check)
	}
	s.checkHandler = handlers.NewCheckHandler(engine, cfg.HTTP.CheckToken != "")
	s.adminHandler = handlers.NewAdminHandler(engine, s.keys, s.limits, log)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.buildMiddlewareChain(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// buildMiddlewareChain creates the middleware chain for the server.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	return middleware.New(
		middleware.Recover(s.log),
		middleware.Metrics(),
		middleware.RequestID(),
		middleware.ClientIP(s.resolver),
		middleware.AccessLog(s.log),
	).Then(handler)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.healthHandler.Health)
	mux.HandleFunc("GET /ready", s.healthHandler.Ready)
	mux.Handle("GET /metrics", metrics.Handler())

	// Without a service token the endpoint stays public and ignores asserted
	// identities.
	if s.cfg.HTTP.CheckToken != "" {
		mux.Handle("POST /v1/check", middleware.ServiceAuth(s.cfg.HTTP.CheckToken)(http.HandlerFunc(s.checkHandler.Check)))
	} else {
		mux.HandleFunc("POST /v1/check", s.checkHandler.Check)
	}

	admin := http.NewServeMux()
	admin.HandleFunc("POST /admin/blocks/{type}/{id}", s.adminHandler.Block)
	admin.HandleFunc("GET /admin/blocks/{type}/{id}", s.adminHandler.GetBlock)
	admin.HandleFunc("DELETE /admin/blocks/{type}/{id}", s.adminHandler.Unblock)
	admin.HandleFunc("GET /admin/stats", s.adminHandler.Stats)
	admin.HandleFunc("GET /admin/limits", s.adminHandler.Limits)
	admin.HandleFunc("DELETE /admin/limits/{scope}/{id}", s.adminHandler.ResetLimits)
	admin.HandleFunc("POST /admin/reload", s.adminHandler.Reload)
	admin.HandleFunc("POST /admin/apikeys", s.adminHandler.IssueKey)
	admin.HandleFunc("DELETE /admin/apikeys/{key}", s.adminHandler.RevokeKey)
	admin.HandleFunc("GET /admin/apikeys/{key}/usage", s.adminHandler.APIKeyUsage)

	mux.Handle("/admin/", middleware.AdminAuth(s.cfg.HTTP.AdminToken)(admin))
}

// Enforce returns the enforcement middleware bound to this server's engine,
// for mounting in front of search handlers.
func (s *Server) Enforce() middleware.Middleware {
	return middleware.RateLimit(s.engine, middleware.RateLimitConfig{
		APIKeyHeader:  s.cfg.HTTP.APIKeyHeader,
		SessionHeader: s.cfg.HTTP.SessionHeader,
		IPResolver:    s.resolver,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()

	// listen first so Addr works with port 0
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.Info("server starting", "address", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err)
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}
