package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/pkg/logger"
)

// ErrBlocksUnavailable is returned by block operations when no block list is configured.
var ErrBlocksUnavailable = errors.New("block list not configured")

// ErrUsageUnavailable is returned by usage queries when no usage store is configured.
var ErrUsageUnavailable = errors.New("usage store not configured")

// Enricher fills in caller identity from a credential. It must never fail:
// unresolvable credentials leave the context anonymous.
type Enricher interface {
	Enrich(ctx context.Context, rc RateLimitContext, credential string) RateLimitContext
}

// UsageStore records decisions and answers usage queries.
type UsageStore interface {
	// Record must not block the caller.
	Record(identifier string, entry UsageEntry)
	Stats(ctx context.Context, identifier string, days int) ([]DailyUsage, error)
}

// Config holds engine settings.
type Config struct {
	KeyPrefix           string
	StoreTimeout        time.Duration
	DecisionTimeout     time.Duration
	FallbackRemaining   int
	GlobalFailClosedRPS float64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBlockList enables temporary blocks.
func WithBlockList(b *BlockList) Option {
	return func(e *Engine) { e.blocks = b }
}

// WithLoadAdjuster enables load-based limit scaling.
func WithLoadAdjuster(a *LoadAdjuster) Option {
	return func(e *Engine) { e.adjuster = a }
}

// WithEnricher sets the identity enricher used by Check.
func WithEnricher(en Enricher) Option {
	return func(e *Engine) { e.enricher = en }
}

// WithUsageStore enables usage recording and statistics.
func WithUsageStore(u UsageStore) Option {
	return func(e *Engine) { e.usage = u }
}

// WithHealthSampler sets the sampler used by HealthCheck.
func WithHealthSampler(s HealthSampler) Option {
	return func(e *Engine) { e.health = s }
}

// WithClock overrides the time source used for decision timestamps and
// block records, regardless of option order. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// Engine is the admission-control entry point.
type Engine struct {
	snapshot  *Snapshot
	resolver  *Resolver
	evaluator *Evaluator
	counter   Counter
	keys      KeyBuilder
	cfg       Config

	blocks   *BlockList
	adjuster *LoadAdjuster
	enricher Enricher
	usage    UsageStore
	health   HealthSampler

	log   *logger.Logger
	now   func() time.Time
	clock func() time.Time
}

// NewEngine creates an Engine enforcing table through counter.
func NewEngine(counter Counter, table *Table, cfg Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	snapshot, err := NewSnapshot(table)
	if err != nil {
		return nil, err
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 200 * time.Millisecond
	}

	e := &Engine{
		snapshot: snapshot,
		resolver: NewResolver(cfg.KeyPrefix),
		evaluator: NewEvaluator(counter, EvaluatorConfig{
			StoreTimeout:        cfg.StoreTimeout,
			FallbackRemaining:   cfg.FallbackRemaining,
			GlobalFailClosedRPS: cfg.GlobalFailClosedRPS,
		}, log),
		counter: counter,
		keys:    KeyBuilder{Prefix: cfg.KeyPrefix},
		cfg:     cfg,
		log:     log.Named("engine"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock != nil {
		e.now = e.clock
		e.evaluator.now = e.clock
		if e.blocks != nil {
			e.blocks.now = e.clock
		}
	}
	return e, nil
}

// Check enriches rc from credential, then decides. See CheckRateLimit.
func (e *Engine) Check(ctx context.Context, rc RateLimitContext, credential string) RateLimitResult {
	if e.enricher != nil && credential != "" && rc.UserID == "" {
		rc = e.enricher.Enrich(ctx, rc, credential)
	}
	return e.CheckRateLimit(ctx, rc)
}

// CheckRateLimit decides whether rc may proceed. It never fails: store
// problems resolve to allowed results.
func (e *Engine) CheckRateLimit(ctx context.Context, rc RateLimitContext) RateLimitResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DecisionTimeout)
	defer cancel()

	result, ok := e.blocked(ctx, rc)
	if !ok {
		table := e.snapshot.Load()
		if e.adjuster != nil {
			actx, acancel := e.storeContext(ctx)
			table = e.adjuster.Adjust(actx, table)
			acancel()
		}
		result = e.evaluator.Evaluate(ctx, e.resolver.Resolve(rc, table))
	}

	metrics.RecordDecision(string(result.LimitType), result.Allowed, time.Since(start))
	e.record(rc, result)

	if !result.Allowed {
		e.log.Debug("request denied", "limit_type", string(result.LimitType),
			"ip", rc.IPAddress, "user", rc.UserID, "operation", rc.OperationType)
	}
	return result
}

// CheckRateLimitAndThrow is CheckRateLimit returning *ExceededError on denial.
func (e *Engine) CheckRateLimitAndThrow(ctx context.Context, rc RateLimitContext) (RateLimitResult, error) {
	result := e.CheckRateLimit(ctx, rc)
	if !result.Allowed {
		return result, NewExceededError(result)
	}
	return result, nil
}

// blocked consults the block list for every identifier in rc. Store
// failures fail open.
func (e *Engine) blocked(ctx context.Context, rc RateLimitContext) (RateLimitResult, bool) {
	if e.blocks == nil {
		return RateLimitResult{}, false
	}

	var targets []BlockTarget
	if rc.UserID != "" {
		targets = append(targets, BlockTarget{Identifier: rc.UserID, Type: BlockUser})
	}
	if rc.SessionID != "" {
		targets = append(targets, BlockTarget{Identifier: rc.SessionID, Type: BlockSession})
	}
	if rc.IPAddress != "" {
		targets = append(targets, BlockTarget{Identifier: rc.IPAddress, Type: BlockIP})
	}

	bctx, cancel := e.storeContext(ctx)
	defer cancel()

	rec, err := e.blocks.FirstActive(bctx, targets)
	if err != nil {
		metrics.RecordFailOpen("block")
		e.log.Warn("block check failed, failing open", "error", err)
		return RateLimitResult{}, false
	}
	if rec == nil {
		return RateLimitResult{}, false
	}

	metrics.RecordBlocked(string(rec.Type))

	retry := rec.ExpiresAt.Sub(e.now())
	if retry < time.Second {
		retry = time.Second
	}
	return RateLimitResult{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  rec.ExpiresAt,
		RetryAfter: retry,
		LimitType:  LimitBlocked,
	}, true
}

// storeContext bounds a single store round trip.
func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

func (e *Engine) record(rc RateLimitContext, result RateLimitResult) {
	if e.usage == nil {
		return
	}
	e.usage.Record(UsageIdentifier(rc), UsageEntry{
		Timestamp:     e.now().UTC(),
		OperationType: rc.OperationType,
		Endpoint:      rc.Endpoint,
		IPAddress:     rc.IPAddress,
		Allowed:       result.Allowed,
		Remaining:     result.Remaining,
		LimitType:     result.LimitType,
	})
}

// UsageIdentifier picks the identifier usage is recorded under: API key,
// then user, then session, then IP.
func UsageIdentifier(rc RateLimitContext) string {
	switch {
	case rc.APIKeyID != "":
		return APIKeyUsageIdentifier(rc.APIKeyID)
	case rc.UserID != "":
		return "user:" + rc.UserID
	case rc.SessionID != "":
		return "session:" + rc.SessionID
	default:
		return "ip:" + rc.IPAddress
	}
}

// APIKeyUsageIdentifier is the usage identifier for an API key id.
func APIKeyUsageIdentifier(apiKeyID string) string {
	return "apikey:" + apiKeyID
}

// TemporaryBlock bans identifier for duration.
func (e *Engine) TemporaryBlock(ctx context.Context, identifier string, typ BlockType, duration time.Duration, reason string) (*BlockRecord, error) {
	if e.blocks == nil {
		return nil, ErrBlocksUnavailable
	}
	return e.blocks.Block(ctx, identifier, typ, duration, reason)
}

// IsTemporarilyBlocked reports whether identifier is blocked. Store errors
// report false.
func (e *Engine) IsTemporarilyBlocked(ctx context.Context, identifier string, typ BlockType) bool {
	if e.blocks == nil {
		return false
	}
	blocked, err := e.blocks.IsBlocked(ctx, identifier, typ)
	if err != nil {
		e.log.Warn("block lookup failed, failing open", "type", string(typ), "identifier", identifier, "error", err)
		return false
	}
	return blocked
}

// RemoveTemporaryBlock lifts a block early.
func (e *Engine) RemoveTemporaryBlock(ctx context.Context, identifier string, typ BlockType) error {
	if e.blocks == nil {
		return ErrBlocksUnavailable
	}
	return e.blocks.Unblock(ctx, identifier, typ)
}

// GetBlockInfo returns the active block for identifier, or nil.
func (e *Engine) GetBlockInfo(ctx context.Context, identifier string, typ BlockType) (*BlockRecord, error) {
	if e.blocks == nil {
		return nil, ErrBlocksUnavailable
	}
	return e.blocks.Info(ctx, identifier, typ)
}

// ScopeUsage is the current consumption of one scope and category.
type ScopeUsage struct {
	Scope         LimitType `json:"scope"`
	Identifier    string    `json:"identifier,omitempty"`
	Category      Category  `json:"category"`
	Count         int       `json:"count"`
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"`
	WindowSeconds int       `json:"window_seconds"`
}

// StatsQuery selects the scopes reported by GetRateLimitStats. UserTier is
// the caller's subscription and picks the user row the same way decisions
// do.
type StatsQuery struct {
	UserID    string
	UserTier  string
	APIKeyID  string
	SessionID string
	IPAddress string
}

// GetRateLimitStats reports current window counts for the queried
// identifiers plus the global scope, across all categories.
func (e *Engine) GetRateLimitStats(ctx context.Context, q StatsQuery) ([]ScopeUsage, error) {
	type target struct {
		scope      LimitType
		keyScope   LimitType
		identifier string
		tier       Tier
	}
	targets := []target{{scope: LimitGlobal, keyScope: LimitGlobal, tier: TierGlobal}}
	if q.UserID != "" {
		tier := UserTier(q.UserTier)
		scope := LimitUser
		if tier == TierPremium {
			scope = LimitPremium
		}
		targets = append(targets, target{scope, LimitUser, q.UserID, tier})
	}
	if q.APIKeyID != "" {
		targets = append(targets, target{LimitAPIKey, LimitAPIKey, q.APIKeyID, TierAPIKey})
	}
	if q.SessionID != "" {
		targets = append(targets, target{LimitSession, LimitSession, q.SessionID, TierSession})
	}
	if q.IPAddress != "" {
		targets = append(targets, target{LimitIP, LimitIP, q.IPAddress, TierAnonymous})
	}

	table := e.snapshot.Load()
	var (
		stats []ScopeUsage
		keys  []string
	)
	for _, t := range targets {
		for _, cat := range Categories {
			rule, ok := table.Lookup(t.tier, cat)
			if !ok {
				continue
			}
			stats = append(stats, ScopeUsage{
				Scope:         t.scope,
				Identifier:    t.identifier,
				Category:      cat,
				Limit:         rule.RequestLimit,
				WindowSeconds: rule.WindowSeconds,
			})
			keys = append(keys, e.keys.Counter(t.keyScope, t.identifier, cat))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range stats {
		s, key := &stats[i], keys[i]
		g.Go(func() error {
			n, err := e.counter.Count(gctx, key, time.Duration(s.WindowSeconds)*time.Second)
			if err != nil {
				return err
			}
			s.Count = n
			s.Remaining = s.Limit - n
			if s.Remaining < 0 {
				s.Remaining = 0
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read rate limit stats: %w", err)
	}
	return stats, nil
}

// ResetLimits clears every category window of one scope identifier.
func (e *Engine) ResetLimits(ctx context.Context, scope LimitType, identifier string) error {
	if scope == LimitPremium {
		scope = LimitUser
	}
	for _, cat := range Categories {
		if err := e.counter.Reset(ctx, e.keys.Counter(scope, identifier, cat)); err != nil {
			return err
		}
	}
	return nil
}

// GetAPIKeyUsageStats returns daily usage for an API key over days.
func (e *Engine) GetAPIKeyUsageStats(ctx context.Context, apiKeyID string, days int) ([]DailyUsage, error) {
	if e.usage == nil {
		return nil, ErrUsageUnavailable
	}
	return e.usage.Stats(ctx, APIKeyUsageIdentifier(apiKeyID), days)
}

// GetUsageStats returns daily usage for any usage identifier.
func (e *Engine) GetUsageStats(ctx context.Context, identifier string, days int) ([]DailyUsage, error) {
	if e.usage == nil {
		return nil, ErrUsageUnavailable
	}
	return e.usage.Stats(ctx, identifier, days)
}

// Health is the engine's health report.
type Health struct {
	Status         string        `json:"status"`
	StoreReachable bool          `json:"store_reachable"`
	ConfigLoaded   bool          `json:"config_loaded"`
	Latency        time.Duration `json:"-"`
	LatencyMS      float64       `json:"latency_ms"`
}

// HealthCheck samples the store and reports overall status.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	h := Health{
		StoreReachable: true,
		ConfigLoaded:   e.snapshot.Loaded(),
	}

	if e.health != nil {
		sample, err := e.health.Sample(ctx)
		if err != nil {
			e.log.Warn("health check: store unreachable", "error", err)
			h.StoreReachable = false
		} else {
			h.Latency = sample.Latency
			h.LatencyMS = float64(sample.Latency.Microseconds()) / 1000
		}
	}

	h.Status = "healthy"
	if !h.StoreReachable || !h.ConfigLoaded {
		h.Status = "degraded"
	}
	return h
}

// Reload validates and atomically publishes a new limit table.
func (e *Engine) Reload(table *Table) error {
	if err := e.snapshot.Reload(table); err != nil {
		return err
	}
	e.log.Info("rate limit configuration reloaded")
	return nil
}

// Limits returns the active limit table.
func (e *Engine) Limits() *Table {
	return e.snapshot.Load()
}
