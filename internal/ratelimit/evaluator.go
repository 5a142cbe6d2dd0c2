package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/pkg/logger"
)

// fallbackWindow is the reset horizon reported with fallback results.
const fallbackWindow = time.Minute

// EvaluatorConfig tunes the composite evaluator.
type EvaluatorConfig struct {
	StoreTimeout      time.Duration // per scope check
	FallbackRemaining int

	// GlobalFailClosedRPS > 0 judges a failed global scope with a local
	// token bucket instead of failing open.
	GlobalFailClosedRPS float64
}

// Evaluator runs scope checks concurrently and folds them into one result.
type Evaluator struct {
	counter Counter
	cfg     EvaluatorConfig
	guard   *rate.Limiter
	log     *logger.Logger
	now     func() time.Time
}

// NewEvaluator creates an Evaluator over counter.
func NewEvaluator(counter Counter, cfg EvaluatorConfig, log *logger.Logger) *Evaluator {
	if cfg.FallbackRemaining <= 0 {
		cfg.FallbackRemaining = 1000
	}
	e := &Evaluator{
		counter: counter,
		cfg:     cfg,
		log:     log.Named("evaluator"),
		now:     time.Now,
	}
	if cfg.GlobalFailClosedRPS > 0 {
		burst := int(cfg.GlobalFailClosedRPS)
		if burst < 1 {
			burst = 1
		}
		e.guard = rate.NewLimiter(rate.Limit(cfg.GlobalFailClosedRPS), burst)
	}
	return e
}

// outcome is one scope's verdict. ok is false when the check did not
// produce an authoritative answer.
type outcome struct {
	check  ScopeCheck
	result RateLimitResult
	ok     bool
}

// Evaluate runs every check concurrently and resolves a single result:
//  1. any denial wins, ties broken by scope priority;
//  2. otherwise the passing scope with the least remaining quota.
//
// Checks that error or are still running when ctx ends are treated as
// allowed. If no check produced an answer the fallback result is returned.
func (e *Evaluator) Evaluate(ctx context.Context, checks []ScopeCheck) RateLimitResult {
	if len(checks) == 0 {
		return RateLimitResult{
			Allowed:   true,
			Remaining: e.cfg.FallbackRemaining,
			ResetTime: e.now().Add(fallbackWindow),
			LimitType: LimitUnrestricted,
		}
	}

	results := make(chan outcome, len(checks))
	for _, check := range checks {
		go func(check ScopeCheck) {
			results <- e.run(ctx, check)
		}(check)
	}

	outcomes := make([]outcome, 0, len(checks))
collect:
	for len(outcomes) < len(checks) {
		select {
		case o := <-results:
			outcomes = append(outcomes, o)
		case <-ctx.Done():
			e.log.Warn("decision deadline reached, using partial result",
				"resolved", len(outcomes), "total", len(checks))
			break collect
		}
	}

	return e.resolve(outcomes)
}

// run executes one check with its own store timeout.
func (e *Evaluator) run(ctx context.Context, check ScopeCheck) outcome {
	if e.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
	}

	res, err := e.counter.CheckAndRecord(ctx, check.Key, check.Limit, check.Window)
	if err != nil {
		return e.failed(check, err)
	}

	now := e.now()
	remaining := check.Limit - res.Count
	if remaining < 0 {
		remaining = 0
	}

	result := RateLimitResult{
		Allowed:    res.Allowed,
		Remaining:  remaining,
		ResetTime:  res.ResetAt,
		LimitType:  check.Scope,
		LimitValue: check.Limit,
	}
	if !res.Allowed {
		result.Remaining = 0
		result.RetryAfter = res.ResetAt.Sub(now)
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
	}

	return outcome{check: check, result: result, ok: true}
}

// failed converts a store error into a non-authoritative allow, or a guard
// verdict for the global scope when fail-closed protection is on.
func (e *Evaluator) failed(check ScopeCheck, err error) outcome {
	metrics.RecordFailOpen(string(check.Scope))

	if check.Scope == LimitGlobal && e.guard != nil {
		e.log.Warn("global scope check failed, using local guard", "key", check.Key, "error", err)
		if e.guard.Allow() {
			return outcome{check: check, result: e.fallback()}
		}
		return outcome{check: check, ok: true, result: RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  e.now().Add(time.Second),
			RetryAfter: time.Second,
			LimitType:  LimitGlobal,
			LimitValue: check.Limit,
		}}
	}

	e.log.Warn("scope check failed, failing open", "scope", string(check.Scope), "key", check.Key, "error", err)
	return outcome{check: check, result: e.fallback()}
}

func (e *Evaluator) resolve(outcomes []outcome) RateLimitResult {
	var denied, passing *outcome

	for i := range outcomes {
		o := &outcomes[i]
		if !o.ok {
			continue
		}
		if !o.result.Allowed {
			if denied == nil || o.check.Scope.priority() < denied.check.Scope.priority() {
				denied = o
			}
			continue
		}
		if passing == nil ||
			o.result.Remaining < passing.result.Remaining ||
			(o.result.Remaining == passing.result.Remaining && o.check.Scope.priority() < passing.check.Scope.priority()) {
			passing = o
		}
	}

	switch {
	case denied != nil:
		return denied.result
	case passing != nil:
		return passing.result
	default:
		return e.fallback()
	}
}

func (e *Evaluator) fallback() RateLimitResult {
	return RateLimitResult{
		Allowed:    true,
		Remaining:  e.cfg.FallbackRemaining,
		ResetTime:  e.now().Add(fallbackWindow),
		LimitType:  LimitFallback,
		LimitValue: e.cfg.FallbackRemaining,
	}
}
