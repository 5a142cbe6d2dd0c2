package ratelimit

// Resolver expands a request context into the scope checks that apply to it.
type Resolver struct {
	keys KeyBuilder
}

// NewResolver creates a Resolver whose counter keys start with prefix.
func NewResolver(prefix string) *Resolver {
	return &Resolver{keys: KeyBuilder{Prefix: prefix}}
}

// Resolve returns the checks for rc under table, in priority order.
//
// Rules:
//   - global always applies, keyed by category only;
//   - an authenticated caller with a user id gets a user scope, using the
//     premium row for premium/enterprise subscriptions;
//   - a resolved API key gets an apiKey scope;
//   - a session id gets a session scope, authenticated or not;
//   - unauthenticated callers get an ip scope from the anonymous row.
//
// A tier/category pair missing from the table contributes no check.
func (r *Resolver) Resolve(rc RateLimitContext, table *Table) []ScopeCheck {
	cat := Canonicalize(rc.OperationType)
	checks := make([]ScopeCheck, 0, 5)

	add := func(scope LimitType, keyScope LimitType, identifier string, tier Tier) {
		rule, ok := table.Lookup(tier, cat)
		if !ok {
			return
		}
		checks = append(checks, ScopeCheck{
			Scope:  scope,
			Key:    r.keys.Counter(keyScope, identifier, cat),
			Limit:  rule.RequestLimit,
			Window: rule.Window(),
		})
	}

	add(LimitGlobal, LimitGlobal, "", TierGlobal)

	authenticated := rc.IsAuthenticated && rc.UserID != ""
	if authenticated {
		tier := UserTier(rc.UserTier)
		scope := LimitUser
		if tier == TierPremium {
			scope = LimitPremium
		}
		// premium and plain users share one counter per user id so a
		// tier change does not reset consumption.
		add(scope, LimitUser, rc.UserID, tier)
	}

	if rc.APIKeyID != "" {
		add(LimitAPIKey, LimitAPIKey, rc.APIKeyID, TierAPIKey)
	}

	if rc.SessionID != "" {
		add(LimitSession, LimitSession, rc.SessionID, TierSession)
	}

	if !authenticated && rc.IPAddress != "" {
		add(LimitIP, LimitIP, rc.IPAddress, TierAnonymous)
	}

	return checks
}
