package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/searchgate/searchgate/internal/config"
)

// ErrInvalidConfig is returned when a limit table fails validation.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// Tier selects a row of the limit table.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticatedUser"
	TierPremium       Tier = "premium"
	TierSession       Tier = "session"
	TierAPIKey        Tier = "apiKey"
	TierGlobal        Tier = "global"
)

// Category is a canonical operation class.
type Category string

const (
	CategorySearch    Category = "search"
	CategorySuggest   Category = "suggest"
	CategoryAnalytics Category = "analytics"
)

// Categories lists the configured operation categories.
var Categories = []Category{CategorySearch, CategorySuggest, CategoryAnalytics}

// operationAliases folds operation types that share a budget.
var operationAliases = map[string]Category{
	"category":   CategorySearch,
	"multi-type": CategorySearch,
	"multi_type": CategorySearch,
	"multitype":  CategorySearch,
}

// Canonicalize maps an operation type to its category. Unknown operations
// pass through unchanged.
func Canonicalize(operation string) Category {
	if c, ok := operationAliases[operation]; ok {
		return c
	}
	return Category(operation)
}

// callerTiers maps a subscription tier to the limit table row used for the
// user scope. Anything absent gets TierAuthenticated.
var callerTiers = map[string]Tier{
	"premium":    TierPremium,
	"enterprise": TierPremium,
}

// UserTier returns the table row for an authenticated caller's subscription.
func UserTier(subscription string) Tier {
	if t, ok := callerTiers[subscription]; ok {
		return t
	}
	return TierAuthenticated
}

// LimitRule is a request budget over a sliding window.
type LimitRule struct {
	RequestLimit  int
	WindowSeconds int
}

// Window returns the rule's window as a duration.
func (r LimitRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Table is an immutable tier x category lookup. Build one with NewTable and
// derive variants with Scale; never mutate a published Table.
type Table struct {
	rules map[Tier]map[Category]LimitRule
}

// NewTable copies a configuration table into a Table.
func NewTable(src config.LimitTable) *Table {
	t := &Table{rules: make(map[Tier]map[Category]LimitRule, len(src))}
	for tier, cats := range src {
		inner := make(map[Category]LimitRule, len(cats))
		for cat, rule := range cats {
			inner[Category(cat)] = LimitRule{
				RequestLimit:  rule.RequestLimit,
				WindowSeconds: rule.WindowSeconds,
			}
		}
		t.rules[Tier(tier)] = inner
	}
	return t
}

// DefaultTable returns the built-in limits.
func DefaultTable() *Table {
	return NewTable(config.DefaultLimits())
}

// Lookup returns the rule for a tier and category. A missing entry means the
// axis is unrestricted.
func (t *Table) Lookup(tier Tier, cat Category) (LimitRule, bool) {
	if t == nil {
		return LimitRule{}, false
	}
	rule, ok := t.rules[tier][cat]
	return rule, ok
}

// Scale returns a copy with every request limit multiplied by factor,
// never dropping below one.
func (t *Table) Scale(factor float64) *Table {
	out := &Table{rules: make(map[Tier]map[Category]LimitRule, len(t.rules))}
	for tier, cats := range t.rules {
		inner := make(map[Category]LimitRule, len(cats))
		for cat, rule := range cats {
			scaled := int(float64(rule.RequestLimit) * factor)
			if scaled < 1 {
				scaled = 1
			}
			inner[cat] = LimitRule{RequestLimit: scaled, WindowSeconds: rule.WindowSeconds}
		}
		out.rules[tier] = inner
	}
	return out
}

// Export converts the table back to its configuration form.
func (t *Table) Export() config.LimitTable {
	out := make(config.LimitTable, len(t.rules))
	for tier, cats := range t.rules {
		inner := make(map[string]config.LimitRule, len(cats))
		for cat, rule := range cats {
			inner[string(cat)] = config.LimitRule{
				RequestLimit:  rule.RequestLimit,
				WindowSeconds: rule.WindowSeconds,
			}
		}
		out[string(tier)] = inner
	}
	return out
}

// Validate checks every rule is positive and that, per category,
// premium >= authenticatedUser >= anonymous.
func (t *Table) Validate() error {
	for tier, cats := range t.rules {
		for cat, rule := range cats {
			if rule.RequestLimit <= 0 || rule.WindowSeconds <= 0 {
				return fmt.Errorf("%w: %s/%s must have positive requestLimit and windowSeconds", ErrInvalidConfig, tier, cat)
			}
		}
	}

	for _, cat := range t.categories() {
		anon, hasAnon := t.Lookup(TierAnonymous, cat)
		auth, hasAuth := t.Lookup(TierAuthenticated, cat)
		prem, hasPrem := t.Lookup(TierPremium, cat)

		if hasAuth && hasAnon && auth.RequestLimit < anon.RequestLimit {
			return fmt.Errorf("%w: %s: authenticatedUser limit %d below anonymous %d",
				ErrInvalidConfig, cat, auth.RequestLimit, anon.RequestLimit)
		}
		if hasPrem && hasAuth && prem.RequestLimit < auth.RequestLimit {
			return fmt.Errorf("%w: %s: premium limit %d below authenticatedUser %d",
				ErrInvalidConfig, cat, prem.RequestLimit, auth.RequestLimit)
		}
		if hasPrem && hasAnon && !hasAuth && prem.RequestLimit < anon.RequestLimit {
			return fmt.Errorf("%w: %s: premium limit %d below anonymous %d",
				ErrInvalidConfig, cat, prem.RequestLimit, anon.RequestLimit)
		}
	}

	return nil
}

func (t *Table) categories() []Category {
	seen := make(map[Category]struct{})
	var out []Category
	for _, cats := range t.rules {
		for cat := range cats {
			if _, ok := seen[cat]; !ok {
				seen[cat] = struct{}{}
				out = append(out, cat)
			}
		}
	}
	return out
}
