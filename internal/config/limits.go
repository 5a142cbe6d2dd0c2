package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LimitRule is one {requestLimit, windowSeconds} cell of the limit table.
type LimitRule struct {
	RequestLimit  int `yaml:"requestLimit" json:"requestLimit"`
	WindowSeconds int `yaml:"windowSeconds" json:"windowSeconds"`
}

// LimitTable maps tier -> operation category -> rule.
type LimitTable map[string]map[string]LimitRule

const hour = 3600

// DefaultLimits returns the built-in limit table.
func DefaultLimits() LimitTable {
	return LimitTable{
		"anonymous": {
			"search":    {RequestLimit: 100, WindowSeconds: hour},
			"suggest":   {RequestLimit: 300, WindowSeconds: hour},
			"analytics": {RequestLimit: 20, WindowSeconds: hour},
		},
		"authenticatedUser": {
			"search":    {RequestLimit: 1000, WindowSeconds: hour},
			"suggest":   {RequestLimit: 3000, WindowSeconds: hour},
			"analytics": {RequestLimit: 200, WindowSeconds: hour},
		},
		"premium": {
			"search":    {RequestLimit: 5000, WindowSeconds: hour},
			"suggest":   {RequestLimit: 15000, WindowSeconds: hour},
			"analytics": {RequestLimit: 1000, WindowSeconds: hour},
		},
		"session": {
			"search":    {RequestLimit: 500, WindowSeconds: hour},
			"suggest":   {RequestLimit: 1500, WindowSeconds: hour},
			"analytics": {RequestLimit: 100, WindowSeconds: hour},
		},
		"apiKey": {
			"search":    {RequestLimit: 2000, WindowSeconds: hour},
			"suggest":   {RequestLimit: 6000, WindowSeconds: hour},
			"analytics": {RequestLimit: 400, WindowSeconds: hour},
		},
		"global": {
			"search":    {RequestLimit: 10000, WindowSeconds: 60},
			"suggest":   {RequestLimit: 30000, WindowSeconds: 60},
			"analytics": {RequestLimit: 2000, WindowSeconds: 60},
		},
	}
}

// Clone returns a deep copy of the table.
func (t LimitTable) Clone() LimitTable {
	out := make(LimitTable, len(t))
	for tier, cats := range t {
		inner := make(map[string]LimitRule, len(cats))
		for cat, rule := range cats {
			inner[cat] = rule
		}
		out[tier] = inner
	}
	return out
}

// Merge returns a copy of t with every cell present in override replaced.
func (t LimitTable) Merge(override LimitTable) LimitTable {
	out := t.Clone()
	for tier, cats := range override {
		if out[tier] == nil {
			out[tier] = make(map[string]LimitRule, len(cats))
		}
		for cat, rule := range cats {
			out[tier][cat] = rule
		}
	}
	return out
}

// Tiers returns the tier names in stable order.
func (t LimitTable) Tiers() []string {
	tiers := make([]string, 0, len(t))
	for tier := range t {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	return tiers
}

// ParseLimits decodes a YAML (or JSON) limit table document.
func ParseLimits(data []byte) (LimitTable, error) {
	var table LimitTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse limits document: %w", err)
	}
	return table, nil
}

// LoadLimits builds the effective limit table: defaults, then the optional
// document at path, then RATELIMIT_<TIER>_<CATEGORY>_{LIMIT,WINDOW} env overrides.
func LoadLimits(path string) (LimitTable, error) {
	table := DefaultLimits()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read limits file: %w", err)
		}
		override, err := ParseLimits(data)
		if err != nil {
			return nil, err
		}
		table = table.Merge(override)
	}

	if err := applyLimitEnvOverrides(table); err != nil {
		return nil, err
	}

	return table, nil
}

func applyLimitEnvOverrides(table LimitTable) error {
	for tier, cats := range table {
		for cat, rule := range cats {
			prefix := "RATELIMIT_" + strings.ToUpper(tier) + "_" + strings.ToUpper(cat)

			limit, err := getEnvAsInt(prefix+"_LIMIT", rule.RequestLimit)
			if err != nil {
				return fmt.Errorf("invalid %s_LIMIT: %w", prefix, err)
			}
			window, err := getEnvAsInt(prefix+"_WINDOW", rule.WindowSeconds)
			if err != nil {
				return fmt.Errorf("invalid %s_WINDOW: %w", prefix, err)
			}

			cats[cat] = LimitRule{RequestLimit: limit, WindowSeconds: window}
		}
	}
	return nil
}
