package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// TierRule is the table-driven default for one tenant tier (spec.md §6:
// "Tier defaults ... MUST be table-driven and overridable at runtime").
type TierRule struct {
	Weight            float64  `yaml:"weight"`
	RateLimitPerMin   int      `yaml:"rate_limit_per_minute"` // 0 = unlimited
	MaxScenarios      *float64 `yaml:"max_scenarios"`         // nil = uncapped
	MaxBudgetPerMonth *float64 `yaml:"max_budget_month"`      // nil = uncapped
}

// TierRules is the full tier -> rule table, plus a fallback entry.
type TierRules struct {
	Tiers   map[string]TierRule `yaml:"tiers"`
	Default TierRule            `yaml:"default"`
}

func f64(v float64) *float64 { return &v }

// DefaultTierRules mirrors the original service's DEFAULT_WEIGHT_BY_TIER,
// DEFAULT_RATE_LIMITS and PolicyGuardService.DEFAULT_TIER_RULES tables,
// merged into one table-driven structure.
func DefaultTierRules() TierRules {
	return TierRules{
		Tiers: map[string]TierRule{
			"free":       {Weight: 1.0, RateLimitPerMin: 1, MaxScenarios: f64(40), MaxBudgetPerMonth: f64(5_000)},
			"standard":   {Weight: 2.0, RateLimitPerMin: 4, MaxScenarios: f64(120), MaxBudgetPerMonth: f64(25_000)},
			"pro":        {Weight: 3.0, RateLimitPerMin: 8, MaxScenarios: f64(220), MaxBudgetPerMonth: f64(75_000)},
			"enterprise": {Weight: 5.0, RateLimitPerMin: 16, MaxScenarios: nil, MaxBudgetPerMonth: nil},
		},
		Default: TierRule{Weight: 2.0, RateLimitPerMin: 4, MaxScenarios: f64(120), MaxBudgetPerMonth: f64(25_000)},
	}
}

// LoadTierRules reads a YAML tier-rules table from path, falling back to
// DefaultTierRules() (and writing it out) when the file does not exist.
func LoadTierRules(path string) (TierRules, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		rules := DefaultTierRules()
		out, marshalErr := yaml.Marshal(rules)
		if marshalErr != nil {
			return rules, marshalErr
		}
		if writeErr := os.WriteFile(path, out, 0o644); writeErr != nil {
			return rules, writeErr
		}
		return rules, nil
	}
	if err != nil {
		return TierRules{}, err
	}
	var rules TierRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return TierRules{}, err
	}
	if rules.Tiers == nil {
		rules.Tiers = DefaultTierRules().Tiers
	}
	return rules, nil
}

// Resolve returns the rule for tier, falling back to the default entry.
func (r TierRules) Resolve(tier string) TierRule {
	if rule, ok := r.Tiers[tier]; ok {
		return rule
	}
	return r.Default
}
