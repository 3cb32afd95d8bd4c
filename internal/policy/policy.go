// Package policy implements the two-phase policy guard (spec.md §4.3):
// phase A evaluates a goal/context/scenario request against tier caps,
// phase B re-evaluates a produced solution against the same snapshot.
package policy

import (
	"fmt"

	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/domain"
)

// Snapshot is the immutable policy decision surfaced to the orchestrator
// and carried through to phase B (spec.md §4.3: "Emit a PolicySnapshot").
type Snapshot struct {
	Allow    bool
	PolicyID string
	Reasons  []string
	Warnings []string
	Controls Controls
}

// Controls is the resolved set of caps and flags a snapshot carries.
type Controls struct {
	Tier          string
	ScenarioCap   *float64
	BudgetCap     *float64
	ServiceMin    *float64
	PolicyFlags   []string
}

// Guard is the Policy Guard port.
type Guard struct {
	rules config.TierRules
}

// New constructs a Guard using rules as the tier default table.
func New(rules config.TierRules) *Guard {
	return &Guard{rules: rules}
}

// EvaluateRequest is phase A (spec.md §4.3 Phase A).
func (g *Guard) EvaluateRequest(goal domain.GoalDSL, ctx domain.PlanningContext, scenarios domain.ScenarioSet, tenant domain.Tenant) Snapshot {
	policies := goal.Policies
	policyID := policies.PolicyID
	if policyID == "" {
		policyID = "policy.guard.v1"
	}

	tier := resolveTier(policies, tenant)
	rule := g.rules.Resolve(tier)

	allow := true
	var reasons, warnings []string

	if policies.Deny {
		allow = false
		if len(policies.DenyReasons) > 0 {
			reasons = append(reasons, policies.DenyReasons...)
		} else {
			reasons = append(reasons, "policy deny flag")
		}
	}

	controls := Controls{Tier: tier}

	if cap := resolveCap(policies.Caps, "max_scenarios", rule.MaxScenarios); cap != nil {
		controls.ScenarioCap = cap
		n := float64(scenarios.NumScenarios)
		if n > *cap {
			allow = false
			reasons = append(reasons, fmt.Sprintf("scenario count %d exceeds cap %v for tier %s", scenarios.NumScenarios, *cap, tier))
		} else if n > 0.9**cap {
			warnings = append(warnings, fmt.Sprintf("scenario count %d is within 10%% of cap %v for tier %s", scenarios.NumScenarios, *cap, tier))
		}
	}

	budgetRequest := goal.Constraints.BudgetMonth
	if cap := resolveCap(policies.Caps, "max_budget", rule.MaxBudgetPerMonth); cap != nil {
		controls.BudgetCap = cap
		if budgetRequest != nil && *budgetRequest > 0 {
			if *budgetRequest > *cap {
				allow = false
				reasons = append(reasons, fmt.Sprintf("requested budget %v exceeds allowed cap %v for tier %s", *budgetRequest, *cap, tier))
			} else if *budgetRequest > 0.85**cap {
				warnings = append(warnings, fmt.Sprintf("budget request %v is within 15%% of cap %v", *budgetRequest, *cap))
			}
		}
	}

	if goal.Constraints.ServiceMin != nil {
		controls.ServiceMin = goal.Constraints.ServiceMin
	}
	controls.PolicyFlags = collectPolicyFlags(policies)

	warnings = append(warnings, detectSupplierConflicts(policies.VendorBlocklist, ctx)...)

	return Snapshot{
		Allow:    allow,
		PolicyID: policyID,
		Reasons:  dedupe(reasons),
		Warnings: dedupe(warnings),
		Controls: controls,
	}
}

// EvaluateSolution is phase B (spec.md §4.3 Phase B): it re-checks the
// produced solution's KPIs against the same snapshot's controls and can
// flip allow from true to false (never the reverse).
func (g *Guard) EvaluateSolution(snapshot Snapshot, solution domain.Solution, diagnostics domain.Diagnostics) Snapshot {
	allow := snapshot.Allow
	reasons := append([]string(nil), snapshot.Reasons...)
	warnings := append([]string(nil), snapshot.Warnings...)

	serviceMin := snapshot.Controls.ServiceMin
	serviceKPI, hasService := resolveKPI(solution.KPIs, "service", "service_level")
	if serviceMin != nil {
		if hasService && serviceKPI < *serviceMin {
			allow = false
			reasons = append(reasons, fmt.Sprintf("service KPI %v below policy minimum %v", serviceKPI, *serviceMin))
		} else if diagnostics.RobustEval != nil && diagnostics.RobustEval.WorstCaseService < *serviceMin {
			warnings = append(warnings, fmt.Sprintf("robust worst_case_service %v below policy minimum %v", diagnostics.RobustEval.WorstCaseService, *serviceMin))
		}
	}

	budgetCap := snapshot.Controls.BudgetCap
	totalCost, hasCost := resolveKPI(solution.KPIs, "total_cost", "cost")
	if budgetCap != nil && hasCost && totalCost > *budgetCap {
		allow = false
		reasons = append(reasons, fmt.Sprintf("total_cost %v exceeds budget cap %v", totalCost, *budgetCap))
	}

	snapshot.Allow = allow
	snapshot.Reasons = dedupe(reasons)
	snapshot.Warnings = dedupe(warnings)
	return snapshot
}

func resolveTier(policies domain.GoalPolicies, tenant domain.Tenant) string {
	if policies.Tier != "" {
		return policies.Tier
	}
	if tenant.Tier != "" {
		return string(tenant.Tier)
	}
	return string(domain.TierStandard)
}

func resolveCap(overrides map[string]float64, key string, tierDefault *float64) *float64 {
	if overrides != nil {
		if v, ok := overrides[key]; ok {
			return &v
		}
	}
	return tierDefault
}

func collectPolicyFlags(policies domain.GoalPolicies) []string {
	var flags []string
	for key, enabled := range policies.Flags {
		if enabled {
			flags = append(flags, key)
		}
	}
	return flags
}

func detectSupplierConflicts(blocklist []string, ctx domain.PlanningContext) []string {
	if len(blocklist) == 0 {
		return nil
	}
	blocked := make(map[string]bool, len(blocklist))
	for _, v := range blocklist {
		blocked[v] = true
	}
	var warnings []string
	for _, sku := range ctx.SKUs {
		for _, supplier := range sku.SupplierOptions {
			if blocked[supplier.SupplierID] {
				warnings = append(warnings, fmt.Sprintf("supplier %s present in context but listed in vendor_blocklist", supplier.SupplierID))
			}
		}
	}
	return warnings
}

func resolveKPI(kpis map[string]float64, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := kpis[k]; ok {
			return v, true
		}
	}
	return 0, false
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
