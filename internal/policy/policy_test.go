package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/policy"
)

func budget(v float64) *float64 { return &v }

func TestEvaluateRequestAllowsWithinCaps(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	tenant := domain.Tenant{Tier: domain.TierStandard}
	snapshot := g.EvaluateRequest(domain.GoalDSL{
		Constraints: domain.GoalConstraints{BudgetMonth: budget(1000)},
	}, domain.PlanningContext{}, domain.ScenarioSet{NumScenarios: 10}, tenant)

	assert.True(t, snapshot.Allow)
	assert.Equal(t, "standard", snapshot.Controls.Tier)
	require.NotNil(t, snapshot.Controls.ScenarioCap)
	assert.Equal(t, 120.0, *snapshot.Controls.ScenarioCap)
}

func TestEvaluateRequestDeniesOverScenarioCap(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	tenant := domain.Tenant{Tier: domain.TierFree}
	snapshot := g.EvaluateRequest(domain.GoalDSL{}, domain.PlanningContext{}, domain.ScenarioSet{NumScenarios: 50}, tenant)

	assert.False(t, snapshot.Allow)
	require.Len(t, snapshot.Reasons, 1)
	assert.Contains(t, snapshot.Reasons[0], "exceeds cap")
}

func TestEvaluateRequestWarnsNearScenarioCap(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	tenant := domain.Tenant{Tier: domain.TierFree}
	snapshot := g.EvaluateRequest(domain.GoalDSL{}, domain.PlanningContext{}, domain.ScenarioSet{NumScenarios: 37}, tenant)

	assert.True(t, snapshot.Allow)
	require.Len(t, snapshot.Warnings, 1)
	assert.Contains(t, snapshot.Warnings[0], "within 10%")
}

func TestEvaluateRequestDenyFlag(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	tenant := domain.Tenant{Tier: domain.TierStandard}
	snapshot := g.EvaluateRequest(domain.GoalDSL{
		Policies: domain.GoalPolicies{Deny: true, DenyReasons: []string{"manual hold"}},
	}, domain.PlanningContext{}, domain.ScenarioSet{}, tenant)

	assert.False(t, snapshot.Allow)
	assert.Equal(t, []string{"manual hold"}, snapshot.Reasons)
}

func TestEvaluateRequestCapOverrideWins(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	tenant := domain.Tenant{Tier: domain.TierFree}
	snapshot := g.EvaluateRequest(domain.GoalDSL{
		Policies: domain.GoalPolicies{Caps: map[string]float64{"max_scenarios": 5}},
	}, domain.PlanningContext{}, domain.ScenarioSet{NumScenarios: 10}, tenant)

	assert.False(t, snapshot.Allow)
	require.NotNil(t, snapshot.Controls.ScenarioCap)
	assert.Equal(t, 5.0, *snapshot.Controls.ScenarioCap)
}

func TestEvaluateRequestVendorBlocklistWarns(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	tenant := domain.Tenant{Tier: domain.TierStandard}
	planningCtx := domain.PlanningContext{SKUs: []domain.SKUContext{
		{SKU: "sku-1", SupplierOptions: []domain.SupplierOption{{SupplierID: "blocked-co"}}},
	}}
	snapshot := g.EvaluateRequest(domain.GoalDSL{
		Policies: domain.GoalPolicies{VendorBlocklist: []string{"blocked-co"}},
	}, planningCtx, domain.ScenarioSet{}, tenant)

	assert.True(t, snapshot.Allow) // vendor conflicts warn, never deny
	require.Len(t, snapshot.Warnings, 1)
	assert.Contains(t, snapshot.Warnings[0], "blocked-co")
}

func TestEvaluateSolutionDeniesOnServiceBelowMinimum(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	serviceMin := 0.95
	snapshot := policy.Snapshot{Allow: true, Controls: policy.Controls{ServiceMin: &serviceMin}}

	result := g.EvaluateSolution(snapshot, domain.Solution{KPIs: map[string]float64{"service": 0.80}}, domain.Diagnostics{})
	assert.False(t, result.Allow)
	require.Len(t, result.Reasons, 1)
	assert.Contains(t, result.Reasons[0], "below policy minimum")
}

func TestEvaluateSolutionDeniesOverBudget(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	cap := 1000.0
	snapshot := policy.Snapshot{Allow: true, Controls: policy.Controls{BudgetCap: &cap}}

	result := g.EvaluateSolution(snapshot, domain.Solution{KPIs: map[string]float64{"total_cost": 1500}}, domain.Diagnostics{})
	assert.False(t, result.Allow)
	assert.Contains(t, result.Reasons[0], "exceeds budget cap")
}

func TestEvaluateSolutionWarnsOnRobustWorstCase(t *testing.T) {
	g := policy.New(config.DefaultTierRules())
	serviceMin := 0.9
	snapshot := policy.Snapshot{Allow: true, Controls: policy.Controls{ServiceMin: &serviceMin}}

	result := g.EvaluateSolution(snapshot, domain.Solution{KPIs: map[string]float64{"service": 0.95}}, domain.Diagnostics{
		RobustEval: &domain.RobustEvalSummary{WorstCaseService: 0.85},
	})
	assert.True(t, result.Allow)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "worst_case_service")
}
