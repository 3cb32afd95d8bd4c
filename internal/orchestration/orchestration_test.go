package orchestration_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/evidence"
	"dyocense/controlplane/internal/ledger"
	"dyocense/controlplane/internal/orchestration"
	"dyocense/controlplane/internal/policy"
	"dyocense/controlplane/internal/scheduler"
	"dyocense/controlplane/internal/store"
)

type fakeSolver struct {
	solution    domain.Solution
	diagnostics domain.Diagnostics
	err         error
}

func (f fakeSolver) Solve(ctx context.Context, req orchestration.SolveRequest) (domain.Solution, domain.Diagnostics, error) {
	return f.solution, f.diagnostics, f.err
}

func newFixture(t *testing.T, solver orchestration.SolverPort) (*orchestration.Orchestrator, store.Store, *scheduler.Scheduler) {
	t.Helper()
	st := store.NewMemStore()
	rules := config.DefaultTierRules()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sched := scheduler.New(st, rules, scheduler.WithClock(clock))
	guard := policy.New(rules)
	led := ledger.New(st, []byte("test-secret"), ledger.ModeHMAC, false, ledger.WithClock(clock))

	dir := t.TempDir()
	ev, err := evidence.Open(filepath.Join(dir, "blobs"), filepath.Join(dir, "graph.db"), evidence.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })

	orch := orchestration.New(sched, guard, solver, led, ev, orchestration.WithClock(clock))
	return orch, st, sched
}

func enqueuePlanRun(t *testing.T, ctx context.Context, sched *scheduler.Scheduler, tenantID string, payload map[string]any) domain.Job {
	t.Helper()
	job, err := sched.Enqueue(ctx, scheduler.EnqueueRequest{
		TenantID:     tenantID,
		Tier:         domain.TierStandard,
		JobType:      orchestration.JobTypePlanRun,
		Payload:      payload,
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 10},
	})
	require.NoError(t, err)
	return job
}

func basicPayload(planID string) map[string]any {
	return map[string]any{
		"plan_id": planID,
		"goal": map[string]any{
			"objective":   map[string]any{"cost": 1.0},
			"constraints": map[string]any{"budget_month": 1000.0, "service_min": 0.9},
			"policies":    map[string]any{},
		},
		"context":   map[string]any{"skus": []any{}},
		"scenarios": map[string]any{"num_scenarios": 5},
	}
}

func TestProcessPlanRunHappyPath(t *testing.T) {
	ctx := context.Background()
	solver := fakeSolver{
		solution: domain.Solution{
			KPIs: map[string]float64{"service": 0.95, "total_cost": 500},
			Steps: []domain.SolutionStep{
				{Supplier: "sup-a", Fields: map[string]domain.Value{}},
			},
		},
	}
	orch, st, sched := newFixture(t, solver)

	job := enqueuePlanRun(t, ctx, sched, "tenant-a", basicPayload("plan-1"))
	_ = job

	processed, err := orch.RunOnce(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)

	chain, err := st.GetChain(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "plan_run", chain[0].ActionType)
}

func TestProcessPlanRunDeniedByPhaseAPolicy(t *testing.T) {
	ctx := context.Background()
	orch, st, sched := newFixture(t, fakeSolver{})

	payload := basicPayload("plan-2")
	payload["goal"].(map[string]any)["policies"] = map[string]any{"deny": true}
	job := enqueuePlanRun(t, ctx, sched, "tenant-b", payload)

	processed, err := orch.RunOnce(ctx, "worker-1", time.Minute)
	require.Error(t, err)
	assert.True(t, processed)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)

	chain, err := st.GetChain(ctx, "tenant-b", 10)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "policy_evaluate", chain[0].ActionType)
}

func TestProcessPlanRunDeniedByPhaseBPolicyOnLowService(t *testing.T) {
	ctx := context.Background()
	solver := fakeSolver{
		solution: domain.Solution{KPIs: map[string]float64{"service": 0.5, "total_cost": 100}},
	}
	orch, st, sched := newFixture(t, solver)

	job := enqueuePlanRun(t, ctx, sched, "tenant-c", basicPayload("plan-3"))

	_, err := orch.RunOnce(ctx, "worker-1", time.Minute)
	require.Error(t, err)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
}

func TestProcessPlanRunFailsOnSolverError(t *testing.T) {
	ctx := context.Background()
	orch, st, sched := newFixture(t, fakeSolver{err: orchestration.ErrSolverTimeout})

	job := enqueuePlanRun(t, ctx, sched, "tenant-d", basicPayload("plan-4"))

	_, err := orch.RunOnce(ctx, "worker-1", time.Minute)
	require.Error(t, err)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
}

func TestRunOnceReturnsFalseWhenNoJobsQueued(t *testing.T) {
	ctx := context.Background()
	orch, _, _ := newFixture(t, fakeSolver{})
	processed, err := orch.RunOnce(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, processed)
}
