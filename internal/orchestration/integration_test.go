package orchestration_test

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dyocrypto "dyocense/controlplane/crypto"
	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/evidence"
	"dyocense/controlplane/internal/ledger"
	"dyocense/controlplane/internal/orchestration"
	"dyocense/controlplane/internal/policy"
	"dyocense/controlplane/internal/scheduler"
	"dyocense/controlplane/internal/store"
)

// refKeyedResolver resolves ed25519 private keys by the same keyVaultRef
// string they were registered under, so a test can rotate through several
// keys and still have each prior entry's signature resolve correctly.
type refKeyedResolver struct {
	byRef map[string]ed25519.PrivateKey
}

func (r refKeyedResolver) ResolveEd25519(ctx context.Context, ref string) (ed25519.PrivateKey, error) {
	return r.byRef[ref], nil
}

func (r refKeyedResolver) ResolveSecp256k1(ctx context.Context, ref string) (*dyocrypto.PrivateKey, error) {
	return nil, nil
}

// solvedSolution is a SolverPort stub that always returns a policy-passing
// solution, for scenarios where the point under test is scheduling or
// ledger behaviour rather than solver/policy interaction.
type solvedSolution struct{}

func (solvedSolution) Solve(ctx context.Context, req orchestration.SolveRequest) (domain.Solution, domain.Diagnostics, error) {
	return domain.Solution{KPIs: map[string]float64{"service": 0.95, "total_cost": 200}}, domain.Diagnostics{}, nil
}

func newIntegrationFixture(t *testing.T, now time.Time) (*orchestration.Orchestrator, store.Store, *scheduler.Scheduler) {
	t.Helper()
	st := store.NewMemStore()
	rules := config.DefaultTierRules()
	clock := func() time.Time { return now }

	sched := scheduler.New(st, rules, scheduler.WithClock(clock))
	guard := policy.New(rules)
	led := ledger.New(st, []byte("integration-secret"), ledger.ModeHMAC, false, ledger.WithClock(clock))

	dir := t.TempDir()
	ev, err := evidence.Open(filepath.Join(dir, "blobs"), filepath.Join(dir, "graph.db"), evidence.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })

	orch := orchestration.New(sched, guard, solvedSolution{}, led, ev, orchestration.WithClock(clock))
	return orch, st, sched
}

func planRunPayload(planID string) map[string]any {
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

// TestFairShareAcrossTenantsFavorsHigherWeightTenantFirst exercises
// §4.1's weighted-fair-queueing promise end to end: a free-tier tenant
// (weight 1) and an enterprise-tier tenant (weight 5) each enqueue one
// job at the same instant. The enterprise job gets the higher default
// priority (floor of its weight, 5 against 1) and, costing the same
// resources divided by a larger weight, the earlier virtual_finish, so
// the scheduler leases it first even though both jobs were queued together.
func TestFairShareAcrossTenantsFavorsHigherWeightTenantFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	orch, st, sched := newIntegrationFixture(t, now)

	freeJob, err := sched.Enqueue(ctx, scheduler.EnqueueRequest{
		TenantID:     "tenant-free",
		Tier:         domain.TierFree,
		JobType:      orchestration.JobTypePlanRun,
		Payload:      planRunPayload("plan-free"),
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 10},
	})
	require.NoError(t, err)

	entJob, err := sched.Enqueue(ctx, scheduler.EnqueueRequest{
		TenantID:     "tenant-enterprise",
		Tier:         domain.TierEnterprise,
		JobType:      orchestration.JobTypePlanRun,
		Payload:      planRunPayload("plan-enterprise"),
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 10},
	})
	require.NoError(t, err)

	processed, err := orch.RunOnce(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, processed)

	gotEnt, err := st.GetJob(ctx, entJob.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, gotEnt.Status, "the enterprise tenant's heavier weight should give it the earlier virtual_finish")

	gotFree, err := st.GetJob(ctx, freeJob.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, gotFree.Status, "the free tenant's job should still be waiting behind the enterprise job")

	processed, err = orch.RunOnce(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, processed)

	gotFree, err = st.GetJob(ctx, freeJob.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, gotFree.Status)
}

// TestLeaseRecoveryRequeuesAbandonedJobForAnotherWorker simulates a worker
// that leases a job and then disappears without heartbeating: the sweep
// must requeue the job so a second orchestrator picks it up and completes
// the pipeline normally (spec.md §4.1 Lease/Heartbeat/Sweep).
func TestLeaseRecoveryRequeuesAbandonedJobForAnotherWorker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	orch, st, sched := newIntegrationFixture(t, now)

	job, err := sched.Enqueue(ctx, scheduler.EnqueueRequest{
		TenantID:     "tenant-a",
		Tier:         domain.TierStandard,
		JobType:      orchestration.JobTypePlanRun,
		Payload:      planRunPayload("plan-orphan"),
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 5},
	})
	require.NoError(t, err)

	// A worker leases the job with a very short TTL and never heartbeats.
	leased, err := sched.Lease(ctx, "worker-dead", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, job.JobID, leased[0].JobID)

	got, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobLeased, got.Status)

	// Advance time past the lease TTL and sweep.
	past := now.Add(time.Hour)
	sweptSched := scheduler.New(st, config.DefaultTierRules(), scheduler.WithClock(func() time.Time { return past }))
	requeued, err := sweptSched.SweepExpiredLeases(ctx, 5)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, domain.JobQueued, requeued[0].Status)

	// A second worker, via the orchestrator, now completes the job.
	processed, err := orch.RunOnce(ctx, "worker-live", time.Minute)
	require.NoError(t, err)
	assert.True(t, processed)

	final, err := st.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, final.Status)
	assert.Equal(t, "worker-live", final.WorkerID)

	chain, err := st.GetChain(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "plan_run", chain[0].ActionType)
}

// TestLedgerIntegrityAfterKeyRotationMidChain exercises the ledger's
// tamper-evident chain across several plan_run completions signed with an
// active asymmetric key, a rotation to a replacement key mid-chain, and a
// further completion signed with the new key — confirming Verify still
// reports the whole chain clean (spec.md §4.2.3, §8 ledger-integrity
// scenario).
func TestLedgerIntegrityAfterKeyRotationMidChain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := store.NewMemStore()
	rules := config.DefaultTierRules()
	sched := scheduler.New(st, rules, scheduler.WithClock(clock))
	guard := policy.New(rules)

	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	resolver := refKeyedResolver{byRef: map[string]ed25519.PrivateKey{
		"keystore://tenant-a/key-1": priv1,
		"keystore://tenant-a/key-2": priv2,
	}}
	led := ledger.New(st, []byte("integration-secret"), ledger.ModeAuto, true,
		ledger.WithClock(clock), ledger.WithKeyResolver(resolver))

	dir := t.TempDir()
	ev, err := evidence.Open(filepath.Join(dir, "blobs"), filepath.Join(dir, "graph.db"), evidence.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { ev.Close() })

	orch := orchestration.New(sched, guard, solvedSolution{}, led, ev, orchestration.WithClock(clock))

	_, err = led.RegisterPublicKey(ctx, "tenant-a", domain.AlgorithmEd25519, pub1, "keystore://tenant-a/key-1", true)
	require.NoError(t, err)

	runPlan := func(planID string) {
		// Step past the standard tier's 15s admission interval so each
		// enqueue for the same tenant is admitted.
		now = now.Add(time.Minute)
		job, err := sched.Enqueue(ctx, scheduler.EnqueueRequest{
			TenantID:     "tenant-a",
			Tier:         domain.TierStandard,
			JobType:      orchestration.JobTypePlanRun,
			Payload:      planRunPayload(planID),
			CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 1},
		})
		require.NoError(t, err)
		processed, err := orch.RunOnce(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.True(t, processed)
		got, err := st.GetJob(ctx, job.JobID)
		require.NoError(t, err)
		require.Equal(t, domain.JobCompleted, got.Status)
	}

	runPlan("plan-a-1")
	runPlan("plan-a-2")

	_, err = led.Rotate(ctx, "tenant-a", domain.AlgorithmEd25519, pub2, "keystore://tenant-a/key-2")
	require.NoError(t, err)

	runPlan("plan-a-post-rotation")

	report, err := led.Verify(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.True(t, report.AllOK)
	require.Len(t, report.Entries, 3)
	for _, entry := range report.Entries {
		assert.True(t, entry.SigOK)
		assert.True(t, entry.ChainOK)
	}
}
