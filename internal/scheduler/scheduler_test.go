package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/scheduler"
	"dyocense/controlplane/internal/store"
)

func newScheduler(t *testing.T, now time.Time) *scheduler.Scheduler {
	t.Helper()
	sched, _ := newSchedulerWithStore(t, now)
	return sched
}

func newSchedulerWithStore(t *testing.T, now time.Time) (*scheduler.Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	rules := config.DefaultTierRules()
	return scheduler.New(st, rules, scheduler.WithClock(func() time.Time { return now })), st
}

func TestEnqueueStampsVirtualFinish(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newScheduler(t, now)

	job, err := s.Enqueue(context.Background(), scheduler.EnqueueRequest{
		TenantID:     "tenant-a",
		Tier:         domain.TierStandard,
		JobType:      "plan",
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Greater(t, job.VirtualFinish, 0.0)
}

func TestEnqueueRateLimitDoesNotMutateState(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newScheduler(t, now)
	ctx := context.Background()

	req := scheduler.EnqueueRequest{TenantID: "tenant-a", Tier: domain.TierFree, JobType: "plan"}
	_, err := s.Enqueue(ctx, req)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, req)
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)

	tenant, err := s.GetTenant(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, now, tenant.LastRequestTS)
}

func TestLeaseOrdersByPriorityThenVirtualFinish(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newScheduler(t, now)
	ctx := context.Background()

	low := 1
	_, err := s.Enqueue(ctx, scheduler.EnqueueRequest{TenantID: "tenant-a", Tier: domain.TierEnterprise, JobType: "plan", Priority: &low})
	require.NoError(t, err)

	high := 9
	job2, err := s.Enqueue(ctx, scheduler.EnqueueRequest{TenantID: "tenant-b", Tier: domain.TierEnterprise, JobType: "plan", Priority: &high})
	require.NoError(t, err)

	leased, err := s.Lease(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, job2.JobID, leased[0].JobID)
}

func TestCompleteDebitsBudgetAndAdvancesVirtualFinish(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newScheduler(t, now)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, scheduler.EnqueueRequest{
		TenantID:     "tenant-a",
		Tier:         domain.TierStandard,
		JobType:      "plan",
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 4},
	})
	require.NoError(t, err)

	_, err = s.SetTenantLimits(ctx, "tenant-a", domain.TierStandard, domain.ResourceVector{domain.ResourceSolverSec: 100})
	require.NoError(t, err)

	leased, err := s.Lease(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	before, err := s.GetTenant(ctx, "tenant-a")
	require.NoError(t, err)

	_, err = s.Complete(ctx, scheduler.CompleteRequest{JobID: job.JobID, WorkerID: "worker-1"})
	require.NoError(t, err)

	after, err := s.GetTenant(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Less(t, after.Remaining[domain.ResourceSolverSec], before.Remaining[domain.ResourceSolverSec])
	assert.Greater(t, after.VirtualFinish, before.VirtualFinish)

	// Second Complete is a no-op.
	again, err := s.Complete(ctx, scheduler.CompleteRequest{JobID: job.JobID, WorkerID: "worker-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, again.Status)
}

func TestFailOrCancelDebitsUnlessExempt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newScheduler(t, now)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, scheduler.EnqueueRequest{
		TenantID:     "tenant-a",
		Tier:         domain.TierStandard,
		JobType:      "plan",
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 4},
	})
	require.NoError(t, err)
	_, err = s.SetTenantLimits(ctx, "tenant-a", domain.TierStandard, domain.ResourceVector{domain.ResourceSolverSec: 100})
	require.NoError(t, err)

	leased, err := s.Lease(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	before, err := s.GetTenant(ctx, "tenant-a")
	require.NoError(t, err)

	_, err = s.FailOrCancel(ctx, job.JobID, "worker-1", domain.JobFailed, "solver_timeout")
	require.NoError(t, err)

	after, err := s.GetTenant(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Less(t, after.Remaining[domain.ResourceSolverSec], before.Remaining[domain.ResourceSolverSec])
}

func TestSweepExpiredLeasesRequeuesThenFails(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, backing := newSchedulerWithStore(t, now)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, scheduler.EnqueueRequest{TenantID: "tenant-a", Tier: domain.TierStandard, JobType: "plan"})
	require.NoError(t, err)

	_, err = s.Lease(ctx, "worker-1", 1, time.Millisecond)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	s2 := scheduler.New(backing, config.DefaultTierRules(), scheduler.WithClock(func() time.Time { return later }))
	for i := 0; i <= scheduler.DefaultMaxLeaseAttempts; i++ {
		changed, err := s2.SweepExpiredLeases(ctx, scheduler.DefaultMaxLeaseAttempts)
		require.NoError(t, err)
		if i < scheduler.DefaultMaxLeaseAttempts {
			require.Len(t, changed, 1)
			assert.Equal(t, domain.JobQueued, changed[0].Status)
			_, err = s2.Lease(ctx, "worker-1", 1, 0)
			require.NoError(t, err)
		} else {
			require.Len(t, changed, 1)
			assert.Equal(t, domain.JobFailed, changed[0].Status)
		}
	}

	refreshed, err := s2.Lease(ctx, "worker-2", 1, time.Millisecond) // should be empty: job is terminal
	require.NoError(t, err)
	assert.Empty(t, refreshed)
}
