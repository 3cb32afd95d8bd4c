// Package store defines the durable store port and its adapters: an
// in-memory implementation used by unit tests (and small deployments) and
// a GORM-backed implementation for Postgres/SQLite production use.
package store

import (
	"context"
	"time"

	"dyocense/controlplane/internal/domain"
)

// Store is the durable store port consumed by the scheduler, ledger and
// key lifecycle operations. Every mutating method here is expected to be
// atomic with respect to the identifying tuple it conditions on.
type Store interface {
	// Tenants

	// EnsureTenant upserts a tenant row with tier defaults if absent,
	// returning the (possibly pre-existing) tenant state.
	EnsureTenant(ctx context.Context, tenantID string, tier domain.Tier, defaults TenantDefaults) (domain.Tenant, error)
	UpdateTenantLimits(ctx context.Context, tenantID string, tier domain.Tier, limits domain.ResourceVector) (domain.Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)

	// TryAdmit atomically checks the rate limit against lastRequestTS and
	// the tenant's remaining budget, and when both allow it compare-and-sets
	// LastRequestTS to now. No mutation occurs when admission is denied.
	TryAdmit(ctx context.Context, tenantID string, now time.Time) (allowed bool, tenant domain.Tenant, err error)

	// DecrementUsage atomically subtracts usage from tenant.Remaining.
	DecrementUsage(ctx context.Context, tenantID string, usage domain.ResourceVector) error

	// AdvanceVirtualFinish atomically adds delta to tenant.VirtualFinish,
	// never decreasing it.
	AdvanceVirtualFinish(ctx context.Context, tenantID string, delta float64) error

	// Jobs

	InsertJob(ctx context.Context, job domain.Job) (domain.Job, error)
	GetJob(ctx context.Context, jobID string) (domain.Job, error)

	// LeaseJobs selects up to maxJobs eligible jobs ordered by
	// (priority DESC, virtual_finish ASC, created_at ASC), round-robining
	// across tenants within each priority bucket so no single tenant's
	// backlog can starve another tenant with eligible work at the same
	// priority, and atomically transitions them to leased.
	LeaseJobs(ctx context.Context, workerID string, maxJobs int, now time.Time, leaseExpiresAt time.Time) ([]domain.Job, error)

	ExtendLease(ctx context.Context, jobID, workerID string, newExpiry time.Time) (domain.Job, error)
	CompleteJob(ctx context.Context, jobID, workerID string, result map[string]any) (domain.Job, error)
	FailOrCancelJob(ctx context.Context, jobID, workerID string, status domain.JobStatus, now time.Time) (domain.Job, error)

	// SweepExpiredLeases requeues (or, past maxAttempts, fails) every
	// leased job whose lease has expired as of now.
	SweepExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) ([]domain.Job, error)

	// Ledger

	AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error)
	GetChain(ctx context.Context, tenantID string, limit int) ([]domain.LedgerEntry, error)
	GetLatestEntry(ctx context.Context, tenantID string) (*domain.LedgerEntry, error)

	// Signing keys

	RegisterKey(ctx context.Context, key domain.SigningKey, setActive bool) (domain.SigningKey, error)
	GetActiveKey(ctx context.Context, tenantID string) (*domain.SigningKey, error)
	GetKey(ctx context.Context, keyID string) (*domain.SigningKey, error)
	SetKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus, at time.Time) error
	ListTenantKeys(ctx context.Context, tenantID string) ([]domain.SigningKey, error)
}

// TenantDefaults are applied only when a tenant row does not yet exist;
// a tenant is created on first observation, upserted with these defaults.
type TenantDefaults struct {
	Weight          float64
	RateLimitPerMin int
}

// FairCandidate is the minimal view of an eligible job SelectFair needs
// to apply the per-priority-bucket round-robin fairness rule. Index
// identifies the candidate's position in the caller's own slice of
// eligible jobs.
type FairCandidate struct {
	Index    int
	TenantID string
	Priority int
}

// SelectFair picks which eligible jobs a LeaseJobs call should award,
// up to maxJobs. candidates must already be ordered by
// (priority DESC, virtual_finish ASC, created_at ASC). Within each
// contiguous run of equal Priority, tenants are served round-robin: a
// tenant receives at most one job from the bucket per round, so a
// backlogged tenant cannot exhaust a priority bucket while another
// tenant has eligible work at the same priority. A bucket is only
// fully drained (letting one tenant take several jobs in a row) once
// every other tenant in it has run out of work. Returns the selected
// candidates' Index values, in the order they were awarded.
func SelectFair(candidates []FairCandidate, maxJobs int) []int {
	selected := make([]int, 0, maxJobs)
	i := 0
	for i < len(candidates) && len(selected) < maxJobs {
		bucketStart := i
		priority := candidates[i].Priority
		for i < len(candidates) && candidates[i].Priority == priority {
			i++
		}
		bucket := candidates[bucketStart:i]

		order := make([]string, 0)
		queues := make(map[string][]int)
		for _, c := range bucket {
			if _, ok := queues[c.TenantID]; !ok {
				order = append(order, c.TenantID)
			}
			queues[c.TenantID] = append(queues[c.TenantID], c.Index)
		}

		for len(selected) < maxJobs {
			awarded := false
			for _, tenantID := range order {
				queue := queues[tenantID]
				if len(queue) == 0 {
					continue
				}
				selected = append(selected, queue[0])
				queues[tenantID] = queue[1:]
				awarded = true
				if len(selected) >= maxJobs {
					break
				}
			}
			if !awarded {
				break
			}
		}
	}
	return selected
}
