// Package scheduler implements the scheduler core (spec.md §4.1): tenant
// admission, weighted-fair job ordering, lease-based dispatch, and
// lease-expiry recovery, all delegated to a store.Store for atomicity.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/store"
)

const epsilon = 1e-9

// Scheduler is the Scheduler Core port.
type Scheduler struct {
	store     store.Store
	tierRules config.TierRules
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New constructs a Scheduler backed by st, with tenant tier defaults drawn
// from rules.
func New(st store.Store, rules config.TierRules, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     st,
		tierRules: rules,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueRequest is the input to Enqueue.
type EnqueueRequest struct {
	TenantID     string
	Tier         domain.Tier
	JobType      string
	Payload      map[string]any
	CostEstimate domain.ResourceVector
	Priority     *int // nil = default to floor(weight)
}

// Enqueue admits and queues a job, per spec.md §4.1's admission and
// virtual-finish stamping rules.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Job, error) {
	rule := s.tierRules.Resolve(string(req.Tier))
	tenant, err := s.store.EnsureTenant(ctx, req.TenantID, req.Tier, store.TenantDefaults{
		Weight:          rule.Weight,
		RateLimitPerMin: rule.RateLimitPerMin,
	})
	if err != nil {
		return domain.Job{}, err
	}

	now := s.now()
	allowed, tenant, err := s.store.TryAdmit(ctx, req.TenantID, now)
	if err != nil {
		return domain.Job{}, err
	}
	if !allowed {
		return domain.Job{}, fmt.Errorf("%w: tenant %s", domain.ErrRateLimitExceeded, req.TenantID)
	}

	weight := tenant.Weight
	if weight < epsilon {
		weight = epsilon
	}
	vf := math.Max(tenant.VirtualFinish, nowScalar(now)) + req.CostEstimate.Sum()/weight

	priority := int(math.Floor(tenant.Weight))
	if req.Priority != nil {
		priority = *req.Priority
	}

	job := domain.Job{
		JobID:         uuid.NewString(),
		TenantID:      req.TenantID,
		Tier:          req.Tier,
		JobType:       req.JobType,
		Payload:       req.Payload,
		CostEstimate:  req.CostEstimate,
		Priority:      priority,
		VirtualFinish: vf,
		Status:        domain.JobQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := s.store.InsertJob(ctx, job)
	if err != nil {
		return domain.Job{}, err
	}
	s.logger.Debug("job enqueued", "job_id", inserted.JobID, "tenant_id", inserted.TenantID, "virtual_finish", vf)
	return inserted, nil
}

// nowScalar maps a wall-clock time to the scalar used by the virtual-finish
// formula: seconds since the Unix epoch. The scheduler never compares this
// across tenants directly; it only ever takes a max against a tenant's own
// previously stamped virtual_finish.
func nowScalar(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Lease selects up to maxJobs eligible jobs and atomically transitions them
// to leased (spec.md §4.1 Lease).
func (s *Scheduler) Lease(ctx context.Context, workerID string, maxJobs int, leaseTTL time.Duration) ([]domain.Job, error) {
	now := s.now()
	jobs, err := s.store.LeaseJobs(ctx, workerID, maxJobs, now, now.Add(leaseTTL))
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		s.logger.Debug("jobs leased", "worker_id", workerID, "count", len(jobs))
	}
	return jobs, nil
}

// Heartbeat extends a held lease (spec.md §4.1 Heartbeat).
func (s *Scheduler) Heartbeat(ctx context.Context, jobID, workerID string, extension time.Duration) (domain.Job, error) {
	return s.store.ExtendLease(ctx, jobID, workerID, s.now().Add(extension))
}

// CompleteRequest is the input to Complete.
type CompleteRequest struct {
	JobID      string
	WorkerID   string
	Result     map[string]any
	ActualCost domain.ResourceVector // nil = use the job's enqueued cost_estimate
}

// Complete transitions a leased job to completed, debits the tenant's
// remaining budget, and advances its virtual_finish (spec.md §4.1 Complete).
func (s *Scheduler) Complete(ctx context.Context, req CompleteRequest) (domain.Job, error) {
	job, err := s.store.GetJob(ctx, req.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status == domain.JobCompleted {
		return job, nil // idempotent per spec.md §4.1.4
	}

	cost := req.ActualCost
	if cost == nil {
		cost = job.CostEstimate
	}

	updated, err := s.store.CompleteJob(ctx, req.JobID, req.WorkerID, req.Result)
	if err != nil {
		return domain.Job{}, err
	}

	if err := s.store.DecrementUsage(ctx, job.TenantID, cost); err != nil {
		return updated, err
	}

	tenant, err := s.store.GetTenant(ctx, job.TenantID)
	if err == nil {
		weight := tenant.Weight
		if weight < 1 {
			weight = 1
		}
		if err := s.store.AdvanceVirtualFinish(ctx, job.TenantID, cost.Work()/weight); err != nil {
			s.logger.Warn("failed to advance virtual finish", "tenant_id", job.TenantID, "err", err)
		}
	}
	return updated, nil
}

// Non-debiting cancellation reasons (spec.md §4.1 FailOrCancel): these
// reflect the scheduler's own decision, not consumed worker effort, so the
// enqueued estimate is not charged against the tenant's budget.
const (
	ReasonAdmissionCancel = "admission_cancel"
	ReasonStoreError      = "store_error"
)

// FailOrCancel transitions a leased job to failed or cancelled, debiting
// the enqueued cost estimate unless reason is one of the no-debit reasons
// (spec.md §4.1 FailOrCancel).
func (s *Scheduler) FailOrCancel(ctx context.Context, jobID, workerID string, status domain.JobStatus, reason string) (domain.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.IsTerminal() {
		return job, nil
	}
	updated, err := s.store.FailOrCancelJob(ctx, jobID, workerID, status, s.now())
	if err != nil {
		return domain.Job{}, err
	}
	if reason != ReasonAdmissionCancel && reason != ReasonStoreError {
		if err := s.store.DecrementUsage(ctx, job.TenantID, job.CostEstimate); err != nil {
			s.logger.Warn("failed to debit budget on fail/cancel", "job_id", jobID, "err", err)
		}
	}
	return updated, nil
}

// DefaultMaxLeaseAttempts bounds SweepExpiredLeases retries before a job is
// failed permanently (spec.md §4.1: "After max_attempts expiries...").
const DefaultMaxLeaseAttempts = 5

// SweepExpiredLeases requeues (or permanently fails) jobs whose lease has
// expired. Intended to run on a fixed cadence from cmd/controlplaned.
func (s *Scheduler) SweepExpiredLeases(ctx context.Context, maxAttempts int) ([]domain.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxLeaseAttempts
	}
	changed, err := s.store.SweepExpiredLeases(ctx, s.now(), maxAttempts)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		s.logger.Info("swept expired leases", "count", len(changed))
	}
	return changed, nil
}

// SetTenantLimits updates a tenant's tier and resource limits (an
// operator/admin-surface operation, not named explicitly in spec.md §4.1
// but required by its tenant-state shape in §3/§6).
func (s *Scheduler) SetTenantLimits(ctx context.Context, tenantID string, tier domain.Tier, limits domain.ResourceVector) (domain.Tenant, error) {
	return s.store.UpdateTenantLimits(ctx, tenantID, tier, limits)
}

// GetTenant returns the current tenant budget/scheduling state.
func (s *Scheduler) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	return s.store.GetTenant(ctx, tenantID)
}

// Run starts a background sweep loop on interval until ctx is cancelled,
// in the teacher's fixed-cadence scheduler shape.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, maxAttempts int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpiredLeases(ctx, maxAttempts); err != nil {
				s.logger.Error("sweep failed", "err", err)
			}
		}
	}
}
