package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dyocense/controlplane/internal/domain"
)

// MemStore is an in-process, mutex-guarded Store implementation, the
// generalization of the teacher's storage.MemDB to the tabular shape this
// domain needs. It is the store used by unit tests and is safe for
// concurrent use by multiple goroutines (though not multiple processes).
type MemStore struct {
	mu      sync.Mutex
	tenants map[string]*domain.Tenant
	jobs    map[string]*domain.Job
	chains  map[string][]domain.LedgerEntry // tenantID -> entries, oldest first
	keys    map[string]*domain.SigningKey
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tenants: make(map[string]*domain.Tenant),
		jobs:    make(map[string]*domain.Job),
		chains:  make(map[string][]domain.LedgerEntry),
		keys:    make(map[string]*domain.SigningKey),
	}
}

func infVector() domain.ResourceVector {
	return domain.ResourceVector{
		domain.ResourceSolverSec: math.Inf(1),
		domain.ResourceGPUSec:    math.Inf(1),
		domain.ResourceLLMTokens: math.Inf(1),
	}
}

func (s *MemStore) EnsureTenant(ctx context.Context, tenantID string, tier domain.Tier, defaults TenantDefaults) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[tenantID]; ok {
		t.Tier = tier
		return *t, nil
	}
	t := &domain.Tenant{
		TenantID:        tenantID,
		Tier:            tier,
		Weight:          defaults.Weight,
		RateLimitPerMin: defaults.RateLimitPerMin,
		Remaining:       infVector(),
		Limits:          domain.ResourceVector{},
		LastRequestTS:   time.Time{},
		VirtualFinish:   0,
	}
	s.tenants[tenantID] = t
	return *t, nil
}

func (s *MemStore) UpdateTenantLimits(ctx context.Context, tenantID string, tier domain.Tier, limits domain.ResourceVector) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		t = &domain.Tenant{TenantID: tenantID, Remaining: infVector()}
		s.tenants[tenantID] = t
	}
	t.Tier = tier
	t.Limits = limits
	if t.Remaining == nil {
		t.Remaining = infVector()
	}
	for _, kind := range domain.AllResourceKinds {
		if limit, ok := limits[kind]; ok {
			t.Remaining[kind] = limit
		}
	}
	return *t, nil
}

func (s *MemStore) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return domain.Tenant{}, fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
	}
	return *t, nil
}

// TryAdmit enforces a boundary-inclusive rate limit (a request at exactly
// 60/rate seconds after the last one succeeds) and denies admission when
// the tenant's remaining budget has already gone negative in any
// resource dimension. No mutation occurs on denial.
func (s *MemStore) TryAdmit(ctx context.Context, tenantID string, now time.Time) (bool, domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return false, domain.Tenant{}, fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
	}
	if t.Remaining.AnyNegative() {
		return false, *t, domain.ErrBudgetExceeded
	}
	if t.RateLimitPerMin > 0 {
		minInterval := time.Duration(float64(time.Minute) / float64(t.RateLimitPerMin))
		if !t.LastRequestTS.IsZero() && now.Sub(t.LastRequestTS) < minInterval {
			return false, *t, nil
		}
	}
	t.LastRequestTS = now
	return true, *t, nil
}

func (s *MemStore) DecrementUsage(ctx context.Context, tenantID string, usage domain.ResourceVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
	}
	if t.Remaining == nil {
		t.Remaining = infVector()
	}
	t.Remaining = t.Remaining.Sub(usage)
	return nil
}

func (s *MemStore) AdvanceVirtualFinish(ctx context.Context, tenantID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
	}
	if delta > 0 {
		t.VirtualFinish += delta
	}
	return nil
}

func (s *MemStore) InsertJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	stored := job
	s.jobs[stored.JobID] = &stored
	return stored, nil
}

func (s *MemStore) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return *j, nil
}

func (s *MemStore) LeaseJobs(ctx context.Context, workerID string, maxJobs int, now time.Time, leaseExpiresAt time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobQueued {
			eligible = append(eligible, j)
			continue
		}
		if j.Status == domain.JobLeased && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now) {
			eligible = append(eligible, j)
		}
	}

	sort.Slice(eligible, func(i, k int) bool {
		a, b := eligible[i], eligible[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority // priority DESC
		}
		if a.VirtualFinish != b.VirtualFinish {
			return a.VirtualFinish < b.VirtualFinish // virtual_finish ASC
		}
		return a.CreatedAt.Before(b.CreatedAt) // created_at ASC
	})

	candidates := make([]FairCandidate, len(eligible))
	for idx, j := range eligible {
		candidates[idx] = FairCandidate{Index: idx, TenantID: j.TenantID, Priority: j.Priority}
	}

	var leased []domain.Job
	for _, idx := range SelectFair(candidates, maxJobs) {
		j := eligible[idx]
		j.Status = domain.JobLeased
		j.WorkerID = workerID
		expiry := leaseExpiresAt
		j.LeaseExpiresAt = &expiry
		j.UpdatedAt = now
		leased = append(leased, *j)
	}
	return leased, nil
}

func (s *MemStore) ExtendLease(ctx context.Context, jobID, workerID string, newExpiry time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if j.Status != domain.JobLeased || j.WorkerID != workerID {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotLeasedToWorker, jobID)
	}
	j.LeaseExpiresAt = &newExpiry
	return *j, nil
}

func (s *MemStore) CompleteJob(ctx context.Context, jobID, workerID string, result map[string]any) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if j.Status == domain.JobCompleted {
		return *j, nil // idempotent
	}
	if j.Status != domain.JobLeased || j.WorkerID != workerID {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotLeasedToWorker, jobID)
	}
	j.Status = domain.JobCompleted
	j.Result = result
	return *j, nil
}

func (s *MemStore) FailOrCancelJob(ctx context.Context, jobID, workerID string, status domain.JobStatus, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	if j.IsTerminal() {
		return *j, nil // idempotent
	}
	if j.WorkerID != "" && j.WorkerID != workerID {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotLeasedToWorker, jobID)
	}
	j.Status = status
	j.UpdatedAt = now
	return *j, nil
}

func (s *MemStore) SweepExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.JobLeased || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Attempts++
		j.WorkerID = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		if j.Attempts > maxAttempts {
			j.Status = domain.JobFailed
			if j.Result == nil {
				j.Result = map[string]any{}
			}
			j.Result["failure_reason"] = "lease_expired_repeatedly"
		} else {
			j.Status = domain.JobQueued
		}
		changed = append(changed, *j)
	}
	return changed, nil
}

func (s *MemStore) AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	s.chains[entry.TenantID] = append(s.chains[entry.TenantID], entry)
	return entry, nil
}

func (s *MemStore) GetChain(ctx context.Context, tenantID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.chains[tenantID]
	// newest-first
	out := make([]domain.LedgerEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) GetLatestEntry(ctx context.Context, tenantID string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.chains[tenantID]
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func (s *MemStore) RegisterKey(ctx context.Context, key domain.SigningKey, setActive bool) (domain.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.KeyID == "" {
		key.KeyID = uuid.NewString()
	}
	if setActive {
		for _, k := range s.keys {
			if k.TenantID == key.TenantID && k.Status == domain.KeyActive {
				k.Status = domain.KeyExpired
				expiredAt := key.CreatedAt
				k.ExpiresAt = &expiredAt
			}
		}
		key.Status = domain.KeyActive
	}
	stored := key
	s.keys[stored.KeyID] = &stored
	return stored, nil
}

func (s *MemStore) GetActiveKey(ctx context.Context, tenantID string) (*domain.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.Status == domain.KeyActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) GetKey(ctx context.Context, keyID string) (*domain.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	cp := *k
	return &cp, nil
}

func (s *MemStore) SetKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	k.Status = status
	if status == domain.KeyRevoked {
		k.RevokedAt = &at
	}
	if status == domain.KeyExpired {
		k.ExpiresAt = &at
	}
	return nil
}

func (s *MemStore) ListTenantKeys(ctx context.Context, tenantID string) ([]domain.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SigningKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemStore)(nil)
