package gormstore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/store"
)

// Store is the GORM-backed StorePort adapter.
type Store struct {
	db *gorm.DB
}

// Driver selects the underlying SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Open opens (and auto-migrates) the control-plane schema.
func Open(driver Driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("gormstore: unknown driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := db.AutoMigrate(&TenantRow{}, &JobRow{}, &LedgerEntryRow{}, &SigningKeyRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrStoreUnavailable, err)
	}
	return &Store{db: db}, nil
}

func infVector() domain.ResourceVector {
	return domain.ResourceVector{
		domain.ResourceSolverSec: math.Inf(1),
		domain.ResourceGPUSec:    math.Inf(1),
		domain.ResourceLLMTokens: math.Inf(1),
	}
}

func rowToTenant(r TenantRow) domain.Tenant {
	return domain.Tenant{
		TenantID:        r.TenantID,
		Tier:            domain.Tier(r.Tier),
		Weight:          r.Weight,
		RateLimitPerMin: r.RateLimitPerMin,
		Remaining:       unmarshalJSON[domain.ResourceVector](r.RemainingJSON),
		Limits:          unmarshalJSON[domain.ResourceVector](r.LimitsJSON),
		LastRequestTS:   r.LastRequestTS,
		VirtualFinish:   r.VirtualFinish,
	}
}

func (s *Store) EnsureTenant(ctx context.Context, tenantID string, tier domain.Tier, defaults store.TenantDefaults) (domain.Tenant, error) {
	var row TenantRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("tenant_id = ?", tenantID).First(&row)
		if res.Error == nil {
			return tx.Model(&TenantRow{}).Where("tenant_id = ?", tenantID).Update("tier", string(tier)).Error
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}
		row = TenantRow{
			TenantID:        tenantID,
			Tier:            string(tier),
			Weight:          defaults.Weight,
			RateLimitPerMin: defaults.RateLimitPerMin,
			RemainingJSON:   marshalJSON(infVector()),
			LimitsJSON:      marshalJSON(domain.ResourceVector{}),
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	row.Tier = string(tier)
	return rowToTenant(row), nil
}

func (s *Store) UpdateTenantLimits(ctx context.Context, tenantID string, tier domain.Tier, limits domain.ResourceVector) (domain.Tenant, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row TenantRow
		if err := tx.Where("tenant_id = ?", tenantID).First(&row).Error; err != nil {
			return err
		}
		remaining := unmarshalJSON[domain.ResourceVector](row.RemainingJSON)
		if remaining == nil {
			remaining = infVector()
		}
		for _, kind := range domain.AllResourceKinds {
			if limit, ok := limits[kind]; ok {
				remaining[kind] = limit
			}
		}
		updates := map[string]any{
			"tier":           string(tier),
			"limits_json":    marshalJSON(limits),
			"remaining_json": marshalJSON(remaining),
		}
		return tx.Model(&TenantRow{}).Where("tenant_id = ?", tenantID).Updates(updates).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Tenant{}, fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
		}
		return domain.Tenant{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return s.GetTenant(ctx, tenantID)
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	var row TenantRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Tenant{}, fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
		}
		return domain.Tenant{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return rowToTenant(row), nil
}

// TryAdmit performs the rate-limit compare-and-set in a single
// transaction: it reads last_request_ts, and only updates it (to now) when
// the request is allowed, per spec.md's "no mutation on denial" rule. It
// also denies admission when the tenant's remaining budget has already
// gone negative in any resource dimension, mirroring MemStore.TryAdmit.
func (s *Store) TryAdmit(ctx context.Context, tenantID string, now time.Time) (bool, domain.Tenant, error) {
	var allowed bool
	var budgetExceeded bool
	var row TenantRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantID).First(&row).Error; err != nil {
			return err
		}
		if unmarshalJSON[domain.ResourceVector](row.RemainingJSON).AnyNegative() {
			budgetExceeded = true
			allowed = false
			return nil
		}
		if row.RateLimitPerMin > 0 && !row.LastRequestTS.IsZero() {
			minInterval := time.Duration(float64(time.Minute) / float64(row.RateLimitPerMin))
			if now.Sub(row.LastRequestTS) < minInterval {
				allowed = false
				return nil
			}
		}
		allowed = true
		row.LastRequestTS = now
		return tx.Model(&TenantRow{}).Where("tenant_id = ?", tenantID).Update("last_request_ts", now).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, domain.Tenant{}, fmt.Errorf("%w: %s", domain.ErrTenantNotFound, tenantID)
		}
		return false, domain.Tenant{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if budgetExceeded {
		return false, rowToTenant(row), domain.ErrBudgetExceeded
	}
	return allowed, rowToTenant(row), nil
}

func (s *Store) DecrementUsage(ctx context.Context, tenantID string, usage domain.ResourceVector) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row TenantRow
		if err := tx.Where("tenant_id = ?", tenantID).First(&row).Error; err != nil {
			return err
		}
		remaining := unmarshalJSON[domain.ResourceVector](row.RemainingJSON)
		if remaining == nil {
			remaining = infVector()
		}
		remaining = remaining.Sub(usage)
		return tx.Model(&TenantRow{}).Where("tenant_id = ?", tenantID).Update("remaining_json", marshalJSON(remaining)).Error
	})
}

func (s *Store) AdvanceVirtualFinish(ctx context.Context, tenantID string, delta float64) error {
	if delta <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&TenantRow{}).Where("tenant_id = ?", tenantID).
		Update("virtual_finish", gorm.Expr("virtual_finish + ?", delta)).Error
}

func (s *Store) InsertJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	row := jobToRow(job)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	var row JobRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return rowToJob(row), nil
}

// LeaseJobs orders eligible jobs by (priority DESC, virtual_finish ASC,
// created_at ASC) and conditionally claims each one, matching spec.md
// §4.1's ordering and at-most-one-lease invariant. The per-tenant
// fairness rule (no tenant gets a second job in one call while another
// tenant has eligible work at the same priority bucket) is applied in the
// application layer after the ordered fetch, the same way MemStore does it.
func (s *Store) LeaseJobs(ctx context.Context, workerID string, maxJobs int, now time.Time, leaseExpiresAt time.Time) ([]domain.Job, error) {
	var rows []JobRow
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND lease_expires_at <= ?)", string(domain.JobQueued), string(domain.JobLeased), now).
		Order("priority DESC, virtual_finish ASC, created_at ASC").
		Limit(maxJobs * 4). // over-fetch so the fairness pass has candidates to skip
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	candidates := make([]store.FairCandidate, len(rows))
	for idx, row := range rows {
		candidates[idx] = store.FairCandidate{Index: idx, TenantID: row.TenantID, Priority: row.Priority}
	}
	var leased []domain.Job
	for _, idx := range store.SelectFair(candidates, maxJobs) {
		row := rows[idx]
		res := s.db.WithContext(ctx).Model(&JobRow{}).
			Where("job_id = ? AND status = ? AND (worker_id = ? OR worker_id != ?)", row.JobID, row.Status, row.WorkerID, workerID).
			Updates(map[string]any{
				"status":           string(domain.JobLeased),
				"worker_id":        workerID,
				"lease_expires_at": leaseExpiresAt,
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, res.Error)
		}
		if res.RowsAffected == 0 {
			continue // lost the race to another coordinator
		}
		row.Status = string(domain.JobLeased)
		row.WorkerID = workerID
		row.LeaseExpiresAt = &leaseExpiresAt
		leased = append(leased, rowToJob(row))
	}
	return leased, nil
}

func hasOtherTenantWork(rows []JobRow, seen map[string]bool, tenantID string) bool {
	for _, r := range rows {
		if r.TenantID != tenantID && !seen[r.TenantID] && r.Status == string(domain.JobQueued) {
			return true
		}
	}
	return false
}

func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, newExpiry time.Time) (domain.Job, error) {
	res := s.db.WithContext(ctx).Model(&JobRow{}).
		Where("job_id = ? AND worker_id = ? AND status = ?", jobID, workerID, string(domain.JobLeased)).
		Update("lease_expires_at", newExpiry)
	if res.Error != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotLeasedToWorker, jobID)
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, result map[string]any) (domain.Job, error) {
	existing, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if existing.Status == domain.JobCompleted {
		return existing, nil // idempotent
	}
	res := s.db.WithContext(ctx).Model(&JobRow{}).
		Where("job_id = ? AND worker_id = ? AND status = ?", jobID, workerID, string(domain.JobLeased)).
		Updates(map[string]any{"status": string(domain.JobCompleted), "result_json": marshalJSON(result)})
	if res.Error != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotLeasedToWorker, jobID)
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) FailOrCancelJob(ctx context.Context, jobID, workerID string, status domain.JobStatus, now time.Time) (domain.Job, error) {
	existing, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if existing.IsTerminal() {
		return existing, nil
	}
	res := s.db.WithContext(ctx).Model(&JobRow{}).
		Where("job_id = ? AND (worker_id = ? OR worker_id = '')", jobID, workerID).
		Updates(map[string]any{"status": string(status), "updated_at": now})
	if res.Error != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotLeasedToWorker, jobID)
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) ([]domain.Job, error) {
	var rows []JobRow
	if err := s.db.WithContext(ctx).
		Where("status = ? AND lease_expires_at <= ?", string(domain.JobLeased), now).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	var changed []domain.Job
	for _, row := range rows {
		attempts := row.Attempts + 1
		newStatus := string(domain.JobQueued)
		resultJSON := row.ResultJSON
		if attempts > maxAttempts {
			newStatus = string(domain.JobFailed)
			result := unmarshalJSON[map[string]any](row.ResultJSON)
			if result == nil {
				result = map[string]any{}
			}
			result["failure_reason"] = "lease_expired_repeatedly"
			resultJSON = marshalJSON(result)
		}
		res := s.db.WithContext(ctx).Model(&JobRow{}).
			Where("job_id = ? AND status = ? AND lease_expires_at <= ?", row.JobID, string(domain.JobLeased), now).
			Updates(map[string]any{
				"status":           newStatus,
				"worker_id":        "",
				"lease_expires_at": nil,
				"attempts":         attempts,
				"updated_at":       now,
				"result_json":      resultJSON,
			})
		if res.Error != nil || res.RowsAffected == 0 {
			continue // lost race to a concurrent heartbeat/sweep
		}
		row.Status = newStatus
		row.Attempts = attempts
		changed = append(changed, rowToJob(row))
	}
	return changed, nil
}

func (s *Store) AppendLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	row := entryToRow(entry)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return entry, nil
}

func (s *Store) GetChain(ctx context.Context, tenantID string, limit int) ([]domain.LedgerEntry, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("ts DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []LedgerEntryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	out := make([]domain.LedgerEntry, len(rows))
	for i, r := range rows {
		out[i] = rowToEntry(r)
	}
	return out, nil
}

func (s *Store) GetLatestEntry(ctx context.Context, tenantID string) (*domain.LedgerEntry, error) {
	var row LedgerEntryRow
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("ts DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	entry := rowToEntry(row)
	return &entry, nil
}

func (s *Store) RegisterKey(ctx context.Context, key domain.SigningKey, setActive bool) (domain.SigningKey, error) {
	if key.KeyID == "" {
		key.KeyID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if setActive {
			if err := tx.Model(&SigningKeyRow{}).
				Where("tenant_id = ? AND status = ?", key.TenantID, string(domain.KeyActive)).
				Updates(map[string]any{"status": string(domain.KeyExpired), "expires_at": key.CreatedAt}).Error; err != nil {
				return err
			}
			key.Status = domain.KeyActive
		}
		row := keyToRow(key)
		return tx.Create(&row).Error
	})
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return key, nil
}

func (s *Store) GetActiveKey(ctx context.Context, tenantID string) (*domain.SigningKey, error) {
	var row SigningKeyRow
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND status = ?", tenantID, string(domain.KeyActive)).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	key := rowToKey(row)
	return &key, nil
}

func (s *Store) GetKey(ctx context.Context, keyID string) (*domain.SigningKey, error) {
	var row SigningKeyRow
	err := s.db.WithContext(ctx).Where("key_id = ?", keyID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	key := rowToKey(row)
	return &key, nil
}

func (s *Store) SetKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus, at time.Time) error {
	updates := map[string]any{"status": string(status)}
	switch status {
	case domain.KeyRevoked:
		updates["revoked_at"] = at
	case domain.KeyExpired:
		updates["expires_at"] = at
	}
	res := s.db.WithContext(ctx).Model(&SigningKeyRow{}).Where("key_id = ?", keyID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrKeyNotFound, keyID)
	}
	return nil
}

func (s *Store) ListTenantKeys(ctx context.Context, tenantID string) ([]domain.SigningKey, error) {
	var rows []SigningKeyRow
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	out := make([]domain.SigningKey, len(rows))
	for i, r := range rows {
		out[i] = rowToKey(r)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
