// Package gormstore is the production StorePort adapter: GORM over
// Postgres in production, over github.com/glebarez/sqlite (CGO-free,
// backed by modernc.org/sqlite) for local/dev/test deployments of the
// same schema (SPEC_FULL.md §B.1). It generalizes the teacher's
// storage.Database MemDB/LevelDB split into a tabular conditional-update
// store.
package gormstore

import (
	"encoding/json"
	"time"
)

// TenantRow is the tenants table (spec.md §6).
type TenantRow struct {
	TenantID        string `gorm:"primaryKey"`
	Tier            string
	Weight          float64
	RateLimitPerMin int
	RemainingJSON   string // JSON-encoded domain.ResourceVector
	LimitsJSON      string
	LastRequestTS   time.Time
	VirtualFinish   float64
}

func (TenantRow) TableName() string { return "tenants" }

// JobRow is the jobs table, with the compound index spec.md §6 names:
// (status, priority DESC, virtual_finish ASC, created_at ASC) and
// (tenant_id, created_at DESC).
type JobRow struct {
	JobID          string `gorm:"primaryKey"`
	TenantID       string `gorm:"index:idx_jobs_tenant_created"`
	Tier           string
	JobType        string
	PayloadJSON    string
	CostEstimateJSON string
	Priority       int    `gorm:"index:idx_jobs_lease_order,priority:2,sort:desc"`
	VirtualFinish  float64 `gorm:"index:idx_jobs_lease_order,priority:3"`
	Status         string `gorm:"index:idx_jobs_lease_order,priority:1"`
	WorkerID       string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time `gorm:"index:idx_jobs_lease_order,priority:4;index:idx_jobs_tenant_created,sort:desc"`
	UpdatedAt      time.Time
	ResultJSON     string
	Attempts       int
}

func (JobRow) TableName() string { return "jobs" }

// LedgerEntryRow is the ledger_entries table, indexed on
// (tenant_id, ts ASC).
type LedgerEntryRow struct {
	EntryID            string `gorm:"primaryKey"`
	TenantID           string `gorm:"index:idx_ledger_tenant_ts"`
	TS                 time.Time `gorm:"index:idx_ledger_tenant_ts"`
	ActionType         string
	Source             string
	ParentHash         string
	PreStateHash       string
	PostStateHash      string
	DeltaVectorJSON    string
	MetadataJSON       string
	Signature          []byte
	SigningKeyID       string
	SignatureAlgorithm string
	SignatureVersion   int
}

func (LedgerEntryRow) TableName() string { return "ledger_entries" }

// SigningKeyRow is the signing_keys table; status='active' is enforced
// unique per tenant at the application layer inside RegisterKey's
// transaction (a partial unique index per spec.md §6, expressed as a
// Postgres-specific migration outside GORM's portable subset).
type SigningKeyRow struct {
	KeyID       string `gorm:"primaryKey"`
	TenantID    string `gorm:"index:idx_keys_tenant_status"`
	Algorithm   string
	PublicKey   []byte
	KeyVaultRef string
	Status      string `gorm:"index:idx_keys_tenant_status"`
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

func (SigningKeyRow) TableName() string { return "signing_keys" }

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSON[T any](s string) T {
	var out T
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
