// Package domain holds the core value types shared across the scheduler,
// ledger, policy, health and metabolism engines: tenants, jobs, resource
// vectors, and the GoalDSL sum type. Nothing here talks to a store or a
// clock; these are pure data shapes (spec.md §3, §9).
package domain

import "time"

// ResourceKind is one of the three resource dimensions tracked per tenant.
type ResourceKind string

const (
	ResourceSolverSec  ResourceKind = "solver_sec"
	ResourceGPUSec     ResourceKind = "gpu_sec"
	ResourceLLMTokens  ResourceKind = "llm_tokens"
)

// AllResourceKinds enumerates the three dimensions in a stable order, used
// wherever resource vectors are iterated deterministically (virtual-finish
// accounting, canonical JSON of a delta_vector, etc).
var AllResourceKinds = []ResourceKind{ResourceSolverSec, ResourceGPUSec, ResourceLLMTokens}

// ResourceVector is a budget/cost shape across the three dimensions. A
// dimension absent from a Limits map means "uncapped"; Remaining uses +Inf
// for the same.
type ResourceVector map[ResourceKind]float64

// Sum returns the sum of all dimensions, used by the virtual-finish formula
// (spec.md §4.1: "sum(cost_estimate) / max(weight, ε)").
func (v ResourceVector) Sum() float64 {
	var total float64
	for _, k := range AllResourceKinds {
		total += v[k]
	}
	return total
}

// Work computes the completion-time virtual-finish advance as
// solver_sec + 0.5*gpu_sec + llm_tokens/1000.
func (v ResourceVector) Work() float64 {
	return v[ResourceSolverSec] + 0.5*v[ResourceGPUSec] + v[ResourceLLMTokens]/1000.0
}

// Sub returns a - b, dimension by dimension (used for decrementing remaining
// budget on Complete).
func (v ResourceVector) Sub(other ResourceVector) ResourceVector {
	out := make(ResourceVector, len(AllResourceKinds))
	for _, k := range AllResourceKinds {
		out[k] = v[k] - other[k]
	}
	return out
}

// AnyNegative reports whether any dimension has gone below zero (spec.md
// §4.1: "If any remaining[r] < 0 post-decrement, record BudgetExceeded on
// the tenant's next admission attempt").
func (v ResourceVector) AnyNegative() bool {
	for _, k := range AllResourceKinds {
		if v[k] < 0 {
			return true
		}
	}
	return false
}

// Tier is a tenant's subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierStandard   Tier = "standard"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Tenant is the per-tenant scheduling and budget record (spec.md §3).
type Tenant struct {
	TenantID          string
	Tier              Tier
	Weight            float64
	RateLimitPerMin   int // 0 = unlimited
	Remaining         ResourceVector
	Limits            ResourceVector // dimensions absent from the map are uncapped
	LastRequestTS     time.Time
	VirtualFinish     float64
}

// JobStatus is one of the states in the job state machine (spec.md §4.1.1).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a unit of scheduled work (spec.md §3).
type Job struct {
	JobID           string
	TenantID        string
	Tier            Tier
	JobType         string
	Payload         map[string]any
	CostEstimate    ResourceVector
	Priority        int
	VirtualFinish   float64
	Status          JobStatus
	WorkerID        string
	LeaseExpiresAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Result          map[string]any
	Attempts        int // incremented by SweepExpiredLeases
}

// IsTerminal reports whether the job has reached a sink state.
func (j Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}
