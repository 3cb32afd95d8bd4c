package domain

import "errors"

// Error kinds from spec.md §7. Callers use errors.Is against these
// sentinels; concrete errors wrap them with fmt.Errorf("%w: ...", Kind).
var (
	ErrRateLimitExceeded    = errors.New("rate_limit_exceeded")
	ErrBudgetExceeded       = errors.New("budget_exceeded")
	ErrUnknownTier          = errors.New("unknown_tier")
	ErrNotLeasedToWorker    = errors.New("not_leased_to_worker")
	ErrJobNotFound          = errors.New("job_not_found")
	ErrPolicyDenied         = errors.New("policy_denied")
	ErrSolverTimeout        = errors.New("solver_timeout")
	ErrStoreUnavailable     = errors.New("store_unavailable")
	ErrSignatureUnverifiable = errors.New("signature_unverifiable")
	ErrChainBroken          = errors.New("chain_broken")
	ErrTenantNotFound       = errors.New("tenant_not_found")
	ErrKeyNotFound          = errors.New("key_not_found")
)
