package domain

import "time"

// SignatureAlgorithm identifies how a LedgerEntry was signed.
type SignatureAlgorithm string

const (
	AlgorithmHMACSHA256 SignatureAlgorithm = "hmac-sha256"
	AlgorithmEd25519    SignatureAlgorithm = "ed25519"
	AlgorithmSecp256k1  SignatureAlgorithm = "secp256k1"
)

// LedgerEntry is one append-only, signed, (optionally) chained record
// (spec.md §3).
type LedgerEntry struct {
	EntryID             string
	TenantID            string
	TS                  time.Time
	ActionType          string
	Source              string
	ParentHash          string // "" means absent
	PreStateHash        string // "" means absent
	PostStateHash       string // "" means absent
	DeltaVector         map[string]any
	Metadata            map[string]any
	Signature           []byte // nil means unsigned/unverifiable
	SigningKeyID        string // "" for HMAC
	SignatureAlgorithm  SignatureAlgorithm
	SignatureVersion    int
}

// KeyStatus is the lifecycle state of a SigningKey.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyExpired KeyStatus = "expired"
	KeyRevoked KeyStatus = "revoked"
)

// SigningKey is a tenant's registered asymmetric signing key (spec.md §3).
type SigningKey struct {
	KeyID       string
	TenantID    string
	Algorithm   SignatureAlgorithm
	PublicKey   []byte // PEM or raw, algorithm-dependent
	KeyVaultRef string
	Status      KeyStatus
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
}

// EntryVerification is the per-entry result of Verify (spec.md §4.2,
// §8 "Verification errors produce a per-entry status, not an exception").
type EntryVerification struct {
	EntryID  string
	SigOK    bool
	ChainOK  bool
	Reason   string
}

// VerificationReport is the result of walking a tenant's chain.
type VerificationReport struct {
	TenantID string
	Entries  []EntryVerification
	AllOK    bool
}
