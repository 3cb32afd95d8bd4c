// Package ledger implements the tamper-evident decision ledger (spec.md
// §4.2): hash-chained, signed, append-only per-tenant records with
// pluggable signature modes and key lifecycle management.
package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dyocense/controlplane/crypto"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/store"
)

// Mode selects how entries are signed by default (spec.md §4.2.2).
type Mode string

const (
	ModeHMAC       Mode = "hmac"
	ModeAsymmetric Mode = "asymmetric"
	ModeAuto       Mode = "auto"
)

// KeyMaterialResolver looks up the private signing material for a tenant's
// active key reference. The ledger never holds private key bytes itself;
// it only holds a KeyVaultRef and delegates resolution, per spec.md
// §4.2.3 ("No private material crosses the core's boundary").
type KeyMaterialResolver interface {
	ResolveEd25519(ctx context.Context, keyVaultRef string) (ed25519.PrivateKey, error)
	ResolveSecp256k1(ctx context.Context, keyVaultRef string) (*crypto.PrivateKey, error)
}

// Ledger is the Decision Ledger port.
type Ledger struct {
	store            store.Store
	hmacSecret       []byte
	mode             Mode
	asymmetricEnable bool
	resolver         KeyMaterialResolver
	now              func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithKeyResolver(r KeyMaterialResolver) Option {
	return func(l *Ledger) { l.resolver = r }
}

// New constructs a Ledger. hmacSecret is the process-wide HMAC key used in
// hmac mode and as the asymmetric fallback (spec.md §4.2.2).
func New(st store.Store, hmacSecret []byte, mode Mode, asymmetricEnabled bool, opts ...Option) *Ledger {
	l := &Ledger{
		store:            st,
		hmacSecret:       hmacSecret,
		mode:             mode,
		asymmetricEnable: asymmetricEnabled,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendRequest is the input to Append.
type AppendRequest struct {
	TenantID   string
	ActionType string
	Source     string
	PreState   map[string]any
	PostState  map[string]any
	Delta      map[string]any
	ParentHash string // "" = resolve to the tenant's latest post_state_hash
	Metadata   map[string]any
}

// signablePayload is the ordered map whose canonical JSON is the signed
// payload (spec.md §4.2: "the signable payload"). Field order here doesn't
// matter for the canonicalizer (it sorts keys), but it matches the spec's
// documented key list so a human reading the code can check it by eye.
type signablePayload struct {
	TenantID      string         `json:"tenant_id"`
	ActionType    string         `json:"action_type"`
	Source        string         `json:"source"`
	ParentHash    string         `json:"parent_hash"`
	PreStateHash  string         `json:"pre_state_hash"`
	PostStateHash string         `json:"post_state_hash"`
	DeltaVector   map[string]any `json:"delta_vector"`
	Metadata      map[string]any `json:"metadata"`
}

func (p signablePayload) asMap() map[string]any {
	return map[string]any{
		"tenant_id":       p.TenantID,
		"action_type":     p.ActionType,
		"source":          p.Source,
		"parent_hash":     p.ParentHash,
		"pre_state_hash":  p.PreStateHash,
		"post_state_hash": p.PostStateHash,
		"delta_vector":    anyOrEmpty(p.DeltaVector),
		"metadata":        anyOrEmpty(p.Metadata),
	}
}

func anyOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Append builds, signs, and persists one ledger entry (spec.md §4.2
// Append).
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (domain.LedgerEntry, error) {
	var preHash, postHash string
	if req.PreState != nil {
		preHash = crypto.CanonicalJSONHash(req.PreState)
	}
	if req.PostState != nil {
		postHash = crypto.CanonicalJSONHash(req.PostState)
	}

	parentHash := req.ParentHash
	if parentHash == "" {
		if latest, err := l.store.GetLatestEntry(ctx, req.TenantID); err == nil && latest != nil {
			parentHash = latest.PostStateHash
		}
	}

	payload := signablePayload{
		TenantID:      req.TenantID,
		ActionType:    req.ActionType,
		Source:        req.Source,
		ParentHash:    parentHash,
		PreStateHash:  preHash,
		PostStateHash: postHash,
		DeltaVector:   req.Delta,
		Metadata:      req.Metadata,
	}
	signable := []byte(crypto.CanonicalJSON(payload.asMap()))

	sig, alg, keyID := l.sign(ctx, req.TenantID, signable)

	entry := domain.LedgerEntry{
		EntryID:            uuid.NewString(),
		TenantID:           req.TenantID,
		TS:                 l.now(),
		ActionType:         req.ActionType,
		Source:             req.Source,
		ParentHash:         parentHash,
		PreStateHash:       preHash,
		PostStateHash:      postHash,
		DeltaVector:        req.Delta,
		Metadata:           req.Metadata,
		Signature:          sig,
		SigningKeyID:       keyID,
		SignatureAlgorithm: alg,
		SignatureVersion:   1,
	}
	return l.store.AppendLedgerEntry(ctx, entry)
}

// sign resolves the signature mode and signs payload, returning a nil
// signature (not an error) when no key material is available — per
// spec.md §4.2 Append: "signature failure is non-fatal".
func (l *Ledger) sign(ctx context.Context, tenantID string, payload []byte) ([]byte, domain.SignatureAlgorithm, string) {
	useAsymmetric := false
	var activeKey *domain.SigningKey

	switch l.mode {
	case ModeHMAC:
		useAsymmetric = false
	case ModeAsymmetric:
		useAsymmetric = true
	case ModeAuto:
		if l.asymmetricEnable {
			if key, err := l.store.GetActiveKey(ctx, tenantID); err == nil && key != nil {
				activeKey = key
				useAsymmetric = true
			}
		}
	}

	if useAsymmetric && activeKey == nil {
		if key, err := l.store.GetActiveKey(ctx, tenantID); err == nil && key != nil {
			activeKey = key
		}
	}

	if useAsymmetric && activeKey != nil && l.resolver != nil {
		sig, alg, err := l.signAsymmetric(ctx, *activeKey, payload)
		if err == nil {
			return sig, alg, activeKey.KeyID
		}
	}

	// Fallback (no active key, asymmetric disabled, or resolver failure):
	// HMAC, with no signing_key_id recorded (spec.md §4.2.2 "hmac" mode).
	if len(l.hmacSecret) == 0 {
		return nil, domain.AlgorithmHMACSHA256, ""
	}
	return crypto.HMACSign(l.hmacSecret, payload), domain.AlgorithmHMACSHA256, ""
}

func (l *Ledger) signAsymmetric(ctx context.Context, key domain.SigningKey, payload []byte) ([]byte, domain.SignatureAlgorithm, error) {
	switch key.Algorithm {
	case domain.AlgorithmEd25519:
		priv, err := l.resolver.ResolveEd25519(ctx, key.KeyVaultRef)
		if err != nil {
			return nil, "", err
		}
		return crypto.Ed25519Sign(priv, payload), domain.AlgorithmEd25519, nil
	case domain.AlgorithmSecp256k1:
		priv, err := l.resolver.ResolveSecp256k1(ctx, key.KeyVaultRef)
		if err != nil {
			return nil, "", err
		}
		sig, err := crypto.Secp256k1Sign(priv, payload)
		if err != nil {
			return nil, "", err
		}
		return sig, domain.AlgorithmSecp256k1, nil
	default:
		return nil, "", fmt.Errorf("ledger: unsupported asymmetric algorithm %q", key.Algorithm)
	}
}

// GetChain returns a tenant's ledger entries, newest-first (spec.md §4.2
// GetChain).
func (l *Ledger) GetChain(ctx context.Context, tenantID string, limit int) ([]domain.LedgerEntry, error) {
	return l.store.GetChain(ctx, tenantID, limit)
}

// Verify walks a tenant's chain in chronological order, recomputing each
// entry's signable payload and checking its signature and chain linkage
// (spec.md §4.2 Verify).
func (l *Ledger) Verify(ctx context.Context, tenantID string, limit int) (domain.VerificationReport, error) {
	entries, err := l.store.GetChain(ctx, tenantID, limit)
	if err != nil {
		return domain.VerificationReport{}, err
	}
	// GetChain returns newest-first; walk chronologically.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	report := domain.VerificationReport{TenantID: tenantID, AllOK: true}
	var prevPostHash string
	for i, entry := range entries {
		v := domain.EntryVerification{EntryID: entry.EntryID}
		payload := signablePayload{
			TenantID:      entry.TenantID,
			ActionType:    entry.ActionType,
			Source:        entry.Source,
			ParentHash:    entry.ParentHash,
			PreStateHash:  entry.PreStateHash,
			PostStateHash: entry.PostStateHash,
			DeltaVector:   entry.DeltaVector,
			Metadata:      entry.Metadata,
		}
		signable := []byte(crypto.CanonicalJSON(payload.asMap()))
		v.SigOK = l.verifySignature(ctx, entry, signable)

		v.ChainOK = true
		warning := ""
		if entry.ParentHash != "" {
			if i == 0 || entry.ParentHash != prevPostHash {
				v.ChainOK = false
				v.Reason = "parent_hash mismatch"
			}
		} else {
			warning = "warning: parent_hash not populated, chain linkage unverified for this entry"
		}
		if !v.SigOK && v.Reason == "" {
			v.Reason = "signature invalid or unverifiable"
		}
		if v.Reason == "" {
			v.Reason = warning
		}
		if !v.SigOK || !v.ChainOK {
			report.AllOK = false
		}
		report.Entries = append(report.Entries, v)
		prevPostHash = entry.PostStateHash
	}
	return report, nil
}

func (l *Ledger) verifySignature(ctx context.Context, entry domain.LedgerEntry, payload []byte) bool {
	if entry.Signature == nil {
		return false // unverifiable, not necessarily tampered
	}
	switch entry.SignatureAlgorithm {
	case domain.AlgorithmHMACSHA256:
		if len(l.hmacSecret) == 0 {
			return false
		}
		return crypto.HMACVerify(l.hmacSecret, payload, entry.Signature)
	case domain.AlgorithmEd25519:
		key, err := l.store.GetKey(ctx, entry.SigningKeyID)
		if err != nil || key == nil {
			return false
		}
		pub, err := ed25519PublicKey(key.PublicKey)
		if err != nil {
			return false
		}
		return crypto.Ed25519Verify(pub, payload, entry.Signature)
	case domain.AlgorithmSecp256k1:
		key, err := l.store.GetKey(ctx, entry.SigningKeyID)
		if err != nil || key == nil {
			return false
		}
		return crypto.Secp256k1Verify(key.PublicKey, payload, entry.Signature)
	default:
		return false
	}
}

func ed25519PublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ledger: invalid ed25519 public key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// RegisterPublicKey registers a new tenant signing key, atomically expiring
// the prior active key when setActive is true (spec.md §4.2.3).
func (l *Ledger) RegisterPublicKey(ctx context.Context, tenantID string, alg domain.SignatureAlgorithm, publicKey []byte, keyVaultRef string, setActive bool) (domain.SigningKey, error) {
	key := domain.SigningKey{
		TenantID:    tenantID,
		Algorithm:   alg,
		PublicKey:   publicKey,
		KeyVaultRef: keyVaultRef,
		Status:      domain.KeyExpired,
		CreatedAt:   l.now(),
	}
	return l.store.RegisterKey(ctx, key, setActive)
}

// SetKeyStatus transitions a key's lifecycle status (spec.md §4.2.3).
func (l *Ledger) SetKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error {
	return l.store.SetKeyStatus(ctx, keyID, status, l.now())
}

// Rotate registers a new key as active, expiring the previous one in the
// same call (spec.md §4.2.3: "SetKeyStatus and Rotate follow the same
// atomicity rule").
func (l *Ledger) Rotate(ctx context.Context, tenantID string, alg domain.SignatureAlgorithm, publicKey []byte, keyVaultRef string) (domain.SigningKey, error) {
	return l.RegisterPublicKey(ctx, tenantID, alg, publicKey, keyVaultRef, true)
}

// ListKeys returns every key ever registered for a tenant, oldest first.
func (l *Ledger) ListKeys(ctx context.Context, tenantID string) ([]domain.SigningKey, error) {
	return l.store.ListTenantKeys(ctx, tenantID)
}
