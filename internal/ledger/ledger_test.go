package ledger_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dyocrypto "dyocense/controlplane/crypto"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/ledger"
	"dyocense/controlplane/internal/store"
)

func TestAppendHMACAndVerify(t *testing.T) {
	st := store.NewMemStore()
	secret := []byte("process-wide-secret")
	l := ledger.New(st, secret, ledger.ModeHMAC, false)
	ctx := context.Background()

	entry, err := l.Append(ctx, ledger.AppendRequest{
		TenantID:   "tenant-a",
		ActionType: "plan_created",
		Source:     "orchestrator",
		PostState:  map[string]any{"goal_id": "g1"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmHMACSHA256, entry.SignatureAlgorithm)
	assert.NotEmpty(t, entry.Signature)

	report, err := l.Verify(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.True(t, report.AllOK)
	require.Len(t, report.Entries, 1)
	assert.True(t, report.Entries[0].SigOK)
}

func TestChainLinkageAcrossEntries(t *testing.T) {
	st := store.NewMemStore()
	l := ledger.New(st, []byte("secret"), ledger.ModeHMAC, false)
	ctx := context.Background()

	first, err := l.Append(ctx, ledger.AppendRequest{
		TenantID:   "tenant-a",
		ActionType: "plan_created",
		PostState:  map[string]any{"step": 1},
	})
	require.NoError(t, err)

	second, err := l.Append(ctx, ledger.AppendRequest{
		TenantID:   "tenant-a",
		ActionType: "plan_revised",
		PreState:   map[string]any{"step": 1},
		PostState:  map[string]any{"step": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, first.PostStateHash, second.ParentHash)

	report, err := l.Verify(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.True(t, report.AllOK)
}

type fakeResolver struct {
	priv ed25519.PrivateKey
}

func (f fakeResolver) ResolveEd25519(ctx context.Context, ref string) (ed25519.PrivateKey, error) {
	return f.priv, nil
}

func (f fakeResolver) ResolveSecp256k1(ctx context.Context, ref string) (*dyocrypto.PrivateKey, error) {
	return nil, nil
}

func TestAutoModePrefersAsymmetricWhenKeyActive(t *testing.T) {
	st := store.NewMemStore()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	l := ledger.New(st, []byte("secret"), ledger.ModeAuto, true, ledger.WithKeyResolver(fakeResolver{priv: priv}))
	ctx := context.Background()

	_, err = l.RegisterPublicKey(ctx, "tenant-a", domain.AlgorithmEd25519, pub, "vault://tenant-a/key1", true)
	require.NoError(t, err)

	entry, err := l.Append(ctx, ledger.AppendRequest{TenantID: "tenant-a", ActionType: "plan_created"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmEd25519, entry.SignatureAlgorithm)
	assert.NotEmpty(t, entry.SigningKeyID)

	report, err := l.Verify(ctx, "tenant-a", 0)
	require.NoError(t, err)
	assert.True(t, report.AllOK)
}

func TestRotateExpiresPreviousKey(t *testing.T) {
	st := store.NewMemStore()
	pub1, _, _ := ed25519.GenerateKey(nil)
	pub2, _, _ := ed25519.GenerateKey(nil)
	l := ledger.New(st, []byte("secret"), ledger.ModeAuto, true)
	ctx := context.Background()

	k1, err := l.RegisterPublicKey(ctx, "tenant-a", domain.AlgorithmEd25519, pub1, "vault://1", true)
	require.NoError(t, err)

	_, err = l.Rotate(ctx, "tenant-a", domain.AlgorithmEd25519, pub2, "vault://2")
	require.NoError(t, err)

	keys, err := l.ListKeys(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		if k.KeyID == k1.KeyID {
			assert.Equal(t, domain.KeyExpired, k.Status)
		} else {
			assert.Equal(t, domain.KeyActive, k.Status)
		}
	}
}
