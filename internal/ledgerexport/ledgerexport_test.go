package ledgerexport_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"dyocense/controlplane/internal/ledger"
	"dyocense/controlplane/internal/ledgerexport"
	"dyocense/controlplane/internal/store"
)

func TestWriteTenantChainProducesReadableParquetFile(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	led := ledger.New(st, []byte("export-test-secret"), ledger.ModeHMAC, false, ledger.WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		_, err := led.Append(ctx, ledger.AppendRequest{
			TenantID:   "tenant-export",
			ActionType: "plan_run",
			Source:     "test",
			PostState:  map[string]any{"i": i},
		})
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "chain.parquet")
	count, err := ledgerexport.WriteTenantChain(ctx, st, "tenant-export", path, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 4)
	require.NoError(t, err)
	defer pr.ReadStop()
	assert.Equal(t, int64(3), pr.GetNumRows())
}

func TestWriteTenantChainReturnsErrNoEntriesForUnknownTenant(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	path := filepath.Join(t.TempDir(), "empty.parquet")
	_, err := ledgerexport.WriteTenantChain(ctx, st, "no-such-tenant", path, 0)
	assert.ErrorIs(t, err, ledgerexport.ErrNoEntries)
}
