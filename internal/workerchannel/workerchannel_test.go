package workerchannel_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"dyocense/controlplane/config"
	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/scheduler"
	"dyocense/controlplane/internal/store"
	"dyocense/controlplane/internal/workerchannel"
)

func TestTokenIssuerRoundTrips(t *testing.T) {
	issuer, err := workerchannel.NewTokenIssuer([]byte("secret"), "controlplane")
	require.NoError(t, err)

	token, err := issuer.Issue("job-1", "worker-1", "tenant-a", time.Minute)
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", claims.JobID)
	assert.Equal(t, "worker-1", claims.WorkerID)
	assert.Equal(t, "tenant-a", claims.TenantID)
}

func TestTokenIssuerRejectsExpiredToken(t *testing.T) {
	issuer, err := workerchannel.NewTokenIssuer([]byte("secret"), "controlplane")
	require.NoError(t, err)

	token, err := issuer.Issue("job-1", "worker-1", "tenant-a", -time.Minute)
	require.NoError(t, err)

	_, err = issuer.Parse(token)
	assert.Error(t, err)
}

func TestNewTokenIssuerRejectsEmptySecret(t *testing.T) {
	_, err := workerchannel.NewTokenIssuer(nil, "controlplane")
	assert.Error(t, err)
}

func TestHubExtendsLeaseOnHeartbeat(t *testing.T) {
	st := store.NewMemStore()
	rules := config.DefaultTierRules()
	sched := scheduler.New(st, rules)

	ctx := context.Background()
	job, err := sched.Enqueue(ctx, scheduler.EnqueueRequest{
		TenantID:     "tenant-a",
		Tier:         domain.TierStandard,
		JobType:      "plan_run",
		CostEstimate: domain.ResourceVector{domain.ResourceSolverSec: 5},
	})
	require.NoError(t, err)

	leased, err := sched.Lease(ctx, "worker-1", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, job.JobID, leased[0].JobID)

	issuer, err := workerchannel.NewTokenIssuer([]byte("secret"), "controlplane")
	require.NoError(t, err)
	token, err := issuer.Issue(job.JobID, "worker-1", "tenant-a", time.Minute)
	require.NoError(t, err)

	hub := workerchannel.NewHub(sched, issuer, 30*time.Second, nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	authFrame, err := json.Marshal(map[string]any{"type": "auth", "token": token})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, authFrame))

	heartbeatFrame, err := json.Marshal(map[string]any{"type": "heartbeat"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, heartbeatFrame))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, "lease_extended", resp["type"])
}
