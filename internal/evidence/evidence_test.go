package evidence_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyocense/controlplane/internal/evidence"
)

func openTestStore(t *testing.T) *evidence.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := evidence.Open(
		filepath.Join(dir, "blobs"),
		filepath.Join(dir, "graph.db"),
		evidence.WithMaxSnapshotsPerTenant(2),
		evidence.WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleSnapshot(planID string) evidence.Snapshot {
	return evidence.Snapshot{
		PlanID: planID,
		Solution: map[string]any{
			"steps": []any{
				map[string]any{"supplier": "sup-a"},
				map[string]any{"supplier": "sup-b"},
			},
			"diagnostics": map[string]any{"status": "optimal"},
		},
		Scenarios: map[string]any{
			"scenarios": []any{
				map[string]any{"id": 1, "label": "base"},
				map[string]any{"id": 2, "label": "stress"},
			},
		},
		Metadata: map[string]any{"counterfactual": "drop sup-a, +$120"},
	}
}

func TestPutAndGetRoundTrips(t *testing.T) {
	st := openTestStore(t)
	snap := sampleSnapshot("plan-1")

	ref, graphEv, err := st.Put("tenant-a", snap, []string{"budget_month"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.NotEmpty(t, graphEv.Nodes)

	got, err := st.Get("tenant-a", ref)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", got.PlanID)
	assert.Equal(t, "tenant-a", got.TenantID)
}

func TestPutIsContentAddressedAndDeterministic(t *testing.T) {
	st := openTestStore(t)
	snap := sampleSnapshot("plan-1")
	snap.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ref1, _, err := st.Put("tenant-a", snap, nil)
	require.NoError(t, err)
	ref2, _, err := st.Put("tenant-a", snap, nil)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestGetUnknownRefReturnsNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Get("tenant-a", evidence.Ref("evd1missing"))
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

func TestGCRetainsOnlyMostRecentSnapshots(t *testing.T) {
	st := openTestStore(t)
	var refs []evidence.Ref
	for i := 0; i < 5; i++ {
		snap := sampleSnapshot("plan-" + string(rune('a'+i)))
		snap.Timestamp = time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		ref, _, err := st.Put("tenant-a", snap, nil)
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	kept, err := st.ListRefs("tenant-a")
	require.NoError(t, err)
	assert.Len(t, kept, 2)
	assert.Equal(t, refs[len(refs)-2:], kept)

	_, err = st.Get("tenant-a", refs[0])
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

func TestGraphLogAppendsOnePerPut(t *testing.T) {
	st := openTestStore(t)
	_, _, err := st.Put("tenant-a", sampleSnapshot("plan-1"), []string{"service_min"})
	require.NoError(t, err)
	_, _, err = st.Put("tenant-a", sampleSnapshot("plan-2"), []string{"service_min"})
	require.NoError(t, err)

	log, err := st.GraphLog("tenant-a")
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestSupplierExplanationListsMatchingSteps(t *testing.T) {
	snap := sampleSnapshot("plan-1")
	explanation := evidence.SupplierExplanation(evidence.Ref("evd1xyz"), snap, "sup-a")
	assert.Equal(t, []string{"step::0"}, explanation["path"])
	assert.Equal(t, "drop sup-a, +$120", explanation["alternative"])
}

func TestConstraintLineageFiltersGraphByConstraint(t *testing.T) {
	ref := evidence.Ref("evd1xyz")
	solution := map[string]any{"steps": []any{}}
	graph := evidence.BuildGraphEvent(ref, "plan-1", solution, []string{"budget_month", "service_min"})

	lineage := evidence.ConstraintLineage(ref, graph, "service_min")
	nodes := lineage["nodes"].([]evidence.Node)
	require.Len(t, nodes, 1)
	assert.Equal(t, "service_min", nodes[0].Name)
}

func TestScenarioReplayFindsByID(t *testing.T) {
	snap := sampleSnapshot("plan-1")
	scenario, ok := evidence.ScenarioReplay(snap, 2)
	require.True(t, ok)
	assert.Equal(t, "stress", scenario["label"])

	_, ok = evidence.ScenarioReplay(snap, 99)
	assert.False(t, ok)
}
