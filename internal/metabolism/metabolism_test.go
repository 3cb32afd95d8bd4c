package metabolism_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dyocense/controlplane/internal/health"
	"dyocense/controlplane/internal/metabolism"
)

func intp(v int) *int { return &v }

func TestComputeBaseEnergyFromHealthScoreOnly(t *testing.T) {
	score := health.Score{Overall: 80}
	snap := metabolism.Compute(score, nil, nil)
	assert.Equal(t, 48, snap.EnergyCapacity) // 0.6 * 80
	assert.Equal(t, 0.0, snap.WorkloadIndex)
}

func TestComputeWorkloadFromGoalsAndTasks(t *testing.T) {
	score := health.Score{Overall: 70, Breakdown: health.Breakdown{Operations: intp(60), Customer: intp(60)}}
	goals := []metabolism.Goal{{Status: "active"}, {Status: "ACTIVE"}, {Status: "done"}}
	tasks := make([]metabolism.Task, 10)
	for i := range tasks {
		tasks[i] = metabolism.Task{Status: "todo"}
	}
	snap := metabolism.Compute(score, goals, tasks)
	assert.InDelta(t, 0.45, snap.WorkloadIndex, 0.01) // (2/5)*0.5 + (10/20)*0.5 = 0.2+0.25
}

func TestComputeFlagsHighWorkloadRisk(t *testing.T) {
	score := health.Score{Overall: 50}
	goals := make([]metabolism.Goal, 10)
	for i := range goals {
		goals[i] = metabolism.Goal{Status: "active"}
	}
	tasks := make([]metabolism.Task, 40)
	for i := range tasks {
		tasks[i] = metabolism.Task{Status: "pending"}
	}
	snap := metabolism.Compute(score, goals, tasks)
	assert.Equal(t, 1.0, snap.WorkloadIndex)
	assert.Contains(t, snap.Risks, "High workload; consider deferring or splitting goals")
}

func TestComputeProjectedCapacityHasFloorOfThree(t *testing.T) {
	score := health.Score{Overall: 0}
	snap := metabolism.Compute(score, nil, nil)
	assert.GreaterOrEqual(t, snap.ProjectedWeeklyCapacity, 3)
}

func TestComputeLowEnergyRisk(t *testing.T) {
	score := health.Score{Overall: 10}
	snap := metabolism.Compute(score, nil, nil)
	assert.Contains(t, snap.Risks, "Low energy; prioritize quick wins and recovery")
}
