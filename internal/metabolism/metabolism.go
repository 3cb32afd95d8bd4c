// Package metabolism implements the Goal Metabolism heuristic engine
// (spec.md §4.5): a lightweight model of a tenant's "fitness energy" to
// pursue goals, derived from its health score and current goal/task
// workload, ported coefficient-for-coefficient from the original
// compute_metabolism.
package metabolism

import "dyocense/controlplane/internal/health"

// GoalStatus/TaskStatus mirror the original's case-insensitive string
// statuses, narrowed to the values that count toward workload.
const (
	GoalStatusActive     = "active"
	GoalStatusInProgress = "in_progress"

	TaskStatusTodo       = "todo"
	TaskStatusPending    = "pending"
	TaskStatusNotStarted = "not_started"
)

// Goal is the minimal goal shape the metabolism engine reads.
type Goal struct {
	Status string
}

// Task is the minimal task shape the metabolism engine reads.
type Task struct {
	Status string
}

// Snapshot is the computed metabolism result (spec.md §4.5).
type Snapshot struct {
	EnergyCapacity          int
	Fatigue                 float64
	RecoveryRate            float64
	WorkloadIndex           float64
	ProjectedWeeklyCapacity int
	Risks                   []string
	Basis                   Basis
}

// Basis carries the inputs used, for transparency/debugging (spec.md
// §4.5: "basis: inputs used for transparency").
type Basis struct {
	Score             int
	Operations        *int
	Customer          *int
	ActiveGoals       int
	TodoTasks         int
	WorkloadIndex     float64
	FatigueLevel      float64
	EffectiveEnergy   int
}

// Compute derives a Snapshot from a health score, the tenant's goals, and
// its tasks (spec.md §4.5 Compute).
func Compute(score health.Score, goals []Goal, tasks []Task) Snapshot {
	var ops, cust *int
	if score.Breakdown.Operations != nil {
		ops = score.Breakdown.Operations
	}
	if score.Breakdown.Customer != nil {
		cust = score.Breakdown.Customer
	}

	parts := 0.6 * float64(score.Overall)
	if ops != nil {
		parts += 0.2 * float64(*ops)
	}
	if cust != nil {
		parts += 0.2 * float64(*cust)
	}
	baseEnergy := int(clamp(parts, 0, 100))

	activeGoals := 0
	for _, g := range goals {
		switch normalizeStatus(g.Status) {
		case GoalStatusActive, GoalStatusInProgress, "in progress":
			activeGoals++
		}
	}
	todoTasks := 0
	for _, t := range tasks {
		switch normalizeStatus(t.Status) {
		case TaskStatusTodo, TaskStatusPending, TaskStatusNotStarted:
			todoTasks++
		}
	}

	// 5 active goals and 20 todo tasks ≈ a workload index of 1.0.
	workload := clamp((float64(activeGoals)/5.0)*0.5+(float64(todoTasks)/20.0)*0.5, 0, 1)

	custScore := 50.0
	if cust != nil {
		custScore = float64(*cust)
	}
	fatigue := clamp(0.3+0.7*workload-0.002*custScore, 0, 1)

	opsScore := 50.0
	if ops != nil {
		opsScore = float64(*ops)
	}
	recovery := clamp(0.2+0.003*custScore+0.002*opsScore, 0.1, 1)

	effectiveEnergy := int(clamp(float64(baseEnergy)*(1-0.5*fatigue), 0, 100))

	baseCapacity := 5 + int(0.15*float64(effectiveEnergy))
	loadPenalty := maxf(0.5, 1.2-workload)
	projected := int(float64(baseCapacity) * loadPenalty * (0.8 + 0.4*recovery))
	if projected < 3 {
		projected = 3
	}

	var risks []string
	if workload > 0.85 {
		risks = append(risks, "High workload; consider deferring or splitting goals")
	}
	if effectiveEnergy < 40 {
		risks = append(risks, "Low energy; prioritize quick wins and recovery")
	}
	if recovery < 0.25 {
		risks = append(risks, "Slow recovery; improve operations/customer processes")
	}
	switch {
	case fatigue > 0.7:
		risks = append(risks, "High fatigue detected; recommend recovery window (reduce new commitments for 3-5 days)")
	case fatigue > 0.5:
		risks = append(risks, "Moderate fatigue; consider lighter tasks and focus on completion vs new starts")
	}

	return Snapshot{
		EnergyCapacity:          baseEnergy,
		Fatigue:                 round3(fatigue),
		RecoveryRate:            round3(recovery),
		WorkloadIndex:           round3(workload),
		ProjectedWeeklyCapacity: projected,
		Risks:                   risks,
		Basis: Basis{
			Score:           score.Overall,
			Operations:      ops,
			Customer:        cust,
			ActiveGoals:     activeGoals,
			TodoTasks:       todoTasks,
			WorkloadIndex:   round3(workload),
			FatigueLevel:    round3(fatigue),
			EffectiveEnergy: effectiveEnergy,
		},
	}
}

func normalizeStatus(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func clamp(v, lo, hi float64) float64 { return maxf(lo, minf(hi, v)) }
func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
func round3(v float64) float64 {
	scaled := v * 1000
	if scaled < 0 {
		return float64(int(scaled-0.5)) / 1000
	}
	return float64(int(scaled+0.5)) / 1000
}
