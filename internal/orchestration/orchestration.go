// Package orchestration implements the Orchestration Port (spec.md
// §4.6): per leased plan_run job, run policy(goal) -> solver(pluggable)
// -> policy(solution) -> evidence persist -> ledger append -> scheduler
// Complete, short-circuiting on policy denial. It deliberately does not
// reproduce the original kernel/pipeline.py's forecast/optimizer/
// simulation stages — those belong to the pluggable solver this core
// only calls through SolverPort (SPEC_FULL.md §A / §B.6).
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lukechampine.com/blake3"

	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/evidence"
	"dyocense/controlplane/internal/ledger"
	"dyocense/controlplane/internal/policy"
	"dyocense/controlplane/internal/scheduler"
)

// JobTypePlanRun is the only job type this coordinator processes.
const JobTypePlanRun = "plan_run"

// ErrSolverTimeout is returned by a SolverPort implementation when the
// solver call exceeds its deadline. RunOnce fails the job on this (as on
// any solver error) and also returns the error, wrapped, to its caller
// (spec.md §4.6 step 2: "on timeout the job transitions to failed").
var ErrSolverTimeout = errors.New("orchestration: solver timeout")

// SolveRequest is the compiled input handed to a pluggable solver.
type SolveRequest struct {
	PlanID    string
	Goal      domain.GoalDSL
	Context   domain.PlanningContext
	Scenarios domain.ScenarioSet
	Optimodel map[string]any
	Hints     map[string]any
}

// SolverPort is the pluggable external solver the orchestrator invokes
// for every plan_run job (spec.md §4.6 step 2). internal/solverclient
// implements this over gRPC; tests use a fake.
type SolverPort interface {
	Solve(ctx context.Context, req SolveRequest) (domain.Solution, domain.Diagnostics, error)
}

// Orchestrator wires the scheduler, policy guard, solver, evidence store
// and ledger into the single planning pipeline spec.md §4.6 describes.
type Orchestrator struct {
	scheduler *scheduler.Scheduler
	guard     *policy.Guard
	solver    SolverPort
	ledger    *ledger.Ledger
	evidence  *evidence.Store
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(o *Orchestrator) { o.logger = l } }

// New constructs an Orchestrator.
func New(sched *scheduler.Scheduler, guard *policy.Guard, solver SolverPort, led *ledger.Ledger, ev *evidence.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		scheduler: sched,
		guard:     guard,
		solver:    solver,
		ledger:    led,
		evidence:  ev,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunOnce leases at most one plan_run job and drives it through the full
// pipeline. It returns false when there was no eligible job to lease.
func (o *Orchestrator) RunOnce(ctx context.Context, workerID string, leaseTTL time.Duration) (bool, error) {
	jobs, err := o.scheduler.Lease(ctx, workerID, 1, leaseTTL)
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return false, nil
	}
	job := jobs[0]
	if job.JobType != JobTypePlanRun {
		// Not ours; cancel it immediately, without debiting the tenant,
		// rather than holding the lease until it expires. Cancelled is
		// terminal, so no coordinator leases this job again.
		_, _ = o.scheduler.FailOrCancel(ctx, job.JobID, workerID, domain.JobCancelled, scheduler.ReasonAdmissionCancel)
		return true, fmt.Errorf("orchestration: job %s is not a plan_run job (got %q)", job.JobID, job.JobType)
	}
	return true, o.process(ctx, job, workerID)
}

// Run drives RunOnce in a loop at the given polling interval until ctx is
// cancelled, in the ticker-driven shape of scheduler.Scheduler.Run.
func (o *Orchestrator) Run(ctx context.Context, workerID string, pollInterval, leaseTTL time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RunOnce(ctx, workerID, leaseTTL); err != nil {
				o.logger.Warn("plan_run processing failed", "worker_id", workerID, "err", err)
			}
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, job domain.Job, workerID string) error {
	input, err := decodePlanRunPayload(job.Payload)
	if err != nil {
		_, _ = o.scheduler.FailOrCancel(ctx, job.JobID, workerID, domain.JobFailed, "invalid_payload")
		return fmt.Errorf("orchestration: decode payload for job %s: %w", job.JobID, err)
	}
	if input.PlanID == "" {
		input.PlanID = job.JobID
	}

	tenant, err := o.scheduler.GetTenant(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("orchestration: load tenant %s: %w", job.TenantID, err)
	}

	// Step 1: phase-A policy guard.
	snapshot := o.guard.EvaluateRequest(input.Goal, input.Context, input.Scenarios, tenant)
	if !snapshot.Allow {
		return o.denyAndFail(ctx, job, workerID, input, snapshot, nil, nil)
	}

	// Step 2: pluggable solver, tolerating timeouts.
	solution, diagnostics, err := o.solver.Solve(ctx, SolveRequest{
		PlanID:    input.PlanID,
		Goal:      input.Goal,
		Context:   input.Context,
		Scenarios: input.Scenarios,
		Optimodel: input.Optimodel,
		Hints:     input.Hints,
	})
	if err != nil {
		reason := "solver_error"
		if errors.Is(err, ErrSolverTimeout) || errors.Is(err, context.DeadlineExceeded) {
			reason = "solver_timeout"
		}
		if _, failErr := o.scheduler.FailOrCancel(ctx, job.JobID, workerID, domain.JobFailed, reason); failErr != nil {
			return failErr
		}
		return fmt.Errorf("orchestration: solve job %s: %w", job.JobID, err)
	}

	// Step 3: phase-B policy guard (can only flip allow true -> false).
	snapshot = o.guard.EvaluateSolution(snapshot, solution, diagnostics)
	if !snapshot.Allow {
		return o.denyAndFail(ctx, job, workerID, input, snapshot, &solution, &diagnostics)
	}

	// Step 4: evidence persist.
	evSnapshot := evidence.Snapshot{
		PlanID:    input.PlanID,
		TenantID:  job.TenantID,
		Optimodel: input.Optimodel,
		Solution:  solutionToAny(solution),
		Scenarios: scenariosToAny(input.Scenarios),
		Hints:     input.Hints,
		Metadata: map[string]any{
			"policy_snapshot": snapshotToAny(snapshot),
		},
		Timestamp: o.now(),
	}
	ref, graphEvent, err := o.evidence.Put(job.TenantID, evSnapshot, constraintNames(input.Goal))
	if err != nil {
		return fmt.Errorf("orchestration: persist evidence for job %s: %w", job.JobID, err)
	}

	// Step 5: ledger append.
	optimodelHash := blake3Hex(input.Optimodel)
	fingerprint := blake3Hex(map[string]any{
		"goal":      goalToAny(input.Goal),
		"context":   input.Context,
		"scenarios": scenariosToAny(input.Scenarios),
	})
	_, err = o.ledger.Append(ctx, ledger.AppendRequest{
		TenantID:   job.TenantID,
		ActionType: "plan_run",
		Source:     "orchestration",
		PreState:   map[string]any{"job_id": job.JobID, "plan_id": input.PlanID},
		PostState: map[string]any{
			"job_id":       job.JobID,
			"plan_id":      input.PlanID,
			"evidence_ref": string(ref),
			"kpis":         solution.KPIs,
		},
		Delta: map[string]any{"kpis": solution.KPIs},
		Metadata: map[string]any{
			"policy_snapshot":       snapshotToAny(snapshot),
			"optimodel_hash":        optimodelHash,
			"plan_input_fingerprint": fingerprint,
			"evidence_ref":          string(ref),
			"graph_node_count":      len(graphEvent.Nodes),
		},
	})
	if err != nil {
		return fmt.Errorf("orchestration: append ledger entry for job %s: %w", job.JobID, err)
	}

	// Step 6: scheduler Complete with actual costs.
	actualCost := job.CostEstimate
	if diagnostics.Extra != nil {
		if usage, ok := diagnostics.Extra["actual_cost"]; ok {
			if m, ok := usage.AsMap(); ok {
				actualCost = resourceVectorFromValueMap(m)
			}
		}
	}
	_, err = o.scheduler.Complete(ctx, scheduler.CompleteRequest{
		JobID:      job.JobID,
		WorkerID:   workerID,
		Result:     map[string]any{"evidence_ref": string(ref), "kpis": solution.KPIs},
		ActualCost: actualCost,
	})
	if err != nil {
		return fmt.Errorf("orchestration: complete job %s: %w", job.JobID, err)
	}
	return nil
}

// denyAndFail appends a policy_evaluate ledger entry for the denial
// (SPEC_FULL.md §C "Policy audit trail") and fails the job, short
// circuiting the rest of the pipeline.
func (o *Orchestrator) denyAndFail(ctx context.Context, job domain.Job, workerID string, input planRunInput, snapshot policy.Snapshot, solution *domain.Solution, diagnostics *domain.Diagnostics) error {
	postState := map[string]any{
		"job_id":  job.JobID,
		"plan_id": input.PlanID,
		"allow":   false,
		"reasons": snapshot.Reasons,
	}
	_, ledgerErr := o.ledger.Append(ctx, ledger.AppendRequest{
		TenantID:   job.TenantID,
		ActionType: "policy_evaluate",
		Source:     "orchestration",
		PreState:   map[string]any{"job_id": job.JobID, "plan_id": input.PlanID},
		PostState:  postState,
		Metadata:   map[string]any{"policy_snapshot": snapshotToAny(snapshot)},
	})
	if ledgerErr != nil {
		o.logger.Warn("failed to record policy denial", "job_id", job.JobID, "err", ledgerErr)
	}
	_, err := o.scheduler.FailOrCancel(ctx, job.JobID, workerID, domain.JobFailed, "policy_denied")
	if err != nil {
		return err
	}
	return fmt.Errorf("orchestration: job %s denied by policy: %v", job.JobID, snapshot.Reasons)
}

func blake3Hex(v any) string {
	if v == nil {
		return ""
	}
	sum := blake3.Sum256([]byte(fmt.Sprintf("%v", v)))
	return fmt.Sprintf("%x", sum)
}

func solutionToAny(s domain.Solution) map[string]any {
	steps := make([]any, 0, len(s.Steps))
	for _, step := range s.Steps {
		fields := make(map[string]any, len(step.Fields))
		for k, v := range step.Fields {
			fields[k] = v.ToAny()
		}
		steps = append(steps, map[string]any{"supplier": step.Supplier, "fields": fields})
	}
	kpis := make(map[string]any, len(s.KPIs))
	for k, v := range s.KPIs {
		kpis[k] = v
	}
	return map[string]any{"steps": steps, "kpis": kpis}
}

func scenariosToAny(s domain.ScenarioSet) map[string]any {
	return map[string]any{"num_scenarios": s.NumScenarios}
}

func snapshotToAny(s policy.Snapshot) map[string]any {
	return map[string]any{
		"allow":     s.Allow,
		"policy_id": s.PolicyID,
		"reasons":   s.Reasons,
		"warnings":  s.Warnings,
		"tier":      s.Controls.Tier,
	}
}

func goalToAny(g domain.GoalDSL) map[string]any {
	scope := make(map[string]any, len(g.Scope))
	for k, v := range g.Scope {
		scope[k] = v.ToAny()
	}
	return map[string]any{
		"objective": g.Objective,
		"scope":     scope,
	}
}

func constraintNames(g domain.GoalDSL) []string {
	var names []string
	if g.Constraints.BudgetMonth != nil {
		names = append(names, "budget_month")
	}
	if g.Constraints.ServiceMin != nil {
		names = append(names, "service_min")
	}
	for k := range g.Constraints.Extra {
		names = append(names, k)
	}
	return names
}

func resourceVectorFromValueMap(m map[string]domain.Value) domain.ResourceVector {
	out := make(domain.ResourceVector, len(domain.AllResourceKinds))
	for _, k := range domain.AllResourceKinds {
		if v, ok := m[string(k)]; ok {
			if n, ok := v.AsNumber(); ok {
				out[k] = n
			}
		}
	}
	return out
}
