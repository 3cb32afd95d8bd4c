// Package evidence implements the content-addressed planning-evidence
// store (spec.md §3 "EvidenceSnapshot", §4.6 step 4): every plan run
// writes one immutable snapshot of its inputs, solution, and policy
// decision, plus a derived graph-event appended to a per-tenant audit
// log. Snapshots are addressed by the SHA-256 of their canonical JSON,
// so two identical runs collapse to one blob.
package evidence

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/bech32"

	"dyocense/controlplane/crypto"
)

// refHRP is the bech32 human-readable prefix for evidence references,
// chosen the same way the teacher's crypto.Address picks "nhb"/"znhb".
const refHRP = "evd"

// Ref is a bech32-encoded content address for a Snapshot.
type Ref string

// Snapshot is the content-addressed artifact described by spec.md §3:
// "canonical-JSON of {plan_id, optimodel, solution, scenarios, hints,
// metadata, timestamp}".
type Snapshot struct {
	PlanID    string
	TenantID  string
	Optimodel any
	Solution  any
	Scenarios any
	Hints     any
	Metadata  map[string]any
	Timestamp time.Time
}

func (s Snapshot) canonicalMap() map[string]any {
	return map[string]any{
		"plan_id":   s.PlanID,
		"optimodel": s.Optimodel,
		"solution":  s.Solution,
		"scenarios": s.Scenarios,
		"hints":     s.Hints,
		"metadata":  anyMetadata(s.Metadata),
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func anyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ComputeRef hashes the snapshot's canonical JSON and renders the result
// as a bech32 evidence reference.
func ComputeRef(s Snapshot) (Ref, string, error) {
	payload := s.canonicalMap()
	canonical := crypto.CanonicalJSON(payload)
	hash := crypto.CanonicalJSONHash(payload)

	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return "", "", fmt.Errorf("evidence: decode content hash: %w", err)
	}
	conv, err := bech32.ConvertBits(hashBytes, 8, 5, true)
	if err != nil {
		return "", "", fmt.Errorf("evidence: convert bits: %w", err)
	}
	encoded, err := bech32.Encode(refHRP, conv)
	if err != nil {
		return "", "", fmt.Errorf("evidence: bech32 encode: %w", err)
	}
	return Ref(encoded), canonical, nil
}

// Node is one vertex of a graph-event (spec.md §3: "nodes/edges derived
// from the solution").
type Node struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Edge is one directed relation between two graph-event node IDs.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// GraphEvent is the derived graph appended to a tenant's audit log
// alongside the snapshot it came from.
type GraphEvent struct {
	EvidenceRef Ref    `json:"evidence_ref"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// BuildGraphEvent derives a graph-event from a solved plan's solution
// steps and the constraint names present in its policy controls. The
// original's graph builder (api/modules/evidence, via kernel/pipeline.py)
// emits a richer model-level graph; this keeps the subset the query
// helpers below (ConstraintLineage, SupplierExplanation) actually read.
func BuildGraphEvent(ref Ref, planID string, solution map[string]any, constraints []string) GraphEvent {
	ev := GraphEvent{EvidenceRef: ref}

	planNodeID := "plan::" + planID
	ev.Nodes = append(ev.Nodes, Node{ID: planNodeID, Type: "Plan", Name: planID})

	if steps, ok := solution["steps"].([]any); ok {
		seenSuppliers := map[string]bool{}
		for idx, raw := range steps {
			step, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			supplierID, _ := step["supplier"].(string)
			if supplierID == "" {
				continue
			}
			stepNodeID := fmt.Sprintf("step::%d", idx)
			ev.Nodes = append(ev.Nodes, Node{ID: stepNodeID, Type: "Step", Name: supplierID})
			ev.Edges = append(ev.Edges, Edge{From: planNodeID, To: stepNodeID, Type: "includes"})
			if !seenSuppliers[supplierID] {
				seenSuppliers[supplierID] = true
				supplierNodeID := "supplier::" + supplierID
				ev.Nodes = append(ev.Nodes, Node{ID: supplierNodeID, Type: "Supplier", Name: supplierID})
			}
			ev.Edges = append(ev.Edges, Edge{From: stepNodeID, To: "supplier::" + supplierID, Type: "uses"})
		}
	}

	for _, c := range constraints {
		nodeID := "constraint::" + c
		ev.Nodes = append(ev.Nodes, Node{ID: nodeID, Type: "Constraint", Name: c})
		ev.Edges = append(ev.Edges, Edge{From: planNodeID, To: nodeID, Type: "constrained_by"})
	}

	return ev
}

// SupplierExplanation ports EvidenceService.supplier_explanation: the
// path of solution steps that used supplierID, the recorded
// counterfactual (if any), and the run's diagnostics.
func SupplierExplanation(ref Ref, snap Snapshot, supplierID string) map[string]any {
	var path []string
	solution, _ := snap.Solution.(map[string]any)
	if solution != nil {
		if steps, ok := solution["steps"].([]any); ok {
			for idx, raw := range steps {
				step, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if s, _ := step["supplier"].(string); s == supplierID {
					path = append(path, fmt.Sprintf("step::%d", idx))
				}
			}
		}
	}

	var alternative any
	if snap.Metadata != nil {
		alternative = snap.Metadata["counterfactual"]
	}

	var diagnostics any
	if solution != nil {
		diagnostics = solution["diagnostics"]
	} else if snap.Metadata != nil {
		diagnostics = snap.Metadata["diagnostics"]
	}

	return map[string]any{
		"evidence_ref": string(ref),
		"supplier_id":  supplierID,
		"path":         path,
		"alternative":  alternative,
		"diagnostics":  diagnostics,
	}
}

// ConstraintLineage ports EvidenceService.constraint_lineage: the graph
// nodes/edges touching the named constraint.
func ConstraintLineage(ref Ref, graph GraphEvent, constraint string) map[string]any {
	var nodes []Node
	var edges []Edge
	wantNode := "constraint::" + constraint
	for _, n := range graph.Nodes {
		if n.Type == "Constraint" && n.Name == constraint {
			nodes = append(nodes, n)
		}
	}
	for _, e := range graph.Edges {
		if e.To == wantNode {
			edges = append(edges, e)
		}
	}
	return map[string]any{
		"evidence_ref": string(ref),
		"constraint":   constraint,
		"nodes":        nodes,
		"edges":        edges,
	}
}

// ScenarioReplay ports EvidenceService.scenario_replay: looks up one
// scenario by integer ID out of the snapshot's recorded scenario set.
func ScenarioReplay(snap Snapshot, scenarioID int) (map[string]any, bool) {
	container, ok := snap.Scenarios.(map[string]any)
	if !ok {
		return nil, false
	}
	list, ok := container["scenarios"].([]any)
	if !ok {
		return nil, false
	}
	for _, raw := range list {
		scenario, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := scenarioIDOf(scenario["id"])
		if ok && id == scenarioID {
			return scenario, true
		}
	}
	return nil, false
}

func scenarioIDOf(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
