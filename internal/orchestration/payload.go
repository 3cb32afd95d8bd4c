package orchestration

import (
	"fmt"

	"dyocense/controlplane/internal/domain"
)

// planRunInput is the decoded shape of a plan_run job's Payload
// (spec.md §3 Job: "payload" is opaque to the store; this is the
// orchestrator's own wire contract for that opacity). A job is enqueued
// with a payload built this way by whatever API surface accepts goals —
// out of this core's scope per spec.md §1 — so this decoder only needs
// to agree with itself.
type planRunInput struct {
	PlanID    string
	Goal      domain.GoalDSL
	Context   domain.PlanningContext
	Scenarios domain.ScenarioSet
	Optimodel map[string]any
	Hints     map[string]any
}

func decodePlanRunPayload(payload map[string]any) (planRunInput, error) {
	var in planRunInput
	if payload == nil {
		return in, fmt.Errorf("orchestration: empty payload")
	}

	in.PlanID, _ = payload["plan_id"].(string)

	goalRaw, _ := payload["goal"].(map[string]any)
	goal, err := decodeGoal(goalRaw)
	if err != nil {
		return in, err
	}
	in.Goal = goal

	ctxRaw, _ := payload["context"].(map[string]any)
	in.Context = decodeContext(ctxRaw)

	scenariosRaw, _ := payload["scenarios"].(map[string]any)
	in.Scenarios = decodeScenarios(scenariosRaw)

	in.Optimodel, _ = payload["optimodel"].(map[string]any)
	in.Hints, _ = payload["hints"].(map[string]any)

	return in, nil
}

func decodeGoal(raw map[string]any) (domain.GoalDSL, error) {
	var g domain.GoalDSL
	if raw == nil {
		return g, nil
	}

	if objRaw, ok := raw["objective"].(map[string]any); ok {
		obj := make(map[string]float64, len(objRaw))
		for k, v := range objRaw {
			if n, ok := asFloat(v); ok {
				obj[k] = n
			}
		}
		g.Objective = obj
	}

	if scopeRaw, ok := raw["scope"].(map[string]any); ok {
		scope := make(map[string]domain.Value, len(scopeRaw))
		for k, v := range scopeRaw {
			scope[k] = domain.ValueFromAny(v)
		}
		g.Scope = scope
	}

	if consRaw, ok := raw["constraints"].(map[string]any); ok {
		g.Constraints = decodeConstraints(consRaw)
	}

	if polRaw, ok := raw["policies"].(map[string]any); ok {
		g.Policies = decodePolicies(polRaw)
	}

	return g, nil
}

func decodeConstraints(raw map[string]any) domain.GoalConstraints {
	var c domain.GoalConstraints
	if v, ok := asFloat(raw["budget_month"]); ok {
		c.BudgetMonth = &v
	}
	if v, ok := asFloat(raw["service_min"]); ok {
		c.ServiceMin = &v
	}
	extraRaw, _ := raw["extra"].(map[string]any)
	if len(extraRaw) > 0 {
		extra := make(map[string]domain.Value, len(extraRaw))
		for k, v := range extraRaw {
			extra[k] = domain.ValueFromAny(v)
		}
		c.Extra = extra
	}
	return c
}

func decodePolicies(raw map[string]any) domain.GoalPolicies {
	var p domain.GoalPolicies
	p.PolicyID, _ = raw["policy_id"].(string)
	p.Tier, _ = raw["tier"].(string)
	p.Deny, _ = raw["deny"].(bool)
	p.DenyReasons = asStringSlice(raw["deny_reasons"])
	p.VendorBlocklist = asStringSlice(raw["vendor_blocklist"])

	if capsRaw, ok := raw["caps"].(map[string]any); ok {
		caps := make(map[string]float64, len(capsRaw))
		for k, v := range capsRaw {
			if n, ok := asFloat(v); ok {
				caps[k] = n
			}
		}
		p.Caps = caps
	}

	if flagsRaw, ok := raw["flags"].(map[string]any); ok {
		flags := make(map[string]bool, len(flagsRaw))
		for k, v := range flagsRaw {
			if b, ok := v.(bool); ok {
				flags[k] = b
			}
		}
		p.Flags = flags
	}

	return p
}

func decodeContext(raw map[string]any) domain.PlanningContext {
	var ctx domain.PlanningContext
	skusRaw, _ := raw["skus"].([]any)
	for _, skuAny := range skusRaw {
		skuMap, ok := skuAny.(map[string]any)
		if !ok {
			continue
		}
		sku := domain.SKUContext{}
		sku.SKU, _ = skuMap["sku"].(string)
		optionsRaw, _ := skuMap["supplier_options"].([]any)
		for _, optAny := range optionsRaw {
			optMap, ok := optAny.(map[string]any)
			if !ok {
				continue
			}
			supplierID, _ := optMap["supplier_id"].(string)
			sku.SupplierOptions = append(sku.SupplierOptions, domain.SupplierOption{SupplierID: supplierID})
		}
		ctx.SKUs = append(ctx.SKUs, sku)
	}
	return ctx
}

func decodeScenarios(raw map[string]any) domain.ScenarioSet {
	var s domain.ScenarioSet
	if n, ok := asFloat(raw["num_scenarios"]); ok {
		s.NumScenarios = int(n)
	}
	return s
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func asStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
