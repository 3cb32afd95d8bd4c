package domain

// Value is a tagged variant over the dynamic JSON-ish values that appear in
// a GoalDSL's constraints/scope/policies maps. spec.md §9 calls out
// "duck-typed config dictionaries" as needing an explicit sum type instead
// of free-form dicts; this is that type. Unknown keys pass through a
// Value map untouched — the core never panics on an unrecognized shape.
type Value struct {
	kind    valueKind
	str     string
	num     float64
	boolean bool
	list    []Value
	m       map[string]Value
}

type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindNumber
	kindBool
	kindList
	kindMap
)

func NullValue() Value              { return Value{kind: kindNull} }
func StringValue(s string) Value    { return Value{kind: kindString, str: s} }
func NumberValue(n float64) Value   { return Value{kind: kindNumber, num: n} }
func BoolValue(b bool) Value        { return Value{kind: kindBool, boolean: b} }
func ListValue(v []Value) Value     { return Value{kind: kindList, list: v} }
func MapValue(v map[string]Value) Value { return Value{kind: kindMap, m: v} }

func (v Value) IsNull() bool { return v.kind == kindNull }

func (v Value) AsString() (string, bool) {
	if v.kind != kindString {
		return "", false
	}
	return v.str, true
}

func (v Value) AsNumber() (float64, bool) {
	if v.kind != kindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != kindBool {
		return false, false
	}
	return v.boolean, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != kindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != kindMap {
		return nil, false
	}
	return v.m, true
}

// ValueFromAny converts a decoded-JSON any (map[string]any / []any /
// string / float64 / bool / nil) into a Value tree. Unknown concrete types
// become NullValue rather than panicking.
func ValueFromAny(in any) Value {
	switch t := in.(type) {
	case nil:
		return NullValue()
	case string:
		return StringValue(t)
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	case bool:
		return BoolValue(t)
	case []any:
		out := make([]Value, 0, len(t))
		for _, item := range t {
			out = append(out, ValueFromAny(item))
		}
		return ListValue(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			out[k] = ValueFromAny(item)
		}
		return MapValue(out)
	default:
		return NullValue()
	}
}

// ToAny converts a Value back to a plain any tree (for canonical JSON
// encoding or logging).
func (v Value) ToAny() any {
	switch v.kind {
	case kindString:
		return v.str
	case kindNumber:
		return v.num
	case kindBool:
		return v.boolean
	case kindList:
		out := make([]any, 0, len(v.list))
		for _, item := range v.list {
			out = append(out, item.ToAny())
		}
		return out
	case kindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// GoalDSL is the user-supplied declarative planning request (GLOSSARY).
// Constraints and Policies are explicit struct types rather than
// duck-typed dictionaries, per spec.md §9's redesign note; Extra/Flags
// retain room for fields the policy guard doesn't need to know by name.
type GoalDSL struct {
	Objective   map[string]float64
	Constraints GoalConstraints
	Scope       map[string]Value
	Policies    GoalPolicies
}

// GoalConstraints carries the planning constraints the policy guard and
// solver read by name, plus an escape hatch for solver-specific ones.
type GoalConstraints struct {
	BudgetMonth *float64
	ServiceMin  *float64
	Extra       map[string]Value
}

// GoalPolicies carries the tenant/request-level policy overrides the
// guard evaluates against tier defaults (spec.md §4.3 Phase A).
type GoalPolicies struct {
	PolicyID        string
	Tier            string // "" = resolve from tenant
	Deny            bool
	DenyReasons     []string
	Caps            map[string]float64 // overrides: "max_scenarios", "max_budget"
	VendorBlocklist []string
	Flags           map[string]bool // named boolean policy flags surfaced in controls.policy_flags
}

// ScenarioSet carries the scenario count the policy guard caps against.
type ScenarioSet struct {
	NumScenarios int
}

// PlanningContext is the compiled context the policy guard checks vendor
// blocklists against (suppliers observed across SKUs).
type PlanningContext struct {
	SKUs []SKUContext
}

type SKUContext struct {
	SKU             string
	SupplierOptions []SupplierOption
}

type SupplierOption struct {
	SupplierID string
}

// Solution is the pluggable solver's output (§9: "dynamic attribute access
// on results" replaced with a well-defined struct). KPIs is intentionally a
// map since the set of KPIs a solver reports is solver-specific; the policy
// guard only reads named keys out of it (service/service_level, total_cost/cost).
type Solution struct {
	KPIs  map[string]float64
	Steps []SolutionStep
}

type SolutionStep struct {
	Supplier string
	Fields   map[string]Value
}

// Diagnostics carries solver diagnostics, including the optional robust
// evaluation block the policy guard's phase B reads.
type Diagnostics struct {
	RobustEval *RobustEvalSummary
	Extra      map[string]Value
}

type RobustEvalSummary struct {
	WorstCaseService float64
}
