// Package solverclient implements orchestration.SolverPort over gRPC
// (spec.md §4.6 step 2, SPEC_FULL.md §B.6). Rather than compiling a
// .proto contract into generated stubs the way sdk/consensus/client.go
// does for the chain's own services, the solver wire contract here is
// spoken generically: requests and responses are structpb.Struct
// payloads sent through grpc.ClientConn.Invoke against a well-known
// method name. This keeps the solver pluggable at the wire level
// without checking in generated code for a service outside this
// module's ownership.
package solverclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"dyocense/controlplane/internal/domain"
	"dyocense/controlplane/internal/orchestration"
	"dyocense/controlplane/internal/dial"
)

// solveMethod is the fully qualified gRPC method this client invokes.
// The solver side is expected to register a generic handler under this
// name that accepts and returns google.protobuf.Struct.
const solveMethod = "/dyocense.solver.v1.SolverService/Solve"

// Config controls how the client dials the solver fleet.
type Config struct {
	Target         string
	Insecure       bool
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Client is a gRPC-backed orchestration.SolverPort implementation.
type Client struct {
	conn           *grpc.ClientConn
	requestTimeout time.Duration
}

var _ orchestration.SolverPort = (*Client)(nil)

// Dial connects to a solver target, defaulting to the system certificate
// pool for transport security unless Insecure is set (mirrors
// sdk/internal/dial's resolver defaults).
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Target == "" {
		return nil, errors.New("solverclient: target required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	var opts []dial.DialOption
	if cfg.Insecure {
		opts = append(opts, dial.WithInsecure())
	} else {
		sysPool, err := dial.WithSystemCertPool("")
		if err != nil {
			return nil, fmt.Errorf("solverclient: %w", err)
		}
		opts = append(opts, sysPool)
	}
	dialOpts, err := dial.Resolve(opts...)
	if err != nil {
		return nil, fmt.Errorf("solverclient: resolve dial options: %w", err)
	}
	dialOpts = append(dialOpts,
		grpc.WithChainUnaryInterceptor(otelgrpc.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(otelgrpc.StreamClientInterceptor()),
	)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, cfg.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("solverclient: dial %s: %w", cfg.Target, err)
	}
	return &Client{conn: conn, requestTimeout: requestTimeout}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Solve implements orchestration.SolverPort.
func (c *Client) Solve(ctx context.Context, req orchestration.SolveRequest) (domain.Solution, domain.Diagnostics, error) {
	if c == nil || c.conn == nil {
		return domain.Solution{}, domain.Diagnostics{}, errors.New("solverclient: client not initialised")
	}

	reqStruct, err := encodeSolveRequest(req)
	if err != nil {
		return domain.Solution{}, domain.Diagnostics{}, fmt.Errorf("solverclient: encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	respStruct := &structpb.Struct{}
	if err := c.conn.Invoke(callCtx, solveMethod, reqStruct, respStruct); err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return domain.Solution{}, domain.Diagnostics{}, orchestration.ErrSolverTimeout
		}
		return domain.Solution{}, domain.Diagnostics{}, fmt.Errorf("solverclient: invoke: %w", err)
	}

	solution, diagnostics, err := decodeSolveResponse(respStruct)
	if err != nil {
		return domain.Solution{}, domain.Diagnostics{}, fmt.Errorf("solverclient: decode response: %w", err)
	}
	return solution, diagnostics, nil
}

func encodeSolveRequest(req orchestration.SolveRequest) (*structpb.Struct, error) {
	payload := map[string]any{
		"plan_id":   req.PlanID,
		"goal":      goalToAny(req.Goal),
		"context":   contextToAny(req.Context),
		"scenarios": map[string]any{"num_scenarios": req.Scenarios.NumScenarios},
		"optimodel": req.Optimodel,
		"hints":     req.Hints,
	}
	return structFromAny(payload)
}

// structFromAny round-trips through JSON so nested domain-typed maps
// (map[string]float64, []domain.Value, etc.) land as the plain
// map[string]interface{}/[]interface{}/float64 shapes structpb.NewStruct
// requires.
func structFromAny(v map[string]any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewStruct(generic)
}

func goalToAny(g domain.GoalDSL) map[string]any {
	scope := make(map[string]any, len(g.Scope))
	for k, v := range g.Scope {
		scope[k] = v.ToAny()
	}
	constraints := map[string]any{}
	if g.Constraints.BudgetMonth != nil {
		constraints["budget_month"] = *g.Constraints.BudgetMonth
	}
	if g.Constraints.ServiceMin != nil {
		constraints["service_min"] = *g.Constraints.ServiceMin
	}
	extra := make(map[string]any, len(g.Constraints.Extra))
	for k, v := range g.Constraints.Extra {
		extra[k] = v.ToAny()
	}
	constraints["extra"] = extra

	policies := map[string]any{
		"policy_id":        g.Policies.PolicyID,
		"tier":             g.Policies.Tier,
		"deny":             g.Policies.Deny,
		"deny_reasons":     g.Policies.DenyReasons,
		"caps":             g.Policies.Caps,
		"vendor_blocklist": g.Policies.VendorBlocklist,
		"flags":            g.Policies.Flags,
	}

	return map[string]any{
		"objective":   g.Objective,
		"constraints": constraints,
		"scope":       scope,
		"policies":    policies,
	}
}

func contextToAny(c domain.PlanningContext) map[string]any {
	skus := make([]any, 0, len(c.SKUs))
	for _, sku := range c.SKUs {
		suppliers := make([]any, 0, len(sku.SupplierOptions))
		for _, opt := range sku.SupplierOptions {
			suppliers = append(suppliers, map[string]any{"supplier_id": opt.SupplierID})
		}
		skus = append(skus, map[string]any{"sku": sku.SKU, "supplier_options": suppliers})
	}
	return map[string]any{"skus": skus}
}

type wireSolution struct {
	KPIs  map[string]float64 `json:"kpis"`
	Steps []wireSolutionStep `json:"steps"`
}

type wireSolutionStep struct {
	Supplier string         `json:"supplier"`
	Fields   map[string]any `json:"fields"`
}

type wireDiagnostics struct {
	RobustEval *wireRobustEval `json:"robust_eval"`
	Extra      map[string]any  `json:"extra"`
}

type wireRobustEval struct {
	WorstCaseService float64 `json:"worst_case_service"`
}

func decodeSolveResponse(respStruct *structpb.Struct) (domain.Solution, domain.Diagnostics, error) {
	raw, err := json.Marshal(respStruct.AsMap())
	if err != nil {
		return domain.Solution{}, domain.Diagnostics{}, err
	}

	var body struct {
		Solution   wireSolution    `json:"solution"`
		Diagnostics wireDiagnostics `json:"diagnostics"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.Solution{}, domain.Diagnostics{}, err
	}

	steps := make([]domain.SolutionStep, 0, len(body.Solution.Steps))
	for _, s := range body.Solution.Steps {
		fields := make(map[string]domain.Value, len(s.Fields))
		for k, v := range s.Fields {
			fields[k] = domain.ValueFromAny(v)
		}
		steps = append(steps, domain.SolutionStep{Supplier: s.Supplier, Fields: fields})
	}
	solution := domain.Solution{KPIs: body.Solution.KPIs, Steps: steps}

	diagnostics := domain.Diagnostics{}
	if body.Diagnostics.RobustEval != nil {
		diagnostics.RobustEval = &domain.RobustEvalSummary{WorstCaseService: body.Diagnostics.RobustEval.WorstCaseService}
	}
	if len(body.Diagnostics.Extra) > 0 {
		extra := make(map[string]domain.Value, len(body.Diagnostics.Extra))
		for k, v := range body.Diagnostics.Extra {
			extra[k] = domain.ValueFromAny(v)
		}
		diagnostics.Extra = extra
	}
	return solution, diagnostics, nil
}
