package gate

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/mega-emu/relgate/pkg/channel"
)

// Router evaluates an optional CEL predicate over (artifact, channel,
// release) to route artifacts to a subset of channels. The zero value
// and a router built from an empty expression route everything
// everywhere.
//
// Routing runs before the first upload, so a policy error blocks the
// whole batch instead of leaving a partial publish behind.
type Router struct {
	expr string
	prg  cel.Program
}

// NewRouter compiles the routing predicate. The expression sees three
// variables:
//
//	artifact  map with "name"
//	channel   channel name string
//	release   map with "version" and "tag"
//
// Expressions whose outcome could differ between two runs over the
// same batch are rejected up front: now() and floating point literals.
func NewRouter(expr string) (*Router, error) {
	if expr == "" {
		return &Router{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("artifact", cel.DynType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("release", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: cel environment: %w", err)
	}

	parsed, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("gate: parse policy: %w", issues.Err())
	}
	if msg := nondeterministic(parsed.Expr()); msg != "" { //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
		return nil, fmt.Errorf("gate: policy rejected: %s", msg)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("gate: compile policy: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: build policy program: %w", err)
	}
	return &Router{expr: expr, prg: prg}, nil
}

// nondeterministic walks the parsed expression and names the first
// construct that would make routing depend on anything but the batch
// itself. now() routes by wall clock; floating point literals route by
// platform rounding.
func nondeterministic(e *exprpb.Expr) string {
	if e == nil {
		return ""
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			return "floating point literals are not allowed in routing policies"
		}
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if call.Function == "now" {
			return "now() is not allowed in routing policies"
		}
		if msg := nondeterministic(call.Target); msg != "" {
			return msg
		}
		for _, arg := range call.Args {
			if msg := nondeterministic(arg); msg != "" {
				return msg
			}
		}
	case *exprpb.Expr_SelectExpr:
		return nondeterministic(k.SelectExpr.Operand)
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if msg := nondeterministic(el); msg != "" {
				return msg
			}
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if msg := nondeterministic(entry.GetMapKey()); msg != "" {
				return msg
			}
			if msg := nondeterministic(entry.GetValue()); msg != "" {
				return msg
			}
		}
	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		for _, sub := range []*exprpb.Expr{comp.IterRange, comp.AccuInit, comp.LoopCondition, comp.LoopStep, comp.Result} {
			if msg := nondeterministic(sub); msg != "" {
				return msg
			}
		}
	}
	return ""
}

// Route reports whether the artifact should go to the named channel.
func (r *Router) Route(artifactName, channelName string, rel channel.Release) (bool, error) {
	if r == nil || r.prg == nil {
		return true, nil
	}

	input := map[string]any{
		"artifact": map[string]any{"name": artifactName},
		"channel":  channelName,
		"release": map[string]any{
			"version": rel.Version,
			"tag":     rel.TagName(),
		},
	}
	out, _, err := r.prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("gate: evaluate policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("gate: policy %q did not evaluate to bool", r.expr)
	}
	return allowed, nil
}
