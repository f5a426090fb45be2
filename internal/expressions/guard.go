package expressions

import (
	"context"
	"strings"

	"github.com/rendis/flow/pkg/schema"
)

// Expression prefixes selecting a non-default engine.
const (
	prefixExpr = "expr:"
	prefixJQ   = "jq:"
)

// GuardEvaluator evaluates custom transition guards. The default engine is
// CEL; expressions prefixed with "expr:" or "jq:" are routed to the matching
// engine. All engines see the same data shape: vars, success, failure.
type GuardEvaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewGuardEvaluator creates a GuardEvaluator with all three engines ready.
func NewGuardEvaluator() (*GuardEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &GuardEvaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// GuardData builds the evaluation data for a guard from the variable context.
func GuardData(vars map[string]any, lastSuccess bool) map[string]any {
	if vars == nil {
		vars = map[string]any{}
	}
	data := map[string]any{
		"vars":    vars,
		"success": lastSuccess,
		"failure": !lastSuccess,
	}
	// Expose variables as top-level keys too, so guards can say
	// `status == "ready"` instead of `vars.status == "ready"` in the
	// expr and jq engines.
	for k, v := range vars {
		if _, reserved := data[k]; !reserved {
			data[k] = v
		}
	}
	return data
}

// EvaluateBool evaluates a guard expression and requires a boolean result.
// A non-boolean result is an engine error: guards must be predicates.
func (g *GuardEvaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	engine, expr := g.route(expression)

	out, err := engine.Evaluate(ctx, expr, data)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEngine,
			"guard %q evaluated to non-boolean %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Compile checks an expression without evaluating it, for static validation.
func (g *GuardEvaluator) Compile(expression string) error {
	engine, expr := g.route(expression)
	switch e := engine.(type) {
	case *CELEngine:
		_, err := e.getOrCompile(expr)
		return err
	case *GoJQEngine:
		_, err := e.getOrCompile(expr)
		return err
	default:
		// Expr compilation needs an environment; defer to run time.
		return nil
	}
}

func (g *GuardEvaluator) route(expression string) (Engine, string) {
	trimmed := strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(trimmed, prefixExpr):
		return g.expr, strings.TrimSpace(strings.TrimPrefix(trimmed, prefixExpr))
	case strings.HasPrefix(trimmed, prefixJQ):
		return g.jq, strings.TrimSpace(strings.TrimPrefix(trimmed, prefixJQ))
	default:
		return g.cel, trimmed
	}
}
