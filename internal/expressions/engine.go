package expressions

import "context"

// Engine evaluates expressions against a run's variable context.
// Three implementations: CEL (default for guards), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
