package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/opflow/pkg/schema"
)

// ExprEngine evaluates expr-lang programs. It backs the chat trigger
// confidence formula, whose environment is a flat map of numeric and
// boolean features.
type ExprEngine struct {
	programs programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as the environment. Programs are
// compiled against the first environment they see.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	prg, err := e.compiled(expression, data)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// EvaluateFloat evaluates expression and coerces the result to float64.
// Booleans count as 1 and 0.
func (e *ExprEngine) EvaluateFloat(ctx context.Context, expression string, data map[string]any) (float64, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return 0, err
	}
	switch v := out.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeExpression, "expr: %q returned %T, want a number", expression, out).
		WithDetails(map[string]any{"engine": e.Name(), "expression": expression})
}

// Compile checks expression against a sample environment.
func (e *ExprEngine) Compile(expression string, sample map[string]any) error {
	if sample == nil {
		sample = map[string]any{}
	}
	_, err := e.compiled(expression, sample)
	return err
}

func (e *ExprEngine) compiled(expression string, env map[string]any) (*vm.Program, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.programs.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
