package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/opflow/pkg/schema"
)

// CELEngine evaluates CEL run filters such as
// `run.status == "failed" && run.elapsed_ms > 60000`.
type CELEngine struct {
	env      *cel.Env
	programs programCache[cel.Program]
}

// NewCELEngine builds an environment with a single variable, run, holding
// the JSON form of a workflow run.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("run", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.compiled(expression)
	if err != nil {
		return nil, err
	}
	run, ok := data["run"]
	if !ok || run == nil {
		run = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"run": run})
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Match evaluates a filter that must yield a bool.
func (e *CELEngine) Match(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "cel: filter %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"engine": e.Name(), "expression": expression})
	}
	return b, nil
}

// Compile checks expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.compiled(expression)
	return err
}

func (e *CELEngine) compiled(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	return e.programs.get(expression, func(src string) (cel.Program, error) {
		ast, issues := e.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, compileError(e.Name(), src, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, compileError(e.Name(), src, err)
		}
		return prg, nil
	})
}

var _ Engine = (*CELEngine)(nil)
