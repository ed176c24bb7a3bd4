package expressions

import (
	"context"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Three implementations: CEL (run filters), GoJQ (node input selection),
// Expr (trigger confidence scoring).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; a failed compile is not cached.
type programCache[P any] struct {
	mu sync.RWMutex
	m  map[string]P
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.m[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.m[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	if c.m == nil {
		c.m = make(map[string]P)
	}
	c.m[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// compileError reports an expression that does not parse or type-check.
func compileError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid expression %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// evalError reports a runtime failure of a compiled expression.
func evalError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s: evaluating %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", engine)
}
