package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_Name(t *testing.T) {
	assert.Equal(t, "cel", newCEL(t).Name())
}

func TestCEL_MatchRunFilter(t *testing.T) {
	e := newCEL(t)
	run := map[string]any{
		"status":       "failed",
		"elapsed_ms":   float64(90000),
		"trigger_kind": "schedule",
		"error":        map[string]any{"code": "TIMEOUT_ERROR"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`run.status == "failed"`, true},
		{`run.status == "failed" && run.elapsed_ms > 60000`, true},
		{`run.trigger_kind in ["manual", "chat"]`, false},
		{`has(run.error) && run.error.code == "TIMEOUT_ERROR"`, true},
		{`has(run.output)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Match(context.Background(), tt.expr, map[string]any{"run": run})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MissingRunDefaultsEmpty(t *testing.T) {
	got, err := newCEL(t).Match(context.Background(), `size(run) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCEL_NonBoolFilter(t *testing.T) {
	_, err := newCEL(t).Match(context.Background(), `run.status`, map[string]any{"run": map[string]any{"status": "queued"}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_CompileErrors(t *testing.T) {
	e := newCEL(t)
	assert.True(t, schema.IsCode(e.Compile(`run.status ==`), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(e.Compile(`steps.x == 1`), schema.ErrCodeValidation))

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_RuntimeError(t *testing.T) {
	_, err := newCEL(t).Evaluate(context.Background(), `run.missing == 1`, map[string]any{"run": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}
