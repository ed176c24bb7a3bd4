// Package agent defines the collaborator that performs the work of an
// agent_step node and the executors that ship with the engine.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// Request is the input handed to an agent for one node attempt.
type Request struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id"`
	Attempt    int             `json:"attempt"`
	Config     map[string]any  `json:"config,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// Result is the output of a successful attempt.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// Executor performs the work of an agent_step node.
// Implementations must honor ctx cancellation; the engine enforces the node
// timeout through ctx. Failures should be *schema.FlowError values with
// Retryable set; any other error is treated as retryable.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func struct {
	ExecutorName string
	Fn           func(ctx context.Context, req Request) (*Result, error)
}

func (f Func) Name() string { return f.ExecutorName }

func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f.Fn(ctx, req)
}

// RetryableError builds a failure the engine may retry.
func RetryableError(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNodeExecution, format, args...).WithRetryable(true)
}

// PermanentError builds a failure that fails the run without retry.
func PermanentError(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNonRetryable, format, args...).WithRetryable(false)
}

// JSONResult marshals v into a Result.
func JSONResult(v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, PermanentError("marshal agent output: %v", err)
	}
	return &Result{Output: b}, nil
}

// Param helpers for reading node config.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
