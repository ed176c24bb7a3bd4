package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// assembleInput builds the document handed to a node:
//
//	{input: previous output, config, outputs: {nodeID: output}, run: {...}}
//
// and reshapes it with the node's input_selector when one is set.
func assembleInput(ctx context.Context, jq *expressions.GoJQEngine, run *schema.WorkflowRun, node schema.Node, prev json.RawMessage, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	doc := map[string]any{
		"input":   decodeRaw(prev),
		"config":  configOrEmpty(node.Config),
		"outputs": decodeOutputs(outputs),
		"run": map[string]any{
			"id":               run.ID,
			"workflow_id":      run.WorkflowID,
			"workflow_version": run.WorkflowVersion,
			"trigger_kind":     string(run.TriggerKind),
			"trigger_id":       run.TriggerID,
			"input":            decodeRaw(run.Input),
		},
	}

	var selected any = doc
	if sel, ok := node.Config[schema.InputSelectorKey].(string); ok && sel != "" {
		out, err := jq.Evaluate(ctx, sel, doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"input_selector: %v", err).WithNode(node.ID).WithCause(err)
		}
		selected = out
	}

	raw, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("marshal node input: %w", err)
	}
	return raw, nil
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func decodeOutputs(outputs map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = decodeRaw(v)
	}
	return out
}

func configOrEmpty(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}
