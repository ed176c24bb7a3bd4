package diagram

import (
	"fmt"

	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/pkg/schema"
)

// Build constructs a DiagramModel from a definition. When run is non-nil its
// node runs are overlaid and its current node is highlighted.
func Build(def *schema.WorkflowDefinition, run *schema.RunDetails) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: definition is nil")
	}

	order := definition.Chain(def)
	if len(order) == 0 {
		// Drafts without terminals still render in declaration order.
		for _, n := range def.Nodes {
			order = append(order, n.ID)
		}
	}

	latest := map[string]*schema.NodeRun{}
	attempts := map[string]int{}
	model := &DiagramModel{Title: titleFromDef(def)}
	if run != nil {
		for _, nr := range run.NodeRuns {
			attempts[nr.NodeID]++
			if prev, ok := latest[nr.NodeID]; !ok || nr.Attempt >= prev.Attempt {
				latest[nr.NodeID] = nr
			}
		}
		if run.Run != nil && !run.Run.Status.Terminal() {
			model.Current = run.Run.CurrentNodeID
		}
	}

	for _, id := range order {
		n, ok := def.NodeByID(id)
		if !ok {
			continue
		}
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Type)}
		if nr, ok := latest[n.ID]; ok {
			node.Status = overlay(nr, attempts[n.ID])
		}
		model.Nodes = append(model.Nodes, node)
	}

	for i := 1; i < len(model.Nodes); i++ {
		model.Edges = append(model.Edges, Edge{From: model.Nodes[i-1].ID, To: model.Nodes[i].ID})
	}
	return model, nil
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeStart:
		return NodeKindStart
	case schema.NodeTypeEnd:
		return NodeKindEnd
	default:
		return NodeKindAgent
	}
}

// nodeLabel shows the node name and, for agent steps, the agent it calls.
func nodeLabel(n schema.Node) string {
	label := n.ID
	if n.Name != "" {
		label = n.Name
	}
	if n.Type == schema.NodeTypeAgentStep {
		if a, ok := n.Config["agent"].(string); ok && a != "" {
			return fmt.Sprintf("%s\n(%s)", label, a)
		}
	}
	return label
}

func overlay(nr *schema.NodeRun, attempts int) *StatusOverlay {
	o := &StatusOverlay{
		Status:     string(nr.Status),
		DurationMs: nr.DurationMs,
		Attempts:   attempts,
	}
	if nr.Error != nil {
		o.Error = nr.Error.Message
	}
	return o
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	if def.Version > 0 {
		return fmt.Sprintf("%s (v%d)", name, def.Version)
	}
	return name
}
