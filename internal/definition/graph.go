package definition

import (
	"strconv"

	"github.com/rendis/opflow/pkg/schema"
)

// EnsureTerminals adds a start node at the front and an end node at the
// back when the definition has none. Existing terminals are left alone.
func EnsureTerminals(def *schema.WorkflowDefinition) {
	var hasStart, hasEnd bool
	for _, n := range def.Nodes {
		switch n.Type {
		case schema.NodeTypeStart:
			hasStart = true
		case schema.NodeTypeEnd:
			hasEnd = true
		}
	}
	if !hasStart {
		start := schema.Node{ID: freeID(def, "start"), Type: schema.NodeTypeStart, Name: "Start"}
		def.Nodes = append([]schema.Node{start}, def.Nodes...)
	}
	if !hasEnd {
		def.Nodes = append(def.Nodes, schema.Node{ID: freeID(def, "end"), Type: schema.NodeTypeEnd, Name: "End"})
	}
}

func freeID(def *schema.WorkflowDefinition, base string) string {
	taken := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		taken[n.ID] = true
	}
	id := base
	for i := 2; taken[id]; i++ {
		id = base + "_" + strconv.Itoa(i)
	}
	return id
}

// RebuildEdges replaces the edges with the chain start -> steps -> end,
// taking steps in node array order. It is idempotent. Definitions without
// exactly one start and one end keep their edges so that validation can
// report the problem.
func RebuildEdges(def *schema.WorkflowDefinition) {
	var start, end string
	var starts, ends int
	steps := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		switch n.Type {
		case schema.NodeTypeStart:
			start = n.ID
			starts++
		case schema.NodeTypeEnd:
			end = n.ID
			ends++
		default:
			steps = append(steps, n.ID)
		}
	}
	if starts != 1 || ends != 1 {
		return
	}

	order := make([]string, 0, len(steps)+2)
	order = append(order, start)
	order = append(order, steps...)
	order = append(order, end)

	edges := make([]schema.Edge, 0, len(order)-1)
	for i := 0; i+1 < len(order); i++ {
		edges = append(edges, schema.Edge{
			ID:        "e_" + order[i] + "_" + order[i+1],
			From:      order[i],
			To:        order[i+1],
			Condition: schema.EdgeConditionAlways,
		})
	}
	def.Edges = edges
}

// Chain returns the node IDs in execution order, following edges from start.
func Chain(def *schema.WorkflowDefinition) []string {
	cur, ok := def.StartNode()
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for !seen[cur] {
		seen[cur] = true
		out = append(out, cur)
		next, ok := def.Next(cur)
		if !ok {
			break
		}
		cur = next
	}
	return out
}
