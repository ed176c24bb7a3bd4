package validation

import (
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// validateGraph checks that a definition forms one linear chain:
// exactly one start and one end, every edge "always" between known nodes,
// and a walk from start that reaches end after visiting every node once.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var starts, ends []string
	known := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		known[n.ID] = true
		switch n.Type {
		case schema.NodeTypeStart:
			starts = append(starts, n.ID)
		case schema.NodeTypeEnd:
			ends = append(ends, n.ID)
		}
	}
	if len(starts) != 1 {
		result.Errorf("nodes", "expected exactly one start node, found %d", len(starts))
	}
	if len(ends) != 1 {
		result.Errorf("nodes", "expected exactly one end node, found %d", len(ends))
	}

	next := make(map[string]string, len(def.Edges))
	inbound := make(map[string]int, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !known[e.From] {
			result.Errorf(path+".from", "references non-existent node %q", e.From)
		}
		if !known[e.To] {
			result.Errorf(path+".to", "references non-existent node %q", e.To)
		}
		if e.Condition != schema.EdgeConditionAlways {
			result.Errorf(path+".condition", "unsupported edge condition %q", e.Condition)
		}
		if _, dup := next[e.From]; dup {
			result.Errorf(path, "node %q has more than one outgoing edge", e.From)
		}
		next[e.From] = e.To
		inbound[e.To]++
		if inbound[e.To] > 1 {
			result.Errorf(path, "node %q has more than one incoming edge", e.To)
		}
	}
	if !result.Valid() {
		return result
	}

	start, end := starts[0], ends[0]
	if inbound[start] > 0 {
		result.Errorf("edges", "start node %q has an incoming edge", start)
	}
	if _, ok := next[end]; ok {
		result.Errorf("edges", "end node %q has an outgoing edge", end)
	}

	visited := make(map[string]bool, len(def.Nodes))
	cur := start
	for {
		if visited[cur] {
			result.Errorf("edges", "cycle detected at node %q", cur)
			return result
		}
		visited[cur] = true
		if cur == end {
			break
		}
		to, ok := next[cur]
		if !ok {
			result.Errorf("edges", "chain breaks at node %q before reaching end", cur)
			return result
		}
		cur = to
	}
	for _, n := range def.Nodes {
		if !visited[n.ID] {
			result.Errorf("nodes", "node %q is not reachable from start", n.ID)
		}
	}
	return result
}
