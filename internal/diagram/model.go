// Package diagram renders workflow definitions, optionally overlaid with the
// node runs of one run, as Mermaid flowcharts or ASCII boxes.
package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindAgent NodeKind = "agent"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order.
type DiagramModel struct {
	Title   string
	Nodes   []*Node
	Edges   []Edge
	Current string // node the run is positioned at, if any
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the latest attempt of a node.
type StatusOverlay struct {
	Status     string // from schema.NodeRunStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
