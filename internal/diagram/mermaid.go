package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef timed_out fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef current stroke:#f1c40f,stroke-width:3px\n")

	for _, node := range model.Nodes {
		if node.Status != nil {
			if cls := mermaidStatusClass(node.Status.Status); cls != "" {
				fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
			}
		}
	}
	if model.Current != "" {
		fmt.Fprintf(&b, "    class %s current\n", mermaidSafeID(model.Current))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))
	if node.Status != nil && node.Status.Attempts > 1 {
		label = fmt.Sprintf("%s x%d", label, node.Status.Attempts)
	}

	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores and prefixes keywords.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	safe := r.Replace(id)
	switch strings.ToLower(safe) {
	case "end", "graph", "subgraph", "class", "classdef", "style":
		return "n_" + safe
	}
	return safe
}

// mermaidEscapeLabel replaces double quotes, which end a quoted label.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

// mermaidStatusClass maps a node-run status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "timed_out", "running":
		return status
	default:
		return ""
	}
}
