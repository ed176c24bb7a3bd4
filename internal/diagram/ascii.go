package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a node-run status.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "timed_out":
		return "[TIMEOUT]"
	case "running":
		return "[RUN]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		box := makeBox(node, node.ID == model.Current)
		for _, line := range box {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	return b.String()
}

// makeBox creates the lines of an ASCII box for a node.
func makeBox(node *Node, current bool) []string {
	content := []string{firstLine(node.Label)}
	if current {
		content[0] += " <"
	}

	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.Attempts > 1 {
			content = append(content, fmt.Sprintf("%d attempts", node.Status.Attempts))
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", maxLen+2)+"┐")
	for _, line := range content {
		pad := maxLen - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", maxLen+2)+"┘")
	return lines
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
